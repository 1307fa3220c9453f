// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package arr

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/autobrr/huntarr/internal/models"
)

// SonarrClient covers Sonarr v3+ and Whisparr v2, which share the episode API.
type SonarrClient struct {
	*client
}

func NewSonarr(cfg Config) *SonarrClient {
	if cfg.App == "" {
		cfg.App = models.AppSonarr
	}
	return &SonarrClient{client: newClient(cfg, "/api/v3")}
}

type episodeRecord struct {
	ID            int64      `json:"id"`
	SeriesID      int64      `json:"seriesId"`
	Title         string     `json:"title"`
	SeasonNumber  int        `json:"seasonNumber"`
	EpisodeNumber int        `json:"episodeNumber"`
	AirDateUtc    *time.Time `json:"airDateUtc"`
	Monitored     bool       `json:"monitored"`
	HasFile       bool       `json:"hasFile"`
	Series        *struct {
		Title     string `json:"title"`
		Monitored bool   `json:"monitored"`
	} `json:"series"`
}

func (r episodeRecord) item() Item {
	title := fmt.Sprintf("S%02dE%02d", r.SeasonNumber, r.EpisodeNumber)
	if r.Title != "" {
		title += " - " + r.Title
	}
	monitored := r.Monitored
	if r.Series != nil {
		if r.Series.Title != "" {
			title = r.Series.Title + " - " + title
		}
		monitored = monitored && r.Series.Monitored
	}
	return Item{
		ID:         r.ID,
		ParentID:   r.SeriesID,
		Title:      title,
		Monitored:  monitored,
		HasFile:    r.HasFile,
		ReleasedAt: r.AirDateUtc,
	}
}

func episodeParams() url.Values {
	return url.Values{
		"includeSeries": {"true"},
		"sortKey":       {"airDateUtc"},
		"sortDirection": {"ascending"},
	}
}

func (c *SonarrClient) ListMissing(ctx context.Context, opts ListOptions) ([]Item, error) {
	return fetchPages(ctx, c.client, "wanted/missing", episodeParams(), opts, episodeRecord.item)
}

func (c *SonarrClient) ListUpgradeCandidates(ctx context.Context, opts ListOptions) ([]Item, error) {
	return fetchPages(ctx, c.client, "wanted/cutoff", episodeParams(), opts, episodeRecord.item)
}

func (c *SonarrClient) TriggerSearch(ctx context.Context, itemIDs ...int64) (*Command, error) {
	return c.command(ctx, "EpisodeSearch", "episodeIds", itemIDs)
}

func (c *SonarrClient) ListActiveDownloads(ctx context.Context) ([]QueueItem, error) {
	return c.fetchQueue(ctx, func(r queueRecord) int64 { return r.EpisodeID })
}
