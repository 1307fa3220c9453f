// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package arr

import (
	"context"
	"net/url"
	"time"

	"github.com/autobrr/huntarr/internal/models"
)

type LidarrClient struct {
	*client
}

func NewLidarr(cfg Config) *LidarrClient {
	if cfg.App == "" {
		cfg.App = models.AppLidarr
	}
	return &LidarrClient{client: newClient(cfg, "/api/v1")}
}

type albumRecord struct {
	ID          int64      `json:"id"`
	ArtistID    int64      `json:"artistId"`
	Title       string     `json:"title"`
	ReleaseDate *time.Time `json:"releaseDate"`
	Monitored   bool       `json:"monitored"`
	Artist      *struct {
		ArtistName string `json:"artistName"`
		Monitored  bool   `json:"monitored"`
	} `json:"artist"`
}

func (r albumRecord) item() Item {
	title := r.Title
	monitored := r.Monitored
	if r.Artist != nil {
		if r.Artist.ArtistName != "" {
			title = r.Artist.ArtistName + " - " + title
		}
		monitored = monitored && r.Artist.Monitored
	}
	return Item{
		ID:         r.ID,
		ParentID:   r.ArtistID,
		Title:      title,
		Monitored:  monitored,
		ReleasedAt: r.ReleaseDate,
	}
}

func albumParams() url.Values {
	return url.Values{
		"includeArtist": {"true"},
		"sortKey":       {"releaseDate"},
		"sortDirection": {"ascending"},
	}
}

func (c *LidarrClient) ListMissing(ctx context.Context, opts ListOptions) ([]Item, error) {
	return fetchPages(ctx, c.client, "wanted/missing", albumParams(), opts, albumRecord.item)
}

func (c *LidarrClient) ListUpgradeCandidates(ctx context.Context, opts ListOptions) ([]Item, error) {
	return fetchPages(ctx, c.client, "wanted/cutoff", albumParams(), opts, albumRecord.item)
}

func (c *LidarrClient) TriggerSearch(ctx context.Context, itemIDs ...int64) (*Command, error) {
	return c.command(ctx, "AlbumSearch", "albumIds", itemIDs)
}

func (c *LidarrClient) ListActiveDownloads(ctx context.Context) ([]QueueItem, error) {
	return c.fetchQueue(ctx, func(r queueRecord) int64 { return r.AlbumID })
}
