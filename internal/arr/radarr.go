// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package arr

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"time"

	"github.com/autobrr/huntarr/internal/models"
)

// RadarrClient covers Radarr v3+ and Whisparr v3, which share the movie API.
type RadarrClient struct {
	*client
}

func NewRadarr(cfg Config) *RadarrClient {
	if cfg.App == "" {
		cfg.App = models.AppRadarr
	}
	return &RadarrClient{client: newClient(cfg, "/api/v3")}
}

type movieRecord struct {
	ID              int64      `json:"id"`
	Title           string     `json:"title"`
	Year            int        `json:"year"`
	Monitored       bool       `json:"monitored"`
	HasFile         bool       `json:"hasFile"`
	InCinemas       *time.Time `json:"inCinemas"`
	PhysicalRelease *time.Time `json:"physicalRelease"`
	DigitalRelease  *time.Time `json:"digitalRelease"`
	ReleaseDate     *time.Time `json:"releaseDate"`
	Added           *time.Time `json:"added"`
}

func (r movieRecord) item() Item {
	title := r.Title
	if r.Year > 0 {
		title = fmt.Sprintf("%s (%d)", r.Title, r.Year)
	}
	return Item{
		ID:         r.ID,
		Title:      title,
		Monitored:  r.Monitored,
		HasFile:    r.HasFile,
		ReleasedAt: earliest(r.DigitalRelease, r.PhysicalRelease, r.InCinemas, r.ReleaseDate),
	}
}

// ListMissing reads the whole library: the movie endpoint is not paginated and
// wanted/missing is absent on older Radarr builds.
func (c *RadarrClient) ListMissing(ctx context.Context, opts ListOptions) ([]Item, error) {
	if err := opts.before(ctx); err != nil {
		return nil, err
	}

	var movies []movieRecord
	if err := c.get(ctx, "movie", nil, &movies); err != nil {
		return nil, err
	}

	items := make([]Item, 0, len(movies))
	for _, m := range movies {
		if m.HasFile {
			continue
		}
		if opts.MonitoredOnly && !m.Monitored {
			continue
		}
		items = append(items, m.item())
	}

	// release date order like the paginated apps, undated last
	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i].ReleasedAt, items[j].ReleasedAt
		switch {
		case a == nil:
			return false
		case b == nil:
			return true
		case opts.SortDescending:
			return a.After(*b)
		default:
			return a.Before(*b)
		}
	})
	return items, nil
}

func (c *RadarrClient) ListUpgradeCandidates(ctx context.Context, opts ListOptions) ([]Item, error) {
	params := url.Values{"sortKey": {"movies.sortTitle"}, "sortDirection": {"ascending"}}
	return fetchPages(ctx, c.client, "wanted/cutoff", params, opts, movieRecord.item)
}

func (c *RadarrClient) TriggerSearch(ctx context.Context, itemIDs ...int64) (*Command, error) {
	return c.command(ctx, "MoviesSearch", "movieIds", itemIDs)
}

func (c *RadarrClient) ListActiveDownloads(ctx context.Context) ([]QueueItem, error) {
	return c.fetchQueue(ctx, func(r queueRecord) int64 { return r.MovieID })
}
