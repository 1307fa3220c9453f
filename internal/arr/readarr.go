// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package arr

import (
	"context"
	"net/url"
	"time"

	"github.com/autobrr/huntarr/internal/models"
)

type ReadarrClient struct {
	*client
}

func NewReadarr(cfg Config) *ReadarrClient {
	if cfg.App == "" {
		cfg.App = models.AppReadarr
	}
	return &ReadarrClient{client: newClient(cfg, "/api/v1")}
}

type bookRecord struct {
	ID          int64      `json:"id"`
	AuthorID    int64      `json:"authorId"`
	Title       string     `json:"title"`
	ReleaseDate *time.Time `json:"releaseDate"`
	Monitored   bool       `json:"monitored"`
	Author      *struct {
		AuthorName string `json:"authorName"`
		Monitored  bool   `json:"monitored"`
	} `json:"author"`
}

func (r bookRecord) item() Item {
	title := r.Title
	monitored := r.Monitored
	if r.Author != nil {
		if r.Author.AuthorName != "" {
			title = r.Author.AuthorName + " - " + title
		}
		monitored = monitored && r.Author.Monitored
	}
	return Item{
		ID:         r.ID,
		ParentID:   r.AuthorID,
		Title:      title,
		Monitored:  monitored,
		ReleasedAt: r.ReleaseDate,
	}
}

func bookParams() url.Values {
	return url.Values{
		"includeAuthor": {"true"},
		"sortKey":       {"releaseDate"},
		"sortDirection": {"ascending"},
	}
}

func (c *ReadarrClient) ListMissing(ctx context.Context, opts ListOptions) ([]Item, error) {
	return fetchPages(ctx, c.client, "wanted/missing", bookParams(), opts, bookRecord.item)
}

func (c *ReadarrClient) ListUpgradeCandidates(ctx context.Context, opts ListOptions) ([]Item, error) {
	return fetchPages(ctx, c.client, "wanted/cutoff", bookParams(), opts, bookRecord.item)
}

func (c *ReadarrClient) TriggerSearch(ctx context.Context, itemIDs ...int64) (*Command, error) {
	return c.command(ctx, "BookSearch", "bookIds", itemIDs)
}

func (c *ReadarrClient) ListActiveDownloads(ctx context.Context) ([]QueueItem, error) {
	return c.fetchQueue(ctx, func(r queueRecord) int64 { return r.BookID })
}
