// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package arr

import (
	"context"
	"strings"
	"time"

	"github.com/autobrr/huntarr/internal/models"
)

// Client is the capability set the hunt worker and stall monitor depend on.
// Every supported app implements it with its own endpoint shapes.
type Client interface {
	App() models.AppType
	SystemStatus(ctx context.Context) (*SystemStatus, error)
	ListMissing(ctx context.Context, opts ListOptions) ([]Item, error)
	ListUpgradeCandidates(ctx context.Context, opts ListOptions) ([]Item, error)
	TriggerSearch(ctx context.Context, itemIDs ...int64) (*Command, error)
	CommandStatus(ctx context.Context, commandID int64) (*Command, error)
	ListActiveDownloads(ctx context.Context) ([]QueueItem, error)
	QueueSize(ctx context.Context) (int, error)
	RemoveDownload(ctx context.Context, queueID int64, opts RemoveOptions) error
}

type SystemStatus struct {
	AppName      string `json:"appName"`
	InstanceName string `json:"instanceName"`
	Version      string `json:"version"`
	Branch       string `json:"branch"`
	IsDocker     bool   `json:"isDocker"`
	StartTime    string `json:"startTime"`
}

// Item is one missing or cutoff-unmet record, normalized across apps.
type Item struct {
	ID         int64      `json:"id"`
	ParentID   int64      `json:"parentId"`
	Title      string     `json:"title"`
	Monitored  bool       `json:"monitored"`
	HasFile    bool       `json:"hasFile"`
	ReleasedAt *time.Time `json:"releasedAt,omitempty"`
}

// QueueItem is one entry of the instance download queue.
type QueueItem struct {
	ID                    int64   `json:"id"`
	DownloadID            string  `json:"downloadId"`
	ItemID                int64   `json:"itemId"`
	Title                 string  `json:"title"`
	Status                string  `json:"status"`
	TrackedDownloadState  string  `json:"trackedDownloadState"`
	TrackedDownloadStatus string  `json:"trackedDownloadStatus"`
	Protocol              string  `json:"protocol"`
	DownloadClient        string  `json:"downloadClient"`
	Size                  float64 `json:"size"`
	SizeLeft              float64 `json:"sizeleft"`
	ErrorMessage          string  `json:"errorMessage,omitempty"`
}

// Key identifies a download across polls. Usenet/torrent ids are preferred,
// the queue id is a fallback for clients that do not report one.
func (q QueueItem) Key() string {
	if q.DownloadID != "" {
		return strings.ToUpper(q.DownloadID)
	}
	return "queue-" + itoa(q.ID)
}

// Downloading reports whether the record is actively transferring (or should be).
func (q QueueItem) Downloading() bool {
	switch strings.ToLower(q.Status) {
	case "downloading", "warning", "stalled":
	default:
		return false
	}
	switch strings.ToLower(q.TrackedDownloadState) {
	case "importpending", "importing", "imported", "failedpending", "ignored":
		return false
	}
	return true
}

type Command struct {
	ID      int64  `json:"id"`
	Name    string `json:"name"`
	Status  string `json:"status"`
	State   string `json:"state"`
	Message string `json:"message"`
}

// Finished reports whether the command reached a terminal status.
func (c *Command) Finished() bool {
	switch c.status() {
	case "completed", "failed", "aborted", "cancelled", "orphaned":
		return true
	}
	return false
}

// Failed reports a terminal status other than completed.
func (c *Command) Failed() bool {
	return c.Finished() && c.status() != "completed"
}

func (c *Command) status() string {
	if c.Status != "" {
		return strings.ToLower(c.Status)
	}
	return strings.ToLower(c.State)
}

// ListOptions controls candidate discovery.
type ListOptions struct {
	MonitoredOnly bool
	// SortDescending asks for the newest records first.
	SortDescending bool
	PageSize       int
	// MaxPages bounds the walk; zero fetches every page.
	MaxPages int
	// BeforeRequest runs before every upstream request; an error aborts the listing.
	// The hunt worker uses it to charge discovery calls against the budget.
	BeforeRequest func(ctx context.Context) error
}

const (
	defaultPageSize = 250
	// upper bound against servers that never return a short page
	pageWalkLimit = 2000
)

func (o ListOptions) withDefaults() ListOptions {
	if o.PageSize <= 0 {
		o.PageSize = defaultPageSize
	}
	if o.MaxPages <= 0 || o.MaxPages > pageWalkLimit {
		o.MaxPages = pageWalkLimit
	}
	return o
}

func (o ListOptions) before(ctx context.Context) error {
	if o.BeforeRequest == nil {
		return nil
	}
	return o.BeforeRequest(ctx)
}

type RemoveOptions struct {
	RemoveFromClient bool
	Blocklist        bool
}

type page[T any] struct {
	Page         int `json:"page"`
	PageSize     int `json:"pageSize"`
	TotalRecords int `json:"totalRecords"`
	Records      []T `json:"records"`
}
