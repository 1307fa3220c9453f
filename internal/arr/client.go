// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package arr talks to the *arr family of media managers.
package arr

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/avast/retry-go"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/huntarr/internal/buildinfo"
	"github.com/autobrr/huntarr/internal/models"
)

const (
	defaultTimeout      = 30 * time.Second
	defaultRetryDelay   = 3 * time.Second
	defaultRetries      = 2
	maxErrorBodyBytes   = 512
	queueFetchPageSize  = 1000
	apiKeyHeader        = "X-Api-Key"
	contentTypeJSON     = "application/json"
	queueDeleteEndpoint = "queue/"
)

type Config struct {
	App        models.AppType
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	UserAgent  string
	HTTPClient *http.Client
	// Retries is the number of extra attempts for idempotent GETs.
	Retries    int
	RetryDelay time.Duration
}

// New returns the implementation for cfg.App.
func New(cfg Config) (Client, error) {
	switch cfg.App {
	case models.AppSonarr:
		return NewSonarr(cfg), nil
	case models.AppRadarr:
		return NewRadarr(cfg), nil
	case models.AppLidarr:
		return NewLidarr(cfg), nil
	case models.AppReadarr:
		return NewReadarr(cfg), nil
	case models.AppWhisparr:
		return NewWhisparrV2(cfg), nil
	case models.AppWhisparrV3:
		return NewWhisparrV3(cfg), nil
	default:
		return nil, fmt.Errorf("unsupported app type %q", cfg.App)
	}
}

// client holds the transport shared by every app variant.
type client struct {
	app        models.AppType
	baseURL    string
	apiPath    string
	apiKey     string
	userAgent  string
	http       *http.Client
	retries    int
	retryDelay time.Duration
}

func newClient(cfg Config, apiPath string) *client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	userAgent := cfg.UserAgent
	if userAgent == "" {
		userAgent = buildinfo.UserAgent()
	}
	retries := cfg.Retries
	if retries < 0 {
		retries = 0
	} else if retries == 0 {
		retries = defaultRetries
	}
	retryDelay := cfg.RetryDelay
	if retryDelay <= 0 {
		retryDelay = defaultRetryDelay
	}

	return &client{
		app:        cfg.App,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiPath:    apiPath,
		apiKey:     cfg.APIKey,
		userAgent:  userAgent,
		http:       httpClient,
		retries:    retries,
		retryDelay: retryDelay,
	}
}

func (c *client) App() models.AppType {
	return c.app
}

func (c *client) endpointURL(endpoint string, query url.Values) string {
	u := c.baseURL + c.apiPath + "/" + strings.TrimLeft(endpoint, "/")
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return u
}

func (c *client) do(ctx context.Context, method, endpoint string, query url.Values, body any, out any) error {
	op := method + " " + endpoint

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s: encode body: %w", op, err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.endpointURL(endpoint, query), reader)
	if err != nil {
		return fmt.Errorf("%s: build request: %w", op, err)
	}
	req.Header.Set(apiKeyHeader, c.apiKey)
	req.Header.Set("Accept", contentTypeJSON)
	req.Header.Set("User-Agent", c.userAgent)
	if body != nil {
		req.Header.Set("Content-Type", contentTypeJSON)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &UpstreamError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		return &UpstreamError{Op: op, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &UpstreamError{Op: op, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

// get retries transient failures with a fixed delay.
func (c *client) get(ctx context.Context, endpoint string, query url.Values, out any) error {
	return retry.Do(
		func() error {
			return c.do(ctx, http.MethodGet, endpoint, query, nil, out)
		},
		retry.Context(ctx),
		retry.Attempts(uint(c.retries+1)),
		retry.Delay(c.retryDelay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(IsTransient),
		retry.OnRetry(func(n uint, err error) {
			log.Debug().
				Err(err).
				Str("app", string(c.app)).
				Str("endpoint", endpoint).
				Uint("attempt", n+1).
				Msg("arr: retrying request")
		}),
	)
}

func (c *client) SystemStatus(ctx context.Context) (*SystemStatus, error) {
	var status SystemStatus
	if err := c.do(ctx, http.MethodGet, "system/status", nil, nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

func (c *client) CommandStatus(ctx context.Context, commandID int64) (*Command, error) {
	var cmd Command
	if err := c.get(ctx, "command/"+itoa(commandID), nil, &cmd); err != nil {
		return nil, err
	}
	return &cmd, nil
}

func (c *client) QueueSize(ctx context.Context) (int, error) {
	var p page[json.RawMessage]
	query := url.Values{"page": {"1"}, "pageSize": {"1"}}
	if err := c.get(ctx, "queue", query, &p); err != nil {
		return 0, err
	}
	return p.TotalRecords, nil
}

func (c *client) RemoveDownload(ctx context.Context, queueID int64, opts RemoveOptions) error {
	query := url.Values{
		"removeFromClient": {strconv.FormatBool(opts.RemoveFromClient)},
		"blocklist":        {strconv.FormatBool(opts.Blocklist)},
	}
	return c.do(ctx, http.MethodDelete, queueDeleteEndpoint+itoa(queueID), query, nil, nil)
}

// command posts a search command such as {"name":"EpisodeSearch","episodeIds":[1,2]}.
func (c *client) command(ctx context.Context, name, idsField string, ids []int64) (*Command, error) {
	if len(ids) == 0 {
		return nil, fmt.Errorf("%s: no ids given", name)
	}
	body := map[string]any{"name": name, idsField: ids}

	var cmd Command
	if err := c.do(ctx, http.MethodPost, "command", nil, body, &cmd); err != nil {
		return nil, err
	}
	return &cmd, nil
}

// queueRecord carries the item id field of every app; each variant picks its own.
type queueRecord struct {
	ID                    int64   `json:"id"`
	DownloadID            string  `json:"downloadId"`
	Title                 string  `json:"title"`
	Status                string  `json:"status"`
	TrackedDownloadState  string  `json:"trackedDownloadState"`
	TrackedDownloadStatus string  `json:"trackedDownloadStatus"`
	Protocol              string  `json:"protocol"`
	DownloadClient        string  `json:"downloadClient"`
	Size                  float64 `json:"size"`
	SizeLeft              float64 `json:"sizeleft"`
	ErrorMessage          string  `json:"errorMessage"`
	EpisodeID             int64   `json:"episodeId"`
	MovieID               int64   `json:"movieId"`
	AlbumID               int64   `json:"albumId"`
	BookID                int64   `json:"bookId"`
}

func (c *client) fetchQueue(ctx context.Context, itemID func(queueRecord) int64) ([]QueueItem, error) {
	var p page[queueRecord]
	query := url.Values{"page": {"1"}, "pageSize": {itoa(queueFetchPageSize)}}
	if err := c.get(ctx, "queue", query, &p); err != nil {
		return nil, err
	}

	items := make([]QueueItem, 0, len(p.Records))
	for _, r := range p.Records {
		items = append(items, QueueItem{
			ID:                    r.ID,
			DownloadID:            r.DownloadID,
			ItemID:                itemID(r),
			Title:                 r.Title,
			Status:                r.Status,
			TrackedDownloadState:  r.TrackedDownloadState,
			TrackedDownloadStatus: r.TrackedDownloadStatus,
			Protocol:              r.Protocol,
			DownloadClient:        r.DownloadClient,
			Size:                  r.Size,
			SizeLeft:              r.SizeLeft,
			ErrorMessage:          r.ErrorMessage,
		})
	}
	return items, nil
}

// fetchPages walks a paginated wanted/* endpoint until a short or empty page.
func fetchPages[T any](ctx context.Context, c *client, endpoint string, params url.Values, opts ListOptions, convert func(T) Item) ([]Item, error) {
	opts = opts.withDefaults()

	var items []Item
	for pageNum := 1; pageNum <= opts.MaxPages; pageNum++ {
		if err := opts.before(ctx); err != nil {
			return items, err
		}

		query := url.Values{}
		for k, v := range params {
			query[k] = append([]string(nil), v...)
		}
		query.Set("page", itoa(int64(pageNum)))
		query.Set("pageSize", itoa(int64(opts.PageSize)))
		if opts.SortDescending && query.Has("sortDirection") {
			query.Set("sortDirection", "descending")
		}
		if opts.MonitoredOnly {
			query.Set("monitored", "true")
		}

		var p page[T]
		if err := c.get(ctx, endpoint, query, &p); err != nil {
			return nil, err
		}

		for _, record := range p.Records {
			item := convert(record)
			if opts.MonitoredOnly && !item.Monitored {
				continue
			}
			items = append(items, item)
		}

		if len(p.Records) < opts.PageSize {
			break
		}
		if p.TotalRecords > 0 && pageNum*opts.PageSize >= p.TotalRecords {
			break
		}
	}
	return items, nil
}

func itoa[T ~int | ~int64](v T) string {
	return strconv.FormatInt(int64(v), 10)
}

func earliest(times ...*time.Time) *time.Time {
	var best *time.Time
	for _, t := range times {
		if t == nil || t.IsZero() {
			continue
		}
		if best == nil || t.Before(*best) {
			best = t
		}
	}
	return best
}
