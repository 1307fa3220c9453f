// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package arr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autobrr/huntarr/internal/models"
)

const testAPIKey = "0123456789abcdef"

func newTestConfig(app models.AppType, url string) Config {
	return Config{
		App:        app,
		BaseURL:    url,
		APIKey:     testAPIKey,
		Timeout:    5 * time.Second,
		Retries:    2,
		RetryDelay: time.Millisecond,
	}
}

func writeJSON(t *testing.T, w http.ResponseWriter, v any) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	require.NoError(t, json.NewEncoder(w).Encode(v))
}

func TestNew_SelectsVariant(t *testing.T) {
	tests := []struct {
		app     models.AppType
		want    any
		apiPath string
	}{
		{models.AppSonarr, &SonarrClient{}, "/api/v3"},
		{models.AppWhisparr, &SonarrClient{}, "/api/v3"},
		{models.AppRadarr, &RadarrClient{}, "/api/v3"},
		{models.AppWhisparrV3, &RadarrClient{}, "/api/v3"},
		{models.AppLidarr, &LidarrClient{}, "/api/v1"},
		{models.AppReadarr, &ReadarrClient{}, "/api/v1"},
	}

	for _, tt := range tests {
		t.Run(string(tt.app), func(t *testing.T) {
			c, err := New(newTestConfig(tt.app, "http://localhost:1"))
			require.NoError(t, err)
			assert.IsType(t, tt.want, c)
			assert.Equal(t, tt.app, c.App())
		})
	}

	_, err := New(newTestConfig("plex", "http://localhost:1"))
	require.Error(t, err)
}

func TestClient_SendsHeaders(t *testing.T) {
	var gotKey, gotAgent, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("X-Api-Key")
		gotAgent = r.Header.Get("User-Agent")
		gotPath = r.URL.Path
		writeJSON(t, w, SystemStatus{AppName: "Sonarr", Version: "4.0.10.2544"})
	}))
	defer srv.Close()

	c := NewSonarr(newTestConfig(models.AppSonarr, srv.URL+"/"))
	status, err := c.SystemStatus(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "4.0.10.2544", status.Version)
	assert.Equal(t, testAPIKey, gotKey)
	assert.Contains(t, gotAgent, "huntarr/")
	assert.Equal(t, "/api/v3/system/status", gotPath)
}

func TestSonarr_ListMissingPaginates(t *testing.T) {
	const total = 5
	var requests atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		require.Equal(t, "/api/v3/wanted/missing", r.URL.Path)
		assert.Equal(t, "true", r.URL.Query().Get("includeSeries"))

		pageNum, _ := strconv.Atoi(r.URL.Query().Get("page"))
		pageSize, _ := strconv.Atoi(r.URL.Query().Get("pageSize"))

		var records []map[string]any
		for i := (pageNum - 1) * pageSize; i < min(pageNum*pageSize, total); i++ {
			records = append(records, map[string]any{
				"id":            100 + i,
				"seriesId":      7,
				"title":         fmt.Sprintf("Episode %d", i),
				"seasonNumber":  1,
				"episodeNumber": i + 1,
				"monitored":     i != 3,
				"airDateUtc":    time.Date(2024, 1, i+1, 0, 0, 0, 0, time.UTC),
				"series":        map[string]any{"title": "Show", "monitored": true},
			})
		}
		writeJSON(t, w, map[string]any{"page": pageNum, "pageSize": pageSize, "totalRecords": total, "records": records})
	}))
	defer srv.Close()

	c := NewSonarr(newTestConfig(models.AppSonarr, srv.URL))

	var charged int
	items, err := c.ListMissing(context.Background(), ListOptions{
		MonitoredOnly: true,
		PageSize:      2,
		BeforeRequest: func(context.Context) error {
			charged++
			return nil
		},
	})
	require.NoError(t, err)

	assert.Equal(t, int32(3), requests.Load())
	assert.Equal(t, 3, charged)
	require.Len(t, items, 4)
	assert.Equal(t, int64(100), items[0].ID)
	assert.Equal(t, int64(7), items[0].ParentID)
	assert.Equal(t, "Show - S01E01 - Episode 0", items[0].Title)
	require.NotNil(t, items[0].ReleasedAt)
	for _, item := range items {
		assert.NotEqual(t, int64(103), item.ID, "unmonitored episode must be filtered")
	}
}

func TestSonarr_ListCutoffWalksLargeLibrary(t *testing.T) {
	const total = 2600

	tests := []struct {
		name       string
		descending bool
		direction  string
	}{
		{"oldest first", false, "ascending"},
		{"newest first", true, "descending"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var requests atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				requests.Add(1)
				q := r.URL.Query()
				assert.Equal(t, tt.direction, q.Get("sortDirection"))

				pageNum, _ := strconv.Atoi(q.Get("page"))
				pageSize, _ := strconv.Atoi(q.Get("pageSize"))

				records := []map[string]any{}
				for i := (pageNum - 1) * pageSize; i < min(pageNum*pageSize, total); i++ {
					records = append(records, map[string]any{
						"id": i + 1, "seriesId": 1, "monitored": true,
						"series": map[string]any{"title": "Show", "monitored": true},
					})
				}
				writeJSON(t, w, map[string]any{"page": pageNum, "pageSize": pageSize, "totalRecords": total, "records": records})
			}))
			defer srv.Close()

			c := NewSonarr(newTestConfig(models.AppSonarr, srv.URL))
			items, err := c.ListUpgradeCandidates(context.Background(), ListOptions{
				MonitoredOnly:  true,
				SortDescending: tt.descending,
			})
			require.NoError(t, err)

			require.Len(t, items, total)
			assert.Equal(t, int64(total), items[len(items)-1].ID)
			assert.Equal(t, int32(11), requests.Load())
		})
	}
}

func TestListMissing_StopsOnShortPageWithoutTotal(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		pageNum, _ := strconv.Atoi(r.URL.Query().Get("page"))
		requests.Add(1)
		records := []map[string]any{{"id": pageNum * 10}, {"id": pageNum*10 + 1}}
		if pageNum == 2 {
			records = records[:1]
		}
		writeJSON(t, w, map[string]any{"page": pageNum, "records": records})
	}))
	defer srv.Close()

	c := NewLidarr(newTestConfig(models.AppLidarr, srv.URL))
	items, err := c.ListMissing(context.Background(), ListOptions{PageSize: 2})
	require.NoError(t, err)
	assert.Len(t, items, 3)
	assert.Equal(t, int32(2), requests.Load())
}

func TestListMissing_BeforeRequestAborts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("unexpected request %s", r.URL)
	}))
	defer srv.Close()

	denied := errors.New("denied")
	c := NewLidarr(newTestConfig(models.AppLidarr, srv.URL))
	_, err := c.ListMissing(context.Background(), ListOptions{
		BeforeRequest: func(context.Context) error { return denied },
	})
	require.ErrorIs(t, err, denied)
}

func TestRadarr_ListMissingFiltersLibrary(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v3/movie", r.URL.Path)
		writeJSON(t, w, []map[string]any{
			{"id": 1, "title": "Has File", "year": 2001, "monitored": true, "hasFile": true},
			{"id": 2, "title": "Later", "year": 2020, "monitored": true, "hasFile": false,
				"inCinemas": "2020-05-01T00:00:00Z", "digitalRelease": "2020-03-01T00:00:00Z"},
			{"id": 3, "title": "Unmonitored", "year": 2010, "monitored": false, "hasFile": false},
			{"id": 4, "title": "Earlier", "year": 1999, "monitored": true, "hasFile": false,
				"physicalRelease": "1999-06-01T00:00:00Z"},
		})
	}))
	defer srv.Close()

	c := NewRadarr(newTestConfig(models.AppRadarr, srv.URL))
	items, err := c.ListMissing(context.Background(), ListOptions{MonitoredOnly: true})
	require.NoError(t, err)

	require.Len(t, items, 2)
	assert.Equal(t, int64(4), items[0].ID)
	assert.Equal(t, "Earlier (1999)", items[0].Title)
	assert.Equal(t, int64(2), items[1].ID)
	require.NotNil(t, items[1].ReleasedAt)
	assert.Equal(t, time.Date(2020, 3, 1, 0, 0, 0, 0, time.UTC), items[1].ReleasedAt.UTC())
}

func TestTriggerSearch_CommandBodies(t *testing.T) {
	tests := []struct {
		app      models.AppType
		path     string
		name     string
		idsField string
	}{
		{models.AppSonarr, "/api/v3/command", "EpisodeSearch", "episodeIds"},
		{models.AppWhisparr, "/api/v3/command", "EpisodeSearch", "episodeIds"},
		{models.AppRadarr, "/api/v3/command", "MoviesSearch", "movieIds"},
		{models.AppWhisparrV3, "/api/v3/command", "MoviesSearch", "movieIds"},
		{models.AppLidarr, "/api/v1/command", "AlbumSearch", "albumIds"},
		{models.AppReadarr, "/api/v1/command", "BookSearch", "bookIds"},
	}

	for _, tt := range tests {
		t.Run(string(tt.app), func(t *testing.T) {
			var body map[string]any
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, http.MethodPost, r.Method)
				assert.Equal(t, tt.path, r.URL.Path)
				assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
				require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
				w.WriteHeader(http.StatusCreated)
				writeJSON(t, w, Command{ID: 42, Name: tt.name, Status: "queued"})
			}))
			defer srv.Close()

			c, err := New(newTestConfig(tt.app, srv.URL))
			require.NoError(t, err)

			cmd, err := c.TriggerSearch(context.Background(), 11)
			require.NoError(t, err)
			assert.Equal(t, int64(42), cmd.ID)
			assert.False(t, cmd.Finished())

			assert.Equal(t, tt.name, body["name"])
			assert.Equal(t, []any{float64(11)}, body[tt.idsField])
		})
	}
}

func TestTriggerSearch_NoIDs(t *testing.T) {
	c := NewSonarr(newTestConfig(models.AppSonarr, "http://localhost:1"))
	_, err := c.TriggerSearch(context.Background())
	require.Error(t, err)
}

func TestQueue_MapsItemIDs(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/queue", r.URL.Path)
		assert.Equal(t, "1000", r.URL.Query().Get("pageSize"))
		writeJSON(t, w, map[string]any{
			"page": 1, "pageSize": 1000, "totalRecords": 2,
			"records": []map[string]any{
				{"id": 5, "downloadId": "abc", "albumId": 9, "title": "Album", "status": "downloading",
					"trackedDownloadState": "downloading", "size": 100.0, "sizeleft": 40.0},
				{"id": 6, "albumId": 10, "title": "Done", "status": "completed", "trackedDownloadState": "importPending"},
			},
		})
	}))
	defer srv.Close()

	c := NewLidarr(newTestConfig(models.AppLidarr, srv.URL))
	items, err := c.ListActiveDownloads(context.Background())
	require.NoError(t, err)
	require.Len(t, items, 2)

	assert.Equal(t, int64(9), items[0].ItemID)
	assert.Equal(t, "ABC", items[0].Key())
	assert.InDelta(t, 40.0, items[0].SizeLeft, 0.001)
	assert.True(t, items[0].Downloading())

	assert.Equal(t, "queue-6", items[1].Key())
	assert.False(t, items[1].Downloading())
}

func TestQueueSize(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, map[string]any{"page": 1, "pageSize": 1, "totalRecords": 17, "records": []any{}})
	}))
	defer srv.Close()

	c := NewReadarr(newTestConfig(models.AppReadarr, srv.URL))
	size, err := c.QueueSize(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 17, size)
}

func TestRemoveDownload_Query(t *testing.T) {
	var method, path, removeFromClient, blocklist string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method = r.Method
		path = r.URL.Path
		removeFromClient = r.URL.Query().Get("removeFromClient")
		blocklist = r.URL.Query().Get("blocklist")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewRadarr(newTestConfig(models.AppRadarr, srv.URL))
	require.NoError(t, c.RemoveDownload(context.Background(), 77, RemoveOptions{RemoveFromClient: true}))

	assert.Equal(t, http.MethodDelete, method)
	assert.Equal(t, "/api/v3/queue/77", path)
	assert.Equal(t, "true", removeFromClient)
	assert.Equal(t, "false", blocklist)
}

func TestGet_RetriesTransient(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "warming up", http.StatusServiceUnavailable)
			return
		}
		writeJSON(t, w, Command{ID: 1, Status: "completed"})
	}))
	defer srv.Close()

	c := NewSonarr(newTestConfig(models.AppSonarr, srv.URL))
	cmd, err := c.CommandStatus(context.Background(), 1)
	require.NoError(t, err)
	assert.True(t, cmd.Finished())
	assert.False(t, cmd.Failed())
	assert.Equal(t, int32(3), calls.Load())
}

func TestGet_DoesNotRetryPermanent(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "missing", http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewSonarr(newTestConfig(models.AppSonarr, srv.URL))
	_, err := c.CommandStatus(context.Background(), 1)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.True(t, IsPermanent(err))
	assert.Equal(t, int32(1), calls.Load())
}

func TestEarliest(t *testing.T) {
	a := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	b := time.Date(2019, 1, 1, 0, 0, 0, 0, time.UTC)
	zero := time.Time{}

	assert.Nil(t, earliest(nil, nil))
	assert.Nil(t, earliest(&zero))
	assert.Equal(t, &b, earliest(&a, nil, &b))
}
