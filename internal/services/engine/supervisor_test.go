// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package engine

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autobrr/huntarr/internal/arr"
	"github.com/autobrr/huntarr/internal/arr/arrtest"
	"github.com/autobrr/huntarr/internal/database"
	"github.com/autobrr/huntarr/internal/domain"
	"github.com/autobrr/huntarr/internal/models"
	"github.com/autobrr/huntarr/internal/registry"
	"github.com/autobrr/huntarr/internal/services/hunt"
)

type env struct {
	db     *database.DB
	stores Stores
	reg    *registry.Registry
	fakes  map[string]*arrtest.Fake
}

func newEnv(t *testing.T) *env {
	t.Helper()

	db, err := database.New(filepath.Join(t.TempDir(), "huntarr.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	e := &env{
		db:     db,
		stores: NewStores(db),
		fakes: map[string]*arrtest.Fake{
			"sonarr:tv":     arrtest.NewFake(models.AppSonarr),
			"radarr:movies": arrtest.NewFake(models.AppRadarr),
			"lidarr:music":  arrtest.NewFake(models.AppLidarr),
		},
	}

	pool := arr.NewClientPool(arr.PoolOptions{
		HealthInterval: time.Hour,
		Factory: func(inst *models.Instance, timeout time.Duration) (arr.Client, error) {
			fake, ok := e.fakes[inst.Key]
			if !ok {
				return nil, errors.New("no fake for " + inst.Key)
			}
			return fake, nil
		},
	})
	t.Cleanup(func() { _ = pool.Close() })
	e.reg = registry.New(pool)
	return e
}

func instanceConfig(app, name string) domain.InstanceConfig {
	return domain.InstanceConfig{
		App:       app,
		Name:      name,
		URL:       "http://" + name + ".local:8989",
		APIKey:    "abcdef0123456789",
		HourlyCap: 10,
	}
}

func (e *env) load(t *testing.T, configs ...domain.InstanceConfig) []*models.Instance {
	t.Helper()
	require.Empty(t, e.reg.Replace(configs))
	return e.reg.List()
}

func (e *env) supervisor(t *testing.T) *Supervisor {
	t.Helper()
	s := New(Config{
		ValidateInterval: 10 * time.Millisecond,
		MaxBackoff:       50 * time.Millisecond,
		PollInterval:     10 * time.Millisecond,
		ShutdownTimeout:  2 * time.Second,
		RestartBackoff:   10 * time.Millisecond,
	}, e.reg, e.stores)
	t.Cleanup(func() { _ = s.Shutdown(time.Second) })
	return s
}

func running(s *Supervisor, key string) func() bool {
	return func() bool {
		st, err := s.InstanceStatus(key)
		return err == nil && st.Phase == PhaseRunning
	}
}

func TestSupervisor_StartValidatesEachInstance(t *testing.T) {
	e := newEnv(t)
	e.fakes["radarr:movies"].SetStatusErr(&arr.UpstreamError{Op: "GET system/status", StatusCode: 401})
	e.fakes["sonarr:tv"].SetMissing(arr.Item{ID: 1, Title: "Pilot", Monitored: true})

	s := e.supervisor(t)
	require.NoError(t, s.Start(context.Background(), e.load(t,
		instanceConfig("sonarr", "TV"),
		instanceConfig("radarr", "Movies"),
	)))

	require.Eventually(t, running(s, "sonarr:tv"), 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		st, err := s.InstanceStatus("radarr:movies")
		return err == nil && st.Phase == PhaseInvalid
	}, 2*time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool { return len(e.fakes["sonarr:tv"].SearchedIDs()) == 1 }, 2*time.Second, 5*time.Millisecond)

	movies, err := s.InstanceStatus("radarr:movies")
	require.NoError(t, err)
	assert.Contains(t, movies.Error, "apiKey")
	assert.Equal(t, int32(1), e.fakes["radarr:movies"].StatusCalls.Load(), "configuration errors are not retried")
	assert.Nil(t, movies.Worker)

	statuses := s.Status()
	require.Len(t, statuses, 2)
	assert.Equal(t, "sonarr:tv", statuses[0].Key)
	assert.Equal(t, 10, statuses[0].Budget.Cap)
	require.NotNil(t, statuses[0].Worker)

	assert.ErrorIs(t, s.RunNow("radarr:movies"), ErrNotRunning)
	assert.ErrorIs(t, s.RunNow("readarr:books"), models.ErrInstanceNotFound)
}

func TestSupervisor_RetriesUnreachableInstance(t *testing.T) {
	e := newEnv(t)
	fake := e.fakes["sonarr:tv"]
	fake.SetStatusErr(&arr.UpstreamError{Op: "GET system/status", Err: errors.New("connection refused")})

	s := e.supervisor(t)
	require.NoError(t, s.Start(context.Background(), e.load(t, instanceConfig("sonarr", "TV"))))

	require.Eventually(t, func() bool {
		st, _ := s.InstanceStatus("sonarr:tv")
		return st.ValidationAttempts >= 2
	}, 2*time.Second, 5*time.Millisecond)

	st, err := s.InstanceStatus("sonarr:tv")
	require.NoError(t, err)
	assert.Equal(t, PhaseValidating, st.Phase)
	assert.Contains(t, st.Error, "connection refused")

	fake.SetStatusErr(nil)
	require.Eventually(t, running(s, "sonarr:tv"), 2*time.Second, 5*time.Millisecond)
}

func TestSupervisor_ReloadDiff(t *testing.T) {
	e := newEnv(t)
	s := e.supervisor(t)

	tv := instanceConfig("sonarr", "TV")
	movies := instanceConfig("radarr", "Movies")
	require.NoError(t, s.Start(context.Background(), e.load(t, tv, movies)))
	require.Eventually(t, running(s, "sonarr:tv"), 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, running(s, "radarr:movies"), 2*time.Second, 5*time.Millisecond)

	tvHandle, err := s.lookup("sonarr:tv")
	require.NoError(t, err)
	moviesHandle, err := s.lookup("radarr:movies")
	require.NoError(t, err)

	// movies changes, tv stays, lidarr is new; then drop tv
	movies.HourlyCap = 3
	require.NoError(t, s.Reload(e.load(t, tv, movies, instanceConfig("lidarr", "Music"))))

	sameTV, err := s.lookup("sonarr:tv")
	require.NoError(t, err)
	assert.Same(t, tvHandle, sameTV, "unchanged instance keeps running")

	newMovies, err := s.lookup("radarr:movies")
	require.NoError(t, err)
	assert.NotSame(t, moviesHandle, newMovies)
	assert.True(t, moviesHandle.stopping())
	assert.Equal(t, 3, s.Budget().Usage("radarr:movies").Cap)

	require.Eventually(t, running(s, "lidarr:music"), 2*time.Second, 5*time.Millisecond)

	disabled := tv
	disabled.Enabled = new(bool)
	require.NoError(t, s.Reload(e.load(t, disabled, movies, instanceConfig("lidarr", "Music"))))

	_, err = s.InstanceStatus("sonarr:tv")
	assert.ErrorIs(t, err, models.ErrInstanceNotFound)
	assert.True(t, tvHandle.stopping())
	assert.Equal(t, 0, s.Budget().Usage("sonarr:tv").Cap)

	keys := make([]string, 0)
	for _, st := range s.Status() {
		keys = append(keys, st.Key)
	}
	assert.Equal(t, []string{"radarr:movies", "lidarr:music"}, keys)
}

func TestSupervisor_PauseIsPersisted(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	fake := e.fakes["sonarr:tv"]
	fake.SetMissing(arr.Item{ID: 1, Monitored: true}, arr.Item{ID: 2, Monitored: true})

	// paused from the control surface by a previous run
	require.NoError(t, e.stores.Controls.SetPaused(ctx, "sonarr:tv", true))

	s := e.supervisor(t)
	instances := e.load(t, instanceConfig("sonarr", "TV"))
	require.NoError(t, s.Start(ctx, instances))
	require.Eventually(t, running(s, "sonarr:tv"), 2*time.Second, 5*time.Millisecond)

	st, err := s.InstanceStatus("sonarr:tv")
	require.NoError(t, err)
	assert.True(t, st.Paused)
	require.NotNil(t, st.Worker)
	assert.True(t, st.Worker.Paused)

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, fake.SearchCalls(), "paused instance must not hunt")

	// run-now bypasses the pause but still spends budget
	require.NoError(t, s.RunNow("sonarr:tv"))
	require.Eventually(t, func() bool { return fake.SearchCalls() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, s.Budget().Usage("sonarr:tv").Used)

	require.NoError(t, s.Resume(ctx, "SONARR:TV"))
	require.Eventually(t, func() bool { return fake.SearchCalls() == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []int64{1, 2}, fake.SearchedIDs())

	require.NoError(t, s.Pause(ctx, "sonarr:tv"))
	overrides, err := e.stores.Controls.Overrides(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"sonarr:tv": true}, overrides)

	require.NoError(t, s.Shutdown(time.Second))

	restarted := e.supervisor(t)
	require.NoError(t, restarted.Start(ctx, instances))
	st, err = restarted.InstanceStatus("sonarr:tv")
	require.NoError(t, err)
	assert.True(t, st.Paused)
}

func TestSupervisor_RestartsAfterPanic(t *testing.T) {
	e := newEnv(t)
	fake := e.fakes["sonarr:tv"]
	fake.SetMissing(arr.Item{ID: 7, Title: "Crash", Monitored: true})

	var panicked atomic.Bool
	fake.OnSearch(func(ctx context.Context, ids []int64) {
		if panicked.CompareAndSwap(false, true) {
			panic("boom")
		}
	})

	s := e.supervisor(t)
	require.NoError(t, s.Start(context.Background(), e.load(t, instanceConfig("sonarr", "TV"))))

	require.Eventually(t, func() bool {
		st, _ := s.InstanceStatus("sonarr:tv")
		return st.Restarts == 1
	}, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return len(fake.SearchedIDs()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []int64{7}, fake.SearchedIDs())
}

func TestSupervisor_ShutdownFinishesInFlightSearch(t *testing.T) {
	e := newEnv(t)
	fake := e.fakes["sonarr:tv"]
	fake.SetMissing(arr.Item{ID: 1, Monitored: true}, arr.Item{ID: 2, Monitored: true})

	inFlight := make(chan struct{})
	release := make(chan struct{})
	var once atomic.Bool
	fake.OnSearch(func(ctx context.Context, ids []int64) {
		if once.CompareAndSwap(false, true) {
			close(inFlight)
			<-release
		}
	})

	cfg := instanceConfig("sonarr", "TV")
	cfg.MissingPerCycle = new(int)
	*cfg.MissingPerCycle = 2

	s := e.supervisor(t)
	require.NoError(t, s.Start(context.Background(), e.load(t, cfg)))
	<-inFlight

	go func() {
		time.Sleep(20 * time.Millisecond)
		close(release)
	}()
	require.NoError(t, s.Shutdown(5*time.Second))

	assert.Equal(t, []int64{1}, fake.SearchedIDs())
	entry, err := e.stores.History.Get(context.Background(), "sonarr:tv", "1", models.KindMissing)
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeTriggered, entry.Outcome)
	assert.Equal(t, 1, s.Budget().Usage("sonarr:tv").Used)

	st, err := s.InstanceStatus("sonarr:tv")
	require.NoError(t, err)
	assert.Equal(t, PhaseStopped, st.Phase)
	assert.Equal(t, hunt.StateStopped, st.Worker.State)

	assert.ErrorIs(t, s.Reload(nil), ErrShutdown)
}

func TestSupervisor_ShutdownReportsStragglers(t *testing.T) {
	e := newEnv(t)
	fake := e.fakes["sonarr:tv"]
	fake.SetMissing(arr.Item{ID: 1, Monitored: true})

	inFlight := make(chan struct{})
	var once atomic.Bool
	fake.OnSearch(func(ctx context.Context, ids []int64) {
		if once.CompareAndSwap(false, true) {
			close(inFlight)
		}
		<-ctx.Done()
	})

	s := e.supervisor(t)
	require.NoError(t, s.Start(context.Background(), e.load(t, instanceConfig("sonarr", "TV"))))
	<-inFlight

	err := s.Shutdown(50 * time.Millisecond)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sonarr:tv")

	// the cancelled search is still recorded
	entry, err := e.stores.History.Get(context.Background(), "sonarr:tv", "1", models.KindMissing)
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeFailed, entry.Outcome)
}

func TestSupervisor_StallMonitorRuns(t *testing.T) {
	e := newEnv(t)
	fake := e.fakes["radarr:movies"]
	fake.SetQueue(arr.QueueItem{ID: 4, DownloadID: "abc", ItemID: 40, Title: "Movie", Status: "downloading", SizeLeft: 10})

	cfg := instanceConfig("radarr", "Movies")
	cfg.Stall = domain.StallConfig{Enabled: true, PollInterval: 10 * time.Second}

	s := e.supervisor(t)
	require.NoError(t, s.Start(context.Background(), e.load(t, cfg)))

	require.Eventually(t, func() bool {
		st, _ := s.InstanceStatus("radarr:movies")
		return st.Stall != nil && len(st.Stall.Records) == 1
	}, 2*time.Second, 5*time.Millisecond)

	monitor, err := s.Monitor("radarr:movies")
	require.NoError(t, err)
	require.NotNil(t, monitor)

	// disabling stall detection drops the persisted records
	cfg.Stall.Enabled = false
	require.NoError(t, s.Reload(e.load(t, cfg)))
	records, err := e.stores.Stalls.List(context.Background(), "radarr:movies")
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestPrune(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	now := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)

	old := now.Add(-48 * time.Hour)
	require.NoError(t, e.stores.History.Record(ctx, &models.HuntHistoryEntry{InstanceKey: "sonarr:gone", ExternalID: "1", Kind: models.KindMissing, Outcome: models.OutcomeTriggered, SearchedAt: &old, RecordedAt: old}))
	require.NoError(t, e.stores.History.Record(ctx, &models.HuntHistoryEntry{InstanceKey: "sonarr:tv", ExternalID: "2", Kind: models.KindMissing, Outcome: models.OutcomeTriggered, SearchedAt: &now, RecordedAt: now}))
	require.NoError(t, e.stores.Cycles.Record(ctx, &models.HuntCycle{ID: "c1", InstanceKey: "sonarr:gone", StartedAt: old, FinishedAt: old, Result: models.CycleCompleted}))

	res, err := Prune(ctx, e.stores, 24*time.Hour, 24*time.Hour, now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.History)
	assert.Equal(t, int64(1), res.Cycles)
	assert.Equal(t, int64(1), res.Strings)
}

func TestPrune_KeepsHistoryInsideDedupWindow(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	start := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)
	now := start

	tracker := e.supervisor(t).Budget()
	tracker.SetCap("sonarr:tv", 10)
	searcher := hunt.NewSearcher(e.stores.History, tracker, hunt.WithSearcherClock(func() time.Time { return now }))
	fake := e.fakes["sonarr:tv"]
	cands := []models.Candidate{{InstanceKey: "sonarr:tv", ExternalID: "1", ItemID: 1, Kind: models.KindMissing, Title: "Pilot"}}
	request := hunt.Request{InstanceKey: "sonarr:tv", Client: fake, Candidates: cands, Limit: 1, DedupWindow: 7 * 24 * time.Hour}

	_, err := searcher.Search(ctx, request)
	require.NoError(t, err)

	now = start.Add(2 * time.Hour)
	res, err := Prune(ctx, e.stores, time.Hour, 7*24*time.Hour, now)
	require.NoError(t, err)
	assert.Zero(t, res.History, "rows inside the dedup window survive a short retention")

	_, err = searcher.Search(ctx, request)
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, fake.SearchedIDs())

	res, err = Prune(ctx, e.stores, time.Hour, 7*24*time.Hour, start.Add(8*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.History)
}

func TestMaxDedupWindow(t *testing.T) {
	short := &models.Instance{Hunt: models.HuntSettings{DedupWindow: time.Hour}}
	long := &models.Instance{Hunt: models.HuntSettings{DedupWindow: 72 * time.Hour}}

	assert.Equal(t, 24*time.Hour, models.MaxDedupWindow(nil))
	assert.Equal(t, 24*time.Hour, models.MaxDedupWindow([]*models.Instance{short}))
	assert.Equal(t, 72*time.Hour, models.MaxDedupWindow([]*models.Instance{short, long}))
}

// slowPruneDB blocks hunt history deletes until their context ends.
type slowPruneDB struct {
	*database.DB
	entered chan struct{}
	once    sync.Once
}

func (d *slowPruneDB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	if strings.HasPrefix(query, "DELETE FROM hunt_history") {
		d.once.Do(func() { close(d.entered) })
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return d.DB.ExecContext(ctx, query, args...)
}

func TestSupervisor_ShutdownDoesNotWaitForPrune(t *testing.T) {
	e := newEnv(t)
	db := &slowPruneDB{DB: e.db, entered: make(chan struct{})}

	s := New(Config{
		ValidateInterval: 10 * time.Millisecond,
		PollInterval:     10 * time.Millisecond,
		HistoryRetention: time.Hour,
	}, e.reg, NewStores(db))
	require.NoError(t, s.Start(context.Background(), nil))

	select {
	case <-db.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("prune pass never started")
	}

	done := make(chan error, 1)
	go func() { done <- s.Shutdown(50 * time.Millisecond) }()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown waited on the prune pass")
	}
}
