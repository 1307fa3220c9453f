// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package hunt

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autobrr/huntarr/internal/arr"
	"github.com/autobrr/huntarr/internal/arr/arrtest"
	"github.com/autobrr/huntarr/internal/database"
	"github.com/autobrr/huntarr/internal/models"
	"github.com/autobrr/huntarr/internal/services/budget"
	"github.com/autobrr/huntarr/internal/services/schedule"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	clock    *testClock
	history  *models.HuntHistoryStore
	cycles   *models.HuntCycleStore
	budget   *budget.Tracker
	searcher *Searcher
	fake     *arrtest.Fake
	inst     *models.Instance
}

func newHarness(t *testing.T, hourlyCap int) *harness {
	t.Helper()

	db, err := database.New(filepath.Join(t.TempDir(), "huntarr.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	clock := &testClock{now: time.Date(2025, 6, 2, 10, 5, 0, 0, time.UTC)}
	history := models.NewHuntHistoryStore(db)
	tracker := budget.NewTracker(models.NewRateBudgetStore(db), budget.WithClock(clock.Now))

	inst := &models.Instance{
		Key:      "sonarr:tv",
		App:      models.AppSonarr,
		Name:     "TV",
		BaseURL:  "http://sonarr.local:8989",
		APIKey:   "abcdef0123456789",
		Enabled:  true,
		Hunt:     models.DefaultHuntSettings(),
		Stall:    models.DefaultStallSettings(),
		Schedule: schedule.Schedule{Sleep: time.Hour},
	}
	inst.Hunt.HourlyCap = hourlyCap
	tracker.SetCap(inst.Key, hourlyCap)

	return &harness{
		clock:    clock,
		history:  history,
		cycles:   models.NewHuntCycleStore(db),
		budget:   tracker,
		searcher: NewSearcher(history, tracker, WithSearcherClock(clock.Now), WithCommandWait(time.Millisecond, time.Second)),
		fake:     arrtest.NewFake(models.AppSonarr),
		inst:     inst,
	}
}

func (h *harness) worker(t *testing.T) *Worker {
	t.Helper()
	w, err := NewWorker(h.inst, h.fake, h.searcher, h.budget, Config{
		PollInterval: 10 * time.Millisecond,
		BaseBackoff:  10 * time.Millisecond,
		MaxBackoff:   20 * time.Millisecond,
	}, WithClock(h.clock.Now), WithCycleStore(h.cycles))
	require.NoError(t, err)
	return w
}

func items(ids ...int64) []arr.Item {
	out := make([]arr.Item, 0, len(ids))
	for _, id := range ids {
		released := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC).Add(time.Duration(id) * time.Hour)
		out = append(out, arr.Item{ID: id, Title: "item", Monitored: true, ReleasedAt: &released})
	}
	return out
}

func idRange(from, to int64) []int64 {
	var ids []int64
	for id := from; id <= to; id++ {
		ids = append(ids, id)
	}
	return ids
}

func (h *harness) candidates(ids ...int64) []models.Candidate {
	return selectCandidates(h.inst, nil, "cycle", models.KindMissing, items(ids...), h.clock.Now())
}

func (h *harness) request(cands []models.Candidate, limit int) Request {
	return Request{
		InstanceKey: h.inst.Key,
		Client:      h.fake,
		Candidates:  cands,
		Limit:       limit,
		DedupWindow: 24 * time.Hour,
	}
}

func TestSearcher_BudgetCapsBatch(t *testing.T) {
	h := newHarness(t, 5)

	res, err := h.searcher.Search(context.Background(), h.request(h.candidates(idRange(1, 12)...), 20))
	require.NoError(t, err)

	assert.Equal(t, 12, res.Unseen)
	assert.Equal(t, 5, res.Granted)
	assert.Equal(t, 5, res.Triggered)
	assert.Equal(t, 7, res.SkippedBudget)
	assert.Equal(t, []int64{1, 2, 3, 4, 5}, h.fake.SearchedIDs())
	assert.Equal(t, 5, h.budget.Usage(h.inst.Key).Used)

	skipped, err := h.history.Get(context.Background(), h.inst.Key, "6", models.KindMissing)
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeSkippedBudget, skipped.Outcome)
	assert.Nil(t, skipped.SearchedAt)

	totals := h.searcher.Totals(h.inst.Key)
	assert.Equal(t, int64(5), totals.Triggered)
	assert.Equal(t, int64(7), totals.SkippedBudget)
}

func TestSearcher_DedupAcrossCycles(t *testing.T) {
	h := newHarness(t, 100)
	ctx := context.Background()

	res, err := h.searcher.Search(ctx, h.request(h.candidates(1, 2, 3), 10))
	require.NoError(t, err)
	assert.Equal(t, 3, res.Triggered)

	// second pass inside the window searches nothing and spends nothing
	h.clock.Advance(time.Hour)
	res, err = h.searcher.Search(ctx, h.request(h.candidates(1, 2, 3, 4), 10))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Unseen)
	assert.Equal(t, 1, res.Triggered)
	assert.Equal(t, []int64{1, 2, 3, 4}, h.fake.SearchedIDs())

	res, err = h.searcher.Search(ctx, h.request(h.candidates(1, 2, 3, 4), 10))
	require.NoError(t, err)
	assert.Equal(t, 0, res.Unseen)
	assert.Equal(t, 0, res.Granted)

	// once the window lapses the items are eligible again
	h.clock.Advance(24 * time.Hour)
	res, err = h.searcher.Search(ctx, h.request(h.candidates(1, 2, 3, 4), 2))
	require.NoError(t, err)
	assert.Equal(t, 4, res.Unseen)
	assert.Equal(t, 2, res.Triggered)
}

func TestSearcher_SkippedBudgetDoesNotBlockNextWindow(t *testing.T) {
	h := newHarness(t, 1)
	ctx := context.Background()

	res, err := h.searcher.Search(ctx, h.request(h.candidates(1, 2), 5))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Triggered)
	assert.Equal(t, 1, res.SkippedBudget)

	h.clock.Advance(time.Hour)
	res, err = h.searcher.Search(ctx, h.request(h.candidates(1, 2), 5))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Unseen)
	assert.Equal(t, 1, res.Triggered)
	assert.Equal(t, []int64{1, 2}, h.fake.SearchedIDs())
}

func TestSearcher_TransientErrorAbortsAndRefunds(t *testing.T) {
	h := newHarness(t, 10)
	h.fake.SetSearchErr(func(id int64) error {
		if id == 3 {
			return &arr.UpstreamError{Op: "POST command", StatusCode: 503}
		}
		return nil
	})

	res, err := h.searcher.Search(context.Background(), h.request(h.candidates(idRange(1, 6)...), 6))
	require.NoError(t, err)
	require.Error(t, res.Err)
	assert.True(t, arr.IsTransient(res.Err))

	assert.Equal(t, 2, res.Triggered)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, []int64{1, 2}, h.fake.SearchedIDs())
	assert.Equal(t, 3, h.budget.Usage(h.inst.Key).Used, "unused tokens are refunded")

	failed, err := h.history.Get(context.Background(), h.inst.Key, "3", models.KindMissing)
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeFailed, failed.Outcome)

	_, err = h.history.Get(context.Background(), h.inst.Key, "4", models.KindMissing)
	require.Error(t, err, "items after the failure stay unrecorded")
}

func TestSearcher_PermanentErrorsContinue(t *testing.T) {
	h := newHarness(t, 10)
	h.fake.SetSearchErr(func(id int64) error {
		switch id {
		case 1:
			return &arr.UpstreamError{Op: "POST command", StatusCode: 404}
		case 2:
			return &arr.UpstreamError{Op: "POST command", StatusCode: 400, Body: "bad id"}
		}
		return nil
	})

	res, err := h.searcher.Search(context.Background(), h.request(h.candidates(1, 2, 3), 3))
	require.NoError(t, err)
	assert.NoError(t, res.Err)
	assert.Equal(t, 2, res.Failed)
	assert.Equal(t, 1, res.Triggered)

	notFound, err := h.history.Get(context.Background(), h.inst.Key, "1", models.KindMissing)
	require.NoError(t, err)
	assert.Equal(t, "not found", notFound.Reason)
}

func TestSearcher_RejectedItemCoolsDown(t *testing.T) {
	h := newHarness(t, 100)
	h.fake.SetSearchErr(func(id int64) error {
		if id == 1 {
			return &arr.UpstreamError{Op: "POST command", StatusCode: 400, Body: "invalid episode"}
		}
		return nil
	})
	cands := h.candidates(1, 2, 3)

	for cycle := range 3 {
		res, err := h.searcher.Search(context.Background(), h.request(cands, 1))
		require.NoError(t, err, "cycle %d", cycle)
		require.NoError(t, res.Err)
		h.clock.Advance(10 * time.Minute)
	}

	assert.Equal(t, []int64{2, 3}, h.fake.SearchedIDs(), "later cycles move past the rejected item")
	assert.Equal(t, 3, h.budget.Usage(h.inst.Key).Used)

	rejected, err := h.history.Get(context.Background(), h.inst.Key, "1", models.KindMissing)
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeFailed, rejected.Outcome)
	require.NotNil(t, rejected.SearchedAt)

	// a transient failure is retried on the next cycle
	h.fake.SetSearchErr(func(int64) error { return &arr.UpstreamError{Op: "POST command", StatusCode: 503} })
	more := h.candidates(4)
	res, err := h.searcher.Search(context.Background(), h.request(more, 1))
	require.NoError(t, err)
	require.Error(t, res.Err)

	h.fake.SetSearchErr(nil)
	res, err = h.searcher.Search(context.Background(), h.request(more, 1))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Triggered)
}

func TestSearcher_StopBeforeSearchRefundsAll(t *testing.T) {
	h := newHarness(t, 10)
	stop := make(chan struct{})
	close(stop)

	req := h.request(h.candidates(1, 2, 3), 3)
	req.Stop = stop
	res, err := h.searcher.Search(context.Background(), req)
	require.NoError(t, err)

	assert.True(t, res.Stopped)
	assert.Zero(t, res.Triggered)
	assert.Zero(t, h.fake.SearchCalls())
	assert.Equal(t, 0, h.budget.Usage(h.inst.Key).Used)
}

func TestSearcher_WaitForCommandFailure(t *testing.T) {
	h := newHarness(t, 10)
	h.fake.SetCommandStatus("failed")

	req := h.request(h.candidates(1), 1)
	req.WaitForCommand = true
	res, err := h.searcher.Search(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)

	entry, err := h.history.Get(context.Background(), h.inst.Key, "1", models.KindMissing)
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeFailed, entry.Outcome)
	assert.Contains(t, entry.Reason, "failed")
}

func TestSearcher_ConcurrentCallersNeverDoubleSearch(t *testing.T) {
	h := newHarness(t, 7)
	cands := h.candidates(idRange(1, 20)...)

	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.searcher.Search(context.Background(), h.request(cands, 5))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	searched := h.fake.SearchedIDs()
	assert.Len(t, searched, 7)
	seen := make(map[int64]bool)
	for _, id := range searched {
		assert.False(t, seen[id], "item %d searched twice", id)
		seen[id] = true
	}
	assert.LessOrEqual(t, h.budget.Usage(h.inst.Key).Used, 7)
}

func TestSelectCandidates(t *testing.T) {
	now := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)
	day := func(offset int) *time.Time {
		ts := now.AddDate(0, 0, offset)
		return &ts
	}
	source := []arr.Item{
		{ID: 1, Title: "old", Monitored: true, ReleasedAt: day(-300)},
		{ID: 2, Title: "future", Monitored: true, ReleasedAt: day(10)},
		{ID: 3, Title: "undated", Monitored: true},
		{ID: 4, Title: "recent", Monitored: true, ReleasedAt: day(-2)},
		{ID: 5, Title: "Trailer", Monitored: true, ReleasedAt: day(-50)},
	}

	tests := []struct {
		name   string
		order  models.SelectionOrder
		skip   bool
		filter string
		want   []int64
	}{
		{name: "oldest skips future", order: models.SelectionOldest, skip: true, want: []int64{1, 5, 4, 3}},
		{name: "newest keeps future", order: models.SelectionNewest, skip: false, want: []int64{2, 4, 5, 1, 3}},
		{name: "filter by age", order: models.SelectionOldest, skip: true, filter: `HasRelease && AgeDays > 30`, want: []int64{1, 5}},
		{name: "filter by title", order: models.SelectionOldest, skip: true, filter: `!(Title contains "Trailer")`, want: []int64{1, 4, 3}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inst := &models.Instance{Key: "radarr:movies", App: models.AppRadarr, Hunt: models.DefaultHuntSettings()}
			inst.Hunt.SelectionOrder = tt.order
			inst.Hunt.SkipFutureReleases = tt.skip

			program, err := CompileFilter(tt.filter)
			require.NoError(t, err)

			got := selectCandidates(inst, program, "cycle-1", models.KindMissing, source, now)
			ids := make([]int64, 0, len(got))
			for _, c := range got {
				ids = append(ids, c.ItemID)
				assert.Equal(t, models.KindMissing, c.Kind)
				assert.Equal(t, now, c.DiscoveredAt)
			}
			assert.Equal(t, tt.want, ids)
		})
	}
}

func TestSelectCandidates_ShuffleIsDeterministicPerCycle(t *testing.T) {
	now := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)
	inst := &models.Instance{Key: "lidarr:music", App: models.AppLidarr, Hunt: models.DefaultHuntSettings()}
	inst.Hunt.SelectionOrder = models.SelectionShuffle

	order := func(cycleID string) []int64 {
		var ids []int64
		for _, c := range selectCandidates(inst, nil, cycleID, models.KindUpgrade, items(idRange(1, 30)...), now) {
			ids = append(ids, c.ItemID)
		}
		return ids
	}

	first := order("cycle-a")
	assert.Equal(t, first, order("cycle-a"))
	assert.ElementsMatch(t, first, idRange(1, 30))
	assert.NotEqual(t, first, order("cycle-b"))
}

func TestNewWorker_InvalidFilter(t *testing.T) {
	h := newHarness(t, 5)
	h.inst.Hunt.CandidateFilter = `Title +`

	_, err := NewWorker(h.inst, h.fake, h.searcher, h.budget, Config{})
	require.Error(t, err)
	assert.True(t, models.IsConfigError(err))
}

func TestWorker_RunCycle(t *testing.T) {
	h := newHarness(t, 5)
	h.inst.Hunt.MissingPerCycle = 20
	h.fake.SetMissing(items(idRange(1, 12)...)...)

	w := h.worker(t)
	cycle, err := w.RunCycle(context.Background(), nil)
	require.NoError(t, err)

	assert.Equal(t, models.CycleBudgetExhausted, cycle.Result)
	assert.Equal(t, 12, cycle.Discovered)
	assert.Equal(t, 5, cycle.Triggered)
	assert.Equal(t, 7, cycle.SkippedBudget)

	last, err := h.cycles.Last(context.Background(), h.inst.Key)
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, cycle.ID, last.ID)

	st := w.Status()
	assert.Equal(t, int64(1), st.Cycles)
	assert.Equal(t, int64(5), st.Totals.Triggered)
}

func TestWorker_RunCycleUpgrades(t *testing.T) {
	h := newHarness(t, 10)
	h.inst.Hunt.MissingPerCycle = 1
	h.inst.Hunt.UpgradesPerCycle = 2
	h.fake.SetMissing(items(1, 2)...)
	h.fake.SetUpgrades(items(1, 7, 8, 9)...)

	cycle, err := h.worker(t).RunCycle(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, models.CycleCompleted, cycle.Result)
	assert.Equal(t, 3, cycle.Triggered)
	// the same item id is tracked separately per kind
	assert.Equal(t, []int64{1, 1, 7}, h.fake.SearchedIDs())
}

func TestWorker_QueueGate(t *testing.T) {
	h := newHarness(t, 10)
	h.inst.Hunt.MaxQueueSize = 3
	h.fake.SetMissing(items(1, 2)...)
	h.fake.SetQueueSize(3)

	cycle, err := h.worker(t).RunCycle(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, models.CycleQueueFull, cycle.Result)
	assert.Zero(t, h.fake.SearchCalls())
	assert.Zero(t, h.fake.ListCalls.Load())
}

func TestWorker_BudgetScopeAllChargesDiscovery(t *testing.T) {
	h := newHarness(t, 3)
	h.inst.Hunt.BudgetScope = models.BudgetScopeAll
	h.inst.Hunt.MaxQueueSize = 100
	h.inst.Hunt.MissingPerCycle = 5
	h.fake.SetMissing(items(1, 2, 3, 4)...)

	cycle, err := h.worker(t).RunCycle(context.Background(), nil)
	require.NoError(t, err)

	// queue check and one discovery page leave one token for searches
	assert.Equal(t, 1, cycle.Triggered)
	assert.Equal(t, 3, cycle.SkippedBudget)
	assert.Equal(t, 3, h.budget.Usage(h.inst.Key).Used)

	cycle, err = h.worker(t).RunCycle(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, models.CycleBudgetExhausted, cycle.Result)
}

func TestWorker_ListErrorFailsCycle(t *testing.T) {
	h := newHarness(t, 10)
	h.fake.SetListErr(&arr.UpstreamError{Op: "GET wanted/missing", StatusCode: 502})

	cycle, err := h.worker(t).RunCycle(context.Background(), nil)
	require.Error(t, err)
	assert.Equal(t, models.CycleFailed, cycle.Result)
	assert.NotEmpty(t, cycle.Error)
}

func TestWorker_ShutdownMidCycleFinishesRecording(t *testing.T) {
	h := newHarness(t, 10)
	h.inst.Hunt.MissingPerCycle = 3
	h.fake.SetMissing(items(1, 2, 3)...)

	stop := make(chan struct{})
	inFlight := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	h.fake.OnSearch(func(ctx context.Context, ids []int64) {
		once.Do(func() {
			close(inFlight)
			<-release
		})
	})

	w := h.worker(t)
	done := make(chan struct{})
	go func() {
		w.Run(context.Background(), stop)
		close(done)
	}()

	<-inFlight
	close(stop)
	close(release)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop")
	}

	assert.Equal(t, StateStopped, w.Status().State)
	assert.Equal(t, []int64{1}, h.fake.SearchedIDs(), "no new search after stop")

	entry, err := h.history.Get(context.Background(), h.inst.Key, "1", models.KindMissing)
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeTriggered, entry.Outcome)
	assert.Equal(t, 1, h.budget.Usage(h.inst.Key).Used, "unused tokens refunded on stop")

	last, err := h.cycles.Last(context.Background(), h.inst.Key)
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, models.CycleStopped, last.Result)
}

func TestWorker_RunNowBypassesPause(t *testing.T) {
	h := newHarness(t, 10)
	h.fake.SetMissing(items(1)...)

	w := h.worker(t)
	w.SetPaused(true)

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		w.Run(context.Background(), stop)
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	assert.Zero(t, h.fake.SearchCalls(), "paused worker must not hunt")

	w.RunNow()
	require.Eventually(t, func() bool { return h.fake.SearchCalls() == 1 }, 2*time.Second, 5*time.Millisecond)

	close(stop)
	<-done
	assert.True(t, w.Status().Paused)
}

func TestWorker_DegradedBackoff(t *testing.T) {
	h := newHarness(t, 10)
	h.fake.SetListErr(errors.New("connection refused"))

	w := h.worker(t)
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		w.Run(context.Background(), stop)
		close(done)
	}()

	require.Eventually(t, func() bool { return w.Status().ConsecutiveFailures >= 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Contains(t, w.Status().LastError, "connection refused")

	h.fake.SetListErr(nil)
	require.Eventually(t, func() bool { return w.Status().ConsecutiveFailures == 0 }, 2*time.Second, 5*time.Millisecond)

	close(stop)
	<-done
}
