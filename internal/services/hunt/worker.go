// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package hunt

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/expr-lang/expr/vm"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/huntarr/internal/arr"
	"github.com/autobrr/huntarr/internal/models"
	"github.com/autobrr/huntarr/internal/services/budget"
	"github.com/autobrr/huntarr/internal/services/schedule"
)

type State string

const (
	StateIdle      State = "idle"
	StateFetching  State = "fetching_candidates"
	StateFiltering State = "filtering"
	StateSearching State = "searching"
	StateRecording State = "recording"
	StateSleeping  State = "sleeping"
	StateDegraded  State = "degraded"
	StateStopped   State = "stopped"
	// StateValidating and StateInvalid belong to handles whose worker has not started.
	StateValidating State = "validating"
	StateInvalid    State = "invalid"
)

// States lists every worker state, used to export one gauge per state.
var States = []State{StateIdle, StateFetching, StateFiltering, StateSearching, StateRecording, StateSleeping, StateDegraded, StateStopped}

const (
	defaultPollInterval = 30 * time.Second
	defaultBaseBackoff  = 30 * time.Second
	defaultMaxBackoff   = 30 * time.Minute
)

type CycleStore interface {
	Record(ctx context.Context, c *models.HuntCycle) error
}

type Config struct {
	// PollInterval is how often a worker outside its schedule re-checks it.
	PollInterval time.Duration
	BaseBackoff  time.Duration
	MaxBackoff   time.Duration
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = defaultBaseBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = defaultMaxBackoff
	}
	return c
}

type Status struct {
	Instance            string            `json:"instance"`
	App                 models.AppType    `json:"app"`
	State               State             `json:"state"`
	Paused              bool              `json:"paused"`
	ScheduleOpen        bool              `json:"scheduleOpen"`
	ConsecutiveFailures int               `json:"consecutiveFailures"`
	LastError           string            `json:"lastError,omitempty"`
	Cycles              int64             `json:"cycles"`
	LastCycle           *models.HuntCycle `json:"lastCycle,omitempty"`
	NextRunAt           time.Time         `json:"nextRunAt,omitzero"`
	Totals              Totals            `json:"totals"`
}

// Worker runs hunt cycles for one instance, strictly one after another.
type Worker struct {
	inst     *models.Instance
	client   arr.Client
	searcher *Searcher
	budget   Budget
	cycles   CycleStore
	filter   *vm.Program
	cfg      Config
	now      func() time.Time
	log      zerolog.Logger

	runNow chan struct{}
	wake   chan struct{}

	mu     sync.RWMutex
	paused bool
	status Status
}

type WorkerOption func(*Worker)

func WithClock(now func() time.Time) WorkerOption {
	return func(w *Worker) { w.now = now }
}

// WithCycleStore persists a summary of every finished cycle.
func WithCycleStore(store CycleStore) WorkerOption {
	return func(w *Worker) { w.cycles = store }
}

// NewWorker returns an idle worker. An invalid candidateFilter is a *models.ConfigError.
func NewWorker(inst *models.Instance, client arr.Client, searcher *Searcher, b Budget, cfg Config, opts ...WorkerOption) (*Worker, error) {
	program, err := CompileFilter(inst.Hunt.CandidateFilter)
	if err != nil {
		return nil, &models.ConfigError{Instance: inst.Key, Problems: []string{"candidateFilter: " + err.Error()}}
	}

	w := &Worker{
		inst:     inst,
		client:   client,
		searcher: searcher,
		budget:   b,
		filter:   program,
		cfg:      cfg.withDefaults(),
		now:      time.Now,
		log:      log.With().Str("instance", inst.Key).Str("app", string(inst.App)).Logger(),
		runNow:   make(chan struct{}, 1),
		wake:     make(chan struct{}, 1),
		paused:   inst.Schedule.Paused,
		status: Status{
			Instance: inst.Key,
			App:      inst.App,
			State:    StateIdle,
		},
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

func (w *Worker) Instance() *models.Instance {
	return w.inst
}

// RunNow requests a cycle as soon as the worker is between cycles. It
// bypasses the schedule and pause but not the budget.
func (w *Worker) RunNow() {
	select {
	case w.runNow <- struct{}{}:
	default:
	}
}

func (w *Worker) SetPaused(paused bool) {
	w.mu.Lock()
	w.paused = paused
	w.status.Paused = paused
	w.mu.Unlock()

	if !paused {
		select {
		case w.wake <- struct{}{}:
		default:
		}
	}
}

func (w *Worker) isPaused() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.paused
}

func (w *Worker) Status() Status {
	w.mu.RLock()
	st := w.status
	st.Paused = w.paused
	if st.LastCycle != nil {
		c := *st.LastCycle
		st.LastCycle = &c
	}
	w.mu.RUnlock()

	st.ScheduleOpen = w.scheduleOpen(w.now())
	if w.searcher != nil {
		st.Totals = w.searcher.Totals(w.inst.Key)
	}
	return st
}

// scheduleOpen checks the calendar only; pausing is tracked by the worker so
// the control surface can override the configured value.
func (w *Worker) scheduleOpen(t time.Time) bool {
	sched := w.inst.Schedule
	sched.Paused = false
	return schedule.IsPermittedNow(sched, t)
}

func (w *Worker) setState(st State) {
	w.mu.Lock()
	previous := w.status.State
	w.status.State = st
	w.mu.Unlock()

	if previous != st {
		w.log.Trace().Str("from", string(previous)).Str("state", string(st)).Msg("hunt: state change")
	}
}

func (w *Worker) setNextRun(t time.Time) {
	w.mu.Lock()
	w.status.NextRunAt = t
	w.mu.Unlock()
}

// Run loops until stop closes. ctx bounds upstream calls and is expected to
// outlive stop so the cycle in flight can finish recording.
func (w *Worker) Run(ctx context.Context, stop <-chan struct{}) {
	defer w.setState(StateStopped)

	w.log.Info().Msg("hunt: worker started")
	defer w.log.Info().Msg("hunt: worker stopped")

	forced := false
	for {
		if stopped(stop) || ctx.Err() != nil {
			return
		}

		if !forced {
			select {
			case <-w.runNow:
				forced = true
			default:
			}
		}

		w.setState(StateIdle)
		if !forced && (w.isPaused() || !w.scheduleOpen(w.now())) {
			var halt bool
			forced, halt = w.sleep(ctx, stop, w.cfg.PollInterval, StateSleeping)
			if halt {
				return
			}
			continue
		}
		if forced {
			w.log.Info().Msg("hunt: manual run requested")
		}
		forced = false

		cycle, err := w.RunCycle(ctx, stop)
		if cycle != nil && cycle.Result == models.CycleStopped {
			return
		}

		if err != nil {
			failures := w.recordFailure(err)
			backoff := arr.CalculateBackoff(failures, w.cfg.BaseBackoff, w.cfg.MaxBackoff)
			w.log.Warn().Err(err).Int("failures", failures).Dur("backoff", backoff).Msg("hunt: cycle failed, backing off")

			var halt bool
			forced, halt = w.sleep(ctx, stop, backoff, StateDegraded)
			if halt {
				return
			}
			continue
		}
		w.recordSuccess()

		var halt bool
		forced, halt = w.sleep(ctx, stop, w.inst.Schedule.Sleep, StateSleeping)
		if halt {
			return
		}
	}
}

func (w *Worker) recordFailure(err error) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.status.ConsecutiveFailures++
	w.status.LastError = err.Error()
	return w.status.ConsecutiveFailures
}

func (w *Worker) recordSuccess() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.status.ConsecutiveFailures = 0
	w.status.LastError = ""
}

// sleep waits for d in state st. It returns forced when a manual run cut the
// wait short, halt when the worker must exit.
func (w *Worker) sleep(ctx context.Context, stop <-chan struct{}, d time.Duration, st State) (forced, halt bool) {
	if d <= 0 {
		d = w.cfg.PollInterval
	}
	w.setState(st)
	w.setNextRun(w.now().Add(d))
	defer w.setNextRun(time.Time{})

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-stop:
		return false, true
	case <-ctx.Done():
		return false, true
	case <-w.runNow:
		return true, false
	case <-w.wake:
		return false, false
	case <-timer.C:
		return false, false
	}
}

// charge spends one token on a non-search call when the instance counts every call.
func (w *Worker) charge(ctx context.Context) error {
	if w.inst.Hunt.BudgetScope != models.BudgetScopeAll {
		return nil
	}
	_, err := w.budget.TryConsume(ctx, w.inst.Key, 1)
	return err
}

type huntPass struct {
	kind  models.HuntKind
	limit int
	list  func(context.Context, arr.ListOptions) ([]arr.Item, error)
}

// RunCycle performs one fetch/filter/search/record pass. The returned error
// is set only for failures that should put the worker into backoff.
func (w *Worker) RunCycle(ctx context.Context, stop <-chan struct{}) (*models.HuntCycle, error) {
	cycle := &models.HuntCycle{
		ID:          uuid.NewString(),
		InstanceKey: w.inst.Key,
		StartedAt:   w.now(),
		Result:      models.CycleCompleted,
	}
	logger := w.log.With().Str("cycle", cycle.ID).Logger()

	err := w.runCycle(ctx, stop, cycle, logger)
	if err != nil {
		switch {
		case stopped(stop) || ctx.Err() != nil:
			cycle.Result = models.CycleStopped
			err = nil
		case errors.Is(err, budget.ErrBudgetDenied):
			cycle.Result = models.CycleBudgetExhausted
			err = nil
		default:
			cycle.Result = models.CycleFailed
			cycle.Error = err.Error()
		}
	}
	cycle.FinishedAt = w.now()

	w.mu.Lock()
	w.status.Cycles++
	w.status.LastCycle = cycle
	w.mu.Unlock()

	if w.cycles != nil {
		recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		if recErr := w.cycles.Record(recordCtx, cycle); recErr != nil {
			logger.Error().Err(recErr).Msg("hunt: failed to record cycle")
		}
		cancel()
	}

	logger.Info().
		Str("result", string(cycle.Result)).
		Int("discovered", cycle.Discovered).
		Int("eligible", cycle.Filtered).
		Int("triggered", cycle.Triggered).
		Int("skippedBudget", cycle.SkippedBudget).
		Int("failed", cycle.Failed).
		Dur("took", cycle.FinishedAt.Sub(cycle.StartedAt)).
		Msg("hunt: cycle finished")

	return cycle, err
}

func (w *Worker) runCycle(ctx context.Context, stop <-chan struct{}, cycle *models.HuntCycle, logger zerolog.Logger) error {
	settings := w.inst.Hunt

	if settings.MaxQueueSize > 0 {
		if err := w.charge(ctx); err != nil {
			return err
		}
		size, err := w.client.QueueSize(ctx)
		if err != nil {
			return fmt.Errorf("queue size: %w", err)
		}
		if size >= settings.MaxQueueSize {
			logger.Info().Int("queue", size).Int("max", settings.MaxQueueSize).Msg("hunt: download queue full, skipping cycle")
			cycle.Result = models.CycleQueueFull
			return nil
		}
	}

	passes := []huntPass{
		{kind: models.KindMissing, limit: settings.MissingPerCycle, list: w.client.ListMissing},
		{kind: models.KindUpgrade, limit: settings.UpgradesPerCycle, list: w.client.ListUpgradeCandidates},
	}

	for _, pass := range passes {
		if pass.limit <= 0 {
			continue
		}
		if stopped(stop) {
			return context.Canceled
		}

		w.setState(StateFetching)
		items, err := pass.list(ctx, arr.ListOptions{
			MonitoredOnly:  settings.MonitoredOnly,
			SortDescending: settings.SelectionOrder == models.SelectionNewest,
			BeforeRequest:  w.charge,
		})
		if err != nil {
			if errors.Is(err, budget.ErrBudgetDenied) {
				logger.Info().Str("kind", string(pass.kind)).Msg("hunt: budget exhausted during discovery")
				return err
			}
			return fmt.Errorf("list %s: %w", pass.kind, err)
		}
		cycle.Discovered += len(items)

		w.setState(StateFiltering)
		candidates := selectCandidates(w.inst, w.filter, cycle.ID, pass.kind, items, w.now())
		cycle.Filtered += len(candidates)
		logger.Debug().Str("kind", string(pass.kind)).Int("discovered", len(items)).Int("eligible", len(candidates)).Msg("hunt: candidates selected")

		if stopped(stop) {
			return context.Canceled
		}

		res, err := w.searcher.Search(ctx, Request{
			InstanceKey:    w.inst.Key,
			Client:         w.client,
			Candidates:     candidates,
			Limit:          pass.limit,
			DedupWindow:    settings.DedupWindow,
			WaitForCommand: settings.WaitForCommand,
			Stop:           stop,
			OnState:        w.setState,
		})
		cycle.Triggered += res.Triggered
		cycle.SkippedBudget += res.SkippedBudget
		cycle.Failed += res.Failed

		if err != nil {
			return fmt.Errorf("record %s: %w", pass.kind, err)
		}
		if res.Stopped {
			return context.Canceled
		}
		if res.Err != nil {
			return fmt.Errorf("search %s: %w", pass.kind, res.Err)
		}
		if res.SkippedBudget > 0 {
			cycle.Result = models.CycleBudgetExhausted
		}
	}

	return nil
}
