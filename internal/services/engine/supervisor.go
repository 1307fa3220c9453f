// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package engine owns the lifecycle of every hunt worker and stall monitor.
package engine

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/autobrr/huntarr/internal/arr"
	"github.com/autobrr/huntarr/internal/dbinterface"
	"github.com/autobrr/huntarr/internal/models"
	"github.com/autobrr/huntarr/internal/registry"
	"github.com/autobrr/huntarr/internal/services/budget"
	"github.com/autobrr/huntarr/internal/services/hunt"
	"github.com/autobrr/huntarr/internal/services/schedule"
	"github.com/autobrr/huntarr/internal/services/stall"
)

var (
	ErrNotRunning = errors.New("instance is not running")
	ErrShutdown   = errors.New("engine is shut down")
)

const (
	defaultValidateInterval = 30 * time.Second
	defaultMaxBackoff       = 30 * time.Minute
	defaultShutdownTimeout  = 30 * time.Second
	defaultRestartBackoff   = 5 * time.Second
	defaultRetention        = 30 * 24 * time.Hour
	defaultPruneInterval    = time.Hour
	nextWindowHorizon       = 8 * 24 * time.Hour
)

type Config struct {
	// ValidateInterval is the first retry delay after a failed connectivity probe.
	ValidateInterval time.Duration
	MaxBackoff       time.Duration
	// PollInterval is how often a worker outside its schedule re-checks it.
	PollInterval time.Duration
	// ShutdownTimeout bounds how long a reload waits for a replaced instance.
	ShutdownTimeout  time.Duration
	RestartBackoff   time.Duration
	HistoryRetention time.Duration
	PruneInterval    time.Duration
	Now              func() time.Time
}

func (c Config) withDefaults() Config {
	if c.ValidateInterval <= 0 {
		c.ValidateInterval = defaultValidateInterval
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = defaultMaxBackoff
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = defaultShutdownTimeout
	}
	if c.RestartBackoff <= 0 {
		c.RestartBackoff = defaultRestartBackoff
	}
	if c.HistoryRetention <= 0 {
		c.HistoryRetention = defaultRetention
	}
	if c.PruneInterval <= 0 {
		c.PruneInterval = defaultPruneInterval
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Stores groups the persistence the engine writes to.
type Stores struct {
	DB       dbinterface.Querier
	History  *models.HuntHistoryStore
	Cycles   *models.HuntCycleStore
	Stalls   *models.StallRecordStore
	Controls *models.InstanceControlStore
	Budgets  *models.RateBudgetStore
}

func NewStores(db dbinterface.Querier) Stores {
	return Stores{
		DB:       db,
		History:  models.NewHuntHistoryStore(db),
		Cycles:   models.NewHuntCycleStore(db),
		Stalls:   models.NewStallRecordStore(db),
		Controls: models.NewInstanceControlStore(db),
		Budgets:  models.NewRateBudgetStore(db),
	}
}

type StallStatus struct {
	Records  []models.StallRecord  `json:"records"`
	Stats    stall.Stats           `json:"stats"`
	Activity []stall.ActivityEvent `json:"activity"`
}

// InstanceStatus is the status surface view of one handle.
type InstanceStatus struct {
	Key                string         `json:"key"`
	App                models.AppType `json:"app"`
	Name               string         `json:"name"`
	Phase              Phase          `json:"phase"`
	Error              string         `json:"error,omitempty"`
	ValidationAttempts int            `json:"validationAttempts"`
	Restarts           int            `json:"restarts"`
	Paused             bool           `json:"paused"`
	NextWindow         time.Time      `json:"nextWindow,omitzero"`
	Worker             *hunt.Status   `json:"worker,omitempty"`
	Budget             budget.Usage   `json:"budget"`
	Health             arr.Health     `json:"health"`
	Stall              *StallStatus   `json:"stall,omitempty"`
}

// Supervisor starts one worker (and optionally one stall monitor) per
// validated instance and keeps them in line with the registry snapshot.
type Supervisor struct {
	cfg      Config
	registry *registry.Registry
	stores   Stores
	budget   *budget.Tracker
	searcher *hunt.Searcher

	reloadMu sync.Mutex

	mu        sync.RWMutex
	baseCtx   context.Context
	cancel    context.CancelFunc
	handles   map[string]*handle
	order     []string
	overrides map[string]bool
	started   bool
	closed    bool
	pruneStop chan struct{}
	pruneDone chan struct{}
	// pruneCtx is cancelled first on shutdown so a running pass never holds it up
	pruneCtx    context.Context
	pruneCancel context.CancelFunc
}

func New(cfg Config, reg *registry.Registry, stores Stores) *Supervisor {
	cfg = cfg.withDefaults()
	tracker := budget.NewTracker(stores.Budgets, budget.WithClock(cfg.Now))
	return &Supervisor{
		cfg:       cfg,
		registry:  reg,
		stores:    stores,
		budget:    tracker,
		searcher:  hunt.NewSearcher(stores.History, tracker, hunt.WithSearcherClock(cfg.Now)),
		handles:   make(map[string]*handle),
		overrides: make(map[string]bool),
		pruneStop: make(chan struct{}),
		pruneDone: make(chan struct{}),
	}
}

func (s *Supervisor) Budget() *budget.Tracker {
	return s.budget
}

func (s *Supervisor) Stores() Stores {
	return s.stores
}

// ShuttingDown reports whether Shutdown has been called.
func (s *Supervisor) ShuttingDown() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

func (s *Supervisor) Searcher() *hunt.Searcher {
	return s.searcher
}

// Start launches a handle per enabled instance. Validation happens in the
// background so one unreachable instance never delays another.
func (s *Supervisor) Start(ctx context.Context, instances []*models.Instance) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrShutdown
	}
	if s.started {
		s.mu.Unlock()
		return errors.New("engine already started")
	}
	s.started = true
	// in-flight calls survive the caller's ctx and end at the shutdown deadline
	s.baseCtx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))
	s.pruneCtx, s.pruneCancel = context.WithCancel(s.baseCtx)
	s.mu.Unlock()

	overrides, err := s.stores.Controls.Overrides(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("engine: failed to load pause overrides")
		overrides = map[string]bool{}
	}

	s.mu.Lock()
	s.overrides = overrides
	for _, inst := range instances {
		if !inst.Enabled {
			continue
		}
		if _, dup := s.handles[inst.Key]; dup {
			continue
		}
		s.startLocked(inst)
	}
	count := len(s.handles)
	s.mu.Unlock()

	go s.pruneLoop()

	log.Info().Int("instances", count).Msg("engine: started")
	return nil
}

func (s *Supervisor) startLocked(inst *models.Instance) {
	paused := inst.Schedule.Paused
	if v, ok := s.overrides[inst.Key]; ok {
		paused = v
	}

	logger := log.With().Str("instance", inst.Key).Str("app", string(inst.App)).Logger()
	h := newHandle(s.baseCtx, inst, logger, paused)
	s.budget.SetCap(inst.Key, inst.Hunt.HourlyCap)

	s.handles[inst.Key] = h
	if !slices.Contains(s.order, inst.Key) {
		s.order = append(s.order, inst.Key)
	}

	h.wg.Add(1)
	go s.validate(h)
}

// validate probes the instance until it is usable. Connectivity failures
// back off and retry; configuration errors park the handle as invalid.
func (s *Supervisor) validate(h *handle) {
	defer h.wg.Done()

	for {
		if h.stopping() {
			return
		}

		err := s.registry.Validate(h.ctx, h.inst.Key)
		switch {
		case err == nil:
			s.launch(h)
			return
		case h.stopping() || isStopErr(err):
			return
		case models.IsConfigError(err), errors.Is(err, models.ErrInstanceNotFound):
			h.setPhase(PhaseInvalid, err)
			h.log.Error().Err(err).Msg("engine: instance configuration rejected")
			return
		}

		h.mu.Lock()
		h.attempts++
		attempts := h.attempts
		h.phase = PhaseValidating
		h.err = err
		h.mu.Unlock()

		delay := arr.CalculateBackoff(attempts, s.cfg.ValidateInterval, s.cfg.MaxBackoff)
		h.log.Warn().Err(err).Int("attempt", attempts).Dur("retryIn", delay).Msg("engine: instance unreachable")
		if !h.waitRetry(delay) {
			return
		}
	}
}

func (s *Supervisor) launch(h *handle) {
	inst := h.inst

	client, err := s.registry.Client(inst.Key)
	if err != nil {
		h.setPhase(PhaseInvalid, err)
		h.log.Error().Err(err).Msg("engine: no client for instance")
		return
	}

	worker, err := hunt.NewWorker(inst, client, s.searcher, s.budget, hunt.Config{
		PollInterval: s.cfg.PollInterval,
		BaseBackoff:  s.cfg.ValidateInterval,
		MaxBackoff:   s.cfg.MaxBackoff,
	}, hunt.WithClock(s.cfg.Now), hunt.WithCycleStore(s.stores.Cycles))
	if err != nil {
		h.setPhase(PhaseInvalid, err)
		h.log.Error().Err(err).Msg("engine: instance configuration rejected")
		return
	}

	var monitor *stall.Monitor
	if inst.Stall.Enabled {
		monitor = stall.NewMonitor(inst, client, s.searcher, s.budget, s.stores.Stalls, stall.WithClock(s.cfg.Now))
		if err := monitor.Load(h.ctx); err != nil {
			h.log.Warn().Err(err).Msg("engine: failed to restore stall records")
		}
	}

	if h.stopping() {
		return
	}

	h.setRuntime(worker, monitor)
	h.supervise("worker", s.cfg.RestartBackoff, s.cfg.MaxBackoff, worker.Run)
	if monitor != nil {
		h.supervise("stall", s.cfg.RestartBackoff, s.cfg.MaxBackoff, monitor.Run)
	}
	h.log.Info().Bool("stall", monitor != nil).Msg("engine: instance running")
}

// Reload diffs instances against the running handles by key and settings
// fingerprint: new instances start, removed or disabled ones stop, changed
// ones restart and the rest keep running untouched.
func (s *Supervisor) Reload(instances []*models.Instance) error {
	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()

	desired := make(map[string]*models.Instance, len(instances))
	for _, inst := range instances {
		if inst.Enabled {
			desired[inst.Key] = inst
		}
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrShutdown
	}
	if !s.started {
		s.mu.Unlock()
		return errors.New("engine not started")
	}

	var (
		halting  []*handle
		removed  []string
		changed  []string
		starting []*models.Instance
	)
	for key, h := range s.handles {
		inst, keep := desired[key]
		switch {
		case !keep:
			halting = append(halting, h)
			removed = append(removed, key)
			delete(s.handles, key)
		case inst.Fingerprint() != h.fingerprint:
			halting = append(halting, h)
			changed = append(changed, key)
			delete(s.handles, key)
		}
	}
	for _, inst := range instances {
		if _, ok := desired[inst.Key]; !ok {
			continue
		}
		if _, running := s.handles[inst.Key]; running {
			continue
		}
		starting = append(starting, inst)
	}
	s.mu.Unlock()

	stragglers := s.halt(halting, s.cfg.ShutdownTimeout)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, key := range removed {
		s.budget.Forget(key)
		s.searcher.Forget(key)
		s.dropStallRecords(ctx, key)
	}
	for _, inst := range starting {
		if !inst.Stall.Enabled {
			s.dropStallRecords(ctx, inst.Key)
		}
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrShutdown
	}
	for _, key := range removed {
		s.order = slices.DeleteFunc(s.order, func(k string) bool { return k == key })
	}
	for _, inst := range starting {
		s.startLocked(inst)
	}
	s.mu.Unlock()

	log.Info().
		Int("started", len(starting)-len(changed)).
		Int("restarted", len(changed)).
		Int("stopped", len(removed)).
		Msg("engine: reloaded instances")

	if len(stragglers) > 0 {
		return fmt.Errorf("engine: instances did not stop within %s: %s", s.cfg.ShutdownTimeout, strings.Join(stragglers, ", "))
	}
	return nil
}

func (s *Supervisor) dropStallRecords(ctx context.Context, key string) {
	n, err := s.stores.Stalls.DeleteInstance(ctx, key)
	if err != nil {
		log.Warn().Err(err).Str("instance", key).Msg("engine: failed to drop stall records")
		return
	}
	if n > 0 {
		log.Debug().Str("instance", key).Int64("records", n).Msg("engine: dropped stall records")
	}
}

// halt stops handles in parallel and returns the keys that had to be cancelled.
func (s *Supervisor) halt(handles []*handle, timeout time.Duration) []string {
	var (
		g          errgroup.Group
		mu         sync.Mutex
		stragglers []string
	)
	for _, h := range handles {
		g.Go(func() error {
			if !h.halt(timeout) {
				mu.Lock()
				stragglers = append(stragglers, h.inst.Key)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	slices.Sort(stragglers)
	return stragglers
}

// Shutdown soft-stops every handle, waits up to timeout and then cancels the
// calls still in flight. Instances that needed cancelling are reported.
func (s *Supervisor) Shutdown(timeout time.Duration) error {
	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	started := s.started
	handles := make([]*handle, 0, len(s.handles))
	for _, h := range s.handles {
		handles = append(handles, h)
	}
	s.mu.Unlock()

	if !started {
		return nil
	}

	log.Info().Int("instances", len(handles)).Dur("timeout", timeout).Msg("engine: shutting down")

	close(s.pruneStop)
	s.pruneCancel()
	stragglers := s.halt(handles, timeout)
	<-s.pruneDone
	s.cancel()

	if len(stragglers) > 0 {
		return fmt.Errorf("engine: instances did not stop within %s: %s", timeout, strings.Join(stragglers, ", "))
	}
	log.Info().Msg("engine: stopped")
	return nil
}

func (s *Supervisor) lookup(key string) (*handle, error) {
	key = strings.ToLower(key)
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.handles[key]
	if !ok {
		return nil, fmt.Errorf("%s: %w", key, models.ErrInstanceNotFound)
	}
	return h, nil
}

// Pause stops new cycles for key until Resume. The toggle is persisted.
func (s *Supervisor) Pause(ctx context.Context, key string) error {
	return s.setPaused(ctx, key, true)
}

func (s *Supervisor) Resume(ctx context.Context, key string) error {
	return s.setPaused(ctx, key, false)
}

func (s *Supervisor) setPaused(ctx context.Context, key string, paused bool) error {
	h, err := s.lookup(key)
	if err != nil {
		return err
	}
	if err := s.stores.Controls.SetPaused(ctx, h.inst.Key, paused); err != nil {
		return fmt.Errorf("persist pause state: %w", err)
	}

	s.mu.Lock()
	s.overrides[h.inst.Key] = paused
	s.mu.Unlock()

	h.setPaused(paused)
	h.log.Info().Bool("paused", paused).Msg("engine: pause toggled")
	return nil
}

// RunNow asks the worker for an immediate cycle. The schedule and pause are
// bypassed; the hourly budget is not.
func (s *Supervisor) RunNow(key string) error {
	h, err := s.lookup(key)
	if err != nil {
		return err
	}
	worker, _ := h.runtime()
	if worker == nil || h.stopping() {
		return fmt.Errorf("%s: %w", h.inst.Key, ErrNotRunning)
	}
	worker.RunNow()
	return nil
}

// Status returns every handle in config order.
func (s *Supervisor) Status() []InstanceStatus {
	s.mu.RLock()
	handles := make([]*handle, 0, len(s.order))
	for _, key := range s.order {
		if h, ok := s.handles[key]; ok {
			handles = append(handles, h)
		}
	}
	s.mu.RUnlock()

	out := make([]InstanceStatus, 0, len(handles))
	for _, h := range handles {
		out = append(out, s.status(h))
	}
	return out
}

func (s *Supervisor) InstanceStatus(key string) (InstanceStatus, error) {
	h, err := s.lookup(key)
	if err != nil {
		return InstanceStatus{}, err
	}
	return s.status(h), nil
}

// Monitor returns the stall monitor of key, nil when stall detection is off.
func (s *Supervisor) Monitor(key string) (*stall.Monitor, error) {
	h, err := s.lookup(key)
	if err != nil {
		return nil, err
	}
	_, monitor := h.runtime()
	return monitor, nil
}

func (s *Supervisor) status(h *handle) InstanceStatus {
	h.mu.RLock()
	st := InstanceStatus{
		Key:                h.inst.Key,
		App:                h.inst.App,
		Name:               h.inst.Name,
		Phase:              h.phase,
		Error:              errString(h.err),
		ValidationAttempts: h.attempts,
		Restarts:           h.restarts,
		Paused:             h.paused,
	}
	worker, monitor := h.worker, h.monitor
	h.mu.RUnlock()

	st.Budget = s.budget.Usage(h.inst.Key)
	st.Health = s.registry.Health(h.inst.Key)

	sched := h.inst.Schedule
	sched.Paused = false
	if next, ok := schedule.NextPermitted(sched, s.cfg.Now(), nextWindowHorizon); ok {
		st.NextWindow = next
	}

	if worker != nil {
		ws := worker.Status()
		st.Worker = &ws
	}
	if monitor != nil {
		st.Stall = &StallStatus{
			Records:  monitor.Records(),
			Stats:    monitor.Stats(),
			Activity: monitor.Activity(20),
		}
	}
	return st
}
