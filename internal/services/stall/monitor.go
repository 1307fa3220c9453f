// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package stall watches an instance's download queue and removes downloads
// that stopped making progress.
package stall

import (
	"context"
	"errors"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/moistari/rls"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/huntarr/internal/arr"
	"github.com/autobrr/huntarr/internal/models"
	"github.com/autobrr/huntarr/internal/services/budget"
	"github.com/autobrr/huntarr/internal/services/hunt"
)

const defaultActivitySize = 50

type Store interface {
	Upsert(ctx context.Context, rec *models.StallRecord) error
	Delete(ctx context.Context, instanceKey, downloadID string) error
	List(ctx context.Context, instanceKey string) ([]*models.StallRecord, error)
}

// ActivityOutcome describes what a terminal action did.
type ActivityOutcome string

const (
	ActivityRemoved        ActivityOutcome = "removed"
	ActivityRemoveFailed   ActivityOutcome = "remove-failed"
	ActivityResearched     ActivityOutcome = "researched"
	ActivityResearchFailed ActivityOutcome = "research-failed"
	ActivityResearchSkip   ActivityOutcome = "research-skipped"
)

type ActivityEvent struct {
	InstanceKey string          `json:"instance"`
	DownloadID  string          `json:"downloadId"`
	Title       string          `json:"title"`
	Resolution  string          `json:"resolution,omitempty"`
	Group       string          `json:"group,omitempty"`
	Outcome     ActivityOutcome `json:"outcome"`
	Reason      string          `json:"reason,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
}

// Stats are cumulative counters since the monitor was created.
type Stats struct {
	Polls               int64     `json:"polls"`
	Removed             int64     `json:"removed"`
	RemoveFailures      int64     `json:"removeFailures"`
	Researched          int64     `json:"researched"`
	ConsecutiveFailures int       `json:"consecutiveFailures"`
	LastError           string    `json:"lastError,omitempty"`
	LastPollAt          time.Time `json:"lastPollAt,omitzero"`
}

type Option func(*Monitor)

func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

func WithActivitySize(n int) Option {
	return func(m *Monitor) {
		if n > 0 {
			m.activityCap = n
		}
	}
}

// Monitor tracks one instance's queue. Records are owned by the monitor and
// mirrored to the store after every change.
type Monitor struct {
	inst     *models.Instance
	client   arr.Client
	searcher *hunt.Searcher
	budget   hunt.Budget
	store    Store
	now      func() time.Time
	log      zerolog.Logger

	// pollMu serializes polls so a record never sees two evaluations at once.
	pollMu sync.Mutex

	mu          sync.RWMutex
	records     map[string]*models.StallRecord
	loaded      bool
	activity    []ActivityEvent
	activityCap int
	stats       Stats
}

func NewMonitor(inst *models.Instance, client arr.Client, searcher *hunt.Searcher, b hunt.Budget, store Store, opts ...Option) *Monitor {
	m := &Monitor{
		inst:        inst,
		client:      client,
		searcher:    searcher,
		budget:      b,
		store:       store,
		now:         time.Now,
		log:         log.With().Str("instance", inst.Key).Str("app", string(inst.App)).Logger(),
		records:     make(map[string]*models.StallRecord),
		activityCap: defaultActivitySize,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Monitor) Instance() *models.Instance {
	return m.inst
}

// Load restores the records persisted by a previous run.
func (m *Monitor) Load(ctx context.Context) error {
	records, err := m.store.List(ctx, m.inst.Key)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = make(map[string]*models.StallRecord, len(records))
	for _, rec := range records {
		m.records[rec.DownloadID] = rec
	}
	m.loaded = true

	if len(records) > 0 {
		m.log.Debug().Int("records", len(records)).Msg("stall: restored records")
	}
	return nil
}

// Run polls until stop closes. A failed poll is logged and retried on the
// next tick.
func (m *Monitor) Run(ctx context.Context, stop <-chan struct{}) {
	interval := m.inst.Stall.PollInterval
	m.log.Info().Dur("interval", interval).Dur("threshold", m.inst.Stall.Threshold).Int("strikeLimit", m.inst.Stall.StrikeLimit).Msg("stall: monitor started")
	defer m.log.Info().Msg("stall: monitor stopped")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := m.Poll(ctx, stop); err != nil && !errors.Is(err, context.Canceled) {
			m.log.Warn().Err(err).Msg("stall: poll failed")
		}

		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Poll fetches the queue once and advances every tracked download.
func (m *Monitor) Poll(ctx context.Context, stop <-chan struct{}) error {
	m.pollMu.Lock()
	defer m.pollMu.Unlock()

	m.mu.RLock()
	loaded := m.loaded
	m.mu.RUnlock()
	if !loaded {
		if err := m.Load(ctx); err != nil {
			return m.fail(err)
		}
	}

	if m.inst.Hunt.BudgetScope == models.BudgetScopeAll {
		if _, err := m.budget.TryConsume(ctx, m.inst.Key, 1); err != nil {
			if errors.Is(err, budget.ErrBudgetDenied) {
				m.log.Debug().Msg("stall: budget exhausted, skipping queue poll")
				return nil
			}
			return m.fail(err)
		}
	}

	queue, err := m.client.ListActiveDownloads(ctx)
	if err != nil {
		return m.fail(err)
	}

	now := m.now()
	present := make(map[string]arr.QueueItem, len(queue))
	for _, q := range queue {
		present[q.Key()] = q
	}

	for id, rec := range m.snapshot() {
		if _, ok := present[id]; ok {
			continue
		}
		m.clear(ctx, rec, "left the queue")
	}

	for _, key := range sortedKeys(present) {
		if stopped(stop) {
			return context.Canceled
		}
		m.evaluate(ctx, stop, present[key], now)
	}

	m.mu.Lock()
	m.stats.Polls++
	m.stats.ConsecutiveFailures = 0
	m.stats.LastError = ""
	m.stats.LastPollAt = now
	m.mu.Unlock()
	return nil
}

func (m *Monitor) fail(err error) error {
	m.mu.Lock()
	m.stats.ConsecutiveFailures++
	m.stats.LastError = err.Error()
	m.mu.Unlock()
	return err
}

func (m *Monitor) evaluate(ctx context.Context, stop <-chan struct{}, q arr.QueueItem, now time.Time) {
	key := q.Key()
	m.mu.RLock()
	existing, tracked := m.records[key]
	m.mu.RUnlock()

	var rec models.StallRecord
	if tracked {
		rec = *existing
	}

	if !q.Downloading() {
		if tracked && rec.State != models.StallActioned {
			m.clear(ctx, &rec, "no longer downloading")
		}
		return
	}

	sizeLeft := int64(q.SizeLeft)

	switch {
	case !tracked:
		rec = models.StallRecord{
			InstanceKey:    m.inst.Key,
			DownloadID:     key,
			State:          models.StallHealthy,
			LastProgressAt: now,
			LastSizeLeft:   sizeLeft,
		}
	case rec.State == models.StallActioned:
		// removal already issued; cleared once the queue drops the record
		return
	case sizeLeft < rec.LastSizeLeft:
		if rec.State != models.StallHealthy {
			m.log.Info().Str("download", key).Str("title", q.Title).Int("strikes", rec.StrikeCount).Msg("stall: download resumed")
		}
		rec.State = models.StallHealthy
		rec.StrikeCount = 0
		rec.FirstSeenStalledAt = nil
		rec.LastProgressAt = now
		rec.LastSizeLeft = sizeLeft
	case rec.State == models.StallStalled:
		// a previous removal failed; retry without adding strikes
	case now.Sub(rec.LastProgressAt) >= m.inst.Stall.Threshold:
		if rec.State == models.StallHealthy {
			rec.State = models.StallSuspected
			rec.FirstSeenStalledAt = &now
		}
		rec.StrikeCount++
		rec.LastSizeLeft = max(rec.LastSizeLeft, sizeLeft)
		m.log.Debug().Str("download", key).Str("title", q.Title).Int("strikes", rec.StrikeCount).Int("limit", m.inst.Stall.StrikeLimit).Msg("stall: no progress")
		if rec.StrikeCount >= m.inst.Stall.StrikeLimit {
			rec.State = models.StallStalled
		}
	default:
		// a restarted transfer reports more left; track from there
		rec.LastSizeLeft = max(rec.LastSizeLeft, sizeLeft)
	}

	rec.QueueID = q.ID
	rec.ItemID = q.ItemID
	rec.Title = q.Title
	rec.UpdatedAt = now

	if rec.State == models.StallStalled {
		if stopped(stop) {
			m.save(ctx, &rec)
			return
		}
		m.act(ctx, stop, &rec, now)
		return
	}
	m.save(ctx, &rec)
}

// act runs the terminal action for a stalled record. A successful removal
// moves the record to actioned so the action never repeats.
func (m *Monitor) act(ctx context.Context, stop <-chan struct{}, rec *models.StallRecord, now time.Time) {
	settings := m.inst.Stall
	logger := m.log.With().Str("download", rec.DownloadID).Str("title", rec.Title).Int64("queueId", rec.QueueID).Logger()

	err := m.client.RemoveDownload(ctx, rec.QueueID, arr.RemoveOptions{
		RemoveFromClient: settings.RemoveFromClient,
		Blocklist:        settings.Blocklist,
	})
	if err != nil && !errors.Is(err, arr.ErrNotFound) {
		logger.Warn().Err(err).Msg("stall: removal failed, retrying next poll")
		m.mu.Lock()
		m.stats.RemoveFailures++
		m.mu.Unlock()
		m.recordActivity(rec, ActivityRemoveFailed, err.Error())
		m.save(ctx, rec)
		return
	}

	actionedAt := now
	rec.State = models.StallActioned
	rec.ActionedAt = &actionedAt
	m.save(ctx, rec)

	m.mu.Lock()
	m.stats.Removed++
	m.mu.Unlock()
	logger.Info().Int("strikes", rec.StrikeCount).Bool("blocklist", settings.Blocklist).Msg("stall: removed stalled download")
	m.recordActivity(rec, ActivityRemoved, "")

	if settings.Research {
		m.research(ctx, stop, rec, logger)
	}
}

// research queues a fresh search for the removed item through the shared
// hunt search path, so the budget and dedup window apply as for any hunt.
func (m *Monitor) research(ctx context.Context, stop <-chan struct{}, rec *models.StallRecord, logger zerolog.Logger) {
	if rec.ItemID <= 0 || m.searcher == nil {
		m.recordActivity(rec, ActivityResearchSkip, "no item id")
		return
	}

	res, err := m.searcher.Search(ctx, hunt.Request{
		InstanceKey: m.inst.Key,
		Client:      m.client,
		Candidates: []models.Candidate{{
			InstanceKey:  m.inst.Key,
			ExternalID:   strconv.FormatInt(rec.ItemID, 10),
			ItemID:       rec.ItemID,
			Kind:         models.KindMissing,
			Title:        rec.Title,
			Monitored:    true,
			DiscoveredAt: m.now(),
		}},
		Limit:       1,
		DedupWindow: m.inst.Hunt.DedupWindow,
		Stop:        stop,
	})

	switch {
	case err != nil:
		logger.Warn().Err(err).Msg("stall: re-search failed")
		m.recordActivity(rec, ActivityResearchFailed, err.Error())
	case res.Err != nil:
		logger.Warn().Err(res.Err).Msg("stall: re-search failed")
		m.recordActivity(rec, ActivityResearchFailed, res.Err.Error())
	case res.Triggered > 0:
		m.mu.Lock()
		m.stats.Researched++
		m.mu.Unlock()
		logger.Info().Int64("item", rec.ItemID).Msg("stall: re-search triggered")
		m.recordActivity(rec, ActivityResearched, "")
	case res.Unseen == 0:
		m.recordActivity(rec, ActivityResearchSkip, "searched recently")
	case res.SkippedBudget > 0:
		m.recordActivity(rec, ActivityResearchSkip, "hourly budget exhausted")
	default:
		m.recordActivity(rec, ActivityResearchFailed, "search not triggered")
	}
}

func (m *Monitor) save(ctx context.Context, rec *models.StallRecord) {
	stored := *rec
	m.mu.Lock()
	m.records[rec.DownloadID] = &stored
	m.mu.Unlock()

	if err := m.store.Upsert(ctx, &stored); err != nil {
		m.log.Error().Err(err).Str("download", rec.DownloadID).Msg("stall: failed to persist record")
	}
}

func (m *Monitor) clear(ctx context.Context, rec *models.StallRecord, reason string) {
	m.mu.Lock()
	delete(m.records, rec.DownloadID)
	m.mu.Unlock()

	if rec.State != models.StallHealthy {
		m.log.Debug().Str("download", rec.DownloadID).Str("state", string(rec.State)).Str("reason", reason).Msg("stall: record cleared")
	}
	if err := m.store.Delete(ctx, m.inst.Key, rec.DownloadID); err != nil {
		m.log.Error().Err(err).Str("download", rec.DownloadID).Msg("stall: failed to delete record")
	}
}

func (m *Monitor) snapshot() map[string]*models.StallRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]*models.StallRecord, len(m.records))
	for k, v := range m.records {
		c := *v
		out[k] = &c
	}
	return out
}

// Records returns copies of the tracked records, most strikes first.
func (m *Monitor) Records() []models.StallRecord {
	m.mu.RLock()
	out := make([]models.StallRecord, 0, len(m.records))
	for _, rec := range m.records {
		out = append(out, *rec)
	}
	m.mu.RUnlock()

	slices.SortFunc(out, func(a, b models.StallRecord) int {
		if a.StrikeCount != b.StrikeCount {
			return b.StrikeCount - a.StrikeCount
		}
		if a.DownloadID < b.DownloadID {
			return -1
		}
		if a.DownloadID > b.DownloadID {
			return 1
		}
		return 0
	})
	return out
}

func (m *Monitor) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stats
}

func (m *Monitor) recordActivity(rec *models.StallRecord, outcome ActivityOutcome, reason string) {
	release := rls.ParseString(rec.Title)
	event := ActivityEvent{
		InstanceKey: m.inst.Key,
		DownloadID:  rec.DownloadID,
		Title:       rec.Title,
		Resolution:  release.Resolution,
		Group:       release.Group,
		Outcome:     outcome,
		Reason:      reason,
		Timestamp:   m.now(),
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.activity = append(m.activity, event)
	if len(m.activity) > m.activityCap {
		m.activity = m.activity[len(m.activity)-m.activityCap:]
	}
}

// Activity returns up to limit recent terminal-action events, newest first.
func (m *Monitor) Activity(limit int) []ActivityEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 || limit > len(m.activity) {
		limit = len(m.activity)
	}
	out := make([]ActivityEvent, 0, limit)
	for i := len(m.activity) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.activity[i])
	}
	return out
}

func sortedKeys(items map[string]arr.QueueItem) []string {
	keys := make([]string, 0, len(items))
	for k := range items {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

func stopped(stop <-chan struct{}) bool {
	if stop == nil {
		return false
	}
	select {
	case <-stop:
		return true
	default:
		return false
	}
}
