// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package hunt drives the per-instance search cycles.
package hunt

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/autobrr/huntarr/internal/arr"
	"github.com/autobrr/huntarr/internal/models"
	"github.com/autobrr/huntarr/internal/services/budget"
)

const (
	defaultCommandPoll    = 2 * time.Second
	defaultCommandTimeout = 5 * time.Minute
)

type HistoryStore interface {
	FilterUnseen(ctx context.Context, instanceKey string, candidates []models.Candidate, window time.Duration, now time.Time) ([]models.Candidate, error)
	Record(ctx context.Context, entry *models.HuntHistoryEntry) error
}

type Budget interface {
	TryConsume(ctx context.Context, instanceKey string, n int) (budget.Grant, error)
	Refund(ctx context.Context, g budget.Grant, n int) error
}

// Totals are cumulative outcome counts since process start.
type Totals struct {
	Triggered     int64 `json:"triggered"`
	SkippedBudget int64 `json:"skippedBudget"`
	Failed        int64 `json:"failed"`
}

type SearcherOption func(*Searcher)

func WithSearcherClock(now func() time.Time) SearcherOption {
	return func(s *Searcher) { s.now = now }
}

// WithCommandWait sets how often and how long a triggered command is polled
// when an instance waits for command completion.
func WithCommandWait(poll, timeout time.Duration) SearcherOption {
	return func(s *Searcher) {
		if poll > 0 {
			s.commandPoll = poll
		}
		if timeout > 0 {
			s.commandTimeout = timeout
		}
	}
}

// Searcher is the single path that turns candidates into search commands.
// The hunt worker and the stall monitor share it so an instance never runs two
// filter/consume/trigger/record sequences at once.
type Searcher struct {
	history HistoryStore
	budget  Budget
	now     func() time.Time

	commandPoll    time.Duration
	commandTimeout time.Duration

	lanesMu sync.Mutex
	lanes   map[string]*sync.Mutex

	totalsMu sync.Mutex
	totals   map[string]*Totals
}

func NewSearcher(history HistoryStore, b Budget, opts ...SearcherOption) *Searcher {
	s := &Searcher{
		history:        history,
		budget:         b,
		now:            time.Now,
		commandPoll:    defaultCommandPoll,
		commandTimeout: defaultCommandTimeout,
		lanes:          make(map[string]*sync.Mutex),
		totals:         make(map[string]*Totals),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type Request struct {
	InstanceKey    string
	Client         arr.Client
	Candidates     []models.Candidate
	Limit          int
	DedupWindow    time.Duration
	WaitForCommand bool
	// Stop closes when no new search may start. Calls already in flight run on ctx.
	Stop <-chan struct{}
	// OnState reports searching/recording transitions to the caller.
	OnState func(State)
}

type Result struct {
	Candidates    int
	Unseen        int
	Granted       int
	Triggered     int
	SkippedBudget int
	Failed        int
	Stopped       bool
	// Err is the transient error that aborted the batch, if any.
	Err error
}

func (s *Searcher) lane(key string) *sync.Mutex {
	s.lanesMu.Lock()
	defer s.lanesMu.Unlock()

	l, ok := s.lanes[key]
	if !ok {
		l = &sync.Mutex{}
		s.lanes[key] = l
	}
	return l
}

// Totals returns the cumulative outcome counts for key.
func (s *Searcher) Totals(key string) Totals {
	s.totalsMu.Lock()
	defer s.totalsMu.Unlock()
	if t, ok := s.totals[key]; ok {
		return *t
	}
	return Totals{}
}

// Forget drops the lane and totals of a removed instance.
func (s *Searcher) Forget(key string) {
	s.lanesMu.Lock()
	delete(s.lanes, key)
	s.lanesMu.Unlock()

	s.totalsMu.Lock()
	delete(s.totals, key)
	s.totalsMu.Unlock()
}

func (s *Searcher) count(key string, outcome models.HuntOutcome) {
	s.totalsMu.Lock()
	defer s.totalsMu.Unlock()

	t, ok := s.totals[key]
	if !ok {
		t = &Totals{}
		s.totals[key] = t
	}
	switch outcome {
	case models.OutcomeTriggered:
		t.Triggered++
	case models.OutcomeSkippedBudget:
		t.SkippedBudget++
	case models.OutcomeFailed:
		t.Failed++
	}
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

// Search filters req.Candidates through history, reserves budget for up to
// req.Limit of them and triggers one search per granted item. Each outcome is
// recorded before the next item starts. The returned error is reserved for
// storage failures; upstream problems are reported through Result.Err.
func (s *Searcher) Search(ctx context.Context, req Request) (Result, error) {
	res := Result{Candidates: len(req.Candidates)}
	if len(req.Candidates) == 0 || req.Limit <= 0 {
		return res, nil
	}

	lane := s.lane(req.InstanceKey)
	lane.Lock()
	defer lane.Unlock()

	unseen, err := s.history.FilterUnseen(ctx, req.InstanceKey, req.Candidates, req.DedupWindow, s.now())
	if err != nil {
		return res, err
	}
	res.Unseen = len(unseen)

	want := min(req.Limit, len(unseen))
	if want == 0 {
		return res, nil
	}

	grant, err := s.budget.TryConsume(ctx, req.InstanceKey, want)
	switch {
	case errors.Is(err, budget.ErrBudgetDenied):
		log.Info().Str("instance", req.InstanceKey).Int("wanted", want).Msg("hunt: hourly budget exhausted, skipping searches")
	case err != nil:
		return res, err
	}
	res.Granted = grant.Tokens

	used := 0
	for _, cand := range unseen[:grant.Tokens] {
		if stopped(req.Stop) || ctx.Err() != nil {
			res.Stopped = true
			break
		}

		setState(req.OnState, StateSearching)
		entry, transientErr := s.trigger(ctx, req, cand)
		used++

		setState(req.OnState, StateRecording)
		if err := s.record(ctx, entry); err != nil {
			s.refund(ctx, grant, grant.Tokens-used)
			return res, err
		}

		switch entry.Outcome {
		case models.OutcomeTriggered:
			res.Triggered++
		case models.OutcomeFailed:
			res.Failed++
		}

		if transientErr != nil {
			res.Err = transientErr
			break
		}
	}

	if unused := grant.Tokens - used; unused > 0 {
		s.refund(ctx, grant, unused)
	}

	// items the budget did not cover are recorded so the ledger shows why
	for _, cand := range unseen[grant.Tokens:want] {
		entry := newEntry(cand, models.OutcomeSkippedBudget, s.now())
		entry.Reason = "hourly budget exhausted"
		if err := s.record(ctx, entry); err != nil {
			return res, err
		}
		res.SkippedBudget++
	}

	return res, nil
}

func setState(fn func(State), st State) {
	if fn != nil {
		fn(st)
	}
}

func newEntry(cand models.Candidate, outcome models.HuntOutcome, now time.Time) *models.HuntHistoryEntry {
	return &models.HuntHistoryEntry{
		InstanceKey: cand.InstanceKey,
		ExternalID:  cand.ExternalID,
		Kind:        cand.Kind,
		Title:       cand.Title,
		Outcome:     outcome,
		RecordedAt:  now,
	}
}

// trigger issues the search for one candidate. The second return value is set
// when the failure is transient and the batch must stop.
func (s *Searcher) trigger(ctx context.Context, req Request, cand models.Candidate) (*models.HuntHistoryEntry, error) {
	logger := log.With().Str("instance", req.InstanceKey).Str("kind", string(cand.Kind)).Str("item", cand.ExternalID).Logger()

	cmd, err := req.Client.TriggerSearch(ctx, cand.ItemID)
	now := s.now()
	if err != nil {
		entry := newEntry(cand, models.OutcomeFailed, now)
		switch {
		case errors.Is(err, arr.ErrNotFound):
			entry.Reason = "not found"
			entry.SearchedAt = &now
			logger.Debug().Msg("hunt: item no longer exists upstream")
			return entry, nil
		case arr.IsPermanent(err):
			// rejected items cool down like searched ones so the next cycle moves on
			entry.Reason = err.Error()
			entry.SearchedAt = &now
			logger.Warn().Err(err).Msg("hunt: search rejected")
			return entry, nil
		default:
			entry.Reason = err.Error()
			logger.Warn().Err(err).Msg("hunt: search failed")
			return entry, err
		}
	}

	entry := newEntry(cand, models.OutcomeTriggered, now)
	entry.SearchedAt = &now
	logger.Info().Str("title", cand.Title).Int64("command", cmd.ID).Msg("hunt: search triggered")

	if req.WaitForCommand && cmd.ID > 0 {
		if reason := s.waitForCommand(ctx, req, cmd.ID); reason != "" {
			entry.Outcome = models.OutcomeFailed
			entry.Reason = reason
		}
	}
	return entry, nil
}

// waitForCommand polls the command until it finishes and returns a failure
// reason, or "" when the command completed or the wait was abandoned.
func (s *Searcher) waitForCommand(ctx context.Context, req Request, commandID int64) string {
	deadline := time.NewTimer(s.commandTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(s.commandPoll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ""
		case <-req.Stop:
			return ""
		case <-deadline.C:
			log.Debug().Str("instance", req.InstanceKey).Int64("command", commandID).Msg("hunt: gave up waiting for command")
			return ""
		case <-ticker.C:
		}

		cmd, err := req.Client.CommandStatus(ctx, commandID)
		if err != nil {
			log.Debug().Err(err).Str("instance", req.InstanceKey).Int64("command", commandID).Msg("hunt: command status unavailable")
			continue
		}
		if !cmd.Finished() {
			continue
		}
		if cmd.Failed() {
			reason := "command " + cmd.Status
			if cmd.Message != "" {
				reason += ": " + cmd.Message
			}
			return reason
		}
		return ""
	}
}

func (s *Searcher) record(ctx context.Context, entry *models.HuntHistoryEntry) error {
	// outcomes are written even after the hard deadline cancelled the call that produced them
	recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.history.Record(recordCtx, entry); err != nil {
		log.Error().Err(err).Str("instance", entry.InstanceKey).Str("item", entry.ExternalID).Msg("hunt: failed to record outcome")
		return err
	}
	s.count(entry.InstanceKey, entry.Outcome)
	return nil
}

func (s *Searcher) refund(ctx context.Context, g budget.Grant, n int) {
	if n <= 0 {
		return
	}
	// the refund must land even when ctx is already cancelled
	refundCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.budget.Refund(refundCtx, g, n); err != nil {
		log.Warn().Err(err).Str("instance", g.InstanceKey).Int("tokens", n).Msg("hunt: refund failed")
	}
}
