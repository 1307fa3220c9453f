// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package budget enforces the per-instance hourly ceiling on upstream calls.
package budget

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/autobrr/huntarr/internal/models"
)

// ErrBudgetDenied means no token is left in the current window or no cap is configured.
var ErrBudgetDenied = errors.New("rate budget exhausted")

const windowLength = time.Hour

type Store interface {
	Get(ctx context.Context, instanceKey string) (*models.RateBudgetWindow, error)
	Save(ctx context.Context, w *models.RateBudgetWindow) error
}

// Grant is the result of a successful TryConsume. Window identifies the hourly
// bucket the tokens came from so a late refund cannot leak into the next hour.
type Grant struct {
	InstanceKey string
	Tokens      int
	Window      time.Time
}

type Usage struct {
	InstanceKey string    `json:"instance"`
	WindowStart time.Time `json:"windowStart"`
	ResetsAt    time.Time `json:"resetsAt"`
	Used        int       `json:"used"`
	Cap         int       `json:"cap"`
	Remaining   int       `json:"remaining"`
}

type lane struct {
	mu     sync.Mutex
	loaded bool
	cap    int
	window time.Time
	used   int
}

type Option func(*Tracker)

// WithClock replaces time.Now, mostly for tests around the hour boundary.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		t.now = now
	}
}

// Tracker hands out tokens from fixed UTC hour windows. Each instance has its
// own lock; different instances never contend.
type Tracker struct {
	store Store
	now   func() time.Time

	mu    sync.Mutex
	lanes map[string]*lane
}

func NewTracker(store Store, opts ...Option) *Tracker {
	t := &Tracker{
		store: store,
		now:   time.Now,
		lanes: make(map[string]*lane),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// WindowStart returns the UTC hour bucket containing ts.
func WindowStart(ts time.Time) time.Time {
	return ts.UTC().Truncate(windowLength)
}

func (t *Tracker) lane(key string) *lane {
	t.mu.Lock()
	defer t.mu.Unlock()

	l, ok := t.lanes[key]
	if !ok {
		l = &lane{}
		t.lanes[key] = l
	}
	return l
}

// SetCap applies the configured cap. A cap of 0 denies every request.
func (t *Tracker) SetCap(key string, limit int) {
	l := t.lane(key)
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cap = max(limit, 0)
}

// Forget drops in-memory state for an instance that left the config.
func (t *Tracker) Forget(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.lanes, key)
}

// prepare loads persisted usage once and rolls the window forward; l.mu must be held.
func (t *Tracker) prepare(ctx context.Context, key string, l *lane) error {
	current := WindowStart(t.now())

	if !l.loaded && t.store != nil {
		saved, err := t.store.Get(ctx, key)
		if err != nil {
			return fmt.Errorf("load budget: %w", err)
		}
		if saved != nil && saved.WindowStart.Equal(current) {
			l.window = current
			l.used = saved.CallsUsed
		}
	}
	l.loaded = true

	if !l.window.Equal(current) {
		l.window = current
		l.used = 0
	}
	return nil
}

func (t *Tracker) persist(ctx context.Context, key string, l *lane) error {
	if t.store == nil {
		return nil
	}
	return t.store.Save(ctx, &models.RateBudgetWindow{
		InstanceKey: key,
		WindowStart: l.window,
		CallsUsed:   l.used,
		CallsCap:    l.cap,
		UpdatedAt:   t.now(),
	})
}

// TryConsume grants up to n tokens. Partial grants are normal; ErrBudgetDenied
// is returned only when nothing could be granted.
func (t *Tracker) TryConsume(ctx context.Context, key string, n int) (Grant, error) {
	if n <= 0 {
		return Grant{InstanceKey: key}, nil
	}

	l := t.lane(key)
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := t.prepare(ctx, key, l); err != nil {
		return Grant{InstanceKey: key}, err
	}

	remaining := l.cap - l.used
	if l.cap <= 0 || remaining <= 0 {
		return Grant{InstanceKey: key, Window: l.window}, ErrBudgetDenied
	}

	granted := min(n, remaining)
	l.used += granted
	if err := t.persist(ctx, key, l); err != nil {
		l.used -= granted
		return Grant{InstanceKey: key, Window: l.window}, fmt.Errorf("persist budget: %w", err)
	}

	log.Trace().Str("instance", key).Int("requested", n).Int("granted", granted).Int("used", l.used).Int("cap", l.cap).Msg("budget: tokens granted")
	return Grant{InstanceKey: key, Tokens: granted, Window: l.window}, nil
}

// Refund returns n unused tokens of g. Tokens from an expired window are
// dropped and usage never goes below zero.
func (t *Tracker) Refund(ctx context.Context, g Grant, n int) error {
	n = min(n, g.Tokens)
	if n <= 0 {
		return nil
	}

	l := t.lane(g.InstanceKey)
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := t.prepare(ctx, g.InstanceKey, l); err != nil {
		return err
	}
	if !l.window.Equal(g.Window) {
		return nil
	}

	previous := l.used
	l.used = max(l.used-n, 0)
	if err := t.persist(ctx, g.InstanceKey, l); err != nil {
		l.used = previous
		return fmt.Errorf("persist budget: %w", err)
	}

	log.Trace().Str("instance", g.InstanceKey).Int("refunded", n).Int("used", l.used).Msg("budget: tokens refunded")
	return nil
}

func (t *Tracker) Usage(key string) Usage {
	l := t.lane(key)
	l.mu.Lock()
	defer l.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := t.prepare(ctx, key, l); err != nil {
		log.Warn().Err(err).Str("instance", key).Msg("budget: could not load usage")
	}

	return Usage{
		InstanceKey: key,
		WindowStart: l.window,
		ResetsAt:    l.window.Add(windowLength),
		Used:        l.used,
		Cap:         l.cap,
		Remaining:   max(l.cap-l.used, 0),
	}
}
