// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package engine

import (
	"context"
	"errors"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/autobrr/huntarr/internal/arr"
	"github.com/autobrr/huntarr/internal/models"
	"github.com/autobrr/huntarr/internal/services/hunt"
	"github.com/autobrr/huntarr/internal/services/stall"
)

type Phase string

const (
	PhaseValidating Phase = "validating"
	PhaseInvalid    Phase = "invalid"
	PhaseRunning    Phase = "running"
	PhaseStopping   Phase = "stopping"
	PhaseStopped    Phase = "stopped"
)

// handle is the supervisor's record of one instance. stop is the soft signal:
// no new work after it closes. cancel aborts in-flight upstream calls and is
// only used once the shutdown deadline passes.
type handle struct {
	inst        *models.Instance
	fingerprint uint64
	log         zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	stop   chan struct{}
	once   sync.Once
	wg     sync.WaitGroup

	mu       sync.RWMutex
	phase    Phase
	err      error
	attempts int
	restarts int
	paused   bool
	worker   *hunt.Worker
	monitor  *stall.Monitor
}

func newHandle(parent context.Context, inst *models.Instance, logger zerolog.Logger, paused bool) *handle {
	ctx, cancel := context.WithCancel(parent)
	return &handle{
		inst:        inst,
		fingerprint: inst.Fingerprint(),
		log:         logger,
		ctx:         ctx,
		cancel:      cancel,
		stop:        make(chan struct{}),
		phase:       PhaseValidating,
		paused:      paused,
	}
}

func (h *handle) stopping() bool {
	select {
	case <-h.stop:
		return true
	default:
		return false
	}
}

func (h *handle) signalStop() {
	h.once.Do(func() {
		close(h.stop)
		h.mu.Lock()
		if h.phase == PhaseRunning || h.phase == PhaseValidating {
			h.phase = PhaseStopping
		}
		h.mu.Unlock()
	})
}

// halt soft-stops the handle and waits up to timeout before cancelling the
// hard context. It reports whether the goroutines exited in time.
func (h *handle) halt(timeout time.Duration) bool {
	h.signalStop()

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	clean := true
	select {
	case <-done:
	case <-time.After(timeout):
		clean = false
		h.log.Warn().Dur("timeout", timeout).Msg("engine: instance did not stop in time, cancelling in-flight calls")
		h.cancel()
		<-done
	}
	h.cancel()

	h.mu.Lock()
	if h.phase != PhaseInvalid {
		h.phase = PhaseStopped
	}
	h.mu.Unlock()
	return clean
}

func (h *handle) setPhase(p Phase, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.phase = p
	h.err = err
}

func (h *handle) setRuntime(w *hunt.Worker, m *stall.Monitor) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.worker = w
	h.monitor = m
	h.phase = PhaseRunning
	h.err = nil
	if w != nil {
		w.SetPaused(h.paused)
	}
}

func (h *handle) setPaused(paused bool) {
	h.mu.Lock()
	h.paused = paused
	w := h.worker
	h.mu.Unlock()
	if w != nil {
		w.SetPaused(paused)
	}
}

func (h *handle) runtime() (*hunt.Worker, *stall.Monitor) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.worker, h.monitor
}

// supervise runs fn until it returns on its own. A panic is logged and fn is
// restarted after a backoff unless the handle is stopping.
func (h *handle) supervise(component string, base, maxDelay time.Duration, fn func(ctx context.Context, stop <-chan struct{})) {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()

		crashes := 0
		for {
			if !h.protect(component, fn) {
				return
			}
			crashes++

			h.mu.Lock()
			h.restarts++
			h.mu.Unlock()

			delay := arr.CalculateBackoff(crashes, base, maxDelay)
			h.log.Warn().Str("component", component).Int("crashes", crashes).Dur("restartIn", delay).Msg("engine: restarting after crash")

			timer := time.NewTimer(delay)
			select {
			case <-h.stop:
				timer.Stop()
				return
			case <-h.ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
		}
	}()
}

func (h *handle) protect(component string, fn func(ctx context.Context, stop <-chan struct{})) (panicked bool) {
	defer func() {
		if r := recover(); r != nil {
			panicked = true
			h.log.Error().
				Str("component", component).
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("engine: recovered from panic")
		}
	}()
	fn(h.ctx, h.stop)
	return false
}

// waitRetry sleeps before the next validation attempt. It returns false when
// the handle is stopping.
func (h *handle) waitRetry(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-h.stop:
		return false
	case <-h.ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func isStopErr(err error) bool {
	return errors.Is(err, context.Canceled)
}
