// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package engine

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/autobrr/huntarr/internal/models"
)

// PruneResult counts the rows one prune pass removed.
type PruneResult struct {
	History int64 `json:"history"`
	Cycles  int64 `json:"cycles"`
	Strings int64 `json:"strings"`
}

// Prune drops history and cycle rows older than retention, then the interned
// instance keys nothing references anymore. History is kept for at least
// dedupWindow so pruning never lets an item be searched again early.
func Prune(ctx context.Context, stores Stores, retention, dedupWindow time.Duration, now time.Time) (PruneResult, error) {
	var res PruneResult
	var err error

	historyRetention := retention
	if retention > 0 && retention < dedupWindow {
		historyRetention = dedupWindow
	}

	if res.History, err = stores.History.Prune(ctx, historyRetention, now); err != nil {
		return res, err
	}
	if res.Cycles, err = stores.Cycles.Prune(ctx, retention, now); err != nil {
		return res, err
	}
	if res.Strings, err = models.PruneStringPool(ctx, stores.DB); err != nil {
		return res, err
	}
	return res, nil
}

func (s *Supervisor) pruneLoop() {
	defer close(s.pruneDone)

	ticker := time.NewTicker(s.cfg.PruneInterval)
	defer ticker.Stop()

	for {
		s.pruneOnce()

		select {
		case <-s.pruneStop:
			return
		case <-ticker.C:
		}
	}
}

func (s *Supervisor) pruneOnce() {
	ctx, cancel := context.WithTimeout(s.pruneCtx, time.Minute)
	defer cancel()

	res, err := Prune(ctx, s.stores, s.cfg.HistoryRetention, s.dedupFloor(), s.cfg.Now())
	if err != nil {
		if s.pruneCtx.Err() == nil {
			log.Warn().Err(err).Msg("engine: prune failed")
		}
		return
	}
	if res.History+res.Cycles+res.Strings > 0 {
		log.Debug().Int64("history", res.History).Int64("cycles", res.Cycles).Int64("strings", res.Strings).Msg("engine: pruned old records")
	}
}

func (s *Supervisor) dedupFloor() time.Duration {
	s.mu.RLock()
	instances := make([]*models.Instance, 0, len(s.handles))
	for _, h := range s.handles {
		instances = append(instances, h.inst)
	}
	s.mu.RUnlock()
	return models.MaxDedupWindow(instances)
}
