// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/autobrr/huntarr/internal/dbinterface"
)

type CycleResult string

const (
	CycleCompleted       CycleResult = "completed"
	CycleBudgetExhausted CycleResult = "budget-exhausted"
	CycleQueueFull       CycleResult = "queue-full"
	CycleFailed          CycleResult = "failed"
	CycleStopped         CycleResult = "stopped"
)

// HuntCycle summarizes one fetch/filter/search/record pass.
type HuntCycle struct {
	ID            string      `json:"id"`
	InstanceKey   string      `json:"instance"`
	StartedAt     time.Time   `json:"startedAt"`
	FinishedAt    time.Time   `json:"finishedAt"`
	Result        CycleResult `json:"result"`
	Discovered    int         `json:"discovered"`
	Filtered      int         `json:"filtered"`
	Triggered     int         `json:"triggered"`
	SkippedBudget int         `json:"skippedBudget"`
	Failed        int         `json:"failed"`
	Error         string      `json:"error,omitempty"`
}

type HuntCycleStore struct {
	db dbinterface.Querier
}

func NewHuntCycleStore(db dbinterface.Querier) *HuntCycleStore {
	return &HuntCycleStore{db: db}
}

func (s *HuntCycleStore) Record(ctx context.Context, c *HuntCycle) error {
	if c == nil || c.ID == "" || c.InstanceKey == "" {
		return fmt.Errorf("hunt cycle requires id and instance")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	instanceID, err := internInstanceKey(ctx, tx, c.InstanceKey)
	if err != nil {
		return err
	}

	const query = `INSERT INTO hunt_cycles
		(id, instance_id, started_at, finished_at, result, discovered, filtered, triggered, skipped_budget, failed, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			finished_at = excluded.finished_at,
			result = excluded.result,
			discovered = excluded.discovered,
			filtered = excluded.filtered,
			triggered = excluded.triggered,
			skipped_budget = excluded.skipped_budget,
			failed = excluded.failed,
			error = excluded.error`

	if _, err := tx.ExecContext(ctx, query,
		c.ID, instanceID, toUnixMilli(c.StartedAt), toUnixMilli(c.FinishedAt), string(c.Result),
		c.Discovered, c.Filtered, c.Triggered, c.SkippedBudget, c.Failed, c.Error,
	); err != nil {
		return fmt.Errorf("record hunt cycle: %w", err)
	}
	return tx.Commit()
}

// Recent lists cycles newest first; an empty instanceKey lists all instances.
func (s *HuntCycleStore) Recent(ctx context.Context, instanceKey string, limit int) ([]*HuntCycle, error) {
	if limit <= 0 {
		limit = 20
	}

	query := `SELECT c.id, sp.value, c.started_at, c.finished_at, c.result, c.discovered, c.filtered,
			c.triggered, c.skipped_budget, c.failed, c.error
		FROM hunt_cycles c JOIN string_pool sp ON sp.id = c.instance_id`
	var args []any
	if instanceKey != "" {
		query += ` WHERE sp.value = ?`
		args = append(args, instanceKey)
	}
	query += ` ORDER BY c.started_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list hunt cycles: %w", err)
	}
	defer rows.Close()

	var cycles []*HuntCycle
	for rows.Next() {
		c, err := scanHuntCycle(rows)
		if err != nil {
			return nil, err
		}
		cycles = append(cycles, c)
	}
	return cycles, rows.Err()
}

// Last returns the newest cycle of an instance, or nil if none was recorded.
func (s *HuntCycleStore) Last(ctx context.Context, instanceKey string) (*HuntCycle, error) {
	const query = `SELECT c.id, sp.value, c.started_at, c.finished_at, c.result, c.discovered, c.filtered,
			c.triggered, c.skipped_budget, c.failed, c.error
		FROM hunt_cycles c JOIN string_pool sp ON sp.id = c.instance_id
		WHERE sp.value = ? ORDER BY c.started_at DESC LIMIT 1`

	c, err := scanHuntCycle(s.db.QueryRowContext(ctx, query, instanceKey))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return c, err
}

func (s *HuntCycleStore) Prune(ctx context.Context, retention time.Duration, now time.Time) (int64, error) {
	if retention <= 0 {
		return 0, nil
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM hunt_cycles WHERE finished_at < ?`, toUnixMilli(now.Add(-retention)))
	if err != nil {
		return 0, fmt.Errorf("prune hunt cycles: %w", err)
	}
	return res.RowsAffected()
}

func scanHuntCycle(scanner interface{ Scan(dest ...any) error }) (*HuntCycle, error) {
	var (
		c          HuntCycle
		startedAt  int64
		finishedAt int64
		result     string
	)
	if err := scanner.Scan(&c.ID, &c.InstanceKey, &startedAt, &finishedAt, &result, &c.Discovered, &c.Filtered,
		&c.Triggered, &c.SkippedBudget, &c.Failed, &c.Error); err != nil {
		return nil, err
	}
	c.StartedAt = fromUnixMilli(startedAt)
	c.FinishedAt = fromUnixMilli(finishedAt)
	c.Result = CycleResult(result)
	return &c, nil
}
