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

// RateBudgetWindow is the persisted state of one instance's hourly bucket.
type RateBudgetWindow struct {
	InstanceKey string    `json:"instance"`
	WindowStart time.Time `json:"windowStart"`
	CallsUsed   int       `json:"callsUsed"`
	CallsCap    int       `json:"callsCap"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

type RateBudgetStore struct {
	db dbinterface.Querier
}

func NewRateBudgetStore(db dbinterface.Querier) *RateBudgetStore {
	return &RateBudgetStore{db: db}
}

// Get returns nil without error when no window was ever saved.
func (s *RateBudgetStore) Get(ctx context.Context, instanceKey string) (*RateBudgetWindow, error) {
	const query = `SELECT sp.value, rb.window_start, rb.calls_used, rb.calls_cap, rb.updated_at
		FROM rate_budgets rb JOIN string_pool sp ON sp.id = rb.instance_id
		WHERE sp.value = ?`

	w, err := scanRateBudgetWindow(s.db.QueryRowContext(ctx, query, instanceKey))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get rate budget: %w", err)
	}
	return w, nil
}

func (s *RateBudgetStore) List(ctx context.Context) ([]*RateBudgetWindow, error) {
	const query = `SELECT sp.value, rb.window_start, rb.calls_used, rb.calls_cap, rb.updated_at
		FROM rate_budgets rb JOIN string_pool sp ON sp.id = rb.instance_id
		ORDER BY sp.value`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list rate budgets: %w", err)
	}
	defer rows.Close()

	var windows []*RateBudgetWindow
	for rows.Next() {
		w, err := scanRateBudgetWindow(rows)
		if err != nil {
			return nil, err
		}
		windows = append(windows, w)
	}
	return windows, rows.Err()
}

func (s *RateBudgetStore) Save(ctx context.Context, w *RateBudgetWindow) error {
	if w == nil || w.InstanceKey == "" {
		return fmt.Errorf("rate budget window requires an instance")
	}
	if w.UpdatedAt.IsZero() {
		w.UpdatedAt = time.Now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	instanceID, err := internInstanceKey(ctx, tx, w.InstanceKey)
	if err != nil {
		return err
	}

	const query = `INSERT INTO rate_budgets (instance_id, window_start, calls_used, calls_cap, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(instance_id) DO UPDATE SET
			window_start = excluded.window_start,
			calls_used = excluded.calls_used,
			calls_cap = excluded.calls_cap,
			updated_at = excluded.updated_at`

	if _, err := tx.ExecContext(ctx, query, instanceID, toUnixMilli(w.WindowStart), w.CallsUsed, w.CallsCap, toUnixMilli(w.UpdatedAt)); err != nil {
		return fmt.Errorf("save rate budget: %w", err)
	}
	return tx.Commit()
}

func scanRateBudgetWindow(scanner interface{ Scan(dest ...any) error }) (*RateBudgetWindow, error) {
	var (
		w           RateBudgetWindow
		windowStart int64
		updatedAt   int64
	)
	if err := scanner.Scan(&w.InstanceKey, &windowStart, &w.CallsUsed, &w.CallsCap, &updatedAt); err != nil {
		return nil, err
	}
	w.WindowStart = fromUnixMilli(windowStart)
	w.UpdatedAt = fromUnixMilli(updatedAt)
	return &w, nil
}
