// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/autobrr/huntarr/internal/dbinterface"
)

// Timestamps are stored as unix milliseconds so range comparisons stay numeric.

func toUnixMilli(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func toNullUnixMilli(t *time.Time) sql.NullInt64 {
	if t == nil || t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toUnixMilli(*t), Valid: true}
}

func fromUnixMilli(v int64) time.Time {
	return time.UnixMilli(v).UTC()
}

func fromNullUnixMilli(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromUnixMilli(v.Int64)
	return &t
}

func boolToSQLite(v bool) int {
	if v {
		return 1
	}
	return 0
}

type execQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func internInstanceKey(ctx context.Context, q execQuerier, instanceKey string) (int64, error) {
	ids, err := dbinterface.InternStrings(ctx, q, instanceKey)
	if err != nil {
		return 0, fmt.Errorf("intern instance key: %w", err)
	}
	return ids[0], nil
}

// lookupInstanceID returns ok=false when the key was never stored.
func lookupInstanceID(ctx context.Context, q execQuerier, instanceKey string) (int64, bool, error) {
	ids, err := dbinterface.GetStringID(ctx, q, instanceKey)
	if err != nil {
		return 0, false, err
	}
	return ids[0].Int64, ids[0].Valid, nil
}

// PruneStringPool drops interned instance keys no table references anymore.
func PruneStringPool(ctx context.Context, db dbinterface.Querier) (int64, error) {
	return dbinterface.DeleteUnusedStrings(ctx, db,
		"hunt_history.instance_id",
		"rate_budgets.instance_id",
		"stall_records.instance_id",
		"hunt_cycles.instance_id",
		"instance_controls.instance_id",
	)
}
