// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"context"
	"fmt"
	"time"

	"github.com/autobrr/huntarr/internal/dbinterface"
)

// InstanceControlStore persists manual overrides from the control API.
type InstanceControlStore struct {
	db dbinterface.Querier
}

func NewInstanceControlStore(db dbinterface.Querier) *InstanceControlStore {
	return &InstanceControlStore{db: db}
}

func (s *InstanceControlStore) SetPaused(ctx context.Context, instanceKey string, paused bool) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	instanceID, err := internInstanceKey(ctx, tx, instanceKey)
	if err != nil {
		return err
	}

	const query = `INSERT INTO instance_controls (instance_id, paused, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(instance_id) DO UPDATE SET paused = excluded.paused, updated_at = excluded.updated_at`
	if _, err := tx.ExecContext(ctx, query, instanceID, boolToSQLite(paused), toUnixMilli(time.Now())); err != nil {
		return fmt.Errorf("set instance paused: %w", err)
	}
	return tx.Commit()
}

// PausedInstances returns the keys currently paused from the control surface.
func (s *InstanceControlStore) PausedInstances(ctx context.Context) (map[string]bool, error) {
	const query = `SELECT sp.value FROM instance_controls c JOIN string_pool sp ON sp.id = c.instance_id WHERE c.paused = 1`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list paused instances: %w", err)
	}
	defer rows.Close()

	paused := make(map[string]bool)
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		paused[key] = true
	}
	return paused, rows.Err()
}

// Overrides returns every pause toggle set from the control surface, resumed
// instances included, so a resume outlives a paused flag in the config file.
func (s *InstanceControlStore) Overrides(ctx context.Context) (map[string]bool, error) {
	const query = `SELECT sp.value, c.paused FROM instance_controls c JOIN string_pool sp ON sp.id = c.instance_id`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list instance controls: %w", err)
	}
	defer rows.Close()

	overrides := make(map[string]bool)
	for rows.Next() {
		var (
			key    string
			paused int
		)
		if err := rows.Scan(&key, &paused); err != nil {
			return nil, err
		}
		overrides[key] = paused != 0
	}
	return overrides, rows.Err()
}
