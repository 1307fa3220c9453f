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

type StallState string

const (
	StallHealthy   StallState = "healthy"
	StallSuspected StallState = "suspected"
	StallStalled   StallState = "stalled"
	StallActioned  StallState = "actioned"
)

// StallRecord tracks one download in an instance's queue.
type StallRecord struct {
	InstanceKey        string     `json:"instance"`
	DownloadID         string     `json:"downloadId"`
	QueueID            int64      `json:"queueId"`
	ItemID             int64      `json:"itemId"`
	Title              string     `json:"title"`
	State              StallState `json:"state"`
	FirstSeenStalledAt *time.Time `json:"firstSeenStalledAt,omitempty"`
	LastProgressAt     time.Time  `json:"lastProgressAt"`
	LastSizeLeft       int64      `json:"lastSizeLeft"`
	StrikeCount        int        `json:"strikeCount"`
	ActionedAt         *time.Time `json:"actionedAt,omitempty"`
	UpdatedAt          time.Time  `json:"updatedAt"`
}

type StallRecordStore struct {
	db dbinterface.Querier
}

func NewStallRecordStore(db dbinterface.Querier) *StallRecordStore {
	return &StallRecordStore{db: db}
}

func (s *StallRecordStore) Upsert(ctx context.Context, rec *StallRecord) error {
	if rec == nil || rec.InstanceKey == "" || rec.DownloadID == "" {
		return fmt.Errorf("stall record requires instance and download id")
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	instanceID, err := internInstanceKey(ctx, tx, rec.InstanceKey)
	if err != nil {
		return err
	}

	const query = `INSERT INTO stall_records
		(instance_id, download_id, queue_id, item_id, title, state, first_seen_stalled_at,
		 last_progress_at, last_size_left, strike_count, actioned_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(instance_id, download_id) DO UPDATE SET
			queue_id = excluded.queue_id,
			item_id = excluded.item_id,
			title = excluded.title,
			state = excluded.state,
			first_seen_stalled_at = excluded.first_seen_stalled_at,
			last_progress_at = excluded.last_progress_at,
			last_size_left = excluded.last_size_left,
			strike_count = excluded.strike_count,
			actioned_at = excluded.actioned_at,
			updated_at = excluded.updated_at`

	if _, err := tx.ExecContext(ctx, query,
		instanceID,
		rec.DownloadID,
		rec.QueueID,
		rec.ItemID,
		rec.Title,
		string(rec.State),
		toNullUnixMilli(rec.FirstSeenStalledAt),
		toUnixMilli(rec.LastProgressAt),
		rec.LastSizeLeft,
		rec.StrikeCount,
		toNullUnixMilli(rec.ActionedAt),
		toUnixMilli(rec.UpdatedAt),
	); err != nil {
		return fmt.Errorf("upsert stall record: %w", err)
	}
	return tx.Commit()
}

func (s *StallRecordStore) Delete(ctx context.Context, instanceKey, downloadID string) error {
	const query = `DELETE FROM stall_records
		WHERE instance_id = (SELECT id FROM string_pool WHERE value = ?) AND download_id = ?`
	if _, err := s.db.ExecContext(ctx, query, instanceKey, downloadID); err != nil {
		return fmt.Errorf("delete stall record: %w", err)
	}
	return nil
}

// DeleteInstance drops every record of an instance, used when its monitor is removed.
func (s *StallRecordStore) DeleteInstance(ctx context.Context, instanceKey string) (int64, error) {
	const query = `DELETE FROM stall_records WHERE instance_id = (SELECT id FROM string_pool WHERE value = ?)`
	res, err := s.db.ExecContext(ctx, query, instanceKey)
	if err != nil {
		return 0, fmt.Errorf("delete stall records: %w", err)
	}
	return res.RowsAffected()
}

// List returns the records of one instance, or all when instanceKey is empty.
func (s *StallRecordStore) List(ctx context.Context, instanceKey string) ([]*StallRecord, error) {
	query := `SELECT sp.value, r.download_id, r.queue_id, r.item_id, r.title, r.state, r.first_seen_stalled_at,
			r.last_progress_at, r.last_size_left, r.strike_count, r.actioned_at, r.updated_at
		FROM stall_records r JOIN string_pool sp ON sp.id = r.instance_id`
	var args []any
	if instanceKey != "" {
		query += ` WHERE sp.value = ?`
		args = append(args, instanceKey)
	}
	query += ` ORDER BY sp.value, r.strike_count DESC, r.download_id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list stall records: %w", err)
	}
	defer rows.Close()

	var records []*StallRecord
	for rows.Next() {
		rec, err := scanStallRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func scanStallRecord(scanner interface{ Scan(dest ...any) error }) (*StallRecord, error) {
	var (
		rec            StallRecord
		state          string
		firstSeen      sql.NullInt64
		lastProgressAt int64
		actionedAt     sql.NullInt64
		updatedAt      int64
	)
	if err := scanner.Scan(&rec.InstanceKey, &rec.DownloadID, &rec.QueueID, &rec.ItemID, &rec.Title, &state,
		&firstSeen, &lastProgressAt, &rec.LastSizeLeft, &rec.StrikeCount, &actionedAt, &updatedAt); err != nil {
		return nil, err
	}
	rec.State = StallState(state)
	rec.FirstSeenStalledAt = fromNullUnixMilli(firstSeen)
	rec.LastProgressAt = fromUnixMilli(lastProgressAt)
	rec.ActionedAt = fromNullUnixMilli(actionedAt)
	rec.UpdatedAt = fromUnixMilli(updatedAt)
	return &rec, nil
}
