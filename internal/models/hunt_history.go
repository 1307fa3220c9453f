// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/autobrr/huntarr/internal/dbinterface"
)

type HuntKind string

const (
	KindMissing HuntKind = "missing"
	KindUpgrade HuntKind = "upgrade"
)

type HuntOutcome string

const (
	OutcomeTriggered     HuntOutcome = "triggered"
	OutcomeSkippedBudget HuntOutcome = "skipped-budget"
	OutcomeFailed        HuntOutcome = "failed"
)

// Candidate is one item an instance reports as missing or below cutoff.
// It lives for a single cycle.
type Candidate struct {
	InstanceKey  string     `json:"instance"`
	ExternalID   string     `json:"externalId"`
	ItemID       int64      `json:"itemId"`
	Kind         HuntKind   `json:"kind"`
	Title        string     `json:"title"`
	Monitored    bool       `json:"monitored"`
	ReleasedAt   *time.Time `json:"releasedAt,omitempty"`
	DiscoveredAt time.Time  `json:"discoveredAt"`
}

func (c Candidate) historyKey() string {
	return string(c.Kind) + "|" + c.ExternalID
}

// HuntHistoryEntry is the latest outcome for (instance, externalID, kind).
// SearchedAt marks the last attempt that counts for dedup: a triggered search
// or one the instance rejected for good. Skipped and transient outcomes keep
// the previous value.
type HuntHistoryEntry struct {
	InstanceKey string      `json:"instance"`
	ExternalID  string      `json:"externalId"`
	Kind        HuntKind    `json:"kind"`
	Title       string      `json:"title"`
	Outcome     HuntOutcome `json:"outcome"`
	Reason      string      `json:"reason,omitempty"`
	SearchedAt  *time.Time  `json:"searchedAt,omitempty"`
	RecordedAt  time.Time   `json:"recordedAt"`
}

type HuntHistoryStore struct {
	db dbinterface.Querier
}

func NewHuntHistoryStore(db dbinterface.Querier) *HuntHistoryStore {
	return &HuntHistoryStore{db: db}
}

// FilterUnseen returns the candidates not searched within window, keeping input order.
func (s *HuntHistoryStore) FilterUnseen(ctx context.Context, instanceKey string, candidates []Candidate, window time.Duration, now time.Time) ([]Candidate, error) {
	out := make([]Candidate, 0, len(candidates))
	if len(candidates) == 0 {
		return out, nil
	}
	if window <= 0 {
		return append(out, candidates...), nil
	}

	instanceID, ok, err := lookupInstanceID(ctx, s.db, instanceKey)
	if err != nil {
		return nil, err
	}
	if !ok {
		return append(out, candidates...), nil
	}

	ids := make([]string, 0, len(candidates))
	seenIDs := make(map[string]struct{}, len(candidates))
	for _, c := range candidates {
		if _, dup := seenIDs[c.ExternalID]; dup {
			continue
		}
		seenIDs[c.ExternalID] = struct{}{}
		ids = append(ids, c.ExternalID)
	}

	cutoff := toUnixMilli(now.Add(-window))
	recent := make(map[string]struct{})

	const chunkSize = 500
	for start := 0; start < len(ids); start += chunkSize {
		chunk := ids[start:min(start+chunkSize, len(ids))]

		args := make([]any, 0, len(chunk)+2)
		args = append(args, instanceID, cutoff)
		for _, id := range chunk {
			args = append(args, id)
		}

		query := `SELECT external_id, kind FROM hunt_history
			WHERE instance_id = ? AND searched_at IS NOT NULL AND searched_at > ?
			AND external_id IN (` + strings.TrimSuffix(strings.Repeat("?,", len(chunk)), ",") + `)`

		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return nil, fmt.Errorf("query hunt history: %w", err)
		}
		for rows.Next() {
			var externalID, kind string
			if err := rows.Scan(&externalID, &kind); err != nil {
				rows.Close()
				return nil, fmt.Errorf("scan hunt history: %w", err)
			}
			recent[kind+"|"+externalID] = struct{}{}
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()
	}

	for _, c := range candidates {
		if _, searched := recent[c.historyKey()]; searched {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

// Record upserts the latest outcome for the entry's key.
func (s *HuntHistoryStore) Record(ctx context.Context, entry *HuntHistoryEntry) error {
	if entry == nil || entry.InstanceKey == "" || entry.ExternalID == "" {
		return fmt.Errorf("hunt history entry requires instance and external id")
	}
	if entry.RecordedAt.IsZero() {
		entry.RecordedAt = time.Now()
	}
	if entry.Outcome == OutcomeTriggered && entry.SearchedAt == nil {
		searchedAt := entry.RecordedAt
		entry.SearchedAt = &searchedAt
	}
	if entry.Outcome == OutcomeSkippedBudget {
		entry.SearchedAt = nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	instanceID, err := internInstanceKey(ctx, tx, entry.InstanceKey)
	if err != nil {
		return err
	}

	const query = `INSERT INTO hunt_history
		(instance_id, external_id, kind, title, outcome, reason, searched_at, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(instance_id, external_id, kind) DO UPDATE SET
			title = CASE WHEN excluded.title != '' THEN excluded.title ELSE hunt_history.title END,
			outcome = excluded.outcome,
			reason = excluded.reason,
			searched_at = COALESCE(excluded.searched_at, hunt_history.searched_at),
			recorded_at = excluded.recorded_at`

	if _, err := tx.ExecContext(ctx, query,
		instanceID,
		entry.ExternalID,
		string(entry.Kind),
		entry.Title,
		string(entry.Outcome),
		entry.Reason,
		toNullUnixMilli(entry.SearchedAt),
		toUnixMilli(entry.RecordedAt),
	); err != nil {
		return fmt.Errorf("upsert hunt history: %w", err)
	}

	return tx.Commit()
}

// Prune deletes entries last recorded before now-retention.
func (s *HuntHistoryStore) Prune(ctx context.Context, retention time.Duration, now time.Time) (int64, error) {
	if retention <= 0 {
		return 0, nil
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM hunt_history WHERE recorded_at < ?`, toUnixMilli(now.Add(-retention)))
	if err != nil {
		return 0, fmt.Errorf("prune hunt history: %w", err)
	}
	return res.RowsAffected()
}

// Recent lists the newest entries matching filter, for one instance or all
// when instanceKey is empty. Outcome and kind are matched in SQL; the fuzzy
// title query is matched while scanning so limit counts matches only.
func (s *HuntHistoryStore) Recent(ctx context.Context, instanceKey string, filter HistoryFilter, limit int) ([]*HuntHistoryEntry, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT sp.value, h.external_id, h.kind, h.title, h.outcome, h.reason, h.searched_at, h.recorded_at
		FROM hunt_history h JOIN string_pool sp ON sp.id = h.instance_id`
	var (
		where []string
		args  []any
	)
	if instanceKey != "" {
		where = append(where, "sp.value = ?")
		args = append(args, instanceKey)
	}
	if filter.Outcome != "" {
		where = append(where, "h.outcome = ?")
		args = append(args, string(filter.Outcome))
	}
	if filter.Kind != "" {
		where = append(where, "h.kind = ?")
		args = append(args, string(filter.Kind))
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += ` ORDER BY h.recorded_at DESC, h.id DESC`

	title := strings.TrimSpace(filter.Query)
	if title == "" {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list hunt history: %w", err)
	}
	defer rows.Close()

	var entries []*HuntHistoryEntry
	for len(entries) < limit && rows.Next() {
		entry, err := scanHuntHistoryEntry(rows)
		if err != nil {
			return nil, err
		}
		if title != "" && !matchTitle(title, entry.Title) {
			continue
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// Get returns the entry for one key or sql.ErrNoRows.
func (s *HuntHistoryStore) Get(ctx context.Context, instanceKey, externalID string, kind HuntKind) (*HuntHistoryEntry, error) {
	const query = `SELECT sp.value, h.external_id, h.kind, h.title, h.outcome, h.reason, h.searched_at, h.recorded_at
		FROM hunt_history h JOIN string_pool sp ON sp.id = h.instance_id
		WHERE sp.value = ? AND h.external_id = ? AND h.kind = ?`
	return scanHuntHistoryEntry(s.db.QueryRowContext(ctx, query, instanceKey, externalID, string(kind)))
}

func scanHuntHistoryEntry(scanner interface{ Scan(dest ...any) error }) (*HuntHistoryEntry, error) {
	var (
		entry      HuntHistoryEntry
		kind       string
		outcome    string
		searchedAt sql.NullInt64
		recordedAt int64
	)
	if err := scanner.Scan(&entry.InstanceKey, &entry.ExternalID, &kind, &entry.Title, &outcome, &entry.Reason, &searchedAt, &recordedAt); err != nil {
		return nil, err
	}
	entry.Kind = HuntKind(kind)
	entry.Outcome = HuntOutcome(outcome)
	entry.SearchedAt = fromNullUnixMilli(searchedAt)
	entry.RecordedAt = fromUnixMilli(recordedAt)
	return &entry, nil
}
