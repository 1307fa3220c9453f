// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autobrr/huntarr/internal/database"
)

func newTestDB(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.New(filepath.Join(t.TempDir(), "huntarr.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func candidates(instanceKey string, kind HuntKind, ids ...string) []Candidate {
	out := make([]Candidate, 0, len(ids))
	for _, id := range ids {
		out = append(out, Candidate{InstanceKey: instanceKey, ExternalID: id, Kind: kind})
	}
	return out
}

func externalIDs(cs []Candidate) []string {
	ids := make([]string, 0, len(cs))
	for _, c := range cs {
		ids = append(ids, c.ExternalID)
	}
	return ids
}

func TestHuntHistoryFilterUnseenIsStable(t *testing.T) {
	ctx := context.Background()
	store := NewHuntHistoryStore(newTestDB(t))
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	const key = "sonarr:main"

	input := candidates(key, KindMissing, "5", "3", "9", "1", "7")

	// Nothing recorded yet: everything passes.
	got, err := store.FilterUnseen(ctx, key, input, time.Hour, now)
	require.NoError(t, err)
	assert.Equal(t, []string{"5", "3", "9", "1", "7"}, externalIDs(got))

	for _, id := range []string{"3", "1"} {
		require.NoError(t, store.Record(ctx, &HuntHistoryEntry{
			InstanceKey: key, ExternalID: id, Kind: KindMissing, Outcome: OutcomeTriggered, RecordedAt: now.Add(-10 * time.Minute),
		}))
	}
	// Searched long ago: outside the window.
	require.NoError(t, store.Record(ctx, &HuntHistoryEntry{
		InstanceKey: key, ExternalID: "9", Kind: KindMissing, Outcome: OutcomeTriggered, RecordedAt: now.Add(-2 * time.Hour),
	}))
	// Same id, other kind: does not hide the missing candidate.
	require.NoError(t, store.Record(ctx, &HuntHistoryEntry{
		InstanceKey: key, ExternalID: "7", Kind: KindUpgrade, Outcome: OutcomeTriggered, RecordedAt: now,
	}))
	// Budget skips never count as searches.
	require.NoError(t, store.Record(ctx, &HuntHistoryEntry{
		InstanceKey: key, ExternalID: "5", Kind: KindMissing, Outcome: OutcomeSkippedBudget, RecordedAt: now,
	}))
	// Another instance: isolated.
	require.NoError(t, store.Record(ctx, &HuntHistoryEntry{
		InstanceKey: "radarr:main", ExternalID: "5", Kind: KindMissing, Outcome: OutcomeTriggered, RecordedAt: now,
	}))

	got, err = store.FilterUnseen(ctx, key, input, time.Hour, now)
	require.NoError(t, err)
	assert.Equal(t, []string{"5", "9", "7"}, externalIDs(got))

	// Zero window disables dedup.
	got, err = store.FilterUnseen(ctx, key, input, 0, now)
	require.NoError(t, err)
	assert.Len(t, got, len(input))
}

func TestHuntHistoryFilterUnseenWindowBoundary(t *testing.T) {
	ctx := context.Background()
	store := NewHuntHistoryStore(newTestDB(t))
	searched := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	const key = "radarr:4k"

	require.NoError(t, store.Record(ctx, &HuntHistoryEntry{
		InstanceKey: key, ExternalID: "42", Kind: KindUpgrade, Outcome: OutcomeTriggered, RecordedAt: searched,
	}))

	in := candidates(key, KindUpgrade, "42")

	got, err := store.FilterUnseen(ctx, key, in, time.Hour, searched.Add(59*time.Minute))
	require.NoError(t, err)
	assert.Empty(t, got)

	got, err = store.FilterUnseen(ctx, key, in, time.Hour, searched.Add(time.Hour))
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestHuntHistoryRecordKeepsOneEntryPerKey(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	store := NewHuntHistoryStore(db)
	first := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	const key = "lidarr:music"

	require.NoError(t, store.Record(ctx, &HuntHistoryEntry{
		InstanceKey: key, ExternalID: "10", Kind: KindMissing, Title: "Album", Outcome: OutcomeTriggered, RecordedAt: first,
	}))
	require.NoError(t, store.Record(ctx, &HuntHistoryEntry{
		InstanceKey: key, ExternalID: "10", Kind: KindMissing, Outcome: OutcomeFailed, Reason: "boom", RecordedAt: first.Add(time.Minute),
	}))

	var count int
	require.NoError(t, db.QueryRowContext(ctx, "SELECT COUNT(*) FROM hunt_history").Scan(&count))
	assert.Equal(t, 1, count)

	entry, err := store.Get(ctx, key, "10", KindMissing)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, entry.Outcome)
	assert.Equal(t, "boom", entry.Reason)
	assert.Equal(t, "Album", entry.Title, "empty title keeps the previous one")
	require.NotNil(t, entry.SearchedAt)
	assert.True(t, entry.SearchedAt.Equal(first), "non-triggered outcomes keep searchedAt")
	assert.True(t, entry.RecordedAt.Equal(first.Add(time.Minute)))

	_, err = store.Get(ctx, key, "11", KindMissing)
	assert.ErrorIs(t, err, sql.ErrNoRows)
}

func TestHuntHistoryPruneAndRecent(t *testing.T) {
	ctx := context.Background()
	store := NewHuntHistoryStore(newTestDB(t))
	now := time.Date(2025, 6, 10, 0, 0, 0, 0, time.UTC)

	for i, age := range []time.Duration{time.Hour, 48 * time.Hour, 10 * 24 * time.Hour} {
		require.NoError(t, store.Record(ctx, &HuntHistoryEntry{
			InstanceKey: "sonarr:main", ExternalID: string(rune('a' + i)), Kind: KindMissing,
			Outcome: OutcomeTriggered, RecordedAt: now.Add(-age),
		}))
	}

	removed, err := store.Prune(ctx, 7*24*time.Hour, now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	recent, err := store.Recent(ctx, "sonarr:main", HistoryFilter{}, 10)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "a", recent[0].ExternalID)
	assert.Equal(t, "b", recent[1].ExternalID)

	all, err := store.Recent(ctx, "", HistoryFilter{}, 1)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	removed, err = store.Prune(ctx, 0, now)
	require.NoError(t, err)
	assert.Zero(t, removed)
}

func TestRateBudgetStore(t *testing.T) {
	ctx := context.Background()
	store := NewRateBudgetStore(newTestDB(t))

	w, err := store.Get(ctx, "sonarr:main")
	require.NoError(t, err)
	assert.Nil(t, w)

	start := time.Date(2025, 6, 1, 13, 0, 0, 0, time.UTC)
	require.NoError(t, store.Save(ctx, &RateBudgetWindow{InstanceKey: "sonarr:main", WindowStart: start, CallsUsed: 3, CallsCap: 10}))
	require.NoError(t, store.Save(ctx, &RateBudgetWindow{InstanceKey: "sonarr:main", WindowStart: start, CallsUsed: 4, CallsCap: 10}))

	w, err = store.Get(ctx, "sonarr:main")
	require.NoError(t, err)
	require.NotNil(t, w)
	assert.Equal(t, 4, w.CallsUsed)
	assert.Equal(t, 10, w.CallsCap)
	assert.True(t, w.WindowStart.Equal(start))

	all, err := store.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestStallRecordStore(t *testing.T) {
	ctx := context.Background()
	store := NewStallRecordStore(newTestDB(t))
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	rec := &StallRecord{
		InstanceKey: "radarr:main", DownloadID: "ABC", QueueID: 7, ItemID: 99, Title: "Movie",
		State: StallSuspected, FirstSeenStalledAt: &now, LastProgressAt: now.Add(-time.Hour),
		LastSizeLeft: 1024, StrikeCount: 1,
	}
	require.NoError(t, store.Upsert(ctx, rec))

	rec.StrikeCount = 2
	rec.State = StallStalled
	require.NoError(t, store.Upsert(ctx, rec))
	require.NoError(t, store.Upsert(ctx, &StallRecord{InstanceKey: "radarr:main", DownloadID: "DEF", State: StallHealthy, LastProgressAt: now}))

	records, err := store.List(ctx, "radarr:main")
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "ABC", records[0].DownloadID)
	assert.Equal(t, 2, records[0].StrikeCount)
	assert.Equal(t, StallStalled, records[0].State)
	require.NotNil(t, records[0].FirstSeenStalledAt)
	assert.True(t, records[0].FirstSeenStalledAt.Equal(now))
	assert.Nil(t, records[0].ActionedAt)

	require.NoError(t, store.Delete(ctx, "radarr:main", "ABC"))
	records, err = store.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, records, 1)

	n, err := store.DeleteInstance(ctx, "radarr:main")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestHuntCycleStore(t *testing.T) {
	ctx := context.Background()
	store := NewHuntCycleStore(newTestDB(t))
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	last, err := store.Last(ctx, "sonarr:main")
	require.NoError(t, err)
	assert.Nil(t, last)

	require.NoError(t, store.Record(ctx, &HuntCycle{
		ID: "c1", InstanceKey: "sonarr:main", StartedAt: now.Add(-48 * time.Hour), FinishedAt: now.Add(-48 * time.Hour),
		Result: CycleCompleted, Triggered: 2,
	}))
	require.NoError(t, store.Record(ctx, &HuntCycle{
		ID: "c2", InstanceKey: "sonarr:main", StartedAt: now, FinishedAt: now.Add(time.Minute),
		Result: CycleBudgetExhausted, Triggered: 5, SkippedBudget: 7,
	}))

	last, err = store.Last(ctx, "sonarr:main")
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, "c2", last.ID)
	assert.Equal(t, 7, last.SkippedBudget)
	assert.Equal(t, CycleBudgetExhausted, last.Result)

	removed, err := store.Prune(ctx, 24*time.Hour, now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	recent, err := store.Recent(ctx, "", 10)
	require.NoError(t, err)
	assert.Len(t, recent, 1)
}

func TestInstanceControlStoreAndStringPoolPrune(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	controls := NewInstanceControlStore(db)
	history := NewHuntHistoryStore(db)

	require.NoError(t, controls.SetPaused(ctx, "sonarr:main", true))
	require.NoError(t, controls.SetPaused(ctx, "radarr:main", true))
	require.NoError(t, controls.SetPaused(ctx, "radarr:main", false))

	paused, err := controls.PausedInstances(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"sonarr:main": true}, paused)

	overrides, err := controls.Overrides(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"sonarr:main": true, "radarr:main": false}, overrides)

	require.NoError(t, history.Record(ctx, &HuntHistoryEntry{InstanceKey: "old:gone", ExternalID: "1", Kind: KindMissing, Outcome: OutcomeTriggered, RecordedAt: time.Unix(0, 0)}))
	_, err = history.Prune(ctx, time.Hour, time.Now())
	require.NoError(t, err)

	removed, err := PruneStringPool(ctx, db)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)
}
