// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package arr_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/autobrr/huntarr/internal/arr"
	"github.com/autobrr/huntarr/internal/arr/arrtest"
	"github.com/autobrr/huntarr/internal/models"
	"github.com/autobrr/huntarr/internal/services/schedule"
)

func testInstance(name string) *models.Instance {
	return &models.Instance{
		Key:      models.InstanceKey(models.AppSonarr, name),
		App:      models.AppSonarr,
		Name:     name,
		BaseURL:  "http://sonarr.local:8989",
		APIKey:   "abcdef0123456789",
		Enabled:  true,
		Hunt:     models.DefaultHuntSettings(),
		Stall:    models.DefaultStallSettings(),
		Schedule: schedule.Schedule{Sleep: time.Minute},
	}
}

func newFakePool(t *testing.T, fake *arrtest.Fake, built *atomic.Int32) *arr.ClientPool {
	t.Helper()
	pool := arr.NewClientPool(arr.PoolOptions{
		HealthInterval: time.Hour,
		Factory: func(inst *models.Instance, timeout time.Duration) (arr.Client, error) {
			built.Add(1)
			return fake, nil
		},
	})
	t.Cleanup(func() { _ = pool.Close() })
	return pool
}

func TestCalculateBackoff(t *testing.T) {
	tests := []struct {
		attempts int
		want     time.Duration
	}{
		{0, 10 * time.Second},
		{1, 10 * time.Second},
		{2, 20 * time.Second},
		{3, 40 * time.Second},
		{6, time.Minute},
		{64, time.Minute},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, arr.CalculateBackoff(tt.attempts, 10*time.Second, time.Minute), "attempts=%d", tt.attempts)
	}
}

func TestClientPool_GetReusesUntilFingerprintChanges(t *testing.T) {
	var built atomic.Int32
	pool := newFakePool(t, arrtest.NewFake(models.AppSonarr), &built)

	inst := testInstance("main")
	_, err := pool.Get(inst)
	require.NoError(t, err)
	_, err = pool.Get(inst)
	require.NoError(t, err)
	assert.Equal(t, int32(1), built.Load())

	changed := *inst
	changed.APIKey = "fedcba9876543210"
	_, err = pool.Get(&changed)
	require.NoError(t, err)
	assert.Equal(t, int32(2), built.Load())

	pool.Remove(inst.Key)
	_, err = pool.Lookup(inst.Key)
	require.ErrorIs(t, err, arr.ErrClientNotFound)
}

func TestClientPool_ProbeCachesAndCollapses(t *testing.T) {
	var built atomic.Int32
	fake := arrtest.NewFake(models.AppSonarr)
	pool := newFakePool(t, fake, &built)
	inst := testInstance("main")

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			status, err := pool.Probe(context.Background(), inst)
			assert.NoError(t, err)
			assert.Equal(t, fake.Version, status.Version)
		}()
	}
	wg.Wait()

	_, err := pool.Probe(context.Background(), inst)
	require.NoError(t, err)

	assert.LessOrEqual(t, fake.StatusCalls.Load(), int32(8))
	calls := fake.StatusCalls.Load()
	_, err = pool.Probe(context.Background(), inst)
	require.NoError(t, err)
	assert.Equal(t, calls, fake.StatusCalls.Load(), "cached probe must not hit upstream")
	assert.True(t, pool.Health(inst.Key).Healthy)
}

func TestClientPool_ProbeFailureAppliesBackoff(t *testing.T) {
	var built atomic.Int32
	fake := arrtest.NewFake(models.AppSonarr)
	fake.SetStatusErr(&arr.UpstreamError{Op: "GET system/status", Err: errors.New("connection refused")})
	pool := newFakePool(t, fake, &built)
	inst := testInstance("down")

	_, err := pool.Probe(context.Background(), inst)
	require.Error(t, err)

	assert.True(t, pool.InBackoff(inst.Key))
	h := pool.Health(inst.Key)
	assert.False(t, h.Healthy)
	assert.Contains(t, h.LastError, "connection refused")
	assert.True(t, h.BackoffTill.After(time.Now()))

	fake.SetStatusErr(nil)
	_, err = pool.Probe(context.Background(), inst)
	require.NoError(t, err)
	assert.False(t, pool.InBackoff(inst.Key))
}

func TestClientPool_Closed(t *testing.T) {
	var built atomic.Int32
	pool := newFakePool(t, arrtest.NewFake(models.AppSonarr), &built)
	require.NoError(t, pool.Close())
	require.NoError(t, pool.Close())

	_, err := pool.Get(testInstance("main"))
	require.ErrorIs(t, err, arr.ErrPoolClosed)
}
