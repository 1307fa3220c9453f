// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package arr

import (
	"context"
	"sync"
	"time"

	"github.com/autobrr/autobrr/pkg/ttlcache"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/autobrr/huntarr/internal/models"
)

var (
	ErrPoolClosed     = errors.New("client pool is closed")
	ErrClientNotFound = errors.New("arr client not found")
)

const (
	healthCheckInterval    = 60 * time.Second
	healthCheckTimeout     = 10 * time.Second
	minHealthCheckInterval = 30 * time.Second
	statusCacheTTL         = 30 * time.Second

	initialBackoff = 10 * time.Second
	maxBackoff     = 5 * time.Minute
)

// CalculateBackoff doubles initial per attempt, capped at maxDuration.
func CalculateBackoff(attempts int, initial, maxDuration time.Duration) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	if attempts > 30 {
		return maxDuration
	}
	return min(time.Duration(1<<(attempts-1))*initial, maxDuration)
}

type failureInfo struct {
	nextRetry time.Time
	attempts  int
	lastError error
}

type pooledClient struct {
	client      Client
	fingerprint uint64
	healthy     bool
	lastCheck   time.Time
}

// Health is the last known reachability of one instance.
type Health struct {
	Healthy     bool      `json:"healthy"`
	LastCheck   time.Time `json:"lastCheck"`
	LastError   string    `json:"lastError,omitempty"`
	BackoffTill time.Time `json:"backoffUntil,omitempty"`
}

type PoolOptions struct {
	Timeout        time.Duration
	HealthInterval time.Duration
	// Factory overrides client construction; tests inject fakes through it.
	Factory func(inst *models.Instance, timeout time.Duration) (Client, error)
}

// ClientPool hands out one client per instance key and tracks instance health.
type ClientPool struct {
	opts           PoolOptions
	clients        map[string]*pooledClient
	failureTracker map[string]*failureInfo
	statusCache    *ttlcache.Cache[string, *SystemStatus]
	probeGroup     singleflight.Group
	mu             sync.RWMutex
	creationMu     sync.Mutex
	creationLocks  map[string]*sync.Mutex
	closed         bool
	stopHealth     chan struct{}
	healthDone     chan struct{}
}

func NewClientPool(opts PoolOptions) *ClientPool {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.HealthInterval <= 0 {
		opts.HealthInterval = healthCheckInterval
	}
	if opts.Factory == nil {
		opts.Factory = defaultFactory
	}

	cp := &ClientPool{
		opts:           opts,
		clients:        make(map[string]*pooledClient),
		failureTracker: make(map[string]*failureInfo),
		statusCache:    ttlcache.New(ttlcache.Options[string, *SystemStatus]{}.SetDefaultTTL(statusCacheTTL)),
		creationLocks:  make(map[string]*sync.Mutex),
		stopHealth:     make(chan struct{}),
		healthDone:     make(chan struct{}),
	}

	go cp.healthCheckLoop()

	return cp
}

func defaultFactory(inst *models.Instance, timeout time.Duration) (Client, error) {
	return New(Config{
		App:     inst.App,
		BaseURL: inst.BaseURL,
		APIKey:  inst.APIKey,
		Timeout: timeout,
	})
}

func (cp *ClientPool) getInstanceLock(key string) *sync.Mutex {
	cp.creationMu.Lock()
	defer cp.creationMu.Unlock()

	if lock, exists := cp.creationLocks[key]; exists {
		return lock
	}

	lock := &sync.Mutex{}
	cp.creationLocks[key] = lock
	return lock
}

// Get returns the client for inst, rebuilding it when the descriptor changed.
func (cp *ClientPool) Get(inst *models.Instance) (Client, error) {
	fingerprint := inst.Fingerprint()

	cp.mu.RLock()
	if cp.closed {
		cp.mu.RUnlock()
		return nil, ErrPoolClosed
	}
	pc, exists := cp.clients[inst.Key]
	cp.mu.RUnlock()

	if exists && pc.fingerprint == fingerprint {
		return pc.client, nil
	}

	lock := cp.getInstanceLock(inst.Key)
	lock.Lock()
	defer lock.Unlock()

	cp.mu.RLock()
	pc, exists = cp.clients[inst.Key]
	cp.mu.RUnlock()
	if exists && pc.fingerprint == fingerprint {
		return pc.client, nil
	}

	client, err := cp.opts.Factory(inst, cp.opts.Timeout)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create client")
	}

	cp.mu.Lock()
	defer cp.mu.Unlock()
	if cp.closed {
		return nil, ErrPoolClosed
	}
	cp.clients[inst.Key] = &pooledClient{client: client, fingerprint: fingerprint}
	cp.statusCache.Delete(inst.Key)
	return client, nil
}

// Lookup returns an already created client without building one.
func (cp *ClientPool) Lookup(key string) (Client, error) {
	cp.mu.RLock()
	defer cp.mu.RUnlock()

	if cp.closed {
		return nil, ErrPoolClosed
	}
	pc, exists := cp.clients[key]
	if !exists {
		return nil, ErrClientNotFound
	}
	return pc.client, nil
}

// Probe fetches system/status for inst. Concurrent probes of one instance
// share a single request and successful results are cached briefly.
func (cp *ClientPool) Probe(ctx context.Context, inst *models.Instance) (*SystemStatus, error) {
	if status, ok := cp.statusCache.Get(inst.Key); ok {
		return status, nil
	}

	client, err := cp.Get(inst)
	if err != nil {
		return nil, err
	}

	v, err, _ := cp.probeGroup.Do(inst.Key, func() (any, error) {
		status, err := client.SystemStatus(ctx)
		if err != nil {
			cp.trackFailure(inst.Key, err)
			return nil, err
		}
		cp.markHealthy(inst.Key)
		cp.statusCache.Set(inst.Key, status, ttlcache.DefaultTTL)
		return status, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*SystemStatus), nil
}

// Remove drops the client and its tracking state.
func (cp *ClientPool) Remove(key string) {
	lock := cp.getInstanceLock(key)
	lock.Lock()

	cp.mu.Lock()
	delete(cp.clients, key)
	delete(cp.failureTracker, key)
	cp.mu.Unlock()
	cp.statusCache.Delete(key)

	lock.Unlock()

	cp.creationMu.Lock()
	delete(cp.creationLocks, key)
	cp.creationMu.Unlock()

	log.Debug().Str("instance", key).Msg("arr: removed client from pool")
}

// Health reports the last known state of key.
func (cp *ClientPool) Health(key string) Health {
	cp.mu.RLock()
	defer cp.mu.RUnlock()

	var h Health
	if pc, ok := cp.clients[key]; ok {
		h.Healthy = pc.healthy
		h.LastCheck = pc.lastCheck
	}
	if info, ok := cp.failureTracker[key]; ok {
		h.Healthy = false
		h.BackoffTill = info.nextRetry
		if info.lastError != nil {
			h.LastError = info.lastError.Error()
		}
	}
	return h
}

// InBackoff reports whether key failed recently enough that callers should wait.
func (cp *ClientPool) InBackoff(key string) bool {
	cp.mu.RLock()
	defer cp.mu.RUnlock()
	info, exists := cp.failureTracker[key]
	if !exists {
		return false
	}
	return time.Now().Before(info.nextRetry)
}

func (cp *ClientPool) trackFailure(key string, err error) {
	cp.mu.Lock()
	defer cp.mu.Unlock()

	info, exists := cp.failureTracker[key]
	if !exists {
		info = &failureInfo{}
		cp.failureTracker[key] = info
	}
	info.attempts++
	info.lastError = err

	if pc, ok := cp.clients[key]; ok {
		pc.healthy = false
		pc.lastCheck = time.Now()
	}

	backoff := CalculateBackoff(info.attempts, initialBackoff, maxBackoff)
	info.nextRetry = time.Now().Add(backoff)

	log.Debug().Err(err).Str("instance", key).Int("attempts", info.attempts).Dur("backoff", backoff).Msg("arr: instance unreachable, applying backoff")
}

func (cp *ClientPool) markHealthy(key string) {
	cp.mu.Lock()
	defer cp.mu.Unlock()

	if _, exists := cp.failureTracker[key]; exists {
		delete(cp.failureTracker, key)
		log.Debug().Str("instance", key).Msg("arr: reset failure tracking after successful probe")
	}
	if pc, ok := cp.clients[key]; ok {
		pc.healthy = true
		pc.lastCheck = time.Now()
	}
}

func (cp *ClientPool) healthCheckLoop() {
	defer close(cp.healthDone)

	ticker := time.NewTicker(cp.opts.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			cp.performHealthChecks()
		case <-cp.stopHealth:
			return
		}
	}
}

func (cp *ClientPool) performHealthChecks() {
	type target struct {
		key    string
		client Client
	}

	cp.mu.RLock()
	targets := make([]target, 0, len(cp.clients))
	for key, pc := range cp.clients {
		if time.Since(pc.lastCheck) < minHealthCheckInterval {
			continue
		}
		if info, ok := cp.failureTracker[key]; ok && time.Now().Before(info.nextRetry) {
			continue
		}
		targets = append(targets, target{key: key, client: pc.client})
	}
	cp.mu.RUnlock()

	var wg sync.WaitGroup
	for _, t := range targets {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), healthCheckTimeout)
			defer cancel()

			status, err := t.client.SystemStatus(ctx)
			if err != nil {
				log.Warn().Err(err).Str("instance", t.key).Msg("arr: health check failed")
				cp.trackFailure(t.key, err)
				return
			}
			cp.markHealthy(t.key)
			cp.statusCache.Set(t.key, status, ttlcache.DefaultTTL)
		}()
	}
	wg.Wait()
}

// Close stops the health loop and forgets every client.
func (cp *ClientPool) Close() error {
	cp.mu.Lock()
	if cp.closed {
		cp.mu.Unlock()
		return nil
	}
	cp.closed = true
	close(cp.stopHealth)
	cp.clients = make(map[string]*pooledClient)
	cp.failureTracker = make(map[string]*failureInfo)
	cp.mu.Unlock()

	<-cp.healthDone
	cp.statusCache.Close()

	log.Debug().Msg("arr: client pool closed")
	return nil
}
