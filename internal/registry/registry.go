// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package registry holds the validated snapshot of configured arr instances.
package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/autobrr/huntarr/internal/arr"
	"github.com/autobrr/huntarr/internal/domain"
	"github.com/autobrr/huntarr/internal/models"
)

type Registry struct {
	mu        sync.RWMutex
	instances []*models.Instance
	byKey     map[string]*models.Instance
	invalid   []*models.ConfigError
	pool      *arr.ClientPool
}

func New(pool *arr.ClientPool) *Registry {
	return &Registry{
		byKey: make(map[string]*models.Instance),
		pool:  pool,
	}
}

// Replace swaps the snapshot. Invalid descriptors are excluded and returned;
// they never prevent the remaining instances from loading.
func (r *Registry) Replace(configs []domain.InstanceConfig) []*models.ConfigError {
	instances := make([]*models.Instance, 0, len(configs))
	byKey := make(map[string]*models.Instance, len(configs))
	var invalid []*models.ConfigError

	for i, cfg := range configs {
		inst, err := models.NewInstance(cfg)
		if err != nil {
			var cfgErr *models.ConfigError
			if !errors.As(err, &cfgErr) {
				cfgErr = &models.ConfigError{Problems: []string{err.Error()}}
			}
			if cfgErr.Instance == "" || strings.HasSuffix(cfgErr.Instance, ":") {
				cfgErr.Instance = fmt.Sprintf("instances[%d]", i)
			}
			invalid = append(invalid, cfgErr)
			continue
		}

		if _, dup := byKey[inst.Key]; dup {
			invalid = append(invalid, &models.ConfigError{
				Instance: inst.Key,
				Problems: []string{fmt.Sprintf("instances[%d]: duplicate name %q for %s", i, inst.Name, inst.App)},
			})
			continue
		}

		instances = append(instances, inst)
		byKey[inst.Key] = inst
	}

	r.mu.Lock()
	previous := r.byKey
	r.instances = instances
	r.byKey = byKey
	r.invalid = invalid
	r.mu.Unlock()

	if r.pool != nil {
		for key := range previous {
			if _, ok := byKey[key]; !ok {
				r.pool.Remove(key)
			}
		}
	}

	for _, cfgErr := range invalid {
		log.Error().Str("instance", cfgErr.Instance).Strs("problems", cfgErr.Problems).Msg("registry: skipping invalid instance")
	}
	log.Debug().Int("instances", len(instances)).Int("invalid", len(invalid)).Msg("registry: snapshot replaced")

	return invalid
}

// List returns the enabled instances in config order.
func (r *Registry) List() []*models.Instance {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*models.Instance, 0, len(r.instances))
	for _, inst := range r.instances {
		if inst.Enabled {
			out = append(out, inst)
		}
	}
	return out
}

// All returns every valid instance, disabled ones included.
func (r *Registry) All() []*models.Instance {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*models.Instance(nil), r.instances...)
}

// Invalid returns the descriptors rejected by the last Replace.
func (r *Registry) Invalid() []*models.ConfigError {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*models.ConfigError(nil), r.invalid...)
}

func (r *Registry) Get(key string) (*models.Instance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	inst, ok := r.byKey[strings.ToLower(key)]
	if !ok {
		return nil, fmt.Errorf("%s: %w", key, models.ErrInstanceNotFound)
	}
	return inst, nil
}

// Client returns the arr client for key.
func (r *Registry) Client(key string) (arr.Client, error) {
	inst, err := r.Get(key)
	if err != nil {
		return nil, err
	}
	return r.pool.Get(inst)
}

// Health returns the pool's last known reachability for key.
func (r *Registry) Health(key string) arr.Health {
	if r.pool == nil {
		return arr.Health{}
	}
	return r.pool.Health(key)
}

// Validate probes system/status. Rejected credentials, a wrong app behind the
// url and unsupported versions come back as *models.ConfigError; anything else
// is an upstream error the caller may retry.
func (r *Registry) Validate(ctx context.Context, key string) error {
	inst, err := r.Get(key)
	if err != nil {
		return err
	}

	status, err := r.pool.Probe(ctx, inst)
	if err != nil {
		switch {
		case errors.Is(err, arr.ErrUnauthorized):
			return &models.ConfigError{Instance: inst.Key, Problems: []string{"apiKey: rejected by " + inst.BaseURL}}
		case arr.IsPermanent(err):
			return &models.ConfigError{Instance: inst.Key, Problems: []string{"url: " + err.Error()}}
		}
		return err
	}

	if want := expectedAppName(inst.App); status.AppName != "" && !strings.EqualFold(status.AppName, want) {
		return &models.ConfigError{
			Instance: inst.Key,
			Problems: []string{fmt.Sprintf("url: expected %s, found %s", want, status.AppName)},
		}
	}

	if err := arr.CheckVersion(inst.App, status.Version); err != nil {
		return &models.ConfigError{Instance: inst.Key, Problems: []string{err.Error()}}
	}

	log.Debug().Str("instance", inst.Key).Str("version", status.Version).Msg("registry: instance validated")
	return nil
}

func expectedAppName(app models.AppType) string {
	if app == models.AppWhisparrV3 {
		return string(models.AppWhisparr)
	}
	return string(app)
}
