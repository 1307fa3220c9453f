// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/huntarr/internal/api"
	"github.com/autobrr/huntarr/internal/arr"
	"github.com/autobrr/huntarr/internal/buildinfo"
	"github.com/autobrr/huntarr/internal/config"
	"github.com/autobrr/huntarr/internal/database"
	"github.com/autobrr/huntarr/internal/domain"
	"github.com/autobrr/huntarr/internal/metrics"
	"github.com/autobrr/huntarr/internal/models"
	"github.com/autobrr/huntarr/internal/registry"
	"github.com/autobrr/huntarr/internal/services/engine"
)

type Application struct {
	configDir string
	dataDir   string
	logPath   string
}

func NewApplication(configDir, dataDir, logPath string) *Application {
	return &Application{
		configDir: configDir,
		dataDir:   dataDir,
		logPath:   logPath,
	}
}

// engineReloader applies config snapshots to the registry and the engine.
// Reloads from the watcher, SIGHUP and the API are serialized.
type engineReloader struct {
	mu     sync.Mutex
	cfg    *config.AppConfig
	reg    *registry.Registry
	engine *engine.Supervisor
}

func (r *engineReloader) apply(conf *domain.Config) ([]*models.ConfigError, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	invalid := r.reg.Replace(conf.Instances)
	if err := r.engine.Reload(r.reg.List()); err != nil {
		return invalid, err
	}
	log.Info().Int("instances", len(r.reg.List())).Int("invalid", len(invalid)).Msg("Configuration applied")
	return invalid, nil
}

// Reload re-reads the config file, then applies it.
func (r *engineReloader) Reload() ([]*models.ConfigError, error) {
	conf, err := r.cfg.Reload()
	if err != nil {
		return nil, err
	}
	return r.apply(conf)
}

func engineConfig(conf domain.Config) engine.Config {
	return engine.Config{
		ValidateInterval: conf.ValidateInterval,
		MaxBackoff:       conf.MaxBackoff,
		PollInterval:     conf.StatePollInterval,
		ShutdownTimeout:  conf.ShutdownTimeout,
		HistoryRetention: conf.HistoryRetention,
	}
}

func (app *Application) runServer() error {
	cfg, err := config.New(app.configDir, buildinfo.Version)
	if err != nil {
		return errors.Wrap(err, "failed to initialize configuration")
	}

	// Override with CLI flags if provided
	if app.dataDir != "" {
		os.Setenv("HUNTARR__DATA_DIR", app.dataDir)
		cfg.SetDataDir(app.dataDir)
	}
	if app.logPath != "" {
		os.Setenv("HUNTARR__LOG_PATH", app.logPath)
		cfg.Config.LogPath = app.logPath
	}

	cfg.ApplyLogConfig()

	log.Info().Str("version", buildinfo.Version).Msg("Starting huntarr")

	if err := os.MkdirAll(cfg.GetDataDir(), 0o755); err != nil {
		return errors.Wrap(err, "create data directory")
	}

	lock := flock.New(filepath.Join(cfg.GetDataDir(), "huntarr.lock"))
	locked, err := lock.TryLock()
	if err != nil {
		return errors.Wrap(err, "acquire lock")
	}
	if !locked {
		return fmt.Errorf("another huntarr instance is already using %s", cfg.GetDataDir())
	}
	defer func() {
		if err := lock.Unlock(); err != nil {
			log.Warn().Err(err).Msg("Failed to release lock")
		}
	}()

	db, err := database.New(cfg.GetDatabasePath())
	if err != nil {
		return errors.Wrap(err, "failed to initialize database")
	}
	defer db.Close()

	conf := cfg.Snapshot()

	clientPool := arr.NewClientPool(arr.PoolOptions{Timeout: conf.APITimeout})
	defer clientPool.Close()

	reg := registry.New(clientPool)
	if invalid := reg.Replace(conf.Instances); len(invalid) > 0 {
		log.Warn().Int("invalid", len(invalid)).Msg("Some instances were rejected, see errors above")
	}

	supervisor := engine.New(engineConfig(conf), reg, engine.NewStores(db))

	startCtx, cancelStart := context.WithTimeout(context.Background(), 30*time.Second)
	err = supervisor.Start(startCtx, reg.List())
	cancelStart()
	if err != nil {
		return errors.Wrap(err, "failed to start engine")
	}

	reloader := &engineReloader{cfg: cfg, reg: reg, engine: supervisor}
	cfg.RegisterReloadListener(func(c *domain.Config) {
		if _, err := reloader.apply(c); err != nil {
			log.Error().Err(err).Msg("Failed to apply reloaded configuration")
		}
	})
	cfg.Watch()

	httpServer := api.NewServer(&api.Dependencies{
		Config:   cfg,
		Version:  buildinfo.Version,
		Engine:   supervisor,
		Registry: reg,
		Reloader: reloader,
	})

	errorChannel := make(chan error, 2)
	serverReady := make(chan struct{}, 1)
	go func() {
		if err := httpServer.ListenAndServeReady(serverReady); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errorChannel <- err
		}
	}()

	select {
	case <-serverReady:
	case err := <-errorChannel:
		_ = supervisor.Shutdown(conf.ShutdownTimeout)
		return errors.Wrap(err, "failed to start HTTP server")
	}

	var metricsServer *metrics.Server
	if conf.MetricsEnabled {
		metricsServer, err = metrics.NewServer(
			metrics.NewManager(supervisor),
			conf.MetricsHost,
			conf.MetricsPort,
			conf.MetricsBasicAuthUsers,
		)
		if err != nil {
			log.Error().Err(err).Msg("Metrics disabled")
		} else {
			go func() {
				if err := metricsServer.ListenAndServe(); err != nil {
					errorChannel <- err
				}
			}()
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)

wait:
	for {
		select {
		case sig := <-sigCh:
			if sig == syscall.SIGHUP {
				log.Info().Msg("got SIGHUP, reloading configuration")
				if _, err := reloader.Reload(); err != nil {
					log.Error().Err(err).Msg("Reload failed")
				}
				continue
			}
			log.Info().Msgf("got signal %v, shutting down", sig.String())
			break wait
		case err := <-errorChannel:
			log.Error().Err(err).Msg("got unexpected error from server")
			break wait
		}
	}

	// In-flight searches finish recording before the deadline; the rest is cancelled.
	shutdownTimeout := cfg.Snapshot().ShutdownTimeout
	engineErr := supervisor.Shutdown(shutdownTimeout)
	if engineErr != nil {
		log.Error().Err(engineErr).Msg("Engine did not stop cleanly")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if metricsServer != nil {
		if err := metricsServer.Shutdown(ctx); err != nil {
			log.Error().Err(err).Msg("got error during metrics shutdown")
		}
	}
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("got error during graceful http shutdown")
		return err
	}

	log.Info().Msg("huntarr stopped")
	return engineErr
}
