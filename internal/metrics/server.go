// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package metrics exposes engine state to Prometheus on a separate listener.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"
)

// Manager owns the registry every collector is registered on.
type Manager struct {
	registry *prometheus.Registry
}

func NewManager(source StatusSource) *Manager {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		NewEngineCollector(source),
	)
	return &Manager{registry: reg}
}

func (m *Manager) Registry() *prometheus.Registry {
	return m.registry
}

type Server struct {
	server *http.Server
	users  map[string]string
}

// NewServer builds the metrics listener. basicAuthUsers is "user:bcrypthash"
// pairs separated by commas; empty disables authentication.
func NewServer(manager *Manager, host string, port int, basicAuthUsers string) (*Server, error) {
	users, err := ParseBasicAuthUsers(basicAuthUsers)
	if err != nil {
		return nil, err
	}

	s := &Server{users: users}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	if len(users) > 0 {
		r.Use(s.basicAuth)
	}
	r.Handle("/metrics", promhttp.HandlerFor(manager.Registry(), promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))

	s.server = &http.Server{
		Addr:              net.JoinHostPort(host, strconv.Itoa(port)),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

func (s *Server) ListenAndServe() error {
	log.Info().Str("addr", s.server.Addr).Bool("auth", len(s.users) > 0).Msg("metrics: serving")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) basicAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if ok {
			if hash, known := s.users[user]; known && bcrypt.CompareHashAndPassword([]byte(hash), []byte(pass)) == nil {
				next.ServeHTTP(w, r)
				return
			}
		}
		w.Header().Set("WWW-Authenticate", `Basic realm="metrics"`)
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
	})
}

// ParseBasicAuthUsers parses "user1:hash1,user2:hash2".
func ParseBasicAuthUsers(raw string) (map[string]string, error) {
	users := make(map[string]string)
	for entry := range strings.SplitSeq(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		user, hash, found := strings.Cut(entry, ":")
		if !found || user == "" || hash == "" {
			return nil, fmt.Errorf("metrics: invalid basic auth entry %q, want user:bcrypt_hash", entry)
		}
		if _, err := bcrypt.Cost([]byte(hash)); err != nil {
			return nil, fmt.Errorf("metrics: password for %q is not a bcrypt hash: %w", user, err)
		}
		users[user] = hash
	}
	return users, nil
}
