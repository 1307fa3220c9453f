// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/huntarr/internal/models"
	"github.com/autobrr/huntarr/internal/registry"
	"github.com/autobrr/huntarr/internal/services/engine"
	"github.com/autobrr/huntarr/internal/services/stall"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

type InstancesHandler struct {
	engine   *engine.Supervisor
	registry *registry.Registry
	history  *models.HuntHistoryStore
	cycles   *models.HuntCycleStore
}

func NewInstancesHandler(sup *engine.Supervisor, reg *registry.Registry) *InstancesHandler {
	stores := sup.Stores()
	return &InstancesHandler{
		engine:   sup,
		registry: reg,
		history:  stores.History,
		cycles:   stores.Cycles,
	}
}

type instancesResponse struct {
	Instances []engine.InstanceStatus `json:"instances"`
	Invalid   []*models.ConfigError   `json:"invalid"`
}

// ListInstances returns every supervised instance plus the descriptors the
// registry rejected.
func (h *InstancesHandler) ListInstances(w http.ResponseWriter, r *http.Request) {
	resp := instancesResponse{
		Instances: h.engine.Status(),
		Invalid:   h.registry.Invalid(),
	}
	if resp.Invalid == nil {
		resp.Invalid = []*models.ConfigError{}
	}
	RespondJSON(w, http.StatusOK, resp)
}

func (h *InstancesHandler) GetInstance(w http.ResponseWriter, r *http.Request) {
	st, err := h.engine.InstanceStatus(chi.URLParam(r, "key"))
	if err != nil {
		respondEngineError(w, err, "instances:get")
		return
	}
	RespondJSON(w, http.StatusOK, st)
}

func (h *InstancesHandler) GetHistory(w http.ResponseWriter, r *http.Request) {
	st, ok := h.resolve(w, r)
	if !ok {
		return
	}
	limit, ok := parseLimit(r, defaultListLimit, maxListLimit)
	if !ok {
		RespondError(w, http.StatusBadRequest, "limit must be a positive integer")
		return
	}

	q := r.URL.Query()
	filter := models.HistoryFilter{
		Outcome: models.HuntOutcome(q.Get("outcome")),
		Kind:    models.HuntKind(q.Get("kind")),
		Query:   q.Get("q"),
	}
	entries, err := h.history.Recent(r.Context(), st.Key, filter, limit)
	if err != nil {
		log.Error().Err(err).Str("instance", st.Key).Msg("api: failed to list hunt history")
		RespondError(w, http.StatusInternalServerError, "Failed to load hunt history")
		return
	}
	if entries == nil {
		entries = []*models.HuntHistoryEntry{}
	}
	RespondJSON(w, http.StatusOK, entries)
}

func (h *InstancesHandler) GetCycles(w http.ResponseWriter, r *http.Request) {
	st, ok := h.resolve(w, r)
	if !ok {
		return
	}
	limit, ok := parseLimit(r, defaultListLimit, maxListLimit)
	if !ok {
		RespondError(w, http.StatusBadRequest, "limit must be a positive integer")
		return
	}

	cycles, err := h.cycles.Recent(r.Context(), st.Key, limit)
	if err != nil {
		log.Error().Err(err).Str("instance", st.Key).Msg("api: failed to list hunt cycles")
		RespondError(w, http.StatusInternalServerError, "Failed to load hunt cycles")
		return
	}
	if cycles == nil {
		cycles = []*models.HuntCycle{}
	}
	RespondJSON(w, http.StatusOK, cycles)
}

type stallsResponse struct {
	Enabled  bool                  `json:"enabled"`
	Records  []models.StallRecord  `json:"records"`
	Stats    stall.Stats           `json:"stats"`
	Activity []stall.ActivityEvent `json:"activity"`
}

func (h *InstancesHandler) GetStalls(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	monitor, err := h.engine.Monitor(key)
	if err != nil {
		respondEngineError(w, err, "instances:stalls")
		return
	}

	resp := stallsResponse{
		Records:  []models.StallRecord{},
		Activity: []stall.ActivityEvent{},
	}
	if monitor != nil {
		limit, ok := parseLimit(r, defaultListLimit, maxListLimit)
		if !ok {
			RespondError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		resp.Enabled = true
		resp.Stats = monitor.Stats()
		if records := monitor.Records(); records != nil {
			resp.Records = records
		}
		if activity := monitor.Activity(limit); activity != nil {
			resp.Activity = activity
		}
	}
	RespondJSON(w, http.StatusOK, resp)
}

func (h *InstancesHandler) Pause(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.Pause(r.Context(), chi.URLParam(r, "key")); err != nil {
		respondEngineError(w, err, "instances:pause")
		return
	}
	h.GetInstance(w, r)
}

func (h *InstancesHandler) Resume(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.Resume(r.Context(), chi.URLParam(r, "key")); err != nil {
		respondEngineError(w, err, "instances:resume")
		return
	}
	h.GetInstance(w, r)
}

// RunNow queues an immediate cycle; the response does not wait for it.
func (h *InstancesHandler) RunNow(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.RunNow(chi.URLParam(r, "key")); err != nil {
		respondEngineError(w, err, "instances:run")
		return
	}
	RespondJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

func (h *InstancesHandler) resolve(w http.ResponseWriter, r *http.Request) (engine.InstanceStatus, bool) {
	st, err := h.engine.InstanceStatus(chi.URLParam(r, "key"))
	if err != nil {
		respondEngineError(w, err, "instances:resolve")
		return st, false
	}
	return st, true
}

func respondEngineError(w http.ResponseWriter, err error, op string) {
	switch {
	case errors.Is(err, models.ErrInstanceNotFound):
		RespondError(w, http.StatusNotFound, "Instance not found")
	case errors.Is(err, engine.ErrNotRunning):
		RespondError(w, http.StatusConflict, err.Error())
	case errors.Is(err, engine.ErrShutdown):
		RespondError(w, http.StatusServiceUnavailable, err.Error())
	default:
		log.Error().Err(err).Str("op", op).Msg("api: engine request failed")
		RespondError(w, http.StatusInternalServerError, "Internal error")
	}
}
