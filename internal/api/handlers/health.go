// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"net/http"

	"github.com/autobrr/huntarr/internal/services/engine"
)

type HealthHandler struct {
	engine  *engine.Supervisor
	version string
}

func NewHealthHandler(sup *engine.Supervisor, version string) *HealthHandler {
	return &HealthHandler{engine: sup, version: version}
}

type healthResponse struct {
	Status    string         `json:"status"`
	Version   string         `json:"version"`
	Instances map[string]int `json:"instances"`
}

// HandleHealth reports the process as up and counts instances by phase.
func (h *HealthHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	phases := make(map[string]int)
	for _, st := range h.engine.Status() {
		phases[string(st.Phase)]++
	}
	RespondJSON(w, http.StatusOK, healthResponse{
		Status:    "ok",
		Version:   h.version,
		Instances: phases,
	})
}

// HandleReady fails once the engine has begun shutting down.
func (h *HealthHandler) HandleReady(w http.ResponseWriter, r *http.Request) {
	if h.engine.ShuttingDown() {
		RespondError(w, http.StatusServiceUnavailable, "shutting down")
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (h *HealthHandler) HandleLiveness(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}
