// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/autobrr/huntarr/internal/models"
)

// Reloader re-reads the configuration and applies it to the running engine.
type Reloader interface {
	Reload() ([]*models.ConfigError, error)
}

type ConfigHandler struct {
	reloader Reloader
}

func NewConfigHandler(reloader Reloader) *ConfigHandler {
	return &ConfigHandler{reloader: reloader}
}

type reloadResponse struct {
	Status  string                `json:"status"`
	Invalid []*models.ConfigError `json:"invalid"`
	Error   string                `json:"error,omitempty"`
}

// Reload answers 200 when the new snapshot was applied, even if some
// instances were rejected, and 500 when the config could not be read.
func (h *ConfigHandler) Reload(w http.ResponseWriter, r *http.Request) {
	if h.reloader == nil {
		RespondError(w, http.StatusNotImplemented, "reload is not available")
		return
	}

	invalid, err := h.reloader.Reload()
	if invalid == nil {
		invalid = []*models.ConfigError{}
	}
	if err != nil {
		log.Error().Err(err).Msg("api: config reload failed")
		RespondJSON(w, http.StatusInternalServerError, reloadResponse{Status: "failed", Invalid: invalid, Error: err.Error()})
		return
	}
	RespondJSON(w, http.StatusOK, reloadResponse{Status: "reloaded", Invalid: invalid})
}
