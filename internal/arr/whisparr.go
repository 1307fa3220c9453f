// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package arr

import "github.com/autobrr/huntarr/internal/models"

// NewWhisparrV2 returns a client for Whisparr 2.x, a Sonarr fork.
func NewWhisparrV2(cfg Config) *SonarrClient {
	cfg.App = models.AppWhisparr
	return NewSonarr(cfg)
}

// NewWhisparrV3 returns a client for Whisparr 3.x, which moved to the Radarr codebase.
func NewWhisparrV3(cfg Config) *RadarrClient {
	cfg.App = models.AppWhisparrV3
	return NewRadarr(cfg)
}
