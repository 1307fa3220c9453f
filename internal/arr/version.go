// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package arr

import (
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"

	"github.com/autobrr/huntarr/internal/models"
)

// versionConstraints lists the upstream releases whose API shape we speak.
var versionConstraints = map[models.AppType]string{
	models.AppSonarr:     ">= 3.0.0",
	models.AppRadarr:     ">= 3.0.0",
	models.AppLidarr:     ">= 0.8.0",
	models.AppReadarr:    ">= 0.1.0",
	models.AppWhisparr:   ">= 2.0.0, < 3.0.0",
	models.AppWhisparrV3: ">= 3.0.0",
}

// ParseAppVersion accepts the four-part .NET versions the apps report
// (4.0.10.2544) and keeps the first three parts.
func ParseAppVersion(raw string) (*semver.Version, error) {
	raw = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(raw), "v"))
	if raw == "" {
		return nil, fmt.Errorf("empty version")
	}

	core := raw
	suffix := ""
	if idx := strings.IndexAny(raw, "-+"); idx >= 0 {
		core, suffix = raw[:idx], raw[idx:]
	}
	parts := strings.Split(core, ".")
	if len(parts) > 3 {
		parts = parts[:3]
	}

	v, err := semver.NewVersion(strings.Join(parts, ".") + suffix)
	if err != nil {
		return nil, fmt.Errorf("parse version %q: %w", raw, err)
	}
	return v, nil
}

// CheckVersion returns an error when the reported version is outside the
// range supported for app.
func CheckVersion(app models.AppType, raw string) error {
	constraint, ok := versionConstraints[app]
	if !ok {
		return fmt.Errorf("unsupported app type %q", app)
	}

	v, err := ParseAppVersion(raw)
	if err != nil {
		return err
	}
	// prerelease tags would otherwise never satisfy a plain range
	if v.Prerelease() != "" {
		stripped, err := v.SetPrerelease("")
		if err == nil {
			v = &stripped
		}
	}

	c, err := semver.NewConstraint(constraint)
	if err != nil {
		return err
	}
	if !c.Check(v) {
		return fmt.Errorf("%s version %s is not supported (need %s)", app, v, constraint)
	}
	return nil
}
