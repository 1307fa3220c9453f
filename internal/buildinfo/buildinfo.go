// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package buildinfo holds version metadata injected at link time.
package buildinfo

import "fmt"

var (
	Version = "dev"
	Commit  = ""
	Date    = ""
)

// UserAgent is sent with every request to an arr instance.
func UserAgent() string {
	return "huntarr/" + Version
}

// String renders the version line printed by `huntarr version`.
func String() string {
	s := fmt.Sprintf("huntarr %s", Version)
	if Commit != "" {
		s += fmt.Sprintf(" (%s)", Commit)
	}
	if Date != "" {
		s += " built " + Date
	}
	return s
}
