// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package domain

import "strings"

const redacted = "<redacted>"

// RedactString hides a secret while keeping enough of it to tell two keys apart.
func RedactString(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if len(s) <= 8 {
		return redacted
	}
	return s[:4] + "..." + redacted
}
