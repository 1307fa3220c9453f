// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"github.com/lithammer/fuzzysearch/fuzzy"
)

// HistoryFilter narrows a history listing. Zero fields match everything.
// Query is a fuzzy, case and accent insensitive match on the title.
type HistoryFilter struct {
	Outcome HuntOutcome
	Kind    HuntKind
	Query   string
}

func matchTitle(query, title string) bool {
	return fuzzy.MatchNormalizedFold(query, title)
}
