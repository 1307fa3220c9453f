// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package hunt

import (
	"sort"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/huntarr/internal/arr"
	"github.com/autobrr/huntarr/internal/models"
)

// FilterEnv is what a candidateFilter expression sees, e.g.
// `Monitored && AgeDays > 30 && !(Title contains "Trailer")`.
type FilterEnv struct {
	ID          int64   `expr:"ID"`
	ParentID    int64   `expr:"ParentID"`
	Title       string  `expr:"Title"`
	Kind        string  `expr:"Kind"`
	App         string  `expr:"App"`
	Instance    string  `expr:"Instance"`
	Monitored   bool    `expr:"Monitored"`
	HasFile     bool    `expr:"HasFile"`
	HasRelease  bool    `expr:"HasRelease"`
	ReleaseYear int     `expr:"ReleaseYear"`
	AgeDays     float64 `expr:"AgeDays"`
}

// CompileFilter validates a candidateFilter expression. An empty source yields nil.
func CompileFilter(source string) (*vm.Program, error) {
	if source == "" {
		return nil, nil
	}
	return expr.Compile(source, expr.Env(FilterEnv{}), expr.AsBool())
}

func filterEnv(inst *models.Instance, kind models.HuntKind, item arr.Item, now time.Time) FilterEnv {
	env := FilterEnv{
		ID:        item.ID,
		ParentID:  item.ParentID,
		Title:     item.Title,
		Kind:      string(kind),
		App:       string(inst.App),
		Instance:  inst.Key,
		Monitored: item.Monitored,
		HasFile:   item.HasFile,
	}
	if item.ReleasedAt != nil && !item.ReleasedAt.IsZero() {
		env.HasRelease = true
		env.ReleaseYear = item.ReleasedAt.Year()
		env.AgeDays = now.Sub(*item.ReleasedAt).Hours() / 24
	}
	return env
}

// selectCandidates drops future releases and items rejected by the filter,
// then orders the rest. Shuffle order depends only on cycleID and item ids.
func selectCandidates(inst *models.Instance, program *vm.Program, cycleID string, kind models.HuntKind, items []arr.Item, now time.Time) []models.Candidate {
	out := make([]models.Candidate, 0, len(items))

	for _, item := range items {
		if inst.Hunt.SkipFutureReleases && item.ReleasedAt != nil && item.ReleasedAt.After(now) {
			continue
		}

		if program != nil {
			result, err := expr.Run(program, filterEnv(inst, kind, item, now))
			if err != nil {
				log.Debug().Err(err).Str("instance", inst.Key).Int64("item", item.ID).Msg("hunt: candidate filter failed")
				continue
			}
			if keep, ok := result.(bool); !ok || !keep {
				continue
			}
		}

		out = append(out, models.Candidate{
			InstanceKey:  inst.Key,
			ExternalID:   strconv.FormatInt(item.ID, 10),
			ItemID:       item.ID,
			Kind:         kind,
			Title:        item.Title,
			Monitored:    item.Monitored,
			ReleasedAt:   item.ReleasedAt,
			DiscoveredAt: now,
		})
	}

	orderCandidates(out, inst.Hunt.SelectionOrder, cycleID)
	return out
}

func orderCandidates(cands []models.Candidate, order models.SelectionOrder, cycleID string) {
	switch order {
	case models.SelectionShuffle:
		keys := make(map[string]uint64, len(cands))
		for _, c := range cands {
			keys[c.ExternalID] = xxhash.Sum64String(cycleID + ":" + c.ExternalID)
		}
		sort.SliceStable(cands, func(i, j int) bool {
			return keys[cands[i].ExternalID] < keys[cands[j].ExternalID]
		})
	case models.SelectionNewest:
		sort.SliceStable(cands, func(i, j int) bool {
			return releasedFirst(cands[i], cands[j], true)
		})
	default:
		sort.SliceStable(cands, func(i, j int) bool {
			return releasedFirst(cands[i], cands[j], false)
		})
	}
}

// releasedFirst orders by release date. Undated items always sort last.
func releasedFirst(a, b models.Candidate, newest bool) bool {
	switch {
	case a.ReleasedAt == nil && b.ReleasedAt == nil:
		return a.ItemID < b.ItemID
	case a.ReleasedAt == nil:
		return false
	case b.ReleasedAt == nil:
		return true
	case a.ReleasedAt.Equal(*b.ReleasedAt):
		return a.ItemID < b.ItemID
	case newest:
		return a.ReleasedAt.After(*b.ReleasedAt)
	default:
		return a.ReleasedAt.Before(*b.ReleasedAt)
	}
}
