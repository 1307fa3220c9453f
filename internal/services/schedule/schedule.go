// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package schedule decides whether an instance may run a hunt cycle at a given time.
package schedule

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const minutesPerDay = 24 * 60

// Window permits hunting on the selected weekdays between Start and End,
// both expressed in minutes after midnight. End is exclusive. Start == End
// covers the whole day; Start > End crosses midnight and the tail after
// midnight belongs to the day the window started.
type Window struct {
	Days  [7]bool `json:"days"`
	Start int     `json:"start"`
	End   int     `json:"end"`
}

// Schedule is the cadence of one instance. No windows means always on.
type Schedule struct {
	Windows  []Window       `json:"windows,omitempty"`
	Location *time.Location `json:"-"`
	Paused   bool           `json:"paused"`
	// Sleep is the minimum gap between two cycles inside a permitted period.
	Sleep time.Duration `json:"sleep"`
}

// AlwaysOn reports whether the schedule has no calendar restrictions.
func (s Schedule) AlwaysOn() bool {
	return len(s.Windows) == 0
}

// IsPermittedNow is a pure function of the schedule and t.
func IsPermittedNow(s Schedule, t time.Time) bool {
	if s.Paused {
		return false
	}
	if s.AlwaysOn() {
		return true
	}

	loc := s.Location
	if loc == nil {
		loc = time.UTC
	}
	local := t.In(loc)
	minute := local.Hour()*60 + local.Minute()
	today := local.Weekday()
	yesterday := (today + 6) % 7

	for _, w := range s.Windows {
		if w.contains(today, yesterday, minute) {
			return true
		}
	}
	return false
}

func (w Window) contains(today, yesterday time.Weekday, minute int) bool {
	switch {
	case w.Start == w.End:
		return w.Days[today]
	case w.Start < w.End:
		return w.Days[today] && minute >= w.Start && minute < w.End
	default:
		if w.Days[today] && minute >= w.Start {
			return true
		}
		return w.Days[yesterday] && minute < w.End
	}
}

// NextPermitted returns the first minute at or after t when hunting is allowed,
// searching no further than horizon ahead.
func NextPermitted(s Schedule, t time.Time, horizon time.Duration) (time.Time, bool) {
	if s.Paused {
		return time.Time{}, false
	}
	if IsPermittedNow(s, t) {
		return t, true
	}

	candidate := t.Truncate(time.Minute).Add(time.Minute)
	end := t.Add(horizon)
	for !candidate.After(end) {
		if IsPermittedNow(s, candidate) {
			return candidate, true
		}
		candidate = candidate.Add(time.Minute)
	}
	return time.Time{}, false
}

var dayNames = map[string][]time.Weekday{
	"sun": {time.Sunday}, "sunday": {time.Sunday},
	"mon": {time.Monday}, "monday": {time.Monday},
	"tue": {time.Tuesday}, "tuesday": {time.Tuesday},
	"wed": {time.Wednesday}, "wednesday": {time.Wednesday},
	"thu": {time.Thursday}, "thursday": {time.Thursday},
	"fri": {time.Friday}, "friday": {time.Friday},
	"sat": {time.Saturday}, "saturday": {time.Saturday},
	"weekdays": {time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday},
	"weekends": {time.Saturday, time.Sunday},
}

// ParseWindow builds a Window from config values such as
// days=["mon","fri"], start="22:00", end="06:00". Empty days means every day.
func ParseWindow(days []string, start, end string) (Window, error) {
	var w Window

	if len(days) == 0 {
		for i := range w.Days {
			w.Days[i] = true
		}
	}
	for _, raw := range days {
		name := strings.ToLower(strings.TrimSpace(raw))
		if name == "*" || name == "all" || name == "daily" {
			for i := range w.Days {
				w.Days[i] = true
			}
			continue
		}
		weekdays, ok := dayNames[name]
		if !ok {
			return Window{}, fmt.Errorf("unknown day %q", raw)
		}
		for _, d := range weekdays {
			w.Days[d] = true
		}
	}

	var err error
	if w.Start, err = parseClock(start, 0); err != nil {
		return Window{}, fmt.Errorf("start: %w", err)
	}
	if w.End, err = parseClock(end, 0); err != nil {
		return Window{}, fmt.Errorf("end: %w", err)
	}
	return w, nil
}

func parseClock(value string, fallback int) (int, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return fallback, nil
	}

	hh, mm, ok := strings.Cut(value, ":")
	if !ok {
		return 0, fmt.Errorf("invalid time %q, expected HH:MM", value)
	}
	h, err := strconv.Atoi(hh)
	if err != nil || h < 0 || h > 24 {
		return 0, fmt.Errorf("invalid hour in %q", value)
	}
	m, err := strconv.Atoi(mm)
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("invalid minute in %q", value)
	}
	if h == 24 && m != 0 {
		return 0, fmt.Errorf("invalid time %q", value)
	}
	return (h*60 + m) % minutesPerDay, nil
}

// String renders a window for status output, e.g. "mon,tue 22:00-06:00".
func (w Window) String() string {
	var days []string
	all := true
	for d := time.Sunday; d <= time.Saturday; d++ {
		if w.Days[d] {
			days = append(days, strings.ToLower(d.String()[:3]))
		} else {
			all = false
		}
	}
	dayPart := strings.Join(days, ",")
	if all {
		dayPart = "daily"
	}
	return fmt.Sprintf("%s %02d:%02d-%02d:%02d", dayPart, w.Start/60, w.Start%60, w.End/60, w.End%60)
}
