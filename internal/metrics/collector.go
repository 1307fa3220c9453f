// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/autobrr/huntarr/internal/models"
	"github.com/autobrr/huntarr/internal/services/engine"
	"github.com/autobrr/huntarr/internal/services/hunt"
)

// StatusSource is what the collector scrapes; the engine supervisor implements it.
type StatusSource interface {
	Status() []engine.InstanceStatus
}

var stallStates = []models.StallState{models.StallHealthy, models.StallSuspected, models.StallStalled, models.StallActioned}

// EngineCollector reads the supervisor status on every scrape.
type EngineCollector struct {
	source StatusSource

	instanceUp          *prometheus.Desc
	instancePhase       *prometheus.Desc
	budgetUsed          *prometheus.Desc
	budgetCap           *prometheus.Desc
	workerState         *prometheus.Desc
	consecutiveFailures *prometheus.Desc
	cycles              *prometheus.Desc
	searches            *prometheus.Desc
	restarts            *prometheus.Desc
	stallRecords        *prometheus.Desc
	stallStrikes        *prometheus.Desc
	stallActions        *prometheus.Desc
}

func NewEngineCollector(source StatusSource) *EngineCollector {
	labels := []string{"instance", "app"}
	return &EngineCollector{
		source: source,
		instanceUp: prometheus.NewDesc(
			"huntarr_instance_up",
			"Whether the last probe of the instance succeeded",
			labels, nil,
		),
		instancePhase: prometheus.NewDesc(
			"huntarr_instance_phase",
			"Supervisor phase of the instance, 1 for the current phase",
			append(labels, "phase"), nil,
		),
		budgetUsed: prometheus.NewDesc(
			"huntarr_budget_used",
			"Calls spent in the current hourly window",
			labels, nil,
		),
		budgetCap: prometheus.NewDesc(
			"huntarr_budget_cap",
			"Configured hourly call cap",
			labels, nil,
		),
		workerState: prometheus.NewDesc(
			"huntarr_worker_state",
			"Hunt worker state, 1 for the current state",
			append(labels, "state"), nil,
		),
		consecutiveFailures: prometheus.NewDesc(
			"huntarr_worker_consecutive_failures",
			"Failed cycles since the last successful one",
			labels, nil,
		),
		cycles: prometheus.NewDesc(
			"huntarr_cycles_total",
			"Hunt cycles run since start",
			labels, nil,
		),
		searches: prometheus.NewDesc(
			"huntarr_searches_total",
			"Candidate outcomes since start",
			append(labels, "outcome"), nil,
		),
		restarts: prometheus.NewDesc(
			"huntarr_restarts_total",
			"Worker and monitor restarts after a crash",
			labels, nil,
		),
		stallRecords: prometheus.NewDesc(
			"huntarr_stall_records",
			"Tracked downloads by stall state",
			append(labels, "state"), nil,
		),
		stallStrikes: prometheus.NewDesc(
			"huntarr_stall_strikes",
			"Sum of strikes across tracked downloads",
			labels, nil,
		),
		stallActions: prometheus.NewDesc(
			"huntarr_stall_actions_total",
			"Terminal stall actions since start",
			append(labels, "action"), nil,
		),
	}
}

func (c *EngineCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.instanceUp
	ch <- c.instancePhase
	ch <- c.budgetUsed
	ch <- c.budgetCap
	ch <- c.workerState
	ch <- c.consecutiveFailures
	ch <- c.cycles
	ch <- c.searches
	ch <- c.restarts
	ch <- c.stallRecords
	ch <- c.stallStrikes
	ch <- c.stallActions
}

func (c *EngineCollector) Collect(ch chan<- prometheus.Metric) {
	for _, st := range c.source.Status() {
		key, app := st.Key, string(st.App)

		ch <- prometheus.MustNewConstMetric(c.instanceUp, prometheus.GaugeValue, boolToFloat(st.Health.Healthy), key, app)
		for _, phase := range []engine.Phase{engine.PhaseValidating, engine.PhaseInvalid, engine.PhaseRunning, engine.PhaseStopping, engine.PhaseStopped} {
			ch <- prometheus.MustNewConstMetric(c.instancePhase, prometheus.GaugeValue, boolToFloat(st.Phase == phase), key, app, string(phase))
		}
		ch <- prometheus.MustNewConstMetric(c.budgetUsed, prometheus.GaugeValue, float64(st.Budget.Used), key, app)
		ch <- prometheus.MustNewConstMetric(c.budgetCap, prometheus.GaugeValue, float64(st.Budget.Cap), key, app)
		ch <- prometheus.MustNewConstMetric(c.restarts, prometheus.CounterValue, float64(st.Restarts), key, app)

		if w := st.Worker; w != nil {
			for _, state := range hunt.States {
				ch <- prometheus.MustNewConstMetric(c.workerState, prometheus.GaugeValue, boolToFloat(w.State == state), key, app, string(state))
			}
			ch <- prometheus.MustNewConstMetric(c.consecutiveFailures, prometheus.GaugeValue, float64(w.ConsecutiveFailures), key, app)
			ch <- prometheus.MustNewConstMetric(c.cycles, prometheus.CounterValue, float64(w.Cycles), key, app)
			ch <- prometheus.MustNewConstMetric(c.searches, prometheus.CounterValue, float64(w.Totals.Triggered), key, app, string(models.OutcomeTriggered))
			ch <- prometheus.MustNewConstMetric(c.searches, prometheus.CounterValue, float64(w.Totals.SkippedBudget), key, app, string(models.OutcomeSkippedBudget))
			ch <- prometheus.MustNewConstMetric(c.searches, prometheus.CounterValue, float64(w.Totals.Failed), key, app, string(models.OutcomeFailed))
		}

		if s := st.Stall; s != nil {
			counts := make(map[models.StallState]int, len(stallStates))
			strikes := 0
			for _, rec := range s.Records {
				counts[rec.State]++
				strikes += rec.StrikeCount
			}
			for _, state := range stallStates {
				ch <- prometheus.MustNewConstMetric(c.stallRecords, prometheus.GaugeValue, float64(counts[state]), key, app, string(state))
			}
			ch <- prometheus.MustNewConstMetric(c.stallStrikes, prometheus.GaugeValue, float64(strikes), key, app)
			ch <- prometheus.MustNewConstMetric(c.stallActions, prometheus.CounterValue, float64(s.Stats.Removed), key, app, "removed")
			ch <- prometheus.MustNewConstMetric(c.stallActions, prometheus.CounterValue, float64(s.Stats.RemoveFailures), key, app, "remove_failed")
			ch <- prometheus.MustNewConstMetric(c.stallActions, prometheus.CounterValue, float64(s.Stats.Researched), key, app, "researched")
		}
	}
}

func boolToFloat(v bool) float64 {
	if v {
		return 1
	}
	return 0
}
