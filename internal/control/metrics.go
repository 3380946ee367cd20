// Copyright 2026 The towerctl Authors
// SPDX-License-Identifier: Apache-2.0

package control

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cellfleet/towerctl/internal/agentcorrelation"
	"github.com/cellfleet/towerctl/internal/agenttroubleshoot"
	"github.com/cellfleet/towerctl/internal/bus"
	"github.com/cellfleet/towerctl/internal/supervisor"
)

// metricsCollector implements prometheus.Collector, pulling its
// values directly from Supervisor/Bus/Agent state at scrape time
// rather than maintaining duplicate counters (§6's "/metrics" —
// control has no business logic, so every value here is read, never
// computed, from the owning component).
type metricsCollector struct {
	supervisor *supervisor.Supervisor
	bus        *bus.Bus
	agentA     *agentcorrelation.Agent
	agentB     *agenttroubleshoot.Agent

	eventsProcessed      *prometheus.Desc
	incidentsOpened      *prometheus.Desc
	mitigationsAttempted *prometheus.Desc
	mitigationsSucceeded *prometheus.Desc
	approvalsPending     *prometheus.Desc
	tasksRouted          *prometheus.Desc
	subscriberCount      *prometheus.Desc
}

func newMetricsCollector(s *supervisor.Supervisor, b *bus.Bus, a *agentcorrelation.Agent, tb *agenttroubleshoot.Agent) *metricsCollector {
	return &metricsCollector{
		supervisor: s,
		bus:        b,
		agentA:     a,
		agentB:     tb,

		eventsProcessed: prometheus.NewDesc(
			"towerctl_events_processed_total",
			"Total events admitted through the Supervisor's duplicate ledger.",
			nil, nil),
		incidentsOpened: prometheus.NewDesc(
			"towerctl_incidents_opened_total",
			"Total incidents opened by Agent A across the fleet.",
			nil, nil),
		mitigationsAttempted: prometheus.NewDesc(
			"towerctl_mitigations_attempted_total",
			"Total recovery plans executed by Agent B.",
			nil, nil),
		mitigationsSucceeded: prometheus.NewDesc(
			"towerctl_mitigations_succeeded_total",
			"Total recovery plans that left the site with no blocking alarm.",
			nil, nil),
		approvalsPending: prometheus.NewDesc(
			"towerctl_approvals_pending",
			"Current number of approvals awaiting an operator decision.",
			nil, nil),
		tasksRouted: prometheus.NewDesc(
			"towerctl_tasks_routed_total",
			"Total mitigations routed automatically under autoEffective policy.",
			nil, nil),
		subscriberCount: prometheus.NewDesc(
			"towerctl_bus_subscribers",
			"Current number of active Incident Bus subscribers.",
			nil, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *metricsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.eventsProcessed
	ch <- c.incidentsOpened
	ch <- c.mitigationsAttempted
	ch <- c.mitigationsSucceeded
	ch <- c.approvalsPending
	ch <- c.tasksRouted
	ch <- c.subscriberCount
}

// Collect implements prometheus.Collector.
func (c *metricsCollector) Collect(ch chan<- prometheus.Metric) {
	summary := c.supervisor.Summary()

	ch <- prometheus.MustNewConstMetric(c.eventsProcessed, prometheus.CounterValue, float64(summary.LedgerSize))
	ch <- prometheus.MustNewConstMetric(c.approvalsPending, prometheus.GaugeValue, float64(summary.ApprovalsPending))
	ch <- prometheus.MustNewConstMetric(c.tasksRouted, prometheus.CounterValue, float64(summary.TasksRouted))
	ch <- prometheus.MustNewConstMetric(c.subscriberCount, prometheus.GaugeValue, float64(c.bus.SubscriberCount()))

	var incidentsOpened float64
	if c.agentA != nil {
		incidentsOpened = float64(c.agentA.IncidentsOpened())
	}
	ch <- prometheus.MustNewConstMetric(c.incidentsOpened, prometheus.CounterValue, incidentsOpened)

	var attempted, succeeded float64
	if c.agentB != nil {
		attempted = float64(c.agentB.Attempted())
		succeeded = float64(c.agentB.Succeeded())
	}
	ch <- prometheus.MustNewConstMetric(c.mitigationsAttempted, prometheus.CounterValue, attempted)
	ch <- prometheus.MustNewConstMetric(c.mitigationsSucceeded, prometheus.CounterValue, succeeded)
}

// httpHandler returns a /metrics handler backed by a private registry
// holding only this collector, so towerctl's exposition is not
// polluted by the default Go runtime collector's churn.
func (c *metricsCollector) httpHandler() http.Handler {
	registry := prometheus.NewRegistry()
	registry.MustRegister(c)
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
