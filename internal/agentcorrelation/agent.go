// Copyright 2026 The towerctl Authors
// SPDX-License-Identifier: Apache-2.0

package agentcorrelation

import (
	"sort"
	"sync"
	"time"

	"github.com/cellfleet/towerctl/internal/eventbus"
	"github.com/cellfleet/towerctl/internal/policy"
)

// Notifier receives correlation lifecycle signals, e.g. "incident.started".
// It is optional: New substitutes a no-op when it is nil.
type Notifier func(kind string, incident Incident)

// siteBuffer holds one site's correlation state: an optional
// open incident plus the accumulated closed history.
type siteBuffer struct {
	open   *Incident
	closed []Incident
}

// Agent is Agent A, the correlation engine. The zero value is not
// usable; construct with New.
//
// All methods are safe for concurrent use.
type Agent struct {
	policy *policy.Store
	window time.Duration
	notify Notifier

	mu            sync.Mutex
	running       bool
	buffers       map[eventbus.SiteID]*siteBuffer
	incidentsOpen int
}

// New creates an Agent A instance. notify may be nil.
func New(policyStore *policy.Store, window time.Duration, notify Notifier) *Agent {
	if window <= 0 {
		window = DefaultWindow
	}
	if notify == nil {
		notify = func(string, Incident) {}
	}
	return &Agent{
		policy:  policyStore,
		window:  window,
		notify:  notify,
		buffers: make(map[eventbus.SiteID]*siteBuffer),
	}
}

// Start marks the agent running. Idempotent.
func (a *Agent) Start() {
	a.mu.Lock()
	a.running = true
	a.mu.Unlock()
}

// Stop marks the agent stopped. Idempotent.
func (a *Agent) Stop() {
	a.mu.Lock()
	a.running = false
	a.mu.Unlock()
}

// Running reports whether the agent is started.
func (a *Agent) Running() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.running
}

// EnsureRunning starts the agent if it is not already running.
func (a *Agent) EnsureRunning() { a.Start() }

// HandleStateUpdate closes any open incident on a site whose snapshot
// now reports mains on and siteAlive true.
func (a *Agent) HandleStateUpdate(snapshot eventbus.Snapshot) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for site, state := range snapshot {
		if state.Mains != eventbus.MainsOn || !state.SiteAlive {
			continue
		}
		buf, ok := a.buffers[site]
		if !ok || buf.open == nil {
			continue
		}
		a.closeOpenLocked(buf, ReasonServiceRestored)
	}
}

// bufferLocked returns (creating if necessary) the siteBuffer for site.
// Caller must hold a.mu.
func (a *Agent) bufferLocked(site eventbus.SiteID) *siteBuffer {
	buf, ok := a.buffers[site]
	if !ok {
		buf = &siteBuffer{}
		a.buffers[site] = buf
	}
	return buf
}

// closeOpenLocked closes buf's open incident with the given reason,
// appending it to the closed history. Caller must hold a.mu.
func (a *Agent) closeOpenLocked(buf *siteBuffer, reason string) Incident {
	inc := *buf.open
	inc.Reason = reason
	buf.closed = append(buf.closed, inc)
	buf.open = nil
	return inc
}

// processEventLocked applies the noise/critical filter and the window
// grouping algorithm to a single alarm.raised or alarm.cleared event.
// Returns the incident touched (open or just-closed) and whether one
// was touched at all — a false result means the event was filtered
// out (noise, non-critical under Critical First, or unknown site).
//
// Caller must hold a.mu.
func (a *Agent) processEventLocked(evt eventbus.Event) (Incident, bool) {
	if evt.SiteID == "" || evt.SiteID == "unknown" {
		return Incident{}, false
	}
	if isNoise(evt.Alarm) {
		return Incident{}, false
	}
	if a.policy != nil && a.policy.Get().AlarmPrioritization == policy.CriticalFirst && !isCritical(evt.Alarm) {
		return Incident{}, false
	}

	buf := a.bufferLocked(evt.SiteID)
	ts, ok := parseTimestamp(evt.Timestamp)

	if buf.open == nil {
		inc := &Incident{
			SiteID: evt.SiteID,
			Start:  ts,
			End:    ts,
			Count:  1,
			Types:  map[eventbus.AlarmCode]struct{}{evt.Alarm: {}},
			Events: []eventbus.Event{evt},
		}
		buf.open = inc
		a.incidentsOpen++
		result := inc.clone()
		a.notify("incident.started", result)
		return result, true
	}

	elapsed := !ok || ts.Sub(buf.open.Start) > a.window
	if elapsed {
		a.closeOpenLocked(buf, ReasonWindowElapsed)
		inc := &Incident{
			SiteID: evt.SiteID,
			Start:  ts,
			End:    ts,
			Count:  1,
			Types:  map[eventbus.AlarmCode]struct{}{evt.Alarm: {}},
			Events: []eventbus.Event{evt},
		}
		buf.open = inc
		a.incidentsOpen++
		result := inc.clone()
		a.notify("incident.started", result)
		return result, true
	}

	buf.open.End = ts
	buf.open.Count++
	buf.open.Types[evt.Alarm] = struct{}{}
	buf.open.Events = append(buf.open.Events, evt)

	if evt.Type == eventbus.EventAlarmCleared && !anyCritical(buf.open.Types) {
		return a.closeOpenLocked(buf, ReasonAlarmCleared), true
	}

	return buf.open.clone(), true
}

// HandleEvent processes a single event in streaming mode, mutating
// the agent's live per-site buffers and firing notify callbacks.
func (a *Agent) HandleEvent(evt eventbus.Event) {
	if evt.Type != eventbus.EventAlarmRaised && evt.Type != eventbus.EventAlarmCleared {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.processEventLocked(evt)
}

// Correlate runs the batch-mode algorithm: the same noise and
// critical filter, windowed per-site grouping, applied against the
// agent's live state. Events are grouped by site and processed in
// ascending timestamp order per site. Returns every incident touched
// during the call (newly opened, extended, or closed) — an empty
// result means nothing in the batch was actionable.
func (a *Agent) Correlate(events []eventbus.Event) []Incident {
	bySite := make(map[eventbus.SiteID][]eventbus.Event)
	for _, evt := range events {
		if evt.Type != eventbus.EventAlarmRaised && evt.Type != eventbus.EventAlarmCleared {
			continue
		}
		bySite[evt.SiteID] = append(bySite[evt.SiteID], evt)
	}

	sites := make([]eventbus.SiteID, 0, len(bySite))
	for site := range bySite {
		sites = append(sites, site)
	}
	sort.Slice(sites, func(i, j int) bool { return sites[i] < sites[j] })

	a.mu.Lock()
	defer a.mu.Unlock()

	var touched []Incident
	for _, site := range sites {
		evts := bySite[site]
		sort.SliceStable(evts, func(i, j int) bool { return evts[i].Timestamp < evts[j].Timestamp })
		for _, evt := range evts {
			if inc, ok := a.processEventLocked(evt); ok {
				touched = append(touched, inc)
			}
		}
	}
	return touched
}

// ClosedIncidents returns a copy of the closed-incident history for a
// site, oldest first.
func (a *Agent) ClosedIncidents(site eventbus.SiteID) []Incident {
	a.mu.Lock()
	defer a.mu.Unlock()

	buf, ok := a.buffers[site]
	if !ok {
		return nil
	}
	out := make([]Incident, len(buf.closed))
	for i, inc := range buf.closed {
		out[i] = inc.clone()
	}
	return out
}

// IncidentsOpened returns the lifetime count of incidents opened
// across every site. Used by the control surface's metrics endpoint.
func (a *Agent) IncidentsOpened() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.incidentsOpen
}

// OpenIncident returns a copy of the currently open incident for a
// site, or false if none is open.
func (a *Agent) OpenIncident(site eventbus.SiteID) (Incident, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	buf, ok := a.buffers[site]
	if !ok || buf.open == nil {
		return Incident{}, false
	}
	return buf.open.clone(), true
}
