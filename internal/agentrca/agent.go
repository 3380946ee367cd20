// Copyright 2026 The towerctl Authors
// SPDX-License-Identifier: Apache-2.0

package agentrca

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cellfleet/towerctl/internal/agenttroubleshoot"
	"github.com/cellfleet/towerctl/internal/clock"
	"github.com/cellfleet/towerctl/internal/eventbus"
)

// TowerClient is the subset of *towerclient.Client Agent C depends
// on. Defined as an interface so tests can substitute a fake.
type TowerClient interface {
	GetState(ctx context.Context) (eventbus.Snapshot, error)
}

// RecordIncidentRequest is the input to RecordIncident.
type RecordIncidentRequest struct {
	SiteID     eventbus.SiteID
	Cause      string
	Actions    []string
	Resolution string
}

// RecordIncidentResult is the outcome of RecordIncident.
type RecordIncidentResult struct {
	OK      bool
	Skipped bool
	Reason  string
	Case    *Case
}

// DispatchEmail is a composed field-dispatch notification.
type DispatchEmail struct {
	Subject string
	Body    string
}

// Agent is Agent C, the RCA recorder. The zero value is not usable;
// construct with New.
type Agent struct {
	client TowerClient
	clk    clock.Clock

	mu            sync.Mutex
	running       bool
	tasksRecorded int
	casebook      []Case
	lastAccepted  map[eventbus.SiteID]Case
}

// New creates an Agent C instance.
func New(client TowerClient, clk clock.Clock) *Agent {
	if clk == nil {
		clk = clock.NewReal()
	}
	return &Agent{
		client:       client,
		clk:          clk,
		lastAccepted: make(map[eventbus.SiteID]Case),
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

// RecordIncident appends a new case to the casebook, subject to noise
// rejection and a 10 s per-site dedup window.
func (a *Agent) RecordIncident(ctx context.Context, req RecordIncidentRequest) RecordIncidentResult {
	a.mu.Lock()
	if !a.running {
		a.running = true
	}

	if req.SiteID == "" || req.SiteID == "unknown" || isNoiseCause(req.Cause) {
		a.mu.Unlock()
		return RecordIncidentResult{OK: false, Skipped: true, Reason: "noise_or_unknown"}
	}

	now := a.clk.Now()
	if last, ok := a.lastAccepted[req.SiteID]; ok {
		if last.Cause == req.Cause && last.Resolution == req.Resolution && now.Sub(last.Timestamp) <= dedupWindow {
			a.mu.Unlock()
			return RecordIncidentResult{OK: false, Skipped: true, Reason: "dedup_suppressed"}
		}
	}
	a.mu.Unlock()

	var alarms []eventbus.AlarmCode
	if snapshot, err := a.client.GetState(ctx); err == nil {
		if state, ok := snapshot[req.SiteID]; ok {
			for _, alarm := range agenttroubleshoot.DetectAlarms(state) {
				if alarm != agenttroubleshoot.AlarmBatteryLowOnGrid {
					alarms = append(alarms, alarm)
				}
			}
		}
	}

	c := Case{
		CorrelationID: uuid.NewString(),
		Timestamp:     now,
		SiteID:        req.SiteID,
		Cause:         req.Cause,
		Actions:       append([]string(nil), req.Actions...),
		Resolution:    req.Resolution,
	}
	c.Ongoing = c.Resolution != ResolutionRestored || len(alarms) > 0
	c.DispatchSuggested = c.Ongoing
	c.Summary = summarize(c)

	a.mu.Lock()
	a.casebook = append(a.casebook, c)
	a.lastAccepted[req.SiteID] = c
	a.tasksRecorded++
	a.mu.Unlock()

	result := c
	return RecordIncidentResult{OK: true, Case: &result}
}

// TasksRecorded returns the total number of accepted cases.
func (a *Agent) TasksRecorded() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.tasksRecorded
}

// Casebook returns a copy of every accepted case, oldest first.
func (a *Agent) Casebook() []Case {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Case, len(a.casebook))
	copy(out, a.casebook)
	return out
}

// ComposeDispatchEmail finds the most recent accepted case for site
// whose DispatchSuggested is true and renders a deterministic
// notification. ok is false with an error reason if no
// such case exists.
func (a *Agent) ComposeDispatchEmail(ctx context.Context, site eventbus.SiteID) (DispatchEmail, bool, string) {
	a.mu.Lock()
	var found *Case
	for i := len(a.casebook) - 1; i >= 0; i-- {
		if a.casebook[i].SiteID == site && a.casebook[i].DispatchSuggested {
			c := a.casebook[i]
			found = &c
			break
		}
	}
	a.mu.Unlock()

	if found == nil {
		return DispatchEmail{}, false, "no_unresolved_case"
	}

	state, _ := a.client.GetState(ctx)
	siteState := state[site]

	openAlarms := make([]string, 0, len(siteState.Alarms))
	for alarm := range siteState.Alarms {
		openAlarms = append(openAlarms, string(alarm))
	}

	subject := fmt.Sprintf("[DISPATCH] %s – %s – Action required", site, found.Cause)

	var body []byte
	appendLine := func(line string) { body = append(body, []byte(line+"\n")...) }

	appendLine(fmt.Sprintf("Site: %s", site))
	appendLine(fmt.Sprintf("Timestamp: %s", found.Timestamp.UTC().Format(time.RFC3339)))
	appendLine(fmt.Sprintf("Mains: %s", siteState.Mains))
	appendLine(fmt.Sprintf("Alive: %v", siteState.SiteAlive))
	appendLine(fmt.Sprintf("Antenna1: %s", siteState.Antenna1.Service))
	appendLine(fmt.Sprintf("Antenna2: %s", siteState.Antenna2.Service))
	appendLine(fmt.Sprintf("Battery: %d%%", siteState.BatteryPercent))
	if len(openAlarms) == 0 {
		appendLine("Open alarms: none")
	} else {
		appendLine(fmt.Sprintf("Open alarms: %s", joinSorted(openAlarms)))
	}
	appendLine("Actions taken so far:")
	if len(found.Actions) == 0 {
		appendLine("  (none recorded)")
	} else {
		for _, action := range found.Actions {
			appendLine("  - " + action)
		}
	}
	appendLine("Requested next step: field dispatch")
	appendLine(fmt.Sprintf("Summary: %s", found.Summary))

	return DispatchEmail{Subject: subject, Body: string(body)}, true, ""
}

func joinSorted(items []string) string {
	sort.Strings(items)
	return strings.Join(items, ", ")
}
