// Copyright 2026 The towerctl Authors
// SPDX-License-Identifier: Apache-2.0

package agenttroubleshoot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cellfleet/towerctl/internal/clock"
	"github.com/cellfleet/towerctl/internal/eventbus"
	"github.com/cellfleet/towerctl/internal/policy"
)

// Failure taxonomy (§4.6.6).
var (
	ErrAgentNotRunning = errors.New("Agent not running")
	ErrSiteNotFound    = errors.New("site_not_found")
	ErrApprovalRequired = errors.New("approval_required")
	ErrRRUUnavailable   = errors.New("rru_unavailable")
)

// Execution timing constants (§4.6.4, §4.6.5).
const (
	bootSettle        = 2500 * time.Millisecond
	radioHealSettle   = 1200 * time.Millisecond
	radioHealCycleOff = 400 * time.Millisecond
	interStepSettle   = 500 * time.Millisecond
	maxRadioHealAttempts = 3
	maxBootWaitPolls     = 3
	maxSweeps            = 3
	sweepPollInterval    = 1200 * time.Millisecond
	sweepBootInterval    = 1500 * time.Millisecond
	maxSweepReadPolls    = 2
	maxSweepBootPolls    = 3
)

// TowerClient is the subset of *towerclient.Client Agent B depends
// on. Defined as an interface so tests can substitute a fake.
type TowerClient interface {
	GetState(ctx context.Context) (eventbus.Snapshot, error)
	SetPower(ctx context.Context, sites string, state eventbus.MainsState) error
	SetRRU(ctx context.Context, site eventbus.SiteID, antenna eventbus.AntennaID, on bool) error
}

// Result is the outcome of MitigateSite (§4.6.5, §4.6.6).
type Result struct {
	OK    bool
	Error string

	// Plan and Alarms are populated when Error == "approval_required".
	Plan   []Step
	Alarms []eventbus.AlarmCode

	Site            eventbus.SiteID
	FinalSnapshot   eventbus.SiteState
	ActionsTaken    []string
	ClearedAlarms   []eventbus.AlarmCode
	RemainingAlarms []eventbus.AlarmCode
	Passes          int
	AllClear        bool
}

// Agent is Agent B, the troubleshooting executor. The zero value is
// not usable; construct with New.
type Agent struct {
	client TowerClient
	policy *policy.Store
	clk    clock.Clock
	logger *slog.Logger

	mu        sync.Mutex
	running   bool
	attempted int
	succeeded int
}

// New creates an Agent B instance.
func New(client TowerClient, policyStore *policy.Store, clk clock.Clock, logger *slog.Logger) *Agent {
	if clk == nil {
		clk = clock.NewReal()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Agent{client: client, policy: policyStore, clk: clk, logger: logger}
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

func (a *Agent) siteState(ctx context.Context, site eventbus.SiteID) (eventbus.SiteState, error) {
	snapshot, err := a.client.GetState(ctx)
	if err != nil {
		return eventbus.SiteState{}, err
	}
	state, ok := snapshot[site]
	if !ok {
		return eventbus.SiteState{}, ErrSiteNotFound
	}
	return state, nil
}

// MitigateSite decides and, if policy allows, executes a recovery
// plan for site (§4.6).
func (a *Agent) MitigateSite(ctx context.Context, site eventbus.SiteID) (Result, error) {
	return a.mitigateSite(ctx, site, false)
}

// MitigateSiteForced behaves like MitigateSite but bypasses the
// policy.waysOfWorking HITL check: it always executes the plan. The
// Supervisor uses this when a manual auto-toggle override makes
// autoEffective true despite a "Human intervention at critical
// steps" policy (§4.4.3 step 7, §6 auto toggle).
func (a *Agent) MitigateSiteForced(ctx context.Context, site eventbus.SiteID) (Result, error) {
	return a.mitigateSite(ctx, site, true)
}

func (a *Agent) mitigateSite(ctx context.Context, site eventbus.SiteID, forceAuto bool) (Result, error) {
	if !a.Running() {
		return Result{}, ErrAgentNotRunning
	}

	state, err := a.siteState(ctx, site)
	if err != nil {
		if errors.Is(err, ErrSiteNotFound) {
			return Result{Site: site, Error: "site_not_found"}, ErrSiteNotFound
		}
		return Result{Site: site, Error: err.Error()}, err
	}

	initialAlarms := DetectAlarms(state)
	plan := BuildPlan(site, state)

	if len(plan) == 0 {
		return Result{OK: true, Site: site, FinalSnapshot: state, AllClear: true}, nil
	}

	waysOfWorking := policy.E2EAutomation
	if a.policy != nil {
		waysOfWorking = a.policy.Get().WaysOfWorking
	}
	if waysOfWorking != policy.E2EAutomation && !forceAuto {
		return Result{
			Error:  "approval_required",
			Plan:   plan,
			Alarms: initialAlarms,
			Site:   site,
		}, ErrApprovalRequired
	}

	a.mu.Lock()
	a.attempted++
	a.mu.Unlock()

	actionsTaken := a.executePlan(ctx, site, plan)

	finalState, err := a.siteState(ctx, site)
	if err != nil {
		finalState = state
	}
	remaining := DetectAlarms(finalState)

	passes := 1
	for sweep := 0; sweep < maxSweeps && hasBlockingAlarm(remaining); sweep++ {
		finalState = a.sweepRead(ctx, site)
		remaining = DetectAlarms(finalState)
		if !hasBlockingAlarm(remaining) {
			passes++
			break
		}

		for _, alarm := range remaining {
			antenna, ok := antennaForAlarm(alarm)
			if !ok {
				continue
			}
			ok2, healedState, healErr := a.radioHeal(ctx, site, antenna)
			if ok2 {
				finalState = healedState
				actionsTaken = append(actionsTaken, fmt.Sprintf("sweep.rru.ensure(%s): restored", antenna))
			} else {
				actionsTaken = append(actionsTaken, fmt.Sprintf("sweep.rru.ensure(%s): %s", antenna, healErr))
			}
		}

		if finalState.Mains == eventbus.MainsOff {
			if err := a.client.SetPower(ctx, string(site), eventbus.MainsOn); err != nil {
				a.logger.Warn("sweep power.on failed", "site", site, "error", err)
			}
			actionsTaken = append(actionsTaken, "sweep.power.on")
			a.clk.Sleep(bootSettle)
			if refreshed, err := a.siteState(ctx, site); err == nil {
				finalState = refreshed
			}
		}

		remaining = DetectAlarms(finalState)
		passes++
	}

	cleared := diffAlarms(initialAlarms, remaining)
	allClear := !hasBlockingAlarm(remaining)
	if allClear {
		a.mu.Lock()
		a.succeeded++
		a.mu.Unlock()
	}

	return Result{
		OK:              true,
		Site:            site,
		FinalSnapshot:   finalState,
		ActionsTaken:    actionsTaken,
		ClearedAlarms:   cleared,
		RemainingAlarms: remaining,
		Passes:          passes,
		AllClear:        allClear,
	}, nil
}

// Attempted returns the lifetime count of mitigation plans executed
// (excluding no-op plans and approval-pending holds). Used by the
// control surface's metrics endpoint.
func (a *Agent) Attempted() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.attempted
}

// Succeeded returns the lifetime count of mitigations that left the
// site with no blocking alarm.
func (a *Agent) Succeeded() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.succeeded
}

// executePlan runs steps in order, sleeping interStepSettle between
// consecutive steps (§4.6.4).
func (a *Agent) executePlan(ctx context.Context, site eventbus.SiteID, plan []Step) []string {
	var actions []string
	for i, step := range plan {
		if i > 0 {
			a.clk.Sleep(interStepSettle)
		}
		switch step.Kind {
		case StepPowerOn:
			if err := a.client.SetPower(ctx, string(site), eventbus.MainsOn); err != nil {
				a.logger.Warn("power.on failed", "site", site, "error", err)
			}
			actions = append(actions, "power.on")
			a.clk.Sleep(bootSettle)
		case StepRRUOff:
			if err := a.client.SetRRU(ctx, site, step.Antenna, false); err != nil {
				a.logger.Warn("rru.off failed", "site", site, "antenna", step.Antenna, "error", err)
			}
			actions = append(actions, fmt.Sprintf("rru.off(%s)", step.Antenna))
		case StepRRUEnsure:
			ok, _, err := a.radioHeal(ctx, site, step.Antenna)
			if ok {
				actions = append(actions, fmt.Sprintf("rru.ensure(%s)", step.Antenna))
			} else {
				actions = append(actions, fmt.Sprintf("rru.ensure(%s): %s", step.Antenna, err))
			}
		}
	}
	return actions
}

// radioHeal executes the bounded radio-heal loop for one antenna
// (§4.6.4): up to maxRadioHealAttempts attempts, each sending rru on,
// waiting for boot if needed, and falling back to an off/on cycle.
func (a *Agent) radioHeal(ctx context.Context, site eventbus.SiteID, antenna eventbus.AntennaID) (bool, eventbus.SiteState, error) {
	var last eventbus.SiteState

	for attempt := 0; attempt < maxRadioHealAttempts; attempt++ {
		if err := a.client.SetRRU(ctx, site, antenna, true); err != nil {
			a.logger.Warn("rru on failed", "site", site, "antenna", antenna, "error", err)
		}
		a.clk.Sleep(radioHealSettle)

		state, err := a.siteState(ctx, site)
		if err == nil {
			last = state
			if state.Antenna(antenna).Service == eventbus.ServiceAvailable {
				return true, state, nil
			}
			if state.Mains == eventbus.MainsOn && !state.SiteAlive {
				for boot := 0; boot < maxBootWaitPolls && !state.SiteAlive; boot++ {
					a.clk.Sleep(radioHealSettle)
					if refreshed, err := a.siteState(ctx, site); err == nil {
						state = refreshed
						last = state
					}
				}
				if state.Antenna(antenna).Service == eventbus.ServiceAvailable {
					return true, state, nil
				}
			}
		}

		if err := a.client.SetRRU(ctx, site, antenna, false); err != nil {
			a.logger.Warn("rru off failed", "site", site, "antenna", antenna, "error", err)
		}
		a.clk.Sleep(radioHealCycleOff)
		if err := a.client.SetRRU(ctx, site, antenna, true); err != nil {
			a.logger.Warn("rru on (cycle) failed", "site", site, "antenna", antenna, "error", err)
		}
		a.clk.Sleep(radioHealSettle)

		state, err = a.siteState(ctx, site)
		if err == nil {
			last = state
			if state.Antenna(antenna).Service == eventbus.ServiceAvailable {
				return true, state, nil
			}
		}
	}

	return false, last, ErrRRUUnavailable
}

// sweepRead re-reads a site's state for the alarm sweep loop (§4.6.5):
// up to maxSweepReadPolls attempts, then — if mains is on but the site
// still reports not alive — up to maxSweepBootPolls additional polls
// waiting for boot.
func (a *Agent) sweepRead(ctx context.Context, site eventbus.SiteID) eventbus.SiteState {
	var state eventbus.SiteState
	for poll := 0; poll < maxSweepReadPolls; poll++ {
		if poll > 0 {
			a.clk.Sleep(sweepPollInterval)
		}
		if refreshed, err := a.siteState(ctx, site); err == nil {
			state = refreshed
		}
	}

	if state.Mains == eventbus.MainsOn && !state.SiteAlive {
		for boot := 0; boot < maxSweepBootPolls && !state.SiteAlive; boot++ {
			a.clk.Sleep(sweepBootInterval)
			if refreshed, err := a.siteState(ctx, site); err == nil {
				state = refreshed
			}
		}
	}

	return state
}

func antennaForAlarm(alarm eventbus.AlarmCode) (eventbus.AntennaID, bool) {
	switch alarm {
	case AlarmAntennaA1Down:
		return eventbus.Antenna1, true
	case AlarmAntennaA2Down:
		return eventbus.Antenna2, true
	default:
		return "", false
	}
}

// diffAlarms returns the alarm codes present in before but absent
// from after, preserving before's order.
func diffAlarms(before, after []eventbus.AlarmCode) []eventbus.AlarmCode {
	stillPresent := make(map[eventbus.AlarmCode]struct{}, len(after))
	for _, alarm := range after {
		stillPresent[alarm] = struct{}{}
	}
	var cleared []eventbus.AlarmCode
	for _, alarm := range before {
		if _, ok := stillPresent[alarm]; !ok {
			cleared = append(cleared, alarm)
		}
	}
	return cleared
}
