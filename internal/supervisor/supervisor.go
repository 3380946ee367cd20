// Copyright 2026 The towerctl Authors
// SPDX-License-Identifier: Apache-2.0

package supervisor

import (
	"context"
	"sync"
	"time"

	"github.com/cellfleet/towerctl/internal/agentcorrelation"
	"github.com/cellfleet/towerctl/internal/agentrca"
	"github.com/cellfleet/towerctl/internal/agenttroubleshoot"
	"github.com/cellfleet/towerctl/internal/bus"
	"github.com/cellfleet/towerctl/internal/clock"
	"github.com/cellfleet/towerctl/internal/eventbus"
	"github.com/cellfleet/towerctl/internal/policy"
)

// Status is one state of the Supervisor's lifecycle FSM.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusRunning Status = "running"
	StatusPaused  Status = "paused"
	StatusStopped Status = "stopped"
)

// TowerClient is the subset of *towerclient.Client the Supervisor
// depends on directly (cold-start sweep, snapshot broadcast).
type TowerClient interface {
	GetState(ctx context.Context) (eventbus.Snapshot, error)
}

// Summary is the Supervisor's externally observable status snapshot.
type Summary struct {
	Status             Status
	StartedAt          time.Time
	AccumulatedRuntime time.Duration
	TasksRouted        int
	LastNote           string
	ManualAutoToggle   bool
	AutoEffective      bool
	LedgerSize         int
	ApprovalsPending   int
}

// Supervisor is the orchestrator. The zero value is not
// usable; construct with New.
type Supervisor struct {
	client TowerClient
	bus    *bus.Bus
	policy *policy.Store
	agentA *agentcorrelation.Agent
	agentB *agenttroubleshoot.Agent
	agentC *agentrca.Agent
	clk    clock.Clock

	logs      *logRing
	approvals *approvalQueue
	ledger    *duplicateLedger

	mu                 sync.Mutex
	status             Status
	startedAt          time.Time
	hasStartedAt       bool
	accumulatedRuntime time.Duration
	tasksRouted        int
	lastNote           string
	manualAutoToggle   bool

	sub    *bus.Subscription
	stopCh chan struct{}
	loopWG sync.WaitGroup
}

// New creates a Supervisor in the idle state.
func New(client TowerClient, eventBus *bus.Bus, policyStore *policy.Store,
	agentA *agentcorrelation.Agent, agentB *agenttroubleshoot.Agent, agentC *agentrca.Agent,
	clk clock.Clock) *Supervisor {
	if clk == nil {
		clk = clock.NewReal()
	}
	return &Supervisor{
		client:    client,
		bus:       eventBus,
		policy:    policyStore,
		agentA:    agentA,
		agentB:    agentB,
		agentC:    agentC,
		clk:       clk,
		logs:      newLogRing(clk),
		approvals: newApprovalQueue(clk),
		ledger:    newDuplicateLedger(),
		status:    StatusIdle,
	}
}

// SubscribeLogs registers a new operator log subscription, for SSE
// fan-out. The caller must Close it when finished.
func (s *Supervisor) SubscribeLogs() *LogSubscription { return s.logs.Subscribe() }

// RecentLogs returns up to n of the most recent operator log lines,
// oldest first.
func (s *Supervisor) RecentLogs(n int) []LogEntry { return s.logs.Recent(n) }

// Status reports the current lifecycle state.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Summary reports the Supervisor's full externally observable state.
func (s *Supervisor) Summary() Summary {
	s.mu.Lock()
	defer s.mu.Unlock()

	runtime := s.accumulatedRuntime
	if s.status == StatusRunning && s.hasStartedAt {
		runtime += s.clk.Now().Sub(s.startedAt)
	}

	return Summary{
		Status:             s.status,
		StartedAt:          s.startedAt,
		AccumulatedRuntime: runtime,
		TasksRouted:        s.tasksRouted,
		LastNote:           s.lastNote,
		ManualAutoToggle:   s.manualAutoToggle,
		AutoEffective:      s.autoEffectiveLocked(),
		LedgerSize:         s.ledger.size(),
		ApprovalsPending:   len(s.approvals.List()),
	}
}

// Note records an arbitrary operator annotation, surfaced via Summary.
func (s *Supervisor) Note(message string) {
	s.mu.Lock()
	s.lastNote = message
	s.mu.Unlock()
	s.logs.Append("note: %s", message)
}

// SetManualAutoToggle sets the manual override of autoEffective.
func (s *Supervisor) SetManualAutoToggle(on bool) {
	s.mu.Lock()
	s.manualAutoToggle = on
	s.mu.Unlock()
	s.logs.Append("auto-toggle set to %v", on)
}

// autoEffectiveLocked computes whether automatic handling is in
// effect. Caller must hold s.mu.
func (s *Supervisor) autoEffectiveLocked() bool {
	waysOfWorking := policy.E2EAutomation
	if s.policy != nil {
		waysOfWorking = s.policy.Get().WaysOfWorking
	}
	return waysOfWorking == policy.E2EAutomation || s.manualAutoToggle
}

// ApprovalsList returns every pending approval, oldest first.
func (s *Supervisor) ApprovalsList() []Approval { return s.approvals.List() }

// ResolveApproval removes the named approval exactly once. Resolution
// is a pure record: it does not re-drive Agent B.
func (s *Supervisor) ResolveApproval(id, decision string) (Approval, bool) {
	approval, ok := s.approvals.Resolve(id)
	if ok {
		s.logs.Append("approval.%s id=%s site=%s", decision, id, approval.SiteID)
	}
	return approval, ok
}

// Start transitions idle|stopped→running, or delegates to Resume from
// paused. Any other call is a no-op.
func (s *Supervisor) Start() string {
	s.mu.Lock()
	switch s.status {
	case StatusPaused:
		s.mu.Unlock()
		return s.Resume()
	case StatusIdle, StatusStopped:
		s.status = StatusRunning
		s.startedAt = s.clk.Now()
		s.hasStartedAt = true
		s.mu.Unlock()
	default:
		s.mu.Unlock()
		return "already running"
	}

	s.agentA.Start()
	s.agentB.Start()
	s.agentC.Start()
	s.logs.Append("supervisor.started")

	s.sub = s.bus.Subscribe()
	s.stopCh = make(chan struct{})
	s.loopWG.Add(1)
	go s.consumeLoop(s.sub, s.stopCh)

	s.coldStartSweep()
	return "started"
}

// Stop transitions running|paused→stopped, accumulating runtime and
// stopping all three agents.
func (s *Supervisor) Stop() string {
	s.mu.Lock()
	if s.status != StatusRunning && s.status != StatusPaused {
		s.mu.Unlock()
		return "not running"
	}
	s.accrueRuntimeLocked()
	s.status = StatusStopped
	s.mu.Unlock()

	if s.sub != nil {
		s.sub.Close()
	}
	if s.stopCh != nil {
		close(s.stopCh)
	}
	s.loopWG.Wait()

	s.agentA.Stop()
	s.agentB.Stop()
	s.agentC.Stop()
	s.logs.Append("supervisor.stopped")
	return "stopped"
}

// Pause transitions running→paused, accumulating runtime. Events
// received while paused still reach handleEvent through the
// subscription, which logs them as event.not-running and discards them.
func (s *Supervisor) Pause() string {
	s.mu.Lock()
	if s.status != StatusRunning {
		s.mu.Unlock()
		return "not running"
	}
	s.accrueRuntimeLocked()
	s.status = StatusPaused
	s.mu.Unlock()
	s.logs.Append("supervisor.paused")
	return "paused"
}

// Resume transitions paused→running, starting a fresh runtime accrual
// window.
func (s *Supervisor) Resume() string {
	s.mu.Lock()
	if s.status != StatusPaused {
		s.mu.Unlock()
		return "not paused"
	}
	s.status = StatusRunning
	s.startedAt = s.clk.Now()
	s.hasStartedAt = true
	s.mu.Unlock()

	s.agentA.Start()
	s.agentB.Start()
	s.agentC.Start()
	s.logs.Append("supervisor.resumed")
	return "resumed"
}

// accrueRuntimeLocked folds the elapsed time since startedAt into
// accumulatedRuntime. Caller must hold s.mu.
func (s *Supervisor) accrueRuntimeLocked() {
	if s.hasStartedAt {
		s.accumulatedRuntime += s.clk.Now().Sub(s.startedAt)
		s.hasStartedAt = false
	}
}

// coldStartSweep fetches a current snapshot and synthesizes
// alarm.raised events for every alarm already present, feeding each
// through the normal orchestration path. It replays the site's
// reported wire-level alarm codes (state.Alarms) rather than Agent B's
// derived diagnostic codes, since those are what Agent A's
// critical-pattern filter is tuned to recognize.
func (s *Supervisor) coldStartSweep() {
	snapshot, err := s.client.GetState(context.Background())
	if err != nil {
		s.logs.Append("cold-start-sweep: snapshot fetch failed: %v", err)
		return
	}

	now := s.clk.Now().UTC().Format(time.RFC3339)
	for site, state := range snapshot {
		for alarm := range state.Alarms {
			s.handleEvent(eventbus.Event{
				Type:      eventbus.EventAlarmRaised,
				SiteID:    site,
				Alarm:     alarm,
				Timestamp: now,
				Source:    "cold-start",
			})
		}
	}
}

// consumeLoop reads events from sub until stopCh closes, handling
// each one to completion before taking the next — callers rely on
// events from one site never being reordered relative to each other.
func (s *Supervisor) consumeLoop(sub *bus.Subscription, stopCh chan struct{}) {
	defer s.loopWG.Done()
	for {
		select {
		case <-stopCh:
			return
		case evt := <-sub.Events:
			s.handleEvent(evt)
		}
	}
}

// handleEvent runs the per-event orchestration algorithm.
// Any panic inside agent calls is caught here so it can never
// propagate to the Bus or terminate the consume loop.
func (s *Supervisor) handleEvent(evt eventbus.Event) {
	defer func() {
		if r := recover(); r != nil {
			s.logs.Append("event.orchestration-panic siteId=%s err=%v", evt.SiteID, r)
		}
	}()

	id := evt.ID()
	now := s.clk.Now()
	if !s.ledger.markOrReject(id, now) {
		s.logs.Append("event.duplicate type=%s siteId=%s", evt.Type, evt.SiteID)
		return
	}

	if s.Status() != StatusRunning {
		s.logs.Append("event.not-running type=%s siteId=%s", evt.Type, evt.SiteID)
		return
	}

	if evt.SiteID == "" {
		s.logs.Append("event.skipped reason=missing-site-id type=%s", evt.Type)
		return
	}

	if evt.Type != eventbus.EventAlarmRaised && evt.Type != eventbus.EventServiceChanged {
		s.logs.Append("event.skipped reason=ignored-type type=%s siteId=%s", evt.Type, evt.SiteID)
		return
	}

	ctx := context.Background()

	s.agentA.EnsureRunning()
	alarmOrType := string(evt.Alarm)
	if alarmOrType == "" {
		alarmOrType = string(evt.Type)
	}
	probe := eventbus.Event{
		Type:      eventbus.EventAlarmRaised,
		SiteID:    evt.SiteID,
		Alarm:     eventbus.AlarmCode(alarmOrType),
		Timestamp: evt.Timestamp,
	}

	touched := s.agentA.Correlate([]eventbus.Event{probe})
	if len(touched) == 0 {
		s.broadcastSnapshot(ctx)
		return
	}

	cause := alarmOrType
	recordResult := s.agentC.RecordIncident(ctx, agentrca.RecordIncidentRequest{
		SiteID:     evt.SiteID,
		Cause:      cause,
		Resolution: agentrca.ResolutionInvestigating,
	})
	if recordResult.Skipped {
		s.logs.Append("agentC.record-skipped reason=%s siteId=%s", recordResult.Reason, evt.SiteID)
	}

	s.mu.Lock()
	autoEffective := s.autoEffectiveLocked()
	s.mu.Unlock()

	if !autoEffective {
		s.agentB.EnsureRunning()
		result, err := s.agentB.MitigateSite(ctx, evt.SiteID)
		if err == agenttroubleshoot.ErrApprovalRequired {
			approval := s.approvals.Enqueue(evt.SiteID, result.Plan, "policy requires human approval", s.policy.Get().Version)
			s.logs.Append("approval.enqueued id=%s siteId=%s", approval.ID, evt.SiteID)
			s.broadcastSnapshot(ctx)
			return
		}
		if err != nil {
			s.logs.Append("agentB.mitigate-error siteId=%s err=%v", evt.SiteID, err)
			return
		}
		s.recordFinalCase(ctx, evt.SiteID, cause, result)
		s.broadcastSnapshot(ctx)
		return
	}

	s.mu.Lock()
	s.tasksRouted++
	s.mu.Unlock()

	s.agentB.EnsureRunning()
	result, err := s.agentB.MitigateSiteForced(ctx, evt.SiteID)
	if err != nil {
		s.logs.Append("agentB.mitigate-error siteId=%s err=%v", evt.SiteID, err)
		return
	}
	s.recordFinalCase(ctx, evt.SiteID, cause, result)
	s.broadcastSnapshot(ctx)
}

// recordFinalCase appends Agent C's closing case for a mitigation
// attempt: "restored" when allClear, else "stabilized".
func (s *Supervisor) recordFinalCase(ctx context.Context, site eventbus.SiteID, cause string, result agenttroubleshoot.Result) {
	resolution := agentrca.ResolutionStabilized
	if result.AllClear {
		resolution = agentrca.ResolutionRestored
	}
	s.agentC.RecordIncident(ctx, agentrca.RecordIncidentRequest{
		SiteID:     site,
		Cause:      cause,
		Actions:    result.ActionsTaken,
		Resolution: resolution,
	})
}

// broadcastSnapshot publishes the current fleet snapshot onto the Bus
// as a state.update event, best-effort.
func (s *Supervisor) broadcastSnapshot(ctx context.Context) {
	snapshot, err := s.client.GetState(ctx)
	if err != nil {
		return
	}
	s.agentA.HandleStateUpdate(snapshot)
	s.bus.Publish(eventbus.Event{
		Type:      eventbus.EventStateUpdate,
		SiteID:    eventbus.AllSites,
		Timestamp: s.clk.Now().UTC().Format(time.RFC3339),
		Snapshot:  snapshot,
	})
}
