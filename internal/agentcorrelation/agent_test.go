// Copyright 2026 The towerctl Authors
// SPDX-License-Identifier: Apache-2.0

package agentcorrelation

import (
	"testing"
	"time"

	"github.com/cellfleet/towerctl/internal/clock"
	"github.com/cellfleet/towerctl/internal/eventbus"
	"github.com/cellfleet/towerctl/internal/policy"
)

func newPolicyStore(alarmPrioritization string) *policy.Store {
	return policy.New("", policy.Document{
		AlarmPrioritization: alarmPrioritization,
		WaysOfWorking:       policy.HumanAtCritical,
		KPIAlignment:        policy.KPI95,
		Version:             1,
	}, clock.NewReal())
}

func raised(site eventbus.SiteID, alarm eventbus.AlarmCode, ts string) eventbus.Event {
	return eventbus.Event{Type: eventbus.EventAlarmRaised, SiteID: site, Alarm: alarm, Timestamp: ts, Source: "test"}
}

func cleared(site eventbus.SiteID, alarm eventbus.AlarmCode, ts string) eventbus.Event {
	return eventbus.Event{Type: eventbus.EventAlarmCleared, SiteID: site, Alarm: alarm, Timestamp: ts, Source: "test"}
}

func TestHandleEvent_OpensIncidentAndNotifies(t *testing.T) {
	t.Parallel()

	var notified []string
	a := New(newPolicyStore(policy.AdaptiveCorrelation), time.Minute, func(kind string, inc Incident) {
		notified = append(notified, kind)
	})

	a.HandleEvent(raised("S1", "MainsFailure", "2026-01-01T00:00:00Z"))

	inc, ok := a.OpenIncident("S1")
	if !ok {
		t.Fatal("expected an open incident")
	}
	if inc.Count != 1 {
		t.Errorf("expected count=1, got %d", inc.Count)
	}
	if len(notified) != 1 || notified[0] != "incident.started" {
		t.Errorf("expected one incident.started notification, got %v", notified)
	}
}

func TestHandleEvent_RejectsNoiseAlarm(t *testing.T) {
	t.Parallel()

	a := New(newPolicyStore(policy.AdaptiveCorrelation), time.Minute, nil)
	a.HandleEvent(raised("S1", "heartbeat", "2026-01-01T00:00:00Z"))

	if _, ok := a.OpenIncident("S1"); ok {
		t.Fatal("expected no incident for noise alarm")
	}
}

func TestHandleEvent_CriticalFirstDropsNonCritical(t *testing.T) {
	t.Parallel()

	a := New(newPolicyStore(policy.CriticalFirst), time.Minute, nil)
	a.HandleEvent(raised("S1", "SomeMinorGlitch", "2026-01-01T00:00:00Z"))

	if _, ok := a.OpenIncident("S1"); ok {
		t.Fatal("expected non-critical alarm dropped under Critical First")
	}

	a.HandleEvent(raised("S1", "MainsFailure", "2026-01-01T00:00:01Z"))
	if _, ok := a.OpenIncident("S1"); !ok {
		t.Fatal("expected critical alarm to open an incident under Critical First")
	}
}

func TestHandleEvent_ExtendsWithinWindow(t *testing.T) {
	t.Parallel()

	a := New(newPolicyStore(policy.AdaptiveCorrelation), 5*time.Minute, nil)
	a.HandleEvent(raised("S1", "MainsFailure", "2026-01-01T00:00:00Z"))
	a.HandleEvent(raised("S1", "ServiceUnavailable", "2026-01-01T00:01:00Z"))

	inc, _ := a.OpenIncident("S1")
	if inc.Count != 2 {
		t.Errorf("expected count=2 after extension, got %d", inc.Count)
	}
	if len(inc.Types) != 2 {
		t.Errorf("expected 2 distinct types, got %d", len(inc.Types))
	}
}

func TestHandleEvent_ClosesOnWindowElapsed(t *testing.T) {
	t.Parallel()

	a := New(newPolicyStore(policy.AdaptiveCorrelation), time.Minute, nil)
	a.HandleEvent(raised("S1", "MainsFailure", "2026-01-01T00:00:00Z"))
	a.HandleEvent(raised("S1", "MainsFailure", "2026-01-01T00:10:00Z"))

	closed := a.ClosedIncidents("S1")
	if len(closed) != 1 {
		t.Fatalf("expected 1 closed incident, got %d", len(closed))
	}
	if closed[0].Reason != ReasonWindowElapsed {
		t.Errorf("expected reason=%s, got %s", ReasonWindowElapsed, closed[0].Reason)
	}

	inc, ok := a.OpenIncident("S1")
	if !ok || inc.Count != 1 {
		t.Fatalf("expected a fresh open incident after window elapsed, got %+v ok=%v", inc, ok)
	}
}

func TestHandleEvent_ClosesEarlyOnAlarmClearedWithNoCriticalTypes(t *testing.T) {
	t.Parallel()

	a := New(newPolicyStore(policy.AdaptiveCorrelation), 5*time.Minute, nil)
	a.HandleEvent(raised("S1", "SomeMinorGlitch", "2026-01-01T00:00:00Z"))
	a.HandleEvent(cleared("S1", "SomeMinorGlitch", "2026-01-01T00:00:10Z"))

	if _, ok := a.OpenIncident("S1"); ok {
		t.Fatal("expected incident closed early after clearing a non-critical-only incident")
	}
	closed := a.ClosedIncidents("S1")
	if len(closed) != 1 || closed[0].Reason != ReasonAlarmCleared {
		t.Fatalf("expected 1 closed incident with reason=%s, got %+v", ReasonAlarmCleared, closed)
	}
}

func TestHandleEvent_CriticalIncidentStaysOpenOnClear(t *testing.T) {
	t.Parallel()

	a := New(newPolicyStore(policy.AdaptiveCorrelation), 5*time.Minute, nil)
	a.HandleEvent(raised("S1", "MainsFailure", "2026-01-01T00:00:00Z"))
	a.HandleEvent(cleared("S1", "MainsFailure", "2026-01-01T00:00:10Z"))

	if _, ok := a.OpenIncident("S1"); !ok {
		t.Fatal("expected incident with critical history to remain open after a clear")
	}
}

func TestHandleStateUpdate_ClosesOnServiceRestored(t *testing.T) {
	t.Parallel()

	a := New(newPolicyStore(policy.AdaptiveCorrelation), 5*time.Minute, nil)
	a.HandleEvent(raised("S1", "MainsFailure", "2026-01-01T00:00:00Z"))

	a.HandleStateUpdate(eventbus.Snapshot{
		"S1": {Mains: eventbus.MainsOn, SiteAlive: true},
	})

	if _, ok := a.OpenIncident("S1"); ok {
		t.Fatal("expected incident closed by state.update restoration")
	}
	closed := a.ClosedIncidents("S1")
	if len(closed) != 1 || closed[0].Reason != ReasonServiceRestored {
		t.Fatalf("expected closed reason=%s, got %+v", ReasonServiceRestored, closed)
	}
}

func TestCorrelate_ReturnsTouchedIncidentsSortedPerSite(t *testing.T) {
	t.Parallel()

	a := New(newPolicyStore(policy.AdaptiveCorrelation), 5*time.Minute, nil)
	touched := a.Correlate([]eventbus.Event{
		raised("S2", "MainsFailure", "2026-01-01T00:00:02Z"),
		raised("S1", "MainsFailure", "2026-01-01T00:00:01Z"),
	})

	if len(touched) != 2 {
		t.Fatalf("expected 2 touched incidents, got %d", len(touched))
	}
	if touched[0].SiteID != "S1" || touched[1].SiteID != "S2" {
		t.Errorf("expected sites in ascending order S1,S2, got %s,%s", touched[0].SiteID, touched[1].SiteID)
	}
}

func TestCorrelate_WindowMeasuredFromIncidentStartNotLastEvent(t *testing.T) {
	t.Parallel()

	a := New(newPolicyStore(policy.AdaptiveCorrelation), 5*time.Minute, nil)
	a.Correlate([]eventbus.Event{
		raised("S1", "MainsFailure", "2026-01-01T00:00:00Z"),
		raised("S1", "ServiceUnavailable", "2026-01-01T00:04:00Z"),
		raised("S1", "ServiceUnavailable", "2026-01-01T00:06:00Z"),
	})

	closed := a.ClosedIncidents("S1")
	if len(closed) != 1 {
		t.Fatalf("expected 1 closed incident, got %d", len(closed))
	}
	first := closed[0]
	if first.Count != 2 {
		t.Errorf("expected first incident count=2, got %d", first.Count)
	}
	if first.Start.Format(time.RFC3339) != "2026-01-01T00:00:00Z" || first.End.Format(time.RFC3339) != "2026-01-01T00:04:00Z" {
		t.Errorf("expected first incident [T,T+4m], got [%s,%s]", first.Start, first.End)
	}

	second, ok := a.OpenIncident("S1")
	if !ok {
		t.Fatal("expected a second, still-open incident")
	}
	if second.Count != 1 {
		t.Errorf("expected second incident count=1, got %d", second.Count)
	}
	if second.Start.Format(time.RFC3339) != "2026-01-01T00:06:00Z" || second.End.Format(time.RFC3339) != "2026-01-01T00:06:00Z" {
		t.Errorf("expected second incident [T+6m,T+6m], got [%s,%s]", second.Start, second.End)
	}

	// The gap between each consecutive pair of events is within the
	// window (4m, 2m); only the gap from the incident's start (6m)
	// exceeds it. A comparison against the rolling last-event time
	// would wrongly keep this as one incident.
}

func TestCorrelate_EmptyWhenEverythingFiltered(t *testing.T) {
	t.Parallel()

	a := New(newPolicyStore(policy.AdaptiveCorrelation), 5*time.Minute, nil)
	touched := a.Correlate([]eventbus.Event{raised("S1", "noop", "2026-01-01T00:00:00Z")})
	if len(touched) != 0 {
		t.Fatalf("expected empty result for all-noise batch, got %d", len(touched))
	}
}
