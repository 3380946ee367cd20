// Copyright 2026 The towerctl Authors
// SPDX-License-Identifier: Apache-2.0

package agentrca

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/cellfleet/towerctl/internal/clock"
	"github.com/cellfleet/towerctl/internal/eventbus"
)

type fakeClient struct {
	snapshot eventbus.Snapshot
}

func (f *fakeClient) GetState(ctx context.Context) (eventbus.Snapshot, error) {
	return f.snapshot, nil
}

func TestRecordIncident_RejectsNoiseCause(t *testing.T) {
	t.Parallel()

	a := New(&fakeClient{}, clock.NewReal())
	result := a.RecordIncident(context.Background(), RecordIncidentRequest{
		SiteID: "S1", Cause: "heartbeat", Resolution: ResolutionUnknown,
	})
	if result.OK || !result.Skipped || result.Reason != "noise_or_unknown" {
		t.Fatalf("expected noise rejection, got %+v", result)
	}
}

func TestRecordIncident_RejectsUnknownSite(t *testing.T) {
	t.Parallel()

	a := New(&fakeClient{}, clock.NewReal())
	result := a.RecordIncident(context.Background(), RecordIncidentRequest{
		SiteID: "unknown", Cause: "MainsFailure", Resolution: ResolutionInvestigating,
	})
	if !result.Skipped || result.Reason != "noise_or_unknown" {
		t.Fatalf("expected unknown-site rejection, got %+v", result)
	}
}

func TestRecordIncident_AcceptsAndComputesOngoing(t *testing.T) {
	t.Parallel()

	down := eventbus.Snapshot{"S1": {Mains: eventbus.MainsOff, SiteAlive: false, BatteryPercent: 90}}
	a := New(&fakeClient{snapshot: down}, clock.NewReal())

	result := a.RecordIncident(context.Background(), RecordIncidentRequest{
		SiteID: "S1", Cause: "MainsFailure", Resolution: ResolutionInvestigating,
	})
	if !result.OK || result.Case == nil {
		t.Fatalf("expected accepted case, got %+v", result)
	}
	if !result.Case.Ongoing || !result.Case.DispatchSuggested {
		t.Errorf("expected ongoing+dispatchSuggested for non-restored case with alarms, got %+v", result.Case)
	}
}

func TestRecordIncident_RestoredWithNoAlarmsIsNotOngoing(t *testing.T) {
	t.Parallel()

	healthy := eventbus.Snapshot{"S1": {
		Mains: eventbus.MainsOn, SiteAlive: true, BatteryPercent: 90,
		Antenna1: eventbus.AntennaState{Service: eventbus.ServiceAvailable},
		Antenna2: eventbus.AntennaState{Service: eventbus.ServiceAvailable},
	}}
	a := New(&fakeClient{snapshot: healthy}, clock.NewReal())

	result := a.RecordIncident(context.Background(), RecordIncidentRequest{
		SiteID: "S1", Cause: "MainsFailure", Resolution: ResolutionRestored,
	})
	if result.Case.Ongoing || result.Case.DispatchSuggested {
		t.Errorf("expected restored+clean case to not be ongoing, got %+v", result.Case)
	}
}

func TestRecordIncident_DedupSuppressesWithinWindow(t *testing.T) {
	t.Parallel()

	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	a := New(&fakeClient{}, clk)

	first := a.RecordIncident(context.Background(), RecordIncidentRequest{
		SiteID: "S1", Cause: "MainsFailure", Resolution: ResolutionInvestigating,
	})
	if !first.OK {
		t.Fatalf("expected first record accepted, got %+v", first)
	}

	clk.Advance(5 * time.Second)
	second := a.RecordIncident(context.Background(), RecordIncidentRequest{
		SiteID: "S1", Cause: "MainsFailure", Resolution: ResolutionInvestigating,
	})
	if second.OK || second.Reason != "dedup_suppressed" {
		t.Fatalf("expected dedup suppression within 10s window, got %+v", second)
	}

	clk.Advance(6 * time.Second)
	third := a.RecordIncident(context.Background(), RecordIncidentRequest{
		SiteID: "S1", Cause: "MainsFailure", Resolution: ResolutionInvestigating,
	})
	if !third.OK {
		t.Fatalf("expected acceptance after dedup window elapses, got %+v", third)
	}
}

func TestComposeDispatchEmail_NoUnresolvedCase(t *testing.T) {
	t.Parallel()

	a := New(&fakeClient{}, clock.NewReal())
	_, ok, reason := a.ComposeDispatchEmail(context.Background(), "S1")
	if ok || reason != "no_unresolved_case" {
		t.Fatalf("expected no_unresolved_case, got ok=%v reason=%s", ok, reason)
	}
}

func TestComposeDispatchEmail_RendersDeterministicTemplate(t *testing.T) {
	t.Parallel()

	snapshot := eventbus.Snapshot{"S1": {
		Mains: eventbus.MainsOff, SiteAlive: false, BatteryPercent: 22,
		Antenna1: eventbus.AntennaState{Service: eventbus.ServiceUnavailable},
		Antenna2: eventbus.AntennaState{Service: eventbus.ServiceAvailable},
		Alarms:   map[eventbus.AlarmCode]struct{}{"MainsFailure": {}},
	}}
	a := New(&fakeClient{snapshot: snapshot}, clock.NewReal())

	a.RecordIncident(context.Background(), RecordIncidentRequest{
		SiteID: "S1", Cause: "MainsFailure", Actions: []string{"power.on"}, Resolution: ResolutionInvestigating,
	})

	email, ok, _ := a.ComposeDispatchEmail(context.Background(), "S1")
	if !ok {
		t.Fatal("expected a composed email")
	}
	if email.Subject != "[DISPATCH] S1 – MainsFailure – Action required" {
		t.Errorf("unexpected subject: %q", email.Subject)
	}
	for _, want := range []string{"Site: S1", "Mains: off", "Alive: false", "Battery: 22%", "power.on", "Requested next step: field dispatch"} {
		if !strings.Contains(email.Body, want) {
			t.Errorf("expected body to contain %q, got:\n%s", want, email.Body)
		}
	}
}
