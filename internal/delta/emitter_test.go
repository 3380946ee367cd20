// Copyright 2026 The towerctl Authors
// SPDX-License-Identifier: Apache-2.0

package delta

import (
	"testing"

	"github.com/cellfleet/towerctl/internal/eventbus"
)

func alarmSet(codes ...eventbus.AlarmCode) map[eventbus.AlarmCode]struct{} {
	m := make(map[eventbus.AlarmCode]struct{}, len(codes))
	for _, c := range codes {
		m[c] = struct{}{}
	}
	return m
}

func TestIngest_FirstCall_NoBootstrap(t *testing.T) {
	t.Parallel()

	e := NewEmitter(false)
	snap := eventbus.Snapshot{
		"S1": {Mains: "on", SiteAlive: true, Alarms: alarmSet("MainsFailure")},
	}
	events := e.Ingest(snap, "t0", "poll")
	if len(events) != 0 {
		t.Fatalf("expected zero emissions on first ingest with bootstrapEmit=false, got %d", len(events))
	}
}

func TestIngest_FirstCall_Bootstrap(t *testing.T) {
	t.Parallel()

	e := NewEmitter(true)
	snap := eventbus.Snapshot{
		"S1": {Alarms: alarmSet("MainsFailure")},
		"S2": {Alarms: alarmSet("ServiceUnavailable")},
	}
	events := e.Ingest(snap, "t0", "poll")
	if len(events) != 2 {
		t.Fatalf("expected exactly one raised event per current alarm, got %d", len(events))
	}
	for _, ev := range events {
		if ev.Type != eventbus.EventAlarmRaised {
			t.Errorf("expected alarm.raised, got %s", ev.Type)
		}
		if !ev.Bootstrap {
			t.Errorf("expected bootstrap=true on first-ingest emission")
		}
	}
}

func TestIngest_RaisedClearedServiceChanged(t *testing.T) {
	t.Parallel()

	e := NewEmitter(false)
	e.Ingest(eventbus.Snapshot{
		"S1": {
			Mains:    "on",
			Alarms:   alarmSet(),
			Antenna1: eventbus.AntennaState{Service: eventbus.ServiceAvailable},
			Antenna2: eventbus.AntennaState{Service: eventbus.ServiceAvailable},
		},
	}, "t0", "poll")

	events := e.Ingest(eventbus.Snapshot{
		"S1": {
			Mains:    "off",
			Alarms:   alarmSet("MainsFailure"),
			Antenna1: eventbus.AntennaState{Service: eventbus.ServiceUnavailable},
			Antenna2: eventbus.AntennaState{Service: eventbus.ServiceAvailable},
		},
	}, "t1", "poll")

	if len(events) != 2 {
		t.Fatalf("expected 2 events (1 raised, 1 service.changed), got %d: %+v", len(events), events)
	}
	if events[0].Type != eventbus.EventAlarmRaised || events[0].Alarm != "MainsFailure" {
		t.Errorf("expected first event to be alarm.raised MainsFailure, got %+v", events[0])
	}
	if events[1].Type != eventbus.EventServiceChanged || events[1].Antenna != eventbus.Antenna1 {
		t.Errorf("expected second event to be service.changed on antenna1, got %+v", events[1])
	}
	for _, ev := range events {
		if ev.Timestamp != "t1" {
			t.Errorf("expected all emissions of one call to share a timestamp, got %s", ev.Timestamp)
		}
	}
}

func TestIngest_ClearedAlarmOrdering(t *testing.T) {
	t.Parallel()

	e := NewEmitter(false)
	e.Ingest(eventbus.Snapshot{
		"S2": {Alarms: alarmSet("HeartbeatFailure")},
		"S1": {Alarms: alarmSet("MainsFailure", "ServiceUnavailable")},
	}, "t0", "poll")

	events := e.Ingest(eventbus.Snapshot{
		"S1": {Alarms: alarmSet("MainsFailure")},
		"S2": {Alarms: alarmSet()},
	}, "t1", "poll")

	// Both are clears (no raises). Ascending by site: S1 before S2.
	if len(events) != 2 {
		t.Fatalf("expected 2 cleared events, got %d: %+v", len(events), events)
	}
	if events[0].SiteID != "S1" || events[0].Alarm != "ServiceUnavailable" {
		t.Errorf("expected S1/ServiceUnavailable first, got %+v", events[0])
	}
	if events[1].SiteID != "S2" || events[1].Alarm != "HeartbeatFailure" {
		t.Errorf("expected S2/HeartbeatFailure second, got %+v", events[1])
	}
}

func TestIngest_SoundnessIsSymmetricDifference(t *testing.T) {
	t.Parallel()

	e := NewEmitter(false)
	e.Ingest(eventbus.Snapshot{
		"S1": {Alarms: alarmSet("A", "B")},
	}, "t0", "poll")

	events := e.Ingest(eventbus.Snapshot{
		"S1": {Alarms: alarmSet("B", "C")},
	}, "t1", "poll")

	raised := map[eventbus.AlarmCode]bool{}
	cleared := map[eventbus.AlarmCode]bool{}
	for _, ev := range events {
		switch ev.Type {
		case eventbus.EventAlarmRaised:
			raised[ev.Alarm] = true
		case eventbus.EventAlarmCleared:
			cleared[ev.Alarm] = true
		}
	}
	if !raised["C"] || len(raised) != 1 {
		t.Errorf("expected raised={C}, got %v", raised)
	}
	if !cleared["A"] || len(cleared) != 1 {
		t.Errorf("expected cleared={A}, got %v", cleared)
	}
}

func TestReset_ClearsStateForNextIngest(t *testing.T) {
	t.Parallel()

	e := NewEmitter(false)
	e.Ingest(eventbus.Snapshot{"S1": {Alarms: alarmSet("MainsFailure")}}, "t0", "poll")
	e.Reset()

	// After Reset, the next Ingest behaves like the very first call: no
	// emissions even though the alarm was present before.
	events := e.Ingest(eventbus.Snapshot{"S1": {Alarms: alarmSet("MainsFailure")}}, "t1", "poll")
	if len(events) != 0 {
		t.Fatalf("expected zero emissions immediately after Reset, got %d", len(events))
	}
}
