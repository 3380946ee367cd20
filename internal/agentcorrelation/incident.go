// Copyright 2026 The towerctl Authors
// SPDX-License-Identifier: Apache-2.0

package agentcorrelation

import (
	"strings"
	"time"

	"github.com/cellfleet/towerctl/internal/eventbus"
)

// Closure reasons (§4.5).
const (
	ReasonServiceRestored = "service_restored"
	ReasonWindowElapsed   = "window_elapsed"
	ReasonAlarmCleared    = "alarm_cleared"
)

// DefaultWindow is the default correlation window: events on the same
// site within this span of the open incident's start extend that
// incident rather than starting a new one.
const DefaultWindow = 5 * time.Minute

// noiseAlarms are alarm codes rejected outright, case-insensitively.
var noiseAlarms = map[string]struct{}{
	"unknown":   {},
	"heartbeat": {},
	"noop":      {},
}

// criticalPatterns are substrings matched case-insensitively against
// an alarm code to decide whether it counts as critical under the
// "Critical First" alarm prioritization policy.
var criticalPatterns = []string{"ServiceUnavailable", "HeartbeatFailure", "MainsFailure"}

func isNoise(alarm eventbus.AlarmCode) bool {
	_, ok := noiseAlarms[strings.ToLower(string(alarm))]
	return ok
}

func isCritical(alarm eventbus.AlarmCode) bool {
	lower := strings.ToLower(string(alarm))
	for _, pattern := range criticalPatterns {
		if strings.Contains(lower, strings.ToLower(pattern)) {
			return true
		}
	}
	return false
}

func anyCritical(types map[eventbus.AlarmCode]struct{}) bool {
	for alarm := range types {
		if isCritical(alarm) {
			return true
		}
	}
	return false
}

// Incident is a per-site correlation window, open or closed (§3).
type Incident struct {
	SiteID eventbus.SiteID
	Start  time.Time
	End    time.Time
	Count  int
	Types  map[eventbus.AlarmCode]struct{}
	Events []eventbus.Event

	// Reason is set when the incident is closed: one of
	// ReasonServiceRestored, ReasonWindowElapsed, ReasonAlarmCleared.
	// Empty means the incident is still open.
	Reason string
}

// clone returns a deep copy safe for the caller to retain after the
// Agent mutates its internal buffers further.
func (inc Incident) clone() Incident {
	types := make(map[eventbus.AlarmCode]struct{}, len(inc.Types))
	for t := range inc.Types {
		types[t] = struct{}{}
	}
	events := make([]eventbus.Event, len(inc.Events))
	copy(events, inc.Events)
	inc.Types = types
	inc.Events = events
	return inc
}

// parseTimestamp parses a wire timestamp for window-elapsed
// comparisons. Returns ok=false if the timestamp is not a
// recognizable RFC 3339 value; callers then treat the window as
// elapsed rather than trust an unparseable comparison.
func parseTimestamp(ts string) (time.Time, bool) {
	if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
		return t, true
	}
	if t, err := time.Parse(time.RFC3339, ts); err == nil {
		return t, true
	}
	return time.Time{}, false
}
