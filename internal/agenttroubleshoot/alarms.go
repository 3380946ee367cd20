// Copyright 2026 The towerctl Authors
// SPDX-License-Identifier: Apache-2.0

package agenttroubleshoot

import "github.com/cellfleet/towerctl/internal/eventbus"

// Alarm codes synthesized from a site snapshot (§4.6.1). These are
// distinct from the AlarmCode vocabulary the simulator reports on the
// wire — they describe Agent B's own diagnosis, not raw device state.
const (
	AlarmMainsOff         eventbus.AlarmCode = "Mains.Off"
	AlarmSiteDown         eventbus.AlarmCode = "Site.Down"
	AlarmAntennaA1Down    eventbus.AlarmCode = "Antenna.A1.Unavailable"
	AlarmAntennaA2Down    eventbus.AlarmCode = "Antenna.A2.Unavailable"
	AlarmBatteryLowOnGrid eventbus.AlarmCode = "Battery.Low.GridDown"
)

// lowBatteryThreshold is the batteryPercent below which a grid outage
// is flagged as a low-battery condition (§4.6.1).
const lowBatteryThreshold = 40

// DetectAlarms derives Agent B's alarm codes from a site's current
// snapshot, in a fixed, deterministic order (§4.6.1).
func DetectAlarms(state eventbus.SiteState) []eventbus.AlarmCode {
	var alarms []eventbus.AlarmCode
	if state.Mains == eventbus.MainsOff {
		alarms = append(alarms, AlarmMainsOff)
	}
	if !state.SiteAlive {
		alarms = append(alarms, AlarmSiteDown)
	}
	if state.Antenna1.Service != eventbus.ServiceAvailable {
		alarms = append(alarms, AlarmAntennaA1Down)
	}
	if state.Antenna2.Service != eventbus.ServiceAvailable {
		alarms = append(alarms, AlarmAntennaA2Down)
	}
	if state.Mains == eventbus.MainsOff && state.BatteryPercent < lowBatteryThreshold {
		alarms = append(alarms, AlarmBatteryLowOnGrid)
	}
	return alarms
}

// hasBlockingAlarm reports whether a detected alarm set still holds an
// alarm that prevents "all clear" for the purposes of the alarm sweep
// loop (§4.6.5): battery alarms don't block clearance, mains/site/antenna
// alarms do.
func hasBlockingAlarm(alarms []eventbus.AlarmCode) bool {
	for _, alarm := range alarms {
		if alarm != AlarmBatteryLowOnGrid {
			return true
		}
	}
	return false
}

// StepKind identifies one recovery plan action (§4.6.2).
type StepKind string

const (
	StepPowerOn  StepKind = "power.on"
	StepRRUEnsure StepKind = "rru.ensure"
	StepRRUOff   StepKind = "rru.off"
)

// Step is one action in an ordered recovery plan.
type Step struct {
	Kind    StepKind
	Site    eventbus.SiteID
	Antenna eventbus.AntennaID // zero value for power.on
}

// BuildPlan constructs the ordered recovery plan for a site given its
// current snapshot (§4.6.2).
func BuildPlan(site eventbus.SiteID, state eventbus.SiteState) []Step {
	var plan []Step

	if state.Mains == eventbus.MainsOff {
		plan = append(plan, Step{Kind: StepPowerOn, Site: site})
	}
	if state.Antenna1.Service != eventbus.ServiceAvailable {
		plan = append(plan, Step{Kind: StepRRUEnsure, Site: site, Antenna: eventbus.Antenna1})
	}
	if state.Antenna2.Service != eventbus.ServiceAvailable {
		plan = append(plan, Step{Kind: StepRRUEnsure, Site: site, Antenna: eventbus.Antenna2})
	}
	if state.Mains == eventbus.MainsOff && state.BatteryPercent < lowBatteryThreshold &&
		state.Antenna1.Service == eventbus.ServiceAvailable && state.Antenna2.Service == eventbus.ServiceAvailable {
		plan = append(plan, Step{Kind: StepRRUOff, Site: site, Antenna: eventbus.Antenna2})
	}

	return plan
}
