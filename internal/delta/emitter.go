// Copyright 2026 The towerctl Authors
// SPDX-License-Identifier: Apache-2.0

package delta

import (
	"sort"

	"github.com/cellfleet/towerctl/internal/eventbus"
)

// serviceView is the compact per-site service state the Emitter diffs
// across ingests.
type serviceView struct {
	antenna1 eventbus.ServiceState
	antenna2 eventbus.ServiceState
}

// Emitter maintains the last known compact views of the fleet snapshot
// and converts successive snapshots into discrete normalized events
// (§4.2). The zero value is ready to use.
type Emitter struct {
	// BootstrapEmit controls whether the very first Ingest call
	// synthesizes alarm.raised events (with Bootstrap=true) for every
	// alarm already present, rather than silently adopting the initial
	// state (§9 Design Note). Defaults to false (the zero value); set
	// explicitly via NewEmitter.
	bootstrapEmit bool

	hasPrior bool
	alarms   map[eventbus.SiteID]map[eventbus.AlarmCode]struct{}
	services map[eventbus.SiteID]serviceView
}

// NewEmitter creates an Emitter with no prior state. bootstrapEmit
// controls the behavior of the very first Ingest call (§4.2, §9).
func NewEmitter(bootstrapEmit bool) *Emitter {
	return &Emitter{bootstrapEmit: bootstrapEmit}
}

// Reset discards all prior state so that the next Ingest call behaves
// like the first ever call. The Tower Bridge calls this on every new
// stream connection so that reconnecting never emits events for state
// that predates the connection (§4.1).
func (e *Emitter) Reset() {
	e.hasPrior = false
	e.alarms = nil
	e.services = nil
}

// Ingest diffs newSnapshot against the previously stored view and
// returns the events that describe the difference. All returned events
// carry the given timestamp string verbatim (§3 invariant, §4.2: "timestamps
// assigned inside the call are equal for all emissions of that call").
//
// Ordering: within one call, all alarm.raised events come first (sorted
// ascending by site, then by alarm code), then all alarm.cleared events
// (same ordering), then all service.changed events (sorted ascending by
// site, then antenna1 before antenna2) — §4.2.
func (e *Emitter) Ingest(newSnapshot eventbus.Snapshot, timestamp, source string) []eventbus.Event {
	nextAlarms := make(map[eventbus.SiteID]map[eventbus.AlarmCode]struct{}, len(newSnapshot))
	nextServices := make(map[eventbus.SiteID]serviceView, len(newSnapshot))
	for site, state := range newSnapshot {
		alarmSet := make(map[eventbus.AlarmCode]struct{}, len(state.Alarms))
		for code := range state.Alarms {
			alarmSet[code] = struct{}{}
		}
		nextAlarms[site] = alarmSet
		nextServices[site] = serviceView{
			antenna1: state.Antenna1.Service,
			antenna2: state.Antenna2.Service,
		}
	}

	var events []eventbus.Event

	if !e.hasPrior {
		if e.bootstrapEmit {
			for _, site := range sortedSites(nextAlarms) {
				for _, alarm := range sortedAlarms(nextAlarms[site]) {
					events = append(events, eventbus.Event{
						Type:      eventbus.EventAlarmRaised,
						SiteID:    site,
						Alarm:     alarm,
						Timestamp: timestamp,
						Source:    source,
						Bootstrap: true,
					})
				}
			}
		}
		e.alarms = nextAlarms
		e.services = nextServices
		e.hasPrior = true
		return events
	}

	sites := unionSites(e.alarms, e.services, nextAlarms, nextServices)

	for _, site := range sites {
		prevAlarms := e.alarms[site]
		nextSiteAlarms := nextAlarms[site]
		for _, alarm := range sortedAlarms(nextSiteAlarms) {
			if _, existed := prevAlarms[alarm]; !existed {
				events = append(events, eventbus.Event{
					Type:      eventbus.EventAlarmRaised,
					SiteID:    site,
					Alarm:     alarm,
					Timestamp: timestamp,
					Source:    source,
				})
			}
		}
	}

	for _, site := range sites {
		prevAlarms := e.alarms[site]
		nextSiteAlarms := nextAlarms[site]
		for _, alarm := range sortedAlarms(prevAlarms) {
			if _, stillPresent := nextSiteAlarms[alarm]; !stillPresent {
				events = append(events, eventbus.Event{
					Type:      eventbus.EventAlarmCleared,
					SiteID:    site,
					Alarm:     alarm,
					Timestamp: timestamp,
					Source:    source,
				})
			}
		}
	}

	for _, site := range sites {
		prevService := e.services[site]
		nextService := nextServices[site]
		if prevService.antenna1 != nextService.antenna1 {
			events = append(events, eventbus.Event{
				Type:      eventbus.EventServiceChanged,
				SiteID:    site,
				Antenna:   eventbus.Antenna1,
				From:      prevService.antenna1,
				To:        nextService.antenna1,
				Timestamp: timestamp,
				Source:    source,
			})
		}
		if prevService.antenna2 != nextService.antenna2 {
			events = append(events, eventbus.Event{
				Type:      eventbus.EventServiceChanged,
				SiteID:    site,
				Antenna:   eventbus.Antenna2,
				From:      prevService.antenna2,
				To:        nextService.antenna2,
				Timestamp: timestamp,
				Source:    source,
			})
		}
	}

	// Atomic replacement relative to further ingests: only visible once
	// this call returns.
	e.alarms = nextAlarms
	e.services = nextServices

	return events
}

func sortedSites(m map[eventbus.SiteID]map[eventbus.AlarmCode]struct{}) []eventbus.SiteID {
	sites := make([]eventbus.SiteID, 0, len(m))
	for site := range m {
		sites = append(sites, site)
	}
	sort.Slice(sites, func(i, j int) bool { return sites[i] < sites[j] })
	return sites
}

func sortedAlarms(m map[eventbus.AlarmCode]struct{}) []eventbus.AlarmCode {
	alarms := make([]eventbus.AlarmCode, 0, len(m))
	for alarm := range m {
		alarms = append(alarms, alarm)
	}
	sort.Slice(alarms, func(i, j int) bool { return alarms[i] < alarms[j] })
	return alarms
}

func unionSites(
	prevAlarms map[eventbus.SiteID]map[eventbus.AlarmCode]struct{},
	prevServices map[eventbus.SiteID]serviceView,
	nextAlarms map[eventbus.SiteID]map[eventbus.AlarmCode]struct{},
	nextServices map[eventbus.SiteID]serviceView,
) []eventbus.SiteID {
	seen := make(map[eventbus.SiteID]struct{})
	for _, m := range []map[eventbus.SiteID]map[eventbus.AlarmCode]struct{}{prevAlarms, nextAlarms} {
		for site := range m {
			seen[site] = struct{}{}
		}
	}
	for _, m := range []map[eventbus.SiteID]serviceView{prevServices, nextServices} {
		for site := range m {
			seen[site] = struct{}{}
		}
	}
	sites := make([]eventbus.SiteID, 0, len(seen))
	for site := range seen {
		sites = append(sites, site)
	}
	sort.Slice(sites, func(i, j int) bool { return sites[i] < sites[j] })
	return sites
}
