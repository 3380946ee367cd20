// Copyright 2026 The towerctl Authors
// SPDX-License-Identifier: Apache-2.0

package control

import (
	"context"
	"sync"
	"time"

	"github.com/cellfleet/towerctl/internal/bus"
	"github.com/cellfleet/towerctl/internal/clock"
	"github.com/cellfleet/towerctl/internal/eventbus"
)

// SiteProjection is one site's entry in the control API's enriched
// snapshot view: the core SiteState plus a derived OnlineSince value
// (§3's resolved Open Question).
type SiteProjection struct {
	eventbus.SiteState
	OnlineSince *string `json:"onlineSince,omitempty"`
}

// snapshotProjector is a pure projection over Bus state.update events.
// It does not belong in the core snapshot/delta model (internal/delta,
// internal/eventbus) because it is a side UI concern layered on top of
// core state — it lives in internal/control instead.
type snapshotProjector struct {
	bus *bus.Bus
	clk clock.Clock

	mu    sync.Mutex
	sites map[eventbus.SiteID]*siteOnline
}

type siteOnline struct {
	state       eventbus.SiteState
	onlineSince *string
}

func newSnapshotProjector(b *bus.Bus, clk clock.Clock) *snapshotProjector {
	return &snapshotProjector{
		bus:   b,
		clk:   clk,
		sites: make(map[eventbus.SiteID]*siteOnline),
	}
}

// run subscribes to the Bus and applies every state.update event until
// ctx is cancelled.
func (p *snapshotProjector) run(ctx context.Context) {
	sub := p.bus.Subscribe()
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-sub.Events:
			if evt.Type != eventbus.EventStateUpdate || evt.Snapshot == nil {
				continue
			}
			p.apply(evt.Snapshot)
		}
	}
}

// apply folds a new snapshot into the projection: a site transitioning
// to fully-online (mains on, alive) for the first time since it was
// last seen offline gets OnlineSince set to the current time; a site
// that drops offline clears it.
func (p *snapshotProjector) apply(snapshot eventbus.Snapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for site, state := range snapshot {
		entry, ok := p.sites[site]
		if !ok {
			entry = &siteOnline{}
			p.sites[site] = entry
		}

		online := state.Mains == eventbus.MainsOn && state.SiteAlive
		wasOnline := entry.onlineSince != nil
		entry.state = state

		switch {
		case online && !wasOnline:
			ts := p.clk.Now().UTC().Format(time.RFC3339)
			entry.onlineSince = &ts
		case !online:
			entry.onlineSince = nil
		}
	}
}

// snapshot returns the current projected view of every known site.
func (p *snapshotProjector) snapshot() map[eventbus.SiteID]SiteProjection {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make(map[eventbus.SiteID]SiteProjection, len(p.sites))
	for site, entry := range p.sites {
		out[site] = SiteProjection{SiteState: entry.state, OnlineSince: entry.onlineSince}
	}
	return out
}
