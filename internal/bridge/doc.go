// Copyright 2026 The towerctl Authors
// SPDX-License-Identifier: Apache-2.0

// Package bridge implements the Tower Bridge (§4.1): the component that
// keeps the Delta Emitter and Incident Bus fed with fresh fleet state.
//
// Bridge maintains two independent feeds into the same Delta Emitter: a
// long-lived WebSocket stream for low-latency updates, and a periodic poll
// of the simulator's snapshot endpoint that keeps correlation alive across
// stream outages. Both feeds normalize to the same eventbus.Snapshot shape
// and share one Emitter, so a reconnecting stream and a polling tick never
// double-count a transition — whichever observes it first wins, and the
// other simply sees no change on its own next ingest.
package bridge
