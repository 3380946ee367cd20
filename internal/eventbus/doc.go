// Copyright 2026 The towerctl Authors
// SPDX-License-Identifier: Apache-2.0

// Package eventbus defines the normalized event and snapshot vocabulary
// shared by the Tower Bridge, Delta Emitter, Incident Bus, Supervisor, and
// the three agents.
//
// [Snapshot] is the full fleet state as reported by the external tower
// simulator. [Event] is the tagged record that flows through the Incident
// Bus: an alarm raised or cleared, a service transition, a full-snapshot
// update, or a bus connectivity notice. Every Event carries a Timestamp
// string that is preserved verbatim from its source — see [Event] for why
// this must never be reparsed or reformatted.
package eventbus
