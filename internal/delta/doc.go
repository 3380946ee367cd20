// Copyright 2026 The towerctl Authors
// SPDX-License-Identifier: Apache-2.0

// Package delta implements the Delta Emitter (§4.2): a stateful diff over
// two successive compact views of the fleet snapshot that turns raw
// snapshots into discrete, normalized [eventbus.Event] values.
//
// [Emitter] is not safe for concurrent use — the Tower Bridge feeds it
// snapshots from a single goroutine, as required by §5's ordering
// guarantee.
package delta
