// Copyright 2026 The towerctl Authors
// SPDX-License-Identifier: Apache-2.0

// Package bus implements the Incident Bus (§4.3): an in-process,
// bounded-memory publish/subscribe channel for [eventbus.Event] values.
//
// Publishers never block on slow subscribers — a subscriber that falls
// behind simply misses events, the same way a new subscriber only
// receives a short backlog rather than full history.
package bus
