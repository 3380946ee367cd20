// Copyright 2026 The towerctl Authors
// SPDX-License-Identifier: Apache-2.0

// Package supervisor implements the orchestrator (§4.4): a lifecycle
// state machine that consumes events from the Incident Bus and drives
// Agents A, B, and C through the per-event orchestration algorithm,
// maintaining a duplicate-suppression ledger, a bounded operator log
// ring, and a human-in-the-loop approvals queue.
package supervisor
