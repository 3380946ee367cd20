// Copyright 2026 The towerctl Authors
// SPDX-License-Identifier: Apache-2.0

// Package agenttroubleshoot implements Agent B (§4.6): given a site,
// detects active alarms from its current snapshot, builds an ordered
// recovery plan, and — when policy allows — executes it, including the
// bounded radio-heal retry loop and the follow-up alarm sweeps.
package agenttroubleshoot
