// Copyright 2026 The towerctl Authors
// SPDX-License-Identifier: Apache-2.0

// Package agentcorrelation implements Agent A (§4.5): per-site windowed
// correlation of alarm and service events into open and closed
// incidents, filtered by noise rejection and the Policy Store's
// alarm-prioritization setting.
package agentcorrelation
