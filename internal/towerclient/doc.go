// Copyright 2026 The towerctl Authors
// SPDX-License-Identifier: Apache-2.0

// Package towerclient is the HTTP client for the external tower
// simulator (§6): snapshot retrieval, mains power control, RRU (radio
// remote unit) control, and scenario injection.
//
// Every request is bounded by a per-request timeout and a small retry
// budget on transient failures (non-2xx responses and network errors).
// Retries never mask a permanent failure — after the budget is exhausted
// the error is returned to the caller, who decides how to proceed (Agent
// B treats device failures as "still unavailable on the next read" rather
// than crashing).
package towerclient
