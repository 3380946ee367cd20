// Copyright 2026 The towerctl Authors
// SPDX-License-Identifier: Apache-2.0

// Package policy implements the Policy Store (§3, §4 "Policy store"):
// a small set of validated, enum-constrained operator settings that
// Supervisor and Agents A/B consult at decision time.
//
// Mutations are canonicalized case-insensitively against fixed enum
// sets; a rejected patch leaves the stored document completely
// unchanged, including its version. Every accepted mutation persists
// the document to disk and notifies subscribers.
package policy
