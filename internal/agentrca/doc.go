// Copyright 2026 The towerctl Authors
// SPDX-License-Identifier: Apache-2.0

// Package agentrca implements Agent C (§4.7): a pure recording and
// summarization component that appends root-cause cases to a
// casebook, applying noise rejection and a short dedup window, and
// composes field-dispatch emails from the most recent unresolved case
// for a site.
package agentrca
