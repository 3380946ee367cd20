// Copyright 2026 The towerctl Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides configuration loading for towerctl.
//
// Configuration is loaded from a single file specified by the
// TOWERCTL_CONFIG environment variable or a --config flag. There are no
// fallbacks or automatic discovery: this keeps deployment deterministic
// and auditable, exactly as the orchestrator's policy document is the only
// source of policy state (see internal/policy).
package config
