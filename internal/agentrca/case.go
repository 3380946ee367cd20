// Copyright 2026 The towerctl Authors
// SPDX-License-Identifier: Apache-2.0

package agentrca

import (
	"fmt"
	"strings"
	"time"

	"github.com/cellfleet/towerctl/internal/eventbus"
)

// Resolution values seen in practice (§3). Not an exhaustive enum —
// callers may record any short lowercase-or-Title string.
const (
	ResolutionInvestigating = "investigating"
	ResolutionRestored      = "restored"
	ResolutionStabilized    = "stabilized"
	ResolutionUnknown       = "unknown"
)

// dedupWindow suppresses a repeat of the same (siteId, cause,
// resolution) within this span (§3, §8).
const dedupWindow = 10 * time.Second

// noiseCauses mirrors Agent A's noise set (§4.7): causes that never
// warrant a case.
var noiseCauses = map[string]struct{}{
	"unknown":   {},
	"heartbeat": {},
	"noop":      {},
}

func isNoiseCause(cause string) bool {
	_, ok := noiseCauses[strings.ToLower(cause)]
	return ok
}

// Case is one RCA casebook entry (§3).
type Case struct {
	CorrelationID     string
	Timestamp         time.Time
	SiteID            eventbus.SiteID
	Cause             string
	Actions           []string
	Resolution        string
	Ongoing           bool
	DispatchSuggested bool
	Summary           string
}

func summarize(c Case) string {
	return fmt.Sprintf("%s: %s -> resolution=%s, actions=%d, ongoing=%v",
		c.SiteID, c.Cause, c.Resolution, len(c.Actions), c.Ongoing)
}
