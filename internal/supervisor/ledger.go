// Copyright 2026 The towerctl Authors
// SPDX-License-Identifier: Apache-2.0

package supervisor

import (
	"sync"
	"time"
)

// Duplicate ledger sizing (§4.4.4).
const (
	ledgerTTL         = 60 * time.Second
	ledgerMaxEntries  = 5000
)

// duplicateLedger is the Supervisor's exact-duplicate-suppression
// index over event ids (§4.4.3 step 1, §4.4.4). An id seen within
// ledgerTTL of when it was last accepted is a duplicate (rejected
// sightings do not refresh that time); beyond that window the same
// literal event may be processed again.
type duplicateLedger struct {
	mu   sync.Mutex
	seen map[string]time.Time
}

func newDuplicateLedger() *duplicateLedger {
	return &duplicateLedger{seen: make(map[string]time.Time)}
}

// markOrReject records id as seen at now and reports true, unless id
// was already seen within ledgerTTL — in which case it reports false
// and leaves the ledger unchanged.
func (l *duplicateLedger) markOrReject(id string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if last, ok := l.seen[id]; ok && now.Sub(last) <= ledgerTTL {
		return false
	}

	l.seen[id] = now
	if len(l.seen) > ledgerMaxEntries {
		for existing, ts := range l.seen {
			if now.Sub(ts) > ledgerTTL {
				delete(l.seen, existing)
			}
		}
	}
	return true
}

// size reports the current number of ledger entries. Used by tests
// and the status summary.
func (l *duplicateLedger) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.seen)
}
