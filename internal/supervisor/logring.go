// Copyright 2026 The towerctl Authors
// SPDX-License-Identifier: Apache-2.0

package supervisor

import (
	"fmt"
	"sync"
	"time"

	"github.com/cellfleet/towerctl/internal/clock"
)

// logRingCapacity bounds the operator-visible log ring (§4.4.5).
const logRingCapacity = 2000

// logSubscriberBuffer is the channel capacity for each log
// subscription. A subscriber that falls this far behind misses lines
// rather than stalling the appender.
const logSubscriberBuffer = 64

// LogEntry is one timestamped operator-visible log line (§4.4.5).
type LogEntry struct {
	Timestamp string
	Line      string
}

// LogSubscription delivers newly appended entries. Call Close when done.
type LogSubscription struct {
	ring *logRing
	C    chan LogEntry
}

// Close deregisters the subscription. Safe to call more than once.
func (s *LogSubscription) Close() {
	s.ring.removeSubscriber(s)
}

// logRing is a bounded, fan-out ring buffer of operator log lines.
type logRing struct {
	clk clock.Clock

	mu      sync.Mutex
	entries []LogEntry

	subMu sync.Mutex
	subs  map[*LogSubscription]struct{}
}

func newLogRing(clk clock.Clock) *logRing {
	return &logRing{clk: clk, subs: make(map[*LogSubscription]struct{})}
}

// Append formats and appends a line, evicting the oldest entry if the
// ring is at capacity, and fans it out to every attached subscriber.
// A subscriber whose channel is full misses the line — writes never
// block the appender (§4.4.5).
func (r *logRing) Append(format string, args ...any) LogEntry {
	entry := LogEntry{
		Timestamp: r.clk.Now().UTC().Format(time.RFC3339),
		Line:      fmt.Sprintf(format, args...),
	}

	r.mu.Lock()
	r.entries = append(r.entries, entry)
	if len(r.entries) > logRingCapacity {
		r.entries = r.entries[len(r.entries)-logRingCapacity:]
	}
	r.mu.Unlock()

	r.subMu.Lock()
	defer r.subMu.Unlock()
	for sub := range r.subs {
		select {
		case sub.C <- entry:
		default:
		}
	}
	return entry
}

// Recent returns up to n of the most recent entries, oldest first. If
// n <= 0 the full ring is returned.
func (r *logRing) Recent(n int) []LogEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n <= 0 || n > len(r.entries) {
		n = len(r.entries)
	}
	start := len(r.entries) - n
	out := make([]LogEntry, n)
	copy(out, r.entries[start:])
	return out
}

// Subscribe registers a new log subscription. The caller must call
// Close on the returned LogSubscription when finished.
func (r *logRing) Subscribe() *LogSubscription {
	sub := &LogSubscription{ring: r, C: make(chan LogEntry, logSubscriberBuffer)}
	r.subMu.Lock()
	r.subs[sub] = struct{}{}
	r.subMu.Unlock()
	return sub
}

func (r *logRing) removeSubscriber(sub *LogSubscription) {
	r.subMu.Lock()
	delete(r.subs, sub)
	r.subMu.Unlock()
}
