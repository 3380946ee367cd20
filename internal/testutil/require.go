// Copyright 2026 The towerctl Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared test helpers for towerctl packages.
//
// [RequireReceive] and [RequireNoReceive] encapsulate the timeout safety
// valve pattern (select with time.After fallback) so that individual
// tests do not need direct time.After calls — one for waiting on a
// value, the other for asserting none arrives.
package testutil

import (
	"fmt"
	"time"
)

// RequireReceive reads one value from ch within timeout, or fails the
// test naming what it was waiting for.
func RequireReceive[T any](t interface {
	Helper()
	Fatalf(format string, args ...any)
}, ch <-chan T, timeout time.Duration, msgAndArgs ...any) T {
	t.Helper()
	select {
	case v, ok := <-ch:
		if !ok {
			t.Fatalf("%s: channel closed without a value", formatMessage(msgAndArgs))
		}
		return v
	case <-time.After(timeout):
		t.Fatalf("%s: nothing received after %v", formatMessage(msgAndArgs), timeout)
	}
	panic("unreachable")
}

// RequireNoReceive fails the test if a value arrives on ch before quiet
// elapses. Use this to assert suppression behavior — a dedup window, a
// paused supervisor, a noise filter — where the absence of a signal is
// the thing under test.
func RequireNoReceive[T any](t interface {
	Helper()
	Fatalf(format string, args ...any)
}, ch <-chan T, quiet time.Duration, msgAndArgs ...any) {
	t.Helper()
	select {
	case v := <-ch:
		t.Fatalf("%s: received unexpected value %v within %v", formatMessage(msgAndArgs), v, quiet)
	case <-time.After(quiet):
	}
}

func formatMessage(msgAndArgs []any) string {
	if len(msgAndArgs) == 0 {
		return "(no message)"
	}
	if len(msgAndArgs) == 1 {
		if s, ok := msgAndArgs[0].(string); ok {
			return s
		}
		return fmt.Sprintf("%v", msgAndArgs[0])
	}
	if format, ok := msgAndArgs[0].(string); ok {
		return fmt.Sprintf(format, msgAndArgs[1:]...)
	}
	return fmt.Sprintf("%v", msgAndArgs)
}
