// Copyright 2026 The towerctl Authors
// SPDX-License-Identifier: Apache-2.0

package policy

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/cellfleet/towerctl/internal/clock"
)

func defaultDoc() Document {
	return Document{
		AlarmPrioritization: CriticalFirst,
		WaysOfWorking:       HumanAtCritical,
		KPIAlignment:        KPI95,
		Version:             1,
		Source:              "bootstrap",
	}
}

func strPtr(s string) *string { return &s }

func TestPatch_AcceptedMutationIncrementsVersion(t *testing.T) {
	t.Parallel()

	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	s := New(filepath.Join(t.TempDir(), "policy.yaml"), defaultDoc(), clk)

	got, err := s.Patch(Patch{AlarmPrioritization: strPtr("adaptive correlation"), Source: "operator"})
	if err != nil {
		t.Fatalf("Patch: %v", err)
	}
	if got.AlarmPrioritization != AdaptiveCorrelation {
		t.Errorf("expected canonicalized %q, got %q", AdaptiveCorrelation, got.AlarmPrioritization)
	}
	if got.Version != 2 {
		t.Errorf("expected version 2, got %d", got.Version)
	}
	if got.Source != "operator" {
		t.Errorf("expected source=operator, got %s", got.Source)
	}
}

func TestPatch_RejectedMutationLeavesStateUnchanged(t *testing.T) {
	t.Parallel()

	s := New(filepath.Join(t.TempDir(), "policy.yaml"), defaultDoc(), clock.NewReal())
	before := s.Get()

	_, err := s.Patch(Patch{AlarmPrioritization: strPtr("not a real value")})
	if err == nil {
		t.Fatal("expected error for unknown enum value")
	}

	after := s.Get()
	if after != before {
		t.Errorf("expected state unchanged after rejected patch, got %+v (was %+v)", after, before)
	}
}

func TestPatch_PersistsToStateFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "policy.yaml")
	s := New(path, defaultDoc(), clock.NewReal())

	if _, err := s.Patch(Patch{WaysOfWorking: strPtr("e2e automation")}); err != nil {
		t.Fatalf("Patch: %v", err)
	}

	reloaded, err := Load(path, defaultDoc(), clock.NewReal())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := reloaded.Get().WaysOfWorking; got != E2EAutomation {
		t.Errorf("expected persisted waysOfWorking=%q, got %q", E2EAutomation, got)
	}
}

func TestLoad_SeedsStateFileWhenMissing(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "nested", "policy.yaml")
	s, err := Load(path, defaultDoc(), clock.NewReal())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := s.Get().Version; got != 1 {
		t.Errorf("expected seeded version 1, got %d", got)
	}

	// The file should now exist and be reloadable.
	if _, err := Load(path, defaultDoc(), clock.NewReal()); err != nil {
		t.Fatalf("reload after seeding: %v", err)
	}
}

func TestSubscribe_NotifiedOnAcceptedMutationOnly(t *testing.T) {
	t.Parallel()

	s := New(filepath.Join(t.TempDir(), "policy.yaml"), defaultDoc(), clock.NewReal())
	sub := s.Subscribe()
	defer sub.Close()

	if _, err := s.Patch(Patch{KPIAlignment: strPtr("not valid")}); err == nil {
		t.Fatal("expected rejected patch")
	}
	select {
	case doc := <-sub.C:
		t.Fatalf("expected no notification for rejected patch, got %+v", doc)
	case <-time.After(50 * time.Millisecond):
	}

	if _, err := s.Patch(Patch{KPIAlignment: strPtr("75%")}); err != nil {
		t.Fatalf("Patch: %v", err)
	}
	select {
	case doc := <-sub.C:
		if doc.KPIAlignment != KPI75 {
			t.Errorf("expected notified doc KPIAlignment=75%%, got %s", doc.KPIAlignment)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for notification on accepted patch")
	}
}
