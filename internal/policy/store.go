// Copyright 2026 The towerctl Authors
// SPDX-License-Identifier: Apache-2.0

package policy

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/cellfleet/towerctl/internal/clock"
)

// AlarmPrioritization values (§3).
const (
	CriticalFirst       = "Critical First"
	AdaptiveCorrelation = "Adaptive Correlation"
)

// WaysOfWorking values (§3).
const (
	E2EAutomation  = "E2E automation"
	HumanAtCritical = "Human intervention at critical steps"
)

// KPIAlignment values (§3).
const (
	KPI95 = ">95%"
	KPI75 = "75%"
)

var (
	alarmPrioritizationValues = []string{CriticalFirst, AdaptiveCorrelation}
	waysOfWorkingValues       = []string{E2EAutomation, HumanAtCritical}
	kpiAlignmentValues        = []string{KPI95, KPI75}
)

// Document is the Policy Store's complete state (§3).
type Document struct {
	AlarmPrioritization string `yaml:"alarm_prioritization"`
	WaysOfWorking       string `yaml:"ways_of_working"`
	KPIAlignment        string `yaml:"kpi_alignment"`
	UpdatedAt           string `yaml:"updated_at"`
	Version             int    `yaml:"version"`
	Source              string `yaml:"source"`
}

// Patch describes a requested mutation. Any field left nil is
// unchanged. Every non-nil field is canonicalized case-insensitively
// against its enum set before being accepted.
type Patch struct {
	AlarmPrioritization *string
	WaysOfWorking       *string
	KPIAlignment        *string
	Source              string
}

// Store is the Policy Store. The zero value is not usable; construct
// with New or Load.
//
// All methods are safe for concurrent use.
type Store struct {
	stateFile string
	clk       clock.Clock

	mu  sync.Mutex
	doc Document

	subMu sync.Mutex
	subs  map[*Subscription]struct{}
}

// Subscription delivers the current Document every time an accepted
// mutation changes it. Call Close when done.
type Subscription struct {
	store *Store
	C     chan Document
}

// Close deregisters the subscription.
func (s *Subscription) Close() {
	s.store.subMu.Lock()
	delete(s.store.subs, s)
	s.store.subMu.Unlock()
}

// New creates a Store seeded with the given initial document and
// persisted to stateFile. Used the first time a daemon starts against
// a state file that does not yet exist.
func New(stateFile string, initial Document, clk clock.Clock) *Store {
	if clk == nil {
		clk = clock.NewReal()
	}
	return &Store{
		stateFile: stateFile,
		clk:       clk,
		doc:       initial,
		subs:      make(map[*Subscription]struct{}),
	}
}

// Load reads the persisted document from stateFile if it exists, or
// seeds and persists a fresh one from the given defaults otherwise.
func Load(stateFile string, defaults Document, clk clock.Clock) (*Store, error) {
	s := New(stateFile, defaults, clk)

	data, err := os.ReadFile(stateFile)
	if os.IsNotExist(err) {
		if writeErr := s.persistLocked(); writeErr != nil {
			return nil, fmt.Errorf("policy: seeding state file: %w", writeErr)
		}
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("policy: reading state file %s: %w", stateFile, err)
	}

	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("policy: parsing state file %s: %w", stateFile, err)
	}
	s.doc = doc
	return s, nil
}

// Get returns the current policy document.
func (s *Store) Get() Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc
}

// Patch applies a validated mutation. On success, the stored document's
// version is the prior version + 1 and the returned Document is the
// new state. On validation failure, the stored document is completely
// unchanged (§3, §8) and err describes the rejected field.
func (s *Store) Patch(p Patch) (Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.doc

	if p.AlarmPrioritization != nil {
		canon, err := canonicalize(*p.AlarmPrioritization, alarmPrioritizationValues)
		if err != nil {
			return s.doc, fmt.Errorf("policy: alarmPrioritization: %w", err)
		}
		next.AlarmPrioritization = canon
	}
	if p.WaysOfWorking != nil {
		canon, err := canonicalize(*p.WaysOfWorking, waysOfWorkingValues)
		if err != nil {
			return s.doc, fmt.Errorf("policy: waysOfWorking: %w", err)
		}
		next.WaysOfWorking = canon
	}
	if p.KPIAlignment != nil {
		canon, err := canonicalize(*p.KPIAlignment, kpiAlignmentValues)
		if err != nil {
			return s.doc, fmt.Errorf("policy: kpiAlignment: %w", err)
		}
		next.KPIAlignment = canon
	}

	next.Version = s.doc.Version + 1
	next.UpdatedAt = s.clk.Now().UTC().Format("2006-01-02T15:04:05Z")
	next.Source = p.Source

	s.doc = next

	if err := s.persistLocked(); err != nil {
		return s.doc, fmt.Errorf("policy: persisting state file: %w", err)
	}

	s.notify(next)
	return next, nil
}

// Subscribe registers a new subscription. The caller must call Close
// on the returned Subscription when finished.
func (s *Store) Subscribe() *Subscription {
	sub := &Subscription{store: s, C: make(chan Document, 4)}
	s.subMu.Lock()
	s.subs[sub] = struct{}{}
	s.subMu.Unlock()
	return sub
}

func (s *Store) notify(doc Document) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for sub := range s.subs {
		select {
		case sub.C <- doc:
		default:
		}
	}
}

// persistLocked atomically writes s.doc to s.stateFile. Caller must
// hold s.mu.
func (s *Store) persistLocked() error {
	if s.stateFile == "" {
		return nil
	}
	data, err := yaml.Marshal(s.doc)
	if err != nil {
		return fmt.Errorf("marshaling policy document: %w", err)
	}

	dir := filepath.Dir(s.stateFile)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating policy directory: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, "policy-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp policy file: %w", err)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		return fmt.Errorf("writing policy data: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("closing temp policy file: %w", err)
	}
	if err := os.Rename(tmpPath, s.stateFile); err != nil {
		return fmt.Errorf("renaming policy file: %w", err)
	}

	success = true
	return nil
}

// canonicalize matches value against allowed case-insensitively and
// returns the canonical (declared) spelling.
func canonicalize(value string, allowed []string) (string, error) {
	for _, candidate := range allowed {
		if strings.EqualFold(value, candidate) {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("unknown value %q (expected one of %s)", value, strings.Join(allowed, ", "))
}
