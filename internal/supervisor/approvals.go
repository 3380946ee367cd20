// Copyright 2026 The towerctl Authors
// SPDX-License-Identifier: Apache-2.0

package supervisor

import (
	"strconv"
	"sync"
	"time"

	"github.com/cellfleet/towerctl/internal/agenttroubleshoot"
	"github.com/cellfleet/towerctl/internal/clock"
	"github.com/cellfleet/towerctl/internal/eventbus"
)

// Decision values describing a resolved approval (§4.4.6, §6).
// ResolveApproval logs its decision argument verbatim and does not
// check it against these.
const (
	DecisionApproved = "approved"
	DecisionRejected = "rejected"
)

// Approval is a pending human-in-the-loop recovery plan awaiting a
// decision (§3, §4.4.6).
type Approval struct {
	ID            string
	SiteID        eventbus.SiteID
	Actions       []agenttroubleshoot.Step
	Reason        string
	CreatedAt     string
	PolicyVersion int
}

// approvalQueue holds pending approvals, assigning monotonic string
// ids and removing each item exactly once on resolution.
type approvalQueue struct {
	clk clock.Clock

	mu      sync.Mutex
	nextID  int
	pending []Approval
}

func newApprovalQueue(clk clock.Clock) *approvalQueue {
	return &approvalQueue{clk: clk}
}

// Enqueue creates and stores a new pending approval, recording the
// policy version in effect at enqueue time (§4.4 additions).
func (q *approvalQueue) Enqueue(site eventbus.SiteID, actions []agenttroubleshoot.Step, reason string, policyVersion int) Approval {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.nextID++
	approval := Approval{
		ID:            strconv.Itoa(q.nextID),
		SiteID:        site,
		Actions:       append([]agenttroubleshoot.Step(nil), actions...),
		Reason:        reason,
		CreatedAt:     q.clk.Now().UTC().Format(time.RFC3339),
		PolicyVersion: policyVersion,
	}
	q.pending = append(q.pending, approval)
	return approval
}

// List returns a copy of every pending approval, oldest first.
func (q *approvalQueue) List() []Approval {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Approval, len(q.pending))
	copy(out, q.pending)
	return out
}

// Resolve removes the approval with id, if present, and reports it.
// Idempotent: resolving an id that is no longer pending (already
// resolved, or never existed) reports ok=false without error.
func (q *approvalQueue) Resolve(id string) (Approval, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, approval := range q.pending {
		if approval.ID == id {
			q.pending = append(q.pending[:i:i], q.pending[i+1:]...)
			return approval, true
		}
	}
	return Approval{}, false
}
