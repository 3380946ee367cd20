// Copyright 2026 The towerctl Authors
// SPDX-License-Identifier: Apache-2.0

package control

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/cellfleet/towerctl/internal/eventbus"
	"github.com/cellfleet/towerctl/internal/policy"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// handleSummary serves GET /v1/summary (§6).
func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.supervisor.Summary())
}

// handleLifecycle serves POST /v1/lifecycle/{start|stop|pause|resume} (§6).
func (s *Server) handleLifecycle(w http.ResponseWriter, r *http.Request) {
	action := mux.Vars(r)["action"]

	var result string
	switch action {
	case "start":
		result = s.supervisor.Start()
	case "stop":
		result = s.supervisor.Stop()
	case "pause":
		result = s.supervisor.Pause()
	case "resume":
		result = s.supervisor.Resume()
	default:
		writeJSONError(w, http.StatusNotFound, "unknown lifecycle action "+action)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"action": action, "result": result})
}

// handleNote serves POST /v1/note, body {"message": "..."} (§6).
func (s *Server) handleNote(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Message string `json:"message"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	s.supervisor.Note(body.Message)
	writeJSON(w, http.StatusOK, map[string]string{"ok": "true"})
}

// handleApprovalsList serves GET /v1/approvals (§6).
func (s *Server) handleApprovalsList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.supervisor.ApprovalsList())
}

// handleApprovalsResolve serves POST /v1/approvals/{id}/{approve|reject} (§6).
func (s *Server) handleApprovalsResolve(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	id := vars["id"]
	decision := vars["decision"]

	switch decision {
	case "approve", "reject":
	default:
		writeJSONError(w, http.StatusNotFound, "unknown decision "+decision)
		return
	}

	approval, ok := s.supervisor.ResolveApproval(id, decision)
	if !ok {
		writeJSONError(w, http.StatusNotFound, "no pending approval with id "+id)
		return
	}
	writeJSON(w, http.StatusOK, approval)
}

// handlePolicyGet serves GET /v1/policy (§6).
func (s *Server) handlePolicyGet(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.policy.Get())
}

// policyPatchRequest is the JSON shape of a PATCH /v1/policy body.
type policyPatchRequest struct {
	AlarmPrioritization *string `json:"alarm_prioritization"`
	WaysOfWorking       *string `json:"ways_of_working"`
	KPIAlignment        *string `json:"kpi_alignment"`
}

// handlePolicyPatch serves PATCH /v1/policy. An invalid enum value
// leaves policy.version unchanged and returns 400 (§8).
func (s *Server) handlePolicyPatch(w http.ResponseWriter, r *http.Request) {
	var body policyPatchRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	doc, err := s.policy.Patch(policy.Patch{
		AlarmPrioritization: body.AlarmPrioritization,
		WaysOfWorking:       body.WaysOfWorking,
		KPIAlignment:        body.KPIAlignment,
		Source:              "control-api",
	})
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, doc)
}

// handleAutoGet serves GET /v1/auto (§6).
func (s *Server) handleAutoGet(w http.ResponseWriter, r *http.Request) {
	summary := s.supervisor.Summary()
	writeJSON(w, http.StatusOK, map[string]bool{
		"manual_auto_toggle": summary.ManualAutoToggle,
		"auto_effective":     summary.AutoEffective,
	})
}

// handleAutoPut serves PUT /v1/auto, body {"on": true|false} (§6).
func (s *Server) handleAutoPut(w http.ResponseWriter, r *http.Request) {
	var body struct {
		On bool `json:"on"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	s.supervisor.SetManualAutoToggle(body.On)
	writeJSON(w, http.StatusOK, map[string]bool{"manual_auto_toggle": body.On})
}

// handleDispatchSend serves POST /v1/dispatch/{site}: composes the
// most recent unresolved case's field-dispatch email (Agent C) and
// sends it over the configured transport. Both AgentC and Dispatch
// must be configured; this surface is optional ambient wiring, not a
// core operation (§1, §6).
func (s *Server) handleDispatchSend(w http.ResponseWriter, r *http.Request) {
	site := eventbus.SiteID(mux.Vars(r)["site"])

	if s.agentC == nil || s.dispatch == nil {
		writeJSONError(w, http.StatusNotImplemented, "field dispatch is not configured")
		return
	}

	email, ok, reason := s.agentC.ComposeDispatchEmail(r.Context(), site)
	if !ok {
		writeJSONError(w, http.StatusConflict, reason)
		return
	}

	if err := s.dispatch.Send(r.Context(), email); err != nil {
		writeJSONError(w, http.StatusBadGateway, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"subject": email.Subject})
}
