// Copyright 2026 The towerctl Authors
// SPDX-License-Identifier: Apache-2.0

package control

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/cellfleet/towerctl/internal/eventbus"
	"github.com/cellfleet/towerctl/internal/supervisor"
)

// keepAliveInterval bounds how long an SSE stream may go without
// traffic before a ": keep-alive" comment line is sent.
const keepAliveInterval = 30 * time.Second

// sseWriter emits line-delimited Server-Sent Events, each data line
// prefixed "data: " per the SSE spec, flushing after every write.
type sseWriter struct {
	w http.ResponseWriter
	f http.Flusher
}

func newSSEWriter(w http.ResponseWriter) (*sseWriter, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, false
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return &sseWriter{w: w, f: flusher}, true
}

func (s *sseWriter) writeData(payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", data); err != nil {
		return err
	}
	s.f.Flush()
	return nil
}

func (s *sseWriter) writeComment(comment string) error {
	if _, err := fmt.Fprintf(s.w, ": %s\n\n", comment); err != nil {
		return err
	}
	s.f.Flush()
	return nil
}

// handleStreamBus serves GET /v1/stream/bus: every event published on
// the Incident Bus, as it happens.
func (s *Server) handleStreamBus(w http.ResponseWriter, r *http.Request) {
	sse, ok := newSSEWriter(w)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	sub := s.bus.Subscribe()
	defer sub.Close()

	ticker := s.clk.NewTicker(keepAliveInterval)
	defer ticker.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-sub.Events:
			if err := sse.writeData(evt); err != nil {
				return
			}
		case <-ticker.C:
			if err := sse.writeComment("keep-alive"); err != nil {
				return
			}
		}
	}
}

// handleStreamSnapshot serves GET /v1/stream/snapshot: the fleet
// snapshot enriched with the OnlineSince projection, re-emitted
// on every state.update event.
func (s *Server) handleStreamSnapshot(w http.ResponseWriter, r *http.Request) {
	sse, ok := newSSEWriter(w)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	sub := s.bus.Subscribe()
	defer sub.Close()

	if err := sse.writeData(s.projector.snapshot()); err != nil {
		return
	}

	ticker := s.clk.NewTicker(keepAliveInterval)
	defer ticker.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-sub.Events:
			if evt.Type != eventbus.EventStateUpdate {
				continue
			}
			if err := sse.writeData(s.projector.snapshot()); err != nil {
				return
			}
		case <-ticker.C:
			if err := sse.writeComment("keep-alive"); err != nil {
				return
			}
		}
	}
}

// handleStreamSupervisorLog serves GET /v1/stream/log/supervisor:
// every operator-visible Supervisor log line.
func (s *Server) handleStreamSupervisorLog(w http.ResponseWriter, r *http.Request) {
	s.streamLogRing(w, r, func(supervisor.LogEntry) bool { return true })
}

// handleStreamAgentLog serves GET /v1/stream/log/agent/{a|b|c}: the
// Supervisor log lines attributable to one agent, identified by the
// "agentA."/"agentB."/"agentC." prefix the Supervisor's orchestration
// logging already uses — there is no separate per-agent log ring, so
// this is a filtered view over the same ring.
func (s *Server) handleStreamAgentLog(w http.ResponseWriter, r *http.Request) {
	var prefix string
	switch mux.Vars(r)["agent"] {
	case "a":
		prefix = "agentA."
	case "b":
		prefix = "agentB."
	case "c":
		prefix = "agentC."
	default:
		http.Error(w, "unknown agent", http.StatusNotFound)
		return
	}

	s.streamLogRing(w, r, func(entry supervisor.LogEntry) bool {
		return strings.HasPrefix(entry.Line, prefix)
	})
}

func (s *Server) streamLogRing(w http.ResponseWriter, r *http.Request, include func(supervisor.LogEntry) bool) {
	sse, ok := newSSEWriter(w)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	sub := s.supervisor.SubscribeLogs()
	defer sub.Close()

	ticker := s.clk.NewTicker(keepAliveInterval)
	defer ticker.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case entry := <-sub.C:
			if !include(entry) {
				continue
			}
			if err := sse.writeData(entry); err != nil {
				return
			}
		case <-ticker.C:
			if err := sse.writeComment("keep-alive"); err != nil {
				return
			}
		}
	}
}
