// Copyright 2026 The towerctl Authors
// SPDX-License-Identifier: Apache-2.0

package control

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/cellfleet/towerctl/internal/codec"
	"github.com/cellfleet/towerctl/internal/eventbus"
	"github.com/cellfleet/towerctl/internal/policy"
)

// ActionFunc processes one socket request: a single CBOR
// request/response per connection, actions registered by name. The raw
// parameter is the full CBOR request map; handlers decode
// action-specific fields from it themselves.
type ActionFunc func(ctx context.Context, raw []byte) (any, error)

// socketResponse is the wire envelope for every socket response.
type socketResponse struct {
	OK    bool             `cbor:"ok"`
	Error string           `cbor:"error,omitempty"`
	Data  codec.RawMessage `cbor:"data,omitempty"`
}

const (
	socketReadTimeout  = 30 * time.Second
	socketWriteTimeout = 10 * time.Second
	maxSocketRequest   = 1024 * 1024
)

// socketServer serves the control socket protocol used between
// cmd/towerctl and cmd/towerctl-daemon. One CBOR request/response per
// connection.
type socketServer struct {
	socketPath string
	handlers   map[string]ActionFunc

	activeConnections sync.WaitGroup
}

func (s *Server) newSocketServer() *socketServer {
	server := &socketServer{
		socketPath: s.socketPath,
		handlers:   make(map[string]ActionFunc),
	}
	server.registerActions(s)
	return server
}

// registerActions wires every socket action to the corresponding
// Supervisor/Policy operation. No business logic beyond field
// decoding and return-shaping lives here.
func (s *socketServer) registerActions(srv *Server) {
	s.Handle("lifecycle.start", func(ctx context.Context, raw []byte) (any, error) {
		return map[string]string{"result": srv.supervisor.Start()}, nil
	})
	s.Handle("lifecycle.stop", func(ctx context.Context, raw []byte) (any, error) {
		return map[string]string{"result": srv.supervisor.Stop()}, nil
	})
	s.Handle("lifecycle.pause", func(ctx context.Context, raw []byte) (any, error) {
		return map[string]string{"result": srv.supervisor.Pause()}, nil
	})
	s.Handle("lifecycle.resume", func(ctx context.Context, raw []byte) (any, error) {
		return map[string]string{"result": srv.supervisor.Resume()}, nil
	})

	s.Handle("summary.get", func(ctx context.Context, raw []byte) (any, error) {
		return srv.supervisor.Summary(), nil
	})

	s.Handle("note.set", func(ctx context.Context, raw []byte) (any, error) {
		var req struct {
			Message string `cbor:"message"`
		}
		if err := codec.Unmarshal(raw, &req); err != nil {
			return nil, fmt.Errorf("decoding note.set request: %w", err)
		}
		srv.supervisor.Note(req.Message)
		return nil, nil
	})

	s.Handle("approvals.list", func(ctx context.Context, raw []byte) (any, error) {
		return srv.supervisor.ApprovalsList(), nil
	})
	s.Handle("approvals.resolve", func(ctx context.Context, raw []byte) (any, error) {
		var req struct {
			ID       string `cbor:"id"`
			Decision string `cbor:"decision"`
		}
		if err := codec.Unmarshal(raw, &req); err != nil {
			return nil, fmt.Errorf("decoding approvals.resolve request: %w", err)
		}
		approval, ok := srv.supervisor.ResolveApproval(req.ID, req.Decision)
		if !ok {
			return nil, fmt.Errorf("no pending approval with id %q", req.ID)
		}
		return approval, nil
	})

	s.Handle("policy.get", func(ctx context.Context, raw []byte) (any, error) {
		return srv.policy.Get(), nil
	})
	s.Handle("policy.patch", func(ctx context.Context, raw []byte) (any, error) {
		var req struct {
			AlarmPrioritization *string `cbor:"alarm_prioritization"`
			WaysOfWorking       *string `cbor:"ways_of_working"`
			KPIAlignment        *string `cbor:"kpi_alignment"`
		}
		if err := codec.Unmarshal(raw, &req); err != nil {
			return nil, fmt.Errorf("decoding policy.patch request: %w", err)
		}
		doc, err := srv.policy.Patch(policy.Patch{
			AlarmPrioritization: req.AlarmPrioritization,
			WaysOfWorking:       req.WaysOfWorking,
			KPIAlignment:        req.KPIAlignment,
			Source:              "towerctl-cli",
		})
		if err != nil {
			return nil, err
		}
		return doc, nil
	})

	s.Handle("auto.get", func(ctx context.Context, raw []byte) (any, error) {
		summary := srv.supervisor.Summary()
		return map[string]bool{
			"manual_auto_toggle": summary.ManualAutoToggle,
			"auto_effective":     summary.AutoEffective,
		}, nil
	})
	s.Handle("auto.set", func(ctx context.Context, raw []byte) (any, error) {
		var req struct {
			On bool `cbor:"on"`
		}
		if err := codec.Unmarshal(raw, &req); err != nil {
			return nil, fmt.Errorf("decoding auto.set request: %w", err)
		}
		srv.supervisor.SetManualAutoToggle(req.On)
		return map[string]bool{"manual_auto_toggle": req.On}, nil
	})

	s.Handle("dispatch.send", func(ctx context.Context, raw []byte) (any, error) {
		var req struct {
			Site string `cbor:"site"`
		}
		if err := codec.Unmarshal(raw, &req); err != nil {
			return nil, fmt.Errorf("decoding dispatch.send request: %w", err)
		}
		if srv.agentC == nil || srv.dispatch == nil {
			return nil, fmt.Errorf("field dispatch is not configured")
		}
		email, ok, reason := srv.agentC.ComposeDispatchEmail(ctx, eventbus.SiteID(req.Site))
		if !ok {
			return nil, fmt.Errorf("%s", reason)
		}
		if err := srv.dispatch.Send(ctx, email); err != nil {
			return nil, fmt.Errorf("sending dispatch email: %w", err)
		}
		return map[string]string{"subject": email.Subject}, nil
	})
}

// Handle registers a handler for the given action name. Panics on a
// duplicate registration, matching lib/service/socket.go.
func (s *socketServer) Handle(action string, handler ActionFunc) {
	if _, exists := s.handlers[action]; exists {
		panic(fmt.Sprintf("control.socketServer: duplicate handler for action %q", action))
	}
	s.handlers[action] = handler
}

// Serve accepts connections on the Unix socket until ctx is cancelled.
func (s *socketServer) Serve(ctx context.Context) error {
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("control: removing stale socket %s: %w", s.socketPath, err)
	}

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("control: listening on %s: %w", s.socketPath, err)
	}
	defer func() {
		listener.Close()
		os.Remove(s.socketPath)
	}()

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			continue
		}

		s.activeConnections.Add(1)
		go func() {
			defer s.activeConnections.Done()
			s.handleConnection(ctx, conn)
		}()
	}

	s.activeConnections.Wait()
	return nil
}

func (s *socketServer) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(socketReadTimeout))

	var raw codec.RawMessage
	if err := codec.NewDecoder(io.LimitReader(conn, maxSocketRequest)).Decode(&raw); err != nil {
		if errors.Is(err, io.EOF) {
			return
		}
		s.writeError(conn, fmt.Sprintf("invalid request: %v", err))
		return
	}

	var header struct {
		Action string `cbor:"action"`
	}
	if err := codec.Unmarshal(raw, &header); err != nil {
		s.writeError(conn, fmt.Sprintf("invalid request: %v", err))
		return
	}
	if header.Action == "" {
		s.writeError(conn, "missing required field: action")
		return
	}

	handler, exists := s.handlers[header.Action]
	if !exists {
		s.writeError(conn, fmt.Sprintf("unknown action %q", header.Action))
		return
	}

	result, err := handler(ctx, []byte(raw))
	if err != nil {
		s.writeError(conn, err.Error())
		return
	}
	s.writeSuccess(conn, result)
}

func (s *socketServer) writeError(conn net.Conn, message string) {
	conn.SetWriteDeadline(time.Now().Add(socketWriteTimeout))
	codec.NewEncoder(conn).Encode(socketResponse{OK: false, Error: message})
}

func (s *socketServer) writeSuccess(conn net.Conn, result any) {
	conn.SetWriteDeadline(time.Now().Add(socketWriteTimeout))

	response := socketResponse{OK: true}
	if result != nil {
		data, err := codec.Marshal(result)
		if err != nil {
			s.writeError(conn, fmt.Sprintf("internal: marshaling response: %v", err))
			return
		}
		response.Data = data
	}
	codec.NewEncoder(conn).Encode(response)
}
