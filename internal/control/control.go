// Copyright 2026 The towerctl Authors
// SPDX-License-Identifier: Apache-2.0

// Package control is towerctl-daemon's external surface: an HTTP API
// with SSE streams and Prometheus metrics, plus a Unix-socket CBOR RPC
// protocol for the operator CLI. Every handler calls directly into
// Supervisor, Policy Store, or Bus operations — no orchestration logic
// lives here.
package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"github.com/cellfleet/towerctl/internal/agentcorrelation"
	"github.com/cellfleet/towerctl/internal/agentrca"
	"github.com/cellfleet/towerctl/internal/agenttroubleshoot"
	"github.com/cellfleet/towerctl/internal/bus"
	"github.com/cellfleet/towerctl/internal/clock"
	"github.com/cellfleet/towerctl/internal/dispatch"
	"github.com/cellfleet/towerctl/internal/policy"
	"github.com/cellfleet/towerctl/internal/supervisor"
)

// Config configures a Server.
type Config struct {
	// Supervisor, Policy, and Bus are required.
	Supervisor *supervisor.Supervisor
	Policy     *policy.Store
	Bus        *bus.Bus

	// AgentA and AgentB back the /metrics counters. Optional — a nil
	// agent simply reports a zero metric.
	AgentA *agentcorrelation.Agent
	AgentB *agenttroubleshoot.Agent

	// AgentC and Dispatch back POST /v1/dispatch/{site} and the
	// socket's "dispatch.send" action. Optional — both must be set
	// for that endpoint to do anything; otherwise it 501s.
	AgentC   *agentrca.Agent
	Dispatch dispatch.Transport

	// Address is the HTTP listen address, e.g. ":8080".
	Address string

	// SocketPath is the Unix socket path for the CLI RPC protocol.
	// Empty disables the socket server.
	SocketPath string

	// BearerTokenHash is the bcrypt hash of the accepted bearer token.
	// Empty disables HTTP auth — this is the only control-surface
	// authentication mechanism.
	BearerTokenHash string

	Logger *slog.Logger
	Clock  clock.Clock
}

// Server hosts the HTTP control surface and the control socket.
type Server struct {
	supervisor *supervisor.Supervisor
	policy     *policy.Store
	bus        *bus.Bus
	agentA     *agentcorrelation.Agent
	agentB     *agenttroubleshoot.Agent
	agentC     *agentrca.Agent
	dispatch   dispatch.Transport

	address    string
	socketPath string
	bearerHash string

	logger *slog.Logger
	clk    clock.Clock

	metrics   *metricsCollector
	projector *snapshotProjector
}

// NewServer creates a Server. Address is required; the socket server
// is only started when SocketPath is non-empty.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Supervisor == nil {
		return nil, fmt.Errorf("control: Supervisor is required")
	}
	if cfg.Policy == nil {
		return nil, fmt.Errorf("control: Policy is required")
	}
	if cfg.Bus == nil {
		return nil, fmt.Errorf("control: Bus is required")
	}
	if cfg.Address == "" {
		return nil, fmt.Errorf("control: Address is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.NewReal()
	}

	return &Server{
		supervisor: cfg.Supervisor,
		policy:     cfg.Policy,
		bus:        cfg.Bus,
		agentA:     cfg.AgentA,
		agentB:     cfg.AgentB,
		agentC:     cfg.AgentC,
		dispatch:   cfg.Dispatch,
		address:    cfg.Address,
		socketPath: cfg.SocketPath,
		bearerHash: cfg.BearerTokenHash,
		logger:     logger,
		clk:        clk,
		metrics:    newMetricsCollector(cfg.Supervisor, cfg.Bus, cfg.AgentA, cfg.AgentB),
		projector:  newSnapshotProjector(cfg.Bus, clk),
	}, nil
}

// Handler returns the fully wrapped HTTP handler: the mux router with
// bearer-token auth and request logging applied via
// gorilla/handlers.LoggingHandler.
func (s *Server) Handler() http.Handler {
	router := s.router()
	authenticated := s.requireBearerToken(router)
	return handlers.LoggingHandler(logWriter{s.logger}, authenticated)
}

// Run starts the projector, the HTTP server, and (if configured) the
// control socket server, blocking until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	go s.projector.run(ctx)

	errCh := make(chan error, 2)

	httpServer := newHTTPServer(httpServerConfig{
		Address: s.address,
		Handler: s.Handler(),
		Logger:  s.logger,
	})
	go func() { errCh <- httpServer.Serve(ctx) }()

	if s.socketPath != "" {
		socketServer := s.newSocketServer()
		go func() { errCh <- socketServer.Serve(ctx) }()
	} else {
		go func() { <-ctx.Done(); errCh <- nil }()
	}

	var firstErr error
	for i := 0; i < 2; i++ {
		if err := <-errCh; err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// router builds the mux.Router mounting every control-surface endpoint.
func (s *Server) router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/v1/summary", s.handleSummary).Methods("GET")
	r.HandleFunc("/v1/lifecycle/{action}", s.handleLifecycle).Methods("POST")
	r.HandleFunc("/v1/note", s.handleNote).Methods("POST")
	r.HandleFunc("/v1/approvals", s.handleApprovalsList).Methods("GET")
	r.HandleFunc("/v1/approvals/{id}/{decision}", s.handleApprovalsResolve).Methods("POST")
	r.HandleFunc("/v1/policy", s.handlePolicyGet).Methods("GET")
	r.HandleFunc("/v1/policy", s.handlePolicyPatch).Methods("PATCH")
	r.HandleFunc("/v1/auto", s.handleAutoGet).Methods("GET")
	r.HandleFunc("/v1/auto", s.handleAutoPut).Methods("PUT")
	r.HandleFunc("/v1/dispatch/{site}", s.handleDispatchSend).Methods("POST")

	r.HandleFunc("/v1/stream/bus", s.handleStreamBus).Methods("GET")
	r.HandleFunc("/v1/stream/snapshot", s.handleStreamSnapshot).Methods("GET")
	r.HandleFunc("/v1/stream/log/supervisor", s.handleStreamSupervisorLog).Methods("GET")
	r.HandleFunc("/v1/stream/log/agent/{agent}", s.handleStreamAgentLog).Methods("GET")

	r.Handle("/metrics", s.metrics.httpHandler()).Methods("GET")

	return r
}

// logWriter adapts *slog.Logger to io.Writer for
// gorilla/handlers.LoggingHandler, which wants an Apache-style access
// log sink.
type logWriter struct{ logger *slog.Logger }

func (w logWriter) Write(p []byte) (int, error) {
	w.logger.Info("http access", "line", string(p))
	return len(p), nil
}

// httpServerConfig and newHTTPServer: required-field panics, bind-early,
// graceful shutdown.
type httpServerConfig struct {
	Address string
	Handler http.Handler
	Logger  *slog.Logger

	// ShutdownTimeout defaults to 10s.
	ShutdownTimeout time.Duration
}

type httpServer struct {
	address         string
	handler         http.Handler
	logger          *slog.Logger
	shutdownTimeout time.Duration

	ready chan struct{}
	addr  net.Addr
}

func newHTTPServer(cfg httpServerConfig) *httpServer {
	if cfg.Address == "" {
		panic("control.httpServer: Address is required")
	}
	if cfg.Handler == nil {
		panic("control.httpServer: Handler is required")
	}
	if cfg.Logger == nil {
		panic("control.httpServer: Logger is required")
	}
	timeout := cfg.ShutdownTimeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &httpServer{
		address:         cfg.Address,
		handler:         cfg.Handler,
		logger:          cfg.Logger,
		shutdownTimeout: timeout,
		ready:           make(chan struct{}),
	}
}

// Ready returns a channel closed once the server is bound and
// accepting connections.
func (s *httpServer) Ready() <-chan struct{} { return s.ready }

// Addr returns the resolved listen address. Only valid after Ready.
func (s *httpServer) Addr() net.Addr { return s.addr }

// Serve blocks until ctx is cancelled, then shuts down gracefully.
func (s *httpServer) Serve(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.address)
	if err != nil {
		return fmt.Errorf("control: listening on %s: %w", s.address, err)
	}
	s.addr = listener.Addr()
	close(s.ready)

	server := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      0, // SSE streams hold connections open indefinitely
		IdleTimeout:       60 * time.Second,
	}

	s.logger.Info("control http server listening", "address", s.addr.String())

	serveDone := make(chan error, 1)
	go func() {
		err := server.Serve(listener)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveDone <- err
		}
		close(serveDone)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("control http server shutting down")
	case err := <-serveDone:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("control: http server shutdown: %w", err)
	}
	return nil
}
