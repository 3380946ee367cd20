// Copyright 2026 The towerctl Authors
// SPDX-License-Identifier: Apache-2.0

// Towerctl-daemon is the long-lived control-plane process: it bridges the
// external tower simulator onto the Incident Bus, runs the three agents and
// the Supervisor that orchestrates them, and exposes the HTTP/socket control
// surface described in internal/control.
//
// The daemon boots idle — an operator (or --start) issues lifecycle.start
// before any event is processed, matching the Supervisor's explicit
// lifecycle model (§4.4.1).
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/cellfleet/towerctl/internal/agentcorrelation"
	"github.com/cellfleet/towerctl/internal/agentrca"
	"github.com/cellfleet/towerctl/internal/agenttroubleshoot"
	"github.com/cellfleet/towerctl/internal/bridge"
	"github.com/cellfleet/towerctl/internal/bus"
	"github.com/cellfleet/towerctl/internal/clock"
	"github.com/cellfleet/towerctl/internal/config"
	"github.com/cellfleet/towerctl/internal/control"
	"github.com/cellfleet/towerctl/internal/delta"
	"github.com/cellfleet/towerctl/internal/dispatch"
	"github.com/cellfleet/towerctl/internal/policy"
	"github.com/cellfleet/towerctl/internal/supervisor"
	"github.com/cellfleet/towerctl/internal/towerclient"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "towerctl-daemon: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath string
	var autoStart bool
	pflag.StringVar(&configPath, "config", "", "path to towerctl.yaml (defaults to $TOWERCTL_CONFIG)")
	pflag.BoolVar(&autoStart, "start", false, "call lifecycle.start immediately instead of waiting for an operator")
	pflag.Parse()

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	clk := clock.NewReal()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client, err := towerclient.NewClient(towerclient.Config{
		BaseURL:        cfg.Simulator.BaseURL,
		RequestTimeout: cfg.Simulator.RequestTimeout,
		MaxRetries:     cfg.Simulator.MaxRetries,
		RetrySpacing:   cfg.Simulator.RetrySpacing,
		Logger:         logger,
		Clock:          clk,
	})
	if err != nil {
		return fmt.Errorf("constructing tower client: %w", err)
	}

	eventBus := bus.New(bus.DefaultCapacity)
	emitter := delta.NewEmitter(cfg.Bridge.BootstrapEmit)

	towerBridge, err := bridge.New(client, eventBus, emitter, bridge.Config{
		StreamURL:          cfg.Bridge.StreamURL,
		PollInterval:       cfg.Bridge.PollInterval,
		QuietThreshold:     cfg.Bridge.QuietThreshold,
		ReconnectBaseDelay: cfg.Bridge.ReconnectBaseDelay,
		ReconnectCapDelay:  cfg.Bridge.ReconnectMaxDelay,
		Logger:             logger,
		Clock:              clk,
	})
	if err != nil {
		return fmt.Errorf("constructing tower bridge: %w", err)
	}

	policyStore, err := policy.Load(cfg.Policy.StateFile, policy.Document{
		AlarmPrioritization: cfg.Policy.AlarmPrioritization,
		WaysOfWorking:       cfg.Policy.WaysOfWorking,
		KPIAlignment:        cfg.Policy.KPIAlignment,
		Version:             1,
	}, clk)
	if err != nil {
		return fmt.Errorf("loading policy store: %w", err)
	}

	agentA := agentcorrelation.New(policyStore, agentcorrelation.DefaultWindow, nil)
	agentB := agenttroubleshoot.New(client, policyStore, clk, logger)
	agentC := agentrca.New(client, clk)

	sup := supervisor.New(client, eventBus, policyStore, agentA, agentB, agentC, clk)

	dispatchTransport := dispatch.New(cfg.Dispatch, logger)

	controlServer, err := control.NewServer(control.Config{
		Supervisor:      sup,
		Policy:          policyStore,
		Bus:             eventBus,
		AgentA:          agentA,
		AgentB:          agentB,
		AgentC:          agentC,
		Dispatch:        dispatchTransport,
		Address:         cfg.ControlAPI.Address,
		SocketPath:      cfg.ControlAPI.SocketPath,
		BearerTokenHash: cfg.ControlAPI.BearerTokenHash,
		Logger:          logger,
		Clock:           clk,
	})
	if err != nil {
		return fmt.Errorf("constructing control server: %w", err)
	}

	if autoStart {
		logger.Info("auto-starting supervisor", "result", sup.Start())
	}

	logger.Info("towerctl-daemon starting",
		"simulator", cfg.Simulator.BaseURL,
		"stream", cfg.Bridge.StreamURL,
		"control_address", cfg.ControlAPI.Address,
		"control_socket", cfg.ControlAPI.SocketPath,
	)

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error { return towerBridge.Run(gctx) })
	group.Go(func() error { return controlServer.Run(gctx) })

	if err := group.Wait(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("towerctl-daemon: %w", err)
	}

	sup.Stop()
	logger.Info("towerctl-daemon stopped")
	return nil
}

// loadConfig resolves configPath, falling back to config.Load's
// TOWERCTL_CONFIG environment convention when the flag is unset.
func loadConfig(configPath string) (*config.Config, error) {
	if configPath != "" {
		return config.LoadFile(configPath)
	}
	return config.Load()
}
