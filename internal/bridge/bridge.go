// Copyright 2026 The towerctl Authors
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/cellfleet/towerctl/internal/bus"
	"github.com/cellfleet/towerctl/internal/clock"
	"github.com/cellfleet/towerctl/internal/delta"
	"github.com/cellfleet/towerctl/internal/eventbus"
)

// TowerClient is the subset of towerclient.Client the bridge needs for
// its polling fallback.
type TowerClient interface {
	GetState(ctx context.Context) (eventbus.Snapshot, error)
}

// Config configures a Bridge.
type Config struct {
	// StreamURL is the simulator's WebSocket stream endpoint, e.g.
	// "ws://localhost:9000/stream".
	StreamURL string

	// PollInterval is the spacing between snapshot polls, regardless of
	// stream health. Default 5s (§4.1).
	PollInterval time.Duration

	// QuietThreshold is how long a connected stream may go without a
	// message before the bridge logs an operator warning. Default 15s (§4.1).
	QuietThreshold time.Duration

	// ReconnectBaseDelay and ReconnectCapDelay bound the exponential
	// backoff applied between reconnect attempts. Defaults 1s and 10s,
	// with ±20% jitter applied to each computed delay (§4.1).
	ReconnectBaseDelay time.Duration
	ReconnectCapDelay  time.Duration

	// Dialer opens the WebSocket connection. If nil, websocket.DefaultDialer
	// is used.
	Dialer *websocket.Dialer

	// Logger receives structured log output. If nil, slog.Default() is used.
	Logger *slog.Logger

	// Clock abstracts time for testability. If nil, clock.NewReal() is used.
	Clock clock.Clock
}

// snapshotEnvelope is the wire shape of one streamed message (§4.1):
// {"type":"snapshot","state":{...}} or {"type":"pong"}.
type snapshotEnvelope struct {
	Type  string            `json:"type"`
	State eventbus.Snapshot `json:"state"`
}

// Bridge maintains a long-lived stream connection to the external
// simulator plus a polling fallback, feeding both into a shared Delta
// Emitter and publishing the results onto an Incident Bus (§4.1).
type Bridge struct {
	client TowerClient
	bus    *bus.Bus
	emit   *delta.Emitter

	streamURL          string
	pollInterval       time.Duration
	quietThreshold     time.Duration
	reconnectBaseDelay time.Duration
	reconnectCapDelay  time.Duration
	dialer             *websocket.Dialer
	logger             *slog.Logger
	clk                clock.Clock

	mu            sync.Mutex
	connected     bool
	lastMessageAt time.Time
}

// New creates a Bridge. client serves the polling fallback; emit is the
// shared Delta Emitter that both feeds diff against; bus receives every
// derived event plus a state.update on each successful ingest.
func New(client TowerClient, b *bus.Bus, emit *delta.Emitter, cfg Config) (*Bridge, error) {
	if cfg.StreamURL == "" {
		return nil, fmt.Errorf("bridge: StreamURL is required")
	}

	pollInterval := cfg.PollInterval
	if pollInterval == 0 {
		pollInterval = 5 * time.Second
	}
	quietThreshold := cfg.QuietThreshold
	if quietThreshold == 0 {
		quietThreshold = 15 * time.Second
	}
	baseDelay := cfg.ReconnectBaseDelay
	if baseDelay == 0 {
		baseDelay = 1 * time.Second
	}
	capDelay := cfg.ReconnectCapDelay
	if capDelay == 0 {
		capDelay = 10 * time.Second
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.NewReal()
	}

	return &Bridge{
		client:             client,
		bus:                b,
		emit:               emit,
		streamURL:          cfg.StreamURL,
		pollInterval:       pollInterval,
		quietThreshold:     quietThreshold,
		reconnectBaseDelay: baseDelay,
		reconnectCapDelay:  capDelay,
		dialer:             dialer,
		logger:             logger,
		clk:                clk,
	}, nil
}

// Connected reports whether the stream connection is currently up.
// Used by the control surface's diagnostics endpoint.
func (br *Bridge) Connected() bool {
	br.mu.Lock()
	defer br.mu.Unlock()
	return br.connected
}

// Run drives the stream loop and the poll loop concurrently until ctx is
// cancelled. Either loop returning a non-nil, non-context error tears
// down the other via the shared context and is returned from Run.
func (br *Bridge) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return br.streamLoop(ctx) })
	g.Go(func() error { return br.pollLoop(ctx) })
	return g.Wait()
}

// streamLoop maintains the persistent stream connection, reconnecting
// with exponential backoff on every disconnect (§4.1).
func (br *Bridge) streamLoop(ctx context.Context) error {
	delay := br.reconnectBaseDelay

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn, _, err := br.dialer.DialContext(ctx, br.streamURL, nil)
		if err != nil {
			br.logger.Warn("bridge: stream dial failed, reconnecting",
				"url", br.streamURL, "delay", delay, "error", err)
			if !br.sleepBackoff(ctx, delay) {
				return ctx.Err()
			}
			delay = nextBackoff(delay, br.reconnectCapDelay)
			continue
		}

		delay = br.reconnectBaseDelay
		br.emit.Reset()
		br.setConnected(true)
		br.bus.Publish(eventbus.Event{
			Type:      eventbus.EventBusReconnected,
			Timestamp: br.clk.Now().UTC().Format(time.RFC3339),
			Source:    "stream",
		})

		readErr := br.readLoop(ctx, conn)
		conn.Close()
		br.setConnected(false)

		if ctx.Err() != nil {
			return ctx.Err()
		}

		br.bus.Publish(eventbus.Event{
			Type:      eventbus.EventBusDisconnected,
			Timestamp: br.clk.Now().UTC().Format(time.RFC3339),
			Source:    "stream",
		})
		br.logger.Warn("bridge: stream disconnected, reconnecting", "error", readErr, "delay", delay)
		if !br.sleepBackoff(ctx, delay) {
			return ctx.Err()
		}
		delay = nextBackoff(delay, br.reconnectCapDelay)
	}
}

// readLoop reads messages from an established connection until it
// errors or ctx is cancelled, ingesting every snapshot envelope and
// watching for quiet periods (§4.1).
func (br *Bridge) readLoop(ctx context.Context, conn *websocket.Conn) error {
	br.markMessage()

	quietCtx, cancelQuiet := context.WithCancel(ctx)
	defer cancelQuiet()
	go br.watchQuiet(quietCtx)

	closeOnCancel := make(chan struct{})
	defer close(closeOnCancel)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-closeOnCancel:
		}
	}()

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		br.markMessage()

		var envelope snapshotEnvelope
		if err := json.Unmarshal(payload, &envelope); err != nil {
			br.logger.Warn("bridge: malformed stream message", "error", err)
			continue
		}

		switch envelope.Type {
		case "snapshot":
			br.ingestAndPublish(envelope.State, "stream")
		case "pong":
			// Liveness only; markMessage above already recorded it.
		default:
			br.logger.Warn("bridge: unknown stream message type", "type", envelope.Type)
		}
	}
}

// watchQuiet logs an operator warning if the stream goes quiet for
// longer than QuietThreshold while still marked connected (§4.1).
func (br *Bridge) watchQuiet(ctx context.Context) {
	ticker := br.clk.NewTicker(br.quietThreshold / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if quiet, since := br.quietFor(); quiet {
				br.logger.Warn("bridge: stream connected but quiet", "quiet_for", since)
			}
		}
	}
}

func (br *Bridge) quietFor() (bool, time.Duration) {
	br.mu.Lock()
	defer br.mu.Unlock()
	if !br.connected {
		return false, 0
	}
	since := br.clk.Now().Sub(br.lastMessageAt)
	return since > br.quietThreshold, since
}

func (br *Bridge) markMessage() {
	br.mu.Lock()
	br.lastMessageAt = br.clk.Now()
	br.mu.Unlock()
}

func (br *Bridge) setConnected(connected bool) {
	br.mu.Lock()
	br.connected = connected
	br.mu.Unlock()
}

// pollLoop fetches the snapshot on a fixed interval regardless of
// stream health, keeping correlation alive across stream outages
// (§4.1). Request/response failures are logged and retried on the next
// tick; they never tear down the bridge.
func (br *Bridge) pollLoop(ctx context.Context) error {
	ticker := br.clk.NewTicker(br.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			snapshot, err := br.client.GetState(ctx)
			if err != nil {
				br.logger.Error("bridge: poll failed", "error", err)
				continue
			}
			br.ingestAndPublish(snapshot, "poll")
		}
	}
}

// ingestAndPublish feeds snapshot to the shared Delta Emitter and
// publishes every derived event plus a closing state.update, all
// sharing one timestamp (§4.2's "timestamps assigned inside the call
// are equal for all emissions of that call").
func (br *Bridge) ingestAndPublish(snapshot eventbus.Snapshot, source string) {
	now := br.clk.Now().UTC().Format(time.RFC3339)
	for _, event := range br.emit.Ingest(snapshot, now, source) {
		br.bus.Publish(event)
	}
	br.bus.Publish(eventbus.Event{
		Type:      eventbus.EventStateUpdate,
		SiteID:    eventbus.AllSites,
		Timestamp: now,
		Source:    source,
		Snapshot:  snapshot,
	})
}

// sleepBackoff waits for d or returns false if ctx is cancelled first.
func (br *Bridge) sleepBackoff(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-br.clk.After(d):
		return true
	}
}

// nextBackoff doubles delay (capped at capDelay) and applies ±20%
// jitter (§4.1).
func nextBackoff(delay, capDelay time.Duration) time.Duration {
	doubled := delay * 2
	if doubled > capDelay {
		doubled = capDelay
	}
	jitterFraction := 0.8 + rand.Float64()*0.4 // [0.8, 1.2)
	return time.Duration(float64(doubled) * jitterFraction)
}
