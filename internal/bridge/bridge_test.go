// Copyright 2026 The towerctl Authors
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cellfleet/towerctl/internal/bus"
	"github.com/cellfleet/towerctl/internal/clock"
	"github.com/cellfleet/towerctl/internal/delta"
	"github.com/cellfleet/towerctl/internal/eventbus"
)

// fakeClient is a minimal TowerClient for the polling fallback.
type fakeClient struct {
	mu       sync.Mutex
	snapshot eventbus.Snapshot
	err      error
}

func (f *fakeClient) GetState(ctx context.Context) (eventbus.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.snapshot.Clone(), nil
}

func (f *fakeClient) setSnapshot(s eventbus.Snapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snapshot = s
}

// streamServer is a test WebSocket server that upgrades every connection
// and lets the test push raw JSON frames to the most recently accepted
// connection. It can be closed and reopened to simulate a reconnect.
type streamServer struct {
	t        *testing.T
	upgrader websocket.Upgrader

	mu      sync.Mutex
	current *websocket.Conn
	conns   int
}

func newStreamServer(t *testing.T) (*streamServer, *httptest.Server) {
	t.Helper()
	s := &streamServer{t: t}
	httpServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.mu.Lock()
		s.current = conn
		s.conns++
		s.mu.Unlock()

		// Drain the connection until it closes so the client's writes (if
		// any) never block; the bridge itself never writes to the stream.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(httpServer.Close)
	return s, httpServer
}

func (s *streamServer) send(t *testing.T, v any) {
	t.Helper()
	payload, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		s.mu.Lock()
		conn := s.current
		s.mu.Unlock()
		if conn != nil {
			if err := conn.WriteMessage(websocket.TextMessage, payload); err == nil {
				return
			}
		}
		if time.Now().After(deadline) {
			t.Fatal("streamServer: no connection to send on")
		}
		time.Sleep(time.Millisecond)
	}
}

func (s *streamServer) closeCurrent() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != nil {
		s.current.Close()
		s.current = nil
	}
}

func (s *streamServer) connectionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conns
}

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

func snapshotOf(alarms ...eventbus.AlarmCode) eventbus.Snapshot {
	alarmSet := make(map[eventbus.AlarmCode]struct{}, len(alarms))
	for _, a := range alarms {
		alarmSet[a] = struct{}{}
	}
	return eventbus.Snapshot{"S1": {
		Mains: eventbus.MainsOn, SiteAlive: true, BatteryPercent: 100,
		Alarms: alarmSet,
	}}
}

func waitForEvent(t *testing.T, sub *bus.Subscription, match func(eventbus.Event) bool, timeout time.Duration) eventbus.Event {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case evt := <-sub.Events:
			if match(evt) {
				return evt
			}
		case <-deadline:
			t.Fatal("timed out waiting for expected event")
		}
	}
}

func TestNew_RequiresStreamURL(t *testing.T) {
	_, err := New(&fakeClient{}, bus.New(bus.DefaultCapacity), delta.NewEmitter(false), Config{})
	if err == nil {
		t.Fatal("expected error for missing StreamURL")
	}
}

func TestBridge_StreamSnapshotPublishesStateUpdate(t *testing.T) {
	server, httpServer := newStreamServer(t)

	b := bus.New(bus.DefaultCapacity)
	sub := b.Subscribe()
	defer sub.Close()

	br, err := New(&fakeClient{}, b, delta.NewEmitter(false), Config{
		StreamURL:    wsURL(httpServer.URL),
		PollInterval: time.Hour,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go br.Run(ctx)

	server.send(t, map[string]any{"type": "snapshot", "state": snapshotOf()})

	evt := waitForEvent(t, sub, func(e eventbus.Event) bool {
		return e.Type == eventbus.EventStateUpdate && e.Source == "stream"
	}, 2*time.Second)
	if evt.Snapshot["S1"].Mains != eventbus.MainsOn {
		t.Errorf("expected carried-through snapshot, got %+v", evt.Snapshot)
	}
}

func TestBridge_StreamSecondIngestEmitsAlarmRaised(t *testing.T) {
	server, httpServer := newStreamServer(t)

	b := bus.New(bus.DefaultCapacity)
	sub := b.Subscribe()
	defer sub.Close()

	br, err := New(&fakeClient{}, b, delta.NewEmitter(false), Config{
		StreamURL:    wsURL(httpServer.URL),
		PollInterval: time.Hour,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go br.Run(ctx)

	server.send(t, map[string]any{"type": "snapshot", "state": snapshotOf()})
	waitForEvent(t, sub, func(e eventbus.Event) bool { return e.Type == eventbus.EventStateUpdate }, 2*time.Second)

	server.send(t, map[string]any{"type": "snapshot", "state": snapshotOf("MainsFailure")})
	evt := waitForEvent(t, sub, func(e eventbus.Event) bool { return e.Type == eventbus.EventAlarmRaised }, 2*time.Second)
	if evt.Alarm != "MainsFailure" || evt.SiteID != "S1" {
		t.Errorf("unexpected alarm event: %+v", evt)
	}
}

func TestBridge_ReconnectResetsEmitter(t *testing.T) {
	server, httpServer := newStreamServer(t)

	b := bus.New(bus.DefaultCapacity)
	sub := b.Subscribe()
	defer sub.Close()

	br, err := New(&fakeClient{}, b, delta.NewEmitter(true), Config{
		StreamURL:          wsURL(httpServer.URL),
		PollInterval:        time.Hour,
		ReconnectBaseDelay: 10 * time.Millisecond,
		ReconnectCapDelay:  20 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go br.Run(ctx)

	server.send(t, map[string]any{"type": "snapshot", "state": snapshotOf("MainsFailure")})
	waitForEvent(t, sub, func(e eventbus.Event) bool { return e.Type == eventbus.EventStateUpdate }, 2*time.Second)

	server.closeCurrent()

	deadline := time.Now().Add(2 * time.Second)
	for server.connectionCount() < 2 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if server.connectionCount() < 2 {
		t.Fatal("expected the bridge to reconnect after the server closed the connection")
	}

	// After reconnect, Emitter.Reset wiped prior memory: the first
	// snapshot on the new connection is treated as a very first ingest,
	// so with bootstrap emission on, the still-present alarm is
	// re-announced as a bootstrap raise rather than diffed against the
	// previous connection's state.
	server.send(t, map[string]any{"type": "snapshot", "state": snapshotOf("MainsFailure")})
	evt := waitForEvent(t, sub, func(e eventbus.Event) bool { return e.Type == eventbus.EventAlarmRaised }, 2*time.Second)
	if evt.Alarm != "MainsFailure" || !evt.Bootstrap {
		t.Errorf("expected re-raised MainsFailure after reconnect, got %+v", evt)
	}
}

func TestBridge_PollFallbackSurvivesStreamFailure(t *testing.T) {
	b := bus.New(bus.DefaultCapacity)
	sub := b.Subscribe()
	defer sub.Close()

	client := &fakeClient{snapshot: snapshotOf()}

	br, err := New(client, b, delta.NewEmitter(false), Config{
		// No listener on this port; the stream loop will fail to dial
		// and keep retrying in the background while polling continues.
		StreamURL:          "ws://127.0.0.1:1/stream",
		PollInterval:        10 * time.Millisecond,
		ReconnectBaseDelay: 10 * time.Millisecond,
		ReconnectCapDelay:  10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go br.Run(ctx)

	// The first poll only seeds the emitter (no bootstrap emission); the
	// alarm appearing on a later poll is what gets raised.
	waitForEvent(t, sub, func(e eventbus.Event) bool {
		return e.Type == eventbus.EventStateUpdate && e.Source == "poll"
	}, 2*time.Second)
	client.setSnapshot(snapshotOf("MainsFailure"))

	evt := waitForEvent(t, sub, func(e eventbus.Event) bool {
		return e.Type == eventbus.EventAlarmRaised && e.Source == "poll"
	}, 2*time.Second)
	if evt.SiteID != "S1" {
		t.Errorf("unexpected poll-sourced alarm event: %+v", evt)
	}
}

func TestBridge_PollFailureIsLoggedNotFatal(t *testing.T) {
	b := bus.New(bus.DefaultCapacity)
	client := &fakeClient{err: errors.New("simulator unreachable")}

	br, err := New(client, b, delta.NewEmitter(false), Config{
		StreamURL:    "ws://127.0.0.1:1/stream",
		PollInterval: 10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	runErr := br.Run(ctx)
	if !errors.Is(runErr, context.DeadlineExceeded) {
		t.Errorf("expected Run to end with context deadline, got %v", runErr)
	}
}

func TestNextBackoff_DoublesWithinJitterBandAndCaps(t *testing.T) {
	got := nextBackoff(1*time.Second, 10*time.Second)
	if got < 1600*time.Millisecond || got > 2400*time.Millisecond {
		t.Errorf("nextBackoff(1s, 10s) = %v, want within [1.6s, 2.4s]", got)
	}

	got = nextBackoff(8*time.Second, 10*time.Second)
	if got < 8*time.Second || got > 12*time.Second {
		t.Errorf("nextBackoff(8s, 10s) = %v, want within [8s, 12s]", got)
	}
}

func TestClockReal_Sanity(t *testing.T) {
	// Guards against accidentally wiring a nil clock default.
	if clock.NewReal() == nil {
		t.Fatal("clock.NewReal() returned nil")
	}
}
