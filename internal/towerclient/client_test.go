// Copyright 2026 The towerctl Authors
// SPDX-License-Identifier: Apache-2.0

package towerclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cellfleet/towerctl/internal/clock"
)

func newTestClient(t *testing.T, baseURL string) *Client {
	t.Helper()
	c, err := NewClient(Config{
		BaseURL:      baseURL,
		MaxRetries:   2,
		RetrySpacing: time.Millisecond,
		Clock:        clock.NewReal(),
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return c
}

func TestGetState_BareSnapshot(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"S1":{"mains":"on","siteAlive":true,"batteryPercent":90,"antenna1":{"service":"Available"},"antenna2":{"service":"Available"},"alarms":[]}}`))
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	snapshot, err := client.GetState(context.Background())
	if err != nil {
		t.Fatalf("GetState: %v", err)
	}
	if len(snapshot) != 1 {
		t.Fatalf("expected 1 site, got %d", len(snapshot))
	}
}

func TestGetState_WrappedSnapshot(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"state":{"S1":{"mains":"off","siteAlive":false,"batteryPercent":10,"antenna1":{"service":"Unavailable"},"antenna2":{"service":"Unavailable"},"alarms":[]}}}`))
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	snapshot, err := client.GetState(context.Background())
	if err != nil {
		t.Fatalf("GetState: %v", err)
	}
	if snapshot["S1"].Mains != "off" {
		t.Errorf("expected mains=off, got %s", snapshot["S1"].Mains)
	}
}

func TestDoRequest_RetriesThenSucceeds(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		if n < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte(`{}`))
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	if _, err := client.GetState(context.Background()); err != nil {
		t.Fatalf("expected success on 3rd attempt, got error: %v", err)
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("expected 3 calls (1 + 2 retries), got %d", got)
	}
}

func TestDoRequest_ExhaustsRetryBudget(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	_, err := client.GetState(context.Background())
	if err == nil {
		t.Fatal("expected error after exhausting retry budget")
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("expected 3 calls (1 + 2 retries), got %d", got)
	}
}

func TestSetPower_SendsExpectedPayload(t *testing.T) {
	t.Parallel()

	var gotBody string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf := make([]byte, 1024)
		n, _ := r.Body.Read(buf)
		gotBody = string(buf[:n])
		w.Write([]byte(`{}`))
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	if err := client.SetPower(context.Background(), "S1", "on"); err != nil {
		t.Fatalf("SetPower: %v", err)
	}
	if gotBody != `{"sites":"S1","state":"on"}` {
		t.Errorf("unexpected payload: %s", gotBody)
	}
}
