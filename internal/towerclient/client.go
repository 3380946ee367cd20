// Copyright 2026 The towerctl Authors
// SPDX-License-Identifier: Apache-2.0

package towerclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/cellfleet/towerctl/internal/clock"
	"github.com/cellfleet/towerctl/internal/eventbus"
)

// Config holds configuration for creating a Client.
type Config struct {
	// BaseURL is the simulator's HTTP base, e.g. "http://localhost:9000".
	BaseURL string

	// RequestTimeout bounds every request. Default 3s (§6).
	RequestTimeout time.Duration

	// MaxRetries is the retry budget on non-2xx/network errors. Default 2 (§6).
	MaxRetries int

	// RetrySpacing is the delay between retries. Default 1s (§6).
	RetrySpacing time.Duration

	// HTTPClient is used for all requests. If nil, a client with
	// RequestTimeout is constructed.
	HTTPClient *http.Client

	// Logger is used for structured logging. If nil, slog.Default() is used.
	Logger *slog.Logger

	// Clock abstracts retry sleeps for testability. If nil, clock.NewReal() is used.
	Clock clock.Clock
}

// Client is the HTTP client for the external tower simulator.
type Client struct {
	baseURL      string
	httpClient   *http.Client
	logger       *slog.Logger
	clk          clock.Clock
	maxRetries   int
	retrySpacing time.Duration
	limiter      *rate.Limiter
}

// NewClient creates a new tower simulator client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("towerclient: BaseURL is required")
	}

	timeout := cfg.RequestTimeout
	if timeout == 0 {
		timeout = 3 * time.Second
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.NewReal()
	}
	maxRetries := cfg.MaxRetries
	if maxRetries == 0 {
		maxRetries = 2
	}
	retrySpacing := cfg.RetrySpacing
	if retrySpacing == 0 {
		retrySpacing = 1 * time.Second
	}

	return &Client{
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		httpClient:   httpClient,
		logger:       logger,
		clk:          clk,
		maxRetries:   maxRetries,
		retrySpacing: retrySpacing,
		// Bursts of 5 immediate requests, refilling at 20/s. Bounds how
		// fast the retry loop below can hammer a flaky simulator without
		// slowing down the common single-request case.
		limiter: rate.NewLimiter(rate.Limit(20), 5),
	}, nil
}

// stateEnvelope is the shape GET /state may return: either a bare
// snapshot object, or one wrapped as {"state": snapshot}. Both are
// normalized to a single eventbus.Snapshot shape (§4.1).
type stateEnvelope struct {
	State eventbus.Snapshot `json:"state"`
}

// GetState fetches the current fleet snapshot from the simulator.
func (c *Client) GetState(ctx context.Context) (eventbus.Snapshot, error) {
	body, err := c.doRequest(ctx, http.MethodGet, "/state", nil)
	if err != nil {
		return nil, fmt.Errorf("towerclient: get state: %w", err)
	}

	var wrapped stateEnvelope
	if err := json.Unmarshal(body, &wrapped); err == nil && len(wrapped.State) > 0 {
		return wrapped.State, nil
	}

	var bare eventbus.Snapshot
	if err := json.Unmarshal(body, &bare); err != nil {
		return nil, fmt.Errorf("towerclient: decode state response: %w", err)
	}
	return bare, nil
}

// powerRequest is the wire payload for POST /power.
type powerRequest struct {
	Sites string `json:"sites"`
	State string `json:"state"`
}

// SetPower issues POST /power for the given site (or "all") and the
// requested mains state ("on" or "off").
func (c *Client) SetPower(ctx context.Context, sites string, state eventbus.MainsState) error {
	payload := powerRequest{Sites: sites, State: string(state)}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("towerclient: marshal power request: %w", err)
	}
	if _, err := c.doRequest(ctx, http.MethodPost, "/power", body); err != nil {
		return fmt.Errorf("towerclient: set power %s=%s: %w", sites, state, err)
	}
	return nil
}

// rruRequest is the wire payload for POST /rru.
type rruRequest struct {
	Site    string `json:"site"`
	Antenna string `json:"antenna"`
	State   string `json:"state"`
}

// rruAntennaWire maps an eventbus.AntennaID to the simulator's "a1"/"a2"
// wire vocabulary.
func rruAntennaWire(antenna eventbus.AntennaID) string {
	if antenna == eventbus.Antenna2 {
		return "a2"
	}
	return "a1"
}

// SetRRU issues POST /rru for the given site, antenna, and requested
// power state ("on" or "off").
func (c *Client) SetRRU(ctx context.Context, site eventbus.SiteID, antenna eventbus.AntennaID, on bool) error {
	state := "off"
	if on {
		state = "on"
	}
	payload := rruRequest{Site: string(site), Antenna: rruAntennaWire(antenna), State: state}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("towerclient: marshal rru request: %w", err)
	}
	if _, err := c.doRequest(ctx, http.MethodPost, "/rru", body); err != nil {
		return fmt.Errorf("towerclient: set rru %s/%s=%s: %w", site, antenna, state, err)
	}
	return nil
}

// scenarioRequest is the wire payload for POST /scenario.
type scenarioRequest struct {
	Site  string `json:"site"`
	Mode  string `json:"mode"`
	CRQID string `json:"crqId"`
}

// RunScenario issues POST /scenario. Used by operator tooling, not by the
// core orchestration pipeline (§6).
func (c *Client) RunScenario(ctx context.Context, site, mode, crqID string) error {
	payload := scenarioRequest{Site: site, Mode: mode, CRQID: crqID}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("towerclient: marshal scenario request: %w", err)
	}
	if _, err := c.doRequest(ctx, http.MethodPost, "/scenario", body); err != nil {
		return fmt.Errorf("towerclient: run scenario %s on %s: %w", mode, site, err)
	}
	return nil
}

// doRequest performs one HTTP call with the configured retry policy: on
// any non-2xx response or network error, retry up to MaxRetries times
// with RetrySpacing between attempts, then surface the last error (§6).
func (c *Client) doRequest(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	var lastErr error

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-c.clk.After(c.retrySpacing):
			}
		}

		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		respBody, err := c.attempt(ctx, method, path, body)
		if err == nil {
			return respBody, nil
		}
		lastErr = err

		c.logger.Warn("tower simulator request failed, retrying",
			"method", method,
			"path", path,
			"attempt", attempt+1,
			"error", err,
		)
	}

	return nil, lastErr
}

func (c *Client) attempt(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("network error: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	return respBody, nil
}
