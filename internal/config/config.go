// Copyright 2026 The towerctl Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the master configuration for a towerctl-daemon process.
type Config struct {
	// Simulator configures the Tower Client's connection to the external
	// simulator (§6).
	Simulator SimulatorConfig `yaml:"simulator"`

	// Bridge configures the Tower Bridge's streaming and polling behavior.
	Bridge BridgeConfig `yaml:"bridge"`

	// Policy configures where the policy document is persisted and its
	// initial values before any file is found.
	Policy PolicyConfig `yaml:"policy"`

	// Dispatch configures field-dispatch email composition and transport.
	Dispatch DispatchConfig `yaml:"dispatch"`

	// ControlAPI configures the HTTP control surface.
	ControlAPI ControlAPIConfig `yaml:"control_api"`
}

// SimulatorConfig configures the external tower simulator client.
type SimulatorConfig struct {
	// BaseURL is the simulator's HTTP base, e.g. "http://localhost:9000".
	BaseURL string `yaml:"base_url"`

	// RequestTimeout bounds every simulator request. Default 3s (§6).
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// MaxRetries is the retry budget on non-2xx/network errors. Default 2 (§6).
	MaxRetries int `yaml:"max_retries"`

	// RetrySpacing is the delay between retries. Default 1s (§6).
	RetrySpacing time.Duration `yaml:"retry_spacing"`
}

// BridgeConfig configures the Tower Bridge (§4.1).
type BridgeConfig struct {
	// StreamURL is the simulator's WebSocket streaming endpoint.
	StreamURL string `yaml:"stream_url"`

	// PollInterval is the snapshot polling fallback cadence. Default 5s.
	PollInterval time.Duration `yaml:"poll_interval"`

	// QuietThreshold is how long a connected stream may go silent before
	// an operator warning is logged. Default 15s.
	QuietThreshold time.Duration `yaml:"quiet_threshold"`

	// ReconnectBaseDelay and ReconnectMaxDelay bound the exponential
	// backoff used to reconnect the stream. Defaults 1s / 10s (§4.1).
	ReconnectBaseDelay time.Duration `yaml:"reconnect_base_delay"`
	ReconnectMaxDelay  time.Duration `yaml:"reconnect_max_delay"`

	// BootstrapEmit controls whether the Delta Emitter synthesizes
	// alarm.raised events for alarms already present on the very first
	// ingest (§4.2, §9). Default true.
	BootstrapEmit bool `yaml:"bootstrap_emit"`
}

// PolicyConfig configures the Policy Store's persistence file and initial
// values applied when that file does not yet exist.
type PolicyConfig struct {
	// StateFile is where the current policy document is persisted. Every
	// accepted mutation rewrites this file.
	StateFile string `yaml:"state_file"`

	// AlarmPrioritization, WaysOfWorking, and KPIAlignment seed a fresh
	// policy document the first time the daemon starts against a
	// StateFile that does not yet exist. Ignored once the file exists.
	AlarmPrioritization string `yaml:"alarm_prioritization"`
	WaysOfWorking       string `yaml:"ways_of_working"`
	KPIAlignment        string `yaml:"kpi_alignment"`
}

// DispatchConfig configures field-dispatch email composition (§4.7, §6).
type DispatchConfig struct {
	// SMTPAddr is the SMTP server address ("host:port"). Empty disables
	// transport and switches to logging-only dry-run mode.
	SMTPAddr string `yaml:"smtp_addr"`
	From     string `yaml:"from"`
	To       []string `yaml:"to"`
}

// ControlAPIConfig configures the HTTP control surface and the CLI's
// control socket.
type ControlAPIConfig struct {
	// Address is the TCP listen address, e.g. ":8080".
	Address string `yaml:"address"`

	// BearerTokenHash is the bcrypt hash of the single static bearer
	// token accepted by the control surface. Empty disables auth (local
	// development only).
	BearerTokenHash string `yaml:"bearer_token_hash"`

	// SocketPath is the Unix domain socket path served for
	// cmd/towerctl's CBOR RPC protocol (§6).
	SocketPath string `yaml:"socket_path"`
}

// Default returns the default configuration. These defaults ensure every
// field has a sensible zero-value before the config file is applied; the
// config file is still required by Load.
func Default() *Config {
	return &Config{
		Simulator: SimulatorConfig{
			BaseURL:        "http://localhost:9000",
			RequestTimeout: 3 * time.Second,
			MaxRetries:     2,
			RetrySpacing:   1 * time.Second,
		},
		Bridge: BridgeConfig{
			StreamURL:          "ws://localhost:9000/stream",
			PollInterval:       5 * time.Second,
			QuietThreshold:     15 * time.Second,
			ReconnectBaseDelay: 1 * time.Second,
			ReconnectMaxDelay:  10 * time.Second,
			BootstrapEmit:      true,
		},
		Policy: PolicyConfig{
			StateFile:           "./towerctl-policy.yaml",
			AlarmPrioritization: "Critical First",
			WaysOfWorking:       "Human intervention at critical steps",
			KPIAlignment:        ">95%",
		},
		ControlAPI: ControlAPIConfig{
			Address:    ":8080",
			SocketPath: "/run/towerctl/control.sock",
		},
	}
}

// Load loads configuration from the TOWERCTL_CONFIG environment variable.
//
// This is the only way to load configuration without an explicit path. If
// TOWERCTL_CONFIG is not set, Load fails — there is no implicit discovery.
func Load() (*Config, error) {
	path := os.Getenv("TOWERCTL_CONFIG")
	if path == "" {
		return nil, fmt.Errorf("TOWERCTL_CONFIG environment variable not set; " +
			"set it to the path of your towerctl.yaml config file, or use --config")
	}
	return LoadFile(path)
}

// LoadFile loads configuration from a specific file path, merging it onto
// Default.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	return cfg, nil
}
