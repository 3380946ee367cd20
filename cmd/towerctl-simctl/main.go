// Copyright 2026 The towerctl Authors
// SPDX-License-Identifier: Apache-2.0

// Towerctl-simctl is a small standalone exerciser for the external tower
// simulator client: it issues one-off state/power/rru/scenario calls
// against a running simulator without a daemon in between, for manual
// testing during development. Argument handling is deliberately manual,
// mirroring bureau-proxy-call rather than reaching for a flag package.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/cellfleet/towerctl/internal/eventbus"
	"github.com/cellfleet/towerctl/internal/towerclient"
)

const defaultBaseURL = "http://localhost:9000"

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) < 1 {
		usage()
		return 2
	}

	baseURL := os.Getenv("TOWERCTL_SIMULATOR")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	client, err := towerclient.NewClient(towerclient.Config{
		BaseURL:        baseURL,
		RequestTimeout: 3 * time.Second,
		MaxRetries:     2,
		RetrySpacing:   1 * time.Second,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: constructing tower client: %v\n", err)
		return 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	switch args[0] {
	case "state":
		snapshot, err := client.GetState(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			return 1
		}
		printJSON(snapshot)

	case "power":
		if len(args) < 3 {
			fmt.Fprintln(os.Stderr, "usage: towerctl-simctl power <site|all> <on|off>")
			return 2
		}
		state := eventbus.MainsOff
		if args[2] == "on" {
			state = eventbus.MainsOn
		}
		if err := client.SetPower(ctx, args[1], state); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			return 1
		}

	case "rru":
		if len(args) < 4 {
			fmt.Fprintln(os.Stderr, "usage: towerctl-simctl rru <site> <a1|a2> <on|off>")
			return 2
		}
		antenna := eventbus.Antenna1
		if args[2] == "a2" {
			antenna = eventbus.Antenna2
		}
		if err := client.SetRRU(ctx, eventbus.SiteID(args[1]), antenna, args[3] == "on"); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			return 1
		}

	case "scenario":
		if len(args) < 3 {
			fmt.Fprintln(os.Stderr, "usage: towerctl-simctl scenario <site> <mode> [crqId]")
			return 2
		}
		crqID := ""
		if len(args) > 3 {
			crqID = args[3]
		}
		if err := client.RunScenario(ctx, args[1], args[2], crqID); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			return 1
		}

	default:
		fmt.Fprintf(os.Stderr, "error: unknown command %q\n", args[0])
		usage()
		return 2
	}

	return 0
}

func printJSON(v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Printf("%v\n", v)
		return
	}
	fmt.Println(string(data))
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: towerctl-simctl <command> [args...]

commands:
  state                              fetch the current fleet snapshot
  power <site|all> <on|off>          set mains power
  rru <site> <a1|a2> <on|off>        set one antenna's RRU power
  scenario <site> <mode> [crqId]     trigger a simulator scenario

environment:
  TOWERCTL_SIMULATOR   simulator base URL (default http://localhost:9000)`)
}
