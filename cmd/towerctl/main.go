// Copyright 2026 The towerctl Authors
// SPDX-License-Identifier: Apache-2.0

// Towerctl is the operator CLI: it speaks the CBOR control-socket protocol
// described in internal/control to a running towerctl-daemon, the way
// bureau-proxy-call speaks to the Bureau proxy socket.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"

	"github.com/cellfleet/towerctl/internal/control"
)

const defaultSocketPath = "/run/towerctl/control.sock"

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	flags := pflag.NewFlagSet("towerctl", pflag.ContinueOnError)
	socketPath := flags.String("socket", envOr("TOWERCTL_SOCKET", defaultSocketPath), "path to the towerctl-daemon control socket")
	timeout := flags.Duration("timeout", 10*time.Second, "request timeout")
	if err := flags.Parse(args); err != nil {
		return 2
	}

	rest := flags.Args()
	if len(rest) < 1 {
		printUsage()
		return 2
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	client := control.NewSocketClient(*socketPath)

	cmd := rest[0]
	cmdArgs := rest[1:]

	var result any
	var err error
	switch cmd {
	case "start", "stop", "pause", "resume":
		result, err = call(ctx, client, "lifecycle."+cmd, nil)
	case "summary":
		result, err = call(ctx, client, "summary.get", nil)
	case "note":
		if len(cmdArgs) < 1 {
			fmt.Fprintln(os.Stderr, "usage: towerctl note <message>")
			return 2
		}
		result, err = call(ctx, client, "note.set", map[string]any{"message": cmdArgs[0]})
	case "approvals":
		result, err = runApprovals(ctx, client, cmdArgs)
	case "policy":
		result, err = runPolicy(ctx, client, cmdArgs)
	case "auto":
		result, err = runAuto(ctx, client, cmdArgs)
	case "dispatch":
		if len(cmdArgs) < 1 {
			fmt.Fprintln(os.Stderr, "usage: towerctl dispatch <site>")
			return 2
		}
		result, err = call(ctx, client, "dispatch.send", map[string]any{"site": cmdArgs[0]})
	default:
		fmt.Fprintf(os.Stderr, "towerctl: unknown command %q\n", cmd)
		printUsage()
		return 2
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "towerctl: %v\n", err)
		return 1
	}
	printResult(result)
	return 0
}

func call(ctx context.Context, client *control.SocketClient, action string, fields map[string]any) (any, error) {
	var result any
	if err := client.Call(ctx, action, fields, &result); err != nil {
		return nil, err
	}
	return result, nil
}

func runApprovals(ctx context.Context, client *control.SocketClient, args []string) (any, error) {
	if len(args) == 0 {
		return call(ctx, client, "approvals.list", nil)
	}
	switch args[0] {
	case "approve", "reject":
		if len(args) < 2 {
			return nil, fmt.Errorf("usage: towerctl approvals %s <id>", args[0])
		}
		return call(ctx, client, "approvals.resolve", map[string]any{"id": args[1], "decision": args[0]})
	default:
		return nil, fmt.Errorf("unknown approvals subcommand %q (want approve|reject)", args[0])
	}
}

func runPolicy(ctx context.Context, client *control.SocketClient, args []string) (any, error) {
	if len(args) == 0 {
		return call(ctx, client, "policy.get", nil)
	}
	if args[0] != "patch" {
		return nil, fmt.Errorf("unknown policy subcommand %q (want patch)", args[0])
	}

	flags := pflag.NewFlagSet("towerctl policy patch", pflag.ContinueOnError)
	alarmPrioritization := flags.String("alarm-prioritization", "", "")
	waysOfWorking := flags.String("ways-of-working", "", "")
	kpiAlignment := flags.String("kpi-alignment", "", "")
	if err := flags.Parse(args[1:]); err != nil {
		return nil, err
	}

	fields := map[string]any{}
	if *alarmPrioritization != "" {
		fields["alarm_prioritization"] = *alarmPrioritization
	}
	if *waysOfWorking != "" {
		fields["ways_of_working"] = *waysOfWorking
	}
	if *kpiAlignment != "" {
		fields["kpi_alignment"] = *kpiAlignment
	}
	return call(ctx, client, "policy.patch", fields)
}

func runAuto(ctx context.Context, client *control.SocketClient, args []string) (any, error) {
	if len(args) == 0 {
		return call(ctx, client, "auto.get", nil)
	}
	switch args[0] {
	case "on":
		return call(ctx, client, "auto.set", map[string]any{"on": true})
	case "off":
		return call(ctx, client, "auto.set", map[string]any{"on": false})
	default:
		return nil, fmt.Errorf("unknown auto subcommand %q (want on|off)", args[0])
	}
}

func printResult(result any) {
	if result == nil {
		return
	}
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		fmt.Printf("%v\n", result)
		return
	}
	fmt.Println(string(data))
}

func printUsage() {
	fmt.Fprintln(os.Stderr, `usage: towerctl [--socket path] [--timeout dur] <command> [args...]

commands:
  start | stop | pause | resume     Supervisor lifecycle
  summary                           current Supervisor state
  note <message>                    record an operator note
  approvals                         list pending approvals
  approvals approve <id>            approve a pending approval
  approvals reject <id>             reject a pending approval
  policy                            show the current policy document
  policy patch [--alarm-prioritization ...] [--ways-of-working ...] [--kpi-alignment ...]
  auto                              show the auto-routing toggle
  auto on | auto off                set the auto-routing toggle
  dispatch <site>                   send the site's field-dispatch email`)
}

func envOr(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}
