// Copyright 2026 The towerctl Authors
// SPDX-License-Identifier: Apache-2.0

// Package dispatch delivers the field-dispatch notification Agent C
// composes (§4.7, §6) to its operator-configured destination.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"net/smtp"
	"strings"

	"github.com/cellfleet/towerctl/internal/agentrca"
	"github.com/cellfleet/towerctl/internal/config"
)

// Transport delivers a composed dispatch email. Implementations must
// be safe for concurrent use.
type Transport interface {
	Send(ctx context.Context, email agentrca.DispatchEmail) error
}

// New builds the Transport named by cfg: an SMTPTransport when
// SMTPAddr is set, or a LogTransport otherwise (§1's "no durability/
// no external dependency beyond what's configured" posture — a site
// with no mail relay configured still gets a dispatch record, just in
// the operator log instead of an inbox).
func New(cfg config.DispatchConfig, logger *slog.Logger) Transport {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.SMTPAddr == "" {
		return &LogTransport{logger: logger}
	}
	return &SMTPTransport{addr: cfg.SMTPAddr, from: cfg.From, to: cfg.To, logger: logger}
}

// SMTPTransport sends the dispatch email over SMTP using the
// standard library's net/smtp. No third-party SMTP client exists
// anywhere in the retrieval pack (see DESIGN.md), so this is the
// module's one deliberate stdlib-only component.
type SMTPTransport struct {
	addr   string
	from   string
	to     []string
	logger *slog.Logger
}

// Send connects to the configured relay and sends email to every
// configured recipient in one message.
func (t *SMTPTransport) Send(ctx context.Context, email agentrca.DispatchEmail) error {
	if len(t.to) == 0 {
		return fmt.Errorf("dispatch: no recipients configured")
	}

	var msg strings.Builder
	fmt.Fprintf(&msg, "From: %s\r\n", t.from)
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(t.to, ", "))
	fmt.Fprintf(&msg, "Subject: %s\r\n", email.Subject)
	msg.WriteString("\r\n")
	msg.WriteString(email.Body)

	done := make(chan error, 1)
	go func() {
		done <- smtp.SendMail(t.addr, nil, t.from, t.to, []byte(msg.String()))
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		if err != nil {
			return fmt.Errorf("dispatch: sending mail via %s: %w", t.addr, err)
		}
		t.logger.Info("dispatch email sent", "subject", email.Subject, "recipients", len(t.to))
		return nil
	}
}

// LogTransport records the dispatch email to the structured log
// instead of delivering it. Used when no SMTP relay is configured.
type LogTransport struct {
	logger *slog.Logger
}

// Send logs the email at warn level (a dispatch notification with
// nowhere to go is an operator-visible condition, not routine info).
func (t *LogTransport) Send(ctx context.Context, email agentrca.DispatchEmail) error {
	t.logger.Warn("dispatch email (dry-run, no SMTP configured)",
		"subject", email.Subject, "body", email.Body)
	return nil
}
