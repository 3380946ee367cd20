// Copyright 2026 The towerctl Authors
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"context"
	"testing"

	"github.com/cellfleet/towerctl/internal/agentrca"
	"github.com/cellfleet/towerctl/internal/config"
)

func TestNewSelectsLogTransportWithoutSMTPAddr(t *testing.T) {
	transport := New(config.DispatchConfig{}, nil)
	if _, ok := transport.(*LogTransport); !ok {
		t.Fatalf("New() = %T, want *LogTransport", transport)
	}
}

func TestNewSelectsSMTPTransportWithSMTPAddr(t *testing.T) {
	transport := New(config.DispatchConfig{SMTPAddr: "mail.example.com:25"}, nil)
	if _, ok := transport.(*SMTPTransport); !ok {
		t.Fatalf("New() = %T, want *SMTPTransport", transport)
	}
}

func TestLogTransportSendNeverErrors(t *testing.T) {
	transport := New(config.DispatchConfig{}, nil)
	email := agentrca.DispatchEmail{Subject: "[DISPATCH] SITE-001 – MainsFailure – Action required", Body: "Site: SITE-001\n"}

	if err := transport.Send(context.Background(), email); err != nil {
		t.Fatalf("LogTransport.Send returned error: %v", err)
	}
}

func TestSMTPTransportSendRequiresRecipients(t *testing.T) {
	transport := New(config.DispatchConfig{SMTPAddr: "mail.example.com:25", From: "towerctl@example.com"}, nil).(*SMTPTransport)

	err := transport.Send(context.Background(), agentrca.DispatchEmail{Subject: "x", Body: "y"})
	if err == nil {
		t.Fatal("Send with no recipients should error")
	}
}
