// Copyright 2026 The towerctl Authors
// SPDX-License-Identifier: Apache-2.0

package control

import (
	"context"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/cellfleet/towerctl/internal/codec"
)

const (
	socketDialTimeout     = 5 * time.Second
	socketResponseTimeout = 45 * time.Second
	maxSocketResponse     = 1024 * 1024
)

// SocketError is returned by SocketClient.Call when the daemon
// responds with ok=false.
type SocketError struct {
	Action  string
	Message string
}

func (e *SocketError) Error() string {
	return fmt.Sprintf("towerctl-daemon error on %q: %s", e.Action, e.Message)
}

// SocketClient sends CBOR requests to a towerctl-daemon control
// socket. Each Call opens a new connection, sends one request, reads
// one response, and closes — matching the server's one-request-per-
// connection model (mirrors lib/service/client.go; the control
// socket has no token since its access boundary is the socket file's
// Unix permissions, not an application-level credential).
type SocketClient struct {
	socketPath string
}

// NewSocketClient creates a client for the daemon's control socket at
// socketPath.
func NewSocketClient(socketPath string) *SocketClient {
	return &SocketClient{socketPath: socketPath}
}

// Call sends action with the given fields and decodes the response
// data into result (which may be nil). On a server-side failure,
// returns a *SocketError.
func (c *SocketClient) Call(ctx context.Context, action string, fields map[string]any, result any) error {
	request := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		request[k] = v
	}
	request["action"] = action

	response, err := c.send(ctx, request)
	if err != nil {
		return fmt.Errorf("calling %q on %s: %w", action, c.socketPath, err)
	}

	if !response.OK {
		return &SocketError{Action: action, Message: response.Error}
	}

	if result != nil && len(response.Data) > 0 {
		if err := codec.Unmarshal(response.Data, result); err != nil {
			return fmt.Errorf("decoding response data for %q: %w", action, err)
		}
	}
	return nil
}

func (c *SocketClient) send(ctx context.Context, request any) (*socketResponse, error) {
	dialer := net.Dialer{Timeout: socketDialTimeout}
	conn, err := dialer.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		return nil, fmt.Errorf("connecting: %w", err)
	}
	defer conn.Close()

	if err := codec.NewEncoder(conn).Encode(request); err != nil {
		return nil, fmt.Errorf("writing request: %w", err)
	}
	if unixConn, ok := conn.(*net.UnixConn); ok {
		unixConn.CloseWrite()
	}

	conn.SetReadDeadline(time.Now().Add(socketResponseTimeout))
	var response socketResponse
	if err := codec.NewDecoder(io.LimitReader(conn, maxSocketResponse)).Decode(&response); err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	return &response, nil
}
