// Package client implements a thin control-socket client for
// cmd/poppod's `client` subcommands, replacing the source's gRPC+mTLS
// stack with the same length-prefixed JSON protocol the control plane
// speaks (§6).
package client

import (
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/poppobuilder/poppod/internal/apperrors"
	"github.com/poppobuilder/poppod/internal/framing"
)

// request/response mirror internal/controlplane's wire envelopes
// exactly; they are redefined here rather than imported so this
// package has no dependency on the daemon's internals, only the wire
// contract (§6).
type request struct {
	ID      string          `json:"id"`
	Command string          `json:"command"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type response struct {
	ID    string           `json:"id"`
	OK    bool             `json:"ok"`
	Data  json.RawMessage  `json:"data,omitempty"`
	Error *apperrors.Error `json:"error,omitempty"`
}

// Client dials the daemon's unix control socket for one command at a
// time; each Call opens and closes its own connection, matching the
// one-shot nature of the CLI subcommands that use it.
type Client struct {
	socketPath string
	timeout    time.Duration
	nextID     int
}

// New constructs a Client for the control socket at socketPath.
func New(socketPath string) *Client {
	return &Client{socketPath: socketPath, timeout: 30 * time.Second}
}

// WithTimeout overrides the per-call dial+round-trip timeout.
func (c *Client) WithTimeout(d time.Duration) *Client {
	c.timeout = d
	return c
}

// Call sends command with params (marshaled to JSON) and decodes the
// response's data into out (which may be nil to discard it).
func (c *Client) Call(command string, params any, out any) error {
	conn, err := net.DialTimeout("unix", c.socketPath, c.timeout)
	if err != nil {
		return apperrors.Wrap(apperrors.IO, err, fmt.Sprintf("connecting to %s", c.socketPath))
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(c.timeout))

	c.nextID++
	req := request{ID: fmt.Sprintf("%d", c.nextID), Command: command}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return apperrors.Wrap(apperrors.Internal, err, "encoding request params")
		}
		req.Params = raw
	}

	if err := framing.WriteJSON(conn, req); err != nil {
		return apperrors.Wrap(apperrors.IO, err, "sending request")
	}

	var resp response
	if err := framing.ReadJSON(conn, &resp); err != nil {
		return apperrors.Wrap(apperrors.IO, err, "reading response")
	}
	if !resp.OK {
		if resp.Error != nil {
			return resp.Error
		}
		return apperrors.New(apperrors.Internal, "daemon returned a failure with no error detail")
	}
	if out != nil && len(resp.Data) > 0 {
		if err := json.Unmarshal(resp.Data, out); err != nil {
			return apperrors.Wrap(apperrors.Internal, err, "decoding response data")
		}
	}
	return nil
}

// Ping sends the "ping" command.
func (c *Client) Ping() error { return c.Call("ping", nil, nil) }

// Status retrieves the daemon's composite status (§4.9 "status").
func (c *Client) Status() (map[string]any, error) {
	var out map[string]any
	err := c.Call("status", nil, &out)
	return out, err
}

// QueueStatus retrieves the task queue's summary stats.
func (c *Client) QueueStatus() (map[string]any, error) {
	var out map[string]any
	err := c.Call("get-queue-status", nil, &out)
	return out, err
}

// ListProjects retrieves every registered project.
func (c *Client) ListProjects() ([]map[string]any, error) {
	var out []map[string]any
	err := c.Call("list-projects", nil, &out)
	return out, err
}

// Scale issues a forced worker-pool scale by delta.
func (c *Client) Scale(delta int) error {
	return c.Call("scale-workers", map[string]any{"delta": delta}, nil)
}

// Shutdown requests a graceful daemon shutdown.
func (c *Client) Shutdown() error {
	return c.Call("shutdown", nil, nil)
}
