// ABOUTME: Handle wraps one MCP tool-backend subprocess over stdio.
// ABOUTME: Owns the subprocess channel and its Connect/Disconnect lifecycle.

package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/2389/mcp-slackbot/internal/config"
)

// ErrNotConnected indicates an operation that requires a live backend channel.
var ErrNotConnected = errors.New("backend not connected")

// ErrHandleClosed indicates the handle was disconnected and cannot reconnect.
// Handles are single-use per process run.
var ErrHandleClosed = errors.New("backend handle closed")

// State describes where a handle is in its lifecycle.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// toolClient is the slice of the MCP client the handle uses. It exists so
// tests can substitute the stdio client without launching subprocesses.
type toolClient interface {
	Initialize(ctx context.Context, req mcp.InitializeRequest) (*mcp.InitializeResult, error)
	ListTools(ctx context.Context, req mcp.ListToolsRequest) (*mcp.ListToolsResult, error)
	CallTool(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error)
	Close() error
}

// Handle is the runtime object bound 1:1 to a BackendDescriptor. It owns the
// underlying subprocess channel exclusively.
type Handle struct {
	desc   config.BackendDescriptor
	logger *slog.Logger

	// dial launches the subprocess and returns its client. Overridden in tests.
	dial func() (toolClient, error)

	mu     sync.Mutex
	state  State
	client toolClient
	closed bool
}

// NewHandle creates a disconnected handle for the described backend.
func NewHandle(desc config.BackendDescriptor, logger *slog.Logger) *Handle {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handle{
		desc:   desc,
		logger: logger.With("backend", desc.ID),
	}
	h.dial = h.dialStdio
	return h
}

// ID returns the backend identifier from its descriptor.
func (h *Handle) ID() string {
	return h.desc.ID
}

// State returns the handle's current lifecycle state.
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Connected reports whether the backend channel is usable.
func (h *Handle) Connected() bool {
	return h.State() == StateConnected
}

// dialStdio launches the backend subprocess and returns its stdio client.
func (h *Handle) dialStdio() (toolClient, error) {
	env := make([]string, 0, len(h.desc.Env))
	for k, v := range h.desc.Env {
		env = append(env, k+"="+v)
	}
	return mcpclient.NewStdioMCPClient(h.desc.Command, env, h.desc.Args...)
}

// Connect establishes the subprocess communication channel and performs the
// MCP initialize handshake. On failure the handle stays disconnected and
// remains usable for a later retry; the caller decides whether to retry.
// Connecting a closed handle fails: there is no way back after Disconnect.
func (h *Handle) Connect(ctx context.Context) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return fmt.Errorf("backend %s: %w", h.desc.ID, ErrHandleClosed)
	}
	if h.state == StateConnected {
		h.mu.Unlock()
		return nil
	}
	h.state = StateConnecting
	h.mu.Unlock()

	client, err := h.dial()
	if err != nil {
		h.setDisconnected()
		return fmt.Errorf("backend %s: launching %s: %w", h.desc.ID, h.desc.Command, err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{
		Name:    "mcp-slackbot",
		Version: "1.0.0",
	}

	result, err := client.Initialize(ctx, initReq)
	if err != nil {
		_ = client.Close()
		h.setDisconnected()
		return fmt.Errorf("backend %s: initialize: %w", h.desc.ID, err)
	}

	h.mu.Lock()
	h.client = client
	h.state = StateConnected
	h.mu.Unlock()

	h.logger.Info("backend connected",
		"server", result.ServerInfo.Name,
		"server_version", result.ServerInfo.Version,
	)
	return nil
}

func (h *Handle) setDisconnected() {
	h.mu.Lock()
	h.state = StateDisconnected
	h.mu.Unlock()
}

// Tools lists the tools the connected backend exposes.
func (h *Handle) Tools(ctx context.Context) ([]mcp.Tool, error) {
	client, err := h.liveClient()
	if err != nil {
		return nil, err
	}

	result, err := client.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, fmt.Errorf("backend %s: listing tools: %w", h.desc.ID, err)
	}
	return result.Tools, nil
}

// CallTool invokes a named tool on the connected backend. The flattened text
// output is returned together with the backend's tool-level error flag; err
// is reserved for protocol failures.
func (h *Handle) CallTool(ctx context.Context, name string, args map[string]any) (string, bool, error) {
	client, err := h.liveClient()
	if err != nil {
		return "", false, err
	}

	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args

	result, err := client.CallTool(ctx, req)
	if err != nil {
		return "", false, fmt.Errorf("backend %s: calling tool %s: %w", h.desc.ID, name, err)
	}

	return flattenContent(result.Content), result.IsError, nil
}

func (h *Handle) liveClient() (toolClient, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state != StateConnected || h.client == nil {
		return nil, fmt.Errorf("backend %s: %w", h.desc.ID, ErrNotConnected)
	}
	return h.client, nil
}

// flattenContent joins the textual parts of an MCP result. Non-text parts are
// summarized by type so the model still learns they exist.
func flattenContent(content []mcp.Content) string {
	var parts []string
	for _, c := range content {
		switch v := c.(type) {
		case mcp.TextContent:
			parts = append(parts, v.Text)
		case *mcp.TextContent:
			parts = append(parts, v.Text)
		case mcp.ImageContent:
			parts = append(parts, fmt.Sprintf("[image: %s]", v.MIMEType))
		default:
			parts = append(parts, fmt.Sprintf("[%T]", c))
		}
	}
	return strings.Join(parts, "\n")
}

// Disconnect terminates the subprocess channel. It is idempotent: a second
// call logs and returns nil. After Disconnect the handle is closed for the
// rest of the process run and Connect will fail.
func (h *Handle) Disconnect() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		h.logger.Debug("backend already disconnected")
		return nil
	}
	h.closed = true
	client := h.client
	h.client = nil
	h.state = StateDisconnected
	h.mu.Unlock()

	if client == nil {
		return nil
	}

	if err := client.Close(); err != nil {
		return fmt.Errorf("backend %s: closing channel: %w", h.desc.ID, err)
	}

	h.logger.Info("backend disconnected")
	return nil
}
