// ABOUTME: Runtime owns the tool-backend set and the model-invocation capability.
// ABOUTME: Fans out connect/disconnect across backends and generates replies from windowed history.

package agent

import (
	"context"
	"log/slog"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/2389/mcp-slackbot/internal/conversation"
)

// Backend is what the runtime needs from a tool-backend handle.
// backend.Handle is the production implementation.
type Backend interface {
	ID() string
	Connect(ctx context.Context) error
	Disconnect() error
	Connected() bool
	Tools(ctx context.Context) ([]mcp.Tool, error)
	CallTool(ctx context.Context, name string, args map[string]any) (output string, isError bool, err error)
}

// ToolProvider is the read/invoke slice of Backend handed to the generator
// during a reply. Only connected backends are offered.
type ToolProvider interface {
	ID() string
	Tools(ctx context.Context) ([]mcp.Tool, error)
	CallTool(ctx context.Context, name string, args map[string]any) (output string, isError bool, err error)
}

// Generator is the model-invocation capability. It receives the already
// windowed history plus the connected backends whose tools it may call.
type Generator interface {
	Generate(ctx context.Context, history []conversation.Message, tools []ToolProvider) (string, error)
}

// GenerationError wraps whatever went wrong while producing a reply so the
// dispatcher sees a single opaque failure carrying the cause.
type GenerationError struct {
	cause error
}

func (e *GenerationError) Error() string {
	return "generating reply: " + e.cause.Error()
}

func (e *GenerationError) Unwrap() error {
	return e.cause
}

// Runtime owns a set of tool backends plus a reference to the generator.
// The backend set is fixed at construction; only the connect/disconnect
// lifecycle mutates the handles.
type Runtime struct {
	backends  []Backend
	generator Generator
	logger    *slog.Logger
}

// NewRuntime creates a runtime over the given backends and generator.
func NewRuntime(backends []Backend, generator Generator, logger *slog.Logger) *Runtime {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runtime{
		backends:  backends,
		generator: generator,
		logger:    logger.With("component", "agent"),
	}
}

// ConnectAll connects every backend independently. One backend's failure
// never prevents attempting the others, and a slow backend never delays
// them: each connect runs in its own goroutine. Failures are logged with the
// backend's identity; ConnectAll itself never fails.
func (r *Runtime) ConnectAll(ctx context.Context) {
	var wg sync.WaitGroup
	for _, b := range r.backends {
		wg.Add(1)
		go func(b Backend) {
			defer wg.Done()
			if err := b.Connect(ctx); err != nil {
				r.logger.Error("backend connect failed", "backend", b.ID(), "error", err)
			}
		}(b)
	}
	wg.Wait()

	r.logger.Info("backend connect cycle complete",
		"connected", len(r.connectedBackends()),
		"total", len(r.backends),
	)
}

// GenerateReply forwards the supplied history to the generator, giving it
// every successfully connected backend as a tool provider. The history must
// already be windowed by the caller. Failures come back as a single
// *GenerationError; there is no retry at this layer.
func (r *Runtime) GenerateReply(ctx context.Context, history []conversation.Message) (string, error) {
	providers := make([]ToolProvider, 0, len(r.backends))
	for _, b := range r.connectedBackends() {
		providers = append(providers, b)
	}

	reply, err := r.generator.Generate(ctx, history, providers)
	if err != nil {
		return "", &GenerationError{cause: err}
	}
	return reply, nil
}

// DisconnectAll disconnects every backend independently, same fan-out policy
// as ConnectAll. It always completes even if individual disconnects fail.
func (r *Runtime) DisconnectAll() {
	var wg sync.WaitGroup
	for _, b := range r.backends {
		wg.Add(1)
		go func(b Backend) {
			defer wg.Done()
			if err := b.Disconnect(); err != nil {
				r.logger.Error("backend disconnect failed", "backend", b.ID(), "error", err)
			}
		}(b)
	}
	wg.Wait()

	r.logger.Info("backends disconnected")
}

func (r *Runtime) connectedBackends() []Backend {
	var connected []Backend
	for _, b := range r.backends {
		if b.Connected() {
			connected = append(connected, b)
		}
	}
	return connected
}
