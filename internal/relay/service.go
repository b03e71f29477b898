// ABOUTME: Service owns relay startup and shutdown ordering.
// ABOUTME: Connect backends, resolve identity, supervise the receive loop, tear down in reverse.

package relay

import (
	"context"
	"log/slog"
)

// BackendRuntime is what the service needs from the agent runtime.
type BackendRuntime interface {
	ConnectAll(ctx context.Context)
	DisconnectAll()
}

// Service wires the transport to the dispatcher and owns orderly shutdown.
// It makes no dispatch decisions itself.
type Service struct {
	transport  Transport
	runtime    BackendRuntime
	dispatcher *Dispatcher
	logger     *slog.Logger
}

// NewService creates the relay service.
func NewService(transport Transport, runtime BackendRuntime, dispatcher *Dispatcher, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		transport:  transport,
		runtime:    runtime,
		dispatcher: dispatcher,
		logger:     logger.With("component", "relay"),
	}
}

// Run starts the relay and blocks until the context is cancelled or the
// transport session fails. Shutdown always runs: the transport session is
// closed before backends are torn down, so no event can be dispatched into
// an agent whose tools are mid-teardown.
func (s *Service) Run(ctx context.Context) error {
	s.runtime.ConnectAll(ctx)

	// A failed identity lookup disables self-message filtering but must not
	// block startup.
	if selfID, err := s.transport.Identity(ctx); err != nil {
		s.logger.Error("identity lookup failed, self-message filtering disabled", "error", err)
	} else {
		s.dispatcher.SetSelfID(selfID)
		s.logger.Info("bot identity resolved", "user_id", selfID)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Supervised receive loop: the handle is retained so shutdown can await
	// it deterministically.
	transportErr := make(chan error, 1)
	go func() {
		transportErr <- s.transport.Run(runCtx, s.dispatcher.Dispatch)
	}()

	s.logger.Info("relay running, waiting for messages")

	var runErr error
	awaited := false
	select {
	case <-ctx.Done():
		s.logger.Info("shutting down")
	case err := <-transportErr:
		awaited = true
		runErr = err
		if err != nil {
			s.logger.Error("transport session failed", "error", err)
		}
	}

	// Stop inbound delivery first.
	if err := s.transport.Close(); err != nil {
		s.logger.Error("closing transport session failed", "error", err)
	}
	cancel()
	if !awaited {
		if err := <-transportErr; err != nil && runErr == nil {
			s.logger.Debug("transport receive loop ended", "error", err)
		}
	}

	// Let in-flight dispatches finish, then tear down the backends.
	s.dispatcher.Close()
	s.runtime.DisconnectAll()

	s.logger.Info("relay stopped")
	return runErr
}
