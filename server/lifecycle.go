package server

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/teranos/slate/errors"
	"github.com/teranos/slate/logger"
	"github.com/teranos/slate/pulse/sweep"
)

// getState returns the current server state
func (s *Server) getState() ServerState {
	return ServerState(s.state.Load())
}

// setState atomically updates the server state
func (s *Server) setState(newState ServerState) {
	s.state.Store(int32(newState))
	s.logger.Infow("Server state changed", "new_state", stateString(newState))
}

// stateString returns human-readable state name
func stateString(state ServerState) string {
	switch state {
	case ServerStateStarting:
		return "starting"
	case ServerStateRunning:
		return "running"
	case ServerStateDraining:
		return "draining"
	case ServerStateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// startBackgroundServices starts the sweeper and config watcher.
func (s *Server) startBackgroundServices() {
	if s.cfg.Sweep.Interval > 0 {
		s.sweeper = sweep.New(s.ctx, s.engine, s.cfg.Sweep, s.logger.Named("sweep"))
		s.sweeper.Start()
	}
	if s.configWatcher != nil {
		s.configWatcher.Start()
	}
}

// ListenAndServe listens on cfg.Addr and serves until Stop is called.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return errors.WithHint(
			errors.Wrapf(err, "failed to listen on %s", s.cfg.Addr),
			"is another slate server running? set server.port or pass --port")
	}
	return s.Serve(ln)
}

// Serve serves on ln until Stop is called. It returns nil after a graceful
// shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.httpServer = &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return s.ctx },
	}
	s.startBackgroundServices()
	s.setState(ServerStateRunning)
	logger.AddPulseOpenSymbol(s.logger).Infow("Server ready", logger.FieldAddress, ln.Addr().String())

	err := s.httpServer.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return errors.Wrap(err, "http server failed")
}

// Stop gracefully shuts down the server and cleans up resources. ctx bounds
// the wait for in-flight requests.
func (s *Server) Stop(ctx context.Context) error {
	if s.getState() == ServerStateStopped {
		return nil
	}
	s.logger.Infow("Initiating server shutdown")
	s.setState(ServerStateDraining)

	var errs []error
	if s.httpServer != nil {
		// Shutdown does not wait for hijacked WebSocket connections.
		if err := s.httpServer.Shutdown(ctx); err != nil {
			errs = append(errs, errors.Wrap(err, "http shutdown"))
		}
	}

	s.mu.Lock()
	clients := make([]*Client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()
	if len(clients) > 0 {
		s.logger.Infow("Closing client connections", logger.FieldCount, len(clients))
	}
	for _, c := range clients {
		c.close()
	}

	// Cancels adopted driver loops too.
	s.cancel()
	if s.sweeper != nil {
		s.sweeper.Stop()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(ShutdownTimeout):
		s.logger.Warnw("Goroutine shutdown timed out", "timeout", ShutdownTimeout)
	}

	if s.configWatcher != nil {
		if err := s.configWatcher.Stop(); err != nil {
			s.logger.Warnw("Failed to stop config watcher", logger.FieldError, err)
		}
	}
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}

	s.setState(ServerStateStopped)
	logger.AddPulseCloseSymbol(s.logger).Infow("Server stopped")
	return errors.Join(errs...)
}
