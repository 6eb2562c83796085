package server

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/NicolasHaas/dropfour/pkg/version"
)

const shutdownGrace = 5 * time.Second

// Run binds the listeners, serves clients and blocks until SIGINT/SIGTERM.
// Bind failures are returned before any client is accepted.
func (s *Server) Run() error {
	if err := s.cfg.Validate(); err != nil {
		return err
	}
	if s.store != nil {
		st := s.store
		defer func() { _ = st.Close() }()
	}

	ln, err := s.Listen()
	if err != nil {
		return err
	}
	if err := s.StartHTTP(); err != nil {
		_ = ln.Close()
		return err
	}

	slog.Info("dropfour server running",
		"version", version.String(),
		"addr", ln.Addr().String(),
		"http", s.cfg.HTTPAddr,
		"tls", s.cfg.TLS,
		"matchmaking", s.cfg.Matchmaking,
	)

	s.metrics.StartPeriodicLog(s.cfg.MetricsLogInterval, s.ctx.Done())

	serveErr := make(chan error, 1)
	go func() { serveErr <- s.Serve(ln) }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		slog.Info("shutting down...", "signal", sig.String())
	case err := <-serveErr:
		if err != nil {
			s.Shutdown()
			return fmt.Errorf("server: serve: %w", err)
		}
	}
	s.Shutdown()
	return nil
}

// Shutdown stops accepting clients, closes every open session and waits for
// their workers to finish cleanup.
func (s *Server) Shutdown() {
	s.cancel()

	s.mu.Lock()
	listeners := s.listeners
	s.listeners = nil
	httpSrv := s.httpSrv
	s.httpSrv = nil
	open := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		open = append(open, sess)
	}
	s.mu.Unlock()

	for _, ln := range listeners {
		_ = ln.Close()
	}
	if httpSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		_ = httpSrv.Shutdown(ctx)
		cancel()
	}
	for _, sess := range open {
		sess.Close()
	}

	done := make(chan struct{})
	go func() {
		s.workers.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(shutdownGrace):
		slog.Warn("timed out waiting for connection workers")
	}
}
