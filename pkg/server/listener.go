package server

import (
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"runtime/debug"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	pb "github.com/NicolasHaas/dropfour/pkg/protocol/pb"
)

// Listen binds the game listener, wrapping it in TLS when configured. The
// listener is registered with the server at once, so a Shutdown from here on
// closes it even if Serve has not started yet.
func (s *Server) Listen() (net.Listener, error) {
	ln, err := s.bind()
	if err != nil {
		return nil, err
	}
	if !s.trackListener(ln) {
		return nil, errors.New("server: listen: server is shut down")
	}
	return ln, nil
}

func (s *Server) bind() (net.Listener, error) {
	if !s.cfg.TLS {
		ln, err := net.Listen("tcp", s.cfg.ListenAddr)
		if err != nil {
			return nil, fmt.Errorf("server: listen: %w", err)
		}
		return ln, nil
	}

	cert, err := loadOrGenerateTLS(s.cfg)
	if err != nil {
		return nil, fmt.Errorf("server: tls: %w", err)
	}
	tlsCfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS13,
	}
	ln, err := tls.Listen("tcp", s.cfg.ListenAddr, tlsCfg)
	if err != nil {
		return nil, fmt.Errorf("server: listen: %w", err)
	}
	return ln, nil
}

// Serve accepts game clients on ln until the listener is closed or the server
// shuts down. Accept failures are logged and do not affect connected clients.
func (s *Server) Serve(ln net.Listener) error {
	if !s.trackListener(ln) {
		return nil
	}

	slog.Info("game listener running", "addr", ln.Addr().String(), "matchmaking", s.cfg.Matchmaking)

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.metrics.AcceptErrors.Add(1)
			slog.Error("accept error", "err", err)
			time.Sleep(50 * time.Millisecond)
			continue
		}
		s.startWorker(newTCPTransport(conn, s.cfg.WriteTimeout))
	}
}

// trackListener records ln for Shutdown. Once the server is shut down it
// closes ln instead and reports false.
func (s *Server) trackListener(ln net.Listener) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx.Err() != nil {
		_ = ln.Close()
		return false
	}
	for _, known := range s.listeners {
		if known == ln {
			return true
		}
	}
	s.listeners = append(s.listeners, ln)
	return true
}

// startWorker runs one connection worker in its own goroutine.
func (s *Server) startWorker(t Transport) {
	s.mu.Lock()
	if s.ctx.Err() != nil {
		s.mu.Unlock()
		_ = t.Close()
		return
	}
	s.workers.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.workers.Done()
		s.handleConn(t)
	}()
}

// handleConn owns a connection from accept to cleanup. Cleanup runs exactly
// once however the loop ends: client DISCONNECT, EOF, read error, idle
// timeout, slow-consumer close, server shutdown or a panic in a handler.
func (s *Server) handleConn(t Transport) {
	sess := newSession(s.nextID.Add(1), t, s.cfg.SendQueue)
	remote := sess.RemoteAddr()

	s.mu.Lock()
	if s.ctx.Err() != nil {
		s.mu.Unlock()
		_ = t.Close()
		return
	}
	s.sessions[sess.ID] = sess
	s.mu.Unlock()

	s.metrics.TotalConnections.Add(1)
	s.metrics.ActiveConnections.Add(1)
	slog.Debug("new connection", "remote", remote, "session", sess.ID)

	go sess.writeLoop()

	defer func() {
		if r := recover(); r != nil {
			s.metrics.WorkerPanics.Add(1)
			slog.Error("connection worker panic", "remote", remote, "user", sess.Username(), "panic", r, "stack", string(debug.Stack()))
		}
		s.cleanup(sess)
	}()

	for {
		if s.cfg.IdleTimeout > 0 {
			_ = t.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
		}
		msg, err := t.ReadMessage()
		if err != nil {
			s.logReadError(sess, err)
			return
		}
		if leave := s.handleMessage(sess, msg); leave {
			return
		}
	}
}

func (s *Server) logReadError(sess *Session, err error) {
	var netErr net.Error
	switch {
	case !sess.Alive(), errors.Is(err, io.EOF), isClosedErr(err),
		websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
		slog.Debug("connection closed", "remote", sess.RemoteAddr(), "user", sess.Username())
	case errors.As(err, &netErr) && netErr.Timeout():
		s.metrics.IdleTimeouts.Add(1)
		slog.Info("idle timeout", "remote", sess.RemoteAddr(), "user", sess.Username())
	default:
		slog.Info("read failed", "remote", sess.RemoteAddr(), "user", sess.Username(), "err", err)
	}
}

// cleanup releases everything the session held: registry entry, pairing,
// an unfinished match and lobby membership.
func (s *Server) cleanup(sess *Session) {
	sess.Close()

	s.mu.Lock()
	delete(s.sessions, sess.ID)
	s.mu.Unlock()

	s.metrics.ActiveConnections.Add(-1)
	s.metrics.TotalDisconnects.Add(1)

	name := sess.Username()
	if name == "" {
		slog.Debug("anonymous client disconnected", "remote", sess.RemoteAddr())
		return
	}

	opp, m := s.registry.Logout(name, sess)
	if m != nil {
		s.abandonMatch(m, opp)
	}
	if opp != "" {
		s.registry.Lookup(opp).Send(pb.Disconnect(name))
	}
	s.registry.BroadcastLobby()
	slog.Info("client disconnected", "user", name, "remote", sess.RemoteAddr(), "opponent", opp)
}

func isClosedErr(err error) bool {
	if errors.Is(err, net.ErrClosed) {
		return true
	}
	return strings.Contains(err.Error(), "use of closed network connection")
}
