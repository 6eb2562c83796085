package server

import (
	"bufio"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/NicolasHaas/dropfour/pkg/protocol"
	pb "github.com/NicolasHaas/dropfour/pkg/protocol/pb"
)

// Transport carries protocol messages for one client connection.
// ReadMessage is called only by the connection worker and WriteMessage only
// by the session's writer goroutine. Close may be called from anywhere.
type Transport interface {
	ReadMessage() (*pb.Message, error)
	WriteMessage(msg *pb.Message) error
	SetReadDeadline(t time.Time) error
	Close() error
	RemoteAddr() string
}

// tcpTransport speaks length-prefixed JSON over a stream connection.
type tcpTransport struct {
	conn         net.Conn
	r            *bufio.Reader
	writeTimeout time.Duration
}

func newTCPTransport(conn net.Conn, writeTimeout time.Duration) *tcpTransport {
	return &tcpTransport{
		conn:         conn,
		r:            bufio.NewReader(conn),
		writeTimeout: writeTimeout,
	}
}

func (t *tcpTransport) ReadMessage() (*pb.Message, error) {
	return protocol.ReadMessage(t.r)
}

func (t *tcpTransport) WriteMessage(msg *pb.Message) error {
	if t.writeTimeout > 0 {
		_ = t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout))
	}
	return protocol.WriteMessage(t.conn, msg)
}

func (t *tcpTransport) SetReadDeadline(d time.Time) error { return t.conn.SetReadDeadline(d) }
func (t *tcpTransport) Close() error                      { return t.conn.Close() }
func (t *tcpTransport) RemoteAddr() string                { return t.conn.RemoteAddr().String() }

// Session is one connected client. Outbound messages go through a bounded
// queue drained by writeLoop, so Send never blocks the caller.
type Session struct {
	ID        uint64
	transport Transport
	send      chan *pb.Message
	done      chan struct{}
	closeOnce sync.Once
	alive     atomic.Bool

	mu       sync.RWMutex
	username string
}

func newSession(id uint64, t Transport, queue int) *Session {
	s := &Session{
		ID:        id,
		transport: t,
		send:      make(chan *pb.Message, queue),
		done:      make(chan struct{}),
	}
	s.alive.Store(true)
	return s
}

// Username returns the name bound at login, or "" before login.
func (s *Session) Username() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.username
}

func (s *Session) setUsername(name string) {
	s.mu.Lock()
	s.username = name
	s.mu.Unlock()
}

// RemoteAddr returns the peer address of the transport.
func (s *Session) RemoteAddr() string { return s.transport.RemoteAddr() }

// Alive reports whether the session has not been closed.
func (s *Session) Alive() bool { return s.alive.Load() }

// Done is closed when the session closes.
func (s *Session) Done() <-chan struct{} { return s.done }

// Send enqueues msg for delivery. A nil or closed session drops the message.
// A full queue means the client is not reading; the session is closed and
// its worker runs the usual cleanup.
func (s *Session) Send(msg *pb.Message) bool {
	if s == nil || !s.alive.Load() {
		return false
	}
	select {
	case s.send <- msg:
		return true
	case <-s.done:
		return false
	default:
		slog.Warn("send queue full, closing slow client", "user", s.Username(), "remote", s.RemoteAddr(), "type", msg.Type)
		s.Close()
		return false
	}
}

// Close marks the session dead and closes the transport, which also unblocks
// a pending read in the connection worker. Safe to call more than once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.alive.Store(false)
		close(s.done)
		_ = s.transport.Close()
	})
}

// writeLoop delivers queued messages until the session closes.
func (s *Session) writeLoop() {
	for {
		select {
		case <-s.done:
			return
		case msg := <-s.send:
			if err := s.transport.WriteMessage(msg); err != nil {
				if s.alive.Load() {
					slog.Debug("write failed", "user", s.Username(), "remote", s.RemoteAddr(), "err", err)
				}
				s.Close()
				return
			}
		}
	}
}
