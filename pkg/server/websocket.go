package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"

	"github.com/NicolasHaas/dropfour/pkg/protocol"
	pb "github.com/NicolasHaas/dropfour/pkg/protocol/pb"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// wsTransport carries one JSON message per WebSocket frame.
type wsTransport struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
}

func newWSTransport(conn *websocket.Conn, writeTimeout time.Duration) *wsTransport {
	conn.SetReadLimit(protocol.MaxMessageSize)
	return &wsTransport{conn: conn, writeTimeout: writeTimeout}
}

func (t *wsTransport) ReadMessage() (*pb.Message, error) {
	_, data, err := t.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	return protocol.Decode(data)
}

func (t *wsTransport) WriteMessage(msg *pb.Message) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	if t.writeTimeout > 0 {
		_ = t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout))
	}
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *wsTransport) SetReadDeadline(d time.Time) error { return t.conn.SetReadDeadline(d) }
func (t *wsTransport) Close() error                      { return t.conn.Close() }
func (t *wsTransport) RemoteAddr() string                { return t.conn.RemoteAddr().String() }

// handleWebSocket upgrades the request and runs it as a game client.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Debug("websocket upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	s.startWorker(newWSTransport(conn, s.cfg.WriteTimeout))
}
