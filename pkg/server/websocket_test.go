package server

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/NicolasHaas/dropfour/pkg/protocol"
	pb "github.com/NicolasHaas/dropfour/pkg/protocol/pb"
)

type wsClient struct {
	t    *testing.T
	conn *websocket.Conn
}

func dialWS(t *testing.T, httpURL string) *wsClient {
	t.Helper()
	url := "ws" + strings.TrimPrefix(httpURL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return &wsClient{t: t, conn: conn}
}

func (c *wsClient) send(msg *pb.Message) {
	c.t.Helper()
	data, err := protocol.Encode(msg)
	require.NoError(c.t, err)
	require.NoError(c.t, c.conn.WriteMessage(websocket.TextMessage, data))
}

func (c *wsClient) expect(typ pb.MessageType) *pb.Message {
	c.t.Helper()
	for {
		_ = c.conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, data, err := c.conn.ReadMessage()
		require.NoError(c.t, err, "waiting for %s", typ)
		msg, err := protocol.Decode(data)
		require.NoError(c.t, err)
		if msg.Type == typ {
			return msg
		}
	}
}

// TestWebSocketPlaysAgainstTCP pairs a browser-style client with a socket
// client; both share one registry and one match.
func TestWebSocketPlaysAgainstTCP(t *testing.T) {
	srv, addr, st := startTestServer(t, nil)
	ts := httptest.NewServer(srv.HTTPHandler())
	t.Cleanup(ts.Close)

	alice := dialWS(t, ts.URL)
	alice.send(pb.Login("alice"))
	require.Equal(t, "alice", alice.expect(pb.TypeLoginSuccess).Username)
	require.Equal(t, []string{"alice"}, alice.expect(pb.TypeLobbyUpdate).PlayerList)

	bob := dial(t, addr)
	bob.login("bob")

	require.True(t, alice.expect(pb.TypeGameState).IsPlayerTurn)
	require.Equal(t, "bob", alice.expect(pb.TypeNewUser).Username)
	require.False(t, bob.expect(pb.TypeGameState).IsPlayerTurn)

	alice.send(pb.Move(6))
	state := bob.expectTurn()
	require.Equal(t, 1, state.Board[5][6])

	alice.send(pb.Disconnect(""))
	require.Equal(t, "alice", bob.expect(pb.TypeDisconnect).Username)

	matches := waitForMatches(t, st, 1)
	require.Equal(t, "bob", matches[0].Winner)
}

func TestWebSocketRejectsBadMessage(t *testing.T) {
	srv, _, _ := startTestServer(t, nil)
	ts := httptest.NewServer(srv.HTTPHandler())
	t.Cleanup(ts.Close)

	c := dialWS(t, ts.URL)
	require.NoError(t, c.conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"SHUTDOWN"}`)))

	_ = c.conn.SetReadDeadline(time.Now().Add(readTimeout))
	_, _, err := c.conn.ReadMessage()
	require.Error(t, err)
	require.Eventually(t, func() bool {
		return srv.Metrics().ActiveConnections.Load() == 0
	}, readTimeout, 10*time.Millisecond)
}
