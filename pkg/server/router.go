package server

import (
	"log/slog"
	"strings"
	"unicode"

	"github.com/NicolasHaas/dropfour/pkg/model"
	pb "github.com/NicolasHaas/dropfour/pkg/protocol/pb"
)

// MaxTextLength caps relayed TEXT bodies in bytes.
const MaxTextLength = 2000

const (
	textWin  = "You won!"
	textLose = "You lost!"
	textDraw = "Game ended in a draw"
)

// handleMessage dispatches one decoded request. It reports true when the
// client asked to leave.
func (s *Server) handleMessage(sess *Session, msg *pb.Message) (leave bool) {
	s.metrics.MessagesIn.Add(1)

	switch msg.Type {
	case pb.TypeDisconnect:
		slog.Debug("client requested disconnect", "remote", sess.RemoteAddr(), "user", sess.Username())
		return true
	case pb.TypeLogin:
		s.handleLogin(sess, msg.Username)
		return false
	}

	// The sender is whoever this session logged in as; names claimed in the
	// message are ignored.
	name := sess.Username()
	if name == "" {
		slog.Debug("ignoring request before login", "remote", sess.RemoteAddr(), "type", msg.Type)
		return false
	}

	switch msg.Type {
	case pb.TypeGameMove:
		s.handleMove(sess, name, msg.ColumnOr(-1))
	case pb.TypeGameRestart:
		s.handleRestart(sess, name)
	case pb.TypeText:
		s.handleText(name, msg.Recipient, msg.Message)
	case pb.TypeChallengeRequest:
		s.handleChallengeRequest(name, msg.Recipient)
	case pb.TypeChallengeAccept:
		s.handleChallengeAccept(name, msg.Recipient)
	case pb.TypeChallengeDecline:
		s.handleChallengeDecline(name, msg.Recipient)
	default:
		slog.Debug("ignoring server-only message type", "user", name, "type", msg.Type)
	}
	return false
}

// handleMove applies a move to the sender's match. The match mutex is held
// until every resulting message is enqueued.
func (s *Server) handleMove(sess *Session, name string, column int) {
	m, opp, ok := s.registry.MatchOf(name)
	if !ok {
		slog.Debug("move without a match", "user", name)
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed.Load() {
		return
	}
	if !m.engine.ApplyMove(name, column) {
		s.metrics.MovesRejected.Add(1)
		slog.Debug("move rejected", "user", name, "column", column, "match", m.id)
		return
	}
	s.metrics.MovesApplied.Add(1)

	grid := m.engine.Snapshot().Rows()
	oppSess := s.registry.Lookup(opp)

	switch {
	case m.engine.CheckWin():
		m.engine.Finish()
		sess.Send(pb.Outcome(pb.TypeGameWin, textWin, grid))
		oppSess.Send(pb.Outcome(pb.TypeGameLose, textLose, grid))
		s.metrics.GamesWon.Add(1)
		s.recordLocked(m, model.OutcomeWin, name)
		slog.Info("match won", "match", m.id, "winner", name, "loser", opp, "moves", m.engine.Moves())
	case m.engine.CheckDraw():
		m.engine.Finish()
		sess.Send(pb.Outcome(pb.TypeGameDraw, textDraw, grid))
		oppSess.Send(pb.Outcome(pb.TypeGameDraw, textDraw, grid))
		s.metrics.GamesDrawn.Add(1)
		s.recordLocked(m, model.OutcomeDraw, "")
		slog.Info("match drawn", "match", m.id, "players", []string{name, opp})
	default:
		oppSess.Send(pb.GameState(grid, true))
		sess.Send(pb.GameState(grid, false))
	}
}

// handleText relays a chat line to any logged-in user.
func (s *Server) handleText(from, to, body string) {
	body = strings.TrimSpace(sanitizeText(body))
	if body == "" || len(body) > MaxTextLength {
		slog.Debug("dropping text", "user", from, "len", len(body))
		return
	}
	target := s.registry.Lookup(to)
	if target == nil {
		slog.Debug("text recipient not online", "user", from, "recipient", to)
		return
	}
	if target.Send(pb.Text(from, to, body)) {
		s.metrics.ChatMessagesSent.Add(1)
	}
}

// sanitizeText collapses newlines and strips other control characters.
func sanitizeText(s string) string {
	return strings.Map(func(r rune) rune {
		if r == '\n' || r == '\r' {
			return ' '
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)
}
