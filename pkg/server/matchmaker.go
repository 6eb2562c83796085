package server

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/NicolasHaas/dropfour/pkg/model"
	pb "github.com/NicolasHaas/dropfour/pkg/protocol/pb"
)

const ledgerTimeout = 5 * time.Second

// loginErrorReason maps a login rejection to the text shown to the client.
func loginErrorReason(err error) string {
	switch {
	case errors.Is(err, model.ErrUsernameEmpty):
		return "Username cannot be empty"
	case errors.Is(err, model.ErrUsernameTooLong):
		return "Username too long (max 20 characters)"
	case errors.Is(err, model.ErrUsernameInvalidChars):
		return "Username contains invalid characters"
	case errors.Is(err, ErrUsernameTaken):
		return "Username already taken"
	case errors.Is(err, ErrAlreadyLoggedIn):
		return "Already logged in"
	default:
		return "Login failed"
	}
}

func (s *Server) handleLogin(sess *Session, name string) {
	if err := s.registry.TryLogin(name, sess); err != nil {
		s.metrics.FailedLogins.Add(1)
		sess.Send(pb.LoginError(loginErrorReason(err)))
		slog.Debug("login rejected", "remote", sess.RemoteAddr(), "username", name, "err", err)
		return
	}
	s.metrics.SuccessfulLogins.Add(1)
	sess.Send(pb.LoginSuccess(name))
	slog.Info("client logged in", "user", name, "remote", sess.RemoteAddr())

	if s.cfg.Matchmaking == MatchmakingAuto {
		if m, ok := s.registry.AutoPair(name); ok {
			s.startGame(m)
		}
	}
	s.registry.BroadcastLobby()
}

// startGame sends each side the empty board, whose turn it is and the
// opponent's name.
func (s *Server) startGame(m *Match) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed.Load() {
		return
	}
	first, second := m.engine.Players()
	s.pushGameStateLocked(m)
	s.registry.Lookup(first).Send(pb.NewUser(second))
	s.registry.Lookup(second).Send(pb.NewUser(first))

	s.metrics.GamesStarted.Add(1)
	slog.Info("match started", "match", m.id, "first", first, "second", second)
}

// pushGameStateLocked sends the current board to both players. Callers hold m.mu.
func (s *Server) pushGameStateLocked(m *Match) {
	grid := m.engine.Snapshot().Rows()
	turn := m.engine.CurrentTurn()
	first, second := m.engine.Players()
	s.registry.Lookup(first).Send(pb.GameState(grid, turn == first))
	s.registry.Lookup(second).Send(pb.GameState(grid, turn == second))
}

// handleRestart records a rematch request. The second request of a pair
// starts a fresh round with the same first mover. A round still in progress
// is written to the ledger as abandoned without a winner.
func (s *Server) handleRestart(sess *Session, name string) {
	opp, ready, ok := s.registry.RequestRematch(name)
	if !ok {
		slog.Debug("rematch without a match", "user", name)
		return
	}
	if !ready {
		sess.Send(pb.Simple(opp + " has received your rematch request"))
		s.registry.Lookup(opp).Send(pb.Simple(name + " has requested a rematch"))
		return
	}

	m, _, ok := s.registry.MatchOf(name)
	if !ok {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed.Load() {
		return
	}
	if m.engine.Active() && m.engine.Moves() > 0 {
		// Both players walked away from an unfinished round.
		m.engine.Finish()
		s.metrics.GamesAbandoned.Add(1)
		s.recordLocked(m, model.OutcomeAbandoned, "")
		slog.Info("match abandoned for rematch", "match", m.id, "players", []string{name, opp})
	}
	m.restartLocked()
	s.pushGameStateLocked(m)
	s.metrics.Rematches.Add(1)
	slog.Info("rematch started", "match", m.id, "players", []string{name, opp})
}

func (s *Server) handleChallengeRequest(from, to string) {
	target, err := s.registry.OfferChallenge(from, to)
	if err != nil {
		slog.Debug("challenge rejected", "user", from, "recipient", to, "err", err)
		return
	}
	if target.Send(pb.ChallengeRequest(from, to)) {
		s.metrics.ChallengesSent.Add(1)
	}
}

// handleChallengeAccept pairs the accepter with the user who challenged them.
func (s *Server) handleChallengeAccept(accepter, requester string) {
	m, err := s.registry.AcceptChallenge(accepter, requester)
	if err != nil {
		slog.Debug("challenge accept rejected", "user", accepter, "requester", requester, "err", err)
		return
	}
	s.registry.Lookup(requester).Send(pb.ChallengeAccept(accepter, requester))
	s.startGame(m)
	s.registry.BroadcastLobby()
}

func (s *Server) handleChallengeDecline(decliner, requester string) {
	target, err := s.registry.DeclineChallenge(decliner, requester)
	if err != nil {
		slog.Debug("challenge decline dropped", "user", decliner, "requester", requester, "err", err)
		return
	}
	target.Send(pb.ChallengeDecline(decliner, requester))
}

// abandonMatch closes out a match whose player left. An unfinished game is
// recorded as won by the player who stayed.
func (s *Server) abandonMatch(m *Match, stayed string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.engine.Active() {
		return
	}
	m.engine.Finish()
	s.metrics.GamesAbandoned.Add(1)
	s.recordLocked(m, model.OutcomeAbandoned, stayed)
	slog.Info("match abandoned", "match", m.id, "winner", stayed)
}

// recordLocked writes the finished round to the ledger. Callers hold m.mu.
func (s *Server) recordLocked(m *Match, outcome model.Outcome, winner string) {
	if s.store == nil {
		return
	}
	rec := m.recordLocked(outcome, winner)
	ctx, cancel := context.WithTimeout(context.Background(), ledgerTimeout)
	defer cancel()
	if err := s.store.NonTx().RecordMatch(ctx, rec); err != nil {
		s.metrics.LedgerErrors.Add(1)
		slog.Error("failed to record match", "match", rec.ID, "err", err)
	}
}
