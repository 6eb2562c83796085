package server

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/NicolasHaas/dropfour/pkg/board"
	"github.com/NicolasHaas/dropfour/pkg/model"
)

// Match is the game shared by one pair. Its mutex serializes moves and
// restarts and is held while the resulting messages are enqueued, so every
// client sees the states of one match in move order.
type Match struct {
	mu        sync.Mutex
	id        string
	engine    *board.Engine
	startedAt time.Time

	closed atomic.Bool // set by the registry when the pair dissolves
}

func newMatch(first, second string) *Match {
	return &Match{
		id:        uuid.NewString(),
		engine:    board.New(first, second),
		startedAt: time.Now(),
	}
}

func (m *Match) close() { m.closed.Store(true) }

// MatchInfo is a point-in-time view of a live match.
type MatchInfo struct {
	ID        string    `json:"id"`
	PlayerOne string    `json:"player_one"`
	PlayerTwo string    `json:"player_two"`
	Turn      string    `json:"turn,omitempty"` // empty once the round is over
	Moves     int       `json:"moves"`
	StartedAt time.Time `json:"started_at"`
	Board     [][]int   `json:"board"`
}

// Info returns the current round of m.
func (m *Match) Info() MatchInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	first, second := m.engine.Players()
	info := MatchInfo{
		ID:        m.id,
		PlayerOne: first,
		PlayerTwo: second,
		Moves:     m.engine.Moves(),
		StartedAt: m.startedAt,
		Board:     m.engine.Snapshot().Rows(),
	}
	if m.engine.Active() {
		info.Turn = m.engine.CurrentTurn()
	}
	return info
}

// restartLocked replaces the engine with a fresh one and starts a new round
// under a new id. Callers hold m.mu.
func (m *Match) restartLocked() {
	first, second := m.engine.Players()
	m.engine = board.New(first, second)
	m.id = uuid.NewString()
	m.startedAt = time.Now()
}

// recordLocked builds the ledger entry for the current round. Callers hold m.mu.
func (m *Match) recordLocked(outcome model.Outcome, winner string) *model.MatchRecord {
	first, second := m.engine.Players()
	return &model.MatchRecord{
		ID:         m.id,
		PlayerOne:  first,
		PlayerTwo:  second,
		Winner:     winner,
		Outcome:    outcome,
		Moves:      m.engine.Moves(),
		StartedAt:  m.startedAt,
		FinishedAt: time.Now(),
	}
}
