// Package model defines the domain types shared by the server and the match ledger.
package model

import (
	"errors"
	"time"
)

// Outcome describes how a match ended.
type Outcome string

const (
	OutcomeWin       Outcome = "win"
	OutcomeDraw      Outcome = "draw"
	OutcomeAbandoned Outcome = "abandoned" // a player left while the game was running
)

// Valid reports whether o is a known outcome.
func (o Outcome) Valid() bool {
	switch o {
	case OutcomeWin, OutcomeDraw, OutcomeAbandoned:
		return true
	}
	return false
}

var ErrMatchID = errors.New("match id must not be empty")
var ErrMatchPlayers = errors.New("match needs two distinct players")
var ErrMatchOutcome = errors.New("unknown match outcome")
var ErrMatchWinner = errors.New("match winner must be one of the players")

// MatchRecord is one finished game in the ledger.
type MatchRecord struct {
	ID         string    `json:"id" yaml:"id"`
	PlayerOne  string    `json:"player_one" yaml:"player_one"` // moved first
	PlayerTwo  string    `json:"player_two" yaml:"player_two"`
	Winner     string    `json:"winner,omitempty" yaml:"winner,omitempty"` // empty for draws
	Outcome    Outcome   `json:"outcome" yaml:"outcome"`
	Moves      int       `json:"moves" yaml:"moves"`
	StartedAt  time.Time `json:"started_at" yaml:"started_at"`
	FinishedAt time.Time `json:"finished_at" yaml:"finished_at"`
}

// Validate checks a record before it is written.
func (m *MatchRecord) Validate() error {
	if m.ID == "" {
		return ErrMatchID
	}
	if m.PlayerOne == "" || m.PlayerTwo == "" || m.PlayerOne == m.PlayerTwo {
		return ErrMatchPlayers
	}
	if !m.Outcome.Valid() {
		return ErrMatchOutcome
	}
	if m.Outcome == OutcomeDraw && m.Winner != "" {
		return ErrMatchWinner
	}
	if m.Winner != "" && m.Winner != m.PlayerOne && m.Winner != m.PlayerTwo {
		return ErrMatchWinner
	}
	return nil
}

// Duration is the wall time between start and finish.
func (m *MatchRecord) Duration() time.Duration {
	return m.FinishedAt.Sub(m.StartedAt)
}

// PlayerStats aggregates ledger entries for one username.
type PlayerStats struct {
	Username  string `json:"username"`
	Played    int    `json:"played"`
	Wins      int    `json:"wins"`
	Losses    int    `json:"losses"`
	Draws     int    `json:"draws"`
	Abandoned int    `json:"abandoned"` // matches this player walked out of
}
