package model

import (
	"strings"
	"testing"
	"time"
)

func TestValidateUsername(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr error
	}{
		{"valid simple", "alice", nil},
		{"valid with numbers", "user123", nil},
		{"valid with space", "bob smith", nil},
		{"valid unicode", "ñoño", nil},
		{"valid max length", strings.Repeat("a", MaxUsernameLength), nil},
		{"valid max length multibyte", strings.Repeat("é", MaxUsernameLength), nil},
		{"empty", "", ErrUsernameEmpty},
		{"only spaces", "   ", ErrUsernameEmpty},
		{"too long", strings.Repeat("a", MaxUsernameLength+1), ErrUsernameTooLong},
		{"tab character", "user\tname", ErrUsernameInvalidChars},
		{"newline", "user\nname", ErrUsernameInvalidChars},
		{"escape", "user\x1b[31m", ErrUsernameInvalidChars},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateUsername(tt.input)
			if err != tt.wantErr {
				t.Errorf("ValidateUsername(%q) = %v, want %v", tt.input, err, tt.wantErr)
			}
		})
	}
}

func TestMatchRecordValidate(t *testing.T) {
	now := time.Now()
	base := MatchRecord{
		ID:         "m1",
		PlayerOne:  "alice",
		PlayerTwo:  "bob",
		Winner:     "alice",
		Outcome:    OutcomeWin,
		Moves:      7,
		StartedAt:  now.Add(-time.Minute),
		FinishedAt: now,
	}

	tests := []struct {
		name    string
		mutate  func(m *MatchRecord)
		wantErr error
	}{
		{"valid win", func(*MatchRecord) {}, nil},
		{"valid draw", func(m *MatchRecord) { m.Outcome = OutcomeDraw; m.Winner = "" }, nil},
		{"valid abandoned", func(m *MatchRecord) { m.Outcome = OutcomeAbandoned; m.Winner = "bob" }, nil},
		{"missing id", func(m *MatchRecord) { m.ID = "" }, ErrMatchID},
		{"same players", func(m *MatchRecord) { m.PlayerTwo = "alice" }, ErrMatchPlayers},
		{"missing player", func(m *MatchRecord) { m.PlayerOne = "" }, ErrMatchPlayers},
		{"unknown outcome", func(m *MatchRecord) { m.Outcome = "forfeit" }, ErrMatchOutcome},
		{"draw with winner", func(m *MatchRecord) { m.Outcome = OutcomeDraw }, ErrMatchWinner},
		{"stranger wins", func(m *MatchRecord) { m.Winner = "carol" }, ErrMatchWinner},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := base
			tt.mutate(&rec)
			if err := rec.Validate(); err != tt.wantErr {
				t.Errorf("Validate() = %v, want %v", err, tt.wantErr)
			}
		})
	}

	if got := base.Duration(); got != time.Minute {
		t.Errorf("Duration() = %v, want 1m", got)
	}
}
