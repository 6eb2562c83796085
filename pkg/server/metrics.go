package server

import (
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"
)

// Metrics tracks server runtime statistics.
// All counters use atomic operations for lock-free concurrent access.
type Metrics struct {
	startTime time.Time

	// Connection counters
	TotalConnections  atomic.Int64 // lifetime connections accepted (TCP and WebSocket)
	ActiveConnections atomic.Int64 // current open connections
	TotalDisconnects  atomic.Int64 // total client disconnects (clean + unclean)
	AcceptErrors      atomic.Int64
	IdleTimeouts      atomic.Int64
	WorkerPanics      atomic.Int64

	// Login counters
	SuccessfulLogins atomic.Int64
	FailedLogins     atomic.Int64

	// Game counters
	GamesStarted   atomic.Int64
	GamesWon       atomic.Int64
	GamesDrawn     atomic.Int64
	GamesAbandoned atomic.Int64
	Rematches      atomic.Int64
	MovesApplied   atomic.Int64
	MovesRejected  atomic.Int64

	// Messaging counters
	MessagesIn       atomic.Int64 // decoded client requests
	ChatMessagesSent atomic.Int64 // TEXT messages relayed
	ChallengesSent   atomic.Int64

	LedgerErrors atomic.Int64 // failed match ledger writes
}

// NewMetrics creates a new Metrics instance with the start time set to now.
func NewMetrics() *Metrics {
	return &Metrics{
		startTime: time.Now(),
	}
}

// MetricsSnapshot is a point-in-time view of all metrics as a serializable struct.
type MetricsSnapshot struct {
	Uptime        string `json:"uptime"`
	UptimeSeconds int64  `json:"uptime_seconds"`

	ActiveConnections int64 `json:"active_connections"`
	TotalConnections  int64 `json:"total_connections"`
	TotalDisconnects  int64 `json:"total_disconnects"`
	AcceptErrors      int64 `json:"accept_errors"`
	IdleTimeouts      int64 `json:"idle_timeouts"`
	WorkerPanics      int64 `json:"worker_panics"`

	SuccessfulLogins int64 `json:"successful_logins"`
	FailedLogins     int64 `json:"failed_logins"`

	GamesStarted   int64 `json:"games_started"`
	GamesWon       int64 `json:"games_won"`
	GamesDrawn     int64 `json:"games_drawn"`
	GamesAbandoned int64 `json:"games_abandoned"`
	Rematches      int64 `json:"rematches"`
	MovesApplied   int64 `json:"moves_applied"`
	MovesRejected  int64 `json:"moves_rejected"`

	MessagesIn       int64 `json:"messages_in"`
	ChatMessagesSent int64 `json:"chat_messages_sent"`
	ChallengesSent   int64 `json:"challenges_sent"`

	LedgerErrors int64 `json:"ledger_errors"`
}

// Snapshot returns a read-consistent snapshot of all metrics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	uptime := time.Since(m.startTime)
	return MetricsSnapshot{
		Uptime:            uptime.Truncate(time.Second).String(),
		UptimeSeconds:     int64(uptime.Seconds()),
		ActiveConnections: m.ActiveConnections.Load(),
		TotalConnections:  m.TotalConnections.Load(),
		TotalDisconnects:  m.TotalDisconnects.Load(),
		AcceptErrors:      m.AcceptErrors.Load(),
		IdleTimeouts:      m.IdleTimeouts.Load(),
		WorkerPanics:      m.WorkerPanics.Load(),
		SuccessfulLogins:  m.SuccessfulLogins.Load(),
		FailedLogins:      m.FailedLogins.Load(),
		GamesStarted:      m.GamesStarted.Load(),
		GamesWon:          m.GamesWon.Load(),
		GamesDrawn:        m.GamesDrawn.Load(),
		GamesAbandoned:    m.GamesAbandoned.Load(),
		Rematches:         m.Rematches.Load(),
		MovesApplied:      m.MovesApplied.Load(),
		MovesRejected:     m.MovesRejected.Load(),
		MessagesIn:        m.MessagesIn.Load(),
		ChatMessagesSent:  m.ChatMessagesSent.Load(),
		ChallengesSent:    m.ChallengesSent.Load(),
		LedgerErrors:      m.LedgerErrors.Load(),
	}
}

// JSON returns the metrics snapshot as a JSON string.
func (m *Metrics) JSON() string {
	data, err := json.MarshalIndent(m.Snapshot(), "", "  ")
	if err != nil {
		return "{}"
	}
	return string(data)
}

// LogSummary writes a periodic metrics summary to the logger.
func (m *Metrics) LogSummary() {
	s := m.Snapshot()
	slog.Info("metrics",
		"uptime", s.Uptime,
		"connections", s.ActiveConnections,
		"total_connections", s.TotalConnections,
		"games_started", s.GamesStarted,
		"games_finished", s.GamesWon+s.GamesDrawn+s.GamesAbandoned,
		"moves", s.MovesApplied,
		"chat_msgs", s.ChatMessagesSent,
	)
}

// StartPeriodicLog starts a goroutine that logs metrics every interval.
// It stops when the done channel is closed.
func (m *Metrics) StartPeriodicLog(interval time.Duration, done <-chan struct{}) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				m.LogSummary()
			}
		}
	}()
}
