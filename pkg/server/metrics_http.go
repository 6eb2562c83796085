package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/julienschmidt/httprouter"

	"github.com/NicolasHaas/dropfour/pkg/model"
)

const defaultMatchListLimit = 50

// HTTPHandler returns the router for the HTTP surface: Prometheus metrics,
// health, ledger queries and the WebSocket game endpoint.
func (s *Server) HTTPHandler() http.Handler {
	mux := httprouter.New()
	mux.PanicHandler = func(w http.ResponseWriter, r *http.Request, i any) {
		slog.Error("http handler panic", "path", r.URL.Path, "panic", i)
		http.Error(w, "internal server error", http.StatusInternalServerError)
	}

	mux.GET("/metrics", s.handleMetrics)
	mux.GET("/healthz", func(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	mux.GET("/stats", func(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(s.metrics.JSON() + "\n"))
	})
	mux.GET("/matches", s.handleMatches)
	mux.GET("/matches/active", s.handleActiveMatches)
	mux.GET("/players/:name", s.handlePlayerStats)
	mux.GET("/ws", s.handleWebSocket)
	return mux
}

// StartHTTP binds the HTTP surface and serves it in the background until the
// server context is cancelled. An empty HTTPAddr disables it.
func (s *Server) StartHTTP() error {
	addr := s.cfg.HTTPAddr
	if addr == "" {
		return nil
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("server: listen http: %w", err)
	}

	srv := &http.Server{
		Handler:           s.HTTPHandler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.mu.Lock()
	s.httpSrv = srv
	s.mu.Unlock()

	go func() {
		slog.Info("HTTP listening", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "err", err)
		}
	}()
	return nil
}

// handleMetrics writes all metrics in Prometheus text exposition format.
func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	m := s.metrics
	uptime := time.Since(m.startTime).Seconds()
	reg := s.registry.Stats()

	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

	// Write errors to http.ResponseWriter are non-actionable; suppress errcheck.
	write := func(name, help, mtype string, value int64) {
		_, _ = fmt.Fprintf(w, "# HELP %s %s\n", name, help)
		_, _ = fmt.Fprintf(w, "# TYPE %s %s\n", name, mtype)
		_, _ = fmt.Fprintf(w, "%s %d\n", name, value)
	}

	_, _ = fmt.Fprintf(w, "# HELP dropfour_uptime_seconds Server uptime in seconds.\n")
	_, _ = fmt.Fprintf(w, "# TYPE dropfour_uptime_seconds gauge\n")
	_, _ = fmt.Fprintf(w, "dropfour_uptime_seconds %f\n", uptime)

	write("dropfour_connections_active", "Current open client connections.", "gauge", m.ActiveConnections.Load())
	write("dropfour_connections_total", "Lifetime client connections accepted.", "counter", m.TotalConnections.Load())
	write("dropfour_disconnects_total", "Total client disconnects.", "counter", m.TotalDisconnects.Load())
	write("dropfour_accept_errors_total", "Failed accepts on the game listener.", "counter", m.AcceptErrors.Load())
	write("dropfour_idle_timeouts_total", "Clients dropped for inactivity.", "counter", m.IdleTimeouts.Load())
	write("dropfour_worker_panics_total", "Recovered panics in connection workers.", "counter", m.WorkerPanics.Load())

	write("dropfour_users_online", "Logged-in users.", "gauge", int64(reg.Online))
	write("dropfour_users_lobby", "Logged-in users waiting for a game.", "gauge", int64(reg.Lobby))
	write("dropfour_matches_active", "Pairs currently matched.", "gauge", int64(reg.Matches))

	write("dropfour_logins_success_total", "Accepted logins.", "counter", m.SuccessfulLogins.Load())
	write("dropfour_logins_failed_total", "Rejected logins.", "counter", m.FailedLogins.Load())

	write("dropfour_games_started_total", "Games started by pairing.", "counter", m.GamesStarted.Load())
	write("dropfour_games_won_total", "Games ended by four in a row.", "counter", m.GamesWon.Load())
	write("dropfour_games_drawn_total", "Games ended with a full board.", "counter", m.GamesDrawn.Load())
	write("dropfour_games_abandoned_total", "Games ended by a player leaving.", "counter", m.GamesAbandoned.Load())
	write("dropfour_rematches_total", "Rematches started.", "counter", m.Rematches.Load())
	write("dropfour_moves_applied_total", "Accepted moves.", "counter", m.MovesApplied.Load())
	write("dropfour_moves_rejected_total", "Moves ignored as illegal.", "counter", m.MovesRejected.Load())

	write("dropfour_messages_in_total", "Client requests decoded.", "counter", m.MessagesIn.Load())
	write("dropfour_chat_messages_total", "Text messages relayed.", "counter", m.ChatMessagesSent.Load())
	write("dropfour_challenges_total", "Challenges relayed.", "counter", m.ChallengesSent.Load())
	write("dropfour_ledger_errors_total", "Failed match ledger writes.", "counter", m.LedgerErrors.Load())
}

// handleMatches returns recent ledger entries, newest first.
func (s *Server) handleMatches(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if s.store == nil {
		http.Error(w, "match ledger disabled", http.StatusNotFound)
		return
	}
	limit := defaultMatchListLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	ctx, cancel := context.WithTimeout(r.Context(), ledgerTimeout)
	defer cancel()
	matches, err := s.store.NonTx().ListMatches(ctx, limit)
	if err != nil {
		slog.Error("list matches failed", "err", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	if matches == nil {
		matches = []model.MatchRecord{}
	}
	writeJSON(w, matches)
}

// handleActiveMatches lists the games being played right now, oldest first.
func (s *Server) handleActiveMatches(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	live := s.registry.ActiveMatches()
	infos := make([]MatchInfo, 0, len(live))
	for _, m := range live {
		infos = append(infos, m.Info())
	}
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].StartedAt.Equal(infos[j].StartedAt) {
			return infos[i].ID < infos[j].ID
		}
		return infos[i].StartedAt.Before(infos[j].StartedAt)
	})
	writeJSON(w, infos)
}

// handlePlayerStats returns win/loss totals for one username.
func (s *Server) handlePlayerStats(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	if s.store == nil {
		http.Error(w, "match ledger disabled", http.StatusNotFound)
		return
	}
	name := ps.ByName("name")
	if err := model.ValidateUsername(name); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), ledgerTimeout)
	defer cancel()
	stats, err := s.store.NonTx().PlayerStats(ctx, name)
	if err != nil {
		slog.Error("player stats failed", "user", name, "err", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, stats)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		slog.Debug("write json response", "err", err)
	}
}
