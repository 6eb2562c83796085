package datastore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/NicolasHaas/dropfour/pkg/model"
)

const dbTimeLayout = "2006-01-02 15:04:05"

// MemoryPath opens a private in-memory database that lives as long as the process.
const MemoryPath = ":memory:"

type DB interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type baseProvider struct {
	DB
}

type nonTxProvider struct {
	baseProvider
}

type txProvider struct {
	baseProvider
	tx *sql.Tx
}

func (c *txProvider) Rollback() error {
	return c.tx.Rollback()
}

func (c *txProvider) Commit() error {
	return c.tx.Commit()
}

// ProviderFactory hands out transactional and non-transactional views of one database.
type ProviderFactory struct {
	DB *sql.DB
}

func (sf *ProviderFactory) NonTx() DataStore {
	return &nonTxProvider{
		baseProvider: baseProvider{
			DB: sf.DB,
		},
	}
}

func (sf *ProviderFactory) Tx(ctx context.Context) (DataStoreTx, error) {
	tx, err := sf.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("datastore: begin: %w", err)
	}

	return &txProvider{
		baseProvider: baseProvider{
			DB: tx,
		},
		tx: tx,
	}, nil
}

// NewProviderFactory opens (or creates) a SQLite database and runs migrations.
func NewProviderFactory(dbPath string) (*ProviderFactory, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("datastore: open db: %w", err)
	}
	if dbPath == MemoryPath {
		// every pooled connection would otherwise get its own empty database
		db.SetMaxOpenConns(1)
	}

	ctx := context.Background()

	// Enable WAL mode for better concurrent read performance
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("datastore: set WAL: %w", err)
	}
	// Set busy timeout to avoid "database is locked" under concurrency
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("datastore: set busy_timeout: %w", err)
	}

	s := &ProviderFactory{DB: db}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("datastore: migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (sf *ProviderFactory) Close() error {
	return sf.DB.Close()
}

func (sf *ProviderFactory) migrate(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS matches (
		id          TEXT    PRIMARY KEY,
		player_one  TEXT    NOT NULL CHECK(length(player_one) > 0),
		player_two  TEXT    NOT NULL CHECK(length(player_two) > 0),
		winner      TEXT    NOT NULL DEFAULT '',
		outcome     TEXT    NOT NULL CHECK(outcome IN ('win', 'draw', 'abandoned')),
		moves       INTEGER NOT NULL DEFAULT 0,
		started_at  TEXT    NOT NULL,
		finished_at TEXT    NOT NULL
	);
	`
	if err := sf.ensureSchemaMigrations(ctx); err != nil {
		return err
	}
	currentVersion, err := sf.getSchemaVersion(ctx)
	if err != nil {
		return err
	}

	migrations := []struct {
		version    int
		statements []string
	}{
		{
			version:    1,
			statements: []string{schema},
		},
		{
			version: 2,
			statements: []string{
				"CREATE INDEX IF NOT EXISTS idx_matches_player_one ON matches (player_one)",
				"CREATE INDEX IF NOT EXISTS idx_matches_player_two ON matches (player_two)",
				"CREATE INDEX IF NOT EXISTS idx_matches_finished_at ON matches (finished_at)",
			},
		},
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		for _, stmt := range m.statements {
			if _, err := sf.DB.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("datastore: migrate v%d: %w", m.version, err)
			}
		}
		if err := sf.setSchemaVersion(ctx, m.version); err != nil {
			return err
		}
	}
	return nil
}

func (sf *ProviderFactory) ensureSchemaMigrations(ctx context.Context) error {
	if _, err := sf.DB.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS schema_migrations (version INTEGER NOT NULL)"); err != nil {
		return fmt.Errorf("datastore: create schema_migrations: %w", err)
	}
	var count int
	if err := sf.DB.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations").Scan(&count); err != nil {
		return fmt.Errorf("datastore: check schema_migrations: %w", err)
	}
	if count == 0 {
		if _, err := sf.DB.ExecContext(ctx, "INSERT INTO schema_migrations (version) VALUES (0)"); err != nil {
			return fmt.Errorf("datastore: init schema_migrations: %w", err)
		}
	}
	return nil
}

func (sf *ProviderFactory) getSchemaVersion(ctx context.Context) (int, error) {
	var version int
	if err := sf.DB.QueryRowContext(ctx, "SELECT version FROM schema_migrations LIMIT 1").Scan(&version); err != nil {
		return 0, fmt.Errorf("datastore: read schema version: %w", err)
	}
	return version, nil
}

func (sf *ProviderFactory) setSchemaVersion(ctx context.Context, version int) error {
	if _, err := sf.DB.ExecContext(ctx, "UPDATE schema_migrations SET version = ?", version); err != nil {
		return fmt.Errorf("datastore: update schema version: %w", err)
	}
	return nil
}

func formatDBTime(t time.Time) string {
	return t.UTC().Format(dbTimeLayout)
}

func parseDBTime(value string) (time.Time, error) {
	return time.ParseInLocation(dbTimeLayout, value, time.UTC)
}

// ---- Matches ----

// RecordMatch stores a finished match. The record is validated first.
func (s *baseProvider) RecordMatch(ctx context.Context, rec *model.MatchRecord) error {
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("datastore: record match: %w", err)
	}
	_, err := s.ExecContext(ctx,
		`INSERT INTO matches (id, player_one, player_two, winner, outcome, moves, started_at, finished_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.PlayerOne, rec.PlayerTwo, rec.Winner, string(rec.Outcome), rec.Moves,
		formatDBTime(rec.StartedAt), formatDBTime(rec.FinishedAt))
	if err != nil {
		return fmt.Errorf("datastore: record match: %w", err)
	}
	return nil
}

const matchColumns = "id, player_one, player_two, winner, outcome, moves, started_at, finished_at"

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMatch(row rowScanner) (*model.MatchRecord, error) {
	m := &model.MatchRecord{}
	var outcome, startedAt, finishedAt string
	if err := row.Scan(&m.ID, &m.PlayerOne, &m.PlayerTwo, &m.Winner, &outcome, &m.Moves, &startedAt, &finishedAt); err != nil {
		return nil, err
	}
	m.Outcome = model.Outcome(outcome)

	var err error
	if m.StartedAt, err = parseDBTime(startedAt); err != nil {
		return nil, err
	}
	if m.FinishedAt, err = parseDBTime(finishedAt); err != nil {
		return nil, err
	}
	return m, nil
}

// GetMatch retrieves a match by id. Returns nil, nil when it does not exist.
func (s *baseProvider) GetMatch(ctx context.Context, id string) (*model.MatchRecord, error) {
	m, err := scanMatch(s.QueryRowContext(ctx, "SELECT "+matchColumns+" FROM matches WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("datastore: get match: %w", err)
	}
	return m, nil
}

// ListMatches returns up to limit matches, most recently finished first.
// A limit of zero or less returns every match.
func (s *baseProvider) ListMatches(ctx context.Context, limit int) ([]model.MatchRecord, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.QueryContext(ctx,
		"SELECT "+matchColumns+" FROM matches ORDER BY finished_at DESC, rowid DESC LIMIT ?", limit)
	if err != nil {
		return nil, fmt.Errorf("datastore: list matches: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var matches []model.MatchRecord
	for rows.Next() {
		m, err := scanMatch(rows)
		if err != nil {
			return nil, fmt.Errorf("datastore: list matches: %w", err)
		}
		matches = append(matches, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("datastore: list matches: %w", err)
	}
	return matches, nil
}

// PlayerStats aggregates every match username took part in. An abandoned
// match counts against the player who left, i.e. the one who is not the winner.
func (s *baseProvider) PlayerStats(ctx context.Context, username string) (model.PlayerStats, error) {
	st := model.PlayerStats{Username: username}
	err := s.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN outcome = 'win' AND winner = ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN outcome = 'win' AND winner <> ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN outcome = 'draw' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN outcome = 'abandoned' AND winner <> ? THEN 1 ELSE 0 END), 0)
		FROM matches
		WHERE player_one = ? OR player_two = ?`,
		username, username, username, username, username).
		Scan(&st.Played, &st.Wins, &st.Losses, &st.Draws, &st.Abandoned)
	if err != nil {
		return st, fmt.Errorf("datastore: player stats: %w", err)
	}
	return st, nil
}
