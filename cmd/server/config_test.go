package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/NicolasHaas/dropfour/pkg/datastore"
	"github.com/NicolasHaas/dropfour/pkg/model"
	"github.com/NicolasHaas/dropfour/pkg/server"
)

func TestEnvironmentOverridesDefaults(t *testing.T) {
	t.Setenv("DROPFOUR_MATCHMAKING", "challenge")
	t.Setenv("DROPFOUR_IDLE_TIMEOUT", "90s")
	t.Setenv("DROPFOUR_SEND_QUEUE", "8")

	opts := defaultOptions()
	newRootCmd(opts)

	cfg, err := opts.serverConfig()
	require.NoError(t, err)
	require.Equal(t, server.MatchmakingChallenge, cfg.Matchmaking)
	require.Equal(t, 90*time.Second, cfg.IdleTimeout)
	require.Equal(t, 8, cfg.SendQueue)
	require.Equal(t, ":5555", cfg.ListenAddr)
}

func TestInvalidMatchmakingRejected(t *testing.T) {
	opts := defaultOptions()
	opts.matchmaking = "random"
	_, err := opts.serverConfig()
	require.Error(t, err)
}

func seedDB(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ledger.db")
	st, err := datastore.NewProviderFactory(path)
	require.NoError(t, err)
	start := time.Date(2026, 2, 2, 20, 0, 0, 0, time.UTC)
	require.NoError(t, st.NonTx().RecordMatch(context.Background(), &model.MatchRecord{
		ID: "m-42", PlayerOne: "alice", PlayerTwo: "bob", Winner: "bob",
		Outcome: model.OutcomeWin, Moves: 16, StartedAt: start, FinishedAt: start.Add(time.Minute),
	}))
	require.NoError(t, st.Close())
	return path
}

func TestExportUsesConfigFile(t *testing.T) {
	dbPath := seedDB(t)
	cfgPath := filepath.Join(t.TempDir(), "dropfour.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("db: "+dbPath+"\nlog-level: warn\n"), 0o600))

	opts := defaultOptions()
	cmd := newRootCmd(opts)
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--config", cfgPath, "export-matches"})
	require.NoError(t, cmd.Execute())

	require.Equal(t, dbPath, opts.server.DBPath)
	require.Equal(t, "warn", opts.logLevel)
	require.Contains(t, out.String(), "id: m-42")
	require.Contains(t, out.String(), "winner: bob")
}

func TestFlagBeatsConfigFile(t *testing.T) {
	dbPath := seedDB(t)
	cfgPath := filepath.Join(t.TempDir(), "dropfour.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("db: /nonexistent/ledger.db\n"), 0o600))

	opts := defaultOptions()
	cmd := newRootCmd(opts)
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--config", cfgPath, "--db", dbPath, "export-matches", "--limit", "1"})
	require.NoError(t, cmd.Execute())
	require.Equal(t, dbPath, opts.server.DBPath)
	require.Contains(t, out.String(), "m-42")
}

func TestImportMatchesCommand(t *testing.T) {
	src := seedDB(t)

	exportOpts := defaultOptions()
	exportCmd := newRootCmd(exportOpts)
	var yamlOut bytes.Buffer
	exportCmd.SetOut(&yamlOut)
	exportCmd.SetArgs([]string{"--db", src, "export-matches"})
	require.NoError(t, exportCmd.Execute())

	file := filepath.Join(t.TempDir(), "matches.yaml")
	require.NoError(t, os.WriteFile(file, yamlOut.Bytes(), 0o600))

	dst := filepath.Join(t.TempDir(), "restored.db")
	importOpts := defaultOptions()
	importCmd := newRootCmd(importOpts)
	var out bytes.Buffer
	importCmd.SetOut(&out)
	importCmd.SetArgs([]string{"--db", dst, "import-matches", file})
	require.NoError(t, importCmd.Execute())
	require.Equal(t, "imported 1 matches", strings.TrimSpace(out.String()))
}

func TestMissingConfigFileFails(t *testing.T) {
	cmd := newRootCmd(defaultOptions())
	cmd.SetArgs([]string{"--config", filepath.Join(t.TempDir(), "absent.yaml"), "export-matches"})
	require.Error(t, cmd.Execute())
}
