package server

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/NicolasHaas/dropfour/pkg/datastore"
	"github.com/NicolasHaas/dropfour/pkg/model"
)

// MatchesExport is the top-level YAML document for ledger export.
type MatchesExport struct {
	Matches []model.MatchRecord `yaml:"matches"`
}

// ExportMatchesYAML exports up to limit ledger entries, newest first.
// A limit of zero or less exports everything.
func ExportMatchesYAML(ctx context.Context, st datastore.DataStore, limit int) ([]byte, error) {
	matches, err := st.ListMatches(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("export matches: %w", err)
	}
	export := MatchesExport{Matches: matches}
	if export.Matches == nil {
		export.Matches = []model.MatchRecord{}
	}
	return yaml.Marshal(&export)
}

// LoadMatchesFromYAML reads a ledger export file and imports it.
func LoadMatchesFromYAML(ctx context.Context, path string, st datastore.DataProviderFactory) (int, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path from CLI argument
	if err != nil {
		return 0, fmt.Errorf("read matches file: %w", err)
	}
	return ImportMatchesYAML(ctx, data, st)
}

// ImportMatchesYAML writes every match in data in one transaction. Matches
// already in the ledger are skipped; any other failure rolls back the import.
func ImportMatchesYAML(ctx context.Context, data []byte, st datastore.DataProviderFactory) (int, error) {
	var export MatchesExport
	if err := yaml.Unmarshal(data, &export); err != nil {
		return 0, fmt.Errorf("parse matches: %w", err)
	}

	tx, err := st.Tx(ctx)
	if err != nil {
		return 0, fmt.Errorf("import matches: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	imported := 0
	for i := range export.Matches {
		rec := &export.Matches[i]
		existing, err := tx.GetMatch(ctx, rec.ID)
		if err != nil {
			return 0, fmt.Errorf("import matches: %w", err)
		}
		if existing != nil {
			slog.Debug("skipping known match", "match", rec.ID)
			continue
		}
		if err := tx.RecordMatch(ctx, rec); err != nil {
			return 0, fmt.Errorf("import match %q: %w", rec.ID, err)
		}
		imported++
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("import matches: commit: %w", err)
	}

	slog.Info("imported matches from YAML", "count", imported, "skipped", len(export.Matches)-imported)
	return imported, nil
}
