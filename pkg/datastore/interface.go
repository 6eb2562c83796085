// Package datastore persists the match ledger.
package datastore

import (
	"context"

	"github.com/NicolasHaas/dropfour/pkg/model"
)

type DataProviderFactory interface {
	NonTx() DataStore
	Tx(context.Context) (DataStoreTx, error)
	Close() error
}

type DataStoreTx interface {
	DataStore
	Rollback() error
	Commit() error
}

// DataStore defines the persistence interface for finished matches.
// The default implementation is SQLite; tests use a temp-dir database.
type DataStore interface {
	MatchReadProvider
	MatchWriteProvider
}

// Compile-time check: *ProviderFactory implements DataProviderFactory.
var _ DataProviderFactory = (*ProviderFactory)(nil)

type MatchReadProvider interface {
	GetMatch(ctx context.Context, id string) (*model.MatchRecord, error)
	ListMatches(ctx context.Context, limit int) ([]model.MatchRecord, error)
	PlayerStats(ctx context.Context, username string) (model.PlayerStats, error)
}

type MatchWriteProvider interface {
	RecordMatch(ctx context.Context, rec *model.MatchRecord) error
}
