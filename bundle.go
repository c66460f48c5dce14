package extask

import (
	"context"
	"database/sql"

	"github.com/petrijr/extask/pkg/pool"
)

// WorkerBundle wires together an embedded Engine and a Pool that fetches
// from it.
//
// For now, we only provide a SQLite-backed bundle.
type WorkerBundle struct {
	Engine Engine
	Pool   *pool.Pool
}

// NewSQLiteBundle constructs a durable Engine + Pool combo on the provided
// SQLite database. Tasks and their locks are persisted in db, so a task
// locked by a crashed process becomes fetchable again once its lock expires.
//
// Typical usage:
//
//	db, _ := sql.Open("sqlite", "file:extask.db?_journal=WAL")
//	bundle, err := extask.NewSQLiteBundle(db, extask.DefaultConfig(), subs)
//	// publish work via bundle.Engine
//	// run the workers with bundle.Run(ctx)
func NewSQLiteBundle(db *sql.DB, cfg Config, subs []Subscription, opts ...pool.Option) (*WorkerBundle, error) {
	eng, err := NewSQLiteEngine(db)
	if err != nil {
		return nil, err
	}

	p, err := pool.New(eng, cfg, subs, opts...)
	if err != nil {
		return nil, err
	}

	return &WorkerBundle{
		Engine: eng,
		Pool:   p,
	}, nil
}

// Run runs the pool until ctx is cancelled.
func (b *WorkerBundle) Run(ctx context.Context) error {
	return b.Pool.Run(ctx)
}
