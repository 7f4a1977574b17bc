// Package store is the Postgres persistence layer. It owns every relational
// table in the system: agents, jobs, services, trust, reports, reviews,
// external DVMs, heartbeats, workflows, swarm submissions, social imports,
// relay events, and the outbound queue.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/lib/pq" // PostgreSQL driver
)

// Sentinel errors returned by store methods. Callers map these onto the
// HTTP error taxonomy.
var (
	ErrNotFound = errors.New("store: not found")
	ErrConflict = errors.New("store: conflict")
)

// queryer is satisfied by both *sql.DB and *sql.Tx so every method works
// inside or outside a transaction.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Store wraps a Postgres handle. The zero value is not usable; construct
// with Open.
type Store struct {
	db *sql.DB
	q  queryer
}

// Open connects to Postgres and verifies the connection.
func Open(dbURL string) (*Store, error) {
	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Store{db: db, q: db}, nil
}

// Ping verifies database reachability for health checks.
func (s *Store) Ping(ctx context.Context) error {
	if s.db == nil {
		return errors.New("store: no database handle")
	}
	return s.db.PingContext(ctx)
}

// Close releases the underlying pool.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// WithTx runs fn against a transactional view of the store. The transaction
// commits when fn returns nil and rolls back otherwise. Job state transitions
// and their outbound enqueues share one transaction so a failed enqueue never
// leaves a committed transition behind.
func (s *Store) WithTx(ctx context.Context, fn func(tx *Store) error) error {
	if _, ok := s.q.(*sql.Tx); ok {
		// Already transactional; nest flatly.
		return fn(s)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(&Store{db: s.db, q: tx}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("%w (rollback failed: %v)", err, rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}
