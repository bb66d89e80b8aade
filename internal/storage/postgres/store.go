// Package postgres implements storage.Store on PostgreSQL via lib/pq.
//
// This is the networked backend: payloads live in JSONB, timestamps in
// TIMESTAMPTZ, and the schema carries functional and partial indexes the
// embedded backend cannot express. Semantics are identical to the sqlite
// backend; only the SQL dialect differs.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	_ "github.com/lib/pq"

	"github.com/pulsehq/pulse/internal/storage"
	"github.com/pulsehq/pulse/internal/types"
)

// Options configures backend construction.
type Options struct {
	// OperatorUsername/OperatorPassword seed the operator account during
	// migration when both are set. The password must arrive bcrypt-hashed.
	OperatorUsername string
	OperatorPassword string
	OperatorRole     string
}

// Store is the PostgreSQL-backed implementation of storage.Store.
type Store struct {
	db     *sql.DB
	closed atomic.Bool

	typeIDs   map[types.EventType]int64
	typeNames map[int64]types.EventType
}

// New opens the database, applies the schema and migrations, and seeds
// the operator account. The initial connection retries with backoff so a
// cluster that is still booting does not fail startup.
func New(ctx context.Context, dsn string, opts Options) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(2)
	db.SetConnMaxIdleTime(30 * time.Second)
	db.SetConnMaxLifetime(30 * time.Minute)

	ping := func() error {
		if err := db.PingContext(ctx); err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}
		return nil
	}
	policy := backoff.WithMaxRetries(backoff.WithContext(backoff.NewExponentialBackOff(), ctx), 10)
	if err := backoff.Retry(ping, policy); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	s := &Store{db: db}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, wrapDBError("apply schema", err)
	}
	if err := s.migrate(ctx, opts); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.loadEventTypes(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) loadEventTypes(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name FROM event_types`)
	if err != nil {
		return wrapDBError("load event types", err)
	}
	defer func() { _ = rows.Close() }()

	s.typeIDs = make(map[types.EventType]int64, len(types.EventTypes))
	s.typeNames = make(map[int64]types.EventType, len(types.EventTypes))
	for rows.Next() {
		var id int64
		var name string
		if err := rows.Scan(&id, &name); err != nil {
			return wrapDBError("scan event type", err)
		}
		s.typeIDs[types.EventType(name)] = id
		s.typeNames[id] = types.EventType(name)
	}
	if err := rows.Err(); err != nil {
		return wrapDBError("iterate event types", err)
	}
	for _, t := range types.EventTypes {
		if _, ok := s.typeIDs[t]; !ok {
			return fmt.Errorf("event type %q not seeded", t)
		}
	}
	return nil
}

func (s *Store) typeID(t types.EventType) int64 {
	return s.typeIDs[t]
}

// Ping verifies the store is usable.
func (s *Store) Ping(ctx context.Context) error {
	if s.closed.Load() {
		return storage.ErrNotReady
	}
	return s.db.PingContext(ctx)
}

// Close releases the connection pool.
func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}

// SizeBytes reports the size of the current database.
func (s *Store) SizeBytes(ctx context.Context) (int64, error) {
	if s.closed.Load() {
		return 0, storage.ErrNotReady
	}
	var n int64
	if err := s.db.QueryRowContext(ctx,
		`SELECT pg_database_size(current_database())`).Scan(&n); err != nil {
		return 0, wrapDBError("database size", err)
	}
	return n, nil
}
