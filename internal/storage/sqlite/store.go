// Package sqlite implements the storage interface on the embedded
// single-file engine.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync/atomic"

	// SQLite driver
	sqlite3 "github.com/ncruces/go-sqlite3"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"github.com/tetratelabs/wazero"

	"github.com/pulsehq/pulse/internal/storage"
	"github.com/pulsehq/pulse/internal/types"
)

// Verify the interface is satisfied at compile time.
var _ storage.Store = (*Store)(nil)
var _ storage.Backfiller = (*Store)(nil)

// Options configures how the embedded backend is opened.
type Options struct {
	// TemplatePath, when set and the database file does not exist yet, is
	// copied into place before opening (first-boot seeding).
	TemplatePath string

	// Operator account seeded during migration when both are set.
	OperatorUsername string
	OperatorPassword string // already hashed by the caller
	OperatorRole     string
}

// Store implements storage.Store using SQLite.
type Store struct {
	db     *sql.DB
	dbPath string
	closed atomic.Bool
	stmts  *stmtCache

	// typeIDs maps canonical event type names to their seeded row ids.
	// Loaded once after migration; the set is closed so no invalidation.
	typeIDs   map[types.EventType]int64
	typeNames map[int64]types.EventType
}

// setupWASMCache configures WASM compilation caching to reduce SQLite
// startup time. Falls back to an in-memory cache if the filesystem cache
// cannot be created.
func setupWASMCache() {
	var cache wazero.CompilationCache
	if userCache, err := os.UserCacheDir(); err == nil {
		dir := filepath.Join(userCache, "pulse", "wasm")
		if c, err := wazero.NewCompilationCacheWithDir(dir); err == nil {
			cache = c
		}
	}
	if cache == nil {
		cache = wazero.NewCompilationCache()
	}
	sqlite3.RuntimeConfig = wazero.NewRuntimeConfig().WithCompilationCache(cache)
}

func init() {
	setupWASMCache()
}

// New opens (and if necessary creates) the database at path, runs the
// schema and all migrations, and returns a ready store.
func New(ctx context.Context, path string, opts Options) (*Store, error) {
	// Performance pragmas: WAL journal, normal sync, 64 MiB page cache,
	// memory-mapped I/O, in-memory temp tables.
	const pragmas = "&_pragma=foreign_keys(ON)" +
		"&_pragma=busy_timeout(30000)" +
		"&_pragma=synchronous(NORMAL)" +
		"&_pragma=cache_size(-65536)" +
		"&_pragma=mmap_size(268435456)" +
		"&_pragma=temp_store(MEMORY)" +
		"&_time_format=sqlite"

	var connStr string
	isInMemory := path == ":memory:" ||
		(strings.HasPrefix(path, "file:") && strings.Contains(path, "mode=memory"))
	switch {
	case path == ":memory:":
		// Shared in-memory database; WAL does not apply here.
		connStr = "file:memdb?mode=memory&cache=shared" + pragmas
	case strings.HasPrefix(path, "file:"):
		connStr = path
		if !strings.Contains(path, "_pragma=foreign_keys") {
			connStr += pragmas
		}
	default:
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
		if opts.TemplatePath != "" {
			if err := copyTemplate(opts.TemplatePath, path); err != nil {
				return nil, fmt.Errorf("failed to copy template database: %w", err)
			}
		}
		connStr = "file:" + path + "?" + pragmas[1:]
	}

	db, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if isInMemory {
		// In-memory databases are isolated per connection; force one.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	} else {
		// WAL supports one writer plus N readers.
		db.SetMaxOpenConns(runtime.NumCPU() + 1)
		db.SetMaxIdleConns(2)
		db.SetConnMaxLifetime(0)
	}

	if !isInMemory {
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
		}
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	s := &Store{
		db:     db,
		dbPath: path,
		stmts:  newStmtCache(db),
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

// copyTemplate seeds a fresh database file from a template. No-op when the
// target already exists.
func copyTemplate(template, target string) error {
	if _, err := os.Stat(target); err == nil {
		return nil
	}
	src, err := os.Open(template) //nolint:gosec // operator-supplied path
	if err != nil {
		return err
	}
	defer func() { _ = src.Close() }()
	dst, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o640) //nolint:gosec
	if err != nil {
		return err
	}
	defer func() { _ = dst.Close() }()
	_, err = io.Copy(dst, src)
	return err
}

// loadEventTypes caches the seeded event-type ids.
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

// Close finalizes all cached prepared statements, checkpoints the WAL so
// writes are not stranded in the -wal file, and closes the pool.
func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.stmts.Close()
	_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return s.db.Close()
}

// Path returns the database path this store was opened with.
func (s *Store) Path() string {
	return s.dbPath
}

// SizeBytes reports the database size via page introspection.
func (s *Store) SizeBytes(ctx context.Context) (int64, error) {
	if s.closed.Load() {
		return 0, storage.ErrNotReady
	}
	var size int64
	err := s.db.QueryRowContext(ctx,
		`SELECT page_count * page_size FROM pragma_page_count(), pragma_page_size()`).Scan(&size)
	if err != nil {
		return 0, wrapDBError("database size", err)
	}
	return size, nil
}
