package store

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"

	"github.com/Misty4119/nds-api/internal/ir"
	"github.com/Misty4119/nds-api/internal/schema"
)

//go:embed schema.sql
var schemaSQL string

// schemaVersion is stamped into PRAGMA user_version. Bump it together with
// a migration step in checkSchemaVersion when schema.sql changes shape.
const schemaVersion = 1

// Driver names accepted by WithDriver.
const (
	DriverMattn   = "sqlite3"
	DriverModernc = "sqlite"
)

// Store is the durable EventStore.
//
// Writes go through a single connection (SQLite has one writer); reads use a
// separate pool and see WAL snapshots, so readers never block on appends.
type Store struct {
	db       *sql.DB // writer, one connection
	rdb      *sql.DB // readers
	driver   string
	registry *schema.Registry
	logger   *slog.Logger
	now      func() time.Time

	mu     sync.Mutex
	locks  map[ir.OriginID]*sync.Mutex
	halted map[ir.OriginID]error

	commitHook func(*sql.Tx) error
}

// Option configures Open.
type Option func(*Store)

// WithDriver selects the database/sql driver (DriverMattn or DriverModernc).
func WithDriver(name string) Option {
	return func(s *Store) { s.driver = name }
}

// WithRegistry validates every appended payload against its schema.
func WithRegistry(r *schema.Registry) Option {
	return func(s *Store) { s.registry = r }
}

// WithLogger overrides the default component logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithClock sets the wall clock used for bookkeeping timestamps.
// Event ordering never depends on it.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Open creates or opens an event store at path.
//
// The writer connection is configured with:
//   - WAL mode for concurrent snapshot reads
//   - synchronous=FULL so a returned append survives a crash
//   - 5-second busy timeout
//   - foreign key enforcement
func Open(path string, opts ...Option) (*Store, error) {
	s := &Store{
		driver: DriverMattn,
		logger: slog.Default().With("component", "store"),
		now:    time.Now,
		locks:  make(map[ir.OriginID]*sync.Mutex),
		halted: make(map[ir.OriginID]error),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.driver != DriverMattn && s.driver != DriverModernc {
		return nil, fmt.Errorf("open store: unknown driver %q", s.driver)
	}

	db, err := sql.Open(s.driver, path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}
	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	s.db = db

	if path == ":memory:" {
		s.rdb = db
		return s, nil
	}
	rdb, err := sql.Open(s.driver, readerDSN(s.driver, path))
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open reader pool: %w", err)
	}
	rdb.SetMaxOpenConns(4)
	s.rdb = rdb
	return s, nil
}

// readerDSN builds a read-only DSN. Pragmas are set through the DSN because
// a pooled PRAGMA statement only reaches one connection.
func readerDSN(driver, path string) string {
	if driver == DriverModernc {
		return "file:" + path + "?mode=ro&_pragma=busy_timeout(5000)"
	}
	return "file:" + path + "?mode=ro&_busy_timeout=5000"
}

// Close closes both connection pools.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	var rerr error
	if s.rdb != nil && s.rdb != s.db {
		rerr = s.rdb.Close()
	}
	if err := s.db.Close(); err != nil {
		return err
	}
	return rerr
}

// Registry returns the schema registry the store validates against, if any.
func (s *Store) Registry() *schema.Registry {
	return s.registry
}

// Driver reports the database/sql driver in use.
func (s *Store) Driver() string {
	return s.driver
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = FULL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	return nil
}

func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}
	return checkSchemaVersion(db)
}

// checkSchemaVersion stamps a fresh database and rejects one written by a
// newer schema.
func checkSchemaVersion(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}
	switch {
	case version == schemaVersion:
		return nil
	case version > schemaVersion:
		return fmt.Errorf("database schema version %d is newer than supported version %d", version, schemaVersion)
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}

// originLock returns the exclusive critical section for origin's sequence.
func (s *Store) originLock(origin ir.OriginID) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[origin]
	if !ok {
		l = &sync.Mutex{}
		s.locks[origin] = l
	}
	return l
}

func (s *Store) haltedErr(origin ir.OriginID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.halted[origin]
}

func (s *Store) halt(origin ir.OriginID, err error) {
	s.mu.Lock()
	s.halted[origin] = err
	s.mu.Unlock()
	s.logger.Error("durability failure: appends halted", "origin", origin, "error", err)
}

// Halted reports origins whose appends are halted after a durability failure.
func (s *Store) Halted() map[ir.OriginID]error {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[ir.OriginID]error, len(s.halted))
	for k, v := range s.halted {
		out[k] = v
	}
	return out
}

// Resume clears a durability halt. Operator action only: the caller asserts
// the underlying storage problem is fixed.
func (s *Store) Resume(origin ir.OriginID) {
	s.mu.Lock()
	delete(s.halted, origin)
	s.mu.Unlock()
	s.logger.Warn("appends resumed by operator", "origin", origin)
}

// verifyPragma checks that a pragma is set to the expected value.
// Used for testing.
func (s *Store) verifyPragma(name, expected string) error {
	var value string
	if err := s.db.QueryRow(fmt.Sprintf("PRAGMA %s", name)).Scan(&value); err != nil {
		return fmt.Errorf("failed to query %s: %w", name, err)
	}
	if value != expected {
		return fmt.Errorf("%s = %q, expected %q", name, value, expected)
	}
	return nil
}

func (s *Store) ts() int64 {
	return s.now().UnixMilli()
}

// querier abstracts *sql.DB and *sql.Tx for helpers shared by both.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}
