package store

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"
	"github.com/lychee-technology/formsync"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// Querier is satisfied by both *sql.DB and *sql.Tx.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type dialect struct {
	driver     string
	listTables string
}

var dialects = map[string]dialect{
	"duckdb": {
		driver:     "duckdb",
		listTables: "SELECT table_name FROM information_schema.tables WHERE table_schema = 'main'",
	},
	"sqlite": {
		driver:     "sqlite",
		listTables: "SELECT name FROM sqlite_master WHERE type = 'table'",
	},
}

// Store is the local embedded database holding all offline state.
type Store struct {
	mu         sync.RWMutex
	cfg        formsync.StoreConfig
	dialect    dialect
	db         *sql.DB
	tables     map[string]struct{}
	migrations []Migration
}

// New creates a closed store. Migrations default to the full application schema.
func New(cfg formsync.StoreConfig, migrations ...Migration) *Store {
	if len(migrations) == 0 {
		migrations = Schema()
	}
	return &Store{
		cfg:        cfg,
		migrations: migrations,
	}
}

// Open connects, applies pragmas and runs pending migrations. Calling Open on an open store is a no-op.
func (s *Store) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db != nil {
		return nil
	}

	d, ok := dialects[s.cfg.Driver]
	if !ok {
		return fmt.Errorf("unsupported store driver %q", s.cfg.Driver)
	}

	db, err := sql.Open(d.driver, s.dsn(d))
	if err != nil {
		return fmt.Errorf("open %s: %w", d.driver, err)
	}

	maxConns := s.cfg.MaxConnections
	if maxConns <= 0 || (d.driver == "sqlite" && s.cfg.Path == "") {
		// every sqlite in-memory connection is a separate database
		maxConns = 1
	}
	db.SetMaxOpenConns(maxConns)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return fmt.Errorf("ping %s: %w", d.driver, err)
	}

	if d.driver == "duckdb" && s.cfg.MemoryLimitMB > 0 {
		if _, err := db.ExecContext(ctx, fmt.Sprintf("PRAGMA memory_limit='%dMB';", s.cfg.MemoryLimitMB)); err != nil {
			zap.S().Warnw("store: set memory_limit failed", "err", err, "memoryLimitMB", s.cfg.MemoryLimitMB)
		}
	}

	if err := migrate(ctx, db, s.migrations); err != nil {
		db.Close()
		return fmt.Errorf("migrate: %w", err)
	}

	tables, err := listTables(ctx, db, d)
	if err != nil {
		db.Close()
		return fmt.Errorf("list tables: %w", err)
	}

	s.db = db
	s.dialect = d
	s.tables = tables
	zap.S().Infow("store opened", "driver", d.driver, "path", s.cfg.Path, "tables", len(tables))
	return nil
}

func (s *Store) dsn(d dialect) string {
	switch d.driver {
	case "sqlite":
		path := s.cfg.Path
		if path == "" {
			path = ":memory:"
		}
		timeout := s.cfg.BusyTimeout
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		return fmt.Sprintf("%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)", path, timeout.Milliseconds())
	default:
		return s.cfg.Path
	}
}

func listTables(ctx context.Context, db *sql.DB, d dialect) (map[string]struct{}, error) {
	rows, err := db.QueryContext(ctx, d.listTables)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	tables := make(map[string]struct{})
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		tables[name] = struct{}{}
	}
	return tables, rows.Err()
}

// Close releases the connection. Closing a closed store is a no-op.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	s.tables = nil
	return err
}

// IsOpen reports whether Open has succeeded and Close has not been called since.
func (s *Store) IsOpen() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.db != nil
}

// Handle returns the connection after verifying the store is open and table exists.
func (s *Store) Handle(table string) (Querier, error) {
	if s == nil {
		return nil, formsync.NewStoreUnavailableError("store not configured")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(table); err != nil {
		return nil, err
	}
	return s.db, nil
}

func (s *Store) check(tables ...string) error {
	if s.db == nil {
		return formsync.NewStoreUnavailableError("store is not open")
	}
	for _, table := range tables {
		if _, ok := s.tables[table]; !ok {
			return formsync.NewTableNotFoundError(table)
		}
	}
	return nil
}

// WithTx runs fn inside one transaction after checking every listed table.
func (s *Store) WithTx(ctx context.Context, tables []string, fn func(tx *sql.Tx) error) error {
	if s == nil {
		return formsync.NewStoreUnavailableError("store not configured")
	}
	s.mu.RLock()
	if err := s.check(tables...); err != nil {
		s.mu.RUnlock()
		return err
	}
	db := s.db
	s.mu.RUnlock()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			zap.S().Warnw("store: rollback failed", "err", rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Tables lists the tables present in the catalog, sorted.
func (s *Store) Tables() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.tables))
	for name := range s.tables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SchemaVersion returns the highest applied migration version for a table, 0 if none.
func (s *Store) SchemaVersion(ctx context.Context, table string) (int, error) {
	q, err := s.Handle(TableSchemaVersions)
	if err != nil {
		return 0, err
	}
	var version sql.NullInt64
	err = q.QueryRowContext(ctx,
		"SELECT MAX(version) FROM "+TableSchemaVersions+" WHERE table_name = ?", table).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("query schema version: %w", err)
	}
	return int(version.Int64), nil
}

// HealthCheck performs a liveness query.
func (s *Store) HealthCheck(ctx context.Context) error {
	s.mu.RLock()
	db := s.db
	s.mu.RUnlock()
	if db == nil {
		return formsync.NewStoreUnavailableError("store is not open")
	}

	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	var v int
	if err := db.QueryRowContext(ctx, "SELECT 1").Scan(&v); err != nil {
		return fmt.Errorf("store health query failed: %w", err)
	}
	if v != 1 {
		return fmt.Errorf("unexpected store health result: %d", v)
	}
	return nil
}
