package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
	"github.com/sandwichfarm/castfeed/internal/config"
)

// ErrNotFound is returned when a lookup matches no row
var ErrNotFound = errors.New("storage: not found")

// Storage is the relational store for canonical records
type Storage struct {
	db     *sqlx.DB
	driver string
	config *config.Storage
}

// New creates a new Storage instance with the given configuration
func New(ctx context.Context, cfg *config.Storage) (*Storage, error) {
	s := &Storage{
		config: cfg,
		driver: cfg.Driver,
	}

	// Initialize the appropriate backend
	switch cfg.Driver {
	case "sqlite":
		if err := s.initSQLite(ctx); err != nil {
			return nil, fmt.Errorf("failed to initialize SQLite: %w", err)
		}
	case "postgres":
		if err := s.initPostgres(ctx); err != nil {
			return nil, fmt.Errorf("failed to initialize Postgres: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported storage driver: %s", cfg.Driver)
	}

	// Run migrations for all record tables
	if err := s.runMigrations(ctx); err != nil {
		s.db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return s, nil
}

func (s *Storage) initSQLite(ctx context.Context) error {
	if dir := filepath.Dir(s.config.SQLitePath); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	db, err := sqlx.ConnectContext(ctx, "sqlite3", s.config.SQLitePath)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	s.db = db
	return nil
}

func (s *Storage) initPostgres(ctx context.Context) error {
	db, err := sqlx.ConnectContext(ctx, "postgres", s.config.PostgresDSN)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	if s.config.MaxOpenConn > 0 {
		db.SetMaxOpenConns(s.config.MaxOpenConn)
	}
	s.db = db
	return nil
}

// DB returns the underlying database handle
func (s *Storage) DB() *sqlx.DB {
	return s.db
}

// Driver returns the configured driver name
func (s *Storage) Driver() string {
	return s.driver
}

// Close closes the storage connections
func (s *Storage) Close() error {
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			return fmt.Errorf("failed to close database: %w", err)
		}
	}
	return nil
}

// isUniqueViolation reports whether err is a duplicate-key failure on
// either driver
func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}
