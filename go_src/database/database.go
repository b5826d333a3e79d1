package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"squareoff/go_src/configuration"

	_ "github.com/marcboeker/go-duckdb" // DuckDB driver
)

const (
	defaultMemoryLimit = "1GB"
	defaultThreads     = 2
	inMemoryPath       = ":memory:"
)

// Options select the DuckDB file and its resource limits. Zero values take
// the defaults; an empty Path opens an in-memory database.
type Options struct {
	Path        string
	MemoryLimit string
	Threads     int
}

// OptionsFromConfig reads the duckdb settings of the database section.
func OptionsFromConfig(cfg *configuration.Config) (Options, error) {
	if cfg == nil || cfg.Database.DBName == "" {
		return Options{}, fmt.Errorf("database path (DBName) not provided in configuration")
	}
	return Options{
		Path:        cfg.Database.DBName,
		MemoryLimit: cfg.Database.MemoryLimit,
		Threads:     cfg.Database.Threads,
	}, nil
}

// TradingDB manages the DuckDB connection holding the positions table.
type TradingDB struct {
	db   *sql.DB
	path string
}

// Open opens (and creates if needed) the DuckDB database described by opts.
func Open(ctx context.Context, opts Options) (*TradingDB, error) {
	path := opts.Path
	if path == "" {
		path = inMemoryPath
	}
	connStr := path
	if path != inMemoryPath {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory '%s': %w", dir, err)
		}
		connStr = path + "?access_mode=READ_WRITE"
	}

	db, err := sql.Open("duckdb", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open DuckDB database at %s: %w", path, err)
	}
	// Each in-memory connection would otherwise see its own database, and a
	// single writer keeps the conditional updates serialised.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping DuckDB database at %s: %w", path, err)
	}
	for _, stmt := range settings(opts) {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply '%s': %w", stmt, err)
		}
	}
	return &TradingDB{db: db, path: path}, nil
}

// OpenInMemory opens a private in-memory database with default limits.
func OpenInMemory(ctx context.Context) (*TradingDB, error) {
	return Open(ctx, Options{})
}

func settings(opts Options) []string {
	limit := opts.MemoryLimit
	if limit == "" {
		limit = defaultMemoryLimit
	}
	threads := opts.Threads
	if threads <= 0 {
		threads = defaultThreads
	}
	return []string{
		fmt.Sprintf("SET memory_limit='%s';", strings.ReplaceAll(limit, "'", "")),
		fmt.Sprintf("SET threads=%d;", threads),
	}
}

func (tdb *TradingDB) Close() error {
	if tdb.db != nil {
		return tdb.db.Close()
	}
	return nil
}

func (tdb *TradingDB) DB() *sql.DB { return tdb.db }

// Path returns the database file path, or ":memory:".
func (tdb *TradingDB) Path() string { return tdb.path }
