// Package sqlitestore is canvasd's durable storage: a SQLite connection
// pool with the canvas persister and the credit account store on top.
//
// Connections are not safe for concurrent use. Every operation takes its
// own connection from the pool and puts it back when done.
package sqlitestore

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"

	"github.com/m4xw311/canvasd/errors"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

const schema = `
CREATE TABLE IF NOT EXISTS canvases (
	canvas_id  TEXT PRIMARY KEY,
	owner_id   TEXT NOT NULL,
	title      TEXT NOT NULL DEFAULT '',
	version    INTEGER NOT NULL,
	content    TEXT NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS canvases_owner ON canvases(owner_id);
CREATE TABLE IF NOT EXISTS credit_accounts (
	subject_id TEXT PRIMARY KEY,
	balance    INTEGER NOT NULL CHECK (balance >= 0)
);
`

var pragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA synchronous=NORMAL",
	"PRAGMA busy_timeout=5000",
	"PRAGMA foreign_keys=OFF",
	"PRAGMA temp_store=MEMORY",
}

type Config struct {
	// Path of the database file; created if missing.
	Path string
	// PoolSize defaults to max(NumCPU, 4).
	PoolSize int
	Logger   *slog.Logger
}

type DB struct {
	pool   *sqlitex.Pool
	logger *slog.Logger
	path   string
}

// Open creates the pool. Every connection gets the standard pragmas and the
// schema on first use.
func Open(cfg Config) (*DB, error) {
	if cfg.Path == "" {
		return nil, errors.New("sqlitestore: Path is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	size := cfg.PoolSize
	if size <= 0 {
		size = max(runtime.NumCPU(), 4)
	}

	pool, err := sqlitex.NewPool(cfg.Path, sqlitex.PoolOptions{
		PoolSize:    size,
		PrepareConn: prepareConn,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "sqlitestore: opening %s", cfg.Path)
	}
	logger.Info("sqlite pool opened", "path", cfg.Path, "pool_size", size)
	return &DB{pool: pool, logger: logger, path: cfg.Path}, nil
}

func prepareConn(conn *sqlite.Conn) error {
	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("sqlitestore: %s: %w", pragma, err)
		}
	}
	if err := sqlitex.ExecuteScript(conn, schema, nil); err != nil {
		return fmt.Errorf("sqlitestore: schema: %w", err)
	}
	return nil
}

func (db *DB) take(ctx context.Context) (*sqlite.Conn, error) {
	conn, err := db.pool.Take(ctx)
	if err != nil {
		return nil, errors.Wrapf(err, "sqlitestore: take")
	}
	return conn, nil
}

func (db *DB) Close() error {
	if err := db.pool.Close(); err != nil {
		db.logger.Error("sqlite pool close error", "path", db.path, "error", err)
		return errors.Wrapf(err, "sqlitestore: closing %s", db.path)
	}
	db.logger.Info("sqlite pool closed", "path", db.path)
	return nil
}
