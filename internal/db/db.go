package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const defaultDBName = "claimwatch.db"

type Config struct {
	// Path is the database file. Empty means .claimwatch/claimwatch.db under Workspace.
	Path        string
	Workspace   string
	BusyTimeout time.Duration
}

func dbPath(cfg Config) string {
	if cfg.Path != "" {
		return cfg.Path
	}
	workspace := cfg.Workspace
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, ".claimwatch", defaultDBName)
}

// EnsureDir creates the directory holding the database file.
func EnsureDir(path string) error {
	return os.MkdirAll(filepath.Dir(path), 0o755)
}

// Open opens the SQLite database with foreign keys, WAL and a busy timeout.
// A single connection serializes writers; callers must not touch the *sql.DB
// while holding an open transaction on it.
func Open(cfg Config) (*sql.DB, error) {
	path := dbPath(cfg)
	if err := EnsureDir(path); err != nil {
		return nil, err
	}
	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)", path, busy.Milliseconds())
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	conn.SetMaxOpenConns(1)
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return conn, nil
}

// Path returns the db path Open would use.
func Path(cfg Config) string {
	return dbPath(cfg)
}
