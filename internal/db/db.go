// Package db opens the workspace state database that holds cursor positions,
// the export event log and API keys.
package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const (
	stateDir      = ".backlogwatch"
	defaultDBName = "backlogwatch.db"

	defaultBusyTimeout = 5 * time.Second
)

type Config struct {
	Workspace string
	// BusyTimeout bounds how long a writer waits for a lock held by another
	// process (a CLI export while the server runs). Zero selects 5s.
	BusyTimeout time.Duration
}

// Path returns the db path for the workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, stateDir, defaultDBName)
}

// EnsureWorkspace creates the state directory if missing.
func EnsureWorkspace(workspace string) (string, error) {
	if workspace == "" {
		workspace = "."
	}
	dir := filepath.Join(workspace, stateDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create state dir: %w", err)
	}
	return dir, nil
}

// Open opens the state database in WAL mode and checks it is reachable.
func Open(cfg Config) (*sql.DB, error) {
	if _, err := EnsureWorkspace(cfg.Workspace); err != nil {
		return nil, err
	}
	timeout := cfg.BusyTimeout
	if timeout <= 0 {
		timeout = defaultBusyTimeout
	}
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)",
		Path(cfg.Workspace), timeout.Milliseconds())
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("open %s: %w", Path(cfg.Workspace), err)
	}
	return conn, nil
}
