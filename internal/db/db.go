// Package db owns the on-disk SQLite location. Every command and the server
// share one database file under the workspace's .opsboard directory.
package db

import (
	"database/sql"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

type Config struct {
	Workspace string
}

// Path returns the database file location for a workspace, defaulting to the
// current directory when the workspace is empty.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, ".opsboard", "opsboard.db")
}

// EnsureWorkspace creates the .opsboard directory and returns its path.
func EnsureWorkspace(workspace string) (string, error) {
	dir := filepath.Dir(Path(workspace))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

// Open prepares the workspace and opens its database with foreign keys on.
func Open(cfg Config) (*sql.DB, error) {
	if _, err := EnsureWorkspace(cfg.Workspace); err != nil {
		return nil, err
	}
	return sql.Open("sqlite", "file:"+Path(cfg.Workspace)+"?cache=shared&_pragma=foreign_keys(1)")
}
