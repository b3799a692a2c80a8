package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const defaultDBName = "index.db"

type Config struct {
	Root string
	// Path overrides the default {Root}/index.db location.
	Path string
}

// Path returns the index database path for cfg.
func Path(cfg Config) string {
	if cfg.Path != "" {
		return cfg.Path
	}
	root := cfg.Root
	if root == "" {
		root = "."
	}
	return filepath.Join(root, defaultDBName)
}

// Open opens the SQLite database, creating its directory. Writers from other processes
// are waited on for up to five seconds.
func Open(cfg Config) (*sql.DB, error) {
	path := Path(cfg)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	conn.SetMaxOpenConns(1)
	return conn, nil
}
