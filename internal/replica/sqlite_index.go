package replica

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// SQLiteIndex stores the replica in an embedded SQLite file in WAL mode.
type SQLiteIndex struct {
	*sqlIndex
	path string
}

func NewSQLiteIndex(path string) (*SQLiteIndex, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	return &SQLiteIndex{
		path: path,
		sqlIndex: &sqlIndex{
			driver:        "sqlite3",
			dsn:           "file:" + path,
			recordsTable:  sqlRecordsTableName,
			settingsTable: sqlSettingsTableName,
			openDB: func(driverName, dsn string) (*sql.DB, error) {
				if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
					return nil, fmt.Errorf("failed to create database directory: %w", err)
				}
				return sql.Open(driverName, dsn)
			},
			placeholder: func(int) string { return "?" },
			prepare:     prepareSQLite,
		},
	}, nil
}

func prepareSQLite(ctx context.Context, db *sql.DB) error {
	// One writer at a time; WAL keeps status readers unblocked.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("%s: %w", pragma, err)
		}
	}
	return nil
}
