package replica

import (
	"database/sql"
	"strconv"
	"strings"

	_ "github.com/lib/pq"
)

type PostgresIndex struct {
	*sqlIndex
}

func NewPostgresIndex(dsn string) (*PostgresIndex, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresIndex{sqlIndex: &sqlIndex{
		driver:        "postgres",
		dsn:           dsn,
		recordsTable:  sqlRecordsTableName,
		settingsTable: sqlSettingsTableName,
		openDB:        sql.Open,
		placeholder:   func(n int) string { return "$" + strconv.Itoa(n) },
	}}, nil
}
