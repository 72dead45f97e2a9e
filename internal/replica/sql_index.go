package replica

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/relaywatch/internal/metadata"
)

const (
	sqlRecordsTableName  = "relaywatch_records"
	sqlSettingsTableName = "relaywatch_settings"
	sqlRemoteSeqKey      = "remote_seq"
	sqlOperationTimeout  = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// sqlIndex is the database/sql core shared by the SQLite and Postgres
// backends. The connection and schema are set up on first use.
type sqlIndex struct {
	driver        string
	dsn           string
	recordsTable  string
	settingsTable string
	openDB        sqlOpenFunc
	placeholder   func(n int) string
	prepare       func(ctx context.Context, db *sql.DB) error

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func (s *sqlIndex) ensureReady() error {
	if s == nil {
		return ErrInvalidInput
	}
	s.initOnce.Do(func() {
		db, err := s.openDB(s.driver, s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), sqlOperationTimeout)
		defer cancel()
		if s.prepare != nil {
			if err := s.prepare(ctx, db); err != nil {
				_ = db.Close()
				s.initErr = err
				return
			}
		}
		statements := []string{
			fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					id TEXT PRIMARY KEY,
					path TEXT NOT NULL,
					remote_id TEXT UNIQUE,
					doc TEXT NOT NULL
				)`, quoteIdentifier(s.recordsTable)),
			fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					setting_key TEXT PRIMARY KEY,
					value TEXT NOT NULL
				)`, quoteIdentifier(s.settingsTable)),
		}
		for _, stmt := range statements {
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				_ = db.Close()
				s.initErr = err
				return
			}
		}
		s.db = db
	})
	return s.initErr
}

func (s *sqlIndex) GetRemoteSeq(ctx context.Context) (string, error) {
	if err := s.ensureReady(); err != nil {
		return "", err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()
	query := fmt.Sprintf("SELECT value FROM %s WHERE setting_key = %s", quoteIdentifier(s.settingsTable), s.placeholder(1))
	var seq string
	err := s.db.QueryRowContext(ctx, query, sqlRemoteSeqKey).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return seq, err
}

func (s *sqlIndex) SetRemoteSeq(ctx context.Context, seq string) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()
	query := fmt.Sprintf(`
		INSERT INTO %s (setting_key, value)
		VALUES (%s, %s)
		ON CONFLICT (setting_key)
		DO UPDATE SET value = excluded.value`, quoteIdentifier(s.settingsTable), s.placeholder(1), s.placeholder(2))
	_, err := s.db.ExecContext(ctx, query, sqlRemoteSeqKey, seq)
	return err
}

func (s *sqlIndex) ByRemoteIDMaybe(ctx context.Context, remoteID string) (*metadata.Metadata, error) {
	return s.queryOne(ctx, "remote_id", strings.TrimSpace(remoteID))
}

func (s *sqlIndex) ByPathMaybe(ctx context.Context, p string) (*metadata.Metadata, error) {
	return s.queryOne(ctx, "id", metadata.ID(p))
}

func (s *sqlIndex) queryOne(ctx context.Context, column, value string) (*metadata.Metadata, error) {
	if value == "" {
		return nil, nil
	}
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()
	query := fmt.Sprintf("SELECT doc FROM %s WHERE %s = %s", quoteIdentifier(s.recordsTable), column, s.placeholder(1))
	var payload string
	err := s.db.QueryRowContext(ctx, query, value).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return decodeRecord(payload)
}

func (s *sqlIndex) Put(ctx context.Context, doc *metadata.Metadata) error {
	key, err := recordKey(doc)
	if err != nil {
		return err
	}
	if err := s.ensureReady(); err != nil {
		return err
	}
	stored := doc.Clone()
	stored.ID = key
	payload, err := json.Marshal(stored)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	var remoteID sql.NullString
	if rid := remoteIDOf(stored); rid != "" {
		remoteID = sql.NullString{String: rid, Valid: true}
		owner := ""
		query := fmt.Sprintf("SELECT id FROM %s WHERE remote_id = %s", quoteIdentifier(s.recordsTable), s.placeholder(1))
		err := s.db.QueryRowContext(ctx, query, rid).Scan(&owner)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		if owner != "" && owner != key {
			return ErrDuplicateRemoteID
		}
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (id, path, remote_id, doc)
		VALUES (%s, %s, %s, %s)
		ON CONFLICT (id)
		DO UPDATE SET path = excluded.path, remote_id = excluded.remote_id, doc = excluded.doc`,
		quoteIdentifier(s.recordsTable), s.placeholder(1), s.placeholder(2), s.placeholder(3), s.placeholder(4))
	_, err = s.db.ExecContext(ctx, query, key, stored.Path, remoteID, string(payload))
	return err
}

func (s *sqlIndex) Delete(ctx context.Context, doc *metadata.Metadata) error {
	key, err := recordKey(doc)
	if err != nil {
		return err
	}
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()
	query := fmt.Sprintf("DELETE FROM %s WHERE id = %s", quoteIdentifier(s.recordsTable), s.placeholder(1))
	_, err = s.db.ExecContext(ctx, query, key)
	return err
}

func (s *sqlIndex) All(ctx context.Context) ([]*metadata.Metadata, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf("SELECT doc FROM %s ORDER BY id", quoteIdentifier(s.recordsTable)))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*metadata.Metadata
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		doc, err := decodeRecord(payload)
		if err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	return out, rows.Err()
}

func (s *sqlIndex) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func decodeRecord(payload string) (*metadata.Metadata, error) {
	var doc metadata.Metadata
	if err := json.Unmarshal([]byte(payload), &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

func quoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
