package storage

import (
	"context"
	"database/sql"
	"strings"

	_ "modernc.org/sqlite"
)

type sqliteStore struct {
	baseStore
}

func NewSQLite(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "file:attendsync.db?_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// A single writer keeps most-recent reads consistent with the last append.
	db.SetMaxOpenConns(1)
	return &sqliteStore{baseStore{db: db, q: queries{
		insert: `INSERT INTO events (id, dedupe_key, subject, person_id, employee_no, name, card_no, reader_id,
			type_code, description, ts_ms, terminal, direction, source, created_ms)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(dedupe_key) DO NOTHING`,
		mostRecent: `SELECT ` + eventColumns + ` FROM events
			WHERE subject = ? AND terminal = ?
			ORDER BY ts_ms DESC, seq DESC LIMIT 1`,
		inRange: `SELECT ` + eventColumns + ` FROM events
			WHERE subject = ? AND ts_ms >= ? AND ts_ms < ?
			ORDER BY ts_ms ASC, seq ASC`,
	}}}, nil
}

func (s *sqliteStore) Init(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS events (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL,
			dedupe_key TEXT NOT NULL UNIQUE,
			subject TEXT NOT NULL,
			person_id TEXT NOT NULL DEFAULT '',
			employee_no TEXT NOT NULL DEFAULT '',
			name TEXT NOT NULL DEFAULT '',
			card_no TEXT NOT NULL DEFAULT '',
			reader_id TEXT NOT NULL DEFAULT '',
			type_code TEXT NOT NULL,
			description TEXT NOT NULL,
			ts_ms INTEGER NOT NULL,
			terminal TEXT NOT NULL,
			direction TEXT NOT NULL,
			source TEXT NOT NULL DEFAULT '',
			created_ms INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_subject_terminal ON events(subject, terminal, ts_ms)`,
		`CREATE INDEX IF NOT EXISTS idx_events_subject_ts ON events(subject, ts_ms)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
