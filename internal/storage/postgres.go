package storage

import (
	"context"
	"database/sql"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
)

type postgresStore struct {
	baseStore
}

func NewPostgres(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "postgres://localhost:5432/attendsync?sslmode=disable"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return &postgresStore{baseStore{db: db, q: queries{
		insert: `INSERT INTO events (id, dedupe_key, subject, person_id, employee_no, name, card_no, reader_id,
			type_code, description, ts_ms, terminal, direction, source, created_ms)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
			ON CONFLICT (dedupe_key) DO NOTHING`,
		mostRecent: `SELECT ` + eventColumns + ` FROM events
			WHERE subject = $1 AND terminal = $2
			ORDER BY ts_ms DESC, seq DESC LIMIT 1`,
		inRange: `SELECT ` + eventColumns + ` FROM events
			WHERE subject = $1 AND ts_ms >= $2 AND ts_ms < $3
			ORDER BY ts_ms ASC, seq ASC`,
	}}}, nil
}

func (s *postgresStore) Init(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS events (
			seq BIGSERIAL PRIMARY KEY,
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
			ts_ms BIGINT NOT NULL,
			terminal TEXT NOT NULL,
			direction TEXT NOT NULL,
			source TEXT NOT NULL DEFAULT '',
			created_ms BIGINT NOT NULL
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
