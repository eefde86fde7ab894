package storage

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"attendsync/internal/config"
	"attendsync/internal/model"
)

// EventStore is what the pipeline, the direction resolver and the
// attendance report consume.
type EventStore interface {
	// AppendEvent writes ev unless a record with the same idempotency key
	// exists. inserted is false for a duplicate.
	AppendEvent(ctx context.Context, ev model.NormalizedEvent) (inserted bool, err error)
	// MostRecentEvent reflects every append committed before the call.
	MostRecentEvent(ctx context.Context, subject, terminal string) (model.NormalizedEvent, bool, error)
	// EventsInRange returns the subject's events in [from, to) by time.
	EventsInRange(ctx context.Context, subject string, from, to time.Time) ([]model.NormalizedEvent, error)
}

type Store interface {
	EventStore
	Init(ctx context.Context) error
	Close() error
}

func NewStore(cfg config.StorageConfig) (Store, error) {
	switch strings.ToLower(cfg.Driver) {
	case "sqlite":
		return NewSQLite(cfg.DSN)
	case "postgres", "postgresql":
		return NewPostgres(cfg.DSN)
	case "memory":
		return NewMemory(), nil
	default:
		return nil, errors.New("unsupported storage driver")
	}
}

// DedupeKey identifies one scan independently of the path it arrived on:
// the same person, instant and type code is the same record. Events with
// no subject fall back to the terminal and card number.
func DedupeKey(ev model.NormalizedEvent) string {
	subject := ev.Subject()
	if subject == "" {
		subject = "card:" + ev.Terminal + "/" + ev.CardNo
	}
	h := sha256.New()
	h.Write([]byte(subject))
	h.Write([]byte{'|'})
	h.Write([]byte(ev.Timestamp.UTC().Format(time.RFC3339Nano)))
	h.Write([]byte{'|'})
	h.Write([]byte(ev.TypeCode))
	return hex.EncodeToString(h.Sum(nil))
}

type queries struct {
	insert     string
	mostRecent string
	inRange    string
}

const eventColumns = `id, subject, person_id, employee_no, name, card_no, reader_id, type_code, description, ts_ms, terminal, direction, source`

type baseStore struct {
	db *sql.DB
	q  queries
}

func (b *baseStore) Close() error {
	if b.db != nil {
		return b.db.Close()
	}
	return nil
}

func (b *baseStore) AppendEvent(ctx context.Context, ev model.NormalizedEvent) (bool, error) {
	res, err := b.db.ExecContext(ctx, b.q.insert,
		ev.ID,
		DedupeKey(ev),
		ev.Subject(),
		ev.PersonID,
		ev.EmployeeNo,
		ev.Name,
		ev.CardNo,
		ev.ReaderID,
		ev.TypeCode,
		ev.Description,
		ev.Timestamp.UTC().UnixMilli(),
		ev.Terminal,
		string(ev.Direction),
		ev.Source,
		nowUTC().UnixMilli(),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (b *baseStore) MostRecentEvent(ctx context.Context, subject, terminal string) (model.NormalizedEvent, bool, error) {
	row := b.db.QueryRowContext(ctx, b.q.mostRecent, subject, terminal)
	ev, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.NormalizedEvent{}, false, nil
	}
	if err != nil {
		return model.NormalizedEvent{}, false, err
	}
	return ev, true, nil
}

func (b *baseStore) EventsInRange(ctx context.Context, subject string, from, to time.Time) ([]model.NormalizedEvent, error) {
	rows, err := b.db.QueryContext(ctx, b.q.inRange, subject, from.UTC().UnixMilli(), to.UTC().UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.NormalizedEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEvent(s scanner) (model.NormalizedEvent, error) {
	var (
		ev        model.NormalizedEvent
		subject   string
		tsMS      int64
		direction string
	)
	err := s.Scan(&ev.ID, &subject, &ev.PersonID, &ev.EmployeeNo, &ev.Name, &ev.CardNo, &ev.ReaderID,
		&ev.TypeCode, &ev.Description, &tsMS, &ev.Terminal, &direction, &ev.Source)
	if err != nil {
		return model.NormalizedEvent{}, err
	}
	ev.Timestamp = time.UnixMilli(tsMS).UTC()
	ev.Direction = model.ParseDirection(direction)
	return ev, nil
}

func nowUTC() time.Time {
	return time.Now().UTC()
}
