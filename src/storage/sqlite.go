package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/glebarez/go-sqlite"

	"market-emulator/src/models"
	"market-emulator/src/replay"
)

var ErrUnknownKind = errors.New("unknown stored message kind")

// SQLiteStorage keeps historical market data in SQLite, one row per message.
// Days are UTC calendar dates of the message server time.
type SQLiteStorage struct {
	db *sql.DB
}

var _ replay.Storage = (*SQLiteStorage)(nil)

// Open creates or opens the database at path with WAL mode enabled.
func Open(path string) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA cache_size=-8000;",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma %s: %w", pragma, err)
		}
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS market_data (
			id INTEGER PRIMARY KEY,
			security TEXT NOT NULL,
			data_type TEXT NOT NULL,
			day TEXT NOT NULL,
			ts INTEGER NOT NULL,
			kind TEXT NOT NULL,
			payload BLOB NOT NULL
		);
		CREATE INDEX IF NOT EXISTS market_data_lookup ON market_data (security, data_type, day, ts, id);
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create market_data table: %w", err)
	}

	return &SQLiteStorage{db: db}, nil
}

// Save stores messages of one data type in a single transaction.
func (s *SQLiteStorage) Save(ctx context.Context, dataType models.DataType, msgs ...models.Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		"INSERT INTO market_data (security, data_type, day, ts, kind, payload) VALUES (?, ?, ?, ?, ?, ?)")
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, msg := range msgs {
		sm, ok := msg.(models.SecurityMessage)
		if !ok {
			return fmt.Errorf("%s has no instrument", msg.Kind())
		}
		payload, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("failed to marshal %s: %w", msg.Kind(), err)
		}
		t := msg.Time().UTC()
		if _, err := stmt.ExecContext(ctx,
			sm.Security().String(), string(dataType), t.Format(time.DateOnly), t.UnixNano(), string(msg.Kind()), payload,
		); err != nil {
			return fmt.Errorf("failed to insert %s: %w", msg.Kind(), err)
		}
	}
	return tx.Commit()
}

// Load streams the messages of a day in time order, insertion order breaking ties.
func (s *SQLiteStorage) Load(ctx context.Context, security models.SecurityID, dataType models.DataType, date time.Time) (replay.MessageIterator, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, kind, payload FROM market_data WHERE security = ? AND data_type = ? AND day = ? ORDER BY ts ASC, id ASC",
		security.String(), string(dataType), date.UTC().Format(time.DateOnly),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query market data: %w", err)
	}
	return &rowsIterator{rows: rows}, nil
}

// Dates lists the days that hold data for an instrument and data type.
func (s *SQLiteStorage) Dates(ctx context.Context, security models.SecurityID, dataType models.DataType) ([]time.Time, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT DISTINCT day FROM market_data WHERE security = ? AND data_type = ? ORDER BY day ASC",
		security.String(), string(dataType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query dates: %w", err)
	}
	defer rows.Close()

	var out []time.Time
	for rows.Next() {
		var day string
		if err := rows.Scan(&day); err != nil {
			return nil, fmt.Errorf("failed to scan date: %w", err)
		}
		d, err := time.Parse(time.DateOnly, day)
		if err != nil {
			return nil, fmt.Errorf("bad stored date %q: %w", day, err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return out, nil
}

func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

type rowsIterator struct {
	rows *sql.Rows
	msg  models.Message
	err  error
}

func (it *rowsIterator) Next() bool {
	if it.err != nil || !it.rows.Next() {
		return false
	}
	var (
		id      int64
		kind    string
		payload []byte
	)
	if err := it.rows.Scan(&id, &kind, &payload); err != nil {
		it.err = fmt.Errorf("failed to scan market data: %w", err)
		return false
	}
	msg, err := decode(models.MessageKind(kind), payload)
	if err != nil {
		it.err = fmt.Errorf("failed to decode row %d: %w", id, err)
		return false
	}
	it.msg = msg
	return true
}

func (it *rowsIterator) Message() models.Message { return it.msg }

func (it *rowsIterator) Err() error {
	if it.err != nil {
		return it.err
	}
	return it.rows.Err()
}

func (it *rowsIterator) Close() error { return it.rows.Close() }

func decode(kind models.MessageKind, payload []byte) (models.Message, error) {
	var msg models.Message
	switch kind {
	case models.KindExecution:
		msg = &models.ExecutionMessage{}
	case models.KindQuoteChange:
		msg = &models.QuoteChangeMessage{}
	case models.KindLevel1Change:
		msg = &models.Level1ChangeMessage{}
	case models.KindCandle:
		msg = &models.CandleMessage{}
	case models.KindSecurity:
		msg = &models.SecurityInfoMessage{}
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
	if err := json.Unmarshal(payload, msg); err != nil {
		return nil, err
	}
	return msg, nil
}
