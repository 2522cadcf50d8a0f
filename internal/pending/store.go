package pending

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"

	"semaphore/offline/internal/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS pending_sessions (
	seq             INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id      TEXT NOT NULL UNIQUE,
	origin          TEXT NOT NULL,
	record          TEXT NOT NULL,
	attempts        INTEGER NOT NULL DEFAULT 0,
	last_attempt_at INTEGER NOT NULL DEFAULT 0,
	last_error      TEXT NOT NULL DEFAULT ''
);`

// Store is the device-side durable queue of sessions captured away from the
// canonical service. Entries survive restarts and leave only through
// MarkSynced.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens or creates the queue at path. ":memory:" gives a private
// in-memory queue.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "open pending store")
	}
	// One connection keeps writers serialized and ":memory:" coherent.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, errors.Wrapf(err, "apply %q", pragma)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "create pending schema")
	}
	return &Store{db: db, now: time.Now}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Append queues item. Appending a session id already queued merges the new
// marks into the existing entry and keeps its position.
func (s *Store) Append(ctx context.Context, item model.PendingItem) error {
	if item.Record.ID == "" {
		return model.E(model.KindInvalid, "pending append", errors.New("missing session id"))
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		existing, err := getItem(ctx, tx, item.Record.ID)
		switch {
		case model.KindOf(err) == model.KindNotFound:
			return insertItem(ctx, tx, item)
		case err != nil:
			return err
		}
		existing.Record.MergeMarks(item.Record.Attendance...)
		return updateRecord(ctx, tx, existing.Record)
	})
}

// AppendMark adds m to the queued session it belongs to.
func (s *Store) AppendMark(ctx context.Context, sessionID string, m model.AttendanceMark) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		existing, err := getItem(ctx, tx, sessionID)
		if err != nil {
			return err
		}
		if existing.Record.MergeMarks(m) == 0 {
			return nil
		}
		return updateRecord(ctx, tx, existing.Record)
	})
}

func (s *Store) Get(ctx context.Context, sessionID string) (model.PendingItem, error) {
	return getItem(ctx, s.db, sessionID)
}

// List returns every queued entry in insertion order.
func (s *Store) List(ctx context.Context) ([]model.PendingItem, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+itemColumns+` FROM pending_sessions ORDER BY seq`)
	if err != nil {
		return nil, errors.Wrap(err, "list pending sessions")
	}
	defer rows.Close()
	var out []model.PendingItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, errors.Wrap(rows.Err(), "list pending sessions")
}

// MarkSynced removes the acknowledged sessions.
func (s *Store) MarkSynced(ctx context.Context, sessionIDs []string) error {
	if len(sessionIDs) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, id := range sessionIDs {
			if _, err := tx.ExecContext(ctx, `DELETE FROM pending_sessions WHERE session_id = ?`, id); err != nil {
				return errors.Wrapf(err, "remove pending session %s", id)
			}
		}
		return nil
	})
}

func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pending_sessions`).Scan(&n)
	return n, errors.Wrap(err, "count pending sessions")
}

// RecordAttempt stores the outcome of a failed sync attempt for sessionID.
func (s *Store) RecordAttempt(ctx context.Context, sessionID string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE pending_sessions
		SET attempts = attempts + 1, last_attempt_at = ?, last_error = ?
		WHERE session_id = ?`, s.now().UnixMilli(), msg, sessionID)
	if err != nil {
		return errors.Wrap(err, "record sync attempt")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return model.E(model.KindNotFound, "record sync attempt", nil)
	}
	return nil
}

func (s *Store) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin pending tx")
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return errors.Wrap(tx.Commit(), "commit pending tx")
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const itemColumns = `origin, record, attempts, last_attempt_at, last_error`

type scanner interface {
	Scan(dest ...any) error
}

func scanItem(row scanner) (model.PendingItem, error) {
	var (
		item   model.PendingItem
		origin string
		record string
	)
	if err := row.Scan(&origin, &record, &item.Attempts, &item.LastAttemptAt, &item.LastError); err != nil {
		return model.PendingItem{}, err
	}
	if err := json.Unmarshal([]byte(record), &item.Record); err != nil {
		return model.PendingItem{}, errors.Wrap(err, "decode pending record")
	}
	item.Origin = model.TransportKind(origin)
	return item, nil
}

func getItem(ctx context.Context, q queryer, sessionID string) (model.PendingItem, error) {
	item, err := scanItem(q.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM pending_sessions WHERE session_id = ?`, sessionID))
	if errors.Is(err, sql.ErrNoRows) {
		return model.PendingItem{}, model.E(model.KindNotFound, "pending get", nil)
	}
	if err != nil {
		return model.PendingItem{}, errors.Wrap(err, "load pending session")
	}
	return item, nil
}

func insertItem(ctx context.Context, tx *sql.Tx, item model.PendingItem) error {
	record, err := json.Marshal(item.Record)
	if err != nil {
		return errors.Wrap(err, "encode pending record")
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO pending_sessions (session_id, origin, record, attempts, last_attempt_at, last_error)
		VALUES (?, ?, ?, ?, ?, ?)`,
		item.Record.ID, string(item.Origin), string(record), item.Attempts, item.LastAttemptAt, item.LastError)
	return errors.Wrap(err, "insert pending session")
}

func updateRecord(ctx context.Context, tx *sql.Tx, rec model.SessionRecord) error {
	record, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, "encode pending record")
	}
	_, err = tx.ExecContext(ctx, `UPDATE pending_sessions SET record = ? WHERE session_id = ?`, string(record), rec.ID)
	return errors.Wrap(err, "update pending session")
}
