package db

import (
	"context"
	_ "embed"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"semaphore/offline/internal/model"
)

//go:embed schema.sql
var schemaSQL string

func NewPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, errors.Wrap(err, "open pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "ping database")
	}
	return pool, nil
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type PGStore struct {
	*pgQueries
	pool *pgxpool.Pool
}

func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pgQueries: &pgQueries{db: pool}, pool: pool}
}

func (s *PGStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, schemaSQL)
	return errors.Wrap(err, "apply schema")
}

func (s *PGStore) WithTx(ctx context.Context, fn func(Queries) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return errors.Wrap(err, "begin tx")
	}
	if err := fn(&pgQueries{db: tx}); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	return errors.Wrap(tx.Commit(ctx), "commit tx")
}

func (s *PGStore) Ping(ctx context.Context) error {
	return errors.Wrap(s.pool.Ping(ctx), "ping postgres")
}

func (s *PGStore) Close() {
	s.pool.Close()
}

type pgQueries struct {
	db querier
}

const sessionColumns = `id::text, course_id, course_name, coordinator_id, coordinator_name, created_at, expires_at, active`

func scanSession(row pgx.Row) (model.Session, error) {
	var (
		s                  model.Session
		createdAt, expires time.Time
	)
	if err := row.Scan(&s.ID, &s.CourseID, &s.CourseName, &s.CoordinatorID, &s.CoordinatorName, &createdAt, &expires, &s.Active); err != nil {
		return model.Session{}, err
	}
	s.CreatedAt = createdAt.UnixMilli()
	s.ExpiresAt = expires.UnixMilli()
	return s, nil
}

func (q *pgQueries) CreateSession(ctx context.Context, s model.Session) (model.Session, error) {
	if err := s.Fingerprint().Validate(); err != nil {
		return model.Session{}, err
	}
	id := s.ID
	if _, err := uuid.Parse(id); err != nil {
		id = uuid.NewString()
	}
	fingerprint := s.Fingerprint().String()
	_, err := q.db.Exec(ctx, `
		INSERT INTO class_sessions (id, fingerprint, course_id, course_name, coordinator_id, coordinator_name, created_at, expires_at, active)
		VALUES ($1::uuid, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (fingerprint) DO NOTHING`,
		id, fingerprint, s.CourseID, s.CourseName, s.CoordinatorID, s.CoordinatorName, s.Created(), s.Expiry(), s.Active)
	if err != nil {
		return model.Session{}, errors.Wrap(err, "insert session")
	}
	stored, err := scanSession(q.db.QueryRow(ctx, `SELECT `+sessionColumns+` FROM class_sessions WHERE fingerprint = $1`, fingerprint))
	return stored, errors.Wrap(err, "load session")
}

func (q *pgQueries) GetSession(ctx context.Context, id string) (model.Session, error) {
	if _, err := uuid.Parse(id); err != nil {
		return model.Session{}, model.E(model.KindNotFound, "get session", err)
	}
	s, err := scanSession(q.db.QueryRow(ctx, `SELECT `+sessionColumns+` FROM class_sessions WHERE id = $1::uuid`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Session{}, model.E(model.KindNotFound, "get session", nil)
	}
	return s, errors.Wrap(err, "get session")
}

func (q *pgQueries) ListActiveSessions(ctx context.Context, now time.Time) ([]model.Session, error) {
	rows, err := q.db.Query(ctx, `SELECT `+sessionColumns+` FROM class_sessions WHERE active AND expires_at > $1 ORDER BY created_at`, now.UTC())
	if err != nil {
		return nil, errors.Wrap(err, "list active sessions")
	}
	defer rows.Close()
	var out []model.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan session")
		}
		out = append(out, s)
	}
	return out, errors.Wrap(rows.Err(), "list active sessions")
}

func (q *pgQueries) DeactivateExpiredSessions(ctx context.Context, now time.Time) (int64, error) {
	tag, err := q.db.Exec(ctx, `UPDATE class_sessions SET active = FALSE WHERE active AND expires_at <= $1`, now.UTC())
	if err != nil {
		return 0, errors.Wrap(err, "deactivate expired sessions")
	}
	return tag.RowsAffected(), nil
}

func (q *pgQueries) InsertMark(ctx context.Context, m Mark) (bool, error) {
	status := m.Status
	if status == "" {
		status = model.MarkStatusPresent
	}
	tag, err := q.db.Exec(ctx, `
		INSERT INTO attendance_marks (session_id, session_fingerprint, course_id, participant_id, participant_name, external_id, recorded_at, origin, status)
		VALUES ($1::uuid, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (participant_id, course_id, session_fingerprint) DO NOTHING`,
		m.SessionID, m.Fingerprint, m.CourseID, m.ParticipantID, m.Name, m.ExternalID,
		time.UnixMilli(m.RecordedAt).UTC(), string(m.Origin), status)
	if err != nil {
		return false, errors.Wrap(err, "insert attendance mark")
	}
	return tag.RowsAffected() == 1, nil
}

func (q *pgQueries) ListMarks(ctx context.Context, fingerprint string) ([]Mark, error) {
	rows, err := q.db.Query(ctx, `
		SELECT session_id::text, session_fingerprint, course_id, participant_id, participant_name, external_id, recorded_at, origin, status
		FROM attendance_marks WHERE session_fingerprint = $1 ORDER BY id`, fingerprint)
	if err != nil {
		return nil, errors.Wrap(err, "list marks")
	}
	defer rows.Close()
	var out []Mark
	for rows.Next() {
		var (
			m          Mark
			recordedAt time.Time
			origin     string
		)
		if err := rows.Scan(&m.SessionID, &m.Fingerprint, &m.CourseID, &m.ParticipantID, &m.Name, &m.ExternalID, &recordedAt, &origin, &m.Status); err != nil {
			return nil, errors.Wrap(err, "scan mark")
		}
		m.RecordedAt = recordedAt.UnixMilli()
		m.Origin = model.TransportKind(origin)
		out = append(out, m)
	}
	return out, errors.Wrap(rows.Err(), "list marks")
}

const offlineColumns = `fingerprint, local_session_id, coordinator_id, course_id, created_at_ms, payload::text, synced, COALESCE(canonical_session_id::text, ''), synced_at`

func scanOffline(row pgx.Row) (OfflineSession, error) {
	var (
		o       OfflineSession
		payload string
	)
	if err := row.Scan(&o.Fingerprint, &o.LocalSessionID, &o.CoordinatorID, &o.CourseID, &o.CreatedAt, &payload, &o.Synced, &o.CanonicalSessionID, &o.SyncedAt); err != nil {
		return OfflineSession{}, err
	}
	if err := json.Unmarshal([]byte(payload), &o.Record); err != nil {
		return OfflineSession{}, errors.Wrap(err, "decode offline payload")
	}
	return o, nil
}

func (q *pgQueries) ClaimOfflineSession(ctx context.Context, o OfflineSession) (OfflineSession, error) {
	payload, err := json.Marshal(o.Record)
	if err != nil {
		return OfflineSession{}, errors.Wrap(err, "encode offline payload")
	}
	// A later submission of a not-yet-synced session may carry more marks.
	_, err = q.db.Exec(ctx, `
		INSERT INTO offline_sessions (fingerprint, local_session_id, coordinator_id, course_id, created_at_ms, payload)
		VALUES ($1, $2, $3, $4, $5, $6::jsonb)
		ON CONFLICT (fingerprint) DO UPDATE SET payload = EXCLUDED.payload WHERE NOT offline_sessions.synced`,
		o.Fingerprint, o.LocalSessionID, o.CoordinatorID, o.CourseID, o.CreatedAt, string(payload))
	if err != nil {
		return OfflineSession{}, errors.Wrap(err, "register offline session")
	}
	stored, err := scanOffline(q.db.QueryRow(ctx, `SELECT `+offlineColumns+` FROM offline_sessions WHERE fingerprint = $1 FOR UPDATE`, o.Fingerprint))
	return stored, errors.Wrap(err, "lock offline session")
}

func (q *pgQueries) MarkOfflineSessionSynced(ctx context.Context, fingerprint, canonicalSessionID string, at time.Time) error {
	tag, err := q.db.Exec(ctx, `
		UPDATE offline_sessions SET synced = TRUE, canonical_session_id = $2::uuid, synced_at = $3
		WHERE fingerprint = $1`, fingerprint, canonicalSessionID, at.UTC())
	if err != nil {
		return errors.Wrap(err, "mark offline session synced")
	}
	if tag.RowsAffected() == 0 {
		return model.E(model.KindNotFound, "mark offline session synced", nil)
	}
	return nil
}

func (q *pgQueries) ListPendingOfflineSessions(ctx context.Context, coordinatorID string) ([]OfflineSession, error) {
	rows, err := q.db.Query(ctx, `SELECT `+offlineColumns+` FROM offline_sessions WHERE coordinator_id = $1 AND NOT synced ORDER BY received_at`, coordinatorID)
	if err != nil {
		return nil, errors.Wrap(err, "list pending offline sessions")
	}
	defer rows.Close()
	var out []OfflineSession
	for rows.Next() {
		o, err := scanOffline(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan offline session")
		}
		out = append(out, o)
	}
	return out, errors.Wrap(rows.Err(), "list pending offline sessions")
}
