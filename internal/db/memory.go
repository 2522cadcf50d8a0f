package db

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"semaphore/offline/internal/model"
)

type markKey struct {
	participantID string
	courseID      string
	fingerprint   string
}

// MemoryStore implements Store in process memory with the same uniqueness
// rules as the Postgres schema. WithTx serializes on a store-wide lock and
// undoes its writes when fn fails.
type MemoryStore struct {
	mu            sync.Mutex
	sessions      map[string]model.Session
	byFingerprint map[string]string
	marks         map[markKey]Mark
	markOrder     []markKey
	offline       map[string]OfflineSession
	offlineOrder  []string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions:      make(map[string]model.Session),
		byFingerprint: make(map[string]string),
		marks:         make(map[markKey]Mark),
		offline:       make(map[string]OfflineSession),
	}
}

func (s *MemoryStore) WithTx(ctx context.Context, fn func(Queries) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var undo []func()
	if err := fn(&memQueries{s: s, undo: &undo}); err != nil {
		for i := len(undo) - 1; i >= 0; i-- {
			undo[i]()
		}
		return err
	}
	return nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) Close() {}

func (s *MemoryStore) direct() *memQueries { return &memQueries{s: s} }

func (s *MemoryStore) CreateSession(ctx context.Context, sess model.Session) (model.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.direct().CreateSession(ctx, sess)
}

func (s *MemoryStore) GetSession(ctx context.Context, id string) (model.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.direct().GetSession(ctx, id)
}

func (s *MemoryStore) ListActiveSessions(ctx context.Context, now time.Time) ([]model.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.direct().ListActiveSessions(ctx, now)
}

func (s *MemoryStore) DeactivateExpiredSessions(ctx context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.direct().DeactivateExpiredSessions(ctx, now)
}

func (s *MemoryStore) InsertMark(ctx context.Context, m Mark) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.direct().InsertMark(ctx, m)
}

func (s *MemoryStore) ListMarks(ctx context.Context, fingerprint string) ([]Mark, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.direct().ListMarks(ctx, fingerprint)
}

func (s *MemoryStore) ClaimOfflineSession(ctx context.Context, o OfflineSession) (OfflineSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.direct().ClaimOfflineSession(ctx, o)
}

func (s *MemoryStore) MarkOfflineSessionSynced(ctx context.Context, fingerprint, canonicalSessionID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.direct().MarkOfflineSessionSynced(ctx, fingerprint, canonicalSessionID, at)
}

func (s *MemoryStore) ListPendingOfflineSessions(ctx context.Context, coordinatorID string) ([]OfflineSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.direct().ListPendingOfflineSessions(ctx, coordinatorID)
}

// memQueries runs with s.mu held.
type memQueries struct {
	s    *MemoryStore
	undo *[]func()
}

func (q *memQueries) onRollback(fn func()) {
	if q.undo != nil {
		*q.undo = append(*q.undo, fn)
	}
}

func (q *memQueries) CreateSession(_ context.Context, sess model.Session) (model.Session, error) {
	if err := sess.Fingerprint().Validate(); err != nil {
		return model.Session{}, err
	}
	fp := sess.Fingerprint().String()
	if id, ok := q.s.byFingerprint[fp]; ok {
		return q.s.sessions[id], nil
	}
	if _, err := uuid.Parse(sess.ID); err != nil {
		sess.ID = uuid.NewString()
	}
	if _, taken := q.s.sessions[sess.ID]; taken {
		sess.ID = uuid.NewString()
	}
	q.s.sessions[sess.ID] = sess
	q.s.byFingerprint[fp] = sess.ID
	id := sess.ID
	q.onRollback(func() {
		delete(q.s.sessions, id)
		delete(q.s.byFingerprint, fp)
	})
	return sess, nil
}

func (q *memQueries) GetSession(_ context.Context, id string) (model.Session, error) {
	sess, ok := q.s.sessions[id]
	if !ok {
		return model.Session{}, model.E(model.KindNotFound, "get session", nil)
	}
	return sess, nil
}

func (q *memQueries) ListActiveSessions(_ context.Context, now time.Time) ([]model.Session, error) {
	var out []model.Session
	for _, sess := range q.s.sessions {
		if sess.Open(now) {
			out = append(out, sess)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt < out[j].CreatedAt })
	return out, nil
}

func (q *memQueries) DeactivateExpiredSessions(_ context.Context, now time.Time) (int64, error) {
	var n int64
	for id, sess := range q.s.sessions {
		if !sess.Active || now.UnixMilli() < sess.ExpiresAt {
			continue
		}
		prev := sess
		sess.Active = false
		q.s.sessions[id] = sess
		q.onRollback(func() { q.s.sessions[prev.ID] = prev })
		n++
	}
	return n, nil
}

func (q *memQueries) InsertMark(_ context.Context, m Mark) (bool, error) {
	if _, ok := q.s.sessions[m.SessionID]; !ok {
		return false, model.E(model.KindNotFound, "insert attendance mark", nil)
	}
	key := markKey{participantID: m.ParticipantID, courseID: m.CourseID, fingerprint: m.Fingerprint}
	if _, exists := q.s.marks[key]; exists {
		return false, nil
	}
	if m.Status == "" {
		m.Status = model.MarkStatusPresent
	}
	q.s.marks[key] = m
	q.s.markOrder = append(q.s.markOrder, key)
	q.onRollback(func() {
		delete(q.s.marks, key)
		q.s.markOrder = q.s.markOrder[:len(q.s.markOrder)-1]
	})
	return true, nil
}

func (q *memQueries) ListMarks(_ context.Context, fingerprint string) ([]Mark, error) {
	var out []Mark
	for _, key := range q.s.markOrder {
		if key.fingerprint == fingerprint {
			out = append(out, q.s.marks[key])
		}
	}
	return out, nil
}

func (q *memQueries) ClaimOfflineSession(_ context.Context, o OfflineSession) (OfflineSession, error) {
	prev, exists := q.s.offline[o.Fingerprint]
	switch {
	case !exists:
		q.s.offline[o.Fingerprint] = o
		q.s.offlineOrder = append(q.s.offlineOrder, o.Fingerprint)
		q.onRollback(func() {
			delete(q.s.offline, o.Fingerprint)
			q.s.offlineOrder = q.s.offlineOrder[:len(q.s.offlineOrder)-1]
		})
		return o, nil
	case !prev.Synced:
		updated := prev
		updated.Record = o.Record
		q.s.offline[o.Fingerprint] = updated
		q.onRollback(func() { q.s.offline[prev.Fingerprint] = prev })
		return updated, nil
	default:
		return prev, nil
	}
}

func (q *memQueries) MarkOfflineSessionSynced(_ context.Context, fingerprint, canonicalSessionID string, at time.Time) error {
	prev, ok := q.s.offline[fingerprint]
	if !ok {
		return model.E(model.KindNotFound, "mark offline session synced", nil)
	}
	updated := prev
	syncedAt := at.UTC()
	updated.Synced = true
	updated.CanonicalSessionID = canonicalSessionID
	updated.SyncedAt = &syncedAt
	q.s.offline[fingerprint] = updated
	q.onRollback(func() { q.s.offline[fingerprint] = prev })
	return nil
}

func (q *memQueries) ListPendingOfflineSessions(_ context.Context, coordinatorID string) ([]OfflineSession, error) {
	var out []OfflineSession
	for _, fp := range q.s.offlineOrder {
		o := q.s.offline[fp]
		if o.CoordinatorID == coordinatorID && !o.Synced {
			out = append(out, o)
		}
	}
	return out, nil
}
