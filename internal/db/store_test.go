package db

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"semaphore/offline/internal/model"
)

func testSession(createdAt time.Time) model.Session {
	return model.Session{
		CourseID:      "CS101",
		CoordinatorID: "teacher-1",
		CreatedAt:     createdAt.UnixMilli(),
		ExpiresAt:     createdAt.Add(15 * time.Minute).UnixMilli(),
		Active:        true,
	}
}

// exerciseStore checks the uniqueness rules every Store must honour.
func exerciseStore(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()
	created := time.Now().UTC().Truncate(time.Millisecond)
	sess := testSession(created)
	sess.CourseID = "CS101-" + created.Format("150405.000")

	first, err := store.CreateSession(ctx, sess)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	again, err := store.CreateSession(ctx, sess)
	if err != nil {
		t.Fatalf("create session again: %v", err)
	}
	if first.ID != again.ID {
		t.Fatalf("expected same id for same fingerprint, got %s and %s", first.ID, again.ID)
	}

	fp := sess.Fingerprint().String()
	mark := Mark{
		AttendanceMark: model.AttendanceMark{SessionID: first.ID, ParticipantID: "student-a", RecordedAt: created.UnixMilli()},
		CourseID:       sess.CourseID,
		Fingerprint:    fp,
	}
	inserted, err := store.InsertMark(ctx, mark)
	if err != nil || !inserted {
		t.Fatalf("expected first mark inserted, got %v %v", inserted, err)
	}
	inserted, err = store.InsertMark(ctx, mark)
	if err != nil || inserted {
		t.Fatalf("expected duplicate mark skipped, got %v %v", inserted, err)
	}
	marks, err := store.ListMarks(ctx, fp)
	if err != nil {
		t.Fatalf("list marks: %v", err)
	}
	if len(marks) != 1 || marks[0].Status != model.MarkStatusPresent {
		t.Fatalf("unexpected marks: %+v", marks)
	}

	if _, err := store.GetSession(ctx, "00000000-0000-0000-0000-000000000000"); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func exerciseOfflineRegistry(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()
	created := time.Now().UTC().Truncate(time.Millisecond)
	rec := model.SessionRecord{Session: testSession(created)}
	rec.ID = "local-1"
	rec.CoordinatorID = "teacher-" + created.Format("150405.000")
	o := NewOfflineSession(rec)

	claimed, err := store.ClaimOfflineSession(ctx, o)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed.Synced {
		t.Fatalf("expected fresh entry unsynced")
	}
	pending, err := store.ListPendingOfflineSessions(ctx, rec.CoordinatorID)
	if err != nil || len(pending) != 1 {
		t.Fatalf("expected one pending entry, got %d %v", len(pending), err)
	}

	sess, err := store.CreateSession(ctx, rec.Session)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if err := store.MarkOfflineSessionSynced(ctx, o.Fingerprint, sess.ID, time.Now()); err != nil {
		t.Fatalf("mark synced: %v", err)
	}
	claimed, err = store.ClaimOfflineSession(ctx, o)
	if err != nil {
		t.Fatalf("claim again: %v", err)
	}
	if !claimed.Synced || claimed.CanonicalSessionID != sess.ID {
		t.Fatalf("expected synced entry pointing to %s, got %+v", sess.ID, claimed)
	}
	pending, _ = store.ListPendingOfflineSessions(ctx, rec.CoordinatorID)
	if len(pending) != 0 {
		t.Fatalf("expected no pending entries, got %d", len(pending))
	}
}

func TestMemoryStoreUniqueness(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
}

func TestMemoryStoreOfflineRegistry(t *testing.T) {
	exerciseOfflineRegistry(t, NewMemoryStore())
}

func TestMemoryStoreRollback(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	sess := testSession(time.Now())
	boom := errors.New("boom")

	err := store.WithTx(ctx, func(q Queries) error {
		stored, err := q.CreateSession(ctx, sess)
		if err != nil {
			return err
		}
		if _, err := q.InsertMark(ctx, Mark{
			AttendanceMark: model.AttendanceMark{SessionID: stored.ID, ParticipantID: "student-a"},
			CourseID:       sess.CourseID,
			Fingerprint:    sess.Fingerprint().String(),
		}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	active, _ := store.ListActiveSessions(ctx, time.Now())
	if len(active) != 0 {
		t.Fatalf("expected rollback to drop session, got %d", len(active))
	}
	marks, _ := store.ListMarks(ctx, sess.Fingerprint().String())
	if len(marks) != 0 {
		t.Fatalf("expected rollback to drop marks, got %d", len(marks))
	}
}

func TestMemoryStoreDeactivateExpired(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	created := time.Now().Add(-time.Hour)
	if _, err := store.CreateSession(ctx, testSession(created)); err != nil {
		t.Fatalf("create: %v", err)
	}
	n, err := store.DeactivateExpiredSessions(ctx, time.Now())
	if err != nil || n != 1 {
		t.Fatalf("expected one deactivated, got %d %v", n, err)
	}
	n, _ = store.DeactivateExpiredSessions(ctx, time.Now())
	if n != 0 {
		t.Fatalf("expected idempotent deactivation, got %d", n)
	}
}

func TestMemoryStoreRejectsMarkForUnknownSession(t *testing.T) {
	_, err := NewMemoryStore().InsertMark(context.Background(), Mark{
		AttendanceMark: model.AttendanceMark{SessionID: "missing", ParticipantID: "student-a"},
	})
	if !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestCreateSessionRequiresFingerprint(t *testing.T) {
	_, err := NewMemoryStore().CreateSession(context.Background(), model.Session{CourseID: "CS101"})
	if !errors.Is(err, model.ErrInvalid) {
		t.Fatalf("expected invalid, got %v", err)
	}
}

func postgresStore(t *testing.T) *PGStore {
	t.Helper()
	if os.Getenv("INTEGRATION_TESTS") != "1" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests")
	}
	url := os.Getenv("DATABASE_URL")
	if url == "" {
		t.Skip("DATABASE_URL not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	pool, err := NewPool(ctx, url)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	store := NewPGStore(pool)
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(store.Close)
	return store
}

func TestPostgresStoreUniqueness(t *testing.T) {
	exerciseStore(t, postgresStore(t))
}

func TestPostgresStoreOfflineRegistry(t *testing.T) {
	exerciseOfflineRegistry(t, postgresStore(t))
}
