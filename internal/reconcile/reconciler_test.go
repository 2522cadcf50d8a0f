package reconcile

import (
	"context"
	"errors"
	"os"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"semaphore/offline/internal/db"
	"semaphore/offline/internal/metrics"
	"semaphore/offline/internal/model"
)

var base = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func offlineRecord(localID, course string, participants ...string) model.SessionRecord {
	rec := model.SessionRecord{Session: model.Session{
		ID:            localID,
		CourseID:      course,
		CoordinatorID: "teacher-1",
		CreatedAt:     base.UnixMilli(),
		ExpiresAt:     base.Add(15 * time.Minute).UnixMilli(),
		Active:        true,
	}}
	for i, p := range participants {
		rec.Attendance = append(rec.Attendance, model.AttendanceMark{
			SessionID:     localID,
			ParticipantID: p,
			RecordedAt:    base.Add(time.Duration(i+1) * time.Minute).UnixMilli(),
			Origin:        model.TransportLocalHub,
		})
	}
	return rec
}

func countMarks(t *testing.T, store db.Store, rec model.SessionRecord) int {
	t.Helper()
	marks, err := store.ListMarks(context.Background(), rec.Fingerprint().String())
	require.NoError(t, err)
	return len(marks)
}

func TestSyncTwiceIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := db.NewMemoryStore()
	m := metrics.New()
	r := New(store, WithMetrics(m), WithClock(func() time.Time { return base.Add(time.Hour) }))
	batch := []model.SessionRecord{
		offlineRecord("s1", "CS101", "student-a", "student-b"),
		offlineRecord("s2", "CS102", "student-a"),
	}

	first := r.Sync(ctx, "teacher-1", batch)
	require.NoError(t, first.Err())
	assert.Equal(t, 2, first.Synced)
	assert.Equal(t, 0, first.Failed)
	assert.Equal(t, 2, first.Items[0].Inserted)
	assert.Equal(t, 2, countMarks(t, store, batch[0]))

	second := r.Sync(ctx, "teacher-1", batch)
	assert.Equal(t, 0, second.Synced)
	assert.Equal(t, 2, second.AlreadySynced)
	for i, item := range second.Items {
		assert.Equal(t, OutcomeAlreadySynced, item.Outcome)
		assert.Equal(t, first.Items[i].CanonicalSessionID, item.CanonicalSessionID)
	}
	assert.Equal(t, 2, countMarks(t, store, batch[0]))
	assert.Equal(t, 1, countMarks(t, store, batch[1]))
	assert.ElementsMatch(t, []string{"s1", "s2"}, second.Acknowledged())

	sess, err := store.GetSession(ctx, first.Items[0].CanonicalSessionID)
	require.NoError(t, err)
	assert.False(t, sess.Active)
}

func TestAlreadySyncedSessionTakesLateMarks(t *testing.T) {
	ctx := context.Background()
	store := db.NewMemoryStore()
	r := New(store)

	first := r.Sync(ctx, "teacher-1", []model.SessionRecord{offlineRecord("s1", "CS101", "student-a")})
	require.Equal(t, 1, first.Synced)

	// The device later resubmits the session with a mark it captured after.
	later := offlineRecord("s1", "CS101", "student-a", "student-b")
	second := r.Sync(ctx, "teacher-1", []model.SessionRecord{later})
	assert.Equal(t, 1, second.AlreadySynced)
	assert.Equal(t, 1, second.Items[0].Inserted)
	assert.Equal(t, 1, second.Items[0].Skipped)
	assert.Equal(t, first.Items[0].CanonicalSessionID, second.Items[0].CanonicalSessionID)
	assert.Equal(t, 2, countMarks(t, store, later))
}

func TestSyncSkipsMarksAlreadyRecordedOnline(t *testing.T) {
	ctx := context.Background()
	store := db.NewMemoryStore()
	rec := offlineRecord("local-id", "CS101", "student-a", "student-b")

	// The session was created online and student-a reached canonical directly
	// before the link dropped.
	online, err := store.CreateSession(ctx, rec.Session)
	require.NoError(t, err)
	_, err = store.InsertMark(ctx, db.Mark{
		AttendanceMark: model.AttendanceMark{SessionID: online.ID, ParticipantID: "student-a"},
		CourseID:       rec.CourseID,
		Fingerprint:    rec.Fingerprint().String(),
	})
	require.NoError(t, err)

	res := New(store).Sync(ctx, "teacher-1", []model.SessionRecord{rec})
	require.Equal(t, 1, res.Synced)
	assert.Equal(t, online.ID, res.Items[0].CanonicalSessionID)
	assert.Equal(t, 1, res.Items[0].Inserted)
	assert.Equal(t, 1, res.Items[0].Skipped)
	assert.Equal(t, 2, countMarks(t, store, rec))
}

func TestSyncMatchesByFingerprintNotLocalID(t *testing.T) {
	ctx := context.Background()
	store := db.NewMemoryStore()
	r := New(store)

	fromHub := offlineRecord("hub-1", "CS101", "student-a")
	fromPeer := offlineRecord("peer-7", "CS101", "student-a")
	other := offlineRecord("hub-1", "CS101", "student-a")
	other.CoordinatorID = "teacher-2"

	res := r.Sync(ctx, "teacher-1", []model.SessionRecord{fromHub, fromPeer})
	assert.Equal(t, 1, res.Synced)
	assert.Equal(t, 1, res.AlreadySynced)
	assert.Equal(t, 1, countMarks(t, store, fromHub))

	// Same local id from another coordinator is a different session.
	res = r.Sync(ctx, "teacher-2", []model.SessionRecord{other})
	assert.Equal(t, 1, res.Synced)
	assert.Equal(t, 1, countMarks(t, store, other))
}

func TestSyncReportsPerItemFailures(t *testing.T) {
	ctx := context.Background()
	store := db.NewMemoryStore()
	good := offlineRecord("ok", "CS101", "student-a")
	invalid := offlineRecord("bad", "", "student-a")
	foreign := offlineRecord("foreign", "CS103", "student-a")
	foreign.CoordinatorID = "teacher-9"

	res := New(store).Sync(ctx, "teacher-1", []model.SessionRecord{good, invalid, foreign})
	assert.Equal(t, 1, res.Synced)
	assert.Equal(t, 2, res.Failed)
	require.Len(t, res.Errors, 2)
	assert.Equal(t, "bad", res.Errors[0].SessionID)
	assert.Equal(t, errCoordinatorMismatch, res.Errors[1].Error)
	assert.True(t, errors.Is(res.Err(), model.ErrPartialSyncFailure))
	assert.Equal(t, []string{"ok"}, res.Acknowledged())
}

func TestSyncFillsCoordinatorFromIdentity(t *testing.T) {
	rec := offlineRecord("s1", "CS101", "student-a")
	rec.CoordinatorID = ""
	res := New(db.NewMemoryStore()).Sync(context.Background(), "teacher-1", []model.SessionRecord{rec})
	require.Equal(t, 1, res.Synced)
	assert.Equal(t, "teacher-1|CS101|"+strconv.FormatInt(base.UnixMilli(), 10), res.Items[0].Fingerprint)
}

type failingStore struct {
	*db.MemoryStore
	failFor string
}

type failingQueries struct {
	db.Queries
	failFor string
}

func (q failingQueries) InsertMark(ctx context.Context, m db.Mark) (bool, error) {
	if m.ParticipantID == q.failFor {
		return false, errors.New("disk full")
	}
	return q.Queries.InsertMark(ctx, m)
}

func (s *failingStore) WithTx(ctx context.Context, fn func(db.Queries) error) error {
	return s.MemoryStore.WithTx(ctx, func(q db.Queries) error {
		return fn(failingQueries{Queries: q, failFor: s.failFor})
	})
}

func TestSyncRollsBackFailedSession(t *testing.T) {
	ctx := context.Background()
	store := &failingStore{MemoryStore: db.NewMemoryStore(), failFor: "student-b"}
	rec := offlineRecord("s1", "CS101", "student-a", "student-b")

	res := New(store).Sync(ctx, "teacher-1", []model.SessionRecord{rec})
	require.Equal(t, 1, res.Failed)
	assert.Contains(t, res.Errors[0].Error, "disk full")
	assert.Equal(t, 0, countMarks(t, store, rec))

	store.failFor = ""
	res = New(store).Sync(ctx, "teacher-1", []model.SessionRecord{rec})
	assert.Equal(t, 1, res.Synced)
	assert.Equal(t, 2, countMarks(t, store, rec))
}

func TestConcurrentSyncOfSameFingerprint(t *testing.T) {
	ctx := context.Background()
	store := db.NewMemoryStore()
	r := New(store)
	rec := offlineRecord("s1", "CS101", "student-a", "student-b", "student-c")

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results []Result
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res := r.Sync(ctx, "teacher-1", []model.SessionRecord{rec})
			mu.Lock()
			results = append(results, res)
			mu.Unlock()
		}()
	}
	wg.Wait()

	accepted := 0
	for _, res := range results {
		accepted += res.Synced
	}
	assert.LessOrEqual(t, accepted, 1)
	assert.Equal(t, 3, countMarks(t, store, rec))

	// Whatever raced, a retry settles every caller.
	res := r.Sync(ctx, "teacher-1", []model.SessionRecord{rec})
	assert.Equal(t, accepted == 0, res.Synced == 1)
	assert.Equal(t, 3, countMarks(t, store, rec))
}

func TestSyncDefersWhileLeaseHeld(t *testing.T) {
	ctx := context.Background()
	lease := NewLocalLease()
	rec := offlineRecord("s1", "CS101", "student-a")
	release, ok, err := lease.Acquire(ctx, rec.Fingerprint().String())
	require.NoError(t, err)
	require.True(t, ok)

	r := New(db.NewMemoryStore(), WithLease(lease))
	res := r.Sync(ctx, "teacher-1", []model.SessionRecord{rec})
	require.Equal(t, 1, res.Failed)
	assert.Equal(t, errSyncInProgress, res.Errors[0].Error)

	release()
	res = r.Sync(ctx, "teacher-1", []model.SessionRecord{rec})
	assert.Equal(t, 1, res.Synced)
}

type brokenLease struct{}

func (brokenLease) Acquire(context.Context, string) (func(), bool, error) {
	return nil, false, errors.New("connection refused")
}

func TestSyncProceedsWhenLeaseBackendDown(t *testing.T) {
	res := New(db.NewMemoryStore(), WithLease(brokenLease{})).
		Sync(context.Background(), "teacher-1", []model.SessionRecord{offlineRecord("s1", "CS101", "student-a")})
	assert.Equal(t, 1, res.Synced)
}

func TestPendingListsUnsyncedRegistryEntries(t *testing.T) {
	ctx := context.Background()
	store := db.NewMemoryStore()
	rec := offlineRecord("s1", "CS101", "student-a")
	_, err := store.ClaimOfflineSession(ctx, db.NewOfflineSession(rec))
	require.NoError(t, err)

	r := New(store)
	pending, err := r.Pending(ctx, "teacher-1")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "s1", pending[0].LocalSessionID)

	r.Sync(ctx, "teacher-1", []model.SessionRecord{rec})
	pending, err = r.Pending(ctx, "teacher-1")
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestRedisLease(t *testing.T) {
	if os.Getenv("INTEGRATION_TESTS") != "1" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests")
	}
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	ctx := context.Background()
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })
	lease := NewRedisLease(client, 5*time.Second)
	key := "test|" + time.Now().Format(time.RFC3339Nano)

	release, ok, err := lease.Acquire(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	_, ok, err = lease.Acquire(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)
	release()
	release2, ok, err := lease.Acquire(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)
	release2()
}
