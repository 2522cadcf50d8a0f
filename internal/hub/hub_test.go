package hub

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"semaphore/offline/internal/model"
	"semaphore/offline/internal/testutil"
)

func newTestHub(t *testing.T) (*Hub, *testutil.Clock) {
	t.Helper()
	clock := testutil.NewClock(time.Time{})
	h := New(WithClock(clock.Now))
	t.Cleanup(h.Stop)
	return h, clock
}

func session(id, course string, clock *testutil.Clock, ttl time.Duration) model.Session {
	now := clock.Now()
	return model.Session{
		ID:            id,
		CourseID:      course,
		CoordinatorID: "teacher-1",
		CreatedAt:     now.UnixMilli(),
		ExpiresAt:     now.Add(ttl).UnixMilli(),
	}
}

func mark(sessionID, participant string) model.AttendanceMark {
	return model.AttendanceMark{SessionID: sessionID, ParticipantID: participant, Name: "Student " + participant}
}

func TestMarkTwiceIsRejected(t *testing.T) {
	h, clock := newTestHub(t)
	_, err := h.CreateSession(session("S1", "CS101", clock, 15*time.Minute))
	require.NoError(t, err)

	_, err = h.MarkAttendance(mark("S1", "A"))
	require.NoError(t, err)
	first, err := h.MarkAttendance(mark("S1", "B"))
	require.NoError(t, err)

	rec, err := h.Attendance("S1")
	require.NoError(t, err)
	assert.Len(t, rec.Attendance, 2)

	_, err = h.MarkAttendance(model.AttendanceMark{SessionID: "S1", ParticipantID: "B", Name: "someone else"})
	assert.True(t, errors.Is(err, model.ErrDuplicate))
	rec, _ = h.Attendance("S1")
	assert.Len(t, rec.Attendance, 2)
	assert.Equal(t, first, rec.Attendance[1])
}

func TestMarkDefaults(t *testing.T) {
	h, clock := newTestHub(t)
	_, err := h.CreateSession(session("S1", "CS101", clock, time.Minute))
	require.NoError(t, err)

	got, err := h.MarkAttendance(mark("S1", "A"))
	require.NoError(t, err)
	assert.Equal(t, clock.Now().UnixMilli(), got.RecordedAt)
	assert.Equal(t, model.TransportLocalHub, got.Origin)
	assert.Equal(t, model.MarkStatusPresent, got.Status)
}

func TestMarkAfterExpiry(t *testing.T) {
	h, clock := newTestHub(t)
	_, err := h.CreateSession(session("S1", "CS101", clock, time.Minute))
	require.NoError(t, err)

	clock.Advance(time.Minute + time.Millisecond)
	_, err = h.MarkAttendance(mark("S1", "A"))
	assert.True(t, errors.Is(err, model.ErrExpired))
	rec, _ := h.Attendance("S1")
	assert.Empty(t, rec.Attendance)
	assert.Empty(t, h.ListActiveSessions())
}

func TestMarkUnknownSession(t *testing.T) {
	h, _ := newTestHub(t)
	_, err := h.MarkAttendance(mark("nope", "A"))
	assert.True(t, errors.Is(err, model.ErrNotFound))
	_, err = h.Attendance("nope")
	assert.True(t, errors.Is(err, model.ErrNotFound))
}

func TestCreateSessionValidation(t *testing.T) {
	h, clock := newTestHub(t)
	bad := session("S1", "", clock, time.Minute)
	_, err := h.CreateSession(bad)
	assert.True(t, errors.Is(err, model.ErrInvalid))

	noID := session("", "CS101", clock, time.Minute)
	created, err := h.CreateSession(noID)
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)
	assert.True(t, created.Active)
}

func TestRecreateSessionOverwrites(t *testing.T) {
	h, clock := newTestHub(t)
	_, err := h.CreateSession(session("S1", "CS101", clock, time.Minute))
	require.NoError(t, err)
	_, err = h.MarkAttendance(mark("S1", "A"))
	require.NoError(t, err)

	_, err = h.CreateSession(session("S1", "CS102", clock, time.Hour))
	require.NoError(t, err)
	rec, err := h.Attendance("S1")
	require.NoError(t, err)
	assert.Equal(t, "CS102", rec.CourseID)
	assert.Empty(t, rec.Attendance)
	assert.Equal(t, 1, h.Status().SessionCount)
}

func TestMarkOnReplacedEntryLandsOnCurrentSession(t *testing.T) {
	h, clock := newTestHub(t)
	_, err := h.CreateSession(session("S1", "CS101", clock, time.Hour))
	require.NoError(t, err)
	stale, ok := h.state.get("S1")
	require.True(t, ok)

	// The session is recreated between lookup and write.
	_, err = h.CreateSession(session("S1", "CS101", clock, time.Hour))
	require.NoError(t, err)
	_, _, err = h.apply(stale, mark("S1", "A"))
	assert.True(t, errors.Is(err, errRetired))
	assert.Empty(t, stale.marks)

	_, err = h.MarkAttendance(mark("S1", "A"))
	require.NoError(t, err)
	rec, err := h.Attendance("S1")
	require.NoError(t, err)
	assert.Len(t, rec.Attendance, 1)
}

func TestMarkOnClearedEntryIsNotFound(t *testing.T) {
	h, clock := newTestHub(t)
	_, err := h.CreateSession(session("S1", "CS101", clock, time.Hour))
	require.NoError(t, err)
	stale, _ := h.state.get("S1")
	h.Clear([]string{"S1"})

	_, _, err = h.apply(stale, mark("S1", "A"))
	assert.True(t, errors.Is(err, errRetired))
	_, err = h.MarkAttendance(mark("S1", "A"))
	assert.True(t, errors.Is(err, model.ErrNotFound))
}

func TestConcurrentMarksAreSerializedPerSession(t *testing.T) {
	h, clock := newTestHub(t)
	_, err := h.CreateSession(session("S1", "CS101", clock, time.Hour))
	require.NoError(t, err)
	_, err = h.CreateSession(session("S2", "CS102", clock, time.Hour))
	require.NoError(t, err)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		ok, dup int
	)
	for i := 0; i < 20; i++ {
		for _, sid := range []string{"S1", "S2"} {
			wg.Add(1)
			go func(sid string, i int) {
				defer wg.Done()
				// Every participant tries twice.
				_, err := h.MarkAttendance(mark(sid, fmt.Sprintf("p%d", i%10)))
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					ok++
				case errors.Is(err, model.ErrDuplicate):
					dup++
				}
			}(sid, i)
		}
	}
	wg.Wait()

	assert.Equal(t, 20, ok)
	assert.Equal(t, 20, dup)
	for _, sid := range []string{"S1", "S2"} {
		rec, _ := h.Attendance(sid)
		assert.Len(t, rec.Attendance, 10)
	}
	assert.Equal(t, Status{Online: true, SessionCount: 2, AttendanceCount: 20}, h.Status())
}

func TestExportAndClear(t *testing.T) {
	h, clock := newTestHub(t)
	for _, id := range []string{"S1", "S2", "S3"} {
		_, err := h.CreateSession(session(id, "CS101", clock, time.Minute))
		require.NoError(t, err)
	}
	_, err := h.MarkAttendance(mark("S2", "A"))
	require.NoError(t, err)
	clock.Advance(time.Hour)

	export := h.ExportAll()
	require.Len(t, export.Sessions, 3)
	assert.Equal(t, "S1", export.Sessions[0].ID)
	assert.Len(t, export.Sessions[1].Attendance, 1)
	assert.Equal(t, clock.Now().UnixMilli(), export.Timestamp)

	assert.Equal(t, 1, h.Clear([]string{"S1", "S2", "unknown"}))
	export = h.ExportAll()
	require.Len(t, export.Sessions, 1)
	assert.Equal(t, "S3", export.Sessions[0].ID)
}

func TestEventsAreDeliveredInOrder(t *testing.T) {
	h, clock := newTestHub(t)
	events, cancel := h.Broker().Subscribe(8)
	defer cancel()
	marked, cancelMarked := h.Broker().Subscribe(8, TopicAttendanceMarked)
	defer cancelMarked()

	_, err := h.CreateSession(session("S1", "CS101", clock, time.Hour))
	require.NoError(t, err)
	_, err = h.MarkAttendance(mark("S1", "A"))
	require.NoError(t, err)
	_, err = h.MarkAttendance(mark("S1", "B"))
	require.NoError(t, err)

	var topics []string
	for i := 0; i < 3; i++ {
		ev := <-events
		topics = append(topics, ev.Topic)
	}
	assert.Equal(t, []string{TopicSessionCreated, TopicAttendanceMarked, TopicAttendanceMarked}, topics)

	first := (<-marked).Data.(MarkedEvent)
	second := (<-marked).Data.(MarkedEvent)
	assert.Equal(t, "A", first.Record.ParticipantID)
	assert.Equal(t, 1, first.TotalAttendance)
	assert.Equal(t, 2, second.TotalAttendance)
}

func TestStopClosesSubscriptions(t *testing.T) {
	h := New()
	events, cancel := h.Broker().Subscribe(1)
	h.Stop()
	_, open := <-events
	assert.False(t, open)
	cancel()

	late, _ := h.Broker().Subscribe(1)
	_, open = <-late
	assert.False(t, open)
}
