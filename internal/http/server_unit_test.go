package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"semaphore/offline/internal/auth"
	"semaphore/offline/internal/config"
	"semaphore/offline/internal/db"
	"semaphore/offline/internal/model"
	"semaphore/offline/internal/reconcile"
	"semaphore/offline/internal/testutil"
)

const (
	testSecret  = "test-secret"
	testIssuer  = "test-issuer"
	teacherID   = "teacher-1"
	studentID   = "student-1"
	testCourse  = "CS101"
	testMinutes = 15
)

type testEnv struct {
	server *Server
	store  *db.MemoryStore
	clock  *testutil.Clock
	http   *httptest.Server
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	clock := testutil.NewClock(time.Time{})
	store := db.NewMemoryStore()
	cfg := config.Config{JWTSecret: testSecret, JWTIssuer: testIssuer, DefaultSessionMinutes: testMinutes}
	srv := NewServer(cfg, store, reconcile.New(store, reconcile.WithClock(clock.Now)), nil, nil)
	srv.now = clock.Now
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return &testEnv{server: srv, store: store, clock: clock, http: ts}
}

func token(t *testing.T, userID, role string) string {
	t.Helper()
	tok, err := auth.IssueToken(testSecret, testIssuer, userID, role, "Name "+userID, time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return tok
}

func (e *testEnv) do(t *testing.T, method, path, tok string, payload interface{}, out interface{}) int {
	t.Helper()
	var body bytes.Buffer
	if payload != nil {
		if err := json.NewEncoder(&body).Encode(payload); err != nil {
			t.Fatalf("encode payload: %v", err)
		}
	}
	req, err := http.NewRequest(method, e.http.URL+path, &body)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode response: %v", err)
		}
	}
	return resp.StatusCode
}

func offlineBatch(created time.Time) syncRequest {
	ms := created.UnixMilli()
	return syncRequest{Sessions: []model.SessionRecord{
		{
			Session: model.Session{ID: "local-1", CourseID: testCourse, CoordinatorID: teacherID, CreatedAt: ms, ExpiresAt: ms + 15*60*1000},
			Attendance: []model.AttendanceMark{
				{ParticipantID: "A", RecordedAt: ms + 1000},
				{ParticipantID: "B", RecordedAt: ms + 2000},
			},
		},
		{
			Session:    model.Session{ID: "local-2", CourseID: "CS102", CoordinatorID: teacherID, CreatedAt: ms, ExpiresAt: ms + 15*60*1000},
			Attendance: []model.AttendanceMark{{ParticipantID: "A", RecordedAt: ms + 3000}},
		},
	}}
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	var out map[string]string
	if status := env.do(t, http.MethodGet, "/health", "", nil, &out); status != http.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}
	if out["status"] != "ok" {
		t.Fatalf("unexpected health body %v", out)
	}
}

func TestOfflineSyncAuth(t *testing.T) {
	env := newTestEnv(t)
	var errResp map[string]string
	if status := env.do(t, http.MethodPost, "/offline/sync", "", syncRequest{}, &errResp); status != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", status)
	}
	if errResp["error"] != "missing_token" {
		t.Fatalf("expected missing_token, got %v", errResp)
	}
	if status := env.do(t, http.MethodPost, "/offline/sync", "garbage", syncRequest{}, &errResp); status != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad token, got %d", status)
	}
	student := token(t, studentID, auth.RoleStudent)
	if status := env.do(t, http.MethodPost, "/offline/sync", student, offlineBatch(env.clock.Now()), &errResp); status != http.StatusForbidden {
		t.Fatalf("expected 403 for student, got %d", status)
	}
}

func TestOfflineSyncTwice(t *testing.T) {
	env := newTestEnv(t)
	teacher := token(t, teacherID, auth.RoleTeacher)
	batch := offlineBatch(env.clock.Now().Add(-time.Hour))

	var first syncResponse
	if status := env.do(t, http.MethodPost, "/offline/sync", teacher, batch, &first); status != http.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}
	if first.Results.Synced != 2 || first.Results.Failed != 0 {
		t.Fatalf("expected 2 synced, got %+v", first.Results)
	}

	var second syncResponse
	env.do(t, http.MethodPost, "/offline/sync", teacher, batch, &second)
	if second.Results.Synced != 0 || second.Results.AlreadySynced != 2 {
		t.Fatalf("expected 2 already-synced, got %+v", second.Results)
	}
	for _, item := range second.Results.Items {
		if item.Outcome != reconcile.OutcomeAlreadySynced {
			t.Fatalf("expected already-synced for %s, got %s", item.SessionID, item.Outcome)
		}
	}

	marks, err := env.store.ListMarks(context.Background(), batch.Sessions[0].Fingerprint().String())
	if err != nil {
		t.Fatalf("list marks: %v", err)
	}
	if len(marks) != 2 {
		t.Fatalf("expected 2 canonical marks, got %d", len(marks))
	}

	var pending pendingResponse
	if status := env.do(t, http.MethodGet, "/offline/pending", teacher, nil, &pending); status != http.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}
	if len(pending.Pending) != 0 {
		t.Fatalf("expected nothing pending, got %+v", pending.Pending)
	}
}

func TestOfflineSyncReportsForeignCoordinator(t *testing.T) {
	env := newTestEnv(t)
	batch := offlineBatch(env.clock.Now().Add(-time.Hour))
	batch.Sessions[1].CoordinatorID = "someone-else"

	var out syncResponse
	env.do(t, http.MethodPost, "/offline/sync", token(t, teacherID, auth.RoleTeacher), batch, &out)
	if out.Results.Synced != 1 || out.Results.Failed != 1 {
		t.Fatalf("expected 1 synced and 1 failed, got %+v", out.Results)
	}
	if len(out.Results.Errors) != 1 || out.Results.Errors[0].SessionID != "local-2" {
		t.Fatalf("expected error for local-2, got %+v", out.Results.Errors)
	}
	if out.Message != "Sync completed with errors" {
		t.Fatalf("unexpected message %q", out.Message)
	}
}

func TestOfflineSyncRejectsMissingSessions(t *testing.T) {
	env := newTestEnv(t)
	var errResp map[string]string
	status := env.do(t, http.MethodPost, "/offline/sync", token(t, teacherID, auth.RoleTeacher), map[string]interface{}{}, &errResp)
	if status != http.StatusBadRequest || errResp["error"] != "missing_sessions" {
		t.Fatalf("expected 400 missing_sessions, got %d %v", status, errResp)
	}
}

func TestCreateAndMarkOnline(t *testing.T) {
	env := newTestEnv(t)
	teacher := token(t, teacherID, auth.RoleTeacher)
	student := token(t, studentID, auth.RoleStudent)

	var created sessionResponse
	if status := env.do(t, http.MethodPost, "/sessions", teacher, createSessionRequest{CourseID: testCourse}, &created); status != http.StatusCreated {
		t.Fatalf("expected 201, got %d", status)
	}
	session := created.Session
	if session.ID == "" || session.CoordinatorID != teacherID {
		t.Fatalf("unexpected session %+v", session)
	}
	if got := session.Expiry().Sub(session.Created()); got != testMinutes*time.Minute {
		t.Fatalf("expected default duration, got %s", got)
	}

	var active activeSessionsResponse
	env.do(t, http.MethodGet, "/sessions/active", student, nil, &active)
	if len(active.Sessions) != 1 {
		t.Fatalf("expected 1 active session, got %d", len(active.Sessions))
	}

	var marked markResponse
	if status := env.do(t, http.MethodPost, "/attendance/mark", student, markRequest{SessionID: session.ID}, &marked); status != http.StatusCreated {
		t.Fatalf("expected 201, got %d", status)
	}
	if marked.Record.ParticipantID != studentID || marked.Record.Origin != model.TransportCanonical {
		t.Fatalf("unexpected record %+v", marked.Record)
	}

	var errResp map[string]string
	if status := env.do(t, http.MethodPost, "/attendance/mark", student, markRequest{SessionID: session.ID}, &errResp); status != http.StatusConflict {
		t.Fatalf("expected 409 for duplicate, got %d", status)
	}
	if model.KindFromCode(errResp["error"]) != model.KindDuplicate {
		t.Fatalf("expected already_marked, got %v", errResp)
	}

	if status := env.do(t, http.MethodPost, "/attendance/mark", student, markRequest{SessionID: session.ID, ParticipantID: "other"}, nil); status != http.StatusForbidden {
		t.Fatalf("expected 403 marking for someone else, got %d", status)
	}
	if status := env.do(t, http.MethodPost, "/attendance/mark", teacher, markRequest{SessionID: session.ID, ParticipantID: "B"}, nil); status != http.StatusCreated {
		t.Fatalf("expected coordinator to mark on behalf, got %d", status)
	}
}

func TestMarkRejections(t *testing.T) {
	env := newTestEnv(t)
	teacher := token(t, teacherID, auth.RoleTeacher)
	student := token(t, studentID, auth.RoleStudent)

	var errResp map[string]string
	if status := env.do(t, http.MethodPost, "/attendance/mark", student, markRequest{SessionID: "missing"}, &errResp); status != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", status)
	}
	if errResp["error"] != model.KindNotFound.Code() {
		t.Fatalf("expected session_not_found, got %v", errResp)
	}

	var created sessionResponse
	env.do(t, http.MethodPost, "/sessions", teacher, createSessionRequest{CourseID: testCourse, DurationMinutes: 5}, &created)
	env.clock.Advance(6 * time.Minute)
	if status := env.do(t, http.MethodPost, "/attendance/mark", student, markRequest{SessionID: created.Session.ID}, &errResp); status != http.StatusBadRequest {
		t.Fatalf("expected 400 after expiry, got %d", status)
	}
	if errResp["error"] != model.KindExpired.Code() {
		t.Fatalf("expected session_expired, got %v", errResp)
	}
	marks, err := env.store.ListMarks(context.Background(), created.Session.Fingerprint().String())
	if err != nil {
		t.Fatalf("list marks: %v", err)
	}
	if len(marks) != 0 {
		t.Fatalf("expired mark must not be stored, got %d", len(marks))
	}

	if status := env.do(t, http.MethodPost, "/sessions", student, createSessionRequest{CourseID: testCourse}, nil); status != http.StatusForbidden {
		t.Fatalf("expected students to be refused session creation, got %d", status)
	}
	if status := env.do(t, http.MethodPost, "/sessions", teacher, createSessionRequest{}, &errResp); status != http.StatusBadRequest {
		t.Fatalf("expected 400 without course, got %d", status)
	}
}

func TestBearerToken(t *testing.T) {
	cases := map[string]string{
		"":             "",
		"Bearer abc":   "abc",
		"bearer  abc ": "abc",
		"Basic abc":    "",
		"Bearerabc":    "",
	}
	for header, expect := range cases {
		if got := bearerToken(header); got != expect {
			t.Fatalf("bearerToken(%q) = %q, want %q", header, got, expect)
		}
	}
}
