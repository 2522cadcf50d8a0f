package http

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"semaphore/offline/internal/auth"
	"semaphore/offline/internal/config"
	"semaphore/offline/internal/db"
	"semaphore/offline/internal/metrics"
	"semaphore/offline/internal/model"
	"semaphore/offline/internal/reconcile"
)

const maxSyncBody = 8 << 20

type Server struct {
	cfg        config.Config
	store      db.Store
	reconciler *reconcile.Reconciler
	logger     *zap.Logger
	metrics    *metrics.Metrics
	now        func() time.Time
}

func NewServer(cfg config.Config, store db.Store, reconciler *reconcile.Reconciler, logger *zap.Logger, m *metrics.Metrics) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		cfg:        cfg,
		store:      store,
		reconciler: reconciler,
		logger:     logger,
		metrics:    m,
		now:        time.Now,
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", s.metrics.Handler())

	r.With(s.authMiddleware, coordinatorOnly).Post("/offline/sync", s.handleOfflineSync)
	r.With(s.authMiddleware, coordinatorOnly).Get("/offline/pending", s.handleOfflinePending)
	r.With(s.authMiddleware, coordinatorOnly).Post("/sessions", s.handleCreateSession)
	r.With(s.authMiddleware).Get("/sessions/active", s.handleActiveSessions)
	r.With(s.authMiddleware).Post("/attendance/mark", s.handleMarkAttendance)

	return r
}

// Auth

type claimsKey struct{}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r.Header.Get("Authorization"))
		if token == "" {
			writeError(w, http.StatusUnauthorized, "missing_token")
			return
		}
		claims, err := auth.ParseToken(s.cfg.JWTSecret, s.cfg.JWTIssuer, token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid_token")
			return
		}
		ctx := context.WithValue(r.Context(), claimsKey{}, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func claimsFromContext(ctx context.Context) *auth.Claims {
	value := ctx.Value(claimsKey{})
	claims, _ := value.(*auth.Claims)
	return claims
}

func coordinatorOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !claimsFromContext(r.Context()).IsCoordinator() {
			writeError(w, http.StatusForbidden, "forbidden")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Offline sync

type syncRequest struct {
	Sessions []model.SessionRecord `json:"sessions"`
}

type syncResponse struct {
	Message string           `json:"message"`
	Results reconcile.Result `json:"results"`
}

type pendingEntry struct {
	Fingerprint     string `json:"fingerprint"`
	SessionID       string `json:"sessionId"`
	CourseID        string `json:"courseId"`
	Timestamp       int64  `json:"timestamp"`
	AttendanceCount int    `json:"attendanceCount"`
}

type pendingResponse struct {
	Pending []pendingEntry `json:"pending"`
}

func (s *Server) handleOfflineSync(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	r.Body = http.MaxBytesReader(w, r.Body, maxSyncBody)

	var req syncRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	if req.Sessions == nil {
		writeError(w, http.StatusBadRequest, "missing_sessions")
		return
	}

	result := s.reconciler.Sync(r.Context(), claims.UserID, req.Sessions)
	message := "Sync completed"
	if result.Failed > 0 {
		message = "Sync completed with errors"
	}
	writeJSON(w, http.StatusOK, syncResponse{Message: message, Results: result})
}

func (s *Server) handleOfflinePending(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	entries, err := s.reconciler.Pending(r.Context(), claims.UserID)
	if err != nil {
		s.logger.Error("list pending offline sessions", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	resp := pendingResponse{Pending: make([]pendingEntry, 0, len(entries))}
	for _, e := range entries {
		resp.Pending = append(resp.Pending, pendingEntry{
			Fingerprint:     e.Fingerprint,
			SessionID:       e.LocalSessionID,
			CourseID:        e.CourseID,
			Timestamp:       e.CreatedAt,
			AttendanceCount: len(e.Record.Attendance),
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// Sessions

type createSessionRequest struct {
	CourseID        string `json:"courseId" validate:"required"`
	CourseName      string `json:"courseName,omitempty"`
	DurationMinutes int    `json:"durationMinutes,omitempty" validate:"gte=0"`
}

type sessionResponse struct {
	Success bool          `json:"success"`
	Session model.Session `json:"session"`
}

type activeSessionsResponse struct {
	Sessions []model.Session `json:"sessions"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())

	var req createSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	req.CourseID = strings.TrimSpace(req.CourseID)
	if err := model.Validate("create session", req); err != nil {
		writeError(w, http.StatusBadRequest, "missing_fields")
		return
	}
	minutes := req.DurationMinutes
	if minutes <= 0 {
		minutes = s.cfg.DefaultSessionMinutes
	}
	if minutes <= 0 {
		minutes = 15
	}

	now := s.now().UTC()
	session, err := s.store.CreateSession(r.Context(), model.Session{
		CourseID:        req.CourseID,
		CourseName:      req.CourseName,
		CoordinatorID:   claims.UserID,
		CoordinatorName: claims.Name,
		CreatedAt:       now.UnixMilli(),
		ExpiresAt:       now.Add(time.Duration(minutes) * time.Minute).UnixMilli(),
		Active:          true,
	})
	if err != nil {
		s.logger.Error("create session", zap.String("course_id", req.CourseID), zap.Error(err))
		writeError(w, statusForKind(model.KindOf(err)), model.KindOf(err).Code())
		return
	}
	writeJSON(w, http.StatusCreated, sessionResponse{Success: true, Session: session})
}

func (s *Server) handleActiveSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.store.ListActiveSessions(r.Context(), s.now())
	if err != nil {
		s.logger.Error("list active sessions", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	if sessions == nil {
		sessions = []model.Session{}
	}
	writeJSON(w, http.StatusOK, activeSessionsResponse{Sessions: sessions})
}

// Attendance

type markRequest struct {
	SessionID     string `json:"sessionId" validate:"required"`
	ParticipantID string `json:"participantId,omitempty"`
	Name          string `json:"name,omitempty"`
	ExternalID    string `json:"externalId,omitempty"`
	Timestamp     int64  `json:"timestamp,omitempty"`
}

type markResponse struct {
	Success bool                 `json:"success"`
	Record  model.AttendanceMark `json:"record"`
}

func (s *Server) handleMarkAttendance(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())

	var req markRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	if err := model.Validate("mark attendance", req); err != nil {
		writeError(w, http.StatusBadRequest, "missing_fields")
		return
	}
	if !claims.IsCoordinator() {
		if req.ParticipantID == "" {
			req.ParticipantID = claims.UserID
		}
		if req.ParticipantID != claims.UserID {
			writeError(w, http.StatusForbidden, "forbidden")
			return
		}
		if req.Name == "" {
			req.Name = claims.Name
		}
	}
	if req.ParticipantID == "" {
		writeError(w, http.StatusBadRequest, "missing_participant")
		return
	}

	session, err := s.store.GetSession(r.Context(), req.SessionID)
	if err != nil {
		s.markFailed(w, err)
		return
	}
	now := s.now()
	if !session.Open(now) {
		s.markFailed(w, model.E(model.KindExpired, "mark attendance", nil))
		return
	}

	recordedAt := req.Timestamp
	if recordedAt <= 0 {
		recordedAt = now.UnixMilli()
	}
	record := model.AttendanceMark{
		SessionID:     session.ID,
		ParticipantID: req.ParticipantID,
		Name:          req.Name,
		ExternalID:    req.ExternalID,
		RecordedAt:    recordedAt,
		Origin:        model.TransportCanonical,
		Status:        model.MarkStatusPresent,
	}
	inserted, err := s.store.InsertMark(r.Context(), db.Mark{
		AttendanceMark: record,
		CourseID:       session.CourseID,
		Fingerprint:    session.Fingerprint().String(),
	})
	if err != nil {
		s.markFailed(w, err)
		return
	}
	if !inserted {
		s.markFailed(w, model.E(model.KindDuplicate, "mark attendance", nil))
		return
	}
	s.metrics.Mark(string(model.TransportCanonical), "ok")
	writeJSON(w, http.StatusCreated, markResponse{Success: true, Record: record})
}

func (s *Server) markFailed(w http.ResponseWriter, err error) {
	kind := model.KindOf(err)
	s.metrics.Mark(string(model.TransportCanonical), kind.Code())
	if kind == model.KindUnknown {
		s.logger.Error("mark attendance", zap.Error(err))
	}
	writeError(w, statusForKind(kind), kind.Code())
}

func statusForKind(kind model.Kind) int {
	switch kind {
	case model.KindNotFound:
		return http.StatusNotFound
	case model.KindExpired, model.KindInvalid:
		return http.StatusBadRequest
	case model.KindDuplicate:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func bearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func decodeJSON(r *http.Request, out interface{}) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(out)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}
