package hub

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"semaphore/offline/internal/metrics"
	"semaphore/offline/internal/model"
)

const (
	eventBuffer  = 64
	writeTimeout = 5 * time.Second
)

// Server exposes a Hub over HTTP on the local link.
type Server struct {
	hub      *Hub
	logger   *zap.Logger
	metrics  *metrics.Metrics
	upgrader websocket.Upgrader
}

func NewServer(h *Hub, logger *zap.Logger, m *metrics.Metrics) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		hub:     h,
		logger:  logger,
		metrics: m,
		upgrader: websocket.Upgrader{
			// Participants connect from whatever origin their app runs on.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/status", s.handleStatus)
	r.Post("/session/create", s.handleCreateSession)
	r.Get("/sessions/active", s.handleActiveSessions)
	r.Post("/attendance/mark", s.handleMarkAttendance)
	r.Get("/attendance/{sessionId}", s.handleGetAttendance)
	r.Get("/export/all", s.handleExportAll)
	r.Post("/clear", s.handleClear)
	r.Get("/events", s.handleEvents)
	r.Handle("/metrics", s.metrics.Handler())

	return r
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.hub.Status())
}

type createSessionResponse struct {
	Success bool          `json:"success"`
	Session model.Session `json:"session"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req model.Session
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, model.KindInvalid.Code())
		return
	}
	session, err := s.hub.CreateSession(req)
	if err != nil {
		writeKindError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, createSessionResponse{Success: true, Session: session})
}

type activeSessionsResponse struct {
	Sessions []model.Session `json:"sessions"`
}

func (s *Server) handleActiveSessions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, activeSessionsResponse{Sessions: s.hub.ListActiveSessions()})
}

type markResponse struct {
	Success bool                 `json:"success"`
	Record  model.AttendanceMark `json:"record"`
}

func (s *Server) handleMarkAttendance(w http.ResponseWriter, r *http.Request) {
	var req model.AttendanceMark
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, model.KindInvalid.Code())
		return
	}
	record, err := s.hub.MarkAttendance(req)
	if err != nil {
		writeKindError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, markResponse{Success: true, Record: record})
}

type attendanceResponse struct {
	Session    model.Session          `json:"session"`
	Attendance []model.AttendanceMark `json:"attendance"`
	Count      int                    `json:"count"`
}

func (s *Server) handleGetAttendance(w http.ResponseWriter, r *http.Request) {
	rec, err := s.hub.Attendance(chi.URLParam(r, "sessionId"))
	if err != nil {
		writeKindError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, attendanceResponse{Session: rec.Session, Attendance: rec.Attendance, Count: len(rec.Attendance)})
}

func (s *Server) handleExportAll(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.hub.ExportAll())
}

type clearRequest struct {
	SessionIDs []string `json:"sessionIds"`
}

type clearResponse struct {
	Success   bool `json:"success"`
	Remaining int  `json:"remaining"`
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	var req clearRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, model.KindInvalid.Code())
		return
	}
	writeJSON(w, http.StatusOK, clearResponse{Success: true, Remaining: s.hub.Clear(req.SessionIDs)})
}

// handleEvents streams hub events over a websocket. ?sessionId= limits the
// stream to one session.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	filter := r.URL.Query().Get("sessionId")
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("event stream upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	events, cancel := s.hub.Broker().Subscribe(eventBuffer)
	defer cancel()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			return
		case ev, ok := <-events:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "hub stopped"), time.Now().Add(writeTimeout))
				return
			}
			if filter != "" && ev.SessionID != filter {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(ev); err != nil {
				s.logger.Debug("event stream closed", zap.Error(err))
				return
			}
		}
	}
}

func statusForKind(kind model.Kind) int {
	switch kind {
	case model.KindNotFound:
		return http.StatusNotFound
	case model.KindExpired, model.KindDuplicate, model.KindInvalid:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeKindError(w http.ResponseWriter, err error) {
	kind := model.KindOf(err)
	writeError(w, statusForKind(kind), kind.Code())
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
