package hub

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"semaphore/offline/internal/metrics"
	"semaphore/offline/internal/model"
)

// Hub serves one coordinator's sessions while the canonical service is out of
// reach. Everything it holds is lost when the process stops; the device
// mirrors what it creates into its pending queue for that reason.
type Hub struct {
	state   *State
	broker  *Broker
	now     func() time.Time
	logger  *zap.Logger
	metrics *metrics.Metrics
}

type Option func(*Hub)

func WithClock(now func() time.Time) Option { return func(h *Hub) { h.now = now } }
func WithLogger(l *zap.Logger) Option { return func(h *Hub) { h.logger = l } }
func WithMetrics(m *metrics.Metrics) Option { return func(h *Hub) { h.metrics = m } }

func New(opts ...Option) *Hub {
	h := &Hub{state: NewState(), now: time.Now, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(h)
	}
	h.broker = NewBroker(h.logger)
	return h
}

type Status struct {
	Online          bool `json:"online"`
	SessionCount    int  `json:"sessionCount"`
	AttendanceCount int  `json:"attendanceCount"`
}

type Export struct {
	Sessions  []model.SessionRecord `json:"sessions"`
	Timestamp int64                 `json:"timestamp"`
}

func (h *Hub) Broker() *Broker { return h.broker }

// Stop ends all event subscriptions. The hub must not be used afterwards.
func (h *Hub) Stop() {
	h.broker.Close()
}

func (h *Hub) Status() Status {
	st := Status{Online: true}
	for _, e := range h.state.snapshot() {
		st.SessionCount++
		e.mu.Lock()
		st.AttendanceCount += len(e.marks)
		e.mu.Unlock()
	}
	return st
}

// CreateSession stores s as a fresh active session. An existing session with
// the same id is replaced along with its marks.
func (h *Hub) CreateSession(s model.Session) (model.Session, error) {
	s.ID = strings.TrimSpace(s.ID)
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if s.CreatedAt == 0 {
		s.CreatedAt = h.now().UnixMilli()
	}
	if err := model.Validate("hub create session", s); err != nil {
		return model.Session{}, err
	}
	s.Active = true
	h.state.put(s)
	h.logger.Info("hub session created", zap.String("session_id", s.ID), zap.String("course_id", s.CourseID))
	h.broker.Publish(Event{Topic: TopicSessionCreated, SessionID: s.ID, Data: s})
	return s, nil
}

// MarkAttendance records m against its session. Marks for one session are
// applied one at a time.
func (h *Hub) MarkAttendance(m model.AttendanceMark) (model.AttendanceMark, error) {
	const op = "hub mark attendance"
	if err := model.Validate(op, m); err != nil {
		h.metrics.Mark(string(model.TransportLocalHub), model.KindInvalid.Code())
		return model.AttendanceMark{}, err
	}
	for {
		e, ok := h.state.get(m.SessionID)
		if !ok {
			h.metrics.Mark(string(model.TransportLocalHub), model.KindNotFound.Code())
			return model.AttendanceMark{}, model.E(model.KindNotFound, op, nil)
		}
		rec, total, err := h.apply(e, m)
		if errors.Is(err, errRetired) {
			continue
		}
		if err != nil {
			h.metrics.Mark(string(model.TransportLocalHub), model.KindOf(err).Code())
			return model.AttendanceMark{}, err
		}
		h.metrics.Mark(string(model.TransportLocalHub), "ok")
		h.logger.Debug("hub attendance marked", zap.String("session_id", rec.SessionID), zap.String("participant_id", rec.ParticipantID), zap.Int("total", total))
		return rec, nil
	}
}

var errRetired = errors.New("hub session entry retired")

// apply records m on e. It fails with errRetired when e was replaced or
// cleared after the caller looked it up.
func (h *Hub) apply(e *entry, m model.AttendanceMark) (model.AttendanceMark, int, error) {
	const op = "hub mark attendance"
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.retired {
		return model.AttendanceMark{}, 0, errRetired
	}
	now := h.now()
	if !e.session.Open(now) {
		return model.AttendanceMark{}, 0, model.E(model.KindExpired, op, nil)
	}
	if _, dup := e.marked[m.ParticipantID]; dup {
		return model.AttendanceMark{}, 0, model.E(model.KindDuplicate, op, nil)
	}
	if m.RecordedAt == 0 {
		m.RecordedAt = now.UnixMilli()
	}
	if m.Origin == "" {
		m.Origin = model.TransportLocalHub
	}
	m.Status = model.MarkStatusPresent
	e.marks = append(e.marks, m)
	e.marked[m.ParticipantID] = struct{}{}
	total := len(e.marks)
	// Publishing under the session lock keeps attendance-marked events in the
	// order the marks were applied.
	h.broker.Publish(Event{
		Topic:     TopicAttendanceMarked,
		SessionID: m.SessionID,
		Data:      MarkedEvent{SessionID: m.SessionID, Record: m, TotalAttendance: total},
	})
	return m, total, nil
}

// ListActiveSessions returns sessions that are active and not yet expired.
func (h *Hub) ListActiveSessions() []model.Session {
	now := h.now()
	out := []model.Session{}
	for _, e := range h.state.snapshot() {
		e.mu.Lock()
		s := e.session
		e.mu.Unlock()
		if s.Active && now.UnixMilli() < s.ExpiresAt {
			out = append(out, s)
		}
	}
	return out
}

// Attendance returns a session with its marks.
func (h *Hub) Attendance(sessionID string) (model.SessionRecord, error) {
	e, ok := h.state.get(sessionID)
	if !ok {
		return model.SessionRecord{}, model.E(model.KindNotFound, "hub attendance", nil)
	}
	return e.record(), nil
}

// ExportAll returns every held session with its marks, expired ones
// included.
func (h *Hub) ExportAll() Export {
	entries := h.state.snapshot()
	out := Export{Sessions: make([]model.SessionRecord, 0, len(entries)), Timestamp: h.now().UnixMilli()}
	for _, e := range entries {
		out.Sessions = append(out.Sessions, e.record())
	}
	return out
}

// Clear purges reconciled sessions and returns how many remain.
func (h *Hub) Clear(sessionIDs []string) int {
	remaining := h.state.remove(sessionIDs)
	h.logger.Info("hub sessions cleared", zap.Strings("session_ids", sessionIDs), zap.Int("remaining", remaining))
	return remaining
}
