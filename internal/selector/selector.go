package selector

import (
	"context"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"semaphore/offline/internal/hub"
	"semaphore/offline/internal/model"
	"semaphore/offline/internal/peer"
	"semaphore/offline/internal/probe"
	"semaphore/offline/internal/reconcile"
)

const DefaultSessionMinutes = 15

// Canonical is the canonical service as seen from a device.
type Canonical interface {
	CreateSession(ctx context.Context, courseID, courseName string, durationMinutes int) (model.Session, error)
	MarkAttendance(ctx context.Context, m model.AttendanceMark) (model.AttendanceMark, error)
	Sync(ctx context.Context, records []model.SessionRecord) (reconcile.Result, error)
}

// Hub is a LocalHub reached over the local link.
type Hub interface {
	CreateSession(ctx context.Context, s model.Session) (model.Session, error)
	MarkAttendance(ctx context.Context, m model.AttendanceMark) (model.AttendanceMark, error)
	ExportAll(ctx context.Context) (hub.Export, error)
	Clear(ctx context.Context, sessionIDs []string) (int, error)
}

// Ledger is the coordinator's in-process session state behind its peer
// channel.
type Ledger interface {
	CreateSession(s model.Session) (model.Session, error)
	MarkAttendance(m model.AttendanceMark) (model.AttendanceMark, error)
}

// PeerLink is the participant end of a peer channel.
type PeerLink interface {
	Request(ctx context.Context, req peer.AttendanceRequest) (model.AttendanceMark, error)
}

// Queue is the durable pending store.
type Queue interface {
	Append(ctx context.Context, item model.PendingItem) error
	AppendMark(ctx context.Context, sessionID string, m model.AttendanceMark) error
	Get(ctx context.Context, sessionID string) (model.PendingItem, error)
	List(ctx context.Context) ([]model.PendingItem, error)
	MarkSynced(ctx context.Context, sessionIDs []string) error
	Count(ctx context.Context) (int, error)
	RecordAttempt(ctx context.Context, sessionID string, cause error) error
}

// Identity is the verified user operating the device.
type Identity struct {
	UserID      string
	Name        string
	Coordinator bool
}

type EventType string

const (
	EventTransportChanged EventType = "transport-changed"
	EventPeerMark         EventType = "peer-mark"
	EventSynced           EventType = "synced"
)

type Event struct {
	Type      EventType
	Transport model.TransportKind
	Mark      *model.AttendanceMark
	Sync      *SyncReport
}

type Status struct {
	Transport  model.TransportKind `json:"transport"`
	Pending    int                 `json:"pending"`
	Descriptor string              `json:"descriptor"`
}

// Selector routes session and mark operations to the best reachable
// transport and mirrors non-canonical writes into the pending queue.
type Selector struct {
	identity       Identity
	probes         *probe.Set
	queue          Queue
	canonical      Canonical
	hub            Hub
	hubAddress     string
	ledger         Ledger
	peer           PeerLink
	defaultMinutes int
	logger         *zap.Logger
	now            func() time.Time

	mu       sync.RWMutex
	state    model.TransportState
	sessions map[string]model.Session

	listenMu  sync.Mutex
	listeners map[int]func(Event)
	nextID    int

	syncGroup singleflight.Group
}

type Option func(*Selector)

func WithCanonical(c Canonical) Option { return func(s *Selector) { s.canonical = c } }
func WithLedger(l Ledger) Option { return func(s *Selector) { s.ledger = l } }
func WithPeer(p PeerLink) Option { return func(s *Selector) { s.peer = p } }
func WithLogger(l *zap.Logger) Option { return func(s *Selector) { s.logger = l } }
func WithClock(now func() time.Time) Option { return func(s *Selector) { s.now = now } }

// WithHub sets the LocalHub client; address is what participants are told to
// reach it on.
func WithHub(h Hub, address string) Option {
	return func(s *Selector) {
		s.hub = h
		s.hubAddress = address
	}
}

func WithDefaultSessionMinutes(n int) Option {
	return func(s *Selector) {
		if n > 0 {
			s.defaultMinutes = n
		}
	}
}

func New(identity Identity, probes *probe.Set, queue Queue, opts ...Option) *Selector {
	s := &Selector{
		identity:       identity,
		probes:         probes,
		queue:          queue,
		defaultMinutes: DefaultSessionMinutes,
		logger:         zap.NewNop(),
		now:            time.Now,
		state:          model.TransportState{Current: model.TransportNone, Reachable: []model.TransportKind{}},
		sessions:       make(map[string]model.Session),
		listeners:      make(map[int]func(Event)),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Initialize probes every transport and selects the best reachable one. It is
// also the periodic re-probe.
func (s *Selector) Initialize(ctx context.Context) model.TransportState {
	state, results := s.probes.Run(ctx)
	s.mu.Lock()
	previous := s.state.Current
	s.state = state
	s.mu.Unlock()

	if previous != state.Current {
		fields := []zap.Field{zap.String("from", string(previous)), zap.String("to", string(state.Current))}
		for _, r := range results {
			if r.Err != nil {
				fields = append(fields, zap.NamedError(string(r.Transport), r.Err))
			}
		}
		s.logger.Info("transport changed", fields...)
		s.notify(Event{Type: EventTransportChanged, Transport: state.Current})
	}
	return state
}

func (s *Selector) State() model.TransportState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state := s.state
	state.Reachable = append([]model.TransportKind(nil), s.state.Reachable...)
	return state
}

func (s *Selector) current() model.TransportKind {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Current
}

func (s *Selector) reachable(kind model.TransportKind) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, k := range s.state.Reachable {
		if k == kind {
			return true
		}
	}
	return false
}

func (s *Selector) Status(ctx context.Context) (Status, error) {
	transport := s.current()
	n, err := s.queue.Count(ctx)
	if err != nil {
		return Status{}, err
	}
	return Status{Transport: transport, Pending: n, Descriptor: transport.Descriptor()}, nil
}

func (s *Selector) remember(sess model.Session) {
	if sess.ID == "" {
		return
	}
	s.mu.Lock()
	s.sessions[sess.ID] = sess
	s.mu.Unlock()
}

func (s *Selector) session(id string) (model.Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	return sess, ok
}

// Join accepts a scanned session payload. Expired payloads are rejected
// before any transport is contacted.
func (s *Selector) Join(raw string) (model.SessionPayload, error) {
	p, err := model.ParsePayload(raw, s.now())
	if err != nil {
		return model.SessionPayload{}, err
	}
	s.remember(p.Session())
	return p, nil
}

// Payload describes sess for participants joining over the current transport.
func (s *Selector) Payload(sess model.Session) model.SessionPayload {
	transport := s.current()
	address := ""
	if transport == model.TransportLocalHub {
		address = s.hubAddress
	}
	return model.PayloadFor(sess, transport, address)
}

// CreateSession opens a session on the current transport. Sessions opened
// anywhere but Canonical are also queued for reconciliation.
func (s *Selector) CreateSession(ctx context.Context, courseID string, durationMinutes int) (model.Session, error) {
	const op = "create session"
	courseID = strings.TrimSpace(courseID)
	if courseID == "" {
		return model.Session{}, model.Errorf(model.KindInvalid, op, "courseId required")
	}
	if !s.identity.Coordinator {
		return model.Session{}, model.Errorf(model.KindInvalid, op, "coordinator role required")
	}
	if durationMinutes <= 0 {
		durationMinutes = s.defaultMinutes
	}
	transport := s.current()
	if transport == model.TransportNone {
		return model.Session{}, model.E(model.KindNoTransport, op, nil)
	}

	if transport == model.TransportCanonical && s.canonical != nil {
		sess, err := s.canonical.CreateSession(ctx, courseID, "", durationMinutes)
		if model.KindOf(err) == model.KindLinkFailure {
			sess, err = s.canonical.CreateSession(ctx, courseID, "", durationMinutes)
		}
		if err == nil {
			s.remember(sess)
			return sess, nil
		}
		if model.KindOf(err) != model.KindLinkFailure {
			return model.Session{}, err
		}
		return s.queueSession(ctx, op, s.localSession(courseID, durationMinutes), transport, err)
	}

	sess := s.localSession(courseID, durationMinutes)
	created, err := s.createLocal(ctx, transport, sess)
	if model.KindOf(err) == model.KindLinkFailure {
		created, err = s.createLocal(ctx, transport, sess)
	}
	switch {
	case err == nil:
	case model.KindOf(err) == model.KindLinkFailure:
		return s.queueSession(ctx, op, sess, transport, err)
	default:
		return model.Session{}, err
	}
	if err := s.queue.Append(ctx, model.PendingItem{Record: model.SessionRecord{Session: created}, Origin: transport}); err != nil {
		return model.Session{}, err
	}
	s.remember(created)
	return created, nil
}

func (s *Selector) localSession(courseID string, minutes int) model.Session {
	now := s.now().UTC()
	return model.Session{
		ID:              uuid.NewString(),
		CourseID:        courseID,
		CoordinatorID:   s.identity.UserID,
		CoordinatorName: s.identity.Name,
		CreatedAt:       now.UnixMilli(),
		ExpiresAt:       now.Add(time.Duration(minutes) * time.Minute).UnixMilli(),
		Active:          true,
	}
}

func (s *Selector) createLocal(ctx context.Context, transport model.TransportKind, sess model.Session) (model.Session, error) {
	switch {
	case transport == model.TransportLocalHub && s.hub != nil:
		return s.hub.CreateSession(ctx, sess)
	case transport == model.TransportPeer && s.ledger != nil:
		return s.ledger.CreateSession(sess)
	default:
		return model.Session{}, model.Errorf(model.KindNoTransport, "create session", "%s not configured", transport)
	}
}

func (s *Selector) queueSession(ctx context.Context, op string, sess model.Session, transport model.TransportKind, cause error) (model.Session, error) {
	if err := s.queue.Append(ctx, model.PendingItem{Record: model.SessionRecord{Session: sess}, Origin: transport}); err != nil {
		s.logger.Error("queue session", zap.String("session_id", sess.ID), zap.Error(err))
		return model.Session{}, cause
	}
	s.remember(sess)
	s.logger.Warn("session queued locally", zap.String("session_id", sess.ID), zap.String("transport", string(transport)), zap.Error(cause))
	return sess, model.E(model.KindQueued, op, cause)
}

// MarkAttendance records participant in sessionID on the current transport.
// A link failure is retried once; if it persists, or the peer never confirms,
// the mark is queued locally and the returned error says so.
func (s *Selector) MarkAttendance(ctx context.Context, sessionID string, participant model.Participant, timestamp int64) (model.AttendanceMark, error) {
	const op = "mark attendance"
	if strings.TrimSpace(sessionID) == "" {
		return model.AttendanceMark{}, model.Errorf(model.KindInvalid, op, "sessionId required")
	}
	if err := model.Validate(op, participant); err != nil {
		return model.AttendanceMark{}, err
	}
	transport := s.current()
	if transport == model.TransportNone {
		return model.AttendanceMark{}, model.E(model.KindNoTransport, op, nil)
	}
	now := s.now()
	sess, known := s.session(sessionID)
	local, queued := s.queuedLocally(ctx, transport, sessionID)
	if queued {
		sess, known = local.Record.Session, true
	}
	if known && sess.Expired(now) {
		return model.AttendanceMark{}, model.E(model.KindExpired, op, nil)
	}
	if timestamp <= 0 {
		timestamp = now.UnixMilli()
	}
	m := model.AttendanceMark{
		SessionID:     sessionID,
		ParticipantID: participant.ID,
		Name:          participant.Name,
		ExternalID:    participant.ExternalID,
		RecordedAt:    timestamp,
		Status:        model.MarkStatusPresent,
	}
	if queued {
		switch {
		case s.reachable(local.Origin):
			transport = local.Origin
		case s.owns(local):
			m.Origin = local.Origin
			return s.captureLocally(ctx, local, m)
		}
	}
	m.Origin = transport

	rec, err := s.deliver(ctx, transport, m)
	if model.KindOf(err) == model.KindLinkFailure {
		rec, err = s.deliver(ctx, transport, m)
	}
	switch {
	case err == nil:
		if !transport.Canonical() {
			s.mirrorMark(ctx, rec)
		}
		return rec, nil
	case model.KindOf(err) == model.KindLinkFailure || model.KindOf(err) == model.KindUnconfirmed:
		if !known {
			return model.AttendanceMark{}, err
		}
		item := model.PendingItem{Record: model.SessionRecord{Session: sess, Attendance: []model.AttendanceMark{m}}, Origin: transport}
		if qerr := s.queue.Append(ctx, item); qerr != nil {
			s.logger.Error("queue mark", zap.String("session_id", sessionID), zap.Error(qerr))
			return model.AttendanceMark{}, err
		}
		s.logger.Warn("mark queued locally", zap.String("session_id", sessionID), zap.String("participant_id", m.ParticipantID), zap.Error(err))
		if model.KindOf(err) == model.KindUnconfirmed {
			return m, err
		}
		return m, model.E(model.KindQueued, op, err)
	default:
		return model.AttendanceMark{}, err
	}
}

// queuedLocally finds a session that lives on a local transport and has not
// been reconciled yet. Canonical does not know it, so while Canonical is the
// current transport its marks keep going to the session's own transport.
func (s *Selector) queuedLocally(ctx context.Context, current model.TransportKind, sessionID string) (model.PendingItem, bool) {
	if !current.Canonical() {
		return model.PendingItem{}, false
	}
	item, err := s.queue.Get(ctx, sessionID)
	switch {
	case model.KindOf(err) == model.KindNotFound:
		return model.PendingItem{}, false
	case err != nil:
		s.logger.Warn("pending lookup failed", zap.String("session_id", sessionID), zap.Error(err))
		return model.PendingItem{}, false
	}
	return item, !item.Origin.Canonical()
}

// captureLocally records m straight into an own queued session whose
// transport is gone. It reaches Canonical with the session once it expires.
func (s *Selector) captureLocally(ctx context.Context, item model.PendingItem, m model.AttendanceMark) (model.AttendanceMark, error) {
	const op = "mark attendance"
	for _, existing := range item.Record.Attendance {
		if existing.ParticipantID == m.ParticipantID {
			return model.AttendanceMark{}, model.E(model.KindDuplicate, op, nil)
		}
	}
	if err := s.queue.AppendMark(ctx, item.SessionID(), m); err != nil {
		return model.AttendanceMark{}, err
	}
	s.logger.Info("mark captured locally", zap.String("session_id", m.SessionID), zap.String("participant_id", m.ParticipantID))
	return m, model.E(model.KindQueued, op, nil)
}

func (s *Selector) deliver(ctx context.Context, transport model.TransportKind, m model.AttendanceMark) (model.AttendanceMark, error) {
	switch {
	case transport == model.TransportCanonical && s.canonical != nil:
		return s.canonical.MarkAttendance(ctx, m)
	case transport == model.TransportLocalHub && s.hub != nil:
		return s.hub.MarkAttendance(ctx, m)
	case transport == model.TransportPeer && s.ledger != nil:
		return s.ledger.MarkAttendance(m)
	case transport == model.TransportPeer && s.peer != nil:
		return s.peer.Request(ctx, peer.AttendanceRequest{
			SessionID:     m.SessionID,
			ParticipantID: m.ParticipantID,
			Name:          m.Name,
			ExternalID:    m.ExternalID,
			Timestamp:     m.RecordedAt,
		})
	default:
		return model.AttendanceMark{}, model.Errorf(model.KindNoTransport, "mark attendance", "%s not configured", transport)
	}
}

// mirrorMark appends rec to the queued session it belongs to, when this
// device owns one.
func (s *Selector) mirrorMark(ctx context.Context, rec model.AttendanceMark) {
	err := s.queue.AppendMark(ctx, rec.SessionID, rec)
	if err != nil && model.KindOf(err) != model.KindNotFound {
		s.logger.Error("mirror mark", zap.String("session_id", rec.SessionID), zap.Error(err))
	}
}

// RecordPeerMark is the coordinator-side hook for marks confirmed over the
// peer channel.
func (s *Selector) RecordPeerMark(m model.AttendanceMark) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.mirrorMark(ctx, m)
	s.notify(Event{Type: EventPeerMark, Transport: model.TransportPeer, Mark: &m})
}

// Subscribe registers fn for selector events until the returned cancel is
// called. fn runs on the goroutine that produced the event.
func (s *Selector) Subscribe(fn func(Event)) func() {
	s.listenMu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	s.listenMu.Unlock()
	return func() {
		s.listenMu.Lock()
		delete(s.listeners, id)
		s.listenMu.Unlock()
	}
}

func (s *Selector) notify(ev Event) {
	s.listenMu.Lock()
	fns := make([]func(Event), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.listenMu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

// Close releases the peer link if it holds one.
func (s *Selector) Close() error {
	if c, ok := s.peer.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
