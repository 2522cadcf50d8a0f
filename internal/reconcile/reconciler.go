package reconcile

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"semaphore/offline/internal/db"
	"semaphore/offline/internal/metrics"
	"semaphore/offline/internal/model"
)

type Outcome string

const (
	OutcomeAccepted      Outcome = "accepted"
	OutcomeAlreadySynced Outcome = "already-synced"
	OutcomeFailed        Outcome = "failed"
)

const (
	errCoordinatorMismatch = "coordinator_mismatch"
	errSyncInProgress      = "sync_in_progress"
)

// ItemResult is the outcome for one submitted session.
type ItemResult struct {
	SessionID          string  `json:"sessionId"`
	Fingerprint        string  `json:"fingerprint,omitempty"`
	Outcome            Outcome `json:"outcome"`
	CanonicalSessionID string  `json:"canonicalSessionId,omitempty"`
	Inserted           int     `json:"inserted"`
	Skipped            int     `json:"skipped"`
	Error              string  `json:"error,omitempty"`
}

type ItemError struct {
	SessionID string `json:"sessionId"`
	Error     string `json:"error"`
}

// Result summarizes a batch. Synced counts accepted sessions only.
type Result struct {
	Synced        int          `json:"synced"`
	Failed        int          `json:"failed"`
	AlreadySynced int          `json:"alreadySynced"`
	Errors        []ItemError  `json:"errors"`
	Items         []ItemResult `json:"outcomes"`
}

// Err returns a PartialSyncFailure when at least one item failed.
func (r Result) Err() error {
	if r.Failed == 0 {
		return nil
	}
	return model.Errorf(model.KindPartialSyncFailure, "offline sync", "%d of %d sessions failed", r.Failed, len(r.Items))
}

// Acknowledged lists the submitted session ids the caller may purge.
func (r Result) Acknowledged() []string {
	var ids []string
	for _, item := range r.Items {
		if item.Outcome != OutcomeFailed {
			ids = append(ids, item.SessionID)
		}
	}
	return ids
}

type Reconciler struct {
	store   db.Store
	lease   Lease
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

type Option func(*Reconciler)

func WithLease(l Lease) Option { return func(r *Reconciler) { r.lease = l } }
func WithLogger(l *zap.Logger) Option { return func(r *Reconciler) { r.logger = l } }
func WithMetrics(m *metrics.Metrics) Option { return func(r *Reconciler) { r.metrics = m } }
func WithClock(now func() time.Time) Option { return func(r *Reconciler) { r.now = now } }

func New(store db.Store, opts ...Option) *Reconciler {
	r := &Reconciler{
		store:  store,
		lease:  NewLocalLease(),
		logger: zap.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Sync merges records into the canonical store. coordinatorID is the verified
// caller; records without a coordinator inherit it and records naming another
// coordinator fail. An empty coordinatorID skips the ownership check.
func (r *Reconciler) Sync(ctx context.Context, coordinatorID string, records []model.SessionRecord) Result {
	res := Result{Errors: []ItemError{}, Items: make([]ItemResult, 0, len(records))}
	for _, rec := range records {
		item := r.syncOne(ctx, coordinatorID, rec)
		switch item.Outcome {
		case OutcomeAccepted:
			res.Synced++
		case OutcomeAlreadySynced:
			res.AlreadySynced++
		default:
			res.Failed++
			res.Errors = append(res.Errors, ItemError{SessionID: item.SessionID, Error: item.Error})
		}
		r.metrics.SyncOutcome(string(item.Outcome))
		res.Items = append(res.Items, item)
	}
	r.logger.Info("offline sync processed",
		zap.String("coordinator_id", coordinatorID),
		zap.Int("sessions", len(records)),
		zap.Int("synced", res.Synced),
		zap.Int("already_synced", res.AlreadySynced),
		zap.Int("failed", res.Failed),
	)
	return res
}

func (r *Reconciler) syncOne(ctx context.Context, coordinatorID string, rec model.SessionRecord) ItemResult {
	item := ItemResult{SessionID: rec.ID}
	fail := func(msg string) ItemResult {
		item.Outcome = OutcomeFailed
		item.Error = msg
		return item
	}

	if rec.CoordinatorID == "" {
		rec.CoordinatorID = coordinatorID
	}
	if coordinatorID != "" && rec.CoordinatorID != coordinatorID {
		return fail(errCoordinatorMismatch)
	}
	if err := model.Validate("sync session", rec); err != nil {
		return fail(err.Error())
	}
	fp := rec.Fingerprint().String()
	item.Fingerprint = fp

	release, ok, err := r.lease.Acquire(ctx, fp)
	switch {
	case err != nil:
		r.logger.Warn("sync lease unavailable", zap.String("fingerprint", fp), zap.Error(err))
	case !ok:
		return fail(errSyncInProgress)
	default:
		defer release()
	}

	err = r.store.WithTx(ctx, func(q db.Queries) error {
		claimed, err := q.ClaimOfflineSession(ctx, db.NewOfflineSession(rec))
		if err != nil {
			return err
		}
		if claimed.Synced {
			// Marks captured after the first sync still land; the unique key
			// keeps the rest out.
			inserted, skipped, err := insertMarks(ctx, q, rec, claimed.CanonicalSessionID, fp)
			if err != nil {
				return err
			}
			item.Outcome = OutcomeAlreadySynced
			item.CanonicalSessionID = claimed.CanonicalSessionID
			item.Inserted = inserted
			item.Skipped = skipped
			return nil
		}

		// By sync time an offline session has necessarily ended.
		sess := rec.Session
		sess.ID = ""
		sess.Active = false
		stored, err := q.CreateSession(ctx, sess)
		if err != nil {
			return err
		}
		inserted, skipped, err := insertMarks(ctx, q, rec, stored.ID, fp)
		if err != nil {
			return err
		}
		if err := q.MarkOfflineSessionSynced(ctx, fp, stored.ID, r.now()); err != nil {
			return err
		}
		item.Outcome = OutcomeAccepted
		item.CanonicalSessionID = stored.ID
		item.Inserted = inserted
		item.Skipped = skipped
		return nil
	})
	if err != nil {
		r.logger.Error("offline session sync failed", zap.String("session_id", rec.ID), zap.String("fingerprint", fp), zap.Error(err))
		return ItemResult{SessionID: rec.ID, Fingerprint: fp, Outcome: OutcomeFailed, Error: err.Error()}
	}
	r.metrics.SyncMarks(item.Inserted, item.Skipped)
	return item
}

// insertMarks writes rec's marks against the canonical session sessionID
// unless already present.
func insertMarks(ctx context.Context, q db.Queries, rec model.SessionRecord, sessionID, fp string) (inserted, skipped int, err error) {
	for _, m := range rec.Attendance {
		m.SessionID = sessionID
		if m.RecordedAt == 0 {
			m.RecordedAt = rec.CreatedAt
		}
		ok, err := q.InsertMark(ctx, db.Mark{AttendanceMark: m, CourseID: rec.CourseID, Fingerprint: fp})
		if err != nil {
			return inserted, skipped, fmt.Errorf("mark %s: %w", m.ParticipantID, err)
		}
		if ok {
			inserted++
		} else {
			skipped++
		}
	}
	return inserted, skipped, nil
}

// Pending lists registry entries of coordinatorID that are not yet synced.
func (r *Reconciler) Pending(ctx context.Context, coordinatorID string) ([]db.OfflineSession, error) {
	return r.store.ListPendingOfflineSessions(ctx, coordinatorID)
}
