package selector

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"semaphore/offline/internal/model"
	"semaphore/offline/internal/reconcile"
)

// syncTimeout bounds one SyncAll run, which outlives the caller that started it.
const syncTimeout = 2 * time.Minute

// SyncReport summarizes one SyncAll run. Redelivered counts queued sessions
// owned by another coordinator whose marks were handed back to their origin
// transport. Deferred counts own sessions opened on a local transport and
// left queued because they are still open.
type SyncReport struct {
	Synced        int                   `json:"synced"`
	AlreadySynced int                   `json:"alreadySynced"`
	Failed        int                   `json:"failed"`
	Redelivered   int                   `json:"redelivered"`
	Deferred      int                   `json:"deferred"`
	Errors        []reconcile.ItemError `json:"errors"`
}

// Err returns a PartialSyncFailure when some sessions stayed queued.
func (r SyncReport) Err() error {
	if r.Failed == 0 {
		return nil
	}
	return model.Errorf(model.KindPartialSyncFailure, "sync all", "%d sessions remain queued", r.Failed)
}

// SyncAll reconciles the pending queue against Canonical. It does nothing
// while Canonical is unreachable. Concurrent callers share one run; a caller
// whose ctx ends stops waiting without cancelling the run for the others.
func (s *Selector) SyncAll(ctx context.Context) (SyncReport, error) {
	ch := s.syncGroup.DoChan("sync", func() (interface{}, error) {
		runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), syncTimeout)
		defer cancel()
		return s.syncAll(runCtx)
	})
	select {
	case res := <-ch:
		report, _ := res.Val.(SyncReport)
		return report, res.Err
	case <-ctx.Done():
		return SyncReport{Errors: []reconcile.ItemError{}}, ctx.Err()
	}
}

func (s *Selector) syncAll(ctx context.Context) (SyncReport, error) {
	report := SyncReport{Errors: []reconcile.ItemError{}}
	if s.canonical == nil || !s.reachable(model.TransportCanonical) {
		return report, nil
	}
	collected := s.collectHubExport(ctx)

	items, err := s.queue.List(ctx)
	if err != nil {
		return report, err
	}
	// A session opened on a local transport reaches the reconciler only once
	// it has expired, since the reconciler closes it and its local copy is
	// dropped. Marks queued against a Canonical session go as soon as they can.
	now := s.now()
	var own, foreign []model.PendingItem
	for _, item := range items {
		switch {
		case !s.owns(item):
			foreign = append(foreign, item)
		case item.Origin.Canonical() || item.Record.Expired(now):
			own = append(own, item)
		default:
			report.Deferred++
		}
	}

	if len(own) > 0 {
		if err := s.submit(ctx, own, collected, &report); err != nil {
			return report, err
		}
	}
	for _, item := range foreign {
		if s.redeliver(ctx, item) {
			report.Redelivered++
		} else {
			report.Failed++
			report.Errors = append(report.Errors, reconcile.ItemError{SessionID: item.SessionID(), Error: "redelivery_failed"})
		}
	}

	s.logger.Info("sync finished",
		zap.Int("synced", report.Synced),
		zap.Int("already_synced", report.AlreadySynced),
		zap.Int("redelivered", report.Redelivered),
		zap.Int("deferred", report.Deferred),
		zap.Int("failed", report.Failed),
	)
	if len(items) > 0 {
		s.notify(Event{Type: EventSynced, Transport: model.TransportCanonical, Sync: &report})
	}
	return report, nil
}

func (s *Selector) owns(item model.PendingItem) bool {
	return s.identity.Coordinator && item.Record.CoordinatorID == s.identity.UserID
}

// collectHubExport folds marks participants recorded directly on the hub
// into the queued sessions they belong to, and returns the ids it folded in.
// Open sessions are left alone; they are collected on the first sync after
// they expire.
func (s *Selector) collectHubExport(ctx context.Context) map[string]bool {
	collected := make(map[string]bool)
	if s.hub == nil || !s.identity.Coordinator || !s.reachable(model.TransportLocalHub) {
		return collected
	}
	export, err := s.hub.ExportAll(ctx)
	if err != nil {
		s.logger.Warn("hub export failed", zap.Error(err))
		return collected
	}
	now := s.now()
	for _, rec := range export.Sessions {
		if rec.CoordinatorID != s.identity.UserID || !rec.Expired(now) {
			continue
		}
		if err := s.queue.Append(ctx, model.PendingItem{Record: rec, Origin: model.TransportLocalHub}); err != nil {
			s.logger.Warn("queue hub export", zap.String("session_id", rec.ID), zap.Error(err))
			continue
		}
		collected[rec.ID] = true
	}
	return collected
}

// submit hands items to the reconciler. Acknowledged hub sessions are cleared
// from the hub only when this run collected their hub copy.
func (s *Selector) submit(ctx context.Context, items []model.PendingItem, collected map[string]bool, report *SyncReport) error {
	records := make([]model.SessionRecord, 0, len(items))
	origins := make(map[string]model.TransportKind, len(items))
	for _, item := range items {
		records = append(records, item.Record)
		origins[item.SessionID()] = item.Origin
	}

	res, err := s.canonical.Sync(ctx, records)
	if err != nil {
		for _, item := range items {
			s.recordAttempt(ctx, item.SessionID(), err)
		}
		return err
	}

	acked := res.Acknowledged()
	if err := s.queue.MarkSynced(ctx, acked); err != nil {
		return err
	}
	var hubAcked []string
	for _, id := range acked {
		if origins[id] == model.TransportLocalHub && collected[id] {
			hubAcked = append(hubAcked, id)
		}
	}
	if len(hubAcked) > 0 && s.hub != nil {
		if _, err := s.hub.Clear(ctx, hubAcked); err != nil {
			s.logger.Warn("hub clear failed", zap.Strings("session_ids", hubAcked), zap.Error(err))
		}
	}
	for _, item := range res.Items {
		if item.Outcome == reconcile.OutcomeFailed {
			s.recordAttempt(ctx, item.SessionID, errors.New(item.Error))
		}
	}

	report.Synced += res.Synced
	report.AlreadySynced += res.AlreadySynced
	report.Failed += res.Failed
	report.Errors = append(report.Errors, res.Errors...)
	return nil
}

// redeliver replays the marks of a session this device does not own through
// the transport they were first attempted on. A duplicate answer means the
// earlier attempt did land.
func (s *Selector) redeliver(ctx context.Context, item model.PendingItem) bool {
	if !s.reachable(item.Origin) {
		s.recordAttempt(ctx, item.SessionID(), model.Errorf(model.KindNoTransport, "redeliver", "%s unreachable", item.Origin))
		return false
	}
	for _, m := range item.Record.Attendance {
		_, err := s.deliver(ctx, item.Origin, m)
		if err != nil && model.KindOf(err) != model.KindDuplicate {
			s.recordAttempt(ctx, item.SessionID(), err)
			return false
		}
	}
	if err := s.queue.MarkSynced(ctx, []string{item.SessionID()}); err != nil {
		s.logger.Error("remove redelivered session", zap.String("session_id", item.SessionID()), zap.Error(err))
		return false
	}
	return true
}

func (s *Selector) recordAttempt(ctx context.Context, sessionID string, cause error) {
	if err := s.queue.RecordAttempt(ctx, sessionID, cause); err != nil {
		s.logger.Warn("record sync attempt", zap.String("session_id", sessionID), zap.Error(err))
	}
}
