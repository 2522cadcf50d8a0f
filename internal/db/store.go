package db

import (
	"context"
	"time"

	"semaphore/offline/internal/model"
)

// Queries are the canonical store primitives. Every method is usable both
// directly on a Store and inside WithTx.
type Queries interface {
	// CreateSession inserts s unless a session with the same fingerprint
	// exists, in which case the stored session is returned unchanged.
	CreateSession(ctx context.Context, s model.Session) (model.Session, error)
	GetSession(ctx context.Context, id string) (model.Session, error)
	ListActiveSessions(ctx context.Context, now time.Time) ([]model.Session, error)
	DeactivateExpiredSessions(ctx context.Context, now time.Time) (int64, error)

	// InsertMark stores m unless a mark for the same participant, course and
	// session fingerprint exists. It reports whether a row was written.
	InsertMark(ctx context.Context, m Mark) (bool, error)
	ListMarks(ctx context.Context, fingerprint string) ([]Mark, error)

	// ClaimOfflineSession registers o if its fingerprint is unknown and
	// returns the stored entry, locked for the rest of the transaction.
	ClaimOfflineSession(ctx context.Context, o OfflineSession) (OfflineSession, error)
	MarkOfflineSessionSynced(ctx context.Context, fingerprint, canonicalSessionID string, at time.Time) error
	ListPendingOfflineSessions(ctx context.Context, coordinatorID string) ([]OfflineSession, error)
}

type Store interface {
	Queries
	WithTx(ctx context.Context, fn func(Queries) error) error
	Close()
}

// Mark is a canonical attendance row. Uniqueness is enforced on
// (ParticipantID, CourseID, Fingerprint).
type Mark struct {
	model.AttendanceMark
	CourseID    string `json:"courseId"`
	Fingerprint string `json:"sessionFingerprint"`
}

// OfflineSession is the registry entry of a session captured offline.
type OfflineSession struct {
	Fingerprint        string              `json:"fingerprint"`
	LocalSessionID     string              `json:"localSessionId"`
	CoordinatorID      string              `json:"coordinatorId"`
	CourseID           string              `json:"courseId"`
	CreatedAt          int64               `json:"timestamp"`
	Record             model.SessionRecord `json:"record"`
	Synced             bool                `json:"synced"`
	CanonicalSessionID string              `json:"canonicalSessionId,omitempty"`
	SyncedAt           *time.Time          `json:"syncedAt,omitempty"`
}

// NewOfflineSession builds the registry entry for rec.
func NewOfflineSession(rec model.SessionRecord) OfflineSession {
	return OfflineSession{
		Fingerprint:    rec.Fingerprint().String(),
		LocalSessionID: rec.ID,
		CoordinatorID:  rec.CoordinatorID,
		CourseID:       rec.CourseID,
		CreatedAt:      rec.CreatedAt,
		Record:         rec,
	}
}
