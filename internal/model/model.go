package model

import (
	"fmt"
	"strings"
	"time"
)

// TransportKind identifies how a device reaches the session it is working on.
type TransportKind string

const (
	TransportNone      TransportKind = "none"
	TransportCanonical TransportKind = "canonical"
	TransportLocalHub  TransportKind = "local_hub"
	TransportPeer      TransportKind = "peer"
)

// Transports lists every real transport in selection priority order.
var Transports = []TransportKind{TransportCanonical, TransportLocalHub, TransportPeer}

// Priority returns the selection rank of k; lower wins.
func (k TransportKind) Priority() int {
	switch k {
	case TransportCanonical:
		return 0
	case TransportLocalHub:
		return 1
	case TransportPeer:
		return 2
	default:
		return 99
	}
}

// Canonical reports whether writes on k are immediately globally visible.
func (k TransportKind) Canonical() bool {
	return k == TransportCanonical
}

// Descriptor is the human readable label shown to users.
func (k TransportKind) Descriptor() string {
	switch k {
	case TransportCanonical:
		return "Online (Canonical)"
	case TransportLocalHub:
		return "Offline (Local hub)"
	case TransportPeer:
		return "Offline (Peer link)"
	default:
		return "No connection"
	}
}

const MarkStatusPresent = "present"

// Session is an attendance window opened by a coordinator. Timestamps are
// epoch milliseconds, which is also their wire representation.
type Session struct {
	ID              string `json:"sessionId"`
	CourseID        string `json:"courseId" validate:"required"`
	CourseName      string `json:"courseName,omitempty"`
	CoordinatorID   string `json:"coordinatorId" validate:"required"`
	CoordinatorName string `json:"coordinatorName,omitempty"`
	CreatedAt       int64  `json:"timestamp" validate:"gt=0"`
	ExpiresAt       int64  `json:"expiry" validate:"gtfield=CreatedAt"`
	Active          bool   `json:"active"`
}

func (s Session) Created() time.Time { return time.UnixMilli(s.CreatedAt).UTC() }
func (s Session) Expiry() time.Time  { return time.UnixMilli(s.ExpiresAt).UTC() }

// Expired reports whether now is past the session expiry.
func (s Session) Expired(now time.Time) bool {
	return now.UnixMilli() > s.ExpiresAt
}

// Open reports whether the session still accepts marks at now.
func (s Session) Open(now time.Time) bool {
	return s.Active && !s.Expired(now)
}

func (s Session) Fingerprint() Fingerprint {
	return Fingerprint{CoordinatorID: s.CoordinatorID, CourseID: s.CourseID, CreatedAt: s.CreatedAt}
}

// Participant is the identity a participant presents when marking.
type Participant struct {
	ID         string `json:"participantId" validate:"required"`
	Name       string `json:"name,omitempty"`
	ExternalID string `json:"externalId,omitempty"`
}

// AttendanceMark records one participant's presence in one session.
type AttendanceMark struct {
	SessionID     string        `json:"sessionId"`
	ParticipantID string        `json:"participantId" validate:"required"`
	Name          string        `json:"name,omitempty"`
	ExternalID    string        `json:"externalId,omitempty"`
	RecordedAt    int64         `json:"timestamp"`
	Origin        TransportKind `json:"origin,omitempty"`
	Status        string        `json:"status,omitempty"`
}

func (m AttendanceMark) Participant() Participant {
	return Participant{ID: m.ParticipantID, Name: m.Name, ExternalID: m.ExternalID}
}

// SessionRecord is a session with its embedded marks, the unit exchanged by
// exports, the pending queue and the canonical sync endpoint.
type SessionRecord struct {
	Session
	Attendance []AttendanceMark `json:"attendance" validate:"dive"`
}

// MergeMarks appends marks whose participant is not yet present and returns
// how many were added.
func (r *SessionRecord) MergeMarks(marks ...AttendanceMark) int {
	seen := make(map[string]struct{}, len(r.Attendance))
	for _, m := range r.Attendance {
		seen[m.ParticipantID] = struct{}{}
	}
	added := 0
	for _, m := range marks {
		if _, ok := seen[m.ParticipantID]; ok {
			continue
		}
		seen[m.ParticipantID] = struct{}{}
		r.Attendance = append(r.Attendance, m)
		added++
	}
	return added
}

// PendingItem is a session captured on a non-canonical transport awaiting
// reconciliation.
type PendingItem struct {
	Record        SessionRecord `json:"record"`
	Origin        TransportKind `json:"origin"`
	Synced        bool          `json:"synced"`
	Attempts      int           `json:"attempts"`
	LastAttemptAt int64         `json:"lastAttemptAt,omitempty"`
	LastError     string        `json:"lastError,omitempty"`
}

func (p PendingItem) SessionID() string { return p.Record.ID }

// Fingerprint identifies a session across independently generated local ids.
type Fingerprint struct {
	CoordinatorID string
	CourseID      string
	CreatedAt     int64
}

func (f Fingerprint) String() string {
	return fmt.Sprintf("%s|%s|%d", f.CoordinatorID, f.CourseID, f.CreatedAt)
}

func (f Fingerprint) Validate() error {
	if strings.TrimSpace(f.CoordinatorID) == "" || strings.TrimSpace(f.CourseID) == "" || f.CreatedAt <= 0 {
		return E(KindInvalid, "fingerprint", fmt.Errorf("incomplete fingerprint %q", f.String()))
	}
	return nil
}

// TransportState is the process-wide view of the selected transport.
type TransportState struct {
	Current   TransportKind   `json:"current"`
	ProbedAt  time.Time       `json:"probedAt"`
	Reachable []TransportKind `json:"reachable"`
}
