package model

import (
	"encoding/json"
	"time"
)

// SessionPayload is the scannable or pasteable description of a session that a
// coordinator hands to participants.
type SessionPayload struct {
	SessionID       string        `json:"sessionId,omitempty"`
	CourseID        string        `json:"courseId" validate:"required"`
	CoordinatorID   string        `json:"coordinatorId" validate:"required"`
	CoordinatorName string        `json:"coordinatorName,omitempty"`
	Timestamp       int64         `json:"timestamp" validate:"gt=0"`
	Expiry          int64         `json:"expiry" validate:"gt=0"`
	TransportMode   TransportKind `json:"transportMode,omitempty"`
	LocalHubAddress string        `json:"localHubAddress,omitempty"`
}

// PayloadFor describes s for participants reaching it over mode.
func PayloadFor(s Session, mode TransportKind, hubAddress string) SessionPayload {
	return SessionPayload{
		SessionID:       s.ID,
		CourseID:        s.CourseID,
		CoordinatorID:   s.CoordinatorID,
		CoordinatorName: s.CoordinatorName,
		Timestamp:       s.CreatedAt,
		Expiry:          s.ExpiresAt,
		TransportMode:   mode,
		LocalHubAddress: hubAddress,
	}
}

func (p SessionPayload) Encode() (string, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Session rebuilds the session view a participant can derive from p.
func (p SessionPayload) Session() Session {
	return Session{
		ID:              p.SessionID,
		CourseID:        p.CourseID,
		CoordinatorID:   p.CoordinatorID,
		CoordinatorName: p.CoordinatorName,
		CreatedAt:       p.Timestamp,
		ExpiresAt:       p.Expiry,
		Active:          true,
	}
}

// ParsePayload decodes a scanned payload and rejects it once now is past its
// expiry, before any attempt to mark attendance.
func ParsePayload(raw string, now time.Time) (SessionPayload, error) {
	var p SessionPayload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return SessionPayload{}, E(KindInvalid, "parse payload", err)
	}
	if err := Validate("parse payload", p); err != nil {
		return SessionPayload{}, err
	}
	if now.UnixMilli() > p.Expiry {
		return SessionPayload{}, E(KindExpired, "parse payload", nil)
	}
	return p, nil
}
