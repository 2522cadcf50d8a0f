package peer

import (
	"github.com/fxamacker/cbor/v2"

	"semaphore/offline/internal/model"
)

type MessageType string

const (
	MsgAttendanceRequest   MessageType = "ATTENDANCE_REQUEST"
	MsgAttendanceConfirmed MessageType = "ATTENDANCE_CONFIRMED"
	MsgAttendanceRejected  MessageType = "ATTENDANCE_REJECTED"
)

type AttendanceRequest struct {
	SessionID     string `cbor:"sessionId"`
	ParticipantID string `cbor:"participantId"`
	Name          string `cbor:"name,omitempty"`
	ExternalID    string `cbor:"externalId,omitempty"`
	Timestamp     int64  `cbor:"timestamp"`
}

// Message is the unit exchanged over a peer Channel. RequestID pairs a reply
// with its request.
type Message struct {
	Type      MessageType           `cbor:"type"`
	RequestID string                `cbor:"requestId"`
	Request   *AttendanceRequest    `cbor:"request,omitempty"`
	Record    *model.AttendanceMark `cbor:"record,omitempty"`
	// Reason is an error kind code on ATTENDANCE_REJECTED.
	Reason string `cbor:"reason,omitempty"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	if encMode, err = cbor.CanonicalEncOptions().EncMode(); err != nil {
		panic(err)
	}
	if decMode, err = (cbor.DecOptions{}).DecMode(); err != nil {
		panic(err)
	}
}

func encodeMessage(m Message) ([]byte, error) {
	return encMode.Marshal(m)
}

func decodeMessage(data []byte) (Message, error) {
	var m Message
	err := decMode.Unmarshal(data, &m)
	return m, err
}

func (r AttendanceRequest) mark() model.AttendanceMark {
	return model.AttendanceMark{
		SessionID:     r.SessionID,
		ParticipantID: r.ParticipantID,
		Name:          r.Name,
		ExternalID:    r.ExternalID,
		RecordedAt:    r.Timestamp,
		Origin:        model.TransportPeer,
	}
}
