package model

import (
	"errors"
	"fmt"
)

// Kind classifies failures of the synchronization core.
type Kind int

const (
	KindUnknown Kind = iota
	KindNoTransport
	KindExpired
	KindDuplicate
	KindNotFound
	KindLinkFailure
	KindSyncConflict
	KindPartialSyncFailure
	KindInvalid
	KindUnconfirmed
	KindQueued
)

var kindCodes = map[Kind]string{
	KindUnknown:            "server_error",
	KindNoTransport:        "no_transport",
	KindExpired:            "session_expired",
	KindDuplicate:          "already_marked",
	KindNotFound:           "session_not_found",
	KindLinkFailure:        "link_failure",
	KindSyncConflict:       "sync_conflict",
	KindPartialSyncFailure: "partial_sync_failure",
	KindInvalid:            "invalid_request",
	KindUnconfirmed:        "unconfirmed",
	KindQueued:             "queued_locally",
}

// Code is the snake_case wire code used in HTTP error bodies and peer replies.
func (k Kind) Code() string {
	if code, ok := kindCodes[k]; ok {
		return code
	}
	return kindCodes[KindUnknown]
}

func (k Kind) String() string { return k.Code() }

// KindFromCode maps a wire code back to its Kind. Unknown codes map to
// KindUnknown.
func KindFromCode(code string) Kind {
	for k, c := range kindCodes {
		if c == code {
			return k
		}
	}
	return KindUnknown
}

// Error is the error type returned across component boundaries.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return e.Kind.String()
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the bare kind sentinels, so errors.Is(err, ErrExpired) holds for
// any *Error of KindExpired.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Op == "" && t.Err == nil && t.Kind == e.Kind
}

var (
	ErrNoTransport        = &Error{Kind: KindNoTransport}
	ErrExpired            = &Error{Kind: KindExpired}
	ErrDuplicate          = &Error{Kind: KindDuplicate}
	ErrNotFound           = &Error{Kind: KindNotFound}
	ErrLinkFailure        = &Error{Kind: KindLinkFailure}
	ErrSyncConflict       = &Error{Kind: KindSyncConflict}
	ErrPartialSyncFailure = &Error{Kind: KindPartialSyncFailure}
	ErrInvalid            = &Error{Kind: KindInvalid}
	ErrUnconfirmed        = &Error{Kind: KindUnconfirmed}
	ErrQueued             = &Error{Kind: KindQueued}
)

// E builds an *Error. A nil err is allowed.
func E(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf builds an *Error with a formatted cause.
func Errorf(kind Kind, op, format string, args ...interface{}) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Retryable reports whether the failure may succeed on a later attempt over
// the same transport.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindLinkFailure, KindUnconfirmed, KindNoTransport:
		return true
	default:
		return false
	}
}

// UserMessage renders err for a person holding the device.
func UserMessage(err error) string {
	if err == nil {
		return "Attendance recorded"
	}
	switch KindOf(err) {
	case KindNoTransport:
		return "No connection available"
	case KindDuplicate:
		return "Attendance already recorded"
	case KindExpired:
		return "Session expired"
	case KindNotFound:
		return "Session not found"
	case KindLinkFailure:
		return "Connection interrupted, please retry"
	case KindUnconfirmed:
		return "Attendance sent but not confirmed, it will be reconciled on the next sync"
	case KindQueued:
		return "Saved on this device, it will sync when a connection is available"
	case KindPartialSyncFailure:
		return "Some sessions could not be synced and remain queued"
	case KindInvalid:
		return "Invalid request"
	default:
		return "Something went wrong"
	}
}
