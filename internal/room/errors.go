package room

import (
	"errors"
)

var (
	// ErrForbidden is returned when the acting participant's role lacks permission.
	ErrForbidden = errors.New("room: forbidden")
	// ErrNotFound is returned when an operation addresses a slide, text block,
	// participant or presentation that is not present.
	ErrNotFound = errors.New("room: not found")
	// ErrInvariantViolation is returned when an operation would break a
	// structural guarantee of the document.
	ErrInvariantViolation = errors.New("room: invariant violation")
	// ErrTransportFailure marks a subscriber whose delivery queue failed.
	ErrTransportFailure = errors.New("room: transport failure")
	// ErrInvalidOperation is returned for malformed or misaddressed operations.
	ErrInvalidOperation = errors.New("room: invalid operation")
	// ErrRoomClosed is returned by a room incarnation that has been released.
	// Callers obtain a fresh room from the registry and retry.
	ErrRoomClosed = errors.New("room: closed")
	// ErrRoomFailed is returned when the room hit an internal defect.
	ErrRoomFailed = errors.New("room: failed")
)

// ErrorKind maps errors to the stable code sent to clients.
func ErrorKind(err error) string {
	if err == nil {
		return ""
	}
	switch {
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInvariantViolation):
		return "invariant_violation"
	case errors.Is(err, ErrTransportFailure):
		return "transport_failure"
	case errors.Is(err, ErrInvalidOperation):
		return "invalid_operation"
	case errors.Is(err, ErrRoomClosed):
		return "room_closed"
	case errors.Is(err, ErrRoomFailed):
		return "room_failed"
	}
	return "unexpected"
}
