package types

import (
	"errors"
	"fmt"
	"time"
)

// Domain sentinels. Owning services return these (wrapped or bare);
// the HTTP surface and the gateway translate them into canonical codes
// with errors.Is.
var (
	ErrInvalidDisplayName = errors.New("invalid display name")
	ErrInvalidMessage     = errors.New("invalid message")
	ErrMaliciousInput     = errors.New("malicious input rejected")
	ErrUserNotFound       = errors.New("user not found")
	ErrRoomNotFound       = errors.New("room not found")
	ErrRoomFull           = errors.New("room is full")
	ErrRoomLocked         = errors.New("room is locked")
	ErrAlreadyInRoom      = errors.New("already in a room")
	ErrNotAMember         = errors.New("not a member of this room")
	ErrTooManyConnections = errors.New("too many concurrent connections")
	ErrSystemAtCapacity   = errors.New("system at capacity")
	ErrIntegrity          = errors.New("state integrity violation")
)

// ThrottledError carries the wait a reconnecting principal must sit out.
type ThrottledError struct {
	RetryAfter time.Duration
}

func (e *ThrottledError) Error() string {
	return fmt.Sprintf("reconnecting too fast, retry in %s", e.RetryAfter.Round(time.Second))
}

// Canonical error codes shared by HTTP bodies and error frames.
const (
	CodeInvalidDisplayName    = "INVALID_DISPLAY_NAME"
	CodeInvalidMessage        = "INVALID_MESSAGE"
	CodeMaliciousInput        = "MALICIOUS_INPUT"
	CodeUserNotFound          = "USER_NOT_FOUND"
	CodeRateLimitExceeded     = "RATE_LIMIT_EXCEEDED"
	CodeJoinLimitExceeded     = "JOIN_LIMIT_EXCEEDED"
	CodeChatRateLimitExceeded = "CHAT_RATE_LIMIT_EXCEEDED"
	CodeRoomNotFound          = "ROOM_NOT_FOUND"
	CodeRoomFull              = "ROOM_FULL"
	CodeRoomLocked            = "ROOM_LOCKED"
	CodeAlreadyInRoom         = "ALREADY_IN_ROOM"
	CodeNotAMember            = "NOT_A_MEMBER"
	CodeTooManyConnections    = "TOO_MANY_CONNECTIONS"
	CodeReconnectionThrottled = "RECONNECTION_THROTTLED"
	CodeConnectionTimeout     = "CONNECTION_TIMEOUT"
	CodeSystemAtCapacity      = "SYSTEM_AT_CAPACITY"
	CodeSlowConsumer          = "SLOW_CONSUMER"
	CodeServerShutdown        = "SERVER_SHUTDOWN"
	CodeInternal              = "INTERNAL"
)

// CodeOf maps a domain error to its canonical code. Unrecognized errors
// collapse to INTERNAL so nothing leaks implementation detail.
func CodeOf(err error) string {
	var throttled *ThrottledError
	switch {
	case errors.Is(err, ErrInvalidDisplayName):
		return CodeInvalidDisplayName
	case errors.Is(err, ErrInvalidMessage):
		return CodeInvalidMessage
	case errors.Is(err, ErrMaliciousInput):
		return CodeMaliciousInput
	case errors.Is(err, ErrUserNotFound):
		return CodeUserNotFound
	case errors.Is(err, ErrRoomNotFound):
		return CodeRoomNotFound
	case errors.Is(err, ErrRoomFull):
		return CodeRoomFull
	case errors.Is(err, ErrRoomLocked):
		return CodeRoomLocked
	case errors.Is(err, ErrAlreadyInRoom):
		return CodeAlreadyInRoom
	case errors.Is(err, ErrNotAMember):
		return CodeNotAMember
	case errors.Is(err, ErrTooManyConnections):
		return CodeTooManyConnections
	case errors.Is(err, ErrSystemAtCapacity):
		return CodeSystemAtCapacity
	case errors.As(err, &throttled):
		return CodeReconnectionThrottled
	default:
		return CodeInternal
	}
}
