package conversation

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotConnected is returned when a send is attempted while the
	// transport is not open.
	ErrNotConnected = errors.New("transport not connected")

	// ErrSessionClosed is returned from entry points after teardown.
	ErrSessionClosed = errors.New("conversation session closed")

	// ErrMicUnavailable wraps capture acquisition failures.
	ErrMicUnavailable = errors.New("microphone unavailable")
)

// ErrorCode discriminates the failure taxonomy.
type ErrorCode string

const (
	CodeCapture      ErrorCode = "capture_error"
	CodePlayback     ErrorCode = "playback_error"
	CodeNotConnected ErrorCode = "not_connected"
	CodeConnection   ErrorCode = "connection_error"
	CodeServer       ErrorCode = "server_error"
	CodeInternal     ErrorCode = "internal_error"
)

// ConversationError is the structured error surfaced to the user and kept
// in the diagnostic log. Context captures the machine's view at the time
// of failure.
type ConversationError struct {
	Message    string
	Code       ErrorCode
	Timestamp  time.Time
	RetryAfter float64 // seconds; 0 when the server gave no hint

	State        State
	LanguageMode LanguageMode
	IsConnected  bool
}

func (e *ConversationError) Error() string {
	return fmt.Sprintf("%s: %s (state=%s connected=%t)", e.Code, e.Message, e.State, e.IsConnected)
}
