package runner

import (
	"errors"
)

var (
	ErrNotFound         = errors.New("runtime not found")
	ErrConflict         = errors.New("runtime conflict")
	ErrTimeout          = errors.New("runtime timeout")
	ErrFailed           = errors.New("runtime failed")
	ErrBadRequest       = errors.New("bad request")
	ErrInternal         = errors.New("internal error")
	ErrExecutionTimeout = errors.New("execution timeout")
	ErrCommandTimeout   = errors.New("command timeout")
	ErrCommandFailed    = errors.New("command failed")
	ErrLogsTimeout      = errors.New("logs timeout")
)

// Error is a failure whose Message is safe to return to API callers as is.
// Kind is one of the sentinel errors above.
type Error struct {
	Kind    error
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Kind
}

func newError(kind error, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Message returns the caller-facing message of err.
func Message(err error) string {
	var re *Error
	if errors.As(err, &re) {
		return re.Message
	}
	return err.Error()
}

const typeRuntimeTimeout = "runtime_timeout"

// TypeOf names the error class of err the way API responses and the
// execution journal report it.
func TypeOf(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound):
		return "runtime_not_found"
	case errors.Is(err, ErrConflict):
		return "runtime_conflict"
	case errors.Is(err, ErrTimeout):
		return typeRuntimeTimeout
	case errors.Is(err, ErrFailed):
		return "runtime_failed"
	case errors.Is(err, ErrBadRequest):
		return "execution_bad_request"
	case errors.Is(err, ErrExecutionTimeout):
		return "execution_timeout"
	case errors.Is(err, ErrCommandTimeout):
		return "command_timeout"
	case errors.Is(err, ErrCommandFailed):
		return "command_failed"
	case errors.Is(err, ErrLogsTimeout):
		return "logs_timeout"
	default:
		return "general_unknown"
	}
}
