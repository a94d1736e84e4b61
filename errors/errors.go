package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"path/filepath"
	"runtime"
)

// New creates a new error with file and line number information.
func New(format string, a ...interface{}) error {
	return fmt.Errorf("%s %s", caller(2), fmt.Sprintf(format, a...))
}

// Wrapf adds context (including file and line number) to an existing error.
// If the provided error is nil, Wrapf returns nil.
func Wrapf(err error, format string, a ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s %s: %w", caller(2), fmt.Sprintf(format, a...), err)
}

func caller(skip int) string {
	_, file, line, ok := runtime.Caller(skip)
	if !ok {
		return "[???:0]"
	}
	return fmt.Sprintf("[%s:%d]", filepath.Base(file), line)
}

// Kind classifies a failure in the instruction pipeline. The zero value is
// Internal.
type Kind int

const (
	Internal Kind = iota
	Authentication
	Authorization
	NotFound
	InsufficientCredit
	RateLimited
	InvalidInput
	ToolExecution
	Model
	Timeout
	Cancelled
	StaleRange
)

var kindNames = map[Kind]string{
	Internal:           "internal",
	Authentication:     "authentication",
	Authorization:      "authorization",
	NotFound:           "not_found",
	InsufficientCredit: "insufficient_credit",
	RateLimited:        "rate_limited",
	InvalidInput:       "invalid_input",
	ToolExecution:      "tool_execution",
	Model:              "model",
	Timeout:            "timeout",
	Cancelled:          "cancelled",
	StaleRange:         "stale_range",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Error is a classified error. Msg is safe to show to API clients; the
// wrapped error carries the annotated detail for logs.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Msg
	}
	return e.Msg + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// E returns a classified error with a client-facing message.
func E(kind Kind, format string, a ...interface{}) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, a...)}
}

// WrapKind classifies err, keeping it in the chain. If err is nil, WrapKind
// returns nil.
func WrapKind(kind Kind, err error, format string, a ...interface{}) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, a...), Err: fmt.Errorf("%s %w", caller(2), err)}
}

// KindOf reports the kind of the outermost classified error in err's chain.
// Context errors map to Cancelled and Timeout when nothing else classified
// them.
func KindOf(err error) Kind {
	if err == nil {
		return Internal
	}
	var e *Error
	if stderrors.As(err, &e) {
		return e.Kind
	}
	switch {
	case stderrors.Is(err, context.Canceled):
		return Cancelled
	case stderrors.Is(err, context.DeadlineExceeded):
		return Timeout
	}
	return Internal
}

// Message returns the client-facing message for err. Unclassified errors
// get a generic message so internal detail does not leak.
func Message(err error) string {
	var e *Error
	if stderrors.As(err, &e) {
		return e.Msg
	}
	switch KindOf(err) {
	case Cancelled:
		return "request cancelled"
	case Timeout:
		return "request timed out"
	}
	return "internal error"
}

// HTTPStatus maps err to the status code used at the HTTP boundary.
// Authorization failures surface as 404 so callers cannot discover
// documents they do not own.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case Authentication:
		return http.StatusUnauthorized
	case Authorization, NotFound:
		return http.StatusNotFound
	case InsufficientCredit:
		return http.StatusPaymentRequired
	case RateLimited:
		return http.StatusTooManyRequests
	case InvalidInput:
		return http.StatusBadRequest
	case StaleRange:
		return http.StatusConflict
	case Timeout:
		return http.StatusGatewayTimeout
	case Model:
		return http.StatusBadGateway
	case Cancelled:
		return 499
	}
	return http.StatusInternalServerError
}

func Is(err, target error) bool { return stderrors.Is(err, target) }

func As(err error, target interface{}) bool { return stderrors.As(err, target) }

func Join(errs ...error) error { return stderrors.Join(errs...) }
