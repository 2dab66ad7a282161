package engine

import (
	"errors"
	"strings"
	"time"
)

// ErrorClass decides how the runner reacts to a failed operation.
type ErrorClass string

const (
	// ErrorClassTransient failures are retried with backoff: executor calls,
	// desired spec fetches.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassConnection means the control server stream could not be
	// established. The runner reconnects with backoff.
	ErrorClassConnection ErrorClass = "connection"

	// ErrorClassNotFound means the control server no longer knows the
	// resource. The runner deletes it locally.
	ErrorClassNotFound ErrorClass = "not_found"

	// ErrorClassFatal ends the process: a bad config or unusable local
	// storage at startup.
	ErrorClassFatal ErrorClass = "fatal"

	// ErrorClassPermanent means the desired resource cannot be applied as
	// written, e.g. an admission denial. It is retried at the resync interval.
	ErrorClassPermanent ErrorClass = "permanent"
)

// Error codes carried in EngineError.Code and in agent ERROR messages.
const (
	ErrCodeValidation      = "VALIDATION_ERROR"
	ErrCodeNotFound        = "NOT_FOUND"
	ErrCodePolicyDenied    = "POLICY_DENIED"
	ErrCodeControlServer   = "CONTROL_SERVER_ERROR"
	ErrCodeUnsupportedKind = "UNSUPPORTED_KIND"
	ErrCodeStorageFailed   = "STORAGE_FAILED"
)

// EngineError is a classified failure. Executors, the control server client
// and the stores return it so the runner can pick a retry strategy.
//
//nolint:revive // stutters, but reads better than engine.Error at call sites
type EngineError struct {
	Class   ErrorClass `json:"class"`
	Message string     `json:"message"`
	Code    string     `json:"code,omitempty"`
	// Resource is the ID of the affected resource, if any.
	Resource string `json:"resource,omitempty"`
	// RetryAfter overrides the caller's backoff when positive.
	RetryAfter time.Duration `json:"retry_after,omitempty"`
	Err        error         `json:"-"`
}

func newError(class ErrorClass, code, message string, err error) *EngineError {
	return &EngineError{Class: class, Code: code, Message: message, Err: err}
}

func NewTransientError(message string, err error) *EngineError {
	return newError(ErrorClassTransient, "", message, err)
}

func NewConnectionError(message string, err error) *EngineError {
	return newError(ErrorClassConnection, "", message, err)
}

func NewNotFoundError(message string, err error) *EngineError {
	return newError(ErrorClassNotFound, ErrCodeNotFound, message, err)
}

func NewFatalError(message string, err error) *EngineError {
	return newError(ErrorClassFatal, "", message, err)
}

func NewPermanentError(message string, err error) *EngineError {
	return newError(ErrorClassPermanent, "", message, err)
}

// Retry wraps err as a transient error asking to be retried after d.
func Retry(after time.Duration, err error) *EngineError {
	e := newError(ErrorClassTransient, "", "retry requested", err)
	e.RetryAfter = after
	return e
}

// Error formats as "[class] message (resource=id): cause".
func (e *EngineError) Error() string {
	var b strings.Builder
	b.WriteString("[")
	b.WriteString(string(e.Class))
	b.WriteString("] ")
	b.WriteString(e.Message)
	if e.Resource != "" {
		b.WriteString(" (resource=")
		b.WriteString(e.Resource)
		b.WriteString(")")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *EngineError) Unwrap() error { return e.Err }

// Is matches another *EngineError of the same class. A target with a code
// also requires the code to match.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && (t.Code == "" || e.Code == t.Code)
}

func (e *EngineError) WithResource(resourceID string) *EngineError {
	e.Resource = resourceID
	return e
}

func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

func (e *EngineError) WithRetryAfter(d time.Duration) *EngineError {
	e.RetryAfter = d
	return e
}

// ClassOf returns the class of the first EngineError in err's chain, or ""
// for unclassified errors.
func ClassOf(err error) ErrorClass {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class
	}
	return ""
}

func IsTransient(err error) bool  { return ClassOf(err) == ErrorClassTransient }
func IsConnection(err error) bool { return ClassOf(err) == ErrorClassConnection }
func IsNotFound(err error) bool   { return ClassOf(err) == ErrorClassNotFound }
func IsFatal(err error) bool      { return ClassOf(err) == ErrorClassFatal }
func IsPermanent(err error) bool  { return ClassOf(err) == ErrorClassPermanent }

// RetryAfter returns the backoff carried by err, or fallback when err
// carries none.
func RetryAfter(err error, fallback time.Duration) time.Duration {
	var e *EngineError
	if errors.As(err, &e) && e.RetryAfter > 0 {
		return e.RetryAfter
	}
	return fallback
}
