package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"time"
)

const maxBackoff = time.Minute

// ErrNotFound is returned by a Store when the requested object does not exist.
// Store implementations wrap it so errors.Is(err, ErrNotFound) holds.
var ErrNotFound = errors.New("object not found")

// ErrorClass tells the engine and the remote session whether a failed
// operation is worth retrying.
type ErrorClass string

const (
	// ErrorClassTransient covers timeouts and dropped remote sessions.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassConflict covers merge strategies that cannot combine two
	// documents.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassPermanent covers missing objects, malformed payloads and
	// decryption failures.
	ErrorClassPermanent ErrorClass = "permanent"
)

// Error codes recorded in the errors_by_code metric.
const (
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodeMergeFailed      = "MERGE_FAILED"
	ErrCodeOperationFailed  = "OPERATION_FAILED"
	ErrCodeMalformedPayload = "MALFORMED_PAYLOAD"
	ErrCodeEncryptionFailed = "ENCRYPTION_FAILED"
	ErrCodeConnectionFailed = "CONNECTION_FAILED"
	ErrCodeTimeout          = "TIMEOUT"
)

// EngineError is a failed store operation together with its class, the key
// it concerned and the operation kind (load, save, mark_unchanged).
//
//nolint:revive
type EngineError struct {
	Class     ErrorClass `json:"class"`
	Message   string     `json:"message"`
	Code      string     `json:"code,omitempty"`
	Key       string     `json:"key,omitempty"`
	Operation string     `json:"operation,omitempty"`
	Err       error      `json:"-"`
}

func (e *EngineError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", e.Class, e.Message)
	switch {
	case e.Key != "" && e.Operation != "":
		fmt.Fprintf(&b, " (key=%s, operation=%s)", e.Key, e.Operation)
	case e.Key != "":
		fmt.Fprintf(&b, " (key=%s)", e.Key)
	}
	b.WriteString(": ")
	if e.Err != nil {
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is matches another EngineError with the same class and code, so callers
// can test against a template such as &EngineError{Class: ..., Code: ...}.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

func NewTransientError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassTransient, Message: message, Err: err}
}

func NewConflictError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassConflict, Message: message, Err: err}
}

func NewPermanentError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassPermanent, Message: message, Err: err}
}

// WithKey, WithOperation and WithCode set the matching field and return e.
func (e *EngineError) WithKey(key string) *EngineError {
	e.Key = key
	return e
}

func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// Classify returns err as an EngineError. Errors that are already classified
// are returned as is; anything else is classified from its chain.
func Classify(err error) *EngineError {
	if err == nil {
		return nil
	}
	var e *EngineError
	if errors.As(err, &e) {
		return e
	}
	switch {
	case errors.Is(err, ErrNotFound):
		return NewPermanentError("object not found", err).WithCode(ErrCodeNotFound)
	case errors.Is(err, context.DeadlineExceeded):
		return NewTransientError("operation timed out", err).WithCode(ErrCodeTimeout)
	case errors.Is(err, context.Canceled):
		return NewTransientError("operation cancelled", err).WithCode(ErrCodeOperationFailed)
	default:
		return NewPermanentError("operation failed", err).WithCode(ErrCodeOperationFailed)
	}
}

func hasClass(err error, class ErrorClass) bool {
	var e *EngineError
	return errors.As(err, &e) && e.Class == class
}

func IsTransient(err error) bool { return hasClass(err, ErrorClassTransient) }
func IsConflict(err error) bool  { return hasClass(err, ErrorClassConflict) }
func IsPermanent(err error) bool { return hasClass(err, ErrorClassPermanent) }

// IsRetryable reports whether err is transient or a conflict. Unclassified
// errors are not retryable.
func IsRetryable(err error) bool {
	return IsTransient(err) || IsConflict(err)
}

// Backoff calculates exponential backoff with jitter for the given attempt,
// starting at zero. Connection failures start from a longer base delay.
func Backoff(attempt int, err error) time.Duration {
	base := 500 * time.Millisecond
	var e *EngineError
	if errors.As(err, &e) && e.Code == ErrCodeConnectionFailed {
		base = time.Second
	}

	delay := base * time.Duration(math.Pow(2, float64(attempt)))
	if delay > maxBackoff || delay <= 0 {
		delay = maxBackoff
	}

	// ±25%
	jitter := time.Duration(rand.Int63n(int64(delay) / 2))
	return delay - delay/4 + jitter
}
