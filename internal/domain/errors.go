package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for the scheduler core. Components wrap these with
// DomainError or fmt.Errorf so callers can branch with errors.Is.
var (
	ErrNotFound     = errors.New("not found")
	ErrDuplicate    = errors.New("duplicate")
	ErrExpired      = errors.New("message expired")
	ErrNoCapacity   = errors.New("no eligible worker")
	ErrTransport    = errors.New("transport failure")
	ErrInvariant    = errors.New("invariant violation")
	ErrQueueFull    = errors.New("queue full")
	ErrClosed       = errors.New("closed")
	ErrInvalidInput = errors.New("invalid input")
	ErrMaxRequeues  = errors.New("max requeue count reached")
)

// DomainError wraps a sentinel error with operation context.
type DomainError struct {
	Op     string // operation name (e.g., "Directory.Register")
	Err    error  // underlying sentinel or wrapped error
	Detail string // human-readable detail
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// WrapOp adds operation context to an error. Returns nil if err is nil,
// enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// ErrorCode is a machine-parseable error category for monitoring.
type ErrorCode string

const (
	CodeUnknown       ErrorCode = "UNKNOWN"
	CodeNotFound      ErrorCode = "NOT_FOUND"
	CodeDuplicate     ErrorCode = "DUPLICATE"
	CodeExpired       ErrorCode = "EXPIRED"
	CodeNoCapacity    ErrorCode = "NO_CAPACITY"
	CodeTransport     ErrorCode = "TRANSPORT_FAILURE"
	CodeInvariant     ErrorCode = "INVARIANT_VIOLATION"
	CodeQueueFull     ErrorCode = "QUEUE_FULL"
	CodeClosed        ErrorCode = "CLOSED"
	CodeInvalidInput  ErrorCode = "INVALID_INPUT"
	CodeMaxRequeues   ErrorCode = "MAX_REQUEUES"
)

var errorCodeMap = map[error]ErrorCode{
	ErrNotFound:     CodeNotFound,
	ErrDuplicate:    CodeDuplicate,
	ErrExpired:      CodeExpired,
	ErrNoCapacity:   CodeNoCapacity,
	ErrTransport:    CodeTransport,
	ErrInvariant:    CodeInvariant,
	ErrQueueFull:    CodeQueueFull,
	ErrClosed:       CodeClosed,
	ErrInvalidInput: CodeInvalidInput,
	ErrMaxRequeues:  CodeMaxRequeues,
}

// ErrorCodeOf returns the machine-parseable code for err. It walks the error
// chain with errors.Is and returns CodeUnknown when nothing matches.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}
	if code, ok := errorCodeMap[err]; ok {
		return code
	}
	for sentinel, code := range errorCodeMap {
		if errors.Is(err, sentinel) {
			return code
		}
	}
	return CodeUnknown
}
