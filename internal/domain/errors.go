package domain

import (
	"context"
	"errors"
	"fmt"
)

// Category sentinels. Use with NewDomainError to attach operation context.
var (
	ErrNotFound      = fmt.Errorf("not found")
	ErrInvalidInput  = fmt.Errorf("invalid input")
	ErrProviderError = fmt.Errorf("provider error")
)

// Sentinel errors for the domain layer.
var (
	ErrProviderNotFound = fmt.Errorf("llm provider not found")
	ErrToolNotFound     = fmt.Errorf("tool not found")
	ErrThreadNotFound   = fmt.Errorf("thread not found")
	ErrThreadLocked     = fmt.Errorf("thread is locked by another execution")
	ErrCheckpointStore  = fmt.Errorf("checkpoint store failed")
	ErrCancelled        = fmt.Errorf("execution cancelled")
	ErrEncryption       = fmt.Errorf("encryption operation failed")
	ErrDecryption       = fmt.Errorf("decryption failed")

	// Message model errors.
	ErrInvalidMessage    = fmt.Errorf("invalid message")
	ErrUnmatchedToolCall = fmt.Errorf("tool message does not match a pending tool call")
	ErrPendingToolCalls  = fmt.Errorf("pending tool calls must be answered first")

	// Oracle transport errors.
	ErrContextOverflow = fmt.Errorf("context window exceeded")
	ErrRateLimit       = fmt.Errorf("rate limit exceeded")
	ErrAuthInvalid     = fmt.Errorf("authentication failed")
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op     string // operation name (e.g., "Engine.Invoke")
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

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// ThreadLockedError is returned when an execution is already in flight for a thread.
type ThreadLockedError struct {
	ThreadID string
}

func (e *ThreadLockedError) Error() string {
	return fmt.Sprintf("thread %q: %s", e.ThreadID, ErrThreadLocked)
}

// Is makes errors.Is(err, ErrThreadLocked) match.
func (e *ThreadLockedError) Is(target error) bool { return target == ErrThreadLocked }

// NewThreadLockedError creates a ThreadLockedError for threadID.
func NewThreadLockedError(threadID string) *ThreadLockedError {
	return &ThreadLockedError{ThreadID: threadID}
}

// Cancelled wraps a context error so that it matches both ErrCancelled and
// the original context sentinel.
func Cancelled(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrCancelled, err)
}

// IsCancellation reports whether err stems from context cancellation or deadline.
func IsCancellation(err error) bool {
	return errors.Is(err, ErrCancelled) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// ErrorCode is a machine-parseable error category for monitoring and alerting.
type ErrorCode string

// Error codes. Every sentinel error maps to exactly one code.
const (
	CodeUnknown          ErrorCode = "UNKNOWN"
	CodeNotFound         ErrorCode = "NOT_FOUND"
	CodeInvalidInput     ErrorCode = "INVALID_INPUT"
	CodeProviderError    ErrorCode = "PROVIDER_ERROR"
	CodeTimeout          ErrorCode = "TIMEOUT"
	CodeProviderNotFound ErrorCode = "PROVIDER_NOT_FOUND"
	CodeToolNotFound     ErrorCode = "TOOL_NOT_FOUND"
	CodeToolFailure      ErrorCode = "TOOL_FAILURE"
	CodeThreadNotFound   ErrorCode = "THREAD_NOT_FOUND"
	CodeThreadLocked     ErrorCode = "THREAD_LOCKED"
	CodeCheckpointStore  ErrorCode = "CHECKPOINT_STORE"
	CodeCancelled        ErrorCode = "CANCELLED"
	CodeConfigLoad       ErrorCode = "CONFIG_LOAD"
	CodeEncryption       ErrorCode = "ENCRYPTION"
	CodeDecryption       ErrorCode = "DECRYPTION"
	CodeInvalidMessage   ErrorCode = "INVALID_MESSAGE"
	CodeUnmatchedCall    ErrorCode = "UNMATCHED_TOOL_CALL"
	CodePendingCalls     ErrorCode = "PENDING_TOOL_CALLS"
	CodeContextOverflow  ErrorCode = "CONTEXT_OVERFLOW"
	CodeRateLimit        ErrorCode = "RATE_LIMIT"
	CodeAuthInvalid      ErrorCode = "AUTH_INVALID"
)

// errorCodeMap maps sentinel errors to their machine-parseable codes.
var errorCodeMap = map[error]ErrorCode{
	ErrNotFound:          CodeNotFound,
	ErrInvalidInput:      CodeInvalidInput,
	ErrProviderError:     CodeProviderError,
	ErrTimeout:           CodeTimeout,
	ErrProviderNotFound:  CodeProviderNotFound,
	ErrToolNotFound:      CodeToolNotFound,
	ErrToolFailure:       CodeToolFailure,
	ErrThreadNotFound:    CodeThreadNotFound,
	ErrThreadLocked:      CodeThreadLocked,
	ErrCheckpointStore:   CodeCheckpointStore,
	ErrCancelled:         CodeCancelled,
	ErrConfigLoad:        CodeConfigLoad,
	ErrEncryption:        CodeEncryption,
	ErrDecryption:        CodeDecryption,
	ErrInvalidMessage:    CodeInvalidMessage,
	ErrUnmatchedToolCall: CodeUnmatchedCall,
	ErrPendingToolCalls:  CodePendingCalls,
	ErrContextOverflow:   CodeContextOverflow,
	ErrRateLimit:         CodeRateLimit,
	ErrAuthInvalid:       CodeAuthInvalid,
}

// codePriority lists sentinels checked first when walking a chain, so that
// specific causes win over the generic wrappers around them.
var codePriority = []error{
	ErrThreadLocked,
	ErrCancelled,
	ErrUnmatchedToolCall,
	ErrPendingToolCalls,
	ErrInvalidMessage,
	ErrRateLimit,
	ErrAuthInvalid,
	ErrContextOverflow,
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// It unwraps DomainError and uses errors.Is to match sentinel errors.
// Returns CodeUnknown if no matching sentinel is found.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}

	// Fast path: direct sentinel lookup.
	if code, ok := errorCodeMap[err]; ok {
		return code
	}

	var de *DomainError
	if errors.As(err, &de) {
		if code, ok := errorCodeMap[de.Err]; ok {
			return code
		}
	}

	for _, sentinel := range codePriority {
		if errors.Is(err, sentinel) {
			return errorCodeMap[sentinel]
		}
	}
	for sentinel, code := range errorCodeMap {
		if errors.Is(err, sentinel) {
			return code
		}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return CodeCancelled
	}

	return CodeUnknown
}

// Code returns the ErrorCode for this DomainError's underlying sentinel.
func (e *DomainError) Code() ErrorCode {
	if code, ok := errorCodeMap[e.Err]; ok {
		return code
	}
	return ErrorCodeOf(e.Err)
}
