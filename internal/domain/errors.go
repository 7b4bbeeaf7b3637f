package domain

import (
	"errors"
	"fmt"
)

// Category sentinels.
var (
	ErrNotFound     = fmt.Errorf("not found")
	ErrDuplicate    = fmt.Errorf("duplicate")
	ErrInvalidInput = fmt.Errorf("invalid input")
)

// Sentinel errors for the event bus and its boundary.
var (
	// Input-correctness errors: fatal to the call that caused them.
	ErrUnknownEventType = fmt.Errorf("unknown event type")
	ErrSchemaValidation = fmt.Errorf("schema validation failed")

	// Authorization: fatal to subscribe, per-dispatch during publish.
	ErrAccessDenied = fmt.Errorf("access denied")

	// Handler failures never leave the bus; this marks them in logs and spans.
	ErrHandlerFailed = fmt.Errorf("event handler failed")

	ErrBusClosed   = fmt.Errorf("event bus is shut down")
	ErrAuditWrite  = fmt.Errorf("security log write failed")
	ErrConfigLoad  = fmt.Errorf("failed to load configuration")
	ErrStore       = fmt.Errorf("store operation failed")
	ErrSinkFailed  = fmt.Errorf("notification sink failed")
	ErrAuthInvalid = fmt.Errorf("authentication failed")
	ErrRateLimit   = fmt.Errorf("rate limit exceeded")

	ErrPersonaNotFound = fmt.Errorf("persona: %w", ErrNotFound)
	ErrMemoryNotFound  = fmt.Errorf("memory: %w", ErrNotFound)

	// Gateway / RPC errors.
	ErrGatewayAuthFailed = fmt.Errorf("gateway: %w", ErrAuthInvalid)
	ErrRPCMethodNotFound = fmt.Errorf("rpc method not found")
	ErrRPCInvalidPayload = fmt.Errorf("rpc payload invalid")
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op     string // operation name (e.g., "Bus.Publish")
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

// IsFatalInputError reports whether err is an input-correctness failure
// (unknown event type or schema mismatch) as opposed to an authorization
// or infrastructure failure.
func IsFatalInputError(err error) bool {
	return errors.Is(err, ErrUnknownEventType) || errors.Is(err, ErrSchemaValidation)
}

// ErrorCode is a machine-parseable error category for monitoring and clients.
type ErrorCode string

const (
	CodeUnknown           ErrorCode = "UNKNOWN"
	CodeNotFound          ErrorCode = "NOT_FOUND"
	CodeDuplicate         ErrorCode = "DUPLICATE"
	CodeInvalidInput      ErrorCode = "INVALID_INPUT"
	CodeUnknownEventType  ErrorCode = "UNKNOWN_EVENT_TYPE"
	CodeSchemaValidation  ErrorCode = "SCHEMA_VALIDATION"
	CodeAccessDenied      ErrorCode = "ACCESS_DENIED"
	CodeHandlerFailed     ErrorCode = "HANDLER_FAILED"
	CodeBusClosed         ErrorCode = "BUS_CLOSED"
	CodeAuditWrite        ErrorCode = "AUDIT_WRITE"
	CodeConfigLoad        ErrorCode = "CONFIG_LOAD"
	CodeStore             ErrorCode = "STORE"
	CodeSinkFailed        ErrorCode = "SINK_FAILED"
	CodeAuthInvalid       ErrorCode = "AUTH_INVALID"
	CodeRateLimit         ErrorCode = "RATE_LIMIT"
	CodePersonaNotFound   ErrorCode = "PERSONA_NOT_FOUND"
	CodeMemoryNotFound    ErrorCode = "MEMORY_NOT_FOUND"
	CodeGatewayAuth       ErrorCode = "GATEWAY_AUTH"
	CodeRPCMethodNotFound ErrorCode = "RPC_METHOD_NOT_FOUND"
	CodeRPCInvalidPayload ErrorCode = "RPC_INVALID_PAYLOAD"
)

// errorCodeMap maps sentinel errors to their machine-parseable codes.
var errorCodeMap = map[error]ErrorCode{
	ErrNotFound:          CodeNotFound,
	ErrDuplicate:         CodeDuplicate,
	ErrInvalidInput:      CodeInvalidInput,
	ErrUnknownEventType:  CodeUnknownEventType,
	ErrSchemaValidation:  CodeSchemaValidation,
	ErrAccessDenied:      CodeAccessDenied,
	ErrHandlerFailed:     CodeHandlerFailed,
	ErrBusClosed:         CodeBusClosed,
	ErrAuditWrite:        CodeAuditWrite,
	ErrConfigLoad:        CodeConfigLoad,
	ErrStore:             CodeStore,
	ErrSinkFailed:        CodeSinkFailed,
	ErrAuthInvalid:       CodeAuthInvalid,
	ErrRateLimit:         CodeRateLimit,
	ErrPersonaNotFound:   CodePersonaNotFound,
	ErrMemoryNotFound:    CodeMemoryNotFound,
	ErrGatewayAuthFailed: CodeGatewayAuth,
	ErrRPCMethodNotFound: CodeRPCMethodNotFound,
	ErrRPCInvalidPayload: CodeRPCInvalidPayload,
}

// specificity orders sentinels that wrap other sentinels ahead of the ones
// they wrap, so the chain walk in ErrorCodeOf returns the narrowest code.
var specificity = []error{
	ErrPersonaNotFound,
	ErrMemoryNotFound,
	ErrGatewayAuthFailed,
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

	for _, sentinel := range specificity {
		if errors.Is(err, sentinel) {
			return errorCodeMap[sentinel]
		}
	}

	// Walk the error chain with errors.Is.
	for sentinel, code := range errorCodeMap {
		if errors.Is(err, sentinel) {
			return code
		}
	}

	return CodeUnknown
}

// Code returns the ErrorCode for this DomainError's underlying sentinel.
func (e *DomainError) Code() ErrorCode {
	return ErrorCodeOf(e.Err)
}
