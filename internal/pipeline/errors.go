package pipeline

import (
	"errors"
	"fmt"
)

// ErrorCode classifies pipeline failures. Codes drive what happens next:
// routing errors drop the message, quota errors produce a templated
// reply, tool failures are fed back to the model, delivery failures are
// logged without rollback.
type ErrorCode string

const (
	ErrCodeRouting             ErrorCode = "ROUTING_ERROR"
	ErrCodeQuotaExceeded       ErrorCode = "QUOTA_EXCEEDED"
	ErrCodeMalformedToolCall   ErrorCode = "MALFORMED_TOOL_CALL"
	ErrCodeToolExecutionFailed ErrorCode = "TOOL_EXECUTION_FAILED"
	ErrCodeLinkTokenInvalid    ErrorCode = "LINK_TOKEN_INVALID"
	ErrCodeLinkCodeInvalid     ErrorCode = "LINK_CODE_INVALID"
	ErrCodeDelivery            ErrorCode = "DELIVERY_ERROR"
	ErrCodeInternal            ErrorCode = "INTERNAL_ERROR"
)

// Error is a coded pipeline error. Context carries the identifiers a log
// line needs to locate the run.
type Error struct {
	Code    ErrorCode
	Message string
	Err     error
	Context map[string]any
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError creates a coded error.
func NewError(code ErrorCode, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// With attaches one context value and returns the error for chaining.
func (e *Error) With(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// GetErrorCode extracts the code from an error chain. Errors without a
// pipeline code report as internal.
func GetErrorCode(err error) ErrorCode {
	var pipelineErr *Error
	if errors.As(err, &pipelineErr) {
		return pipelineErr.Code
	}
	return ErrCodeInternal
}
