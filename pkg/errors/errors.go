// Package apperrors defines the stable error taxonomy shared by the daemon,
// its clients and the audit trail.
package apperrors

import (
	"errors"
	"fmt"
)

// Code identifies an error class. Codes are part of the wire contract and
// never change meaning between releases.
type Code string

const (
	CodeInvalidArgs      Code = "INVALID_ARGS"
	CodeDaemonNotRunning Code = "DAEMON_NOT_RUNNING"
	CodeIBDisconnected   Code = "IB_DISCONNECTED"
	CodeIBRejected       Code = "IB_REJECTED"
	CodeInvalidSymbol    Code = "INVALID_SYMBOL"
	CodeRiskCheckFailed  Code = "RISK_CHECK_FAILED"
	CodeRiskHalted       Code = "RISK_HALTED"
	CodeRateLimited      Code = "RATE_LIMITED"
	CodeDuplicateOrder   Code = "DUPLICATE_ORDER"
	CodeTimeout          Code = "TIMEOUT"
	CodeInternal         Code = "INTERNAL_ERROR"
)

// exitCodes maps error codes to CLI process exit codes. Codes without an
// entry exit with 1.
var exitCodes = map[Code]int{
	CodeInvalidArgs:      2,
	CodeDaemonNotRunning: 3,
	CodeIBDisconnected:   4,
	CodeRiskCheckFailed:  5,
	CodeRiskHalted:       6,
	CodeTimeout:          10,
}

// ExitCode returns the process exit code a client should use for this code.
func (c Code) ExitCode() int {
	if ec, ok := exitCodes[c]; ok {
		return ec
	}
	return 1
}

// Error is a typed daemon error carrying a stable code, a human message,
// optional structured details and an optional one-line suggestion.
type Error struct {
	Code       Code
	Message    string
	Details    map[string]any
	Suggestion string
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// ExitCode returns the process exit code for this error.
func (e *Error) ExitCode() int { return e.Code.ExitCode() }

// Payload serializes the error for the response envelope. Details and
// suggestion are included only when present.
func (e *Error) Payload() map[string]any {
	payload := map[string]any{
		"code":    string(e.Code),
		"message": e.Message,
	}
	if len(e.Details) > 0 {
		payload["details"] = e.Details
	}
	if e.Suggestion != "" {
		payload["suggestion"] = e.Suggestion
	}
	return payload
}

// Option customizes a new Error.
type Option func(*Error)

// WithDetails attaches a full details map.
func WithDetails(details map[string]any) Option {
	return func(e *Error) { e.Details = details }
}

// WithDetail attaches a single details entry.
func WithDetail(key string, value any) Option {
	return func(e *Error) {
		if e.Details == nil {
			e.Details = map[string]any{}
		}
		e.Details[key] = value
	}
}

// WithSuggestion attaches an actionable one-liner.
func WithSuggestion(suggestion string) Option {
	return func(e *Error) { e.Suggestion = suggestion }
}

// New builds a typed error.
func New(code Code, message string, opts ...Option) *Error {
	e := &Error{Code: code, Message: message}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Newf builds a typed error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// InvalidArgs builds an INVALID_ARGS error.
func InvalidArgs(message string, opts ...Option) *Error {
	return New(CodeInvalidArgs, message, opts...)
}

// Disconnected builds an IB_DISCONNECTED error.
func Disconnected(message string, opts ...Option) *Error {
	return New(CodeIBDisconnected, message, opts...)
}

// Rejected builds an IB_REJECTED error.
func Rejected(message string, opts ...Option) *Error {
	return New(CodeIBRejected, message, opts...)
}

// InvalidSymbol builds an INVALID_SYMBOL error.
func InvalidSymbol(message string, opts ...Option) *Error {
	return New(CodeInvalidSymbol, message, opts...)
}

// RiskCheckFailed builds a RISK_CHECK_FAILED error.
func RiskCheckFailed(message string, opts ...Option) *Error {
	return New(CodeRiskCheckFailed, message, opts...)
}

// RiskHalted builds a RISK_HALTED error.
func RiskHalted(message string, opts ...Option) *Error {
	return New(CodeRiskHalted, message, opts...)
}

// RateLimited builds a RATE_LIMITED error.
func RateLimited(message string, opts ...Option) *Error {
	return New(CodeRateLimited, message, opts...)
}

// DuplicateOrder builds a DUPLICATE_ORDER error.
func DuplicateOrder(message string, opts ...Option) *Error {
	return New(CodeDuplicateOrder, message, opts...)
}

// Timeout builds a TIMEOUT error.
func Timeout(message string, opts ...Option) *Error {
	return New(CodeTimeout, message, opts...)
}

// Internal builds an INTERNAL_ERROR error.
func Internal(message string, opts ...Option) *Error {
	return New(CodeInternal, message, opts...)
}

// DaemonNotRunning builds a DAEMON_NOT_RUNNING error.
func DaemonNotRunning(message string, opts ...Option) *Error {
	return New(CodeDaemonNotRunning, message, opts...)
}

// As extracts a typed Error from an error chain.
func As(err error) (*Error, bool) {
	var typed *Error
	if errors.As(err, &typed) {
		return typed, true
	}
	return nil, false
}

// Ensure returns the typed error from the chain, or wraps anything else as
// INTERNAL_ERROR so callers always have a code to serialize.
func Ensure(err error) *Error {
	if typed, ok := As(err); ok {
		return typed
	}
	return Internal(err.Error())
}

// CodeOf returns the code of an error, defaulting to INTERNAL_ERROR.
func CodeOf(err error) Code {
	if typed, ok := As(err); ok {
		return typed.Code
	}
	return CodeInternal
}
