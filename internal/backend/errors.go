package backend

import (
	"errors"
	"fmt"
	"strings"
)

// Code is one entry of the backend error taxonomy.
type Code string

const (
	CodeNotFound         Code = "NOT_FOUND"
	CodeAlreadyExists    Code = "ALREADY_EXISTS"
	CodeInvalidInput     Code = "INVALID_INPUT"
	CodeTimeout          Code = "TIMEOUT"
	CodeLocked           Code = "LOCKED"
	CodePermissionDenied Code = "PERMISSION_DENIED"
	CodeUnavailable      Code = "UNAVAILABLE"
	CodeRateLimited      Code = "RATE_LIMITED"
	CodeUnsupported      Code = "UNSUPPORTED"
	CodeInternal         Code = "INTERNAL"
)

// DefaultRetryable reports whether errors with this code are worth retrying
// when the adapter did not say otherwise.
func (c Code) DefaultRetryable() bool {
	switch c {
	case CodeLocked, CodeTimeout, CodeUnavailable, CodeRateLimited:
		return true
	}
	return false
}

// Error is the only error type that leaves a backend adapter.
type Error struct {
	Code      Code   `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
	// Op names the backend operation that failed (e.g. "update").
	Op string `json:"-"`
	// Err is the underlying cause, if any.
	Err error `json:"-"`
}

func (e *Error) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds an error with the code's default retryability.
func NewError(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Retryable: code.DefaultRetryable()}
}

// WithOp returns a copy of e tagged with the operation name.
func (e *Error) WithOp(op string) *Error {
	c := *e
	c.Op = op
	return &c
}

// WithRetryable returns a copy of e with the retryable flag overridden.
func (e *Error) WithRetryable(retryable bool) *Error {
	c := *e
	c.Retryable = retryable
	return &c
}

// Convenience constructors.

func NotFound(format string, args ...any) *Error {
	return NewError(CodeNotFound, format, args...)
}

func AlreadyExists(format string, args ...any) *Error {
	return NewError(CodeAlreadyExists, format, args...)
}

func InvalidInput(format string, args ...any) *Error {
	return NewError(CodeInvalidInput, format, args...)
}

func Unavailable(format string, args ...any) *Error {
	return NewError(CodeUnavailable, format, args...)
}

func Unsupported(format string, args ...any) *Error {
	return NewError(CodeUnsupported, format, args...)
}

func Internal(format string, args ...any) *Error {
	return NewError(CodeInternal, format, args...)
}

// classifyRules is checked in order; the first rule with a matching keyword wins.
var classifyRules = []struct {
	code     Code
	keywords []string
}{
	{CodeNotFound, []string{"not found", "no such", "does not exist", "doesn't exist", "unknown issue", "no issue"}},
	{CodeAlreadyExists, []string{"already exists", "duplicate", "already has"}},
	{CodeInvalidInput, []string{"invalid", "required", "must be", "malformed", "unknown flag", "cannot be", "bad request"}},
	{CodeTimeout, []string{"timeout", "timed out", "deadline exceeded"}},
	{CodeLocked, []string{"locked", "busy", "lock held", "try again"}},
	{CodePermissionDenied, []string{"permission denied", "access denied", "forbidden", "unauthorized", "not permitted"}},
	{CodeUnavailable, []string{"unavailable", "connection refused", "not running", "broken pipe", "service down"}},
	{CodeRateLimited, []string{"rate limit", "too many requests", "429"}},
}

// Classify maps a free-text failure message onto the taxonomy.
// Matching is case-insensitive; anything unmatched is INTERNAL.
func Classify(message string) Code {
	lower := strings.ToLower(message)
	for _, rule := range classifyRules {
		for _, kw := range rule.keywords {
			if strings.Contains(lower, kw) {
				return rule.code
			}
		}
	}
	return CodeInternal
}

// FromMessage classifies message and builds a structured error for op.
func FromMessage(op, message string) *Error {
	message = strings.TrimSpace(message)
	code := Classify(message)
	return &Error{Code: code, Message: message, Retryable: code.DefaultRetryable(), Op: op}
}

// Wrap converts any error into a *Error. Structured errors pass through
// (tagged with op when untagged); everything else is classified by message.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var be *Error
	if errors.As(err, &be) {
		if be.Op == "" {
			return be.WithOp(op)
		}
		return be
	}
	e := FromMessage(op, err.Error())
	e.Err = err
	return e
}

// CodeOf extracts the taxonomy code from err, or "" when err is not structured.
func CodeOf(err error) Code {
	var be *Error
	if errors.As(err, &be) {
		return be.Code
	}
	return ""
}

func IsNotFound(err error) bool      { return CodeOf(err) == CodeNotFound }
func IsAlreadyExists(err error) bool { return CodeOf(err) == CodeAlreadyExists }
func IsUnsupported(err error) bool   { return CodeOf(err) == CodeUnsupported }

// IsRetryable reports whether err is a structured error flagged retryable.
func IsRetryable(err error) bool {
	var be *Error
	if errors.As(err, &be) {
		return be.Retryable
	}
	return false
}
