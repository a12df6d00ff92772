package backend

import (
	"errors"
)

// Result is the tagged success/failure envelope handed to the session
// control surface: {"ok":true,"data":...} or {"ok":false,"error":{...}}.
type Result[T any] struct {
	OK    bool    `json:"ok"`
	Data  T       `json:"data,omitempty"`
	Error *Failed `json:"error,omitempty"`
}

// Failed is the wire form of a structured error.
type Failed struct {
	Code      Code   `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// ResultOf folds a (value, error) pair into a Result. Unstructured errors
// are classified by message so callers never see an ambiguous failure.
func ResultOf[T any](v T, err error) Result[T] {
	if err == nil {
		return Result[T]{OK: true, Data: v}
	}
	var be *Error
	if !errors.As(err, &be) {
		be = FromMessage("", err.Error())
	}
	return Result[T]{Error: &Failed{Code: be.Code, Message: be.Message, Retryable: be.Retryable}}
}

// Err turns a failed Result back into a *Error.
func (r Result[T]) Err() error {
	if r.OK || r.Error == nil {
		return nil
	}
	return &Error{Code: r.Error.Code, Message: r.Error.Message, Retryable: r.Error.Retryable}
}
