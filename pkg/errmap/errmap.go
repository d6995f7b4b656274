package errmap

import (
	"context"
	"database/sql"
	"errors"
	"net/http"

	"github.com/goccy/go-json"
)

// Code classifies high-level error categories for user-facing responses.
type Code string

const (
	CodeStructural       Code = "structural_rejection"
	CodeStateConflict    Code = "state_conflict"
	CodeBaselineMismatch Code = "baseline_mismatch"
	CodeNotFound         Code = "not_found"
	CodeUnauthorized     Code = "unauthorized"
	CodeCanceled         Code = "canceled"
	CodeTimeout          Code = "timeout"
	CodeUnexpected       Code = "unexpected"
)

// Error is a small wrapper that carries a code and message while preserving
// the original cause via Unwrap.
type Error struct {
	Code    Code
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Message != "" {
		return e.Message
	}
	if e.cause != nil {
		return e.cause.Error()
	}
	return string(e.Code)
}

func (e *Error) Unwrap() error { return e.cause }

func New(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, cause: cause}
}

// Map converts an arbitrary error into an *Error with a best-effort code.
// It keeps the original error as the cause; already-mapped errors pass
// through unchanged.
func Map(err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return &Error{Code: CodeCanceled, cause: err}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Code: CodeTimeout, cause: err}
	}
	if errors.Is(err, sql.ErrNoRows) {
		return &Error{Code: CodeNotFound, cause: err}
	}
	return &Error{Code: CodeUnexpected, cause: err}
}

// HTTPStatus picks the response status for a mapped error.
func HTTPStatus(err error) int {
	var e *Error
	if !errors.As(err, &e) {
		return http.StatusInternalServerError
	}
	switch e.Code {
	case CodeStructural:
		return http.StatusBadRequest
	case CodeStateConflict, CodeBaselineMismatch:
		return http.StatusConflict
	case CodeNotFound:
		return http.StatusNotFound
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeCanceled:
		return http.StatusRequestTimeout
	case CodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// ToJSON marshals an error into {"code":"...","message":"..."}.
func ToJSON(err error) []byte {
	type payload struct {
		Code    Code   `json:"code"`
		Message string `json:"message"`
	}
	p := payload{Code: CodeUnexpected}
	if err != nil {
		var me *Error
		if errors.As(err, &me) {
			p.Code = me.Code
		}
		p.Message = err.Error()
	}
	out, jerr := json.Marshal(p)
	if jerr != nil {
		return []byte(`{"code":"unexpected","message":"encoding failure"}`)
	}
	return out
}
