package usecase

import (
	"context"
	"errors"
	"fmt"
)

type ErrorCode string

const (
	ErrorInvalidInput    ErrorCode = "INVALID_INPUT"
	ErrorNotFound        ErrorCode = "NOT_FOUND"
	ErrorStorage         ErrorCode = "STORAGE_ERROR"
	ErrorUpstream        ErrorCode = "UPSTREAM_ERROR"
	ErrorUpstreamTimeout ErrorCode = "UPSTREAM_TIMEOUT"
	ErrorInternal        ErrorCode = "INTERNAL_ERROR"
)

// Error is the only error type returned by the use cases. Stage is set by the
// query pipeline to the last stage it completed before failing.
type Error struct {
	Code   ErrorCode
	Reason string
	Stage  Stage
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("usecase: %s (%s)", e.Code, e.Reason)
	}
	return fmt.Sprintf("usecase: %s (%s): %v", e.Code, e.Reason, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func newError(code ErrorCode, reason string, err error) *Error {
	return &Error{Code: code, Reason: reason, Err: err}
}

// NewError builds an Error for services outside this package that share the
// same transport mapping.
func NewError(code ErrorCode, reason string, err error) *Error {
	return newError(code, reason, err)
}

// UpstreamError is the exported form of upstreamError.
func UpstreamError(reason string, err error) *Error {
	return upstreamError(reason, err)
}

// upstreamError classifies a failed embedding, index or generation call.
func upstreamError(reason string, err error) *Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return newError(ErrorUpstreamTimeout, reason+"_timeout", err)
	}
	return newError(ErrorUpstream, reason, err)
}

// Code extracts the error code from err, or ErrorInternal when err did not
// come from this package.
func Code(err error) ErrorCode {
	var ue *Error
	if errors.As(err, &ue) {
		return ue.Code
	}
	return ErrorInternal
}
