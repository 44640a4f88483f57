// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package params

import (
	"context"
	"fmt"

	"github.com/juju/errors"
)

const (
	CodeNotFound              = "not found"
	CodeNotValid              = "not valid"
	CodeAlreadyExists         = "already exists"
	CodeNotImplemented        = "not implemented"
	CodeCancelled             = "cancelled"
	CodeShutdown              = "connection is shut down"
	CodeStreamNotFound        = "stream not found"
	CodeStreamInvalidPosition = "stream invalid position"
)

const (
	// ErrCancelled is the error reported for a call the caller abandoned.
	ErrCancelled = errors.ConstError("call cancelled")

	// ErrStreamNotFound is reported when a stream no longer exists on
	// the sharing side.
	ErrStreamNotFound = errors.ConstError("stream not found")

	// ErrStreamInvalidPosition is reported when a stream consumer asks for
	// an item that is no longer, or never will be, available.
	ErrStreamInvalidPosition = errors.ConstError("invalid stream position")
)

// ErrorCoder represents an error that has an associated error code.
type ErrorCoder interface {
	ErrorCode() string
}

// Error is the serializable description of a failure. It is the payload
// of Error and StreamEnd notifications.
type Error struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
	Type    string `json:"type,omitempty"`
}

// Error implements error.
func (e *Error) Error() string {
	return e.Message
}

// ErrorCode implements ErrorCoder.
func (e *Error) ErrorCode() string {
	return e.Code
}

var wellKnown = map[string]errors.ConstError{
	CodeNotFound:              errors.NotFound,
	CodeNotValid:              errors.NotValid,
	CodeAlreadyExists:         errors.AlreadyExists,
	CodeNotImplemented:        errors.NotImplemented,
	CodeCancelled:             ErrCancelled,
	CodeStreamNotFound:        ErrStreamNotFound,
	CodeStreamInvalidPosition: ErrStreamInvalidPosition,
}

// Err reconstructs the failure described by e. The result matches the
// well known error for the code with errors.Is, and is still an *Error for
// errors.As.
func (e *Error) Err() error {
	if e == nil {
		return nil
	}
	if kind, ok := wellKnown[e.Code]; ok {
		return &translatedError{desc: e, kind: kind}
	}
	return e
}

type translatedError struct {
	desc *Error
	kind errors.ConstError
}

func (e *translatedError) Error() string {
	return e.desc.Message
}

func (e *translatedError) Unwrap() []error {
	return []error{e.desc, e.kind}
}

// ErrorFrom builds the serializable description of err. It returns nil
// for a nil error.
func ErrorFrom(err error) *Error {
	if err == nil {
		return nil
	}
	var desc *Error
	if errors.As(err, &desc) {
		return &Error{
			Message: err.Error(),
			Code:    desc.Code,
			Type:    desc.Type,
		}
	}
	return &Error{
		Message: err.Error(),
		Code:    ErrCode(err),
		Type:    fmt.Sprintf("%T", errors.Cause(err)),
	}
}

// ErrCode returns the error code associated with err, or the empty string
// if there is none.
func ErrCode(err error) string {
	var coder ErrorCoder
	switch {
	case err == nil:
		return ""
	case errors.As(err, &coder):
		return coder.ErrorCode()
	case errors.Is(err, ErrStreamNotFound):
		return CodeStreamNotFound
	case errors.Is(err, ErrStreamInvalidPosition):
		return CodeStreamInvalidPosition
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled):
		return CodeCancelled
	case errors.Is(err, errors.NotFound):
		return CodeNotFound
	case errors.Is(err, errors.NotValid):
		return CodeNotValid
	case errors.Is(err, errors.AlreadyExists):
		return CodeAlreadyExists
	case errors.Is(err, errors.NotImplemented):
		return CodeNotImplemented
	}
	return ""
}
