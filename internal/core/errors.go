package core

import (
	"errors"
	"fmt"
)

// Code classifies a failure for the wire. Every error that crosses the
// signaling or REST boundary carries exactly one of these.
type Code string

const (
	CodeDuplicateSession    Code = "DuplicateSession"
	CodeUnknownSession      Code = "UnknownSession"
	CodeSessionClosed       Code = "SessionClosed"
	CodeResourceNotFound    Code = "ResourceNotFound"
	CodeProducerUnavailable Code = "ProducerUnavailable"
	CodePresenterBusy       Code = "PresenterBusy"
	CodeNotPresenter        Code = "NotPresenter"
	CodeEngineUnavailable   Code = "EngineUnavailable"
	CodeEngineRejected      Code = "EngineRejected"
	CodeInvalidRequest      Code = "InvalidRequest"
)

// Error is the structured failure returned in a response slot. It is
// never thrown across a connection boundary, only serialized.
type Error struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func E(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// CodeOf extracts the Code from err. Unclassified errors map to
// EngineUnavailable: the only way an untyped error reaches a handler is
// an engine round trip that failed in transit.
func CodeOf(err error) Code {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Code
	}
	return CodeEngineUnavailable
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code Code) bool {
	return CodeOf(err) == code
}
