package manifest

import (
	"errors"
)

// Kind identifies why a manifest could not be obtained.
type Kind string

const (
	KindUnknown      Kind = "unknown"
	KindTransport    Kind = "transport"
	KindStatus       Kind = "status"
	KindEmptyBody    Kind = "empty_body"
	KindMalformed    Kind = "malformed"
	KindMissingField Kind = "missing_field"
	KindInvalidField Kind = "invalid_field"
)

// Error is returned for every failed fetch or parse.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return "manifest unavailable (" + string(e.Kind) + "): " + e.Message + ": " + e.Err.Error()
	}
	return "manifest unavailable (" + string(e.Kind) + "): " + e.Message
}

// Unwrap returns the wrapped error.
func (e *Error) Unwrap() error {
	return e.Err
}

func newError(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Message: msg, Err: err}
}

// KindOf walks the error chain and returns the first manifest error kind found.
func KindOf(err error) Kind {
	var mErr *Error
	if errors.As(err, &mErr) {
		return mErr.Kind
	}
	return KindUnknown
}

// IsNotAvailable reports whether err means no manifest could be obtained.
func IsNotAvailable(err error) bool {
	var mErr *Error
	return errors.As(err, &mErr)
}
