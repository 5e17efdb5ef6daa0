// Package queueerr defines the closed error taxonomy shared by every queue
// component. Callers compare kinds with errors.Is against the sentinel
// values below; the REST and MCP transports both reduce any error through
// Map to a single {status, code, message} triple.
package queueerr

import (
	"errors"
	"fmt"
)

// Kind is the closed sum of error categories a queue operation may return.
type Kind string

const (
	KindValidation     Kind = "validation"
	KindState          Kind = "state"
	KindOwnership      Kind = "ownership"
	KindNotFound       Kind = "not_found"
	KindAuthentication Kind = "authentication"
	KindAuthorization  Kind = "authorization"
	KindJobAuthz       Kind = "job_authorization"
	KindContract       Kind = "contract"
	KindMaterialize    Kind = "materialize"
)

// Error is the concrete error type returned by queue components. Code is a
// short machine-readable string; for KindMaterialize it is one of the
// verbatim codes enumerated in the specification (hash_mismatch,
// missing_skill_md, ...). For every other kind Code defaults to the Kind
// string itself unless a more specific code is supplied.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Code)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

func newf(kind Kind, code, format string, args ...any) *Error {
	return &Error{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...)}
}

func Validation(format string, args ...any) *Error {
	return newf(KindValidation, "validation_error", format, args...)
}

func ValidationCode(code, format string, args ...any) *Error {
	return newf(KindValidation, code, format, args...)
}

func State(code, format string, args ...any) *Error {
	return newf(KindState, code, format, args...)
}

func Ownership(format string, args ...any) *Error {
	return newf(KindOwnership, "job_ownership_mismatch", format, args...)
}

func NotFound(code, format string, args ...any) *Error {
	return newf(KindNotFound, code, format, args...)
}

func Authentication(format string, args ...any) *Error {
	return newf(KindAuthentication, "worker_auth_failed", format, args...)
}

func Authorization(format string, args ...any) *Error {
	return newf(KindAuthorization, "authorization_error", format, args...)
}

func JobAuthorization(format string, args ...any) *Error {
	return newf(KindJobAuthz, "job_authorization_error", format, args...)
}

func Contract(code, format string, args ...any) *Error {
	return newf(KindContract, code, format, args...)
}

func Materialize(code, format string, args ...any) *Error {
	return newf(KindMaterialize, code, format, args...)
}

// Is reports whether err carries the given Kind, unwrapping as needed.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// CodeOf extracts the machine-readable code from err, or "" if err is not
// (or does not wrap) a *Error.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
