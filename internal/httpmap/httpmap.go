// Package httpmap reduces the queueerr error taxonomy to the single
// {status, code, message} triple both the REST router and the MCP
// dispatcher surface to callers, so the two transports never drift on
// status-code assignment.
package httpmap

import (
	"errors"
	"net/http"

	"github.com/MoonLadderStudios/MoonMind-sub000/internal/queueerr"
)

// Map reduces err to an HTTP status plus the {code, message} error-envelope
// pair. Errors not produced by the queueerr constructors map to 500 with a
// generic code so an unexpected internal error never leaks its message.
func Map(err error) (status int, code, message string) {
	var qerr *queueerr.Error
	if !errors.As(err, &qerr) {
		return http.StatusInternalServerError, "internal_error", "an internal error occurred"
	}

	status = http.StatusInternalServerError
	switch qerr.Kind {
	case queueerr.KindValidation:
		status = http.StatusUnprocessableEntity
		if qerr.Code == "artifact_too_large" {
			status = http.StatusRequestEntityTooLarge
		}
	case queueerr.KindState, queueerr.KindOwnership:
		status = http.StatusConflict
	case queueerr.KindNotFound:
		status = http.StatusNotFound
	case queueerr.KindAuthentication:
		status = http.StatusUnauthorized
	case queueerr.KindAuthorization, queueerr.KindJobAuthz:
		status = http.StatusForbidden
	case queueerr.KindContract:
		status = http.StatusUnprocessableEntity
	case queueerr.KindMaterialize:
		status = http.StatusUnprocessableEntity
	}
	return status, qerr.Code, qerr.Message
}
