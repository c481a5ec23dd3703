// Package apperr holds the error values shared by the domain services and
// their translation to HTTP responses.
package apperr

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
)

var (
	ErrUnauthorized         = errors.New("actor is not authorized for this operation")
	ErrPatientNotFound      = errors.New("patient not found")
	ErrFacilityNotFound     = errors.New("facility not found")
	ErrRegistrationNotFound = errors.New("facility registration not found")
	ErrConsentNotFound      = errors.New("consent record not found")
	ErrConsentInvalid       = errors.New("consent is not valid for this access")
	ErrInvalidTransition    = errors.New("invalid consent state transition")
	ErrInvalidInput         = errors.New("invalid input")

	// ErrDuplicateIdentity and ErrConflict are resolved inside the services
	// and should not normally reach a caller.
	ErrDuplicateIdentity = errors.New("identity already registered")
	ErrConflict          = errors.New("concurrent modification")

	ErrStoreTimeout     = errors.New("store operation timed out")
	ErrStoreUnavailable = errors.New("store unavailable")
)

var statusByErr = []struct {
	err    error
	status int
}{
	{ErrUnauthorized, http.StatusForbidden},
	{ErrPatientNotFound, http.StatusNotFound},
	{ErrFacilityNotFound, http.StatusNotFound},
	{ErrRegistrationNotFound, http.StatusNotFound},
	{ErrConsentNotFound, http.StatusNotFound},
	{ErrConsentInvalid, http.StatusForbidden},
	{ErrInvalidTransition, http.StatusConflict},
	{ErrConflict, http.StatusConflict},
	{ErrDuplicateIdentity, http.StatusConflict},
	{ErrInvalidInput, http.StatusBadRequest},
	{ErrStoreTimeout, http.StatusGatewayTimeout},
	{ErrStoreUnavailable, http.StatusServiceUnavailable},
}

// Status returns the HTTP status for err, defaulting to 500.
func Status(err error) int {
	for _, m := range statusByErr {
		if errors.Is(err, m.err) {
			return m.status
		}
	}
	return http.StatusInternalServerError
}

// HTTPError converts err into an echo error. Internal failures get a generic
// message so store details do not leak to clients.
func HTTPError(err error) *echo.HTTPError {
	status := Status(err)
	if status == http.StatusInternalServerError {
		return echo.NewHTTPError(status, "internal server error").SetInternal(err)
	}
	return echo.NewHTTPError(status, err.Error()).SetInternal(err)
}
