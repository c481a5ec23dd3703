package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{ErrUnauthorized, http.StatusForbidden},
		{fmt.Errorf("lookup: %w", ErrPatientNotFound), http.StatusNotFound},
		{ErrConsentInvalid, http.StatusForbidden},
		{ErrInvalidTransition, http.StatusConflict},
		{fmt.Errorf("%w: deadline", ErrStoreTimeout), http.StatusGatewayTimeout},
		{ErrStoreUnavailable, http.StatusServiceUnavailable},
		{ErrInvalidInput, http.StatusBadRequest},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := Status(tt.err); got != tt.want {
			t.Errorf("Status(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestHTTPError_HidesInternalDetail(t *testing.T) {
	he := HTTPError(errors.New("pq: relation does not exist"))
	if he.Code != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", he.Code)
	}
	if he.Message != "internal server error" {
		t.Errorf("expected generic message, got %v", he.Message)
	}
	if he.Internal == nil {
		t.Error("expected internal error to be kept")
	}
}

func TestHTTPError_KnownError(t *testing.T) {
	he := HTTPError(fmt.Errorf("get: %w", ErrConsentNotFound))
	if he.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", he.Code)
	}
}
