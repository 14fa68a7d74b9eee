// Package httpx provides HTTP response utilities.
package httpx

import (
	"errors"
	"net/http"
	"strings"

	"github.com/sisadmin/sisadmin/internal/shared"
)

// RespondError maps domain errors to RFC7807 responses. Details come from
// shared.UserSafeMessage so storage errors never leak.
func RespondError(w http.ResponseWriter, err error) {
	msg := shared.UserSafeMessage(err)
	switch {
	case errors.Is(err, shared.ErrRateLimited):
		Problem(w, http.StatusTooManyRequests, "Too Many Requests", msg)
	case errors.Is(err, shared.ErrUnavailable):
		Problem(w, http.StatusServiceUnavailable, "Unavailable", msg)
	case errors.Is(err, shared.ErrInvalidCredentials):
		Problem(w, http.StatusUnauthorized, "Unauthorized", msg)
	case errors.Is(err, shared.ErrNotFound):
		Problem(w, http.StatusNotFound, "Not Found", msg)
	case errors.Is(err, shared.ErrDuplicateEmail):
		Problem(w, http.StatusConflict, "Duplicate", msg)
	case errors.Is(err, shared.ErrForbidden):
		Problem(w, http.StatusForbidden, "Forbidden", msg)
	case errors.Is(err, shared.ErrCSRFTokenMissing), errors.Is(err, shared.ErrCSRFTokenMismatch), errors.Is(err, shared.ErrCSRFTokenExpired):
		Problem(w, http.StatusForbidden, "Forbidden", msg)
	default:
		Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}

// WantsJSON reports whether the client asked for a JSON response.
func WantsJSON(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "application/json")
}
