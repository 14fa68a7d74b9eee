package shared

import "errors"

var (
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrInvalidCredentials indicates login failure.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrRateLimited indicates too many failed attempts or a blocked client.
	ErrRateLimited = errors.New("too many attempts")
	// ErrUnavailable indicates a backing store failed during an auth decision.
	ErrUnavailable = errors.New("authentication unavailable")
	// ErrTokenMismatch occurs when a remember token was already rotated.
	ErrTokenMismatch = errors.New("remember token mismatch")
	// ErrDuplicateEmail occurs when an active account already owns the email.
	ErrDuplicateEmail = errors.New("email already registered")
	// ErrForbidden indicates the actor may not act on the target.
	ErrForbidden = errors.New("forbidden")
	// ErrCSRFTokenMissing occurs when CSRF token missing.
	ErrCSRFTokenMissing = errors.New("csrf token missing")
	// ErrCSRFTokenMismatch occurs when CSRF tokens do not match.
	ErrCSRFTokenMismatch = errors.New("csrf token mismatch")
	// ErrCSRFTokenExpired occurs when the session token outlived its lifetime.
	ErrCSRFTokenExpired = errors.New("csrf token expired")
)

// UserSafeMessage maps internal errors to messages that may be shown in a page.
func UserSafeMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrRateLimited):
		return "Too many attempts. Try again later."
	case errors.Is(err, ErrInvalidCredentials), errors.Is(err, ErrUnavailable):
		return "Invalid email or password"
	case errors.Is(err, ErrNotFound):
		return "Record not found"
	case errors.Is(err, ErrDuplicateEmail):
		return "Email already registered"
	case errors.Is(err, ErrForbidden):
		return "You are not allowed to manage this account"
	case errors.Is(err, ErrCSRFTokenMissing), errors.Is(err, ErrCSRFTokenMismatch), errors.Is(err, ErrCSRFTokenExpired):
		return "Security token invalid, reload the page"
	default:
		return "Unexpected error, please try again"
	}
}
