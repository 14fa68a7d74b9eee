package auth

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/sisadmin/sisadmin/internal/rbac"
	"github.com/sisadmin/sisadmin/internal/shared"
)

// RememberCookie describes the remember-me cookie.
type RememberCookie struct {
	Name string
	TTL  time.Duration
}

// Set issues the cookie carrying raw.
func (c RememberCookie) Set(w http.ResponseWriter, raw string) {
	http.SetCookie(w, &http.Cookie{
		Name:     c.Name,
		Value:    raw,
		Path:     "/",
		MaxAge:   int(c.TTL.Seconds()),
		Expires:  time.Now().Add(c.TTL),
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteStrictMode,
	})
}

// Clear expires the cookie on the client.
func (c RememberCookie) Clear(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     c.Name,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteStrictMode,
	})
}

// Read returns the raw token presented by the client.
func (c RememberCookie) Read(r *http.Request) string {
	cookie, err := r.Cookie(c.Name)
	if err != nil {
		return ""
	}
	return cookie.Value
}

type userContextKey struct{}

// WithUser stores the authenticated user in context.
func WithUser(ctx context.Context, u *User) context.Context {
	return context.WithValue(ctx, userContextKey{}, u)
}

// UserFromContext returns the authenticated user, if any.
func UserFromContext(ctx context.Context) (*User, bool) {
	u, ok := ctx.Value(userContextKey{}).(*User)
	return u, ok && u != nil
}

// Authenticate validates the request session, falls back to the remember-me
// cookie and exposes the user to downstream handlers. It must run after the
// session has been loaded into the request context.
func (s *Service) Authenticate(cookie RememberCookie) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			sess := shared.SessionFromContext(ctx)
			if sess == nil {
				next.ServeHTTP(w, r)
				return
			}
			client := shared.ClientFromRequest(r)

			userID, ok := s.guard.Validate(ctx, sess, client)
			if !ok {
				userID, ok = s.resume(ctx, w, r, sess, client, cookie)
			}
			if !ok && sess.Destroyed() {
				s.sessions.Reset(sess)
			}

			if ok {
				user, err := s.repo.FindByID(ctx, userID)
				switch {
				case err != nil && !errors.Is(err, shared.ErrNotFound):
					s.logger.Error("load session user", slog.Int64("user_id", userID), slog.Any("error", err))
				case err != nil || !user.Authenticable():
					if err := s.guard.Destroy(ctx, sess, userID); err != nil {
						s.logger.Warn("revoke remember token", slog.Int64("user_id", userID), slog.Any("error", err))
					}
					s.metrics.ObserveSessionInvalidated(InvalidatedInactive)
					s.sessions.Reset(sess)
					cookie.Clear(w)
				default:
					ctx = WithUser(ctx, user)
					ctx = rbac.WithPrincipal(ctx, user)
				}
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func (s *Service) resume(ctx context.Context, w http.ResponseWriter, r *http.Request, sess *shared.Session, client Client, cookie RememberCookie) (int64, bool) {
	raw := cookie.Read(r)
	if raw == "" {
		return 0, false
	}
	userID, fresh, ok, err := s.guard.Resume(ctx, sess, client, raw)
	if err != nil {
		s.logger.Error("resume remembered session", slog.Any("error", err))
		return 0, false
	}
	if !ok {
		cookie.Clear(w)
		return 0, false
	}
	cookie.Set(w, fresh)
	s.logger.Info("session resumed from remember token", slog.Int64("user_id", userID), slog.String("ip", client.IP))
	return userID, true
}
