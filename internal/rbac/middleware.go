package rbac

import (
	"log/slog"
	"net/http"
)

// Middleware wires RBAC authorization helpers for HTTP handlers.
type Middleware struct {
	Policy *Policy
	Logger *slog.Logger
	// LoginPath, when set, receives anonymous GET requests instead of a 401.
	LoginPath string
}

// RequireAny ensures the current user has at least one of the required permissions.
func (m Middleware) RequireAny(perms ...string) func(http.Handler) http.Handler {
	normalized := normalizePermissions(perms)
	return m.require("require any", func(level Level) bool {
		return len(normalized) == 0 || m.policy().HasAny(level, normalized...)
	})
}

// RequireAll ensures the current user has all required permissions.
func (m Middleware) RequireAll(perms ...string) func(http.Handler) http.Handler {
	normalized := normalizePermissions(perms)
	return m.require("require all", func(level Level) bool {
		return m.policy().HasAll(level, normalized...)
	})
}

// RequireTopTier restricts a route group to master and admin accounts.
func (m Middleware) RequireTopTier() func(http.Handler) http.Handler {
	return m.require("require top tier", m.policy().IsTopTier)
}

// RequireAuthenticated only checks that a principal is present.
func (m Middleware) RequireAuthenticated() func(http.Handler) http.Handler {
	return m.require("require authenticated", func(Level) bool { return true })
}

func (m Middleware) require(name string, allowed func(Level) bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, ok := PrincipalFromContext(r.Context())
			if !ok {
				m.denyAnonymous(w, r)
				return
			}
			if allowed(principal.GetLevel()) {
				next.ServeHTTP(w, r)
				return
			}
			if m.Logger != nil {
				m.Logger.Warn("rbac denied",
					slog.String("check", name),
					slog.Int64("user_id", principal.GetID()),
					slog.String("level", principal.GetLevel().String()),
					slog.String("path", r.URL.Path))
			}
			http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		})
	}
}

func (m Middleware) denyAnonymous(w http.ResponseWriter, r *http.Request) {
	if m.LoginPath != "" && (r.Method == http.MethodGet || r.Method == http.MethodHead) {
		http.Redirect(w, r, m.LoginPath, http.StatusSeeOther)
		return
	}
	http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
}

func (m Middleware) policy() *Policy {
	if m.Policy == nil {
		return DefaultPolicy()
	}
	return m.Policy
}
