package app

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/unrolled/secure"

	"github.com/sisadmin/sisadmin/internal/observability"
	"github.com/sisadmin/sisadmin/internal/platform/httpx"
	"github.com/sisadmin/sisadmin/internal/security"
	"github.com/sisadmin/sisadmin/internal/shared"
)

const blockedMessage = "Access from your address is temporarily blocked."

// Blocklist reports addresses refused on every route. *security.Limiter
// satisfies it.
type Blocklist interface {
	IsIPBlocked(ctx context.Context, ip string) bool
}

// MiddlewareConfig aggregates dependencies shared by the middleware stack.
type MiddlewareConfig struct {
	Logger         *slog.Logger
	Config         *Config
	SessionManager *shared.SessionManager
	CSRFManager    *shared.CSRFManager
	Metrics        *observability.Metrics
	// Events receives CSRF violations and blocked-address requests.
	Events    security.Recorder
	Blocklist Blocklist
	// Authenticate resolves the signed-in user; it runs after CSRF checks.
	Authenticate func(http.Handler) http.Handler
}

// MiddlewareStack installs the sisadmin middleware chain.
func MiddlewareStack(cfg MiddlewareConfig) []func(http.Handler) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	events := cfg.Events
	if events == nil {
		events = security.Discard
	}
	production := cfg.Config != nil && cfg.Config.IsProduction()

	secureOpts := secure.Options{
		FrameDeny:             true,
		ContentTypeNosniff:    true,
		BrowserXssFilter:      true,
		ReferrerPolicy:        "strict-origin-when-cross-origin",
		PermissionsPolicy:     "geolocation=(), microphone=(), camera=()",
		ContentSecurityPolicy: "default-src 'self'; frame-ancestors 'none'",
		SSLRedirect:           production,
		SSLProxyHeaders:       map[string]string{"X-Forwarded-Proto": "https"},
		IsDevelopment:         !production,
	}
	if production {
		secureOpts.STSSeconds = 31536000
		secureOpts.STSIncludeSubdomains = true
	}
	secureMiddleware := secure.New(secureOpts)

	blockMiddleware := func(next http.Handler) http.Handler {
		if cfg.Blocklist == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			client := shared.ClientFromRequest(r)
			if !cfg.Blocklist.IsIPBlocked(r.Context(), client.IP) {
				next.ServeHTTP(w, r)
				return
			}
			logger.Warn("request from blocked ip", slog.String("ip", client.IP), slog.String("path", r.URL.Path))
			events.Record(r.Context(), security.Event{
				Type:      security.EventBlockedIPAttempt,
				IP:        client.IP,
				UserAgent: client.UserAgent,
				Data:      map[string]any{"path": r.URL.Path, "method": r.Method},
			})
			if httpx.WantsJSON(r) {
				httpx.Problem(w, http.StatusForbidden, "Forbidden", blockedMessage)
				return
			}
			http.Error(w, blockedMessage, http.StatusForbidden)
		})
	}

	csrfMiddleware := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodGet || r.Method == http.MethodHead || r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}
			sess := shared.SessionFromContext(r.Context())
			if sess == nil {
				http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
				return
			}
			token := r.PostFormValue(shared.CSRFFormField)
			if token == "" {
				token = r.Header.Get(shared.CSRFHeader)
			}
			if err := cfg.CSRFManager.VerifyToken(r.Context(), sess, token); err != nil {
				client := shared.ClientFromRequest(r)
				logger.Warn("csrf validation failed", slog.String("path", r.URL.Path), slog.String("ip", client.IP))
				events.Record(r.Context(), security.Event{
					Type:      security.EventCSRFViolation,
					IP:        client.IP,
					UserAgent: client.UserAgent,
					SessionID: sess.ID,
					Data:      map[string]any{"path": r.URL.Path, "method": r.Method, "reason": err.Error()},
				})
				http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}

	timeout := 30 * time.Second
	if cfg.Config != nil && cfg.Config.AppRequestTimeout > 0 {
		timeout = cfg.Config.AppRequestTimeout
	}
	rateLimit, rateWindow := 100, 5*time.Minute
	if cfg.Config != nil && cfg.Config.GlobalRateLimit > 0 && cfg.Config.GlobalRateWindow > 0 {
		rateLimit, rateWindow = cfg.Config.GlobalRateLimit, cfg.Config.GlobalRateWindow
	}

	middlewares := []func(http.Handler) http.Handler{
		middleware.RealIP,
		middleware.RequestID,
		middleware.Logger,
		middleware.Recoverer,
		middleware.Timeout(timeout),
		func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if err := secureMiddleware.Process(w, r); err != nil {
					logger.Warn("secure headers blocked request", slog.Any("error", err))
					return
				}
				next.ServeHTTP(w, r)
			})
		},
		blockMiddleware,
		httprate.Limit(rateLimit, rateWindow, httprate.WithKeyFuncs(httprate.KeyByIP)),
		cfg.SessionManager.Middleware(logger),
		middleware.Compress(5),
		csrfMiddleware,
	}
	if cfg.Authenticate != nil {
		middlewares = append(middlewares, cfg.Authenticate)
	}
	if cfg.Metrics != nil {
		middlewares = append(middlewares, func(next http.Handler) http.Handler {
			return cfg.Metrics.Middleware(next)
		})
	}
	return middlewares
}
