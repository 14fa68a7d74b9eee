package app

import (
	"io/fs"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/sisadmin/sisadmin/internal/auth"
	"github.com/sisadmin/sisadmin/internal/observability"
	"github.com/sisadmin/sisadmin/internal/platform/httpx"
	"github.com/sisadmin/sisadmin/internal/rbac"
	"github.com/sisadmin/sisadmin/internal/security"
	securityhttp "github.com/sisadmin/sisadmin/internal/security/http"
	"github.com/sisadmin/sisadmin/internal/shared"
	"github.com/sisadmin/sisadmin/internal/users"
	"github.com/sisadmin/sisadmin/internal/view"
	"github.com/sisadmin/sisadmin/jobs"
	"github.com/sisadmin/sisadmin/web"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger         *slog.Logger
	Config         *Config
	Templates      *view.Engine
	SessionManager *shared.SessionManager
	CSRFManager    *shared.CSRFManager
	Events         security.Recorder
	Authenticate   func(http.Handler) http.Handler
	RBACMiddleware rbac.Middleware

	AuthHandler        *auth.Handler
	UsersHandler       *users.Handler
	SecurityHandler    *securityhttp.Handler
	PermissionsHandler *rbac.PermissionsHandler
	JobHandler         *jobs.Handler
	Metrics            *observability.Metrics
	Blocklist          Blocklist
	// Ready reports whether backing stores answer; nil means always ready.
	Ready func(r *http.Request) error
}

// NewRouter constructs the chi.Router with sisadmin defaults.
func NewRouter(params RouterParams) http.Handler {
	logger := params.Logger
	if logger == nil {
		logger = slog.Default()
	}
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:         logger,
		Config:         params.Config,
		SessionManager: params.SessionManager,
		CSRFManager:    params.CSRFManager,
		Metrics:        params.Metrics,
		Events:         params.Events,
		Blocklist:      params.Blocklist,
		Authenticate:   params.Authenticate,
	}) {
		r.Use(mw)
	}

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		if params.Ready != nil {
			if err := params.Ready(req); err != nil {
				logger.Warn("readiness check failed", slog.Any("error", err))
				httpx.JSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
				return
			}
		}
		httpx.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}

	r.With(params.RBACMiddleware.RequireAuthenticated()).Get("/", func(w http.ResponseWriter, req *http.Request) {
		sess := shared.SessionFromContext(req.Context())
		var (
			csrfToken string
			flash     *shared.FlashMessage
		)
		if sess != nil {
			csrfToken, _ = params.CSRFManager.EnsureToken(req.Context(), sess)
			flash = sess.PopFlash()
		}
		user, _ := auth.UserFromContext(req.Context())
		data := view.TemplateData{
			Title:       "sisadmin",
			CSRFToken:   csrfToken,
			Flash:       flash,
			CurrentPath: req.URL.Path,
			CurrentUser: user,
		}
		if err := params.Templates.Render(w, "pages/home.html", data); err != nil {
			logger.Error("render home", slog.Any("error", err))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
	})

	if params.AuthHandler != nil {
		r.Route("/auth", params.AuthHandler.MountRoutes)
	}
	if params.UsersHandler != nil {
		r.Route("/users", params.UsersHandler.MountRoutes)
	}
	if params.PermissionsHandler != nil {
		r.Route("/permissions", params.PermissionsHandler.MountRoutes)
	}
	if params.SecurityHandler != nil {
		r.Route("/security", params.SecurityHandler.MountRoutes)
	}
	if params.JobHandler != nil {
		r.Route("/jobs", func(r chi.Router) {
			r.Use(params.RBACMiddleware.RequireTopTier())
			params.JobHandler.MountRoutes(r)
		})
	}

	staticFS, err := fs.Sub(web.Static, "static")
	if err != nil {
		logger.Error("create static sub filesystem", slog.Any("error", err))
	} else {
		fileServer := http.StripPrefix("/static/", http.FileServer(http.FS(staticFS)))
		r.Handle("/static/*", staticCacheHandler(fileServer))
	}

	return r
}

// staticCacheHandler wraps a file server with Cache-Control headers.
func staticCacheHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "public, max-age=3600")
		next.ServeHTTP(w, r)
	})
}
