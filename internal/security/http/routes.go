package securityhttp

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"

	"github.com/sisadmin/sisadmin/internal/rbac"
)

const actionRateLimit = 20
const actionRateWindow = time.Minute

// MountRoutes registers the security panel. Every route requires a top tier
// account; state-changing actions are additionally throttled per user.
func (h *Handler) MountRoutes(r chi.Router) {
	if h == nil {
		return
	}
	limiter := httprate.Limit(actionRateLimit, actionRateWindow,
		httprate.WithKeyFuncs(rateLimitKey),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
		}),
	)
	r.Group(func(gr chi.Router) {
		gr.Use(h.rbac.RequireTopTier())
		gr.Get("/", h.handleDashboard)
		gr.Get("/logs", h.handleLogs)
		gr.Get("/blocked-ips", h.handleBlockedIPs)
		gr.Get("/api/status", h.handleStatus)
		gr.Group(func(ar chi.Router) {
			ar.Use(limiter)
			ar.Post("/blocked-ips/block", h.handleBlock)
			ar.Post("/blocked-ips/unblock", h.handleUnblock)
			ar.Post("/force-logout", h.handleForceLogout)
			ar.Post("/cleanup-logs", h.handleCleanup)
		})
	})
}

func rateLimitKey(r *http.Request) (string, error) {
	if p, ok := rbac.PrincipalFromContext(r.Context()); ok {
		return "user:" + strconv.FormatInt(p.GetID(), 10), nil
	}
	key, err := httprate.KeyByIP(r)
	if err != nil {
		return "", err
	}
	return "ip:" + key, nil
}
