package rbac

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/sisadmin/sisadmin/internal/shared"
	"github.com/sisadmin/sisadmin/internal/view"
)

// PermissionsHandler renders the static permission matrix.
type PermissionsHandler struct {
	logger    *slog.Logger
	policy    *Policy
	templates *view.Engine
	csrf      *shared.CSRFManager
	rbac      Middleware
}

// NewPermissionsHandler builds PermissionsHandler instance.
func NewPermissionsHandler(logger *slog.Logger, policy *Policy, templates *view.Engine, csrf *shared.CSRFManager, rbac Middleware) *PermissionsHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &PermissionsHandler{logger: logger, policy: policy, templates: templates, csrf: csrf, rbac: rbac}
}

// MountRoutes registers permission routes.
func (h *PermissionsHandler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAny(PermPermissionsView))
		r.Get("/", h.listPermissions)
	})
}

// MatrixRow is one level's line in the permission matrix.
type MatrixRow struct {
	Level          Level
	Administrative bool
	Granted        []bool
}

// Matrix builds the level × permission grid shown on the permissions page.
func (p *Policy) Matrix() ([]string, []MatrixRow) {
	perms := p.AllPermissions()
	rows := make([]MatrixRow, 0, len(levelOrder))
	for _, lvl := range levelOrder {
		granted := make([]bool, len(perms))
		for i, perm := range perms {
			granted[i] = p.HasPermission(lvl, perm)
		}
		rows = append(rows, MatrixRow{Level: lvl, Administrative: p.IsAdministrative(lvl), Granted: granted})
	}
	return perms, rows
}

func (h *PermissionsHandler) listPermissions(w http.ResponseWriter, r *http.Request) {
	perms, rows := h.policy.Matrix()
	sess := shared.SessionFromContext(r.Context())
	csrfToken, _ := h.csrf.EnsureToken(r.Context(), sess)
	var flash *shared.FlashMessage
	if sess != nil {
		flash = sess.PopFlash()
	}
	principal, _ := PrincipalFromContext(r.Context())
	viewData := view.TemplateData{
		Title:       "Permissions",
		CSRFToken:   csrfToken,
		Flash:       flash,
		CurrentPath: r.URL.Path,
		CurrentUser: principal,
		Data:        map[string]any{"Permissions": perms, "Rows": rows},
	}
	if err := h.templates.Render(w, "pages/permissions/list.html", viewData); err != nil {
		h.logger.Error("render permissions", slog.Any("error", err))
	}
}
