package users

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/sisadmin/sisadmin/internal/auth"
	"github.com/sisadmin/sisadmin/internal/rbac"
	"github.com/sisadmin/sisadmin/internal/security"
	"github.com/sisadmin/sisadmin/internal/shared"
	"github.com/sisadmin/sisadmin/internal/view"
)

// AdminService is the contract behind the user admin pages.
type AdminService interface {
	ListUsers(ctx context.Context) ([]auth.User, error)
	CreateUser(ctx context.Context, actor security.Actor, in CreateInput) (int64, error)
	ChangeStatus(ctx context.Context, actor security.Actor, id int64, status auth.Status, current *shared.Session) error
	LogoutEverywhere(ctx context.Context, actor security.Actor, id int64, current *shared.Session) (int, error)
}

// Handler manages user management endpoints.
type Handler struct {
	logger    *slog.Logger
	service   AdminService
	templates *view.Engine
	csrf      *shared.CSRFManager
	policy    *rbac.Policy
	rbac      rbac.Middleware
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service AdminService, templates *view.Engine, csrf *shared.CSRFManager, policy *rbac.Policy, rbacMW rbac.Middleware) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if policy == nil {
		policy = rbac.DefaultPolicy()
	}
	return &Handler{logger: logger, service: service, templates: templates, csrf: csrf, policy: policy, rbac: rbacMW}
}

// MountRoutes registers user routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAny(rbac.PermUsersView))
		r.Get("/", h.listUsers)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAny(rbac.PermUsersCreate))
		r.Get("/new", h.showCreateUserForm)
		r.Post("/", h.createUser)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAny(rbac.PermUsersEdit))
		r.Post("/{id}/status", h.changeStatus)
		r.Post("/{id}/logout-everywhere", h.logoutEverywhere)
	})
}

type formErrors map[string]string

type listPageData struct {
	Users     []auth.User
	CanCreate bool
	CanEdit   bool
	Errors    formErrors
}

type formPageData struct {
	Form   CreateInput
	Levels []rbac.Level
	Errors formErrors
}

func (h *Handler) listUsers(w http.ResponseWriter, r *http.Request) {
	data := listPageData{}
	if p, ok := rbac.PrincipalFromContext(r.Context()); ok {
		data.CanCreate = h.policy.HasPermission(p.GetLevel(), rbac.PermUsersCreate)
		data.CanEdit = h.policy.HasPermission(p.GetLevel(), rbac.PermUsersEdit)
	}
	users, err := h.service.ListUsers(r.Context())
	if err != nil {
		h.logger.Error("list users failed", slog.Any("error", err))
		data.Errors = formErrors{"general": shared.UserSafeMessage(err)}
		h.render(w, r, "pages/users/list.html", data, http.StatusInternalServerError)
		return
	}
	data.Users = users
	h.render(w, r, "pages/users/list.html", data, http.StatusOK)
}

func (h *Handler) showCreateUserForm(w http.ResponseWriter, r *http.Request) {
	h.render(w, r, "pages/users/form.html", formPageData{
		Form:   CreateInput{Level: string(rbac.LevelUser)},
		Levels: h.assignableLevels(r),
	}, http.StatusOK)
}

func (h *Handler) assignableLevels(r *http.Request) []rbac.Level {
	var level rbac.Level
	if p, ok := rbac.PrincipalFromContext(r.Context()); ok {
		level = p.GetLevel()
	}
	return AssignableLevels(h.policy, level)
}

func (h *Handler) createUser(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	in := CreateInput{
		Name:     r.PostFormValue("name"),
		Email:    r.PostFormValue("email"),
		Password: r.PostFormValue("password"),
		Level:    r.PostFormValue("level"),
	}
	_, err := h.service.CreateUser(r.Context(), actorFrom(r), in)
	if err != nil {
		in.Password = ""
		data := formPageData{Form: in, Levels: h.assignableLevels(r)}
		var verr *ValidationError
		switch {
		case errors.As(err, &verr):
			data.Errors = verr.Fields
		case errors.Is(err, shared.ErrForbidden):
			data.Errors = formErrors{"Level": "You cannot assign this access level"}
			h.render(w, r, "pages/users/form.html", data, http.StatusForbidden)
			return
		case errors.Is(err, shared.ErrDuplicateEmail):
			data.Errors = formErrors{"Email": shared.UserSafeMessage(err)}
		default:
			h.logger.Error("create user failed", slog.Any("error", err))
			data.Errors = formErrors{"general": shared.UserSafeMessage(err)}
			h.render(w, r, "pages/users/form.html", data, http.StatusInternalServerError)
			return
		}
		h.render(w, r, "pages/users/form.html", data, http.StatusUnprocessableEntity)
		return
	}
	h.redirectWithFlash(w, r, "/users", "success", "User created")
}

func (h *Handler) changeStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := h.userID(w, r)
	if !ok {
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	status := auth.Status(r.PostFormValue("status"))
	err := h.service.ChangeStatus(r.Context(), actorFrom(r), id, status, shared.SessionFromContext(r.Context()))
	switch {
	case err == nil:
		h.redirectWithFlash(w, r, "/users", "success", "Status updated")
	case errors.Is(err, ErrInvalidStatus), errors.Is(err, ErrSelfLockout):
		h.redirectWithFlash(w, r, "/users", "error", err.Error())
	case errors.Is(err, shared.ErrForbidden):
		http.Error(w, shared.UserSafeMessage(err), http.StatusForbidden)
	default:
		h.logger.Error("change user status failed", slog.Int64("user_id", id), slog.Any("error", err))
		h.redirectWithFlash(w, r, "/users", "error", shared.UserSafeMessage(err))
	}
}

func (h *Handler) logoutEverywhere(w http.ResponseWriter, r *http.Request) {
	id, ok := h.userID(w, r)
	if !ok {
		return
	}
	n, err := h.service.LogoutEverywhere(r.Context(), actorFrom(r), id, shared.SessionFromContext(r.Context()))
	if errors.Is(err, shared.ErrForbidden) {
		http.Error(w, shared.UserSafeMessage(err), http.StatusForbidden)
		return
	}
	if err != nil {
		h.logger.Error("logout everywhere failed", slog.Int64("user_id", id), slog.Any("error", err))
		h.redirectWithFlash(w, r, "/users", "error", shared.UserSafeMessage(err))
		return
	}
	if sess := shared.SessionFromContext(r.Context()); sess != nil && sess.Destroyed() {
		http.Redirect(w, r, "/auth/login", http.StatusSeeOther)
		return
	}
	h.redirectWithFlash(w, r, "/users", "success", strconv.Itoa(n)+" session(s) ended")
}

func (h *Handler) userID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		http.NotFound(w, r)
		return 0, false
	}
	return id, true
}

func (h *Handler) render(w http.ResponseWriter, r *http.Request, template string, data any, status int) {
	sess := shared.SessionFromContext(r.Context())
	var (
		csrfToken string
		flash     *shared.FlashMessage
	)
	if sess != nil {
		csrfToken, _ = h.csrf.EnsureToken(r.Context(), sess)
		flash = sess.PopFlash()
	}
	principal, _ := rbac.PrincipalFromContext(r.Context())
	viewData := view.TemplateData{Title: "Users", CSRFToken: csrfToken, Flash: flash, CurrentPath: r.URL.Path, CurrentUser: principal, Data: data}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := h.templates.Render(w, template, viewData); err != nil {
		h.logger.Error("render template", slog.Any("error", err))
	}
}

func (h *Handler) redirectWithFlash(w http.ResponseWriter, r *http.Request, location, kind, message string) {
	if sess := shared.SessionFromContext(r.Context()); sess != nil {
		sess.AddFlash(shared.FlashMessage{Kind: kind, Message: message})
	}
	http.Redirect(w, r, location, http.StatusSeeOther)
}

func actorFrom(r *http.Request) security.Actor {
	client := shared.ClientFromRequest(r)
	actor := security.Actor{IP: client.IP, UserAgent: client.UserAgent}
	if p, ok := rbac.PrincipalFromContext(r.Context()); ok {
		actor.UserID = p.GetID()
		actor.Level = p.GetLevel()
	}
	return actor
}
