package auth

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/go-playground/validator/v10"

	"github.com/sisadmin/sisadmin/internal/platform/httpx"
	"github.com/sisadmin/sisadmin/internal/shared"
	"github.com/sisadmin/sisadmin/internal/view"
)

const invalidCredentialsMessage = "Invalid email or password"

// loginRequestLimit caps login POSTs per address per minute, independent of
// the failed-attempt limiter.
const loginRequestLimit = 30

// Handler wires HTTP endpoints for authentication flows.
type Handler struct {
	logger      *slog.Logger
	service     *Service
	templates   *view.Engine
	csrfManager *shared.CSRFManager
	remember    RememberCookie
	validator   *validator.Validate
}

// NewHandler constructs a Handler instance.
func NewHandler(logger *slog.Logger, service *Service, templates *view.Engine, csrf *shared.CSRFManager, remember RememberCookie) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		logger:      logger,
		service:     service,
		templates:   templates,
		csrfManager: csrf,
		remember:    remember,
		validator:   validator.New(),
	}
}

// MountRoutes registers auth routes on provided router.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/login", h.showLogin)
	r.With(httprate.LimitByIP(loginRequestLimit, time.Minute)).Post("/login", h.handleLogin)
	r.Post("/logout", h.handleLogout)
	r.Get("/status", h.handleStatus)
}

type loginForm struct {
	Email    string `validate:"required,email,max=255"`
	Password string `validate:"required,max=1024"`
	Remember bool
}

type loginPageData struct {
	Form   loginForm
	Errors map[string]string
}

func (h *Handler) showLogin(w http.ResponseWriter, r *http.Request) {
	if _, ok := UserFromContext(r.Context()); ok {
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return
	}
	h.renderLogin(w, r, http.StatusOK, loginPageData{})
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	sess := shared.SessionFromContext(r.Context())
	if sess == nil {
		h.logger.Error("session missing during login")
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	form := loginForm{
		Email:    strings.TrimSpace(r.PostFormValue("email")),
		Password: r.PostFormValue("password"),
		Remember: r.PostFormValue("remember") != "",
	}
	errs := make(map[string]string)
	if err := h.validator.Struct(form); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fieldErr := range verrs {
				errs[fieldErr.Field()] = fieldMessage(fieldErr)
			}
		}
		if httpx.WantsJSON(r) {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", invalidCredentialsMessage)
			return
		}
		h.renderLogin(w, r, http.StatusBadRequest, loginPageData{Form: loginForm{Email: form.Email}, Errors: errs})
		return
	}

	login, err := h.service.AttemptLogin(r.Context(), sess, shared.ClientFromRequest(r), form.Email, form.Password, form.Remember)
	if err != nil && httpx.WantsJSON(r) {
		httpx.RespondError(w, err)
		return
	}
	if err != nil {
		status := http.StatusBadRequest
		switch {
		case errors.Is(err, shared.ErrRateLimited):
			status = http.StatusTooManyRequests
		case errors.Is(err, shared.ErrUnavailable):
			status = http.StatusServiceUnavailable
		}
		errs["general"] = shared.UserSafeMessage(err)
		h.renderLogin(w, r, status, loginPageData{Form: loginForm{Email: form.Email}, Errors: errs})
		return
	}

	if login.RememberToken != "" {
		h.remember.Set(w, login.RememberToken)
	}
	if httpx.WantsJSON(r) {
		public := login.User.Public()
		httpx.JSON(w, http.StatusOK, statusResponse{Authenticated: true, User: &public})
		return
	}
	sess.AddFlash(shared.FlashMessage{Kind: "success", Message: "Welcome back, " + login.User.Name})
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	sess := shared.SessionFromContext(r.Context())
	if err := h.service.Logout(r.Context(), sess, shared.ClientFromRequest(r)); err != nil {
		h.logger.Warn("logout", slog.Any("error", err))
	}
	h.remember.Clear(w)
	http.Redirect(w, r, "/auth/login", http.StatusSeeOther)
}

type statusResponse struct {
	Authenticated bool        `json:"authenticated"`
	User          *PublicUser `json:"user,omitempty"`
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	user, ok := UserFromContext(r.Context())
	if !ok {
		httpx.JSON(w, http.StatusOK, statusResponse{})
		return
	}
	public := user.Public()
	httpx.JSON(w, http.StatusOK, statusResponse{Authenticated: true, User: &public})
}

func (h *Handler) renderLogin(w http.ResponseWriter, r *http.Request, status int, data loginPageData) {
	sess := shared.SessionFromContext(r.Context())
	var (
		csrfToken string
		flash     *shared.FlashMessage
	)
	if sess != nil {
		csrfToken, _ = h.csrfManager.EnsureToken(r.Context(), sess)
		flash = sess.PopFlash()
	}
	viewData := view.TemplateData{
		Title:       "Sign in",
		CSRFToken:   csrfToken,
		Flash:       flash,
		CurrentPath: r.URL.Path,
		Data:        data,
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := h.templates.Render(w, "pages/login.html", viewData); err != nil {
		h.logger.Error("render login", slog.Any("error", err))
	}
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "This field is required"
	case "email":
		return "Enter a valid email address"
	default:
		return invalidCredentialsMessage
	}
}
