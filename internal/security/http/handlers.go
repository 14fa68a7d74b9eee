package securityhttp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"golang.org/x/sync/errgroup"

	"github.com/sisadmin/sisadmin/internal/platform/httpx"
	"github.com/sisadmin/sisadmin/internal/rbac"
	"github.com/sisadmin/sisadmin/internal/security"
	"github.com/sisadmin/sisadmin/internal/shared"
	"github.com/sisadmin/sisadmin/internal/view"
)

const dashboardPeriod = 24 * time.Hour

// PanelService is the business contract behind the security panel.
type PanelService interface {
	Analyze(ctx context.Context, period time.Duration) (security.Analysis, error)
	Status(ctx context.Context) (security.Status, error)
	Logs(ctx context.Context, page int, filter string) (security.LogPage, error)
	BlockedIPs(ctx context.Context) ([]security.BlockedIP, error)
	BlockIP(ctx context.Context, actor security.Actor, ip string, d time.Duration) error
	UnblockIP(ctx context.Context, actor security.Actor, ip string) error
	ForceLogoutAll(ctx context.Context, actor security.Actor) (int, error)
	CleanupLogs(ctx context.Context, actor security.Actor) (int64, error)
}

// Handler serves the security panel.
type Handler struct {
	logger    *slog.Logger
	service   PanelService
	templates *view.Engine
	csrf      *shared.CSRFManager
	rbac      rbac.Middleware
	validator *validator.Validate
}

// NewHandler builds the security panel handler.
func NewHandler(logger *slog.Logger, service PanelService, templates *view.Engine, csrf *shared.CSRFManager, rbacMW rbac.Middleware) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		logger:    logger,
		service:   service,
		templates: templates,
		csrf:      csrf,
		rbac:      rbacMW,
		validator: validator.New(),
	}
}

type dashboardData struct {
	Analysis security.Analysis
	Blocked  []security.BlockedIP
}

func (h *Handler) handleDashboard(w http.ResponseWriter, r *http.Request) {
	var data dashboardData
	g, ctx := errgroup.WithContext(r.Context())
	g.Go(func() error {
		analysis, err := h.service.Analyze(ctx, dashboardPeriod)
		if err != nil {
			return fmt.Errorf("analyze: %w", err)
		}
		data.Analysis = analysis
		return nil
	})
	g.Go(func() error {
		blocked, err := h.service.BlockedIPs(ctx)
		if err != nil {
			return fmt.Errorf("blocked ips: %w", err)
		}
		data.Blocked = blocked
		return nil
	})
	if err := g.Wait(); err != nil {
		h.handleServerError(w, "load security dashboard", err)
		return
	}
	h.render(w, r, "Security", "pages/security/dashboard.html", data)
}

func (h *Handler) handleLogs(w http.ResponseWriter, r *http.Request) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	filter := strings.TrimSpace(r.URL.Query().Get("filter"))
	logs, err := h.service.Logs(r.Context(), page, filter)
	if err != nil {
		h.handleServerError(w, "load security logs", err)
		return
	}
	h.render(w, r, "Security events", "pages/security/logs.html", logs)
}

type blockedPageData struct {
	Blocked []security.BlockedIP
	Errors  map[string]string
}

func (h *Handler) handleBlockedIPs(w http.ResponseWriter, r *http.Request) {
	blocked, err := h.service.BlockedIPs(r.Context())
	if err != nil {
		h.handleServerError(w, "load blocked ips", err)
		return
	}
	h.render(w, r, "Blocked IPs", "pages/security/blocked_ips.html", blockedPageData{Blocked: blocked})
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.service.Status(r.Context())
	if err != nil {
		h.logger.Error("security status", slog.Any("error", err))
		httpx.Problem(w, http.StatusServiceUnavailable, "Unavailable", "security status could not be computed")
		return
	}
	httpx.JSON(w, http.StatusOK, status)
}

type blockForm struct {
	IP      string `validate:"required,ip"`
	Minutes int    `validate:"min=1,max=43200"`
}

func (h *Handler) handleBlock(w http.ResponseWriter, r *http.Request) {
	if !h.parseForm(w, r) {
		return
	}
	minutes, _ := strconv.Atoi(r.PostFormValue("minutes"))
	form := blockForm{IP: strings.TrimSpace(r.PostFormValue("ip")), Minutes: minutes}
	if err := h.validator.Struct(form); err != nil {
		h.redirectWithFlash(w, r, "/security/blocked-ips", "error", "Enter a valid IP address and a duration between 1 minute and 30 days.")
		return
	}
	if err := h.service.BlockIP(r.Context(), actorFrom(r), form.IP, time.Duration(form.Minutes)*time.Minute); err != nil {
		h.actionError(w, r, "/security/blocked-ips", "block ip", err)
		return
	}
	h.redirectWithFlash(w, r, "/security/blocked-ips", "success", "IP "+form.IP+" blocked.")
}

type unblockForm struct {
	IP string `validate:"required,ip"`
}

func (h *Handler) handleUnblock(w http.ResponseWriter, r *http.Request) {
	if !h.parseForm(w, r) {
		return
	}
	form := unblockForm{IP: strings.TrimSpace(r.PostFormValue("ip"))}
	if err := h.validator.Struct(form); err != nil {
		h.redirectWithFlash(w, r, "/security/blocked-ips", "error", "Invalid IP address.")
		return
	}
	if err := h.service.UnblockIP(r.Context(), actorFrom(r), form.IP); err != nil {
		h.actionError(w, r, "/security/blocked-ips", "unblock ip", err)
		return
	}
	h.redirectWithFlash(w, r, "/security/blocked-ips", "success", "IP "+form.IP+" unblocked.")
}

func (h *Handler) handleForceLogout(w http.ResponseWriter, r *http.Request) {
	if !h.parseForm(w, r) {
		return
	}
	n, err := h.service.ForceLogoutAll(r.Context(), actorFrom(r))
	if err != nil {
		h.actionError(w, r, "/security", "force logout", err)
		return
	}
	h.logger.Warn("all sessions dropped", slog.Int("sessions", n))
	if sess := shared.SessionFromContext(r.Context()); sess != nil {
		sess.Destroy()
	}
	http.Redirect(w, r, "/auth/login", http.StatusSeeOther)
}

func (h *Handler) handleCleanup(w http.ResponseWriter, r *http.Request) {
	if !h.parseForm(w, r) {
		return
	}
	n, err := h.service.CleanupLogs(r.Context(), actorFrom(r))
	if err != nil {
		h.actionError(w, r, "/security", "cleanup logs", err)
		return
	}
	h.redirectWithFlash(w, r, "/security", "success", fmt.Sprintf("%d old events removed.", n))
}

func (h *Handler) parseForm(w http.ResponseWriter, r *http.Request) bool {
	if err := r.ParseForm(); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return false
	}
	return true
}

func (h *Handler) actionError(w http.ResponseWriter, r *http.Request, back, op string, err error) {
	if errors.Is(err, security.ErrInvalidIP) {
		h.redirectWithFlash(w, r, back, "error", "Invalid IP address.")
		return
	}
	h.logger.Error(op, slog.Any("error", err))
	h.redirectWithFlash(w, r, back, "error", shared.UserSafeMessage(err))
}

func (h *Handler) redirectWithFlash(w http.ResponseWriter, r *http.Request, to, kind, msg string) {
	if sess := shared.SessionFromContext(r.Context()); sess != nil {
		sess.AddFlash(shared.FlashMessage{Kind: kind, Message: msg})
	}
	http.Redirect(w, r, to, http.StatusSeeOther)
}

func (h *Handler) render(w http.ResponseWriter, r *http.Request, title, page string, data any) {
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
	viewData := view.TemplateData{
		Title:       title,
		CSRFToken:   csrfToken,
		Flash:       flash,
		CurrentPath: r.URL.Path,
		CurrentUser: principal,
		Data:        data,
	}
	if err := h.templates.Render(w, page, viewData); err != nil {
		h.logger.Error("render "+page, slog.Any("error", err))
	}
}

func (h *Handler) handleServerError(w http.ResponseWriter, msg string, err error) {
	h.logger.Error(msg, slog.Any("error", err))
	http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
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
