package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/sisadmin/sisadmin/internal/observability"
	"github.com/sisadmin/sisadmin/internal/rbac"
	"github.com/sisadmin/sisadmin/internal/security"
	"github.com/sisadmin/sisadmin/internal/shared"
)

// Login is the outcome of a successful AttemptLogin.
type Login struct {
	User *User
	// RememberToken is the raw remember-me secret, empty unless requested.
	RememberToken string
}

// ServiceConfig collects the collaborators of the auth façade.
type ServiceConfig struct {
	Repo     Repository
	Hasher   Hasher
	Limiter  *security.Limiter
	Guard    *SessionGuard
	Policy   *rbac.Policy
	Sessions *shared.SessionManager
	Events   security.Recorder
	Metrics  *observability.Metrics
	Logger   *slog.Logger
}

// Service is the single entry point for authentication decisions.
type Service struct {
	repo     Repository
	hasher   Hasher
	limiter  *security.Limiter
	guard    *SessionGuard
	policy   *rbac.Policy
	sessions *shared.SessionManager
	events   security.Recorder
	metrics  *observability.Metrics
	logger   *slog.Logger
	now      func() time.Time

	dummyOnce sync.Once
	dummyHash string
}

// NewService constructs a new Service.
func NewService(cfg ServiceConfig) *Service {
	if cfg.Policy == nil {
		cfg.Policy = rbac.DefaultPolicy()
	}
	if cfg.Events == nil {
		cfg.Events = security.Discard
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Service{
		repo:     cfg.Repo,
		hasher:   cfg.Hasher,
		limiter:  cfg.Limiter,
		guard:    cfg.Guard,
		policy:   cfg.Policy,
		sessions: cfg.Sessions,
		events:   cfg.Events,
		metrics:  cfg.Metrics,
		logger:   cfg.Logger,
		now:      time.Now,
	}
}

// SetClock replaces the time source used for login metadata.
func (s *Service) SetClock(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// AttemptLogin authenticates email/password for the client and, on success,
// binds sess to the user. Failures are reported as ErrInvalidCredentials
// whatever step rejected them; a refused admission yields ErrRateLimited and
// a backing store failure ErrUnavailable.
func (s *Service) AttemptLogin(ctx context.Context, sess *shared.Session, client Client, email, password string, remember bool) (*Login, error) {
	identifier := NormalizeEmail(email)

	allowed, err := s.limiter.Check(ctx, identifier, client.IP)
	if err != nil {
		return nil, s.unavailable("rate limiter check", err)
	}
	if !allowed {
		s.metrics.ObserveLogin(observability.LoginRateLimited)
		return nil, shared.ErrRateLimited
	}

	user, err := s.repo.FindByEmail(ctx, identifier)
	switch {
	case errors.Is(err, shared.ErrNotFound):
		// Keep the timing of unknown emails close to a wrong password.
		s.hasher.Verify(password, s.placeholderHash())
		return nil, s.fail(ctx, identifier, client, "unknown_email", nil)
	case err != nil:
		return nil, s.unavailable("credential lookup", err)
	}

	if !s.hasher.Verify(password, user.PasswordHash) {
		return nil, s.fail(ctx, identifier, client, "bad_password", &user.ID)
	}
	if !user.Authenticable() {
		return nil, s.fail(ctx, identifier, client, "inactive", &user.ID)
	}

	if err := s.limiter.Clear(ctx, identifier, client.IP); err != nil {
		s.logger.Warn("clear failed attempts", slog.String("ip", client.IP), slog.Any("error", err))
	}
	raw, err := s.guard.Establish(ctx, sess, user, client, remember)
	if err != nil {
		return nil, s.unavailable("establish session", err)
	}

	now := s.now()
	if err := s.repo.UpdateLoginSuccess(ctx, user.ID, now); err != nil {
		s.logger.Warn("record login metadata", slog.Int64("user_id", user.ID), slog.Any("error", err))
	} else {
		user.LastLoginAt = &now
		user.LoginCount++
	}
	s.upgradeHash(ctx, user, password)

	s.events.Record(ctx, security.Event{
		Type:      security.EventLoginSuccess,
		IP:        client.IP,
		UserAgent: client.UserAgent,
		UserID:    &user.ID,
		SessionID: sess.ID,
		Data:      map[string]any{"identifier": identifier, "remember": remember},
	})
	s.metrics.ObserveLogin(observability.LoginSuccess)
	return &Login{User: user, RememberToken: raw}, nil
}

func (s *Service) fail(ctx context.Context, identifier string, client Client, reason string, userID *int64) error {
	if err := s.limiter.RecordFailure(ctx, identifier, client.IP); err != nil {
		s.logger.Error("record failed attempt", slog.String("ip", client.IP), slog.Any("error", err))
	}
	s.events.Record(ctx, security.Event{
		Type:      security.EventLoginAttempt,
		IP:        client.IP,
		UserAgent: client.UserAgent,
		UserID:    userID,
		Data:      map[string]any{"identifier": identifier, "success": false, "reason": reason},
	})
	s.metrics.ObserveLogin(observability.LoginInvalid)
	return shared.ErrInvalidCredentials
}

func (s *Service) unavailable(op string, err error) error {
	s.logger.Error("auth backend failure", slog.String("op", op), slog.Any("error", err))
	s.metrics.ObserveLogin(observability.LoginUnavailable)
	return fmt.Errorf("%w: %s", shared.ErrUnavailable, op)
}

func (s *Service) upgradeHash(ctx context.Context, user *User, password string) {
	if !s.hasher.NeedsUpgrade(user.PasswordHash) {
		return
	}
	hash, err := s.hasher.Hash(password)
	if err != nil {
		s.logger.Warn("rehash password", slog.Int64("user_id", user.ID), slog.Any("error", err))
		return
	}
	if err := s.repo.UpdatePasswordHash(ctx, user.ID, hash); err != nil {
		s.logger.Warn("store upgraded password hash", slog.Int64("user_id", user.ID), slog.Any("error", err))
		return
	}
	user.PasswordHash = hash
}

func (s *Service) placeholderHash() string {
	s.dummyOnce.Do(func() {
		hash, err := s.hasher.Hash("placeholder-password")
		if err != nil {
			s.logger.Warn("prepare placeholder hash", slog.Any("error", err))
			return
		}
		s.dummyHash = hash
	})
	return s.dummyHash
}

// Logout ends the current session and revokes the remember-me token.
func (s *Service) Logout(ctx context.Context, sess *shared.Session, client Client) error {
	userID, _ := s.CurrentUserID(sess)
	if err := s.guard.Destroy(ctx, sess, userID); err != nil {
		return err
	}
	if userID != 0 {
		s.events.Record(ctx, security.Event{
			Type:      security.EventLogout,
			IP:        client.IP,
			UserAgent: client.UserAgent,
			UserID:    &userID,
		})
	}
	return nil
}

// CurrentUserID returns the user bound to sess.
func (s *Service) CurrentUserID(sess *shared.Session) (int64, bool) {
	if sess == nil || sess.Destroyed() || sess.User() == "" {
		return 0, false
	}
	id, err := strconv.ParseInt(sess.User(), 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// CurrentUser loads the user bound to sess. It returns nil without error for
// anonymous sessions and for accounts that may no longer sign in.
func (s *Service) CurrentUser(ctx context.Context, sess *shared.Session) (*User, error) {
	id, ok := s.CurrentUserID(sess)
	if !ok {
		return nil, nil
	}
	user, err := s.repo.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if !user.Authenticable() {
		return nil, nil
	}
	return user, nil
}

// Can reports whether the user bound to sess holds perm.
func (s *Service) Can(ctx context.Context, sess *shared.Session, perm string) bool {
	user, err := s.CurrentUser(ctx, sess)
	if err != nil {
		s.logger.Error("load current user", slog.Any("error", err))
		return false
	}
	if user == nil {
		return false
	}
	return s.policy.HasPermission(user.Level, perm)
}

// LogoutEverywhere revokes the user's remember-me token and drops every
// session bound to the user. When current belongs to the same user it is
// destroyed as well.
func (s *Service) LogoutEverywhere(ctx context.Context, userID int64, current *shared.Session) (int, error) {
	if err := s.repo.SetRememberTokenHash(ctx, userID, nil); err != nil {
		return 0, fmt.Errorf("auth: revoke remember token: %w", err)
	}
	n, err := s.sessions.DeleteForUser(ctx, strconv.FormatInt(userID, 10))
	if err != nil {
		return n, err
	}
	if id, ok := s.CurrentUserID(current); ok && id == userID {
		s.sessions.Destroy(current)
	}
	s.events.Record(ctx, security.Event{
		Type:   security.EventLogoutEverywhere,
		UserID: &userID,
		Data:   map[string]any{"sessions": n},
	})
	return n, nil
}
