package users

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/sisadmin/sisadmin/internal/auth"
	"github.com/sisadmin/sisadmin/internal/rbac"
	"github.com/sisadmin/sisadmin/internal/security"
	"github.com/sisadmin/sisadmin/internal/shared"
)

// RepositoryPort defines data access methods for users.
type RepositoryPort interface {
	ListUsers(ctx context.Context) ([]auth.User, error)
	GetUser(ctx context.Context, id int64) (*auth.User, error)
	CreateUser(ctx context.Context, u auth.User) (int64, error)
	SetStatus(ctx context.Context, id int64, status auth.Status) (auth.Status, error)
}

// SessionRevoker ends every session of a user.
type SessionRevoker interface {
	LogoutEverywhere(ctx context.Context, userID int64, current *shared.Session) (int, error)
}

// Service handles user business logic.
type Service struct {
	repo      RepositoryPort
	hasher    auth.Hasher
	rules     security.PasswordRules
	policy    *rbac.Policy
	sessions  SessionRevoker
	logger    *slog.Logger
	validator *validator.Validate
}

// NewService builds Service instance. A nil policy means rbac.DefaultPolicy.
func NewService(repo RepositoryPort, hasher auth.Hasher, rules security.PasswordRules, policy *rbac.Policy, sessions SessionRevoker, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if policy == nil {
		policy = rbac.DefaultPolicy()
	}
	return &Service{repo: repo, hasher: hasher, rules: rules, policy: policy, sessions: sessions, logger: logger, validator: validator.New()}
}

// AssignableLevels filters rbac.Levels for an actor at level. Only the top
// tier hands out top-tier levels.
func AssignableLevels(policy *rbac.Policy, level rbac.Level) []rbac.Level {
	var out []rbac.Level
	for _, l := range rbac.Levels() {
		if canManage(policy, level, l) {
			out = append(out, l)
		}
	}
	return out
}

func canManage(policy *rbac.Policy, actor, target rbac.Level) bool {
	return !policy.IsTopTier(target) || policy.IsTopTier(actor)
}

// authorizeTarget loads the account and checks actor may manage it.
func (s *Service) authorizeTarget(ctx context.Context, actor security.Actor, id int64) error {
	target, err := s.repo.GetUser(ctx, id)
	if err != nil {
		return err
	}
	if !canManage(s.policy, actor.Level, target.Level) {
		s.logger.Warn("user admin action denied",
			slog.Int64("user_id", id),
			slog.String("target_level", target.Level.String()),
			slog.Int64("actor_id", actor.UserID),
			slog.String("actor_level", actor.Level.String()))
		return shared.ErrForbidden
	}
	return nil
}

// ListUsers returns all users.
func (s *Service) ListUsers(ctx context.Context) ([]auth.User, error) {
	return s.repo.ListUsers(ctx)
}

// CreateUser validates in, hashes the password and stores an active account.
func (s *Service) CreateUser(ctx context.Context, actor security.Actor, in CreateInput) (int64, error) {
	in.Name = strings.TrimSpace(in.Name)
	in.Email = strings.TrimSpace(in.Email)

	fields := make(map[string]string)
	if err := s.validator.Struct(in); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return 0, err
		}
		for _, fe := range verrs {
			fields[fe.Field()] = fieldMessage(fe)
		}
	}
	level, ok := rbac.ParseLevel(in.Level)
	if !ok {
		fields["Level"] = "Unknown access level"
	}
	if _, bad := fields["Password"]; !bad {
		if report := s.rules.Check(in.Password); !report.Valid {
			fields["Password"] = "Password " + strings.Join(report.Problems, ", ")
		}
	}
	if len(fields) > 0 {
		return 0, &ValidationError{Fields: fields}
	}
	if !canManage(s.policy, actor.Level, level) {
		return 0, shared.ErrForbidden
	}

	hash, err := s.hasher.Hash(in.Password)
	if err != nil {
		return 0, err
	}
	id, err := s.repo.CreateUser(ctx, auth.User{
		Email:        in.Email,
		Name:         in.Name,
		PasswordHash: hash,
		Level:        level,
		Status:       auth.StatusActive,
	})
	if err != nil {
		return 0, err
	}
	s.logger.Info("user created",
		slog.Int64("user_id", id),
		slog.String("level", level.String()),
		slog.Int64("actor_id", actor.UserID))
	return id, nil
}

// ChangeStatus moves the account to status. Any state other than active
// ends the user's sessions.
func (s *Service) ChangeStatus(ctx context.Context, actor security.Actor, id int64, status auth.Status, current *shared.Session) error {
	if !status.Valid() || status == auth.StatusDeleted {
		return ErrInvalidStatus
	}
	if id == actor.UserID && status != auth.StatusActive {
		return ErrSelfLockout
	}
	if err := s.authorizeTarget(ctx, actor, id); err != nil {
		return err
	}
	previous, err := s.repo.SetStatus(ctx, id, status)
	if err != nil {
		return err
	}
	s.logger.Info("user status changed",
		slog.Int64("user_id", id),
		slog.String("from", string(previous)),
		slog.String("to", string(status)),
		slog.Int64("actor_id", actor.UserID))
	if status == auth.StatusActive {
		return nil
	}
	_, err = s.sessions.LogoutEverywhere(ctx, id, current)
	return err
}

// LogoutEverywhere ends every session of the user.
func (s *Service) LogoutEverywhere(ctx context.Context, actor security.Actor, id int64, current *shared.Session) (int, error) {
	if err := s.authorizeTarget(ctx, actor, id); err != nil {
		return 0, err
	}
	n, err := s.sessions.LogoutEverywhere(ctx, id, current)
	if err != nil {
		return n, err
	}
	s.logger.Info("user signed out everywhere",
		slog.Int64("user_id", id),
		slog.Int("sessions", n),
		slog.Int64("actor_id", actor.UserID))
	return n, nil
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "This field is required"
	case "email":
		return "Enter a valid email address"
	case "max":
		return "Too long"
	default:
		return "Invalid value"
	}
}
