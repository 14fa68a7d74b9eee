package security

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sisadmin/sisadmin/internal/rbac"
	"github.com/sisadmin/sisadmin/internal/shared"
)

// LogsPerPage is the page size of the security log listing.
const LogsPerPage = 50

const alertCooldown = time.Hour

// ErrInvalidIP is returned for malformed addresses on block/unblock.
var ErrInvalidIP = errors.New("invalid ip address")

// SessionPurger drops every stored session.
type SessionPurger interface {
	DeleteAll(ctx context.Context) (int, error)
}

// TokenRevoker invalidates every stored remember-me token.
type TokenRevoker interface {
	RevokeAllRememberTokens(ctx context.Context) (int64, error)
}

// AccountStats exposes user-table figures for recommendations.
type AccountStats interface {
	CountLegacyHashes(ctx context.Context) (int, error)
	CountDormant(ctx context.Context, since time.Time) (int, error)
}

// AlertPublisher delivers alert notifications, typically through the job queue.
type AlertPublisher interface {
	PublishSecurityAlert(ctx context.Context, to string, alerts []Alert) error
}

// AlertGate limits how often alerts go out.
type AlertGate interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// RedisAlertGate implements AlertGate with a SETNX lock.
type RedisAlertGate struct {
	client *redis.Client
}

// NewRedisAlertGate constructs a RedisAlertGate.
func NewRedisAlertGate(client *redis.Client) *RedisAlertGate {
	return &RedisAlertGate{client: client}
}

// Acquire implements AlertGate.
func (g *RedisAlertGate) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return shared.TryLock(ctx, g.client, key, ttl)
}

// Actor identifies who performed an administrative action.
type Actor struct {
	UserID    int64
	Level     rbac.Level
	IP        string
	UserAgent string
}

// LogPage is one page of the security log.
type LogPage struct {
	Events []Event
	Paging shared.Pagination
	Filter string
}

// Status is the compact health view served as JSON.
type Status struct {
	GeneratedAt     time.Time `json:"generated_at"`
	EventsLastHour  int       `json:"events_last_hour"`
	FailedLogins    int       `json:"failed_logins"`
	BlockedIPs      int       `json:"blocked_ips"`
	CSRFViolations  int       `json:"csrf_violations"`
	HijackAttempts  int       `json:"hijack_attempts"`
	Recommendations int       `json:"recommendations"`
}

// ServiceConfig collects dependencies of the security panel service.
type ServiceConfig struct {
	Limiter    *Limiter
	Events     EventStore
	Recorder   Recorder
	Sessions   SessionPurger
	Tokens     TokenRevoker
	Accounts   AccountStats
	Alerts     AlertPublisher
	Gate       AlertGate
	Thresholds Thresholds
	Retention  time.Duration
	// EmailAlerts enables alert delivery to AlertEmail.
	EmailAlerts bool
	AlertEmail  string
	Logger      *slog.Logger
}

// Service implements the administrative security panel.
type Service struct {
	cfg    ServiceConfig
	logger *slog.Logger
	now    func() time.Time
}

// NewService constructs a Service.
func NewService(cfg ServiceConfig) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Recorder == nil {
		cfg.Recorder = Discard
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 90 * 24 * time.Hour
	}
	return &Service{cfg: cfg, logger: logger, now: time.Now}
}

// SetClock replaces the time source.
func (s *Service) SetClock(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// Analyze summarises the last period of events and dispatches alerts when
// thresholds are exceeded.
func (s *Service) Analyze(ctx context.Context, period time.Duration) (Analysis, error) {
	to := s.now().UTC()
	from := to.Add(-period)
	events, err := s.cfg.Events.Since(ctx, from)
	if err != nil {
		return Analysis{}, err
	}
	analysis := Analyze(events, from, to, s.cfg.Thresholds)
	analysis.WithAccountHealth(s.accountHealth(ctx, to))
	s.dispatchAlerts(ctx, analysis)
	return analysis, nil
}

func (s *Service) accountHealth(ctx context.Context, now time.Time) AccountHealth {
	var h AccountHealth
	if s.cfg.Accounts == nil {
		return h
	}
	var err error
	if h.LegacyHashes, err = s.cfg.Accounts.CountLegacyHashes(ctx); err != nil {
		s.logger.Warn("count legacy hashes", slog.Any("error", err))
	}
	if h.Dormant, err = s.cfg.Accounts.CountDormant(ctx, now.Add(-90*24*time.Hour)); err != nil {
		s.logger.Warn("count dormant accounts", slog.Any("error", err))
	}
	return h
}

func (s *Service) dispatchAlerts(ctx context.Context, analysis Analysis) {
	alerts := analysis.Alerts(s.cfg.Thresholds)
	if len(alerts) == 0 {
		return
	}
	if s.cfg.Gate != nil {
		ok, err := s.cfg.Gate.Acquire(ctx, shared.LockKey("security", "alert"), alertCooldown)
		if err != nil {
			s.logger.Warn("acquire alert lock", slog.Any("error", err))
			return
		}
		if !ok {
			return
		}
	}
	s.cfg.Recorder.Record(ctx, Event{
		Type: EventAlertRaised,
		Data: map[string]any{"alerts": len(alerts), "failed_logins": analysis.FailedLogins, "blocked_ips": len(analysis.BlockedIPs)},
	})
	if !s.cfg.EmailAlerts || s.cfg.Alerts == nil {
		return
	}
	if err := s.cfg.Alerts.PublishSecurityAlert(ctx, s.cfg.AlertEmail, alerts); err != nil {
		s.logger.Error("publish security alert", slog.Any("error", err))
	}
}

// Status returns the last hour summary.
func (s *Service) Status(ctx context.Context) (Status, error) {
	to := s.now().UTC()
	events, err := s.cfg.Events.Since(ctx, to.Add(-time.Hour))
	if err != nil {
		return Status{}, err
	}
	a := Analyze(events, to.Add(-time.Hour), to, s.cfg.Thresholds)
	blocked, err := s.cfg.Limiter.BlockedIPs(ctx)
	if err != nil {
		return Status{}, err
	}
	return Status{
		GeneratedAt:     to,
		EventsLastHour:  a.TotalEvents,
		FailedLogins:    a.FailedLogins,
		BlockedIPs:      len(blocked),
		CSRFViolations:  a.CSRFViolations,
		HijackAttempts:  a.HijackAttempts,
		Recommendations: len(a.Recommendations),
	}, nil
}

// Logs returns one page of events, newest first, optionally filtered by type.
func (s *Service) Logs(ctx context.Context, page int, filter string) (LogPage, error) {
	paging := shared.NewPagination(page, LogsPerPage, 0)
	events, total, err := s.cfg.Events.List(ctx, EventFilter{Type: filter, Limit: LogsPerPage, Offset: paging.Offset()})
	if err != nil {
		return LogPage{}, err
	}
	return LogPage{Events: events, Paging: shared.NewPagination(page, LogsPerPage, total), Filter: filter}, nil
}

// BlockedIPs lists live blocks.
func (s *Service) BlockedIPs(ctx context.Context) ([]BlockedIP, error) {
	return s.cfg.Limiter.BlockedIPs(ctx)
}

// BlockIP blocks ip for d on behalf of actor.
func (s *Service) BlockIP(ctx context.Context, actor Actor, ip string, d time.Duration) error {
	if net.ParseIP(ip) == nil {
		return ErrInvalidIP
	}
	if err := s.cfg.Limiter.BlockIP(ctx, ip, d); err != nil {
		return err
	}
	s.cfg.Recorder.Record(ctx, s.actorEvent(actor, EventIPBlockedManual, map[string]any{"target_ip": ip, "minutes": int(d.Minutes())}))
	return nil
}

// UnblockIP lifts a block on behalf of actor.
func (s *Service) UnblockIP(ctx context.Context, actor Actor, ip string) error {
	if net.ParseIP(ip) == nil {
		return ErrInvalidIP
	}
	if err := s.cfg.Limiter.UnblockIP(ctx, ip); err != nil {
		return err
	}
	s.cfg.Recorder.Record(ctx, s.actorEvent(actor, EventIPUnblocked, map[string]any{"target_ip": ip}))
	return nil
}

// ForceLogoutAll drops every session and remember-me token, the actor's
// included.
func (s *Service) ForceLogoutAll(ctx context.Context, actor Actor) (int, error) {
	if s.cfg.Sessions == nil {
		return 0, errors.New("security: session store not configured")
	}
	var tokens int64
	if s.cfg.Tokens != nil {
		var err error
		if tokens, err = s.cfg.Tokens.RevokeAllRememberTokens(ctx); err != nil {
			return 0, fmt.Errorf("security: revoke remember tokens: %w", err)
		}
	}
	n, err := s.cfg.Sessions.DeleteAll(ctx)
	if err != nil {
		return n, fmt.Errorf("security: force logout: %w", err)
	}
	s.cfg.Recorder.Record(ctx, s.actorEvent(actor, EventForceLogoutAll, map[string]any{"sessions": n, "remember_tokens": tokens}))
	return n, nil
}

// CleanupLogs deletes events older than the retention period.
func (s *Service) CleanupLogs(ctx context.Context, actor Actor) (int64, error) {
	cutoff := s.now().UTC().Add(-s.cfg.Retention)
	n, err := s.cfg.Events.DeleteBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	s.cfg.Recorder.Record(ctx, s.actorEvent(actor, EventLogsCleaned, map[string]any{"deleted": n, "cutoff": cutoff.Format(time.RFC3339)}))
	return n, nil
}

func (s *Service) actorEvent(actor Actor, typ string, data map[string]any) Event {
	ev := Event{Type: typ, IP: actor.IP, UserAgent: actor.UserAgent, Data: data}
	if actor.UserID != 0 {
		id := actor.UserID
		ev.UserID = &id
	}
	return ev
}
