package auth

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/sisadmin/sisadmin/internal/observability"
	"github.com/sisadmin/sisadmin/internal/security"
	"github.com/sisadmin/sisadmin/internal/shared"
)

// Session invalidation reasons reported to metrics.
const (
	InvalidatedFingerprint = "fingerprint"
	InvalidatedTimeout     = "timeout"
	InvalidatedReplay      = "remember_replay"
	InvalidatedInactive    = "inactive_user"
)

const rememberTokenBytes = 32

// Client is the request fingerprint bound to a session.
type Client = shared.Client

// SessionPolicy holds session lifetime settings.
type SessionPolicy struct {
	Timeout            time.Duration
	RegenerateInterval time.Duration
	RememberTTL        time.Duration
}

// DefaultSessionPolicy returns the configuration defaults.
func DefaultSessionPolicy() SessionPolicy {
	return SessionPolicy{Timeout: 2 * time.Hour, RegenerateInterval: 5 * time.Minute, RememberTTL: 30 * 24 * time.Hour}
}

// SessionGuard binds sessions to users and manages remember-me tokens.
type SessionGuard struct {
	repo     Repository
	sessions *shared.SessionManager
	secret   []byte
	policy   SessionPolicy
	events   security.Recorder
	metrics  *observability.Metrics
	logger   *slog.Logger
	now      func() time.Time
}

// NewSessionGuard constructs a SessionGuard. rememberSecret keys the HMAC
// applied to remember tokens before they are stored.
func NewSessionGuard(repo Repository, sessions *shared.SessionManager, rememberSecret string, policy SessionPolicy, events security.Recorder, metrics *observability.Metrics, logger *slog.Logger) *SessionGuard {
	def := DefaultSessionPolicy()
	if policy.Timeout <= 0 {
		policy.Timeout = def.Timeout
	}
	if policy.RegenerateInterval <= 0 {
		policy.RegenerateInterval = def.RegenerateInterval
	}
	if policy.RememberTTL <= 0 {
		policy.RememberTTL = def.RememberTTL
	}
	if events == nil {
		events = security.Discard
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionGuard{
		repo:     repo,
		sessions: sessions,
		secret:   []byte(rememberSecret),
		policy:   policy,
		events:   events,
		metrics:  metrics,
		logger:   logger,
		now:      time.Now,
	}
}

// SetClock replaces the time source.
func (g *SessionGuard) SetClock(now func() time.Time) {
	if now != nil {
		g.now = now
	}
}

// Policy returns the active session settings.
func (g *SessionGuard) Policy() SessionPolicy {
	return g.policy
}

// Establish binds sess to user under a fresh identifier. When remember is set
// it issues a remember-me token, stores its hash and returns the raw value,
// which is never available again.
func (g *SessionGuard) Establish(ctx context.Context, sess *shared.Session, user *User, client Client, remember bool) (string, error) {
	if sess == nil {
		return "", errors.New("auth: establish: session missing")
	}
	var raw string
	if remember {
		var err error
		raw, err = newRememberToken()
		if err != nil {
			return "", err
		}
		hash := g.hashToken(raw)
		if err := g.repo.SetRememberTokenHash(ctx, user.ID, &hash); err != nil {
			return "", err
		}
	}
	g.bind(sess, user.ID, client)
	return raw, nil
}

// Validate checks the session fingerprint and inactivity timeout. Any
// failure destroys the session and reads as unauthenticated.
func (g *SessionGuard) Validate(ctx context.Context, sess *shared.Session, client Client) (int64, bool) {
	if sess == nil || sess.User() == "" {
		return 0, false
	}
	userID, err := strconv.ParseInt(sess.User(), 10, 64)
	if err != nil || !sess.Bound() {
		g.sessions.Destroy(sess)
		return 0, false
	}

	if sess.Client() != client {
		g.invalidate(ctx, sess, userID, client, security.EventSessionHijack, InvalidatedFingerprint, map[string]any{
			"bound_ip":         sess.Client().IP,
			"bound_user_agent": sess.Client().UserAgent,
		})
		return 0, false
	}

	now := g.now()
	if now.Sub(sess.LastActivity()) >= g.policy.Timeout {
		g.invalidate(ctx, sess, userID, client, security.EventSessionExpired, InvalidatedTimeout, map[string]any{
			"idle_seconds": int(now.Sub(sess.LastActivity()).Seconds()),
		})
		return 0, false
	}

	sess.Touch(now)
	g.RegenerateIfDue(sess)
	return userID, true
}

// Resume re-establishes a session from a remember-me token. The token is
// rotated on every use; a token that was already rotated is refused.
func (g *SessionGuard) Resume(ctx context.Context, sess *shared.Session, client Client, raw string) (int64, string, bool, error) {
	if sess == nil || raw == "" {
		return 0, "", false, nil
	}
	hash := g.hashToken(raw)
	user, err := g.repo.FindByRememberTokenHash(ctx, hash)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return 0, "", false, nil
		}
		return 0, "", false, err
	}
	if !user.Authenticable() {
		if err := g.repo.SetRememberTokenHash(ctx, user.ID, nil); err != nil {
			g.logger.Warn("revoke remember token of inactive user", slog.Int64("user_id", user.ID), slog.Any("error", err))
		}
		g.metrics.ObserveSessionInvalidated(InvalidatedInactive)
		return 0, "", false, nil
	}

	next, err := newRememberToken()
	if err != nil {
		return 0, "", false, err
	}
	rotated, err := g.repo.RotateRememberTokenHash(ctx, user.ID, hash, g.hashToken(next))
	if err != nil {
		return 0, "", false, err
	}
	if !rotated {
		id := user.ID
		g.events.Record(ctx, security.Event{
			Type:      security.EventRememberReplay,
			IP:        client.IP,
			UserAgent: client.UserAgent,
			UserID:    &id,
		})
		g.metrics.ObserveSessionInvalidated(InvalidatedReplay)
		return 0, "", false, nil
	}

	if sess.Destroyed() {
		g.sessions.Reset(sess)
	}
	g.bind(sess, user.ID, client)
	return user.ID, next, true, nil
}

// Destroy ends the session and revokes the user's remember-me token. It is
// safe to call repeatedly.
func (g *SessionGuard) Destroy(ctx context.Context, sess *shared.Session, userID int64) error {
	g.sessions.Destroy(sess)
	if userID == 0 {
		return nil
	}
	if err := g.repo.SetRememberTokenHash(ctx, userID, nil); err != nil {
		return fmt.Errorf("auth: revoke remember token: %w", err)
	}
	return nil
}

// RegenerateIfDue rotates the session identifier once the regeneration
// interval has elapsed. The bound user is unchanged.
func (g *SessionGuard) RegenerateIfDue(sess *shared.Session) bool {
	if sess == nil || sess.Destroyed() {
		return false
	}
	now := g.now()
	if now.Sub(sess.LastRegeneration()) < g.policy.RegenerateInterval {
		return false
	}
	g.sessions.Regenerate(sess)
	sess.MarkRegenerated(now)
	return true
}

func (g *SessionGuard) bind(sess *shared.Session, userID int64, client Client) {
	g.sessions.Regenerate(sess)
	sess.SetUser(strconv.FormatInt(userID, 10))
	sess.Bind(client, g.now())
}

func (g *SessionGuard) invalidate(ctx context.Context, sess *shared.Session, userID int64, client Client, eventType, reason string, data map[string]any) {
	g.events.Record(ctx, security.Event{
		Type:      eventType,
		IP:        client.IP,
		UserAgent: client.UserAgent,
		UserID:    &userID,
		SessionID: sess.ID,
		Data:      data,
	})
	g.metrics.ObserveSessionInvalidated(reason)
	g.sessions.Destroy(sess)
}

func (g *SessionGuard) hashToken(raw string) string {
	mac := hmac.New(sha256.New, g.secret)
	mac.Write([]byte(raw))
	return hex.EncodeToString(mac.Sum(nil))
}

func newRememberToken() (string, error) {
	b := make([]byte, rememberTokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("auth: generate remember token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
