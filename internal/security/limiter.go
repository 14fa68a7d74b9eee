package security

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/sisadmin/sisadmin/internal/observability"
)

// Block reasons reported to metrics.
const (
	BlockReasonRateLimit = "rate_limit"
	BlockReasonManual    = "manual"
)

// Policy configures the failed-login limiter.
type Policy struct {
	MaxAttempts int
	Window      time.Duration
	Lockout     time.Duration
}

// DefaultPolicy mirrors the configuration defaults: five failures in fifteen
// minutes block the client address for fifteen minutes.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 5, Window: 15 * time.Minute, Lockout: 15 * time.Minute}
}

// BlockedIP is one live blocklist entry.
type BlockedIP struct {
	IP        string
	ExpiresAt time.Time
	Remaining time.Duration
}

// Limiter tracks failed attempts per (identifier, IP) and blocks addresses
// that exceed the policy. A block applies to every identifier from that IP.
type Limiter struct {
	store   Store
	policy  Policy
	events  Recorder
	metrics *observability.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// NewLimiter constructs a Limiter.
func NewLimiter(store Store, policy Policy, events Recorder, metrics *observability.Metrics, logger *slog.Logger) *Limiter {
	if events == nil {
		events = Discard
	}
	if logger == nil {
		logger = slog.Default()
	}
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = DefaultPolicy().MaxAttempts
	}
	if policy.Window <= 0 {
		policy.Window = DefaultPolicy().Window
	}
	if policy.Lockout <= 0 {
		policy.Lockout = DefaultPolicy().Lockout
	}
	return &Limiter{store: store, policy: policy, events: events, metrics: metrics, logger: logger, now: time.Now}
}

// SetClock replaces the time source.
func (l *Limiter) SetClock(now func() time.Time) {
	if now != nil {
		l.now = now
	}
}

// Policy returns the active limiter settings.
func (l *Limiter) Policy() Policy {
	return l.policy
}

// Check reports whether identifier may attempt to authenticate from ip. A
// blocked address is always refused. Reaching the failure threshold blocks
// the address and refuses the attempt. Errors reading the counters are
// returned so the caller can refuse the attempt.
func (l *Limiter) Check(ctx context.Context, identifier, ip string) (bool, error) {
	if l.IsIPBlocked(ctx, ip) {
		l.events.Record(ctx, Event{
			Type: EventBlockedIPAttempt,
			IP:   ip,
			Data: map[string]any{"identifier": identifier},
		})
		return false, nil
	}

	now := l.now()
	count, err := l.store.CountAttempts(ctx, attemptKey(identifier, ip), now.Add(-l.policy.Window))
	if err != nil {
		return false, err
	}
	if count < l.policy.MaxAttempts {
		return true, nil
	}

	if err := l.block(ctx, ip, l.policy.Lockout, now); err != nil {
		l.logger.Error("block ip after failed attempts", slog.String("ip", ip), slog.Any("error", err))
	} else {
		l.metrics.ObserveIPBlock(BlockReasonRateLimit)
		// The block now carries the penalty; a fresh window starts when it lifts.
		if err := l.store.ClearAttempts(ctx, attemptKey(identifier, ip)); err != nil {
			l.logger.Warn("reset attempts after block", slog.String("ip", ip), slog.Any("error", err))
		}
	}
	l.events.Record(ctx, Event{
		Type: EventIPBlockedRateLimit,
		IP:   ip,
		Data: map[string]any{"identifier": identifier, "attempts": count},
	})
	return false, nil
}

// RecordFailure appends a timestamped failure for (identifier, ip).
func (l *Limiter) RecordFailure(ctx context.Context, identifier, ip string) error {
	return l.store.AddAttempt(ctx, attemptKey(identifier, ip), l.now(), l.policy.Window)
}

// Clear drops recorded failures for (identifier, ip).
func (l *Limiter) Clear(ctx context.Context, identifier, ip string) error {
	return l.store.ClearAttempts(ctx, attemptKey(identifier, ip))
}

// IsIPBlocked reports whether ip has a live block. Expired entries are purged
// on the way. Storage errors are logged and read as "not blocked".
func (l *Limiter) IsIPBlocked(ctx context.Context, ip string) bool {
	if ip == "" {
		return false
	}
	until, ok, err := l.store.BlockExpiry(ctx, ip)
	if err != nil {
		l.logger.Error("read ip blocklist", slog.String("ip", ip), slog.Any("error", err))
		return false
	}
	if !ok {
		return false
	}
	if until.After(l.now()) {
		return true
	}
	if err := l.store.RemoveBlock(ctx, ip); err != nil {
		l.logger.Warn("purge expired ip block", slog.String("ip", ip), slog.Any("error", err))
	}
	return false
}

// BlockIP blocks ip for d. It is the administrative entry point; the limiter
// blocks on its own from Check.
func (l *Limiter) BlockIP(ctx context.Context, ip string, d time.Duration) error {
	if ip == "" {
		return errors.New("security: block ip: address required")
	}
	if d <= 0 {
		d = l.policy.Lockout
	}
	if err := l.block(ctx, ip, d, l.now()); err != nil {
		return err
	}
	l.metrics.ObserveIPBlock(BlockReasonManual)
	return nil
}

// UnblockIP removes ip from the blocklist. Unknown addresses are not an error.
func (l *Limiter) UnblockIP(ctx context.Context, ip string) error {
	return l.store.RemoveBlock(ctx, ip)
}

// BlockedIPs lists live blocks, soonest expiry first, and purges the expired ones.
func (l *Limiter) BlockedIPs(ctx context.Context) ([]BlockedIP, error) {
	all, err := l.store.AllBlocks(ctx)
	if err != nil {
		return nil, err
	}
	now := l.now()
	var (
		live    []BlockedIP
		expired []string
	)
	for ip, until := range all {
		if !until.After(now) {
			expired = append(expired, ip)
			continue
		}
		live = append(live, BlockedIP{IP: ip, ExpiresAt: until, Remaining: until.Sub(now)})
	}
	if err := l.store.RemoveBlock(ctx, expired...); err != nil {
		l.logger.Warn("purge expired ip blocks", slog.Any("error", err))
	}
	sort.Slice(live, func(i, j int) bool {
		if live[i].ExpiresAt.Equal(live[j].ExpiresAt) {
			return live[i].IP < live[j].IP
		}
		return live[i].ExpiresAt.Before(live[j].ExpiresAt)
	})
	return live, nil
}

func (l *Limiter) block(ctx context.Context, ip string, d time.Duration, now time.Time) error {
	if err := l.store.SetBlock(ctx, ip, now.Add(d)); err != nil {
		return fmt.Errorf("security: block %s: %w", ip, err)
	}
	return nil
}

func attemptKey(identifier, ip string) string {
	return attemptKeyPrefix + identifier + ":" + ip
}
