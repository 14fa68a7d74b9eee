package security

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sisadmin/sisadmin/internal/observability"
)

// Security event types.
const (
	EventLoginAttempt       = "login_attempt"
	EventLoginSuccess       = "login_success"
	EventLogout             = "logout"
	EventLogoutEverywhere   = "logout_everywhere"
	EventBlockedIPAttempt   = "blocked_ip_attempt"
	EventIPBlockedRateLimit = "ip_blocked_rate_limit"
	EventIPBlockedManual    = "ip_blocked_manual"
	EventIPUnblocked        = "ip_unblocked"
	EventSessionHijack      = "session_hijack_attempt"
	EventSessionExpired     = "session_expired"
	EventRememberReplay     = "remember_token_replay"
	EventCSRFViolation      = "csrf_violation"
	EventForceLogoutAll     = "force_logout_all"
	EventLogsCleaned        = "security_logs_cleaned"
	EventAlertRaised        = "security_alert"
)

// Event is one entry of the security log.
type Event struct {
	ID         int64
	Type       string
	IP         string
	UserAgent  string
	UserID     *int64
	SessionID  string
	Data       map[string]any
	OccurredAt time.Time
}

// Recorder accepts security events. Implementations must not block the
// caller on storage.
type Recorder interface {
	Record(ctx context.Context, ev Event)
}

type discard struct{}

func (discard) Record(context.Context, Event) {}

// Discard drops every event.
var Discard Recorder = discard{}

// EventFilter narrows a log listing.
type EventFilter struct {
	Type   string
	Limit  int
	Offset int
}

// EventStore persists security events.
type EventStore interface {
	Insert(ctx context.Context, ev Event) error
	Since(ctx context.Context, from time.Time) ([]Event, error)
	List(ctx context.Context, filter EventFilter) ([]Event, int, error)
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// PGEventStore writes events into security_events.
type PGEventStore struct {
	pool *pgxpool.Pool
}

// NewPGEventStore returns a new PGEventStore.
func NewPGEventStore(pool *pgxpool.Pool) *PGEventStore {
	return &PGEventStore{pool: pool}
}

// Insert persists the event.
func (s *PGEventStore) Insert(ctx context.Context, ev Event) error {
	if s == nil {
		return errors.New("security event store not initialised")
	}
	if ev.Type == "" {
		return errors.New("security event requires a type")
	}
	data, err := json.Marshal(ev.Data)
	if err != nil {
		return err
	}
	var occurred any
	if !ev.OccurredAt.IsZero() {
		occurred = ev.OccurredAt
	}
	_, err = s.pool.Exec(ctx, `INSERT INTO security_events (event_type, ip, user_agent, user_id, session_id, data, occurred_at)
VALUES ($1, $2, $3, $4, $5, $6, COALESCE($7, NOW()))`,
		ev.Type, ev.IP, ev.UserAgent, ev.UserID, ev.SessionID, data, occurred)
	return err
}

const eventColumns = `id, event_type, ip, user_agent, user_id, session_id, data, occurred_at`

// Since returns every event at or after from, oldest first.
func (s *PGEventStore) Since(ctx context.Context, from time.Time) ([]Event, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+eventColumns+` FROM security_events WHERE occurred_at >= $1 ORDER BY occurred_at`, from)
	if err != nil {
		return nil, fmt.Errorf("security: query events: %w", err)
	}
	return collectEvents(rows)
}

// List returns a page of events, newest first, and the total match count.
func (s *PGEventStore) List(ctx context.Context, filter EventFilter) ([]Event, int, error) {
	pattern := typePattern(filter.Type)
	var total int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM security_events WHERE event_type ILIKE $1 ESCAPE '\'`, pattern).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("security: count events: %w", err)
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `SELECT `+eventColumns+` FROM security_events WHERE event_type ILIKE $1 ESCAPE '\'
ORDER BY occurred_at DESC, id DESC LIMIT $2 OFFSET $3`, pattern, limit, filter.Offset)
	if err != nil {
		return nil, 0, fmt.Errorf("security: list events: %w", err)
	}
	events, err := collectEvents(rows)
	if err != nil {
		return nil, 0, err
	}
	return events, total, nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// typePattern matches filter as a literal substring of the event type.
func typePattern(filter string) string {
	return "%" + likeEscaper.Replace(strings.TrimSpace(filter)) + "%"
}

// DeleteBefore removes events older than cutoff.
func (s *PGEventStore) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM security_events WHERE occurred_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("security: delete events: %w", err)
	}
	return tag.RowsAffected(), nil
}

func collectEvents(rows pgx.Rows) ([]Event, error) {
	defer rows.Close()
	var out []Event
	for rows.Next() {
		var (
			ev   Event
			data []byte
		)
		if err := rows.Scan(&ev.ID, &ev.Type, &ev.IP, &ev.UserAgent, &ev.UserID, &ev.SessionID, &data, &ev.OccurredAt); err != nil {
			return nil, err
		}
		if len(data) > 0 {
			if err := json.Unmarshal(data, &ev.Data); err != nil {
				return nil, err
			}
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

var _ EventStore = (*PGEventStore)(nil)

// Sink logs every event and persists it from a single background goroutine.
// When the queue is full the event is dropped with a warning.
type Sink struct {
	store   EventStore
	logger  *slog.Logger
	metrics *observability.Metrics
	now     func() time.Time

	queue  chan Event
	done   chan struct{}
	closed bool
	mu     sync.RWMutex
}

// NewSink starts the background writer. store may be nil to log only.
func NewSink(store EventStore, logger *slog.Logger, metrics *observability.Metrics, buffer int) *Sink {
	if logger == nil {
		logger = slog.Default()
	}
	if buffer <= 0 {
		buffer = 256
	}
	s := &Sink{
		store:   store,
		logger:  logger,
		metrics: metrics,
		now:     time.Now,
		queue:   make(chan Event, buffer),
		done:    make(chan struct{}),
	}
	go s.run()
	return s
}

// Record implements Recorder.
func (s *Sink) Record(ctx context.Context, ev Event) {
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = s.now().UTC()
	}
	s.log(ctx, ev)

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.queue <- ev:
	default:
		s.metrics.ObserveEventDropped()
		s.logger.Warn("security event dropped", slog.String("event", ev.Type))
	}
}

// Close stops accepting events and waits for queued ones to be written.
func (s *Sink) Close(ctx context.Context) error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.queue)
	}
	s.mu.Unlock()
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Sink) run() {
	defer close(s.done)
	for ev := range s.queue {
		if s.store == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.store.Insert(ctx, ev); err != nil {
			s.logger.Error("persist security event", slog.String("event", ev.Type), slog.Any("error", err))
		}
		cancel()
	}
}

func (s *Sink) log(ctx context.Context, ev Event) {
	attrs := []any{
		slog.String("event", ev.Type),
		slog.String("ip", ev.IP),
	}
	if ev.UserID != nil {
		attrs = append(attrs, slog.Int64("user_id", *ev.UserID))
	}
	if ev.UserAgent != "" {
		attrs = append(attrs, slog.String("user_agent", ev.UserAgent))
	}
	for k, v := range ev.Data {
		attrs = append(attrs, slog.Any(k, v))
	}
	level := slog.LevelInfo
	switch ev.Type {
	case EventSessionHijack, EventBlockedIPAttempt, EventIPBlockedRateLimit, EventRememberReplay, EventCSRFViolation, EventAlertRaised:
		level = slog.LevelWarn
	}
	s.logger.Log(ctx, level, "security event", attrs...)
}
