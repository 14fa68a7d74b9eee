package shared

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const sessionKeyPrefix = "session:"

// FlashMessage represents a one-time notification stored in session.
type FlashMessage struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Client identifies the browser a request came from.
type Client struct {
	IP        string
	UserAgent string
}

// SessionManager orchestrates cookie based sessions backed by Redis.
type SessionManager struct {
	client     *redis.Client
	cookieName string
	ttl        time.Duration
	secure     bool
	secret     []byte
}

// Session holds per-request session data.
type Session struct {
	ID string

	values           map[string]string
	userID           string
	flashes          []FlashMessage
	createdAt        time.Time
	lastActivity     time.Time
	lastRegeneration time.Time
	client           Client

	manager    *SessionManager
	previousID string
	isNew      bool
	dirty      bool
	destroyed  bool
}

type sessionPayload struct {
	Values           map[string]string `json:"values"`
	UserID           string            `json:"user_id"`
	Flashes          []FlashMessage    `json:"flashes"`
	CreatedAt        time.Time         `json:"created_at"`
	LastActivity     time.Time         `json:"last_activity"`
	LastRegeneration time.Time         `json:"last_regeneration"`
	IP               string            `json:"ip"`
	UserAgent        string            `json:"user_agent"`
}

// NewSessionManager constructs a SessionManager.
func NewSessionManager(client *redis.Client, cookieName string, secret string, ttl time.Duration, secure bool) *SessionManager {
	return &SessionManager{
		client:     client,
		cookieName: cookieName,
		ttl:        ttl,
		secure:     secure,
		secret:     []byte(secret),
	}
}

// Load loads the session named by the request cookie or starts a new one.
// Unknown identifiers are never adopted; the client gets a fresh ID instead.
func (sm *SessionManager) Load(ctx context.Context, r *http.Request) (*Session, error) {
	cookie, err := r.Cookie(sm.cookieName)
	if err != nil {
		if errors.Is(err, http.ErrNoCookie) {
			return sm.newSession(), nil
		}
		return nil, err
	}

	payload, err := sm.client.Get(ctx, sm.redisKey(cookie.Value)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return sm.newSession(), nil
		}
		return nil, fmt.Errorf("shared: load session: %w", err)
	}

	var stored sessionPayload
	if err := json.Unmarshal(payload, &stored); err != nil {
		return nil, fmt.Errorf("shared: decode session: %w", err)
	}

	sess := sm.newSession()
	sess.ID = cookie.Value
	if stored.Values != nil {
		sess.values = stored.Values
	}
	sess.userID = stored.UserID
	sess.flashes = stored.Flashes
	sess.createdAt = stored.CreatedAt
	sess.lastActivity = stored.LastActivity
	sess.lastRegeneration = stored.LastRegeneration
	sess.client = Client{IP: stored.IP, UserAgent: stored.UserAgent}
	sess.isNew = false
	sess.dirty = false
	return sess, nil
}

// Commit persists the session and writes cookie headers as needed.
func (sm *SessionManager) Commit(ctx context.Context, w http.ResponseWriter, r *http.Request, sess *Session) error {
	if sess == nil {
		return nil
	}

	if sess.previousID != "" {
		if err := sm.client.Del(ctx, sm.redisKey(sess.previousID)).Err(); err != nil && !errors.Is(err, redis.Nil) {
			return fmt.Errorf("shared: drop rotated session: %w", err)
		}
		sess.previousID = ""
	}

	if sess.destroyed {
		if err := sm.client.Del(ctx, sm.redisKey(sess.ID)).Err(); err != nil && !errors.Is(err, redis.Nil) {
			return fmt.Errorf("shared: destroy session: %w", err)
		}
		http.SetCookie(w, &http.Cookie{
			Name:     sm.cookieName,
			Value:    "",
			Path:     "/",
			MaxAge:   -1,
			HttpOnly: true,
			Secure:   sm.secure,
			SameSite: http.SameSiteStrictMode,
		})
		return nil
	}

	if sess.ID == "" {
		sess.ID = sm.generateSessionID()
	}

	if sess.dirty || sess.isNew {
		data, err := json.Marshal(sess.payload())
		if err != nil {
			return err
		}
		if err := sm.client.Set(ctx, sm.redisKey(sess.ID), data, sm.ttl).Err(); err != nil {
			return fmt.Errorf("shared: save session: %w", err)
		}
		sess.dirty = false
		sess.isNew = false
	}

	// Browser-session cookie: no Expires, so the cookie dies with the browser.
	http.SetCookie(w, &http.Cookie{
		Name:     sm.cookieName,
		Value:    sess.ID,
		Path:     "/",
		HttpOnly: true,
		Secure:   sm.secure,
		SameSite: http.SameSiteStrictMode,
	})
	return nil
}

// Destroy marks the session for deletion.
func (sm *SessionManager) Destroy(sess *Session) {
	if sess == nil {
		return
	}
	sess.destroyed = true
	sess.userID = ""
	sess.values = make(map[string]string)
	sess.flashes = nil
}

// Regenerate assigns a fresh identifier to the session while keeping its
// contents. The previous identifier is removed from Redis on commit.
func (sm *SessionManager) Regenerate(sess *Session) {
	if sess == nil || sess.destroyed {
		return
	}
	if !sess.isNew && sess.previousID == "" {
		sess.previousID = sess.ID
	}
	sess.ID = sm.generateSessionID()
	sess.dirty = true
}

// Reset empties the session, revives it if it was destroyed and moves it to
// a fresh identifier. The previous identifier is removed from Redis on commit.
func (sm *SessionManager) Reset(sess *Session) {
	if sess == nil {
		return
	}
	if !sess.isNew && sess.previousID == "" {
		sess.previousID = sess.ID
	}
	sess.ID = sm.generateSessionID()
	sess.values = make(map[string]string)
	sess.userID = ""
	sess.flashes = nil
	sess.createdAt = time.Time{}
	sess.lastActivity = time.Time{}
	sess.lastRegeneration = time.Time{}
	sess.client = Client{}
	sess.destroyed = false
	sess.dirty = true
}

// DeleteForUser removes every stored session bound to userID.
func (sm *SessionManager) DeleteForUser(ctx context.Context, userID string) (int, error) {
	if userID == "" {
		return 0, nil
	}
	var (
		cursor  uint64
		deleted int
	)
	for {
		keys, next, err := sm.client.Scan(ctx, cursor, sessionKeyPrefix+"*", 200).Result()
		if err != nil {
			return deleted, fmt.Errorf("shared: scan sessions: %w", err)
		}
		for _, key := range keys {
			raw, err := sm.client.Get(ctx, key).Bytes()
			if err != nil {
				if errors.Is(err, redis.Nil) {
					continue
				}
				return deleted, fmt.Errorf("shared: read session: %w", err)
			}
			var stored sessionPayload
			if err := json.Unmarshal(raw, &stored); err != nil || stored.UserID != userID {
				continue
			}
			n, err := sm.client.Del(ctx, key).Result()
			if err != nil {
				return deleted, fmt.Errorf("shared: delete session: %w", err)
			}
			deleted += int(n)
		}
		cursor = next
		if cursor == 0 {
			return deleted, nil
		}
	}
}

// DeleteAll removes every stored session and returns how many were dropped.
func (sm *SessionManager) DeleteAll(ctx context.Context) (int, error) {
	var (
		cursor  uint64
		deleted int
	)
	for {
		keys, next, err := sm.client.Scan(ctx, cursor, sessionKeyPrefix+"*", 200).Result()
		if err != nil {
			return deleted, fmt.Errorf("shared: scan sessions: %w", err)
		}
		if len(keys) > 0 {
			n, err := sm.client.Del(ctx, keys...).Result()
			if err != nil {
				return deleted, fmt.Errorf("shared: delete sessions: %w", err)
			}
			deleted += int(n)
		}
		cursor = next
		if cursor == 0 {
			return deleted, nil
		}
	}
}

// TTL exposes the configured session lifetime in the store.
func (sm *SessionManager) TTL() time.Duration {
	return sm.ttl
}

// CookieName returns the cookie identifier used for sessions.
func (sm *SessionManager) CookieName() string {
	return sm.cookieName
}

// Secure reports whether cookies are issued with the Secure flag.
func (sm *SessionManager) Secure() bool {
	return sm.secure
}

// Set stores a key-value pair.
func (s *Session) Set(key, value string) {
	if s.values == nil {
		s.values = make(map[string]string)
	}
	s.values[key] = value
	s.dirty = true
}

// Get retrieves a value.
func (s *Session) Get(key string) string {
	if s.values == nil {
		return ""
	}
	return s.values[key]
}

// Delete removes a value.
func (s *Session) Delete(key string) {
	if s.values == nil {
		return
	}
	delete(s.values, key)
	s.dirty = true
}

// SetUser associates the session with a user ID.
func (s *Session) SetUser(id string) {
	s.userID = id
	s.dirty = true
}

// User returns the current user ID.
func (s *Session) User() string {
	return s.userID
}

// Bind records the client fingerprint and resets the lifecycle timestamps.
func (s *Session) Bind(client Client, now time.Time) {
	s.client = client
	s.createdAt = now
	s.lastActivity = now
	s.lastRegeneration = now
	s.dirty = true
}

// Client returns the fingerprint recorded when the session was bound.
func (s *Session) Client() Client {
	return s.client
}

// Bound reports whether a fingerprint has been recorded.
func (s *Session) Bound() bool {
	return !s.createdAt.IsZero()
}

// Touch refreshes the last activity timestamp.
func (s *Session) Touch(now time.Time) {
	s.lastActivity = now
	s.dirty = true
}

// MarkRegenerated records the time the identifier was last rotated.
func (s *Session) MarkRegenerated(now time.Time) {
	s.lastRegeneration = now
	s.dirty = true
}

// CreatedAt returns when the session was bound.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// LastActivity returns the last time the session was used.
func (s *Session) LastActivity() time.Time { return s.lastActivity }

// LastRegeneration returns the last identifier rotation time.
func (s *Session) LastRegeneration() time.Time { return s.lastRegeneration }

// Destroy schedules the session for deletion when it is committed.
func (s *Session) Destroy() {
	if s.manager != nil {
		s.manager.Destroy(s)
		return
	}
	s.destroyed = true
}

// Destroyed reports whether the session is scheduled for deletion.
func (s *Session) Destroyed() bool { return s.destroyed }

// AddFlash queues a flash message.
func (s *Session) AddFlash(msg FlashMessage) {
	s.flashes = append(s.flashes, msg)
	s.dirty = true
}

// PopFlash retrieves and clears the oldest flash message.
func (s *Session) PopFlash() *FlashMessage {
	if len(s.flashes) == 0 {
		return nil
	}
	msg := s.flashes[0]
	s.flashes = s.flashes[1:]
	s.dirty = true
	return &msg
}

func (s *Session) payload() sessionPayload {
	return sessionPayload{
		Values:           s.values,
		UserID:           s.userID,
		Flashes:          s.flashes,
		CreatedAt:        s.createdAt,
		LastActivity:     s.lastActivity,
		LastRegeneration: s.lastRegeneration,
		IP:               s.client.IP,
		UserAgent:        s.client.UserAgent,
	}
}

func (sm *SessionManager) newSession() *Session {
	return &Session{
		ID:      sm.generateSessionID(),
		values:  make(map[string]string),
		manager: sm,
		isNew:   true,
		dirty:   true,
	}
}

func (sm *SessionManager) redisKey(id string) string {
	return sessionKeyPrefix + id
}

func (sm *SessionManager) generateSessionID() string {
	if id, err := uuid.NewRandom(); err == nil {
		return id.String()
	}
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return base64.RawURLEncoding.EncodeToString([]byte(time.Now().Format(time.RFC3339Nano)))
	}
	if len(sm.secret) > 0 {
		for i := range b {
			b[i] ^= sm.secret[i%len(sm.secret)]
		}
	}
	return base64.RawURLEncoding.EncodeToString(b)
}
