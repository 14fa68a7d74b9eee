package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/sisadmin/sisadmin/internal/rbac"
	"github.com/sisadmin/sisadmin/internal/security"
	"github.com/sisadmin/sisadmin/internal/shared"
)

const (
	testEmail    = "a@x.com"
	testPassword = "Secret123!"
	testSecret   = "remember-secret"
)

var fastParams = Argon2Params{Memory: 1024, Time: 1, Threads: 1, KeyLen: 32, SaltLen: 16}

type memoryRepo struct {
	mu          sync.Mutex
	users       map[int64]*User
	findErr     error
	loginWrites int
	// rotateLoses forces RotateRememberTokenHash to report a lost race.
	rotateLoses bool
}

func newMemoryRepo(users ...*User) *memoryRepo {
	r := &memoryRepo{users: make(map[int64]*User)}
	for _, u := range users {
		r.users[u.ID] = u
	}
	return r
}

func (r *memoryRepo) get(id int64) *User {
	r.mu.Lock()
	defer r.mu.Unlock()
	u := *r.users[id]
	return &u
}

func (r *memoryRepo) FindByEmail(_ context.Context, email string) (*User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.findErr != nil {
		return nil, r.findErr
	}
	for _, u := range r.users {
		if NormalizeEmail(u.Email) == NormalizeEmail(email) && u.DeletedAt == nil {
			cp := *u
			return &cp, nil
		}
	}
	return nil, shared.ErrNotFound
}

func (r *memoryRepo) FindByID(_ context.Context, id int64) (*User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[id]
	if !ok {
		return nil, shared.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (r *memoryRepo) FindByRememberTokenHash(_ context.Context, hash string) (*User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range r.users {
		if u.RememberTokenHash != nil && *u.RememberTokenHash == hash && u.DeletedAt == nil {
			cp := *u
			return &cp, nil
		}
	}
	return nil, shared.ErrNotFound
}

func (r *memoryRepo) UpdateLoginSuccess(_ context.Context, id int64, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	u := r.users[id]
	u.LastLoginAt = &at
	u.LoginCount++
	r.loginWrites++
	return nil
}

func (r *memoryRepo) SetRememberTokenHash(_ context.Context, id int64, hash *string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if u, ok := r.users[id]; ok {
		u.RememberTokenHash = hash
	}
	return nil
}

func (r *memoryRepo) RotateRememberTokenHash(_ context.Context, id int64, oldHash, newHash string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[id]
	if !ok || r.rotateLoses || u.RememberTokenHash == nil || *u.RememberTokenHash != oldHash {
		return false, nil
	}
	u.RememberTokenHash = &newHash
	return true, nil
}

func (r *memoryRepo) UpdatePasswordHash(_ context.Context, id int64, hash string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.users[id].PasswordHash = hash
	return nil
}

type captureRecorder struct {
	mu     sync.Mutex
	events []security.Event
}

func (c *captureRecorder) Record(_ context.Context, ev security.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *captureRecorder) has(typ string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ev := range c.events {
		if ev.Type == typ {
			return true
		}
	}
	return false
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	repo     *memoryRepo
	hasher   *Argon2Hasher
	limiter  *security.Limiter
	guard    *SessionGuard
	service  *Service
	sessions *shared.SessionManager
	events   *captureRecorder
	clock    *fakeClock
	redis    *miniredis.Miniredis
}

func newHarness(t *testing.T, users ...*User) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	h := &harness{
		repo:     newMemoryRepo(users...),
		hasher:   NewArgon2Hasher(fastParams),
		sessions: shared.NewSessionManager(client, "test_session", "secret", time.Hour, false),
		events:   &captureRecorder{},
		clock:    &fakeClock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)},
		redis:    mr,
	}
	h.limiter = security.NewLimiter(security.NewRedisStore(client), security.DefaultPolicy(), h.events, nil, nil)
	h.limiter.SetClock(h.clock.Now)
	h.guard = NewSessionGuard(h.repo, h.sessions, testSecret, DefaultSessionPolicy(), h.events, nil, nil)
	h.guard.SetClock(h.clock.Now)
	h.service = NewService(ServiceConfig{
		Repo:     h.repo,
		Hasher:   h.hasher,
		Limiter:  h.limiter,
		Guard:    h.guard,
		Policy:   rbac.DefaultPolicy(),
		Sessions: h.sessions,
		Events:   h.events,
	})
	h.service.SetClock(h.clock.Now)
	return h
}

func (h *harness) user(t *testing.T, id int64, email, password string, level rbac.Level) *User {
	t.Helper()
	hash, err := h.hasher.Hash(password)
	require.NoError(t, err)
	u := &User{ID: id, Email: email, Name: "User " + email, PasswordHash: hash, Level: level, Status: StatusActive}
	h.repo.mu.Lock()
	h.repo.users[id] = u
	h.repo.mu.Unlock()
	return u
}

// newSession returns a fresh, unsaved session.
func (h *harness) newSession(t *testing.T) *shared.Session {
	t.Helper()
	sess, err := h.sessions.Load(context.Background(), httptest.NewRequest(http.MethodGet, "/", nil))
	require.NoError(t, err)
	return sess
}

// reload commits sess and loads it back as the next request would.
func (h *harness) reload(t *testing.T, sess *shared.Session) *shared.Session {
	t.Helper()
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	require.NoError(t, h.sessions.Commit(context.Background(), rr, req, sess))
	next := httptest.NewRequest(http.MethodGet, "/", nil)
	next.AddCookie(&http.Cookie{Name: h.sessions.CookieName(), Value: sess.ID})
	loaded, err := h.sessions.Load(context.Background(), next)
	require.NoError(t, err)
	return loaded
}

var office = Client{IP: "203.0.113.10", UserAgent: "Mozilla/5.0 (X11; Linux x86_64)"}
