package auth

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sisadmin/sisadmin/internal/rbac"
	"github.com/sisadmin/sisadmin/internal/shared"
	"github.com/sisadmin/sisadmin/internal/view"
	_ "github.com/sisadmin/sisadmin/testing"
)

var testRemember = RememberCookie{Name: "test_remember", TTL: 30 * 24 * time.Hour}

// browser keeps cookies between requests the way a user agent would.
type browser struct {
	t       *testing.T
	router  http.Handler
	cookies map[string]*http.Cookie
	addr    string
}

func newBrowser(t *testing.T, h *harness) *browser {
	t.Helper()
	templates, err := view.NewEngine()
	require.NoError(t, err)
	handler := NewHandler(nil, h.service, templates, shared.NewCSRFManager("csrf", time.Hour), testRemember)

	r := chi.NewRouter()
	r.Use(h.sessions.Middleware(nil))
	r.Use(h.service.Authenticate(testRemember))
	r.Route("/auth", handler.MountRoutes)
	r.Get("/whoami", func(w http.ResponseWriter, r *http.Request) {
		p, ok := rbac.PrincipalFromContext(r.Context())
		if !ok {
			http.Error(w, "anonymous", http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(p.GetLevel().String()))
	})
	return &browser{t: t, router: r, cookies: make(map[string]*http.Cookie), addr: "203.0.113.10:52100"}
}

func (b *browser) do(method, target string, form url.Values) *httptest.ResponseRecorder {
	b.t.Helper()
	var req *http.Request
	if form != nil {
		req = httptest.NewRequest(method, target, strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	req.RemoteAddr = b.addr
	req.Header.Set("User-Agent", office.UserAgent)
	for _, c := range b.cookies {
		req.AddCookie(&http.Cookie{Name: c.Name, Value: c.Value})
	}
	rr := httptest.NewRecorder()
	b.router.ServeHTTP(rr, req)
	for _, c := range rr.Result().Cookies() {
		if c.MaxAge < 0 || c.Value == "" {
			delete(b.cookies, c.Name)
			continue
		}
		b.cookies[c.Name] = c
	}
	return rr
}

func (b *browser) login(email, password string, remember bool) *httptest.ResponseRecorder {
	form := url.Values{"email": {email}, "password": {password}}
	if remember {
		form.Set("remember", "on")
	}
	return b.do(http.MethodPost, "/auth/login", form)
}

func TestLoginPage(t *testing.T) {
	h := newHarness(t)
	b := newBrowser(t, h)

	rr := b.do(http.MethodGet, "/auth/login", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "<form")
	assert.Contains(t, rr.Body.String(), `name="csrf_token"`)
}

func TestLoginInvalidCredentials(t *testing.T) {
	h := newHarness(t)
	h.user(t, 1, testEmail, testPassword, rbac.LevelUser)
	b := newBrowser(t, h)

	rr := b.login(testEmail, "wrong", false)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, rr.Body.String(), invalidCredentialsMessage)

	rr = b.login("nobody@x.com", testPassword, false)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, rr.Body.String(), invalidCredentialsMessage)
}

func TestLoginRateLimited(t *testing.T) {
	h := newHarness(t)
	h.user(t, 1, testEmail, testPassword, rbac.LevelUser)
	b := newBrowser(t, h)

	for i := 0; i < 5; i++ {
		require.Equal(t, http.StatusBadRequest, b.login(testEmail, "wrong", false).Code)
	}
	rr := b.login(testEmail, testPassword, false)
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.Contains(t, rr.Body.String(), "Too many attempts")
	assert.NotContains(t, rr.Body.String(), invalidCredentialsMessage)
}

func TestLoginSuccessAndStatus(t *testing.T) {
	h := newHarness(t)
	h.user(t, 1, testEmail, testPassword, rbac.LevelDirection)
	b := newBrowser(t, h)

	rr := b.do(http.MethodGet, "/auth/status", nil)
	var status statusResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &status))
	assert.False(t, status.Authenticated)

	rr = b.login(testEmail, testPassword, false)
	require.Equal(t, http.StatusSeeOther, rr.Code)
	assert.Equal(t, "/", rr.Header().Get("Location"))
	assert.NotContains(t, b.cookies, testRemember.Name)

	rr = b.do(http.MethodGet, "/auth/status", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.NotContains(t, rr.Body.String(), "password")
	assert.NotContains(t, rr.Body.String(), "remember")
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &status))
	assert.True(t, status.Authenticated)
	require.NotNil(t, status.User)
	assert.Equal(t, testEmail, status.User.Email)

	rr = b.do(http.MethodGet, "/whoami", nil)
	assert.Equal(t, "direction", rr.Body.String())
}

func TestRememberCookieResumesAndRotates(t *testing.T) {
	h := newHarness(t)
	h.user(t, 1, testEmail, testPassword, rbac.LevelUser)
	b := newBrowser(t, h)

	rr := b.login(testEmail, testPassword, true)
	require.Equal(t, http.StatusSeeOther, rr.Code)
	issued := b.cookies[testRemember.Name]
	require.NotNil(t, issued)
	assert.True(t, issued.HttpOnly)
	assert.True(t, issued.Secure)
	assert.Equal(t, http.SameSiteStrictMode, issued.SameSite)
	assert.Equal(t, int(testRemember.TTL.Seconds()), issued.MaxAge)
	first := issued.Value

	// The browser restarts: the session cookie is gone, the remember cookie stays.
	delete(b.cookies, h.sessions.CookieName())
	rr = b.do(http.MethodGet, "/whoami", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	rotated := b.cookies[testRemember.Name]
	require.NotNil(t, rotated)
	assert.NotEqual(t, first, rotated.Value)

	// A copy of the old cookie no longer works.
	thief := newBrowser(t, h)
	thief.cookies[testRemember.Name] = &http.Cookie{Name: testRemember.Name, Value: first}
	rr = thief.do(http.MethodGet, "/whoami", nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.NotContains(t, thief.cookies, testRemember.Name)
}

func TestLogoutInvalidatesRememberCookie(t *testing.T) {
	h := newHarness(t)
	h.user(t, 1, testEmail, testPassword, rbac.LevelUser)
	b := newBrowser(t, h)

	require.Equal(t, http.StatusSeeOther, b.login(testEmail, testPassword, true).Code)
	stolen := b.cookies[testRemember.Name].Value

	rr := b.do(http.MethodPost, "/auth/logout", url.Values{})
	assert.Equal(t, http.StatusSeeOther, rr.Code)
	assert.Equal(t, "/auth/login", rr.Header().Get("Location"))
	assert.NotContains(t, b.cookies, testRemember.Name)
	assert.Equal(t, http.StatusUnauthorized, b.do(http.MethodGet, "/whoami", nil).Code)

	b.cookies[testRemember.Name] = &http.Cookie{Name: testRemember.Name, Value: stolen}
	assert.Equal(t, http.StatusUnauthorized, b.do(http.MethodGet, "/whoami", nil).Code)
}

func TestSessionFromAnotherAddressIsDropped(t *testing.T) {
	h := newHarness(t)
	h.user(t, 1, testEmail, testPassword, rbac.LevelUser)
	b := newBrowser(t, h)
	require.Equal(t, http.StatusSeeOther, b.login(testEmail, testPassword, false).Code)
	require.Equal(t, http.StatusOK, b.do(http.MethodGet, "/whoami", nil).Code)

	b.addr = "198.51.100.23:40000"
	assert.Equal(t, http.StatusUnauthorized, b.do(http.MethodGet, "/whoami", nil).Code)

	b.addr = "203.0.113.10:52100"
	assert.Equal(t, http.StatusUnauthorized, b.do(http.MethodGet, "/whoami", nil).Code, "invalidated session stays dead")
}

func TestDeactivatedUserLosesSession(t *testing.T) {
	h := newHarness(t)
	h.user(t, 1, testEmail, testPassword, rbac.LevelUser)
	b := newBrowser(t, h)
	require.Equal(t, http.StatusSeeOther, b.login(testEmail, testPassword, true).Code)

	h.repo.mu.Lock()
	h.repo.users[1].Status = StatusInactive
	h.repo.mu.Unlock()

	assert.Equal(t, http.StatusUnauthorized, b.do(http.MethodGet, "/whoami", nil).Code)
	assert.Nil(t, h.repo.get(1).RememberTokenHash)
}

func TestLoginJSONClient(t *testing.T) {
	h := newHarness(t)
	h.user(t, 1, testEmail, testPassword, rbac.LevelAdmin)
	b := newBrowser(t, h)

	send := func(password string) *httptest.ResponseRecorder {
		form := url.Values{"email": {testEmail}, "password": {password}}
		req := httptest.NewRequest(http.MethodPost, "/auth/login", strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.Header.Set("Accept", "application/json")
		req.Header.Set("User-Agent", office.UserAgent)
		req.RemoteAddr = b.addr
		rr := httptest.NewRecorder()
		b.router.ServeHTTP(rr, req)
		return rr
	}

	rr := send("wrong")
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Equal(t, "application/problem+json", rr.Header().Get("Content-Type"))
	assert.Contains(t, rr.Body.String(), invalidCredentialsMessage)

	rr = send(testPassword)
	require.Equal(t, http.StatusOK, rr.Code)
	var body statusResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.True(t, body.Authenticated)
	require.NotNil(t, body.User)
	assert.Equal(t, testEmail, body.User.Email)
}
