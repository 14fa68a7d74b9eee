package rbac

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

type testPrincipal struct {
	id    int64
	level Level
}

func (p testPrincipal) GetID() int64    { return p.id }
func (p testPrincipal) GetLevel() Level { return p.level }

func serve(t *testing.T, mw func(http.Handler) http.Handler, method string, p Principal) *httptest.ResponseRecorder {
	t.Helper()
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	req := httptest.NewRequest(method, "/users", nil)
	if p != nil {
		req = req.WithContext(WithPrincipal(req.Context(), p))
	}
	rr := httptest.NewRecorder()
	mw(next).ServeHTTP(rr, req)
	return rr
}

func TestRequireAnyAllowsGrantedLevel(t *testing.T) {
	m := Middleware{Policy: DefaultPolicy()}
	rr := serve(t, m.RequireAny(PermUsersView), http.MethodGet, testPrincipal{id: 4, level: LevelSecretary})
	assert.Equal(t, http.StatusNoContent, rr.Code)
}

func TestRequireAnyDeniesOtherLevels(t *testing.T) {
	m := Middleware{Policy: DefaultPolicy()}
	rr := serve(t, m.RequireAny(PermUsersView), http.MethodGet, testPrincipal{id: 9, level: LevelStudent})
	assert.Equal(t, http.StatusForbidden, rr.Code)
}

func TestRequireAllNeedsEveryPermission(t *testing.T) {
	m := Middleware{}
	rr := serve(t, m.RequireAll(PermUsersView, PermUsersEdit), http.MethodPost, testPrincipal{id: 2, level: LevelFinancial})
	assert.Equal(t, http.StatusForbidden, rr.Code)

	rr = serve(t, m.RequireAll(PermUsersView, PermUsersEdit), http.MethodPost, testPrincipal{id: 3, level: LevelDirection})
	assert.Equal(t, http.StatusNoContent, rr.Code)
}

func TestRequireTopTier(t *testing.T) {
	m := Middleware{Policy: DefaultPolicy()}
	assert.Equal(t, http.StatusNoContent, serve(t, m.RequireTopTier(), http.MethodGet, testPrincipal{id: 1, level: LevelAdmin}).Code)
	assert.Equal(t, http.StatusForbidden, serve(t, m.RequireTopTier(), http.MethodGet, testPrincipal{id: 3, level: LevelDirection}).Code)
}

func TestAnonymousRequests(t *testing.T) {
	m := Middleware{Policy: DefaultPolicy(), LoginPath: "/auth/login"}

	rr := serve(t, m.RequireAuthenticated(), http.MethodGet, nil)
	assert.Equal(t, http.StatusSeeOther, rr.Code)
	assert.Equal(t, "/auth/login", rr.Header().Get("Location"))

	rr = serve(t, m.RequireAuthenticated(), http.MethodPost, nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	bare := Middleware{}
	rr = serve(t, bare.RequireAny(PermProfileView), http.MethodGet, nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}
