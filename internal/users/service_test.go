package users

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sisadmin/sisadmin/internal/auth"
	"github.com/sisadmin/sisadmin/internal/rbac"
	"github.com/sisadmin/sisadmin/internal/security"
	"github.com/sisadmin/sisadmin/internal/shared"
)

type memoryRepo struct {
	mu     sync.Mutex
	users  map[int64]auth.User
	nextID int64
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{users: make(map[int64]auth.User), nextID: 1}
}

func (r *memoryRepo) ListUsers(context.Context) ([]auth.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]auth.User, 0, len(r.users))
	for _, u := range r.users {
		out = append(out, u)
	}
	return out, nil
}

func (r *memoryRepo) GetUser(_ context.Context, id int64) (*auth.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[id]
	if !ok {
		return nil, shared.ErrNotFound
	}
	return &u, nil
}

func (r *memoryRepo) CreateUser(_ context.Context, u auth.User) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.users {
		if auth.NormalizeEmail(existing.Email) == auth.NormalizeEmail(u.Email) {
			return 0, shared.ErrDuplicateEmail
		}
	}
	u.ID = r.nextID
	u.Email = auth.NormalizeEmail(u.Email)
	u.CreatedAt = time.Now()
	r.users[u.ID] = u
	r.nextID++
	return u.ID, nil
}

func (r *memoryRepo) SetStatus(_ context.Context, id int64, status auth.Status) (auth.Status, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[id]
	if !ok {
		return "", shared.ErrNotFound
	}
	prev := u.Status
	u.Status = status
	if status != auth.StatusActive {
		u.RememberTokenHash = nil
	}
	r.users[id] = u
	return prev, nil
}

type recordingRevoker struct {
	calls []int64
}

func (r *recordingRevoker) LogoutEverywhere(_ context.Context, userID int64, current *shared.Session) (int, error) {
	r.calls = append(r.calls, userID)
	return 2, nil
}

func newTestService() (*Service, *memoryRepo, *recordingRevoker) {
	repo := newMemoryRepo()
	revoker := &recordingRevoker{}
	hasher := auth.NewArgon2Hasher(auth.Argon2Params{Memory: 1024, Time: 1, Threads: 1})
	return NewService(repo, hasher, security.PasswordRules{MinLength: 12}, nil, revoker, nil), repo, revoker
}

var (
	admin    = security.Actor{UserID: 99, Level: rbac.LevelAdmin, IP: "192.0.2.1"}
	director = security.Actor{UserID: 7, Level: rbac.LevelDirection, IP: "192.0.2.7"}
)

func TestCreateUserHashesPassword(t *testing.T) {
	svc, repo, _ := newTestService()
	id, err := svc.CreateUser(context.Background(), admin, CreateInput{
		Name:     "Maria Souza",
		Email:    "Maria@School.example",
		Password: "Tr0ub4dor&Horse",
		Level:    "secretary",
	})
	require.NoError(t, err)

	u := repo.users[id]
	assert.Equal(t, "maria@school.example", u.Email)
	assert.Equal(t, rbac.LevelSecretary, u.Level)
	assert.Equal(t, auth.StatusActive, u.Status)
	assert.True(t, strings.HasPrefix(u.PasswordHash, "$argon2id$"))
	assert.NotContains(t, u.PasswordHash, "Tr0ub4dor")
}

func TestCreateUserValidation(t *testing.T) {
	svc, _, _ := newTestService()
	_, err := svc.CreateUser(context.Background(), admin, CreateInput{
		Name:     "",
		Email:    "not-an-email",
		Password: "password",
		Level:    "janitor",
	})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Fields, "Name")
	assert.Contains(t, verr.Fields, "Email")
	assert.Contains(t, verr.Fields, "Level")
	assert.Contains(t, verr.Fields["Password"], "too common")
}

func TestCreateUserDuplicateEmail(t *testing.T) {
	svc, _, _ := newTestService()
	in := CreateInput{Name: "A", Email: "a@x.com", Password: "Tr0ub4dor&Horse", Level: "user"}
	_, err := svc.CreateUser(context.Background(), admin, in)
	require.NoError(t, err)

	in.Email = "A@X.com"
	_, err = svc.CreateUser(context.Background(), admin, in)
	assert.ErrorIs(t, err, shared.ErrDuplicateEmail)
}

func TestChangeStatusEndsSessions(t *testing.T) {
	svc, repo, revoker := newTestService()
	hash := "abc"
	repo.users[7] = auth.User{ID: 7, Email: "t@x.com", Level: rbac.LevelTeacher, Status: auth.StatusActive, RememberTokenHash: &hash}

	require.NoError(t, svc.ChangeStatus(context.Background(), admin, 7, auth.StatusBlocked, nil))
	assert.Equal(t, auth.StatusBlocked, repo.users[7].Status)
	assert.Nil(t, repo.users[7].RememberTokenHash)
	assert.Equal(t, []int64{7}, revoker.calls)

	require.NoError(t, svc.ChangeStatus(context.Background(), admin, 7, auth.StatusActive, nil))
	assert.Len(t, revoker.calls, 1, "reactivation keeps sessions alone")
}

func TestChangeStatusRejections(t *testing.T) {
	svc, repo, _ := newTestService()
	repo.users[99] = auth.User{ID: 99, Status: auth.StatusActive}

	assert.ErrorIs(t, svc.ChangeStatus(context.Background(), admin, 99, "archived", nil), ErrInvalidStatus)
	assert.ErrorIs(t, svc.ChangeStatus(context.Background(), admin, 99, auth.StatusDeleted, nil), ErrInvalidStatus)
	assert.ErrorIs(t, svc.ChangeStatus(context.Background(), admin, 99, auth.StatusSuspended, nil), ErrSelfLockout)
	assert.ErrorIs(t, svc.ChangeStatus(context.Background(), admin, 123, auth.StatusBlocked, nil), shared.ErrNotFound)
}

func TestLogoutEverywhereDelegates(t *testing.T) {
	svc, repo, revoker := newTestService()
	repo.users[5] = auth.User{ID: 5, Level: rbac.LevelStudent, Status: auth.StatusActive}
	n, err := svc.LogoutEverywhere(context.Background(), admin, 5, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []int64{5}, revoker.calls)
}

func TestOnlyTopTierAssignsTopTierLevels(t *testing.T) {
	svc, repo, _ := newTestService()
	in := CreateInput{Name: "Root", Email: "root@x.com", Password: "Tr0ub4dor&Horse", Level: "master"}

	_, err := svc.CreateUser(context.Background(), director, in)
	assert.ErrorIs(t, err, shared.ErrForbidden)
	assert.Empty(t, repo.users)

	in.Level = "admin"
	_, err = svc.CreateUser(context.Background(), director, in)
	assert.ErrorIs(t, err, shared.ErrForbidden)

	in.Level = "coordination"
	_, err = svc.CreateUser(context.Background(), director, in)
	require.NoError(t, err)

	in.Email, in.Level = "boss@x.com", "master"
	_, err = svc.CreateUser(context.Background(), admin, in)
	require.NoError(t, err)
}

func TestTopTierAccountsAreManagedByTopTierOnly(t *testing.T) {
	svc, repo, revoker := newTestService()
	repo.users[42] = auth.User{ID: 42, Level: rbac.LevelMaster, Status: auth.StatusActive}
	repo.users[43] = auth.User{ID: 43, Level: rbac.LevelSecretary, Status: auth.StatusActive}
	ctx := context.Background()

	assert.ErrorIs(t, svc.ChangeStatus(ctx, director, 42, auth.StatusSuspended, nil), shared.ErrForbidden)
	assert.Equal(t, auth.StatusActive, repo.users[42].Status)
	_, err := svc.LogoutEverywhere(ctx, director, 42, nil)
	assert.ErrorIs(t, err, shared.ErrForbidden)
	assert.Empty(t, revoker.calls)

	require.NoError(t, svc.ChangeStatus(ctx, director, 43, auth.StatusSuspended, nil))
	assert.Equal(t, []int64{43}, revoker.calls)

	require.NoError(t, svc.ChangeStatus(ctx, admin, 42, auth.StatusSuspended, nil))
	assert.Equal(t, auth.StatusSuspended, repo.users[42].Status)
}

func TestAssignableLevels(t *testing.T) {
	policy := rbac.DefaultPolicy()
	assert.Equal(t, rbac.Levels(), AssignableLevels(policy, rbac.LevelMaster))

	levels := AssignableLevels(policy, rbac.LevelDirection)
	assert.NotContains(t, levels, rbac.LevelMaster)
	assert.NotContains(t, levels, rbac.LevelAdmin)
	assert.Contains(t, levels, rbac.LevelDirection)
	assert.Contains(t, levels, rbac.LevelUser)
}
