package auth

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/sisadmin/sisadmin/internal/rbac"
	"github.com/sisadmin/sisadmin/internal/security"
	"github.com/sisadmin/sisadmin/internal/shared"
)

func TestAttemptLoginBindsSession(t *testing.T) {
	h := newHarness(t)
	h.user(t, 1, testEmail, testPassword, rbac.LevelDirection)
	ctx := context.Background()
	sess := h.newSession(t)

	login, err := h.service.AttemptLogin(ctx, sess, office, testEmail, testPassword, false)
	require.NoError(t, err)
	assert.Equal(t, int64(1), login.User.ID)
	assert.Empty(t, login.RememberToken)

	current, err := h.service.CurrentUser(ctx, sess)
	require.NoError(t, err)
	require.NotNil(t, current)
	assert.Equal(t, testEmail, current.Email)
	assert.True(t, sess.Bound())
	assert.Equal(t, office, sess.Client())

	stored := h.repo.get(1)
	assert.Equal(t, int64(1), stored.LoginCount)
	require.NotNil(t, stored.LastLoginAt)
	assert.True(t, stored.LastLoginAt.Equal(h.clock.Now()))
	assert.True(t, h.events.has(security.EventLoginSuccess))
}

func TestAttemptLoginIsCaseInsensitiveOnEmail(t *testing.T) {
	h := newHarness(t)
	h.user(t, 1, testEmail, testPassword, rbac.LevelUser)

	_, err := h.service.AttemptLogin(context.Background(), h.newSession(t), office, "  A@X.COM ", testPassword, false)
	require.NoError(t, err)
}

func TestWrongPasswordLeavesSessionUntouched(t *testing.T) {
	h := newHarness(t)
	h.user(t, 1, testEmail, testPassword, rbac.LevelUser)
	sess := h.newSession(t)
	id := sess.ID

	_, err := h.service.AttemptLogin(context.Background(), sess, office, testEmail, "wrong", false)
	require.ErrorIs(t, err, shared.ErrInvalidCredentials)
	assert.Equal(t, id, sess.ID)
	assert.Empty(t, sess.User())
	assert.False(t, sess.Bound())

	_, ok := h.service.CurrentUserID(sess)
	assert.False(t, ok)
}

func TestFailuresAreIndistinguishable(t *testing.T) {
	h := newHarness(t)
	h.user(t, 1, testEmail, testPassword, rbac.LevelUser)
	blocked := h.user(t, 2, "b@x.com", testPassword, rbac.LevelUser)
	h.repo.users[blocked.ID].Status = StatusBlocked
	ctx := context.Background()

	_, unknown := h.service.AttemptLogin(ctx, h.newSession(t), office, "nobody@x.com", testPassword, false)
	_, wrong := h.service.AttemptLogin(ctx, h.newSession(t), office, testEmail, "nope", false)
	_, inactive := h.service.AttemptLogin(ctx, h.newSession(t), office, "b@x.com", testPassword, false)

	for _, err := range []error{unknown, wrong, inactive} {
		assert.ErrorIs(t, err, shared.ErrInvalidCredentials)
		assert.Equal(t, shared.UserSafeMessage(unknown), shared.UserSafeMessage(err))
	}
}

func TestFailedAttemptIsLogged(t *testing.T) {
	h := newHarness(t)
	h.user(t, 1, testEmail, testPassword, rbac.LevelUser)

	_, err := h.service.AttemptLogin(context.Background(), h.newSession(t), office, testEmail, "nope", false)
	require.Error(t, err)

	h.events.mu.Lock()
	defer h.events.mu.Unlock()
	require.Len(t, h.events.events, 1)
	ev := h.events.events[0]
	assert.Equal(t, security.EventLoginAttempt, ev.Type)
	assert.Equal(t, false, ev.Data["success"])
	assert.Equal(t, office.IP, ev.IP)
}

func TestRateLimitScenario(t *testing.T) {
	h := newHarness(t)
	h.user(t, 1, testEmail, testPassword, rbac.LevelUser)
	ctx := context.Background()

	_, err := h.service.AttemptLogin(ctx, h.newSession(t), office, testEmail, testPassword, false)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		h.clock.Advance(time.Minute)
		_, err := h.service.AttemptLogin(ctx, h.newSession(t), office, testEmail, "wrong", false)
		require.ErrorIs(t, err, shared.ErrInvalidCredentials, "attempt %d", i+1)
	}

	_, err = h.service.AttemptLogin(ctx, h.newSession(t), office, testEmail, testPassword, false)
	require.ErrorIs(t, err, shared.ErrRateLimited)
	assert.False(t, errors.Is(err, shared.ErrInvalidCredentials))

	h.clock.Advance(security.DefaultPolicy().Lockout + time.Second)
	_, err = h.service.AttemptLogin(ctx, h.newSession(t), office, testEmail, testPassword, false)
	require.NoError(t, err)
}

func TestBlockedAddressRefusesOtherAccounts(t *testing.T) {
	h := newHarness(t)
	h.user(t, 1, testEmail, testPassword, rbac.LevelUser)
	h.user(t, 2, "b@x.com", testPassword, rbac.LevelUser)
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		_, _ = h.service.AttemptLogin(ctx, h.newSession(t), office, testEmail, "wrong", false)
	}

	_, err := h.service.AttemptLogin(ctx, h.newSession(t), office, "b@x.com", testPassword, false)
	assert.ErrorIs(t, err, shared.ErrRateLimited)

	elsewhere := Client{IP: "198.51.100.4", UserAgent: office.UserAgent}
	_, err = h.service.AttemptLogin(ctx, h.newSession(t), elsewhere, "b@x.com", testPassword, false)
	assert.NoError(t, err)
}

func TestSuccessClearsFailureCounters(t *testing.T) {
	h := newHarness(t)
	h.user(t, 1, testEmail, testPassword, rbac.LevelUser)
	ctx := context.Background()

	for round := 0; round < 3; round++ {
		for i := 0; i < 4; i++ {
			_, err := h.service.AttemptLogin(ctx, h.newSession(t), office, testEmail, "wrong", false)
			require.ErrorIs(t, err, shared.ErrInvalidCredentials)
		}
		_, err := h.service.AttemptLogin(ctx, h.newSession(t), office, testEmail, testPassword, false)
		require.NoError(t, err, "round %d", round)
	}
}

func TestBackendFailureFailsClosed(t *testing.T) {
	t.Run("credential store", func(t *testing.T) {
		h := newHarness(t)
		h.user(t, 1, testEmail, testPassword, rbac.LevelUser)
		h.repo.findErr = errors.New("connection refused")

		sess := h.newSession(t)
		_, err := h.service.AttemptLogin(context.Background(), sess, office, testEmail, testPassword, false)
		require.ErrorIs(t, err, shared.ErrUnavailable)
		assert.Empty(t, sess.User())
	})

	t.Run("attempt counters", func(t *testing.T) {
		h := newHarness(t)
		h.user(t, 1, testEmail, testPassword, rbac.LevelUser)
		h.redis.SetError("LOADING Redis is loading the dataset in memory")

		sess := h.newSession(t)
		_, err := h.service.AttemptLogin(context.Background(), sess, office, testEmail, testPassword, false)
		require.ErrorIs(t, err, shared.ErrUnavailable)
		assert.Empty(t, sess.User())
	})
}

func TestLegacyHashIsUpgradedOnLogin(t *testing.T) {
	h := newHarness(t)
	legacy, err := bcrypt.GenerateFromPassword([]byte(testPassword), bcrypt.MinCost)
	require.NoError(t, err)
	h.repo.users[1] = &User{ID: 1, Email: testEmail, PasswordHash: string(legacy), Level: rbac.LevelUser, Status: StatusActive}

	_, err = h.service.AttemptLogin(context.Background(), h.newSession(t), office, testEmail, testPassword, false)
	require.NoError(t, err)

	stored := h.repo.get(1)
	assert.True(t, strings.HasPrefix(stored.PasswordHash, "$argon2id$"))
	assert.False(t, h.hasher.NeedsUpgrade(stored.PasswordHash))
	assert.True(t, h.hasher.Verify(testPassword, stored.PasswordHash))
}

func TestRememberTokenRotatesOnUse(t *testing.T) {
	h := newHarness(t)
	h.user(t, 1, testEmail, testPassword, rbac.LevelUser)
	ctx := context.Background()

	login, err := h.service.AttemptLogin(ctx, h.newSession(t), office, testEmail, testPassword, true)
	require.NoError(t, err)
	first := login.RememberToken
	require.NotEmpty(t, first)

	stored := h.repo.get(1)
	require.NotNil(t, stored.RememberTokenHash)
	assert.NotEqual(t, first, *stored.RememberTokenHash)
	assert.Equal(t, h.guard.hashToken(first), *stored.RememberTokenHash)

	sess := h.newSession(t)
	id, second, ok, err := h.guard.Resume(ctx, sess, office, first)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(1), id)
	assert.NotEqual(t, first, second)
	assert.Equal(t, "1", sess.User())

	_, _, ok, err = h.guard.Resume(ctx, h.newSession(t), office, first)
	require.NoError(t, err)
	assert.False(t, ok, "rotated token must not authenticate again")

	_, _, ok, err = h.guard.Resume(ctx, h.newSession(t), office, second)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRememberTokenLostRaceIsReported(t *testing.T) {
	h := newHarness(t)
	h.user(t, 1, testEmail, testPassword, rbac.LevelUser)
	ctx := context.Background()

	login, err := h.service.AttemptLogin(ctx, h.newSession(t), office, testEmail, testPassword, true)
	require.NoError(t, err)

	h.repo.rotateLoses = true
	sess := h.newSession(t)
	_, _, ok, err := h.guard.Resume(ctx, sess, office, login.RememberToken)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, sess.User())
	assert.True(t, h.events.has(security.EventRememberReplay))
}

func TestRememberTokenRefusedForInactiveUser(t *testing.T) {
	h := newHarness(t)
	h.user(t, 1, testEmail, testPassword, rbac.LevelUser)
	ctx := context.Background()

	login, err := h.service.AttemptLogin(ctx, h.newSession(t), office, testEmail, testPassword, true)
	require.NoError(t, err)
	h.repo.users[1].Status = StatusSuspended

	_, _, ok, err := h.guard.Resume(ctx, h.newSession(t), office, login.RememberToken)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, h.repo.get(1).RememberTokenHash)
}

func TestLogoutEndsSessionAndRememberToken(t *testing.T) {
	h := newHarness(t)
	h.user(t, 1, testEmail, testPassword, rbac.LevelUser)
	ctx := context.Background()
	sess := h.newSession(t)

	login, err := h.service.AttemptLogin(ctx, sess, office, testEmail, testPassword, true)
	require.NoError(t, err)

	require.NoError(t, h.service.Logout(ctx, sess, office))
	current, err := h.service.CurrentUser(ctx, sess)
	require.NoError(t, err)
	assert.Nil(t, current)

	_, _, ok, err := h.guard.Resume(ctx, h.newSession(t), office, login.RememberToken)
	require.NoError(t, err)
	assert.False(t, ok)

	// Idempotent.
	require.NoError(t, h.service.Logout(ctx, sess, office))
}

func TestCan(t *testing.T) {
	h := newHarness(t)
	h.user(t, 1, "master@x.com", testPassword, rbac.LevelMaster)
	h.user(t, 2, "teacher@x.com", testPassword, rbac.LevelTeacher)
	ctx := context.Background()

	masterSess := h.newSession(t)
	_, err := h.service.AttemptLogin(ctx, masterSess, office, "master@x.com", testPassword, false)
	require.NoError(t, err)
	teacherSess := h.newSession(t)
	_, err = h.service.AttemptLogin(ctx, teacherSess, office, "teacher@x.com", testPassword, false)
	require.NoError(t, err)

	for _, perm := range []string{rbac.PermUsersCreate, rbac.PermSecurityManage, "anything.at.all"} {
		assert.True(t, h.service.Can(ctx, masterSess, perm), perm)
	}
	assert.True(t, h.service.Can(ctx, teacherSess, rbac.PermClassesManage))
	assert.False(t, h.service.Can(ctx, teacherSess, rbac.PermUsersCreate))
	assert.False(t, h.service.Can(ctx, h.newSession(t), rbac.PermProfileView))
}

func TestLogoutEverywhereDropsAllSessions(t *testing.T) {
	h := newHarness(t)
	h.user(t, 1, testEmail, testPassword, rbac.LevelUser)
	h.user(t, 2, "other@x.com", testPassword, rbac.LevelUser)
	ctx := context.Background()

	laptop := h.newSession(t)
	_, err := h.service.AttemptLogin(ctx, laptop, office, testEmail, testPassword, true)
	require.NoError(t, err)
	laptop = h.reload(t, laptop)

	phone := h.newSession(t)
	_, err = h.service.AttemptLogin(ctx, phone, office, testEmail, testPassword, false)
	require.NoError(t, err)
	phone = h.reload(t, phone)

	other := h.newSession(t)
	_, err = h.service.AttemptLogin(ctx, other, office, "other@x.com", testPassword, false)
	require.NoError(t, err)
	other = h.reload(t, other)

	n, err := h.service.LogoutEverywhere(ctx, 1, laptop)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.True(t, laptop.Destroyed())
	assert.Nil(t, h.repo.get(1).RememberTokenHash)
	assert.True(t, h.redis.Exists("session:"+other.ID))
	assert.False(t, h.redis.Exists("session:"+phone.ID))
	assert.True(t, h.events.has(security.EventLogoutEverywhere))
}
