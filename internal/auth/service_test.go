package auth

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testService(t *testing.T) (*Service, *Repository) {
	t.Helper()
	repo := testRepo(t)
	svc := NewService(repo, testTokenService(t, repo), NewLoginLimiter())
	return svc, repo
}

func TestLoginSuccess(t *testing.T) {
	svc, repo := testService(t)
	createTestUser(t, repo, "user@example.com", true)

	bundle, err := svc.Login(context.Background(), "user@example.com", "S3cret!", nil, "198.51.100.7", "go-test")
	require.NoError(t, err)
	assert.Equal(t, []string{ScopeConsoleRead, ScopeConsoleWrite}, bundle.Session.Scopes)
}

func TestLoginNormalizesEmail(t *testing.T) {
	svc, repo := testService(t)
	createTestUser(t, repo, "user@example.com", true)

	_, err := svc.Login(context.Background(), "  USER@Example.COM ", "S3cret!", nil, "", "")
	require.NoError(t, err)
}

func TestLoginWrongPassword(t *testing.T) {
	svc, repo := testService(t)
	createTestUser(t, repo, "user@example.com", true)

	_, err := svc.Login(context.Background(), "user@example.com", "wrong", nil, "198.51.100.7", "")
	var bad *InvalidCredentialsError
	require.ErrorAs(t, err, &bad)

	events, err := repo.RecentEvents(context.Background(), "", "", 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, EventLoginFailure, events[0].Event)
}

func TestLoginUnknownUserSameError(t *testing.T) {
	svc, _ := testService(t)

	_, err := svc.Login(context.Background(), "nobody@example.com", "whatever", nil, "", "")
	var bad *InvalidCredentialsError
	require.ErrorAs(t, err, &bad)
}

func TestLoginInactiveUser(t *testing.T) {
	svc, repo := testService(t)
	createTestUser(t, repo, "frozen@example.com", false)

	_, err := svc.Login(context.Background(), "frozen@example.com", "S3cret!", nil, "", "")
	var inactive *InactiveUserError
	require.ErrorAs(t, err, &inactive)
}

func TestLoginLockoutAfterRepeatedFailures(t *testing.T) {
	svc, repo := testService(t)
	createTestUser(t, repo, "user@example.com", true)
	ctx := context.Background()

	for i := 0; i < DefaultMaxAttempts; i++ {
		_, err := svc.Login(ctx, "user@example.com", "wrong", nil, "198.51.100.7", "")
		var bad *InvalidCredentialsError
		require.ErrorAs(t, err, &bad)
	}

	// The fifth failure armed the lockout; every attempt after it is
	// refused, right password or not.
	_, err := svc.Login(ctx, "user@example.com", "wrong", nil, "198.51.100.7", "")
	var limited *RateLimitedError
	require.ErrorAs(t, err, &limited)
	assert.Greater(t, limited.RetryAfter.Seconds(), 0.0)

	_, err = svc.Login(ctx, "user@example.com", "S3cret!", nil, "198.51.100.7", "")
	require.ErrorAs(t, err, &limited)
}

func TestLoginLockoutScopedToSourceIP(t *testing.T) {
	svc, repo := testService(t)
	createTestUser(t, repo, "user@example.com", true)
	ctx := context.Background()

	for i := 0; i < DefaultMaxAttempts; i++ {
		svc.Login(ctx, "user@example.com", "wrong", nil, "198.51.100.7", "")
	}

	_, err := svc.Login(ctx, "user@example.com", "S3cret!", nil, "203.0.113.9", "")
	require.NoError(t, err)
}

func TestLoginSuccessResetsLimiter(t *testing.T) {
	svc, repo := testService(t)
	createTestUser(t, repo, "user@example.com", true)
	ctx := context.Background()

	for i := 0; i < DefaultMaxAttempts-1; i++ {
		svc.Login(ctx, "user@example.com", "wrong", nil, "198.51.100.7", "")
	}
	_, err := svc.Login(ctx, "user@example.com", "S3cret!", nil, "198.51.100.7", "")
	require.NoError(t, err)

	// The counter restarted, so a single new failure does not lock.
	_, err = svc.Login(ctx, "user@example.com", "wrong", nil, "198.51.100.7", "")
	var bad *InvalidCredentialsError
	require.ErrorAs(t, err, &bad)
}

func TestLoginScopeNarrowing(t *testing.T) {
	svc, repo := testService(t)
	createTestUser(t, repo, "user@example.com", true)
	ctx := context.Background()

	bundle, err := svc.Login(ctx, "user@example.com", "S3cret!", []string{ScopeConsoleRead}, "", "")
	require.NoError(t, err)
	assert.Equal(t, []string{ScopeConsoleRead}, bundle.Session.Scopes)

	_, err = svc.Login(ctx, "user@example.com", "S3cret!", []string{"admin:everything"}, "", "")
	var bad *InvalidCredentialsError
	require.ErrorAs(t, err, &bad)
}

func TestChangePasswordRevokesOtherSessions(t *testing.T) {
	svc, repo := testService(t)
	user := createTestUser(t, repo, "user@example.com", true)
	ctx := context.Background()

	current, err := svc.Login(ctx, "user@example.com", "S3cret!", nil, "", "")
	require.NoError(t, err)
	other, err := svc.Login(ctx, "user@example.com", "S3cret!", nil, "", "")
	require.NoError(t, err)

	revoked, err := svc.ChangePassword(ctx, user, "S3cret!", "N3wSecret!", current.Session.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, revoked)

	kept, err := repo.RefreshSessionByID(ctx, current.Session.ID)
	require.NoError(t, err)
	assert.Nil(t, kept.RevokedAt)

	dropped, err := repo.RefreshSessionByID(ctx, other.Session.ID)
	require.NoError(t, err)
	require.NotNil(t, dropped.RevokedAt)
	assert.Equal(t, ReasonPasswordReset, dropped.RevokedReason)

	_, err = svc.Login(ctx, "user@example.com", "S3cret!", nil, "", "")
	var bad *InvalidCredentialsError
	require.ErrorAs(t, err, &bad)
	_, err = svc.Login(ctx, "user@example.com", "N3wSecret!", nil, "", "")
	require.NoError(t, err)
}

func TestChangePasswordWrongCurrent(t *testing.T) {
	svc, repo := testService(t)
	user := createTestUser(t, repo, "user@example.com", true)

	_, err := svc.ChangePassword(context.Background(), user, "wrong", "N3wSecret!", "")
	var bad *InvalidCredentialsError
	require.ErrorAs(t, err, &bad)
}

func TestRevokeOwnSessionOwnership(t *testing.T) {
	svc, repo := testService(t)
	createTestUser(t, repo, "user@example.com", true)
	intruder := createTestUser(t, repo, "intruder@example.com", true)
	ctx := context.Background()

	bundle, err := svc.Login(ctx, "user@example.com", "S3cret!", nil, "", "")
	require.NoError(t, err)

	ok, err := svc.RevokeOwnSession(ctx, intruder.ID, bundle.Session.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = svc.RevokeOwnSession(ctx, bundle.Session.UserID, bundle.Session.ID)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestAPIUserProvisionedOnce(t *testing.T) {
	svc, _ := testService(t)
	ctx := context.Background()

	first, err := svc.APIUser(ctx)
	require.NoError(t, err)
	assert.True(t, first.IsSuperuser)
	assert.True(t, first.IsActive)

	second, err := svc.APIUser(ctx)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
}

func TestCreateUserDuplicateEmail(t *testing.T) {
	_, repo := testService(t)
	ctx := context.Background()

	_, err := repo.CreateUser(ctx, "user@example.com", "hash", nil, true, false)
	require.NoError(t, err)
	_, err = repo.CreateUser(ctx, " User@Example.com ", "hash", nil, true, false)
	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)
}
