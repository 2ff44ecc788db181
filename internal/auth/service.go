package auth

import (
	"context"
	"database/sql"

	"github.com/rs/zerolog"

	"github.com/statehub/statehub/internal/logging"
)

// apiUserEmail is the lazily provisioned account behind the static
// API token.
const apiUserEmail = "api@statehub.local"

// Service is the auth facade: credential checks, lockout, token
// lifecycle, and account maintenance.
type Service struct {
	repo    *Repository
	hasher  *PasswordHasher
	tokens  *TokenService
	limiter *LoginLimiter
	logger  zerolog.Logger
}

// NewService wires the auth components together.
func NewService(repo *Repository, tokens *TokenService, limiter *LoginLimiter) *Service {
	return &Service{
		repo:    repo,
		hasher:  NewPasswordHasher(),
		tokens:  tokens,
		limiter: limiter,
		logger:  logging.WithComponent("auth"),
	}
}

// Repository exposes the underlying repository.
func (s *Service) Repository() *Repository { return s.repo }

// Tokens exposes the token service.
func (s *Service) Tokens() *TokenService { return s.tokens }

// Hasher exposes the password hasher.
func (s *Service) Hasher() *PasswordHasher { return s.hasher }

// Login authenticates a user and issues a token bundle. Failures hit
// the lockout limiter keyed by subject and source IP.
func (s *Service) Login(ctx context.Context, email, password string, scopes []string, ip, userAgent string) (*Bundle, error) {
	key := LimiterKey(NormalizeEmail(email), ip)
	if remaining := s.limiter.Check(key); remaining > 0 {
		return nil, &RateLimitedError{RetryAfter: remaining}
	}

	user, err := s.repo.UserByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	if user == nil || !s.hasher.Verify(password, user.PasswordHash) {
		return nil, s.failLogin(ctx, key, email, ip, userAgent)
	}
	if !user.IsActive {
		return nil, &InactiveUserError{Email: user.Email}
	}

	granted, err := grantScopes(user.Scopes, scopes)
	if err != nil {
		return nil, err
	}
	s.limiter.Reset(key)
	return s.tokens.Issue(ctx, user, granted, ip, userAgent)
}

func (s *Service) failLogin(ctx context.Context, key, email, ip, userAgent string) error {
	if err := s.repo.RecordEvent(ctx, &AuditEvent{
		Event:     EventLoginFailure,
		Subject:   NormalizeEmail(email),
		IPAddress: ip,
		UserAgent: userAgent,
	}); err != nil {
		s.logger.Error().Err(err).Msg("failed to record login failure")
	}
	// The failure that trips the threshold still reports bad
	// credentials; the lockout surfaces on the next attempt.
	s.limiter.Hit(key)
	return &InvalidCredentialsError{}
}

// grantScopes narrows a scope request to what the user holds. An
// empty request grants everything the user holds; an out-of-set
// request is refused as a credential failure.
func grantScopes(held, requested []string) ([]string, error) {
	if len(requested) == 0 {
		return held, nil
	}
	allowed := make(map[string]bool, len(held))
	for _, sc := range held {
		allowed[sc] = true
	}
	for _, sc := range requested {
		if !allowed[sc] {
			return nil, &InvalidCredentialsError{}
		}
	}
	return requested, nil
}

// ChangePassword verifies the current password, installs the new
// hash, and revokes every other refresh session of the user. Returns
// the number of sessions revoked.
func (s *Service) ChangePassword(ctx context.Context, user *User, current, next, keepSessionID string) (int, error) {
	if !s.hasher.Verify(current, user.PasswordHash) {
		return 0, &InvalidCredentialsError{}
	}
	hash, err := s.hasher.Hash(next)
	if err != nil {
		return 0, err
	}
	if err := s.repo.UpdateUserPassword(ctx, user.ID, hash); err != nil {
		return 0, err
	}
	revoked, err := s.repo.RevokeUserSessions(ctx, user.ID, ReasonPasswordReset, keepSessionID)
	if err != nil {
		return 0, err
	}
	if err := s.repo.RecordEvent(ctx, &AuditEvent{
		Event:     EventPasswordChange,
		UserID:    user.ID,
		Subject:   user.Email,
		SessionID: keepSessionID,
	}); err != nil {
		return 0, err
	}
	s.logger.Info().Str("user_id", user.ID).Int("sessions_revoked", revoked).Msg("password changed")
	return revoked, nil
}

// Logout revokes the session behind a refresh token. An undecodable
// token is ignored; logout always succeeds from the caller's view.
func (s *Service) Logout(ctx context.Context, refreshToken, ip, userAgent string) error {
	sessionID, err := s.tokens.SessionID(refreshToken)
	if err != nil {
		return nil
	}
	session, err := s.repo.RefreshSessionByID(ctx, sessionID)
	if err != nil {
		return err
	}
	if session == nil {
		return nil
	}
	if _, err := s.tokens.Revoke(ctx, sessionID, ReasonLogout); err != nil {
		return err
	}
	return s.repo.RecordEvent(ctx, &AuditEvent{
		Event:     EventLogout,
		UserID:    session.UserID,
		SessionID: sessionID,
		IPAddress: ip,
		UserAgent: userAgent,
	})
}

// RevokeOwnSession revokes a session only when it belongs to userID.
// The ok result is false when the session is unknown or foreign.
func (s *Service) RevokeOwnSession(ctx context.Context, userID, sessionID string) (bool, error) {
	session, err := s.repo.RefreshSessionByID(ctx, sessionID)
	if err != nil {
		return false, err
	}
	if session == nil || session.UserID != userID {
		return false, nil
	}
	if _, err := s.tokens.Revoke(ctx, sessionID, ReasonLogout); err != nil {
		return false, err
	}
	return true, s.repo.RecordEvent(ctx, &AuditEvent{
		Event:     EventSessionRevoked,
		UserID:    userID,
		SessionID: sessionID,
	})
}

// APIUser returns the lazily provisioned superuser behind the static
// API token, creating it on first use.
func (s *Service) APIUser(ctx context.Context) (*User, error) {
	user, err := s.repo.UserByEmail(ctx, apiUserEmail)
	if err != nil {
		return nil, err
	}
	if user != nil {
		return user, nil
	}
	// The account never logs in with a password; an unguessable
	// random hash keeps the credential path closed.
	secret, err := randomToken()
	if err != nil {
		return nil, err
	}
	hash, err := s.hasher.Hash(secret)
	if err != nil {
		return nil, err
	}
	user, err = s.repo.CreateUser(ctx, apiUserEmail, hash,
		[]string{ScopeConsoleRead, ScopeConsoleWrite}, true, true)
	if err != nil {
		if _, ok := err.(*ConflictError); ok {
			return s.repo.UserByEmail(ctx, apiUserEmail)
		}
		return nil, err
	}
	return user, nil
}

// Tx returns a service whose persistence runs inside tx.
func (s *Service) Tx(tx *sql.Tx) *Service {
	clone := *s
	clone.repo = s.repo.WithTx(tx)
	clone.tokens = s.tokens.Tx(tx)
	return &clone
}
