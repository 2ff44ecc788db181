package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/base64"
	"encoding/hex"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/statehub/statehub/internal/logging"
)

// TokenConfig carries the immutable signing material and lifetimes.
// Loaded once at startup, never mutated.
type TokenConfig struct {
	AccessSecret  []byte
	RefreshSecret []byte
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
	Issuer        string
	Audience      string
	RequireCSRF   bool
}

// AccessClaims is the payload of an access token.
type AccessClaims struct {
	Scopes    []string `json:"scopes"`
	TokenType string   `json:"type"`
	SessionID string   `json:"sid"`
	FamilyID  string   `json:"fam"`
	jwt.RegisteredClaims
}

// EnsureScopes checks that every required scope is present.
func (c *AccessClaims) EnsureScopes(required ...string) error {
	have := make(map[string]bool, len(c.Scopes))
	for _, s := range c.Scopes {
		have[s] = true
	}
	for _, s := range required {
		if !have[s] {
			return &InsufficientScopeError{Missing: s}
		}
	}
	return nil
}

// refreshClaims is the payload of a refresh token. The jti carries
// 32 bytes of randomness; the server stores only a digest of the
// serialized token.
type refreshClaims struct {
	TokenType string `json:"type"`
	SessionID string `json:"sid"`
	FamilyID  string `json:"fam"`
	jwt.RegisteredClaims
}

// AccessTokenError indicates an access token that failed signature,
// type, or claim validation.
type AccessTokenError struct {
	Reason string
}

func (e *AccessTokenError) Error() string { return "invalid access token: " + e.Reason }

// Bundle is what a successful issuance or rotation returns. The
// refresh plaintext and anti-CSRF token leave the service only here.
type Bundle struct {
	AccessToken   string
	RefreshToken  string
	AntiCSRFToken string
	Session       *RefreshSession
}

// TokenService issues, rotates, and validates the token set.
type TokenService struct {
	repo   *Repository
	cfg    TokenConfig
	logger zerolog.Logger
	now    func() time.Time
}

// NewTokenService creates a token service over the given repository.
func NewTokenService(repo *Repository, cfg TokenConfig) *TokenService {
	if cfg.AccessTTL <= 0 {
		cfg.AccessTTL = 30 * time.Minute
	}
	if cfg.RefreshTTL <= 0 {
		cfg.RefreshTTL = 7 * 24 * time.Hour
	}
	if len(cfg.RefreshSecret) == 0 {
		cfg.RefreshSecret = cfg.AccessSecret
	}
	return &TokenService{
		repo:   repo,
		cfg:    cfg,
		logger: logging.WithComponent("auth.tokens"),
		now:    time.Now,
	}
}

// Tx returns a service whose persistence runs inside tx.
func (s *TokenService) Tx(tx *sql.Tx) *TokenService {
	clone := *s
	clone.repo = s.repo.WithTx(tx)
	return &clone
}

// Issue creates a fresh session family for a user and returns the
// full token bundle.
func (s *TokenService) Issue(ctx context.Context, user *User, scopes []string, ip, userAgent string) (*Bundle, error) {
	if !user.IsActive {
		return nil, &InactiveUserError{Email: user.Email}
	}
	now := s.now().UTC()
	session := &RefreshSession{
		ID:        uuid.NewString(),
		UserID:    user.ID,
		FamilyID:  uuid.NewString(),
		Scopes:    scopes,
		IPAddress: ip,
		UserAgent: userAgent,
		CreatedAt: now,
		ExpiresAt: now.Add(s.cfg.RefreshTTL),
	}
	bundle, err := s.mintBundle(ctx, user, session)
	if err != nil {
		return nil, err
	}

	if err := s.repo.RecordEvent(ctx, &AuditEvent{
		Event:     EventLoginSuccess,
		UserID:    user.ID,
		Subject:   user.Email,
		SessionID: session.ID,
		Scopes:    scopes,
		IPAddress: ip,
		UserAgent: userAgent,
	}); err != nil {
		return nil, err
	}
	s.logger.Info().Str("user_id", user.ID).Str("session_id", session.ID).Msg("session issued")
	return bundle, nil
}

// Rotate exchanges a refresh token for a successor session in the
// same family. A replayed or tampered token revokes the whole family.
func (s *TokenService) Rotate(ctx context.Context, refreshToken, antiCSRF, ip, userAgent string) (*Bundle, error) {
	claims, err := s.decodeRefresh(refreshToken)
	if err != nil {
		return nil, err
	}

	session, err := s.repo.RefreshSessionByID(ctx, claims.SessionID)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, &RefreshTokenError{Reason: "unknown session"}
	}

	now := s.now().UTC()
	if now.After(session.ExpiresAt) {
		return nil, &RefreshTokenExpiredError{}
	}
	if session.RevokedAt != nil {
		return nil, s.handleReuse(ctx, session, ip, userAgent)
	}
	if hashToken(refreshToken) != session.TokenHash {
		return nil, s.handleReuse(ctx, session, ip, userAgent)
	}
	if antiCSRF == "" && s.cfg.RequireCSRF {
		return nil, &RefreshTokenError{Reason: "missing anti-csrf token"}
	}
	if antiCSRF != "" && antiCSRF != session.AntiCSRF {
		return nil, &RefreshTokenError{Reason: "anti-csrf mismatch"}
	}

	user, err := s.repo.UserByID(ctx, session.UserID)
	if err != nil {
		return nil, err
	}
	if user == nil || !user.IsActive {
		return nil, &InactiveUserError{}
	}

	successor := &RefreshSession{
		ID:        uuid.NewString(),
		UserID:    session.UserID,
		FamilyID:  session.FamilyID,
		Scopes:    session.Scopes,
		IPAddress: ip,
		UserAgent: userAgent,
		CreatedAt: now,
		ExpiresAt: now.Add(s.cfg.RefreshTTL),
	}

	// The conditional revoke is the serialization point: exactly one
	// concurrent rotation wins it, the loser lands in the revoked
	// branch and triggers reuse handling.
	won, err := s.repo.RevokeRefreshSession(ctx, session.ID, ReasonRotated, successor.ID)
	if err != nil {
		return nil, err
	}
	if !won {
		return nil, s.handleReuse(ctx, session, ip, userAgent)
	}

	bundle, err := s.mintBundle(ctx, user, successor)
	if err != nil {
		return nil, err
	}

	if err := s.repo.RecordEvent(ctx, &AuditEvent{
		Event:     EventRefreshRotated,
		UserID:    user.ID,
		Subject:   user.Email,
		SessionID: successor.ID,
		Scopes:    successor.Scopes,
		IPAddress: ip,
		UserAgent: userAgent,
	}); err != nil {
		return nil, err
	}
	s.logger.Info().
		Str("user_id", user.ID).
		Str("old_session", session.ID).
		Str("new_session", successor.ID).
		Msg("refresh token rotated")
	return bundle, nil
}

func (s *TokenService) handleReuse(ctx context.Context, session *RefreshSession, ip, userAgent string) error {
	revoked, err := s.repo.RevokeFamily(ctx, session.FamilyID, ReasonReuseDetected)
	if err != nil {
		return err
	}
	if err := s.repo.RecordEvent(ctx, &AuditEvent{
		Event:     EventRefreshReuse,
		UserID:    session.UserID,
		SessionID: session.ID,
		IPAddress: ip,
		UserAgent: userAgent,
	}); err != nil {
		return err
	}
	s.logger.Warn().
		Str("user_id", session.UserID).
		Str("family_id", session.FamilyID).
		Int("sessions_revoked", revoked).
		Msg("refresh token reuse detected")
	return &RefreshTokenReuseError{FamilyID: session.FamilyID}
}

// Revoke marks a session revoked and returns its revoked-at time.
// Re-revoking is a no-op that returns the existing timestamp.
func (s *TokenService) Revoke(ctx context.Context, sessionID, reason string) (*time.Time, error) {
	if _, err := s.repo.RevokeRefreshSession(ctx, sessionID, reason, ""); err != nil {
		return nil, err
	}
	session, err := s.repo.RefreshSessionByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, &RefreshTokenError{Reason: "unknown session"}
	}
	return session.RevokedAt, nil
}

// SessionID extracts the session id from a refresh token after
// signature and type checks, without consulting the store.
func (s *TokenService) SessionID(refreshToken string) (string, error) {
	claims, err := s.decodeRefresh(refreshToken)
	if err != nil {
		return "", err
	}
	return claims.SessionID, nil
}

// Decode verifies an access token and returns its claims.
func (s *TokenService) Decode(token string) (*AccessClaims, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{"HS256"})}
	if s.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.cfg.Issuer))
	}
	if s.cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(s.cfg.Audience))
	}
	claims := &AccessClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return s.cfg.AccessSecret, nil
	}, opts...)
	if err != nil {
		return nil, &AccessTokenError{Reason: err.Error()}
	}
	if claims.TokenType != "access" {
		return nil, &AccessTokenError{Reason: "not an access token"}
	}
	return claims, nil
}

// mintBundle signs the token pair for a session, stores the refresh
// digest, and persists the session row.
func (s *TokenService) mintBundle(ctx context.Context, user *User, session *RefreshSession) (*Bundle, error) {
	refreshToken, err := s.signRefresh(user.ID, session)
	if err != nil {
		return nil, err
	}
	antiCSRF, err := randomToken()
	if err != nil {
		return nil, err
	}
	session.TokenHash = hashToken(refreshToken)
	session.AntiCSRF = antiCSRF
	if err := s.repo.CreateRefreshSession(ctx, session); err != nil {
		return nil, err
	}

	accessToken, err := s.signAccess(user.ID, session)
	if err != nil {
		return nil, err
	}
	return &Bundle{
		AccessToken:   accessToken,
		RefreshToken:  refreshToken,
		AntiCSRFToken: antiCSRF,
		Session:       session,
	}, nil
}

func (s *TokenService) signAccess(userID string, session *RefreshSession) (string, error) {
	now := s.now().UTC()
	claims := &AccessClaims{
		Scopes:    session.Scopes,
		TokenType: "access",
		SessionID: session.ID,
		FamilyID:  session.FamilyID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.cfg.AccessTTL)),
		},
	}
	if s.cfg.Issuer != "" {
		claims.Issuer = s.cfg.Issuer
	}
	if s.cfg.Audience != "" {
		claims.Audience = jwt.ClaimStrings{s.cfg.Audience}
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.cfg.AccessSecret)
}

func (s *TokenService) signRefresh(userID string, session *RefreshSession) (string, error) {
	entropy, err := randomToken()
	if err != nil {
		return "", err
	}
	claims := &refreshClaims{
		TokenType: "refresh",
		SessionID: session.ID,
		FamilyID:  session.FamilyID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ID:        entropy,
			IssuedAt:  jwt.NewNumericDate(session.CreatedAt),
			ExpiresAt: jwt.NewNumericDate(session.ExpiresAt),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.cfg.RefreshSecret)
}

// decodeRefresh checks signature and type only. Expiry and revocation
// are judged against the stored session, not the claim set.
func (s *TokenService) decodeRefresh(token string) (*refreshClaims, error) {
	claims := &refreshClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return s.cfg.RefreshSecret, nil
	}, jwt.WithValidMethods([]string{"HS256"}), jwt.WithoutClaimsValidation())
	if err != nil {
		return nil, &RefreshTokenError{Reason: "malformed or bad signature"}
	}
	if claims.TokenType != "refresh" {
		return nil, &RefreshTokenError{Reason: "not a refresh token"}
	}
	return claims, nil
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func randomToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
