package auth

import (
	"encoding/json"
	"fmt"
	"time"
)

// User represents an account that can authenticate against the
// console surface.
type User struct {
	ID           string    `json:"id" db:"id"`
	Email        string    `json:"email" db:"email"`
	PasswordHash string    `json:"-" db:"password_hash"`
	IsActive     bool      `json:"is_active" db:"is_active"`
	IsSuperuser  bool      `json:"is_superuser" db:"is_superuser"`
	Scopes       []string  `json:"scopes" db:"scopes"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time `json:"updated_at" db:"updated_at"`
}

// RefreshSession represents one link in a refresh-token rotation
// chain. Sessions sharing a family_id descend from the same login.
type RefreshSession struct {
	ID            string     `json:"id" db:"id"`
	UserID        string     `json:"user_id" db:"user_id"`
	FamilyID      string     `json:"family_id" db:"family_id"`
	TokenHash     string     `json:"-" db:"token_hash"`
	AntiCSRF      string     `json:"-" db:"anti_csrf"`
	Scopes        []string   `json:"scopes" db:"scopes"`
	IPAddress     string     `json:"ip_address" db:"ip_address"`
	UserAgent     string     `json:"user_agent" db:"user_agent"`
	CreatedAt     time.Time  `json:"created_at" db:"created_at"`
	LastUsedAt    *time.Time `json:"last_used_at" db:"last_used_at"`
	ExpiresAt     time.Time  `json:"expires_at" db:"expires_at"`
	RevokedAt     *time.Time `json:"revoked_at" db:"revoked_at"`
	RevokedReason string     `json:"revoked_reason,omitempty" db:"revoked_reason"`
	ReplacedBy    string     `json:"replaced_by,omitempty" db:"replaced_by"`
}

// Active reports whether the session can still be rotated.
func (s *RefreshSession) Active(now time.Time) bool {
	return s.RevokedAt == nil && s.ExpiresAt.After(now)
}

// AuditEvent represents one append-only entry in the auth audit log.
type AuditEvent struct {
	ID        string          `json:"id" db:"id"`
	Event     string          `json:"event" db:"event"`
	UserID    string          `json:"user_id,omitempty" db:"user_id"`
	Subject   string          `json:"subject,omitempty" db:"subject"`
	SessionID string          `json:"session_id,omitempty" db:"session_id"`
	Scopes    []string        `json:"scopes,omitempty" db:"scopes"`
	IPAddress string          `json:"ip_address,omitempty" db:"ip_address"`
	UserAgent string          `json:"user_agent,omitempty" db:"user_agent"`
	Details   json.RawMessage `json:"details,omitempty" db:"details"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
}

// Audit event tags.
const (
	EventLoginSuccess   = "login_success"
	EventLoginFailure   = "login_failure"
	EventRefreshRotated = "refresh_rotated"
	EventRefreshReuse   = "refresh_reuse"
	EventLogout         = "logout"
	EventPasswordChange = "password_change"
	EventSessionRevoked = "session_revoked"
)

// Console scopes.
const (
	ScopeConsoleRead  = "console:read"
	ScopeConsoleWrite = "console:write"
)

// Revocation reasons.
const (
	ReasonRotated       = "rotated"
	ReasonReuseDetected = "reuse_detected"
	ReasonLogout        = "logout"
	ReasonPasswordReset = "password_change"
)

// InvalidCredentialsError indicates an unknown user or a wrong
// password. Both collapse into the same error on purpose.
type InvalidCredentialsError struct{}

func (e *InvalidCredentialsError) Error() string { return "incorrect credentials" }

// InactiveUserError indicates a deactivated account.
type InactiveUserError struct {
	Email string
}

func (e *InactiveUserError) Error() string { return "user account is inactive" }

// RefreshTokenError indicates a refresh token that failed signature,
// type, session, or anti-CSRF validation.
type RefreshTokenError struct {
	Reason string
}

func (e *RefreshTokenError) Error() string { return "invalid refresh token: " + e.Reason }

// RefreshTokenExpiredError indicates a refresh session past its
// expiry.
type RefreshTokenExpiredError struct{}

func (e *RefreshTokenExpiredError) Error() string { return "refresh token expired" }

// RefreshTokenReuseError indicates replay of an already-rotated or
// revoked refresh token. Raising it implies the whole family was
// revoked.
type RefreshTokenReuseError struct {
	FamilyID string
}

func (e *RefreshTokenReuseError) Error() string { return "refresh token reuse detected" }

// RateLimitedError indicates an active login lockout.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("too many login attempts, retry in %ds", int(e.RetryAfter.Seconds()))
}

// ConflictError indicates a duplicate normalized email.
type ConflictError struct {
	Email string
}

func (e *ConflictError) Error() string { return "user already exists: " + e.Email }

// InsufficientScopeError indicates an access token missing a required
// scope.
type InsufficientScopeError struct {
	Missing string
}

func (e *InsufficientScopeError) Error() string { return "missing required scope: " + e.Missing }
