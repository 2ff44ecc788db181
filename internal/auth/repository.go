package auth

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// querier is the subset of database/sql shared by *sql.DB and
// *sql.Tx, so repository calls join a caller-opened transaction when
// one is supplied.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Repository provides typed access to the auth tables of the shared
// store.
type Repository struct {
	db querier
}

// NewRepository creates a repository over the shared database handle.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// WithTx returns a repository whose operations run inside tx.
func (r *Repository) WithTx(tx *sql.Tx) *Repository {
	return &Repository{db: tx}
}

// NormalizeEmail lower-cases and trims an email for uniqueness.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// CreateUser inserts a user with a normalized unique email. A
// duplicate email yields ConflictError.
func (r *Repository) CreateUser(ctx context.Context, email, passwordHash string, scopes []string, active, superuser bool) (*User, error) {
	now := time.Now().UTC()
	user := &User{
		ID:           uuid.NewString(),
		Email:        NormalizeEmail(email),
		PasswordHash: passwordHash,
		IsActive:     active,
		IsSuperuser:  superuser,
		Scopes:       scopes,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO users (id, email, password_hash, is_active, is_superuser, scopes, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		user.ID, user.Email, user.PasswordHash, user.IsActive, user.IsSuperuser,
		encodeScopes(user.Scopes), user.CreatedAt, user.UpdatedAt)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return nil, &ConflictError{Email: user.Email}
		}
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	return user, nil
}

// UserByEmail looks a user up by normalized email. A missing user
// returns (nil, nil).
func (r *Repository) UserByEmail(ctx context.Context, email string) (*User, error) {
	return r.scanUser(r.db.QueryRowContext(ctx, `
		SELECT id, email, password_hash, is_active, is_superuser, scopes, created_at, updated_at
		FROM users WHERE email = ?`, NormalizeEmail(email)))
}

// UserByID looks a user up by id. A missing user returns (nil, nil).
func (r *Repository) UserByID(ctx context.Context, id string) (*User, error) {
	return r.scanUser(r.db.QueryRowContext(ctx, `
		SELECT id, email, password_hash, is_active, is_superuser, scopes, created_at, updated_at
		FROM users WHERE id = ?`, id))
}

func (r *Repository) scanUser(row *sql.Row) (*User, error) {
	var u User
	var scopes string
	err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.IsActive, &u.IsSuperuser,
		&scopes, &u.CreatedAt, &u.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	u.Scopes = decodeScopes(scopes)
	return &u, nil
}

// UpdateUserEmail changes a user's email, keeping it normalized and
// unique.
func (r *Repository) UpdateUserEmail(ctx context.Context, id, email string) error {
	_, err := r.db.ExecContext(ctx,
		"UPDATE users SET email = ?, updated_at = ? WHERE id = ?",
		NormalizeEmail(email), time.Now().UTC(), id)
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return &ConflictError{Email: NormalizeEmail(email)}
	}
	return err
}

// UpdateUserPassword replaces a user's password hash.
func (r *Repository) UpdateUserPassword(ctx context.Context, id, passwordHash string) error {
	_, err := r.db.ExecContext(ctx,
		"UPDATE users SET password_hash = ?, updated_at = ? WHERE id = ?",
		passwordHash, time.Now().UTC(), id)
	return err
}

// CreateRefreshSession persists a new refresh session row.
func (r *Repository) CreateRefreshSession(ctx context.Context, s *RefreshSession) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO auth_refresh_sessions
			(id, user_id, family_id, token_hash, anti_csrf, scopes,
			 ip_address, user_agent, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.UserID, s.FamilyID, s.TokenHash, s.AntiCSRF,
		encodeScopes(s.Scopes), s.IPAddress, s.UserAgent, s.CreatedAt, s.ExpiresAt)
	if err != nil {
		return fmt.Errorf("failed to create refresh session: %w", err)
	}
	return nil
}

const sessionColumns = `id, user_id, family_id, token_hash, anti_csrf, scopes,
	ip_address, user_agent, created_at, last_used_at, expires_at,
	revoked_at, revoked_reason, replaced_by`

// RefreshSessionByID loads a session. A missing session returns
// (nil, nil).
func (r *Repository) RefreshSessionByID(ctx context.Context, id string) (*RefreshSession, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT "+sessionColumns+" FROM auth_refresh_sessions WHERE id = ?", id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	sessions, err := scanSessions(rows)
	if err != nil || len(sessions) == 0 {
		return nil, err
	}
	return &sessions[0], nil
}

// ActiveRefreshSessions lists a user's sessions that are neither
// revoked nor expired at now, newest first.
func (r *Repository) ActiveRefreshSessions(ctx context.Context, userID string, now time.Time) ([]RefreshSession, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT "+sessionColumns+` FROM auth_refresh_sessions
		WHERE user_id = ? AND revoked_at IS NULL AND expires_at > ?
		ORDER BY created_at DESC`, userID, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSessions(rows)
}

// SessionsByFamily lists every session in a rotation family.
func (r *Repository) SessionsByFamily(ctx context.Context, familyID string) ([]RefreshSession, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT "+sessionColumns+` FROM auth_refresh_sessions
		WHERE family_id = ? ORDER BY created_at`, familyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSessions(rows)
}

func scanSessions(rows *sql.Rows) ([]RefreshSession, error) {
	sessions := []RefreshSession{}
	for rows.Next() {
		var s RefreshSession
		var scopes string
		var ip, ua, reason, replacedBy sql.NullString
		if err := rows.Scan(&s.ID, &s.UserID, &s.FamilyID, &s.TokenHash,
			&s.AntiCSRF, &scopes, &ip, &ua, &s.CreatedAt, &s.LastUsedAt,
			&s.ExpiresAt, &s.RevokedAt, &reason, &replacedBy); err != nil {
			return nil, err
		}
		s.Scopes = decodeScopes(scopes)
		s.IPAddress = ip.String
		s.UserAgent = ua.String
		s.RevokedReason = reason.String
		s.ReplacedBy = replacedBy.String
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// RevokeRefreshSession marks a session revoked. The update is
// conditional on revoked_at being null so a concurrent second revoke
// is a no-op; the call reports whether this invocation won.
func (r *Repository) RevokeRefreshSession(ctx context.Context, id, reason, replacedBy string) (bool, error) {
	var replaced any
	if replacedBy != "" {
		replaced = replacedBy
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE auth_refresh_sessions
		SET revoked_at = ?, revoked_reason = ?, replaced_by = COALESCE(?, replaced_by)
		WHERE id = ? AND revoked_at IS NULL`,
		time.Now().UTC(), reason, replaced, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// RevokeFamily revokes every not-yet-revoked session in a family and
// returns the number of sessions revoked.
func (r *Repository) RevokeFamily(ctx context.Context, familyID, reason string) (int, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE auth_refresh_sessions
		SET revoked_at = ?, revoked_reason = ?
		WHERE family_id = ? AND revoked_at IS NULL`,
		time.Now().UTC(), reason, familyID)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// RevokeUserSessions revokes every active session of a user except
// exceptID (pass "" to revoke all) and returns the revoked count.
func (r *Repository) RevokeUserSessions(ctx context.Context, userID, reason, exceptID string) (int, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE auth_refresh_sessions
		SET revoked_at = ?, revoked_reason = ?
		WHERE user_id = ? AND revoked_at IS NULL AND id != ?`,
		time.Now().UTC(), reason, userID, exceptID)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// SessionUpdate carries the optional fields of a partial session
// update; nil fields are left untouched.
type SessionUpdate struct {
	TokenHash  *string
	ExpiresAt  *time.Time
	AntiCSRF   *string
	LastUsedAt *time.Time
}

// TouchRefreshSession applies a partial update to a session.
func (r *Repository) TouchRefreshSession(ctx context.Context, id string, update SessionUpdate) error {
	sets := []string{}
	args := []any{}
	if update.TokenHash != nil {
		sets = append(sets, "token_hash = ?")
		args = append(args, *update.TokenHash)
	}
	if update.ExpiresAt != nil {
		sets = append(sets, "expires_at = ?")
		args = append(args, *update.ExpiresAt)
	}
	if update.AntiCSRF != nil {
		sets = append(sets, "anti_csrf = ?")
		args = append(args, *update.AntiCSRF)
	}
	if update.LastUsedAt != nil {
		sets = append(sets, "last_used_at = ?")
		args = append(args, *update.LastUsedAt)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)
	_, err := r.db.ExecContext(ctx,
		"UPDATE auth_refresh_sessions SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...)
	return err
}

// RecordEvent appends an audit event. Events are never updated or
// deleted.
func (r *Repository) RecordEvent(ctx context.Context, e *AuditEvent) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	var userID, sessionID, details any
	if e.UserID != "" {
		userID = e.UserID
	}
	if e.SessionID != "" {
		sessionID = e.SessionID
	}
	if len(e.Details) > 0 {
		details = string(e.Details)
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO auth_audit_events
			(id, event, user_id, subject, session_id, scopes, ip_address, user_agent, details, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Event, userID, e.Subject, sessionID, encodeScopes(e.Scopes),
		e.IPAddress, e.UserAgent, details, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to record audit event: %w", err)
	}
	return nil
}

// RecentEvents lists audit events newest first, optionally filtered
// by user or session. limit is clamped to 1..200.
func (r *Repository) RecentEvents(ctx context.Context, userID, sessionID string, limit int) ([]AuditEvent, error) {
	if limit < 1 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}
	query := `
		SELECT id, event, user_id, subject, session_id, scopes,
		       ip_address, user_agent, details, created_at
		FROM auth_audit_events WHERE 1=1`
	args := []any{}
	if userID != "" {
		query += " AND user_id = ?"
		args = append(args, userID)
	}
	if sessionID != "" {
		query += " AND session_id = ?"
		args = append(args, sessionID)
	}
	query += " ORDER BY created_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := []AuditEvent{}
	for rows.Next() {
		var e AuditEvent
		var userID, subject, sessionID, scopes, ip, ua, details sql.NullString
		if err := rows.Scan(&e.ID, &e.Event, &userID, &subject, &sessionID,
			&scopes, &ip, &ua, &details, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.UserID = userID.String
		e.Subject = subject.String
		e.SessionID = sessionID.String
		e.Scopes = decodeScopes(scopes.String)
		e.IPAddress = ip.String
		e.UserAgent = ua.String
		if details.Valid {
			e.Details = json.RawMessage(details.String)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func encodeScopes(scopes []string) string {
	if len(scopes) == 0 {
		return "[]"
	}
	raw, _ := json.Marshal(scopes)
	return string(raw)
}

func decodeScopes(raw string) []string {
	if raw == "" || raw == "[]" {
		return []string{}
	}
	var scopes []string
	if err := json.Unmarshal([]byte(raw), &scopes); err != nil {
		return []string{}
	}
	return scopes
}
