package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/statehub/statehub/internal/auth"
	"github.com/statehub/statehub/internal/metrics"
)

// csrfHeader carries the anti-CSRF token on issuance, rotation, and
// refresh requests.
const csrfHeader = "X-Refresh-Token-CSRF"

type loginForm struct {
	Username string `form:"username" binding:"required"`
	Password string `form:"password" binding:"required"`
	Scope    string `form:"scope"`
}

type tokenResponse struct {
	AccessToken      string   `json:"access_token"`
	TokenType        string   `json:"token_type"`
	ExpiresIn        int      `json:"expires_in"`
	RefreshExpiresIn int      `json:"refresh_expires_in"`
	Scopes           []string `json:"scopes"`
	RefreshToken     string   `json:"refresh_token"`
	AntiCSRFToken    string   `json:"anti_csrf_token"`
	SessionID        string   `json:"session_id"`
}

func (s *Server) handleLogin(c *gin.Context) {
	var form loginForm
	if err := c.ShouldBind(&form); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "username and password are required"})
		return
	}

	var bundle *auth.Bundle
	err := s.inAuthTx(c, func(svc *auth.Service) error {
		var err error
		bundle, err = svc.Login(c.Request.Context(), form.Username, form.Password,
			strings.Fields(form.Scope), c.ClientIP(), c.Request.UserAgent())
		return err
	})
	if err != nil {
		var limited *auth.RateLimitedError
		if errors.As(err, &limited) {
			metrics.Logins.WithLabelValues(metrics.OutcomeRateLimited).Inc()
		} else {
			metrics.Logins.WithLabelValues(metrics.OutcomeFailure).Inc()
		}
		s.abortWithError(c, err)
		return
	}

	metrics.Logins.WithLabelValues(metrics.OutcomeSuccess).Inc()
	s.writeBundle(c, bundle)
}

func (s *Server) handleRefresh(c *gin.Context) {
	refreshToken, err := c.Cookie(s.cfg.RefreshCookie)
	if err != nil || refreshToken == "" {
		s.clearRefreshCookie(c)
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Missing refresh token"})
		return
	}

	var bundle *auth.Bundle
	err = s.inAuthTx(c, func(svc *auth.Service) error {
		var err error
		bundle, err = svc.Tokens().Rotate(c.Request.Context(), refreshToken,
			c.GetHeader(csrfHeader), c.ClientIP(), c.Request.UserAgent())
		return err
	})
	if err != nil {
		var reuse *auth.RefreshTokenReuseError
		if errors.As(err, &reuse) {
			metrics.ReuseDetections.Inc()
		}
		s.abortWithError(c, err)
		return
	}

	metrics.TokenRotations.Inc()
	s.writeBundle(c, bundle)
}

func (s *Server) handleLogout(c *gin.Context) {
	if refreshToken, err := c.Cookie(s.cfg.RefreshCookie); err == nil && refreshToken != "" {
		err := s.inAuthTx(c, func(svc *auth.Service) error {
			return svc.Logout(c.Request.Context(), refreshToken, c.ClientIP(), c.Request.UserAgent())
		})
		if err != nil {
			s.abortWithError(c, err)
			return
		}
	}
	s.clearRefreshCookie(c)
	c.JSON(http.StatusOK, gin.H{"status": "logged_out"})
}

func (s *Server) handleMe(c *gin.Context) {
	c.JSON(http.StatusOK, currentUser(c))
}

type updateMeRequest struct {
	Email string `json:"email" binding:"required,email"`
}

func (s *Server) handleUpdateMe(c *gin.Context) {
	var req updateMeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "a valid email is required"})
		return
	}
	user := currentUser(c)
	if err := s.authSvc.Repository().UpdateUserEmail(c.Request.Context(), user.ID, req.Email); err != nil {
		s.abortWithError(c, err)
		return
	}
	updated, err := s.authSvc.Repository().UserByID(c.Request.Context(), user.ID)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, updated)
}

type changePasswordRequest struct {
	CurrentPassword string `json:"current_password" binding:"required"`
	NewPassword     string `json:"new_password" binding:"required,min=8"`
}

func (s *Server) handleChangePassword(c *gin.Context) {
	var req changePasswordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "current_password and new_password (min 8 chars) are required"})
		return
	}

	user := currentUser(c)
	keep := ""
	if claims := currentClaims(c); claims != nil {
		keep = claims.SessionID
	}

	var revoked int
	err := s.inAuthTx(c, func(svc *auth.Service) error {
		var err error
		revoked, err = svc.ChangePassword(c.Request.Context(), user, req.CurrentPassword, req.NewPassword, keep)
		return err
	})
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "password_changed", "revoked_sessions": revoked})
}

func (s *Server) handleListSessions(c *gin.Context) {
	user := currentUser(c)
	sessions, err := s.authSvc.Repository().ActiveRefreshSessions(c.Request.Context(), user.ID, time.Now().UTC())
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

func (s *Server) handleRevokeSession(c *gin.Context) {
	user := currentUser(c)
	var ok bool
	err := s.inAuthTx(c, func(svc *auth.Service) error {
		var err error
		ok, err = svc.RevokeOwnSession(c.Request.Context(), user.ID, c.Param("id"))
		return err
	})
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "revoked"})
}

func (s *Server) handleListEvents(c *gin.Context) {
	user := currentUser(c)
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	events, err := s.authSvc.Repository().RecentEvents(c.Request.Context(), user.ID, "", limit)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

// writeBundle renders the token bundle shared by login and refresh:
// JSON body, refresh cookie, anti-CSRF response header.
func (s *Server) writeBundle(c *gin.Context, bundle *auth.Bundle) {
	s.setRefreshCookie(c, bundle.RefreshToken)
	c.Header(csrfHeader, bundle.AntiCSRFToken)
	c.JSON(http.StatusOK, tokenResponse{
		AccessToken:      bundle.AccessToken,
		TokenType:        "bearer",
		ExpiresIn:        int(s.cfg.AccessTokenTTL.Seconds()),
		RefreshExpiresIn: int(s.cfg.RefreshTokenTTL.Seconds()),
		Scopes:           bundle.Session.Scopes,
		RefreshToken:     bundle.RefreshToken,
		AntiCSRFToken:    bundle.AntiCSRFToken,
		SessionID:        bundle.Session.ID,
	})
}

func (s *Server) setRefreshCookie(c *gin.Context, token string) {
	http.SetCookie(c.Writer, &http.Cookie{
		Name:     s.cfg.RefreshCookie,
		Value:    token,
		Path:     "/auth",
		Domain:   s.cfg.CookieDomain,
		MaxAge:   int(s.cfg.RefreshTokenTTL.Seconds()),
		HttpOnly: true,
		Secure:   s.cfg.CookieSecure,
		SameSite: sameSiteMode(s.cfg.CookieSameSite),
	})
}

func (s *Server) clearRefreshCookie(c *gin.Context) {
	http.SetCookie(c.Writer, &http.Cookie{
		Name:     s.cfg.RefreshCookie,
		Value:    "",
		Path:     "/auth",
		Domain:   s.cfg.CookieDomain,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   s.cfg.CookieSecure,
		SameSite: sameSiteMode(s.cfg.CookieSameSite),
	})
}

func sameSiteMode(mode string) http.SameSite {
	switch strings.ToLower(mode) {
	case "strict":
		return http.SameSiteStrictMode
	case "none":
		return http.SameSiteNoneMode
	default:
		return http.SameSiteLaxMode
	}
}

// inAuthTx runs fn inside a database transaction. Typed auth failures
// still commit: reuse revocations and failure audits must survive the
// error response.
func (s *Server) inAuthTx(c *gin.Context, fn func(svc *auth.Service) error) error {
	tx, err := s.store.DB().BeginTx(c.Request.Context(), nil)
	if err != nil {
		return err
	}
	fnErr := fn(s.authSvc.Tx(tx))
	if fnErr == nil || isAuthDomainError(fnErr) {
		if err := tx.Commit(); err != nil {
			return err
		}
		return fnErr
	}
	tx.Rollback()
	return fnErr
}

func isAuthDomainError(err error) bool {
	var (
		badCreds   *auth.InvalidCredentialsError
		inactive   *auth.InactiveUserError
		refreshErr *auth.RefreshTokenError
		expired    *auth.RefreshTokenExpiredError
		reuse      *auth.RefreshTokenReuseError
		limited    *auth.RateLimitedError
		conflict   *auth.ConflictError
	)
	return errors.As(err, &badCreds) || errors.As(err, &inactive) ||
		errors.As(err, &refreshErr) || errors.As(err, &expired) ||
		errors.As(err, &reuse) || errors.As(err, &limited) ||
		errors.As(err, &conflict)
}
