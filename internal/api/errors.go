package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/statehub/statehub/internal/auth"
	"github.com/statehub/statehub/internal/compare"
	"github.com/statehub/statehub/internal/drift"
	"github.com/statehub/statehub/internal/state"
	"github.com/statehub/statehub/internal/state/backend"
	"github.com/statehub/statehub/internal/store"
)

// abortWithError maps a typed domain error to its HTTP shape. Refresh
// failures additionally clear the refresh cookie so the client stops
// replaying a dead token.
func (s *Server) abortWithError(c *gin.Context, err error) {
	var (
		backendErr   *backend.Error
		parseErr     *state.ParseError
		mutationErr  *state.MutationError
		planErr      *drift.PlanError
		compareErr   *compare.UnknownTypeError
		notFound     *store.StateNotFoundError
		wsNotFound   *store.WorkspaceNotFoundError
		planNotFound *store.PlanNotFoundError
		wsExists     *store.WorkspaceExistsError
		badCreds     *auth.InvalidCredentialsError
		inactive     *auth.InactiveUserError
		refreshErr   *auth.RefreshTokenError
		expiredErr   *auth.RefreshTokenExpiredError
		reuseErr     *auth.RefreshTokenReuseError
		limitedErr   *auth.RateLimitedError
		conflictErr  *auth.ConflictError
	)

	switch {
	case errors.As(err, &backendErr):
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": backendErr.Error()})
	case errors.As(err, &parseErr):
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": parseErr.Error()})
	case errors.As(err, &mutationErr):
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": mutationErr.Error()})
	case errors.As(err, &planErr):
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": planErr.Error()})
	case errors.As(err, &compareErr):
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": compareErr.Error()})
	case errors.As(err, &notFound):
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": notFound.Error()})
	case errors.As(err, &wsNotFound):
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": wsNotFound.Error()})
	case errors.As(err, &planNotFound):
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": planNotFound.Error()})
	case errors.As(err, &wsExists):
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": wsExists.Error()})
	case errors.As(err, &badCreds):
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Incorrect credentials"})
	case errors.As(err, &inactive):
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "User account is inactive"})
	case errors.As(err, &refreshErr):
		s.clearRefreshCookie(c)
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid refresh token"})
	case errors.As(err, &expiredErr):
		s.clearRefreshCookie(c)
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Refresh token expired"})
	case errors.As(err, &reuseErr):
		s.clearRefreshCookie(c)
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Refresh token reuse detected"})
	case errors.As(err, &limitedErr):
		retryAfter := int(limitedErr.RetryAfter.Seconds())
		if retryAfter < 1 {
			retryAfter = 1
		}
		c.Header("Retry-After", strconv.Itoa(retryAfter))
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "Too many login attempts"})
	case errors.As(err, &conflictErr):
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": conflictErr.Error()})
	default:
		s.logger.Error().Err(err).Str("path", c.Request.URL.Path).Msg("unhandled error")
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
