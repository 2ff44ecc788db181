package api

import (
	"net/http"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/statehub/statehub/internal/auth"
)

// Context keys set by the auth middleware.
const (
	ctxUser   = "auth_user"
	ctxClaims = "auth_claims"
)

// requireScopes authenticates the request and enforces the required
// scopes. The static API token short-circuits as a superuser.
func (s *Server) requireScopes(scopes ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}

		if s.cfg.APIToken != "" && token == s.cfg.APIToken {
			user, err := s.authSvc.APIUser(c.Request.Context())
			if err != nil {
				s.abortWithError(c, err)
				return
			}
			c.Set(ctxUser, user)
			c.Set(ctxClaims, &auth.AccessClaims{Scopes: user.Scopes})
			c.Next()
			return
		}

		claims, err := s.authSvc.Tokens().Decode(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid access token"})
			return
		}
		if err := claims.EnsureScopes(scopes...); err != nil {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": err.Error()})
			return
		}

		user, err := s.authSvc.Repository().UserByID(c.Request.Context(), claims.Subject)
		if err != nil {
			s.abortWithError(c, err)
			return
		}
		if user == nil || !user.IsActive {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "user account is inactive"})
			return
		}

		c.Set(ctxUser, user)
		c.Set(ctxClaims, claims)
		c.Next()
	}
}

func bearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func currentUser(c *gin.Context) *auth.User {
	if v, ok := c.Get(ctxUser); ok {
		if user, ok := v.(*auth.User); ok {
			return user
		}
	}
	return nil
}

func currentClaims(c *gin.Context) *auth.AccessClaims {
	if v, ok := c.Get(ctxClaims); ok {
		if claims, ok := v.(*auth.AccessClaims); ok {
			return claims
		}
	}
	return nil
}

// Request-tier throttle defaults, distinct from the login lockout.
const (
	throttleRate  = rate.Limit(50)
	throttleBurst = 100
)

// throttle applies a per-client-IP token bucket across the whole
// surface.
func (s *Server) throttle() gin.HandlerFunc {
	var mu sync.Mutex
	limiters := map[string]*rate.Limiter{}

	return func(c *gin.Context) {
		ip := c.ClientIP()
		mu.Lock()
		limiter, ok := limiters[ip]
		if !ok {
			limiter = rate.NewLimiter(throttleRate, throttleBurst)
			limiters[ip] = limiter
		}
		mu.Unlock()

		if !limiter.Allow() {
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "request rate exceeded"})
			return
		}
		c.Next()
	}
}
