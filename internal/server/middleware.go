package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	accountdomain "github.com/smallbiznis/summarly/internal/account/domain"
	authdomain "github.com/smallbiznis/summarly/internal/auth/domain"
)

const (
	sessionCookieName = "summarly_session"
	principalKey      = "principal"
)

// SessionAuthMiddleware resolves the session cookie (or bearer token)
// to a verified principal and stores it on the request context.
func (s *Server) SessionAuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := s.extractToken(c)
		if token == "" {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		principal, err := s.authSvc.Verify(c.Request.Context(), token)
		if err != nil {
			AbortWithError(c, err)
			return
		}

		c.Set(principalKey, principal)
		c.Next()
	}
}

// RequireAdminMiddleware gates admin endpoints on account status.
func (s *Server) RequireAdminMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		principal := currentPrincipal(c)
		if principal == nil || principal.Account.Status != accountdomain.StatusAdmin {
			AbortWithError(c, ErrForbidden)
			return
		}
		c.Next()
	}
}

func (s *Server) extractToken(c *gin.Context) string {
	if cookie, err := c.Cookie(sessionCookieName); err == nil && cookie != "" {
		return cookie
	}
	header := c.GetHeader("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	return ""
}

func (s *Server) setSessionCookie(c *gin.Context, token string, maxAge int) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(sessionCookieName, token, maxAge, "/", "", s.cfg.AuthCookieSecure, true)
}

func currentPrincipal(c *gin.Context) *authdomain.Principal {
	value, ok := c.Get(principalKey)
	if !ok {
		return nil
	}
	principal, ok := value.(*authdomain.Principal)
	if !ok {
		return nil
	}
	return principal
}
