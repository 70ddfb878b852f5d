package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

func (s *Server) handleLogin(c *gin.Context) {
	c.Redirect(http.StatusFound, s.oauthSvc.AuthorizeURL(c.Query("state")))
}

func (s *Server) handleOAuthCallback(c *gin.Context) {
	code := c.Query("code")
	if code == "" {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	login, err := s.authSvc.ExchangeAuthCode(c.Request.Context(), code)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	maxAge := int(login.ExpiresAt.Sub(s.clock.Now()).Seconds())
	s.setSessionCookie(c, login.Token, maxAge)
	c.Redirect(http.StatusFound, "/api/dashboard")
}

func (s *Server) handleSessionRefresh(c *gin.Context) {
	token := s.extractToken(c)
	login, err := s.authSvc.Refresh(c.Request.Context(), token)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	maxAge := int(login.ExpiresAt.Sub(s.clock.Now()).Seconds())
	s.setSessionCookie(c, login.Token, maxAge)
	c.JSON(http.StatusOK, gin.H{
		"expires_at": login.ExpiresAt,
	})
}

func (s *Server) handleLogoutAll(c *gin.Context) {
	principal := currentPrincipal(c)
	if principal == nil {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	if err := s.authSvc.InvalidateAll(c.Request.Context(), principal.Identity); err != nil {
		AbortWithError(c, err)
		return
	}

	s.setSessionCookie(c, "", -1)
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
