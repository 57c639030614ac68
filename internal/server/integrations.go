package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	accountingdomain "github.com/smallbiznis/sitebridge/internal/accounting/domain"
	"go.uber.org/zap"
)

// QBOConnect redirects the operator to Intuit's consent screen.
func (s *Server) QBOConnect(c *gin.Context) {
	url, err := s.accountingSvc.AuthorizeURL(c.Request.Context(), orgIDFrom(c))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if c.Query("redirect") == "false" {
		c.JSON(http.StatusOK, gin.H{"authorize_url": url})
		return
	}
	c.Redirect(http.StatusFound, url)
}

func (s *Server) QBOCallback(c *gin.Context) {
	if providerErr := strings.TrimSpace(c.Query("error")); providerErr != "" {
		s.log.Warn("qbo.callback.denied", zap.String("error", providerErr))
		AbortWithError(c, newValidationError("error", "authorization_denied", "authorization was not granted"))
		return
	}

	state := strings.TrimSpace(c.Query("state"))
	code := strings.TrimSpace(c.Query("code"))
	realmID := strings.TrimSpace(c.Query("realmId"))
	if state == "" || code == "" {
		AbortWithError(c, invalidRequestError())
		return
	}

	conn, err := s.accountingSvc.CompleteOAuth(c.Request.Context(), state, code, realmID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"connected": true,
		"realm_id":  conn.RealmID,
		"status":    conn.Status,
	})
}

func (s *Server) QBODisconnect(c *gin.Context) {
	if err := s.accountingSvc.Disconnect(c.Request.Context(), orgIDFrom(c)); err != nil {
		AbortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// QBORefresh forces a token refresh. The token itself never leaves the service.
func (s *Server) QBORefresh(c *gin.Context) {
	token, err := s.accountingSvc.RefreshNow(c.Request.Context(), orgIDFrom(c))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"realm_id":   token.RealmID,
		"expires_at": token.ExpiresAt,
	})
}

func (s *Server) QBODiagnostics(c *gin.Context) {
	diag, err := s.accountingSvc.Diagnostics(c.Request.Context(), orgIDFrom(c))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, diag)
}

func (s *Server) QBORetry(c *gin.Context) {
	result, err := s.syncSvc.RetryFailedSyncJobs(c.Request.Context(), orgIDFrom(c))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) QBOSettings(c *gin.Context) {
	settings, connected, err := s.accountingSvc.ActiveSettings(c.Request.Context(), orgIDFrom(c))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"connected": connected,
		"settings":  settings,
	})
}

func (s *Server) UpdateQBOSettings(c *gin.Context) {
	var patch accountingdomain.SettingsPatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	settings, err := s.accountingSvc.UpdateSettings(c.Request.Context(), orgIDFrom(c), patch)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"settings": settings})
}
