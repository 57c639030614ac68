package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	portaldomain "github.com/smallbiznis/sitebridge/internal/portal/domain"
)

type portalAuthRequest struct {
	Token     string `json:"token"`
	TokenType string `json:"token_type"`
	Mode      string `json:"mode"`
	Email     string `json:"email"`
	Password  string `json:"password"`
	FullName  string `json:"full_name"`
}

type portalAuthResponse struct {
	Account   *portaldomain.Account `json:"account"`
	Scope     portaldomain.Scope    `json:"scope"`
	ExpiresAt time.Time             `json:"expires_at"`
	Created   bool                  `json:"created"`
}

func (s *Server) PortalAuthenticate(c *gin.Context) {
	var req portalAuthRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	result, err := s.portalSvc.AuthenticateWithToken(c.Request.Context(), portaldomain.AuthenticateRequest{
		Token:     strings.TrimSpace(req.Token),
		TokenType: portaldomain.TokenType(strings.TrimSpace(req.TokenType)),
		Mode:      portaldomain.Mode(strings.TrimSpace(req.Mode)),
		Email:     req.Email,
		Password:  req.Password,
		FullName:  req.FullName,
		IPAddress: c.ClientIP(),
		UserAgent: c.Request.UserAgent(),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	s.sessions.Set(c, result.SessionToken, result.ExpiresAt)
	c.JSON(http.StatusOK, portalAuthResponse{
		Account:   result.Account,
		Scope:     result.Scope,
		ExpiresAt: result.ExpiresAt,
		Created:   result.Created,
	})
}

type portalSessionResponse struct {
	*portaldomain.SessionView
	Scope *portaldomain.Scope `json:"scope,omitempty"`
}

// PortalSession validates the cookie session. With access_token and
// token_type query parameters it also checks the grant for that resource.
func (s *Server) PortalSession(c *gin.Context) {
	raw, ok := s.sessions.ReadToken(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	ctx := c.Request.Context()
	accessToken := strings.TrimSpace(c.Query("access_token"))
	if accessToken == "" {
		view, err := s.portalSvc.ValidateSession(ctx, raw)
		if err != nil {
			AbortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, portalSessionResponse{SessionView: view})
		return
	}

	tokenType := portaldomain.TokenType(strings.TrimSpace(c.DefaultQuery("token_type", string(portaldomain.TokenTypePortal))))
	view, scope, err := s.portalSvc.AuthorizeAccess(ctx, raw, accessToken, tokenType)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, portalSessionResponse{SessionView: view, Scope: scope})
}

func (s *Server) PortalLogout(c *gin.Context) {
	if raw, ok := s.sessions.ReadToken(c); ok {
		if err := s.portalSvc.Logout(c.Request.Context(), raw); err != nil {
			AbortWithError(c, err)
			return
		}
	}
	s.sessions.Clear(c)
	c.Status(http.StatusNoContent)
}

type pinVerifyRequest struct {
	Token string `json:"token"`
	PIN   string `json:"pin"`
}

func (s *Server) PortalVerifyPIN(c *gin.Context) {
	var req pinVerifyRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Token) == "" {
		AbortWithError(c, invalidRequestError())
		return
	}

	result, err := s.portalSvc.VerifyPIN(c.Request.Context(), strings.TrimSpace(req.Token), req.PIN)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	status := http.StatusOK
	switch {
	case result.Locked:
		status = http.StatusLocked
	case !result.Verified:
		status = http.StatusUnauthorized
	}
	c.JSON(status, result)
}

type statusRequest struct {
	Status string `json:"status"`
}

func (s *Server) SetPortalAccountStatus(c *gin.Context) {
	accountID, err := parseIDParam(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}
	var req statusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	if err := s.portalSvc.SetAccountStatus(c.Request.Context(), orgIDFrom(c), accountID, portaldomain.Status(req.Status)); err != nil {
		AbortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) SetBidInviteStatus(c *gin.Context) {
	inviteID, err := parseIDParam(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}
	var req statusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	if err := s.portalSvc.SetBidInviteStatus(c.Request.Context(), orgIDFrom(c), inviteID, portaldomain.Status(req.Status)); err != nil {
		AbortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type issueBidTokenRequest struct {
	ExpiresAt *time.Time `json:"expires_at"`
}

// IssueBidToken returns the raw token once; only its HMAC is stored.
func (s *Server) IssueBidToken(c *gin.Context) {
	inviteID, err := parseIDParam(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}
	var req issueBidTokenRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			AbortWithError(c, invalidRequestError())
			return
		}
	}
	token, err := s.portalSvc.IssueBidToken(c.Request.Context(), orgIDFrom(c), inviteID, req.ExpiresAt)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"token": token})
}

type setPINRequest struct {
	PIN string `json:"pin"`
}

func (s *Server) SetPortalPIN(c *gin.Context) {
	tokenID, err := parseIDParam(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}
	var req setPINRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	if err := s.portalSvc.SetPIN(c.Request.Context(), tokenID, req.PIN); err != nil {
		AbortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
