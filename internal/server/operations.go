package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	notificationdomain "github.com/smallbiznis/sitebridge/internal/notification/domain"
)

func (s *Server) EnqueueInvoiceSync(c *gin.Context) {
	invoiceID, err := parseIDParam(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}
	result, err := s.syncSvc.EnqueueInvoiceSync(c.Request.Context(), orgIDFrom(c), invoiceID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, result)
}

func (s *Server) EnqueuePaymentSync(c *gin.Context) {
	paymentID, err := parseIDParam(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}
	result, err := s.syncSvc.EnqueuePaymentSync(c.Request.Context(), orgIDFrom(c), paymentID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, result)
}

type createNotificationRequest struct {
	RecipientEmail string `json:"recipient_email"`
	Subject        string `json:"subject"`
	Body           string `json:"body"`
}

func (s *Server) CreateNotification(c *gin.Context) {
	var req createNotificationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	if strings.TrimSpace(req.Subject) == "" {
		AbortWithError(c, newValidationError("subject", "required", "subject is required"))
		return
	}

	n, err := s.notifications.Create(c.Request.Context(), notificationdomain.CreateRequest{
		OrgID:          orgIDFrom(c),
		RecipientEmail: req.RecipientEmail,
		Subject:        req.Subject,
		Body:           req.Body,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, n)
}

func (s *Server) RequestDrawingTiles(c *gin.Context) {
	versionID, err := parseIDParam(c, "id")
	if err != nil {
		AbortWithError(c, err)
		return
	}
	job, err := s.tiles.RequestTiles(c.Request.Context(), orgIDFrom(c), versionID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"job_id": job.ID,
		"status": job.Status,
	})
}
