package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	accountingdomain "github.com/smallbiznis/sitebridge/internal/accounting/domain"
	drawingsdomain "github.com/smallbiznis/sitebridge/internal/drawings/domain"
	notificationdomain "github.com/smallbiznis/sitebridge/internal/notification/domain"
	outboxdomain "github.com/smallbiznis/sitebridge/internal/outbox/domain"
	portaldomain "github.com/smallbiznis/sitebridge/internal/portal/domain"
	portalservice "github.com/smallbiznis/sitebridge/internal/portal/service"
	"github.com/smallbiznis/sitebridge/internal/qbo"
	qbosyncdomain "github.com/smallbiznis/sitebridge/internal/qbosync/domain"
	"gorm.io/gorm"
)

type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

func (v ValidationErrors) Error() string {
	return "validation error"
}

type errorPayload struct {
	Type    string            `json:"type"`
	Message string            `json:"message"`
	Errors  []ValidationError `json:"errors,omitempty"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrUnauthorized       = errors.New("unauthorized")
	ErrForbidden          = errors.New("forbidden")
	ErrConflict           = errors.New("conflict")
	ErrInternal           = errors.New("internal_error")
	ErrNotFound           = errors.New("not_found")
	ErrInvalidRequest     = errors.New("invalid_request")
	ErrServiceUnavailable = errors.New("service_unavailable")
	ErrRateLimited        = errors.New("rate_limited")
	ErrOrgRequired        = errors.New("org_required")
)

func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		c.Header("Content-Type", "application/json")
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func invalidRequestError() error {
	return newValidationError("request", "invalid_request", "invalid request")
}

func newValidationError(field, code, message string) error {
	return &ValidationErrors{
		Errors: []ValidationError{
			{
				Field:   field,
				Code:    code,
				Message: message,
			},
		},
	}
}

func mapError(err error) (int, errorPayload) {
	if err == nil {
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}

	if vErr := asValidationErrors(err); vErr != nil {
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors:  vErr.Errors,
		}
	}

	if isValidationError(err) {
		code := validationErrorCode(err)
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors: []ValidationError{
				{
					Field:   validationErrorField(code),
					Code:    code,
					Message: validationErrorMessage(code),
				},
			},
		}
	}

	switch {
	// one message for every credential failure so callers cannot probe
	// which part was wrong
	case portalservice.IsAuthFailure(err):
		return http.StatusUnauthorized, errorPayload{
			Type:    "unauthorized",
			Message: "invalid credentials",
		}
	case errors.Is(err, ErrUnauthorized),
		errors.Is(err, portaldomain.ErrInvalidSession),
		errors.Is(err, portaldomain.ErrSessionExpired),
		errors.Is(err, portaldomain.ErrSessionRevoked):
		return http.StatusUnauthorized, errorPayload{
			Type:    "unauthorized",
			Message: "unauthorized",
		}
	case errors.Is(err, ErrForbidden),
		errors.Is(err, portaldomain.ErrAccessDenied):
		return http.StatusForbidden, errorPayload{
			Type:    "forbidden",
			Message: "forbidden",
		}
	case errors.Is(err, ErrConflict),
		errors.Is(err, accountingdomain.ErrReconnectRequired),
		errors.Is(err, accountingdomain.ErrNoActiveConnection),
		errors.Is(err, qbosyncdomain.ErrInvoiceNotSynced):
		return http.StatusConflict, errorPayload{
			Type:    "conflict",
			Message: conflictMessage(err),
		}
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests, errorPayload{
			Type:    "rate_limited",
			Message: "too many requests",
		}
	case isNotFoundError(err):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: "not found",
		}
	case errors.Is(err, ErrServiceUnavailable),
		errors.Is(err, accountingdomain.ErrOAuthNotConfigured),
		errors.Is(err, portaldomain.ErrSecretMissing),
		errors.Is(err, qbo.ErrNotConfigured):
		return http.StatusServiceUnavailable, errorPayload{
			Type:    "service_unavailable",
			Message: "service unavailable",
		}
	case errors.Is(err, accountingdomain.ErrRefreshFailed),
		errors.Is(err, accountingdomain.ErrTokenUnavailable):
		return http.StatusBadGateway, errorPayload{
			Type:    "upstream_error",
			Message: "accounting provider unavailable",
		}
	default:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}
}

func conflictMessage(err error) string {
	switch {
	case errors.Is(err, accountingdomain.ErrReconnectRequired):
		return "accounting connection must be reconnected"
	case errors.Is(err, accountingdomain.ErrNoActiveConnection):
		return "no active accounting connection"
	case errors.Is(err, qbosyncdomain.ErrInvoiceNotSynced):
		return "invoice has not been synced yet"
	default:
		return "conflict"
	}
}

func asValidationErrors(err error) *ValidationErrors {
	var vErr *ValidationErrors
	if errors.As(err, &vErr) && vErr != nil {
		return vErr
	}
	return nil
}

func isValidationError(err error) bool {
	switch {
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, ErrOrgRequired),
		errors.Is(err, portaldomain.ErrInvalidRequest),
		errors.Is(err, portaldomain.ErrInvalidStatus),
		errors.Is(err, portaldomain.ErrInvalidPIN),
		errors.Is(err, accountingdomain.ErrInvalidOrganization),
		errors.Is(err, accountingdomain.ErrInvalidState),
		errors.Is(err, accountingdomain.ErrInvalidRealm),
		errors.Is(err, qbosyncdomain.ErrInvalidOrganization),
		errors.Is(err, notificationdomain.ErrInvalidOrganization),
		errors.Is(err, notificationdomain.ErrInvalidRecipient),
		errors.Is(err, outboxdomain.ErrInvalidPayload):
		return true
	default:
		return false
	}
}

func isNotFoundError(err error) bool {
	switch {
	case errors.Is(err, ErrNotFound),
		errors.Is(err, portaldomain.ErrAccountNotFound),
		errors.Is(err, portaldomain.ErrInviteNotFound),
		errors.Is(err, portaldomain.ErrTokenNotFound),
		errors.Is(err, portaldomain.ErrPINNotConfigured),
		errors.Is(err, qbosyncdomain.ErrInvoiceNotFound),
		errors.Is(err, qbosyncdomain.ErrPaymentNotFound),
		errors.Is(err, drawingsdomain.ErrSheetVersionNotFound),
		errors.Is(err, outboxdomain.ErrJobNotFound),
		errors.Is(err, gorm.ErrRecordNotFound):
		return true
	default:
		return false
	}
}

func validationErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, portaldomain.ErrInvalidRequest):
		return "invalid_request"
	case errors.Is(err, ErrOrgRequired):
		return "invalid_org"
	default:
		return err.Error()
	}
}

func validationErrorField(code string) string {
	if code == "invalid_request" {
		return "request"
	}
	if strings.HasPrefix(code, "invalid_") {
		return strings.TrimPrefix(code, "invalid_")
	}
	return ""
}

func validationErrorMessage(code string) string {
	switch code {
	case "invalid_request":
		return "invalid request"
	default:
		return "invalid value"
	}
}
