package qbo

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/smallbiznis/sitebridge/pkg/text"
)

// Fault codes the sync engine branches on.
const (
	CodeDuplicateDocNumber = "6140"
	CodeStaleObject        = "5010"
	CodeAuthentication     = "3200"
	CodeObjectNotFound     = "610"
	CodeThrottled          = "3001"
)

var ErrNotConfigured = errors.New("qbo_client_not_configured")

type FaultDetail struct {
	Code    string `json:"code"`
	Message string `json:"Message"`
	Detail  string `json:"Detail"`
	Element string `json:"element"`
}

type faultEnvelope struct {
	Fault *struct {
		Type  string        `json:"type"`
		Error []FaultDetail `json:"Error"`
	} `json:"Fault"`
}

// Error is a structured failure returned by the accounting API.
type Error struct {
	StatusCode int
	IntuitTID  string
	FaultType  string
	Faults     []FaultDetail
	Body       string
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if len(e.Faults) == 0 {
		return fmt.Sprintf("qbo: http %d: %s", e.StatusCode, truncate(e.Body, 200))
	}
	f := e.Faults[0]
	msg := strings.TrimSpace(f.Message)
	if detail := strings.TrimSpace(f.Detail); detail != "" && detail != msg {
		msg += ": " + detail
	}
	return fmt.Sprintf("qbo: http %d: %s (code %s)", e.StatusCode, msg, f.Code)
}

func (e *Error) hasCode(code string) bool {
	for _, f := range e.Faults {
		if strings.TrimSpace(f.Code) == code {
			return true
		}
	}
	return false
}

// IsDuplicateDocNumber checks the structured fault code first and falls back
// to the text signature for responses that omit it.
func (e *Error) IsDuplicateDocNumber() bool {
	if e == nil {
		return false
	}
	if e.hasCode(CodeDuplicateDocNumber) {
		return true
	}
	haystack := strings.ToLower(e.Body)
	for _, f := range e.Faults {
		haystack += " " + strings.ToLower(f.Message+" "+f.Detail+" "+f.Element)
	}
	if !strings.Contains(haystack, "docnumber") && !strings.Contains(haystack, "document number") {
		return false
	}
	return strings.Contains(haystack, "duplicate") || strings.Contains(haystack, "already exists") ||
		strings.Contains(haystack, "already been used")
}

func (e *Error) IsStaleObject() bool {
	return e != nil && e.hasCode(CodeStaleObject)
}

func (e *Error) IsAuthFailure() bool {
	return e != nil && (e.StatusCode == http.StatusUnauthorized || e.hasCode(CodeAuthentication))
}

func (e *Error) IsNotFound() bool {
	return e != nil && (e.StatusCode == http.StatusNotFound || e.hasCode(CodeObjectNotFound))
}

func (e *Error) IsRetryable() bool {
	if e == nil {
		return false
	}
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= http.StatusInternalServerError || e.hasCode(CodeThrottled)
}

// AsError unwraps err into an *Error.
func AsError(err error) (*Error, bool) {
	var qe *Error
	if errors.As(err, &qe) {
		return qe, true
	}
	return nil, false
}

// OAuthError is returned by the token endpoint.
type OAuthError struct {
	StatusCode  int
	Code        string `json:"error"`
	Description string `json:"error_description"`
}

func (e *OAuthError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("qbo oauth: %s: %s", e.Code, e.Description)
	}
	return fmt.Sprintf("qbo oauth: %s (http %d)", e.Code, e.StatusCode)
}

// IsInvalidGrant reports a revoked or expired refresh token. No retry recovers it.
func (e *OAuthError) IsInvalidGrant() bool {
	return e != nil && (e.Code == "invalid_grant" || e.Code == "invalid_client" || e.Code == "unauthorized_client")
}

func (e *OAuthError) IsRetryable() bool {
	return e != nil && (e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= http.StatusInternalServerError)
}

func IsInvalidGrant(err error) bool {
	var oe *OAuthError
	return errors.As(err, &oe) && oe.IsInvalidGrant()
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return text.Truncate(s, n) + "..."
}
