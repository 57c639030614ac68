package qbo

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

const (
	AuthorizeEndpoint = "https://appcenter.intuit.com/connect/oauth2"
	TokenEndpoint     = "https://oauth.platform.intuit.com/oauth2/v1/tokens/bearer"
	RevokeEndpoint    = "https://developer.api.intuit.com/v2/oauth2/tokens/revoke"

	accountingScope = "com.intuit.quickbooks.accounting"
)

type OAuthConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURI  string

	TokenURL  string
	RevokeURL string
}

type TokenResponse struct {
	AccessToken            string `json:"access_token"`
	RefreshToken           string `json:"refresh_token"`
	TokenType              string `json:"token_type"`
	ExpiresIn              int64  `json:"expires_in"`
	XRefreshTokenExpiresIn int64  `json:"x_refresh_token_expires_in"`
}

// AccessExpiry returns when the access token lapses, relative to now.
func (t TokenResponse) AccessExpiry(now time.Time) time.Time {
	return now.Add(time.Duration(t.ExpiresIn) * time.Second)
}

// RefreshExpiry returns when the refresh token lapses, or nil when unknown.
func (t TokenResponse) RefreshExpiry(now time.Time) *time.Time {
	if t.XRefreshTokenExpiresIn <= 0 {
		return nil
	}
	at := now.Add(time.Duration(t.XRefreshTokenExpiresIn) * time.Second)
	return &at
}

// OAuthClient talks to the token endpoints. It never retries: a refresh
// token is single-use once the provider has rotated it.
type OAuthClient struct {
	http *resty.Client
	cfg  OAuthConfig
}

func NewOAuthClient(cfg OAuthConfig) *OAuthClient {
	if cfg.TokenURL == "" {
		cfg.TokenURL = TokenEndpoint
	}
	if cfg.RevokeURL == "" {
		cfg.RevokeURL = RevokeEndpoint
	}
	return &OAuthClient{
		http: resty.New().
			SetTimeout(20*time.Second).
			SetHeader("Accept", "application/json"),
		cfg: cfg,
	}
}

func (c *OAuthClient) Configured() bool {
	return strings.TrimSpace(c.cfg.ClientID) != "" && strings.TrimSpace(c.cfg.ClientSecret) != ""
}

func (c *OAuthClient) AuthorizeURL(state string) string {
	q := url.Values{}
	q.Set("client_id", c.cfg.ClientID)
	q.Set("response_type", "code")
	q.Set("scope", accountingScope)
	q.Set("redirect_uri", c.cfg.RedirectURI)
	q.Set("state", state)
	return AuthorizeEndpoint + "?" + q.Encode()
}

func (c *OAuthClient) ExchangeCode(ctx context.Context, code string) (TokenResponse, error) {
	return c.token(ctx, map[string]string{
		"grant_type":   "authorization_code",
		"code":         code,
		"redirect_uri": c.cfg.RedirectURI,
	})
}

func (c *OAuthClient) Refresh(ctx context.Context, refreshToken string) (TokenResponse, error) {
	return c.token(ctx, map[string]string{
		"grant_type":    "refresh_token",
		"refresh_token": refreshToken,
	})
}

// Revoke invalidates a refresh or access token at the provider.
func (c *OAuthClient) Revoke(ctx context.Context, token string) error {
	if !c.Configured() {
		return ErrNotConfigured
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetBasicAuth(c.cfg.ClientID, c.cfg.ClientSecret).
		SetHeader("Content-Type", "application/json").
		SetBody(map[string]string{"token": token}).
		Post(c.cfg.RevokeURL)
	if err != nil {
		return fmt.Errorf("qbo oauth revoke: %w", err)
	}
	if resp.IsError() {
		return parseOAuthError(resp)
	}
	return nil
}

func (c *OAuthClient) token(ctx context.Context, form map[string]string) (TokenResponse, error) {
	var out TokenResponse
	if !c.Configured() {
		return out, ErrNotConfigured
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetBasicAuth(c.cfg.ClientID, c.cfg.ClientSecret).
		SetFormData(form).
		Post(c.cfg.TokenURL)
	if err != nil {
		return out, fmt.Errorf("qbo oauth token: %w", err)
	}
	if resp.IsError() {
		return out, parseOAuthError(resp)
	}
	if err := json.Unmarshal(resp.Body(), &out); err != nil {
		return out, fmt.Errorf("qbo oauth decode: %w", err)
	}
	if out.AccessToken == "" || out.RefreshToken == "" {
		return out, &OAuthError{StatusCode: resp.StatusCode(), Code: "invalid_response", Description: "token response missing tokens"}
	}
	return out, nil
}

func parseOAuthError(resp *resty.Response) *OAuthError {
	oe := &OAuthError{StatusCode: resp.StatusCode()}
	if err := json.Unmarshal(resp.Body(), oe); err != nil || oe.Code == "" {
		oe.Code = http.StatusText(resp.StatusCode())
		if resp.StatusCode() == http.StatusUnauthorized {
			oe.Code = "invalid_client"
		}
	}
	return oe
}
