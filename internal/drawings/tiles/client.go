// Package tiles delegates drawing tile rendering to the external tile service.
package tiles

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/smallbiznis/sitebridge/internal/config"
	"github.com/smallbiznis/sitebridge/internal/drawings/domain"
	outboxdomain "github.com/smallbiznis/sitebridge/internal/outbox/domain"
	"github.com/smallbiznis/sitebridge/pkg/text"
	"go.uber.org/zap"
)

// Rendering a large sheet set can take a while; the outbox job timeout is
// the outer bound.
const defaultTimeout = 2 * time.Minute

// StatusError is a non-2xx answer from the tile service.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("tile service returned %d: %s", e.StatusCode, e.Body)
}

func (e *StatusError) IsRetryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= http.StatusInternalServerError
}

type Client struct {
	http    *resty.Client
	baseURL string
	log     *zap.Logger
}

func NewClient(baseURL string, timeout time.Duration, log *zap.Logger) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if log == nil {
		log = zap.NewNop()
	}
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json").
		SetHeader("Content-Type", "application/json")
	return &Client{http: client, baseURL: baseURL, log: log.Named("drawings.tiles")}
}

func ProvideClient(cfg config.Config, log *zap.Logger) domain.TileGenerator {
	return NewClient(cfg.TileServiceURL, defaultTimeout, log)
}

func (c *Client) Generate(ctx context.Context, req domain.TileRequest) (*domain.TileResult, error) {
	if c.baseURL == "" {
		return nil, outboxdomain.Permanent(domain.ErrTileServiceMissing)
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(req).
		Post("/tiles")
	if err != nil {
		return nil, fmt.Errorf("tile service: %w", err)
	}
	if resp.IsError() {
		statusErr := &StatusError{StatusCode: resp.StatusCode(), Body: text.Truncate(string(resp.Body()), 300)}
		c.log.Warn("drawings.tiles.request_failed",
			zap.String("sheet_version_id", req.SheetVersionID.String()),
			zap.Int("status", statusErr.StatusCode),
		)
		if statusErr.IsRetryable() {
			return nil, statusErr
		}
		return nil, outboxdomain.Permanent(statusErr)
	}

	var out domain.TileResult
	if len(resp.Body()) > 0 {
		if err := json.Unmarshal(resp.Body(), &out); err != nil {
			return nil, outboxdomain.Permanent(fmt.Errorf("tile service decode: %w", err))
		}
	}
	return &out, nil
}

