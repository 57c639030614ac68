package server

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	outboxdomain "github.com/smallbiznis/sitebridge/internal/outbox/domain"
	"go.uber.org/zap"
)

const maxCronBatches = 20

type processOutboxResponse struct {
	Requeued int64 `json:"requeued"`
	Batches  int   `json:"batches"`
	outboxdomain.BatchResult
}

// ProcessOutbox requeues stale leases, then drains up to ?batches=N batches,
// stopping early once a batch claims nothing.
func (s *Server) ProcessOutbox(c *gin.Context) {
	batches, err := queryInt(c, "batches", 1)
	if err != nil || batches < 1 {
		AbortWithError(c, newValidationError("batches", "invalid_batches", "batches must be a positive integer"))
		return
	}
	if batches > maxCronBatches {
		batches = maxCronBatches
	}

	ctx := c.Request.Context()
	requeued, err := s.requeuer.RequeueStale(ctx)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	resp := processOutboxResponse{Requeued: requeued}
	for i := 0; i < batches; i++ {
		result, err := s.drainer.ProcessBatch(ctx, nil)
		if err != nil {
			AbortWithError(c, err)
			return
		}
		resp.Batches++
		resp.BatchResult.Add(result)
		if result.Claimed == 0 {
			break
		}
	}

	s.log.Info("cron.outbox.processed",
		zap.Int64("requeued", resp.Requeued),
		zap.Int("batches", resp.Batches),
		zap.Int("claimed", resp.Claimed),
		zap.Int("failed", resp.Failed),
	)
	c.JSON(http.StatusOK, resp)
}

func (s *Server) QBOKeepalive(c *gin.Context) {
	limit, err := queryInt(c, "limit", s.policy.Get().KeepaliveBatch)
	if err != nil || limit < 1 {
		AbortWithError(c, newValidationError("limit", "invalid_limit", "limit must be a positive integer"))
		return
	}

	result, err := s.accountingSvc.KeepaliveSweep(c.Request.Context(), limit)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func queryInt(c *gin.Context, key string, def int) (int, error) {
	raw := c.Query(key)
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}
