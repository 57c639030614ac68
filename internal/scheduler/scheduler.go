package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	accountingdomain "github.com/smallbiznis/sitebridge/internal/accounting/domain"
	"github.com/smallbiznis/sitebridge/internal/clock"
	"github.com/smallbiznis/sitebridge/internal/config"
	obsmetrics "github.com/smallbiznis/sitebridge/internal/observability/metrics"
	outboxdomain "github.com/smallbiznis/sitebridge/internal/outbox/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	JobOutboxDrain   = "outbox_drain"
	JobRequeueStale  = "outbox_requeue_stale"
	JobQBOKeepalive  = "qbo_keepalive"
	drainTimeout     = 5 * time.Minute
	requeueTimeout   = 30 * time.Second
	keepaliveTimeout = 5 * time.Minute
)

var ErrInvalidConfig = errors.New("invalid_scheduler_config")

type OutboxDrainer interface {
	ProcessBatch(ctx context.Context, jobTypes []string) (outboxdomain.BatchResult, error)
}

type StaleRequeuer interface {
	RequeueStale(ctx context.Context) (int64, error)
}

type KeepaliveSweeper interface {
	KeepaliveSweep(ctx context.Context, limit int) (accountingdomain.KeepaliveResult, error)
}

type Params struct {
	fx.In

	Log       *zap.Logger
	GenID     *snowflake.Node
	Clock     clock.Clock
	Policy    *config.SyncPolicyHolder
	Drainer   OutboxDrainer
	Requeuer  StaleRequeuer
	Keepalive KeepaliveSweeper
	Metrics   *obsmetrics.SchedulerMetrics `optional:"true"`
	Config    Config                       `optional:"true"`
}

type Scheduler struct {
	log       *zap.Logger
	cfg       Config
	genID     *snowflake.Node
	clock     clock.Clock
	policy    *config.SyncPolicyHolder
	drainer   OutboxDrainer
	requeuer  StaleRequeuer
	keepalive KeepaliveSweeper
	metrics   *obsmetrics.SchedulerMetrics

	mu            sync.Mutex
	nextKeepalive time.Time
}

func New(p Params) (*Scheduler, error) {
	if p.Log == nil || p.GenID == nil || p.Clock == nil || p.Drainer == nil || p.Requeuer == nil || p.Keepalive == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		log:       p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:       p.Config.withDefaults(),
		genID:     p.GenID,
		clock:     p.Clock,
		policy:    p.Policy,
		drainer:   p.Drainer,
		requeuer:  p.Requeuer,
		keepalive: p.Keepalive,
		metrics:   p.Metrics,
	}, nil
}

func (s *Scheduler) runJob(
	parent context.Context,
	name string,
	batchSize int,
	timeout time.Duration,
	fn func(ctx context.Context) error,
) error {
	start := s.clock.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	ctx, run, owner := s.ensureJobRun(ctx, name, batchSize)
	if owner {
		s.logJobStart(ctx, run)
	}
	log := s.logger(ctx).With(
		zap.String("job", name),
		zap.String("run_id", run.runID),
	)
	s.metrics.IncJobRun(name)

	err := fn(ctx)
	s.metrics.ObserveJobDuration(name, s.clock.Now().Sub(start))
	if owner {
		if err != nil && run.errorCount == 0 {
			run.IncError()
		}
		s.logJobFinish(ctx, run)
	}
	if err == nil {
		return nil
	}

	// a deadline is a soft timeout; the next tick picks up where this one stopped
	isTimeout := errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
	if isTimeout {
		s.metrics.IncJobTimeout(name)
	}
	s.metrics.IncJobError(name, err)
	if isTimeout {
		log.Warn("scheduler.job.timeout",
			zap.Duration("timeout", timeout),
			zap.Error(err),
		)
		return nil
	}

	return fmt.Errorf("%s: %w", name, err)
}

// RunOnce drains the outbox, releases stale leases and, when due, sweeps
// expiring accounting refresh tokens.
func (s *Scheduler) RunOnce(parent context.Context) error {
	var err error
	policy := s.policy.Get()

	if s.isJobEnabled(JobOutboxDrain) {
		err = errors.Join(err, s.runJob(parent, JobOutboxDrain, policy.Outbox.BatchSize, drainTimeout, s.OutboxDrainJob))
	}
	if s.isJobEnabled(JobRequeueStale) {
		err = errors.Join(err, s.runJob(parent, JobRequeueStale, 0, requeueTimeout, s.RequeueStaleJob))
	}
	if s.isJobEnabled(JobQBOKeepalive) && s.keepaliveDue() {
		err = errors.Join(err, s.runJob(parent, JobQBOKeepalive, policy.KeepaliveBatch, keepaliveTimeout, s.KeepaliveJob))
	}
	return err
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()
	nextRun := time.Now().Add(s.cfg.RunInterval)

	for {
		if runLag := time.Since(nextRun); runLag > 0 {
			s.metrics.ObserveRunLoopLag(runLag)
		}
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler.run.failed", zap.Error(err))
		}
		nextRun = nextRun.Add(s.cfg.RunInterval)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) isJobEnabled(jobName string) bool {
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if strings.EqualFold(enabled, jobName) {
			return true
		}
	}
	return false
}

// keepaliveDue reports whether the sweep should run now and, if so, books
// the next slot. A failed sweep waits for the next slot like a good one.
func (s *Scheduler) keepaliveDue() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	if now.Before(s.nextKeepalive) {
		return false
	}
	s.nextKeepalive = now.Add(s.cfg.KeepaliveInterval)
	return true
}

// OutboxDrainJob processes outbox batches until the queue is empty or the
// per-tick cap is reached.
func (s *Scheduler) OutboxDrainJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, JobOutboxDrain, s.policy.Get().Outbox.BatchSize)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}

	var total outboxdomain.BatchResult
	defer func() {
		s.metrics.AddBatchProcessed(JobOutboxDrain, "outbox_jobs", total.Claimed)
	}()
	for i := 0; i < s.cfg.DrainBatches; i++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		result, err := s.drainer.ProcessBatch(ctx, nil)
		if err != nil {
			run.IncError()
			return err
		}
		total.Add(result)
		run.AddProcessed(result.Claimed)
		if result.Claimed == 0 {
			break
		}
	}
	if total.Failed > 0 {
		s.logger(ctx).Warn("scheduler.outbox.failed_jobs",
			zap.Int("failed", total.Failed),
			zap.Int("retried", total.Retried),
		)
	}
	return nil
}

func (s *Scheduler) RequeueStaleJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, JobRequeueStale, 0)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}
	released, err := s.requeuer.RequeueStale(ctx)
	if err != nil {
		return err
	}
	run.AddProcessed(int(released))
	s.metrics.AddBatchProcessed(JobRequeueStale, "outbox_jobs", int(released))
	return nil
}

func (s *Scheduler) KeepaliveJob(ctx context.Context) error {
	limit := s.policy.Get().KeepaliveBatch
	ctx, run, owner := s.ensureJobRun(ctx, JobQBOKeepalive, limit)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}
	result, err := s.keepalive.KeepaliveSweep(ctx, limit)
	if err != nil {
		return err
	}
	if result.Locked {
		s.logger(ctx).Debug("scheduler.keepalive.locked")
		return nil
	}
	run.AddProcessed(result.Refreshed)
	for i := 0; i < result.Failed; i++ {
		run.IncError()
	}
	s.metrics.AddBatchProcessed(JobQBOKeepalive, "accounting_connections", result.Refreshed)
	return nil
}
