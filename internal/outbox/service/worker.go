package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/smallbiznis/sitebridge/internal/clock"
	"github.com/smallbiznis/sitebridge/internal/config"
	"github.com/smallbiznis/sitebridge/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/sitebridge/internal/observability/metrics"
	"github.com/smallbiznis/sitebridge/internal/observability/tracing"
	"github.com/smallbiznis/sitebridge/internal/orgcontext"
	"github.com/smallbiznis/sitebridge/internal/outbox/domain"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type WorkerParams struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	Clock    clock.Clock
	Repo     domain.Repository
	Policy   *config.SyncPolicyHolder
	Metrics  *obsmetrics.SyncMetrics `optional:"true"`
	Handlers []domain.Handler        `group:"outbox_handlers"`
}

// Worker claims due jobs and dispatches them to the handler registered for
// their job type.
type Worker struct {
	db       *gorm.DB
	log      *zap.Logger
	clock    clock.Clock
	repo     domain.Repository
	policy   *config.SyncPolicyHolder
	metrics  *obsmetrics.SyncMetrics
	handlers map[string]domain.Handler
}

func NewWorker(p WorkerParams) (*Worker, error) {
	handlers := make(map[string]domain.Handler, len(p.Handlers))
	for _, h := range p.Handlers {
		if h == nil {
			continue
		}
		if _, dup := handlers[h.JobType()]; dup {
			return nil, fmt.Errorf("outbox: duplicate handler for %s", h.JobType())
		}
		handlers[h.JobType()] = h
	}
	return &Worker{
		db:       p.DB,
		log:      p.Log.Named("outbox.worker"),
		clock:    p.Clock,
		repo:     p.Repo,
		policy:   p.Policy,
		metrics:  p.Metrics,
		handlers: handlers,
	}, nil
}

func (w *Worker) now() time.Time {
	return w.clock.Now()
}

// JobTypes lists the registered job types.
func (w *Worker) JobTypes() []string {
	types := make([]string, 0, len(w.handlers))
	for t := range w.handlers {
		types = append(types, t)
	}
	return types
}

// ProcessBatch claims up to the configured batch size of due jobs and runs
// them one after another. Every claimed job gets a durable outcome before the
// next one starts. jobTypes narrows the claim; empty claims every type so
// unregistered types are failed rather than left pending forever.
func (w *Worker) ProcessBatch(ctx context.Context, jobTypes []string) (domain.BatchResult, error) {
	policy := w.policy.Get().Outbox
	lockedBy := uuid.NewString()

	jobs, err := w.repo.ClaimBatch(ctx, w.db, jobTypes, policy.BatchSize, w.now(), lockedBy)
	if err != nil {
		return domain.BatchResult{}, err
	}
	result := domain.BatchResult{Claimed: len(jobs)}
	w.metrics.AddClaimed(len(jobs))

	retry := domain.RetryPolicyFrom(policy)
	var errs []error
	for _, job := range jobs {
		status, err := w.runJob(ctx, job, lockedBy, retry, policy.JobTimeout)
		if err != nil {
			errs = append(errs, fmt.Errorf("job %s: %w", job.ID, err))
		}
		switch status {
		case obsmetrics.OutcomeCompleted:
			result.Completed++
		case obsmetrics.OutcomeSkipped:
			result.Skipped++
		case obsmetrics.OutcomeRetried:
			result.Retried++
		case obsmetrics.OutcomeFailed:
			result.Failed++
		}
	}
	return result, errors.Join(errs...)
}

// runJob dispatches one claimed job and persists its outcome. The returned
// error is only for persistence failures; handler errors end up on the row.
func (w *Worker) runJob(parent context.Context, job domain.Job, lockedBy string, retry domain.RetryPolicy, timeout time.Duration) (string, error) {
	start := time.Now()
	ctx := orgcontext.WithOrgID(parent, job.OrgID)
	ctx = orgcontext.WithActor(ctx, "system", "outbox")
	ctx, span := tracing.Start(ctx, "outbox", "outbox.dispatch",
		attribute.String("outbox.job_id", job.ID.String()),
		attribute.String("outbox.job_type", job.JobType),
		attribute.Int("outbox.retry_count", job.RetryCount),
	)
	log := logger.WithContext(ctx, w.log).With(
		zap.String("job_id", job.ID.String()),
		zap.String("job_type", job.JobType),
	)

	handlerErr := w.dispatch(ctx, job, timeout)
	tracing.End(span, handlerErr)
	w.metrics.ObserveJobDuration(job.JobType, time.Since(start))

	var outcome domain.Outcome
	class := domain.Class("")
	if handlerErr == nil {
		outcome = domain.Outcome{Status: domain.StatusCompleted, RetryCount: job.RetryCount}
	} else {
		class = domain.Classify(handlerErr)
		outcome = retry.Decide(class, job.RetryCount, handlerErr.Error(), w.now())
	}

	label := outcomeLabel(outcome)
	ok, err := w.repo.Finish(parent, w.db, job.ID, lockedBy, outcome, w.now())
	if err != nil {
		log.Error("outbox.job.persist_failed", zap.String("outcome", label), zap.Error(err))
		return "", err
	}
	if !ok {
		log.Warn("outbox.job.lease_lost", zap.String("outcome", label))
		return "", nil
	}
	w.metrics.IncJobOutcome(job.JobType, label, string(class))

	switch label {
	case obsmetrics.OutcomeCompleted:
		log.Info("outbox.job.completed", zap.Duration("duration", time.Since(start)))
	case obsmetrics.OutcomeSkipped:
		log.Info("outbox.job.skipped", zap.Error(handlerErr))
	case obsmetrics.OutcomeRetried:
		log.Warn("outbox.job.retry_scheduled",
			zap.String("class", string(class)),
			zap.Int("retry_count", outcome.RetryCount),
			zap.Time("run_at", outcome.RunAt),
			zap.Error(handlerErr),
		)
	case obsmetrics.OutcomeFailed:
		log.Error("outbox.job.failed",
			zap.String("class", string(class)),
			zap.Int("retry_count", outcome.RetryCount),
			zap.Error(handlerErr),
		)
	}
	return label, nil
}

func (w *Worker) dispatch(ctx context.Context, job domain.Job, timeout time.Duration) (err error) {
	handler, ok := w.handlers[job.JobType]
	if !ok {
		return domain.Permanent(fmt.Errorf("unknown job type: %s", job.JobType))
	}

	payload, err := domain.DecodePayload(job.JobType, job.Payload)
	if err != nil {
		return domain.Permanent(err)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()

	err = handler.Handle(ctx, job, payload)
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return domain.Transient(fmt.Errorf("job timed out after %s: %w", timeout, err))
	}
	return err
}

func outcomeLabel(outcome domain.Outcome) string {
	switch outcome.Status {
	case domain.StatusCompleted:
		if outcome.LastError != nil {
			return obsmetrics.OutcomeSkipped
		}
		return obsmetrics.OutcomeCompleted
	case domain.StatusPending:
		return obsmetrics.OutcomeRetried
	default:
		return obsmetrics.OutcomeFailed
	}
}
