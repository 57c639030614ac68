package service

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/sitebridge/internal/clock"
	"github.com/smallbiznis/sitebridge/internal/config"
	obsmetrics "github.com/smallbiznis/sitebridge/internal/observability/metrics"
	"github.com/smallbiznis/sitebridge/internal/outbox/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	GenID   *snowflake.Node
	Clock   clock.Clock
	Repo    domain.Repository
	Policy  *config.SyncPolicyHolder
	Metrics *obsmetrics.SyncMetrics `optional:"true"`
}

// Service is the producer and operator side of the queue. Job execution
// lives in Worker so handlers may depend on Service without a cycle.
type Service struct {
	db      *gorm.DB
	log     *zap.Logger
	genID   *snowflake.Node
	clock   clock.Clock
	repo    domain.Repository
	policy  *config.SyncPolicyHolder
	metrics *obsmetrics.SyncMetrics
}

func NewService(p Params) *Service {
	return &Service{
		db:      p.DB,
		log:     p.Log.Named("outbox.service"),
		genID:   p.GenID,
		clock:   p.Clock,
		repo:    p.Repo,
		policy:  p.Policy,
		metrics: p.Metrics,
	}
}

func (s *Service) Enqueue(ctx context.Context, req domain.EnqueueRequest) (*domain.Job, error) {
	return s.EnqueueTx(ctx, s.db, req)
}

// EnqueueTx inserts the job using tx so it commits with the caller's domain
// write.
func (s *Service) EnqueueTx(ctx context.Context, tx *gorm.DB, req domain.EnqueueRequest) (*domain.Job, error) {
	if req.OrgID == 0 {
		return nil, domain.ErrInvalidOrganization
	}
	if req.Payload == nil {
		return nil, domain.ErrInvalidPayload
	}
	if err := req.Payload.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidPayload, err)
	}

	raw, err := json.Marshal(req.Payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidPayload, err)
	}
	dedupeKey, err := domain.DedupeKey(req.OrgID, req.Payload, req.DedupeKeys)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	runAt := now
	if req.RunAt != nil {
		runAt = req.RunAt.UTC()
	}

	job := &domain.Job{
		ID:        s.genID.Generate(),
		OrgID:     req.OrgID,
		JobType:   req.Payload.JobType(),
		Payload:   datatypes.JSON(raw),
		Status:    domain.StatusPending,
		RunAt:     runAt,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if dedupeKey != "" {
		job.DedupeKey = &dedupeKey
	}

	stored, created, err := s.repo.Insert(ctx, tx, job)
	if err != nil {
		return nil, err
	}
	s.metrics.IncEnqueued(job.JobType, !created)
	if created {
		s.log.Debug("outbox.job.enqueued",
			zap.String("job_id", stored.ID.String()),
			zap.String("org_id", stored.OrgID.String()),
			zap.String("job_type", stored.JobType),
		)
	} else {
		s.log.Debug("outbox.job.deduplicated",
			zap.String("job_id", stored.ID.String()),
			zap.String("job_type", stored.JobType),
		)
	}
	return stored, nil
}

// leaseExpiredMessage is recorded on jobs whose worker never finished them.
const leaseExpiredMessage = "lease expired"

const staleScanLimit = 100

// RequeueStale treats every processing job whose lease is older than the
// lease timeout as a failed transient attempt: it is rescheduled with backoff
// or marked failed once the retry limit is reached.
func (s *Service) RequeueStale(ctx context.Context) (int64, error) {
	now := s.clock.Now()
	policy := s.policy.Get().Outbox
	retry := domain.RetryPolicyFrom(policy)

	stale, err := s.repo.FindStale(ctx, s.db, now.Add(-policy.LeaseTimeout), staleScanLimit)
	if err != nil {
		return 0, err
	}

	var released int64
	for _, job := range stale {
		if job.LockedBy == nil {
			continue
		}
		outcome := retry.Decide(domain.ClassTransient, job.RetryCount, leaseExpiredMessage, now)
		ok, err := s.repo.Finish(ctx, s.db, job.ID, *job.LockedBy, outcome, now)
		if err != nil {
			return released, err
		}
		if !ok {
			continue
		}
		released++
		s.log.Warn("outbox.job.lease_expired",
			zap.String("job_id", job.ID.String()),
			zap.String("job_type", job.JobType),
			zap.String("locked_by", *job.LockedBy),
			zap.String("status", string(outcome.Status)),
			zap.Int("retry_count", outcome.RetryCount),
		)
	}
	if released > 0 {
		s.log.Warn("outbox.jobs.requeued_stale",
			zap.Int64("count", released),
			zap.Duration("lease_timeout", policy.LeaseTimeout),
		)
	}
	return released, nil
}

const recentFailureLimit = 5

func (s *Service) Stats(ctx context.Context, orgID snowflake.ID, jobTypes []string) (domain.QueueStats, error) {
	counts, err := s.repo.CountByStatus(ctx, s.db, orgID, jobTypes)
	if err != nil {
		return domain.QueueStats{}, err
	}
	failures, err := s.repo.RecentFailures(ctx, s.db, orgID, jobTypes, recentFailureLimit)
	if err != nil {
		return domain.QueueStats{}, err
	}
	if failures == nil {
		failures = []domain.Job{}
	}
	return domain.QueueStats{
		Pending:        counts[domain.StatusPending],
		Processing:     counts[domain.StatusProcessing],
		Failed:         counts[domain.StatusFailed],
		RecentFailures: failures,
	}, nil
}

func (s *Service) ResetFailed(ctx context.Context, orgID snowflake.ID, jobTypes []string, limit int) (int64, error) {
	if orgID == 0 {
		return 0, domain.ErrInvalidOrganization
	}
	return s.repo.ResetFailed(ctx, s.db, orgID, jobTypes, limit, s.clock.Now())
}

func (s *Service) Get(ctx context.Context, id snowflake.ID) (*domain.Job, error) {
	job, err := s.repo.FindByID(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, domain.ErrJobNotFound
	}
	return job, nil
}
