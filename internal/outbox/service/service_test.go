package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/sitebridge/internal/clock"
	"github.com/smallbiznis/sitebridge/internal/config"
	"github.com/smallbiznis/sitebridge/internal/outbox/domain"
	"github.com/smallbiznis/sitebridge/internal/outbox/repository"
	"github.com/smallbiznis/sitebridge/pkg/db/dbtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"
)

const testOrg = snowflake.ID(1001)

type funcHandler struct {
	jobType string
	fn      func(ctx context.Context, job domain.Job, payload domain.Payload) error
	calls   int
}

func (h *funcHandler) JobType() string { return h.jobType }

func (h *funcHandler) Handle(ctx context.Context, job domain.Job, payload domain.Payload) error {
	h.calls++
	return h.fn(ctx, job, payload)
}

type fixture struct {
	svc    *Service
	worker *Worker
	db     *gorm.DB
	clock  *clock.FakeClock
}

func newFixture(t *testing.T, policy config.SyncPolicy, handlers ...domain.Handler) fixture {
	t.Helper()
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	conn := dbtest.Open(t)
	clk := clock.NewFakeClock(time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC))
	holder := config.NewStaticSyncPolicyHolder(policy)
	repo := repository.Provide()
	svc := NewService(Params{
		DB:     conn,
		Log:    zaptest.NewLogger(t),
		GenID:  node,
		Clock:  clk,
		Repo:   repo,
		Policy: holder,
	})
	worker, err := NewWorker(WorkerParams{
		DB:       conn,
		Log:      zaptest.NewLogger(t),
		Clock:    clk,
		Repo:     repo,
		Policy:   holder,
		Handlers: handlers,
	})
	require.NoError(t, err)
	return fixture{svc: svc, worker: worker, db: conn, clock: clk}
}

func (f fixture) enqueueInvoice(t *testing.T, invoiceID snowflake.ID) *domain.Job {
	t.Helper()
	job, err := f.svc.Enqueue(context.Background(), domain.EnqueueRequest{
		OrgID:   testOrg,
		Payload: domain.SyncInvoicePayload{InvoiceID: invoiceID},
	})
	require.NoError(t, err)
	return job
}

func TestEnqueueDeduplicatesLiveJobs(t *testing.T) {
	f := newFixture(t, config.SyncPolicy{})
	req := domain.EnqueueRequest{
		OrgID:      testOrg,
		Payload:    domain.SyncInvoicePayload{InvoiceID: 5},
		DedupeKeys: []string{"invoice_id"},
	}

	first, err := f.svc.Enqueue(context.Background(), req)
	require.NoError(t, err)
	second, err := f.svc.Enqueue(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	var count int64
	require.NoError(t, f.db.Raw(`SELECT COUNT(*) FROM outbox`).Scan(&count).Error)
	assert.Equal(t, int64(1), count)

	require.NoError(t, f.db.Exec(`UPDATE outbox SET status = 'completed' WHERE id = ?`, first.ID).Error)
	third, err := f.svc.Enqueue(context.Background(), req)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, third.ID)
}

func TestEnqueueRejectsInvalidPayload(t *testing.T) {
	f := newFixture(t, config.SyncPolicy{})
	_, err := f.svc.Enqueue(context.Background(), domain.EnqueueRequest{
		OrgID:   testOrg,
		Payload: domain.SyncPaymentPayload{},
	})
	assert.ErrorIs(t, err, domain.ErrInvalidPayload)
}

func TestClaimBatchIsFIFOAndCapped(t *testing.T) {
	f := newFixture(t, config.SyncPolicy{})
	var ids []snowflake.ID
	for i := 1; i <= 7; i++ {
		ids = append(ids, f.enqueueInvoice(t, snowflake.ID(i)).ID)
		f.clock.Advance(time.Second)
	}

	repo := repository.Provide()
	jobs, err := repo.ClaimBatch(context.Background(), f.db, nil, 5, f.clock.Now(), "worker-a")
	require.NoError(t, err)
	require.Len(t, jobs, 5)
	for i, job := range jobs {
		assert.Equal(t, ids[i], job.ID)
		assert.Equal(t, domain.StatusProcessing, job.Status)
	}
}

func TestClaimBatchSkipsFutureJobs(t *testing.T) {
	f := newFixture(t, config.SyncPolicy{})
	future := f.clock.Now().Add(time.Hour)
	_, err := f.svc.Enqueue(context.Background(), domain.EnqueueRequest{
		OrgID:   testOrg,
		Payload: domain.SyncInvoicePayload{InvoiceID: 1},
		RunAt:   &future,
	})
	require.NoError(t, err)

	jobs, err := repository.Provide().ClaimBatch(context.Background(), f.db, nil, 5, f.clock.Now(), "worker-a")
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestClaimBatchReturnsOnlyRowsClaimedByThisCall(t *testing.T) {
	f := newFixture(t, config.SyncPolicy{})
	for i := 1; i <= 4; i++ {
		f.enqueueInvoice(t, snowflake.ID(i))
		f.clock.Advance(time.Second)
	}

	repo := repository.Provide()
	ctx := context.Background()
	now := f.clock.Now()

	first, err := repo.ClaimBatch(ctx, f.db, nil, 2, now, "worker-a")
	require.NoError(t, err)
	second, err := repo.ClaimBatch(ctx, f.db, nil, 2, now, "worker-a")
	require.NoError(t, err)
	third, err := repo.ClaimBatch(ctx, f.db, nil, 2, now, "worker-a")
	require.NoError(t, err)

	require.Len(t, first, 2)
	require.Len(t, second, 2)
	assert.Empty(t, third)

	seen := map[snowflake.ID]bool{}
	for _, job := range append(first, second...) {
		assert.False(t, seen[job.ID], "job %s claimed twice", job.ID)
		seen[job.ID] = true
	}
	assert.Len(t, seen, 4)
}

func TestConcurrentClaimsPartitionPendingJobs(t *testing.T) {
	f := newFixture(t, config.SyncPolicy{})
	const total = 40
	want := map[snowflake.ID]bool{}
	for i := 1; i <= total; i++ {
		want[f.enqueueInvoice(t, snowflake.ID(i)).ID] = true
	}

	repo := repository.Provide()
	now := f.clock.Now()
	var (
		mu      sync.Mutex
		claimed []snowflake.ID
		wg      sync.WaitGroup
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		lockedBy := "worker-" + string(rune('a'+w%2))
		go func() {
			defer wg.Done()
			for {
				jobs, err := repo.ClaimBatch(context.Background(), f.db, nil, 3, now, lockedBy)
				if err != nil {
					t.Error(err)
					return
				}
				if len(jobs) == 0 {
					return
				}
				mu.Lock()
				for _, job := range jobs {
					claimed = append(claimed, job.ID)
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Len(t, claimed, total)
	seen := map[snowflake.ID]bool{}
	for _, id := range claimed {
		assert.False(t, seen[id], "job %s claimed twice", id)
		seen[id] = true
	}
	assert.Equal(t, want, seen)
}

func TestProcessBatchCompletesJobs(t *testing.T) {
	handler := &funcHandler{jobType: domain.JobQBOSyncInvoice, fn: func(ctx context.Context, job domain.Job, payload domain.Payload) error {
		p, ok := payload.(domain.SyncInvoicePayload)
		if !ok || p.InvoiceID == 0 {
			return errors.New("unexpected payload")
		}
		return nil
	}}
	f := newFixture(t, config.SyncPolicy{}, handler)
	job := f.enqueueInvoice(t, 3)

	result, err := f.worker.ProcessBatch(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, domain.BatchResult{Claimed: 1, Completed: 1}, result)

	stored, err := f.svc.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, stored.Status)
	assert.Nil(t, stored.LastError)
	assert.Nil(t, stored.LockedBy)
}

func TestProcessBatchBackoffIsMonotonicAndFailsAtMax(t *testing.T) {
	handler := &funcHandler{jobType: domain.JobQBOSyncInvoice, fn: func(context.Context, domain.Job, domain.Payload) error {
		return domain.Transient(errors.New("qbo unavailable"))
	}}
	f := newFixture(t, config.SyncPolicy{}, handler)
	job := f.enqueueInvoice(t, 3)
	ctx := context.Background()

	var previous time.Time
	for k := 1; k <= 2; k++ {
		failedAt := f.clock.Now()
		result, err := f.worker.ProcessBatch(ctx, nil)
		require.NoError(t, err)
		assert.Equal(t, 1, result.Retried)

		stored, err := f.svc.Get(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusPending, stored.Status)
		assert.Equal(t, k, stored.RetryCount)
		expected := failedAt.Add(time.Duration(pow3(k)) * 5 * time.Minute)
		assert.True(t, stored.RunAt.Equal(expected), "run_at %s, want %s", stored.RunAt, expected)
		assert.True(t, stored.RunAt.After(previous))
		previous = stored.RunAt

		// Not due yet.
		result, err = f.worker.ProcessBatch(ctx, nil)
		require.NoError(t, err)
		assert.Zero(t, result.Claimed)

		f.clock.Set(stored.RunAt)
	}

	result, err := f.worker.ProcessBatch(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Failed)

	stored, err := f.svc.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, stored.Status)
	assert.Equal(t, 3, stored.RetryCount)
	assert.Equal(t, "qbo unavailable", *stored.LastError)
	assert.Equal(t, 3, handler.calls)
}

func TestProcessBatchUnknownTypeFailsImmediately(t *testing.T) {
	f := newFixture(t, config.SyncPolicy{})
	job := f.enqueueInvoice(t, 3)

	result, err := f.worker.ProcessBatch(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Failed)

	stored, err := f.svc.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, stored.Status)
	assert.Equal(t, "unknown job type: qbo_sync_invoice", *stored.LastError)
}

func TestProcessBatchStaleReferenceCompletesAsSkipped(t *testing.T) {
	handler := &funcHandler{jobType: domain.JobQBOSyncInvoice, fn: func(context.Context, domain.Job, domain.Payload) error {
		return domain.StaleReference(errors.New("invoice 3 not found"))
	}}
	f := newFixture(t, config.SyncPolicy{}, handler)
	job := f.enqueueInvoice(t, 3)

	result, err := f.worker.ProcessBatch(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Skipped)

	stored, err := f.svc.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, stored.Status)
	assert.Equal(t, "skipped: invoice 3 not found", *stored.LastError)
}

func TestProcessBatchMalformedPayloadIsPermanent(t *testing.T) {
	handler := &funcHandler{jobType: domain.JobQBOSyncInvoice, fn: func(context.Context, domain.Job, domain.Payload) error {
		return nil
	}}
	f := newFixture(t, config.SyncPolicy{}, handler)
	now := f.clock.Now()
	require.NoError(t, f.db.Exec(
		`INSERT INTO outbox (id, org_id, job_type, payload, status, retry_count, run_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, 'pending', 0, ?, ?, ?)`,
		77, testOrg, domain.JobQBOSyncInvoice, `{"invoice_id":""}`, now, now, now,
	).Error)

	result, err := f.worker.ProcessBatch(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Failed)
	assert.Zero(t, handler.calls)
}

func TestProcessBatchTimeoutIsTransient(t *testing.T) {
	handler := &funcHandler{jobType: domain.JobQBOSyncInvoice, fn: func(ctx context.Context, _ domain.Job, _ domain.Payload) error {
		<-ctx.Done()
		return ctx.Err()
	}}
	policy := config.SyncPolicy{Outbox: config.OutboxPolicy{JobTimeout: 20 * time.Millisecond}}
	f := newFixture(t, policy, handler)
	job := f.enqueueInvoice(t, 3)

	result, err := f.worker.ProcessBatch(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Retried)

	stored, err := f.svc.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Contains(t, *stored.LastError, "job timed out")
}

func TestRequeueStaleCountsExpiredLeaseAsAttempt(t *testing.T) {
	f := newFixture(t, config.SyncPolicy{})
	job := f.enqueueInvoice(t, 3)
	_, err := repository.Provide().ClaimBatch(context.Background(), f.db, nil, 5, f.clock.Now(), "crashed-worker")
	require.NoError(t, err)

	f.clock.Advance(10 * time.Minute)
	count, err := f.svc.RequeueStale(context.Background())
	require.NoError(t, err)
	assert.Zero(t, count)

	f.clock.Advance(10 * time.Minute)
	requeuedAt := f.clock.Now()
	count, err = f.svc.RequeueStale(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	stored, err := f.svc.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, stored.Status)
	assert.Nil(t, stored.LockedBy)
	assert.Equal(t, 1, stored.RetryCount)
	assert.Equal(t, "lease expired", *stored.LastError)
	assert.True(t, stored.RunAt.Equal(requeuedAt.Add(15*time.Minute)), "run_at %s", stored.RunAt)
}

func TestRequeueStaleFailsJobAfterMaxCrashes(t *testing.T) {
	f := newFixture(t, config.SyncPolicy{})
	job := f.enqueueInvoice(t, 3)
	repo := repository.Provide()
	ctx := context.Background()

	for attempt := 1; attempt <= 10; attempt++ {
		jobs, err := repo.ClaimBatch(ctx, f.db, nil, 5, f.clock.Now(), "crashed-worker")
		require.NoError(t, err)
		if len(jobs) == 0 {
			break
		}
		f.clock.Advance(20 * time.Minute)
		_, err = f.svc.RequeueStale(ctx)
		require.NoError(t, err)

		stored, err := f.svc.Get(ctx, job.ID)
		require.NoError(t, err)
		if stored.Status == domain.StatusPending {
			f.clock.Set(stored.RunAt)
		}
	}

	stored, err := f.svc.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, stored.Status)
	assert.Equal(t, 3, stored.RetryCount)
	assert.Nil(t, stored.LockedBy)
}

func TestRequeueStaleLeavesFinishedJobsAlone(t *testing.T) {
	handler := &funcHandler{jobType: domain.JobQBOSyncInvoice, fn: func(context.Context, domain.Job, domain.Payload) error {
		return nil
	}}
	f := newFixture(t, config.SyncPolicy{}, handler)
	job := f.enqueueInvoice(t, 3)

	_, err := f.worker.ProcessBatch(context.Background(), nil)
	require.NoError(t, err)
	f.clock.Advance(time.Hour)

	count, err := f.svc.RequeueStale(context.Background())
	require.NoError(t, err)
	assert.Zero(t, count)

	stored, err := f.svc.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, stored.Status)
}

func TestStatsAndResetFailed(t *testing.T) {
	f := newFixture(t, config.SyncPolicy{})
	ctx := context.Background()
	for i := 1; i <= 7; i++ {
		f.enqueueInvoice(t, snowflake.ID(i))
	}
	require.NoError(t, f.db.Exec(`UPDATE outbox SET status = 'failed', retry_count = 3, last_error = 'boom' WHERE id IN (SELECT id FROM outbox ORDER BY id LIMIT 6)`).Error)

	stats, err := f.svc.Stats(ctx, testOrg, domain.SyncJobTypes)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Pending)
	assert.Equal(t, int64(6), stats.Failed)
	assert.Len(t, stats.RecentFailures, 5)

	f.clock.Advance(time.Hour)
	reset, err := f.svc.ResetFailed(ctx, testOrg, domain.SyncJobTypes, 50)
	require.NoError(t, err)
	assert.Equal(t, int64(6), reset)

	stats, err = f.svc.Stats(ctx, testOrg, domain.SyncJobTypes)
	require.NoError(t, err)
	assert.Equal(t, int64(7), stats.Pending)
	assert.Zero(t, stats.Failed)
}

func TestResetFailedSkipsKeysHeldByLiveJobs(t *testing.T) {
	f := newFixture(t, config.SyncPolicy{})
	ctx := context.Background()
	req := domain.EnqueueRequest{
		OrgID:      testOrg,
		Payload:    domain.SyncInvoicePayload{InvoiceID: 5},
		DedupeKeys: []string{"invoice_id"},
	}
	failed, err := f.svc.Enqueue(ctx, req)
	require.NoError(t, err)
	require.NoError(t, f.db.Exec(`UPDATE outbox SET status = 'failed' WHERE id = ?`, failed.ID).Error)
	live, err := f.svc.Enqueue(ctx, req)
	require.NoError(t, err)
	require.NotEqual(t, failed.ID, live.ID)

	reset, err := f.svc.ResetFailed(ctx, testOrg, nil, 50)
	require.NoError(t, err)
	assert.Zero(t, reset)
}

func TestDuplicateHandlerRegistration(t *testing.T) {
	a := &funcHandler{jobType: domain.JobQBOSyncInvoice}
	b := &funcHandler{jobType: domain.JobQBOSyncInvoice}
	_, err := NewWorker(WorkerParams{Log: zaptest.NewLogger(t), Handlers: []domain.Handler{a, b}})
	assert.Error(t, err)
}

func pow3(k int) int {
	out := 1
	for i := 0; i < k; i++ {
		out *= 3
	}
	return out
}
