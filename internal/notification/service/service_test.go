package service

import (
	"context"
	"errors"
	"net/textproto"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/sitebridge/internal/clock"
	"github.com/smallbiznis/sitebridge/internal/config"
	"github.com/smallbiznis/sitebridge/internal/notification/domain"
	"github.com/smallbiznis/sitebridge/internal/notification/email"
	"github.com/smallbiznis/sitebridge/internal/notification/repository"
	outboxdomain "github.com/smallbiznis/sitebridge/internal/outbox/domain"
	outboxrepo "github.com/smallbiznis/sitebridge/internal/outbox/repository"
	outboxservice "github.com/smallbiznis/sitebridge/internal/outbox/service"
	"github.com/smallbiznis/sitebridge/pkg/db/dbtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"
)

const testOrg = snowflake.ID(5005)

type fixture struct {
	svc    *Service
	worker *outboxservice.Worker
	sender *email.Recorder
	db     *gorm.DB
	node   *snowflake.Node
	clock  *clock.FakeClock
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	node, err := snowflake.NewNode(5)
	require.NoError(t, err)
	conn := dbtest.Open(t)
	clk := clock.NewFakeClock(time.Date(2026, 7, 1, 10, 0, 0, 0, time.UTC))
	log := zaptest.NewLogger(t)
	policy := config.NewStaticSyncPolicyHolder(config.SyncPolicy{})
	queueRepo := outboxrepo.Provide()
	sender := &email.Recorder{}

	queue := outboxservice.NewService(outboxservice.Params{
		DB: conn, Log: log, GenID: node, Clock: clk, Repo: queueRepo, Policy: policy,
	})
	svc := NewService(Params{
		DB: conn, Log: log, GenID: node, Clock: clk, Repo: repository.Provide(), Queue: queue, Sender: sender,
	})
	worker, err := outboxservice.NewWorker(outboxservice.WorkerParams{
		DB: conn, Log: log, Clock: clk, Repo: queueRepo, Policy: policy,
		Handlers: []outboxdomain.Handler{NewDeliverHandler(svc)},
	})
	require.NoError(t, err)
	return fixture{svc: svc, worker: worker, sender: sender, db: conn, node: node, clock: clk}
}

func (f fixture) status(t *testing.T, id snowflake.ID) string {
	t.Helper()
	var status string
	require.NoError(t, f.db.Raw(`SELECT status FROM notifications WHERE id = ?`, id).Scan(&status).Error)
	return status
}

func (f fixture) createRFINotice(t *testing.T) *domain.Notification {
	t.Helper()
	n, err := f.svc.Create(context.Background(), domain.CreateRequest{
		OrgID:          testOrg,
		RecipientEmail: "Sam Super <sam@harbor.example>",
		Subject:        "RFI #12 answered",
		Body:           "<p>The architect answered RFI #12.</p>",
	})
	require.NoError(t, err)
	return n
}

func TestCreateEnqueuesAndWorkerDelivers(t *testing.T) {
	f := newFixture(t)
	n := f.createRFINotice(t)
	assert.Equal(t, "sam@harbor.example", n.RecipientEmail)

	batch, err := f.worker.ProcessBatch(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, batch.Completed)

	assert.Equal(t, "sent", f.status(t, n.ID))
	sent := f.sender.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, []string{"sam@harbor.example"}, sent[0].To)
	assert.Equal(t, "RFI #12 answered", sent[0].Subject)
}

func TestDeliverIsNoOpOnceSent(t *testing.T) {
	f := newFixture(t)
	n := f.createRFINotice(t)

	require.NoError(t, f.svc.Deliver(context.Background(), n.ID))
	require.NoError(t, f.svc.Deliver(context.Background(), n.ID))
	assert.Len(t, f.sender.Sent(), 1)
}

func TestTransientSendFailureIsRetried(t *testing.T) {
	f := newFixture(t)
	n := f.createRFINotice(t)
	f.sender.Err = &textproto.Error{Code: 421, Msg: "service not available"}

	batch, err := f.worker.ProcessBatch(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, batch.Retried)

	var lastError string
	require.NoError(t, f.db.Raw(`SELECT last_error FROM notifications WHERE id = ?`, n.ID).Scan(&lastError).Error)
	assert.Contains(t, lastError, "service not available")
	assert.Equal(t, "pending", f.status(t, n.ID))
}

func TestPermanentSendFailureFailsJob(t *testing.T) {
	f := newFixture(t)
	n := f.createRFINotice(t)
	f.sender.Err = outboxdomain.Permanent(errors.New("550 mailbox unavailable"))

	batch, err := f.worker.ProcessBatch(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, batch.Failed)
	assert.Equal(t, "failed", f.status(t, n.ID))
}

func TestMissingNotificationIsSkipped(t *testing.T) {
	f := newFixture(t)
	n := f.createRFINotice(t)
	require.NoError(t, f.db.Exec(`DELETE FROM notifications WHERE id = ?`, n.ID).Error)

	batch, err := f.worker.ProcessBatch(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, batch.Skipped)
	assert.Empty(t, f.sender.Sent())
}

func TestCreateRejectsBadRecipient(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Create(context.Background(), domain.CreateRequest{OrgID: testOrg, RecipientEmail: "not an address"})
	assert.ErrorIs(t, err, domain.ErrInvalidRecipient)

	_, err = f.svc.Create(context.Background(), domain.CreateRequest{RecipientEmail: "sam@harbor.example"})
	assert.ErrorIs(t, err, domain.ErrInvalidOrganization)
}

func TestCreateTxRollsBackWithCaller(t *testing.T) {
	f := newFixture(t)
	boom := errors.New("caller failed")

	err := f.db.Transaction(func(tx *gorm.DB) error {
		if _, err := f.svc.CreateTx(context.Background(), tx, domain.CreateRequest{
			OrgID:          testOrg,
			RecipientEmail: "sam@harbor.example",
			Subject:        "Daily log posted",
		}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	var notifications, jobs int64
	require.NoError(t, f.db.Raw(`SELECT COUNT(*) FROM notifications`).Scan(&notifications).Error)
	require.NoError(t, f.db.Raw(`SELECT COUNT(*) FROM outbox`).Scan(&jobs).Error)
	assert.Zero(t, notifications)
	assert.Zero(t, jobs)
}
