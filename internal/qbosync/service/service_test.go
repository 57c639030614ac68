package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/bwmarrin/snowflake"
	accountingdomain "github.com/smallbiznis/sitebridge/internal/accounting/domain"
	"github.com/smallbiznis/sitebridge/internal/clock"
	"github.com/smallbiznis/sitebridge/internal/config"
	eventdomain "github.com/smallbiznis/sitebridge/internal/events/domain"
	eventrepo "github.com/smallbiznis/sitebridge/internal/events/repository"
	eventservice "github.com/smallbiznis/sitebridge/internal/events/service"
	outboxdomain "github.com/smallbiznis/sitebridge/internal/outbox/domain"
	outboxrepo "github.com/smallbiznis/sitebridge/internal/outbox/repository"
	outboxservice "github.com/smallbiznis/sitebridge/internal/outbox/service"
	"github.com/smallbiznis/sitebridge/internal/qbo"
	"github.com/smallbiznis/sitebridge/internal/qbosync/domain"
	"github.com/smallbiznis/sitebridge/internal/qbosync/repository"
	"github.com/smallbiznis/sitebridge/pkg/db/dbtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"
)

const testOrg = snowflake.ID(3003)

type fakeAPI struct {
	mu sync.Mutex

	nextID        int
	customers     map[string]qbo.Customer
	items         map[string]qbo.Item
	invoices      map[string]*qbo.Invoice
	usedNumbers   map[string]bool
	payments      []qbo.Payment
	lastNumber    string
	createErrs    []error
	incomeAccount *qbo.Account
	calls         map[string]int
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		customers:     map[string]qbo.Customer{},
		items:         map[string]qbo.Item{},
		invoices:      map[string]*qbo.Invoice{},
		usedNumbers:   map[string]bool{},
		incomeAccount: &qbo.Account{ID: "79", Name: "Sales"},
		calls:         map[string]int{},
	}
}

func (f *fakeAPI) id(prefix string) string {
	f.nextID++
	return fmt.Sprintf("%s-%d", prefix, f.nextID)
}

func (f *fakeAPI) count(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

func (f *fakeAPI) QueryCustomerByName(_ context.Context, _ qbo.Credentials, name string) (*qbo.Customer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["QueryCustomerByName"]++
	if c, ok := f.customers[name]; ok {
		return &c, nil
	}
	return nil, nil
}

func (f *fakeAPI) CreateCustomer(_ context.Context, _ qbo.Credentials, c qbo.Customer) (*qbo.Customer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["CreateCustomer"]++
	c.ID = f.id("cust")
	c.SyncToken = "0"
	f.customers[c.DisplayName] = c
	return &c, nil
}

func (f *fakeAPI) QueryServiceItem(_ context.Context, _ qbo.Credentials, name string) (*qbo.Item, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["QueryServiceItem"]++
	if it, ok := f.items[name]; ok {
		return &it, nil
	}
	return nil, nil
}

func (f *fakeAPI) CreateServiceItem(_ context.Context, _ qbo.Credentials, name, accountID string) (*qbo.Item, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["CreateServiceItem"]++
	it := qbo.Item{ID: f.id("item"), Name: name, Type: qbo.ItemTypeService, IncomeAccountRef: &qbo.Ref{Value: accountID}}
	f.items[name] = it
	return &it, nil
}

func (f *fakeAPI) QueryIncomeAccount(context.Context, qbo.Credentials) (*qbo.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["QueryIncomeAccount"]++
	return f.incomeAccount, nil
}

func (f *fakeAPI) CreateInvoice(_ context.Context, _ qbo.Credentials, inv qbo.Invoice) (*qbo.Invoice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["CreateInvoice"]++
	if len(f.createErrs) > 0 {
		err := f.createErrs[0]
		f.createErrs = f.createErrs[1:]
		return nil, err
	}
	if f.usedNumbers[inv.DocNumber] {
		return nil, duplicateFault()
	}
	inv.ID = f.id("inv")
	inv.SyncToken = "0"
	f.usedNumbers[inv.DocNumber] = true
	f.invoices[inv.ID] = &inv
	out := inv
	return &out, nil
}

func (f *fakeAPI) UpdateInvoice(_ context.Context, _ qbo.Credentials, inv qbo.Invoice) (*qbo.Invoice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["UpdateInvoice"]++
	stored, ok := f.invoices[inv.ID]
	if !ok {
		return nil, &qbo.Error{StatusCode: 400, Faults: []qbo.FaultDetail{{Code: qbo.CodeObjectNotFound, Message: "Object Not Found"}}}
	}
	if inv.SyncToken != stored.SyncToken {
		return nil, &qbo.Error{StatusCode: 400, Faults: []qbo.FaultDetail{{Code: qbo.CodeStaleObject, Message: "Stale Object Error"}}}
	}
	version, _ := strconv.Atoi(stored.SyncToken)
	inv.SyncToken = strconv.Itoa(version + 1)
	f.invoices[inv.ID] = &inv
	out := inv
	return &out, nil
}

func (f *fakeAPI) GetInvoice(_ context.Context, _ qbo.Credentials, id string) (*qbo.Invoice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["GetInvoice"]++
	inv, ok := f.invoices[id]
	if !ok {
		return nil, &qbo.Error{StatusCode: 404}
	}
	out := *inv
	return &out, nil
}

func (f *fakeAPI) LastInvoiceNumber(context.Context, qbo.Credentials) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["LastInvoiceNumber"]++
	return f.lastNumber, nil
}

func (f *fakeAPI) CreatePayment(_ context.Context, _ qbo.Credentials, p qbo.Payment) (*qbo.Payment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["CreatePayment"]++
	p.ID = f.id("pay")
	p.SyncToken = "0"
	f.payments = append(f.payments, p)
	out := p
	return &out, nil
}

func duplicateFault() error {
	return &qbo.Error{StatusCode: 400, Faults: []qbo.FaultDetail{{
		Code:    qbo.CodeDuplicateDocNumber,
		Message: "Duplicate Document Number Error",
		Detail:  "Duplicate Document Number Error : You must specify a different number.",
	}}}
}

type fakeConnections struct {
	mu        sync.Mutex
	token     *accountingdomain.AccessToken
	settings  accountingdomain.Settings
	healthy   int
	lastError []string
}

func (f *fakeConnections) GetAccessToken(context.Context, snowflake.ID) (*accountingdomain.AccessToken, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.token == nil {
		return nil, accountingdomain.ErrNoActiveConnection
	}
	t := *f.token
	t.Settings = f.settings
	return &t, nil
}

func (f *fakeConnections) ActiveSettings(context.Context, snowflake.ID) (accountingdomain.Settings, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.settings, f.token != nil, nil
}

func (f *fakeConnections) MarkHealthy(context.Context, snowflake.ID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.healthy++
	return nil
}

func (f *fakeConnections) RecordError(_ context.Context, _ snowflake.ID, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastError = append(f.lastError, message)
	return nil
}

type fixture struct {
	svc    *Service
	queue  *outboxservice.Service
	worker *outboxservice.Worker
	db     *gorm.DB
	clock  *clock.FakeClock
	api    *fakeAPI
	conns  *fakeConnections
	node   *snowflake.Node
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	node, err := snowflake.NewNode(3)
	require.NoError(t, err)
	conn := dbtest.Open(t)
	clk := clock.NewFakeClock(time.Date(2026, 5, 4, 9, 30, 0, 0, time.UTC))
	policy := config.NewStaticSyncPolicyHolder(config.SyncPolicy{})
	log := zaptest.NewLogger(t)

	queueRepo := outboxrepo.Provide()
	queue := outboxservice.NewService(outboxservice.Params{
		DB: conn, Log: log, GenID: node, Clock: clk, Repo: queueRepo, Policy: policy,
	})
	api := newFakeAPI()
	conns := &fakeConnections{token: &accountingdomain.AccessToken{
		ConnectionID: 77,
		OrgID:        testOrg,
		Token:        "access",
		RealmID:      "9130",
		ExpiresAt:    clk.Now().Add(time.Hour),
	}}

	svc := NewService(Params{
		DB:          conn,
		Log:         log,
		GenID:       node,
		Clock:       clk,
		Repo:        repository.Provide(),
		API:         api,
		Connections: conns,
		Queue:       queue,
		Inspector:   queue,
		Events:      eventservice.NewService(eventservice.Params{DB: conn, Log: log, Clock: clk, Repo: eventrepo.Provide()}),
		Policy:      policy,
	})
	worker, err := outboxservice.NewWorker(outboxservice.WorkerParams{
		DB:       conn,
		Log:      log,
		Clock:    clk,
		Repo:     queueRepo,
		Policy:   policy,
		Handlers: []outboxdomain.Handler{NewInvoiceHandler(svc), NewPaymentHandler(svc)},
	})
	require.NoError(t, err)

	return fixture{svc: svc, queue: queue, worker: worker, db: conn, clock: clk, api: api, conns: conns, node: node}
}

func (f fixture) seedProject(t *testing.T, client string) snowflake.ID {
	t.Helper()
	id := f.node.Generate()
	require.NoError(t, f.db.Exec(
		`INSERT INTO projects (id, org_id, name, client_name, client_email, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		id, testOrg, "Harbor Lofts", client, "ap@acme.example", f.clock.Now(),
	).Error)
	return id
}

func (f fixture) seedInvoice(t *testing.T, projectID snowflake.ID, number string, lines ...int64) snowflake.ID {
	t.Helper()
	id := f.node.Generate()
	now := f.clock.Now()
	var total int64
	for _, cents := range lines {
		total += cents
	}
	require.NoError(t, f.db.Exec(
		`INSERT INTO invoices (id, org_id, project_id, invoice_number, issue_date, total_cents, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		id, testOrg, projectID, number, now, total, now, now,
	).Error)
	for i, cents := range lines {
		require.NoError(t, f.db.Exec(
			`INSERT INTO invoice_lines (id, org_id, invoice_id, position, description, quantity, unit_price_cents, amount_cents)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			f.node.Generate(), testOrg, id, i, fmt.Sprintf("Line %d", i+1), "1", cents, cents,
		).Error)
	}
	return id
}

func (f fixture) seedPayment(t *testing.T, invoiceID snowflake.ID, cents int64) snowflake.ID {
	t.Helper()
	id := f.node.Generate()
	now := f.clock.Now()
	require.NoError(t, f.db.Exec(
		`INSERT INTO payments (id, org_id, invoice_id, amount_cents, received_at, method, reference, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, testOrg, invoiceID, cents, now, "check", "CHK-1042", now, now,
	).Error)
	return id
}

func (f fixture) invoice(t *testing.T, id snowflake.ID) *domain.Invoice {
	t.Helper()
	inv, err := repository.Provide().FindInvoice(context.Background(), f.db, testOrg, id)
	require.NoError(t, err)
	require.NotNil(t, inv)
	return inv
}

func (f fixture) count(t *testing.T, query string, args ...any) int64 {
	t.Helper()
	var n int64
	require.NoError(t, f.db.Raw(query, args...).Scan(&n).Error)
	return n
}

func TestSyncInvoiceCreatesThenUpdates(t *testing.T) {
	f := newFixture(t)
	project := f.seedProject(t, "Acme Builders")
	invoiceID := f.seedInvoice(t, project, "1001", 50000, 25000)
	ctx := context.Background()

	first, err := f.svc.SyncInvoiceToQBO(ctx, testOrg, invoiceID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSynced, first.Status)
	assert.True(t, first.Created)

	second, err := f.svc.SyncInvoiceToQBO(ctx, testOrg, invoiceID)
	require.NoError(t, err)
	assert.False(t, second.Created)
	assert.Equal(t, first.ExternalID, second.ExternalID)

	assert.Equal(t, 1, f.api.count("CreateInvoice"))
	assert.Equal(t, 1, f.api.count("UpdateInvoice"))
	assert.Equal(t, 1, f.api.count("CreateCustomer"))
	assert.EqualValues(t, 1, f.count(t, `SELECT COUNT(*) FROM sync_records WHERE org_id = ? AND entity_type = 'invoice' AND entity_id = ?`, testOrg, invoiceID))

	inv := f.invoice(t, invoiceID)
	require.NotNil(t, inv.QBOSyncStatus)
	assert.Equal(t, string(domain.StatusSynced), *inv.QBOSyncStatus)
	require.NotNil(t, inv.QBOInvoiceID)
	assert.Equal(t, first.ExternalID, *inv.QBOInvoiceID)
	assert.Equal(t, 2, f.conns.healthy)

	stored := f.api.invoices[first.ExternalID]
	require.Len(t, stored.Line, 2)
	assert.Equal(t, "500.00", stored.Line[0].Amount.StringFixed(2))
}

func TestItemLookupCachedWithinCall(t *testing.T) {
	f := newFixture(t)
	project := f.seedProject(t, "Acme Builders")
	invoiceID := f.seedInvoice(t, project, "1001", 100, 200, 300)

	_, err := f.svc.SyncInvoiceToQBO(context.Background(), testOrg, invoiceID)
	require.NoError(t, err)
	assert.Equal(t, 1, f.api.count("QueryServiceItem"))
	assert.Equal(t, 1, f.api.count("CreateServiceItem"))
	assert.Equal(t, 1, f.api.count("QueryIncomeAccount"))
}

func TestCustomerMappingReusedAcrossInvoices(t *testing.T) {
	f := newFixture(t)
	project := f.seedProject(t, "Acme Builders")
	first := f.seedInvoice(t, project, "1001", 1000)
	second := f.seedInvoice(t, project, "1002", 2000)

	_, err := f.svc.SyncInvoiceToQBO(context.Background(), testOrg, first)
	require.NoError(t, err)
	_, err = f.svc.SyncInvoiceToQBO(context.Background(), testOrg, second)
	require.NoError(t, err)

	assert.Equal(t, 1, f.api.count("QueryCustomerByName"))
	assert.Equal(t, 1, f.api.count("CreateCustomer"))
	assert.EqualValues(t, 1, f.count(t, `SELECT COUNT(*) FROM sync_records WHERE entity_type = 'customer' AND entity_id = ?`, project))
}

func TestDuplicateDocNumberRenumbersAndRetries(t *testing.T) {
	f := newFixture(t)
	project := f.seedProject(t, "Acme Builders")
	invoiceID := f.seedInvoice(t, project, "1001", 1000)
	f.api.usedNumbers["1001"] = true
	f.api.lastNumber = "1004"

	result, err := f.svc.SyncInvoiceToQBO(context.Background(), testOrg, invoiceID)
	require.NoError(t, err)
	assert.True(t, result.Renumbered())
	assert.Equal(t, "1001", result.OldNumber)
	assert.Equal(t, "1005", result.NewNumber)
	assert.Equal(t, 2, f.api.count("CreateInvoice"))

	inv := f.invoice(t, invoiceID)
	assert.Equal(t, "1005", inv.InvoiceNumber)
	assert.Equal(t, "1001", inv.Metadata["previous_invoice_number"])
	assert.Equal(t, "1005", inv.Metadata["renumbered_invoice_number"])
	assert.Equal(t, string(domain.StatusSynced), *inv.QBOSyncStatus)
	assert.EqualValues(t, 1, f.count(t, `SELECT COUNT(*) FROM events WHERE event_type = ?`, eventdomain.EventInvoiceNumberChanged))
}

func TestDuplicateDocNumberRetryFailureIsTerminal(t *testing.T) {
	f := newFixture(t)
	project := f.seedProject(t, "Acme Builders")
	invoiceID := f.seedInvoice(t, project, "1001", 1000)
	f.api.lastNumber = "1001"
	f.api.createErrs = []error{duplicateFault(), duplicateFault()}

	result, err := f.svc.SyncInvoiceToQBO(context.Background(), testOrg, invoiceID)
	require.ErrorIs(t, err, domain.ErrDocNumberConflict)
	assert.Equal(t, domain.StatusError, result.Status)
	assert.Equal(t, outboxdomain.ClassPermanent, outboxdomain.Classify(classify(err)))

	inv := f.invoice(t, invoiceID)
	assert.Equal(t, "1002", inv.InvoiceNumber)
	assert.Equal(t, string(domain.StatusError), *inv.QBOSyncStatus)
	assert.EqualValues(t, 0, f.count(t, `SELECT COUNT(*) FROM events WHERE event_type = ?`, eventdomain.EventInvoiceNumberChanged))
}

func TestStaleSyncTokenIsRefetched(t *testing.T) {
	f := newFixture(t)
	project := f.seedProject(t, "Acme Builders")
	invoiceID := f.seedInvoice(t, project, "1001", 1000)

	first, err := f.svc.SyncInvoiceToQBO(context.Background(), testOrg, invoiceID)
	require.NoError(t, err)
	f.api.invoices[first.ExternalID].SyncToken = "7"

	_, err = f.svc.SyncInvoiceToQBO(context.Background(), testOrg, invoiceID)
	require.NoError(t, err)
	assert.Equal(t, 2, f.api.count("UpdateInvoice"))
	assert.Equal(t, 1, f.api.count("GetInvoice"))
}

func TestExternalFailureMarksInvoiceError(t *testing.T) {
	f := newFixture(t)
	project := f.seedProject(t, "Acme Builders")
	invoiceID := f.seedInvoice(t, project, "1001", 1000)
	f.api.createErrs = []error{&qbo.Error{StatusCode: 503, Body: "service unavailable"}}

	result, err := f.svc.SyncInvoiceToQBO(context.Background(), testOrg, invoiceID)
	require.Error(t, err)
	assert.Equal(t, domain.StatusError, result.Status)
	assert.Equal(t, outboxdomain.ClassTransient, outboxdomain.Classify(classify(err)))

	inv := f.invoice(t, invoiceID)
	assert.Equal(t, string(domain.StatusError), *inv.QBOSyncStatus)
	require.NotNil(t, inv.QBOLastError)
	assert.Contains(t, *inv.QBOLastError, "503")
	assert.EqualValues(t, 1, f.count(t, `SELECT COUNT(*) FROM sync_records WHERE entity_type = 'invoice' AND status = 'error'`))
	assert.Len(t, f.conns.lastError, 1)
}

func TestLongNonASCIIErrorIsStoredAsValidUTF8(t *testing.T) {
	f := newFixture(t)
	project := f.seedProject(t, "Constructora José")
	invoiceID := f.seedInvoice(t, project, "1001", 1000)
	f.api.createErrs = []error{errors.New("x" + strings.Repeat("José", 200))}

	result, err := f.svc.SyncInvoiceToQBO(context.Background(), testOrg, invoiceID)
	require.Error(t, err)
	assert.Equal(t, domain.StatusError, result.Status)

	inv := f.invoice(t, invoiceID)
	require.NotNil(t, inv.QBOLastError)
	assert.True(t, utf8.ValidString(*inv.QBOLastError))
	assert.LessOrEqual(t, len(*inv.QBOLastError), 500)
	assert.Contains(t, *inv.QBOLastError, "José")
}

func TestNoConnectionSkipsInvoiceAndCompletesJob(t *testing.T) {
	f := newFixture(t)
	f.conns.token = nil
	project := f.seedProject(t, "Acme Builders")
	invoiceID := f.seedInvoice(t, project, "1001", 1000)

	enq, err := f.svc.EnqueueInvoiceSync(context.Background(), testOrg, invoiceID)
	require.NoError(t, err)
	require.True(t, enq.Enqueued)

	batch, err := f.worker.ProcessBatch(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, batch.Completed)

	inv := f.invoice(t, invoiceID)
	assert.Equal(t, "skipped", *inv.QBOSyncStatus)
	assert.EqualValues(t, 1, f.count(t, `SELECT COUNT(*) FROM outbox WHERE id = ? AND status = 'completed'`, enq.JobID))
	assert.Equal(t, 0, f.api.count("CreateInvoice"))
}

func TestMissingInvoiceJobIsSkipped(t *testing.T) {
	f := newFixture(t)
	job, err := f.queue.Enqueue(context.Background(), outboxdomain.EnqueueRequest{
		OrgID:   testOrg,
		Payload: outboxdomain.SyncInvoicePayload{InvoiceID: 424242},
	})
	require.NoError(t, err)

	batch, err := f.worker.ProcessBatch(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, batch.Skipped)

	stored, err := f.queue.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, outboxdomain.StatusCompleted, stored.Status)
	require.NotNil(t, stored.LastError)
	assert.Contains(t, *stored.LastError, outboxdomain.SkippedPrefix)
}

func TestPaymentRequiresSyncedInvoice(t *testing.T) {
	f := newFixture(t)
	project := f.seedProject(t, "Acme Builders")
	invoiceID := f.seedInvoice(t, project, "1001", 1000)
	paymentID := f.seedPayment(t, invoiceID, 1000)

	_, err := f.svc.SyncPaymentToQBO(context.Background(), testOrg, paymentID)
	require.ErrorIs(t, err, domain.ErrInvoiceNotSynced)
	assert.Equal(t, outboxdomain.ClassPermanent, outboxdomain.Classify(classify(err)))
	assert.Equal(t, 0, f.api.count("CreatePayment"))
	assert.EqualValues(t, 1, f.count(t, `SELECT COUNT(*) FROM payments WHERE id = ? AND qbo_sync_status = 'error'`, paymentID))
}

func TestPaymentSyncIsIdempotent(t *testing.T) {
	f := newFixture(t)
	project := f.seedProject(t, "Acme Builders")
	invoiceID := f.seedInvoice(t, project, "1001", 1000)
	paymentID := f.seedPayment(t, invoiceID, 1000)

	inv, err := f.svc.SyncInvoiceToQBO(context.Background(), testOrg, invoiceID)
	require.NoError(t, err)

	first, err := f.svc.SyncPaymentToQBO(context.Background(), testOrg, paymentID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSynced, first.Status)
	require.Len(t, f.api.payments, 1)
	assert.Equal(t, inv.ExternalID, f.api.payments[0].Line[0].LinkedTxn[0].TxnID)
	assert.Equal(t, "CHK-1042", f.api.payments[0].PaymentRefNum)

	second, err := f.svc.SyncPaymentToQBO(context.Background(), testOrg, paymentID)
	require.NoError(t, err)
	assert.True(t, second.AlreadySynced)
	assert.Equal(t, first.ExternalID, second.ExternalID)
	assert.Equal(t, 1, f.api.count("CreatePayment"))
	assert.Equal(t, 1, f.api.count("CreateCustomer"))
}

func TestEnqueueRespectsTenantSettings(t *testing.T) {
	f := newFixture(t)
	off := false
	f.conns.settings = accountingdomain.Settings{AutoSync: &off, SyncPayments: &off}
	project := f.seedProject(t, "Acme Builders")
	invoiceID := f.seedInvoice(t, project, "1001", 1000)
	paymentID := f.seedPayment(t, invoiceID, 1000)

	inv, err := f.svc.EnqueueInvoiceSync(context.Background(), testOrg, invoiceID)
	require.NoError(t, err)
	assert.True(t, inv.Skipped)
	assert.Equal(t, "skipped", *f.invoice(t, invoiceID).QBOSyncStatus)

	pay, err := f.svc.EnqueuePaymentSync(context.Background(), testOrg, paymentID)
	require.NoError(t, err)
	assert.True(t, pay.Skipped)

	assert.EqualValues(t, 0, f.count(t, `SELECT COUNT(*) FROM outbox`))
}

func TestEnqueueDeduplicatesLiveJobs(t *testing.T) {
	f := newFixture(t)
	project := f.seedProject(t, "Acme Builders")
	invoiceID := f.seedInvoice(t, project, "1001", 1000)

	first, err := f.svc.EnqueueInvoiceSync(context.Background(), testOrg, invoiceID)
	require.NoError(t, err)
	second, err := f.svc.EnqueueInvoiceSync(context.Background(), testOrg, invoiceID)
	require.NoError(t, err)
	assert.Equal(t, first.JobID, second.JobID)
	assert.Equal(t, "pending", *f.invoice(t, invoiceID).QBOSyncStatus)
}

func TestRetryFailedSyncJobs(t *testing.T) {
	f := newFixture(t)
	project := f.seedProject(t, "Acme Builders")
	invoiceID := f.seedInvoice(t, project, "1001", 1000)
	paymentID := f.seedPayment(t, invoiceID, 1000)

	enq, err := f.svc.EnqueueInvoiceSync(context.Background(), testOrg, invoiceID)
	require.NoError(t, err)
	require.NoError(t, f.db.Exec(`UPDATE outbox SET status = 'failed', retry_count = 3, last_error = 'boom' WHERE id = ?`, enq.JobID).Error)
	require.NoError(t, f.db.Exec(`UPDATE invoices SET qbo_sync_status = 'error' WHERE id = ?`, invoiceID).Error)

	_, err = f.svc.SyncPaymentToQBO(context.Background(), testOrg, paymentID)
	require.ErrorIs(t, err, domain.ErrInvoiceNotSynced)

	result, err := f.svc.RetryFailedSyncJobs(context.Background(), testOrg)
	require.NoError(t, err)
	assert.EqualValues(t, 1, result.JobsReset)
	assert.Equal(t, 1, result.InvoicesRequeued)
	assert.Equal(t, 1, result.PaymentsRequeued)
	assert.EqualValues(t, 2, f.count(t, `SELECT COUNT(*) FROM outbox WHERE status = 'pending'`))
	assert.EqualValues(t, 0, f.count(t, `SELECT COUNT(*) FROM outbox WHERE status = 'failed'`))
}

func TestSyncRejectsMissingOrganization(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.SyncInvoiceToQBO(context.Background(), 0, 1)
	assert.True(t, errors.Is(err, domain.ErrInvalidOrganization))
}
