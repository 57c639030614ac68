package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	accountingdomain "github.com/smallbiznis/sitebridge/internal/accounting/domain"
	"github.com/smallbiznis/sitebridge/internal/clock"
	"github.com/smallbiznis/sitebridge/internal/config"
	eventdomain "github.com/smallbiznis/sitebridge/internal/events/domain"
	"github.com/smallbiznis/sitebridge/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/sitebridge/internal/observability/metrics"
	"github.com/smallbiznis/sitebridge/internal/observability/tracing"
	outboxdomain "github.com/smallbiznis/sitebridge/internal/outbox/domain"
	"github.com/smallbiznis/sitebridge/internal/qbo"
	"github.com/smallbiznis/sitebridge/internal/qbosync/domain"
	"github.com/smallbiznis/sitebridge/pkg/text"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	tracerName      = "qbosync"
	renumberReason  = "duplicate_doc_number"
	maxErrorLength  = 500
	qboDateLayout   = "2006-01-02"
	noConnectionMsg = "no active accounting connection"
)

type Params struct {
	fx.In

	DB          *gorm.DB
	Log         *zap.Logger
	GenID       *snowflake.Node
	Clock       clock.Clock
	Repo        domain.Repository
	API         domain.AccountingAPI
	Connections domain.Connections
	Queue       outboxdomain.Enqueuer
	Inspector   outboxdomain.Inspector
	Events      eventdomain.Recorder
	Policy      *config.SyncPolicyHolder
	Metrics     *obsmetrics.SyncMetrics `optional:"true"`
}

type Service struct {
	db          *gorm.DB
	log         *zap.Logger
	genID       *snowflake.Node
	clock       clock.Clock
	repo        domain.Repository
	api         domain.AccountingAPI
	connections domain.Connections
	queue       outboxdomain.Enqueuer
	inspector   outboxdomain.Inspector
	events      eventdomain.Recorder
	policy      *config.SyncPolicyHolder
	metrics     *obsmetrics.SyncMetrics
}

func NewService(p Params) *Service {
	return &Service{
		db:          p.DB,
		log:         p.Log.Named("qbosync.service"),
		genID:       p.GenID,
		clock:       p.Clock,
		repo:        p.Repo,
		api:         p.API,
		connections: p.Connections,
		queue:       p.Queue,
		inspector:   p.Inspector,
		events:      p.Events,
		policy:      p.Policy,
		metrics:     p.Metrics,
	}
}

// syncCall carries lookups that are reused across the lines of one sync.
// It lives for a single call only.
type syncCall struct {
	orgID          snowflake.ID
	connectionID   snowflake.ID
	creds          qbo.Credentials
	settings       accountingdomain.Settings
	defaultAccount string
	customers      map[snowflake.ID]qbo.Ref
	items          map[string]qbo.Ref
}

// begin resolves the tenant's connection. ok is false when the tenant has no
// usable connection, which callers record as skipped.
func (s *Service) begin(ctx context.Context, orgID snowflake.ID) (*syncCall, bool, error) {
	token, err := s.connections.GetAccessToken(ctx, orgID)
	switch {
	case errors.Is(err, accountingdomain.ErrNoActiveConnection),
		errors.Is(err, accountingdomain.ErrReconnectRequired),
		errors.Is(err, accountingdomain.ErrCredentialsUnreadable):
		return nil, false, nil
	case err != nil:
		return nil, false, err
	}
	return &syncCall{
		orgID:        orgID,
		connectionID: token.ConnectionID,
		creds:        token.Credentials(),
		settings:     token.Settings,
		customers:    map[snowflake.ID]qbo.Ref{},
		items:        map[string]qbo.Ref{},
	}, true, nil
}

// SyncInvoiceToQBO creates or updates the external invoice. A duplicate
// DocNumber rejection renumbers the invoice past the realm's last used number
// and retries once.
func (s *Service) SyncInvoiceToQBO(ctx context.Context, orgID, invoiceID snowflake.ID) (result domain.SyncResult, err error) {
	if orgID == 0 {
		return result, domain.ErrInvalidOrganization
	}
	ctx, span := tracing.Start(ctx, tracerName, "qbosync.sync_invoice",
		attribute.String("org_id", orgID.String()),
		attribute.String("invoice_id", invoiceID.String()),
	)
	defer func() { tracing.End(span, err) }()
	log := logger.WithContext(ctx, s.log).With(
		zap.String("org_id", orgID.String()),
		zap.String("invoice_id", invoiceID.String()),
	)

	invoice, err := s.repo.FindInvoice(ctx, s.db, orgID, invoiceID)
	if err != nil {
		return result, err
	}
	if invoice == nil {
		return result, domain.ErrInvoiceNotFound
	}
	invoice.Lines, err = s.repo.ListInvoiceLines(ctx, s.db, invoice.ID)
	if err != nil {
		return result, err
	}

	call, ok, err := s.begin(ctx, orgID)
	if err != nil {
		return result, err
	}
	if !ok {
		message := noConnectionMsg
		if err := s.repo.SetInvoiceStatus(ctx, s.db, orgID, invoice.ID, domain.StatusSkipped, &message, s.clock.Now()); err != nil {
			return result, err
		}
		s.recordConnectionError(ctx, orgID, message)
		s.metrics.IncSync(string(domain.EntityInvoice), obsmetrics.SyncOutcomeSkipped)
		log.Info("qbosync.invoice.skipped", zap.String("reason", message))
		return domain.SyncResult{Status: domain.StatusSkipped}, nil
	}

	record, err := s.repo.FindSyncRecord(ctx, s.db, orgID, domain.EntityInvoice, invoice.ID)
	if err != nil {
		return result, err
	}

	payload, err := s.buildInvoice(ctx, call, invoice)
	if err != nil {
		return s.failInvoice(ctx, call, invoice, err)
	}

	out, created, err := s.pushInvoice(ctx, call, payload, record)
	if isDuplicateDocNumber(err) {
		log.Warn("qbosync.invoice.duplicate_doc_number", zap.String("doc_number", invoice.InvoiceNumber))
		return s.renumberAndRetry(ctx, call, invoice, payload, record, err)
	}
	if err != nil {
		return s.failInvoice(ctx, call, invoice, err)
	}

	result, err = s.completeInvoice(ctx, call, invoice, out, created)
	if err != nil {
		return result, err
	}
	s.metrics.IncSync(string(domain.EntityInvoice), obsmetrics.SyncOutcomeSynced)
	log.Info("qbosync.invoice.synced", zap.String("external_id", out.ID), zap.Bool("created", created))
	return result, nil
}

func (s *Service) renumberAndRetry(ctx context.Context, call *syncCall, invoice *domain.Invoice, payload qbo.Invoice, record *domain.SyncRecord, cause error) (domain.SyncResult, error) {
	lastUsed, err := s.api.LastInvoiceNumber(ctx, call.creds)
	if err != nil {
		return s.failInvoice(ctx, call, invoice, errors.Join(cause, err))
	}

	oldNumber := invoice.InvoiceNumber
	newNumber := qbo.NextDocNumber(lastUsed, oldNumber)
	now := s.clock.Now()

	metadata := datatypes.JSONMap{}
	for k, v := range invoice.Metadata {
		metadata[k] = v
	}
	metadata["previous_invoice_number"] = oldNumber
	metadata["renumbered_invoice_number"] = newNumber
	metadata["renumber_reason"] = renumberReason
	metadata["renumbered_at"] = now.Format(time.RFC3339)

	if err := s.repo.RenumberInvoice(ctx, s.db, invoice.OrgID, invoice.ID, newNumber, metadata, now); err != nil {
		return domain.SyncResult{}, err
	}
	invoice.InvoiceNumber = newNumber
	invoice.Metadata = metadata

	payload.DocNumber = newNumber
	out, created, err := s.pushInvoice(ctx, call, payload, record)
	if err != nil {
		res, ferr := s.failInvoice(ctx, call, invoice, fmt.Errorf("%w: retry as %s: %w", domain.ErrDocNumberConflict, newNumber, err))
		res.OldNumber, res.NewNumber = oldNumber, newNumber
		return res, ferr
	}

	result, err := s.completeInvoice(ctx, call, invoice, out, created)
	if err != nil {
		return result, err
	}
	result.OldNumber, result.NewNumber = oldNumber, newNumber

	_ = s.events.Record(ctx, invoice.OrgID, eventdomain.EventInvoiceNumberChanged, eventdomain.EntityInvoice, invoice.ID, map[string]any{
		"old_number":  oldNumber,
		"new_number":  newNumber,
		"reason":      renumberReason,
		"external_id": out.ID,
	})
	s.metrics.IncSync(string(domain.EntityInvoice), obsmetrics.SyncOutcomeRenumbered)
	s.log.Info("qbosync.invoice.renumbered",
		zap.String("org_id", invoice.OrgID.String()),
		zap.String("invoice_id", invoice.ID.String()),
		zap.String("old_number", oldNumber),
		zap.String("new_number", newNumber),
	)
	return result, nil
}

// pushInvoice updates when a sync record carries an external id and creates
// otherwise. A stale SyncToken is refetched and the update retried once.
func (s *Service) pushInvoice(ctx context.Context, call *syncCall, payload qbo.Invoice, record *domain.SyncRecord) (*qbo.Invoice, bool, error) {
	externalID := record.External()
	if externalID == "" {
		out, err := s.api.CreateInvoice(ctx, call.creds, payload)
		return out, true, err
	}

	payload.ID = externalID
	payload.SyncToken = record.SyncToken()
	out, err := s.api.UpdateInvoice(ctx, call.creds, payload)
	if qerr, ok := qbo.AsError(err); ok && qerr.IsStaleObject() {
		current, gerr := s.api.GetInvoice(ctx, call.creds, externalID)
		if gerr != nil {
			return nil, false, errors.Join(err, gerr)
		}
		payload.SyncToken = current.SyncToken
		out, err = s.api.UpdateInvoice(ctx, call.creds, payload)
	}
	return out, false, err
}

func (s *Service) completeInvoice(ctx context.Context, call *syncCall, invoice *domain.Invoice, out *qbo.Invoice, created bool) (domain.SyncResult, error) {
	now := s.clock.Now()
	externalID := out.ID
	syncToken := out.SyncToken
	if err := s.repo.UpsertSyncRecord(ctx, s.db, &domain.SyncRecord{
		ID:                s.genID.Generate(),
		OrgID:             invoice.OrgID,
		ConnectionID:      &call.connectionID,
		EntityType:        domain.EntityInvoice,
		EntityID:          invoice.ID,
		ExternalID:        &externalID,
		ExternalSyncToken: &syncToken,
		Status:            domain.StatusSynced,
		LastSyncedAt:      &now,
		CreatedAt:         now,
		UpdatedAt:         now,
	}); err != nil {
		return domain.SyncResult{}, err
	}
	if err := s.repo.MarkInvoiceSynced(ctx, s.db, invoice.OrgID, invoice.ID, externalID, now); err != nil {
		return domain.SyncResult{}, err
	}
	if err := s.connections.MarkHealthy(ctx, invoice.OrgID); err != nil {
		s.log.Warn("qbosync.connection.mark_healthy_failed", zap.String("org_id", invoice.OrgID.String()), zap.Error(err))
	}
	return domain.SyncResult{Status: domain.StatusSynced, ExternalID: externalID, Created: created}, nil
}

// failInvoice persists the error on the invoice, its sync record and the
// connection before returning cause.
func (s *Service) failInvoice(ctx context.Context, call *syncCall, invoice *domain.Invoice, cause error) (domain.SyncResult, error) {
	now := s.clock.Now()
	message := text.Truncate(cause.Error(), maxErrorLength)

	var persistErrs []error
	if err := s.repo.SetInvoiceStatus(ctx, s.db, invoice.OrgID, invoice.ID, domain.StatusError, &message, now); err != nil {
		persistErrs = append(persistErrs, err)
	}
	if err := s.repo.UpsertSyncRecord(ctx, s.db, &domain.SyncRecord{
		ID:           s.genID.Generate(),
		OrgID:        invoice.OrgID,
		ConnectionID: &call.connectionID,
		EntityType:   domain.EntityInvoice,
		EntityID:     invoice.ID,
		Status:       domain.StatusError,
		ErrorMessage: &message,
		CreatedAt:    now,
		UpdatedAt:    now,
	}); err != nil {
		persistErrs = append(persistErrs, err)
	}
	s.recordConnectionError(ctx, invoice.OrgID, message)
	s.metrics.IncSync(string(domain.EntityInvoice), obsmetrics.SyncOutcomeError)
	s.log.Warn("qbosync.invoice.failed",
		zap.String("org_id", invoice.OrgID.String()),
		zap.String("invoice_id", invoice.ID.String()),
		zap.Error(cause),
	)

	if len(persistErrs) > 0 {
		return domain.SyncResult{Status: domain.StatusError}, errors.Join(append([]error{cause}, persistErrs...)...)
	}
	return domain.SyncResult{Status: domain.StatusError}, cause
}

func (s *Service) buildInvoice(ctx context.Context, call *syncCall, invoice *domain.Invoice) (qbo.Invoice, error) {
	project, err := s.loadProject(ctx, invoice)
	if err != nil {
		return qbo.Invoice{}, err
	}
	customer, err := s.resolveCustomer(ctx, call, invoice.ProjectID, customerName(invoice, project), customerEmail(invoice, project))
	if err != nil {
		return qbo.Invoice{}, err
	}

	payload := qbo.Invoice{
		DocNumber:   invoice.InvoiceNumber,
		CustomerRef: customer,
	}
	if invoice.IssueDate != nil {
		payload.TxnDate = invoice.IssueDate.UTC().Format(qboDateLayout)
	}
	if invoice.DueDate != nil {
		payload.DueDate = invoice.DueDate.UTC().Format(qboDateLayout)
	}
	if email := customerEmail(invoice, project); email != "" {
		payload.BillEmail = &qbo.EmailAddress{Address: email}
	}

	lines := invoice.Lines
	if len(lines) == 0 {
		lines = []domain.InvoiceLine{{
			Description:    "Invoice " + invoice.InvoiceNumber,
			Quantity:       "1",
			UnitPriceCents: invoice.TotalCents,
			AmountCents:    invoice.TotalCents,
		}}
	}
	for i, line := range lines {
		account := ""
		if line.IncomeAccountID != nil {
			account = strings.TrimSpace(*line.IncomeAccountID)
		}
		item, err := s.resolveItem(ctx, call, account)
		if err != nil {
			return qbo.Invoice{}, err
		}
		payload.Line = append(payload.Line, qbo.Line{
			LineNum:     i + 1,
			Description: line.Description,
			Amount:      qbo.AmountFromCents(line.AmountCents),
			DetailType:  qbo.DetailTypeSalesItem,
			SalesItemLineDetail: &qbo.SalesItemLineDetail{
				ItemRef:   item,
				Qty:       quantity(line.Quantity),
				UnitPrice: qbo.AmountFromCents(line.UnitPriceCents),
			},
		})
	}
	return payload, nil
}

func (s *Service) loadProject(ctx context.Context, invoice *domain.Invoice) (*domain.Project, error) {
	if invoice.ProjectID == nil || *invoice.ProjectID == 0 {
		return nil, nil
	}
	return s.repo.FindProject(ctx, s.db, invoice.OrgID, *invoice.ProjectID)
}

// resolveCustomer returns the external customer for a project. The mapping is
// kept as a customer sync record keyed by project id, so later invoices and
// payments for the project never create a second customer.
func (s *Service) resolveCustomer(ctx context.Context, call *syncCall, projectID *snowflake.ID, name, email string) (qbo.Ref, error) {
	var key snowflake.ID
	if projectID != nil {
		key = *projectID
	}
	if ref, ok := call.customers[key]; ok {
		return ref, nil
	}

	if key != 0 {
		record, err := s.repo.FindSyncRecord(ctx, s.db, call.orgID, domain.EntityCustomer, key)
		if err != nil {
			return qbo.Ref{}, err
		}
		if ext := record.External(); ext != "" {
			ref := qbo.Ref{Value: ext, Name: name}
			call.customers[key] = ref
			return ref, nil
		}
	}

	customer, err := s.api.QueryCustomerByName(ctx, call.creds, name)
	if err != nil {
		return qbo.Ref{}, err
	}
	if customer == nil {
		input := qbo.Customer{DisplayName: name}
		if email != "" {
			input.PrimaryEmailAddr = &qbo.EmailAddress{Address: email}
		}
		customer, err = s.api.CreateCustomer(ctx, call.creds, input)
		if err != nil {
			return qbo.Ref{}, err
		}
	}

	if key != 0 {
		now := s.clock.Now()
		externalID := customer.ID
		syncToken := customer.SyncToken
		if err := s.repo.UpsertSyncRecord(ctx, s.db, &domain.SyncRecord{
			ID:                s.genID.Generate(),
			OrgID:             call.orgID,
			ConnectionID:      &call.connectionID,
			EntityType:        domain.EntityCustomer,
			EntityID:          key,
			ExternalID:        &externalID,
			ExternalSyncToken: &syncToken,
			Status:            domain.StatusSynced,
			LastSyncedAt:      &now,
			CreatedAt:         now,
			UpdatedAt:         now,
		}); err != nil {
			return qbo.Ref{}, err
		}
	}

	ref := qbo.Ref{Value: customer.ID, Name: customer.DisplayName}
	call.customers[key] = ref
	return ref, nil
}

// resolveItem returns the service item posting to accountID, or to the
// tenant's default income account when accountID is empty.
func (s *Service) resolveItem(ctx context.Context, call *syncCall, accountID string) (qbo.Ref, error) {
	if ref, ok := call.items[accountID]; ok {
		return ref, nil
	}

	defaultAccount, err := s.defaultIncomeAccount(ctx, call)
	if err != nil {
		return qbo.Ref{}, err
	}
	target := accountID
	name := call.settings.ItemName()
	if target == "" {
		target = defaultAccount
	} else if target != defaultAccount {
		name = name + " (" + target + ")"
	}

	item, err := s.api.QueryServiceItem(ctx, call.creds, name)
	if err != nil {
		return qbo.Ref{}, err
	}
	if item == nil {
		item, err = s.api.CreateServiceItem(ctx, call.creds, name, target)
		if err != nil {
			return qbo.Ref{}, err
		}
	}

	ref := qbo.Ref{Value: item.ID, Name: item.Name}
	call.items[accountID] = ref
	return ref, nil
}

func (s *Service) defaultIncomeAccount(ctx context.Context, call *syncCall) (string, error) {
	if call.defaultAccount != "" {
		return call.defaultAccount, nil
	}
	if id := strings.TrimSpace(call.settings.IncomeAccountID); id != "" {
		call.defaultAccount = id
		return id, nil
	}
	account, err := s.api.QueryIncomeAccount(ctx, call.creds)
	if err != nil {
		return "", err
	}
	if account == nil || account.ID == "" {
		return "", outboxdomain.Permanent(errors.New("no income account available in the accounting system"))
	}
	call.defaultAccount = account.ID
	return account.ID, nil
}

// SyncPaymentToQBO records a payment against the already synced invoice.
// A payment that already has an external id is returned without any API call.
func (s *Service) SyncPaymentToQBO(ctx context.Context, orgID, paymentID snowflake.ID) (result domain.SyncResult, err error) {
	if orgID == 0 {
		return result, domain.ErrInvalidOrganization
	}
	ctx, span := tracing.Start(ctx, tracerName, "qbosync.sync_payment",
		attribute.String("org_id", orgID.String()),
		attribute.String("payment_id", paymentID.String()),
	)
	defer func() { tracing.End(span, err) }()
	log := logger.WithContext(ctx, s.log).With(
		zap.String("org_id", orgID.String()),
		zap.String("payment_id", paymentID.String()),
	)

	payment, err := s.repo.FindPayment(ctx, s.db, orgID, paymentID)
	if err != nil {
		return result, err
	}
	if payment == nil {
		return result, domain.ErrPaymentNotFound
	}

	record, err := s.repo.FindSyncRecord(ctx, s.db, orgID, domain.EntityPayment, payment.ID)
	if err != nil {
		return result, err
	}
	if ext := record.External(); ext != "" {
		return domain.SyncResult{Status: domain.StatusSynced, ExternalID: ext, AlreadySynced: true}, nil
	}

	invoice, err := s.repo.FindInvoice(ctx, s.db, orgID, payment.InvoiceID)
	if err != nil {
		return result, err
	}
	if invoice == nil {
		return result, domain.ErrInvoiceNotFound
	}

	call, ok, err := s.begin(ctx, orgID)
	if err != nil {
		return result, err
	}
	if !ok {
		if err := s.repo.SetPaymentStatus(ctx, s.db, orgID, payment.ID, domain.StatusSkipped, s.clock.Now()); err != nil {
			return result, err
		}
		s.recordConnectionError(ctx, orgID, noConnectionMsg)
		s.metrics.IncSync(string(domain.EntityPayment), obsmetrics.SyncOutcomeSkipped)
		log.Info("qbosync.payment.skipped", zap.String("reason", noConnectionMsg))
		return domain.SyncResult{Status: domain.StatusSkipped}, nil
	}

	invoiceRecord, err := s.repo.FindSyncRecord(ctx, s.db, orgID, domain.EntityInvoice, invoice.ID)
	if err != nil {
		return result, err
	}
	invoiceExternal := invoiceRecord.External()
	if invoiceExternal == "" && invoice.QBOInvoiceID != nil {
		invoiceExternal = *invoice.QBOInvoiceID
	}
	if invoiceExternal == "" {
		return s.failPayment(ctx, call, payment, fmt.Errorf("%w: invoice %s", domain.ErrInvoiceNotSynced, invoice.ID))
	}

	project, err := s.loadProject(ctx, invoice)
	if err != nil {
		return result, err
	}
	customer, err := s.resolveCustomer(ctx, call, invoice.ProjectID, customerName(invoice, project), customerEmail(invoice, project))
	if err != nil {
		return s.failPayment(ctx, call, payment, err)
	}

	amount := qbo.AmountFromCents(payment.AmountCents)
	input := qbo.Payment{
		CustomerRef: customer,
		TotalAmt:    amount,
		TxnDate:     payment.ReceivedAt.UTC().Format(qboDateLayout),
		Line: []qbo.Line{{
			Amount:    amount,
			LinkedTxn: []qbo.LinkedTxn{{TxnID: invoiceExternal, TxnType: qbo.TxnTypeInvoice}},
		}},
	}
	if payment.Reference != nil {
		input.PaymentRefNum = *payment.Reference
	}
	if payment.Method != nil {
		input.PrivateNote = "Method: " + *payment.Method
	}

	out, err := s.api.CreatePayment(ctx, call.creds, input)
	if err != nil {
		return s.failPayment(ctx, call, payment, err)
	}

	now := s.clock.Now()
	externalID := out.ID
	syncToken := out.SyncToken
	if err := s.repo.UpsertSyncRecord(ctx, s.db, &domain.SyncRecord{
		ID:                s.genID.Generate(),
		OrgID:             orgID,
		ConnectionID:      &call.connectionID,
		EntityType:        domain.EntityPayment,
		EntityID:          payment.ID,
		ExternalID:        &externalID,
		ExternalSyncToken: &syncToken,
		Status:            domain.StatusSynced,
		LastSyncedAt:      &now,
		CreatedAt:         now,
		UpdatedAt:         now,
	}); err != nil {
		return result, err
	}
	if err := s.repo.MarkPaymentSynced(ctx, s.db, orgID, payment.ID, externalID, now); err != nil {
		return result, err
	}
	if err := s.connections.MarkHealthy(ctx, orgID); err != nil {
		log.Warn("qbosync.connection.mark_healthy_failed", zap.Error(err))
	}

	s.metrics.IncSync(string(domain.EntityPayment), obsmetrics.SyncOutcomeSynced)
	log.Info("qbosync.payment.synced", zap.String("external_id", externalID))
	return domain.SyncResult{Status: domain.StatusSynced, ExternalID: externalID, Created: true}, nil
}

func (s *Service) failPayment(ctx context.Context, call *syncCall, payment *domain.Payment, cause error) (domain.SyncResult, error) {
	now := s.clock.Now()
	message := text.Truncate(cause.Error(), maxErrorLength)

	var persistErrs []error
	if err := s.repo.SetPaymentStatus(ctx, s.db, payment.OrgID, payment.ID, domain.StatusError, now); err != nil {
		persistErrs = append(persistErrs, err)
	}
	if err := s.repo.UpsertSyncRecord(ctx, s.db, &domain.SyncRecord{
		ID:           s.genID.Generate(),
		OrgID:        payment.OrgID,
		ConnectionID: &call.connectionID,
		EntityType:   domain.EntityPayment,
		EntityID:     payment.ID,
		Status:       domain.StatusError,
		ErrorMessage: &message,
		CreatedAt:    now,
		UpdatedAt:    now,
	}); err != nil {
		persistErrs = append(persistErrs, err)
	}
	s.recordConnectionError(ctx, payment.OrgID, message)
	s.metrics.IncSync(string(domain.EntityPayment), obsmetrics.SyncOutcomeError)
	s.log.Warn("qbosync.payment.failed",
		zap.String("org_id", payment.OrgID.String()),
		zap.String("payment_id", payment.ID.String()),
		zap.Error(cause),
	)

	if len(persistErrs) > 0 {
		return domain.SyncResult{Status: domain.StatusError}, errors.Join(append([]error{cause}, persistErrs...)...)
	}
	return domain.SyncResult{Status: domain.StatusError}, cause
}

func (s *Service) recordConnectionError(ctx context.Context, orgID snowflake.ID, message string) {
	if err := s.connections.RecordError(ctx, orgID, message); err != nil {
		s.log.Warn("qbosync.connection.record_error_failed", zap.String("org_id", orgID.String()), zap.Error(err))
	}
}

// EnqueueInvoiceSync queues a sync unless the tenant turned auto sync off,
// in which case the invoice is marked skipped.
func (s *Service) EnqueueInvoiceSync(ctx context.Context, orgID, invoiceID snowflake.ID) (domain.EnqueueResult, error) {
	if orgID == 0 {
		return domain.EnqueueResult{}, domain.ErrInvalidOrganization
	}
	invoice, err := s.repo.FindInvoice(ctx, s.db, orgID, invoiceID)
	if err != nil {
		return domain.EnqueueResult{}, err
	}
	if invoice == nil {
		return domain.EnqueueResult{}, domain.ErrInvoiceNotFound
	}

	settings, connected, err := s.connections.ActiveSettings(ctx, orgID)
	if err != nil {
		return domain.EnqueueResult{}, err
	}
	if connected && !settings.AutoSyncEnabled() {
		if err := s.repo.SetInvoiceStatus(ctx, s.db, orgID, invoiceID, domain.StatusSkipped, nil, s.clock.Now()); err != nil {
			return domain.EnqueueResult{}, err
		}
		return domain.EnqueueResult{Skipped: true}, nil
	}

	job, err := s.queue.Enqueue(ctx, outboxdomain.EnqueueRequest{
		OrgID:      orgID,
		Payload:    outboxdomain.SyncInvoicePayload{InvoiceID: invoiceID},
		DedupeKeys: []string{"invoice_id"},
	})
	if err != nil {
		return domain.EnqueueResult{}, err
	}
	if err := s.repo.SetInvoiceStatus(ctx, s.db, orgID, invoiceID, domain.StatusPending, nil, s.clock.Now()); err != nil {
		return domain.EnqueueResult{}, err
	}
	return domain.EnqueueResult{Enqueued: true, JobID: job.ID}, nil
}

// EnqueuePaymentSync queues a sync unless payment sync is turned off, which
// is a silent no-op.
func (s *Service) EnqueuePaymentSync(ctx context.Context, orgID, paymentID snowflake.ID) (domain.EnqueueResult, error) {
	if orgID == 0 {
		return domain.EnqueueResult{}, domain.ErrInvalidOrganization
	}
	settings, connected, err := s.connections.ActiveSettings(ctx, orgID)
	if err != nil {
		return domain.EnqueueResult{}, err
	}
	if connected && !settings.SyncPaymentsEnabled() {
		return domain.EnqueueResult{Skipped: true}, nil
	}

	job, err := s.queue.Enqueue(ctx, outboxdomain.EnqueueRequest{
		OrgID:      orgID,
		Payload:    outboxdomain.SyncPaymentPayload{PaymentID: paymentID},
		DedupeKeys: []string{"payment_id"},
	})
	if err != nil {
		return domain.EnqueueResult{}, err
	}
	return domain.EnqueueResult{Enqueued: true, JobID: job.ID}, nil
}

// RetryFailedSyncJobs resets failed sync jobs to pending, then enqueues
// invoices in error and payments with error sync records. Enqueue dedupes
// against the jobs just reset.
func (s *Service) RetryFailedSyncJobs(ctx context.Context, orgID snowflake.ID) (domain.RetryResult, error) {
	if orgID == 0 {
		return domain.RetryResult{}, domain.ErrInvalidOrganization
	}
	limit := s.policy.Get().RetryFailedLimit
	var result domain.RetryResult

	reset, err := s.inspector.ResetFailed(ctx, orgID, outboxdomain.SyncJobTypes, limit*len(outboxdomain.SyncJobTypes))
	if err != nil {
		return result, err
	}
	result.JobsReset = reset

	invoiceIDs, err := s.repo.ListInvoicesInError(ctx, s.db, orgID, limit)
	if err != nil {
		return result, err
	}
	var errs []error
	for _, id := range invoiceIDs {
		if _, err := s.queue.Enqueue(ctx, outboxdomain.EnqueueRequest{
			OrgID:      orgID,
			Payload:    outboxdomain.SyncInvoicePayload{InvoiceID: id},
			DedupeKeys: []string{"invoice_id"},
		}); err != nil {
			errs = append(errs, fmt.Errorf("invoice %s: %w", id, err))
			continue
		}
		result.InvoicesRequeued++
	}

	paymentIDs, err := s.repo.ListPaymentsInError(ctx, s.db, orgID, limit)
	if err != nil {
		return result, errors.Join(append(errs, err)...)
	}
	for _, id := range paymentIDs {
		if _, err := s.queue.Enqueue(ctx, outboxdomain.EnqueueRequest{
			OrgID:      orgID,
			Payload:    outboxdomain.SyncPaymentPayload{PaymentID: id},
			DedupeKeys: []string{"payment_id"},
		}); err != nil {
			errs = append(errs, fmt.Errorf("payment %s: %w", id, err))
			continue
		}
		result.PaymentsRequeued++
	}

	s.log.Info("qbosync.retry_failed",
		zap.String("org_id", orgID.String()),
		zap.Int64("jobs_reset", result.JobsReset),
		zap.Int("invoices_requeued", result.InvoicesRequeued),
		zap.Int("payments_requeued", result.PaymentsRequeued),
	)
	return result, errors.Join(errs...)
}

func isDuplicateDocNumber(err error) bool {
	qerr, ok := qbo.AsError(err)
	return ok && qerr.IsDuplicateDocNumber()
}

func customerName(invoice *domain.Invoice, project *domain.Project) string {
	if invoice.BillToName != nil && strings.TrimSpace(*invoice.BillToName) != "" {
		return strings.TrimSpace(*invoice.BillToName)
	}
	if project != nil {
		if project.ClientName != nil && strings.TrimSpace(*project.ClientName) != "" {
			return strings.TrimSpace(*project.ClientName)
		}
		if strings.TrimSpace(project.Name) != "" {
			return strings.TrimSpace(project.Name)
		}
	}
	return "Invoice " + invoice.InvoiceNumber
}

func customerEmail(invoice *domain.Invoice, project *domain.Project) string {
	if invoice.BillToEmail != nil && strings.TrimSpace(*invoice.BillToEmail) != "" {
		return strings.TrimSpace(*invoice.BillToEmail)
	}
	if project != nil && project.ClientEmail != nil {
		return strings.TrimSpace(*project.ClientEmail)
	}
	return ""
}

func quantity(raw string) qbo.Amount {
	d, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil || !d.IsPositive() {
		return qbo.NewAmount(decimal.NewFromInt(1))
	}
	return qbo.NewAmount(d)
}

