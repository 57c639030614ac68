package service

import (
	"context"
	"errors"
	"fmt"

	outboxdomain "github.com/smallbiznis/sitebridge/internal/outbox/domain"
	"github.com/smallbiznis/sitebridge/internal/qbosync/domain"
)

// InvoiceHandler runs qbo_sync_invoice jobs.
type InvoiceHandler struct {
	svc *Service
}

func NewInvoiceHandler(svc *Service) *InvoiceHandler {
	return &InvoiceHandler{svc: svc}
}

func (h *InvoiceHandler) JobType() string { return outboxdomain.JobQBOSyncInvoice }

func (h *InvoiceHandler) Handle(ctx context.Context, job outboxdomain.Job, payload outboxdomain.Payload) error {
	p, ok := payload.(outboxdomain.SyncInvoicePayload)
	if !ok {
		return outboxdomain.Permanent(fmt.Errorf("unexpected payload %T", payload))
	}
	_, err := h.svc.SyncInvoiceToQBO(ctx, job.OrgID, p.InvoiceID)
	return classify(err)
}

// PaymentHandler runs qbo_sync_payment jobs.
type PaymentHandler struct {
	svc *Service
}

func NewPaymentHandler(svc *Service) *PaymentHandler {
	return &PaymentHandler{svc: svc}
}

func (h *PaymentHandler) JobType() string { return outboxdomain.JobQBOSyncPayment }

func (h *PaymentHandler) Handle(ctx context.Context, job outboxdomain.Job, payload outboxdomain.Payload) error {
	p, ok := payload.(outboxdomain.SyncPaymentPayload)
	if !ok {
		return outboxdomain.Permanent(fmt.Errorf("unexpected payload %T", payload))
	}
	_, err := h.svc.SyncPaymentToQBO(ctx, job.OrgID, p.PaymentID)
	return classify(err)
}

// classify marks engine errors for the outbox. Anything unmarked is left to
// the outbox classifier.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, domain.ErrInvoiceNotFound), errors.Is(err, domain.ErrPaymentNotFound):
		return outboxdomain.StaleReference(err)
	case errors.Is(err, domain.ErrDocNumberConflict),
		errors.Is(err, domain.ErrInvoiceNotSynced),
		errors.Is(err, domain.ErrInvalidOrganization):
		return outboxdomain.Permanent(err)
	}
	return err
}
