package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	accountingdomain "github.com/smallbiznis/sitebridge/internal/accounting/domain"
	"github.com/smallbiznis/sitebridge/internal/qbo"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Repository interface {
	FindInvoice(ctx context.Context, db *gorm.DB, orgID, id snowflake.ID) (*Invoice, error)
	ListInvoiceLines(ctx context.Context, db *gorm.DB, invoiceID snowflake.ID) ([]InvoiceLine, error)
	FindProject(ctx context.Context, db *gorm.DB, orgID, id snowflake.ID) (*Project, error)
	FindPayment(ctx context.Context, db *gorm.DB, orgID, id snowflake.ID) (*Payment, error)

	FindSyncRecord(ctx context.Context, db *gorm.DB, orgID snowflake.ID, entityType EntityType, entityID snowflake.ID) (*SyncRecord, error)
	UpsertSyncRecord(ctx context.Context, db *gorm.DB, rec *SyncRecord) error

	MarkInvoiceSynced(ctx context.Context, db *gorm.DB, orgID, id snowflake.ID, externalID string, now time.Time) error
	SetInvoiceStatus(ctx context.Context, db *gorm.DB, orgID, id snowflake.ID, status SyncStatus, message *string, now time.Time) error
	RenumberInvoice(ctx context.Context, db *gorm.DB, orgID, id snowflake.ID, number string, metadata datatypes.JSONMap, now time.Time) error
	MarkPaymentSynced(ctx context.Context, db *gorm.DB, orgID, id snowflake.ID, externalID string, now time.Time) error
	SetPaymentStatus(ctx context.Context, db *gorm.DB, orgID, id snowflake.ID, status SyncStatus, now time.Time) error

	ListInvoicesInError(ctx context.Context, db *gorm.DB, orgID snowflake.ID, limit int) ([]snowflake.ID, error)
	ListPaymentsInError(ctx context.Context, db *gorm.DB, orgID snowflake.ID, limit int) ([]snowflake.ID, error)
}

// AccountingAPI is the slice of the QuickBooks client the engine calls.
type AccountingAPI interface {
	QueryCustomerByName(ctx context.Context, creds qbo.Credentials, displayName string) (*qbo.Customer, error)
	CreateCustomer(ctx context.Context, creds qbo.Credentials, customer qbo.Customer) (*qbo.Customer, error)
	QueryServiceItem(ctx context.Context, creds qbo.Credentials, name string) (*qbo.Item, error)
	CreateServiceItem(ctx context.Context, creds qbo.Credentials, name, incomeAccountID string) (*qbo.Item, error)
	QueryIncomeAccount(ctx context.Context, creds qbo.Credentials) (*qbo.Account, error)
	CreateInvoice(ctx context.Context, creds qbo.Credentials, invoice qbo.Invoice) (*qbo.Invoice, error)
	UpdateInvoice(ctx context.Context, creds qbo.Credentials, invoice qbo.Invoice) (*qbo.Invoice, error)
	GetInvoice(ctx context.Context, creds qbo.Credentials, id string) (*qbo.Invoice, error)
	LastInvoiceNumber(ctx context.Context, creds qbo.Credentials) (string, error)
	CreatePayment(ctx context.Context, creds qbo.Credentials, payment qbo.Payment) (*qbo.Payment, error)
}

// Connections is what the engine needs from the connection lifecycle manager.
type Connections interface {
	GetAccessToken(ctx context.Context, orgID snowflake.ID) (*accountingdomain.AccessToken, error)
	ActiveSettings(ctx context.Context, orgID snowflake.ID) (accountingdomain.Settings, bool, error)
	MarkHealthy(ctx context.Context, orgID snowflake.ID) error
	RecordError(ctx context.Context, orgID snowflake.ID, message string) error
}

type SyncResult struct {
	Status        SyncStatus `json:"status"`
	ExternalID    string     `json:"external_id,omitempty"`
	Created       bool       `json:"created"`
	AlreadySynced bool       `json:"already_synced,omitempty"`
	OldNumber     string     `json:"old_number,omitempty"`
	NewNumber     string     `json:"new_number,omitempty"`
}

func (r SyncResult) Renumbered() bool {
	return r.NewNumber != ""
}

type EnqueueResult struct {
	Enqueued bool         `json:"enqueued"`
	Skipped  bool         `json:"skipped"`
	JobID    snowflake.ID `json:"job_id,omitempty"`
}

type RetryResult struct {
	JobsReset        int64 `json:"jobs_reset"`
	InvoicesRequeued int   `json:"invoices_requeued"`
	PaymentsRequeued int   `json:"payments_requeued"`
}

type Service interface {
	SyncInvoiceToQBO(ctx context.Context, orgID, invoiceID snowflake.ID) (SyncResult, error)
	SyncPaymentToQBO(ctx context.Context, orgID, paymentID snowflake.ID) (SyncResult, error)
	EnqueueInvoiceSync(ctx context.Context, orgID, invoiceID snowflake.ID) (EnqueueResult, error)
	EnqueuePaymentSync(ctx context.Context, orgID, paymentID snowflake.ID) (EnqueueResult, error)
	RetryFailedSyncJobs(ctx context.Context, orgID snowflake.ID) (RetryResult, error)
}

var (
	ErrInvalidOrganization = errors.New("invalid_organization")
	ErrInvoiceNotFound     = errors.New("invoice_not_found")
	ErrPaymentNotFound     = errors.New("payment_not_found")
	ErrInvoiceNotSynced    = errors.New("invoice_not_synced")
	ErrDocNumberConflict   = errors.New("doc_number_conflict")
)
