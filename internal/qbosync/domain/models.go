package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type EntityType string

const (
	EntityInvoice  EntityType = "invoice"
	EntityPayment  EntityType = "payment"
	EntityCustomer EntityType = "customer"
)

// SyncStatus is stored on sync_records and mirrored on invoices and payments.
type SyncStatus string

const (
	StatusPending SyncStatus = "pending"
	StatusSynced  SyncStatus = "synced"
	StatusError   SyncStatus = "error"
	StatusSkipped SyncStatus = "skipped"
)

type Project struct {
	ID          snowflake.ID `gorm:"column:id"`
	OrgID       snowflake.ID `gorm:"column:org_id"`
	Name        string       `gorm:"column:name"`
	ClientName  *string      `gorm:"column:client_name"`
	ClientEmail *string      `gorm:"column:client_email"`
}

type Invoice struct {
	ID            snowflake.ID      `gorm:"column:id"`
	OrgID         snowflake.ID      `gorm:"column:org_id"`
	ProjectID     *snowflake.ID     `gorm:"column:project_id"`
	InvoiceNumber string            `gorm:"column:invoice_number"`
	BillToName    *string           `gorm:"column:bill_to_name"`
	BillToEmail   *string           `gorm:"column:bill_to_email"`
	IssueDate     *time.Time        `gorm:"column:issue_date"`
	DueDate       *time.Time        `gorm:"column:due_date"`
	TotalCents    int64             `gorm:"column:total_cents"`
	Currency      string            `gorm:"column:currency"`
	Metadata      datatypes.JSONMap `gorm:"column:metadata"`
	QBOInvoiceID  *string           `gorm:"column:qbo_invoice_id"`
	QBOSyncStatus *string           `gorm:"column:qbo_sync_status"`
	QBOSyncedAt   *time.Time        `gorm:"column:qbo_synced_at"`
	QBOLastError  *string           `gorm:"column:qbo_last_error"`
	CreatedAt     time.Time         `gorm:"column:created_at"`
	UpdatedAt     time.Time         `gorm:"column:updated_at"`

	Lines []InvoiceLine `gorm:"-"`
}

type InvoiceLine struct {
	ID              snowflake.ID `gorm:"column:id"`
	InvoiceID       snowflake.ID `gorm:"column:invoice_id"`
	Position        int          `gorm:"column:position"`
	Description     string       `gorm:"column:description"`
	Quantity        string       `gorm:"column:quantity"`
	UnitPriceCents  int64        `gorm:"column:unit_price_cents"`
	AmountCents     int64        `gorm:"column:amount_cents"`
	IncomeAccountID *string      `gorm:"column:income_account_id"`
}

type Payment struct {
	ID            snowflake.ID `gorm:"column:id"`
	OrgID         snowflake.ID `gorm:"column:org_id"`
	InvoiceID     snowflake.ID `gorm:"column:invoice_id"`
	AmountCents   int64        `gorm:"column:amount_cents"`
	ReceivedAt    time.Time    `gorm:"column:received_at"`
	Method        *string      `gorm:"column:method"`
	Reference     *string      `gorm:"column:reference"`
	QBOPaymentID  *string      `gorm:"column:qbo_payment_id"`
	QBOSyncStatus *string      `gorm:"column:qbo_sync_status"`
}

// SyncRecord maps one internal entity to its external counterpart. Customer
// records are keyed by project id.
type SyncRecord struct {
	ID                snowflake.ID  `gorm:"column:id"`
	OrgID             snowflake.ID  `gorm:"column:org_id"`
	ConnectionID      *snowflake.ID `gorm:"column:connection_id"`
	EntityType        EntityType    `gorm:"column:entity_type"`
	EntityID          snowflake.ID  `gorm:"column:entity_id"`
	ExternalID        *string       `gorm:"column:external_id"`
	ExternalSyncToken *string       `gorm:"column:external_sync_token"`
	Status            SyncStatus    `gorm:"column:status"`
	ErrorMessage      *string       `gorm:"column:error_message"`
	LastSyncedAt      *time.Time    `gorm:"column:last_synced_at"`
	CreatedAt         time.Time     `gorm:"column:created_at"`
	UpdatedAt         time.Time     `gorm:"column:updated_at"`
}

func (r *SyncRecord) External() string {
	if r == nil || r.ExternalID == nil {
		return ""
	}
	return *r.ExternalID
}

func (r *SyncRecord) SyncToken() string {
	if r == nil || r.ExternalSyncToken == nil {
		return ""
	}
	return *r.ExternalSyncToken
}
