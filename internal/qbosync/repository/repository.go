package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/sitebridge/internal/qbosync/domain"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	invoiceColumns = `id, org_id, project_id, invoice_number, bill_to_name, bill_to_email,
	issue_date, due_date, total_cents, currency, metadata, qbo_invoice_id, qbo_sync_status,
	qbo_synced_at, qbo_last_error, created_at, updated_at`

	syncRecordColumns = `id, org_id, connection_id, entity_type, entity_id, external_id,
	external_sync_token, status, error_message, last_synced_at, created_at, updated_at`
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) FindInvoice(ctx context.Context, db *gorm.DB, orgID, id snowflake.ID) (*domain.Invoice, error) {
	var invoice domain.Invoice
	err := db.WithContext(ctx).Raw(
		`SELECT `+invoiceColumns+` FROM invoices WHERE org_id = ? AND id = ?`,
		orgID, id,
	).Scan(&invoice).Error
	if err != nil {
		return nil, err
	}
	if invoice.ID == 0 {
		return nil, nil
	}
	return &invoice, nil
}

func (r *repo) ListInvoiceLines(ctx context.Context, db *gorm.DB, invoiceID snowflake.ID) ([]domain.InvoiceLine, error) {
	var lines []domain.InvoiceLine
	err := db.WithContext(ctx).Raw(
		`SELECT id, invoice_id, position, description, quantity, unit_price_cents, amount_cents, income_account_id
		FROM invoice_lines
		WHERE invoice_id = ?
		ORDER BY position ASC, id ASC`,
		invoiceID,
	).Scan(&lines).Error
	if err != nil {
		return nil, err
	}
	return lines, nil
}

func (r *repo) FindProject(ctx context.Context, db *gorm.DB, orgID, id snowflake.ID) (*domain.Project, error) {
	var project domain.Project
	err := db.WithContext(ctx).Raw(
		`SELECT id, org_id, name, client_name, client_email FROM projects WHERE org_id = ? AND id = ?`,
		orgID, id,
	).Scan(&project).Error
	if err != nil {
		return nil, err
	}
	if project.ID == 0 {
		return nil, nil
	}
	return &project, nil
}

func (r *repo) FindPayment(ctx context.Context, db *gorm.DB, orgID, id snowflake.ID) (*domain.Payment, error) {
	var payment domain.Payment
	err := db.WithContext(ctx).Raw(
		`SELECT id, org_id, invoice_id, amount_cents, received_at, method, reference, qbo_payment_id, qbo_sync_status
		FROM payments WHERE org_id = ? AND id = ?`,
		orgID, id,
	).Scan(&payment).Error
	if err != nil {
		return nil, err
	}
	if payment.ID == 0 {
		return nil, nil
	}
	return &payment, nil
}

func (r *repo) FindSyncRecord(ctx context.Context, db *gorm.DB, orgID snowflake.ID, entityType domain.EntityType, entityID snowflake.ID) (*domain.SyncRecord, error) {
	var rec domain.SyncRecord
	err := db.WithContext(ctx).Raw(
		`SELECT `+syncRecordColumns+` FROM sync_records
		WHERE org_id = ? AND entity_type = ? AND entity_id = ?`,
		orgID, entityType, entityID,
	).Scan(&rec).Error
	if err != nil {
		return nil, err
	}
	if rec.ID == 0 {
		return nil, nil
	}
	return &rec, nil
}

// UpsertSyncRecord keeps one row per (org, entity type, entity id). A nil
// external id or sync token on rec keeps the stored value.
func (r *repo) UpsertSyncRecord(ctx context.Context, db *gorm.DB, rec *domain.SyncRecord) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO sync_records (`+syncRecordColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (org_id, entity_type, entity_id) DO UPDATE SET
			connection_id = COALESCE(excluded.connection_id, sync_records.connection_id),
			external_id = COALESCE(excluded.external_id, sync_records.external_id),
			external_sync_token = COALESCE(excluded.external_sync_token, sync_records.external_sync_token),
			status = excluded.status,
			error_message = excluded.error_message,
			last_synced_at = COALESCE(excluded.last_synced_at, sync_records.last_synced_at),
			updated_at = excluded.updated_at`,
		rec.ID,
		rec.OrgID,
		rec.ConnectionID,
		rec.EntityType,
		rec.EntityID,
		rec.ExternalID,
		rec.ExternalSyncToken,
		rec.Status,
		rec.ErrorMessage,
		rec.LastSyncedAt,
		rec.CreatedAt,
		rec.UpdatedAt,
	).Error
}

func (r *repo) MarkInvoiceSynced(ctx context.Context, db *gorm.DB, orgID, id snowflake.ID, externalID string, now time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE invoices
		SET qbo_invoice_id = ?, qbo_sync_status = 'synced', qbo_synced_at = ?, qbo_last_error = NULL, updated_at = ?
		WHERE org_id = ? AND id = ?`,
		externalID, now, now, orgID, id,
	).Error
}

func (r *repo) SetInvoiceStatus(ctx context.Context, db *gorm.DB, orgID, id snowflake.ID, status domain.SyncStatus, message *string, now time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE invoices SET qbo_sync_status = ?, qbo_last_error = ?, updated_at = ? WHERE org_id = ? AND id = ?`,
		status, message, now, orgID, id,
	).Error
}

func (r *repo) RenumberInvoice(ctx context.Context, db *gorm.DB, orgID, id snowflake.ID, number string, metadata datatypes.JSONMap, now time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE invoices SET invoice_number = ?, metadata = ?, updated_at = ? WHERE org_id = ? AND id = ?`,
		number, metadata, now, orgID, id,
	).Error
}

func (r *repo) MarkPaymentSynced(ctx context.Context, db *gorm.DB, orgID, id snowflake.ID, externalID string, now time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE payments SET qbo_payment_id = ?, qbo_sync_status = 'synced', updated_at = ? WHERE org_id = ? AND id = ?`,
		externalID, now, orgID, id,
	).Error
}

func (r *repo) SetPaymentStatus(ctx context.Context, db *gorm.DB, orgID, id snowflake.ID, status domain.SyncStatus, now time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE payments SET qbo_sync_status = ?, updated_at = ? WHERE org_id = ? AND id = ?`,
		status, now, orgID, id,
	).Error
}

func (r *repo) ListInvoicesInError(ctx context.Context, db *gorm.DB, orgID snowflake.ID, limit int) ([]snowflake.ID, error) {
	var ids []snowflake.ID
	err := db.WithContext(ctx).Raw(
		`SELECT id FROM invoices
		WHERE org_id = ? AND qbo_sync_status = 'error'
		ORDER BY updated_at ASC, id ASC
		LIMIT ?`,
		orgID, limit,
	).Scan(&ids).Error
	return ids, err
}

func (r *repo) ListPaymentsInError(ctx context.Context, db *gorm.DB, orgID snowflake.ID, limit int) ([]snowflake.ID, error) {
	var ids []snowflake.ID
	err := db.WithContext(ctx).Raw(
		`SELECT entity_id FROM sync_records
		WHERE org_id = ? AND entity_type = 'payment' AND status = 'error'
		ORDER BY updated_at ASC, entity_id ASC
		LIMIT ?`,
		orgID, limit,
	).Scan(&ids).Error
	return ids, err
}
