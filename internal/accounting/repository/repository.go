package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/sitebridge/internal/accounting/domain"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const connectionColumns = `id, org_id, provider, realm_id, access_token, refresh_token,
	token_expires_at, refresh_token_expires_at, refresh_failure_count, status, settings,
	last_error, last_refreshed_at, last_synced_at, connected_at, disconnected_at,
	created_at, updated_at`

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) scanOne(ctx context.Context, db *gorm.DB, query string, args ...any) (*domain.Connection, error) {
	var conn domain.Connection
	if err := db.WithContext(ctx).Raw(query, args...).Scan(&conn).Error; err != nil {
		return nil, err
	}
	if conn.ID == 0 {
		return nil, nil
	}
	return &conn, nil
}

func (r *repo) FindActive(ctx context.Context, db *gorm.DB, orgID snowflake.ID) (*domain.Connection, error) {
	return r.scanOne(ctx, db,
		`SELECT `+connectionColumns+` FROM accounting_connections
		WHERE org_id = ? AND status = 'active'
		LIMIT 1`,
		orgID,
	)
}

func (r *repo) FindLatest(ctx context.Context, db *gorm.DB, orgID snowflake.ID) (*domain.Connection, error) {
	return r.scanOne(ctx, db,
		`SELECT `+connectionColumns+` FROM accounting_connections
		WHERE org_id = ?
		ORDER BY CASE WHEN status = 'active' THEN 0 ELSE 1 END, created_at DESC, id DESC
		LIMIT 1`,
		orgID,
	)
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Connection, error) {
	return r.scanOne(ctx, db,
		`SELECT `+connectionColumns+` FROM accounting_connections WHERE id = ?`,
		id,
	)
}

func (r *repo) DemoteActive(ctx context.Context, db *gorm.DB, orgID snowflake.ID, now time.Time) (int64, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE accounting_connections
		SET status = 'disconnected', disconnected_at = ?, updated_at = ?
		WHERE org_id = ? AND status = 'active'`,
		now, now, orgID,
	)
	return result.RowsAffected, result.Error
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, conn *domain.Connection) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO accounting_connections (`+connectionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		conn.ID,
		conn.OrgID,
		conn.Provider,
		conn.RealmID,
		conn.AccessToken,
		conn.RefreshToken,
		conn.TokenExpiresAt,
		conn.RefreshTokenExpiresAt,
		conn.RefreshFailureCount,
		conn.Status,
		conn.Settings,
		conn.LastError,
		conn.LastRefreshedAt,
		conn.LastSyncedAt,
		conn.ConnectedAt,
		conn.DisconnectedAt,
		conn.CreatedAt,
		conn.UpdatedAt,
	).Error
}

func (r *repo) StoreRefreshedTokens(ctx context.Context, db *gorm.DB, id snowflake.ID, previousRefresh string, tokens domain.StoredTokens, now time.Time) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE accounting_connections
		SET access_token = ?, refresh_token = ?, token_expires_at = ?,
			refresh_token_expires_at = COALESCE(?, refresh_token_expires_at),
			refresh_failure_count = 0, last_error = NULL, last_refreshed_at = ?, updated_at = ?
		WHERE id = ? AND refresh_token = ? AND status = 'active'`,
		tokens.AccessToken,
		tokens.RefreshToken,
		tokens.TokenExpiresAt,
		tokens.RefreshTokenExpiresAt,
		now,
		now,
		id,
		previousRefresh,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *repo) RecordRefreshFailure(ctx context.Context, db *gorm.DB, id snowflake.ID, previousRefresh, message string, now time.Time) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE accounting_connections
		SET refresh_failure_count = refresh_failure_count + 1, last_error = ?, updated_at = ?
		WHERE id = ? AND refresh_token = ? AND status = 'active'`,
		message, now, id, previousRefresh,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// Transition moves an active connection to another status.
func (r *repo) Transition(ctx context.Context, db *gorm.DB, id snowflake.ID, to domain.Status, message *string, now time.Time) (bool, error) {
	query := `UPDATE accounting_connections SET status = ?, updated_at = ?`
	args := []any{to, now}
	if message != nil {
		query += `, last_error = ?`
		args = append(args, *message)
	}
	if to == domain.StatusDisconnected {
		query += `, disconnected_at = ?`
		args = append(args, now)
	}
	query += ` WHERE id = ? AND status = 'active'`
	args = append(args, id)

	result := db.WithContext(ctx).Exec(query, args...)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *repo) SetLastError(ctx context.Context, db *gorm.DB, orgID snowflake.ID, message *string, now time.Time) error {
	if message == nil {
		return db.WithContext(ctx).Exec(
			`UPDATE accounting_connections
			SET last_error = NULL, last_synced_at = ?, updated_at = ?
			WHERE org_id = ? AND status = 'active'`,
			now, now, orgID,
		).Error
	}
	return db.WithContext(ctx).Exec(
		`UPDATE accounting_connections
		SET last_error = ?, updated_at = ?
		WHERE org_id = ? AND status = 'active'`,
		*message, now, orgID,
	).Error
}

func (r *repo) UpdateSettings(ctx context.Context, db *gorm.DB, id snowflake.ID, settings datatypes.JSON, now time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE accounting_connections SET settings = ?, updated_at = ? WHERE id = ?`,
		settings, now, id,
	).Error
}

func (r *repo) ListExpiringRefreshTokens(ctx context.Context, db *gorm.DB, before time.Time, limit int) ([]domain.Connection, error) {
	var conns []domain.Connection
	err := db.WithContext(ctx).Raw(
		`SELECT `+connectionColumns+` FROM accounting_connections
		WHERE status = 'active'
			AND refresh_token_expires_at IS NOT NULL
			AND refresh_token_expires_at <= ?
		ORDER BY refresh_token_expires_at ASC, id ASC
		LIMIT ?`,
		before, limit,
	).Scan(&conns).Error
	if err != nil {
		return nil, err
	}
	return conns, nil
}

func (r *repo) CountInvoicesInError(ctx context.Context, db *gorm.DB, orgID snowflake.ID) (int64, error) {
	var total int64
	err := db.WithContext(ctx).Raw(
		`SELECT COUNT(*) FROM invoices WHERE org_id = ? AND qbo_sync_status = 'error'`,
		orgID,
	).Scan(&total).Error
	return total, err
}
