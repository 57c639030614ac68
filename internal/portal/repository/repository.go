package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/sitebridge/internal/portal/domain"
	"gorm.io/gorm"
)

const (
	accountColumns = `id, org_id, email, full_name, password_hash, status, paused_at, revoked_at,
	last_login_at, created_at, updated_at`
	sessionColumns = `id, org_id, account_id, session_token_hash, expires_at, revoked_at,
	last_seen_at, ip_address, user_agent, created_at`
	grantColumns = `id, org_id, account_id, token_type, access_token_id, status, paused_at,
	revoked_at, created_at, updated_at`
	portalTokenColumns = `id, org_id, project_id, portal_type, token, pin_hash, pin_attempts,
	pin_locked_until, expires_at, revoked_at, created_at`
	bidTokenColumns = `id, org_id, bid_invite_id, token_hash, expires_at, paused_at, revoked_at, created_at`
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) FindPortalToken(ctx context.Context, db *gorm.DB, token string) (*domain.PortalAccessToken, error) {
	var row domain.PortalAccessToken
	err := db.WithContext(ctx).Raw(
		`SELECT `+portalTokenColumns+` FROM portal_access_tokens WHERE token = ? LIMIT 1`,
		token,
	).Scan(&row).Error
	if err != nil || row.ID == 0 {
		return nil, err
	}
	return &row, nil
}

func (r *repo) FindPortalTokenByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.PortalAccessToken, error) {
	var row domain.PortalAccessToken
	err := db.WithContext(ctx).Raw(
		`SELECT `+portalTokenColumns+` FROM portal_access_tokens WHERE id = ?`,
		id,
	).Scan(&row).Error
	if err != nil || row.ID == 0 {
		return nil, err
	}
	return &row, nil
}

func (r *repo) FindBidTokenByHash(ctx context.Context, db *gorm.DB, hash string) (*domain.BidAccessToken, error) {
	var row domain.BidAccessToken
	err := db.WithContext(ctx).Raw(
		`SELECT `+bidTokenColumns+` FROM bid_access_tokens WHERE token_hash = ? LIMIT 1`,
		hash,
	).Scan(&row).Error
	if err != nil || row.ID == 0 {
		return nil, err
	}
	return &row, nil
}

func (r *repo) FindBidTokenByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.BidAccessToken, error) {
	var row domain.BidAccessToken
	err := db.WithContext(ctx).Raw(
		`SELECT `+bidTokenColumns+` FROM bid_access_tokens WHERE id = ?`,
		id,
	).Scan(&row).Error
	if err != nil || row.ID == 0 {
		return nil, err
	}
	return &row, nil
}

func (r *repo) InsertBidToken(ctx context.Context, db *gorm.DB, token *domain.BidAccessToken) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO bid_access_tokens (`+bidTokenColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		token.ID, token.OrgID, token.BidInviteID, token.TokenHash,
		token.ExpiresAt, token.PausedAt, token.RevokedAt, token.CreatedAt,
	).Error
}

func (r *repo) FindBidInvite(ctx context.Context, db *gorm.DB, orgID, id snowflake.ID) (*domain.BidInvite, error) {
	var row domain.BidInvite
	err := db.WithContext(ctx).Raw(
		`SELECT id, org_id, bid_package_id, company_name, contact_email, status, paused_at, revoked_at, created_at
		FROM bid_invites WHERE org_id = ? AND id = ?`,
		orgID, id,
	).Scan(&row).Error
	if err != nil || row.ID == 0 {
		return nil, err
	}
	return &row, nil
}

func (r *repo) SetBidInviteStatus(ctx context.Context, db *gorm.DB, orgID, id snowflake.ID, status domain.Status, now time.Time) (int64, error) {
	pausedAt, revokedAt := statusStamps(status, now)
	result := db.WithContext(ctx).Exec(
		`UPDATE bid_invites SET status = ?, paused_at = ?, revoked_at = ? WHERE org_id = ? AND id = ?`,
		status, pausedAt, revokedAt, orgID, id,
	)
	return result.RowsAffected, result.Error
}

func (r *repo) FindAccountByEmail(ctx context.Context, db *gorm.DB, orgID snowflake.ID, email string) (*domain.Account, error) {
	var row domain.Account
	err := db.WithContext(ctx).Raw(
		`SELECT `+accountColumns+` FROM external_portal_accounts WHERE org_id = ? AND email = ? LIMIT 1`,
		orgID, email,
	).Scan(&row).Error
	if err != nil || row.ID == 0 {
		return nil, err
	}
	return &row, nil
}

func (r *repo) FindAccountByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Account, error) {
	var row domain.Account
	err := db.WithContext(ctx).Raw(
		`SELECT `+accountColumns+` FROM external_portal_accounts WHERE id = ?`,
		id,
	).Scan(&row).Error
	if err != nil || row.ID == 0 {
		return nil, err
	}
	return &row, nil
}

func (r *repo) InsertAccount(ctx context.Context, db *gorm.DB, account *domain.Account) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO external_portal_accounts (`+accountColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		account.ID, account.OrgID, account.Email, account.FullName, account.PasswordHash,
		account.Status, account.PausedAt, account.RevokedAt, account.LastLoginAt,
		account.CreatedAt, account.UpdatedAt,
	).Error
}

func (r *repo) SetInitialPassword(ctx context.Context, db *gorm.DB, id snowflake.ID, hash string, fullName *string, now time.Time) (int64, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE external_portal_accounts
		SET password_hash = ?, full_name = COALESCE(full_name, ?), updated_at = ?
		WHERE id = ? AND password_hash IS NULL`,
		hash, fullName, now, id,
	)
	return result.RowsAffected, result.Error
}

func (r *repo) TouchLogin(ctx context.Context, db *gorm.DB, id snowflake.ID, now time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE external_portal_accounts SET last_login_at = ?, updated_at = ? WHERE id = ?`,
		now, now, id,
	).Error
}

func (r *repo) SetAccountStatus(ctx context.Context, db *gorm.DB, orgID, id snowflake.ID, status domain.Status, now time.Time) (int64, error) {
	pausedAt, revokedAt := statusStamps(status, now)
	result := db.WithContext(ctx).Exec(
		`UPDATE external_portal_accounts
		SET status = ?, paused_at = ?, revoked_at = ?, updated_at = ?
		WHERE org_id = ? AND id = ?`,
		status, pausedAt, revokedAt, now, orgID, id,
	)
	return result.RowsAffected, result.Error
}

func (r *repo) UpsertGrant(ctx context.Context, db *gorm.DB, grant *domain.Grant) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO external_portal_account_grants (`+grantColumns+`)
		VALUES (?, ?, ?, ?, ?, 'active', NULL, NULL, ?, ?)
		ON CONFLICT (account_id, token_type, access_token_id) DO UPDATE
		SET status = 'active', paused_at = NULL, revoked_at = NULL, updated_at = excluded.updated_at`,
		grant.ID, grant.OrgID, grant.AccountID, grant.TokenType, grant.AccessTokenID,
		grant.CreatedAt, grant.UpdatedAt,
	).Error
}

func (r *repo) FindGrant(ctx context.Context, db *gorm.DB, accountID snowflake.ID, tokenType domain.TokenType, accessTokenID snowflake.ID) (*domain.Grant, error) {
	var row domain.Grant
	err := db.WithContext(ctx).Raw(
		`SELECT `+grantColumns+` FROM external_portal_account_grants
		WHERE account_id = ? AND token_type = ? AND access_token_id = ?`,
		accountID, tokenType, accessTokenID,
	).Scan(&row).Error
	if err != nil || row.ID == 0 {
		return nil, err
	}
	return &row, nil
}

func (r *repo) SetInviteGrantsStatus(ctx context.Context, db *gorm.DB, inviteID snowflake.ID, fromStatuses []domain.Status, status domain.Status, now time.Time) (int64, error) {
	pausedAt, revokedAt := statusStamps(status, now)
	result := db.WithContext(ctx).Exec(
		`UPDATE external_portal_account_grants
		SET status = ?, paused_at = ?, revoked_at = ?, updated_at = ?
		WHERE token_type = 'bid'
			AND status IN ?
			AND access_token_id IN (SELECT id FROM bid_access_tokens WHERE bid_invite_id = ?)`,
		status, pausedAt, revokedAt, now, fromStatuses, inviteID,
	)
	return result.RowsAffected, result.Error
}

func (r *repo) InsertSession(ctx context.Context, db *gorm.DB, session *domain.Session) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO external_portal_sessions (`+sessionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		session.ID, session.OrgID, session.AccountID, session.SessionTokenHash, session.ExpiresAt,
		session.RevokedAt, session.LastSeenAt, session.IPAddress, session.UserAgent, session.CreatedAt,
	).Error
}

func (r *repo) FindSessionByHash(ctx context.Context, db *gorm.DB, hash string) (*domain.Session, error) {
	var row domain.Session
	err := db.WithContext(ctx).Raw(
		`SELECT `+sessionColumns+` FROM external_portal_sessions WHERE session_token_hash = ? LIMIT 1`,
		hash,
	).Scan(&row).Error
	if err != nil || row.ID == 0 {
		return nil, err
	}
	return &row, nil
}

func (r *repo) TouchSession(ctx context.Context, db *gorm.DB, id snowflake.ID, now time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE external_portal_sessions SET last_seen_at = ? WHERE id = ?`,
		now, id,
	).Error
}

func (r *repo) RevokeSession(ctx context.Context, db *gorm.DB, id snowflake.ID, now time.Time) (int64, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE external_portal_sessions SET revoked_at = ? WHERE id = ? AND revoked_at IS NULL`,
		now, id,
	)
	return result.RowsAffected, result.Error
}

func (r *repo) RevokeAccountSessions(ctx context.Context, db *gorm.DB, accountID snowflake.ID, now time.Time) (int64, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE external_portal_sessions SET revoked_at = ? WHERE account_id = ? AND revoked_at IS NULL`,
		now, accountID,
	)
	return result.RowsAffected, result.Error
}

func (r *repo) SetPINHash(ctx context.Context, db *gorm.DB, tokenID snowflake.ID, hash string) (int64, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE portal_access_tokens
		SET pin_hash = ?, pin_attempts = 0, pin_locked_until = NULL
		WHERE id = ?`,
		hash, tokenID,
	)
	return result.RowsAffected, result.Error
}

func (r *repo) RecordPINFailure(ctx context.Context, db *gorm.DB, tokenID snowflake.ID, maxAttempts int, lockedUntil time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE portal_access_tokens
		SET pin_locked_until = CASE WHEN pin_attempts + 1 >= ? THEN ? ELSE pin_locked_until END,
			pin_attempts = pin_attempts + 1
		WHERE id = ?`,
		maxAttempts, lockedUntil, tokenID,
	).Error
}

func (r *repo) ResetPIN(ctx context.Context, db *gorm.DB, tokenID snowflake.ID) error {
	return db.WithContext(ctx).Exec(
		`UPDATE portal_access_tokens SET pin_attempts = 0, pin_locked_until = NULL WHERE id = ?`,
		tokenID,
	).Error
}

func statusStamps(status domain.Status, now time.Time) (pausedAt, revokedAt *time.Time) {
	switch status {
	case domain.StatusPaused:
		return &now, nil
	case domain.StatusRevoked:
		return nil, &now
	}
	return nil, nil
}
