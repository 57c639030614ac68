package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// SessionTTL bounds both the stored session row and the browser cookie.
const SessionTTL = 30 * 24 * time.Hour

type TokenType string

const (
	TokenTypePortal TokenType = "portal"
	TokenTypeBid    TokenType = "bid"
)

type Mode string

const (
	ModeClaim Mode = "claim"
	ModeLogin Mode = "login"
)

// Status is shared by accounts, grants and bid invites.
type Status string

const (
	StatusActive  Status = "active"
	StatusPaused  Status = "paused"
	StatusRevoked Status = "revoked"
)

func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusPaused, StatusRevoked:
		return true
	}
	return false
}

// PortalAccessToken is a project portal link. The raw token is stored and
// looked up directly; the optional PIN guards the link itself.
type PortalAccessToken struct {
	ID             snowflake.ID `gorm:"column:id"`
	OrgID          snowflake.ID `gorm:"column:org_id"`
	ProjectID      snowflake.ID `gorm:"column:project_id"`
	PortalType     string       `gorm:"column:portal_type"`
	Token          string       `gorm:"column:token"`
	PINHash        *string      `gorm:"column:pin_hash"`
	PINAttempts    int          `gorm:"column:pin_attempts"`
	PINLockedUntil *time.Time   `gorm:"column:pin_locked_until"`
	ExpiresAt      *time.Time   `gorm:"column:expires_at"`
	RevokedAt      *time.Time   `gorm:"column:revoked_at"`
	CreatedAt      time.Time    `gorm:"column:created_at"`
}

func (t *PortalAccessToken) Usable(now time.Time) bool {
	if t == nil || t.RevokedAt != nil {
		return false
	}
	return t.ExpiresAt == nil || now.Before(*t.ExpiresAt)
}

type BidInvite struct {
	ID           snowflake.ID `gorm:"column:id"`
	OrgID        snowflake.ID `gorm:"column:org_id"`
	BidPackageID snowflake.ID `gorm:"column:bid_package_id"`
	CompanyName  *string      `gorm:"column:company_name"`
	ContactEmail *string      `gorm:"column:contact_email"`
	Status       Status       `gorm:"column:status"`
	PausedAt     *time.Time   `gorm:"column:paused_at"`
	RevokedAt    *time.Time   `gorm:"column:revoked_at"`
	CreatedAt    time.Time    `gorm:"column:created_at"`
}

// BidAccessToken stores only the HMAC of the raw bid link token.
type BidAccessToken struct {
	ID          snowflake.ID `gorm:"column:id"`
	OrgID       snowflake.ID `gorm:"column:org_id"`
	BidInviteID snowflake.ID `gorm:"column:bid_invite_id"`
	TokenHash   string       `gorm:"column:token_hash"`
	ExpiresAt   *time.Time   `gorm:"column:expires_at"`
	PausedAt    *time.Time   `gorm:"column:paused_at"`
	RevokedAt   *time.Time   `gorm:"column:revoked_at"`
	CreatedAt   time.Time    `gorm:"column:created_at"`
}

func (t *BidAccessToken) Usable(now time.Time) bool {
	if t == nil || t.RevokedAt != nil || t.PausedAt != nil {
		return false
	}
	return t.ExpiresAt == nil || now.Before(*t.ExpiresAt)
}

type Account struct {
	ID           snowflake.ID `gorm:"column:id" json:"id"`
	OrgID        snowflake.ID `gorm:"column:org_id" json:"org_id"`
	Email        string       `gorm:"column:email" json:"email"`
	FullName     *string      `gorm:"column:full_name" json:"full_name,omitempty"`
	PasswordHash *string      `gorm:"column:password_hash" json:"-"`
	Status       Status       `gorm:"column:status" json:"status"`
	PausedAt     *time.Time   `gorm:"column:paused_at" json:"paused_at,omitempty"`
	RevokedAt    *time.Time   `gorm:"column:revoked_at" json:"revoked_at,omitempty"`
	LastLoginAt  *time.Time   `gorm:"column:last_login_at" json:"last_login_at,omitempty"`
	CreatedAt    time.Time    `gorm:"column:created_at" json:"created_at"`
	UpdatedAt    time.Time    `gorm:"column:updated_at" json:"updated_at"`
}

// Session is a bearer session for an account. Only the SHA-256 of the raw
// cookie value is persisted.
type Session struct {
	ID               snowflake.ID `gorm:"column:id" json:"id"`
	OrgID            snowflake.ID `gorm:"column:org_id" json:"org_id"`
	AccountID        snowflake.ID `gorm:"column:account_id" json:"account_id"`
	SessionTokenHash string       `gorm:"column:session_token_hash" json:"-"`
	ExpiresAt        time.Time    `gorm:"column:expires_at" json:"expires_at"`
	RevokedAt        *time.Time   `gorm:"column:revoked_at" json:"revoked_at,omitempty"`
	LastSeenAt       *time.Time   `gorm:"column:last_seen_at" json:"last_seen_at,omitempty"`
	IPAddress        *string      `gorm:"column:ip_address" json:"-"`
	UserAgent        *string      `gorm:"column:user_agent" json:"-"`
	CreatedAt        time.Time    `gorm:"column:created_at" json:"created_at"`
}

// Grant binds an account to one access token. Its status is independent of
// the account's own status.
type Grant struct {
	ID            snowflake.ID `gorm:"column:id" json:"id"`
	OrgID         snowflake.ID `gorm:"column:org_id" json:"org_id"`
	AccountID     snowflake.ID `gorm:"column:account_id" json:"account_id"`
	TokenType     TokenType    `gorm:"column:token_type" json:"token_type"`
	AccessTokenID snowflake.ID `gorm:"column:access_token_id" json:"access_token_id"`
	Status        Status       `gorm:"column:status" json:"status"`
	PausedAt      *time.Time   `gorm:"column:paused_at" json:"paused_at,omitempty"`
	RevokedAt     *time.Time   `gorm:"column:revoked_at" json:"revoked_at,omitempty"`
	CreatedAt     time.Time    `gorm:"column:created_at" json:"created_at"`
	UpdatedAt     time.Time    `gorm:"column:updated_at" json:"updated_at"`
}

// Scope is what an access token resolves to.
type Scope struct {
	OrgID         snowflake.ID  `json:"org_id"`
	TokenType     TokenType     `json:"token_type"`
	AccessTokenID snowflake.ID  `json:"access_token_id"`
	ProjectID     *snowflake.ID `json:"project_id,omitempty"`
	PortalType    string        `json:"portal_type,omitempty"`
	BidInviteID   *snowflake.ID `json:"bid_invite_id,omitempty"`
	BidPackageID  *snowflake.ID `json:"bid_package_id,omitempty"`
}
