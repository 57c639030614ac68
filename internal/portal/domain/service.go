package domain

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	"gorm.io/gorm"
)

type AuthenticateRequest struct {
	Token     string    `json:"token"`
	TokenType TokenType `json:"token_type"`
	Mode      Mode      `json:"mode"`
	Email     string    `json:"email"`
	Password  string    `json:"password"`
	FullName  string    `json:"full_name"`
	IPAddress string    `json:"-"`
	UserAgent string    `json:"-"`
}

func (r AuthenticateRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Token, validation.Required),
		validation.Field(&r.TokenType, validation.Required, validation.In(TokenTypePortal, TokenTypeBid)),
		validation.Field(&r.Mode, validation.Required, validation.In(ModeClaim, ModeLogin)),
		validation.Field(&r.Email, validation.Required, is.EmailFormat),
		validation.Field(&r.Password, validation.Required, validation.Length(MinPasswordLength, MaxPasswordLength)),
	)
}

// bcrypt ignores input past 72 bytes.
const (
	MinPasswordLength = 8
	MaxPasswordLength = 72
)

type AuthResult struct {
	Account      *Account  `json:"account"`
	Scope        Scope     `json:"scope"`
	SessionToken string    `json:"-"`
	ExpiresAt    time.Time `json:"expires_at"`
	Created      bool      `json:"created"`
}

type SessionView struct {
	Session *Session `json:"session"`
	Account *Account `json:"account"`
}

type PINResult struct {
	Verified          bool       `json:"verified"`
	Locked            bool       `json:"locked"`
	LockedUntil       *time.Time `json:"locked_until,omitempty"`
	AttemptsRemaining int        `json:"attempts_remaining"`
}

type Repository interface {
	FindPortalToken(ctx context.Context, db *gorm.DB, token string) (*PortalAccessToken, error)
	FindPortalTokenByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*PortalAccessToken, error)
	FindBidTokenByHash(ctx context.Context, db *gorm.DB, hash string) (*BidAccessToken, error)
	FindBidTokenByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*BidAccessToken, error)
	InsertBidToken(ctx context.Context, db *gorm.DB, token *BidAccessToken) error
	FindBidInvite(ctx context.Context, db *gorm.DB, orgID, id snowflake.ID) (*BidInvite, error)
	SetBidInviteStatus(ctx context.Context, db *gorm.DB, orgID, id snowflake.ID, status Status, now time.Time) (int64, error)

	FindAccountByEmail(ctx context.Context, db *gorm.DB, orgID snowflake.ID, email string) (*Account, error)
	FindAccountByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Account, error)
	InsertAccount(ctx context.Context, db *gorm.DB, account *Account) error
	// SetInitialPassword applies only while the account has no password, so
	// two concurrent first claims cannot both set one.
	SetInitialPassword(ctx context.Context, db *gorm.DB, id snowflake.ID, hash string, fullName *string, now time.Time) (int64, error)
	TouchLogin(ctx context.Context, db *gorm.DB, id snowflake.ID, now time.Time) error
	SetAccountStatus(ctx context.Context, db *gorm.DB, orgID, id snowflake.ID, status Status, now time.Time) (int64, error)

	UpsertGrant(ctx context.Context, db *gorm.DB, grant *Grant) error
	FindGrant(ctx context.Context, db *gorm.DB, accountID snowflake.ID, tokenType TokenType, accessTokenID snowflake.ID) (*Grant, error)
	// SetInviteGrantsStatus moves the grants of an invite's bid tokens from
	// one of fromStatuses to status.
	SetInviteGrantsStatus(ctx context.Context, db *gorm.DB, inviteID snowflake.ID, fromStatuses []Status, status Status, now time.Time) (int64, error)

	InsertSession(ctx context.Context, db *gorm.DB, session *Session) error
	FindSessionByHash(ctx context.Context, db *gorm.DB, hash string) (*Session, error)
	TouchSession(ctx context.Context, db *gorm.DB, id snowflake.ID, now time.Time) error
	RevokeSession(ctx context.Context, db *gorm.DB, id snowflake.ID, now time.Time) (int64, error)
	RevokeAccountSessions(ctx context.Context, db *gorm.DB, accountID snowflake.ID, now time.Time) (int64, error)

	SetPINHash(ctx context.Context, db *gorm.DB, tokenID snowflake.ID, hash string) (int64, error)
	// RecordPINFailure increments the attempt counter and sets lockedUntil
	// once the counter reaches maxAttempts.
	RecordPINFailure(ctx context.Context, db *gorm.DB, tokenID snowflake.ID, maxAttempts int, lockedUntil time.Time) error
	ResetPIN(ctx context.Context, db *gorm.DB, tokenID snowflake.ID) error
}

type Service interface {
	AuthenticateWithToken(ctx context.Context, req AuthenticateRequest) (*AuthResult, error)
	ValidateSession(ctx context.Context, rawToken string) (*SessionView, error)
	AuthorizeAccess(ctx context.Context, rawSession, accessToken string, tokenType TokenType) (*SessionView, *Scope, error)
	Logout(ctx context.Context, rawToken string) error
	VerifyPIN(ctx context.Context, accessToken, pin string) (*PINResult, error)
	SetPIN(ctx context.Context, tokenID snowflake.ID, pin string) error
	SetAccountStatus(ctx context.Context, orgID, accountID snowflake.ID, status Status) error
	SetBidInviteStatus(ctx context.Context, orgID, inviteID snowflake.ID, status Status) error
	IssueBidToken(ctx context.Context, orgID, inviteID snowflake.ID, expiresAt *time.Time) (string, error)
}

// NormalizeEmail lowercases and trims an address for the per-tenant unique key.
func NormalizeEmail(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}

var (
	ErrInvalidRequest     = errors.New("invalid_request")
	ErrInvalidAccessToken = errors.New("invalid_access_token")
	ErrInvalidCredentials = errors.New("invalid_credentials")
	ErrAccountInactive    = errors.New("account_inactive")
	ErrInvalidSession     = errors.New("invalid_session")
	ErrSessionExpired     = errors.New("session_expired")
	ErrSessionRevoked     = errors.New("session_revoked")
	ErrAccessDenied       = errors.New("access_denied")
	ErrPINNotConfigured   = errors.New("pin_not_configured")
	ErrInvalidPIN         = errors.New("invalid_pin")
	ErrInvalidStatus      = errors.New("invalid_status")
	ErrAccountNotFound    = errors.New("account_not_found")
	ErrInviteNotFound     = errors.New("invite_not_found")
	ErrTokenNotFound      = errors.New("token_not_found")
	ErrSecretMissing      = errors.New("bid_portal_secret_missing")
)
