package domain

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/sitebridge/internal/qbo"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Status string

const (
	StatusActive       Status = "active"
	StatusExpired      Status = "expired"
	StatusDisconnected Status = "disconnected"
	StatusError        Status = "error"
)

const ProviderQBO = "qbo"

// Connection is one OAuth grant of a tenant to an accounting realm. Token
// columns hold vault ciphertext only.
type Connection struct {
	ID                    snowflake.ID   `gorm:"primaryKey;column:id"`
	OrgID                 snowflake.ID   `gorm:"column:org_id"`
	Provider              string         `gorm:"column:provider"`
	RealmID               string         `gorm:"column:realm_id"`
	AccessToken           string         `gorm:"column:access_token"`
	RefreshToken          string         `gorm:"column:refresh_token"`
	TokenExpiresAt        time.Time      `gorm:"column:token_expires_at"`
	RefreshTokenExpiresAt *time.Time     `gorm:"column:refresh_token_expires_at"`
	RefreshFailureCount   int            `gorm:"column:refresh_failure_count"`
	Status                Status         `gorm:"column:status"`
	Settings              datatypes.JSON `gorm:"column:settings"`
	LastError             *string        `gorm:"column:last_error"`
	LastRefreshedAt       *time.Time     `gorm:"column:last_refreshed_at"`
	LastSyncedAt          *time.Time     `gorm:"column:last_synced_at"`
	ConnectedAt           time.Time      `gorm:"column:connected_at"`
	DisconnectedAt        *time.Time     `gorm:"column:disconnected_at"`
	CreatedAt             time.Time      `gorm:"column:created_at"`
	UpdatedAt             time.Time      `gorm:"column:updated_at"`
}

func (Connection) TableName() string { return "accounting_connections" }

const DefaultServiceItemName = "Services"

// Settings is the tenant's sync configuration stored on the connection.
type Settings struct {
	AutoSync        *bool                 `json:"auto_sync,omitempty"`
	SyncPayments    *bool                 `json:"sync_payments,omitempty"`
	IncomeAccountID string                `json:"income_account_id,omitempty"`
	ServiceItemName string                `json:"service_item_name,omitempty"`
	Numbering       qbo.NumberingSettings `json:"numbering"`
}

func (s Settings) AutoSyncEnabled() bool {
	return s.AutoSync == nil || *s.AutoSync
}

func (s Settings) SyncPaymentsEnabled() bool {
	return s.SyncPayments == nil || *s.SyncPayments
}

func (s Settings) ItemName() string {
	if name := strings.TrimSpace(s.ServiceItemName); name != "" {
		return name
	}
	return DefaultServiceItemName
}

func ParseSettings(raw datatypes.JSON) Settings {
	var s Settings
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &s)
	}
	if s.Numbering.Pattern == "" {
		s.Numbering = qbo.DefaultNumbering()
	}
	return s
}

func (s Settings) JSON() datatypes.JSON {
	raw, _ := json.Marshal(s)
	return datatypes.JSON(raw)
}

type SettingsPatch struct {
	AutoSync        *bool   `json:"auto_sync"`
	SyncPayments    *bool   `json:"sync_payments"`
	IncomeAccountID *string `json:"income_account_id"`
	ServiceItemName *string `json:"service_item_name"`
}

func (s Settings) Apply(p SettingsPatch) Settings {
	if p.AutoSync != nil {
		v := *p.AutoSync
		s.AutoSync = &v
	}
	if p.SyncPayments != nil {
		v := *p.SyncPayments
		s.SyncPayments = &v
	}
	if p.IncomeAccountID != nil {
		s.IncomeAccountID = strings.TrimSpace(*p.IncomeAccountID)
	}
	if p.ServiceItemName != nil {
		s.ServiceItemName = strings.TrimSpace(*p.ServiceItemName)
	}
	return s
}

// AccessToken is a decrypted, currently usable credential. It must not be
// persisted or logged.
type AccessToken struct {
	ConnectionID snowflake.ID
	OrgID        snowflake.ID
	Token        string
	RealmID      string
	ExpiresAt    time.Time
	Settings     Settings
}

func (t AccessToken) Credentials() qbo.Credentials {
	return qbo.Credentials{AccessToken: t.Token, RealmID: t.RealmID}
}

type UpsertRequest struct {
	OrgID   snowflake.ID
	RealmID string
	Tokens  qbo.TokenResponse
}

type FailureSummary struct {
	JobID     snowflake.ID `json:"job_id"`
	JobType   string       `json:"job_type"`
	LastError string       `json:"last_error"`
	FailedAt  time.Time    `json:"failed_at"`
}

type Diagnostics struct {
	Connected             bool             `json:"connected"`
	Status                Status           `json:"status,omitempty"`
	RealmID               string           `json:"realm_id,omitempty"`
	TokenExpiresAt        *time.Time       `json:"token_expires_at,omitempty"`
	RefreshTokenExpiresAt *time.Time       `json:"refresh_token_expires_at,omitempty"`
	RefreshFailureCount   int              `json:"refresh_failure_count"`
	LastError             *string          `json:"last_error,omitempty"`
	LastRefreshedAt       *time.Time       `json:"last_refreshed_at,omitempty"`
	LastSyncedAt          *time.Time       `json:"last_synced_at,omitempty"`
	ReconnectRequired     bool             `json:"reconnect_required"`
	PendingJobs           int64            `json:"pending_jobs"`
	ProcessingJobs        int64            `json:"processing_jobs"`
	FailedJobs            int64            `json:"failed_jobs"`
	InvoicesInError       int64            `json:"invoices_in_error"`
	RecentFailures        []FailureSummary `json:"recent_failures"`
}

type KeepaliveResult struct {
	Scanned   int  `json:"scanned"`
	Refreshed int  `json:"refreshed"`
	Failed    int  `json:"failed"`
	Locked    bool `json:"locked"`
}

type Repository interface {
	FindActive(ctx context.Context, db *gorm.DB, orgID snowflake.ID) (*Connection, error)
	FindLatest(ctx context.Context, db *gorm.DB, orgID snowflake.ID) (*Connection, error)
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Connection, error)
	DemoteActive(ctx context.Context, db *gorm.DB, orgID snowflake.ID, now time.Time) (int64, error)
	Insert(ctx context.Context, db *gorm.DB, conn *Connection) error
	// StoreRefreshedTokens writes new tokens only while refresh_token still
	// equals previousRefresh. False means another refresher won.
	StoreRefreshedTokens(ctx context.Context, db *gorm.DB, id snowflake.ID, previousRefresh string, tokens StoredTokens, now time.Time) (bool, error)
	RecordRefreshFailure(ctx context.Context, db *gorm.DB, id snowflake.ID, previousRefresh, message string, now time.Time) (bool, error)
	Transition(ctx context.Context, db *gorm.DB, id snowflake.ID, to Status, message *string, now time.Time) (bool, error)
	SetLastError(ctx context.Context, db *gorm.DB, orgID snowflake.ID, message *string, now time.Time) error
	UpdateSettings(ctx context.Context, db *gorm.DB, id snowflake.ID, settings datatypes.JSON, now time.Time) error
	ListExpiringRefreshTokens(ctx context.Context, db *gorm.DB, before time.Time, limit int) ([]Connection, error)
	CountInvoicesInError(ctx context.Context, db *gorm.DB, orgID snowflake.ID) (int64, error)
}

// StoredTokens are the ciphertext values written by a refresh.
type StoredTokens struct {
	AccessToken           string
	RefreshToken          string
	TokenExpiresAt        time.Time
	RefreshTokenExpiresAt *time.Time
}

// Service is the Connection Lifecycle Manager.
type Service interface {
	GetAccessToken(ctx context.Context, orgID snowflake.ID) (*AccessToken, error)
	RefreshNow(ctx context.Context, orgID snowflake.ID) (*AccessToken, error)
	Disconnect(ctx context.Context, orgID snowflake.ID) error
	UpsertConnection(ctx context.Context, req UpsertRequest) (*Connection, error)
	Diagnostics(ctx context.Context, orgID snowflake.ID) (Diagnostics, error)
	KeepaliveSweep(ctx context.Context, limit int) (KeepaliveResult, error)

	AuthorizeURL(ctx context.Context, orgID snowflake.ID) (string, error)
	CompleteOAuth(ctx context.Context, state, code, realmID string) (*Connection, error)
	ActiveSettings(ctx context.Context, orgID snowflake.ID) (Settings, bool, error)
	UpdateSettings(ctx context.Context, orgID snowflake.ID, patch SettingsPatch) (Settings, error)
	MarkHealthy(ctx context.Context, orgID snowflake.ID) error
	RecordError(ctx context.Context, orgID snowflake.ID, message string) error
}

var (
	ErrInvalidOrganization   = errors.New("invalid_organization")
	ErrNoActiveConnection    = errors.New("no_active_connection")
	ErrReconnectRequired     = errors.New("reconnect_required")
	ErrTokenUnavailable      = errors.New("access_token_unavailable")
	ErrRefreshFailed         = errors.New("token_refresh_failed")
	ErrCredentialsUnreadable = errors.New("credentials_unreadable")
	ErrOAuthNotConfigured    = errors.New("oauth_not_configured")
	ErrInvalidState          = errors.New("invalid_oauth_state")
	ErrInvalidRealm          = errors.New("invalid_realm")
)

// OAuthProvider is the token-endpoint surface the lifecycle manager needs.
type OAuthProvider interface {
	Configured() bool
	AuthorizeURL(state string) string
	ExchangeCode(ctx context.Context, code string) (qbo.TokenResponse, error)
	Refresh(ctx context.Context, refreshToken string) (qbo.TokenResponse, error)
	Revoke(ctx context.Context, token string) error
}

// InvoiceNumberSource feeds numbering detection on connect.
type InvoiceNumberSource interface {
	RecentInvoiceNumbers(ctx context.Context, creds qbo.Credentials, limit int) ([]string, error)
}
