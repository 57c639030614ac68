package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/sitebridge/pkg/db/pagination"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	EventInvoiceNumberChanged   = "invoice_number_changed"
	EventConnectionConnected    = "accounting_connection.connected"
	EventConnectionDisconnected = "accounting_connection.disconnected"
	EventConnectionExpired      = "accounting_connection.expired"
)

const (
	EntityInvoice              = "invoice"
	EntityAccountingConnection = "accounting_connection"
)

// Event is an append-only domain event row. IDs are ULIDs so rows sort by
// creation time without a second column.
type Event struct {
	ID         string            `gorm:"primaryKey;column:id"`
	OrgID      snowflake.ID      `gorm:"column:org_id"`
	EventType  string            `gorm:"column:event_type"`
	EntityType string            `gorm:"column:entity_type"`
	EntityID   snowflake.ID      `gorm:"column:entity_id"`
	Payload    datatypes.JSONMap `gorm:"column:payload"`
	CreatedAt  time.Time         `gorm:"column:created_at"`
}

func (Event) TableName() string { return "events" }

type ListFilter struct {
	OrgID      snowflake.ID
	EventType  string
	EntityType string
	EntityID   snowflake.ID
	AfterID    string
	Limit      int
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, event *Event) error
	List(ctx context.Context, db *gorm.DB, filter ListFilter) ([]*Event, error)
}

type ListEventsRequest struct {
	pagination.Pagination
	EventType  string
	EntityType string
	EntityID   snowflake.ID
}

type ListEventsResponse struct {
	pagination.PageInfo
	Events []*Event `json:"events"`
}

type Recorder interface {
	Record(ctx context.Context, orgID snowflake.ID, eventType, entityType string, entityID snowflake.ID, payload map[string]any) error
	List(ctx context.Context, req ListEventsRequest) (ListEventsResponse, error)
}

var (
	ErrInvalidOrganization = errors.New("invalid_organization")
	ErrInvalidEventType    = errors.New("invalid_event_type")
	ErrInvalidPageToken    = errors.New("invalid_page_token")
)
