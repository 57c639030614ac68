package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Status string

const (
	StatusPending Status = "pending"
	StatusSent    Status = "sent"
	StatusFailed  Status = "failed"
)

type Notification struct {
	ID             snowflake.ID `gorm:"column:id" json:"id"`
	OrgID          snowflake.ID `gorm:"column:org_id" json:"org_id"`
	RecipientEmail string       `gorm:"column:recipient_email" json:"recipient_email"`
	Subject        string       `gorm:"column:subject" json:"subject"`
	Body           string       `gorm:"column:body" json:"body"`
	Status         Status       `gorm:"column:status" json:"status"`
	SentAt         *time.Time   `gorm:"column:sent_at" json:"sent_at,omitempty"`
	LastError      *string      `gorm:"column:last_error" json:"last_error,omitempty"`
	CreatedAt      time.Time    `gorm:"column:created_at" json:"created_at"`
}

type CreateRequest struct {
	OrgID          snowflake.ID
	RecipientEmail string
	Subject        string
	Body           string
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, n *Notification) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Notification, error)
	MarkSent(ctx context.Context, db *gorm.DB, id snowflake.ID, now time.Time) (int64, error)
	RecordError(ctx context.Context, db *gorm.DB, id snowflake.ID, status Status, message string) error
}

var (
	ErrInvalidOrganization  = errors.New("invalid_organization")
	ErrInvalidRecipient     = errors.New("invalid_recipient")
	ErrNotificationNotFound = errors.New("notification_not_found")
)
