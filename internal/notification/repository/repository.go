package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/sitebridge/internal/notification/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, n *domain.Notification) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO notifications (id, org_id, recipient_email, subject, body, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		n.ID, n.OrgID, n.RecipientEmail, n.Subject, n.Body, n.Status, n.CreatedAt,
	).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Notification, error) {
	var row domain.Notification
	err := db.WithContext(ctx).Raw(
		`SELECT id, org_id, recipient_email, subject, body, status, sent_at, last_error, created_at
		FROM notifications WHERE id = ?`,
		id,
	).Scan(&row).Error
	if err != nil || row.ID == 0 {
		return nil, err
	}
	return &row, nil
}

func (r *repo) MarkSent(ctx context.Context, db *gorm.DB, id snowflake.ID, now time.Time) (int64, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE notifications SET status = 'sent', sent_at = ?, last_error = NULL
		WHERE id = ? AND status <> 'sent'`,
		now, id,
	)
	return result.RowsAffected, result.Error
}

func (r *repo) RecordError(ctx context.Context, db *gorm.DB, id snowflake.ID, status domain.Status, message string) error {
	return db.WithContext(ctx).Exec(
		`UPDATE notifications SET status = ?, last_error = ? WHERE id = ? AND status <> 'sent'`,
		status, message, id,
	).Error
}
