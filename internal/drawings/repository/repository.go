package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/sitebridge/internal/drawings/domain"
	dbpkg "github.com/smallbiznis/sitebridge/pkg/db"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) FindVersion(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.SheetVersion, error) {
	var row domain.SheetVersion
	err := db.WithContext(ctx).Raw(
		`SELECT id, org_id, sheet_id, file_url, tile_status, tile_error, tiles_generated_at, deleted_at, created_at
		FROM drawing_sheet_versions WHERE id = ?`,
		id,
	).Scan(&row).Error
	if err != nil || row.ID == 0 {
		return nil, err
	}
	return &row, nil
}

func (r *repo) MarkReady(ctx context.Context, db *gorm.DB, id snowflake.ID, now time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE drawing_sheet_versions SET tile_status = 'ready', tile_error = NULL, tiles_generated_at = ?
		WHERE id = ?`,
		now, id,
	).Error
}

func (r *repo) MarkError(ctx context.Context, db *gorm.DB, id snowflake.ID, status domain.TileStatus, message string) error {
	return db.WithContext(ctx).Exec(
		`UPDATE drawing_sheet_versions SET tile_status = ?, tile_error = ?
		WHERE id = ? AND tile_status <> 'ready'`,
		status, message, id,
	).Error
}

// RefreshSheetsList rebuilds the materialized sheet list. Other dialects have
// no materialized view, so the call is a no-op there.
func (r *repo) RefreshSheetsList(ctx context.Context, db *gorm.DB) error {
	if !dbpkg.IsPostgres(db) {
		return nil
	}
	return db.WithContext(ctx).Exec(`REFRESH MATERIALIZED VIEW drawing_sheets_list`).Error
}
