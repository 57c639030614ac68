package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type TileStatus string

const (
	TileStatusPending TileStatus = "pending"
	TileStatusReady   TileStatus = "ready"
	TileStatusError   TileStatus = "error"
)

type SheetVersion struct {
	ID               snowflake.ID `gorm:"column:id" json:"id"`
	OrgID            snowflake.ID `gorm:"column:org_id" json:"org_id"`
	SheetID          snowflake.ID `gorm:"column:sheet_id" json:"sheet_id"`
	FileURL          string       `gorm:"column:file_url" json:"file_url"`
	TileStatus       TileStatus   `gorm:"column:tile_status" json:"tile_status"`
	TileError        *string      `gorm:"column:tile_error" json:"tile_error,omitempty"`
	TilesGeneratedAt *time.Time   `gorm:"column:tiles_generated_at" json:"tiles_generated_at,omitempty"`
	DeletedAt        *time.Time   `gorm:"column:deleted_at" json:"deleted_at,omitempty"`
	CreatedAt        time.Time    `gorm:"column:created_at" json:"created_at"`
}

// TileRequest asks the tile service to render one sheet version.
type TileRequest struct {
	OrgID          snowflake.ID `json:"orgId"`
	SheetID        snowflake.ID `json:"sheetId"`
	SheetVersionID snowflake.ID `json:"sheetVersionId"`
	FileURL        string       `json:"fileUrl"`
}

type TileResult struct {
	TileCount int    `json:"tileCount"`
	BaseURL   string `json:"baseUrl"`
}

type TileGenerator interface {
	Generate(ctx context.Context, req TileRequest) (*TileResult, error)
}

type Repository interface {
	FindVersion(ctx context.Context, db *gorm.DB, id snowflake.ID) (*SheetVersion, error)
	MarkReady(ctx context.Context, db *gorm.DB, id snowflake.ID, now time.Time) error
	MarkError(ctx context.Context, db *gorm.DB, id snowflake.ID, status TileStatus, message string) error
	RefreshSheetsList(ctx context.Context, db *gorm.DB) error
}

var (
	ErrSheetVersionNotFound = errors.New("sheet_version_not_found")
	ErrTileServiceMissing   = errors.New("tile_service_not_configured")
)
