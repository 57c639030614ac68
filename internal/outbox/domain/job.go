package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

const (
	JobDeliverNotification      = "deliver_notification"
	JobQBOSyncInvoice           = "qbo_sync_invoice"
	JobQBOSyncPayment           = "qbo_sync_payment"
	JobGenerateDrawingTiles     = "generate_drawing_tiles"
	JobRefreshDrawingSheetsList = "refresh_drawing_sheets_list"
)

// SyncJobTypes are the job types reported by accounting diagnostics.
var SyncJobTypes = []string{JobQBOSyncInvoice, JobQBOSyncPayment}

// SkippedPrefix marks completed jobs whose referenced entity is gone.
const SkippedPrefix = "skipped: "

type Job struct {
	ID         snowflake.ID   `gorm:"primaryKey;column:id" json:"id"`
	OrgID      snowflake.ID   `gorm:"column:org_id" json:"org_id"`
	JobType    string         `gorm:"column:job_type" json:"job_type"`
	Payload    datatypes.JSON `gorm:"column:payload" json:"payload"`
	Status     Status         `gorm:"column:status" json:"status"`
	RetryCount int            `gorm:"column:retry_count" json:"retry_count"`
	LastError  *string        `gorm:"column:last_error" json:"last_error,omitempty"`
	RunAt      time.Time      `gorm:"column:run_at" json:"run_at"`
	LockedBy   *string        `gorm:"column:locked_by" json:"-"`
	LockedAt   *time.Time     `gorm:"column:locked_at" json:"locked_at,omitempty"`
	DedupeKey  *string        `gorm:"column:dedupe_key" json:"dedupe_key,omitempty"`
	CreatedAt  time.Time      `gorm:"column:created_at" json:"created_at"`
	UpdatedAt  time.Time      `gorm:"column:updated_at" json:"updated_at"`
}

func (Job) TableName() string { return "outbox" }

type EnqueueRequest struct {
	OrgID   snowflake.ID
	Payload Payload
	// DedupeKeys names payload fields that identify the job. While a job with
	// the same org, type and key values is pending or processing, enqueue
	// returns that job instead of inserting another.
	DedupeKeys []string
	// RunAt defaults to now.
	RunAt *time.Time
}

// Outcome is the terminal write for one attempt of a claimed job.
type Outcome struct {
	Status     Status
	RetryCount int
	RunAt      time.Time
	LastError  *string
}

type Repository interface {
	// Insert stores a pending job. With a dedupe key it returns the live job
	// holding that key and false when one already exists.
	Insert(ctx context.Context, db *gorm.DB, job *Job) (*Job, bool, error)
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Job, error)
	ClaimBatch(ctx context.Context, db *gorm.DB, jobTypes []string, limit int, now time.Time, lockedBy string) ([]Job, error)
	// Finish applies outcome only while the job is still held by lockedBy.
	Finish(ctx context.Context, db *gorm.DB, id snowflake.ID, lockedBy string, outcome Outcome, now time.Time) (bool, error)
	FindStale(ctx context.Context, db *gorm.DB, lockedBefore time.Time, limit int) ([]Job, error)
	CountByStatus(ctx context.Context, db *gorm.DB, orgID snowflake.ID, jobTypes []string) (map[Status]int64, error)
	RecentFailures(ctx context.Context, db *gorm.DB, orgID snowflake.ID, jobTypes []string, limit int) ([]Job, error)
	ResetFailed(ctx context.Context, db *gorm.DB, orgID snowflake.ID, jobTypes []string, limit int, now time.Time) (int64, error)
}

// Handler executes one job type. Returned errors are classified with Classify.
type Handler interface {
	JobType() string
	Handle(ctx context.Context, job Job, payload Payload) error
}

type Enqueuer interface {
	Enqueue(ctx context.Context, req EnqueueRequest) (*Job, error)
	EnqueueTx(ctx context.Context, tx *gorm.DB, req EnqueueRequest) (*Job, error)
}

// Inspector is the operator read and remediation surface of the queue.
type Inspector interface {
	Stats(ctx context.Context, orgID snowflake.ID, jobTypes []string) (QueueStats, error)
	ResetFailed(ctx context.Context, orgID snowflake.ID, jobTypes []string, limit int) (int64, error)
}

type BatchResult struct {
	Claimed   int `json:"claimed"`
	Completed int `json:"completed"`
	Skipped   int `json:"skipped"`
	Retried   int `json:"retried"`
	Failed    int `json:"failed"`
}

func (r *BatchResult) Add(other BatchResult) {
	r.Claimed += other.Claimed
	r.Completed += other.Completed
	r.Skipped += other.Skipped
	r.Retried += other.Retried
	r.Failed += other.Failed
}

type QueueStats struct {
	Pending        int64 `json:"pending"`
	Processing     int64 `json:"processing"`
	Failed         int64 `json:"failed"`
	RecentFailures []Job `json:"recent_failures"`
}

var (
	ErrInvalidOrganization = errors.New("invalid_organization")
	ErrInvalidPayload      = errors.New("invalid_payload")
	ErrUnknownJobType      = errors.New("unknown_job_type")
	ErrJobNotFound         = errors.New("job_not_found")
)
