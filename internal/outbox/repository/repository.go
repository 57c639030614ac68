package repository

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/sitebridge/internal/outbox/domain"
	"github.com/smallbiznis/sitebridge/pkg/db"
	"gorm.io/gorm"
)

const jobColumns = `id, org_id, job_type, payload, status, retry_count, last_error, run_at,
	locked_by, locked_at, dedupe_key, created_at, updated_at`

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, conn *gorm.DB, job *domain.Job) (*domain.Job, bool, error) {
	query := `INSERT INTO outbox (` + jobColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if job.DedupeKey != nil {
		query += ` ON CONFLICT (dedupe_key) WHERE dedupe_key IS NOT NULL AND status IN ('pending', 'processing') DO NOTHING`
	}

	result := conn.WithContext(ctx).Exec(query,
		job.ID,
		job.OrgID,
		job.JobType,
		job.Payload,
		job.Status,
		job.RetryCount,
		job.LastError,
		job.RunAt,
		job.LockedBy,
		job.LockedAt,
		job.DedupeKey,
		job.CreatedAt,
		job.UpdatedAt,
	)
	if result.Error != nil {
		return nil, false, result.Error
	}
	if result.RowsAffected == 1 {
		return job, true, nil
	}

	var existing domain.Job
	err := conn.WithContext(ctx).Raw(
		`SELECT `+jobColumns+` FROM outbox
		WHERE dedupe_key = ? AND status IN ('pending', 'processing')
		LIMIT 1`,
		*job.DedupeKey,
	).Scan(&existing).Error
	if err != nil {
		return nil, false, err
	}
	if existing.ID == 0 {
		// The live job finished between the conflict and the read.
		return r.Insert(ctx, conn, job)
	}
	return &existing, false, nil
}

func (r *repo) FindByID(ctx context.Context, conn *gorm.DB, id snowflake.ID) (*domain.Job, error) {
	var job domain.Job
	err := conn.WithContext(ctx).Raw(
		`SELECT `+jobColumns+` FROM outbox WHERE id = ?`, id,
	).Scan(&job).Error
	if err != nil {
		return nil, err
	}
	if job.ID == 0 {
		return nil, nil
	}
	return &job, nil
}

// ClaimBatch moves up to limit due pending jobs to processing and returns
// exactly the rows this call claimed. Candidates are picked and flipped inside
// one transaction; a concurrent claimer re-evaluates status = 'pending' and
// sees none of them.
func (r *repo) ClaimBatch(ctx context.Context, conn *gorm.DB, jobTypes []string, limit int, now time.Time, lockedBy string) ([]domain.Job, error) {
	if limit <= 0 {
		return nil, nil
	}

	candidates := `SELECT id FROM outbox WHERE status = 'pending' AND run_at <= ?`
	args := []any{now}
	if len(jobTypes) > 0 {
		candidates += ` AND job_type IN ?`
		args = append(args, jobTypes)
	}
	candidates += ` ORDER BY created_at ASC, id ASC LIMIT ?`
	args = append(args, limit)
	if db.IsPostgres(conn) {
		candidates += ` FOR UPDATE SKIP LOCKED`
	}

	var jobs []domain.Job
	err := conn.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var ids []snowflake.ID
		if err := tx.Raw(candidates, args...).Scan(&ids).Error; err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}

		if err := tx.Exec(
			`UPDATE outbox
			SET status = 'processing', locked_by = ?, locked_at = ?, updated_at = ?
			WHERE status = 'pending' AND id IN ?`,
			lockedBy, now, now, ids,
		).Error; err != nil {
			return err
		}

		return tx.Raw(
			`SELECT `+jobColumns+` FROM outbox
			WHERE id IN ? AND status = 'processing' AND locked_by = ?
			ORDER BY created_at ASC, id ASC`,
			ids, lockedBy,
		).Scan(&jobs).Error
	})
	if err != nil {
		return nil, err
	}
	return jobs, nil
}

func (r *repo) Finish(ctx context.Context, conn *gorm.DB, id snowflake.ID, lockedBy string, outcome domain.Outcome, now time.Time) (bool, error) {
	query := `UPDATE outbox
		SET status = ?, retry_count = ?, last_error = ?, locked_by = NULL, locked_at = NULL, updated_at = ?`
	args := []any{outcome.Status, outcome.RetryCount, outcome.LastError, now}
	if outcome.Status == domain.StatusPending {
		query += `, run_at = ?`
		args = append(args, outcome.RunAt)
	}
	query += ` WHERE id = ? AND status = 'processing' AND locked_by = ?`
	args = append(args, id, lockedBy)

	result := conn.WithContext(ctx).Exec(query, args...)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// FindStale lists processing jobs whose lease started before lockedBefore,
// oldest lease first.
func (r *repo) FindStale(ctx context.Context, conn *gorm.DB, lockedBefore time.Time, limit int) ([]domain.Job, error) {
	var jobs []domain.Job
	err := conn.WithContext(ctx).Raw(
		`SELECT `+jobColumns+` FROM outbox
		WHERE status = 'processing' AND locked_at < ?
		ORDER BY locked_at ASC, id ASC
		LIMIT ?`,
		lockedBefore, limit,
	).Scan(&jobs).Error
	if err != nil {
		return nil, err
	}
	return jobs, nil
}

func (r *repo) CountByStatus(ctx context.Context, conn *gorm.DB, orgID snowflake.ID, jobTypes []string) (map[domain.Status]int64, error) {
	type row struct {
		Status domain.Status
		Total  int64
	}
	query := `SELECT status, COUNT(*) AS total FROM outbox WHERE org_id = ?`
	args := []any{orgID}
	if len(jobTypes) > 0 {
		query += ` AND job_type IN ?`
		args = append(args, jobTypes)
	}
	query += ` GROUP BY status`

	var rows []row
	if err := conn.WithContext(ctx).Raw(query, args...).Scan(&rows).Error; err != nil {
		return nil, err
	}
	counts := make(map[domain.Status]int64, len(rows))
	for _, item := range rows {
		counts[item.Status] = item.Total
	}
	return counts, nil
}

func (r *repo) RecentFailures(ctx context.Context, conn *gorm.DB, orgID snowflake.ID, jobTypes []string, limit int) ([]domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM outbox WHERE org_id = ? AND status = 'failed'`
	args := []any{orgID}
	if len(jobTypes) > 0 {
		query += ` AND job_type IN ?`
		args = append(args, jobTypes)
	}
	query += ` ORDER BY updated_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	var jobs []domain.Job
	if err := conn.WithContext(ctx).Raw(query, args...).Scan(&jobs).Error; err != nil {
		return nil, err
	}
	return jobs, nil
}

// ResetFailed returns failed jobs to pending with run_at = now. For each
// dedupe key only the newest failed job is reset, and only when no live job
// already holds the key.
func (r *repo) ResetFailed(ctx context.Context, conn *gorm.DB, orgID snowflake.ID, jobTypes []string, limit int, now time.Time) (int64, error) {
	var reset int64
	err := conn.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		type candidate struct {
			ID        snowflake.ID
			DedupeKey *string
		}
		query := `SELECT id, dedupe_key FROM outbox WHERE org_id = ? AND status = 'failed'`
		args := []any{orgID}
		if len(jobTypes) > 0 {
			query += ` AND job_type IN ?`
			args = append(args, jobTypes)
		}
		query += ` ORDER BY id DESC LIMIT ?`
		args = append(args, limit)

		var rows []candidate
		if err := tx.Raw(query, args...).Scan(&rows).Error; err != nil {
			return err
		}

		seen := map[string]struct{}{}
		for _, row := range rows {
			if row.DedupeKey != nil {
				key := strings.TrimSpace(*row.DedupeKey)
				if _, dup := seen[key]; dup {
					continue
				}
				seen[key] = struct{}{}

				var live int64
				if err := tx.Raw(
					`SELECT COUNT(*) FROM outbox WHERE dedupe_key = ? AND status IN ('pending', 'processing')`,
					key,
				).Scan(&live).Error; err != nil {
					return err
				}
				if live > 0 {
					continue
				}
			}

			result := tx.Exec(
				`UPDATE outbox
				SET status = 'pending', retry_count = 0, run_at = ?, updated_at = ?
				WHERE id = ? AND status = 'failed'`,
				now, now, row.ID,
			)
			if result.Error != nil {
				return result.Error
			}
			reset += result.RowsAffected
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return reset, nil
}
