// Package archive persists terminal jobs to PostgreSQL. The scheduler keeps
// jobs in memory for status polling; the archive is the durable record that
// survives restarts.
package archive

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/pyckit/segmentation-service/internal/store"
	"github.com/pyckit/segmentation-service/shared/postgresql"
)

type Archive struct {
	db     *sqlx.DB
	logger *slog.Logger
}

func New(pg *postgresql.Client, logger *slog.Logger) *Archive {
	return &Archive{
		db:     pg.GetDB(),
		logger: logger,
	}
}

// EnsureSchema creates the archive tables if they do not exist yet.
func (a *Archive) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`
		CREATE TABLE IF NOT EXISTS archived_jobs (
			job_id               TEXT PRIMARY KEY,
			owner_id             TEXT NOT NULL,
			tier                 TEXT NOT NULL,
			status               TEXT NOT NULL,
			completed_item_count INT NOT NULL,
			total_item_count     INT NOT NULL,
			aggregate_value      DOUBLE PRECISION NOT NULL,
			failure_reason       TEXT NOT NULL DEFAULT '',
			dead_lettered        TEXT[] NOT NULL DEFAULT '{}',
			created_at           TIMESTAMPTZ NOT NULL,
			completed_at         TIMESTAMPTZ,
			archived_at          TIMESTAMPTZ NOT NULL DEFAULT now()
		)
		`,
		`
		CREATE TABLE IF NOT EXISTS archived_items (
			id           TEXT PRIMARY KEY,
			job_id       TEXT NOT NULL REFERENCES archived_jobs (job_id) ON DELETE CASCADE,
			item_id      TEXT NOT NULL,
			mask         BYTEA NOT NULL,
			crop_x1      INT NOT NULL,
			crop_y1      INT NOT NULL,
			crop_x2      INT NOT NULL,
			crop_y2      INT NOT NULL,
			processed_at TIMESTAMPTZ NOT NULL
		)
		`,
		`CREATE INDEX IF NOT EXISTS idx_archived_jobs_owner ON archived_jobs (owner_id, created_at DESC)`,
	}

	for _, stmt := range stmts {
		if _, err := a.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to ensure archive schema: %w", err)
		}
	}

	return nil
}

// ArchiveJob writes a terminal job and its processed items in one
// transaction. Re-archiving the same job id overwrites the previous row, so
// a retried archive after a partial failure is safe.
func (a *Archive) ArchiveJob(ctx context.Context, snap *store.JobSnapshot) error {
	tx, err := a.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin archive transaction: %w", err)
	}
	defer tx.Rollback()

	jobQuery := `
		INSERT INTO archived_jobs (
			job_id, owner_id, tier, status,
			completed_item_count, total_item_count, aggregate_value,
			failure_reason, dead_lettered, created_at, completed_at
		) VALUES (
			$1, $2, $3, $4,
			$5, $6, $7,
			$8, $9, $10, $11
		)
		ON CONFLICT (job_id) DO UPDATE SET
			status               = EXCLUDED.status,
			completed_item_count = EXCLUDED.completed_item_count,
			failure_reason       = EXCLUDED.failure_reason,
			dead_lettered        = EXCLUDED.dead_lettered,
			completed_at         = EXCLUDED.completed_at,
			archived_at          = now()
	`

	_, err = tx.ExecContext(
		ctx,
		jobQuery,
		snap.JobID,
		snap.OwnerID,
		string(snap.Tier),
		snap.Status,
		snap.CompletedItems,
		snap.TotalItems,
		snap.AggregateValue,
		snap.FailureReason,
		pq.Array(snap.DeadLettered),
		snap.CreatedAt,
		snap.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to archive job: %w", err)
	}

	itemQuery := `
		INSERT INTO archived_items (
			id, job_id, item_id, mask,
			crop_x1, crop_y1, crop_x2, crop_y2, processed_at
		) VALUES (
			$1, $2, $3, $4,
			$5, $6, $7, $8, $9
		)
		ON CONFLICT (id) DO NOTHING
	`

	for _, item := range snap.ProcessedItems {
		_, err = tx.ExecContext(
			ctx,
			itemQuery,
			item.ID,
			snap.JobID,
			item.ItemID,
			item.Mask,
			item.Crop.X1,
			item.Crop.Y1,
			item.Crop.X2,
			item.Crop.Y2,
			item.ProcessedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to archive processed item: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit archive transaction: %w", err)
	}

	a.logger.Debug("Job archived",
		slog.String("job_id", snap.JobID),
		slog.String("status", snap.Status),
		slog.Int("item_count", len(snap.ProcessedItems)),
	)

	return nil
}
