package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/grandir66/dapx-backandrepl/internal/perr"
)

// CreateMigrationJob inserts a new VM migration job definition.
func (s *Store) CreateMigrationJob(ctx context.Context, j *MigrationJobRow) (int64, error) {
	res, err := s.db.NamedExecContext(ctx, `
		INSERT INTO migration_jobs (name, source_node_id, source_vm_id, guest_type,
			dest_node_id, dest_vm_id, name_suffix, mode, create_snapshot, keep_snapshots,
			start_after, hw_remap_json, cron_schedule, notify_mode)
		VALUES (:name, :source_node_id, :source_vm_id, :guest_type,
			:dest_node_id, :dest_vm_id, :name_suffix, :mode, :create_snapshot, :keep_snapshots,
			:start_after, :hw_remap_json, :cron_schedule, :notify_mode)`, j)
	if err != nil {
		return 0, fmt.Errorf("insert migration job: %w", err)
	}
	return res.LastInsertId()
}

// GetMigrationJob loads a migration job by ID.
func (s *Store) GetMigrationJob(ctx context.Context, id int64) (*MigrationJobRow, error) {
	var row MigrationJobRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM migration_jobs WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, perr.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get migration job: %w", err)
	}
	return &row, nil
}

// ListMigrationJobs returns every migration job, optionally scoped to those
// with a non-empty cron schedule.
func (s *Store) ListMigrationJobs(ctx context.Context, scheduledOnly bool) ([]MigrationJobRow, error) {
	query := `SELECT * FROM migration_jobs`
	if scheduledOnly {
		query += ` WHERE cron_schedule != ''`
	}
	query += ` ORDER BY id`

	var rows []MigrationJobRow
	if err := s.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, fmt.Errorf("list migration jobs: %w", err)
	}
	return rows, nil
}

// BeginMigrationJobRun marks a migration job "running".
func (s *Store) BeginMigrationJobRun(ctx context.Context, id int64) error {
	return s.beginJobRun(ctx, "migration_jobs", id)
}

// FinishMigrationJobRun records terminal run statistics for a migration job.
func (s *Store) FinishMigrationJobRun(ctx context.Context, id int64, status string, durationSeconds int, runErr error) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE migration_jobs SET last_run = CURRENT_TIMESTAMP, last_status = ?,
			last_duration_seconds = ?,
			run_count = run_count + 1,
			error_count = error_count + ?,
			consecutive_failures = CASE WHEN ? THEN consecutive_failures + 1 ELSE 0 END
		WHERE id = ?`,
		status, durationSeconds, boolToInt(runErr != nil), runErr != nil, id,
	)
	if err != nil {
		return fmt.Errorf("finish migration job run: %w", err)
	}
	return nil
}

// DeleteMigrationJob removes a migration job and its logs.
func (s *Store) DeleteMigrationJob(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM job_logs WHERE job_type = 'migration' AND job_id = ?`, id); err != nil {
		return fmt.Errorf("delete migration job logs: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM migration_jobs WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete migration job: %w", err)
	}
	return nil
}
