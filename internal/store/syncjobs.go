package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/grandir66/dapx-backandrepl/internal/perr"
)

// CreateSyncJob inserts a new ZFS or BTRFS sync job definition.
func (s *Store) CreateSyncJob(ctx context.Context, j *SyncJobRow) (int64, error) {
	res, err := s.db.NamedExecContext(ctx, `
		INSERT INTO sync_jobs (name, method, source_node_id, source_path, dest_node_id, dest_path,
			compress, mbuffer_size, recursive, extra_args, cron_schedule, retain_count,
			vm_id, guest_type, source_storage, dest_storage, group_key,
			retry_enabled, retry_max_attempts, retry_backoff_minutes, notify_mode)
		VALUES (:name, :method, :source_node_id, :source_path, :dest_node_id, :dest_path,
			:compress, :mbuffer_size, :recursive, :extra_args, :cron_schedule, :retain_count,
			:vm_id, :guest_type, :source_storage, :dest_storage, :group_key,
			:retry_enabled, :retry_max_attempts, :retry_backoff_minutes, :notify_mode)`, j)
	if err != nil {
		return 0, fmt.Errorf("insert sync job: %w", err)
	}
	return res.LastInsertId()
}

// GetSyncJob loads a sync job by ID.
func (s *Store) GetSyncJob(ctx context.Context, id int64) (*SyncJobRow, error) {
	var row SyncJobRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM sync_jobs WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, perr.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get sync job: %w", err)
	}
	return &row, nil
}

// ListSyncJobs returns every sync job, optionally scoped to those with a
// non-empty cron schedule -- what the scheduler iterates.
func (s *Store) ListSyncJobs(ctx context.Context, scheduledOnly bool) ([]SyncJobRow, error) {
	query := `SELECT * FROM sync_jobs`
	if scheduledOnly {
		query += ` WHERE cron_schedule != ''`
	}
	query += ` ORDER BY id`

	var rows []SyncJobRow
	if err := s.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, fmt.Errorf("list sync jobs: %w", err)
	}
	return rows, nil
}

// BeginSyncJobRun marks a sync job "running", returning perr.ErrAlreadyRunning
// if it already is -- the single-flight guard against overlapping runs.
func (s *Store) BeginSyncJobRun(ctx context.Context, id int64) error {
	return s.beginJobRun(ctx, "sync_jobs", id)
}

// FinishSyncJobRun records terminal run statistics for a sync job.
func (s *Store) FinishSyncJobRun(ctx context.Context, id int64, status string, durationSeconds int, transferred string, runErr error) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sync_jobs SET last_run = CURRENT_TIMESTAMP, last_status = ?,
			last_duration_seconds = ?, last_transferred = ?,
			run_count = run_count + 1,
			error_count = error_count + ?,
			consecutive_failures = CASE WHEN ? THEN consecutive_failures + 1 ELSE 0 END
		WHERE id = ?`,
		status, durationSeconds, transferred, boolToInt(runErr != nil), runErr != nil, id,
	)
	if err != nil {
		return fmt.Errorf("finish sync job run: %w", err)
	}
	return nil
}

// DeleteSyncJob removes a sync job definition and its logs (cascade).
func (s *Store) DeleteSyncJob(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM job_logs WHERE job_type = 'sync' AND job_id = ?`, id); err != nil {
		return fmt.Errorf("delete sync job logs: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sync_jobs WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete sync job: %w", err)
	}
	return nil
}

// beginJobRun is shared by every job kind whose single-flight state lives in
// a last_status column: it is "running" exactly while a pipeline holds it.
func (s *Store) beginJobRun(ctx context.Context, table string, id int64) error {
	var status string
	query := fmt.Sprintf("SELECT last_status FROM %s WHERE id = ?", table)
	if err := s.db.GetContext(ctx, &status, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return perr.ErrNotFound
		}
		return fmt.Errorf("check job run state: %w", err)
	}
	if status == "running" {
		return perr.ErrAlreadyRunning
	}

	update := fmt.Sprintf("UPDATE %s SET last_status = 'running' WHERE id = ?", table)
	if _, err := s.db.ExecContext(ctx, update, id); err != nil {
		return fmt.Errorf("mark job running: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
