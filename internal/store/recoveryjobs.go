package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/grandir66/dapx-backandrepl/internal/perr"
)

// RecoveryStatus enumerates recovery_jobs.current_status.
type RecoveryStatus string

const (
	RecoveryPending    RecoveryStatus = "pending"
	RecoveryBackingUp  RecoveryStatus = "backing_up"
	RecoveryRestoring  RecoveryStatus = "restoring"
	RecoveryRegistering RecoveryStatus = "registering"
	RecoveryCompleted  RecoveryStatus = "completed"
	RecoveryFailed     RecoveryStatus = "failed"
)

var recoveryBusyStates = map[RecoveryStatus]bool{
	RecoveryBackingUp: true, RecoveryRestoring: true, RecoveryRegistering: true,
}

// CreateRecoveryJob inserts a new PBS-mediated recovery job definition.
func (s *Store) CreateRecoveryJob(ctx context.Context, j *RecoveryJobRow) (int64, error) {
	res, err := s.db.NamedExecContext(ctx, `
		INSERT INTO recovery_jobs (name, source_node_id, source_vm_id, guest_type,
			pbs_node_id, pbs_datastore, storage_alias, dest_node_id, dest_vm_id, name_suffix, dest_storage,
			backup_mode, backup_compress, include_all_disks,
			restore_start_after, restore_regenerate_ids, restore_overwrite_existing,
			backup_cron_schedule, restore_cron_schedule,
			retry_enabled, retry_max_attempts, retry_backoff_minutes, notify_mode)
		VALUES (:name, :source_node_id, :source_vm_id, :guest_type,
			:pbs_node_id, :pbs_datastore, :storage_alias, :dest_node_id, :dest_vm_id, :name_suffix, :dest_storage,
			:backup_mode, :backup_compress, :include_all_disks,
			:restore_start_after, :restore_regenerate_ids, :restore_overwrite_existing,
			:backup_cron_schedule, :restore_cron_schedule,
			:retry_enabled, :retry_max_attempts, :retry_backoff_minutes, :notify_mode)`, j)
	if err != nil {
		return 0, fmt.Errorf("insert recovery job: %w", err)
	}
	return res.LastInsertId()
}

// GetRecoveryJob loads a recovery job by ID.
func (s *Store) GetRecoveryJob(ctx context.Context, id int64) (*RecoveryJobRow, error) {
	var row RecoveryJobRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM recovery_jobs WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, perr.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get recovery job: %w", err)
	}
	return &row, nil
}

// ListRecoveryJobs returns every recovery job, optionally scoped to those
// with a non-empty backup or restore cron schedule.
func (s *Store) ListRecoveryJobs(ctx context.Context, scheduledOnly bool) ([]RecoveryJobRow, error) {
	query := `SELECT * FROM recovery_jobs`
	if scheduledOnly {
		query += ` WHERE backup_cron_schedule != '' OR restore_cron_schedule != ''`
	}
	query += ` ORDER BY id`

	var rows []RecoveryJobRow
	if err := s.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, fmt.Errorf("list recovery jobs: %w", err)
	}
	return rows, nil
}

// BeginRecoveryJobRun transitions current_status to the requested busy state,
// refusing if already in any busy state -- the single-flight rule applied
// to recovery's three-way status instead of a generic "running" flag.
func (s *Store) BeginRecoveryJobRun(ctx context.Context, id int64, next RecoveryStatus) error {
	var status RecoveryStatus
	err := s.db.GetContext(ctx, &status, `SELECT current_status FROM recovery_jobs WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return perr.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("check recovery job state: %w", err)
	}
	if recoveryBusyStates[status] {
		return perr.ErrAlreadyRunning
	}

	_, err = s.db.ExecContext(ctx, `UPDATE recovery_jobs SET current_status = ? WHERE id = ?`, string(next), id)
	if err != nil {
		return fmt.Errorf("mark recovery job %s: %w", next, err)
	}
	return nil
}

// AdvanceRecoveryJobPhase moves current_status forward mid-run (e.g.
// backing_up -> restoring) without touching run statistics.
func (s *Store) AdvanceRecoveryJobPhase(ctx context.Context, id int64, status RecoveryStatus, backupID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE recovery_jobs SET current_status = ?, last_backup_id = CASE WHEN ? != '' THEN ? ELSE last_backup_id END
		WHERE id = ?`,
		string(status), backupID, backupID, id,
	)
	if err != nil {
		return fmt.Errorf("advance recovery job phase: %w", err)
	}
	return nil
}

// FinishRecoveryJobRun records terminal run statistics and resolves
// current_status to completed or failed.
func (s *Store) FinishRecoveryJobRun(ctx context.Context, id int64, status RecoveryStatus, durationSeconds int, runErr error) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE recovery_jobs SET current_status = ?, last_run = CURRENT_TIMESTAMP,
			last_status = ?, last_duration_seconds = ?,
			run_count = run_count + 1,
			error_count = error_count + ?,
			consecutive_failures = CASE WHEN ? THEN consecutive_failures + 1 ELSE 0 END
		WHERE id = ?`,
		string(status), string(status), durationSeconds,
		boolToInt(runErr != nil), runErr != nil, id,
	)
	if err != nil {
		return fmt.Errorf("finish recovery job run: %w", err)
	}
	return nil
}

// DeleteRecoveryJob removes a recovery job and its logs.
func (s *Store) DeleteRecoveryJob(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM job_logs WHERE job_type = 'recovery' AND job_id = ?`, id); err != nil {
		return fmt.Errorf("delete recovery job logs: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM recovery_jobs WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete recovery job: %w", err)
	}
	return nil
}
