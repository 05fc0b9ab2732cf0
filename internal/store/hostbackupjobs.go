package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/grandir66/dapx-backandrepl/internal/perr"
)

// CreateHostBackupJob inserts a new host-config backup job definition.
func (s *Store) CreateHostBackupJob(ctx context.Context, j *HostBackupJobRow) (int64, error) {
	res, err := s.db.NamedExecContext(ctx, `
		INSERT INTO host_backup_jobs (name, node_id, dest_path, compress, encrypt_password,
			retain_count, cron_schedule)
		VALUES (:name, :node_id, :dest_path, :compress, :encrypt_password,
			:retain_count, :cron_schedule)`, j)
	if err != nil {
		return 0, fmt.Errorf("insert host backup job: %w", err)
	}
	return res.LastInsertId()
}

// GetHostBackupJob loads a host-config backup job by ID.
func (s *Store) GetHostBackupJob(ctx context.Context, id int64) (*HostBackupJobRow, error) {
	var row HostBackupJobRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM host_backup_jobs WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, perr.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get host backup job: %w", err)
	}
	return &row, nil
}

// ListHostBackupJobs returns every host-config backup job, optionally
// scoped to those with a non-empty cron schedule.
func (s *Store) ListHostBackupJobs(ctx context.Context, scheduledOnly bool) ([]HostBackupJobRow, error) {
	query := `SELECT * FROM host_backup_jobs`
	if scheduledOnly {
		query += ` WHERE cron_schedule != ''`
	}
	query += ` ORDER BY id`

	var rows []HostBackupJobRow
	if err := s.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, fmt.Errorf("list host backup jobs: %w", err)
	}
	return rows, nil
}

// BeginHostBackupJobRun marks a host-config backup job "running".
func (s *Store) BeginHostBackupJobRun(ctx context.Context, id int64) error {
	return s.beginJobRun(ctx, "host_backup_jobs", id)
}

// FinishHostBackupJobRun records terminal run statistics.
func (s *Store) FinishHostBackupJobRun(ctx context.Context, id int64, status string, durationSeconds int, runErr error) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE host_backup_jobs SET last_run = CURRENT_TIMESTAMP, last_status = ?,
			last_duration_seconds = ?,
			run_count = run_count + 1,
			error_count = error_count + ?
		WHERE id = ?`,
		status, durationSeconds, boolToInt(runErr != nil), id,
	)
	if err != nil {
		return fmt.Errorf("finish host backup job run: %w", err)
	}
	return nil
}

// DeleteHostBackupJob removes a host-config backup job and its logs.
func (s *Store) DeleteHostBackupJob(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM job_logs WHERE job_type = 'hostbackup' AND job_id = ?`, id); err != nil {
		return fmt.Errorf("delete host backup job logs: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM host_backup_jobs WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete host backup job: %w", err)
	}
	return nil
}
