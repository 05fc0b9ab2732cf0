package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// StartJobLog inserts a new "started" phase log and returns its ID, to be
// passed to AppendJobLog/CompleteJobLog for the rest of the run. A single
// run produces one main log plus zero or more phase logs that all
// reference the same job_id -- the main log is this first row.
func (s *Store) StartJobLog(ctx context.Context, jobType string, jobID int64, triggeringUser string) (string, error) {
	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO job_logs (id, job_type, job_id, phase, started_at, triggering_user)
		VALUES (?, ?, ?, ?, ?, ?)`,
		id, jobType, jobID, string(PhaseStarted), time.Now(), triggeringUser,
	)
	if err != nil {
		return "", fmt.Errorf("start job log: %w", err)
	}
	return id, nil
}

// AppendJobLog records an intermediate phase (e.g. "running" ->
// "pending_confirmation") without closing the log out.
func (s *Store) AppendJobLog(ctx context.Context, jobType string, jobID int64, phase JobPhase, triggeringUser string) (string, error) {
	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO job_logs (id, job_type, job_id, phase, started_at, triggering_user)
		VALUES (?, ?, ?, ?, ?, ?)`,
		id, jobType, jobID, string(phase), time.Now(), triggeringUser,
	)
	if err != nil {
		return "", fmt.Errorf("append job log: %w", err)
	}
	return id, nil
}

// CompleteJobLog closes out logID with its terminal phase and captured
// output tails.
func (s *Store) CompleteJobLog(ctx context.Context, logID string, phase JobPhase, stdoutTail, stderrTail, bytesTransferred, backupID string) error {
	now := time.Now()

	var startedAt time.Time
	if err := s.db.GetContext(ctx, &startedAt, `SELECT started_at FROM job_logs WHERE id = ?`, logID); err != nil {
		return fmt.Errorf("lookup job log start time: %w", err)
	}

	_, err := s.db.ExecContext(ctx, `
		UPDATE job_logs SET phase = ?, completed_at = ?, duration_seconds = ?,
			stdout_tail = ?, stderr_tail = ?, bytes_transferred = ?, backup_id = ?
		WHERE id = ?`,
		string(phase), now, int(now.Sub(startedAt).Seconds()),
		stdoutTail, stderrTail, bytesTransferred, backupID, logID,
	)
	if err != nil {
		return fmt.Errorf("complete job log: %w", err)
	}
	return nil
}

// ListJobLogs returns logs for one job, most recent first.
func (s *Store) ListJobLogs(ctx context.Context, jobType string, jobID int64) ([]JobLogRow, error) {
	var rows []JobLogRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT * FROM job_logs WHERE job_type = ? AND job_id = ? ORDER BY started_at DESC`,
		jobType, jobID)
	if err != nil {
		return nil, fmt.Errorf("list job logs: %w", err)
	}
	return rows, nil
}

// LogsSince returns every job log started within the trailing window,
// feeding the scheduler's daily-summary notification.
func (s *Store) LogsSince(ctx context.Context, since time.Time) ([]JobLogRow, error) {
	var rows []JobLogRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT * FROM job_logs WHERE started_at >= ? ORDER BY started_at`, since)
	if err != nil {
		return nil, fmt.Errorf("list logs since %s: %w", since, err)
	}
	return rows, nil
}
