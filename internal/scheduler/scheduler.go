// Package scheduler implements the job scheduler: a single
// process-wide, single-threaded tick loop that re-reads the daily-summary
// settings, maintains a per-job next-fire map using standard 5-field cron
// grammar, and dispatches each due job to its pipeline under that job
// kind's single-flight guard.
//
// Built on a robfig/cron/v3 5-field parser (minute, hour, day-of-month,
// month, day-of-week; no @descriptors) and Schedule.Next, with single-flight dispatch backed by per-job-kind keys and
// the Job Store's Begin*JobRun methods rather than an in-memory mutex set.
package scheduler

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/grandir66/dapx-backandrepl/internal/hostbackup"
	"github.com/grandir66/dapx-backandrepl/internal/ifaces"
	"github.com/grandir66/dapx-backandrepl/internal/node"
	"github.com/grandir66/dapx-backandrepl/internal/notify"
	"github.com/grandir66/dapx-backandrepl/internal/perr"
	"github.com/grandir66/dapx-backandrepl/internal/pipeline"
	"github.com/grandir66/dapx-backandrepl/internal/pipeline/btrfssync"
	"github.com/grandir66/dapx-backandrepl/internal/pipeline/migration"
	"github.com/grandir66/dapx-backandrepl/internal/pipeline/recovery"
	"github.com/grandir66/dapx-backandrepl/internal/pipeline/zfssync"
	"github.com/grandir66/dapx-backandrepl/internal/retention"
	"github.com/grandir66/dapx-backandrepl/internal/sshexec"
	"github.com/grandir66/dapx-backandrepl/internal/store"
)

// defaultCrashHorizon is how old a "running"/busy job state may be at
// startup before the Scheduler assumes the daemon crashed mid-run and
// forces it to "failed" rather than leaving it permanently unschedulable.
const defaultCrashHorizon = 24 * time.Hour

// defaultMigrationSnapshotRetain is how many migration-* snapshots a
// scheduled copy-mode run keeps when a job requests retention without a
// Job Store column for the exact count (migration_jobs.keep_snapshots is a
// boolean "retain or not" rather than a count).
const defaultMigrationSnapshotRetain = 3

var stdParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// jobStore is the subset of *store.Store the Scheduler needs, narrowed to
// an interface so tests can exercise tick/dispatch logic against a fake
// without a real sqlite file.
type jobStore interface {
	GetSetting(ctx context.Context, key string) (string, error)

	ListSyncJobs(ctx context.Context, scheduledOnly bool) ([]store.SyncJobRow, error)
	BeginSyncJobRun(ctx context.Context, id int64) error
	FinishSyncJobRun(ctx context.Context, id int64, status string, durationSeconds int, transferred string, runErr error) error

	ListHostBackupJobs(ctx context.Context, scheduledOnly bool) ([]store.HostBackupJobRow, error)
	BeginHostBackupJobRun(ctx context.Context, id int64) error
	FinishHostBackupJobRun(ctx context.Context, id int64, status string, durationSeconds int, runErr error) error

	ListMigrationJobs(ctx context.Context, scheduledOnly bool) ([]store.MigrationJobRow, error)
	BeginMigrationJobRun(ctx context.Context, id int64) error
	FinishMigrationJobRun(ctx context.Context, id int64, status string, durationSeconds int, runErr error) error

	ListRecoveryJobs(ctx context.Context, scheduledOnly bool) ([]store.RecoveryJobRow, error)
	BeginRecoveryJobRun(ctx context.Context, id int64, next store.RecoveryStatus) error
	AdvanceRecoveryJobPhase(ctx context.Context, id int64, status store.RecoveryStatus, backupID string) error
	FinishRecoveryJobRun(ctx context.Context, id int64, status store.RecoveryStatus, durationSeconds int, runErr error) error

	GetNode(ctx context.Context, id int64) (*node.Node, error)
	RegisterVM(ctx context.Context, row store.VMRegistryRow) (int64, error)

	StartJobLog(ctx context.Context, jobType string, jobID int64, triggeringUser string) (string, error)
	AppendJobLog(ctx context.Context, jobType string, jobID int64, phase store.JobPhase, triggeringUser string) (string, error)
	CompleteJobLog(ctx context.Context, logID string, phase store.JobPhase, stdoutTail, stderrTail, bytesTransferred, backupID string) error
	ListJobLogs(ctx context.Context, jobType string, jobID int64) ([]store.JobLogRow, error)
	LogsSince(ctx context.Context, since time.Time) ([]store.JobLogRow, error)
}

// Scheduler owns the next-fire map and drives every pipeline kind.
type Scheduler struct {
	store      jobStore
	pruner     *retention.Pruner
	zfs        *zfssync.Pipeline
	btrfs      *btrfssync.Pipeline
	recov      *recovery.Pipeline
	migr       *migration.Pipeline
	hostbackup *hostbackup.Backup
	notifier   *notify.Dispatcher
	logger     ifaces.Logger

	tickInterval time.Duration
	crashHorizon time.Duration
	nowFunc      func() time.Time

	mu              sync.Mutex
	nextFire        map[string]time.Time
	summaryHour     int
	summaryEnabled  bool
	lastSummaryDate string
}

// New constructs a Scheduler wired to every pipeline package over a single
// shared Executor. A nil logger or notifier installs a no-op equivalent.
func New(st *store.Store, exec *sshexec.Executor, logger ifaces.Logger, notifier *notify.Dispatcher, tickInterval time.Duration) *Scheduler {
	if logger == nil {
		logger = ifaces.NoOpLogger{}
	}
	if notifier == nil {
		notifier = notify.NewDispatcher(nil)
	}
	if tickInterval <= 0 {
		tickInterval = 60 * time.Second
	}
	return &Scheduler{
		store:        st,
		pruner:       retention.NewPruner(exec, logger),
		zfs:          zfssync.New(exec, logger),
		btrfs:        btrfssync.New(exec, logger),
		recov:        recovery.New(exec, logger),
		migr:         migration.New(exec, logger),
		hostbackup:   hostbackup.New(exec, logger),
		notifier:     notifier,
		logger:       logger,
		tickInterval: tickInterval,
		crashHorizon: defaultCrashHorizon,
		nowFunc:      time.Now,
		nextFire:     make(map[string]time.Time),
	}
}

// Run blocks ticking every tickInterval until ctx is cancelled. Process
// exit is the only cancellation path -- the daemon offers no "cancel this
// run" API; ctx cancellation here stops scheduling new runs, it does not
// reach into already-dispatched pipeline goroutines.
func (s *Scheduler) Run(ctx context.Context) error {
	s.recoverCrashed(ctx)

	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.runTick(ctx)
		}
	}
}

// runTick is one iteration of the loop Run drives.
func (s *Scheduler) runTick(ctx context.Context) {
	s.refreshDailySummarySettings(ctx)
	s.dispatchDue(ctx)
	s.maybeEmitDailySummary(ctx)
}

func (s *Scheduler) refreshDailySummarySettings(ctx context.Context) {
	if raw, err := s.store.GetSetting(ctx, "daily_summary_hour"); err == nil {
		if hour, err := strconv.Atoi(raw); err == nil {
			s.mu.Lock()
			s.summaryHour = hour
			s.mu.Unlock()
		}
	}
	if raw, err := s.store.GetSetting(ctx, "daily_summary_enabled"); err == nil {
		if enabled, err := strconv.ParseBool(raw); err == nil {
			s.mu.Lock()
			s.summaryEnabled = enabled
			s.mu.Unlock()
		}
	}
}

func (s *Scheduler) dispatchDue(ctx context.Context) {
	now := s.nowFunc()

	syncJobs, err := s.store.ListSyncJobs(ctx, true)
	if err != nil {
		s.logger.Error("scheduler: list sync jobs: %v", err)
	}
	for _, j := range syncJobs {
		j := j
		if s.due(fmt.Sprintf("sync:%d", j.ID), j.CronSchedule, j.LastRun, now) {
			if err := s.store.BeginSyncJobRun(ctx, j.ID); err != nil {
				if !errors.Is(err, perr.ErrAlreadyRunning) {
					s.logger.Error("scheduler: begin sync job %d: %v", j.ID, err)
				}
				continue
			}
			go s.runSyncJob(context.Background(), j)
		}
	}

	backupJobs, err := s.store.ListHostBackupJobs(ctx, true)
	if err != nil {
		s.logger.Error("scheduler: list host backup jobs: %v", err)
	}
	for _, j := range backupJobs {
		j := j
		if s.due(fmt.Sprintf("hostbackup:%d", j.ID), j.CronSchedule, j.LastRun, now) {
			if err := s.store.BeginHostBackupJobRun(ctx, j.ID); err != nil {
				if !errors.Is(err, perr.ErrAlreadyRunning) {
					s.logger.Error("scheduler: begin host backup job %d: %v", j.ID, err)
				}
				continue
			}
			go s.runHostBackupJob(context.Background(), j)
		}
	}

	migrationJobs, err := s.store.ListMigrationJobs(ctx, true)
	if err != nil {
		s.logger.Error("scheduler: list migration jobs: %v", err)
	}
	for _, j := range migrationJobs {
		j := j
		if s.due(fmt.Sprintf("migration:%d", j.ID), j.CronSchedule, j.LastRun, now) {
			if err := s.store.BeginMigrationJobRun(ctx, j.ID); err != nil {
				if !errors.Is(err, perr.ErrAlreadyRunning) {
					s.logger.Error("scheduler: begin migration job %d: %v", j.ID, err)
				}
				continue
			}
			go s.runMigrationJob(context.Background(), j)
		}
	}

	recoveryJobs, err := s.store.ListRecoveryJobs(ctx, true)
	if err != nil {
		s.logger.Error("scheduler: list recovery jobs: %v", err)
	}
	for _, j := range recoveryJobs {
		j := j
		if j.BackupCronSchedule != "" && s.due(fmt.Sprintf("recovery-backup:%d", j.ID), j.BackupCronSchedule, j.LastRun, now) {
			if err := s.store.BeginRecoveryJobRun(ctx, j.ID, store.RecoveryBackingUp); err != nil {
				if !errors.Is(err, perr.ErrAlreadyRunning) {
					s.logger.Error("scheduler: begin recovery job %d: %v", j.ID, err)
				}
			} else {
				go s.runRecoveryBackupThenRestore(context.Background(), j)
			}
		}
		if j.RestoreCronSchedule != "" && s.due(fmt.Sprintf("recovery-restore:%d", j.ID), j.RestoreCronSchedule, j.LastRun, now) {
			if j.LastBackupID == "" {
				s.logger.Debug("scheduler: recovery job %d has no prior backup id, skipping restore-only trigger", j.ID)
				continue
			}
			if err := s.store.BeginRecoveryJobRun(ctx, j.ID, store.RecoveryRestoring); err != nil {
				if !errors.Is(err, perr.ErrAlreadyRunning) {
					s.logger.Error("scheduler: begin recovery restore %d: %v", j.ID, err)
				}
			} else {
				go s.runRecoveryRestoreOnly(context.Background(), j)
			}
		}
	}
}

// due reports whether key's next-fire time has arrived, computing it on
// first sight (anchored on lastRun if set, else now) and advancing it by
// exactly one cron step, never wall-clock, the instant the job is
// dispatched so drift cannot accumulate across ticks.
func (s *Scheduler) due(key, cronExpr string, lastRun sql.NullTime, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	next, ok := s.nextFire[key]
	if !ok {
		anchor := now
		if lastRun.Valid {
			anchor = lastRun.Time
		}
		sched, err := stdParser.Parse(cronExpr)
		if err != nil {
			s.logger.Error("scheduler: invalid cron expression %q for %s: %v", cronExpr, key, err)
			return false
		}
		next = sched.Next(anchor)
		s.nextFire[key] = next
	}

	if now.Before(next) {
		return false
	}

	sched, err := stdParser.Parse(cronExpr)
	if err != nil {
		s.logger.Error("scheduler: invalid cron expression %q for %s: %v", cronExpr, key, err)
		delete(s.nextFire, key)
		return true
	}
	s.nextFire[key] = sched.Next(next)
	return true
}

// InvalidateSchedule forces the next-fire time for a job to be recomputed
// on the following tick. Nothing in the store calls it (the store has no
// job-update methods), so an edited schedule takes effect only for callers
// that invoke it or after a restart.
func (s *Scheduler) InvalidateSchedule(jobKind string, id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch jobKind {
	case "recovery":
		delete(s.nextFire, fmt.Sprintf("recovery-backup:%d", id))
		delete(s.nextFire, fmt.Sprintf("recovery-restore:%d", id))
	default:
		delete(s.nextFire, fmt.Sprintf("%s:%d", jobKind, id))
	}
}

func (s *Scheduler) maybeEmitDailySummary(ctx context.Context) {
	s.mu.Lock()
	enabled := s.summaryEnabled
	hour := s.summaryHour
	today := s.nowFunc().UTC().Format("2006-01-02")
	already := s.lastSummaryDate == today
	s.mu.Unlock()

	if !enabled || already || s.nowFunc().UTC().Hour() < hour {
		return
	}

	since := s.nowFunc().Add(-24 * time.Hour)
	if _, err := s.store.LogsSince(ctx, since); err != nil {
		s.logger.Error("scheduler: daily summary query: %v", err)
		return
	}
	if err := s.notifier.FlushDailySummary(ctx); err != nil {
		s.logger.Error("scheduler: flush daily summary: %v", err)
	}

	s.mu.Lock()
	s.lastSummaryDate = today
	s.mu.Unlock()
}

// recoverCrashed forces every job left in a transient running/busy state
// older than crashHorizon to "failed" at startup: a running flag with no
// process left to clear it would otherwise pin that job single-flight-locked
// forever.
func (s *Scheduler) recoverCrashed(ctx context.Context) {
	cutoff := s.nowFunc().Add(-s.crashHorizon)
	abandoned := fmt.Errorf("possibly abandoned: daemon restarted mid-run")

	if syncJobs, err := s.store.ListSyncJobs(ctx, false); err == nil {
		for _, j := range syncJobs {
			if j.LastStatus == "running" && s.startedBefore(ctx, "sync", j.ID, cutoff) {
				_ = s.store.FinishSyncJobRun(ctx, j.ID, "failed", 0, "", abandoned)
				s.logger.Error("scheduler: sync job %d recovered from crash as failed", j.ID)
			}
		}
	}
	if backupJobs, err := s.store.ListHostBackupJobs(ctx, false); err == nil {
		for _, j := range backupJobs {
			if j.LastStatus == "running" && s.startedBefore(ctx, "hostbackup", j.ID, cutoff) {
				_ = s.store.FinishHostBackupJobRun(ctx, j.ID, "failed", 0, abandoned)
				s.logger.Error("scheduler: host backup job %d recovered from crash as failed", j.ID)
			}
		}
	}
	if migrationJobs, err := s.store.ListMigrationJobs(ctx, false); err == nil {
		for _, j := range migrationJobs {
			if j.LastStatus == "running" && s.startedBefore(ctx, "migration", j.ID, cutoff) {
				_ = s.store.FinishMigrationJobRun(ctx, j.ID, "failed", 0, abandoned)
				s.logger.Error("scheduler: migration job %d recovered from crash as failed", j.ID)
			}
		}
	}
	if recoveryJobs, err := s.store.ListRecoveryJobs(ctx, false); err == nil {
		for _, j := range recoveryJobs {
			status := store.RecoveryStatus(j.CurrentStatus)
			if (status == store.RecoveryBackingUp || status == store.RecoveryRestoring || status == store.RecoveryRegistering) &&
				s.startedBefore(ctx, "recovery", j.ID, cutoff) {
				_ = s.store.FinishRecoveryJobRun(ctx, j.ID, store.RecoveryFailed, 0, abandoned)
				s.logger.Error("scheduler: recovery job %d recovered from crash as failed", j.ID)
			}
		}
	}
}

// startedBefore reports whether jobID's most recent Job Log row started
// before cutoff, or true if there is no log row at all (a stale flag with
// no evidence of any run should not be left locked forever either).
func (s *Scheduler) startedBefore(ctx context.Context, jobType string, jobID int64, cutoff time.Time) bool {
	logs, err := s.store.ListJobLogs(ctx, jobType, jobID)
	if err != nil || len(logs) == 0 {
		return true
	}
	return logs[0].StartedAt.Before(cutoff)
}

// tail keeps Job Log stdout/stderr columns bounded.
func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

const logTailBytes = 8192

// recordRun persists one parent Job Log row plus one row per phase: a
// single run produces one main log plus zero or more phase logs.
func (s *Scheduler) recordRun(ctx context.Context, jobType string, jobID int64, phases []pipeline.PhaseResult, success bool, transferred, backupID string) {
	parentID, err := s.store.StartJobLog(ctx, jobType, jobID, "scheduler")
	if err != nil {
		s.logger.Error("scheduler: start job log for %s/%d: %v", jobType, jobID, err)
		return
	}

	for _, p := range phases {
		phaseLogID, err := s.store.AppendJobLog(ctx, jobType, jobID, store.PhaseRunning, "scheduler")
		if err != nil {
			s.logger.Error("scheduler: append phase log for %s/%d: %v", jobType, jobID, err)
			continue
		}
		outcome := store.PhaseSuccess
		stderrTail := p.Stderr
		if p.Err != nil {
			outcome = store.PhaseFailed
			stderrTail = p.Err.Error() + "\n" + stderrTail
		}
		if err := s.store.CompleteJobLog(ctx, phaseLogID, outcome, tail(p.Stdout, logTailBytes), tail(stderrTail, logTailBytes), "", ""); err != nil {
			s.logger.Error("scheduler: complete phase log for %s/%d: %v", jobType, jobID, err)
		}
	}

	final := store.PhaseSuccess
	if !success {
		final = store.PhaseFailed
	}
	if err := s.store.CompleteJobLog(ctx, parentID, final, "", "", transferred, backupID); err != nil {
		s.logger.Error("scheduler: complete parent log for %s/%d: %v", jobType, jobID, err)
	}
}

func summaryError(phases []pipeline.PhaseResult) error {
	for _, p := range phases {
		if p.Err != nil {
			return p.Err
		}
	}
	return nil
}

func hwConfigFromJSON(raw string) migration.HWConfig {
	var hw migration.HWConfig
	if raw == "" {
		return hw
	}
	if err := json.Unmarshal([]byte(raw), &hw); err != nil {
		return migration.HWConfig{}
	}
	return hw
}
