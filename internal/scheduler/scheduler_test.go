package scheduler

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/grandir66/dapx-backandrepl/internal/ifaces"
	"github.com/grandir66/dapx-backandrepl/internal/node"
	"github.com/grandir66/dapx-backandrepl/internal/perr"
	"github.com/grandir66/dapx-backandrepl/internal/store"
)

// fakeStore is a hand-rolled jobStore double, mirroring the sshexec.FakeExecutor
// pattern elsewhere in this tree -- no sqlite file, no real clock.
type fakeStore struct {
	settings map[string]string

	syncJobs      []store.SyncJobRow
	backupJobs    []store.HostBackupJobRow
	migrationJobs []store.MigrationJobRow
	recoveryJobs  []store.RecoveryJobRow

	running      map[string]bool
	beginErr     error
	logsByJob    map[string][]store.JobLogRow
	logsSinceErr error

	finishedSync      []int64
	finishedBackup    []int64
	finishedMigration []int64
	finishedRecovery  []int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		settings:  map[string]string{},
		running:   map[string]bool{},
		logsByJob: map[string][]store.JobLogRow{},
	}
}

func (f *fakeStore) GetSetting(ctx context.Context, key string) (string, error) {
	v, ok := f.settings[key]
	if !ok {
		return "", sql.ErrNoRows
	}
	return v, nil
}

func (f *fakeStore) ListSyncJobs(ctx context.Context, scheduledOnly bool) ([]store.SyncJobRow, error) {
	return f.syncJobs, nil
}
func (f *fakeStore) BeginSyncJobRun(ctx context.Context, id int64) error {
	return f.begin("sync", id)
}
func (f *fakeStore) FinishSyncJobRun(ctx context.Context, id int64, status string, durationSeconds int, transferred string, runErr error) error {
	f.finishedSync = append(f.finishedSync, id)
	delete(f.running, key("sync", id))
	return nil
}

func (f *fakeStore) ListHostBackupJobs(ctx context.Context, scheduledOnly bool) ([]store.HostBackupJobRow, error) {
	return f.backupJobs, nil
}
func (f *fakeStore) BeginHostBackupJobRun(ctx context.Context, id int64) error {
	return f.begin("hostbackup", id)
}
func (f *fakeStore) FinishHostBackupJobRun(ctx context.Context, id int64, status string, durationSeconds int, runErr error) error {
	f.finishedBackup = append(f.finishedBackup, id)
	delete(f.running, key("hostbackup", id))
	return nil
}

func (f *fakeStore) ListMigrationJobs(ctx context.Context, scheduledOnly bool) ([]store.MigrationJobRow, error) {
	return f.migrationJobs, nil
}
func (f *fakeStore) BeginMigrationJobRun(ctx context.Context, id int64) error {
	return f.begin("migration", id)
}
func (f *fakeStore) FinishMigrationJobRun(ctx context.Context, id int64, status string, durationSeconds int, runErr error) error {
	f.finishedMigration = append(f.finishedMigration, id)
	delete(f.running, key("migration", id))
	return nil
}

func (f *fakeStore) ListRecoveryJobs(ctx context.Context, scheduledOnly bool) ([]store.RecoveryJobRow, error) {
	return f.recoveryJobs, nil
}
func (f *fakeStore) BeginRecoveryJobRun(ctx context.Context, id int64, next store.RecoveryStatus) error {
	return f.begin("recovery", id)
}
func (f *fakeStore) AdvanceRecoveryJobPhase(ctx context.Context, id int64, status store.RecoveryStatus, backupID string) error {
	return nil
}
func (f *fakeStore) FinishRecoveryJobRun(ctx context.Context, id int64, status store.RecoveryStatus, durationSeconds int, runErr error) error {
	f.finishedRecovery = append(f.finishedRecovery, id)
	delete(f.running, key("recovery", id))
	return nil
}

func (f *fakeStore) GetNode(ctx context.Context, id int64) (*node.Node, error) {
	return nil, sql.ErrNoRows
}
func (f *fakeStore) RegisterVM(ctx context.Context, row store.VMRegistryRow) (int64, error) {
	return 0, nil
}

func (f *fakeStore) StartJobLog(ctx context.Context, jobType string, jobID int64, triggeringUser string) (string, error) {
	return "log-1", nil
}
func (f *fakeStore) AppendJobLog(ctx context.Context, jobType string, jobID int64, phase store.JobPhase, triggeringUser string) (string, error) {
	return "log-2", nil
}
func (f *fakeStore) CompleteJobLog(ctx context.Context, logID string, phase store.JobPhase, stdoutTail, stderrTail, bytesTransferred, backupID string) error {
	return nil
}
func (f *fakeStore) ListJobLogs(ctx context.Context, jobType string, jobID int64) ([]store.JobLogRow, error) {
	return f.logsByJob[key(jobType, jobID)], nil
}
func (f *fakeStore) LogsSince(ctx context.Context, since time.Time) ([]store.JobLogRow, error) {
	return nil, f.logsSinceErr
}

func (f *fakeStore) begin(kind string, id int64) error {
	k := key(kind, id)
	if f.running[k] {
		return perr.ErrAlreadyRunning
	}
	if f.beginErr != nil {
		return f.beginErr
	}
	f.running[k] = true
	return nil
}

func key(kind string, id int64) string {
	return fmt.Sprintf("%s:%d", kind, id)
}

// newTestScheduler builds a Scheduler directly (bypassing New, which
// requires a concrete *store.Store/*sshexec.Executor) with a frozen clock,
// for tests that only exercise due()/dispatchDue()/maybeEmitDailySummary()
// logic.
func newTestScheduler(st jobStore, now time.Time) *Scheduler {
	return &Scheduler{
		store:        st,
		logger:       ifaces.NoOpLogger{},
		tickInterval: time.Minute,
		crashHorizon: defaultCrashHorizon,
		nowFunc:      func() time.Time { return now },
		nextFire:     make(map[string]time.Time),
	}
}

func TestDueFirstSightAnchorsOnLastRun(t *testing.T) {
	base := time.Date(2026, 7, 30, 10, 0, 0, 0, time.UTC)
	s := newTestScheduler(newFakeStore(), base)

	lastRun := sql.NullTime{Time: base.Add(-90 * time.Minute), Valid: true}
	// hourly cron: next fire after lastRun is base-60m, which is before now.
	require.True(t, s.due("sync:1", "0 * * * *", lastRun, base))
}

func TestDueFirstSightAnchorsOnNowWhenNeverRun(t *testing.T) {
	base := time.Date(2026, 7, 30, 10, 0, 0, 0, time.UTC)
	s := newTestScheduler(newFakeStore(), base)

	// no lastRun: anchored on now, so the very next hour boundary hasn't
	// arrived yet within the same tick.
	require.False(t, s.due("sync:2", "0 * * * *", sql.NullTime{}, base))
}

func TestDueAdvancesMonotonically(t *testing.T) {
	base := time.Date(2026, 7, 30, 10, 0, 0, 0, time.UTC)
	s := newTestScheduler(newFakeStore(), base)

	lastRun := sql.NullTime{Time: base.Add(-1 * time.Minute), Valid: true}
	require.True(t, s.due("sync:3", "0 * * * *", lastRun, base))

	// anchored next-fire was exactly "now" (the hour boundary one minute
	// after lastRun); having fired, it must have advanced one cron step
	// past "now", not stayed at the boundary that just fired.
	first := s.nextFire["sync:3"]
	require.Equal(t, time.Date(2026, 7, 30, 11, 0, 0, 0, time.UTC), first)

	// A second call at the same "now" must not fire again nor regress.
	require.False(t, s.due("sync:3", "0 * * * *", lastRun, base))
	require.Equal(t, first, s.nextFire["sync:3"])
}

func TestDueInvalidCronLogsAndSkips(t *testing.T) {
	base := time.Date(2026, 7, 30, 10, 0, 0, 0, time.UTC)
	s := newTestScheduler(newFakeStore(), base)

	require.False(t, s.due("sync:4", "not a cron", sql.NullTime{}, base))
}

func TestInvalidateScheduleClearsRecoveryBothKeys(t *testing.T) {
	s := newTestScheduler(newFakeStore(), time.Now().UTC())
	s.nextFire["recovery-backup:5"] = time.Now()
	s.nextFire["recovery-restore:5"] = time.Now()
	s.nextFire["sync:5"] = time.Now()

	s.InvalidateSchedule("recovery", 5)

	_, backupOK := s.nextFire["recovery-backup:5"]
	_, restoreOK := s.nextFire["recovery-restore:5"]
	require.False(t, backupOK)
	require.False(t, restoreOK)
	require.Contains(t, s.nextFire, "sync:5")
}

func TestInvalidateScheduleClearsSingleKey(t *testing.T) {
	s := newTestScheduler(newFakeStore(), time.Now().UTC())
	s.nextFire["sync:7"] = time.Now()

	s.InvalidateSchedule("sync", 7)

	require.NotContains(t, s.nextFire, "sync:7")
}

func TestDispatchDueSkipsAlreadyRunningJob(t *testing.T) {
	base := time.Date(2026, 7, 30, 10, 0, 0, 0, time.UTC)
	fs := newFakeStore()
	fs.syncJobs = []store.SyncJobRow{{
		ID:           1,
		Method:       "zfs",
		CronSchedule: "0 * * * *",
		LastRun:      sql.NullTime{Time: base.Add(-2 * time.Hour), Valid: true},
	}}
	fs.running[key("sync", 1)] = true // simulate an in-flight run

	s := newTestScheduler(fs, base)
	s.dispatchDue(context.Background())

	// Begin should have been attempted and rejected; finish is never called
	// synchronously by dispatchDue, and no goroutine should have been
	// allowed to start since begin failed.
	require.Empty(t, fs.finishedSync)
}

func TestMaybeEmitDailySummaryGatesOnHour(t *testing.T) {
	fs := newFakeStore()
	morning := time.Date(2026, 7, 30, 7, 0, 0, 0, time.UTC)
	s := newTestScheduler(fs, morning)
	s.notifier = nil
	s.summaryEnabled = true
	s.summaryHour = 20

	// Before the configured hour: no-op.
	s.maybeEmitDailySummary(context.Background())
	require.Empty(t, s.lastSummaryDate)
}

func TestRecoverCrashedForcesStaleRunningToFailed(t *testing.T) {
	base := time.Date(2026, 7, 30, 10, 0, 0, 0, time.UTC)
	fs := newFakeStore()
	fs.syncJobs = []store.SyncJobRow{{ID: 9, LastStatus: "running"}}
	fs.logsByJob[key("sync", 9)] = []store.JobLogRow{{
		StartedAt: base.Add(-48 * time.Hour),
	}}

	s := newTestScheduler(fs, base)
	s.recoverCrashed(context.Background())

	require.Contains(t, fs.finishedSync, int64(9))
}

func TestRecoverCrashedLeavesFreshRunningAlone(t *testing.T) {
	base := time.Date(2026, 7, 30, 10, 0, 0, 0, time.UTC)
	fs := newFakeStore()
	fs.syncJobs = []store.SyncJobRow{{ID: 10, LastStatus: "running"}}
	fs.logsByJob[key("sync", 10)] = []store.JobLogRow{{
		StartedAt: base.Add(-5 * time.Minute),
	}}

	s := newTestScheduler(fs, base)
	s.recoverCrashed(context.Background())

	require.Empty(t, fs.finishedSync)
}

func TestRecoverCrashedForcesMissingLogRowToo(t *testing.T) {
	base := time.Date(2026, 7, 30, 10, 0, 0, 0, time.UTC)
	fs := newFakeStore()
	fs.syncJobs = []store.SyncJobRow{{ID: 11, LastStatus: "running"}}
	// no entry in fs.logsByJob at all

	s := newTestScheduler(fs, base)
	s.recoverCrashed(context.Background())

	require.Contains(t, fs.finishedSync, int64(11))
}
