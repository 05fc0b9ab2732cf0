package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/grandir66/dapx-backandrepl/internal/node"
	"github.com/grandir66/dapx-backandrepl/internal/perr"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "dapxd.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestCreateAndGetNode(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, err := s.CreateNode(ctx, &node.Node{Name: "pve1", Hostname: "10.0.0.11", SSHPort: 22, SSHUser: "root", Kind: node.KindPVE})
	require.NoError(t, err)
	require.Positive(t, id)

	got, err := s.GetNode(ctx, id)
	require.NoError(t, err)
	require.Equal(t, "pve1", got.Name)
	require.True(t, got.Active)
}

func TestCreateNodeDuplicateNameRejected(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.CreateNode(ctx, &node.Node{Name: "pve1", Hostname: "10.0.0.11"})
	require.NoError(t, err)

	_, err = s.CreateNode(ctx, &node.Node{Name: "pve1", Hostname: "10.0.0.12"})
	require.Error(t, err)
	require.True(t, errors.Is(err, perr.ErrValidation))
}

func TestHardDeleteNodeRejectedWhileReferenced(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	srcID, err := s.CreateNode(ctx, &node.Node{Name: "pve1", Hostname: "10.0.0.11"})
	require.NoError(t, err)
	dstID, err := s.CreateNode(ctx, &node.Node{Name: "pve2", Hostname: "10.0.0.12"})
	require.NoError(t, err)

	_, err = s.CreateSyncJob(ctx, &SyncJobRow{
		Name: "replicate-data", Method: "zfs_syncoid",
		SourceNodeID: srcID, SourcePath: "rpool/data",
		DestNodeID: dstID, DestPath: "rpool/data",
	})
	require.NoError(t, err)

	err = s.HardDeleteNode(ctx, srcID)
	require.Error(t, err)
	require.True(t, errors.Is(err, perr.ErrValidation))

	require.NoError(t, s.SoftDeleteNode(ctx, srcID))
	got, err := s.GetNode(ctx, srcID)
	require.NoError(t, err)
	require.False(t, got.Active)
}

func TestSyncJobSingleFlight(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	srcID, _ := s.CreateNode(ctx, &node.Node{Name: "pve1", Hostname: "10.0.0.11"})
	dstID, _ := s.CreateNode(ctx, &node.Node{Name: "pve2", Hostname: "10.0.0.12"})

	jobID, err := s.CreateSyncJob(ctx, &SyncJobRow{
		Name: "replicate-data", Method: "zfs_syncoid",
		SourceNodeID: srcID, SourcePath: "rpool/data",
		DestNodeID: dstID, DestPath: "rpool/data",
	})
	require.NoError(t, err)

	require.NoError(t, s.BeginSyncJobRun(ctx, jobID))
	err = s.BeginSyncJobRun(ctx, jobID)
	require.True(t, errors.Is(err, perr.ErrAlreadyRunning))

	require.NoError(t, s.FinishSyncJobRun(ctx, jobID, "success", 42, "1.2G", nil))
	require.NoError(t, s.BeginSyncJobRun(ctx, jobID))
}

func TestRecoveryJobBusyStates(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	src, _ := s.CreateNode(ctx, &node.Node{Name: "pve1", Hostname: "10.0.0.11"})
	pbs, _ := s.CreateNode(ctx, &node.Node{Name: "pbs1", Hostname: "10.0.0.20"})
	dst, _ := s.CreateNode(ctx, &node.Node{Name: "pve2", Hostname: "10.0.0.12"})

	jobID, err := s.CreateRecoveryJob(ctx, &RecoveryJobRow{
		Name: "dr-web01", SourceNodeID: src, SourceVMID: 100, GuestType: "qemu",
		PBSNodeID: pbs, PBSDatastore: "main", DestNodeID: dst,
		BackupMode: "snapshot", BackupCompress: "zstd",
	})
	require.NoError(t, err)

	require.NoError(t, s.BeginRecoveryJobRun(ctx, jobID, RecoveryBackingUp))
	err = s.BeginRecoveryJobRun(ctx, jobID, RecoveryRestoring)
	require.True(t, errors.Is(err, perr.ErrAlreadyRunning))

	require.NoError(t, s.AdvanceRecoveryJobPhase(ctx, jobID, RecoveryRestoring, "backup-2026-07-30"))
	got, err := s.GetRecoveryJob(ctx, jobID)
	require.NoError(t, err)
	require.Equal(t, "backup-2026-07-30", got.LastBackupID)

	require.NoError(t, s.FinishRecoveryJobRun(ctx, jobID, RecoveryCompleted, 300, nil))
	require.NoError(t, s.BeginRecoveryJobRun(ctx, jobID, RecoveryBackingUp))
}

func TestJobLogLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	src, _ := s.CreateNode(ctx, &node.Node{Name: "pve1", Hostname: "10.0.0.11"})
	dst, _ := s.CreateNode(ctx, &node.Node{Name: "pve2", Hostname: "10.0.0.12"})
	jobID, _ := s.CreateSyncJob(ctx, &SyncJobRow{Name: "j", Method: "zfs_syncoid", SourceNodeID: src, SourcePath: "a", DestNodeID: dst, DestPath: "b"})

	logID, err := s.StartJobLog(ctx, "sync", jobID, "")
	require.NoError(t, err)

	require.NoError(t, s.CompleteJobLog(ctx, logID, PhaseSuccess, "done", "", "1.1G", ""))

	logs, err := s.ListJobLogs(ctx, "sync", jobID)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	require.Equal(t, string(PhaseSuccess), logs[0].Phase)
}

func TestSettingsRoundTripAndValidation(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	v, err := s.GetSetting(ctx, "syncoid_timeout")
	require.NoError(t, err)
	require.NotEmpty(t, v)

	require.NoError(t, s.SetSetting(ctx, "syncoid_timeout", "900"))
	v, err = s.GetSetting(ctx, "syncoid_timeout")
	require.NoError(t, err)
	require.Equal(t, "900", v)

	err = s.SetSetting(ctx, "syncoid_timeout", "not-a-number")
	require.Error(t, err)
	require.True(t, errors.Is(err, perr.ErrValidation))

	err = s.SetSetting(ctx, "no_such_key", "x")
	require.True(t, errors.Is(err, perr.ErrValidation))
}

func TestVMRegistryUpsert(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	src, _ := s.CreateNode(ctx, &node.Node{Name: "pve1", Hostname: "10.0.0.11"})
	dst, _ := s.CreateNode(ctx, &node.Node{Name: "pve2", Hostname: "10.0.0.12"})

	_, err := s.RegisterVM(ctx, VMRegistryRow{
		SourceNodeID: src, SourceVMID: 100, DestNodeID: dst, DestVMID: 100,
		GuestType: "qemu", SourceDataset: "rpool/data/vm-100", DestDataset: "rpool/data/vm-100",
	})
	require.NoError(t, err)

	reg, err := s.FindVMRegistration(ctx, src, 100, dst)
	require.NoError(t, err)
	require.NotNil(t, reg)
	require.Equal(t, 100, reg.DestVMID)
}
