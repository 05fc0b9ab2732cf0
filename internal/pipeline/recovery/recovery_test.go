package recovery

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/grandir66/dapx-backandrepl/internal/node"
	"github.com/grandir66/dapx-backandrepl/internal/perr"
	"github.com/grandir66/dapx-backandrepl/internal/sshexec"
)

func sourceNode() *node.Node {
	return &node.Node{Name: "pve1", Hostname: "10.0.0.11", SSHUser: "root"}
}

func pbsNode() *node.Node {
	return &node.Node{Name: "pbs1", Hostname: "10.0.0.20", SSHUser: "root",
		PBS: &node.PBSCredentials{Datastore: "main", TLSFingerprint: "aa:bb"}}
}

func destNode() *node.Node {
	return &node.Node{Name: "pve2", Hostname: "10.0.0.12", SSHUser: "root"}
}

func TestRunBackupCreatesAliasWhenMissing(t *testing.T) {
	fake := sshexec.NewFakeExecutor()
	fake.When("pvesm status", "", "", 1) // alias check: grep finds nothing
	fake.When("pvesm add pbs", "", "", 0)
	fake.When("vzdump", "INFO: successfully created backup job\nvm/100/2026-07-30T10:00:00Z\n", "", 0)

	pl := New(sshexec.New(sshexec.WithCommandExecutor(fake)), nil)
	result := pl.RunBackup(context.Background(), BackupParams{
		SourceNode: sourceNode(), SourceVMID: 100, GuestType: "qemu",
		PBSNode: pbsNode(), PBSDatastore: "main", StorageAlias: "pbs-main",
		PBSUser: "root@pam", Mode: "snapshot", Compress: "zstd", IncludeAllDisks: true,
	})

	require.True(t, result.Success)
	require.Equal(t, "vm/100/2026-07-30T10:00:00Z", result.BackupID)
}

func TestRunBackupFailsWithoutBackupID(t *testing.T) {
	fake := sshexec.NewFakeExecutor()
	fake.When("pvesm status", "pbs-main\n", "", 0)
	fake.When("vzdump", "nothing useful here\n", "", 0)

	pl := New(sshexec.New(sshexec.WithCommandExecutor(fake)), nil)
	result := pl.RunBackup(context.Background(), BackupParams{
		SourceNode: sourceNode(), SourceVMID: 100, GuestType: "qemu",
		PBSNode: pbsNode(), PBSDatastore: "main", StorageAlias: "pbs-main",
		PBSUser: "root@pam", Mode: "snapshot", Compress: "zstd",
	})
	require.False(t, result.Success)
}

func TestRunRestorePurgesWhenOverwriteSet(t *testing.T) {
	fake := sshexec.NewFakeExecutor()
	fake.When("pvesm status", "pbs-main\n", "", 0)
	fake.When("qm stop", "", "", 0)
	fake.When("qmrestore", "restored OK\n", "", 0)

	pl := New(sshexec.New(sshexec.WithCommandExecutor(fake)), nil)
	result := pl.RunRestore(context.Background(), RestoreParams{
		DestNode: destNode(), DestVMID: 150, GuestType: "qemu",
		OverwriteExisting: true, BackupVolID: "pbs-main:backup/vm/100/2026-07-30T10:00:00Z",
	}, pbsNode(), "main", "root@pam", "pbs-main")

	require.True(t, result.Success)

	var sawPurge bool
	for _, c := range fake.Calls {
		if strings.Contains(c.CommandLine(), "destroy 150 --purge") {
			sawPurge = true
		}
	}
	require.True(t, sawPurge)
}

func TestCanStartStateMachine(t *testing.T) {
	require.NoError(t, CanStart(StatusPending))
	require.NoError(t, CanStart(StatusFailed))
	require.NoError(t, CanStart(StatusCompleted))
	require.True(t, errors.Is(CanStart(StatusBackingUp), perr.ErrAlreadyRunning))
	require.True(t, errors.Is(CanStart(StatusRestoring), perr.ErrAlreadyRunning))
}

func TestNextOnSuccessTransitions(t *testing.T) {
	require.Equal(t, StatusRestoring, NextOnSuccess(StatusBackingUp))
	require.Equal(t, StatusRegistering, NextOnSuccess(StatusRestoring))
	require.Equal(t, StatusCompleted, NextOnSuccess(StatusRegistering))
}

func TestParseBackupIDFallsBackToArchiveName(t *testing.T) {
	out := "INFO: starting backup\nINFO: creating archive vzdump-qemu-100-2026_07_30-10_00_00.vma.zst\n"
	id := parseBackupID(out, 100)
	require.Contains(t, id, ".vma.zst")
}
