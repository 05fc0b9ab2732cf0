package btrfssync

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/grandir66/dapx-backandrepl/internal/node"
	"github.com/grandir66/dapx-backandrepl/internal/sshexec"
)

func params() Params {
	return Params{
		SourceNode:   &node.Node{Name: "pbs1", Hostname: "10.0.0.20", SSHUser: "root"},
		DestNode:     &node.Node{Name: "pbs2", Hostname: "10.0.0.21", SSHUser: "root"},
		DiskPath:     "/mnt/data/vm-100-disk-0",
		VMID:         100,
		Disk:         "scsi0",
		SnapshotDir:  "/mnt/data/snaps",
		RemoteDir:    "/mnt/backup/snaps",
		MaxSnapshots: 3,
	}
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestRunFullWhenNoParent(t *testing.T) {
	fake := sshexec.NewFakeExecutor()
	fake.When("ls -1 '/mnt/data/snaps'", "", "no such file", 1)
	fake.When("btrfs subvolume snapshot", "", "", 0)
	fake.When("btrfs send", "", "", 0)

	pl := New(sshexec.New(sshexec.WithCommandExecutor(fake)), nil)
	pl.nowFunc = fixedClock(time.Date(2026, 7, 30, 10, 0, 0, 0, time.UTC))

	result := pl.Run(context.Background(), params())
	require.True(t, result.Success)
	require.False(t, result.Incremental)
	require.Equal(t, "100_scsi0_20260730-100000", result.SnapshotName)
}

func TestRunIncrementalWhenParentExists(t *testing.T) {
	fake := sshexec.NewFakeExecutor()
	fake.When("ls -1 '/mnt/data/snaps'", "100_scsi0_20260729-100000\nother-file\n", "", 0)
	fake.When("btrfs subvolume snapshot", "", "", 0)
	fake.When("btrfs send", "", "", 0)

	pl := New(sshexec.New(sshexec.WithCommandExecutor(fake)), nil)
	pl.nowFunc = fixedClock(time.Date(2026, 7, 30, 10, 0, 0, 0, time.UTC))

	result := pl.Run(context.Background(), params())
	require.True(t, result.Success)
	require.True(t, result.Incremental)

	// Retention runs after the transfer, so the send is not the last call.
	var call sshexec.FakeCall
	for _, c := range fake.Calls {
		if strings.Contains(c.CommandLine(), "btrfs send") {
			call = c
		}
	}
	require.Contains(t, call.CommandLine(), "-p")
	require.Contains(t, call.CommandLine(), "100_scsi0_20260729-100000")
}

func TestRunAbortsOnSnapshotFailure(t *testing.T) {
	fake := sshexec.NewFakeExecutor()
	fake.When("ls -1 '/mnt/data/snaps'", "", "no such file", 1)
	fake.When("btrfs subvolume snapshot", "", "no space left on device", 1)

	pl := New(sshexec.New(sshexec.WithCommandExecutor(fake)), nil)
	pl.nowFunc = fixedClock(time.Date(2026, 7, 30, 10, 0, 0, 0, time.UTC))

	result := pl.Run(context.Background(), params())
	require.False(t, result.Success)
}

func TestEnsureSubvolumeSkippedWhenAlreadySubvolume(t *testing.T) {
	fake := sshexec.NewFakeExecutor()
	fake.When("btrfs subvolume show", "", "", 0)

	pl := New(sshexec.New(sshexec.WithCommandExecutor(fake)), nil)
	stdout, stderr, err := pl.ensureSubvolume(context.Background(), params())
	require.NoError(t, err)
	require.Empty(t, stdout)
	require.Empty(t, stderr)
}
