package retention

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/grandir66/dapx-backandrepl/internal/node"
	"github.com/grandir66/dapx-backandrepl/internal/sshexec"
)

func testNode() *node.Node {
	return &node.Node{Name: "pve1", Hostname: "10.0.0.11", SSHUser: "root"}
}

func TestPruneZFSSnapshotsKeepsNewestN(t *testing.T) {
	fake := sshexec.NewFakeExecutor()
	fake.When("zfs list -t snapshot",
		"rpool/data@syncoid-2026-07-28 Tue Jul 28 10:00 2026\n"+
			"rpool/data@syncoid-2026-07-29 Wed Jul 29 10:00 2026\n"+
			"rpool/data@syncoid-2026-07-30 Thu Jul 30 10:00 2026\n", "", 0)
	fake.When("zfs destroy", "", "", 0)

	pruner := NewPruner(sshexec.New(sshexec.WithCommandExecutor(fake)), nil)
	result := pruner.PruneZFSSnapshots(context.Background(), testNode(), "rpool/data", "syncoid", 2)

	require.Len(t, result.Kept, 2)
	require.Len(t, result.Deleted, 1)
	require.Contains(t, result.Deleted[0], "syncoid-2026-07-28")
	require.Empty(t, result.Errors)
}

func TestPruneZFSSnapshotsNoopWhenKeepZero(t *testing.T) {
	fake := sshexec.NewFakeExecutor()
	pruner := NewPruner(sshexec.New(sshexec.WithCommandExecutor(fake)), nil)
	result := pruner.PruneZFSSnapshots(context.Background(), testNode(), "rpool/data", "syncoid", 0)
	require.Empty(t, result.Deleted)
	require.Empty(t, result.Kept)
}

func TestPruneBTRFSSnapshotsLexicographicDescending(t *testing.T) {
	fake := sshexec.NewFakeExecutor()
	fake.When("ls -1 ", "100_scsi0_20260728-100000\n100_scsi0_20260729-100000\n100_scsi0_20260730-100000\nother-dir\n", "", 0)
	fake.When("btrfs subvolume delete", "", "", 0)

	pruner := NewPruner(sshexec.New(sshexec.WithCommandExecutor(fake)), nil)
	result := pruner.PruneBTRFSSnapshots(context.Background(), testNode(), "/mnt/backup/snaps", 100, "scsi0", 2)

	require.Len(t, result.Kept, 2)
	require.Len(t, result.Deleted, 1)
	require.Contains(t, result.Deleted[0], "20260728")
}

func TestPruneHostConfigArchivesKeepsNewest(t *testing.T) {
	fake := sshexec.NewFakeExecutor()
	fake.When("ls -1t", "proxmox-pve-config-2026-07-30.tar.gz\nproxmox-pve-config-2026-07-29.tar.gz\nproxmox-pve-config-2026-07-28.tar.gz\n", "", 0)
	fake.When("rm -f", "", "", 0)

	pruner := NewPruner(sshexec.New(sshexec.WithCommandExecutor(fake)), nil)
	result := pruner.PruneHostConfigArchives(context.Background(), testNode(), "/var/backups/hostconfig", "pve", 1)

	require.Len(t, result.Kept, 1)
	require.Len(t, result.Deleted, 2)
}

func TestPruneErrorsAreNonFatal(t *testing.T) {
	fake := sshexec.NewFakeExecutor()
	fake.When("zfs list -t snapshot", "rpool/data@syncoid-1 Tue Jul 28 10:00 2026\nrpool/data@syncoid-2 Wed Jul 29 10:00 2026\n", "", 0)
	fake.When("zfs destroy", "", "dataset is busy", 1)

	pruner := NewPruner(sshexec.New(sshexec.WithCommandExecutor(fake)), nil)
	result := pruner.PruneZFSSnapshots(context.Background(), testNode(), "rpool/data", "syncoid", 1)

	require.Len(t, result.Errors, 1)
	require.Empty(t, result.Deleted)
}
