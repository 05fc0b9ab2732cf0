package migration

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/grandir66/dapx-backandrepl/internal/node"
	"github.com/grandir66/dapx-backandrepl/internal/sshexec"
)

func sourceNode() *node.Node {
	return &node.Node{Name: "pve1", Hostname: "10.0.0.11", SSHUser: "root"}
}

func destNode() *node.Node {
	return &node.Node{Name: "pve2", Hostname: "10.0.0.12", SSHUser: "root"}
}

func TestRunMoveDelegatesToQmMigrate(t *testing.T) {
	fake := sshexec.NewFakeExecutor()
	fake.When("qm migrate 100 root@10.0.0.12", "migration successful\n", "", 0)

	pl := New(sshexec.New(sshexec.WithCommandExecutor(fake)), nil)
	result := pl.RunMove(context.Background(), MoveParams{
		SourceNode: sourceNode(), DestNode: destNode(), VMID: 100, GuestType: "qemu",
	})

	require.True(t, result.Success)
}

func TestRunMoveFailsOnNonZeroExit(t *testing.T) {
	fake := sshexec.NewFakeExecutor()
	fake.When("qm migrate", "", "can't migrate local disk without --with-local-disks", 1)

	pl := New(sshexec.New(sshexec.WithCommandExecutor(fake)), nil)
	result := pl.RunMove(context.Background(), MoveParams{
		SourceNode: sourceNode(), DestNode: destNode(), VMID: 100, GuestType: "qemu",
	})

	require.False(t, result.Success)
}

func registerHappyCopyResponses(fake *sshexec.FakeExecutor) {
	fake.When("df -B1 --output=avail", "2000000000\n", "", 0)
	fake.When("--mode snapshot", "INFO: successful\n", "", 0)
	fake.When("ls -1t /var/lib/vz/dump/vzdump-qemu-100", "/var/lib/vz/dump/vzdump-qemu-100-2026_07_30-10_00_00.vma.zst\n", "", 0)
	fake.When("mkdir -p '/var/lib/vz/dump'", "", "", 0)
	fake.When("rsync --info=progress2", "sent 1000 bytes\n", "", 0)
	fake.When("pvesm status --content images", "Storage Type Status Total Used Avail %\nlocal-lvm lvmthin active 10 1 9 10%\n", "", 0)
	fake.When("qmrestore", "restored OK\n", "", 0)
	fake.When("rm -f", "", "", 0)
}

func copyParams() CopyParams {
	return CopyParams{
		SourceNode: sourceNode(), DestNode: destNode(),
		SourceVMID: 100, TargetVMID: 150, GuestType: "qemu",
		Compress:       "zstd",
		DiskSizesBytes: []int64{1_000_000_000},
	}
}

func TestRunCopyHappyPath(t *testing.T) {
	fake := sshexec.NewFakeExecutor()
	registerHappyCopyResponses(fake)

	pl := New(sshexec.New(sshexec.WithCommandExecutor(fake)), nil)
	result := pl.RunCopy(context.Background(), copyParams())

	require.True(t, result.Success)
	require.Nil(t, result.Confirmation)
	require.Equal(t, "/var/lib/vz/dump/vzdump-qemu-100-2026_07_30-10_00_00.vma.zst", result.ArchivePath)
}

func TestRunCopyReturnsConfirmationWhenTargetVMIDExists(t *testing.T) {
	fake := sshexec.NewFakeExecutor()
	registerHappyCopyResponses(fake)
	fake.When("qm status 150", "150 running\n", "", 0)

	pl := New(sshexec.New(sshexec.WithCommandExecutor(fake)), nil)
	p := copyParams()
	p.ForceOverwrite = false
	result := pl.RunCopy(context.Background(), p)

	require.False(t, result.Success)
	require.NotNil(t, result.Confirmation)
	require.Equal(t, 150, result.Confirmation.ExistingVMID)
}

func TestRunCopyForceOverwritePurgesExisting(t *testing.T) {
	fake := sshexec.NewFakeExecutor()
	registerHappyCopyResponses(fake)
	fake.When("qm status 150", "150 running\n", "", 0)
	fake.When("qm stop 150; sleep 3", "", "", 0)

	pl := New(sshexec.New(sshexec.WithCommandExecutor(fake)), nil)
	p := copyParams()
	p.ForceOverwrite = true
	result := pl.RunCopy(context.Background(), p)

	require.True(t, result.Success)
	require.Nil(t, result.Confirmation)

	var sawPurge bool
	for _, c := range fake.Calls {
		if strings.Contains(c.CommandLine(), "destroy 150 --purge --skiplock") {
			sawPurge = true
		}
	}
	require.True(t, sawPurge)
}

func TestRunVzdumpFallsBackOnRecoverableError(t *testing.T) {
	fake := sshexec.NewFakeExecutor()
	fake.When("--mode snapshot", "", "bridge vmbr0 does not exist", 1)
	fake.When("--mode suspend", "INFO: successful\n", "", 0)
	fake.When("ls -1t /var/lib/vz/dump/vzdump-qemu-100", "/var/lib/vz/dump/vzdump-qemu-100-x.vma.zst\n", "", 0)

	pl := New(sshexec.New(sshexec.WithCommandExecutor(fake)), nil)
	path, _, _, err := pl.runVzdumpWithFallback(context.Background(), copyParams(), "/var/lib/vz/dump")

	require.NoError(t, err)
	require.Equal(t, "/var/lib/vz/dump/vzdump-qemu-100-x.vma.zst", path)
}

func TestRunVzdumpTerminalErrorStopsImmediately(t *testing.T) {
	fake := sshexec.NewFakeExecutor()
	fake.When("--mode snapshot", "", "disk image corrupt", 1)

	pl := New(sshexec.New(sshexec.WithCommandExecutor(fake)), nil)
	_, _, _, err := pl.runVzdumpWithFallback(context.Background(), copyParams(), "/var/lib/vz/dump")

	require.Error(t, err)
}

func TestSelectStagingDirFailsWhenNoneQualify(t *testing.T) {
	fake := sshexec.NewFakeExecutor()
	fake.When("df -B1 --output=avail", "1\n", "", 0)

	pl := New(sshexec.New(sshexec.WithCommandExecutor(fake)), nil)
	_, _, err := pl.selectStagingDir(context.Background(), sourceNode(), 1_000_000_000)

	require.Error(t, err)
}

func TestMergeNetLinePreservesOtherFields(t *testing.T) {
	merged := mergeNetLine("virtio=AA:BB:CC:DD:EE:FF,bridge=vmbr0,firewall=1", "vmbr1")
	require.Contains(t, merged, "bridge=vmbr1")
	require.Contains(t, merged, "virtio=AA:BB:CC:DD:EE:FF")
	require.Contains(t, merged, "firewall=1")
	require.NotContains(t, merged, "vmbr0")
}

func TestMergeNetLineStripsRepeatedBridgePrefix(t *testing.T) {
	merged := mergeNetLine("bridge=vmbr0", "bridge=vmbr2")
	require.Equal(t, "bridge=vmbr2", merged)
}

func TestIsRecoverableModeErrorMatchesAllowlist(t *testing.T) {
	require.True(t, IsRecoverableModeError("unable to activate lv"))
	require.True(t, IsRecoverableModeError("VM 100 is not running"))
	require.False(t, IsRecoverableModeError("disk image is corrupt"))
}

func TestNextModeOrder(t *testing.T) {
	require.Equal(t, "suspend", nextMode("snapshot"))
	require.Equal(t, "stop", nextMode("suspend"))
	require.Equal(t, "", nextMode("stop"))
}

func TestPruneMigrationSnapshotsDropsCurrentAndOldest(t *testing.T) {
	fake := sshexec.NewFakeExecutor()
	fake.When("listsnapshot 100", "Name\ncurrent\nmigration-300\nmigration-200\nmigration-100\n", "", 0)
	fake.When("delsnapshot 100 migration-100", "", "", 0)

	pl := New(sshexec.New(sshexec.WithCommandExecutor(fake)), nil)
	_, _, err := pl.pruneMigrationSnapshots(context.Background(), sourceNode(), "qemu", 100, 2)

	require.NoError(t, err)

	var sawDelete bool
	for _, c := range fake.Calls {
		if strings.Contains(c.CommandLine(), "delsnapshot 100 migration-100") {
			sawDelete = true
		}
	}
	require.True(t, sawDelete)
}
