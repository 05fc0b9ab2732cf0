package zfssync

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/grandir66/dapx-backandrepl/internal/node"
	"github.com/grandir66/dapx-backandrepl/internal/sshexec"
)

func sourceNode() *node.Node {
	return &node.Node{Name: "pve1", Hostname: "10.0.0.11", SSHUser: "root", SanoidPresent: true}
}

func destNode() *node.Node {
	return &node.Node{Name: "pve2", Hostname: "10.0.0.12", SSHUser: "root"}
}

func TestRunSuccessParsesTransferred(t *testing.T) {
	fake := sshexec.NewFakeExecutor()
	fake.When("syncoid", "INFO: Sending oldest full snapshot\ntransferred 1.23GB\n", "", 0)

	pl := New(sshexec.New(sshexec.WithCommandExecutor(fake)), nil)
	result := pl.Run(context.Background(), Params{
		SourceNode: sourceNode(), DestNode: destNode(),
		SourceDataset: "rpool/data", DestDataset: "rpool/data",
		Recursive: true, Compress: "zstd",
	})

	require.True(t, result.Success)
	require.Equal(t, "1.23GB", result.Transferred)

	call := fake.LastCall()
	require.Contains(t, call.CommandLine(), "--recursive")
	require.Contains(t, call.CommandLine(), "--compress=zstd")
	require.Contains(t, call.CommandLine(), "root@10.0.0.12:'rpool/data'")
}

func TestRunFailurePropagates(t *testing.T) {
	fake := sshexec.NewFakeExecutor()
	fake.When("syncoid", "", "ssh: connect to host 10.0.0.12 port 22: Connection refused\n", 1)

	pl := New(sshexec.New(sshexec.WithCommandExecutor(fake)), nil)
	result := pl.Run(context.Background(), Params{
		SourceNode: sourceNode(), DestNode: destNode(),
		SourceDataset: "rpool/data", DestDataset: "rpool/data",
	})

	require.False(t, result.Success)
	require.NotEmpty(t, result.Phases)
	require.Error(t, result.Phases[len(result.Phases)-1].Err)
}

func TestRunWithVMRegistrationRewritesStorage(t *testing.T) {
	fake := sshexec.NewFakeExecutor()
	fake.When("syncoid", "transferred 500MB\n", "", 0)
	fake.When("cat '/etc/pve/qemu-server/100.conf'",
		"cores: 4\nscsi0: local-zfs:vm-100-disk-0,size=32G\n", "", 0)
	fake.When("cat > '/etc/pve/qemu-server/100.conf'", "", "", 0)

	pl := New(sshexec.New(sshexec.WithCommandExecutor(fake)), nil)
	result := pl.Run(context.Background(), Params{
		SourceNode: sourceNode(), DestNode: destNode(),
		SourceDataset: "rpool/data/vm-100", DestDataset: "rpool/data/vm-100",
		Registration: &VMRegistration{
			VMID: 100, GuestType: "qemu",
			SourceStorage: "local-zfs", DestStorage: "remote-zfs",
		},
	})

	require.True(t, result.Success)
	require.True(t, result.Registered)
}

func TestRewriteGuestConfigReplacesStorageAndVMID(t *testing.T) {
	config := "cores: 4\nscsi0: local-zfs:vm-100-disk-0,size=32G\nnet0: virtio=AA:BB,bridge=vmbr0\n"
	rewritten := rewriteGuestConfig(config, "local-zfs", "remote-zfs", 100, 200)

	require.Contains(t, rewritten, "scsi0: remote-zfs:vm-200-disk-0,size=32G")
	require.Contains(t, rewritten, "net0: virtio=AA:BB,bridge=vmbr0")
}

func TestParseTransferredAbsentIsTolerated(t *testing.T) {
	require.Equal(t, "", parseTransferred("no match here"))
}
