package node

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/grandir66/dapx-backandrepl/internal/sshexec"
)

func TestProbeDetectsPVECapabilities(t *testing.T) {
	fake := sshexec.NewFakeExecutor()
	// The capability checks run as one remote script, so a single scripted
	// reply carries every marker the node reports.
	fake.When("pveversion", "__PVE__\n__SANOID__\n", "", 0)

	prober := NewProber(sshexec.New(sshexec.WithCommandExecutor(fake)), nil)
	n := &Node{Name: "pve1", Hostname: "10.0.0.11", SSHUser: "root"}

	prober.Probe(context.Background(), n)

	require.True(t, n.Online)
	require.Equal(t, KindPVE, n.Kind)
	require.True(t, n.SanoidPresent)
	require.False(t, n.PBSServerPresent)
	require.False(t, n.LastCheck.IsZero())
}

func TestProbeUnreachableSetsOfflineWithoutError(t *testing.T) {
	fake := sshexec.NewFakeExecutor()
	// ssh itself exits 255 when the connection is refused.
	fake.When("pveversion", "", "ssh: connect to host 10.0.0.99 port 22: Connection refused", 255)

	prober := NewProber(sshexec.New(sshexec.WithCommandExecutor(fake)), nil)
	n := &Node{Name: "ghost", Hostname: "10.0.0.99", SSHUser: "root", Online: true}

	prober.Probe(context.Background(), n)

	// Probe returns nothing to fail on; the connection failure shows up only
	// as Online=false, with the capability flags left as they were.
	require.False(t, n.Online)
	require.False(t, n.PBSServerPresent)
}

func TestProbeVerifiesBTRFSMount(t *testing.T) {
	fake := sshexec.NewFakeExecutor()
	fake.When("btrfs --version", "__BTRFS__\n", "", 0)
	fake.When("df -T", "Filesystem Type 1K-blocks Used Available Use% Mounted\n/dev/sdb1 btrfs 100 1 99 1% /mnt/backup\n", "", 0)

	prober := NewProber(sshexec.New(sshexec.WithCommandExecutor(fake)), nil)
	n := &Node{Name: "pbs1", Hostname: "10.0.0.12", SSHUser: "root", BTRFSMount: "/mnt/backup"}

	prober.Probe(context.Background(), n)

	require.True(t, n.BTRFSPresent)
}

func TestGetHostMetricsCollectsBestEffort(t *testing.T) {
	fake := sshexec.NewFakeExecutor()
	fake.When("uname -a", "Linux pve1 6.8.0\n", "", 0)
	fake.When("lscpu", "Model name: AMD EPYC 7302\nCPU(s): 16\n", "", 0)
	fake.When("ip -j addr show", `[{"ifname":"eth0","addr_info":[{"local":"10.0.0.11"}]}]`, "", 0)
	fake.When("df -B1", "1073741824\n", "", 0)

	prober := NewProber(sshexec.New(sshexec.WithCommandExecutor(fake)), nil)
	n := &Node{Name: "pve1", Hostname: "10.0.0.11", SSHUser: "root"}

	hm, err := prober.GetHostMetrics(context.Background(), n)
	require.NoError(t, err)
	require.Equal(t, "Linux pve1 6.8.0", hm.Uname)
	require.Equal(t, "AMD EPYC 7302", hm.CPUModel)
	require.Equal(t, 16, hm.CPUCores)
	require.Len(t, hm.Interfaces, 1)
	require.Equal(t, "eth0", hm.Interfaces[0].Name)
	require.Equal(t, []string{"10.0.0.11"}, hm.Interfaces[0].Addresses)
	require.Equal(t, int64(1073741824), hm.FreeDiskRoot)
}
