package sshexec

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestExecuteSuccess(t *testing.T) {
	fake := NewFakeExecutor()
	fake.When("zfs list", "rpool/data\t1G\t2G\t/rpool/data\n", "", 0)

	e := New(WithCommandExecutor(fake))
	target := Target{Host: "10.0.0.11", Port: 22, User: "root", KeyPath: "/root/.ssh/id_ed25519"}

	res, err := e.Execute(context.Background(), target, "zfs list -H -o name,used,available,mountpoint", 5*time.Second)
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Equal(t, 0, res.ExitCode)
	require.Contains(t, res.Stdout, "rpool/data")

	call := fake.LastCall()
	require.Equal(t, "ssh", call.Name)
	require.Contains(t, call.CommandLine(), "-i /root/.ssh/id_ed25519")
	require.Contains(t, call.CommandLine(), "root@10.0.0.11")
	require.Contains(t, call.CommandLine(), "-- zfs list -H -o name,used,available,mountpoint")
}

func TestExecuteNonZeroExit(t *testing.T) {
	fake := NewFakeExecutor()
	fake.When("false-cmd", "", "no such VM 110\n", 1)

	e := New(WithCommandExecutor(fake))
	res, err := e.Execute(context.Background(), Target{Host: "h", User: "root"}, "false-cmd", 5*time.Second)
	require.NoError(t, err) // non-zero exit is not a Go error
	require.False(t, res.Success)
	require.Equal(t, 1, res.ExitCode)
	require.Contains(t, res.Stderr, "no such VM 110")
}

func TestDistributeKeyIdempotent(t *testing.T) {
	fake := NewFakeExecutor()
	fake.When("ALREADY_PRESENT", "ALREADY_PRESENT\n", "", 0)

	e := New(WithCommandExecutor(fake))
	res, err := e.DistributeKey(context.Background(), Target{Host: "h", Port: 22, User: "root"}, "pw", "ssh-ed25519 AAAA...")
	require.NoError(t, err)
	require.True(t, res.Success)
	require.True(t, res.AlreadyPresent)
}
