package hostbackup

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/grandir66/dapx-backandrepl/internal/node"
	"github.com/grandir66/dapx-backandrepl/internal/sshexec"
)

func pveNode() *node.Node {
	return &node.Node{Name: "pve1", Hostname: "10.0.0.11", SSHUser: "root", Kind: node.KindPVE}
}

func TestRunCreatesCompressedArchive(t *testing.T) {
	fake := sshexec.NewFakeExecutor()
	fake.When("mkdir -p '/var/backups/proxmox-config'", "", "", 0)
	fake.When("test -e '/etc/pve'", "exists\n", "", 0)
	fake.When("test -e ", "", "", 1) // every other path check: not found
	fake.When("tar czf", "", "", 0)
	fake.When("stat -c %s", "12345\n", "", 0)

	b := New(sshexec.New(sshexec.WithCommandExecutor(fake)), nil)
	result := b.Run(context.Background(), Params{Node: pveNode(), Compress: true})

	require.True(t, result.Success)
	require.Equal(t, int64(12345), result.SizeBytes)
	require.Equal(t, 1, result.PathsBackedUp)
	require.Contains(t, result.BackupFile, ".tar.gz")
	require.False(t, result.Encrypted)
}

func TestRunEncryptsWhenRequested(t *testing.T) {
	fake := sshexec.NewFakeExecutor()
	fake.When("mkdir -p", "", "", 0)
	fake.When("test -e '/etc/pve'", "exists\n", "", 0)
	fake.When("test -e ", "", "", 1)
	fake.When("openssl enc", "", "", 0)
	fake.When("stat -c %s", "999\n", "", 0)

	b := New(sshexec.New(sshexec.WithCommandExecutor(fake)), nil)
	result := b.Run(context.Background(), Params{
		Node: pveNode(), Compress: true, Encrypt: true, EncryptPassword: "secret",
	})

	require.True(t, result.Success)
	require.True(t, result.Encrypted)
	require.Contains(t, result.BackupFile, ".tar.gz.enc")
}

func TestRunFailsWhenNoPathsExist(t *testing.T) {
	fake := sshexec.NewFakeExecutor()
	fake.When("mkdir -p", "", "", 0)
	fake.When("test -e ", "", "", 1)

	b := New(sshexec.New(sshexec.WithCommandExecutor(fake)), nil)
	result := b.Run(context.Background(), Params{Node: pveNode()})

	require.False(t, result.Success)
	require.Error(t, result.Err)
}

func TestListBackupsParsesSizeAndPath(t *testing.T) {
	fake := sshexec.NewFakeExecutor()
	fake.When("ls -la", "204800 /var/backups/proxmox-config/proxmox-pve-config-20260729_100000.tar.gz\n", "", 0)

	b := New(sshexec.New(sshexec.WithCommandExecutor(fake)), nil)
	archives, err := b.ListBackups(context.Background(), pveNode(), "")

	require.NoError(t, err)
	require.Len(t, archives, 1)
	require.Equal(t, int64(204800), archives[0].SizeBytes)
	require.Equal(t, "proxmox-pve-config-20260729_100000.tar.gz", archives[0].Filename)
	require.False(t, archives[0].Encrypted)
}

func TestDeleteBackupRejectsPathOutsideBackupRoot(t *testing.T) {
	fake := sshexec.NewFakeExecutor()
	b := New(sshexec.New(sshexec.WithCommandExecutor(fake)), nil)

	err := b.DeleteBackup(context.Background(), pveNode(), "/etc/passwd")
	require.Error(t, err)
}

func TestDeleteBackupRejectsTraversal(t *testing.T) {
	fake := sshexec.NewFakeExecutor()
	b := New(sshexec.New(sshexec.WithCommandExecutor(fake)), nil)

	err := b.DeleteBackup(context.Background(), pveNode(), "/var/backups/../etc/passwd")
	require.Error(t, err)
}

func TestDeleteBackupSucceeds(t *testing.T) {
	fake := sshexec.NewFakeExecutor()
	fake.When("rm -f", "", "", 0)
	b := New(sshexec.New(sshexec.WithCommandExecutor(fake)), nil)

	err := b.DeleteBackup(context.Background(), pveNode(), "/var/backups/proxmox-config/proxmox-pve-config-x.tar.gz")
	require.NoError(t, err)
}
