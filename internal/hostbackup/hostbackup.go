// Package hostbackup implements the host-configuration backup supplemented
// from original_source/backend/services/host_backup_service.py: tar (+gzip,
// +openssl encryption) of a node's critical config paths, distinct path
// sets for PVE vs PBS nodes, listing, and retention via
// internal/retention.PruneHostConfigArchives.
package hostbackup

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/grandir66/dapx-backandrepl/internal/ifaces"
	"github.com/grandir66/dapx-backandrepl/internal/node"
	"github.com/grandir66/dapx-backandrepl/internal/sshexec"
)

const backupTimeout = 30 * time.Minute

// pvePaths are the critical configuration paths backed up on a PVE node.
var pvePaths = []string{
	"/etc/pve",
	"/etc/network/interfaces",
	"/etc/network/interfaces.d",
	"/etc/hosts",
	"/etc/hostname",
	"/etc/resolv.conf",
	"/etc/apt/sources.list",
	"/etc/apt/sources.list.d",
	"/etc/modprobe.d",
	"/etc/modules",
	"/etc/sysctl.conf",
	"/etc/sysctl.d",
	"/root/.ssh",
	"/var/spool/cron/crontabs/root",
	"/etc/cron.d",
	"/etc/lvm/lvm.conf",
	"/etc/vzdump.conf",
	"/etc/pve/corosync.conf",
	"/etc/pve/priv",
	"/etc/pve/firewall",
	"/var/lib/pve-cluster",
}

// pbsPaths are the critical configuration paths backed up on a PBS node.
var pbsPaths = []string{
	"/etc/proxmox-backup",
	"/etc/network/interfaces",
	"/etc/network/interfaces.d",
	"/etc/hosts",
	"/etc/hostname",
	"/etc/resolv.conf",
	"/etc/apt/sources.list",
	"/etc/apt/sources.list.d",
	"/root/.ssh",
	"/var/spool/cron/crontabs/root",
	"/etc/cron.d",
}

// Params configures one host-config backup run.
type Params struct {
	Node           *node.Node
	DestPath       string // defaults to /var/backups/proxmox-config
	Compress       bool
	Encrypt        bool
	EncryptPassword string
}

// Result summarizes a completed backup.
type Result struct {
	Success        bool
	BackupFile     string
	BackupName     string
	SizeBytes      int64
	PathsBackedUp  int
	Encrypted      bool
	Err            error
}

// Backup runs the host-config archive kind for one node.
type Backup struct {
	exec   *sshexec.Executor
	logger ifaces.Logger
}

// New constructs a Backup. A nil logger installs a no-op logger.
func New(exec *sshexec.Executor, logger ifaces.Logger) *Backup {
	if logger == nil {
		logger = ifaces.NoOpLogger{}
	}
	return &Backup{exec: exec, logger: logger}
}

// Run creates the tar(+gzip)(+openssl) archive of p.Node's existing
// configured paths and returns where it landed.
func (b *Backup) Run(ctx context.Context, p Params) Result {
	destPath := p.DestPath
	if destPath == "" {
		destPath = "/var/backups/proxmox-config"
	}

	kind := string(p.Node.Kind)
	if kind == "" {
		kind = "pve"
	}
	paths := pvePaths
	if kind == "pbs" {
		paths = pbsPaths
	}

	if _, err := b.exec.Execute(ctx, p.Node.Target(), "mkdir -p "+shellQuote(destPath), backupTimeout); err != nil {
		return Result{Err: fmt.Errorf("create destination directory: %w", err)}
	}

	existing, err := b.existingPaths(ctx, p.Node, paths)
	if err != nil {
		return Result{Err: err}
	}
	if len(existing) == 0 {
		return Result{Err: fmt.Errorf("no configuration paths found to back up")}
	}

	timestamp := time.Now().UTC().Format("20060102_150405")
	backupName := fmt.Sprintf("proxmox-%s-config-%s", kind, timestamp)
	backupFile, cmd := archiveCommand(destPath, backupName, existing, p.Compress, p.Encrypt, p.EncryptPassword)

	res, err := b.exec.Execute(ctx, p.Node.Target(), cmd, backupTimeout)
	if err != nil {
		return Result{Err: fmt.Errorf("create archive: %w", err)}
	}
	if !res.Success {
		return Result{Err: fmt.Errorf("archive command failed: %s", res.Stderr)}
	}

	size, _ := b.archiveSize(ctx, p.Node, backupFile)

	return Result{
		Success:       true,
		BackupFile:    backupFile,
		BackupName:    backupName,
		SizeBytes:     size,
		PathsBackedUp: len(existing),
		Encrypted:     strings.HasSuffix(backupFile, ".enc"),
	}
}

func (b *Backup) existingPaths(ctx context.Context, n *node.Node, candidates []string) ([]string, error) {
	var existing []string
	for _, path := range candidates {
		cmd := fmt.Sprintf("test -e %s && echo exists", shellQuote(path))
		res, err := b.exec.Execute(ctx, n.Target(), cmd, 30*time.Second)
		if err != nil {
			return nil, fmt.Errorf("check path %s: %w", path, err)
		}
		if res.Success && strings.Contains(res.Stdout, "exists") {
			existing = append(existing, path)
		}
	}
	return existing, nil
}

func (b *Backup) archiveSize(ctx context.Context, n *node.Node, backupFile string) (int64, error) {
	cmd := fmt.Sprintf("stat -c %%s %s 2>/dev/null || echo 0", shellQuote(backupFile))
	res, err := b.exec.Execute(ctx, n.Target(), cmd, 30*time.Second)
	if err != nil {
		return 0, err
	}
	size, _ := strconv.ParseInt(strings.TrimSpace(res.Stdout), 10, 64)
	return size, nil
}

// archiveCommand composes the tar/gzip/openssl pipeline across its three
// modes: plain tar, tar+gzip, tar+gzip+openssl.
func archiveCommand(destPath, backupName string, paths []string, compress, encrypt bool, password string) (backupFile, cmd string) {
	quotedPaths := make([]string, len(paths))
	for i, p := range paths {
		quotedPaths[i] = shellQuote(p)
	}
	pathsStr := strings.Join(quotedPaths, " ")

	switch {
	case compress && encrypt && password != "":
		backupFile = fmt.Sprintf("%s/%s.tar.gz.enc", destPath, backupName)
		cmd = fmt.Sprintf("tar czf - %s 2>/dev/null | openssl enc -aes-256-cbc -salt -pbkdf2 -pass pass:%s -out %s",
			pathsStr, shellQuote(password), shellQuote(backupFile))
	case compress:
		backupFile = fmt.Sprintf("%s/%s.tar.gz", destPath, backupName)
		cmd = fmt.Sprintf("tar czf %s %s 2>/dev/null", shellQuote(backupFile), pathsStr)
	default:
		backupFile = fmt.Sprintf("%s/%s.tar", destPath, backupName)
		cmd = fmt.Sprintf("tar cf %s %s 2>/dev/null", shellQuote(backupFile), pathsStr)
	}
	return backupFile, cmd
}

// Archive is one entry from ListBackups.
type Archive struct {
	Filename  string
	Path      string
	SizeBytes int64
	Encrypted bool
}

// ListBackups lists existing host-config archives under backupPath.
func (b *Backup) ListBackups(ctx context.Context, n *node.Node, backupPath string) ([]Archive, error) {
	if backupPath == "" {
		backupPath = "/var/backups/proxmox-config"
	}
	cmd := fmt.Sprintf("ls -la %s/proxmox-*.tar* 2>/dev/null | awk '{print $5, $NF}'", backupPath)
	res, err := b.exec.Execute(ctx, n.Target(), cmd, 30*time.Second)
	if err != nil {
		return nil, err
	}
	if !res.Success {
		return nil, nil
	}

	var out []Archive
	for _, line := range strings.Split(strings.TrimRight(res.Stdout, "\n"), "\n") {
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		size, _ := strconv.ParseInt(fields[0], 10, 64)
		path := fields[1]
		out = append(out, Archive{
			Filename:  basename(path),
			Path:      path,
			SizeBytes: size,
			Encrypted: strings.HasSuffix(path, ".enc"),
		})
	}
	return out, nil
}

// DeleteBackup removes one archive, refusing any path outside /var/backups/
// or containing a directory traversal segment.
func (b *Backup) DeleteBackup(ctx context.Context, n *node.Node, path string) error {
	if !strings.HasPrefix(path, "/var/backups/") || strings.Contains(path, "..") {
		return fmt.Errorf("invalid backup path: %s", path)
	}
	res, err := b.exec.Execute(ctx, n.Target(), "rm -f "+shellQuote(path), 30*time.Second)
	if err != nil {
		return err
	}
	if !res.Success {
		return fmt.Errorf("delete backup failed: %s", res.Stderr)
	}
	return nil
}

func basename(path string) string {
	if idx := strings.LastIndex(path, "/"); idx >= 0 {
		return path[idx+1:]
	}
	return path
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
