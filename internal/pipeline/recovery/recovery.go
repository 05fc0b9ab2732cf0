// Package recovery implements the PBS Recovery Pipeline: a
// three-phase BACKUP -> RESTORE -> REGISTERING sequence mediated by a
// Proxmox Backup Server datastore, each phase a separate Job Log row
// pointing at the same parent job.
package recovery

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/grandir66/dapx-backandrepl/internal/ifaces"
	"github.com/grandir66/dapx-backandrepl/internal/node"
	"github.com/grandir66/dapx-backandrepl/internal/pipeline"
	"github.com/grandir66/dapx-backandrepl/internal/sshexec"
)

const (
	backupTimeout  = 2 * time.Hour
	restoreTimeout = 2 * time.Hour
	aliasTimeout   = 30 * time.Second
)

// BackupParams configures phase BACKUP.
type BackupParams struct {
	SourceNode      *node.Node
	SourceVMID      int
	GuestType       string
	PBSNode         *node.Node
	PBSDatastore    string
	StorageAlias    string // looked up by name; created if absent
	PBSUser         string // e.g. "root@pam"
	Mode            string // snapshot | stop | suspend
	Compress        string // none | lzo | gzip | zstd
	IncludeAllDisks bool
}

// RestoreParams configures phase RESTORE.
type RestoreParams struct {
	DestNode          *node.Node
	DestVMID          int
	GuestType         string
	NameSuffix        string
	DestStorage       string
	StartAfter        bool
	RegenerateUniqueIDs bool
	OverwriteExisting bool
	BackupVolID       string // filled from the BACKUP phase's result
}

// Result summarizes the run of one or more phases.
type Result struct {
	BackupID string
	Phases   []pipeline.PhaseResult
	Success  bool
}

// Pipeline runs recovery jobs.
type Pipeline struct {
	exec   *sshexec.Executor
	logger ifaces.Logger
}

// New constructs a Pipeline. A nil logger installs a no-op logger.
func New(exec *sshexec.Executor, logger ifaces.Logger) *Pipeline {
	if logger == nil {
		logger = ifaces.NoOpLogger{}
	}
	return &Pipeline{exec: exec, logger: logger}
}

// RunBackup executes phase BACKUP: ensure the PBS storage alias exists on
// the source node, then run vzdump and parse the produced backup ID.
func (pl *Pipeline) RunBackup(ctx context.Context, p BackupParams) Result {
	var backupID string

	phases := []pipeline.Phase{
		{
			Name: "ensure_pbs_alias",
			Run: func() (string, string, error) {
				return pl.ensurePBSAlias(ctx, p.SourceNode, p.StorageAlias, p.PBSNode, p.PBSDatastore, p.PBSUser)
			},
		},
		{
			Name: "vzdump",
			Run: func() (string, string, error) {
				cmd := vzdumpCommand(p)
				res, err := pl.exec.Execute(ctx, p.SourceNode.Target(), cmd, backupTimeout)
				if err != nil {
					return res.Stdout, res.Stderr, err
				}
				if !res.Success {
					return res.Stdout, res.Stderr, fmt.Errorf("vzdump exited %d: %s", res.ExitCode, lastLine(res.Stderr))
				}
				backupID = parseBackupID(res.Combined, p.SourceVMID)
				if backupID == "" {
					return res.Stdout, res.Stderr, fmt.Errorf("could not locate backup identifier in vzdump output")
				}
				return res.Stdout, res.Stderr, nil
			},
		},
	}

	results := pipeline.RunPhases(phases)
	return Result{
		BackupID: backupID,
		Phases:   results,
		Success:  len(results) > 0 && results[len(results)-1].Err == nil,
	}
}

// RunRestore executes phase RESTORE: ensure the PBS alias on the
// destination, optionally purge an existing guest, qmrestore, then apply an
// optional name suffix.
func (pl *Pipeline) RunRestore(ctx context.Context, p RestoreParams, pbsNode *node.Node, pbsDatastore, pbsUser, storageAlias string) Result {
	phases := []pipeline.Phase{
		{
			Name: "ensure_pbs_alias",
			Run: func() (string, string, error) {
				return pl.ensurePBSAlias(ctx, p.DestNode, storageAlias, pbsNode, pbsDatastore, pbsUser)
			},
		},
		{
			Name: "purge_existing",
			Run: func() (string, string, error) {
				if !p.OverwriteExisting {
					return "", "", nil
				}
				return pl.purgeGuest(ctx, p.DestNode, p.DestVMID, p.GuestType)
			},
		},
		{
			Name: "qmrestore",
			Run: func() (string, string, error) {
				cmd := restoreCommand(p)
				res, err := pl.exec.Execute(ctx, p.DestNode.Target(), cmd, restoreTimeout)
				if err != nil {
					return res.Stdout, res.Stderr, err
				}
				if !res.Success {
					return res.Stdout, res.Stderr, fmt.Errorf("restore exited %d: %s", res.ExitCode, lastLine(res.Stderr))
				}
				return res.Stdout, res.Stderr, nil
			},
		},
		{
			Name: "apply_name_suffix",
			Run: func() (string, string, error) {
				if p.NameSuffix == "" {
					return "", "", nil
				}
				return pl.applyNameSuffix(ctx, p.DestNode, p.DestVMID, p.GuestType, p.NameSuffix)
			},
		},
	}

	if p.StartAfter {
		phases = append(phases, pipeline.Phase{
			Name: "start_guest",
			Run: func() (string, string, error) {
				res, err := pl.exec.Execute(ctx, p.DestNode.Target(), startCommand(p.GuestType, p.DestVMID), 60*time.Second)
				return res.Stdout, res.Stderr, err
			},
		})
	}

	results := pipeline.RunPhases(phases)
	return Result{Phases: results, Success: len(results) > 0 && results[len(results)-1].Err == nil}
}

func (pl *Pipeline) ensurePBSAlias(ctx context.Context, n *node.Node, alias string, pbsNode *node.Node, datastore, user string) (string, string, error) {
	if alias == "" {
		return "", "", fmt.Errorf("no storage alias configured")
	}

	checkRes, err := pl.exec.Execute(ctx, n.Target(), "pvesm status 2>/dev/null | awk '{print $1}' | grep -xF "+shellQuote(alias), aliasTimeout)
	if err != nil {
		return "", "", fmt.Errorf("check pbs storage alias: %w", err)
	}
	if checkRes.Success && strings.TrimSpace(checkRes.Stdout) == alias {
		return checkRes.Stdout, checkRes.Stderr, nil
	}

	addCmd := fmt.Sprintf("pvesm add pbs %s --server %s --datastore %s --username %s --content backup",
		shellQuote(alias), shellQuote(pbsNode.Hostname), shellQuote(datastore), shellQuote(user))
	if pbsNode.PBS != nil && pbsNode.PBS.TLSFingerprint != "" {
		addCmd += " --fingerprint " + shellQuote(pbsNode.PBS.TLSFingerprint)
	}
	if pbsNode.PBS != nil && pbsNode.PBS.APIPassword != "" {
		addCmd += " --password " + shellQuote(pbsNode.PBS.APIPassword)
	}

	res, err := pl.exec.Execute(ctx, n.Target(), addCmd, aliasTimeout)
	if err != nil {
		return res.Stdout, res.Stderr, err
	}
	if !res.Success {
		return res.Stdout, res.Stderr, fmt.Errorf("pvesm add pbs failed: %s", res.Stderr)
	}
	return res.Stdout, res.Stderr, nil
}

func (pl *Pipeline) purgeGuest(ctx context.Context, n *node.Node, vmid int, guestType string) (string, string, error) {
	bin := guestBin(guestType)
	cmd := fmt.Sprintf("%s stop %d; sleep 2; %s destroy %d --purge", bin, vmid, bin, vmid)
	res, err := pl.exec.Execute(ctx, n.Target(), cmd, 60*time.Second)
	return res.Stdout, res.Stderr, err
}

func (pl *Pipeline) applyNameSuffix(ctx context.Context, n *node.Node, vmid int, guestType, suffix string) (string, string, error) {
	bin := guestBin(guestType)
	configRes, err := pl.exec.Execute(ctx, n.Target(), fmt.Sprintf("%s config %d", bin, vmid), aliasTimeout)
	if err != nil {
		return "", "", err
	}

	name := parseConfigField(configRes.Stdout, "name")
	if name == "" || strings.HasSuffix(name, suffix) {
		return configRes.Stdout, configRes.Stderr, nil
	}

	setCmd := fmt.Sprintf("%s set %d --name %s", bin, vmid, shellQuote(name+suffix))
	res, err := pl.exec.Execute(ctx, n.Target(), setCmd, aliasTimeout)
	return res.Stdout, res.Stderr, err
}

func vzdumpCommand(p BackupParams) string {
	cmd := fmt.Sprintf("vzdump %d --mode %s --compress %s --storage %s --remove 0",
		p.SourceVMID, p.Mode, p.Compress, shellQuote(p.StorageAlias))
	if p.IncludeAllDisks {
		cmd += " --all-disks 1"
	}
	return cmd
}

func restoreCommand(p RestoreParams) string {
	restoreBin := "qmrestore"
	if p.GuestType == "lxc" {
		restoreBin = "pct restore"
	}
	cmd := fmt.Sprintf("%s %s %d", restoreBin, shellQuote(p.BackupVolID), p.DestVMID)
	if p.DestStorage != "" {
		cmd += " --storage " + shellQuote(p.DestStorage)
	}
	if p.RegenerateUniqueIDs {
		cmd += " --unique"
	}
	if p.StartAfter {
		cmd += " --start"
	}
	return cmd
}

func startCommand(guestType string, vmid int) string {
	return fmt.Sprintf("%s start %d", guestBin(guestType), vmid)
}

func guestBin(guestType string) string {
	if guestType == "lxc" {
		return "pct"
	}
	return "qm"
}

var backupIDPattern = regexp.MustCompile(`vm/\d+/[0-9T:\-Z]+|[\w\-]+\.(vma|tar)(\.[a-z0-9]+)?`)

// parseBackupID extracts a backup identifier from vzdump's output: either
// the "vm/<vm_id>/<RFC3339>" datastore path or a .vma/.tar basename.
func parseBackupID(combined string, vmid int) string {
	matches := backupIDPattern.FindAllString(combined, -1)
	prefix := fmt.Sprintf("vm/%d/", vmid)
	for _, m := range matches {
		if strings.HasPrefix(m, prefix) {
			return m
		}
	}
	for _, m := range matches {
		if strings.Contains(m, strconv.Itoa(vmid)) {
			return m
		}
	}
	if len(matches) > 0 {
		return matches[len(matches)-1]
	}
	return ""
}

func parseConfigField(config, key string) string {
	for _, line := range strings.Split(config, "\n") {
		k, v, ok := strings.Cut(line, ":")
		if ok && strings.TrimSpace(k) == key {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func lastLine(s string) string {
	s = strings.TrimRight(s, "\n")
	if idx := strings.LastIndex(s, "\n"); idx >= 0 {
		return s[idx+1:]
	}
	return s
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
