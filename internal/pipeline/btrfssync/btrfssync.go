// Package btrfssync implements the BTRFS Sync Pipeline:
// incremental subvolume replication via btrfs send/receive, with an optional
// destructive subvolume-conversion step and timestamped snapshot retention.
package btrfssync

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/grandir66/dapx-backandrepl/internal/ifaces"
	"github.com/grandir66/dapx-backandrepl/internal/node"
	"github.com/grandir66/dapx-backandrepl/internal/pipeline"
	"github.com/grandir66/dapx-backandrepl/internal/retention"
	"github.com/grandir66/dapx-backandrepl/internal/sshexec"
)

const sendTimeout = 6 * time.Hour

// Params parameterizes one BTRFS sync run.
type Params struct {
	SourceNode *node.Node
	DestNode   *node.Node

	DiskPath     string // the original path, possibly not yet a subvolume
	VMID         int
	Disk         string // e.g. "scsi0"
	SnapshotDir  string // source-side snapshot directory
	RemoteDir    string // destination-side receive directory
	MaxSnapshots int
	ConvertIfNeeded bool
}

// Result summarizes a completed run.
type Result struct {
	Success      bool
	Incremental  bool
	SnapshotName string
	Phases       []pipeline.PhaseResult
	PruneWarnings []error
}

// Pipeline runs BTRFS sync jobs.
type Pipeline struct {
	exec    *sshexec.Executor
	pruner  *retention.Pruner
	logger  ifaces.Logger
	nowFunc func() time.Time
}

// New constructs a Pipeline. A nil logger installs a no-op logger.
func New(exec *sshexec.Executor, logger ifaces.Logger) *Pipeline {
	if logger == nil {
		logger = ifaces.NoOpLogger{}
	}
	return &Pipeline{
		exec:    exec,
		pruner:  retention.NewPruner(exec, logger),
		logger:  logger,
		nowFunc: time.Now,
	}
}

// Run executes the conversion (if requested and needed), snapshot, transfer,
// and prune steps. A snapshot-creation failure aborts the run; a prune
// failure is logged as a warning and does not fail the run.
func (pl *Pipeline) Run(ctx context.Context, p Params) Result {
	var snapshotName string
	var parent string
	var incremental bool

	phases := []pipeline.Phase{
		{
			Name: "ensure_subvolume",
			Run: func() (string, string, error) {
				if !p.ConvertIfNeeded {
					return "", "", nil
				}
				return pl.ensureSubvolume(ctx, p)
			},
		},
		{
			Name: "snapshot",
			Run: func() (string, string, error) {
				snapshotName = fmt.Sprintf("%d_%s_%s", p.VMID, p.Disk, pl.nowFunc().UTC().Format("20060102-150405"))
				target := p.SnapshotDir + "/" + snapshotName

				var err error
				parent, incremental, err = pl.findParentSnapshot(ctx, p)
				if err != nil {
					return "", "", fmt.Errorf("list existing snapshots: %w", err)
				}

				res, err := pl.exec.Execute(ctx, p.SourceNode.Target(),
					fmt.Sprintf("btrfs subvolume snapshot -r %s %s", shellQuote(p.DiskPath), shellQuote(target)),
					60*time.Second)
				if err != nil {
					return res.Stdout, res.Stderr, err
				}
				if !res.Success {
					return res.Stdout, res.Stderr, fmt.Errorf("snapshot creation failed: %s", res.Stderr)
				}
				return res.Stdout, res.Stderr, nil
			},
		},
		{
			Name: "send_receive",
			Run: func() (string, string, error) {
				return pl.sendReceive(ctx, p, snapshotName, parent, incremental)
			},
		},
	}

	results := pipeline.RunPhases(phases)
	result := Result{Phases: results, SnapshotName: snapshotName, Incremental: incremental}
	result.Success = len(results) > 0 && results[len(results)-1].Err == nil

	if result.Success && p.MaxSnapshots > 0 {
		srcPrune := pl.pruner.PruneBTRFSSnapshots(ctx, p.SourceNode, p.SnapshotDir, p.VMID, p.Disk, p.MaxSnapshots)
		dstPrune := pl.pruner.PruneBTRFSSnapshots(ctx, p.DestNode, p.RemoteDir, p.VMID, p.Disk, p.MaxSnapshots)
		result.PruneWarnings = append(result.PruneWarnings, srcPrune.Errors...)
		result.PruneWarnings = append(result.PruneWarnings, dstPrune.Errors...)
	}

	return result
}

// ensureSubvolume converts DiskPath into a subvolume if it is not already
// one: move the original aside, create a subvolume at the original path,
// copy the contents back into it, and remove the moved-aside copy.
// Destructive; only run when p.ConvertIfNeeded is set.
func (pl *Pipeline) ensureSubvolume(ctx context.Context, p Params) (string, string, error) {
	checkRes, err := pl.exec.Execute(ctx, p.SourceNode.Target(),
		fmt.Sprintf("btrfs subvolume show %s >/dev/null 2>&1", shellQuote(p.DiskPath)), 30*time.Second)
	if err != nil {
		return "", "", fmt.Errorf("check subvolume status: %w", err)
	}
	if checkRes.Success {
		return "", "", nil // already a subvolume
	}

	cmd := fmt.Sprintf(
		"mv %s %s.pre-subvol && btrfs subvolume create %s && cp -a %s.pre-subvol/. %s/ && rm -rf %s.pre-subvol",
		shellQuote(p.DiskPath), shellQuote(p.DiskPath), shellQuote(p.DiskPath), shellQuote(p.DiskPath), shellQuote(p.DiskPath), shellQuote(p.DiskPath),
	)
	res, err := pl.exec.Execute(ctx, p.SourceNode.Target(), cmd, 10*time.Minute)
	if err != nil {
		return res.Stdout, res.Stderr, err
	}
	if !res.Success {
		return res.Stdout, res.Stderr, fmt.Errorf("subvolume conversion failed: %s", res.Stderr)
	}
	return res.Stdout, res.Stderr, nil
}

// findParentSnapshot looks for an existing snapshot with a matching
// "<vm_id>_<disk>_" prefix in SnapshotDir, the newest by lexicographic
// (equivalently chronological) order.
func (pl *Pipeline) findParentSnapshot(ctx context.Context, p Params) (string, bool, error) {
	res, err := pl.exec.Execute(ctx, p.SourceNode.Target(), "ls -1 "+shellQuote(p.SnapshotDir)+" 2>/dev/null", 30*time.Second)
	if err != nil {
		return "", false, err
	}
	if !res.Success {
		return "", false, nil
	}

	prefix := fmt.Sprintf("%d_%s_", p.VMID, p.Disk)
	var matches []string
	for _, line := range splitLines(res.Stdout) {
		if strings.HasPrefix(line, prefix) {
			matches = append(matches, line)
		}
	}
	if len(matches) == 0 {
		return "", false, nil
	}

	sort.Sort(sort.Reverse(sort.StringSlice(matches)))
	return matches[0], true, nil
}

func (pl *Pipeline) sendReceive(ctx context.Context, p Params, snapshotName, parent string, incremental bool) (string, string, error) {
	target := p.SnapshotDir + "/" + snapshotName

	var sendCmd string
	if incremental {
		parentPath := p.SnapshotDir + "/" + parent
		sendCmd = fmt.Sprintf("btrfs send -p %s %s", shellQuote(parentPath), shellQuote(target))
	} else {
		sendCmd = fmt.Sprintf("btrfs send %s", shellQuote(target))
	}

	remoteCmd := fmt.Sprintf("mkdir -p %s && btrfs receive %s", shellQuote(p.RemoteDir), shellQuote(p.RemoteDir))
	full := fmt.Sprintf("%s | ssh -o StrictHostKeyChecking=no -o UserKnownHostsFile=/dev/null %s@%s %s",
		sendCmd, p.DestNode.SSHUser, p.DestNode.Hostname, shellQuote(remoteCmd))

	res, err := pl.exec.Execute(ctx, p.SourceNode.Target(), full, sendTimeout)
	if err != nil {
		return res.Stdout, res.Stderr, err
	}
	if !res.Success {
		return res.Stdout, res.Stderr, fmt.Errorf("btrfs send/receive failed: %s", res.Stderr)
	}
	return res.Stdout, res.Stderr, nil
}

func splitLines(s string) []string {
	s = strings.TrimRight(s, "\n")
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
