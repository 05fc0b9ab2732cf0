// Package retention implements the three "keep N newest" pruning flavours:
// ZFS syncoid/autosnap snapshots, BTRFS timestamped snapshots, and
// host-config archives. Every prune failure is non-fatal and only logged --
// a prune run never fails the pipeline that triggered it.
package retention

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/grandir66/dapx-backandrepl/internal/ifaces"
	"github.com/grandir66/dapx-backandrepl/internal/node"
	"github.com/grandir66/dapx-backandrepl/internal/sshexec"
)

const retentionTimeout = 60 * time.Second

// Pruner runs the three retention flavours against a Node.
type Pruner struct {
	exec   *sshexec.Executor
	logger ifaces.Logger
}

// NewPruner constructs a Pruner. A nil logger installs a no-op logger.
func NewPruner(exec *sshexec.Executor, logger ifaces.Logger) *Pruner {
	if logger == nil {
		logger = ifaces.NoOpLogger{}
	}
	return &Pruner{exec: exec, logger: logger}
}

// Result summarizes one prune invocation.
type Result struct {
	Kept    []string
	Deleted []string
	Errors  []error
}

// PruneZFSSnapshots keeps the newest keepN snapshots per (dataset, prefix)
// group on n and destroys the rest. prefix narrows the group to one
// replication stream, e.g. "syncoid" or "autosnap".
func (p *Pruner) PruneZFSSnapshots(ctx context.Context, n *node.Node, dataset, prefix string, keepN int) Result {
	var result Result
	if keepN <= 0 {
		return result
	}

	res, err := p.exec.Execute(ctx, n.Target(),
		fmt.Sprintf("zfs list -t snapshot -H -o name,creation -r %s", shellQuote(dataset)),
		retentionTimeout)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Errorf("list zfs snapshots: %w", err))
		p.logger.Error("retention: zfs list failed on %s: %v", n.Name, err)
		return result
	}
	if !res.Success {
		return result
	}

	groups := map[string][]snapEntry{}
	for _, line := range splitLines(res.Stdout) {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		dsSnap := fields[0]
		dsName, snapName, ok := strings.Cut(dsSnap, "@")
		if !ok || !strings.HasPrefix(snapName, prefix) {
			continue
		}
		created, _ := parseZFSCreation(strings.Join(fields[1:], " "))
		groups[dsName] = append(groups[dsName], snapEntry{name: snapName, dataset: dsName, created: created})
	}

	for dsName, entries := range groups {
		sort.Slice(entries, func(i, j int) bool { return entries[i].created.After(entries[j].created) })
		for i, e := range entries {
			full := dsName + "@" + e.name
			if i < keepN {
				result.Kept = append(result.Kept, full)
				continue
			}
			destroyRes, err := p.exec.Execute(ctx, n.Target(), "zfs destroy "+shellQuote(full), retentionTimeout)
			if err != nil || !destroyRes.Success {
				result.Errors = append(result.Errors, fmt.Errorf("destroy %s: %v (%s)", full, err, destroyRes.Stderr))
				p.logger.Error("retention: failed to destroy snapshot %s on %s", full, n.Name)
				continue
			}
			result.Deleted = append(result.Deleted, full)
		}
	}

	return result
}

type snapEntry struct {
	name    string
	dataset string
	created time.Time
}

func parseZFSCreation(raw string) (time.Time, error) {
	layouts := []string{"Mon Jan 2 15:04 2006", "Mon Jan  2 15:04 2006"}
	for _, l := range layouts {
		if t, err := time.Parse(l, raw); err == nil {
			return t, nil
		}
	}
	return time.Time{}, nil
}

// PruneBTRFSSnapshots keeps the newest keepN timestamped snapshot
// subdirectories matching "<vm_id>_<disk>_*" under dir, on both source and
// destination nodes (callers invoke this once per node).
func (p *Pruner) PruneBTRFSSnapshots(ctx context.Context, n *node.Node, dir string, vmID int, disk string, keepN int) Result {
	var result Result
	if keepN <= 0 {
		return result
	}

	res, err := p.exec.Execute(ctx, n.Target(), "ls -1 "+shellQuote(dir), retentionTimeout)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Errorf("list btrfs snapshot dir: %w", err))
		p.logger.Error("retention: listing %s on %s failed: %v", dir, n.Name, err)
		return result
	}
	if !res.Success {
		return result
	}

	prefix := fmt.Sprintf("%d_%s_", vmID, disk)
	var matches []string
	for _, line := range splitLines(res.Stdout) {
		if strings.HasPrefix(line, prefix) {
			matches = append(matches, line)
		}
	}

	sort.Sort(sort.Reverse(sort.StringSlice(matches)))

	for i, name := range matches {
		full := dir + "/" + name
		if i < keepN {
			result.Kept = append(result.Kept, full)
			continue
		}
		delRes, err := p.exec.Execute(ctx, n.Target(), "btrfs subvolume delete "+shellQuote(full), retentionTimeout)
		if err != nil || !delRes.Success {
			result.Errors = append(result.Errors, fmt.Errorf("delete subvolume %s: %v (%s)", full, err, delRes.Stderr))
			p.logger.Error("retention: failed to delete subvolume %s on %s", full, n.Name)
			continue
		}
		result.Deleted = append(result.Deleted, full)
	}

	return result
}

// PruneHostConfigArchives keeps the newest keepN files matching
// "proxmox-<pve|pbs>-config-*.tar*" in dir, sorted by mtime descending.
func (p *Pruner) PruneHostConfigArchives(ctx context.Context, n *node.Node, dir, kind string, keepN int) Result {
	var result Result
	if keepN <= 0 {
		return result
	}

	pattern := fmt.Sprintf("proxmox-%s-config-*.tar*", kind)
	cmd := fmt.Sprintf("cd %s && ls -1t %s 2>/dev/null", shellQuote(dir), pattern)
	res, err := p.exec.Execute(ctx, n.Target(), cmd, retentionTimeout)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Errorf("list host config archives: %w", err))
		p.logger.Error("retention: listing %s on %s failed: %v", dir, n.Name, err)
		return result
	}
	if !res.Success {
		return result
	}

	files := splitLines(res.Stdout)
	for i, name := range files {
		full := dir + "/" + name
		if i < keepN {
			result.Kept = append(result.Kept, full)
			continue
		}
		rmRes, err := p.exec.Execute(ctx, n.Target(), "rm -f "+shellQuote(full), retentionTimeout)
		if err != nil || !rmRes.Success {
			result.Errors = append(result.Errors, fmt.Errorf("remove %s: %v (%s)", full, err, rmRes.Stderr))
			p.logger.Error("retention: failed to remove archive %s on %s", full, n.Name)
			continue
		}
		result.Deleted = append(result.Deleted, full)
	}

	return result
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
