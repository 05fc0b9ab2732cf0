// Package zfssync implements the ZFS Sync Pipeline: incremental
// replication of a ZFS dataset from a source node to a destination node via
// syncoid, executed on the source host (which owns the data and therefore
// the SSH key that can reach the destination).
package zfssync

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/grandir66/dapx-backandrepl/internal/ifaces"
	"github.com/grandir66/dapx-backandrepl/internal/node"
	"github.com/grandir66/dapx-backandrepl/internal/pipeline"
	"github.com/grandir66/dapx-backandrepl/internal/sshexec"
)

const syncTimeout = 6 * time.Hour

// VMRegistration describes the optional guest-config rewrite side effect:
// only attempted when the job requests it and the source has a config for
// VMID.
type VMRegistration struct {
	VMID          int
	GuestType     string // "qemu" or "lxc"
	DestVMID      int    // 0 means "same as VMID"
	SourceStorage string
	DestStorage   string
	GroupKey      string // carried for disk-group jobs; registerVM does not read it, so each job in a group rewrites the destination config
}

// errNoSourceConfig marks a source guest without a config file, which skips
// the registration side effect instead of failing the run.
var errNoSourceConfig = errors.New("source guest config not found")

// Params parameterizes one sync run.
type Params struct {
	SourceNode    *node.Node
	DestNode      *node.Node
	SourceDataset string
	DestDataset   string
	Recursive     bool
	Compress      string
	MbufferSize   string
	ExtraArgs     string
	Registration  *VMRegistration
}

// Result summarizes a completed run.
type Result struct {
	Success     bool
	Transferred string // textual, e.g. "1.2G"; empty if not found in output
	Phases      []pipeline.PhaseResult
	Registered  bool
}

// Pipeline runs ZFS sync jobs.
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

// Run executes the sync (and, if requested, the VM-registration side
// effect) described by p.
func (pl *Pipeline) Run(ctx context.Context, p Params) Result {
	var lastOut sshexec.Result
	var registrationSkipped bool

	phases := []pipeline.Phase{
		{
			Name: "replicate",
			Run: func() (string, string, error) {
				res, err := pl.exec.Execute(ctx, p.SourceNode.Target(), syncoidCommand(p), syncTimeout)
				lastOut = res
				if err != nil {
					return res.Stdout, res.Stderr, err
				}
				if !res.Success {
					return res.Stdout, res.Stderr, fmt.Errorf("syncoid exited %d: %s", res.ExitCode, lastLine(res.Stderr))
				}
				return res.Stdout, res.Stderr, nil
			},
		},
	}

	if p.Registration != nil {
		phases = append(phases, pipeline.Phase{
			Name: "register_vm",
			Run: func() (string, string, error) {
				stdout, stderr, err := pl.registerVM(ctx, p)
				if errors.Is(err, errNoSourceConfig) {
					pl.logger.Info("zfssync: %v, skipping VM registration", err)
					registrationSkipped = true
					return stdout, stderr, nil
				}
				return stdout, stderr, err
			},
		})
	}

	results := pipeline.RunPhases(phases)

	result := Result{Phases: results}
	result.Success = len(results) > 0 && results[len(results)-1].Err == nil
	result.Transferred = parseTransferred(lastOut.Combined)
	for _, r := range results {
		if r.Name == "register_vm" && r.Err == nil && !registrationSkipped {
			result.Registered = true
		}
	}
	return result
}

func syncoidCommand(p Params) string {
	var b strings.Builder
	b.WriteString("syncoid ")
	if p.Recursive {
		b.WriteString("--recursive ")
	}
	if p.Compress != "" {
		fmt.Fprintf(&b, "--compress=%s ", p.Compress)
	}
	if p.MbufferSize != "" {
		fmt.Fprintf(&b, "--mbuffer-size=%s ", p.MbufferSize)
	}
	if p.ExtraArgs != "" {
		b.WriteString(p.ExtraArgs)
		b.WriteString(" ")
	}
	fmt.Fprintf(&b, "%s %s@%s:%s",
		shellQuote(p.SourceDataset), p.DestNode.SSHUser, p.DestNode.Hostname, shellQuote(p.DestDataset))
	return b.String()
}

var transferredPattern = regexp.MustCompile(`transferred\s+([0-9.]+[KMGTkmgt]?i?B?)`)

// parseTransferred extracts the "transferred <N><unit>" pattern from
// syncoid's merged stdout+stderr. Absence is tolerated.
func parseTransferred(combined string) string {
	m := transferredPattern.FindStringSubmatch(combined)
	if m == nil {
		return ""
	}
	return m[1]
}

// registerVM implements the VM-registration side effect: read the source
// guest configuration, rewrite storage-volume lines from
// "source_storage:..." to "dest_storage:...", and write the result into
// /etc/pve/ on the destination.
func (pl *Pipeline) registerVM(ctx context.Context, p Params) (string, string, error) {
	reg := p.Registration
	confPath := guestConfigPath(reg.GuestType, reg.VMID)

	readRes, err := pl.exec.Execute(ctx, p.SourceNode.Target(), "cat "+shellQuote(confPath), 30*time.Second)
	if err != nil {
		return "", "", fmt.Errorf("read source guest config: %w", err)
	}
	if !readRes.Success {
		return readRes.Stdout, readRes.Stderr, fmt.Errorf("%w at %s", errNoSourceConfig, confPath)
	}

	destVMID := reg.DestVMID
	if destVMID == 0 {
		destVMID = reg.VMID
	}

	rewritten := rewriteGuestConfig(readRes.Stdout, reg.SourceStorage, reg.DestStorage, reg.VMID, destVMID)
	destConfPath := guestConfigPath(reg.GuestType, destVMID)

	writeCmd := fmt.Sprintf("cat > %s <<'DAPX_EOF'\n%s\nDAPX_EOF", shellQuote(destConfPath), rewritten)
	writeRes, err := pl.exec.Execute(ctx, p.DestNode.Target(), writeCmd, 30*time.Second)
	if err != nil {
		return "", "", fmt.Errorf("write destination guest config: %w", err)
	}
	if !writeRes.Success {
		return writeRes.Stdout, writeRes.Stderr, fmt.Errorf("write destination guest config failed: %s", writeRes.Stderr)
	}
	return writeRes.Stdout, writeRes.Stderr, nil
}

func guestConfigPath(guestType string, vmid int) string {
	if guestType == "lxc" {
		return fmt.Sprintf("/etc/pve/lxc/%d.conf", vmid)
	}
	return fmt.Sprintf("/etc/pve/qemu-server/%d.conf", vmid)
}

var diskLinePattern = regexp.MustCompile(`^(scsi\d+|sata\d+|virtio\d+|ide\d+|rootfs):\s*([^:,]+):(.+)$`)

// rewriteGuestConfig rewrites disk-volume lines "<slot>: <storage>:<volume>"
// from sourceStorage to destStorage, and if the VMID changed, updates any
// "vm-<old>-disk-" volume identifiers to "vm-<new>-disk-".
func rewriteGuestConfig(config, sourceStorage, destStorage string, sourceVMID, destVMID int) string {
	lines := strings.Split(config, "\n")
	oldPrefix := fmt.Sprintf("vm-%d-disk-", sourceVMID)
	newPrefix := fmt.Sprintf("vm-%d-disk-", destVMID)

	for i, line := range lines {
		m := diskLinePattern.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		slot, storage, rest := m[1], m[2], m[3]
		if storage != sourceStorage {
			continue
		}
		rest = strings.Replace(rest, oldPrefix, newPrefix, 1)
		lines[i] = fmt.Sprintf("%s: %s:%s", slot, destStorage, rest)
	}
	return strings.Join(lines, "\n")
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
