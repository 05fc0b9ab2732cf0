// Package migration implements the Migration Pipeline: a
// `move` sub-mode that delegates to the cluster-aware qm/pct migrate
// command, and a `copy` sub-mode built from vzdump + transfer + restore for
// nodes that do not share cluster membership.
package migration

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/grandir66/dapx-backandrepl/internal/ifaces"
	"github.com/grandir66/dapx-backandrepl/internal/node"
	"github.com/grandir66/dapx-backandrepl/internal/perr"
	"github.com/grandir66/dapx-backandrepl/internal/pipeline"
	"github.com/grandir66/dapx-backandrepl/internal/sshexec"
)

const (
	moveTimeout    = 2 * time.Hour
	vzdumpTimeout  = 2 * time.Hour
	transferTimeout = 2 * time.Hour
	restoreTimeout = 2 * time.Hour
	probeTimeout   = 30 * time.Second
)

// stagingCandidates is the ordered list of directories tried for staging
// the vzdump archive.
var stagingCandidates = []string{"/var/lib/vz/dump", "/var/tmp", "/tmp"}

// MoveParams configures the `move` sub-mode.
type MoveParams struct {
	SourceNode    *node.Node
	DestNode      *node.Node
	VMID          int
	GuestType     string // qemu | lxc
	NewVMID       int    // 0 means unchanged
	TargetStorage string // optional --storage override
}

// CopyParams configures the `copy` sub-mode.
type CopyParams struct {
	SourceNode       *node.Node
	DestNode         *node.Node
	SourceVMID       int
	TargetVMID       int
	GuestType        string // qemu | lxc
	SnapshotFirst    bool
	Compress         string // default "zstd"
	ForceOverwrite   bool   // automatic for scheduled runs
	DestStorage      string // explicit override; empty triggers auto-selection
	KeepSnapshots    int
	StartAfter       bool
	HW               HWConfig
	DiskSizesBytes   []int64 // disk sizes summed for the staging estimate
}

// Result summarizes a completed run. A non-nil Confirmation means the run
// stopped at the destination-VMID-exists branch awaiting ForceOverwrite or
// a different TargetVMID; it is not a failure.
type Result struct {
	Phases       []pipeline.PhaseResult
	Success      bool
	Confirmation *perr.Confirmation
	ArchivePath  string
}

// Pipeline runs migration jobs.
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

// RunMove delegates to qm/pct migrate's `move` sub-mode.
func (pl *Pipeline) RunMove(ctx context.Context, p MoveParams) Result {
	phases := []pipeline.Phase{
		{
			Name: "migrate",
			Run: func() (string, string, error) {
				cmd := moveCommand(p)
				res, err := pl.exec.Execute(ctx, p.SourceNode.Target(), cmd, moveTimeout)
				if err != nil {
					return res.Stdout, res.Stderr, err
				}
				if !res.Success {
					return res.Stdout, res.Stderr, fmt.Errorf("migrate exited %d: %s", res.ExitCode, lastLine(res.Stderr))
				}
				return res.Stdout, res.Stderr, nil
			},
		},
	}

	results := pipeline.RunPhases(phases)
	return Result{Phases: results, Success: len(results) > 0 && results[len(results)-1].Err == nil}
}

func moveCommand(p MoveParams) string {
	bin := guestBin(p.GuestType)
	cmd := fmt.Sprintf("%s migrate %d %s@%s", bin, p.VMID, p.DestNode.SSHUser, p.DestNode.Hostname)
	if p.DestNode.SSHPort != 0 && p.DestNode.SSHPort != 22 {
		cmd += fmt.Sprintf(":%d", p.DestNode.SSHPort)
	}
	if p.NewVMID != 0 {
		cmd += fmt.Sprintf(" --newid %d", p.NewVMID)
	}
	if p.TargetStorage != "" {
		cmd += " --storage " + shellQuote(p.TargetStorage)
	}
	return cmd
}

// RunCopy executes the vzdump+transfer+restore `copy` sequence.
func (pl *Pipeline) RunCopy(ctx context.Context, p CopyParams) Result {
	var (
		stagingDir   string
		archivePath  string
		destStaging  = "/var/lib/vz/dump"
		resolvedDest string
	)

	phases := []pipeline.Phase{
		{
			Name: "snapshot",
			Run: func() (string, string, error) {
				if !p.SnapshotFirst {
					return "", "", nil
				}
				return pl.preMigrationSnapshot(ctx, p)
			},
		},
		{
			Name: "select_staging",
			Run: func() (string, string, error) {
				dir, out, err := pl.selectStagingDir(ctx, p.SourceNode, sumBytes(p.DiskSizesBytes))
				stagingDir = dir
				return out, "", err
			},
		},
		{
			Name: "vzdump",
			Run: func() (string, string, error) {
				path, stdout, stderr, err := pl.runVzdumpWithFallback(ctx, p, stagingDir)
				archivePath = path
				return stdout, stderr, err
			},
		},
		{
			Name: "locate_archive",
			Run: func() (string, string, error) {
				if archivePath != "" {
					return archivePath, "", nil
				}
				path, out, err := pl.locateArchive(ctx, p.SourceNode, stagingDir, p.GuestType, p.SourceVMID)
				archivePath = path
				return out, "", err
			},
		},
		{
			Name: "transfer",
			Run: func() (string, string, error) {
				return pl.transferArchive(ctx, p, archivePath, destStaging)
			},
		},
	}

	results := pipeline.RunPhases(phases)
	if len(results) > 0 && results[len(results)-1].Err != nil {
		pl.cleanup(ctx, p, archivePath, destStaging)
		return Result{Phases: results, Success: false, ArchivePath: archivePath}
	}

	conf, out, err := pl.checkTargetVMID(ctx, p)
	if err != nil {
		results = append(results, pipeline.PhaseResult{Name: "check_target_vmid", Err: err, Stdout: out})
		pl.cleanup(ctx, p, archivePath, destStaging)
		return Result{Phases: results, Success: false, ArchivePath: archivePath}
	}
	if conf != nil {
		results = append(results, pipeline.PhaseResult{Name: "check_target_vmid", Stdout: out})
		pl.cleanup(ctx, p, archivePath, destStaging)
		return Result{Phases: results, Success: false, Confirmation: conf, ArchivePath: archivePath}
	}
	results = append(results, pipeline.PhaseResult{Name: "check_target_vmid", Stdout: out})

	remainder := []pipeline.Phase{
		{
			Name: "select_dest_storage",
			Run: func() (string, string, error) {
				storage, out, err := pl.selectDestStorage(ctx, p)
				resolvedDest = storage
				return out, "", err
			},
		},
		{
			Name: "restore",
			Run: func() (string, string, error) {
				destArchive := destStaging + "/" + basename(archivePath)
				cmd := restoreCommand(p, destArchive, resolvedDest)
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
			Name: "hw_remap",
			Run: func() (string, string, error) {
				if isZeroHW(p.HW) {
					return "", "", nil
				}
				return applyHWRemap(ctx, pl.exec, p.DestNode, p.TargetVMID, p.GuestType, p.HW)
			},
		},
	}

	if p.StartAfter {
		remainder = append(remainder, pipeline.Phase{
			Name: "start_guest",
			Run: func() (string, string, error) {
				cmd := fmt.Sprintf("%s start %d", guestBin(p.GuestType), p.TargetVMID)
				res, err := pl.exec.Execute(ctx, p.DestNode.Target(), cmd, probeTimeout)
				return res.Stdout, res.Stderr, err
			},
		})
	}

	remainderResults := pipeline.RunPhases(remainder)
	results = append(results, remainderResults...)

	pl.cleanup(ctx, p, archivePath, destStaging)

	if p.KeepSnapshots > 0 {
		if _, _, err := pl.pruneMigrationSnapshots(ctx, p.SourceNode, p.GuestType, p.SourceVMID, p.KeepSnapshots); err != nil {
			results = append(results, pipeline.PhaseResult{Name: "prune_snapshots", Err: err})
		}
	}

	success := true
	for _, r := range results {
		if r.Err != nil {
			success = false
		}
	}

	return Result{Phases: results, Success: success, ArchivePath: archivePath}
}

func (pl *Pipeline) preMigrationSnapshot(ctx context.Context, p CopyParams) (string, string, error) {
	name := fmt.Sprintf("migration-%d", unixNow())
	cmd := fmt.Sprintf("%s snapshot %d %s", guestBin(p.GuestType), p.SourceVMID, name)
	res, err := pl.exec.Execute(ctx, p.SourceNode.Target(), cmd, probeTimeout)
	if err != nil {
		return res.Stdout, res.Stderr, err
	}
	if !res.Success {
		return res.Stdout, res.Stderr, fmt.Errorf("pre-migration snapshot failed: %s", res.Stderr)
	}
	return res.Stdout, res.Stderr, nil
}

// selectStagingDir picks the first candidate directory whose free space is
// at least 1.5x estimateBytes.
func (pl *Pipeline) selectStagingDir(ctx context.Context, n *node.Node, estimateBytes int64) (string, string, error) {
	required := int64(float64(estimateBytes) * 1.5)
	var logs []string

	for _, dir := range stagingCandidates {
		cmd := fmt.Sprintf("mkdir -p %s && df -B1 --output=avail %s | tail -1", shellQuote(dir), shellQuote(dir))
		res, err := pl.exec.Execute(ctx, n.Target(), cmd, probeTimeout)
		if err != nil {
			return "", strings.Join(logs, "\n"), err
		}
		if !res.Success {
			logs = append(logs, dir+": unavailable")
			continue
		}
		avail, convErr := strconv.ParseInt(strings.TrimSpace(res.Stdout), 10, 64)
		if convErr != nil {
			logs = append(logs, dir+": could not parse free space")
			continue
		}
		if avail >= required {
			return dir, strings.Join(logs, "\n"), nil
		}
		logs = append(logs, fmt.Sprintf("%s: %d available, %d required", dir, avail, required))
	}

	return "", strings.Join(logs, "\n"), fmt.Errorf("insufficient space: no staging directory has %d bytes free", required)
}

// runVzdumpWithFallback attempts vzdump in the snapshot -> suspend -> stop
// order, advancing only on recoverable errors.
func (pl *Pipeline) runVzdumpWithFallback(ctx context.Context, p CopyParams, stagingDir string) (archivePath, stdout, stderr string, err error) {
	compress := p.Compress
	if compress == "" {
		compress = "zstd"
	}

	mode := "snapshot"
	for {
		cmd := fmt.Sprintf("vzdump %d --compress %s --dumpdir %s --mode %s --remove 0",
			p.SourceVMID, compress, shellQuote(stagingDir), mode)
		res, execErr := pl.exec.Execute(ctx, p.SourceNode.Target(), cmd, vzdumpTimeout)
		if execErr != nil {
			return "", res.Stdout, res.Stderr, execErr
		}
		if res.Success {
			path, locateOut, locateErr := pl.locateArchive(ctx, p.SourceNode, stagingDir, p.GuestType, p.SourceVMID)
			if locateErr != nil {
				return "", res.Stdout + "\n" + locateOut, res.Stderr, locateErr
			}
			return path, res.Stdout, res.Stderr, nil
		}

		if IsRecoverableModeError(res.Stderr) || IsRecoverableModeError(res.Stdout) {
			next := nextMode(mode)
			if next == "" {
				return "", res.Stdout, res.Stderr, fmt.Errorf("vzdump failed in every mode: %s", lastLine(res.Stderr))
			}
			mode = next
			continue
		}

		return "", res.Stdout, res.Stderr, fmt.Errorf("vzdump exited %d: %s", res.ExitCode, lastLine(res.Stderr))
	}
}

func (pl *Pipeline) locateArchive(ctx context.Context, n *node.Node, dir, guestType string, vmid int) (string, string, error) {
	pattern := fmt.Sprintf("%s/vzdump-%s-%d-*.vma.zst %s/vzdump-%s-%d-*.tar.zst", dir, guestType, vmid, dir, guestType, vmid)
	cmd := fmt.Sprintf("ls -1t %s 2>/dev/null | head -1", pattern)
	res, err := pl.exec.Execute(ctx, n.Target(), cmd, probeTimeout)
	if err != nil {
		return "", res.Stdout, err
	}
	path := strings.TrimSpace(res.Stdout)
	if path == "" {
		return "", res.Stdout, fmt.Errorf("no vzdump archive found in %s for vmid %d", dir, vmid)
	}
	return path, res.Stdout, nil
}

// transferArchive tries rsync first, falling back to scp on failure.
func (pl *Pipeline) transferArchive(ctx context.Context, p CopyParams, archivePath, destDir string) (string, string, error) {
	destNode := p.DestNode
	port := destNode.SSHPort
	if port == 0 {
		port = 22
	}

	mkdirCmd := fmt.Sprintf("mkdir -p %s", shellQuote(destDir))
	if _, err := pl.exec.Execute(ctx, destNode.Target(), mkdirCmd, probeTimeout); err != nil {
		return "", "", err
	}

	rsyncCmd := fmt.Sprintf("rsync --info=progress2 -e 'ssh -p %d -o StrictHostKeyChecking=no' %s %s@%s:%s/",
		port, shellQuote(archivePath), destNode.SSHUser, destNode.Hostname, destDir)
	res, err := pl.exec.Execute(ctx, p.SourceNode.Target(), rsyncCmd, transferTimeout)
	if err == nil && res.Success {
		return res.Stdout, res.Stderr, nil
	}

	scpCmd := fmt.Sprintf("scp -P %d -o StrictHostKeyChecking=no %s %s@%s:%s/",
		port, shellQuote(archivePath), destNode.SSHUser, destNode.Hostname, destDir)
	scpRes, scpErr := pl.exec.Execute(ctx, p.SourceNode.Target(), scpCmd, transferTimeout)
	if scpErr != nil {
		return scpRes.Stdout, scpRes.Stderr, scpErr
	}
	if !scpRes.Success {
		return scpRes.Stdout, scpRes.Stderr, fmt.Errorf("transfer failed via rsync and scp: %s", lastLine(scpRes.Stderr))
	}
	return scpRes.Stdout, scpRes.Stderr, nil
}

// checkTargetVMID returns a Confirmation (not an error) when the VMID is
// occupied and ForceOverwrite was not requested.
func (pl *Pipeline) checkTargetVMID(ctx context.Context, p CopyParams) (*perr.Confirmation, string, error) {
	bin := guestBin(p.GuestType)
	cmd := fmt.Sprintf("%s status %d 2>/dev/null", bin, p.TargetVMID)
	res, err := pl.exec.Execute(ctx, p.DestNode.Target(), cmd, probeTimeout)
	if err != nil {
		return nil, "", err
	}
	if !res.Success || strings.TrimSpace(res.Stdout) == "" {
		return nil, res.Stdout, nil
	}

	powerState := parseStatusWord(res.Stdout)
	if !p.ForceOverwrite {
		return &perr.Confirmation{
			Reason:       fmt.Sprintf("target vmid %d already exists on %s", p.TargetVMID, p.DestNode.Name),
			ExistingVMID: p.TargetVMID,
			PowerState:   powerState,
		}, res.Stdout, nil
	}

	purgeCmd := fmt.Sprintf("%s stop %d; sleep 3; %s destroy %d --purge --skiplock", bin, p.TargetVMID, bin, p.TargetVMID)
	purgeRes, purgeErr := pl.exec.Execute(ctx, p.DestNode.Target(), purgeCmd, probeTimeout)
	if purgeErr != nil {
		return nil, purgeRes.Stdout, purgeErr
	}
	return nil, purgeRes.Stdout, nil
}

// selectDestStorage resolves the destination storage target for the restore.
func (pl *Pipeline) selectDestStorage(ctx context.Context, p CopyParams) (string, string, error) {
	if p.DestStorage != "" {
		return p.DestStorage, "", nil
	}

	imagesRes, err := pl.exec.Execute(ctx, p.DestNode.Target(), "pvesm status --content images 2>/dev/null", probeTimeout)
	if err == nil && imagesRes.Success {
		if name := firstStorageName(imagesRes.Stdout); name != "" {
			return name, imagesRes.Stdout, nil
		}
	}

	allRes, err := pl.exec.Execute(ctx, p.DestNode.Target(), "pvesm status", probeTimeout)
	if err != nil {
		return "", "", err
	}
	names := storageNameSet(allRes.Stdout)
	for _, candidate := range []string{"local-lvm", "local-zfs", "zfs", "lvm"} {
		if names[candidate] {
			return candidate, allRes.Stdout, nil
		}
	}

	return "", allRes.Stdout, fmt.Errorf("no suitable destination storage found")
}

func firstStorageName(out string) string {
	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	for i, line := range lines {
		if i == 0 {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) > 0 {
			return fields[0]
		}
	}
	return ""
}

func storageNameSet(out string) map[string]bool {
	set := map[string]bool{}
	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	for i, line := range lines {
		if i == 0 {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) > 0 {
			set[fields[0]] = true
		}
	}
	return set
}

func restoreCommand(p CopyParams, archivePath, storage string) string {
	if p.GuestType == "lxc" {
		return fmt.Sprintf("pct restore %d %s --storage %s", p.TargetVMID, shellQuote(archivePath), shellQuote(storage))
	}
	return fmt.Sprintf("qmrestore %s %d --storage %s", shellQuote(archivePath), p.TargetVMID, shellQuote(storage))
}

// cleanup removes the staging archive on both sides regardless of outcome.
func (pl *Pipeline) cleanup(ctx context.Context, p CopyParams, archivePath, destDir string) {
	if archivePath == "" {
		return
	}
	_, _ = pl.exec.Execute(ctx, p.SourceNode.Target(), "rm -f "+shellQuote(archivePath), probeTimeout)
	destArchive := destDir + "/" + basename(archivePath)
	_, _ = pl.exec.Execute(ctx, p.DestNode.Target(), "rm -f "+shellQuote(destArchive), probeTimeout)
}

var migrationSnapPattern = regexp.MustCompile(`^migration-(\d+)$`)

// pruneMigrationSnapshots lists snapshots, drops "current", filters to
// migration-* names, orders by numeric suffix descending, and deletes all
// beyond keep.
func (pl *Pipeline) pruneMigrationSnapshots(ctx context.Context, n *node.Node, guestType string, vmid, keep int) (string, string, error) {
	bin := guestBin(guestType)
	res, err := pl.exec.Execute(ctx, n.Target(), fmt.Sprintf("%s listsnapshot %d", bin, vmid), probeTimeout)
	if err != nil {
		return res.Stdout, res.Stderr, err
	}
	if !res.Success {
		return res.Stdout, res.Stderr, nil
	}

	type snap struct {
		name string
		ts   int64
	}
	var snaps []snap
	for _, line := range strings.Split(res.Stdout, "\n") {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		name := strings.TrimPrefix(fields[0], "`->")
		name = strings.TrimSpace(name)
		if name == "current" {
			continue
		}
		m := migrationSnapPattern.FindStringSubmatch(name)
		if m == nil {
			continue
		}
		ts, _ := strconv.ParseInt(m[1], 10, 64)
		snaps = append(snaps, snap{name: name, ts: ts})
	}

	sort.Slice(snaps, func(i, j int) bool { return snaps[i].ts > snaps[j].ts })

	if len(snaps) <= keep {
		return res.Stdout, "", nil
	}

	var errs []string
	for _, s := range snaps[keep:] {
		delRes, delErr := pl.exec.Execute(ctx, n.Target(), fmt.Sprintf("%s delsnapshot %d %s", bin, vmid, s.name), probeTimeout)
		if delErr != nil {
			errs = append(errs, delErr.Error())
			continue
		}
		if !delRes.Success {
			errs = append(errs, fmt.Sprintf("delete %s: %s", s.name, delRes.Stderr))
		}
	}
	if len(errs) > 0 {
		return res.Stdout, "", fmt.Errorf("prune migration snapshots: %s", strings.Join(errs, "; "))
	}
	return res.Stdout, "", nil
}

func isZeroHW(hw HWConfig) bool {
	return hw.MemoryMB == 0 && hw.Cores == 0 && hw.Sockets == 0 && hw.CPU == "" &&
		len(hw.Network) == 0 && len(hw.Storage) == 0
}

func sumBytes(sizes []int64) int64 {
	var total int64
	for _, s := range sizes {
		total += s
	}
	return total
}

func basename(path string) string {
	if idx := strings.LastIndex(path, "/"); idx >= 0 {
		return path[idx+1:]
	}
	return path
}

func guestBin(guestType string) string {
	if guestType == "lxc" {
		return "pct"
	}
	return "qm"
}

func parseStatusWord(out string) string {
	fields := strings.Fields(out)
	if len(fields) >= 2 {
		return fields[1]
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

func unixNow() int64 {
	return time.Now().Unix()
}
