package node

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/grandir66/dapx-backandrepl/internal/ifaces"
	"github.com/grandir66/dapx-backandrepl/internal/sshexec"
)

const probeTimeout = 30 * time.Second

// marker lines let one round-trip SSH script report presence of several
// independent tools without one SSH connection per probe -- the same
// single-remote-shell-pipeline-per-node discipline used for inventory scans.
const (
	markerPVE       = "__PVE__"
	markerPBSServer = "__PBS_SERVER__"
	markerPBSClient = "__PBS_CLIENT__"
	markerSanoid    = "__SANOID__"
	markerBTRFS     = "__BTRFS__"
)

// Prober runs the capability-detection script against a Node.
type Prober struct {
	exec   *sshexec.Executor
	logger ifaces.Logger
}

// NewProber constructs a Prober. A nil logger installs a no-op logger.
func NewProber(exec *sshexec.Executor, logger ifaces.Logger) *Prober {
	if logger == nil {
		logger = ifaces.NoOpLogger{}
	}
	return &Prober{exec: exec, logger: logger}
}

// Probe performs an SSH connectivity test then the capability script,
// updating n's Kind/capability flags/LastCheck in place. Probing never
// fails the caller's operation: a connection failure only sets
// n.Online = false and leaves prior capability flags untouched.
func (p *Prober) Probe(ctx context.Context, n *Node) {
	script := strings.Join([]string{
		"pveversion >/dev/null 2>&1 && echo " + markerPVE,
		"proxmox-backup-manager version >/dev/null 2>&1 && echo " + markerPBSServer,
		"proxmox-backup-client version >/dev/null 2>&1 && echo " + markerPBSClient,
		"sanoid --version >/dev/null 2>&1 && echo " + markerSanoid,
		"btrfs --version >/dev/null 2>&1 && echo " + markerBTRFS,
		"true",
	}, "; ")

	res, err := p.exec.Execute(ctx, n.Target(), script, probeTimeout)
	n.LastCheck = time.Now()

	if err != nil {
		p.logger.Debug("probe: node %s unreachable: %v", n.Name, err)
		n.Online = false
		return
	}
	// ssh exits 255 when it cannot connect or authenticate; the script
	// above ends in `true`, so a reachable node never reports 255.
	if res.ExitCode == 255 {
		p.logger.Debug("probe: node %s unreachable: %s", n.Name, strings.TrimSpace(res.Stderr))
		n.Online = false
		return
	}

	n.Online = true

	if strings.Contains(res.Stdout, markerPVE) {
		n.Kind = KindPVE
	} else if strings.Contains(res.Stdout, markerPBSServer) {
		n.Kind = KindPBS
	}

	n.PBSServerPresent = strings.Contains(res.Stdout, markerPBSServer)
	n.PBSClientPresent = strings.Contains(res.Stdout, markerPBSClient)
	n.SanoidPresent = strings.Contains(res.Stdout, markerSanoid)
	n.BTRFSPresent = strings.Contains(res.Stdout, markerBTRFS)

	if n.BTRFSPresent && n.BTRFSMount != "" {
		n.BTRFSPresent = p.verifyBTRFSMount(ctx, n)
	}
}

// verifyBTRFSMount runs `df -T <mount>` and checks for a "btrfs" filesystem
// column.
func (p *Prober) verifyBTRFSMount(ctx context.Context, n *Node) bool {
	res, err := p.exec.Execute(ctx, n.Target(), "df -T "+shellQuote(n.BTRFSMount), probeTimeout)
	if err != nil || !res.Success {
		return false
	}
	return strings.Contains(strings.ToLower(res.Stdout), "btrfs")
}

// GetHostMetrics gathers best-effort host facts (supplemented module, see
// SPEC_FULL.md). Every inner failure collapses to a zero field instead of
// propagating.
func (p *Prober) GetHostMetrics(ctx context.Context, n *Node) (HostMetrics, error) {
	var hm HostMetrics

	if res, err := p.exec.Execute(ctx, n.Target(), "uname -a", probeTimeout); err == nil && res.Success {
		hm.Uname = strings.TrimSpace(res.Stdout)
	}

	if res, err := p.exec.Execute(ctx, n.Target(), "lscpu", probeTimeout); err == nil && res.Success {
		hm.CPUModel, hm.CPUCores = parseLscpu(res.Stdout)
	}

	if res, err := p.exec.Execute(ctx, n.Target(), "sensors -Aj 2>/dev/null || true", probeTimeout); err == nil {
		hm.SensorsJSON = strings.TrimSpace(res.Stdout)
	}

	if res, err := p.exec.Execute(ctx, n.Target(), "ip -j addr show", probeTimeout); err == nil && res.Success {
		hm.Interfaces = parseIPAddrJSON(res.Stdout)
	}

	if res, err := p.exec.Execute(ctx, n.Target(), "df -B1 --output=avail / | tail -1", probeTimeout); err == nil && res.Success {
		if v, perr := strconv.ParseInt(strings.TrimSpace(res.Stdout), 10, 64); perr == nil {
			hm.FreeDiskRoot = v
		}
	}

	return hm, nil
}

func parseLscpu(out string) (model string, cores int) {
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "Model name:") {
			model = strings.TrimSpace(strings.TrimPrefix(line, "Model name:"))
		}
		if strings.HasPrefix(line, "CPU(s):") {
			if v, err := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(line, "CPU(s):"))); err == nil {
				cores = v
			}
		}
	}
	return model, cores
}

type ipAddrEntry struct {
	Ifname   string `json:"ifname"`
	AddrInfo []struct {
		Local string `json:"local"`
	} `json:"addr_info"`
}

func parseIPAddrJSON(out string) []NetInterface {
	var entries []ipAddrEntry
	if err := json.Unmarshal([]byte(out), &entries); err != nil {
		return nil
	}

	ifaces := make([]NetInterface, 0, len(entries))
	for _, e := range entries {
		ni := NetInterface{Name: e.Ifname}
		for _, a := range e.AddrInfo {
			ni.Addresses = append(ni.Addresses, a.Local)
		}
		ifaces = append(ifaces, ni)
	}
	return ifaces
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
