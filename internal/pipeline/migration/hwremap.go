package migration

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/grandir66/dapx-backandrepl/internal/node"
	"github.com/grandir66/dapx-backandrepl/internal/sshexec"
)

const hwremapTimeout = 30 * time.Second

// NetRemap describes a single netN override: either a bare bridge name or a
// structured set of fields, of which only Bridge is currently honored --
// only the bridge= field is replaced, preserving MAC/firewall/etc.
type NetRemap struct {
	Bridge string
}

// HWConfig is the optional hardware remap applied after restore.
type HWConfig struct {
	MemoryMB int
	Cores    int
	Sockets  int
	CPU      string
	Network  map[string]NetRemap // netN -> remap
	Storage  map[string]string   // diskN -> "<storage>[:<volume>]"
}

// applyHWRemap applies hw to vmid on n, one field at a time. Network remaps
// are merged with the guest's current netN line so only the bridge= field
// changes; storage remaps run `disk move` for each listed disk.
func applyHWRemap(ctx context.Context, exec *sshexec.Executor, n *node.Node, vmid int, guestType string, hw HWConfig) (string, string, error) {
	bin := guestBin(guestType)
	var stdouts, stderrs []string

	var setArgs []string
	if hw.MemoryMB > 0 {
		setArgs = append(setArgs, "--memory", strconv.Itoa(hw.MemoryMB))
	}
	if hw.Cores > 0 {
		setArgs = append(setArgs, "--cores", strconv.Itoa(hw.Cores))
	}
	if hw.Sockets > 0 {
		setArgs = append(setArgs, "--sockets", strconv.Itoa(hw.Sockets))
	}
	if hw.CPU != "" {
		setArgs = append(setArgs, "--cpu", hw.CPU)
	}
	if len(setArgs) > 0 {
		cmd := fmt.Sprintf("%s set %d %s", bin, vmid, strings.Join(setArgs, " "))
		res, err := exec.Execute(ctx, n.Target(), cmd, hwremapTimeout)
		if err != nil {
			return res.Stdout, res.Stderr, err
		}
		if !res.Success {
			return res.Stdout, res.Stderr, fmt.Errorf("hw set failed: %s", res.Stderr)
		}
		stdouts = append(stdouts, res.Stdout)
		stderrs = append(stderrs, res.Stderr)
	}

	if len(hw.Network) > 0 {
		configRes, err := exec.Execute(ctx, n.Target(), fmt.Sprintf("%s config %d", bin, vmid), hwremapTimeout)
		if err != nil {
			return "", "", err
		}
		current := parseConfigLines(configRes.Stdout)

		for netKey, remap := range hw.Network {
			if remap.Bridge == "" {
				continue
			}
			existing := current[netKey]
			merged := mergeNetLine(existing, remap.Bridge)
			cmd := fmt.Sprintf("%s set %d --%s %s", bin, vmid, netKey, shellQuote(merged))
			res, err := exec.Execute(ctx, n.Target(), cmd, hwremapTimeout)
			if err != nil {
				return res.Stdout, res.Stderr, err
			}
			if !res.Success {
				return res.Stdout, res.Stderr, fmt.Errorf("net remap %s failed: %s", netKey, res.Stderr)
			}
			stdouts = append(stdouts, res.Stdout)
			stderrs = append(stderrs, res.Stderr)
		}
	}

	for diskKey, storage := range hw.Storage {
		cmd := fmt.Sprintf("%s disk move %d %s --storage %s", bin, vmid, diskKey, shellQuote(storage))
		res, err := exec.Execute(ctx, n.Target(), cmd, hwremapTimeout)
		if err != nil {
			return res.Stdout, res.Stderr, err
		}
		if !res.Success {
			return res.Stdout, res.Stderr, fmt.Errorf("disk move %s failed: %s", diskKey, res.Stderr)
		}
		stdouts = append(stdouts, res.Stdout)
		stderrs = append(stderrs, res.Stderr)
	}

	return strings.Join(stdouts, "\n"), strings.Join(stderrs, "\n"), nil
}

// mergeNetLine replaces the bridge= field of an existing netN config value
// (e.g. "virtio=AA:BB:CC,bridge=vmbr0,firewall=1") with newBridge, stripping
// any repeated "bridge=" prefix accidentally present in newBridge itself,
// and preserving every other field untouched. If existing is empty or has
// no bridge= field, a bare bridge=<newBridge> field is appended.
func mergeNetLine(existing, newBridge string) string {
	newBridge = strings.TrimPrefix(newBridge, "bridge=")

	if existing == "" {
		return "bridge=" + newBridge
	}

	fields := strings.Split(existing, ",")
	found := false
	for i, f := range fields {
		if strings.HasPrefix(f, "bridge=") {
			fields[i] = "bridge=" + newBridge
			found = true
		}
	}
	if !found {
		fields = append(fields, "bridge="+newBridge)
	}
	return strings.Join(fields, ",")
}

func parseConfigLines(out string) map[string]string {
	m := map[string]string{}
	for _, line := range strings.Split(out, "\n") {
		k, v, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		m[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return m
}
