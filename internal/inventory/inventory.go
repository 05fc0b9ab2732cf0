// Package inventory implements read-only observation operations against a
// Node, composed entirely on top of internal/sshexec. Every
// operation parses textual output of well-known Proxmox/ZFS tools and must
// tolerate locale variance and empty datastores; inner per-field failures
// collapse to a zero value rather than propagating.
package inventory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/grandir66/dapx-backandrepl/internal/ifaces"
	"github.com/grandir66/dapx-backandrepl/internal/node"
	"github.com/grandir66/dapx-backandrepl/internal/sshexec"
)

const inventoryTimeout = 60 * time.Second

// cacheTTL bounds how stale a cached Remote Inventory read may be before a
// probe is repeated.
const cacheTTL = 30 * time.Second

// GuestType classifies a guest as a qemu VM or an lxc container.
type GuestType string

const (
	GuestQEMU GuestType = "qemu"
	GuestLXC  GuestType = "lxc"
)

// Dataset is one line of `zfs list`.
type Dataset struct {
	Name       string
	Used       string
	Available  string
	Mountpoint string
}

// Snapshot is one `dataset@snapname` entry, sorted by Creation ascending by
// list_snapshots.
type Snapshot struct {
	Dataset  string
	Name     string
	Used     string
	Creation time.Time
}

// Guest is one row from `qm list`/`pct list`.
type Guest struct {
	VMID   int
	Name   string
	Type   GuestType
	Status string
}

// VMDetails aggregates qm status/config/agent output. Fields left zero mean
// "no data available", never an error.
type VMDetails struct {
	VMID        int
	Status      string
	Config      map[string]string
	AgentIPs    []string
	AgentQueried bool
}

// Storage is one `pvesm status` entry.
type Storage struct {
	Name    string
	Type    string
	Status  string
	Total   int64
	Used    int64
	Avail   int64
	Shared  bool
}

// SharedStorageTypes are storage types whose capacity must only be counted
// once in cluster-wide roll-ups.
var SharedStorageTypes = map[string]bool{
	"nfs": true, "cifs": true, "pbs": true,
	"glusterfs": true, "cephfs": true, "rbd": true,
}

// Disk is one disk line extracted from a VM's config.
type Disk struct {
	Slot    string // e.g. scsi0, virtio1, rootfs
	Storage string
	SizeRaw string
}

// VMIDAvailability is the result of check_vmid_available.
type VMIDAvailability struct {
	Available    bool
	InUseBy      string
	InUseType    GuestType
	PowerState   string
}

// Inventory runs the remote inventory operations against Nodes.
type Inventory struct {
	exec  *sshexec.Executor
	cache ifaces.Cache
}

// New constructs an Inventory using the given Executor. cache is consulted
// as a read-through layer in front of the dataset/snapshot/guest/storage
// probes; a nil cache installs ifaces.NoOpCache, making every read a live
// probe.
func New(exec *sshexec.Executor, cache ifaces.Cache) *Inventory {
	if cache == nil {
		cache = ifaces.NoOpCache{}
	}
	return &Inventory{exec: exec, cache: cache}
}

// cached runs probe and caches its result under key for cacheTTL, returning
// a cache hit without touching the network when one is present. A probe
// error is never cached, so a transient SSH failure doesn't poison the
// cache for cacheTTL -- only successful reads, including an empty result
// for a genuinely empty datastore, are stored.
func cached[T any](inv *Inventory, key string, probe func() (T, error)) (T, error) {
	var hit T
	if ok, _ := inv.cache.Get(key, &hit); ok {
		return hit, nil
	}
	out, err := probe()
	if err != nil {
		return out, err
	}
	_ = inv.cache.Set(key, out, cacheTTL)
	return out, nil
}

// ListDatasets parses `zfs list -H -o name,used,available,mountpoint`,
// read-through cached per node for cacheTTL.
func (inv *Inventory) ListDatasets(ctx context.Context, n *node.Node) ([]Dataset, error) {
	return cached(inv, fmt.Sprintf("inv:datasets:%s", n.Name), func() ([]Dataset, error) {
		return inv.probeDatasets(ctx, n)
	})
}

func (inv *Inventory) probeDatasets(ctx context.Context, n *node.Node) ([]Dataset, error) {
	res, err := inv.exec.Execute(ctx, n.Target(), "zfs list -H -o name,used,available,mountpoint", inventoryTimeout)
	if err != nil {
		return nil, err
	}
	if !res.Success {
		return nil, nil
	}

	var out []Dataset
	for _, line := range splitLines(res.Stdout) {
		fields := strings.Split(line, "\t")
		if len(fields) < 4 {
			continue
		}
		out = append(out, Dataset{Name: fields[0], Used: fields[1], Available: fields[2], Mountpoint: fields[3]})
	}
	return out, nil
}

// ListSnapshots parses `zfs list -t snapshot -H -o name,used,creation`,
// optionally scoped to one dataset, sorted by creation ascending and
// read-through cached per node+dataset for cacheTTL.
func (inv *Inventory) ListSnapshots(ctx context.Context, n *node.Node, dataset string) ([]Snapshot, error) {
	return cached(inv, fmt.Sprintf("inv:snapshots:%s:%s", n.Name, dataset), func() ([]Snapshot, error) {
		return inv.probeSnapshots(ctx, n, dataset)
	})
}

func (inv *Inventory) probeSnapshots(ctx context.Context, n *node.Node, dataset string) ([]Snapshot, error) {
	cmd := "zfs list -t snapshot -H -o name,used,creation"
	if dataset != "" {
		cmd = "zfs list -t snapshot -H -o name,used,creation -r " + shellQuote(dataset)
	}

	res, err := inv.exec.Execute(ctx, n.Target(), cmd, inventoryTimeout)
	if err != nil {
		return nil, err
	}
	if !res.Success {
		return nil, nil
	}

	var out []Snapshot
	for _, line := range splitLines(res.Stdout) {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		nameField := fields[0]
		dsName, snapName, ok := strings.Cut(nameField, "@")
		if !ok {
			continue
		}
		used := fields[1]
		createdRaw := strings.Join(fields[2:], " ")
		created, _ := parseZFSCreation(createdRaw)
		out = append(out, Snapshot{Dataset: dsName, Name: snapName, Used: used, Creation: created})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Creation.Before(out[j].Creation) })
	return out, nil
}

// parseZFSCreation parses the default `zfs list` creation timestamp format,
// e.g. "Wed Jul 29 10:15 2026".
func parseZFSCreation(raw string) (time.Time, error) {
	layouts := []string{"Mon Jan 2 15:04 2006", "Mon Jan  2 15:04 2006"}
	for _, l := range layouts {
		if t, err := time.Parse(l, raw); err == nil {
			return t, nil
		}
	}
	return time.Time{}, nil
}

// ListGuests combines `qm list` and `pct list`, annotating each with its
// GuestType, read-through cached per node for cacheTTL.
func (inv *Inventory) ListGuests(ctx context.Context, n *node.Node) ([]Guest, error) {
	return cached(inv, fmt.Sprintf("inv:guests:%s", n.Name), func() ([]Guest, error) {
		return inv.probeGuests(ctx, n)
	})
}

func (inv *Inventory) probeGuests(ctx context.Context, n *node.Node) ([]Guest, error) {
	script := "qm list 2>/dev/null; echo __PCT_SEP__; pct list 2>/dev/null"
	res, err := inv.exec.Execute(ctx, n.Target(), script, inventoryTimeout)
	if err != nil {
		return nil, err
	}
	if !res.Success {
		return nil, nil
	}

	qemuPart, lxcPart, _ := strings.Cut(res.Stdout, "__PCT_SEP__")

	var out []Guest
	for i, line := range splitLines(qemuPart) {
		if i == 0 {
			continue // header: VMID NAME STATUS ...
		}
		fields := strings.Fields(line)
		if len(fields) < 3 {
			continue
		}
		vmid, _ := strconv.Atoi(fields[0])
		out = append(out, Guest{VMID: vmid, Name: fields[1], Status: fields[2], Type: GuestQEMU})
	}
	for _, line := range splitLines(lxcPart) {
		fields := strings.Fields(line)
		if len(fields) < 3 {
			continue
		}
		vmid, err := strconv.Atoi(fields[0])
		if err != nil {
			continue // header: VMID Status Lock Name
		}
		// The Lock column is usually empty, so Name is the last field.
		out = append(out, Guest{VMID: vmid, Name: fields[len(fields)-1], Status: fields[1], Type: GuestLXC})
	}
	return out, nil
}

// GetVMFullDetails aggregates qm status, qm config, and (best effort) the
// guest agent's network interfaces. Every inner failure collapses to "no
// data for that field"; the call itself only errors on a transport failure.
func (inv *Inventory) GetVMFullDetails(ctx context.Context, n *node.Node, vmid int, typ GuestType) (VMDetails, error) {
	det := VMDetails{VMID: vmid, Config: map[string]string{}}

	statusCmd := qmOrPctCommand(typ, "status", vmid)
	if res, err := inv.exec.Execute(ctx, n.Target(), statusCmd, inventoryTimeout); err == nil && res.Success {
		det.Status = strings.TrimSpace(res.Stdout)
	}

	configCmd := qmOrPctCommand(typ, "config", vmid)
	if res, err := inv.exec.Execute(ctx, n.Target(), configCmd, inventoryTimeout); err == nil && res.Success {
		det.Config = parseKeyColonValue(res.Stdout)
	}

	if typ == GuestQEMU && strings.Contains(det.Status, "running") {
		agentCmd := "qm agent " + strconv.Itoa(vmid) + " network-get-interfaces 2>/dev/null"
		if res, err := inv.exec.Execute(ctx, n.Target(), agentCmd, inventoryTimeout); err == nil && res.Success {
			det.AgentQueried = true
			det.AgentIPs = parseAgentIPs(res.Stdout)
		}
	}

	return det, nil
}

func qmOrPctCommand(typ GuestType, sub string, vmid int) string {
	bin := "qm"
	if typ == GuestLXC {
		bin = "pct"
	}
	return bin + " " + sub + " " + strconv.Itoa(vmid)
}

func parseKeyColonValue(out string) map[string]string {
	m := map[string]string{}
	for _, line := range splitLines(out) {
		k, v, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		m[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return m
}

type agentIface struct {
	Name        string `json:"name"`
	IPAddresses []struct {
		IPAddress     string `json:"ip-address"`
		IPAddressType string `json:"ip-address-type"`
	} `json:"ip-addresses"`
}

type agentResult struct {
	Result []agentIface `json:"result"`
}

func parseAgentIPs(out string) []string {
	var res agentResult
	if err := json.Unmarshal([]byte(out), &res); err != nil {
		return nil
	}
	var ips []string
	for _, iface := range res.Result {
		if iface.Name == "lo" {
			continue
		}
		for _, addr := range iface.IPAddresses {
			if addr.IPAddressType == "ipv4" {
				ips = append(ips, addr.IPAddress)
			}
		}
	}
	return ips
}

// ListStorages tries `pvesm status --output-format json` first, falling
// back to the plain-text tabular format, read-through cached per node for
// cacheTTL.
func (inv *Inventory) ListStorages(ctx context.Context, n *node.Node) ([]Storage, error) {
	return cached(inv, fmt.Sprintf("inv:storages:%s", n.Name), func() ([]Storage, error) {
		return inv.probeStorages(ctx, n)
	})
}

func (inv *Inventory) probeStorages(ctx context.Context, n *node.Node) ([]Storage, error) {
	res, err := inv.exec.Execute(ctx, n.Target(), "pvesm status --output-format json", inventoryTimeout)
	if err != nil {
		return nil, err
	}
	if res.Success {
		if storages, ok := parseStoragesJSON(res.Stdout); ok {
			return storages, nil
		}
	}

	res, err = inv.exec.Execute(ctx, n.Target(), "pvesm status", inventoryTimeout)
	if err != nil {
		return nil, err
	}
	if !res.Success {
		return nil, nil
	}
	return parseStoragesText(res.Stdout), nil
}

type storageJSONEntry struct {
	Storage string `json:"storage"`
	Type    string `json:"type"`
	Active  int    `json:"active"`
	Total   int64  `json:"total"`
	Used    int64  `json:"used"`
	Avail   int64  `json:"avail"`
}

func parseStoragesJSON(out string) ([]Storage, bool) {
	var entries []storageJSONEntry
	if err := json.Unmarshal([]byte(out), &entries); err != nil {
		return nil, false
	}
	storages := make([]Storage, 0, len(entries))
	for _, e := range entries {
		status := "inactive"
		if e.Active == 1 {
			status = "active"
		}
		storages = append(storages, Storage{
			Name: e.Storage, Type: e.Type, Status: status,
			Total: e.Total, Used: e.Used, Avail: e.Avail,
			Shared: SharedStorageTypes[e.Type],
		})
	}
	return storages, true
}

func parseStoragesText(out string) []Storage {
	var storages []Storage
	for i, line := range splitLines(out) {
		if i == 0 {
			continue // header: Name Type Status Total Used Available %
		}
		fields := strings.Fields(line)
		if len(fields) < 6 {
			continue
		}
		total, _ := strconv.ParseInt(fields[3], 10, 64)
		used, _ := strconv.ParseInt(fields[4], 10, 64)
		avail, _ := strconv.ParseInt(fields[5], 10, 64)
		storages = append(storages, Storage{
			Name: fields[0], Type: fields[1], Status: fields[2],
			Total: total, Used: used, Avail: avail,
			Shared: SharedStorageTypes[fields[1]],
		})
	}
	return storages
}

// ListVMDisks scans the VM's config output for disk lines and extracts
// storage name and size.
func (inv *Inventory) ListVMDisks(ctx context.Context, n *node.Node, vmid int, typ GuestType) ([]Disk, error) {
	configCmd := qmOrPctCommand(typ, "config", vmid)
	res, err := inv.exec.Execute(ctx, n.Target(), configCmd, inventoryTimeout)
	if err != nil {
		return nil, err
	}
	if !res.Success {
		return nil, nil
	}

	var disks []Disk
	for k, v := range parseKeyColonValue(res.Stdout) {
		if !isDiskSlot(k) {
			continue
		}
		storage, size := parseDiskValue(v)
		disks = append(disks, Disk{Slot: k, Storage: storage, SizeRaw: size})
	}
	sort.Slice(disks, func(i, j int) bool { return disks[i].Slot < disks[j].Slot })
	return disks, nil
}

func isDiskSlot(key string) bool {
	if key == "rootfs" {
		return true
	}
	prefixes := []string{"scsi", "sata", "virtio", "ide"}
	for _, p := range prefixes {
		if strings.HasPrefix(key, p) && len(key) > len(p) {
			if _, err := strconv.Atoi(key[len(p):]); err == nil {
				return true
			}
		}
	}
	return false
}

// parseDiskValue extracts "storage:volume" and a "size=N" token from a disk
// config value like "local-zfs:vm-100-disk-0,size=32G".
func parseDiskValue(v string) (storage, size string) {
	parts := strings.Split(v, ",")
	if len(parts) == 0 {
		return "", ""
	}
	if volParts := strings.SplitN(parts[0], ":", 2); len(volParts) == 2 {
		storage = volParts[0]
	}
	for _, p := range parts[1:] {
		if strings.HasPrefix(p, "size=") {
			size = strings.TrimPrefix(p, "size=")
		}
	}
	return storage, size
}

// NextVMID runs `pvesh get /cluster/nextid`, falling back to the constant
// 100 on any failure.
func (inv *Inventory) NextVMID(ctx context.Context, n *node.Node) (int, error) {
	res, err := inv.exec.Execute(ctx, n.Target(), "pvesh get /cluster/nextid", inventoryTimeout)
	if err != nil {
		return 100, err
	}
	if !res.Success {
		return 100, nil
	}
	if id, perr := strconv.Atoi(strings.TrimSpace(res.Stdout)); perr == nil {
		return id, nil
	}
	return 100, nil
}

// CheckVMIDAvailable runs `qm status` and `pct status` for vmid and reports
// who holds it, or availability.
func (inv *Inventory) CheckVMIDAvailable(ctx context.Context, n *node.Node, vmid int) (VMIDAvailability, error) {
	qmRes, err := inv.exec.Execute(ctx, n.Target(), "qm status "+strconv.Itoa(vmid)+" 2>/dev/null", inventoryTimeout)
	if err != nil {
		return VMIDAvailability{}, err
	}
	if qmRes.Success && strings.TrimSpace(qmRes.Stdout) != "" {
		return VMIDAvailability{
			Available:  false,
			InUseBy:    inv.guestName(ctx, n, vmid, GuestQEMU),
			InUseType:  GuestQEMU,
			PowerState: parseStatusWord(qmRes.Stdout),
		}, nil
	}

	pctRes, err := inv.exec.Execute(ctx, n.Target(), "pct status "+strconv.Itoa(vmid)+" 2>/dev/null", inventoryTimeout)
	if err != nil {
		return VMIDAvailability{}, err
	}
	if pctRes.Success && strings.TrimSpace(pctRes.Stdout) != "" {
		return VMIDAvailability{
			Available:  false,
			InUseBy:    inv.guestName(ctx, n, vmid, GuestLXC),
			InUseType:  GuestLXC,
			PowerState: parseStatusWord(pctRes.Stdout),
		}, nil
	}

	return VMIDAvailability{Available: true}, nil
}

// guestName reads the "name" config field for vmid, returning "" on any
// failure -- InUseBy is best-effort and never blocks availability reporting.
func (inv *Inventory) guestName(ctx context.Context, n *node.Node, vmid int, typ GuestType) string {
	configCmd := qmOrPctCommand(typ, "config", vmid)
	res, err := inv.exec.Execute(ctx, n.Target(), configCmd, inventoryTimeout)
	if err != nil || !res.Success {
		return ""
	}
	return parseKeyColonValue(res.Stdout)["name"]
}

func parseStatusWord(out string) string {
	fields := strings.Fields(out)
	if len(fields) >= 2 {
		return fields[1]
	}
	return ""
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
