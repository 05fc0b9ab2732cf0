// Package node models a managed remote endpoint and its capability-probing
// operation.
package node

import (
	"time"

	"github.com/grandir66/dapx-backandrepl/internal/sshexec"
)

// Kind classifies a node as a hypervisor or a backup server.
type Kind string

const (
	KindPVE Kind = "pve"
	KindPBS Kind = "pbs"
)

// PBSCredentials holds the optional PBS-specific connection details a node
// carries when it participates in recovery jobs either as the PBS server or
// as a PVE node that needs a storage alias pointed at one.
type PBSCredentials struct {
	Datastore       string
	TLSFingerprint  string
	APIPassword     string
}

// Node is a stable identity plus classification, capability flags, and
// optional per-technology configuration.
type Node struct {
	ID       int64
	Name     string
	Hostname string
	SSHPort  int
	SSHUser  string
	SSHKeyPath string

	Kind Kind

	PBS *PBSCredentials

	BTRFSMount       string
	BTRFSSnapshotDir string

	SanoidPresent    bool
	BTRFSPresent     bool
	PBSClientPresent bool
	PBSServerPresent bool
	Online           bool
	LastCheck        time.Time

	// Active is false for soft-deleted nodes.
	Active bool
}

// Target builds the sshexec.Target used to reach this node.
func (n *Node) Target() sshexec.Target {
	port := n.SSHPort
	if port == 0 {
		port = 22
	}
	return sshexec.Target{
		Host:    n.Hostname,
		Port:    port,
		User:    n.SSHUser,
		KeyPath: n.SSHKeyPath,
	}
}

// HostMetrics is a best-effort snapshot of host-level facts. Every field is
// optional: inner probe failures collapse to the zero value rather than
// propagating, so a partial probe still returns what it could gather.
type HostMetrics struct {
	Uname        string
	CPUModel     string
	CPUCores     int
	Interfaces   []NetInterface
	SensorsJSON  string
	FreeDiskRoot int64 // bytes
}

// NetInterface is one entry from `ip -j addr show`.
type NetInterface struct {
	Name      string
	Addresses []string
}
