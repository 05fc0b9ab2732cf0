package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/grandir66/dapx-backandrepl/internal/node"
	"github.com/grandir66/dapx-backandrepl/internal/perr"
)

// CreateNode inserts a new node. Exactly one node per name is enforced by
// the nodes.name UNIQUE constraint.
func (s *Store) CreateNode(ctx context.Context, n *node.Node) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO nodes (name, hostname, ssh_port, ssh_user, ssh_key_path, kind,
			pbs_datastore, pbs_tls_fingerprint, pbs_api_password,
			btrfs_mount, btrfs_snapshot_dir, active)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)`,
		n.Name, n.Hostname, n.SSHPort, n.SSHUser, n.SSHKeyPath, string(n.Kind),
		pbsField(n, func(p *node.PBSCredentials) string { return p.Datastore }),
		pbsField(n, func(p *node.PBSCredentials) string { return p.TLSFingerprint }),
		pbsField(n, func(p *node.PBSCredentials) string { return p.APIPassword }),
		n.BTRFSMount, n.BTRFSSnapshotDir,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, perr.Validation("node name %q already registered", n.Name)
		}
		return 0, fmt.Errorf("insert node: %w", err)
	}
	return res.LastInsertId()
}

func pbsField(n *node.Node, f func(*node.PBSCredentials) string) string {
	if n.PBS == nil {
		return ""
	}
	return f(n.PBS)
}

// GetNode loads a node by ID.
func (s *Store) GetNode(ctx context.Context, id int64) (*node.Node, error) {
	var row NodeRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM nodes WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, perr.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get node: %w", err)
	}
	return rowToNode(row), nil
}

// ListNodes returns all nodes, optionally restricted to active ones.
func (s *Store) ListNodes(ctx context.Context, activeOnly bool) ([]*node.Node, error) {
	query := `SELECT * FROM nodes`
	if activeOnly {
		query += ` WHERE active = 1`
	}
	query += ` ORDER BY name`

	var rows []NodeRow
	if err := s.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}

	out := make([]*node.Node, 0, len(rows))
	for _, r := range rows {
		out = append(out, rowToNode(r))
	}
	return out, nil
}

// UpdateNodeProbe persists the capability flags and LastCheck set by
// node.Prober.Probe.
func (s *Store) UpdateNodeProbe(ctx context.Context, n *node.Node) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE nodes SET kind = ?, sanoid_present = ?, btrfs_present = ?,
			pbs_client_present = ?, pbs_server_present = ?, online = ?, last_check = ?
		WHERE id = ?`,
		string(n.Kind), n.SanoidPresent, n.BTRFSPresent,
		n.PBSClientPresent, n.PBSServerPresent, n.Online, n.LastCheck, n.ID,
	)
	if err != nil {
		return fmt.Errorf("update node probe state: %w", err)
	}
	return nil
}

// SoftDeleteNode marks a node inactive without removing it,
// so job history referencing it stays resolvable.
func (s *Store) SoftDeleteNode(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE nodes SET active = 0 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("soft delete node: %w", err)
	}
	return nil
}

// HardDeleteNode removes a node permanently. Fails with a validation error
// if any job or VM registry row still references it -- the ON DELETE
// RESTRICT foreign keys
// back this at the database layer; this check produces a descriptive error
// instead of a raw SQLite constraint failure.
func (s *Store) HardDeleteNode(ctx context.Context, id int64) error {
	refs, err := s.countNodeReferences(ctx, id)
	if err != nil {
		return err
	}
	if refs > 0 {
		return perr.Validation("node %d is referenced by %d job(s); soft-delete instead", id, refs)
	}

	_, err = s.db.ExecContext(ctx, `DELETE FROM nodes WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("hard delete node: %w", err)
	}
	return nil
}

func (s *Store) countNodeReferences(ctx context.Context, id int64) (int, error) {
	tables := []struct {
		table string
		cols  []string
	}{
		{"sync_jobs", []string{"source_node_id", "dest_node_id"}},
		{"recovery_jobs", []string{"source_node_id", "pbs_node_id", "dest_node_id"}},
		{"migration_jobs", []string{"source_node_id", "dest_node_id"}},
		{"host_backup_jobs", []string{"node_id"}},
		{"vm_registry", []string{"source_node_id", "dest_node_id"}},
	}

	total := 0
	for _, t := range tables {
		for _, col := range t.cols {
			var count int
			q := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE %s = ?", t.table, col)
			if err := s.db.GetContext(ctx, &count, q, id); err != nil {
				return 0, fmt.Errorf("count references in %s: %w", t.table, err)
			}
			total += count
		}
	}
	return total, nil
}

func rowToNode(r NodeRow) *node.Node {
	n := &node.Node{
		ID: r.ID, Name: r.Name, Hostname: r.Hostname,
		SSHPort: r.SSHPort, SSHUser: r.SSHUser, SSHKeyPath: r.SSHKeyPath,
		Kind:             node.Kind(r.Kind),
		BTRFSMount:       r.BTRFSMount,
		BTRFSSnapshotDir: r.BTRFSSnapshotDir,
		SanoidPresent:    r.SanoidPresent,
		BTRFSPresent:     r.BTRFSPresent,
		PBSClientPresent: r.PBSClientPresent,
		PBSServerPresent: r.PBSServerPresent,
		Online:           r.Online,
		Active:           r.Active,
	}
	if r.LastCheck.Valid {
		n.LastCheck = r.LastCheck.Time
	}
	if r.PBSDatastore != "" || r.PBSTLSFingerprint != "" || r.PBSAPIPassword != "" {
		n.PBS = &node.PBSCredentials{
			Datastore:      r.PBSDatastore,
			TLSFingerprint: r.PBSTLSFingerprint,
			APIPassword:    r.PBSAPIPassword,
		}
	}
	return n
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "constraint failed: UNIQUE")
}
