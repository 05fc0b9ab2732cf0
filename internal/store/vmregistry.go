package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// RegisterVM records a successfully replicated guest in the VM Registry:
// "bookkeeping... linking source and destination datasets for later
// automated registration."
func (s *Store) RegisterVM(ctx context.Context, row VMRegistryRow) (int64, error) {
	row.RegisteredAt = time.Now()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO vm_registry (source_node_id, source_vm_id, dest_node_id, dest_vm_id,
			guest_type, source_dataset, dest_dataset, group_key, registered_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(source_node_id, source_vm_id, dest_node_id) DO UPDATE SET
			dest_vm_id = excluded.dest_vm_id,
			source_dataset = excluded.source_dataset,
			dest_dataset = excluded.dest_dataset,
			group_key = excluded.group_key,
			registered_at = excluded.registered_at`,
		row.SourceNodeID, row.SourceVMID, row.DestNodeID, row.DestVMID,
		row.GuestType, row.SourceDataset, row.DestDataset, row.GroupKey, row.RegisteredAt,
	)
	if err != nil {
		return 0, fmt.Errorf("register vm: %w", err)
	}
	return res.LastInsertId()
}

// FindVMRegistration looks up an existing registration for a source VM on a
// given destination node, returning nil with no error when there is none.
func (s *Store) FindVMRegistration(ctx context.Context, sourceNodeID int64, sourceVMID int, destNodeID int64) (*VMRegistryRow, error) {
	var row VMRegistryRow
	err := s.db.GetContext(ctx, &row, `
		SELECT * FROM vm_registry WHERE source_node_id = ? AND source_vm_id = ? AND dest_node_id = ?`,
		sourceNodeID, sourceVMID, destNodeID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find vm registration: %w", err)
	}
	return &row, nil
}

// ListRegistrationsByGroup returns every registration sharing a group key,
// in insertion order.
func (s *Store) ListRegistrationsByGroup(ctx context.Context, groupKey string) ([]VMRegistryRow, error) {
	var rows []VMRegistryRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT * FROM vm_registry WHERE group_key = ? ORDER BY id`, groupKey)
	if err != nil {
		return nil, fmt.Errorf("list registrations by group: %w", err)
	}
	return rows, nil
}
