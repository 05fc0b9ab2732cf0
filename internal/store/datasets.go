package store

import (
	"context"
	"fmt"
	"time"
)

// UpsertDataset records or refreshes a dataset/subvolume's lazily-inspected
// state, refreshed lazily when inspected rather than on a timer.
func (s *Store) UpsertDataset(ctx context.Context, nodeID int64, path string, usedBytes int64, snapshotCount int, lastSnapshotAt *time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO datasets (node_id, path, used_bytes, snapshot_count, last_snapshot_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(node_id, path) DO UPDATE SET
			used_bytes = excluded.used_bytes,
			snapshot_count = excluded.snapshot_count,
			last_snapshot_at = excluded.last_snapshot_at`,
		nodeID, path, usedBytes, snapshotCount, lastSnapshotAt,
	)
	if err != nil {
		return 0, fmt.Errorf("upsert dataset: %w", err)
	}
	return res.LastInsertId()
}

// ListDatasetsForNode returns every dataset recorded for a node.
func (s *Store) ListDatasetsForNode(ctx context.Context, nodeID int64) ([]DatasetRow, error) {
	var rows []DatasetRow
	err := s.db.SelectContext(ctx, &rows, `SELECT * FROM datasets WHERE node_id = ? ORDER BY path`, nodeID)
	if err != nil {
		return nil, fmt.Errorf("list datasets for node: %w", err)
	}
	return rows, nil
}

// SetDatasetRetentionPolicy updates a dataset's declared retention policy
// and autosnap/autoprune flags.
func (s *Store) SetDatasetRetentionPolicy(ctx context.Context, id int64, policy string, autosnap, autoprune bool) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE datasets SET retention_policy = ?, autosnap = ?, autoprune = ? WHERE id = ?`,
		policy, autosnap, autoprune, id)
	if err != nil {
		return fmt.Errorf("set dataset retention policy: %w", err)
	}
	return nil
}
