package storage

import (
	"context"
	"fmt"

	"tcstats/services/tcstatsd/models"
)

// AppendSnapshot records raw cumulative totals. Snapshots are never updated.
func (s *Store) AppendSnapshot(ctx context.Context, snap *models.Snapshot) error {
	snap.ObservedAt = snap.ObservedAt.UTC()
	if err := s.conn(ctx).Create(snap).Error; err != nil {
		return fmt.Errorf("append snapshot: %w", err)
	}
	return nil
}

// LatestSnapshot returns the most recent snapshot observed for a user.
func (s *Store) LatestSnapshot(ctx context.Context, userID uint) (models.Snapshot, error) {
	var snap models.Snapshot
	err := s.conn(ctx).
		Where("user_id = ?", userID).
		Order("observed_at DESC").
		Order("id DESC").
		First(&snap).Error
	if err != nil {
		return snap, notFound(err, "snapshot for user %d", userID)
	}
	return snap, nil
}
