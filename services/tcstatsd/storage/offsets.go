package storage

import (
	"context"
	"fmt"

	"tcstats/services/tcstatsd/models"
)

// OffsetSum is the total of a user's live offsets.
type OffsetSum struct {
	Points           int64
	MultipliedPoints int64
	Units            int64
}

// AppendOffset stores a manual correction verbatim, including negative values.
func (s *Store) AppendOffset(ctx context.Context, offset *models.Offset) error {
	offset.AppliedAt = offset.AppliedAt.UTC()
	if err := s.conn(ctx).Create(offset).Error; err != nil {
		return fmt.Errorf("append offset: %w", err)
	}
	return nil
}

// SumOffsets adds up every offset not yet invalidated for the user.
func (s *Store) SumOffsets(ctx context.Context, userID uint) (OffsetSum, error) {
	var sum OffsetSum
	err := s.conn(ctx).Model(&models.Offset{}).
		Select("COALESCE(SUM(points), 0) AS points, COALESCE(SUM(multiplied_points), 0) AS multiplied_points, COALESCE(SUM(units), 0) AS units").
		Where("user_id = ?", userID).
		Scan(&sum).Error
	if err != nil {
		return OffsetSum{}, fmt.Errorf("sum offsets: %w", err)
	}
	return sum, nil
}

// ListOffsets returns the live offsets of a user, oldest first.
func (s *Store) ListOffsets(ctx context.Context, userID uint) ([]models.Offset, error) {
	offsets := []models.Offset{}
	err := s.conn(ctx).Where("user_id = ?", userID).Order("applied_at ASC").Order("id ASC").Find(&offsets).Error
	if err != nil {
		return nil, fmt.Errorf("list offsets: %w", err)
	}
	return offsets, nil
}

// InvalidateOffsets soft-deletes every live offset of the given users.
func (s *Store) InvalidateOffsets(ctx context.Context, userIDs ...uint) error {
	if len(userIDs) == 0 {
		return nil
	}
	if err := s.conn(ctx).Where("user_id IN ?", userIDs).Delete(&models.Offset{}).Error; err != nil {
		return fmt.Errorf("invalidate offsets: %w", err)
	}
	return nil
}

// InvalidateAllOffsets soft-deletes every live offset.
func (s *Store) InvalidateAllOffsets(ctx context.Context) error {
	if err := s.conn(ctx).Where("1 = 1").Delete(&models.Offset{}).Error; err != nil {
		return fmt.Errorf("invalidate all offsets: %w", err)
	}
	return nil
}
