package storage

import (
	"context"
	"fmt"

	"gorm.io/gorm/clause"

	"tcstats/services/tcstatsd/models"
)

// CreateRetired stores a retired contribution. It reports false when the same
// retirement event (user, team, baseline version) was already recorded.
func (s *Store) CreateRetired(ctx context.Context, retired *models.RetiredContribution) (bool, error) {
	retired.RetiredAt = retired.RetiredAt.UTC()
	res := s.conn(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(retired)
	if res.Error != nil {
		return false, fmt.Errorf("create retired contribution: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}

// ListRetired returns every retired contribution, oldest first.
func (s *Store) ListRetired(ctx context.Context) ([]models.RetiredContribution, error) {
	retired := []models.RetiredContribution{}
	if err := s.conn(ctx).Order("retired_at ASC").Order("id ASC").Find(&retired).Error; err != nil {
		return nil, fmt.Errorf("list retired contributions: %w", err)
	}
	return retired, nil
}

// DeleteAllRetired removes every retired contribution.
func (s *Store) DeleteAllRetired(ctx context.Context) error {
	if err := s.conn(ctx).Where("1 = 1").Delete(&models.RetiredContribution{}).Error; err != nil {
		return fmt.Errorf("delete retired contributions: %w", err)
	}
	return nil
}

// SaveMonthlyResult appends an archived leaderboard.
func (s *Store) SaveMonthlyResult(ctx context.Context, result *models.MonthlyResult) error {
	result.SavedAt = result.SavedAt.UTC()
	if err := s.conn(ctx).Create(result).Error; err != nil {
		return fmt.Errorf("save monthly result: %w", err)
	}
	return nil
}

// LatestMonthlyResult returns the most recently saved result for a period.
func (s *Store) LatestMonthlyResult(ctx context.Context, year, month int) (models.MonthlyResult, error) {
	var result models.MonthlyResult
	err := s.conn(ctx).
		Where("year = ? AND month = ?", year, month).
		Order("saved_at DESC").
		Order("id DESC").
		First(&result).Error
	if err != nil {
		return result, notFound(err, "monthly result %04d-%02d", year, month)
	}
	return result, nil
}
