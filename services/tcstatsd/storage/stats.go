package storage

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"tcstats/services/tcstatsd/models"
)

// GetBaseline loads the counting origin of a user.
func (s *Store) GetBaseline(ctx context.Context, userID uint) (models.Baseline, error) {
	var baseline models.Baseline
	if err := s.conn(ctx).Where("user_id = ?", userID).First(&baseline).Error; err != nil {
		return baseline, notFound(err, "baseline for user %d", userID)
	}
	return baseline, nil
}

// SaveBaseline inserts or replaces the baseline of a user.
func (s *Store) SaveBaseline(ctx context.Context, baseline *models.Baseline) error {
	baseline.ResetAt = baseline.ResetAt.UTC()
	err := s.conn(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		UpdateAll: true,
	}).Create(baseline).Error
	if err != nil {
		return fmt.Errorf("save baseline: %w", err)
	}
	return nil
}

// AppendTcStats inserts a stats record provided the user's baseline is still
// at expectVersion. The version check locks the baseline row for the rest of
// the transaction so a concurrent reset cannot slip in between.
func (s *Store) AppendTcStats(ctx context.Context, rec *models.TcStatsRecord, expectVersion int64) error {
	return s.Transaction(ctx, func(tx *Store) error {
		res := tx.conn(ctx).Model(&models.Baseline{}).
			Where("user_id = ? AND version = ?", rec.UserID, expectVersion).
			Update("version", gorm.Expr("version"))
		if res.Error != nil {
			return fmt.Errorf("check baseline version: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("user %d: %w", rec.UserID, ErrStaleBaseline)
		}
		return tx.InsertTcStats(ctx, rec)
	})
}

// InsertTcStats inserts a stats record unconditionally. Callers must already
// hold the user's baseline steady.
func (s *Store) InsertTcStats(ctx context.Context, rec *models.TcStatsRecord) error {
	rec.AsOf = rec.AsOf.UTC()
	if err := s.conn(ctx).Create(rec).Error; err != nil {
		return fmt.Errorf("insert tc stats: %w", err)
	}
	return nil
}

// LatestTcStats returns the most recently inserted stats record of a user.
func (s *Store) LatestTcStats(ctx context.Context, userID uint) (models.TcStatsRecord, error) {
	var rec models.TcStatsRecord
	err := s.conn(ctx).
		Where("user_id = ?", userID).
		Order("id DESC").
		First(&rec).Error
	if err != nil {
		return rec, notFound(err, "tc stats for user %d", userID)
	}
	return rec, nil
}

// LatestTcStatsByUser returns the newest stats record of every user that has
// one, keyed by user id. Records are insert-only, so the highest id per user
// is the newest.
func (s *Store) LatestTcStatsByUser(ctx context.Context) (map[uint]models.TcStatsRecord, error) {
	db := s.conn(ctx)
	latest := db.Model(&models.TcStatsRecord{}).Select("MAX(id)").Group("user_id")
	var records []models.TcStatsRecord
	if err := db.Where("id IN (?)", latest).Find(&records).Error; err != nil {
		return nil, fmt.Errorf("latest tc stats: %w", err)
	}
	out := make(map[uint]models.TcStatsRecord, len(records))
	for _, rec := range records {
		out[rec.UserID] = rec
	}
	return out, nil
}

// TcStatsRange returns a user's records with start <= as_of < end, oldest
// first.
func (s *Store) TcStatsRange(ctx context.Context, userID uint, start, end time.Time) ([]models.TcStatsRecord, error) {
	records := []models.TcStatsRecord{}
	err := s.conn(ctx).
		Where("user_id = ? AND as_of >= ? AND as_of < ?", userID, start.UTC(), end.UTC()).
		Order("as_of ASC").
		Order("id ASC").
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("tc stats range: %w", err)
	}
	return records, nil
}

// LastTcStatsBefore returns the newest record strictly before t.
func (s *Store) LastTcStatsBefore(ctx context.Context, userID uint, t time.Time) (models.TcStatsRecord, error) {
	var rec models.TcStatsRecord
	err := s.conn(ctx).
		Where("user_id = ? AND as_of < ?", userID, t.UTC()).
		Order("as_of DESC").
		Order("id DESC").
		First(&rec).Error
	if err != nil {
		return rec, notFound(err, "tc stats for user %d before %s", userID, t.UTC().Format(time.RFC3339))
	}
	return rec, nil
}

// TeamTcStatsRange returns every record attributed to a team with
// start <= as_of < end, whoever the user is now. Records are grouped by user
// and oldest first within a user.
func (s *Store) TeamTcStatsRange(ctx context.Context, teamID uint, start, end time.Time) ([]models.TcStatsRecord, error) {
	records := []models.TcStatsRecord{}
	err := s.conn(ctx).
		Where("team_id = ? AND as_of >= ? AND as_of < ?", teamID, start.UTC(), end.UTC()).
		Order("user_id ASC").
		Order("as_of ASC").
		Order("id ASC").
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("team tc stats range: %w", err)
	}
	return records, nil
}

// LastTeamTcStatsBefore returns the user's newest record attributed to the
// team strictly before t.
func (s *Store) LastTeamTcStatsBefore(ctx context.Context, userID, teamID uint, t time.Time) (models.TcStatsRecord, error) {
	var rec models.TcStatsRecord
	err := s.conn(ctx).
		Where("user_id = ? AND team_id = ? AND as_of < ?", userID, teamID, t.UTC()).
		Order("as_of DESC").
		Order("id DESC").
		First(&rec).Error
	if err != nil {
		return rec, notFound(err, "tc stats for user %d on team %d before %s", userID, teamID, t.UTC().Format(time.RFC3339))
	}
	return rec, nil
}
