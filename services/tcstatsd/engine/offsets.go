package engine

import (
	"context"
	"errors"
	"log/slog"

	"tcstats/services/tcstatsd/models"
	"tcstats/services/tcstatsd/storage"
)

// ApplyOffset records a manual correction and immediately appends a
// recomputed record from the latest known totals, so readers see the
// correction without waiting for the next cycle.
func (e *Engine) ApplyOffset(ctx context.Context, userID uint, points, multipliedPoints, units int64) (models.TcStatsRecord, error) {
	e.gate.RLock()
	defer e.gate.RUnlock()
	unlock := e.lockUsers(userID)
	defer unlock()

	now := e.now()
	var rec models.TcStatsRecord
	err := e.store.Transaction(ctx, func(tx *storage.Store) error {
		user, err := tx.GetUser(ctx, userID)
		if err != nil {
			return err
		}
		offset := models.Offset{
			UserID:           userID,
			AppliedAt:        now,
			Points:           points,
			MultipliedPoints: multipliedPoints,
			Units:            units,
		}
		if err := tx.AppendOffset(ctx, &offset); err != nil {
			return err
		}
		baseline, err := tx.GetBaseline(ctx, userID)
		if errors.Is(err, storage.ErrNotFound) {
			baseline = models.Baseline{UserID: userID, Version: 1, ResetAt: now, Reason: models.BaselineReasonRegistered}
			err = tx.SaveBaseline(ctx, &baseline)
		}
		if err != nil {
			return err
		}
		totals, err := latestTotals(ctx, tx, userID, baseline)
		if err != nil {
			return err
		}
		rec, err = computeRecord(ctx, tx, user, baseline, totals, now)
		if err != nil {
			return err
		}
		return tx.InsertTcStats(ctx, &rec)
	})
	if err != nil {
		return models.TcStatsRecord{}, err
	}
	e.logger.Info("offset applied",
		slog.Any("user_id", userID),
		slog.Int64("points", points),
		slog.Int64("multiplied_points", multipliedPoints),
		slog.Int64("units", units))
	return rec, nil
}
