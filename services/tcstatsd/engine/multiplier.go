package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"tcstats/services/tcstatsd/models"
	"tcstats/services/tcstatsd/storage"
)

// SetHardwareMultiplier changes the multiplier of a hardware class.
//
// Points already earned keep the multiplier they were earned under: each
// affected user's baseline carries the current segment forward and only
// later points use the new value. Live offsets of those users are
// invalidated and a recomputed record is appended straight away.
func (e *Engine) SetHardwareMultiplier(ctx context.Context, hardwareID uint, multiplier decimal.Decimal) error {
	if multiplier.IsNegative() {
		return invalid("multiplier must not be negative")
	}
	e.gate.RLock()
	defer e.gate.RUnlock()

	hw, err := e.store.GetHardware(ctx, hardwareID)
	if err != nil {
		return err
	}
	if hw.Multiplier.Equal(multiplier) {
		return nil
	}
	users, err := e.store.ListUsersByHardware(ctx, hardwareID)
	if err != nil {
		return err
	}
	ids := make([]uint, 0, len(users))
	for _, user := range users {
		ids = append(ids, user.ID)
	}
	unlock := e.lockUsers(ids...)
	defer unlock()

	now := e.now()
	err = e.store.Transaction(ctx, func(tx *storage.Store) error {
		if err := tx.SetHardwareMultiplier(ctx, hardwareID, multiplier); err != nil {
			return err
		}
		for _, user := range users {
			if err := carrySegment(ctx, tx, user, hw.Multiplier, multiplier, now); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	e.logger.Info("hardware multiplier changed",
		slog.Any("hardware_id", hardwareID),
		slog.String("from", hw.Multiplier.String()),
		slog.String("to", multiplier.String()),
		slog.Int("users", len(users)))
	return nil
}

func carrySegment(ctx context.Context, tx *storage.Store, user models.User, previous, next decimal.Decimal, now time.Time) error {
	baseline, err := tx.GetBaseline(ctx, user.ID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	totals, err := latestTotals(ctx, tx, user.ID, baseline)
	if err != nil {
		return err
	}
	points := clamp(totals.Points - baseline.Points)
	baseline.SegmentMultipliedPoints += multiply(points-baseline.SegmentPoints, previous)
	baseline.SegmentPoints = points
	baseline.Version++
	baseline.ResetAt = now
	baseline.Reason = models.BaselineReasonMultiplier
	if err := tx.SaveBaseline(ctx, &baseline); err != nil {
		return err
	}
	if err := tx.InvalidateOffsets(ctx, user.ID); err != nil {
		return err
	}
	user.Hardware.Multiplier = next
	rec, err := computeRecord(ctx, tx, user, baseline, totals, now)
	if err != nil {
		return err
	}
	return tx.InsertTcStats(ctx, &rec)
}
