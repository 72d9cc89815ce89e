package engine

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"tcstats/services/tcstatsd/models"
	"tcstats/services/tcstatsd/storage"
)

// Retirement reasons.
const (
	ReasonDeleted    = "deleted"
	ReasonTeamChange = "team_change"
)

// Retire freezes a user's current-period stats as a contribution of their
// current team and restarts the user from zero.
//
// Nothing is recorded when the user has no multiplied points. Retiring the
// same user twice without new stats in between records nothing new.
func (e *Engine) Retire(ctx context.Context, userID uint, reason string) (*models.RetiredContribution, error) {
	e.gate.RLock()
	defer e.gate.RUnlock()
	unlock := e.lockUsers(userID)
	defer unlock()

	var retired *models.RetiredContribution
	err := e.store.Transaction(ctx, func(tx *storage.Store) error {
		user, err := tx.GetUser(ctx, userID)
		if err != nil {
			return err
		}
		retired, err = e.retireLocked(ctx, tx, user, reason, user.TeamID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return retired, nil
}

// MoveUser retires the user from their current team and attaches them to
// teamID, where they start from zero. Moving to the current team is a no-op.
func (e *Engine) MoveUser(ctx context.Context, userID, teamID uint) (*models.RetiredContribution, error) {
	e.gate.RLock()
	defer e.gate.RUnlock()
	unlock := e.lockUsers(userID)
	defer unlock()

	var retired *models.RetiredContribution
	err := e.store.Transaction(ctx, func(tx *storage.Store) error {
		user, err := tx.GetUser(ctx, userID)
		if err != nil {
			return err
		}
		if _, err := tx.GetTeam(ctx, teamID); err != nil {
			return err
		}
		if user.TeamID == teamID {
			return nil
		}
		retired, err = e.retireLocked(ctx, tx, user, ReasonTeamChange, teamID)
		if err != nil {
			return err
		}
		return tx.SetUserTeam(ctx, userID, teamID)
	})
	if err != nil {
		return nil, err
	}
	if retired != nil {
		e.logger.Info("user moved team",
			slog.Any("user_id", userID),
			slog.Any("team_id", teamID),
			slog.Int64("retired_multiplied_points", retired.MultipliedPoints))
	}
	return retired, nil
}

// DeleteUser retires the user and removes them from the competition. Their
// history stays queryable.
func (e *Engine) DeleteUser(ctx context.Context, userID uint) (*models.RetiredContribution, error) {
	e.gate.RLock()
	defer e.gate.RUnlock()
	unlock := e.lockUsers(userID)
	defer unlock()

	var retired *models.RetiredContribution
	err := e.store.Transaction(ctx, func(tx *storage.Store) error {
		user, err := tx.GetUser(ctx, userID)
		if err != nil {
			return err
		}
		retired, err = e.retireLocked(ctx, tx, user, ReasonDeleted, user.TeamID)
		if err != nil {
			return err
		}
		return tx.DeleteUser(ctx, userID)
	})
	if err != nil {
		return nil, err
	}
	return retired, nil
}

// retireLocked must run inside a transaction while the user's lock is held.
// The fresh zero record is attributed to nextTeamID.
func (e *Engine) retireLocked(ctx context.Context, tx *storage.Store, user models.User, reason string, nextTeamID uint) (*models.RetiredContribution, error) {
	now := e.now()
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = ReasonDeleted
	}

	baseline, err := tx.GetBaseline(ctx, user.ID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}
	latest, err := tx.LatestTcStats(ctx, user.ID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	var retired *models.RetiredContribution
	if latest.MultipliedPoints > 0 {
		hardware := user.Hardware.DisplayName
		if hardware == "" {
			hardware = user.Hardware.Name
		}
		rc := models.RetiredContribution{
			TeamID:           user.TeamID,
			UserID:           user.ID,
			BaselineVersion:  baseline.Version,
			DisplayName:      user.DisplayName,
			Category:         user.Category,
			HardwareName:     hardware,
			MultipliedPoints: latest.MultipliedPoints,
			Points:           latest.Points,
			Units:            latest.Units,
			Reason:           reason,
			RetiredAt:        now,
		}
		created, err := tx.CreateRetired(ctx, &rc)
		if err != nil {
			return nil, err
		}
		if created {
			retired = &rc
		}
	}

	totals, err := latestTotals(ctx, tx, user.ID, baseline)
	if err != nil {
		return nil, err
	}
	next := models.Baseline{
		UserID:  user.ID,
		Points:  totals.Points,
		Units:   totals.Units,
		Version: baseline.Version + 1,
		ResetAt: now,
		Reason:  models.BaselineReasonRetired,
	}
	if err := tx.SaveBaseline(ctx, &next); err != nil {
		return nil, err
	}
	// The retired record already carries the offsets; keeping them would
	// credit the new team with them too.
	if err := tx.InvalidateOffsets(ctx, user.ID); err != nil {
		return nil, err
	}
	if err := tx.InsertTcStats(ctx, &models.TcStatsRecord{UserID: user.ID, TeamID: nextTeamID, AsOf: now, Restart: true}); err != nil {
		return nil, err
	}

	if retired != nil {
		e.logger.Info("user retired",
			slog.Any("user_id", user.ID),
			slog.Any("team_id", user.TeamID),
			slog.String("reason", reason))
	}
	return retired, nil
}
