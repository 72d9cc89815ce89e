package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/datatypes"

	"tcstats/observability"
	"tcstats/services/tcstatsd/models"
	"tcstats/services/tcstatsd/storage"
)

// MonthlyResult is an archived pair of leaderboards.
type MonthlyResult struct {
	Year       int                 `json:"year"`
	Month      int                 `json:"month"`
	SavedAt    *time.Time          `json:"saved_at,omitempty"`
	Teams      []TeamStanding      `json:"teams"`
	Categories CategoryLeaderboard `json:"categories"`
}

// ResetPeriod starts a new counting period: every user's baseline moves to
// their latest known totals and restarts from zero, retired contributions
// are discarded and offsets are invalidated. It waits for any running cycle
// and blocks new ones until done.
func (e *Engine) ResetPeriod(ctx context.Context) error {
	e.cycleMu.Lock()
	defer e.cycleMu.Unlock()
	e.gate.Lock()
	defer e.gate.Unlock()
	return e.resetLocked(ctx)
}

// RolloverPeriod archives the current standings under year/month and then
// resets the period. No update cycle or user change can run between the two
// steps. The reset is skipped when archiving fails.
func (e *Engine) RolloverPeriod(ctx context.Context, year, month int) (MonthlyResult, error) {
	if err := validPeriod(year, month); err != nil {
		return MonthlyResult{}, err
	}
	e.cycleMu.Lock()
	defer e.cycleMu.Unlock()
	e.gate.Lock()
	defer e.gate.Unlock()

	result, err := e.archivePeriod(ctx, year, month)
	if err != nil {
		return MonthlyResult{}, err
	}
	if err := e.resetLocked(ctx); err != nil {
		return result, err
	}
	return result, nil
}

// resetLocked requires cycleMu and the exclusive gate.
func (e *Engine) resetLocked(ctx context.Context) error {
	ctx, span := e.tracer.Start(ctx, "tcstats.reset_period")
	defer span.End()

	now := e.now()
	var count int
	err := e.store.Transaction(ctx, func(tx *storage.Store) error {
		users, err := tx.ListActiveUsers(ctx)
		if err != nil {
			return err
		}
		count = len(users)
		for _, user := range users {
			baseline, err := tx.GetBaseline(ctx, user.ID)
			if err != nil && !errors.Is(err, storage.ErrNotFound) {
				return err
			}
			totals, err := latestTotals(ctx, tx, user.ID, baseline)
			if err != nil {
				return err
			}
			next := models.Baseline{
				UserID:  user.ID,
				Points:  totals.Points,
				Units:   totals.Units,
				Version: baseline.Version + 1,
				ResetAt: now,
				Reason:  models.BaselineReasonRollover,
			}
			if err := tx.SaveBaseline(ctx, &next); err != nil {
				return err
			}
			if err := tx.InsertTcStats(ctx, &models.TcStatsRecord{UserID: user.ID, TeamID: user.TeamID, AsOf: now, Restart: true}); err != nil {
				return err
			}
		}
		if err := tx.DeleteAllRetired(ctx); err != nil {
			return err
		}
		return tx.InvalidateAllOffsets(ctx)
	})
	observability.Rollover().Observe("reset", err)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("reset period: %w", err)
	}
	e.logger.Info("competition period reset", slog.Int("users", count))
	return nil
}

// ArchivePeriod saves the current leaderboards under the current month.
func (e *Engine) ArchivePeriod(ctx context.Context) (MonthlyResult, error) {
	now := e.now()
	return e.ArchivePeriodFor(ctx, now.Year(), int(now.Month()))
}

// ArchivePeriodFor saves the current leaderboards under year/month. Saving
// the same period again supersedes the earlier result.
func (e *Engine) ArchivePeriodFor(ctx context.Context, year, month int) (MonthlyResult, error) {
	if err := validPeriod(year, month); err != nil {
		return MonthlyResult{}, err
	}
	return e.archivePeriod(ctx, year, month)
}

func (e *Engine) archivePeriod(ctx context.Context, year, month int) (MonthlyResult, error) {
	ctx, span := e.tracer.Start(ctx, "tcstats.archive_period")
	defer span.End()

	result, err := e.archive(ctx, year, month)
	observability.Rollover().Observe("archive", err)
	if err != nil {
		span.RecordError(err)
		return MonthlyResult{}, fmt.Errorf("archive period %04d-%02d: %w", year, month, err)
	}
	e.logger.Info("competition period archived",
		slog.Int("year", year),
		slog.Int("month", month),
		slog.Int("teams", len(result.Teams)))
	return result, nil
}

func (e *Engine) archive(ctx context.Context, year, month int) (MonthlyResult, error) {
	data, err := e.loadStandings(ctx, false)
	if err != nil {
		return MonthlyResult{}, err
	}
	saved := e.now()
	result := MonthlyResult{
		Year:       year,
		Month:      month,
		SavedAt:    &saved,
		Teams:      rankTeams(data),
		Categories: rankCategories(data.users),
	}
	teams, err := json.Marshal(result.Teams)
	if err != nil {
		return MonthlyResult{}, fmt.Errorf("encode teams: %w", err)
	}
	categories, err := json.Marshal(result.Categories)
	if err != nil {
		return MonthlyResult{}, fmt.Errorf("encode categories: %w", err)
	}
	row := models.MonthlyResult{
		Year:       year,
		Month:      month,
		SavedAt:    saved,
		Teams:      datatypes.JSON(teams),
		Categories: datatypes.JSON(categories),
	}
	if err := e.store.SaveMonthlyResult(ctx, &row); err != nil {
		return MonthlyResult{}, err
	}
	return result, nil
}

// MonthlyResult returns the latest archive for year/month. A period that was
// never archived reads as empty leaderboards.
func (e *Engine) MonthlyResult(ctx context.Context, year, month int) (MonthlyResult, error) {
	if err := validPeriod(year, month); err != nil {
		return MonthlyResult{}, err
	}
	result := MonthlyResult{
		Year:       year,
		Month:      month,
		Teams:      []TeamStanding{},
		Categories: NewCategoryLeaderboard(),
	}
	row, err := e.store.LatestMonthlyResult(ctx, year, month)
	if isNotFound(err) {
		return result, nil
	}
	if err != nil {
		return MonthlyResult{}, err
	}
	saved := row.SavedAt.UTC()
	result.SavedAt = &saved
	if err := json.Unmarshal(row.Teams, &result.Teams); err != nil {
		return MonthlyResult{}, fmt.Errorf("decode archived teams: %w", err)
	}
	var categories CategoryLeaderboard
	if err := json.Unmarshal(row.Categories, &categories); err != nil {
		return MonthlyResult{}, fmt.Errorf("decode archived categories: %w", err)
	}
	for category, standings := range categories {
		result.Categories[category] = standings
	}
	return result, nil
}

func validPeriod(year, month int) error {
	if year < 1 || month < 1 || month > 12 {
		return invalid("period %d-%d out of range", year, month)
	}
	return nil
}
