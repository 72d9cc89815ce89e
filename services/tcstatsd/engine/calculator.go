package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"tcstats/observability"
	"tcstats/services/tcstatsd/models"
	"tcstats/services/tcstatsd/provider"
	"tcstats/services/tcstatsd/storage"
)

// Per-user cycle outcomes.
const (
	OutcomeUpdated = "updated"
	OutcomeSkipped = "skipped"
	OutcomeFailed  = "failed"
)

// UserResult describes what a cycle did for one user.
type UserResult struct {
	UserID  uint   `json:"user_id"`
	Outcome string `json:"outcome"`
	Reason  string `json:"reason,omitempty"`
}

// CycleReport summarises one update cycle.
type CycleReport struct {
	ID         string       `json:"id"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt time.Time    `json:"finished_at"`
	Updated    int          `json:"updated"`
	Skipped    int          `json:"skipped"`
	Failed     int          `json:"failed"`
	Results    []UserResult `json:"results"`
}

// UpdateCycle fetches fresh totals for every active user and appends one
// stats record per user stamped at the cycle start.
//
// Provider failures, missing credentials and panics only affect the user
// they happened for. The cycle runs to completion even if ctx is cancelled.
// An error is returned only when the cycle could not run at all.
func (e *Engine) UpdateCycle(ctx context.Context) (CycleReport, error) {
	metrics := observability.Cycle()
	if !e.cycleMu.TryLock() {
		metrics.ObserveRun("busy", 0, time.Time{})
		return CycleReport{}, ErrCycleInProgress
	}
	defer e.cycleMu.Unlock()

	ctx = context.WithoutCancel(ctx)
	report := CycleReport{ID: uuid.NewString(), StartedAt: e.now()}
	ctx, span := e.tracer.Start(ctx, "tcstats.update_cycle")
	span.SetAttributes(attribute.String("cycle_id", report.ID))
	defer span.End()

	logger := e.logger.With(slog.String("cycle_id", report.ID))
	users, err := e.store.ListActiveUsers(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "list users")
		metrics.ObserveRun("error", 0, time.Time{})
		return report, fmt.Errorf("list active users: %w", err)
	}

	results := make([]UserResult, len(users))
	var group errgroup.Group
	group.SetLimit(e.workers)
	for i, user := range users {
		i, user := i, user
		group.Go(func() error {
			results[i] = e.processUser(ctx, logger, user, report.StartedAt)
			return nil
		})
	}
	_ = group.Wait()

	report.Results = results
	for _, res := range results {
		switch res.Outcome {
		case OutcomeUpdated:
			report.Updated++
		case OutcomeSkipped:
			report.Skipped++
		default:
			report.Failed++
		}
	}
	report.FinishedAt = e.now()

	metrics.AddUsers(OutcomeUpdated, report.Updated)
	metrics.AddUsers(OutcomeSkipped, report.Skipped)
	metrics.AddUsers(OutcomeFailed, report.Failed)
	metrics.ObserveRun("success", report.FinishedAt.Sub(report.StartedAt), report.FinishedAt)
	span.SetAttributes(
		attribute.Int("users.updated", report.Updated),
		attribute.Int("users.skipped", report.Skipped),
		attribute.Int("users.failed", report.Failed),
	)
	logger.Info("update cycle finished",
		slog.Int("users", len(users)),
		slog.Int("updated", report.Updated),
		slog.Int("skipped", report.Skipped),
		slog.Int("failed", report.Failed),
		slog.Duration("duration", report.FinishedAt.Sub(report.StartedAt)),
	)
	return report, nil
}

func (e *Engine) processUser(ctx context.Context, logger *slog.Logger, user models.User, asOf time.Time) (result UserResult) {
	result = UserResult{UserID: user.ID}
	logger = logger.With(slog.Any("user_id", user.ID))
	defer func() {
		if r := recover(); r != nil {
			result.Outcome = OutcomeFailed
			result.Reason = fmt.Sprintf("panic: %v", r)
			logger.Error("user update panicked", slog.Any("panic", r))
		}
	}()

	fetchCtx, cancel := context.WithTimeout(ctx, e.userTimeout)
	totals, err := e.provider.FetchTotals(fetchCtx, identity(user))
	cancel()
	if err != nil {
		result.Reason = err.Error()
		switch {
		case errors.Is(err, provider.ErrMissingCredential),
			errors.Is(err, provider.ErrUserNotFound),
			errors.Is(err, provider.ErrConnectionFailure):
			result.Outcome = OutcomeSkipped
			logger.Warn("skipping user", slog.String("error", err.Error()))
		default:
			result.Outcome = OutcomeFailed
			logger.Error("fetch totals failed", slog.String("error", err.Error()))
		}
		return result
	}

	unlock := e.lockUsers(user.ID)
	defer unlock()

	// The user may have moved or been deleted while totals were fetched.
	current, err := e.store.GetUser(ctx, user.ID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			result.Outcome = OutcomeSkipped
			result.Reason = "user deleted"
			return result
		}
		result.Outcome = OutcomeFailed
		result.Reason = err.Error()
		logger.Error("reload user failed", slog.String("error", err.Error()))
		return result
	}

	err = e.store.Transaction(ctx, func(tx *storage.Store) error {
		snap := models.Snapshot{UserID: current.ID, ObservedAt: asOf, Points: totals.Points, Units: totals.Units}
		if err := tx.AppendSnapshot(ctx, &snap); err != nil {
			return err
		}
		baseline, err := tx.GetBaseline(ctx, current.ID)
		if errors.Is(err, storage.ErrNotFound) {
			baseline = models.Baseline{
				UserID:  current.ID,
				Points:  totals.Points,
				Units:   totals.Units,
				Version: 1,
				ResetAt: asOf,
				Reason:  models.BaselineReasonRegistered,
			}
			err = tx.SaveBaseline(ctx, &baseline)
		}
		if err != nil {
			return err
		}
		rec, err := computeRecord(ctx, tx, current, baseline, totals, asOf)
		if err != nil {
			return err
		}
		return tx.AppendTcStats(ctx, &rec, baseline.Version)
	})
	switch {
	case err == nil:
		result.Outcome = OutcomeUpdated
	case errors.Is(err, storage.ErrStaleBaseline):
		result.Outcome = OutcomeSkipped
		result.Reason = err.Error()
		logger.Warn("baseline moved during update", slog.String("error", err.Error()))
	default:
		result.Outcome = OutcomeFailed
		result.Reason = err.Error()
		logger.Error("persist stats failed", slog.String("error", err.Error()))
	}
	return result
}

// computeRecord derives a user's period stats from cumulative totals, the
// baseline and live offsets. Each field is clamped at zero independently.
func computeRecord(ctx context.Context, store *storage.Store, user models.User, baseline models.Baseline, totals provider.Totals, asOf time.Time) (models.TcStatsRecord, error) {
	points := clamp(totals.Points - baseline.Points)
	units := clamp(totals.Units - baseline.Units)
	multiplied := baseline.SegmentMultipliedPoints + multiply(points-baseline.SegmentPoints, user.Hardware.Multiplier)

	offsets, err := store.SumOffsets(ctx, user.ID)
	if err != nil {
		return models.TcStatsRecord{}, err
	}
	return models.TcStatsRecord{
		UserID:           user.ID,
		TeamID:           user.TeamID,
		AsOf:             asOf,
		Points:           clamp(points + offsets.Points),
		MultipliedPoints: clamp(multiplied + offsets.MultipliedPoints),
		Units:            clamp(units + offsets.Units),
	}, nil
}

// latestTotals returns the newest cumulative totals known for a user without
// asking the provider. Users never observed report their baseline.
func latestTotals(ctx context.Context, store *storage.Store, userID uint, baseline models.Baseline) (provider.Totals, error) {
	snap, err := store.LatestSnapshot(ctx, userID)
	if errors.Is(err, storage.ErrNotFound) {
		return provider.Totals{Points: baseline.Points, Units: baseline.Units}, nil
	}
	if err != nil {
		return provider.Totals{}, err
	}
	return provider.Totals{Points: snap.Points, Units: snap.Units}, nil
}
