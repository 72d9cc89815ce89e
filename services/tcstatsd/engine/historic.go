package engine

import (
	"context"
	"time"

	"tcstats/services/tcstatsd/diff"
	"tcstats/services/tcstatsd/models"
)

// HistoryQuery selects a historic window. The window is the day, month or
// year containing PeriodStart for hourly, daily and monthly buckets.
type HistoryQuery struct {
	Granularity diff.Granularity
	PeriodStart time.Time
	// FillGaps adds flat buckets where nothing was observed.
	FillGaps bool
}

// UserHistory returns a user's per-bucket deltas for the query window. The
// first bucket is the zero-delta base whenever any data exists. Deleted
// users remain queryable.
func (e *Engine) UserHistory(ctx context.Context, userID uint, q HistoryQuery) ([]diff.Bucket, error) {
	if err := q.validate(); err != nil {
		return nil, err
	}
	if _, err := e.store.GetUserIncludingDeleted(ctx, userID); err != nil {
		return nil, err
	}
	_, end := q.Granularity.Period(q.PeriodStart)
	samples, err := e.userSamples(ctx, userID, q)
	if err != nil {
		return nil, err
	}
	buckets := diff.BucketDeltas(samples, q.Granularity)
	if q.FillGaps {
		buckets = diff.FillGaps(buckets, q.Granularity, end)
	}
	return buckets, nil
}

// TeamHistory sums the history of every user while they were on the team,
// including users that have since moved away or been deleted. Points a user
// earned elsewhere are not credited to this team.
func (e *Engine) TeamHistory(ctx context.Context, teamID uint, q HistoryQuery) ([]diff.Bucket, error) {
	if err := q.validate(); err != nil {
		return nil, err
	}
	if _, err := e.store.GetTeam(ctx, teamID); err != nil {
		return nil, err
	}
	start, end := q.Granularity.Period(q.PeriodStart)
	records, err := e.store.TeamTcStatsRange(ctx, teamID, start, end)
	if err != nil {
		return nil, err
	}

	var (
		base     time.Time
		hasBase  bool
		sequence [][]diff.Bucket
	)
	for len(records) > 0 {
		n := 1
		for n < len(records) && records[n].UserID == records[0].UserID {
			n++
		}
		member := records[:n]
		records = records[n:]

		prior, err := e.store.LastTeamTcStatsBefore(ctx, member[0].UserID, teamID, start)
		switch {
		case err == nil:
			member = append([]models.TcStatsRecord{prior}, member...)
		case !isNotFound(err):
			return nil, err
		}
		buckets := diff.BucketDeltas(stitch(member), q.Granularity)
		if !hasBase || buckets[0].Start.Before(base) {
			base, hasBase = buckets[0].Start, true
		}
		sequence = append(sequence, buckets[1:])
	}
	if !hasBase {
		return []diff.Bucket{}, nil
	}
	merged := diff.Merge(sequence...)
	out := append([]diff.Bucket{{Start: base}}, merged...)
	if q.FillGaps {
		out = diff.FillGaps(out, q.Granularity, end)
	}
	return out, nil
}

func (q HistoryQuery) validate() error {
	if _, err := diff.ParseGranularity(string(q.Granularity)); err != nil {
		return invalid("%v", err)
	}
	return nil
}

// userSamples loads the records inside the window, preceded by the last
// record before it when one exists so the first bucket has a base.
func (e *Engine) userSamples(ctx context.Context, userID uint, q HistoryQuery) ([]diff.Sample, error) {
	start, end := q.Granularity.Period(q.PeriodStart)
	records, err := e.store.TcStatsRange(ctx, userID, start, end)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return []diff.Sample{}, nil
	}
	prior, err := e.store.LastTcStatsBefore(ctx, userID, start)
	switch {
	case err == nil:
		records = append([]models.TcStatsRecord{prior}, records...)
	case !isNotFound(err):
		return nil, err
	}
	return stitch(records), nil
}

// stitch joins period records into one running series. Period values drop
// back to zero at every restart record, so the running total up to that
// point is carried into the values that follow.
func stitch(records []models.TcStatsRecord) []diff.Sample {
	samples := make([]diff.Sample, 0, len(records))
	var carry diff.Sample
	for i, rec := range records {
		if rec.Restart && i > 0 {
			carry = samples[i-1]
		}
		samples = append(samples, diff.Sample{
			At:               rec.AsOf,
			Points:           carry.Points + rec.Points,
			MultipliedPoints: carry.MultipliedPoints + rec.MultipliedPoints,
			Units:            carry.Units + rec.Units,
		})
	}
	return samples
}
