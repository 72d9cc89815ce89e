package diff

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func at(day, hour, minute int) time.Time {
	return time.Date(2024, time.March, day, hour, minute, 0, 0, time.UTC)
}

// scaled builds a sample whose multiplied points are ten times its points and
// whose units are a tenth of them.
func scaled(ts time.Time, points int64) Sample {
	return Sample{At: ts, Points: points, MultipliedPoints: points * 10, Units: points / 10}
}

func TestBucketDeltasHourlyAcrossDayBoundary(t *testing.T) {
	series := []Sample{
		scaled(at(1, 23, 0), 0),
		scaled(at(2, 13, 0), 20),
		scaled(at(2, 14, 0), 100),
	}

	got := BucketDeltas(series, Hour)
	require.Len(t, got, 3)
	require.Equal(t, at(1, 23, 0), got[0].Start)
	require.Zero(t, got[0].Points)

	afterBase := got[1:]
	require.Len(t, afterBase, 2)
	require.Equal(t, int64(20), afterBase[0].Points)
	require.Equal(t, Bucket{Start: at(2, 14, 0), Points: 80, MultipliedPoints: 800, Units: 8}, afterBase[1])
}

func TestBucketDeltasUsesMaximumWithinBucket(t *testing.T) {
	series := []Sample{
		{At: at(5, 9, 30), Points: 0},
		{At: at(5, 10, 5), Points: 50},
		{At: at(5, 10, 40), Points: 110},
		{At: at(5, 10, 20), Points: 100},
		{At: at(5, 11, 0), Points: 200},
	}

	got := BucketDeltas(series, Hour)
	require.Len(t, got, 3)
	require.Equal(t, int64(110), got[1].Points)
	require.Equal(t, int64(90), got[2].Points)
	require.Equal(t, int64(200), got[1].Points+got[2].Points)
}

func TestBucketDeltasLatePartialUpdateDoesNotDecrease(t *testing.T) {
	series := []Sample{
		{At: at(5, 9, 0), Points: 0},
		{At: at(5, 10, 10), Points: 300},
		{At: at(5, 10, 50), Points: 250},
		{At: at(5, 11, 10), Points: 400},
	}

	got := BucketDeltas(series, Hour)
	require.Equal(t, []int64{0, 300, 100}, points(got))
}

func TestBucketDeltasSumMatchesTotalGain(t *testing.T) {
	var series []Sample
	cumulative := int64(1_000)
	start := at(10, 0, 0)
	for i := 0; i < 72; i++ {
		cumulative += int64((i * 37) % 113)
		series = append(series, Sample{
			At:               start.Add(time.Duration(i*25) * time.Minute),
			Points:           cumulative,
			MultipliedPoints: cumulative * 2,
			Units:            cumulative / 100,
		})
	}

	var sumPoints, sumMultiplied, sumUnits int64
	for _, b := range BucketDeltas(series, Hour) {
		sumPoints += b.Points
		sumMultiplied += b.MultipliedPoints
		sumUnits += b.Units
	}

	first, last := series[0], series[len(series)-1]
	require.Equal(t, last.Points-first.Points, sumPoints)
	require.Equal(t, last.MultipliedPoints-first.MultipliedPoints, sumMultiplied)
	require.Equal(t, last.Units-first.Units, sumUnits)
}

func TestBucketDeltasClampsCounterReset(t *testing.T) {
	series := []Sample{
		{At: at(1, 0, 0), Points: 100, Units: 10},
		{At: at(1, 1, 0), Points: 40, Units: 4},
		{At: at(1, 2, 0), Points: 60, Units: 6},
	}

	got := BucketDeltas(series, Hour)
	require.Equal(t, []int64{0, 0, 20}, points(got))
	require.Equal(t, int64(2), got[2].Units)
}

func TestBucketDeltasEmptyAndSingle(t *testing.T) {
	empty := BucketDeltas(nil, Day)
	require.NotNil(t, empty)
	require.Empty(t, empty)

	single := BucketDeltas([]Sample{{At: at(3, 15, 45), Points: 999}}, Day)
	require.Equal(t, []Bucket{{Start: at(3, 0, 0)}}, single)
}

func TestBucketDeltasDailyAndMonthly(t *testing.T) {
	series := []Sample{
		{At: time.Date(2024, time.January, 31, 22, 0, 0, 0, time.UTC), Points: 10},
		{At: time.Date(2024, time.February, 1, 3, 0, 0, 0, time.UTC), Points: 15},
		{At: time.Date(2024, time.February, 1, 20, 0, 0, 0, time.UTC), Points: 30},
		{At: time.Date(2024, time.February, 3, 8, 0, 0, 0, time.UTC), Points: 45},
		{At: time.Date(2024, time.March, 2, 8, 0, 0, 0, time.UTC), Points: 95},
	}

	daily := BucketDeltas(series, Day)
	require.Equal(t, []int64{0, 20, 15, 50}, points(daily))
	require.Equal(t, time.Date(2024, time.February, 3, 0, 0, 0, 0, time.UTC), daily[2].Start)

	monthly := BucketDeltas(series, Month)
	require.Equal(t, []int64{0, 35, 50}, points(monthly))
	require.Equal(t, time.Date(2024, time.February, 1, 0, 0, 0, 0, time.UTC), monthly[1].Start)
}

func TestFillGaps(t *testing.T) {
	buckets := []Bucket{
		{Start: at(1, 0, 0)},
		{Start: at(1, 2, 0), Points: 5},
	}
	filled := FillGaps(buckets, Hour, at(1, 4, 0))
	require.Len(t, filled, 4)
	require.Equal(t, at(1, 1, 0), filled[1].Start)
	require.Zero(t, filled[1].Points)
	require.Equal(t, int64(5), filled[2].Points)
	require.Equal(t, at(1, 3, 0), filled[3].Start)

	require.Empty(t, FillGaps(nil, Hour, at(1, 4, 0)))
}

func TestMergeSumsByStart(t *testing.T) {
	a := []Bucket{{Start: at(1, 1, 0), Points: 1}, {Start: at(1, 3, 0), Points: 3}}
	b := []Bucket{{Start: at(1, 1, 0), Points: 10, Units: 1}, {Start: at(1, 2, 0), Points: 2}}

	merged := Merge(a, b)
	require.Equal(t, []int64{11, 2, 3}, points(merged))
	require.Equal(t, int64(1), merged[0].Units)
}

func TestGranularityPeriod(t *testing.T) {
	ts := time.Date(2024, time.July, 14, 17, 22, 0, 0, time.UTC)

	start, end := Hour.Period(ts)
	require.Equal(t, time.Date(2024, time.July, 14, 0, 0, 0, 0, time.UTC), start)
	require.Equal(t, time.Date(2024, time.July, 15, 0, 0, 0, 0, time.UTC), end)

	start, end = Day.Period(ts)
	require.Equal(t, time.Date(2024, time.July, 1, 0, 0, 0, 0, time.UTC), start)
	require.Equal(t, time.Date(2024, time.August, 1, 0, 0, 0, 0, time.UTC), end)

	start, end = Month.Period(ts)
	require.Equal(t, time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC), start)
	require.Equal(t, time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC), end)

	g, err := ParseGranularity("Daily")
	require.NoError(t, err)
	require.Equal(t, Day, g)
	_, err = ParseGranularity("weekly")
	require.Error(t, err)
}

func points(buckets []Bucket) []int64 {
	out := make([]int64, 0, len(buckets))
	for _, b := range buckets {
		out = append(out, b.Points)
	}
	return out
}
