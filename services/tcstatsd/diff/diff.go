// Package diff turns cumulative stats series into per-bucket deltas.
package diff

import (
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"
)

// Granularity is the width of a bucket.
type Granularity string

// Supported granularities.
const (
	Hour  Granularity = "hourly"
	Day   Granularity = "daily"
	Month Granularity = "monthly"
)

// ParseGranularity accepts "hour", "hourly", "day", "daily", "month" and
// "monthly" in any case.
func ParseGranularity(raw string) (Granularity, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "hour", "hourly":
		return Hour, nil
	case "day", "daily":
		return Day, nil
	case "month", "monthly":
		return Month, nil
	default:
		return "", fmt.Errorf("unknown granularity %q", raw)
	}
}

// Truncate returns the UTC start of the bucket containing t.
func (g Granularity) Truncate(t time.Time) time.Time {
	t = t.UTC()
	switch g {
	case Hour:
		return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), 0, 0, 0, time.UTC)
	case Day:
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	default:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	}
}

// Next returns the start of the bucket after the one starting at start.
func (g Granularity) Next(start time.Time) time.Time {
	switch g {
	case Hour:
		return start.Add(time.Hour)
	case Day:
		return start.AddDate(0, 0, 1)
	default:
		return start.AddDate(0, 1, 0)
	}
}

// Period returns the query window a historic lookup covers for g: one day of
// hours, one month of days or one year of months, aligned to contain t.
func (g Granularity) Period(t time.Time) (start, end time.Time) {
	t = t.UTC()
	switch g {
	case Hour:
		start = time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
		return start, start.AddDate(0, 0, 1)
	case Day:
		start = time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
		return start, start.AddDate(0, 1, 0)
	default:
		start = time.Date(t.Year(), time.January, 1, 0, 0, 0, 0, time.UTC)
		return start, start.AddDate(1, 0, 0)
	}
}

// Sample is one cumulative observation.
type Sample struct {
	At               time.Time
	Points           int64
	MultipliedPoints int64
	Units            int64
}

// Bucket is the amount earned inside one bucket.
type Bucket struct {
	Start            time.Time `json:"start"`
	Points           int64     `json:"points"`
	MultipliedPoints int64     `json:"multiplied_points"`
	Units            int64     `json:"units"`
}

// BucketDeltas converts a cumulative series into per-bucket deltas.
//
// The first sample is the base: it is emitted first with a zero delta and
// every later bucket is measured against the bucket before it. Within a
// bucket the sample with the highest points wins. Deltas never go negative.
// Buckets without samples are not emitted.
func BucketDeltas(series []Sample, g Granularity) []Bucket {
	if len(series) == 0 {
		return []Bucket{}
	}
	ordered := slices.Clone(series)
	slices.SortStableFunc(ordered, func(a, b Sample) int {
		return a.At.Compare(b.At)
	})

	base := ordered[0]
	out := []Bucket{{Start: g.Truncate(base.At)}}

	rest := ordered[1:]
	prev := base
	for i := 0; i < len(rest); {
		start := g.Truncate(rest[i].At)
		end := g.Next(start)
		j := i + sort.Search(len(rest)-i, func(k int) bool {
			return !rest[i+k].At.Before(end)
		})
		rep := representative(rest[i:j])
		out = append(out, Bucket{
			Start:            start,
			Points:           clamp(rep.Points - prev.Points),
			MultipliedPoints: clamp(rep.MultipliedPoints - prev.MultipliedPoints),
			Units:            clamp(rep.Units - prev.Units),
		})
		prev = rep
		i = j
	}
	return out
}

// FillGaps returns buckets with a flat entry for every bucket start between
// the first bucket and end (exclusive) that had no observations.
func FillGaps(buckets []Bucket, g Granularity, end time.Time) []Bucket {
	if len(buckets) == 0 {
		return buckets
	}
	out := make([]Bucket, 0, len(buckets))
	next := buckets[0].Start
	for _, b := range buckets {
		for next.Before(b.Start) {
			out = append(out, Bucket{Start: next})
			next = g.Next(next)
		}
		out = append(out, b)
		next = g.Next(b.Start)
	}
	for next.Before(end) {
		out = append(out, Bucket{Start: next})
		next = g.Next(next)
	}
	return out
}

// Merge sums bucket sequences that share a granularity, keyed by bucket start.
// The result is ordered by start.
func Merge(sequences ...[]Bucket) []Bucket {
	byStart := map[time.Time]*Bucket{}
	for _, seq := range sequences {
		for _, b := range seq {
			key := b.Start.UTC()
			acc, ok := byStart[key]
			if !ok {
				acc = &Bucket{Start: key}
				byStart[key] = acc
			}
			acc.Points += b.Points
			acc.MultipliedPoints += b.MultipliedPoints
			acc.Units += b.Units
		}
	}
	out := make([]Bucket, 0, len(byStart))
	for _, b := range byStart {
		out = append(out, *b)
	}
	slices.SortFunc(out, func(a, b Bucket) int {
		return a.Start.Compare(b.Start)
	})
	return out
}

func representative(samples []Sample) Sample {
	best := samples[0]
	for _, s := range samples[1:] {
		if s.Points > best.Points {
			best = s
		}
	}
	return best
}

func clamp(v int64) int64 {
	if v < 0 {
		return 0
	}
	return v
}
