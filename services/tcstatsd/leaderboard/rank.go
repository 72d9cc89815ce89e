// Package leaderboard ranks scored subjects with shared ranks for ties.
package leaderboard

import (
	"cmp"
	"slices"
)

// Position is where a subject landed on a leaderboard.
type Position struct {
	Rank         int   `json:"rank"`
	Score        int64 `json:"multiplied_points"`
	DiffToLeader int64 `json:"diff_to_leader"`
	DiffToNext   int64 `json:"diff_to_next"`
}

// Ranked pairs a subject with its position.
type Ranked[T any] struct {
	Subject  T
	Position Position
}

// Rank orders items by descending score and assigns positions.
//
// Equal scores share a rank and the next distinct score continues at the
// previous rank plus one, however many were tied. DiffToNext compares with
// the entry directly above, so it is zero for the leader and for every entry
// tied with the one above it. name breaks ties for a stable display order and
// may be nil.
func Rank[T any](items []T, score func(T) int64, name func(T) string) []Ranked[T] {
	sorted := slices.Clone(items)
	slices.SortStableFunc(sorted, func(a, b T) int {
		if c := cmp.Compare(score(b), score(a)); c != 0 {
			return c
		}
		if name == nil {
			return 0
		}
		return cmp.Compare(name(a), name(b))
	})

	out := make([]Ranked[T], 0, len(sorted))
	var leader, previous int64
	rank := 0
	for i, item := range sorted {
		value := score(item)
		switch {
		case i == 0:
			leader, previous = value, value
			rank = 1
		case value != previous:
			rank++
		}
		out = append(out, Ranked[T]{
			Subject: item,
			Position: Position{
				Rank:         rank,
				Score:        value,
				DiffToLeader: leader - value,
				DiffToNext:   previous - value,
			},
		})
		previous = value
	}
	return out
}
