// Package resolver computes which trading days a cached range is
// missing and groups them into contiguous fetch segments.
package resolver

import (
	"time"

	"github.com/quantdb/quantdb/internal/domain"
)

// Segment is a maximal run of consecutive missing trading days.
// Start and End are both trading days; the calendar gap between two
// adjacent trading days (weekend, holiday) never splits a segment.
type Segment struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
	Days  int       `json:"days"`
}

// Resolution is the diff between the trading days a range should hold
// and the days the store actually holds.
type Resolution struct {
	Expected []time.Time
	Missing  []time.Time
	Segments []Segment
	Outcome  domain.Outcome
}

// Complete reports whether the range needs no upstream work.
func (r Resolution) Complete() bool {
	return len(r.Missing) == 0
}

// Resolve diffs the expected trading days against the present set.
// Expected must be in ascending order, as the calendar produces it.
// Two missing days join one segment exactly when they are adjacent in
// the expected sequence; a present day between them forces a split.
func Resolve(expected []time.Time, present map[time.Time]bool) Resolution {
	res := Resolution{Expected: expected}

	prevIdx := -2 // sentinel so the first missing day always opens a segment
	for i, day := range expected {
		if present[day] {
			continue
		}
		res.Missing = append(res.Missing, day)

		if i == prevIdx+1 {
			seg := &res.Segments[len(res.Segments)-1]
			seg.End = day
			seg.Days++
		} else {
			res.Segments = append(res.Segments, Segment{Start: day, End: day, Days: 1})
		}
		prevIdx = i
	}

	switch {
	case len(expected) == 0 || len(res.Missing) == 0:
		res.Outcome = domain.OutcomeHit
	case len(res.Missing) == len(expected):
		res.Outcome = domain.OutcomeMiss
	default:
		res.Outcome = domain.OutcomePartial
	}

	return res
}
