// Package interval implements the half-open time range algebra used by the
// auto-scheduler: merging busy ranges and carving free slots out of a window.
package interval

import (
	"slices"
	"sort"
	"time"
)

// Interval is the half-open range [Start, End).
type Interval struct {
	Start time.Time
	End   time.Time
}

// Valid reports whether the interval has positive length.
func (iv Interval) Valid() bool {
	return iv.Start.Before(iv.End)
}

func (iv Interval) Duration() time.Duration {
	return iv.End.Sub(iv.Start)
}

// Overlaps reports whether the two half-open ranges share an instant.
func (iv Interval) Overlaps(o Interval) bool {
	return iv.Start.Before(o.End) && o.Start.Before(iv.End)
}

// Merge returns the sorted union of the input as pairwise disjoint,
// non-touching runs. Zero and negative length inputs are dropped. The input
// slice is not modified.
func Merge(in []Interval) []Interval {
	sorted := make([]Interval, 0, len(in))
	for _, iv := range in {
		if iv.Valid() {
			sorted = append(sorted, iv)
		}
	}
	if len(sorted) == 0 {
		return nil
	}
	slices.SortFunc(sorted, func(a, b Interval) int {
		return a.Start.Compare(b.Start)
	})

	merged := []Interval{sorted[0]}
	for _, cur := range sorted[1:] {
		last := &merged[len(merged)-1]
		// Touching runs merge as well as overlapping ones.
		if !cur.Start.After(last.End) {
			if cur.End.After(last.End) {
				last.End = cur.End
			}
			continue
		}
		merged = append(merged, cur)
	}
	return merged
}

// FreeSlots subtracts busy from window. busy must be sorted and merged (see
// Merge). Busy intervals outside the window are ignored. An invalid window
// yields no slots.
func FreeSlots(window Interval, busy []Interval) []Interval {
	if !window.Valid() {
		return nil
	}

	var slots []Interval
	cursor := window.Start
	for _, b := range busy {
		if !b.Start.Before(window.End) || !b.End.After(window.Start) {
			continue
		}
		busyStart := b.Start
		if busyStart.Before(window.Start) {
			busyStart = window.Start
		}
		if cursor.Before(busyStart) {
			slots = append(slots, Interval{Start: cursor, End: busyStart})
		}
		if b.End.After(cursor) {
			cursor = b.End
		}
	}
	if cursor.Before(window.End) {
		slots = append(slots, Interval{Start: cursor, End: window.End})
	}
	return slots
}

// Set accumulates busy intervals and keeps them merged. The zero value is an
// empty set.
type Set struct {
	runs []Interval
}

func NewSet(in ...Interval) *Set {
	return &Set{runs: Merge(in)}
}

// Add inserts iv, coalescing it with every run it overlaps or touches.
// The result is identical to appending iv and calling Merge again.
func (s *Set) Add(iv Interval) {
	if !iv.Valid() {
		return
	}
	runs := s.runs
	// First run that ends at or after iv starts.
	i := sort.Search(len(runs), func(k int) bool {
		return !runs[k].End.Before(iv.Start)
	})
	j := i
	for j < len(runs) && !runs[j].Start.After(iv.End) {
		if runs[j].Start.Before(iv.Start) {
			iv.Start = runs[j].Start
		}
		if runs[j].End.After(iv.End) {
			iv.End = runs[j].End
		}
		j++
	}

	out := make([]Interval, 0, len(runs)-(j-i)+1)
	out = append(out, runs[:i]...)
	out = append(out, iv)
	out = append(out, runs[j:]...)
	s.runs = out
}

// Intervals returns the merged runs. Callers must not modify the result.
func (s *Set) Intervals() []Interval {
	return s.runs
}

func (s *Set) Len() int {
	return len(s.runs)
}
