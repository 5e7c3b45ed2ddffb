// Copyright 2024 Richard Kelsey. All rights reserved.
// See file LICENSE for notices and license.

package liveness

import (
	"fmt"
	"strings"
)

// A sorted list of disjoint, non-adjacent intervals of program points.
type RangeT struct {
	intervals []IntervalT
}

type IntervalT struct {
	Start int // inclusive
	End   int // exclusive
}

func (rng *RangeT) Intervals() []IntervalT {
	return rng.intervals
}

func (rng *RangeT) IsEmpty() bool {
	return rng == nil || len(rng.intervals) == 0
}

// Intervals must be added in order.  Overlapping or touching the
// last interval extends it.
func (rng *RangeT) Add(interval IntervalT) {
	if interval.End <= interval.Start {
		panic(fmt.Sprintf("empty interval [%d, %d)", interval.Start, interval.End))
	}
	intervals := rng.intervals
	if len(intervals) != 0 {
		last := &intervals[len(intervals)-1]
		if interval.Start < last.Start {
			panic(fmt.Sprintf("interval [%d, %d) added out of order", interval.Start, interval.End))
		}
		if interval.Start <= last.End {
			last.End = max(last.End, interval.End)
			return
		}
	}
	rng.intervals = append(rng.intervals, interval)
}

func (rng *RangeT) Contains(point int) bool {
	for _, interval := range rng.intervals {
		if point < interval.Start {
			return false
		}
		if point < interval.End {
			return true
		}
	}
	return false
}

func (rng *RangeT) Conflicts(other *RangeT) bool {
	x := rng.intervals
	y := other.intervals
	i := 0
	j := 0
	for i < len(x) && j < len(y) {
		if x[i].End <= y[j].Start {
			i += 1
		} else if y[j].End <= x[i].Start {
			j += 1
		} else {
			return true
		}
	}
	return false
}

// The ranges may overlap.
func (rng *RangeT) Union(other *RangeT) *RangeT {
	x := rng.intervals
	y := other.intervals
	i := 0
	j := 0
	result := &RangeT{}
	for i < len(x) && j < len(y) {
		if x[i].Start <= y[j].Start {
			result.Add(x[i])
			i += 1
		} else {
			result.Add(y[j])
			j += 1
		}
	}
	for ; i < len(x); i++ {
		result.Add(x[i])
	}
	for ; j < len(y); j++ {
		result.Add(y[j])
	}
	return result
}

func (rng *RangeT) String() string {
	var builder strings.Builder
	for i, interval := range rng.intervals {
		if i != 0 {
			builder.WriteString(" ")
		}
		fmt.Fprintf(&builder, "[%d,%d)", interval.Start, interval.End)
	}
	return builder.String()
}
