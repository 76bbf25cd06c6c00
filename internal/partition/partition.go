// Package partition splits the account ID space into per-worker ranges.
package partition

import (
	"errors"
	"fmt"
)

// ErrInvalidRange is matched by every InvalidRangeError.
var ErrInvalidRange = errors.New("invalid partition range")

// InvalidRangeError describes a range or worker count that cannot be split.
type InvalidRangeError struct {
	Min     int
	Max     int
	Workers int
	Reason  string
}

func (e *InvalidRangeError) Error() string {
	return fmt.Sprintf("partition [%d, %d) across %d workers: %s", e.Min, e.Max, e.Workers, e.Reason)
}

// Is reports whether target is ErrInvalidRange.
func (e *InvalidRangeError) Is(target error) bool {
	return target == ErrInvalidRange
}

// Range is the closed-open interval [Start, End) owned by one worker.
type Range struct {
	Start int
	End   int
}

// Len returns the number of IDs in the range.
func (r Range) Len() int {
	if r.End <= r.Start {
		return 0
	}
	return r.End - r.Start
}

func (r Range) String() string {
	return fmt.Sprintf("[%d, %d)", r.Start, r.End)
}

// Split divides [lo, hi) into workers contiguous ranges of (hi-lo)/workers IDs.
// The last range absorbs the remainder so the union is exactly [lo, hi).
func Split(lo, hi, workers int) ([]Range, error) {
	switch {
	case workers <= 0:
		return nil, &InvalidRangeError{Min: lo, Max: hi, Workers: workers, Reason: "worker count must be > 0"}
	case lo >= hi:
		return nil, &InvalidRangeError{Min: lo, Max: hi, Workers: workers, Reason: "min must be < max"}
	}

	step := (hi - lo) / workers
	ranges := make([]Range, workers)
	for i := range ranges {
		start := lo + i*step
		end := start + step
		if i == workers-1 {
			end = hi
		}
		ranges[i] = Range{Start: start, End: end}
	}
	return ranges, nil
}
