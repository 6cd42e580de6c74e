package analysis

import "math"

// periodic reports whether at least minEvents silence starts recur at a
// steady period: the spread between the longest and shortest gap must not
// exceed tolerance seconds. Editing or time compression breaks the pattern.
func periodic(starts []float64, minEvents int, tolerance float64) bool {
	if minEvents < 2 {
		minEvents = 2
	}
	if len(starts) < minEvents {
		return false
	}
	lo, hi := math.Inf(1), math.Inf(-1)
	for i := 1; i < len(starts); i++ {
		gap := starts[i] - starts[i-1]
		if gap <= 0 {
			return false
		}
		lo = math.Min(lo, gap)
		hi = math.Max(hi, gap)
	}
	return hi-lo <= tolerance
}
