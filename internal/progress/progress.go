// Package progress derives item and global completion from per-unit
// fractions. Values are recomputed on demand rather than accumulated, so
// partial updates cannot drift.
package progress

// Fraction returns done/total clamped to [0,1]. With an unknown (zero) total
// the unit is either complete or not started.
func Fraction(done, total int64, complete bool) float64 {
	if total <= 0 {
		if complete {
			return 1
		}
		return 0
	}
	f := float64(done) / float64(total)
	switch {
	case f < 0:
		return 0
	case f > 1:
		return 1
	}
	return f
}

// Item returns the mean of an item's unit fractions.
func Item(fractions map[string]float64) float64 {
	if len(fractions) == 0 {
		return 0
	}
	var sum float64
	for _, f := range fractions {
		sum += f
	}
	return sum / float64(len(fractions))
}

// Global returns the mean progress of the active items, or zero when there
// are none.
func Global(items []float64) float64 {
	if len(items) == 0 {
		return 0
	}
	var sum float64
	for _, p := range items {
		sum += p
	}
	return sum / float64(len(items))
}

// Percent converts a [0,1] fraction into an integer percentage.
func Percent(f float64) int {
	return int(f*100 + 0.5)
}
