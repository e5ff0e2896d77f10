package peaks

import "sort"

// Spacing estimates the distance between adjacent peaks of an ascending
// peak list. Gaps further than tolerance (a fraction) from the median gap
// are dropped and the rest averaged; the median is returned when none is
// left. Two peaks give their single gap, fewer give 0.
func Spacing(positions []float64, tolerance float64) float64 {
	if len(positions) < 2 {
		return 0
	}
	steps := make([]float64, len(positions)-1)
	for i := 1; i < len(positions); i++ {
		steps[i-1] = positions[i] - positions[i-1]
	}
	med := Median(steps)
	var sum float64
	n := 0
	for _, s := range steps {
		d := s - med
		if d < 0 {
			d = -d
		}
		if d < tolerance*med {
			sum += s
			n++
		}
	}
	if n == 0 {
		return med
	}
	return sum / float64(n)
}

// Median returns the median of v, averaging the middle pair for even
// lengths. v is not modified.
func Median(v []float64) float64 {
	if len(v) == 0 {
		return 0
	}
	s := append([]float64(nil), v...)
	sort.Float64s(s)
	mid := len(s) / 2
	if len(s)%2 == 1 {
		return s[mid]
	}
	return (s[mid-1] + s[mid]) / 2
}
