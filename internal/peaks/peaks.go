// Package peaks finds photo-electron peak candidates in ADC spectra.
//
// The search convolves the spectrum with a zero-sum second-derivative-of-
// Gaussian kernel, keeps significant local maxima of the response and refines
// each one on the raw spectrum. Every call builds its own Detector; nothing is
// shared between channels.
package peaks

import (
	"math"
	"sort"

	"github.com/mice-scifi/adccal/internal/histogram"
)

// Options tunes the search.
type Options struct {
	// Sigma is the expected peak width in bins.
	Sigma float64
	// Threshold is the minimum response relative to the strongest peak.
	Threshold float64
	// MinSignificance is the minimum response over its statistical error.
	MinSignificance float64
	// MinWidth is the minimum number of contiguous bins with positive response.
	MinWidth int
	// LowCutoff drops peaks at or below this ADC value.
	LowCutoff float64
}

// DefaultOptions returns the settings used for SciFi ADC spectra.
func DefaultOptions() Options {
	return Options{
		Sigma:           1.95,
		Threshold:       0.005,
		MinSignificance: 3,
		MinWidth:        2,
		LowCutoff:       1.0,
	}
}

// Detector holds the filter for one search. Construct with NewDetector.
type Detector struct {
	opts   Options
	kernel []float64
	half   int
}

// NewDetector builds the filter kernel for opts. Non-positive Sigma falls
// back to the default.
func NewDetector(opts Options) *Detector {
	if !(opts.Sigma > 0) {
		opts.Sigma = DefaultOptions().Sigma
	}
	half := int(math.Ceil(3 * opts.Sigma))
	k := make([]float64, 2*half+1)
	var sum float64
	for j := -half; j <= half; j++ {
		z := float64(j) / opts.Sigma
		v := (1 - z*z) * math.Exp(-0.5*z*z)
		k[j+half] = v
		sum += v
	}
	mean := sum / float64(len(k))
	for i := range k {
		k[i] -= mean
	}
	return &Detector{opts: opts, kernel: k, half: half}
}

// Detect returns the ascending ADC positions of the peaks in h.
func Detect(h *histogram.Histogram1D, opts Options) []float64 {
	return NewDetector(opts).Search(h)
}

// Response returns the filter response and its variance for every bin.
// Bins closer to either edge than the kernel half-width have zero response.
func (d *Detector) Response(h *histogram.Histogram1D) (resp, variance []float64) {
	n := h.NBins()
	resp = make([]float64, n)
	variance = make([]float64, n)
	for i := d.half; i < n-d.half; i++ {
		var r, v float64
		for j := -d.half; j <= d.half; j++ {
			k := d.kernel[j+d.half]
			c := h.Contents[i+j]
			r += k * c
			v += k * k * c
		}
		resp[i] = r
		variance[i] = v
	}
	return resp, variance
}

// Search runs the detector over h.
func (d *Detector) Search(h *histogram.Histogram1D) []float64 {
	n := h.NBins()
	if n < 3 {
		return nil
	}
	resp, variance := d.Response(h)

	var maxResp float64
	for _, r := range resp {
		maxResp = math.Max(maxResp, r)
	}
	if maxResp <= 0 {
		return nil
	}

	var found []float64
	for i := 0; i < n; i++ {
		r := resp[i]
		if r <= 0 {
			continue
		}
		if i > 0 && resp[i-1] >= r {
			continue
		}
		if i < n-1 && resp[i+1] > r {
			continue
		}
		if variance[i] <= 0 || r/math.Sqrt(variance[i]) < d.opts.MinSignificance {
			continue
		}
		if r < d.opts.Threshold*maxResp {
			continue
		}
		if positiveWidth(resp, i) < d.opts.MinWidth {
			continue
		}
		x := refine(h, i)
		if x <= d.opts.LowCutoff {
			continue
		}
		found = append(found, x)
	}
	sort.Float64s(found)
	return found
}

// positiveWidth counts the contiguous bins around i with positive response.
func positiveWidth(resp []float64, i int) int {
	lo, hi := i, i
	for lo > 0 && resp[lo-1] > 0 {
		lo--
	}
	for hi < len(resp)-1 && resp[hi+1] > 0 {
		hi++
	}
	return hi - lo + 1
}

// refine moves to the largest raw bin next to i and interpolates a parabola
// through it and its neighbours.
func refine(h *histogram.Histogram1D, i int) float64 {
	n := h.NBins()
	m := i
	for _, j := range []int{i - 1, i + 1} {
		if j >= 0 && j < n && h.Contents[j] > h.Contents[m] {
			m = j
		}
	}
	x := h.BinCenter(m)
	if m == 0 || m == n-1 {
		return x
	}
	l, c, r := h.Contents[m-1], h.Contents[m], h.Contents[m+1]
	denom := l - 2*c + r
	if denom >= 0 {
		return x
	}
	delta := 0.5 * (l - r) / denom
	delta = math.Max(-0.5, math.Min(0.5, delta))
	return x + delta*h.BinWidth()
}
