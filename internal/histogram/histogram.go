// Package histogram provides the binned ADC spectra the calibration chain
// operates on: per-channel 1D spectra and the 2D channel-by-ADC histograms
// they are projected from.
package histogram

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
)

// Histogram1D is a uniformly binned count distribution. Bin i covers
// [Low+i*w, Low+(i+1)*w) where w = (High-Low)/len(Contents). There are no
// under/overflow bins.
type Histogram1D struct {
	Low      float64   `json:"low"`
	High     float64   `json:"high"`
	Contents []float64 `json:"contents"`
}

// New returns an empty histogram with nbins bins over [low, high).
func New(nbins int, low, high float64) *Histogram1D {
	if nbins <= 0 || !(high > low) {
		panic(fmt.Sprintf("histogram: invalid binning %d [%g, %g)", nbins, low, high))
	}
	return &Histogram1D{Low: low, High: high, Contents: make([]float64, nbins)}
}

// NewADC returns an empty 8-bit ADC spectrum, one bin per ADC code.
func NewADC() *Histogram1D {
	return New(256, 0, 256)
}

// FromContents wraps a copy of contents.
func FromContents(contents []float64, low, high float64) *Histogram1D {
	h := New(len(contents), low, high)
	copy(h.Contents, contents)
	return h
}

// NBins returns the number of bins.
func (h *Histogram1D) NBins() int { return len(h.Contents) }

// BinWidth returns the width of each bin.
func (h *Histogram1D) BinWidth() float64 {
	return (h.High - h.Low) / float64(len(h.Contents))
}

// BinCenter returns the centre of bin i.
func (h *Histogram1D) BinCenter(i int) float64 {
	return h.Low + (float64(i)+0.5)*h.BinWidth()
}

// BinLowEdge returns the lower edge of bin i.
func (h *Histogram1D) BinLowEdge(i int) float64 {
	return h.Low + float64(i)*h.BinWidth()
}

// FindBin returns the bin containing x, -1 for underflow and NBins() for
// overflow.
func (h *Histogram1D) FindBin(x float64) int {
	if math.IsNaN(x) || x < h.Low {
		return -1
	}
	if x >= h.High {
		return len(h.Contents)
	}
	i := int((x - h.Low) / h.BinWidth())
	if i >= len(h.Contents) {
		i = len(h.Contents) - 1
	}
	return i
}

// BinContent returns the content of bin i, or 0 outside the axis.
func (h *Histogram1D) BinContent(i int) float64 {
	if i < 0 || i >= len(h.Contents) {
		return 0
	}
	return h.Contents[i]
}

// SetBinContent sets the content of bin i. Out of range bins are ignored.
func (h *Histogram1D) SetBinContent(i int, v float64) {
	if i < 0 || i >= len(h.Contents) {
		return
	}
	h.Contents[i] = v
}

// Fill adds w to the bin containing x.
func (h *Histogram1D) Fill(x, w float64) {
	if i := h.FindBin(x); i >= 0 && i < len(h.Contents) {
		h.Contents[i] += w
	}
}

// ZeroBelow clears bins 0..n-1. Used to suppress spurious low-ADC hits
// before peak search.
func (h *Histogram1D) ZeroBelow(n int) {
	for i := 0; i < n && i < len(h.Contents); i++ {
		h.Contents[i] = 0
	}
}

// Entries returns the total count, derived from the bin contents.
func (h *Histogram1D) Entries() float64 {
	return floats.Sum(h.Contents)
}

// Integral sums bins first..last inclusive, clamped to the axis.
func (h *Histogram1D) Integral(first, last int) float64 {
	if first < 0 {
		first = 0
	}
	if last >= len(h.Contents) {
		last = len(h.Contents) - 1
	}
	if first > last {
		return 0
	}
	return floats.Sum(h.Contents[first : last+1])
}

// Mean returns the content-weighted mean of the bin centres.
func (h *Histogram1D) Mean() float64 {
	var sw, swx float64
	for i, c := range h.Contents {
		sw += c
		swx += c * h.BinCenter(i)
	}
	if sw == 0 {
		return 0
	}
	return swx / sw
}

// RMS returns the content-weighted standard deviation of the bin centres.
func (h *Histogram1D) RMS() float64 {
	mean := h.Mean()
	var sw, swd float64
	for i, c := range h.Contents {
		d := h.BinCenter(i) - mean
		sw += c
		swd += c * d * d
	}
	if sw == 0 {
		return 0
	}
	return math.Sqrt(swd / sw)
}

// MaximumBin returns the index of the most populated bin. Ties resolve to
// the lowest index.
func (h *Histogram1D) MaximumBin() int {
	if len(h.Contents) == 0 {
		return -1
	}
	return floats.MaxIdx(h.Contents)
}

// Clone returns a deep copy.
func (h *Histogram1D) Clone() *Histogram1D {
	return FromContents(h.Contents, h.Low, h.High)
}
