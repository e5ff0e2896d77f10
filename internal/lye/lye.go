// Package lye estimates the light yield of a SciFi channel from its ADC
// spectrum: it classifies the spectrum, locates the photo-electron peaks and
// derives gain, pedestal, dark count rate and mean photo-electron yield.
package lye

import (
	"fmt"
	"math"

	"github.com/mice-scifi/adccal/internal/config"
	"github.com/mice-scifi/adccal/internal/fit"
	"github.com/mice-scifi/adccal/internal/histogram"
	"github.com/mice-scifi/adccal/internal/peaks"
	"github.com/mice-scifi/adccal/internal/poisson"
)

// NumStandardPeaks is the number of photo-electron windows (0..4 p.e.)
// integrated by PeakIntegrals.
const NumStandardPeaks = 5

// Result is the light yield record of one spectrum.
type Result struct {
	ChannelState     ChannelState `json:"ChannelState"`
	Peaks            []float64    `json:"Peaks"`
	Gain             float64      `json:"gain"`
	Offset           float64      `json:"offset"`
	DarkCounts       float64      `json:"darkcounts"`
	DarkCountsLegacy float64      `json:"darkcounts_old"`
	PE               float64      `json:"pe"`
	Mean             float64      `json:"Mean"`
	RMS              float64      `json:"RMS"`
	Integrals        []float64    `json:"Integrals"`
}

// Valid reports whether the spectrum produced a calibration.
func (r *Result) Valid() bool {
	return r != nil && r.ChannelState == StatePEPeaks
}

// StandardPeaks returns the expected positions of the 0..4 p.e. peaks.
func (r *Result) StandardPeaks() []float64 {
	return StandardPeaks(r.Offset, r.Gain)
}

// StandardPeaks returns offset + i*gain for i = 0..NumStandardPeaks-1.
func StandardPeaks(offset, gain float64) []float64 {
	out := make([]float64, NumStandardPeaks)
	for i := range out {
		out[i] = offset + float64(i)*gain
	}
	return out
}

// Estimator processes spectra with one set of thresholds. It keeps no
// per-spectrum state.
type Estimator struct {
	cfg *config.CalibrationConfig
}

// New returns an Estimator. A nil cfg uses the defaults.
func New(cfg *config.CalibrationConfig) *Estimator {
	if cfg == nil {
		cfg = config.EmptyCalibrationConfig()
	}
	return &Estimator{cfg: cfg}
}

type options struct {
	reference *Result
	poisson   *poisson.Result
}

// Option modifies a Process call.
type Option func(*options)

// WithReference locks gain, offset and peaks to those of ref, normally the
// LED-on record paired with an LED-off spectrum.
func WithReference(ref *Result) Option {
	return func(o *options) { o.reference = ref }
}

// WithPoissonFit takes gain and pedestal from a joint Poisson fit instead of
// searching for peaks.
func WithPoissonFit(r *poisson.Result) Option {
	return func(o *options) { o.poisson = r }
}

// PeakOptions returns the peak search settings.
func (e *Estimator) PeakOptions() peaks.Options {
	return peaks.Options{
		Sigma:           e.cfg.GetPeakSigma(),
		Threshold:       e.cfg.GetPeakThreshold(),
		MinSignificance: e.cfg.GetPeakMinSignificance(),
		MinWidth:        e.cfg.GetPeakMinWidth(),
		LowCutoff:       e.cfg.GetPeakLowCutoff(),
	}
}

// Process classifies h and, for spectra with resolved photo-electron peaks,
// fills gain, offset, dark counts and yield.
func (e *Estimator) Process(h *histogram.Histogram1D, opts ...Option) Result {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	res := Result{ChannelState: StateInvalid, Mean: h.Mean(), RMS: h.RMS()}

	if h.Entries() == 0 {
		res.ChannelState = StateNoData
		return res
	}
	if e.DetectBreakdown(h) {
		res.ChannelState = StateBreakdown
		return res
	}

	if o.poisson != nil {
		res.Offset = o.poisson.Pedestal()
		res.Gain = o.poisson.Gain()
		for n := 0; n < NumStandardPeaks; n++ {
			p := res.Offset + float64(n)*res.Gain
			if p >= h.High {
				break
			}
			res.Peaks = append(res.Peaks, p)
		}
		e.finish(h, &res)
		return res
	}

	found := peaks.Detect(h, e.PeakOptions())
	if len(found) == 0 {
		res.ChannelState = StateNoPeaks
		return res
	}
	res.Peaks = found

	ref := o.reference
	if len(found) == 1 && (ref == nil || len(ref.Peaks) < 2) {
		res.ChannelState = StateNoPEPeaks
		res.DarkCounts = e.EstimateDarkCount(h, res.Peaks)
		return res
	}

	if ref != nil {
		if (len(found) > len(ref.Peaks) && len(found) < 5) || len(ref.Peaks) < 2 {
			res.ChannelState = StateLEDPeakMismatch
			return res
		}
		res.Gain = ref.Gain
		res.Offset = ref.Offset
		res.Peaks = append([]float64(nil), ref.Peaks...)
	} else {
		res.Gain = e.GainEstimator(res.Peaks)
		res.Offset = res.Peaks[0]
	}
	e.finish(h, &res)
	return res
}

func (e *Estimator) finish(h *histogram.Histogram1D, res *Result) {
	res.ChannelState = StatePEPeaks
	res.DarkCountsLegacy = LegacyDarkCount(h, res.Peaks)
	res.DarkCounts = e.EstimateDarkCount(h, res.Peaks)
	if res.Gain > 0 {
		res.PE = (h.Mean() - res.Offset) / res.Gain
	}
}

// GainEstimator returns the photo-electron spacing of an ascending peak
// list: 0 for fewer than two peaks, the single gap for two, otherwise the
// mean of the gaps within the gain tolerance of the median gap.
func (e *Estimator) GainEstimator(positions []float64) float64 {
	return peaks.Spacing(positions, e.cfg.GetGainTolerance())
}

// DetectBreakdown reports a spectrum with more than the allowed fraction of
// its entries at or above the breakdown ADC value or in the lowest bins.
func (e *Estimator) DetectBreakdown(h *histogram.Histogram1D) bool {
	entries := h.Entries()
	if entries <= 0 {
		return false
	}
	high := h.Integral(h.FindBin(e.cfg.GetBreakdownADC()), h.NBins()-1)
	low := h.Integral(0, e.cfg.GetBreakdownLowBins()-1)
	return (high+low)/entries > e.cfg.GetBreakdownMaxRatio()
}

// EstimateDarkCount returns the fraction of counts more than one pedestal
// sigma above the pedestal, after subtracting the pedestal's own Gaussian
// tail, halved and floored. The pedestal is fitted around positions[0].
// It returns 0 when the counted range holds no more than the configured
// minimum.
func (e *Estimator) EstimateDarkCount(h *histogram.Histogram1D, positions []float64) float64 {
	if len(positions) == 0 {
		return 0
	}
	minBin, maxBin := e.cfg.GetDarkCountMinBin(), e.cfg.GetDarkCountMaxBin()
	counts := h.Integral(minBin, maxBin)
	if counts <= e.cfg.GetDarkCountMinimum() {
		return 0
	}

	p0 := positions[0]
	ped := fit.FitGaussian(h, p0-e.cfg.GetDarkFitBelow(), p0+e.cfg.GetDarkFitAbove(), nil)

	thr := h.FindBin(ped.Mean + ped.Sigma)
	over := h.Integral(thr, maxBin)
	expected := ped.Integral(h.BinCenter(thr), h.BinCenter(maxBin))

	dc := (over - expected) / counts / 2
	floor := e.cfg.GetDarkCountFloor()
	if !(dc > floor) {
		return floor
	}
	return dc
}

// LegacyDarkCount is the fraction of entries at or above the 1 p.e. peak.
// It is biased high and kept for comparison with older calibrations.
func LegacyDarkCount(h *histogram.Histogram1D, positions []float64) float64 {
	if len(positions) < 2 {
		return 0
	}
	total := h.Integral(0, h.NBins()-1)
	if total == 0 {
		return 0
	}
	return h.Integral(h.FindBin(positions[1]), h.NBins()-1) / total
}

// PeakIntegrals sums the bins whose centres fall within half a peak spacing
// of each expected peak. The spacing is taken from the first two peaks.
func PeakIntegrals(h *histogram.Histogram1D, expected []float64) []float64 {
	out := make([]float64, len(expected))
	if len(expected) == 0 {
		return out
	}
	half := 0.0
	if len(expected) > 1 {
		half = math.Abs(expected[1]-expected[0]) / 2
	}
	for i := 0; i < h.NBins(); i++ {
		c := h.BinCenter(i)
		for k, p := range expected {
			if c >= p-half && c < p+half {
				out[k] += h.Contents[i]
				break
			}
		}
	}
	return out
}

// FitPeak fits a Gaussian within a third of the gain around res.Peaks[i].
func FitPeak(h *histogram.Histogram1D, res *Result, i int) fit.GaussResult {
	p := res.Peaks[i]
	w := res.Gain / 3
	return fit.FitGaussian(h, p-w, p+w, nil)
}

// RefinePeaks replaces each peak with its Gaussian refit when the refit is
// finite and moved by less than the configured shift. It returns a warning
// for every refit it rejects.
func (e *Estimator) RefinePeaks(h *histogram.Histogram1D, res *Result) []string {
	var warnings []string
	maxShift := e.cfg.GetPeakRefitMaxShift()
	for i, p := range res.Peaks {
		refit := FitPeak(h, res, i)
		if math.Abs(refit.Mean-p) < maxShift && !math.IsNaN(refit.Mean) {
			res.Peaks[i] = refit.Mean
			continue
		}
		warnings = append(warnings, fmt.Sprintf("peak %d at %.2f: refit to %.2f rejected", i, p, refit.Mean))
	}
	return warnings
}
