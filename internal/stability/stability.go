// Package stability compares two calibrations of the tracker and decides
// whether the dark and light yields have stayed put between them.
package stability

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"

	"github.com/mice-scifi/adccal/internal/config"
	"github.com/mice-scifi/adccal/internal/frontend"
	"github.com/mice-scifi/adccal/internal/histogram"
	"github.com/mice-scifi/adccal/internal/monitoring"
)

// CheckedBy is recorded in the status of a calibration this package checked.
const CheckedBy = "ADCStabilityCheck"

// Residual histogram binning.
const (
	ResidualBins = 500
	ResidualLow  = -0.25
	ResidualHigh = 0.25
)

// Residuals is the distribution of one yield difference over the tracker.
type Residuals struct {
	Name   string
	Values []float64
	Hist   *histogram.Histogram1D

	// Mean and RMS cover the values inside the histogram range.
	Mean float64
	RMS  float64

	// Outliers counts values outside [-OutlierWindow, OutlierWindow],
	// including those beyond the histogram range.
	Outliers      int
	MaxMeanRMS    float64
	OutlierWindow float64
	MaxOutliers   int
	Pass          bool
}

func newResiduals(name string, maxMeanRMS, window float64, maxOutliers int) *Residuals {
	return &Residuals{
		Name:          name,
		Hist:          histogram.New(ResidualBins, ResidualLow, ResidualHigh),
		MaxMeanRMS:    maxMeanRMS,
		OutlierWindow: window,
		MaxOutliers:   maxOutliers,
	}
}

func (r *Residuals) add(v float64) {
	r.Values = append(r.Values, v)
	r.Hist.Fill(v, 1)
}

// evaluate computes the statistics and the verdict. A distribution without
// any value in range fails.
func (r *Residuals) evaluate() {
	var in []float64
	for _, v := range r.Values {
		if v >= r.Hist.Low && v < r.Hist.High {
			in = append(in, v)
		}
	}
	first, last := r.Hist.FindBin(-r.OutlierWindow), r.Hist.FindBin(r.OutlierWindow)
	r.Outliers = len(r.Values) - int(math.Round(r.Hist.Integral(first, last)))
	if len(in) == 0 {
		r.Mean, r.RMS = math.NaN(), math.NaN()
		r.Pass = false
		return
	}
	r.Mean, r.RMS = stat.PopMeanStdDev(in, nil)
	r.Pass = r.RMS < r.MaxMeanRMS && math.Abs(r.Mean) < r.MaxMeanRMS && r.Outliers <= r.MaxOutliers
}

func (r *Residuals) String() string {
	return fmt.Sprintf("%s: n=%d mean=%.4f rms=%.4f outliers=%d pass=%t", r.Name, len(r.Values), r.Mean, r.RMS, r.Outliers, r.Pass)
}

// Result is the outcome of a stability check.
type Result struct {
	Dark  *Residuals
	Light *Residuals

	// PedestalDiff holds new minus old pedestal, one bin per ChannelUID.
	PedestalDiff *histogram.Histogram1D

	Compared int
	Skipped  int
	Pass     bool
}

// Check compares the yields of next against old. Channels outside the
// tracker, or without a usable gain or pedestal in next, are skipped. The dark
// residual is the change of Dark_Yield and the light residual the change of
// Light_Yield minus Dark_Yield.
func Check(old, next []frontend.Channel, cfg *config.CalibrationConfig) (*Result, error) {
	if len(old) != len(next) {
		return nil, fmt.Errorf("calibrations differ in size: %d and %d channels", len(old), len(next))
	}
	if len(next) == 0 {
		return nil, errors.New("no channels to compare")
	}
	if cfg == nil {
		cfg = config.EmptyCalibrationConfig()
	}
	res := &Result{
		Dark:         newResiduals("dark yield", cfg.GetStabilityDarkMax(), cfg.GetStabilityDarkOutlier(), cfg.GetStabilityMaxOutliers()),
		Light:        newResiduals("light yield", cfg.GetStabilityLightMax(), cfg.GetStabilityLightOutlier(), cfg.GetStabilityMaxOutliers()),
		PedestalDiff: histogram.New(len(next), -0.5, float64(len(next))-0.5),
	}
	minGain, minPed := cfg.GetStabilityMinGain(), cfg.GetStabilityMinPedestal()

	for i, n := range next {
		o := old[i]
		if n.ChannelUID != o.ChannelUID {
			return nil, fmt.Errorf("channel %d: ChannelUID %d in new and %d in old calibration", i, n.ChannelUID, o.ChannelUID)
		}
		if n.InTracker == 0 || n.ADCGain < minGain || n.ADCPedestal < minPed {
			res.Skipped++
			continue
		}
		res.Compared++
		res.Dark.add(n.DarkYield - o.DarkYield)
		res.Light.add((n.LightYield - n.DarkYield) - (o.LightYield - o.DarkYield))
		res.PedestalDiff.SetBinContent(res.PedestalDiff.FindBin(float64(n.ChannelUID)), n.ADCPedestal-o.ADCPedestal)
	}

	res.Dark.evaluate()
	res.Light.evaluate()
	res.Pass = res.Dark.Pass && res.Light.Pass
	return res, nil
}

// CheckDir compares the directory next with old and records the verdict in
// next's status.
func CheckDir(old, next *frontend.Dir, cfg *config.CalibrationConfig) (*Result, error) {
	oldChans, err := old.LoadChannels()
	if err != nil {
		return nil, err
	}
	nextChans, err := next.LoadChannels()
	if err != nil {
		return nil, err
	}
	res, err := Check(oldChans, nextChans, cfg)
	if err != nil {
		return nil, err
	}
	monitoring.Logf("stability check of %s against %s: %d compared, %d skipped", next.Path, old.Path, res.Compared, res.Skipped)
	monitoring.Logf("  %s", res.Dark)
	monitoring.Logf("  %s", res.Light)

	next.Status.Checked = true
	next.Status.Quality = res.Pass
	next.Status.CheckedBy = CheckedBy
	if err := next.SaveStatus(); err != nil {
		return nil, err
	}
	return res, nil
}
