package poisson

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/mice-scifi/adccal/internal/fit"
	"github.com/mice-scifi/adccal/internal/histogram"
	"github.com/mice-scifi/adccal/internal/peaks"
)

// ErrEmptyHistogram is returned when either input spectrum has no entries.
var ErrEmptyHistogram = errors.New("poisson: empty histogram")

// Parameter indices.
const (
	DarkIntegral = iota
	LightIntegral
	DarkMean
	LightMean
	Gain
	Width
	Growth
	Pedestal
	NParams
)

var paramNames = [NParams]string{
	"dark integral", "light integral", "dark mean", "light mean",
	"gain", "width", "width growth", "pedestal",
}

// Params is the joint parameter vector.
type Params [NParams]float64

// Dark returns the model of the dark spectrum.
func (p Params) Dark() Component {
	return Component{
		Integral: p[DarkIntegral], Mean: p[DarkMean],
		Gain: p[Gain], Width: p[Width], Growth: p[Growth], Pedestal: p[Pedestal],
	}
}

// Light returns the model of the light spectrum.
func (p Params) Light() Component {
	return Component{
		Integral: p[LightIntegral], Mean: p[LightMean],
		Gain: p[Gain], Width: p[Width], Growth: p[Growth], Pedestal: p[Pedestal],
	}
}

// Result is the outcome of CombinedFit.
type Result struct {
	Params Params     `json:"params"`
	Errors Params     `json:"errors"`
	Chi2   float64    `json:"chi2"`
	NDF    int        `json:"ndf"`
	Status fit.Status `json:"status"`
}

// ChiNDF returns the reduced chi-square. A fit without degrees of freedom
// reports 100.
func (r Result) ChiNDF() float64 {
	if r.NDF <= 0 {
		return 100
	}
	return r.Chi2 / float64(r.NDF)
}

// Good reports whether the fit converged with a reduced chi-square of at
// most maxChiNDF.
func (r Result) Good(maxChiNDF float64) bool {
	return r.Status == fit.StatusOK && r.ChiNDF() <= maxChiNDF
}

// Gain returns the fitted ADC counts per photo-electron.
func (r Result) Gain() float64 { return r.Params[Gain] }

// Pedestal returns the fitted zero photo-electron position.
func (r Result) Pedestal() float64 { return r.Params[Pedestal] }

// InitialParams derives a starting point from the spectra themselves: the
// dark maximum for the pedestal, the spacing of light peaks for the gain.
func InitialParams(dark, light *histogram.Histogram1D) Params {
	var p Params
	p[DarkIntegral] = dark.Entries()
	p[LightIntegral] = light.Entries()
	p[Pedestal] = dark.BinCenter(dark.MaximumBin())

	gain := peaks.Spacing(peaks.Detect(light, peaks.DefaultOptions()), 0.2)
	if !(gain > 0) {
		gain = 6
	}
	p[Gain] = clamp(gain, 3, 20)
	p[Width] = 1.5
	p[Growth] = 0.1
	p[DarkMean] = clamp((dark.Mean()-p[Pedestal])/p[Gain], 0.001, 5)
	p[LightMean] = clamp((light.Mean()-p[Pedestal])/p[Gain], 0.001, 5)
	return p
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func bounds(init Params, entries [2]float64) []fit.Param {
	ps := make([]fit.Param, NParams)
	for i, which := range []int{DarkIntegral, LightIntegral} {
		hi := 10 * init[which]
		if !(hi > 0) {
			hi = 10 * entries[i]
		}
		ps[which] = fit.Bounded(paramNames[which], init[which], 0, hi)
	}
	ps[DarkMean] = fit.Bounded(paramNames[DarkMean], init[DarkMean], 0, 5)
	ps[LightMean] = fit.Bounded(paramNames[LightMean], init[LightMean], 0, 5)
	ps[Gain] = fit.Bounded(paramNames[Gain], init[Gain], 3, 20)
	ps[Width] = fit.Bounded(paramNames[Width], init[Width], 0.2, 5.5)
	ps[Growth] = fit.Bounded(paramNames[Growth], init[Growth], 0, 1)
	ps[Pedestal] = fit.Bounded(paramNames[Pedestal], init[Pedestal], init[Pedestal]-3, init[Pedestal]+3)
	return ps
}

// Chi2 returns the joint Neyman chi-square of p against both spectra and
// the number of bins used.
func Chi2(dark, light *histogram.Histogram1D, p Params) (float64, int) {
	chiDark, nDark := fit.NeymanChi2(dark, 0, dark.NBins()-1, p.Dark().Curve(dark.BinWidth()))
	chiLight, nLight := fit.NeymanChi2(light, 0, light.NBins()-1, p.Light().Curve(light.BinWidth()))
	return chiDark + chiLight, nDark + nLight
}

// CombinedFit minimises the joint chi-square of the dark and light spectra.
// init seeds the fit; nil derives a seed with InitialParams. The returned
// Result carries the fit status; an error means the fit could not be run.
func CombinedFit(ctx context.Context, dark, light *histogram.Histogram1D, init *Params) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	if dark == nil || light == nil || dark.Entries() <= 0 || light.Entries() <= 0 {
		return Result{}, ErrEmptyHistogram
	}
	if dark.NBins() != light.NBins() {
		return Result{}, fmt.Errorf("binning mismatch: %d vs %d bins", dark.NBins(), light.NBins())
	}

	start := InitialParams(dark, light)
	if init != nil {
		start = *init
	}

	_, used := Chi2(dark, light, start)
	res := Result{NDF: used - NParams}
	if used <= NParams {
		res.Params = start
		res.Status = fit.StatusInsufficientData
		res.Chi2 = math.NaN()
		return res, nil
	}

	var p Params
	m := fit.Minimize(func(x []float64) float64 {
		if ctx.Err() != nil {
			return math.NaN()
		}
		copy(p[:], x)
		chi2, _ := Chi2(dark, light, p)
		return chi2
	}, bounds(start, [2]float64{dark.Entries(), light.Entries()}))
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	copy(res.Params[:], m.Params)
	copy(res.Errors[:], m.Errors)
	res.Chi2 = m.MinValue
	res.Status = m.Status
	return res, nil
}

// Seed carries the parameters of the last good fit from one channel to the
// next. The zero value has no parameters.
type Seed struct {
	params *Params
}

// Params returns a copy of the seed parameters, nil if no fit has been
// accepted yet.
func (s Seed) Params() *Params {
	if s.params == nil {
		return nil
	}
	p := *s.params
	return &p
}

// Next returns the seed for the following channel: r's parameters when r is
// good, otherwise s unchanged.
func (s Seed) Next(r Result, maxChiNDF float64) Seed {
	if !r.Good(maxChiNDF) {
		return s
	}
	p := r.Params
	return Seed{params: &p}
}
