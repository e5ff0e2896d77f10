package fit

import (
	"math"

	"gonum.org/v1/gonum/stat/distuv"

	"github.com/mice-scifi/adccal/internal/histogram"
)

// Gaussian is an unnormalised Gaussian, Constant*exp(-(x-Mean)^2/(2 Sigma^2)).
type Gaussian struct {
	Constant float64 `json:"constant"`
	Mean     float64 `json:"mean"`
	Sigma    float64 `json:"sigma"`
}

// Eval returns the value of g at x.
func (g Gaussian) Eval(x float64) float64 {
	z := (x - g.Mean) / g.Sigma
	return g.Constant * math.Exp(-0.5*z*z)
}

// Integral returns the analytic integral of g over [a, b].
func (g Gaussian) Integral(a, b float64) float64 {
	sigma := math.Abs(g.Sigma)
	if sigma == 0 {
		return 0
	}
	n := distuv.Normal{Mu: g.Mean, Sigma: sigma}
	return g.Constant * sigma * math.Sqrt(2*math.Pi) * (n.CDF(b) - n.CDF(a))
}

// GaussResult is the outcome of FitGaussian.
type GaussResult struct {
	Gaussian
	Errors [3]float64 `json:"errors"`
	Chi2   float64    `json:"chi2"`
	NDF    int        `json:"ndf"`
	Status Status     `json:"status"`
}

// ChiNDF returns the reduced chi-square, +Inf when there are no degrees of
// freedom.
func (r GaussResult) ChiNDF() float64 {
	if r.NDF <= 0 {
		return math.Inf(1)
	}
	return r.Chi2 / float64(r.NDF)
}

// OK reports whether the minimiser converged to finite parameters.
func (r GaussResult) OK() bool {
	return r.Status == StatusOK
}

// binRange returns the bins whose centres lie in [xmin, xmax].
func binRange(h *histogram.Histogram1D, xmin, xmax float64) (int, int) {
	first, last := -1, -1
	for i := 0; i < h.NBins(); i++ {
		c := h.BinCenter(i)
		if c < xmin || c > xmax {
			continue
		}
		if first < 0 {
			first = i
		}
		last = i
	}
	return first, last
}

// NeymanChi2 returns sum((obs-model)^2/obs) over bins first..last with
// positive content, evaluating model at bin centres, and the number of bins
// that contributed.
func NeymanChi2(h *histogram.Histogram1D, first, last int, model func(x float64) float64) (float64, int) {
	var chi2 float64
	used := 0
	for i := first; i <= last && i < h.NBins(); i++ {
		if i < 0 {
			continue
		}
		obs := h.Contents[i]
		if obs <= 0 {
			continue
		}
		d := obs - model(h.BinCenter(i))
		chi2 += d * d / obs
		used++
	}
	return chi2, used
}

// InitialGaussian estimates a starting point for a Gaussian fit over
// [xmin, xmax]: the largest bin content, the content-weighted mean and RMS.
func InitialGaussian(h *histogram.Histogram1D, xmin, xmax float64) Gaussian {
	first, last := binRange(h, xmin, xmax)
	if first < 0 {
		return Gaussian{Mean: (xmin + xmax) / 2, Sigma: h.BinWidth()}
	}
	var sw, swx, swxx, peak float64
	for i := first; i <= last; i++ {
		c, x := h.Contents[i], h.BinCenter(i)
		sw += c
		swx += c * x
		swxx += c * x * x
		peak = math.Max(peak, c)
	}
	g := Gaussian{Constant: peak, Mean: (xmin + xmax) / 2, Sigma: h.BinWidth()}
	if sw > 0 {
		g.Mean = swx / sw
		if v := swxx/sw - g.Mean*g.Mean; v > 0 {
			g.Sigma = math.Sqrt(v)
		}
	}
	g.Sigma = math.Max(g.Sigma, h.BinWidth()/2)
	return g
}

// FitGaussian fits a Gaussian to the bins of h whose centres lie within
// [xmin, xmax] by minimising the Neyman chi-square. Empty bins do not
// contribute. If init is nil the starting point comes from InitialGaussian.
func FitGaussian(h *histogram.Histogram1D, xmin, xmax float64, init *Gaussian) GaussResult {
	first, last := binRange(h, xmin, xmax)
	start := InitialGaussian(h, xmin, xmax)
	if init != nil {
		start = *init
	}

	_, used := NeymanChi2(h, first, last, func(float64) float64 { return 0 })
	res := GaussResult{Gaussian: start, NDF: used - 3}
	if first < 0 || used < 3 {
		res.Status = StatusInsufficientData
		res.Chi2 = math.NaN()
		res.Mean, res.Sigma = math.NaN(), math.NaN()
		return res
	}

	params := []Param{
		Free("constant", start.Constant),
		Free("mean", start.Mean),
		Free("sigma", start.Sigma),
	}
	m := Minimize(func(x []float64) float64 {
		g := Gaussian{Constant: x[0], Mean: x[1], Sigma: x[2]}
		if g.Sigma == 0 {
			return math.Inf(1)
		}
		chi2, _ := NeymanChi2(h, first, last, g.Eval)
		return chi2
	}, params)

	res.Gaussian = Gaussian{Constant: m.Params[0], Mean: m.Params[1], Sigma: math.Abs(m.Params[2])}
	copy(res.Errors[:], m.Errors)
	res.Chi2 = m.MinValue
	res.Status = m.Status
	return res
}
