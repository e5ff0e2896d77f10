// Package poisson fits paired dark (LED off) and light (LED on) ADC spectra
// with a Poisson superposition of photo-electron Gaussians sharing one gain,
// pedestal and width model.
package poisson

import (
	"math"

	"gonum.org/v1/gonum/stat/distuv"
)

// MaxPE is the highest photo-electron count summed by Model.
const MaxPE = 6

// Component holds the model parameters of one spectrum.
type Component struct {
	Integral float64
	Mean     float64
	Gain     float64
	Width    float64
	Growth   float64
	Pedestal float64
}

// Model returns the expected count in a bin of width binWidth centred on x:
// sum over n = 0..MaxPE of Integral * P(n; Mean) * N(x; Pedestal+n*Gain,
// Width+n*Growth) * binWidth.
func Model(x float64, c Component, binWidth float64) float64 {
	return c.Curve(binWidth)(x)
}

// Curve returns Model for c as a function of x, with the per-peak weights
// computed once.
func (c Component) Curve(binWidth float64) func(x float64) float64 {
	var weight, mean, inv [MaxPE + 1]float64
	for n := 0; n <= MaxPE; n++ {
		sigma := c.Width + float64(n)*c.Growth
		if sigma <= 0 {
			continue
		}
		weight[n] = c.Integral * poissonProb(n, c.Mean) * binWidth / (sigma * math.Sqrt(2*math.Pi))
		mean[n] = c.Pedestal + float64(n)*c.Gain
		inv[n] = 1 / sigma
	}
	return func(x float64) float64 {
		var sum float64
		for n := range weight {
			if weight[n] == 0 {
				continue
			}
			z := (x - mean[n]) * inv[n]
			sum += weight[n] * math.Exp(-0.5*z*z)
		}
		return sum
	}
}

// AdaptiveModel is Model restricted to the two photo-electron counts either
// side of (x-Pedestal)/Gain. It is cheaper and drops the tails of distant
// peaks.
func AdaptiveModel(x float64, c Component, binWidth float64) float64 {
	if c.Gain == 0 {
		return 0
	}
	n := (x - c.Pedestal) / c.Gain
	lo, hi := math.Floor(n), math.Ceil(n)
	var sum float64
	if lo >= 0 {
		sum += c.term(x, int(lo))
	}
	if hi >= 0 && hi != lo {
		sum += c.term(x, int(hi))
	}
	return sum * binWidth
}

func (c Component) term(x float64, n int) float64 {
	sigma := c.Width + float64(n)*c.Growth
	if sigma <= 0 {
		return 0
	}
	norm := distuv.Normal{Mu: c.Pedestal + float64(n)*c.Gain, Sigma: sigma}
	return c.Integral * poissonProb(n, c.Mean) * norm.Prob(x)
}

// poissonProb is P(k; mean), defined as the k == 0 delta for a zero mean.
func poissonProb(k int, mean float64) float64 {
	if mean <= 0 {
		if k == 0 {
			return 1
		}
		return 0
	}
	return distuv.Poisson{Lambda: mean}.Prob(float64(k))
}
