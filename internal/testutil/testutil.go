// Package testutil provides shared test fixtures: deterministic synthetic
// ADC spectra and small HTTP helpers for the API tests.
package testutil

import (
	"math"
	"net/http"
	"net/http/httptest"
	"testing"

	"gonum.org/v1/gonum/stat/distuv"

	"github.com/mice-scifi/adccal/internal/histogram"
)

// Peak is one Gaussian component of a synthetic spectrum. Amplitude is the
// total number of counts in the peak.
type Peak struct {
	Mean      float64
	Sigma     float64
	Amplitude float64
}

// ExpectedSpectrum returns an 8-bit ADC spectrum whose bin contents are the
// exact expected counts of peaks.
func ExpectedSpectrum(peaks ...Peak) *histogram.Histogram1D {
	h := histogram.NewADC()
	for _, p := range peaks {
		n := distuv.Normal{Mu: p.Mean, Sigma: p.Sigma}
		for i := range h.Contents {
			lo := h.BinLowEdge(i)
			h.Contents[i] += p.Amplitude * (n.CDF(lo+h.BinWidth()) - n.CDF(lo))
		}
	}
	return h
}

// Spectrum is ExpectedSpectrum with contents rounded to whole counts.
func Spectrum(peaks ...Peak) *histogram.Histogram1D {
	h := ExpectedSpectrum(peaks...)
	for i, c := range h.Contents {
		h.Contents[i] = math.Round(c)
	}
	return h
}

// PeakTrain returns n equally spaced peaks starting at first with the given
// spacing, width and per-peak amplitudes. Missing amplitudes repeat the
// last one.
func PeakTrain(first, spacing, sigma float64, amplitudes ...float64) []Peak {
	peaks := make([]Peak, len(amplitudes))
	for i, a := range amplitudes {
		peaks[i] = Peak{Mean: first + float64(i)*spacing, Sigma: sigma, Amplitude: a}
	}
	return peaks
}

// AssertStatusCode checks that the response status code matches expected.
func AssertStatusCode(t *testing.T, got, want int) {
	t.Helper()
	if got != want {
		t.Errorf("status code = %d, want %d", got, want)
	}
}

// NewTestRequest creates a test HTTP request.
func NewTestRequest(method, path string) *http.Request {
	return httptest.NewRequest(method, path, nil)
}

// NewTestRecorder creates a test response recorder.
func NewTestRecorder() *httptest.ResponseRecorder {
	return httptest.NewRecorder()
}
