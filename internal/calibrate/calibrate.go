// Package calibrate runs the LED calibration loops over every front-end
// channel: internal LED with a Poisson joint fit and light yield estimation,
// and the simpler external LED variant.
package calibrate

import (
	"context"
	"fmt"

	"github.com/mice-scifi/adccal/internal/config"
	"github.com/mice-scifi/adccal/internal/frontend"
	"github.com/mice-scifi/adccal/internal/histogram"
	"github.com/mice-scifi/adccal/internal/lye"
	"github.com/mice-scifi/adccal/internal/monitoring"
	"github.com/mice-scifi/adccal/internal/poisson"
)

// FailedChannel is the comment of the issue raised when a channel could not
// be processed at all.
const FailedChannel = "Failed to process channel"

// Fitter fits the dark and light spectra of one channel jointly.
type Fitter func(ctx context.Context, dark, light *histogram.Histogram1D, init *poisson.Params) (poisson.Result, error)

// Calibrator holds the thresholds and estimators shared by the loops.
type Calibrator struct {
	cfg *config.CalibrationConfig
	lye *lye.Estimator

	// Fit is the Poisson joint fitter, poisson.CombinedFit unless replaced.
	Fit Fitter
}

// New returns a Calibrator. A nil cfg uses the built-in defaults.
func New(cfg *config.CalibrationConfig) *Calibrator {
	if cfg == nil {
		cfg = config.EmptyCalibrationConfig()
	}
	return &Calibrator{cfg: cfg, lye: lye.New(cfg), Fit: poisson.CombinedFit}
}

// Summary counts the outcome of one loop.
type Summary struct {
	Channels    int `json:"channels"`
	Calibrated  int `json:"calibrated"`
	WithIssues  int `json:"with_issues"`
	PoissonFits int `json:"poisson_fits"`
}

func (s Summary) String() string {
	return fmt.Sprintf("%d channels, %d calibrated, %d with issues, %d Poisson fits accepted",
		s.Channels, s.Calibrated, s.WithIssues, s.PoissonFits)
}

// spectra projects the LED and NoLED spectra of a channel and clears their
// lowest bins.
func spectra(h frontend.Histograms, uid, ledZero, noLEDZero int) (led, noLED *histogram.Histogram1D, err error) {
	if led, err = h.LED.ProjectChannel(uid); err != nil {
		return nil, nil, err
	}
	led.ZeroBelow(ledZero)
	if h.NoLED == nil {
		return led, nil, nil
	}
	if noLED, err = h.NoLED.ProjectChannel(uid); err != nil {
		return nil, nil, err
	}
	noLED.ZeroBelow(noLEDZero)
	return led, noLED, nil
}

// protect runs fn for one channel. A returned error or a panic becomes a
// severity-10 issue on the channel. Only cancellation of ctx is returned.
func protect(ctx context.Context, ch *frontend.Channel, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			monitoring.Channelf(ch.ChannelUID, "panic while processing: %v", r)
			ch.AddIssue(10, frontend.IssueData, FailedChannel)
			err = nil
		}
	}()
	if err := fn(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		monitoring.Channelf(ch.ChannelUID, "processing failed: %v", err)
		ch.AddIssue(10, frontend.IssueData, FailedChannel)
	}
	return nil
}

// tally adds the channel to the summary.
func (s *Summary) tally(ch *frontend.Channel, issuesBefore int, deadPedestal float64) {
	s.Channels++
	if len(ch.Issues) > issuesBefore {
		s.WithIssues++
	}
	if ch.Calibrated(deadPedestal) {
		s.Calibrated++
	}
}

// MarkGood sets every channel without issues to GOOD.
func MarkGood(chans []frontend.Channel) {
	for i := range chans {
		if len(chans[i].Issues) == 0 {
			chans[i].Status = frontend.StatusGood
		}
	}
}
