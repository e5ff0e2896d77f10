package calibrate

import (
	"context"
	"errors"
	"fmt"

	"github.com/mice-scifi/adccal/internal/fit"
	"github.com/mice-scifi/adccal/internal/frontend"
	"github.com/mice-scifi/adccal/internal/histogram"
	"github.com/mice-scifi/adccal/internal/lye"
	"github.com/mice-scifi/adccal/internal/monitoring"
	"github.com/mice-scifi/adccal/internal/poisson"
)

// Internal calibrates every channel from the internal LED histograms. The
// last accepted Poisson fit seeds the fit of the next channel. Cancelling
// ctx aborts the loop and returns ctx.Err().
func (c *Calibrator) Internal(ctx context.Context, chans []frontend.Channel, h frontend.Histograms) (Summary, error) {
	var sum Summary
	if h.LED == nil || h.NoLED == nil {
		return sum, errors.New("internal LED calibration needs both LED and NoLED histograms")
	}

	var seed poisson.Seed
	for i := range chans {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		ch := &chans[i]
		before := len(ch.Issues)
		err := protect(ctx, ch, func() error {
			var err error
			seed, err = c.internalChannel(ctx, ch, h, seed, &sum)
			return err
		})
		if err != nil {
			return sum, err
		}
		sum.tally(ch, before, c.cfg.GetDeadPedestal())
	}
	monitoring.Logf("internal LED calibration: %s", sum)
	return sum, nil
}

func (c *Calibrator) internalChannel(ctx context.Context, ch *frontend.Channel, h frontend.Histograms, seed poisson.Seed, sum *Summary) (poisson.Seed, error) {
	led, noLED, err := spectra(h, ch.ChannelUID, c.cfg.GetLEDZeroBins(), c.cfg.GetNoLEDZeroBins())
	if err != nil {
		return seed, err
	}
	if led.Entries() < 1 {
		ch.AddIssue(4, frontend.IssueInternalLED, "Failed to find LED Data")
		return seed, nil
	}
	if noLED.Entries() < 1 {
		ch.AddIssue(4, frontend.IssueInternalLED, "Missing internal NoLED data")
		return seed, nil
	}

	var accepted *poisson.Result
	if c.cfg.GetPoissonFitEnabled() {
		accepted, seed, err = c.poissonFit(ctx, ch, noLED, led, seed)
		if err != nil {
			return seed, err
		}
		if accepted != nil {
			sum.PoissonFits++
		}
	}

	var ledOpts []lye.Option
	if accepted != nil {
		ledOpts = append(ledOpts, lye.WithPoissonFit(accepted))
	}
	ledRes := c.lye.Process(led, ledOpts...)
	if accepted == nil {
		for _, w := range c.lye.RefinePeaks(led, &ledRes) {
			monitoring.Channelf(ch.ChannelUID, "bad LED fit: %s", w)
		}
	}
	if ledRes.ChannelState != lye.StatePEPeaks {
		ch.AddIssue(4, frontend.IssueInternalLED, "Failed to find LED Peaks")
		return seed, nil
	}
	if accepted == nil {
		ledRes.Gain = c.lye.GainEstimator(ledRes.Peaks)
	}
	ledRes.Offset = ledRes.Peaks[0]

	noLEDOpts := []lye.Option{lye.WithReference(&ledRes)}
	if accepted != nil {
		noLEDOpts = append(noLEDOpts, lye.WithPoissonFit(accepted))
	}
	noLEDRes := c.lye.Process(noLED, noLEDOpts...)

	ch.ADCPedestal = ledRes.Offset
	ch.ADCGain = ledRes.Gain

	std := ledRes.StandardPeaks()
	ledRes.Integrals = lye.PeakIntegrals(led, std)
	noLEDRes.Integrals = lye.PeakIntegrals(noLED, std)
	ch.LightYieldIntLED = &ledRes
	ch.LightYieldIntNoLED = &noLEDRes

	_, _, p, err := histogram.Chi2Test(noLED, led)
	if err != nil {
		return seed, err
	}
	if p > c.cfg.GetLEDMatchMaxPValue() {
		ch.AddIssue(6, frontend.IssueInternalLED, "LED pedestal matches no LED pedestal.")
	}
	return seed, nil
}

// poissonFit runs the joint fit and records its outcome on the channel. It
// returns the fit when it may be used for the light yield estimate.
func (c *Calibrator) poissonFit(ctx context.Context, ch *frontend.Channel, dark, light *histogram.Histogram1D, seed poisson.Seed) (*poisson.Result, poisson.Seed, error) {
	r, err := c.Fit(ctx, dark, light, seed.Params())
	if err != nil {
		if ctx.Err() != nil {
			return nil, seed, ctx.Err()
		}
		monitoring.Channelf(ch.ChannelUID, "Poisson fit: %v", err)
		ch.AddIssue(7, frontend.IssuePoissonFit, fmt.Sprintf("Failed to Fit LED Data, status: %d", fit.StatusFailed))
		return nil, seed, nil
	}
	if r.Status != fit.StatusOK {
		ch.AddIssue(7, frontend.IssuePoissonFit, fmt.Sprintf("Failed to Fit LED Data, status: %d", r.Status))
		return nil, seed, nil
	}

	ch.InternalPoissonFit = &r
	maxChi := c.cfg.GetPoissonMaxChiNDF()
	if chi := r.ChiNDF(); chi > maxChi {
		ch.AddIssue(6, frontend.IssuePoissonFit, fmt.Sprintf("high chisquare/ndf for fit: %d", int(chi)))
		return nil, seed, nil
	}
	return &r, seed.Next(r, maxChi), nil
}
