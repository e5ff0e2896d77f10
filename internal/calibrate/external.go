package calibrate

import (
	"context"
	"errors"

	"github.com/mice-scifi/adccal/internal/frontend"
	"github.com/mice-scifi/adccal/internal/lye"
	"github.com/mice-scifi/adccal/internal/monitoring"
)

// External calibrates every channel from the external LED histograms. No
// Poisson fit is attempted. A missing NoLED histogram leaves every channel
// with a missing-data issue after its LED constants are set.
func (c *Calibrator) External(ctx context.Context, chans []frontend.Channel, h frontend.Histograms) (Summary, error) {
	var sum Summary
	if h.LED == nil {
		return sum, errors.New("external LED calibration needs an LED histogram")
	}
	zero := c.cfg.GetNoLEDZeroBins()
	for i := range chans {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		ch := &chans[i]
		before := len(ch.Issues)
		if err := protect(ctx, ch, func() error {
			return c.externalChannel(ch, h, zero)
		}); err != nil {
			return sum, err
		}
		sum.tally(ch, before, c.cfg.GetDeadPedestal())
	}
	monitoring.Logf("external LED calibration: %s", sum)
	return sum, nil
}

func (c *Calibrator) externalChannel(ch *frontend.Channel, h frontend.Histograms, zero int) error {
	led, noLED, err := spectra(h, ch.ChannelUID, zero, zero)
	if err != nil {
		return err
	}
	if led.Entries() < 1 {
		ch.AddIssue(10, frontend.IssueExternalLED, "Missing external LED data")
		return nil
	}

	ledRes := c.lye.Process(led)
	if ledRes.ChannelState != lye.StatePEPeaks {
		ch.AddIssue(4, frontend.IssueExternalLED, "Failed to find LED Peaks")
		return nil
	}
	for _, w := range c.lye.RefinePeaks(led, &ledRes) {
		monitoring.Channelf(ch.ChannelUID, "bad LED fit: %s", w)
	}
	ledRes.Gain = c.lye.GainEstimator(ledRes.Peaks)
	ledRes.Offset = ledRes.Peaks[0]
	ch.ADCPedestal = ledRes.Offset
	ch.ADCGain = ledRes.Gain

	std := ledRes.StandardPeaks()
	ledRes.Integrals = lye.PeakIntegrals(led, std)
	ch.LightYieldExtLED = &ledRes

	if noLED == nil || noLED.Entries() < 1 {
		ch.AddIssue(10, frontend.IssueExternalLED, "Missing external NoLED data")
		return nil
	}
	noLEDRes := c.lye.Process(noLED, lye.WithReference(&ledRes))
	noLEDRes.Integrals = lye.PeakIntegrals(noLED, std)
	ch.LightYieldExtNoLED = &noLEDRes
	return nil
}
