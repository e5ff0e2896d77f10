// Package postprocess derives the per-channel yields and noise rates of a
// finished calibration.
package postprocess

import (
	"context"
	"errors"
	"fmt"

	"github.com/mice-scifi/adccal/internal/config"
	"github.com/mice-scifi/adccal/internal/frontend"
	"github.com/mice-scifi/adccal/internal/histogram"
	"github.com/mice-scifi/adccal/internal/monitoring"
)

// ErrNotCalibrated is returned when the directory has no internal LED
// calibration to post-process.
var ErrNotCalibrated = errors.New("internal LED calibration has not run")

// Summary counts the channels post-processing touched.
type Summary struct {
	Processed int `json:"processed"`
	Skipped   int `json:"skipped"`
}

// Yields fills in Light_Yield, Dark_Yield and the 1 and 2 photo-electron
// noise rates of ch from its LED and NoLED spectra. It reports false when the
// channel has no usable pedestal, gain or NoLED data.
func Yields(ch *frontend.Channel, led, noLED *histogram.Histogram1D, deadPedestal float64) bool {
	if !ch.Calibrated(deadPedestal) || !(ch.ADCGain > 0) {
		return false
	}
	entries := noLED.Entries()
	if entries == 0 {
		return false
	}
	ped, gain := ch.ADCPedestal, ch.ADCGain
	last := noLED.NBins() - 1

	ch.LightYield = (led.Mean() - ped) / gain
	ch.DarkYield = (noLED.Mean() - ped) / gain
	ch.Noise1PERate = noLED.Integral(noLED.FindBin(ped+gain), last) / entries
	ch.Noise2PERate = noLED.Integral(noLED.FindBin(ped+2*gain), last) / entries
	return true
}

// Process runs Yields over every channel.
func Process(ctx context.Context, chans []frontend.Channel, h frontend.Histograms, cfg *config.CalibrationConfig) (Summary, error) {
	var sum Summary
	if h.LED == nil || h.NoLED == nil {
		return sum, errors.New("post-processing needs both internal LED and NoLED histograms")
	}
	if cfg == nil {
		cfg = config.EmptyCalibrationConfig()
	}
	dead := cfg.GetDeadPedestal()
	for i := range chans {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		ch := &chans[i]
		led, err := h.LED.ProjectChannel(ch.ChannelUID)
		if err != nil {
			return sum, err
		}
		noLED, err := h.NoLED.ProjectChannel(ch.ChannelUID)
		if err != nil {
			return sum, err
		}
		if Yields(ch, led, noLED, dead) {
			sum.Processed++
		} else {
			sum.Skipped++
		}
	}
	return sum, nil
}

// Dir post-processes the calibration directory d, saves it and writes the
// MAUS export when one is configured. A directory that is already
// post-processed is only re-exported.
func Dir(ctx context.Context, d *frontend.Dir, cfg *config.CalibrationConfig) (Summary, []frontend.Channel, error) {
	var sum Summary
	if !d.Status.InternalLED {
		return sum, nil, fmt.Errorf("%s: %w", d.Path, ErrNotCalibrated)
	}
	if cfg == nil {
		cfg = config.EmptyCalibrationConfig()
	}
	chans, err := d.LoadChannels()
	if err != nil {
		return sum, nil, err
	}

	if !d.Status.PostProcessed {
		h, err := d.LoadInternal()
		if err != nil {
			return sum, nil, fmt.Errorf("failed to load internal LED data: %w", err)
		}
		if sum, err = Process(ctx, chans, h, cfg); err != nil {
			return sum, nil, err
		}
		monitoring.Logf("post-processing: %d channels processed, %d skipped", sum.Processed, sum.Skipped)
		d.Status.PostProcessed = true
		if err := d.SaveChannels(chans); err != nil {
			return sum, nil, err
		}
		if err := d.SaveStatus(); err != nil {
			return sum, nil, err
		}
	}

	if d.Config.MAUSCalibration != "" {
		path := d.File(d.Config.MAUSCalibration)
		if err := frontend.ExportMAUS(path, chans, cfg.GetExportGainMin(), cfg.GetExportGainMax()); err != nil {
			return sum, chans, err
		}
		monitoring.Logf("wrote MAUS calibration to %s", path)
	}
	return sum, chans, nil
}
