package calibrate

import (
	"context"
	"errors"
	"fmt"

	"github.com/mice-scifi/adccal/internal/frontend"
	"github.com/mice-scifi/adccal/internal/monitoring"
)

// RunOptions selects which steps of a directory calibration are repeated.
type RunOptions struct {
	// ForceInternal reruns the internal LED loop even when the status says
	// it has already run.
	ForceInternal bool
}

// Report is the outcome of Run.
type Report struct {
	Channels       []frontend.Channel
	Status         frontend.Status
	Internal       *Summary
	External       *Summary
	MissingMapping int
}

// Run calibrates the directory d: it applies the bad channel list and the
// tracker mapping if they have not been applied yet, runs the external and
// internal LED loops that are still pending, and saves the channel list and
// status. Nothing is written when a calibration step fails.
func (c *Calibrator) Run(ctx context.Context, d *frontend.Dir, opts RunOptions) (*Report, error) {
	chans, err := d.LoadChannels()
	if err != nil {
		return nil, err
	}
	rep := &Report{Status: d.Status}
	st := &rep.Status

	if !st.BadFE {
		if err := applyBadChannels(d, chans); err != nil {
			monitoring.Logf("failed to apply bad channel list, ignoring: %v", err)
		} else if d.Config.BadChannels != "" {
			st.BadFE = true
		}
	}

	if !st.Mapped {
		if d.Config.Mapping == "" {
			return nil, errors.New("no tracker mapping configured")
		}
		m, err := frontend.LoadMapping(d.File(d.Config.Mapping))
		if err != nil {
			return nil, err
		}
		if rep.MissingMapping, err = frontend.ApplyMapping(chans, m, c.cfg.GetMaxMissingChannels()); err != nil {
			return nil, err
		}
		if rep.MissingMapping > 0 {
			monitoring.Logf("%d channels are not in the tracker mapping", rep.MissingMapping)
		}
		st.Mapped = true
	}

	if !st.ExternalLED && d.Config.ExternalLED != "" {
		h, err := d.LoadExternal()
		if err != nil {
			return nil, fmt.Errorf("failed to load external LED data: %w", err)
		}
		sum, err := c.External(ctx, chans, h)
		if err != nil {
			return nil, err
		}
		rep.External = &sum
		st.ExternalLED = true
	}

	if !st.InternalLED || opts.ForceInternal {
		h, err := d.LoadInternal()
		if err != nil {
			return nil, fmt.Errorf("failed to load internal LED data: %w", err)
		}
		sum, err := c.Internal(ctx, chans, h)
		if err != nil {
			return nil, err
		}
		rep.Internal = &sum
		st.InternalLED = true
		MarkGood(chans)
	}

	d.Status = *st
	if err := d.SaveChannels(chans); err != nil {
		return nil, err
	}
	if err := d.SaveStatus(); err != nil {
		return nil, err
	}
	rep.Channels = chans
	return rep, nil
}

func applyBadChannels(d *frontend.Dir, chans []frontend.Channel) error {
	if d.Config.BadChannels == "" {
		return nil
	}
	issues, err := frontend.LoadBadChannels(d.File(d.Config.BadChannels))
	if err != nil {
		return err
	}
	return frontend.ApplyBadChannels(chans, issues)
}
