// Package update derives a new calibration from an old, post-processed one
// by refitting only the pedestals on new NoLED data. Gains are carried over.
package update

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/mice-scifi/adccal/internal/config"
	"github.com/mice-scifi/adccal/internal/fit"
	"github.com/mice-scifi/adccal/internal/frontend"
	"github.com/mice-scifi/adccal/internal/histogram"
	"github.com/mice-scifi/adccal/internal/monitoring"
)

// ErrPrecondition is returned when the old calibration is not complete
// enough to serve as a base, or the new one lacks NoLED data.
var ErrPrecondition = errors.New("calibration update precondition not met")

// Calibration is one side of an update.
type Calibration struct {
	Channels []frontend.Channel
	Status   frontend.Status
	NoLED    *histogram.Histogram2D
}

// Outcome is what happened to one channel.
type Outcome string

const (
	OutcomeSkipped  Outcome = "skipped"
	OutcomeAdopted  Outcome = "adopted"
	OutcomeRejected Outcome = "rejected"
)

// ChannelResult records the update of one channel.
type ChannelResult struct {
	ChannelUID  int              `json:"channel_uid"`
	Outcome     Outcome          `json:"outcome"`
	OldPedestal float64          `json:"old_pedestal"`
	NewPedestal float64          `json:"new_pedestal"`
	Fit         *fit.GaussResult `json:"fit,omitempty"`
	Issues      int              `json:"issues"`
}

// Report summarises an update.
type Report struct {
	Channels []ChannelResult `json:"channels"`
	Adopted  int             `json:"adopted"`
	Rejected int             `json:"rejected"`
	Skipped  int             `json:"skipped"`
}

// Update fills next.Channels from old.Channels, refitting the pedestal of
// every usable channel on next.NoLED. A refit is adopted only when the fit is
// acceptable, the pedestal has not jumped, and the channel collected no more
// than the allowed number of issues in this pass. Any issue clears the
// channel's AcceptedBad override.
func Update(ctx context.Context, old, next *Calibration, cfg *config.CalibrationConfig) (Report, error) {
	var rep Report
	switch {
	case !old.Status.PostProcessed:
		return rep, fmt.Errorf("%w: old calibration was not post-processed", ErrPrecondition)
	case !old.Status.InternalLED:
		return rep, fmt.Errorf("%w: old calibration has no internal LED calibration", ErrPrecondition)
	case next.NoLED == nil:
		return rep, fmt.Errorf("%w: new calibration has no internal NoLED data", ErrPrecondition)
	}
	if cfg == nil {
		cfg = config.EmptyCalibrationConfig()
	}

	next.Channels = frontend.CloneChannels(old.Channels)
	next.Status.Mapped = old.Status.Mapped
	next.Status.BadFE = old.Status.BadFE
	next.Status.ExternalLED = old.Status.ExternalLED

	u := updater{cfg: cfg, noLED: next.NoLED}
	for i := range next.Channels {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		r := u.channel(&next.Channels[i])
		switch r.Outcome {
		case OutcomeAdopted:
			rep.Adopted++
		case OutcomeRejected:
			rep.Rejected++
		default:
			rep.Skipped++
		}
		rep.Channels = append(rep.Channels, r)
	}

	next.Status.InternalLED = true
	monitoring.Logf("calibration update: %d adopted, %d rejected, %d skipped", rep.Adopted, rep.Rejected, rep.Skipped)
	return rep, nil
}

type updater struct {
	cfg   *config.CalibrationConfig
	noLED *histogram.Histogram2D
}

func (u updater) channel(ch *frontend.Channel) (r ChannelResult) {
	r = ChannelResult{ChannelUID: ch.ChannelUID, Outcome: OutcomeSkipped, OldPedestal: ch.ADCPedestal, NewPedestal: ch.ADCPedestal}
	if !ch.Calibrated(u.cfg.GetDeadPedestal()) {
		return r
	}
	if ch.MaxSeverity() > u.cfg.GetUpdateSkipSeverity() && !ch.AcceptedBad() {
		return r
	}

	before := len(ch.Issues)
	r.Outcome = OutcomeRejected
	defer func() {
		r.Issues = len(ch.Issues) - before
		if r.Issues > 0 {
			ch.ClearAcceptedBad()
		}
	}()

	spectrum, err := u.noLED.ProjectChannel(ch.ChannelUID)
	if err != nil {
		monitoring.Channelf(ch.ChannelUID, "update: %v", err)
		ch.AddIssue(10, frontend.IssueData, "Failed to process channel")
		return r
	}
	spectrum.ZeroBelow(u.cfg.GetNoLEDZeroBins())
	if spectrum.Entries() < 1 {
		ch.AddIssue(8, frontend.IssueCalibrationUpdate, "No NoLED data for pedestal fit")
		return r
	}

	res := FitPedestal(spectrum, u.cfg)
	r.Fit = &res
	if !res.OK() {
		ch.AddIssue(8, frontend.IssueCalibrationUpdate, fmt.Sprintf("Pedestal fit failed: %s", res.Status))
		return r
	}
	chi := res.ChiNDF()
	switch {
	case chi > u.cfg.GetUpdateSevereChiNDF():
		ch.AddIssue(10, frontend.IssueCalibrationUpdate, fmt.Sprintf("Fit completed with unsatisfactory chisquare: %.2f", chi))
		return r
	case chi > u.cfg.GetUpdateMaxChiNDF():
		ch.AddIssue(8, frontend.IssueCalibrationUpdate, fmt.Sprintf("Fit completed with unsatisfactory chisquare: %.2f", chi))
		return r
	}

	shift := res.Mean - ch.ADCPedestal
	switch {
	case math.Abs(shift) > u.cfg.GetPedestalTolerance():
		ch.AddIssue(6, frontend.IssueCalibrationUpdate, fmt.Sprintf("Pedestal moved by %.2f, above tolerance", shift))
		return r
	case math.Abs(shift) > u.cfg.GetPedestalDriftWarning():
		ch.AddIssue(2, frontend.IssueCalibrationUpdate, fmt.Sprintf("Pedestal drifted by %.2f", shift))
	}
	if len(ch.Issues)-before > u.cfg.GetUpdateMaxIssues() {
		return r
	}

	ch.ADCPedestal = res.Mean
	r.NewPedestal = res.Mean
	r.Outcome = OutcomeAdopted
	return r
}

// FitPedestal fits a Gaussian around the most populated bin of spectrum.
func FitPedestal(spectrum *histogram.Histogram1D, cfg *config.CalibrationConfig) fit.GaussResult {
	peak := spectrum.MaximumBin()
	centre := spectrum.BinCenter(peak)
	init := fit.Gaussian{Constant: spectrum.BinContent(peak), Mean: centre, Sigma: cfg.GetUpdateInitialSigma()}
	return fit.FitGaussian(spectrum, centre-cfg.GetUpdateFitBelow(), centre+cfg.GetUpdateFitAbove(), &init)
}

// UpdateDir updates the calibration directory next from old and saves the
// result.
func UpdateDir(ctx context.Context, old, next *frontend.Dir, cfg *config.CalibrationConfig) (Report, error) {
	chans, err := old.LoadChannels()
	if err != nil {
		return Report{}, err
	}
	noLED, err := next.LoadHistogram(next.Config.InternalNoLED)
	if err != nil {
		return Report{}, fmt.Errorf("failed to load new NoLED data: %w", err)
	}

	base := &Calibration{Channels: chans, Status: old.Status}
	cal := &Calibration{Status: next.Status, NoLED: noLED}
	rep, err := Update(ctx, base, cal, cfg)
	if err != nil {
		return rep, err
	}
	next.Status = cal.Status
	if err := next.SaveChannels(cal.Channels); err != nil {
		return rep, err
	}
	return rep, next.SaveStatus()
}
