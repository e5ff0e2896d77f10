package update

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mice-scifi/adccal/internal/config"
	"github.com/mice-scifi/adccal/internal/frontend"
	"github.com/mice-scifi/adccal/internal/histogram"
	"github.com/mice-scifi/adccal/internal/monitoring"
	"github.com/mice-scifi/adccal/internal/testutil"
)

func mute(t *testing.T) {
	t.Helper()
	monitoring.SetLogger(nil)
	t.Cleanup(func() { monitoring.SetLogger(log.Printf) })
}

func pedestal(mean float64) *histogram.Histogram1D {
	return testutil.ExpectedSpectrum(testutil.Peak{Mean: mean, Sigma: 1.8, Amplitude: 20000})
}

// base returns n calibrated channels with pedestal 25 and gain 6.
func base(n int) *Calibration {
	chans := frontend.GenerateChannels()[:n]
	for i := range chans {
		chans[i].ADCPedestal = 25
		chans[i].ADCGain = 6
		chans[i].Status = frontend.StatusGood
	}
	return &Calibration{
		Channels: chans,
		Status:   frontend.Status{Mapped: true, BadFE: true, InternalLED: true, PostProcessed: true, Checked: true},
	}
}

func noLED(t *testing.T, spectra ...*histogram.Histogram1D) *histogram.Histogram2D {
	t.Helper()
	h := histogram.New2D(len(spectra), 256, 0, 256)
	for uid, s := range spectra {
		require.NoError(t, h.SetChannel(uid, s))
	}
	return h
}

func TestUpdate_Preconditions(t *testing.T) {
	h := noLED(t, pedestal(25))
	tests := []struct {
		name string
		old  func(*Calibration)
		next *Calibration
	}{
		{"old not post-processed", func(c *Calibration) { c.Status.PostProcessed = false }, &Calibration{NoLED: h}},
		{"old without internal LED", func(c *Calibration) { c.Status.InternalLED = false }, &Calibration{NoLED: h}},
		{"new without NoLED", func(*Calibration) {}, &Calibration{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			old := base(1)
			tt.old(old)
			_, err := Update(context.Background(), old, tt.next, nil)
			assert.ErrorIs(t, err, ErrPrecondition)
			assert.Nil(t, tt.next.Channels)
		})
	}
}

func TestUpdate(t *testing.T) {
	mute(t)
	old := base(6)
	old.Channels[4].ADCPedestal = 0.5
	old.Channels[5].AddIssue(7, frontend.IssuePoissonFit, "Failed to Fit LED Data, status: 1")

	next := &Calibration{NoLED: noLED(t,
		pedestal(25.3),
		pedestal(25.9),
		pedestal(29),
		testutil.ExpectedSpectrum(testutil.Peak{Mean: 25, Sigma: 1.8, Amplitude: 100000}, testutil.Peak{Mean: 29, Sigma: 1.8, Amplitude: 60000}),
		pedestal(25),
		pedestal(25),
	)}

	rep, err := Update(context.Background(), old, next, config.EmptyCalibrationConfig())
	require.NoError(t, err)
	require.Len(t, rep.Channels, 6)
	assert.Equal(t, 2, rep.Adopted)
	assert.Equal(t, 2, rep.Rejected)
	assert.Equal(t, 2, rep.Skipped)
	assert.Equal(t, frontend.Status{Mapped: true, BadFE: true, InternalLED: true}, next.Status)

	t.Run("small drift adopted silently", func(t *testing.T) {
		c := next.Channels[0]
		assert.Empty(t, c.Issues)
		assert.InDelta(t, 25.3, c.ADCPedestal, 0.05)
		assert.Equal(t, 6.0, c.ADCGain)
		assert.Equal(t, OutcomeAdopted, rep.Channels[0].Outcome)
		require.NotNil(t, rep.Channels[0].Fit)
		assert.Less(t, rep.Channels[0].Fit.ChiNDF(), 8.0)
	})

	t.Run("drift adopted with warning", func(t *testing.T) {
		c := next.Channels[1]
		require.Len(t, c.Issues, 1)
		assert.Equal(t, 2, c.Issues[0].Severity)
		assert.Equal(t, frontend.IssueCalibrationUpdate, c.Issues[0].Issue)
		assert.InDelta(t, 25.9, c.ADCPedestal, 0.05)
	})

	t.Run("jump rejected", func(t *testing.T) {
		c := next.Channels[2]
		require.Len(t, c.Issues, 1)
		assert.Equal(t, 6, c.Issues[0].Severity)
		assert.Equal(t, 25.0, c.ADCPedestal)
		assert.Equal(t, OutcomeRejected, rep.Channels[2].Outcome)
	})

	t.Run("bad fit rejected", func(t *testing.T) {
		c := next.Channels[3]
		require.Len(t, c.Issues, 1)
		assert.GreaterOrEqual(t, c.Issues[0].Severity, 8)
		assert.Equal(t, frontend.IssueCalibrationUpdate, c.Issues[0].Issue)
		assert.Equal(t, 25.0, c.ADCPedestal)
	})

	t.Run("dead and bad channels skipped", func(t *testing.T) {
		assert.Equal(t, OutcomeSkipped, rep.Channels[4].Outcome)
		assert.Equal(t, 0.5, next.Channels[4].ADCPedestal)
		assert.Equal(t, OutcomeSkipped, rep.Channels[5].Outcome)
		assert.Len(t, next.Channels[5].Issues, 1)
	})

	t.Run("old calibration untouched", func(t *testing.T) {
		for _, c := range old.Channels[:4] {
			assert.Equal(t, 25.0, c.ADCPedestal)
			assert.Empty(t, c.Issues)
		}
	})
}

func TestUpdate_AcceptedBad(t *testing.T) {
	mute(t)
	old := base(2)
	for i := range old.Channels {
		old.Channels[i].AddIssue(7, frontend.IssuePoissonFit, "high chisquare/ndf for fit: 9")
		old.Channels[i].AddIssue(0, frontend.IssueAcceptedBad, "checked")
	}
	next := &Calibration{NoLED: noLED(t, pedestal(25.2), pedestal(25.8))}

	rep, err := Update(context.Background(), old, next, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Adopted)

	assert.True(t, next.Channels[0].AcceptedBad(), "no new issue keeps the override")
	assert.False(t, next.Channels[1].AcceptedBad(), "a new issue forces review")
	assert.True(t, old.Channels[1].AcceptedBad())
}

func TestUpdate_MaxIssues(t *testing.T) {
	mute(t)
	old := base(1)
	next := &Calibration{NoLED: noLED(t, pedestal(25.8))}
	cfg := config.EmptyCalibrationConfig()
	zero := 0
	cfg.UpdateMaxIssues = &zero

	rep, err := Update(context.Background(), old, next, cfg)
	require.NoError(t, err)
	assert.Equal(t, OutcomeRejected, rep.Channels[0].Outcome)
	assert.Equal(t, 25.0, next.Channels[0].ADCPedestal)
}

func TestUpdate_EmptyAndMissing(t *testing.T) {
	mute(t)
	old := base(2)
	next := &Calibration{NoLED: noLED(t, histogram.NewADC())}

	rep, err := Update(context.Background(), old, next, nil)
	require.NoError(t, err)
	assert.Equal(t, 8, next.Channels[0].MaxSeverity())
	assert.Equal(t, frontend.IssueData, next.Channels[1].Issues[0].Issue, "channel beyond the histogram")
	assert.Equal(t, 2, rep.Rejected)
}

func TestUpdate_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Update(ctx, base(1), &Calibration{NoLED: noLED(t, pedestal(25))}, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFitPedestal(t *testing.T) {
	res := FitPedestal(pedestal(40.4), config.EmptyCalibrationConfig())
	require.True(t, res.OK())
	assert.InDelta(t, 40.4, res.Mean, 0.05)
	assert.InDelta(t, 1.8, res.Sigma, 0.1)
}

func TestUpdateDir(t *testing.T) {
	mute(t)
	oldPath, newPath := t.TempDir(), t.TempDir()
	cfgJSON := `{"FECalibrations":"fe.json","InternalNoLED":"noled.csv"}`
	require.NoError(t, os.WriteFile(filepath.Join(oldPath, frontend.DirConfigFile), []byte(cfgJSON), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(newPath, frontend.DirConfigFile), []byte(cfgJSON), 0o644))

	old := base(frontend.NumChannels)
	require.NoError(t, frontend.SaveChannels(filepath.Join(oldPath, "fe.json"), old.Channels))
	require.NoError(t, frontend.SaveStatus(oldPath, old.Status))

	h := histogram.New2D(frontend.NumChannels, 256, 0, 256)
	require.NoError(t, h.SetChannel(0, pedestal(25.3)))
	require.NoError(t, histogram.SaveHistogram2DCSV(filepath.Join(newPath, "noled.csv"), h))

	oldDir, err := frontend.OpenDir(oldPath)
	require.NoError(t, err)
	newDir, err := frontend.OpenDir(newPath)
	require.NoError(t, err)

	rep, err := UpdateDir(context.Background(), oldDir, newDir, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Adopted)

	reopened, err := frontend.OpenDir(newPath)
	require.NoError(t, err)
	assert.True(t, reopened.Status.InternalLED)
	assert.False(t, reopened.Status.PostProcessed)
	chans, err := reopened.LoadChannels()
	require.NoError(t, err)
	assert.InDelta(t, 25.3, chans[0].ADCPedestal, 0.05)
	assert.Equal(t, 25.0, chans[1].ADCPedestal)
}
