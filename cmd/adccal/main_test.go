package main

import (
	"bytes"
	"context"
	"encoding/json"
	"log"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mice-scifi/adccal/internal/config"
	"github.com/mice-scifi/adccal/internal/db"
	"github.com/mice-scifi/adccal/internal/frontend"
	"github.com/mice-scifi/adccal/internal/histogram"
	"github.com/mice-scifi/adccal/internal/monitoring"
	"github.com/mice-scifi/adccal/internal/testutil"
	"github.com/mice-scifi/adccal/internal/version"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func writeHist(t *testing.T, dir, name string, spectrum *histogram.Histogram1D) {
	t.Helper()
	h := histogram.New2D(frontend.NumChannels, 256, 0, 256)
	for _, uid := range []int{0, 1} {
		require.NoError(t, h.SetChannel(uid, spectrum))
	}
	require.NoError(t, histogram.SaveHistogram2DCSV(filepath.Join(dir, name), h))
}

// setup returns a calibration directory with two live channels and a config
// file without the Poisson fit.
func setup(t *testing.T) (dir, cfgPath string) {
	t.Helper()
	t.Cleanup(func() { monitoring.SetLogger(log.Printf) })
	dir = t.TempDir()
	writeFile(t, dir, frontend.DirConfigFile, `{
  "FECalibrations": "fe_channels.json",
  "InternalLED": "int_led.csv",
  "InternalNoLED": "int_noled.csv",
  "Mapping": "mapping.txt",
  "MAUSCalibration": "maus.json"
}`)
	writeFile(t, dir, "mapping.txt", "0 0 0 0 1 0 10\n0 0 1 0 1 0 11\n")
	writeHist(t, dir, "int_led.csv", testutil.Spectrum(testutil.PeakTrain(25, 6, 1.8, 40000, 30000, 20000, 10000)...))
	writeHist(t, dir, "int_noled.csv", testutil.Spectrum(testutil.PeakTrain(25, 6, 1.8, 100000, 3000)...))

	cfgPath = filepath.Join(t.TempDir(), "calibration.json")
	writeFile(t, filepath.Dir(cfgPath), filepath.Base(cfgPath), `{"poisson_fit_enabled": false, "max_missing_channels": 8192}`)
	return dir, cfgPath
}

func runCmd(t *testing.T, args ...string) (code int, stdout, stderr string) {
	t.Helper()
	var out, errOut bytes.Buffer
	code = run(context.Background(), args, &out, &errOut)
	return code, out.String(), errOut.String()
}

func TestRun_Workflow(t *testing.T) {
	dir, cfgPath := setup(t)
	dbPath := filepath.Join(t.TempDir(), "adccal.db")

	code, out, stderr := runCmd(t, "calibrate", "-v=false", "-config", cfgPath, "-db", dbPath, dir)
	require.Equal(t, 0, code, stderr)
	assert.Contains(t, out, "internal LED: 8192 channels, 2 calibrated")

	code, out, stderr = runCmd(t, "postprocess", "-v=false", "-config", cfgPath, "-db", dbPath, dir)
	require.Equal(t, 0, code, stderr)
	assert.Contains(t, out, "postprocess: 2 processed")
	_, err := os.Stat(filepath.Join(dir, "maus.json"))
	require.NoError(t, err)

	code, out, stderr = runCmd(t, "export", "-v=false", dir)
	require.Equal(t, 0, code, stderr)
	var maus []frontend.MAUSEntry
	require.NoError(t, json.Unmarshal([]byte(out), &maus))
	assert.Len(t, maus, frontend.NumChannels)

	plotDir := filepath.Join(t.TempDir(), "plots")
	code, out, stderr = runCmd(t, "stability", "-v=false", "-plots", plotDir, dir, dir)
	require.Equal(t, 0, code, stderr)
	assert.Contains(t, out, "stability check passed")
	_, err = os.Stat(filepath.Join(plotDir, "StabilityCheck.pdf"))
	assert.NoError(t, err)

	d, err := frontend.OpenDir(dir)
	require.NoError(t, err)
	assert.Equal(t, frontend.Status{Mapped: true, BadFE: false, InternalLED: true, PostProcessed: true, Checked: true, Quality: true, CheckedBy: "ADCStabilityCheck"}, d.Status)

	database, err := db.NewDB(dbPath)
	require.NoError(t, err)
	defer database.Close()
	runs, err := database.Runs(0)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "postprocess", runs[0].Command)
	assert.Equal(t, db.OutcomeSucceeded, runs[1].Outcome)
	chans, err := database.Channels(runs[0].ID)
	require.NoError(t, err)
	require.Len(t, chans, frontend.NumChannels)
	assert.InDelta(t, 6.0, chans[0].ADCGain, 0.3)
}

func TestRun_StabilityFails(t *testing.T) {
	oldDir, cfgPath := setup(t)
	newDir, _ := setup(t)
	for _, dir := range []string{oldDir, newDir} {
		code, _, stderr := runCmd(t, "calibrate", "-v=false", "-config", cfgPath, dir)
		require.Equal(t, 0, code, stderr)
		code, _, stderr = runCmd(t, "postprocess", "-v=false", "-config", cfgPath, dir)
		require.Equal(t, 0, code, stderr)
	}

	d, err := frontend.OpenDir(newDir)
	require.NoError(t, err)
	chans, err := d.LoadChannels()
	require.NoError(t, err)
	chans[0].DarkYield += 0.1
	chans[1].DarkYield += 0.1
	require.NoError(t, d.SaveChannels(chans))

	code, _, stderr := runCmd(t, "stability", "-v=false", oldDir, newDir)
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "stability check failed")

	d, err = frontend.OpenDir(newDir)
	require.NoError(t, err)
	assert.True(t, d.Status.Checked)
	assert.False(t, d.Status.Quality)
}

func TestRun_FailedRunIsRecorded(t *testing.T) {
	dir, _ := setup(t)
	dbPath := filepath.Join(t.TempDir(), "adccal.db")

	// The default limit of 1500 missing channels rejects the two line mapping.
	code, _, stderr := runCmd(t, "calibrate", "-v=false", "-db", dbPath, dir)
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "adccal calibrate:")

	database, err := db.NewDB(dbPath)
	require.NoError(t, err)
	defer database.Close()
	runs, err := database.Runs(0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, db.OutcomeFailed, runs[0].Outcome)
	assert.NotEmpty(t, runs[0].Error)
}

func TestRun_Commands(t *testing.T) {
	code, out, _ := runCmd(t, "version")
	assert.Equal(t, 0, code)
	assert.Equal(t, version.String()+"\n", out)

	code, out, _ = runCmd(t, "config")
	require.Equal(t, 0, code)
	var cfg config.CalibrationConfig
	require.NoError(t, json.Unmarshal([]byte(out), &cfg))
	require.NotNil(t, cfg.PoissonFitEnabled)
	assert.True(t, *cfg.PoissonFitEnabled)

	code, out, _ = runCmd(t, "help")
	assert.Equal(t, 0, code)
	assert.Contains(t, out, "Usage: adccal")

	code, _, stderr := runCmd(t)
	assert.Equal(t, 2, code)
	assert.Contains(t, stderr, "Commands:")

	code, _, stderr = runCmd(t, "bogus")
	assert.Equal(t, 2, code)
	assert.Contains(t, stderr, "Unknown command: bogus")

	code, _, stderr = runCmd(t, "calibrate")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "usage: adccal calibrate")

	code, _, _ = runCmd(t, "calibrate", "-plot-channels", "1,x", t.TempDir())
	assert.Equal(t, 1, code)

	code, out, stderr = runCmd(t, "migrate", "-db", filepath.Join(t.TempDir(), "m.db"), "up")
	assert.Equal(t, 0, code, stderr)
	assert.Contains(t, out, "All migrations applied")
}
