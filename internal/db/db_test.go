package db

import (
	"bytes"
	"errors"
	"fmt"
	"log"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mice-scifi/adccal/internal/fit"
	"github.com/mice-scifi/adccal/internal/frontend"
	"github.com/mice-scifi/adccal/internal/monitoring"
	"github.com/mice-scifi/adccal/internal/poisson"
	"github.com/mice-scifi/adccal/internal/timeutil"
)

func setupTestDB(t *testing.T) (*DB, string) {
	t.Helper()
	monitoring.SetLogger(nil)
	t.Cleanup(func() { monitoring.SetLogger(log.Printf) })

	path := filepath.Join(t.TempDir(), "adccal.db")
	db, err := NewDB(path)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db, path
}

func testChannels() []frontend.Channel {
	chans := frontend.GenerateChannels()[:3]
	chans[0].Status = frontend.StatusGood
	chans[0].InTracker, chans[0].Tracker, chans[0].Station, chans[0].Plane, chans[0].PlaneChannel = 1, 1, 4, 2, 107
	chans[0].ADCPedestal, chans[0].ADCGain = 25.3, 6.1
	chans[0].LightYield, chans[0].DarkYield = 1.05, 0.17
	chans[0].Noise1PERate, chans[0].Noise2PERate = 0.1, 0.02
	chans[0].InternalPoissonFit = &poisson.Result{
		Params: poisson.Params{20000, 20000, 0.08, 1.5, 6, 1.5, 0.1, 25},
		Errors: poisson.Params{100, 100, 0.01, 0.01, 0.01, 0.01, math.NaN(), 0.01},
		Chi2:   420,
		NDF:    400,
		Status: fit.StatusOK,
	}

	chans[1].Status = frontend.StatusBad
	chans[1].AddIssue(7, frontend.IssuePoissonFit, "Failed to Fit LED Data, status: 2")
	chans[1].AddIssue(4, frontend.IssueInternalLED, "Failed to find LED Peaks")
	chans[2].AddIssue(2, frontend.IssueCalibrationUpdate, "Pedestal drifted by 0.60")
	return chans
}

func TestNewDB_Migrated(t *testing.T) {
	db, path := setupTestDB(t)
	version, dirty, err := db.MigrateVersion()
	require.NoError(t, err)
	assert.False(t, dirty)
	latest, err := LatestMigrationVersion()
	require.NoError(t, err)
	assert.Equal(t, latest, version)
	assert.Equal(t, uint(1), latest)

	// Reopening an up to date database is a no-op.
	again, err := NewDB(path)
	require.NoError(t, err)
	require.NoError(t, again.Close())
}

func TestMigrateDown(t *testing.T) {
	db, _ := setupTestDB(t)
	require.NoError(t, db.MigrateDown())
	version, _, err := db.MigrateVersion()
	require.NoError(t, err)
	assert.Zero(t, version)

	_, err = db.StartRun("calibrate", "/data/run1", "")
	assert.Error(t, err, "tables are gone")

	require.NoError(t, db.MigrateUp())
	_, err = db.StartRun("calibrate", "/data/run1", "")
	assert.NoError(t, err)
}

func TestMigrateLogger(t *testing.T) {
	db, _ := setupTestDB(t)
	var lines []string
	monitoring.SetLogger(func(format string, v ...interface{}) {
		lines = append(lines, fmt.Sprintf(format, v...))
	})

	m, err := db.newMigrate()
	require.NoError(t, err)
	m.Log.Printf("applied %d", 1)
	assert.False(t, m.Log.Verbose())
	assert.Equal(t, []string{"[migrate] applied 1"}, lines)
}

func TestRuns(t *testing.T) {
	db, _ := setupTestDB(t)

	first, err := db.StartRun("calibrate", "/data/run1", "")
	require.NoError(t, err)
	second, err := db.StartRun("update", "/data/run2", "/data/run1")
	require.NoError(t, err)
	require.NoError(t, db.FinishRun(first, map[string]int{"calibrated": 3}, nil))
	require.NoError(t, db.FinishRun(second, nil, errors.New("mapping incomplete")))

	got, err := db.GetRun(first.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSucceeded, got.Outcome)
	assert.JSONEq(t, `{"calibrated":3}`, string(got.Summary))
	require.NotNil(t, got.FinishedAt)
	assert.Equal(t, first.StartedAt.UnixNano(), got.StartedAt.UnixNano())

	got, err = db.GetRun(second.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, got.Outcome)
	assert.Equal(t, "mapping incomplete", got.Error)
	assert.Equal(t, "/data/run1", got.BaseDir)
	assert.Nil(t, got.Summary)

	runs, err := db.Runs(0)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, second.ID, runs[0].ID, "newest first")

	runs, err = db.Runs(1)
	require.NoError(t, err)
	assert.Len(t, runs, 1)

	_, err = db.GetRun(uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, db.FinishRun(&Run{ID: uuid.New()}, nil, nil), ErrNotFound)
}

func TestRuns_Timestamps(t *testing.T) {
	db, _ := setupTestDB(t)
	start := time.Date(2017, 5, 1, 12, 0, 0, 0, time.UTC)
	clock := timeutil.NewMockClock(start)
	db.Clock = clock

	run, err := db.StartRun("calibrate", "/data/run1", "")
	require.NoError(t, err)
	clock.Advance(3 * time.Minute)
	require.NoError(t, db.FinishRun(run, nil, nil))

	got, err := db.GetRun(run.ID)
	require.NoError(t, err)
	assert.Equal(t, start, got.StartedAt)
	require.NotNil(t, got.FinishedAt)
	assert.Equal(t, start.Add(3*time.Minute), *got.FinishedAt)
}

func TestRecordChannels(t *testing.T) {
	db, _ := setupTestDB(t)
	run, err := db.StartRun("calibrate", "/data/run1", "")
	require.NoError(t, err)
	require.NoError(t, db.RecordChannels(run.ID, testChannels()))

	chans, err := db.Channels(run.ID)
	require.NoError(t, err)
	require.Len(t, chans, 3)
	want := ChannelRecord{
		ChannelUID: 0, InTracker: 1, Tracker: 1, Station: 4, Plane: 2, PlaneChannel: 107,
		Status: frontend.StatusGood, ADCPedestal: 25.3, ADCGain: 6.1,
		LightYield: 1.05, DarkYield: 0.17, Noise1PERate: 0.1, Noise2PERate: 0.02,
	}
	if diff := cmp.Diff(want, chans[0]); diff != "" {
		t.Errorf("channel 0 mismatch (-want +got):\n%s", diff)
	}

	one, err := db.Channel(run.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, frontend.StatusBad, one.Status)
	_, err = db.Channel(run.ID, 5)
	assert.ErrorIs(t, err, ErrNotFound)

	issues, err := db.Issues(run.ID, 0)
	require.NoError(t, err)
	require.Len(t, issues, 3)
	assert.Equal(t, 7, issues[0].Severity, "worst first")
	assert.Equal(t, 2, issues[2].ChannelUID)

	issues, err = db.Issues(run.ID, 5)
	require.NoError(t, err)
	require.Len(t, issues, 1)
	assert.Equal(t, IssueRecord{ChannelUID: 1, Severity: 7, Issue: frontend.IssuePoissonFit, Comment: "Failed to Fit LED Data, status: 2"}, issues[0])

	fits, err := db.PoissonFits(run.ID)
	require.NoError(t, err)
	require.Len(t, fits, 1)
	assert.Equal(t, 0, fits[0].ChannelUID)
	assert.Equal(t, 420.0, fits[0].Chi2)
	assert.Equal(t, 25.0, fits[0].Params[poisson.Pedestal])
	assert.Zero(t, fits[0].Errors[poisson.Growth], "NaN errors are stored as zero")

	// Recording again replaces the run's channels.
	require.NoError(t, db.RecordChannels(run.ID, testChannels()[:1]))
	chans, err = db.Channels(run.ID)
	require.NoError(t, err)
	assert.Len(t, chans, 1)
	issues, err = db.Issues(run.ID, 0)
	require.NoError(t, err)
	assert.Empty(t, issues)
}

func TestRunMigrateCommand(t *testing.T) {
	monitoring.SetLogger(nil)
	t.Cleanup(func() { monitoring.SetLogger(log.Printf) })
	path := filepath.Join(t.TempDir(), "adccal.db")

	var out bytes.Buffer
	require.NoError(t, RunMigrateCommand(&out, []string{"status"}, path))
	assert.Contains(t, out.String(), "1 migration(s) pending")

	out.Reset()
	require.NoError(t, RunMigrateCommand(&out, []string{"up"}, path))
	require.NoError(t, RunMigrateCommand(&out, []string{"status"}, path))
	assert.Contains(t, out.String(), "up to date")

	require.NoError(t, RunMigrateCommand(&out, []string{"force", "1"}, path))
	assert.Error(t, RunMigrateCommand(&out, []string{"force", "x"}, path))
	assert.Error(t, RunMigrateCommand(&out, []string{"sideways"}, path))
	assert.Error(t, RunMigrateCommand(&out, nil, path))

	out.Reset()
	require.NoError(t, RunMigrateCommand(&out, []string{"help"}, path))
	assert.Contains(t, out.String(), "Usage: adccal migrate")
}
