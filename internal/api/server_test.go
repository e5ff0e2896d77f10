package api

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mice-scifi/adccal/internal/db"
	"github.com/mice-scifi/adccal/internal/fit"
	"github.com/mice-scifi/adccal/internal/frontend"
	"github.com/mice-scifi/adccal/internal/monitoring"
	"github.com/mice-scifi/adccal/internal/poisson"
	"github.com/mice-scifi/adccal/internal/testutil"
	"github.com/mice-scifi/adccal/internal/version"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	monitoring.SetLogger(nil)
	code := m.Run()
	monitoring.SetLogger(log.Printf)
	os.Exit(code)
}

// setupServer returns a router over a store holding one calibrated run.
func setupServer(t *testing.T) (*gin.Engine, uuid.UUID) {
	t.Helper()
	database, err := db.NewDB(filepath.Join(t.TempDir(), "adccal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	run, err := database.StartRun("calibrate", "/data/run1", "")
	require.NoError(t, err)
	chans := frontend.GenerateChannels()[:4]
	chans[0].ADCPedestal, chans[0].ADCGain = 25, 6
	chans[0].InternalPoissonFit = &poisson.Result{Params: poisson.Params{1, 2, 3, 4, 5, 6, 7, 8}, NDF: 10, Chi2: 12, Status: fit.StatusOK}
	chans[2].AddIssue(7, frontend.IssuePoissonFit, "Failed to Fit LED Data, status: 2")
	chans[3].AddIssue(2, frontend.IssueCalibrationUpdate, "Pedestal drifted by 0.60")
	require.NoError(t, database.RecordChannels(run.ID, chans))
	require.NoError(t, database.FinishRun(run, map[string]int{"channels": 4}, nil))

	return NewServer(database).Router(), run.ID
}

func get(t *testing.T, r http.Handler, path string, out interface{}) int {
	t.Helper()
	w := testutil.NewTestRecorder()
	r.ServeHTTP(w, testutil.NewTestRequest(http.MethodGet, path))
	if out != nil && w.Code == http.StatusOK {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), out))
	}
	return w.Code
}

func TestPing(t *testing.T) {
	r, _ := setupServer(t)
	var body map[string]string
	testutil.AssertStatusCode(t, get(t, r, "/api/v1/ping", &body), http.StatusOK)
	assert.Equal(t, "pong", body["message"])
	assert.Equal(t, version.Version, body["version"])
}

func TestRuns(t *testing.T) {
	r, id := setupServer(t)

	var runs []db.Run
	testutil.AssertStatusCode(t, get(t, r, "/api/v1/runs", &runs), http.StatusOK)
	require.Len(t, runs, 1)
	assert.Equal(t, id, runs[0].ID)
	assert.Equal(t, db.OutcomeSucceeded, runs[0].Outcome)

	testutil.AssertStatusCode(t, get(t, r, "/api/v1/runs?limit=x", nil), http.StatusBadRequest)

	var run db.Run
	testutil.AssertStatusCode(t, get(t, r, "/api/v1/runs/"+id.String(), &run), http.StatusOK)
	assert.Equal(t, "/data/run1", run.Directory)
	assert.JSONEq(t, `{"channels":4}`, string(run.Summary))

	testutil.AssertStatusCode(t, get(t, r, "/api/v1/runs/not-a-uuid", nil), http.StatusBadRequest)
	testutil.AssertStatusCode(t, get(t, r, "/api/v1/runs/"+uuid.New().String(), nil), http.StatusNotFound)
}

func TestChannels(t *testing.T) {
	r, id := setupServer(t)
	base := "/api/v1/runs/" + id.String()

	var chans []db.ChannelRecord
	testutil.AssertStatusCode(t, get(t, r, base+"/channels", &chans), http.StatusOK)
	assert.Len(t, chans, 4)

	var ch db.ChannelRecord
	testutil.AssertStatusCode(t, get(t, r, base+"/channels/0", &ch), http.StatusOK)
	assert.Equal(t, 25.0, ch.ADCPedestal)

	testutil.AssertStatusCode(t, get(t, r, base+"/channels/9", nil), http.StatusNotFound)
	testutil.AssertStatusCode(t, get(t, r, base+"/channels/abc", nil), http.StatusBadRequest)
	testutil.AssertStatusCode(t, get(t, r, "/api/v1/runs/"+uuid.New().String()+"/channels", nil), http.StatusNotFound)
}

func TestIssues(t *testing.T) {
	r, id := setupServer(t)
	base := "/api/v1/runs/" + id.String() + "/issues"

	tests := []struct {
		query string
		code  int
		want  int
	}{
		{"", http.StatusOK, 2},
		{"?min_severity=5", http.StatusOK, 1},
		{"?min_severity=11", http.StatusOK, 0},
		{"?min_severity=high", http.StatusBadRequest, 0},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			var issues []db.IssueRecord
			testutil.AssertStatusCode(t, get(t, r, base+tt.query, &issues), tt.code)
			assert.Len(t, issues, tt.want)
		})
	}
}

func TestPoissonFits(t *testing.T) {
	r, id := setupServer(t)
	var fits []db.PoissonFitRecord
	testutil.AssertStatusCode(t, get(t, r, "/api/v1/runs/"+id.String()+"/poisson", &fits), http.StatusOK)
	require.Len(t, fits, 1)
	assert.Equal(t, 8.0, fits[0].Params[poisson.Pedestal])
}

func TestStatusCodeColor(t *testing.T) {
	assert.Equal(t, colorBoldGreen+"200"+colorReset, statusCodeColor(200))
	assert.Equal(t, colorYellow+"304"+colorReset, statusCodeColor(304))
	assert.Equal(t, colorBoldRed+"404"+colorReset, statusCodeColor(404))
	assert.Equal(t, "100", statusCodeColor(100))
}

func TestListenAndServe_Shutdown(t *testing.T) {
	database, err := db.NewDB(filepath.Join(t.TempDir(), "adccal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, NewServer(database).ListenAndServe(ctx, "127.0.0.1:0"))
}
