package fit

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMinimize_Quadratic(t *testing.T) {
	chi2 := func(x []float64) float64 {
		a := (x[0] - 3) / 0.5
		b := (x[1] + 2) / 2
		return a*a + b*b
	}
	res := Minimize(chi2, []Param{Free("a", 0), Free("b", 0)})

	require.Equal(t, StatusOK, res.Status)
	assert.InDelta(t, 3, res.Params[0], 1e-4)
	assert.InDelta(t, -2, res.Params[1], 1e-3)
	assert.InDelta(t, 0, res.MinValue, 1e-6)
	// Delta chi2 = 1 at one standard deviation.
	assert.InDelta(t, 0.5, res.Errors[0], 1e-2)
	assert.InDelta(t, 2, res.Errors[1], 5e-2)
	assert.Positive(t, res.Evaluations)
}

func TestMinimize_Rosenbrock(t *testing.T) {
	f := func(x []float64) float64 {
		a := 1 - x[0]
		b := x[1] - x[0]*x[0]
		return a*a + 100*b*b
	}
	res := Minimize(f, []Param{Free("x", -1.2), Free("y", 1)})

	assert.InDelta(t, 1, res.Params[0], 1e-3)
	assert.InDelta(t, 1, res.Params[1], 2e-3)
}

func TestMinimize_BoundsHold(t *testing.T) {
	f := func(x []float64) float64 {
		d := x[0] - 10
		return d * d
	}
	res := Minimize(f, []Param{Bounded("p", 2, 0, 5)})

	assert.LessOrEqual(t, res.Params[0], 5.0)
	assert.InDelta(t, 5, res.Params[0], 1e-3)
}

func TestMinimize_NaNObjective(t *testing.T) {
	res := Minimize(func([]float64) float64 { return math.NaN() }, []Param{Free("p", 1)})
	assert.Equal(t, StatusNaN, res.Status)
}

func TestParam_TransformRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		p    Param
		v    float64
	}{
		{"free", Free("x", 12), 7.5},
		{"bounded interior", Bounded("x", 1, 0, 5), 3.2},
		{"bounded clamps above", Bounded("x", 1, 0, 5), 9},
		{"bounded clamps below", Bounded("x", 1, 0, 5), -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.p.external(tt.p.internal(tt.v))
			want := tt.v
			if tt.p.Limited {
				want = math.Max(tt.p.Lower, math.Min(tt.p.Upper, tt.v))
			}
			assert.InDelta(t, want, got, 1e-4)
		})
	}
}

func TestStatusString(t *testing.T) {
	assert.Equal(t, "ok", StatusOK.String())
	assert.Equal(t, "call limit", StatusCallLimit.String())
	assert.Equal(t, "insufficient data", StatusInsufficientData.String())
	assert.Equal(t, "unknown", Status(42).String())
}
