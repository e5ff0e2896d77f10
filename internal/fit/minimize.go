// Package fit holds the chi-square minimisation used by every fit in the
// calibration chain: a bounded-parameter wrapper around gonum's optimizers
// and the single-Gaussian histogram fit built on it.
package fit

import (
	"math"

	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize"
)

// Status reports how a fit ended. Zero means the minimiser converged.
type Status int

const (
	StatusOK Status = iota
	StatusCallLimit
	StatusFailed
	StatusInsufficientData
	StatusNaN
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusCallLimit:
		return "call limit"
	case StatusFailed:
		return "failed"
	case StatusInsufficientData:
		return "insufficient data"
	case StatusNaN:
		return "nan"
	default:
		return "unknown"
	}
}

// Param describes one fit parameter. Limited parameters are kept inside
// [Lower, Upper] by a sine transformation, so the optimizer itself works on
// an unconstrained problem.
type Param struct {
	Name    string
	Value   float64
	Lower   float64
	Upper   float64
	Limited bool
}

// Free returns an unbounded parameter.
func Free(name string, value float64) Param {
	return Param{Name: name, Value: value}
}

// Bounded returns a parameter limited to [lower, upper].
func Bounded(name string, value, lower, upper float64) Param {
	return Param{Name: name, Value: value, Lower: lower, Upper: upper, Limited: true}
}

// edge keeps starting values off the limits, where the transformation has
// zero derivative.
const edge = 1e-6

func (p Param) scale() float64 {
	return math.Max(math.Abs(p.Value), 1)
}

func (p Param) internal(v float64) float64 {
	if !p.Limited {
		return v / p.scale()
	}
	if p.Upper <= p.Lower {
		return 0
	}
	r := 2*(v-p.Lower)/(p.Upper-p.Lower) - 1
	r = math.Max(-1+edge, math.Min(1-edge, r))
	return math.Asin(r)
}

func (p Param) external(u float64) float64 {
	if !p.Limited {
		return u * p.scale()
	}
	if p.Upper <= p.Lower {
		return p.Lower
	}
	return p.Lower + (p.Upper-p.Lower)/2*(math.Sin(u)+1)
}

// Result is the outcome of Minimize.
type Result struct {
	Params      []float64
	Errors      []float64
	MinValue    float64
	Status      Status
	Evaluations int
}

// penalty replaces non-finite objective values so line searches back off
// instead of propagating NaN.
const penalty = 1e300

// Minimize finds the minimum of the chi-square-like objective f over params.
// It runs BFGS with central-difference gradients and falls back to
// Nelder-Mead from the best point found when BFGS stops early.
func Minimize(f func(x []float64) float64, params []Param) Result {
	n := len(params)
	toExternal := func(dst, u []float64) {
		for i, p := range params {
			dst[i] = p.external(u[i])
		}
	}
	evals := 0
	ext := make([]float64, n)
	objective := func(u []float64) float64 {
		evals++
		toExternal(ext, u)
		v := f(ext)
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return penalty
		}
		return v
	}

	u0 := make([]float64, n)
	for i, p := range params {
		u0[i] = p.internal(p.Value)
	}

	grad := &fd.Settings{Formula: fd.Central}
	problem := optimize.Problem{
		Func: objective,
		Grad: func(g, u []float64) {
			fd.Gradient(g, objective, u, grad)
		},
	}
	settings := &optimize.Settings{
		GradientThreshold: 1e-7,
		Converger: &optimize.FunctionConverge{
			Absolute:   1e-9,
			Relative:   1e-10,
			Iterations: 50,
		},
		MajorIterations: 5000,
	}

	status := StatusOK
	best := u0
	res, err := optimize.Minimize(problem, u0, settings, &optimize.BFGS{})
	if res != nil {
		best = res.X
	}
	if err != nil || res == nil || res.Status.Early() || res.F >= penalty {
		nm, nmErr := optimize.Minimize(optimize.Problem{Func: objective}, best, &optimize.Settings{
			Converger: &optimize.FunctionConverge{
				Absolute:   1e-10,
				Relative:   1e-12,
				Iterations: 200,
			},
			FuncEvaluations: 200000,
		}, &optimize.NelderMead{})
		switch {
		case nm == nil || nmErr != nil:
			status = StatusFailed
		case nm.Status.Early():
			status = StatusCallLimit
			best = nm.X
		default:
			best = nm.X
		}
	}

	out := Result{
		Params:      make([]float64, n),
		Errors:      make([]float64, n),
		Status:      status,
		Evaluations: evals,
	}
	toExternal(out.Params, best)
	out.MinValue = f(out.Params)
	if math.IsNaN(out.MinValue) || math.IsInf(out.MinValue, 0) {
		out.Status = StatusNaN
		return out
	}
	for _, v := range out.Params {
		if math.IsNaN(v) {
			out.Status = StatusNaN
			return out
		}
	}
	out.Errors = parabolicErrors(f, out.Params)
	return out
}

// parabolicErrors estimates parameter uncertainties from the inverse
// Hessian of a chi-square objective (covariance = 2 H^-1). Entries are NaN
// when the Hessian is not positive definite.
func parabolicErrors(f func(x []float64) float64, x []float64) []float64 {
	n := len(x)
	errs := make([]float64, n)
	scale := make([]float64, n)
	for i, v := range x {
		scale[i] = math.Max(math.Abs(v), 1)
	}
	shifted := make([]float64, n)
	scaled := func(u []float64) float64 {
		for i := range u {
			shifted[i] = x[i] + u[i]*scale[i]
		}
		return f(shifted)
	}

	var hess mat.SymDense
	fd.Hessian(&hess, scaled, make([]float64, n), &fd.Settings{Formula: fd.Central})

	var chol mat.Cholesky
	if !chol.Factorize(&hess) {
		for i := range errs {
			errs[i] = math.NaN()
		}
		return errs
	}
	var cov mat.SymDense
	if err := chol.InverseTo(&cov); err != nil {
		for i := range errs {
			errs[i] = math.NaN()
		}
		return errs
	}
	for i := range errs {
		errs[i] = math.Sqrt(2*cov.At(i, i)) * scale[i]
	}
	return errs
}
