package minimize

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/optimize"
)

// Method selects the numerical algorithm used by Minimize.
type Method int

const (
	// LBFGS is the limited-memory BFGS quasi-Newton method.
	LBFGS Method = iota
	// BFGS is the full-memory BFGS quasi-Newton method.
	BFGS
	// CG is the nonlinear conjugate gradient method.
	CG
	// NelderMead is the derivative-free downhill simplex method.
	NelderMead
)

// String returns the method name
func (m Method) String() string {
	switch m {
	case LBFGS:
		return "L-BFGS"
	case BFGS:
		return "BFGS"
	case CG:
		return "CG"
	case NelderMead:
		return "Nelder-Mead"
	default:
		return "unknown"
	}
}

// Bound is a box constraint on a single coordinate. Infinite endpoints
// leave that side open.
type Bound struct {
	Min float64
	Max float64
}

// Unbounded returns a bound with both sides open
func Unbounded() Bound {
	return Bound{Min: math.Inf(-1), Max: math.Inf(1)}
}

// Problem describes a bound-constrained minimization of a black-box
// objective. Bounds may be nil for a fully unconstrained search; otherwise
// it must have one entry per coordinate of X0.
type Problem struct {
	Objective func(x []float64) float64
	X0        []float64
	Bounds    []Bound
	Tol       float64
	MaxIter   int
	Method    Method
}

// Result holds the outcome of a Minimize call. Converged is false when the
// solver stopped on its iteration cap or another non-convergence status
// while still producing a usable point.
type Result struct {
	X           []float64
	F           float64
	Iterations  int
	Evaluations int
	Converged   bool
}

func (p Problem) validate() error {
	if p.Objective == nil {
		return errors.New("objective function is nil")
	}
	if len(p.X0) == 0 {
		return errors.New("initial point is empty")
	}
	if p.Bounds != nil && len(p.Bounds) != len(p.X0) {
		return errors.Errorf("bounds length %d != initial point length %d", len(p.Bounds), len(p.X0))
	}
	for i, b := range p.Bounds {
		if math.IsNaN(b.Min) || math.IsNaN(b.Max) {
			return errors.Errorf("bound %d is NaN", i)
		}
		if b.Min > b.Max {
			return errors.Errorf("bound %d has min %g > max %g", i, b.Min, b.Max)
		}
	}
	for i, v := range p.X0 {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return errors.Errorf("initial point has non-finite value at index %d", i)
		}
	}
	if p.Tol <= 0 {
		return errors.Errorf("tolerance must be positive, got %g", p.Tol)
	}
	if p.MaxIter < 1 {
		return errors.Errorf("maximum iterations must be positive, got %d", p.MaxIter)
	}
	return nil
}

// boxTransform reparameterizes a box-constrained space as an unconstrained
// one, coordinate by coordinate, so unconstrained solvers always evaluate
// feasible points:
//   - both sides open: x = z
//   - lower bound only: x = min - 1 + sqrt(z²+1)
//   - upper bound only: x = max + 1 - sqrt(z²+1)
//   - both sides closed: x = min + (max-min)·(sin(z)+1)/2
type boxTransform struct {
	bounds []Bound
}

// toParams maps a solver-space point into the bounded parameter space
func (t boxTransform) toParams(z []float64) []float64 {
	x := make([]float64, len(z))
	for i, zi := range z {
		b := t.bounds[i]
		lower := !math.IsInf(b.Min, -1)
		upper := !math.IsInf(b.Max, 1)
		switch {
		case !lower && !upper:
			x[i] = zi
		case lower && !upper:
			x[i] = b.Min - 1 + math.Sqrt(zi*zi+1)
		case !lower && upper:
			x[i] = b.Max + 1 - math.Sqrt(zi*zi+1)
		default:
			if b.Min == b.Max {
				x[i] = b.Min
				continue
			}
			x[i] = b.Min + (b.Max-b.Min)*(math.Sin(zi)+1)/2
		}
	}
	return x
}

// toSolver maps a parameter-space point into solver space, clipping it
// onto the feasible box first
func (t boxTransform) toSolver(x []float64) []float64 {
	z := make([]float64, len(x))
	for i, xi := range x {
		b := t.bounds[i]
		xi = math.Max(b.Min, math.Min(b.Max, xi))
		lower := !math.IsInf(b.Min, -1)
		upper := !math.IsInf(b.Max, 1)
		switch {
		case !lower && !upper:
			z[i] = xi
		case lower && !upper:
			s := xi - b.Min + 1
			z[i] = math.Sqrt(math.Max(s*s-1, 0))
		case !lower && upper:
			s := b.Max - xi + 1
			z[i] = math.Sqrt(math.Max(s*s-1, 0))
		default:
			if b.Min == b.Max {
				z[i] = 0
				continue
			}
			arg := 2*(xi-b.Min)/(b.Max-b.Min) - 1
			arg = math.Max(-1, math.Min(1, arg))
			z[i] = math.Asin(arg)
		}
	}
	return z
}

// Minimize searches for a minimum of the objective inside the problem
// bounds. Gradient-based methods differentiate the objective numerically,
// so only function values are ever required. The final point is returned
// even when the solver stops without formally converging; the error is
// non-nil only when validation fails or no finite point was produced.
func Minimize(p Problem) (*Result, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}

	objective := p.Objective
	z0 := make([]float64, len(p.X0))
	copy(z0, p.X0)
	var tr boxTransform
	if p.Bounds != nil {
		tr = boxTransform{bounds: p.Bounds}
		z0 = tr.toSolver(p.X0)
		objective = func(z []float64) float64 {
			return p.Objective(tr.toParams(z))
		}
	}

	var method optimize.Method
	switch p.Method {
	case LBFGS:
		method = &optimize.LBFGS{}
	case BFGS:
		method = &optimize.BFGS{}
	case CG:
		method = &optimize.CG{}
	case NelderMead:
		method = &optimize.NelderMead{}
	default:
		return nil, errors.Errorf("unsupported optimization method %d", p.Method)
	}

	prob := optimize.Problem{Func: objective}
	if p.Method != NelderMead {
		prob.Grad = func(grad, z []float64) {
			fd.Gradient(grad, objective, z, nil)
		}
	}

	settings := optimize.Settings{
		GradientThreshold: p.Tol,
		MajorIterations:   p.MaxIter,
		Converger: &optimize.FunctionConverge{
			Absolute:   p.Tol,
			Iterations: 20,
		},
	}

	result, err := optimize.Minimize(prob, z0, &settings, method)
	if result == nil {
		if err == nil {
			err = errors.New("solver returned no result")
		}
		return nil, errors.Wrap(err, "minimization failed")
	}

	x := result.X
	if p.Bounds != nil {
		x = tr.toParams(result.X)
	}
	if !isFinite(x) || math.IsNaN(result.F) || math.IsInf(result.F, 0) {
		if err == nil {
			err = errors.New("solver produced a non-finite point")
		}
		return nil, errors.Wrap(err, "minimization failed")
	}

	// Hitting the iteration limit or stalling in a line search still
	// yields the best point found; Converged records the distinction.
	converged := err == nil
	switch result.Status {
	case optimize.NotTerminated, optimize.Failure, optimize.IterationLimit,
		optimize.FunctionEvaluationLimit, optimize.RuntimeLimit:
		converged = false
	}

	return &Result{
		X:           x,
		F:           result.F,
		Iterations:  result.Stats.MajorIterations,
		Evaluations: result.Stats.FuncEvaluations,
		Converged:   converged,
	}, nil
}

func isFinite(x []float64) bool {
	for _, v := range x {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}
