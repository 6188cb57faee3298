package clonefreq

import (
	"fmt"
	"math"

	lbfgsb "github.com/idavydov/go-lbfgsb"
)

// Objective is a differentiable function to minimize.
type Objective interface {
	EvaluateFunction(x []float64) float64
	EvaluateGradient(x []float64) []float64
}

// LBFGSB minimizes a bounded objective.
type LBFGSB struct {
	Objective
	bounds [][2]float64
	iter   int
	calls  int
	best   []float64
	bestF  float64
	// Quiet disables per iteration debug output.
	Quiet bool
}

// NewLBFGSB creates an optimizer for obj with per-parameter bounds.
func NewLBFGSB(obj Objective, bounds [][2]float64) *LBFGSB {
	return &LBFGSB{
		Objective: obj,
		bounds:    bounds,
		bestF:     math.Inf(1),
	}
}

func (l *LBFGSB) Logger(info *lbfgsb.OptimizationIterationInformation) {
	l.iter = info.Iteration
	if !l.Quiet {
		log.Debugf("%d\t%g\t%v", info.Iteration, info.F, info.X)
	}
}

func (l *LBFGSB) inRange(x []float64) bool {
	for i, v := range x {
		if v < l.bounds[i][0] || v > l.bounds[i][1] || math.IsNaN(v) {
			return false
		}
	}
	return true
}

func (l *LBFGSB) EvaluateFunction(x []float64) float64 {
	if !l.inRange(x) {
		return math.Inf(+1)
	}
	f := l.Objective.EvaluateFunction(x)
	l.calls += 1
	if f < l.bestF {
		l.bestF = f
		l.best = append(l.best[:0], x...)
	}
	return f
}

// Run minimizes starting from x0, which is moved inside the bounds. It
// returns the best point visited.
func (l *LBFGSB) Run(x0 []float64) ([]float64, float64, error) {
	x := make([]float64, len(x0))
	for i, v := range x0 {
		x[i] = math.Min(math.Max(v, l.bounds[i][0]), l.bounds[i][1])
	}
	l.EvaluateFunction(x)

	opt := new(lbfgsb.Lbfgsb)
	opt.SetApproximationSize(10)
	opt.SetFTolerance(1e-9)
	opt.SetGTolerance(1e-9)

	opt.SetBounds(l.bounds)
	opt.SetLogger(l.Logger)

	_, exitStatus := opt.Minimize(l, x)

	log.Debugf("Exit status: %v (iterations=%d, calls=%d)", exitStatus, l.iter, l.calls)
	if exitStatus.Code != lbfgsb.SUCCESS && exitStatus.Code != lbfgsb.APPROXIMATE {
		return l.best, l.bestF, fmt.Errorf("lbfgsb: %v", exitStatus)
	}
	return l.best, l.bestF, nil
}
