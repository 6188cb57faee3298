// Package dist implements log-space probability functions used for
// binomial observation models at large read depths.
package dist

import (
	"math"

	"github.com/gonum/mathext"
	"gonum.org/v1/gonum/stat/distuv"
)

const (
	// Floor is the smallest probability returned by the clamped functions.
	Floor = 1e-300
	// PClamp keeps success probabilities away from 0 and 1.
	PClamp = 1e-12
	// minVariance bounds the normal approximation variance from below.
	minVariance = 0.25
)

// LogFloor is log(Floor).
var LogFloor = math.Log(Floor)

// LnGamma returns log|Γ(x)|.
func LnGamma(x float64) float64 {
	lg, _ := math.Lgamma(x)
	return lg
}

// LnBeta returns log of Beta function.
func LnBeta(p, q float64) float64 {
	return LnGamma(p) + LnGamma(q) - LnGamma(p+q)
}

// LnChoose returns log C(n, k) computed through the log-gamma function,
// so it is finite for any depth.
func LnChoose(n, k int) float64 {
	if k < 0 || k > n {
		return math.Inf(-1)
	}
	return LnGamma(float64(n)+1) - LnGamma(float64(k)+1) - LnGamma(float64(n-k)+1)
}

// ClampP restricts p to [PClamp, 1-PClamp].
func ClampP(p float64) float64 {
	if math.IsNaN(p) {
		return 0.5
	}
	return math.Min(math.Max(p, PClamp), 1-PClamp)
}

// LnBinomial returns log P(X=k) for X~Binomial(n, p) computed in log
// space. Non-finite results fall back to the normal approximation.
func LnBinomial(k, n int, p float64) float64 {
	if n < 0 || k < 0 || k > n {
		return LogFloor
	}
	p = ClampP(p)
	l := LnChoose(n, k) + float64(k)*math.Log(p) + float64(n-k)*math.Log1p(-p)
	if math.IsNaN(l) || math.IsInf(l, 0) {
		l = LnNormalApprox(k, n, p)
	}
	return Clamp(l)
}

// LnNormalApprox approximates log P(X=k) for X~Binomial(n, p) with a
// normal density of the same mean and variance.
func LnNormalApprox(k, n int, p float64) float64 {
	mu := float64(n) * p
	v := math.Max(float64(n)*p*(1-p), minVariance)
	l := distuv.Normal{Mu: mu, Sigma: math.Sqrt(v)}.LogProb(float64(k))
	if math.IsNaN(l) {
		return LogFloor
	}
	return Clamp(l)
}

// Clamp restricts a log probability to [LogFloor, 0].
func Clamp(l float64) float64 {
	switch {
	case math.IsNaN(l), l < LogFloor:
		return LogFloor
	case l > 0:
		return 0
	}
	return l
}

// CDFBeta returns the regularized incomplete beta function I_x(p, q).
func CDFBeta(x, p, q float64) float64 {
	switch {
	case x <= 0:
		return 0
	case x >= 1:
		return 1
	}
	return mathext.RegIncBeta(p, q, x)
}

// LnBetaDensity returns the log density of Beta(p, q) at x.
func LnBetaDensity(x, p, q float64) float64 {
	if x <= 0 || x >= 1 {
		return math.Inf(-1)
	}
	return (p-1)*math.Log(x) + (q-1)*math.Log1p(-x) - LnBeta(p, q)
}

// QuantileNormal returns quantile for normal distribution.
func QuantileNormal(prob float64) float64 {
	return mathext.NormalQuantile(prob)
}

// QuantileChi2 returns z so that Prob{x<z}=prob where x is Chi2
// distributed with v degrees of freedom.
func QuantileChi2(prob, v float64) float64 {
	if v == 1 {
		z := QuantileNormal(0.5 + prob/2)
		return z * z
	}
	return distuv.ChiSquared{K: v}.Quantile(prob)
}
