package likelihood

import (
	"math"

	"gonum.org/v1/gonum/integrate/quad"

	"github.com/masephi/treetrack/ddpcr"
	"github.com/masephi/treetrack/dist"
)

// posterior is the Beta(k+1, n-k+1) posterior of a VAF under a
// uniform prior.
type posterior struct {
	a, b float64
}

func newPosterior(m ddpcr.Measurement) posterior {
	return posterior{
		a: float64(m.Mutant) + 1,
		b: float64(m.Total-m.Mutant) + 1,
	}
}

func (p posterior) mean() float64 {
	return p.a / (p.a + p.b)
}

func (p posterior) sd() float64 {
	s := p.a + p.b
	return math.Sqrt(p.a * p.b / (s * s * (s + 1)))
}

func (p posterior) density(x float64) float64 {
	return math.Exp(dist.LnBetaDensity(x, p.a, p.b))
}

func (p posterior) cdf(x float64) float64 {
	return dist.CDFBeta(x, p.a, p.b)
}

// ProbGreater returns P(f1 >= f2) where f1 and f2 are the true
// frequencies behind two measurements. This is the mass of the joint
// posterior over the region f1 >= f2; the inner integral is the
// regularized incomplete beta function and the outer one is computed
// by Gauss-Legendre quadrature over the narrower posterior.
func (e *Engine) ProbGreater(m1, m2 ddpcr.Measurement) float64 {
	p1, p2 := newPosterior(m1), newPosterior(m2)

	var f func(float64) float64
	var lo, hi float64
	if p1.sd() <= p2.sd() {
		// P(f1 >= f2) = int p1(x) P(f2 <= x) dx
		f = func(x float64) float64 {
			return p1.density(x) * p2.cdf(x)
		}
		lo, hi = e.window(p1)
	} else {
		// P(f1 >= f2) = int p2(y) P(f1 >= y) dy
		f = func(y float64) float64 {
			return p2.density(y) * (1 - p1.cdf(y))
		}
		lo, hi = e.window(p2)
	}
	pr := quad.Fixed(f, lo, hi, e.Points, quad.Legendre{}, 0)
	if math.IsNaN(pr) {
		log.Warningf("Pair integral failed for %v and %v", m1, m2)
		return 0.5
	}
	return math.Min(math.Max(pr, 0), 1)
}

func (e *Engine) window(p posterior) (lo, hi float64) {
	m, s := p.mean(), p.sd()
	lo = math.Max(0, m-e.Window*s)
	hi = math.Min(1, m+e.Window*s)
	return
}
