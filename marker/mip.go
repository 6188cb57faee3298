package marker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize/convex/lp"
)

const (
	// integrality is the distance from 0 or 1 under which an LP value
	// is considered integral.
	integrality = 1e-6
	simplexTol  = 1e-10
)

var errNodeLimit = errors.New("branch and bound node limit reached")

// bnb is a depth-first branch and bound over the linearized problem.
// Pair products z_i z_j are replaced by y_ij with y_ij <= z_i and
// y_ij <= z_j, which is exact at integral points since pair weights
// are non-negative.
type bnb struct {
	p        *problem
	ctx      context.Context
	maxNodes int
	nodes    int
	best     []int
	bestV    float64
}

func (p *problem) branchAndBound(ctx context.Context, maxNodes int) ([]int, float64, int, error) {
	b := &bnb{p: p, ctx: ctx, maxNodes: maxNodes}
	if g := p.greedy(); g != nil {
		b.best, b.bestV = g, p.value(g)
	}
	fixed := make([]int8, p.n())
	for i := range fixed {
		fixed[i] = -1
	}
	if err := b.search(fixed); err != nil {
		return nil, 0, b.nodes, err
	}
	if b.best == nil {
		return nil, 0, b.nodes, lp.ErrInfeasible
	}
	best := p.polish(b.best)
	return best, p.value(best), b.nodes, nil
}

func (b *bnb) search(fixed []int8) error {
	if err := b.ctx.Err(); err != nil {
		return err
	}
	b.nodes++
	if b.maxNodes > 0 && b.nodes > b.maxNodes {
		return errNodeLimit
	}

	var ones, free []int
	for i, f := range fixed {
		switch f {
		case 1:
			ones = append(ones, i)
		case -1:
			free = append(free, i)
		}
	}
	kRem := b.p.k - len(ones)
	switch {
	case kRem < 0 || kRem > len(free):
		return nil
	case kRem == 0:
		b.offer(ones)
		return nil
	case kRem == len(free):
		b.offer(append(ones, free...))
		return nil
	}

	bound, z, err := b.relax(ones, free, kRem)
	if err != nil {
		return err
	}
	// Nodes that cannot strictly improve are pruned; ties among equal
	// objectives are settled by polish.
	if b.best != nil && (bound < b.bestV || sameValue(bound, b.bestV)) {
		return nil
	}

	branch := -1
	frac := 0.0
	for a, i := range free {
		d := math.Min(z[a], 1-z[a])
		if d > integrality && d > frac+integrality {
			branch, frac = i, d
		}
	}
	if branch < 0 {
		sel := append([]int(nil), ones...)
		for a, i := range free {
			if z[a] > 0.5 {
				sel = append(sel, i)
			}
		}
		if len(sel) == b.p.k {
			b.offer(sel)
		}
		return nil
	}

	for _, v := range []int8{1, 0} {
		next := append([]int8(nil), fixed...)
		next[branch] = v
		if err := b.search(next); err != nil {
			return err
		}
	}
	return nil
}

func (b *bnb) offer(sel []int) {
	sel = sortedCopy(sel)
	v := b.p.value(sel)
	if b.p.better(sel, v, b.best, b.bestV) {
		b.best, b.bestV = sel, v
	}
}

// relax solves the LP relaxation of a node and returns its upper bound
// and the values of the free z variables.
func (b *bnb) relax(ones, free []int, kRem int) (float64, []float64, error) {
	p := b.p
	constant := p.value(ones)
	coef := make([]float64, len(free))
	for a, i := range free {
		coef[a] = p.lin[i]
		for _, j := range ones {
			coef[a] += p.quad[i][j]
		}
	}
	type pair struct{ a, b int }
	var pairs []pair
	for a := range free {
		for c := a + 1; c < len(free); c++ {
			if p.quad[free[a]][free[c]] > 0 {
				pairs = append(pairs, pair{a, c})
			}
		}
	}

	nf, np := len(free), len(pairs)
	rows := 1 + nf + 2*np
	cols := nf + np + nf + 2*np
	A := mat.NewDense(rows, cols, nil)
	bv := make([]float64, rows)
	c := make([]float64, cols)

	// sum z = kRem
	for a := 0; a < nf; a++ {
		A.Set(0, a, 1)
		c[a] = -coef[a]
	}
	bv[0] = float64(kRem)
	// z + s = 1
	for a := 0; a < nf; a++ {
		A.Set(1+a, a, 1)
		A.Set(1+a, nf+np+a, 1)
		bv[1+a] = 1
	}
	// y - z + s = 0, for both ends of every pair
	for q, pr := range pairs {
		y := nf + q
		c[y] = -p.quad[free[pr.a]][free[pr.b]]
		for e, end := range []int{pr.a, pr.b} {
			r := 1 + nf + 2*q + e
			A.Set(r, y, 1)
			A.Set(r, end, -1)
			A.Set(r, nf+np+nf+2*q+e, 1)
		}
	}

	opt, x, err := lp.Simplex(c, A, bv, simplexTol, nil)
	if err != nil {
		return 0, nil, fmt.Errorf("lp relaxation with %d free markers: %w", nf, err)
	}
	return constant - opt, x[:nf], nil
}

// greedy adds, one at a time, the candidate with the largest gain.
func (p *problem) greedy() []int {
	if p.k > p.n() {
		return nil
	}
	in := make([]bool, p.n())
	var sel []int
	for len(sel) < p.k {
		bestI, bestG := -1, math.Inf(-1)
		for i := range in {
			if in[i] {
				continue
			}
			g := p.lin[i]
			for _, j := range sel {
				g += p.quad[i][j]
			}
			if bestI < 0 || g > bestG && !sameValue(g, bestG) ||
				sameValue(g, bestG) && p.depth[i] > p.depth[bestI] {
				bestI, bestG = i, g
			}
		}
		in[bestI] = true
		sel = append(sel, bestI)
	}
	sort.Ints(sel)
	return sel
}

// polish swaps selected candidates for unselected ones while the
// objective stays equal and the tissue depth increases.
func (p *problem) polish(sel []int) []int {
	sel = sortedCopy(sel)
	v := p.value(sel)
	for improved := true; improved; {
		improved = false
		in := make(map[int]bool, len(sel))
		for _, i := range sel {
			in[i] = true
		}
	swap:
		for a := range sel {
			for j := 0; j < p.n(); j++ {
				if in[j] {
					continue
				}
				cand := append([]int(nil), sel...)
				cand[a] = j
				cand = sortedCopy(cand)
				cv := p.value(cand)
				if sameValue(cv, v) && p.totalDepth(cand) > p.totalDepth(sel) {
					sel, v, improved = cand, cv, true
					break swap
				}
			}
		}
	}
	return sel
}

// prefilter keeps the m most promising candidates, ranked by an upper
// bound of their contribution to any k-subset.
func (p *problem) prefilter(m int) []int {
	n := p.n()
	idx := make([]int, n)
	score := make([]float64, n)
	for i := range idx {
		idx[i] = i
		q := append([]float64(nil), p.quad[i]...)
		sort.Sort(sort.Reverse(sort.Float64Slice(q)))
		score[i] = p.lin[i]
		for _, v := range q[:min(p.k-1, len(q))] {
			score[i] += v
		}
	}
	sort.SliceStable(idx, func(a, b int) bool {
		i, j := idx[a], idx[b]
		if ki, kj := tieKey(score[i]), tieKey(score[j]); ki != kj {
			return ki > kj
		}
		if p.depth[i] != p.depth[j] {
			return p.depth[i] > p.depth[j]
		}
		return i < j
	})
	if m < n {
		idx = idx[:m]
	}
	sort.Ints(idx)
	return idx
}

// sub restricts the problem to the given candidates.
func (p *problem) sub(idx []int) *problem {
	s := &problem{
		k:     p.k,
		lin:   make([]float64, len(idx)),
		quad:  make([][]float64, len(idx)),
		depth: make([]int, len(idx)),
	}
	for a, i := range idx {
		s.lin[a] = p.lin[i]
		s.depth[a] = p.depth[i]
		s.quad[a] = make([]float64, len(idx))
		for b, j := range idx {
			s.quad[a][b] = p.quad[i][j]
		}
	}
	return s
}
