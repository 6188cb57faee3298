// Package marker selects mutations whose longitudinal measurement best
// discriminates between the trees of an ensemble.
package marker

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/op/go-logging"

	"github.com/masephi/treetrack/ensemble"
	"github.com/masephi/treetrack/likelihood"
	"github.com/masephi/treetrack/ssm"
	"github.com/masephi/treetrack/tree"
)

var log = logging.MustGetLogger("marker")

var (
	ErrInvalidObjective    = errors.New("exactly one of lambda1 and lambda2 must be nonzero")
	ErrInsufficientMarkers = errors.New("not enough candidate markers")
	ErrOptimizationFailed  = errors.New("marker optimization failed")
)

// Status describes how a selection was obtained.
type Status string

const (
	Optimal  Status = "optimal"
	Fallback Status = "fallback"
	Fixed    Status = "fixed"
)

// Objective weights the fraction (Lambda1) and structure (Lambda2)
// criteria.
type Objective struct {
	Lambda1 float64 `json:"lambda1"`
	Lambda2 float64 `json:"lambda2"`
}

// Validate checks that exactly one weight is nonzero and that none is
// negative.
func (o Objective) Validate() error {
	for _, l := range []float64{o.Lambda1, o.Lambda2} {
		if l < 0 || math.IsNaN(l) || math.IsInf(l, 0) {
			return fmt.Errorf("%w: got lambda1=%v, lambda2=%v", ErrInvalidObjective, o.Lambda1, o.Lambda2)
		}
	}
	if (o.Lambda1 != 0) == (o.Lambda2 != 0) {
		return fmt.Errorf("%w: got lambda1=%v, lambda2=%v", ErrInvalidObjective, o.Lambda1, o.Lambda2)
	}
	return nil
}

// Candidate is a mutation eligible for selection together with its
// placement in every tree of the ensemble.
type Candidate struct {
	Mutation *ssm.Mutation
	// VAF[t] is the VAF predicted by tree t.
	VAF   []float64
	nodes []*tree.Node
}

// Pool builds the candidate list: mutations of the table placed by
// every tree, minus excluded keys, sorted by key.
func Pool(ens *ensemble.Ensemble, table *ssm.Table, engine *likelihood.Engine, exclude map[string]bool) []Candidate {
	var pool []Candidate
	for _, m := range table.Mutations() {
		if exclude[m.Key] || exclude[m.ID] {
			continue
		}
		c := Candidate{
			Mutation: m,
			VAF:      make([]float64, ens.Len()),
			nodes:    make([]*tree.Node, ens.Len()),
		}
		ok := true
		for t := 0; t < ens.Len() && ok; t++ {
			node, found := ens.MutationToNode(t, m.ID)
			if !found {
				node, found = ens.MutationToNode(t, m.Key)
			}
			if !found {
				ok = false
				break
			}
			c.nodes[t] = node
			c.VAF[t] = engine.Expected(node, m)
		}
		if !ok {
			log.Debugf("Mutation %s is not placed by every tree, not a candidate", m.Key)
			continue
		}
		pool = append(pool, c)
	}
	sort.SliceStable(pool, func(i, j int) bool {
		return pool[i].Mutation.Key < pool[j].Mutation.Key
	})
	return pool
}

// Request holds per-call selection settings.
type Request struct {
	PanelSize int
	Objective Objective
	// ReadDepth is the expected ddPCR depth scaling the fraction score.
	ReadDepth float64
}

// Selection is the result of marker selection.
type Selection struct {
	Markers   []*ssm.Mutation `json:"-"`
	Keys      []string        `json:"markers"`
	Objective float64         `json:"objective"`
	Status    Status          `json:"status"`
	Solver    string          `json:"solver,omitempty"`
	Nodes     int             `json:"nodes,omitempty"`
	// Reason is set for fallback selections.
	Reason string `json:"reason,omitempty"`
}

func newSelection(pool []Candidate, idx []int, obj float64, status Status, solver string) *Selection {
	s := &Selection{Objective: obj, Status: status, Solver: solver}
	for _, i := range idx {
		s.Markers = append(s.Markers, pool[i].Mutation)
		s.Keys = append(s.Keys, pool[i].Mutation.Key)
	}
	return s
}

// problem is the quadratic selection problem over a pool:
// maximize sum(lin[i] z_i) + sum_{i<j}(quad[i][j] z_i z_j), sum(z) = k.
type problem struct {
	k     int
	lin   []float64
	quad  [][]float64
	depth []int
}

func newProblem(ens *ensemble.Ensemble, pool []Candidate, req Request) *problem {
	n := len(pool)
	p := &problem{
		k:     req.PanelSize,
		lin:   make([]float64, n),
		quad:  make([][]float64, n),
		depth: make([]int, n),
	}
	w := ens.Weights()
	for i := range pool {
		p.quad[i] = make([]float64, n)
		p.depth[i] = pool[i].Mutation.Depth()
	}
	if req.Objective.Lambda1 != 0 {
		for i := range pool {
			p.lin[i] = req.Objective.Lambda1 * fractionScore(pool[i].VAF, w, req.ReadDepth)
		}
	}
	if req.Objective.Lambda2 != 0 {
		for i := range pool {
			for j := i + 1; j < n; j++ {
				q := structureScore(ens, pool[i], pool[j], w) + structureScore(ens, pool[j], pool[i], w)
				p.quad[i][j] = req.Objective.Lambda2 * q
				p.quad[j][i] = p.quad[i][j]
			}
		}
	}
	return p
}

// fractionScore is the weighted expected squared z-separation of the
// VAFs predicted by pairs of trees at the given depth.
func fractionScore(vaf, w []float64, depth float64) (s float64) {
	for t := range vaf {
		for u := t + 1; u < len(vaf); u++ {
			d := vaf[t] - vaf[u]
			v := vaf[t]*(1-vaf[t]) + vaf[u]*(1-vaf[u]) + 1e-8
			s += w[t] * w[u] * depth * d * d / v
		}
	}
	return
}

// structureScore is sum_{t,u} w_t w_u |R_t - R_u| where R_t is 1 when a's
// node is an ancestor of (or equal to) b's node in tree t.
func structureScore(ens *ensemble.Ensemble, a, b Candidate, w []float64) float64 {
	var w1, w0 float64
	for t := range w {
		tr := ens.Tree(t)
		rel := tr.Relation(a.nodes[t], b.nodes[t])
		if rel == tree.Ancestor || rel == tree.Same {
			w1 += w[t]
		} else {
			w0 += w[t]
		}
	}
	return 2 * w1 * w0
}

func (p *problem) n() int {
	return len(p.lin)
}

func (p *problem) value(idx []int) (v float64) {
	for a, i := range idx {
		v += p.lin[i]
		for _, j := range idx[a+1:] {
			v += p.quad[i][j]
		}
	}
	return
}

func (p *problem) totalDepth(idx []int) (d int) {
	for _, i := range idx {
		d += p.depth[i]
	}
	return
}

// tieTolerance is the relative tolerance under which objectives are
// considered equal.
const tieTolerance = 1e-12

func sameValue(a, b float64) bool {
	return math.Abs(a-b) <= tieTolerance*math.Max(1, math.Max(math.Abs(a), math.Abs(b)))
}

// tieKey quantizes v for sort comparators, which need a transitive
// equality.
func tieKey(v float64) float64 {
	return math.Round(v / tieTolerance)
}

// better reports whether subset a (value va) is preferred to subset b.
// Higher objective wins, then higher tissue depth, then the
// lexicographically smaller index tuple.
func (p *problem) better(a []int, va float64, b []int, vb float64) bool {
	if b == nil {
		return true
	}
	if !sameValue(va, vb) {
		return va > vb
	}
	da, db := p.totalDepth(a), p.totalDepth(b)
	if da != db {
		return da > db
	}
	as, bs := sortedCopy(a), sortedCopy(b)
	for i := range as {
		if as[i] != bs[i] {
			return as[i] < bs[i]
		}
	}
	return false
}

func sortedCopy(x []int) []int {
	c := append([]int(nil), x...)
	sort.Ints(c)
	return c
}
