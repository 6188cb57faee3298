// Package clonefreq estimates the prevalence of clones from ddPCR
// measurements of their marker mutations.
//
// Clone frequencies of the measured nodes of a tree are fitted by
// bounded maximum likelihood under the binomial read model. A quadratic
// penalty keeps descendants below their ancestors.
package clonefreq

import (
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/op/go-logging"

	"github.com/masephi/treetrack/dist"
	"github.com/masephi/treetrack/likelihood"
	"github.com/masephi/treetrack/tree"
)

var log = logging.MustGetLogger("clonefreq")

// Remainder names the pseudo-clone holding the frequency not explained
// by leaf clones.
const Remainder = "unrooted_remainder"

const (
	minFreq = 1e-6
	maxFreq = 1 - 1e-6
)

// Estimate is the frequency of one clone at one timepoint.
type Estimate struct {
	Timepoint string   `json:"timepoint"`
	Clone     string   `json:"clone"`
	Freq      float64  `json:"freq"`
	Seed      float64  `json:"seed"`
	Markers   []string `json:"markers,omitempty"`
	Terminal  bool     `json:"terminal,omitempty"`
}

// Estimator fits clone frequencies.
type Estimator struct {
	// Penalty weighs squared ordering violations against the
	// per-read negative log-likelihood.
	Penalty float64
}

// NewEstimator creates an estimator with the default penalty.
func NewEstimator() *Estimator {
	return &Estimator{Penalty: 1e3}
}

type read struct {
	k, n     float64
	muR, muV float64
}

// problem is the penalized negative log-likelihood per read.
type problem struct {
	reads   [][]read
	order   [][2]int
	penalty float64
	scale   float64
	grad    []float64
}

func (p *problem) vaf(r read, phi float64) float64 {
	return dist.ClampP(likelihood.PredictedVAF(phi, r.muR, r.muV))
}

func (p *problem) EvaluateFunction(x []float64) (f float64) {
	for i, rs := range p.reads {
		for _, r := range rs {
			v := p.vaf(r, x[i])
			f -= r.k*math.Log(v) + (r.n-r.k)*math.Log1p(-v)
		}
	}
	f /= p.scale
	for _, o := range p.order {
		if d := x[o[1]] - x[o[0]]; d > 0 {
			f += p.penalty * d * d
		}
	}
	return
}

func (p *problem) EvaluateGradient(x []float64) []float64 {
	if p.grad == nil {
		p.grad = make([]float64, len(x))
	}
	g := p.grad
	for i, rs := range p.reads {
		g[i] = 0
		for _, r := range rs {
			v := p.vaf(r, x[i])
			g[i] -= (r.k/v - (r.n-r.k)/(1-v)) * (r.muR - r.muV)
		}
		g[i] /= p.scale
	}
	for _, o := range p.order {
		if d := x[o[1]] - x[o[0]]; d > 0 {
			g[o[1]] += 2 * p.penalty * d
			g[o[0]] -= 2 * p.penalty * d
		}
	}
	return g
}

// seed inverts the VAF model for the pooled reads of a node.
func seed(rs []read) float64 {
	var s float64
	for _, r := range rs {
		slope := r.muR - r.muV
		phi := r.k / r.n
		if slope != 0 {
			phi = (r.k/r.n - (1 - r.muR)) / slope
		}
		s += phi
	}
	return math.Min(math.Max(s/float64(len(rs)), minFreq), maxFreq)
}

// Estimate fits the frequencies of the clones of t carrying measured
// markers. nodeOf maps an observation to its node, or nil. The
// unrooted remainder is appended last.
func (e *Estimator) Estimate(t *tree.Tree, obs []likelihood.Observation, nodeOf func(likelihood.Observation) *tree.Node) ([]Estimate, error) {
	pos := make(map[*tree.Node]int)
	var (
		nodes   []*tree.Node
		reads   [][]read
		markers [][]string
		depth   float64
	)
	for _, o := range obs {
		node := nodeOf(o)
		if node == nil || o.Total <= 0 {
			continue
		}
		i, ok := pos[node]
		if !ok {
			i = len(nodes)
			pos[node] = i
			nodes = append(nodes, node)
			reads = append(reads, nil)
			markers = append(markers, nil)
		}
		reads[i] = append(reads[i], read{float64(o.Mutant), float64(o.Total), o.Mutation.MuR, o.Mutation.MuV})
		markers[i] = append(markers[i], o.Mutation.Key)
		depth += float64(o.Total)
	}
	if len(nodes) == 0 {
		return nil, nil
	}
	tp := obs[0].Timepoint

	p := &problem{reads: reads, penalty: e.Penalty, scale: depth}
	for i, a := range nodes {
		for j, b := range nodes {
			if i != j && t.IsAncestor(a, b) {
				p.order = append(p.order, [2]int{i, j})
			}
		}
	}
	x0 := make([]float64, len(nodes))
	bounds := make([][2]float64, len(nodes))
	for i := range nodes {
		x0[i] = seed(reads[i])
		bounds[i] = [2]float64{minFreq, maxFreq}
	}

	opt := NewLBFGSB(p, bounds)
	x, _, err := opt.Run(x0)
	if err != nil {
		log.Warningf("Clone frequency fit at %s did not converge: %v", tp, err)
	}
	if x == nil {
		x = x0
	}

	res := make([]Estimate, len(nodes))
	var total, leaves float64
	for i, node := range nodes {
		res[i] = Estimate{
			Timepoint: tp,
			Clone:     strconv.Itoa(node.Id),
			Freq:      x[i],
			Seed:      x0[i],
			Markers:   markers[i],
			Terminal:  node.IsTerminal(),
		}
		total += x[i]
		if node.IsTerminal() {
			leaves += x[i]
		}
	}
	sort.Slice(res, func(i, j int) bool {
		a, _ := strconv.Atoi(res[i].Clone)
		b, _ := strconv.Atoi(res[j].Clone)
		return a < b
	})
	res = append(res, Estimate{
		Timepoint: tp,
		Clone:     Remainder,
		Freq:      math.Max(0, total-leaves),
	})
	return res, nil
}

var header = []string{"timepoint", "clone", "freq", "seed", "markers"}

// WriteTSV writes estimates as a tab separated table.
func WriteTSV(w io.Writer, est []Estimate) error {
	cw := csv.NewWriter(w)
	cw.Comma = '\t'
	if err := cw.Write(header); err != nil {
		return err
	}
	for _, e := range est {
		rec := []string{
			e.Timepoint,
			e.Clone,
			strconv.FormatFloat(e.Freq, 'g', 8, 64),
			strconv.FormatFloat(e.Seed, 'g', 8, 64),
			strings.Join(e.Markers, ","),
		}
		if err := cw.Write(rec); err != nil {
			return fmt.Errorf("writing clone frequencies: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}
