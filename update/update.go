// Package update reweights a tree ensemble with the likelihood of new
// ddPCR measurements.
package update

import (
	"fmt"
	"math"

	"github.com/op/go-logging"
	"gonum.org/v1/gonum/floats"

	"github.com/masephi/treetrack/ddpcr"
	"github.com/masephi/treetrack/dist"
	"github.com/masephi/treetrack/ensemble"
	"github.com/masephi/treetrack/likelihood"
	"github.com/masephi/treetrack/ssm"
	"github.com/masephi/treetrack/tree"
)

var log = logging.MustGetLogger("update")

// Method selects how measurements are turned into tree likelihoods.
type Method string

const (
	// Bayes multiplies prior weights by the full likelihood.
	Bayes Method = "bayes"
	// Wald rejects trees whose ancestral orderings are contradicted by a
	// one-sided Wald test on each related marker pair.
	Wald Method = "wald"
	// ChiSquare rejects trees whose predicted VAFs fail a goodness of fit
	// test on any marker.
	ChiSquare Method = "chisq"
)

// ParseMethod converts a method name.
func ParseMethod(s string) (Method, error) {
	switch Method(s) {
	case Bayes, Wald, ChiSquare:
		return Method(s), nil
	case "":
		return Bayes, nil
	}
	return "", fmt.Errorf("unknown update method: %s", s)
}

// Updater computes posterior ensembles.
type Updater struct {
	Engine *likelihood.Engine
	Method Method
	// Alpha is the family-wise rejection level of the test methods.
	Alpha float64
}

// New creates an updater.
func New(engine *likelihood.Engine, method Method, alpha float64) *Updater {
	if method == "" {
		method = Bayes
	}
	return &Updater{Engine: engine, Method: method, Alpha: alpha}
}

// Result is the outcome of an update.
type Result struct {
	Ensemble *ensemble.Ensemble
	Traces   []likelihood.Trace
	// Applied is false when no marker had a measurement and the input
	// ensemble was returned unchanged.
	Applied bool
	// Used and Skipped list marker keys with and without measurements.
	Used    []string
	Skipped []string
}

// Update returns the posterior of ens given measurements (keyed by
// marker key) of the selected markers. Markers without a measurement
// are skipped. A *ensemble.DegenerateError is returned when no tree
// retains weight.
func (u *Updater) Update(ens *ensemble.Ensemble, markers []*ssm.Mutation, measurements map[string]ddpcr.Measurement) (*Result, error) {
	res := &Result{}
	var obs []likelihood.Observation
	for _, m := range markers {
		meas, ok := measurements[m.Key]
		if !ok || meas.Total <= 0 {
			log.Warningf("No measurement for marker %s, skipped", m.Key)
			res.Skipped = append(res.Skipped, m.Key)
			continue
		}
		obs = append(obs, likelihood.Observation{Mutation: m, Measurement: meas})
		res.Used = append(res.Used, m.Key)
	}
	if len(obs) == 0 {
		log.Warning("No marker measured, ensemble unchanged")
		res.Ensemble = ens
		return res, nil
	}

	var traces []likelihood.Trace
	switch u.Method {
	case Wald:
		traces = u.waldTraces(ens, obs)
	case ChiSquare:
		traces = u.chiSquareTraces(ens, obs)
	default:
		traces = u.Engine.EvaluateAll(ens, obs)
	}
	res.Traces = traces

	// Degenerate when no tree explains the measurements, whatever the
	// prior weights.
	logL := make([]float64, len(traces))
	logw := make([]float64, len(traces))
	for i, tr := range traces {
		logL[i] = tr.LogL
		logw[i] = math.Log(math.Max(ens.Weight(i), ensemble.WeightFloor)) + tr.LogL
	}
	if lse := floats.LogSumExp(logL); !(lse > math.Log(ensemble.DegenerateEpsilon)) {
		return res, &ensemble.DegenerateError{Sum: math.Exp(lse)}
	}
	post, err := ens.ReweightLog(logw)
	if err != nil {
		return res, err
	}
	res.Ensemble = post
	res.Applied = true
	i, top := post.Dominant()
	log.Infof("Updated %d trees with %d markers (%s): top tree %d, weight %.4g", ens.Len(), len(obs), u.Method, i, top)
	return res, nil
}

func (u *Updater) nodes(ens *ensemble.Ensemble, ti int, obs []likelihood.Observation) []*tree.Node {
	nodes := make([]*tree.Node, len(obs))
	for i, o := range obs {
		node, ok := ens.MutationToNode(ti, o.Mutation.ID)
		if !ok {
			node, _ = ens.MutationToNode(ti, o.Mutation.Key)
		}
		nodes[i] = node
	}
	return nodes
}

func rejected(tr *likelihood.Trace, t likelihood.Term, reject bool) bool {
	if reject {
		t.LogL = dist.LogFloor
		tr.LogL = dist.LogFloor
	}
	tr.Terms = append(tr.Terms, t)
	return reject
}

// waldTraces tests, for every related marker pair, whether the measured
// VAFs contradict the ordering implied by the tree, with Bonferroni
// correction over all pairs.
func (u *Updater) waldTraces(ens *ensemble.Ensemble, obs []likelihood.Observation) []likelihood.Trace {
	nPairs := float64(len(obs) * (len(obs) - 1) / 2)
	traces := make([]likelihood.Trace, ens.Len())
	if nPairs == 0 {
		for i := range traces {
			traces[i].Tree = i
		}
		return traces
	}
	oneSided := -dist.QuantileNormal(u.Alpha / nPairs)
	twoSided := -dist.QuantileNormal(u.Alpha / nPairs / 2)
	for ti := range traces {
		tr := &traces[ti]
		tr.Tree = ti
		t := ens.Tree(ti)
		nodes := u.nodes(ens, ti, obs)
	pairs:
		for i := range obs {
			for j := i + 1; j < len(obs); j++ {
				if nodes[i] == nil || nodes[j] == nil {
					continue
				}
				rel := t.Relation(nodes[i], nodes[j])
				if rel == tree.Unrelated {
					continue
				}
				w := WaldStatistic(rel, obs[i].Measurement, obs[j].Measurement)
				crit := oneSided
				if rel == tree.Same {
					crit = twoSided
				}
				term := likelihood.Term{
					Markers:  []string{obs[i].Mutation.Key, obs[j].Mutation.Key},
					Relation: rel.String(),
				}
				if rejected(tr, term, w > crit) {
					log.Debugf("Tree %d rejected: %s %s %s (W=%.3g > %.3g)", ti, obs[i].Mutation.Key, rel, obs[j].Mutation.Key, w, crit)
					break pairs
				}
			}
		}
	}
	return traces
}

// WaldStatistic measures how strongly the measured VAFs of a and b
// contradict relation rel of a to b. Large values reject.
func WaldStatistic(rel tree.Relation, a, b ddpcr.Measurement) float64 {
	fa, fb := a.VAF(), b.VAF()
	se := math.Sqrt(fa*(1-fa)/float64(a.Total)) + math.Sqrt(fb*(1-fb)/float64(b.Total))
	var d float64
	switch rel {
	case tree.Ancestor:
		d = fb - fa
	case tree.Descendant:
		d = fa - fb
	case tree.Same:
		d = math.Abs(fa - fb)
	default:
		return math.Inf(-1)
	}
	if se == 0 {
		switch {
		case d > 0:
			return math.Inf(1)
		case d < 0:
			return math.Inf(-1)
		}
		return 0
	}
	return d / se
}

// chiSquareTraces tests every marker against the VAF predicted by its
// node with one degree of freedom, with Bonferroni correction over all
// markers.
func (u *Updater) chiSquareTraces(ens *ensemble.Ensemble, obs []likelihood.Observation) []likelihood.Trace {
	crit := dist.QuantileChi2(1-u.Alpha/float64(len(obs)), 1)
	traces := make([]likelihood.Trace, ens.Len())
	for ti := range traces {
		tr := &traces[ti]
		tr.Tree = ti
		nodes := u.nodes(ens, ti, obs)
		for i, o := range obs {
			if nodes[i] == nil {
				continue
			}
			p := u.Engine.Expected(nodes[i], o.Mutation)
			stat := ChiSquareStatistic(o.Measurement, p)
			term := likelihood.Term{Markers: []string{o.Mutation.Key}, Expected: p}
			if rejected(tr, term, stat > crit) {
				log.Debugf("Tree %d rejected: %s (T=%.3g > %.3g)", ti, o.Mutation.Key, stat, crit)
				break
			}
		}
	}
	return traces
}

// ChiSquareStatistic is Pearson's statistic of a measurement against
// the expected VAF p.
func ChiSquareStatistic(m ddpcr.Measurement, p float64) float64 {
	p = dist.ClampP(p)
	n := float64(m.Total)
	e1, e0 := p*n, (1-p)*n
	d1 := float64(m.Mutant) - e1
	d0 := float64(m.Total-m.Mutant) - e0
	return d1*d1/e1 + d0*d0/e0
}
