// Package likelihood computes the probability of ddPCR measurements
// given a candidate clone tree.
//
// Each measured marker contributes a binomial term at the variant
// allele frequency predicted by the clonal frequency of its node. Every
// pair of markers placed on the same lineage contributes the posterior
// probability that their true frequencies respect the order implied by
// the tree; pairs on different branches are independent.
package likelihood

import (
	"math"

	"github.com/op/go-logging"

	"github.com/masephi/treetrack/ddpcr"
	"github.com/masephi/treetrack/dist"
	"github.com/masephi/treetrack/ensemble"
	"github.com/masephi/treetrack/ssm"
	"github.com/masephi/treetrack/tree"
)

var log = logging.MustGetLogger("likelihood")

// Observation is a measurement of a marker mutation.
type Observation struct {
	Mutation *ssm.Mutation
	ddpcr.Measurement
}

// Term is a single contribution to a tree log-likelihood.
type Term struct {
	Markers  []string `json:"markers"`
	Relation string   `json:"relation,omitempty"`
	// Expected is the predicted VAF for single marker terms.
	Expected float64 `json:"expected,omitempty"`
	LogL     float64 `json:"logL"`
}

// Trace records how a tree log-likelihood was obtained.
type Trace struct {
	Tree  int     `json:"tree"`
	LogL  float64 `json:"logL"`
	Terms []Term  `json:"terms,omitempty"`
}

// Engine evaluates tree likelihoods.
type Engine struct {
	// Sample selects the clonal frequency sample; negative averages.
	Sample int
	// Points is the quadrature order of the pair integrals.
	Points int
	// Window is the half width, in standard deviations, of the
	// integration interval around the narrower posterior.
	Window float64
}

// NewEngine creates an engine with default integration settings.
func NewEngine(sample int) *Engine {
	return &Engine{
		Sample: sample,
		Points: 64,
		Window: 12,
	}
}

// PredictedVAF converts a clonal frequency to the expected fraction of
// variant reads. muR and muV are the probabilities of reading the
// reference allele from reference and variant populations.
func PredictedVAF(phi, muR, muV float64) float64 {
	phi = math.Min(math.Max(phi, 0), 1)
	return 1 - ((1-phi)*muR + phi*muV)
}

// Expected returns the predicted VAF of a mutation under a node.
func (e *Engine) Expected(node *tree.Node, m *ssm.Mutation) float64 {
	return PredictedVAF(node.Frequency(e.Sample), m.MuR, m.MuV)
}

// MarkerLogLikelihood returns log P(measurement | tree) for one marker
// placed on node.
func (e *Engine) MarkerLogLikelihood(node *tree.Node, obs Observation) float64 {
	p := e.Expected(node, obs.Mutation)
	return dist.LnBinomial(obs.Mutant, obs.Total, p)
}

// pairs holds data-only pair probabilities shared by all trees.
type pairs struct {
	// ge[i][j] = P(f_i >= f_j | data), i < j.
	ge [][]float64
}

func (e *Engine) pairTerms(obs []Observation) *pairs {
	p := &pairs{ge: make([][]float64, len(obs))}
	for i := range obs {
		p.ge[i] = make([]float64, len(obs))
		for j := i + 1; j < len(obs); j++ {
			p.ge[i][j] = e.ProbGreater(obs[i].Measurement, obs[j].Measurement)
		}
	}
	return p
}

// Evaluate returns the log-likelihood of tree i of the ensemble.
func (e *Engine) Evaluate(ens *ensemble.Ensemble, i int, obs []Observation) Trace {
	return e.evaluate(ens, i, obs, e.pairTerms(obs))
}

// EvaluateAll returns log-likelihood traces for every tree.
func (e *Engine) EvaluateAll(ens *ensemble.Ensemble, obs []Observation) []Trace {
	p := e.pairTerms(obs)
	res := make([]Trace, ens.Len())
	for i := range res {
		res[i] = e.evaluate(ens, i, obs, p)
	}
	return res
}

func (e *Engine) evaluate(ens *ensemble.Ensemble, ti int, obs []Observation, p *pairs) Trace {
	t := ens.Tree(ti)
	tr := Trace{Tree: ti}
	nodes := make([]*tree.Node, len(obs))
	for i, o := range obs {
		node, ok := ens.MutationToNode(ti, o.Mutation.ID)
		if !ok {
			node, ok = ens.MutationToNode(ti, o.Mutation.Key)
		}
		if !ok {
			log.Debugf("Tree %d does not place %s, neutral", ti, o.Mutation.Key)
			continue
		}
		nodes[i] = node
		term := Term{
			Markers:  []string{o.Mutation.Key},
			Expected: e.Expected(node, o.Mutation),
			LogL:     e.MarkerLogLikelihood(node, o),
		}
		tr.LogL += term.LogL
		tr.Terms = append(tr.Terms, term)
	}

	for i := range obs {
		for j := i + 1; j < len(obs); j++ {
			if nodes[i] == nil || nodes[j] == nil {
				continue
			}
			rel := t.Relation(nodes[i], nodes[j])
			if rel == tree.Unrelated {
				continue
			}
			// Same-node pairs are scored two-sided as equal VAFs, not as
			// a strict ancestry. The marker structure score counts them
			// as ancestral.
			term := Term{
				Markers:  []string{obs[i].Mutation.Key, obs[j].Mutation.Key},
				Relation: rel.String(),
				LogL:     pairLogL(rel, p.ge[i][j]),
			}
			tr.LogL += term.LogL
			tr.Terms = append(tr.Terms, term)
		}
	}
	tr.LogL = dist.Clamp(tr.LogL)
	return tr
}

// pairLogL converts P(f_i >= f_j) into the log-probability that the
// pair respects relation rel of node i to node j.
func pairLogL(rel tree.Relation, ge float64) float64 {
	var pr float64
	switch rel {
	case tree.Ancestor:
		pr = ge
	case tree.Descendant:
		pr = 1 - ge
	case tree.Same:
		pr = 2 * math.Min(ge, 1-ge)
	default:
		return 0
	}
	return dist.Clamp(math.Log(math.Max(pr, dist.Floor)))
}
