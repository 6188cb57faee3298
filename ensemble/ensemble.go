// Package ensemble implements weighted collections of candidate clone
// trees. An Ensemble is never modified after construction; updates
// produce new instances.
package ensemble

import (
	"errors"
	"fmt"
	"math"

	"github.com/op/go-logging"
	"gonum.org/v1/gonum/floats"

	"github.com/masephi/treetrack/tree"
)

var log = logging.MustGetLogger("ensemble")

const (
	// DegenerateEpsilon is the smallest weight sum accepted by Renormalize.
	DegenerateEpsilon = 1e-250
	// NormTolerance is the tolerance of the sum-to-one invariant.
	NormTolerance = 1e-9
	// SignificantWeight is the default threshold for NSignificant.
	SignificantWeight = 0.01
	// WeightFloor is the smallest weight kept by ReweightLog.
	WeightFloor = 1e-300
)

// ErrDegenerate is matched by every *DegenerateError.
var ErrDegenerate = errors.New("degenerate tree ensemble")

// DegenerateError is returned when no tree retains weight.
type DegenerateError struct {
	Sum float64
}

func (e *DegenerateError) Error() string {
	return fmt.Sprintf("degenerate tree ensemble: weight sum %g <= %g", e.Sum, DegenerateEpsilon)
}

func (e *DegenerateError) Is(target error) bool {
	return target == ErrDegenerate
}

type Ensemble struct {
	trees   []*tree.Tree
	weights []float64
	// index[i] maps mutation ids and names to nodes of trees[i].
	index []map[string]*tree.Node
}

// New creates an ensemble. Weights must be non-negative; they are
// normalized unless they already sum to one.
func New(trees []*tree.Tree, weights []float64) (*Ensemble, error) {
	if len(trees) == 0 {
		return nil, errors.New("ensemble: no trees")
	}
	if len(trees) != len(weights) {
		return nil, fmt.Errorf("ensemble: %d trees but %d weights", len(trees), len(weights))
	}
	for i, w := range weights {
		if w < 0 || math.IsNaN(w) || math.IsInf(w, 0) {
			return nil, fmt.Errorf("ensemble: invalid weight %v for tree %d", w, i)
		}
	}
	e := &Ensemble{
		trees:   trees,
		weights: append([]float64(nil), weights...),
	}
	e.buildIndex()
	if math.Abs(floats.Sum(e.weights)-1) > NormTolerance {
		return e.Renormalize()
	}
	return e, nil
}

func (e *Ensemble) buildIndex() {
	e.index = make([]map[string]*tree.Node, len(e.trees))
	for i, t := range e.trees {
		idx := make(map[string]*tree.Node)
		for _, node := range t.Nodes() {
			for _, m := range node.Mutations {
				idx[m] = node
			}
			for _, m := range node.Names {
				if _, ok := idx[m]; ok && idx[m] != node {
					log.Warningf("Tree %d: name %s shadows a mutation id", i, m)
				}
				idx[m] = node
			}
		}
		e.index[i] = idx
	}
}

// Len returns the number of trees.
func (e *Ensemble) Len() int {
	return len(e.trees)
}

// Trees returns the trees; callers must not modify them.
func (e *Ensemble) Trees() []*tree.Tree {
	return e.trees
}

// Tree returns i-th tree.
func (e *Ensemble) Tree(i int) *tree.Tree {
	return e.trees[i]
}

// Weight returns i-th tree weight.
func (e *Ensemble) Weight(i int) float64 {
	return e.weights[i]
}

// Weights returns a copy of the weights.
func (e *Ensemble) Weights() []float64 {
	return append([]float64(nil), e.weights...)
}

// Renormalize returns a new ensemble with weights divided by their sum.
func (e *Ensemble) Renormalize() (*Ensemble, error) {
	sum := floats.Sum(e.weights)
	if !(sum > DegenerateEpsilon) || math.IsInf(sum, 0) {
		return nil, &DegenerateError{Sum: sum}
	}
	w := append([]float64(nil), e.weights...)
	floats.Scale(1/sum, w)
	return &Ensemble{trees: e.trees, weights: w, index: e.index}, nil
}

// Reweight returns a renormalized ensemble sharing trees with e.
func (e *Ensemble) Reweight(weights []float64) (*Ensemble, error) {
	if len(weights) != len(e.trees) {
		return nil, fmt.Errorf("ensemble: %d weights for %d trees", len(weights), len(e.trees))
	}
	n := &Ensemble{trees: e.trees, weights: append([]float64(nil), weights...), index: e.index}
	return n.Renormalize()
}

// ReweightLog returns an ensemble whose weights are proportional to
// exp(logw). The maximum is subtracted before exponentiating and every
// normalized weight is floored at WeightFloor.
func (e *Ensemble) ReweightLog(logw []float64) (*Ensemble, error) {
	if len(logw) != len(e.trees) {
		return nil, fmt.Errorf("ensemble: %d weights for %d trees", len(logw), len(e.trees))
	}
	top := floats.Max(logw)
	if math.IsInf(top, 0) || math.IsNaN(top) {
		return nil, &DegenerateError{Sum: math.Exp(top)}
	}
	w := make([]float64, len(logw))
	for i, l := range logw {
		w[i] = math.Exp(l - top)
	}
	floats.Scale(1/floats.Sum(w), w)
	for i := range w {
		w[i] = math.Max(w[i], WeightFloor)
	}
	floats.Scale(1/floats.Sum(w), w)
	return &Ensemble{trees: e.trees, weights: w, index: e.index}, nil
}

// MutationToNode returns the node owning a mutation (id or name) in a tree.
func (e *Ensemble) MutationToNode(treeID int, key string) (*tree.Node, bool) {
	if treeID < 0 || treeID >= len(e.index) {
		return nil, false
	}
	node, ok := e.index[treeID][key]
	return node, ok
}

// HasMutation reports whether every tree assigns the mutation.
func (e *Ensemble) HasMutation(key string) bool {
	for _, idx := range e.index {
		if _, ok := idx[key]; !ok {
			return false
		}
	}
	return true
}

// Entropy returns the Shannon entropy of the weights.
func (e *Ensemble) Entropy() (h float64) {
	for _, w := range e.weights {
		h -= w * math.Log(w+1e-10)
	}
	return
}

// Dominant returns the index and weight of the heaviest tree; the
// lowest index wins ties.
func (e *Ensemble) Dominant() (int, float64) {
	i := floats.MaxIdx(e.weights)
	return i, e.weights[i]
}

// NSignificant counts trees with weight above threshold.
func (e *Ensemble) NSignificant(threshold float64) (n int) {
	for _, w := range e.weights {
		if w > threshold {
			n++
		}
	}
	return
}
