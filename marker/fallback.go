package marker

import (
	"fmt"
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/masephi/treetrack/ensemble"
)

// Heuristic selects the k candidates whose predicted VAF varies most
// across trees (weighted by tree probability). Ties prefer higher
// tissue depth, then key order.
func Heuristic(ens *ensemble.Ensemble, pool []Candidate, k int) (*Selection, error) {
	if k <= 0 || len(pool) < k {
		return nil, fmt.Errorf("%w: need %d, have %d", ErrInsufficientMarkers, k, len(pool))
	}
	w := ens.Weights()
	variance := make([]float64, len(pool))
	for i, c := range pool {
		variance[i] = stat.PopVariance(c.VAF, w)
	}
	idx := make([]int, len(pool))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		i, j := idx[a], idx[b]
		if ki, kj := tieKey(variance[i]), tieKey(variance[j]); ki != kj {
			return ki > kj
		}
		if di, dj := pool[i].Mutation.Depth(), pool[j].Mutation.Depth(); di != dj {
			return di > dj
		}
		return pool[i].Mutation.Key < pool[j].Mutation.Key
	})
	sel := sortedCopy(idx[:k])
	var total float64
	for _, i := range sel {
		total += variance[i]
	}
	return newSelection(pool, sel, total, Fallback, "variance"), nil
}
