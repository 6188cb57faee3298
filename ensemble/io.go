package ensemble

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/masephi/treetrack/tree"
)

// Distribution is the serialized form of an ensemble. It follows the
// layout of the tree aggregation output: one entry per tree in every
// list, maps keyed by node id.
type Distribution struct {
	TreeStructure []map[int][]int    `json:"tree_structure"`
	NodeDict      []map[int][]string `json:"node_dict"`
	NodeDictName  []map[int][]string `json:"node_dict_name,omitempty"`
	Freq          []float64          `json:"freq"`
	// ClonalFreq holds one value per sample for each node.
	ClonalFreq []map[int][]float64 `json:"clonal_freq,omitempty"`
	// VAFFrac holds rows of per-sample values; rows are averaged.
	VAFFrac []map[int][][]float64 `json:"vaf_frac,omitempty"`
}

// Ensemble builds an ensemble from the distribution.
func (d *Distribution) Ensemble() (*Ensemble, error) {
	n := len(d.TreeStructure)
	if n == 0 {
		return nil, fmt.Errorf("tree distribution: no trees")
	}
	if len(d.NodeDict) != n || len(d.Freq) != n {
		return nil, fmt.Errorf("tree distribution: %d structures, %d node maps, %d frequencies",
			n, len(d.NodeDict), len(d.Freq))
	}
	if d.NodeDictName != nil && len(d.NodeDictName) != n {
		return nil, fmt.Errorf("tree distribution: %d structures but %d name maps", n, len(d.NodeDictName))
	}

	var freqs []map[int][]float64
	switch {
	case d.ClonalFreq != nil:
		freqs = d.ClonalFreq
	case d.VAFFrac != nil:
		freqs = make([]map[int][]float64, len(d.VAFFrac))
		for i, m := range d.VAFFrac {
			freqs[i] = meanRows(m)
		}
	default:
		return nil, fmt.Errorf("tree distribution: neither clonal_freq nor vaf_frac present")
	}
	if len(freqs) != n {
		return nil, fmt.Errorf("tree distribution: %d structures but %d frequency maps", n, len(freqs))
	}

	trees := make([]*tree.Tree, n)
	for i := range trees {
		var names map[int][]string
		if d.NodeDictName != nil {
			names = d.NodeDictName[i]
		}
		t, err := tree.New(d.TreeStructure[i], d.NodeDict[i], names, freqs[i])
		if err != nil {
			return nil, fmt.Errorf("tree %d: %w", i, err)
		}
		trees[i] = t
	}
	return New(trees, d.Freq)
}

func meanRows(m map[int][][]float64) map[int][]float64 {
	res := make(map[int][]float64, len(m))
	for node, rows := range m {
		if len(rows) == 0 {
			continue
		}
		mean := make([]float64, len(rows[0]))
		for _, row := range rows {
			for s := range mean {
				if s < len(row) {
					mean[s] += row[s]
				}
			}
		}
		for s := range mean {
			mean[s] /= float64(len(rows))
		}
		res[node] = mean
	}
	return res
}

// Distribution returns the serialized form of the ensemble.
func (e *Ensemble) Distribution() *Distribution {
	d := &Distribution{
		TreeStructure: make([]map[int][]int, len(e.trees)),
		NodeDict:      make([]map[int][]string, len(e.trees)),
		NodeDictName:  make([]map[int][]string, len(e.trees)),
		Freq:          e.Weights(),
		ClonalFreq:    make([]map[int][]float64, len(e.trees)),
	}
	for i, t := range e.trees {
		d.TreeStructure[i] = t.Structure()
		d.NodeDict[i] = make(map[int][]string)
		d.NodeDictName[i] = make(map[int][]string)
		d.ClonalFreq[i] = make(map[int][]float64)
		for _, node := range t.Nodes() {
			if len(node.Mutations) > 0 {
				d.NodeDict[i][node.Id] = node.Mutations
			}
			if len(node.Names) > 0 {
				d.NodeDictName[i][node.Id] = node.Names
			}
			if node.Freq != nil {
				d.ClonalFreq[i][node.Id] = node.Freq
			}
		}
	}
	return d
}

// MarshalJSON encodes the ensemble as a Distribution.
func (e *Ensemble) MarshalJSON() ([]byte, error) {
	return json.Marshal(e.Distribution())
}

// UnmarshalJSON decodes a Distribution into e.
func (e *Ensemble) UnmarshalJSON(b []byte) error {
	var d Distribution
	if err := json.Unmarshal(b, &d); err != nil {
		return err
	}
	n, err := d.Ensemble()
	if err != nil {
		return err
	}
	*e = *n
	return nil
}

// Load reads a tree distribution from a reader.
func Load(r io.Reader) (*Ensemble, error) {
	var d Distribution
	if err := json.NewDecoder(r).Decode(&d); err != nil {
		return nil, fmt.Errorf("tree distribution: %w", err)
	}
	return d.Ensemble()
}

// ReadFile reads a tree distribution from a JSON file.
func ReadFile(name string) (*Ensemble, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	e, err := Load(f)
	if err != nil {
		return nil, fmt.Errorf("while reading %q: %w", name, err)
	}
	log.Infof("Read %d trees from %s", e.Len(), name)
	return e, nil
}
