package clonefreq

import (
	"bytes"
	"math"
	"strings"
	"testing"

	"github.com/masephi/treetrack/ddpcr"
	"github.com/masephi/treetrack/likelihood"
	"github.com/masephi/treetrack/ssm"
	"github.com/masephi/treetrack/tree"
)

// 0 -> 1{A} -> 2{B}; 1 -> 3{C}
func testTree(tst *testing.T) *tree.Tree {
	t, err := tree.New(
		map[int][]int{0: {1}, 1: {2, 3}},
		map[int][]string{1: {"s0"}, 2: {"s1"}, 3: {"s2"}},
		nil,
		map[int][]float64{1: {0.8}, 2: {0.5}, 3: {0.2}},
	)
	if err != nil {
		tst.Fatal(err)
	}
	return t
}

func observe(key string, node, mutant, total int) (likelihood.Observation, int) {
	return likelihood.Observation{
		Mutation:    &ssm.Mutation{ID: key, Key: key, MuR: 1},
		Measurement: ddpcr.Measurement{Timepoint: "t1", Marker: key, Mutant: mutant, Total: total},
	}, node
}

func estimate(tst *testing.T, e *Estimator, t *tree.Tree, obs ...func() (likelihood.Observation, int)) map[string]Estimate {
	nodes := make(map[string]int)
	var list []likelihood.Observation
	for _, f := range obs {
		o, id := f()
		list = append(list, o)
		nodes[o.Mutation.Key] = id
	}
	res, err := e.Estimate(t, list, func(o likelihood.Observation) *tree.Node {
		for _, n := range t.Nodes() {
			if n.Id == nodes[o.Mutation.Key] {
				return n
			}
		}
		return nil
	})
	if err != nil {
		tst.Fatal(err)
	}
	m := make(map[string]Estimate)
	for _, r := range res {
		m[r.Clone] = r
	}
	return m
}

func obs(key string, node, mutant, total int) func() (likelihood.Observation, int) {
	return func() (likelihood.Observation, int) { return observe(key, node, mutant, total) }
}

func TestConsistentFit(tst *testing.T) {
	t := testTree(tst)
	res := estimate(tst, NewEstimator(), t,
		obs("A", 1, 400, 1000),
		obs("B", 2, 200, 1000),
		obs("C", 3, 100, 1000),
	)
	for clone, want := range map[string]float64{"1": 0.4, "2": 0.2, "3": 0.1} {
		if math.Abs(res[clone].Freq-want) > 1e-3 {
			tst.Errorf("Clone %s: got %v, want %v", clone, res[clone].Freq, want)
		}
	}
	// Leaves are 2 and 3, so the remainder is clone 1.
	if math.Abs(res[Remainder].Freq-res["1"].Freq) > 1e-9 {
		tst.Error("Wrong remainder:", res[Remainder].Freq)
	}
	if !res["2"].Terminal || res["1"].Terminal {
		tst.Error("Wrong terminal flags")
	}
}

func TestOrderingPenalty(tst *testing.T) {
	t := testTree(tst)
	res := estimate(tst, NewEstimator(), t,
		obs("A", 1, 200, 1000),
		obs("B", 2, 400, 1000),
	)
	a, b := res["1"].Freq, res["2"].Freq
	if b > a+0.01 {
		tst.Error("Descendant above ancestor:", a, b)
	}
	if math.Abs(a-0.3) > 0.02 || math.Abs(b-0.3) > 0.02 {
		tst.Error("Estimates should meet near the pooled VAF:", a, b)
	}
	for _, r := range res {
		if r.Freq < 0 || r.Freq > 1 {
			tst.Error("Estimate out of bounds:", r)
		}
	}
	// Seeds are the raw VAFs.
	if res["2"].Seed != 0.4 {
		tst.Error("Wrong seed:", res["2"].Seed)
	}
}

func TestPooledMarkers(tst *testing.T) {
	t := testTree(tst)
	res := estimate(tst, NewEstimator(), t,
		obs("A", 1, 300, 1000),
		obs("D", 1, 500, 1000),
		obs("X", 99, 10, 100),
	)
	if len(res) != 2 {
		tst.Fatal("Expected one clone and the remainder, got", len(res))
	}
	if math.Abs(res["1"].Freq-0.4) > 1e-3 || len(res["1"].Markers) != 2 {
		tst.Error("Wrong pooled estimate:", res["1"])
	}
}

func TestGradient(tst *testing.T) {
	p := &problem{
		reads: [][]read{
			{{k: 40, n: 100, muR: 1}},
			{{k: 60, n: 100, muR: 0.99, muV: 0.01}},
		},
		order:   [][2]int{{0, 1}},
		penalty: 10,
		scale:   200,
	}
	x := []float64{0.3, 0.5}
	g := append([]float64(nil), p.EvaluateGradient(x)...)
	const h = 1e-6
	for i := range x {
		xp := append([]float64(nil), x...)
		xm := append([]float64(nil), x...)
		xp[i] += h
		xm[i] -= h
		num := (p.EvaluateFunction(xp) - p.EvaluateFunction(xm)) / 2 / h
		if math.Abs(num-g[i]) > 1e-5 {
			tst.Errorf("Gradient %d: analytic %v, numeric %v", i, g[i], num)
		}
	}
}

func TestWriteTSV(tst *testing.T) {
	var buf bytes.Buffer
	err := WriteTSV(&buf, []Estimate{
		{Timepoint: "t1", Clone: "1", Freq: 0.25, Seed: 0.3, Markers: []string{"A", "B"}},
		{Timepoint: "t1", Clone: Remainder, Freq: 0},
	})
	if err != nil {
		tst.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 {
		tst.Fatal("Wrong number of lines:", len(lines))
	}
	if lines[1] != "t1\t1\t0.25\t0.3\tA,B" {
		tst.Error("Wrong row:", lines[1])
	}
}

func TestEmpty(tst *testing.T) {
	res, err := NewEstimator().Estimate(testTree(tst), nil, func(likelihood.Observation) *tree.Node { return nil })
	if err != nil || res != nil {
		tst.Error("Expected no estimates")
	}
}
