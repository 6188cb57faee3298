package tree

import (
	"errors"
	"strings"
	"testing"
)

// 0 -> 1 -> {2, 3}, 3 -> 4
func testTree(tst *testing.T) *Tree {
	t, err := New(
		map[int][]int{0: {1}, 1: {3, 2}, 3: {4}},
		map[int][]string{1: {"s0"}, 2: {"s1", "s2"}, 3: {"s3"}, 4: {"s4"}},
		map[int][]string{1: {"TP53"}, 2: {"KRAS", "BRAF"}, 3: {"PIK3CA"}, 4: {"EGFR"}},
		map[int][]float64{1: {0.9, 0.8}, 2: {0.3, 0.2}, 3: {0.5, 0.5}, 4: {0.1, 0.4}},
	)
	if err != nil {
		tst.Fatal("Error building tree:", err)
	}
	return t
}

func TestNewTree(tst *testing.T) {
	t := testTree(tst)
	if t.NNodes() != 5 {
		tst.Error("Wrong number of nodes:", t.NNodes())
	}
	if t.NSamples() != 2 {
		tst.Error("Wrong number of samples:", t.NSamples())
	}
	if t.Id != 0 || !t.IsRoot() {
		tst.Error("Wrong root:", t.Id)
	}
	if s := t.String(); s != "(((4)3,2)1)0;" && s != "((2,(4)3)1)0;" {
		tst.Error("Unexpected newick:", s)
	}
	n := 0
	for range t.Walker(func(n *Node) bool { return n.IsTerminal() }) {
		n++
	}
	if n != 2 {
		tst.Error("Wrong number of terminals:", n)
	}
}

func nodeById(tst *testing.T, t *Tree, id int) *Node {
	for _, n := range t.Nodes() {
		if n.Id == id {
			return n
		}
	}
	tst.Fatal("Missing node", id)
	return nil
}

func TestRelation(tst *testing.T) {
	t := testTree(tst)
	node := func(id int) *Node {
		return nodeById(tst, t, id)
	}
	cases := []struct {
		a, b int
		r    Relation
	}{
		{1, 2, Ancestor},
		{1, 4, Ancestor},
		{4, 1, Descendant},
		{2, 4, Unrelated},
		{3, 3, Same},
	}
	for _, c := range cases {
		if r := t.Relation(node(c.a), node(c.b)); r != c.r {
			tst.Errorf("Relation(%d, %d)=%v, expected %v", c.a, c.b, r, c.r)
		}
	}
	if !t.IsAncestor(node(0), node(4)) || t.IsAncestor(node(4), node(4)) {
		tst.Error("IsAncestor is wrong")
	}
}

func TestFrequency(tst *testing.T) {
	t := testTree(tst)
	n := nodeById(tst, t, 4)
	if n.Frequency(1) != 0.4 {
		tst.Error("Wrong sample frequency:", n.Frequency(1))
	}
	if f := n.Frequency(-1); f < 0.25-1e-12 || f > 0.25+1e-12 {
		tst.Error("Wrong mean frequency:", f)
	}
	if t.Frequency(0) != 1 {
		tst.Error("Root without frequency should report 1")
	}
}

func TestInvalidTrees(tst *testing.T) {
	cases := map[string]func() error{
		"two parents": func() error {
			_, err := New(map[int][]int{0: {1, 2}, 1: {2}}, nil, nil, nil)
			return err
		},
		"two roots": func() error {
			_, err := New(map[int][]int{0: {1}, 2: {3}}, nil, nil, nil)
			return err
		},
		"duplicate mutation": func() error {
			_, err := New(map[int][]int{0: {1, 2}},
				map[int][]string{1: {"s0"}, 2: {"s0"}}, nil,
				map[int][]float64{1: {0.5}, 2: {0.5}})
			return err
		},
		"frequency increases": func() error {
			_, err := New(map[int][]int{0: {1}, 1: {2}},
				map[int][]string{1: {"s0"}, 2: {"s1"}}, nil,
				map[int][]float64{1: {0.3}, 2: {0.5}})
			return err
		},
		"missing frequency": func() error {
			_, err := New(map[int][]int{0: {1}}, map[int][]string{1: {"s0"}}, nil, nil)
			return err
		},
		"cycle": func() error {
			_, err := New(map[int][]int{0: {1}, 2: {3}, 3: {2}}, nil, nil, nil)
			return err
		},
	}
	for name, f := range cases {
		if err := f(); !errors.Is(err, ErrInvalidTree) {
			tst.Errorf("%s: expected ErrInvalidTree, got %v", name, err)
		}
	}
}

func TestFullString(tst *testing.T) {
	t := testTree(tst)
	s := t.FullString()
	if !strings.HasPrefix(s, "<root, Id=0>") {
		tst.Error("FullString should start at the root:", s)
	}
	if !strings.Contains(s, "\n        <Id=2, mutations=KRAS,BRAF, freq=[0.3 0.2]>") {
		tst.Error("FullString lacks an indented node:", s)
	}
}
