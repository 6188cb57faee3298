// Package tree implements rooted clone trees. Each node is a tumor
// subclone which owns a set of mutations and carries a clonal frequency
// per bio-sample.
package tree

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/gonum/matrix/mat64"
)

// FreqTolerance is the slack allowed when checking that a descendant's
// clonal frequency does not exceed its ancestor's.
const FreqTolerance = 1e-6

// ErrInvalidTree is returned (wrapped) for structurally broken trees.
var ErrInvalidTree = errors.New("invalid clone tree")

// Relation is the phylogenetic relation between the nodes of two mutations.
type Relation int

const (
	Unrelated Relation = iota
	Same
	Ancestor
	Descendant
)

func (r Relation) String() string {
	switch r {
	case Same:
		return "same"
	case Ancestor:
		return "ancestor"
	case Descendant:
		return "descendant"
	}
	return "unrelated"
}

type Tree struct {
	*Node
	nodes    []*Node
	nSamples int
	// anc(i, j) is 1 if nodes[i] is an ancestor of nodes[j] or i == j.
	anc *mat64.Dense
}

type Node struct {
	Id     int
	Parent *Node
	// Mutations are the mutation ids, Names are the matching gene names.
	Mutations  []string
	Names      []string
	Freq       []float64
	childNodes []*Node
	pos        int
}

func NewNode(parent *Node, nodeId int) (node *Node) {
	node = &Node{Parent: parent, Id: nodeId}
	return
}

// New builds a tree from a parent to children adjacency map. mutations,
// names and freqs are keyed by node id; any of them may lack entries
// for nodes without mutations (e.g. the germline root).
func New(structure map[int][]int, mutations, names map[int][]string, freqs map[int][]float64) (*Tree, error) {
	ids := make(map[int]bool)
	isChild := make(map[int]bool)
	for parent, children := range structure {
		ids[parent] = true
		for _, c := range children {
			if isChild[c] {
				return nil, fmt.Errorf("%w: node %d has more than one parent", ErrInvalidTree, c)
			}
			if c == parent {
				return nil, fmt.Errorf("%w: node %d is its own child", ErrInvalidTree, c)
			}
			isChild[c] = true
			ids[c] = true
		}
	}
	for id := range mutations {
		ids[id] = true
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("%w: no nodes", ErrInvalidTree)
	}

	roots := make([]int, 0, 1)
	for id := range ids {
		if !isChild[id] {
			roots = append(roots, id)
		}
	}
	sort.Ints(roots)
	if len(roots) != 1 {
		return nil, fmt.Errorf("%w: expected a single root, found %v", ErrInvalidTree, roots)
	}

	byId := make(map[int]*Node, len(ids))
	for id := range ids {
		node := NewNode(nil, id)
		node.Mutations = append([]string(nil), mutations[id]...)
		node.Names = append([]string(nil), names[id]...)
		if f, ok := freqs[id]; ok {
			node.Freq = append([]float64(nil), f...)
		}
		byId[id] = node
	}

	// Children are attached in increasing id order so that walks are
	// independent of map iteration order.
	parents := make([]int, 0, len(structure))
	for p := range structure {
		parents = append(parents, p)
	}
	sort.Ints(parents)
	for _, p := range parents {
		children := append([]int(nil), structure[p]...)
		sort.Ints(children)
		for _, c := range children {
			byId[p].AddChild(byId[c])
		}
	}

	tree := &Tree{Node: byId[roots[0]]}
	for node := range tree.Walker(nil) {
		node.pos = len(tree.nodes)
		tree.nodes = append(tree.nodes, node)
	}
	if len(tree.nodes) != len(ids) {
		return nil, fmt.Errorf("%w: %d of %d nodes are not reachable from root %d",
			ErrInvalidTree, len(ids)-len(tree.nodes), len(ids), roots[0])
	}

	if err := tree.check(); err != nil {
		return nil, err
	}
	tree.buildRelations()
	return tree, nil
}

// check validates mutation uniqueness and frequency ordering.
func (tree *Tree) check() error {
	seen := make(map[string]int)
	tree.nSamples = -1
	for _, node := range tree.nodes {
		if len(node.Names) != 0 && len(node.Names) != len(node.Mutations) {
			return fmt.Errorf("%w: node %d has %d mutations but %d names",
				ErrInvalidTree, node.Id, len(node.Mutations), len(node.Names))
		}
		for _, m := range node.Mutations {
			if other, ok := seen[m]; ok {
				return fmt.Errorf("%w: mutation %s belongs to nodes %d and %d",
					ErrInvalidTree, m, other, node.Id)
			}
			seen[m] = node.Id
		}
		if len(node.Mutations) > 0 && node.Freq == nil {
			return fmt.Errorf("%w: node %d has mutations but no clonal frequency", ErrInvalidTree, node.Id)
		}
		if node.Freq == nil {
			continue
		}
		if tree.nSamples < 0 {
			tree.nSamples = len(node.Freq)
		} else if len(node.Freq) != tree.nSamples {
			return fmt.Errorf("%w: node %d has %d samples, expected %d",
				ErrInvalidTree, node.Id, len(node.Freq), tree.nSamples)
		}
	}
	if tree.nSamples < 0 {
		tree.nSamples = 0
	}

	for _, node := range tree.nodes {
		if node.Freq == nil {
			continue
		}
		anc := node.Parent
		for anc != nil && anc.Freq == nil {
			anc = anc.Parent
		}
		if anc == nil {
			continue
		}
		for s, f := range node.Freq {
			if f > anc.Freq[s]+FreqTolerance {
				return fmt.Errorf("%w: node %d frequency %v exceeds ancestor %d frequency %v in sample %d",
					ErrInvalidTree, node.Id, f, anc.Id, anc.Freq[s], s)
			}
		}
	}
	return nil
}

func (tree *Tree) buildRelations() {
	n := len(tree.nodes)
	tree.anc = mat64.NewDense(n, n, nil)
	for _, node := range tree.nodes {
		for a := node; a != nil; a = a.Parent {
			tree.anc.Set(a.pos, node.pos, 1)
		}
	}
}

// NNodes returns the number of nodes.
func (tree *Tree) NNodes() int {
	return len(tree.nodes)
}

// NSamples returns the length of the clonal frequency vectors.
func (tree *Tree) NSamples() int {
	return tree.nSamples
}

// Nodes returns nodes in preorder.
func (tree *Tree) Nodes() []*Node {
	return tree.nodes
}

func (tree *Tree) Walker(filter func(*Node) bool) <-chan *Node {
	ch := make(chan *Node, tree.Node.NSubNodes())
	tree.Walk(ch, filter)
	close(ch)
	return ch
}

// IsAncestor reports whether a is a strict ancestor of b.
func (tree *Tree) IsAncestor(a, b *Node) bool {
	return a != b && tree.anc.At(a.pos, b.pos) == 1
}

// Relation returns the relation of node a to node b.
func (tree *Tree) Relation(a, b *Node) Relation {
	switch {
	case a == b:
		return Same
	case tree.anc.At(a.pos, b.pos) == 1:
		return Ancestor
	case tree.anc.At(b.pos, a.pos) == 1:
		return Descendant
	}
	return Unrelated
}

// Structure returns the parent to children adjacency of the tree.
func (tree *Tree) Structure() map[int][]int {
	s := make(map[int][]int)
	for _, node := range tree.nodes {
		for _, child := range node.childNodes {
			s[node.Id] = append(s[node.Id], child.Id)
		}
	}
	return s
}

func (node *Node) AddChild(subNode *Node) {
	subNode.Parent = node
	node.childNodes = append(node.childNodes, subNode)
}

func (node *Node) ChildNodes() []*Node {
	return node.childNodes
}

func (node *Node) Walk(ch chan *Node, filter func(*Node) bool) {
	if filter == nil || filter(node) {
		ch <- node
	}
	for _, node := range node.childNodes {
		node.Walk(ch, filter)
	}
}

func (node *Node) NSubNodes() (size int) {
	for _, node := range node.childNodes {
		size += node.NSubNodes()
	}
	return size + 1
}

func (node *Node) IsRoot() bool {
	return node.Parent == nil
}

func (node *Node) IsTerminal() bool {
	return len(node.childNodes) == 0
}

// Frequency returns clonal frequency in a sample; sample < 0 averages
// over all samples. Nodes without frequencies report 1.
func (node *Node) Frequency(sample int) float64 {
	if len(node.Freq) == 0 {
		return 1
	}
	if sample >= 0 && sample < len(node.Freq) {
		return node.Freq[sample]
	}
	s := 0.0
	for _, f := range node.Freq {
		s += f
	}
	return s / float64(len(node.Freq))
}

// String returns the tree in newick format, node ids used as labels.
func (node *Node) String() (s string) {
	if !node.IsTerminal() {
		parts := make([]string, len(node.childNodes))
		for i, child := range node.childNodes {
			parts[i] = strings.TrimSuffix(child.String(), ";")
		}
		s = "(" + strings.Join(parts, ",") + ")"
	}
	s += fmt.Sprint(node.Id)
	if node.IsRoot() {
		s += ";"
	}
	return s
}

func (node *Node) LongString() (s string) {
	s = "<"
	if node.Parent == nil {
		s += "root, "
	}
	s += fmt.Sprintf("Id=%v", node.Id)
	if len(node.Names) > 0 {
		s += ", mutations=" + strings.Join(node.Names, ",")
	} else if len(node.Mutations) > 0 {
		s += ", mutations=" + strings.Join(node.Mutations, ",")
	}
	if node.Freq != nil {
		s += fmt.Sprintf(", freq=%v", node.Freq)
	}
	s += ">"
	return
}

func (node *Node) FullString() string {
	return strings.TrimSpace(node.prefixString(""))
}

func (node *Node) prefixString(prefix string) (s string) {
	s = prefix + node.LongString() + "\n"
	for _, node := range node.childNodes {
		s += node.prefixString(prefix + "    ")
	}
	return
}
