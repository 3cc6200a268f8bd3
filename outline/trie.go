package outline

import (
	"fmt"

	"github.com/colorfulnotion/virtx/ir"
	"github.com/colorfulnotion/virtx/vmerrors"
	"github.com/xlab/treeprint"
	"golang.org/x/exp/slices"
)

// Occurrence is the start of a path instance inside a VM block.
type Occurrence struct {
	Block ir.BlockID
	Start int
}

type node struct {
	key      string
	cmd      ir.Command
	parent   int32
	depth    int
	children map[string]int32
	order    []int32
	occ      []Occurrence
}

// NodeRef is a handle to a trie node, valid until the next Build.
type NodeRef struct {
	gen uint32
	idx int32
}

// Trie indexes every outlinable command run of a program's VM blocks by
// prefix. Nodes live in one arena that is reset on each Build.
type Trie struct {
	gen      uint32
	maxDepth int
	nodes    []node
}

func NewTrie(maxDepth int) *Trie {
	return &Trie{maxDepth: maxDepth}
}

func (t *Trie) reset() {
	t.gen++
	t.nodes = t.nodes[:0]
	t.nodes = append(t.nodes, node{parent: -1, children: map[string]int32{}})
}

// Build replaces the trie contents with the runs of prog. Every start index
// walks forward until maxDepth, a command that cannot be outlined or a
// command reading a store the run has not written.
func (t *Trie) Build(prog *ir.Program) {
	t.reset()
	var written []uint32
	for _, b := range prog.BlocksOf(ir.KindVM) {
		cmds := b.Commands
		for start := range cmds {
			cur := int32(0)
			written = written[:0]
			for j := start; j < len(cmds) && j-start < t.maxDepth; j++ {
				c := cmds[j]
				if !ir.IsOutlinable(c) || !readsWritten(c, written) {
					break
				}
				for _, st := range ir.DefStores(c) {
					written = append(written, st.ID)
				}
				cur = t.child(cur, c)
				t.nodes[cur].occ = append(t.nodes[cur].occ, Occurrence{Block: b.ID, Start: start})
			}
		}
	}
}

func readsWritten(c ir.Command, written []uint32) bool {
	for _, st := range ir.UseStores(c) {
		if !slices.Contains(written, st.ID) {
			return false
		}
	}
	return true
}

// storesClosed reports whether every store cmds reads is written earlier in
// cmds.
func storesClosed(cmds []ir.Command) bool {
	var written []uint32
	for _, c := range cmds {
		if !readsWritten(c, written) {
			return false
		}
		for _, st := range ir.DefStores(c) {
			written = append(written, st.ID)
		}
	}
	return true
}

func (t *Trie) child(parent int32, c ir.Command) int32 {
	key := ir.SimilarityKey(c)
	if idx, ok := t.nodes[parent].children[key]; ok {
		return idx
	}
	idx := int32(len(t.nodes))
	t.nodes = append(t.nodes, node{
		key:      key,
		cmd:      c,
		parent:   parent,
		depth:    t.nodes[parent].depth + 1,
		children: map[string]int32{},
	})
	t.nodes[parent].children[key] = idx
	t.nodes[parent].order = append(t.nodes[parent].order, idx)
	return idx
}

// Len returns the number of nodes, root included.
func (t *Trie) Len() int { return len(t.nodes) }

func (t *Trie) node(ref NodeRef) *node {
	vmerrors.Assert(ref.gen == t.gen && ref.idx > 0 && int(ref.idx) < len(t.nodes),
		"stale trie node %d of generation %d, current %d", ref.idx, ref.gen, t.gen)
	return &t.nodes[ref.idx]
}

// Depth returns the path length from the root to ref.
func (t *Trie) Depth(ref NodeRef) int { return t.node(ref).depth }

// Path returns the representative commands from the root to ref.
func (t *Trie) Path(ref NodeRef) []ir.Command {
	n := t.node(ref)
	path := make([]ir.Command, n.depth)
	for idx := ref.idx; idx > 0; idx = t.nodes[idx].parent {
		path[t.nodes[idx].depth-1] = t.nodes[idx].cmd
	}
	return path
}

func (t *Trie) pathKeys(idx int32) []string {
	keys := make([]string, t.nodes[idx].depth)
	for ; idx > 0; idx = t.nodes[idx].parent {
		keys[t.nodes[idx].depth-1] = t.nodes[idx].key
	}
	return keys
}

// Keys returns the similarity keys from the root to ref.
func (t *Trie) Keys(ref NodeRef) []string {
	t.node(ref)
	return t.pathKeys(ref.idx)
}

// Occurrences returns every run reaching ref, including overlapping ones,
// ordered by block then start.
func (t *Trie) Occurrences(ref NodeRef) []Occurrence {
	return t.node(ref).occ
}

// Disjoint returns the occurrences of ref picked greedily by start so that
// no two ranges in one block overlap.
func (t *Trie) Disjoint(ref NodeRef) []Occurrence {
	return disjoint(t.node(ref))
}

func disjoint(n *node) []Occurrence {
	var picked []Occurrence
	block, end := ir.InvalidBlock, 0
	for _, o := range n.occ {
		if o.Block != block {
			block, end = o.Block, 0
		}
		if o.Start < end {
			continue
		}
		picked = append(picked, o)
		end = o.Start + n.depth
	}
	return picked
}

// Candidate is a path worth outlining.
type Candidate struct {
	Ref   NodeRef
	Depth int
	Count int
}

// Score is the number of commands the occurrences cover.
func (c Candidate) Score() int { return c.Depth * c.Count }

// Best returns the node maximizing count*depth over nodes at least minDepth
// deep with at least minCount disjoint occurrences. Ties prefer the deeper
// node, then the more frequent, then the lexicographically smaller key path.
func (t *Trie) Best(minCount, minDepth int) (Candidate, bool) {
	return t.BestAccepted(minCount, minDepth, nil)
}

// BestAccepted is Best restricted to candidates accept approves. accept is
// only asked about candidates that would beat the current best; nil accepts
// everything.
func (t *Trie) BestAccepted(minCount, minDepth int, accept func(Candidate) bool) (Candidate, bool) {
	var best Candidate
	found := false
	for i := 1; i < len(t.nodes); i++ {
		n := &t.nodes[i]
		if n.depth < minDepth || len(n.occ) < minCount {
			continue
		}
		count := len(disjoint(n))
		if count < minCount {
			continue
		}
		c := Candidate{Ref: NodeRef{gen: t.gen, idx: int32(i)}, Depth: n.depth, Count: count}
		if found && !t.better(c, best) {
			continue
		}
		if accept != nil && !accept(c) {
			continue
		}
		best, found = c, true
	}
	return best, found
}

func (t *Trie) better(a, b Candidate) bool {
	switch {
	case a.Score() != b.Score():
		return a.Score() > b.Score()
	case a.Depth != b.Depth:
		return a.Depth > b.Depth
	case a.Count != b.Count:
		return a.Count > b.Count
	}
	return slices.Compare(t.pathKeys(a.Ref.idx), t.pathKeys(b.Ref.idx)) < 0
}

// Tree renders the nodes with at least minCount occurrences.
func (t *Trie) Tree(minCount int) treeprint.Tree {
	tree := treeprint.New()
	tree.SetValue(fmt.Sprintf("trie (%d nodes)", len(t.nodes)))
	if len(t.nodes) > 0 {
		t.addChildren(tree, 0, minCount)
	}
	return tree
}

func (t *Trie) addChildren(tree treeprint.Tree, idx int32, minCount int) {
	for _, c := range t.nodes[idx].order {
		n := &t.nodes[c]
		if len(n.occ) < minCount {
			continue
		}
		label := fmt.Sprintf("%s x%d", n.key, len(n.occ))
		if len(n.order) == 0 {
			tree.AddNode(label)
			continue
		}
		t.addChildren(tree.AddBranch(label), c, minCount)
	}
}
