package dasm

import (
	"fmt"

	"github.com/colorfulnotion/virtx/common"
	"github.com/xlab/treeprint"
)

// Tree renders the control flow reachable from entry as a spanning tree.
// Edges to blocks already shown are printed as leaves.
func (s *SegmentDasm) Tree(entry uint64) treeprint.Tree {
	tree := treeprint.New()
	root := s.GetBlock(entry, false)
	if root == nil {
		tree.SetValue("empty")
		return tree
	}
	seen := map[*BasicBlock]bool{}
	tree.SetValue(blockLabel(root))
	seen[root] = true
	s.addEdges(tree, root, seen)
	return tree
}

func (s *SegmentDasm) addEdges(tree treeprint.Tree, b *BasicBlock, seen map[*BasicBlock]bool) {
	for _, br := range b.Branches {
		if !br.Resolved || br.Return {
			tree.AddNode(fmt.Sprintf("%s%s%s", common.ColorYellow, br.String(), common.ColorReset))
			continue
		}
		next := s.GetBlock(br.TargetRVA, false)
		switch {
		case next == nil:
			tree.AddNode(fmt.Sprintf("%sexternal 0x%x%s", common.ColorRed, br.TargetRVA, common.ColorReset))
		case seen[next]:
			tree.AddNode(fmt.Sprintf("%s0x%x (seen)%s", common.ColorGray, next.StartRVA, common.ColorReset))
		default:
			seen[next] = true
			s.addEdges(tree.AddBranch(blockLabel(next)), next, seen)
		}
	}
}

func blockLabel(b *BasicBlock) string {
	return fmt.Sprintf("%s0x%x-0x%x%s [%d insts, last %s]", common.ColorCyan, b.StartRVA, b.EndRVA, common.ColorReset, len(b.Insts), b.Last().Op)
}

// Print writes the control flow tree to stdout.
func (s *SegmentDasm) Print(entry uint64) {
	fmt.Println(s.Tree(entry).String())
}
