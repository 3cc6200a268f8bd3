package dasm

import (
	"fmt"
	"strings"

	"github.com/colorfulnotion/virtx/codec"
	"github.com/colorfulnotion/virtx/log"
	"github.com/colorfulnotion/virtx/vmerrors"
	"github.com/pkg/errors"
	"golang.org/x/exp/slices"
)

// Branch is one exit edge of a basic block.
type Branch struct {
	Resolved  bool
	Return    bool
	TargetRVA uint64
}

func (b Branch) String() string {
	switch {
	case b.Return:
		return "ret"
	case !b.Resolved:
		return "?"
	}
	return fmt.Sprintf("0x%x", b.TargetRVA)
}

// BasicBlock covers [StartRVA, EndRVA).
type BasicBlock struct {
	StartRVA uint64
	EndRVA   uint64
	Insts    []codec.Inst
	Branches []Branch
}

// Contains reports whether rva falls inside the block.
func (b *BasicBlock) Contains(rva uint64) bool {
	return rva >= b.StartRVA && rva < b.EndRVA
}

// Last returns the final instruction of the block.
func (b *BasicBlock) Last() codec.Inst {
	return b.Insts[len(b.Insts)-1]
}

func (b *BasicBlock) String() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("block 0x%x-0x%x", b.StartRVA, b.EndRVA))
	for _, inst := range b.Insts {
		sb.WriteString("\n  " + inst.String())
	}
	if len(b.Branches) > 0 {
		targets := make([]string, len(b.Branches))
		for i, br := range b.Branches {
			targets[i] = br.String()
		}
		sb.WriteString("\n  -> " + strings.Join(targets, ", "))
	}
	return sb.String()
}

// SegmentDasm explores one contiguous code segment mapped at rvaBase.
type SegmentDasm struct {
	rvaBase uint64
	buf     []byte
	blocks  []*BasicBlock
}

func NewSegmentDasm(rvaBase uint64, buf []byte) *SegmentDasm {
	return &SegmentDasm{rvaBase: rvaBase, buf: buf}
}

func (s *SegmentDasm) RVABase() uint64 { return s.rvaBase }

// InSegment reports whether rva lies inside the segment.
func (s *SegmentDasm) InSegment(rva uint64) bool {
	return rva >= s.rvaBase && rva < s.rvaBase+uint64(len(s.buf))
}

func (s *SegmentDasm) decode(rva uint64) (codec.Inst, error) {
	if !s.InSegment(rva) {
		return codec.Inst{}, errors.Wrapf(vmerrors.ErrDecode, "rva 0x%x outside segment", rva)
	}
	inst, _, err := codec.Decode(s.buf, len(s.buf), int(rva-s.rvaBase))
	if err != nil {
		return codec.Inst{}, err
	}
	inst.RVA = rva
	return inst, nil
}

// ExploreBlocks discovers the basic blocks reachable from entry
// breadth first. When depth is non-nil each block's discovery order is
// recorded in it.
func (s *SegmentDasm) ExploreBlocks(entry uint64, depth map[*BasicBlock]uint32) ([]*BasicBlock, error) {
	if !s.InSegment(entry) {
		return nil, errors.Wrapf(vmerrors.ErrEmptySegment, "entry 0x%x, segment 0x%x+0x%x", entry, s.rvaBase, len(s.buf))
	}

	var collected []*BasicBlock
	discovered := map[uint64]bool{entry: true}
	queue := []uint64{entry}
	var counter uint32

	containing := func(rva uint64) *BasicBlock {
		for _, b := range collected {
			if b.Contains(rva) {
				return b
			}
		}
		return nil
	}

	for len(queue) > 0 {
		rva := queue[0]
		queue = queue[1:]

		// a jump into the middle of a collected block splits it
		if existing := containing(rva); existing != nil {
			prev := s.split(existing, rva)
			if depth != nil {
				depth[prev] = counter
				counter++
			}
			collected = append(collected, prev)
			log.Trace(log.DasmMonitoring, "split block", "at", fmt.Sprintf("0x%x", rva), "prefix", fmt.Sprintf("0x%x", prev.StartRVA))
			continue
		}

		block := &BasicBlock{StartRVA: rva}
		if depth != nil {
			depth[block] = counter
			counter++
		}

		current := rva
		for s.InSegment(current) {
			if other := containing(current); other != nil {
				vmerrors.Assert(current == other.StartRVA, "instruction overlap at 0x%x inside block 0x%x-0x%x", current, other.StartRVA, other.EndRVA)
				break
			}

			inst, err := s.decode(current)
			if err != nil {
				return nil, err
			}
			block.Insts = append(block.Insts, inst)
			current = inst.End()

			bt := codec.ClassifyBranch(inst.Op)
			if bt == codec.BranchNone || bt == codec.BranchCall {
				continue
			}
			for _, br := range branchesOf(inst) {
				if !br.Resolved || discovered[br.TargetRVA] {
					continue
				}
				if !s.InSegment(br.TargetRVA) {
					log.Debug(log.DasmMonitoring, "branch leaves segment", "from", fmt.Sprintf("0x%x", inst.RVA), "target", fmt.Sprintf("0x%x", br.TargetRVA))
					continue
				}
				discovered[br.TargetRVA] = true
				queue = append(queue, br.TargetRVA)
			}
			break
		}
		block.EndRVA = current
		collected = append(collected, block)
	}

	// boundaries may have moved through splits, so edges come from the final last instruction
	for _, b := range collected {
		b.Branches = branchesOf(b.Last())
	}

	s.blocks = collected
	log.Debug(log.DasmMonitoring, "explored segment", "entry", fmt.Sprintf("0x%x", entry), "blocks", len(collected))
	return collected, nil
}

// split moves the instructions of existing before rva into a new predecessor block.
func (s *SegmentDasm) split(existing *BasicBlock, rva uint64) *BasicBlock {
	prev := &BasicBlock{StartRVA: existing.StartRVA, EndRVA: existing.StartRVA}
	for prev.EndRVA < rva {
		inst := existing.Insts[0]
		prev.Insts = append(prev.Insts, inst)
		existing.Insts = existing.Insts[1:]
		prev.EndRVA += uint64(inst.Len)
	}
	vmerrors.Assert(prev.EndRVA == rva, "split at 0x%x is not on an instruction boundary of block 0x%x-0x%x", rva, existing.StartRVA, existing.EndRVA)
	existing.StartRVA = rva
	return prev
}

// GetBranches decodes the instruction at rva and returns its exit edges.
func (s *SegmentDasm) GetBranches(rva uint64) ([]Branch, error) {
	inst, err := s.decode(rva)
	if err != nil {
		return nil, err
	}
	return branchesOf(inst), nil
}

func branchesOf(inst codec.Inst) []Branch {
	bt := codec.ClassifyBranch(inst.Op)
	if bt == codec.BranchReturn {
		return []Branch{{Return: true}}
	}

	var branches []Branch
	if bt.IsJump() {
		target, idx := codec.ResolveRelativeTarget(inst.Inst, inst.RVA)
		branches = append(branches, Branch{Resolved: idx != -1, TargetRVA: target})
		if bt == codec.BranchUnconditional {
			return branches
		}
	}
	return append(branches, Branch{Resolved: true, TargetRVA: inst.End()})
}

// GetBlock returns the block starting at rva, or containing it when inclusive.
func (s *SegmentDasm) GetBlock(rva uint64, inclusive bool) *BasicBlock {
	for _, b := range s.blocks {
		if inclusive && b.Contains(rva) || !inclusive && b.StartRVA == rva {
			return b
		}
	}
	return nil
}

// Blocks returns the blocks of the last exploration in discovery order.
func (s *SegmentDasm) Blocks() []*BasicBlock {
	return s.blocks
}

// SortedBlocks returns the blocks of the last exploration ordered by address.
func (s *SegmentDasm) SortedBlocks() []*BasicBlock {
	return SortBlocks(s.blocks)
}

func SortBlocks(blocks []*BasicBlock) []*BasicBlock {
	sorted := slices.Clone(blocks)
	slices.SortFunc(sorted, func(a, b *BasicBlock) int {
		switch {
		case a.StartRVA < b.StartRVA:
			return -1
		case a.StartRVA > b.StartRVA:
			return 1
		}
		return 0
	})
	return sorted
}

// DumpSection linearly decodes [begin, end) into a block without edges.
func (s *SegmentDasm) DumpSection(begin, end uint64) (*BasicBlock, error) {
	block := &BasicBlock{StartRVA: begin}
	for begin < end {
		inst, err := s.decode(begin)
		if err != nil {
			return nil, err
		}
		block.Insts = append(block.Insts, inst)
		begin = inst.End()
	}
	block.EndRVA = begin
	return block, nil
}

func (s *SegmentDasm) String() string {
	return fmt.Sprintf("[segment_dasm] rva_base: 0x%x size: 0x%x blocks: %d", s.rvaBase, len(s.buf), len(s.blocks))
}
