package dasm

import "golang.org/x/exp/slices"

// Stats summarizes an explored segment.
type Stats struct {
	InstructionCount     int            // decoded instructions across all blocks
	BasicBlockCount      int            // blocks after splitting
	ByteCount            int            // bytes covered by blocks
	MnemonicDistribution map[string]int // instruction count per mnemonic
	UnresolvedEdges      int            // indirect exits, returns excluded
}

// Analyze collects instruction and block counts over blocks.
func Analyze(blocks []*BasicBlock) *Stats {
	stats := &Stats{
		MnemonicDistribution: make(map[string]int),
	}
	for _, b := range blocks {
		stats.BasicBlockCount++
		stats.ByteCount += int(b.EndRVA - b.StartRVA)
		for _, inst := range b.Insts {
			stats.InstructionCount++
			stats.MnemonicDistribution[inst.Op.String()]++
		}
		for _, br := range b.Branches {
			if !br.Resolved && !br.Return {
				stats.UnresolvedEdges++
			}
		}
	}
	return stats
}

// Stats analyzes the blocks of the last exploration.
func (s *SegmentDasm) Stats() *Stats {
	return Analyze(s.blocks)
}

// Mnemonics returns the distinct mnemonics in sorted order.
func (st *Stats) Mnemonics() []string {
	names := make([]string, 0, len(st.MnemonicDistribution))
	for name := range st.MnemonicDistribution {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
