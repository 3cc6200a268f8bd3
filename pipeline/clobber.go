package pipeline

import (
	"math/rand"

	"github.com/colorfulnotion/virtx/codec"
	"github.com/colorfulnotion/virtx/dasm"
	"github.com/colorfulnotion/virtx/ir"
)

const regRSP = 4

// ClobberDeadRegisters writes random values into the registers that are dead
// on entry to each lifted block and into those dead on its exit, just before
// the block leaves. rsp is never touched. It returns the number of registers
// clobbered.
func ClobberDeadRegisters(prog *ir.Program, blocks []*dasm.BasicBlock, live *dasm.Liveness, rng *rand.Rand) int {
	total := 0
	for _, bb := range dasm.SortBlocks(blocks) {
		id, ok := prog.BlockByRVA(bb.StartRVA)
		if !ok {
			continue
		}
		blk := prog.Block(id)

		// the exit run goes in first so the entry splice cannot shift it
		exitLive := live.Out[bb]
		if len(bb.Insts) > 0 {
			use, _ := dasm.UseDef(bb.Last().Inst)
			exitLive |= use
		}
		if cmds := clobbers(dasm.AllRegs.Without(exitLive), rng); len(cmds) > 0 {
			at := exitPoint(blk)
			blk.Splice(at, at, cmds...)
			total += len(cmds) / 2
		}

		if cmds := clobbers(dasm.AllRegs.Without(live.In[bb]), rng); len(cmds) > 0 {
			at := 0
			if len(blk.Commands) > 0 && blk.Commands[0].Type() == ir.CmdVmEnter {
				at = 1
			}
			blk.Splice(at, at, cmds...)
			total += len(cmds) / 2
		}
	}
	return total
}

func clobbers(dead dasm.RegSet, rng *rand.Rand) []ir.Command {
	b := ir.NewBuilder()
	for r := 0; r < codec.GPRCount; r++ {
		if r == regRSP || !dead.Has(r) {
			continue
		}
		b.PushImm(ir.Size64, rng.Uint64()).ContextStore(ir.Reg(r), ir.Size64)
	}
	return b.Commands()
}

// exitPoint is the index where the block starts to leave: its terminator, the
// flags load feeding a conditional branch, or the VmExit before native code.
func exitPoint(blk *ir.Block) int {
	n := len(blk.Commands)
	if n == 0 || !ir.IsTerminator(blk.Commands[n-1]) {
		return n
	}
	at := n - 1
	switch c := blk.Commands[at].(type) {
	case *ir.Branch:
		if c.Cond != codec.CondAlways && at > 0 && blk.Commands[at-1].Type() == ir.CmdFlagsLoad {
			at--
		}
	case *ir.ExecX86:
		if at > 0 && blk.Commands[at-1].Type() == ir.CmdVmExit {
			at--
		}
	}
	return at
}
