package dasm

import (
	"math/bits"
	"strings"

	"github.com/colorfulnotion/virtx/codec"
	"golang.org/x/arch/x86/x86asm"
)

// RegSet is a bit set of general purpose registers indexed by GPR number.
type RegSet uint16

const AllRegs RegSet = 0xffff

func (r RegSet) Has(idx int) bool        { return r&(1<<idx) != 0 }
func (r RegSet) With(idx int) RegSet     { return r | 1<<idx }
func (r RegSet) Count() int              { return bits.OnesCount16(uint16(r)) }
func (r RegSet) Without(o RegSet) RegSet { return r &^ o }

func (r RegSet) String() string {
	var names []string
	for i := 0; i < codec.GPRCount; i++ {
		if r.Has(i) {
			names = append(names, strings.ToLower(codec.RegOfSize(i, 64).String()))
		}
	}
	return "{" + strings.Join(names, " ") + "}"
}

// Liveness holds per-block live register sets at block entry and exit.
type Liveness struct {
	In  map[*BasicBlock]RegSet
	Out map[*BasicBlock]RegSet
}

// ComputeLiveness runs backward GPR liveness over blocks. Any edge that
// leaves the block set keeps every register live.
func ComputeLiveness(blocks []*BasicBlock) *Liveness {
	byStart := make(map[uint64]*BasicBlock, len(blocks))
	for _, b := range blocks {
		byStart[b.StartRVA] = b
	}
	lv := &Liveness{
		In:  make(map[*BasicBlock]RegSet, len(blocks)),
		Out: make(map[*BasicBlock]RegSet, len(blocks)),
	}

	for changed := true; changed; {
		changed = false
		for i := len(blocks) - 1; i >= 0; i-- {
			b := blocks[i]
			var out RegSet
			for _, br := range b.Branches {
				succ, ok := byStart[br.TargetRVA]
				if !br.Resolved || br.Return || !ok {
					out = AllRegs
					break
				}
				out |= lv.In[succ]
			}
			in := out
			for j := len(b.Insts) - 1; j >= 0; j-- {
				use, def := UseDef(b.Insts[j].Inst)
				in = in.Without(def) | use
			}
			if in != lv.In[b] || out != lv.Out[b] {
				lv.In[b], lv.Out[b] = in, out
				changed = true
			}
		}
	}
	return lv
}

// UseDef returns the registers inst reads and the registers it fully
// overwrites. Partial writes count as a read of the full register.
// Unmodelled instructions read every register and define none.
func UseDef(inst x86asm.Inst) (use, def RegSet) {
	ops := codec.Operands(inst)
	for _, op := range ops {
		if m, ok := op.Arg.(x86asm.Mem); ok {
			use |= regBit(m.Base) | regBit(m.Index)
		}
	}
	dest := func(rmw bool) {
		if len(ops) == 0 {
			return
		}
		r, ok := ops[0].Arg.(x86asm.Reg)
		if !ok {
			return
		}
		if rmw || op8or16(r) {
			use |= regBit(r)
		}
		def |= regBit(r)
	}
	sources := func(from int) {
		for _, op := range ops[from:] {
			if r, ok := op.Arg.(x86asm.Reg); ok {
				use |= regBit(r)
			}
		}
	}
	rsp := regBit(x86asm.RSP)

	switch inst.Op {
	case x86asm.MOV, x86asm.MOVZX, x86asm.MOVSX, x86asm.MOVSXD, x86asm.LEA:
		dest(false)
		sources(1)
	case x86asm.XOR, x86asm.SUB:
		if len(ops) == 2 && ops[0].Arg == ops[1].Arg {
			if r, ok := ops[0].Arg.(x86asm.Reg); ok && !op8or16(r) {
				// zeroing idiom
				def |= regBit(r)
				return use, def
			}
		}
		dest(true)
		sources(1)
	case x86asm.ADD, x86asm.AND, x86asm.OR,
		x86asm.INC, x86asm.DEC, x86asm.NEG, x86asm.NOT,
		x86asm.SHL, x86asm.SHR, x86asm.SAR:
		dest(true)
		sources(1)
	case x86asm.IMUL:
		if len(ops) == 3 {
			dest(false)
		} else if len(ops) == 2 {
			dest(true)
		} else {
			return AllRegs, 0
		}
		sources(1)
	case x86asm.CMP, x86asm.TEST:
		sources(0)
	case x86asm.PUSH:
		sources(0)
		use |= rsp
		def |= rsp
	case x86asm.POP:
		use |= rsp
		def |= rsp
		dest(false)
	case x86asm.NOP, x86asm.JMP, x86asm.JA, x86asm.JAE, x86asm.JB, x86asm.JBE,
		x86asm.JE, x86asm.JNE, x86asm.JG, x86asm.JGE, x86asm.JL, x86asm.JLE,
		x86asm.JO, x86asm.JNO, x86asm.JP, x86asm.JNP, x86asm.JS, x86asm.JNS:
		sources(0)
	default:
		return AllRegs, 0
	}
	return use, def
}

func regBit(r x86asm.Reg) RegSet {
	idx, ok := codec.RegIndex(r)
	if !ok {
		return 0
	}
	return 1 << idx
}

func op8or16(r x86asm.Reg) bool {
	size := codec.RegSize(r)
	return size == 8 || size == 16
}
