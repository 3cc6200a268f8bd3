package lifter

import (
	"fmt"

	"github.com/colorfulnotion/virtx/codec"
	"github.com/colorfulnotion/virtx/ir"
	"github.com/colorfulnotion/virtx/vmerrors"
	"golang.org/x/arch/x86/x86asm"
)

// instTranslator holds the state of lifting one instruction.
type instTranslator struct {
	prog   *ir.Program
	inst   codec.Inst
	lifter *Lifter
	ops    []codec.Operand
	size   ir.Size
	b      *ir.Builder
	stores ir.StoreAllocator
}

func (t *instTranslator) unsupported(sentinel error, format string, args ...interface{}) error {
	return &UnsupportedError{
		RVA:    t.inst.RVA,
		Op:     t.inst.Op,
		Detail: fmt.Sprintf(format, args...),
		Err:    sentinel,
	}
}

func (t *instTranslator) operandSize(idx int) ir.Size {
	s, _ := ir.SizeOf(t.ops[idx].Size)
	return s
}

func (t *instTranslator) register(idx int) (ir.Reg, error) {
	r := t.ops[idx].Arg.(x86asm.Reg)
	if codec.IsHighByte(r) {
		return 0, t.unsupported(vmerrors.ErrUnsupportedOperand, "high byte register %s", r)
	}
	n, ok := codec.RegIndex(r)
	if !ok {
		return 0, t.unsupported(vmerrors.ErrUnsupportedOperand, "register %s", r)
	}
	return ir.Reg(n), nil
}

// address pushes the 64-bit effective address of memory operand idx.
func (t *instTranslator) address(idx int) error {
	m := t.ops[idx].Arg.(x86asm.Mem)
	if m.Segment == x86asm.FS || m.Segment == x86asm.GS {
		return t.unsupported(vmerrors.ErrUnsupportedOperand, "segment %s", m.Segment)
	}
	if t.inst.AddrSize != 64 {
		return t.unsupported(vmerrors.ErrUnsupportedOperand, "%d-bit addressing", t.inst.AddrSize)
	}
	if m.Base == x86asm.RIP {
		t.b.PushRel(t.inst.End() + uint64(m.Disp))
		return nil
	}

	terms := 0
	if m.Base != 0 {
		n, ok := codec.RegIndex(m.Base)
		if !ok {
			return t.unsupported(vmerrors.ErrUnsupportedOperand, "base %s", m.Base)
		}
		t.b.ContextLoad(ir.Reg(n), ir.Size64)
		terms++
	}
	if m.Index != 0 {
		n, ok := codec.RegIndex(m.Index)
		if !ok {
			return t.unsupported(vmerrors.ErrUnsupportedOperand, "index %s", m.Index)
		}
		t.b.ContextLoad(ir.Reg(n), ir.Size64)
		if m.Scale > 1 {
			shift := uint64(0)
			for s := m.Scale; s > 1; s >>= 1 {
				shift++
			}
			t.b.PushImm(ir.Size64, shift).Logic(ir.Shl, ir.Size64)
		}
		if terms > 0 {
			t.b.Arith(ir.Add, ir.Size64)
		}
		terms++
	}
	if m.Disp != 0 || terms == 0 {
		t.b.PushImm(ir.Size64, uint64(m.Disp))
		if terms > 0 {
			t.b.Arith(ir.Add, ir.Size64)
		}
	}
	return nil
}

// load pushes the value of operand idx at its own width.
func (t *instTranslator) load(idx int) error {
	op := t.ops[idx]
	size := t.operandSize(idx)
	switch op.Kind {
	case codec.OperandReg:
		r, err := t.register(idx)
		if err != nil {
			return err
		}
		t.b.ContextLoad(r, size)
	case codec.OperandMem:
		if err := t.address(idx); err != nil {
			return err
		}
		t.b.MemRead(size)
	case codec.OperandImm:
		t.b.PushImm(size, uint64(op.Arg.(x86asm.Imm)))
	default:
		return t.unsupported(vmerrors.ErrUnsupportedOperand, "operand %d is %s", idx, op.Kind)
	}
	return nil
}

// source pushes operand idx widened to the instruction width.
func (t *instTranslator) source(idx int) error {
	if t.lifter.addressOf(idx) {
		if t.ops[idx].Kind != codec.OperandMem {
			return t.unsupported(vmerrors.ErrUnsupportedOperand, "address of %s", t.ops[idx].Kind)
		}
		return t.address(idx)
	}
	if err := t.load(idx); err != nil {
		return err
	}
	if t.lifter.Transform != nil && t.ops[idx].Kind != codec.OperandImm {
		// extensions widen in Transform
		return nil
	}
	from := t.operandSize(idx)
	switch {
	case t.ops[idx].Kind == codec.OperandImm && !t.lifter.ZeroExtendSources:
		t.b.SignExtend(t.size, from)
	case t.lifter.ZeroExtendSources:
		t.b.Resize(t.size, from)
	}
	return nil
}

// destination prepares operand 0 according to the lifter's mode.
func (t *instTranslator) destination() error {
	op := t.ops[0]
	switch op.Kind {
	case codec.OperandReg:
		if _, err := t.register(0); err != nil {
			return err
		}
		if t.lifter.Dest != DestWrite {
			return t.load(0)
		}
	case codec.OperandMem:
		if err := t.address(0); err != nil {
			return err
		}
		switch t.lifter.Dest {
		case DestReadWrite:
			t.b.Dup(ir.Size64, 0).MemRead(t.size)
		case DestRead:
			t.b.MemRead(t.size)
		}
	default:
		if t.lifter.Dest != DestRead {
			return t.unsupported(vmerrors.ErrUnsupportedOperand, "destination is %s", op.Kind)
		}
		return t.load(0)
	}
	return nil
}

// writeBack stores the value on top of the stack into operand 0. Writes to a
// 32-bit register clear the upper half.
func (t *instTranslator) writeBack() error {
	switch t.ops[0].Kind {
	case codec.OperandReg:
		r, err := t.register(0)
		if err != nil {
			return err
		}
		t.storeReg(r, t.size)
	case codec.OperandMem:
		t.b.MemWrite(t.size)
	default:
		return t.unsupported(vmerrors.ErrUnsupportedOperand, "write to %s", t.ops[0].Kind)
	}
	return nil
}

func (t *instTranslator) storeReg(r ir.Reg, size ir.Size) {
	if size == ir.Size32 {
		t.b.Resize(ir.Size64, ir.Size32).ContextStore(r, ir.Size64)
		return
	}
	t.b.ContextStore(r, size)
}

// target maps an RVA to a program block, or to an external target.
func (t *instTranslator) target(rva uint64) ir.Target {
	return targetOf(t.prog, rva)
}
