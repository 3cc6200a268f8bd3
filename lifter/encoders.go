package lifter

import (
	"github.com/colorfulnotion/virtx/codec"
	"github.com/colorfulnotion/virtx/ir"
	"github.com/colorfulnotion/virtx/vmerrors"
)

const rsp = ir.Reg(4)

func liftImul(t *instTranslator) error {
	first := 0
	if len(t.ops) == 3 {
		first = 1
	}
	for i := first; i < len(t.ops); i++ {
		if i == 0 {
			if err := t.load(0); err != nil {
				return err
			}
			continue
		}
		if err := t.source(i); err != nil {
			return err
		}
	}
	t.b.HandlerCall(ir.HImul, t.size)
	return t.writeBack()
}

// liftPush reads the value before rsp moves, so push rsp stores the old rsp.
func liftPush(t *instTranslator) error {
	t.size = ir.Size64
	if err := t.source(0); err != nil {
		return err
	}
	v := t.stores.New(ir.Size64)
	t.b.Pop(v).
		ContextLoad(rsp, ir.Size64).
		PushImm(ir.Size64, 8).
		Arith(ir.Sub, ir.Size64).
		Dup(ir.Size64, 0).
		ContextStore(rsp, ir.Size64).
		PushStore(v).
		MemWrite(ir.Size64)
	return nil
}

// liftPop updates rsp before writing the destination, so pop rsp keeps the
// loaded value.
func liftPop(t *instTranslator) error {
	t.size = ir.Size64
	v := t.stores.New(ir.Size64)
	t.b.ContextLoad(rsp, ir.Size64).
		MemRead(ir.Size64).
		Pop(v).
		ContextLoad(rsp, ir.Size64).
		PushImm(ir.Size64, 8).
		Arith(ir.Add, ir.Size64).
		ContextStore(rsp, ir.Size64).
		PushStore(v)
	return t.writeBack()
}

func liftJump(t *instTranslator) error {
	rva, idx := codec.ResolveRelativeTarget(t.inst.Inst, t.inst.RVA)
	if idx < 0 {
		return t.unsupported(vmerrors.ErrUnsupportedOperand, "indirect target")
	}
	cond, ok := codec.ConditionOf(t.inst.Op)
	if !ok {
		return t.unsupported(vmerrors.ErrUnsupportedMnemonic, "no flag condition")
	}
	if cond == codec.CondAlways {
		t.b.Jump(t.target(rva))
		return nil
	}
	t.b.FlagsLoad().Branch(cond, t.target(rva), t.target(t.inst.End()))
	return nil
}

// liftRet leaves the VM and returns natively.
func liftRet(t *instTranslator) error {
	t.b.VmExit().ExecX86(t.inst.RVA, t.inst.Raw)
	return nil
}
