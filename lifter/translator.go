package lifter

import (
	"fmt"
	"strings"

	"github.com/colorfulnotion/virtx/codec"
	"github.com/colorfulnotion/virtx/dasm"
	"github.com/colorfulnotion/virtx/handlers"
	"github.com/colorfulnotion/virtx/ir"
	"github.com/colorfulnotion/virtx/log"
	"github.com/colorfulnotion/virtx/vmerrors"
	"github.com/pkg/errors"
)

// Translator lifts explored basic blocks into an IR program.
type Translator struct {
	// NativeFallback leaves the VM around instructions that cannot be lifted
	// instead of failing the translation.
	NativeFallback bool
}

func NewTranslator(nativeFallback bool) *Translator {
	return &Translator{NativeFallback: nativeFallback}
}

// Translate creates one VM block per basic block, in address order, and lifts
// every instruction. The entry block starts with VmEnter.
func (tr *Translator) Translate(blocks []*dasm.BasicBlock, entry uint64) (*ir.Program, error) {
	prog := ir.NewProgram()
	sorted := dasm.SortBlocks(blocks)
	ids := make([]ir.BlockID, len(sorted))
	for i, bb := range sorted {
		ids[i] = prog.NewBlock(ir.KindVM, bb.StartRVA).ID
	}
	entryID, ok := prog.BlockByRVA(entry)
	if !ok {
		return nil, errors.Wrapf(vmerrors.ErrUnknownBlock, "entry 0x%x", entry)
	}
	prog.SetEntry(entryID)

	reentries := make(map[uint64]bool)
	for i, bb := range sorted {
		blk := prog.Block(ids[i])
		if blk.ID == entryID {
			blk.Append(&ir.VmEnter{})
		}
		native := false
		for _, inst := range bb.Insts {
			var err error
			if native, err = tr.translate(prog, blk, inst); err != nil {
				return nil, err
			}
		}
		// successors of a natively executed branch are entered from outside
		if native && len(bb.Insts) > 0 && codec.ClassifyBranch(bb.Last().Op).IsJump() {
			for _, br := range bb.Branches {
				if br.Resolved {
					reentries[br.TargetRVA] = true
				}
			}
		}
		if n := len(blk.Commands); n == 0 || !ir.IsTerminator(blk.Commands[n-1]) {
			blk.Append(ir.NewBuilder().Jump(targetOf(prog, bb.EndRVA)).Commands()...)
		}
	}

	for rva := range reentries {
		id, ok := prog.BlockByRVA(rva)
		if !ok {
			continue
		}
		blk := prog.Block(id)
		if len(blk.Commands) > 0 && blk.Commands[0].Type() == ir.CmdVmEnter {
			continue
		}
		blk.Splice(0, 0, &ir.VmEnter{})
	}

	log.Debug(log.LiftMonitoring, "translated", "blocks", len(ids), "commands", prog.CommandCount(ir.KindVM))
	return prog, nil
}

// TranslateInstruction lifts inst onto the end of block. Nothing is appended
// when it fails.
func (tr *Translator) TranslateInstruction(prog *ir.Program, block *ir.Block, inst codec.Inst) error {
	_, err := tr.translate(prog, block, inst)
	return err
}

func (tr *Translator) translate(prog *ir.Program, block *ir.Block, inst codec.Inst) (native bool, err error) {
	cmds, err := Lift(prog, inst)
	if err == nil {
		block.Append(cmds...)
		return false, nil
	}
	var unsupported *UnsupportedError
	if !tr.NativeFallback || !errors.As(err, &unsupported) {
		return false, err
	}
	log.Warn(log.LiftMonitoring, "native fallback", "rva", fmt.Sprintf("0x%x", inst.RVA), "mnemonic", strings.ToLower(inst.Op.String()), "reason", unsupported.Detail)

	b := ir.NewBuilder().VmExit().ExecX86(inst.RVA, inst.Raw)
	switch codec.ClassifyBranch(inst.Op) {
	case codec.BranchConditional, codec.BranchUnconditional, codec.BranchReturn:
	default:
		b.VmEnter()
	}
	block.Append(b.Commands()...)
	return true, nil
}

// Lift translates one instruction. Targets resolve against prog's blocks.
func Lift(prog *ir.Program, inst codec.Inst) ([]ir.Command, error) {
	l, ok := Lookup(inst.Op)
	if !ok {
		return nil, &UnsupportedError{RVA: inst.RVA, Op: inst.Op, Detail: "no lifter", Err: vmerrors.ErrUnsupportedMnemonic}
	}
	t := &instTranslator{
		prog:   prog,
		inst:   inst,
		lifter: l,
		ops:    codec.Operands(inst.Inst),
		b:      ir.NewBuilder(),
	}
	if !l.Accepts(t.ops) {
		return nil, t.unsupported(vmerrors.ErrUnsupportedOperand, "operands %s", shapes(t.ops))
	}
	if len(t.ops) > 0 {
		t.size, _ = ir.SizeOf(t.ops[0].Size)
	}
	if err := t.lift(); err != nil {
		return nil, err
	}
	return t.b.Commands(), nil
}

func (t *instTranslator) lift() error {
	l := t.lifter
	if l.Encode != nil {
		return l.Encode(t)
	}
	if len(t.ops) == 0 {
		return t.unsupported(vmerrors.ErrUnsupportedOperand, "no operands")
	}
	if err := t.destination(); err != nil {
		return err
	}
	for i := 1; i < len(t.ops); i++ {
		if err := t.source(i); err != nil {
			return err
		}
	}
	switch {
	case l.Transform != nil:
		if err := l.Transform(t); err != nil {
			return err
		}
	case l.Handler != 0:
		vmerrors.Assert(handlers.Supports(l.Handler, t.size), "lifter for %s accepted %s, no %s handler", t.inst.Op, shapes(t.ops), l.Handler)
		t.b.HandlerCall(l.Handler, t.size)
	}
	if l.Dest == DestRead {
		return nil
	}
	return t.writeBack()
}

func targetOf(prog *ir.Program, rva uint64) ir.Target {
	if id, ok := prog.BlockByRVA(rva); ok {
		return ir.BlockTarget(id, rva)
	}
	return ir.ExternalTarget(rva)
}

func shapes(ops []codec.Operand) string {
	parts := make([]string, len(ops))
	for i, op := range ops {
		parts[i] = fmt.Sprintf("%s%d", op.Kind, op.Size)
	}
	return strings.Join(parts, ",")
}
