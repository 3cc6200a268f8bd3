package ir

import "github.com/colorfulnotion/virtx/codec"

// Builder accumulates a command sequence.
type Builder struct {
	cmds []Command
}

func NewBuilder() *Builder { return &Builder{} }

func (b *Builder) Commands() []Command { return b.cmds }
func (b *Builder) Len() int            { return len(b.cmds) }

func (b *Builder) Append(cmds ...Command) *Builder {
	b.cmds = append(b.cmds, cmds...)
	return b
}

func (b *Builder) VmEnter() *Builder { return b.Append(&VmEnter{}) }
func (b *Builder) VmExit() *Builder  { return b.Append(&VmExit{}) }

func (b *Builder) HandlerCall(op HandlerOp, size Size) *Builder {
	return b.Append(&HandlerCall{Op: op, Size: size})
}

// PushImm pushes v truncated to size.
func (b *Builder) PushImm(size Size, v uint64) *Builder {
	return b.Append(&Push{Size: size, Value: v & size.Mask()})
}

func (b *Builder) PushStore(s Store) *Builder {
	return b.Append(&Push{Size: s.Size, Store: s})
}

// PushRel pushes the run-time address of rva.
func (b *Builder) PushRel(rva uint64) *Builder {
	return b.Append(&Push{Size: Size64, Value: rva, Rel: true})
}

func (b *Builder) Pop(s Store) *Builder {
	return b.Append(&Pop{Size: s.Size, Store: s})
}

// Discard pops and drops the top entry.
func (b *Builder) Discard(size Size) *Builder {
	return b.Append(&Pop{Size: size})
}

func (b *Builder) Dup(size Size, depth uint8) *Builder {
	return b.Append(&Dup{Size: size, Depth: depth})
}

func (b *Builder) ContextLoad(r Reg, size Size) *Builder {
	return b.Append(&ContextLoad{Reg: r, Size: size})
}

func (b *Builder) ContextStore(r Reg, size Size) *Builder {
	return b.Append(&ContextStore{Reg: r, Size: size})
}

func (b *Builder) FlagsLoad() *Builder  { return b.Append(&FlagsLoad{}) }
func (b *Builder) FlagsStore() *Builder { return b.Append(&FlagsStore{}) }

func (b *Builder) MemRead(size Size) *Builder  { return b.Append(&MemRead{Size: size}) }
func (b *Builder) MemWrite(size Size) *Builder { return b.Append(&MemWrite{Size: size}) }

func (b *Builder) Arith(op ArithOp, size Size) *Builder {
	return b.Append(&Arith{Op: op, Size: size})
}

func (b *Builder) Logic(op LogicOp, size Size) *Builder {
	return b.Append(&Logic{Op: op, Size: size})
}

// Resize is a no-op when both widths match.
func (b *Builder) Resize(to, from Size) *Builder {
	if to == from {
		return b
	}
	return b.Append(&Resize{To: to, From: from})
}

// SignExtend is a no-op when both widths match.
func (b *Builder) SignExtend(to, from Size) *Builder {
	if to == from {
		return b
	}
	return b.Append(&SignExtend{To: to, From: from})
}

func (b *Builder) Jump(t Target) *Builder {
	return b.Append(&Branch{Cond: codec.CondAlways, Taken: t})
}

func (b *Builder) Branch(cond codec.Condition, taken, notTaken Target) *Builder {
	return b.Append(&Branch{Cond: cond, Taken: taken, NotTaken: notTaken})
}

func (b *Builder) Call(target BlockID) *Builder { return b.Append(&Call{Target: target}) }
func (b *Builder) Ret() *Builder                { return b.Append(&Ret{}) }

func (b *Builder) ExecX86(rva uint64, raw []byte) *Builder {
	return b.Append(&ExecX86{RVA: rva, Raw: append([]byte(nil), raw...)})
}
