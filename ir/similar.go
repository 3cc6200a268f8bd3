package ir

import (
	"bytes"

	"github.com/colorfulnotion/virtx/codec"
)

// IsSimilar reports whether a and b perform the same operation, ignoring
// identity and the Inlined marker.
func IsSimilar(a, b Command) bool {
	if a.Type() != b.Type() {
		return false
	}
	switch x := a.(type) {
	case *HandlerCall:
		y := b.(*HandlerCall)
		return x.Op == y.Op && x.Size == y.Size
	case *Push:
		y := b.(*Push)
		if x.Size != y.Size || x.Rel != y.Rel || x.Store != y.Store {
			return false
		}
		return x.Store.Valid() || x.Value == y.Value
	case *Pop:
		y := b.(*Pop)
		return x.Size == y.Size && x.Store == y.Store
	case *Dup:
		y := b.(*Dup)
		return x.Size == y.Size && x.Depth == y.Depth
	case *ContextLoad:
		y := b.(*ContextLoad)
		return x.Reg == y.Reg && x.Size == y.Size
	case *ContextStore:
		y := b.(*ContextStore)
		return x.Reg == y.Reg && x.Size == y.Size
	case *MemRead:
		return x.Size == b.(*MemRead).Size
	case *MemWrite:
		return x.Size == b.(*MemWrite).Size
	case *Arith:
		y := b.(*Arith)
		return x.Op == y.Op && x.Size == y.Size
	case *Logic:
		y := b.(*Logic)
		return x.Op == y.Op && x.Size == y.Size
	case *Resize:
		y := b.(*Resize)
		return x.To == y.To && x.From == y.From
	case *SignExtend:
		y := b.(*SignExtend)
		return x.To == y.To && x.From == y.From
	case *Branch:
		y := b.(*Branch)
		if x.Cond != y.Cond || !sameTarget(x.Taken, y.Taken) {
			return false
		}
		return x.Cond == codec.CondAlways || sameTarget(x.NotTaken, y.NotTaken)
	case *Call:
		return x.Target == b.(*Call).Target
	case *ExecX86:
		y := b.(*ExecX86)
		return x.RVA == y.RVA && bytes.Equal(x.Raw, y.Raw)
	}
	// payload-free commands
	return true
}

func sameTarget(a, b Target) bool {
	if a.External != b.External {
		return false
	}
	if a.External {
		return a.RVA == b.RVA
	}
	return a.Block == b.Block
}

// SimilarityKey returns a string that is equal for two commands exactly
// when IsSimilar holds.
func SimilarityKey(c Command) string {
	return c.String()
}

// UseStores returns the discrete stores c reads.
func UseStores(c Command) []Store {
	if p, ok := c.(*Push); ok && p.Store.Valid() {
		return []Store{p.Store}
	}
	return nil
}

// DefStores returns the discrete stores c writes.
func DefStores(c Command) []Store {
	if p, ok := c.(*Pop); ok && p.Store.Valid() {
		return []Store{p.Store}
	}
	return nil
}

// IsTerminator reports whether c ends the straight-line run of its block.
func IsTerminator(c Command) bool {
	switch c.Type() {
	case CmdBranch, CmdRet, CmdExecX86:
		return true
	}
	return false
}

// IsOutlinable reports whether c may be moved into a shared block.
func IsOutlinable(c Command) bool {
	switch c.Type() {
	case CmdVmEnter, CmdVmExit:
		return false
	}
	return !IsTerminator(c)
}

// Clone returns a copy of c.
func Clone(c Command) Command {
	switch x := c.(type) {
	case *VmEnter:
		y := *x
		return &y
	case *VmExit:
		y := *x
		return &y
	case *HandlerCall:
		y := *x
		return &y
	case *Push:
		y := *x
		return &y
	case *Pop:
		y := *x
		return &y
	case *Dup:
		y := *x
		return &y
	case *ContextLoad:
		y := *x
		return &y
	case *ContextStore:
		y := *x
		return &y
	case *FlagsLoad:
		y := *x
		return &y
	case *FlagsStore:
		y := *x
		return &y
	case *MemRead:
		y := *x
		return &y
	case *MemWrite:
		y := *x
		return &y
	case *Arith:
		y := *x
		return &y
	case *Logic:
		y := *x
		return &y
	case *Resize:
		y := *x
		return &y
	case *SignExtend:
		y := *x
		return &y
	case *Branch:
		y := *x
		return &y
	case *Call:
		y := *x
		return &y
	case *Ret:
		y := *x
		return &y
	case *ExecX86:
		y := *x
		y.Raw = append([]byte(nil), x.Raw...)
		return &y
	}
	panic("ir: clone of unknown command")
}

// CloneInlined returns a copy of c marked as materialized inside a shared block.
func CloneInlined(c Command) Command {
	y := Clone(c)
	y.base().Inlined = true
	return y
}

// CloneAll copies a command sequence.
func CloneAll(cmds []Command) []Command {
	out := make([]Command, len(cmds))
	for i, c := range cmds {
		out[i] = Clone(c)
	}
	return out
}
