package ir

import (
	"fmt"
	"strings"

	"github.com/colorfulnotion/virtx/codec"
)

type CommandType uint8

const (
	CmdVmEnter CommandType = iota + 1
	CmdVmExit
	CmdHandlerCall
	CmdPush
	CmdPop
	CmdDup
	CmdContextLoad
	CmdContextStore
	CmdFlagsLoad
	CmdFlagsStore
	CmdMemRead
	CmdMemWrite
	CmdArith
	CmdLogic
	CmdResize
	CmdSignExtend
	CmdBranch
	CmdCall
	CmdRet
	CmdExecX86
)

var commandTypeNames = [...]string{
	"", "vm_enter", "vm_exit", "handler_call", "push", "pop", "dup",
	"context_load", "context_store", "flags_load", "flags_store",
	"mem_read", "mem_write", "arith", "logic", "resize", "sign_extend",
	"branch", "call", "ret", "exec_x86",
}

func (t CommandType) String() string {
	if int(t) < len(commandTypeNames) && t != 0 {
		return commandTypeNames[t]
	}
	return "invalid"
}

// Command is one IR instruction. The set of implementations is closed to this package.
type Command interface {
	Type() CommandType
	String() string
	base() *Base
}

// Base carries attributes shared by all commands.
type Base struct {
	// Inlined marks a clone materialized inside an outlined block.
	Inlined bool
}

func (b *Base) base() *Base { return b }

func IsInlined(c Command) bool { return c.base().Inlined }

// Reg is a general purpose register number, 0 = rax .. 15 = r15.
type Reg uint8

func (r Reg) Name(size Size) string {
	return strings.ToLower(codec.RegOfSize(int(r), int(size)).String())
}

// BlockID is a stable handle into a Program's block arena.
type BlockID int32

const InvalidBlock BlockID = -1

func (id BlockID) String() string { return fmt.Sprintf("b%d", int32(id)) }

// Target is a branch destination: a block of the program or an RVA outside it.
type Target struct {
	Block    BlockID
	RVA      uint64
	External bool
}

func BlockTarget(id BlockID, rva uint64) Target { return Target{Block: id, RVA: rva} }

func ExternalTarget(rva uint64) Target {
	return Target{Block: InvalidBlock, RVA: rva, External: true}
}

func (t Target) String() string {
	if t.External {
		return fmt.Sprintf("ext:0x%x", t.RVA)
	}
	return t.Block.String()
}

type VmEnter struct{ Base }

type VmExit struct{ Base }

// HandlerCall invokes the generic handler for Op at width Size.
type HandlerCall struct {
	Base
	Op   HandlerOp
	Size Size
}

// Push pushes Store when valid, otherwise Value. Rel values are RVAs
// rebased at run time.
type Push struct {
	Base
	Size  Size
	Value uint64
	Store Store
	Rel   bool
}

// Pop pops an entry into Store, or discards it when Store is invalid.
type Pop struct {
	Base
	Size  Size
	Store Store
}

// Dup pushes a copy of the entry Depth positions below the top.
type Dup struct {
	Base
	Size  Size
	Depth uint8
}

// ContextLoad pushes the low Size bits of Reg.
type ContextLoad struct {
	Base
	Reg  Reg
	Size Size
}

// ContextStore pops a value into the low Size bits of Reg, keeping the rest.
type ContextStore struct {
	Base
	Reg  Reg
	Size Size
}

type FlagsLoad struct{ Base }

type FlagsStore struct{ Base }

// MemRead pops a 64-bit address and pushes the Size value stored there.
type MemRead struct {
	Base
	Size Size
}

// MemWrite pops a Size value, then a 64-bit address, and stores the value.
type MemWrite struct {
	Base
	Size Size
}

// Arith pops b then a and pushes a op b.
type Arith struct {
	Base
	Op   ArithOp
	Size Size
}

// Logic pops b then a and pushes a op b. Not pops a single entry.
type Logic struct {
	Base
	Op   LogicOp
	Size Size
}

// Resize zero extends or truncates the top entry.
type Resize struct {
	Base
	To, From Size
}

// SignExtend sign extends the top entry.
type SignExtend struct {
	Base
	To, From Size
}

// Branch transfers control within the VM. Conditional branches pop the
// 64-bit flags word.
type Branch struct {
	Base
	Cond     codec.Condition
	Taken    Target
	NotTaken Target
}

// Call runs the shared block Target and resumes after the call.
type Call struct {
	Base
	Target BlockID
}

type Ret struct{ Base }

// ExecX86 runs the original instruction bytes natively.
type ExecX86 struct {
	Base
	RVA uint64
	Raw []byte
}

func (*VmEnter) Type() CommandType      { return CmdVmEnter }
func (*VmExit) Type() CommandType       { return CmdVmExit }
func (*HandlerCall) Type() CommandType  { return CmdHandlerCall }
func (*Push) Type() CommandType         { return CmdPush }
func (*Pop) Type() CommandType          { return CmdPop }
func (*Dup) Type() CommandType          { return CmdDup }
func (*ContextLoad) Type() CommandType  { return CmdContextLoad }
func (*ContextStore) Type() CommandType { return CmdContextStore }
func (*FlagsLoad) Type() CommandType    { return CmdFlagsLoad }
func (*FlagsStore) Type() CommandType   { return CmdFlagsStore }
func (*MemRead) Type() CommandType      { return CmdMemRead }
func (*MemWrite) Type() CommandType     { return CmdMemWrite }
func (*Arith) Type() CommandType        { return CmdArith }
func (*Logic) Type() CommandType        { return CmdLogic }
func (*Resize) Type() CommandType       { return CmdResize }
func (*SignExtend) Type() CommandType   { return CmdSignExtend }
func (*Branch) Type() CommandType       { return CmdBranch }
func (*Call) Type() CommandType         { return CmdCall }
func (*Ret) Type() CommandType          { return CmdRet }
func (*ExecX86) Type() CommandType      { return CmdExecX86 }

func (*VmEnter) String() string { return "vm.enter" }
func (*VmExit) String() string  { return "vm.exit" }

func (c *HandlerCall) String() string { return fmt.Sprintf("hcall %s.%s", c.Op, c.Size) }

func (c *Push) String() string {
	switch {
	case c.Store.Valid():
		return fmt.Sprintf("push.%s %s", c.Size, c.Store)
	case c.Rel:
		return fmt.Sprintf("push.%s rva+0x%x", c.Size, c.Value)
	}
	return fmt.Sprintf("push.%s 0x%x", c.Size, c.Value)
}

func (c *Pop) String() string          { return fmt.Sprintf("pop.%s %s", c.Size, c.Store) }
func (c *Dup) String() string          { return fmt.Sprintf("dup.%s %d", c.Size, c.Depth) }
func (c *ContextLoad) String() string  { return "ctx.load " + c.Reg.Name(c.Size) }
func (c *ContextStore) String() string { return "ctx.store " + c.Reg.Name(c.Size) }
func (*FlagsLoad) String() string      { return "flags.load" }
func (*FlagsStore) String() string     { return "flags.store" }
func (c *MemRead) String() string      { return fmt.Sprintf("mem.read.%s", c.Size) }
func (c *MemWrite) String() string     { return fmt.Sprintf("mem.write.%s", c.Size) }
func (c *Arith) String() string        { return fmt.Sprintf("%s.%s", c.Op, c.Size) }
func (c *Logic) String() string        { return fmt.Sprintf("%s.%s", c.Op, c.Size) }
func (c *Resize) String() string       { return fmt.Sprintf("resize %s<-%s", c.To, c.From) }
func (c *SignExtend) String() string   { return fmt.Sprintf("sext %s<-%s", c.To, c.From) }

func (c *Branch) String() string {
	if c.Cond == codec.CondAlways {
		return "br " + c.Taken.String()
	}
	return fmt.Sprintf("br.%s %s, %s", c.Cond, c.Taken, c.NotTaken)
}

func (c *Call) String() string { return "call " + c.Target.String() }
func (*Ret) String() string    { return "ret" }

func (c *ExecX86) String() string {
	return fmt.Sprintf("x86 0x%x [% x]", c.RVA, c.Raw)
}
