package interp

import (
	"fmt"

	"github.com/colorfulnotion/virtx/codec"
	"github.com/colorfulnotion/virtx/handlers"
	"github.com/colorfulnotion/virtx/ir"
	"github.com/colorfulnotion/virtx/log"
	"github.com/colorfulnotion/virtx/vmerrors"
	"github.com/holiman/uint256"
	"github.com/pkg/errors"
)

// DefaultStepLimit bounds Run when no limit is given.
const DefaultStepLimit = 1 << 20

type ExitReason uint8

const (
	// ExitExternal is a branch to an RVA outside the program.
	ExitExternal ExitReason = iota
	// ExitNative is an ExecX86 command; the instruction is not executed.
	ExitNative
)

func (r ExitReason) String() string {
	if r == ExitNative {
		return "native"
	}
	return "external"
}

// Exit describes where Run left the virtual machine.
type Exit struct {
	Reason ExitReason
	RVA    uint64
	Steps  int
}

// Err reports a native exit as ErrNativeExit, for callers that require the
// whole run to stay inside the VM.
func (e Exit) Err() error {
	if e.Reason == ExitNative {
		return errors.Wrapf(vmerrors.ErrNativeExit, "at 0x%x", e.RVA)
	}
	return nil
}

type entry struct {
	size ir.Size
	v    uint64
}

// Machine evaluates IR against a guest register file and sparse memory.
type Machine struct {
	Regs      [codec.GPRCount]uint64
	Flags     uint64
	Mem       map[uint64]byte
	ImageBase uint64

	stack    []entry
	stores   map[uint32]uint64
	handlers map[handlers.Key][]ir.Command
}

func NewMachine() *Machine {
	return &Machine{
		Mem:      make(map[uint64]byte),
		stores:   make(map[uint32]uint64),
		handlers: make(map[handlers.Key][]ir.Command),
	}
}

// StackDepth returns the number of entries on the value stack.
func (m *Machine) StackDepth() int { return len(m.stack) }

func (m *Machine) Push(size ir.Size, v uint64) {
	m.stack = append(m.stack, entry{size: size, v: v & size.Mask()})
}

func (m *Machine) Pop(size ir.Size) (uint64, error) {
	if len(m.stack) == 0 {
		return 0, errors.WithStack(vmerrors.ErrStackUnderflow)
	}
	top := m.stack[len(m.stack)-1]
	if top.size != size {
		return 0, errors.Wrapf(vmerrors.ErrStackSize, "popped %s bits, want %s", top.size, size)
	}
	m.stack = m.stack[:len(m.stack)-1]
	return top.v, nil
}

func (m *Machine) ReadMem(addr uint64, size ir.Size) uint64 {
	var v uint64
	for i := 0; i < size.Bytes(); i++ {
		v |= uint64(m.Mem[addr+uint64(i)]) << (8 * i)
	}
	return v
}

func (m *Machine) WriteMem(addr uint64, size ir.Size, v uint64) {
	for i := 0; i < size.Bytes(); i++ {
		m.Mem[addr+uint64(i)] = byte(v >> (8 * i))
	}
}

func (m *Machine) handler(op ir.HandlerOp, size ir.Size) ([]ir.Command, error) {
	key := handlers.Key{Op: op, Size: size}
	if body, ok := m.handlers[key]; ok {
		return body, nil
	}
	body, err := handlers.Generate(op, size)
	if err != nil {
		return nil, err
	}
	m.handlers[key] = body
	return body, nil
}

func (m *Machine) callHandler(c *ir.HandlerCall) error {
	body, err := m.handler(c.Op, c.Size)
	if err != nil {
		return err
	}
	local := make(map[uint32]uint64)
	for _, hc := range body {
		if err := m.step(hc, local); err != nil {
			return errors.Wrapf(err, "handler %s.%s: %s", c.Op, c.Size, hc)
		}
	}
	return nil
}

// Apply runs one handler on operands and returns its result, if any.
func (m *Machine) Apply(op ir.HandlerOp, size ir.Size, operands ...uint64) (uint64, error) {
	if len(operands) != op.Operands() {
		return 0, fmt.Errorf("%s takes %d operands, got %d", op, op.Operands(), len(operands))
	}
	depth := len(m.stack)
	for _, v := range operands {
		m.Push(size, v)
	}
	if err := m.callHandler(&ir.HandlerCall{Op: op, Size: size}); err != nil {
		return 0, err
	}
	var r uint64
	if op.Results() == 1 {
		v, err := m.Pop(size)
		if err != nil {
			return 0, err
		}
		r = v
	}
	vmerrors.Assert(len(m.stack) == depth, "handler %s.%s left %d entries", op, size, len(m.stack)-depth)
	return r, nil
}

// Exec runs straight-line commands against the VM stores.
func (m *Machine) Exec(cmds []ir.Command) error {
	for _, c := range cmds {
		if err := m.step(c, m.stores); err != nil {
			return errors.Wrapf(err, "%s", c)
		}
	}
	return nil
}

// step executes one command without control flow.
func (m *Machine) step(c ir.Command, stores map[uint32]uint64) error {
	switch x := c.(type) {
	case *ir.VmEnter, *ir.VmExit:
	case *ir.HandlerCall:
		return m.callHandler(x)
	case *ir.Push:
		v := x.Value
		switch {
		case x.Store.Valid():
			sv, ok := stores[x.Store.ID]
			if !ok {
				return fmt.Errorf("store %s read before write", x.Store)
			}
			v = sv
		case x.Rel:
			v += m.ImageBase
		}
		m.Push(x.Size, v)
	case *ir.Pop:
		v, err := m.Pop(x.Size)
		if err != nil {
			return err
		}
		if x.Store.Valid() {
			stores[x.Store.ID] = v
		}
	case *ir.Dup:
		idx := len(m.stack) - 1 - int(x.Depth)
		if idx < 0 {
			return errors.WithStack(vmerrors.ErrStackUnderflow)
		}
		if m.stack[idx].size != x.Size {
			return errors.Wrapf(vmerrors.ErrStackSize, "dup of %s bits, want %s", m.stack[idx].size, x.Size)
		}
		m.stack = append(m.stack, m.stack[idx])
	case *ir.ContextLoad:
		m.Push(x.Size, m.Regs[x.Reg])
	case *ir.ContextStore:
		v, err := m.Pop(x.Size)
		if err != nil {
			return err
		}
		m.Regs[x.Reg] = m.Regs[x.Reg]&^x.Size.Mask() | v
	case *ir.FlagsLoad:
		m.Push(ir.Size64, m.Flags)
	case *ir.FlagsStore:
		v, err := m.Pop(ir.Size64)
		if err != nil {
			return err
		}
		m.Flags = v
	case *ir.MemRead:
		addr, err := m.Pop(ir.Size64)
		if err != nil {
			return err
		}
		m.Push(x.Size, m.ReadMem(addr, x.Size))
	case *ir.MemWrite:
		v, err := m.Pop(x.Size)
		if err != nil {
			return err
		}
		addr, err := m.Pop(ir.Size64)
		if err != nil {
			return err
		}
		m.WriteMem(addr, x.Size, v)
	case *ir.Arith:
		b, a, err := m.pop2(x.Size)
		if err != nil {
			return err
		}
		m.Push(x.Size, arith(x.Op, x.Size, a, b))
	case *ir.Logic:
		if x.Op.Unary() {
			a, err := m.Pop(x.Size)
			if err != nil {
				return err
			}
			m.Push(x.Size, ^a)
			return nil
		}
		b, a, err := m.pop2(x.Size)
		if err != nil {
			return err
		}
		m.Push(x.Size, logic(x.Op, x.Size, a, b))
	case *ir.Resize:
		v, err := m.Pop(x.From)
		if err != nil {
			return err
		}
		m.Push(x.To, v)
	case *ir.SignExtend:
		v, err := m.Pop(x.From)
		if err != nil {
			return err
		}
		m.Push(x.To, x.From.SignExtend(v))
	default:
		return fmt.Errorf("%s is not a straight-line command", c.Type())
	}
	return nil
}

func (m *Machine) pop2(size ir.Size) (top, below uint64, err error) {
	if top, err = m.Pop(size); err != nil {
		return
	}
	below, err = m.Pop(size)
	return
}

func arith(op ir.ArithOp, s ir.Size, a, b uint64) uint64 {
	switch op {
	case ir.Add:
		return a + b
	case ir.Sub:
		return a - b
	case ir.Mul:
		return a * b
	case ir.MulHigh:
		prod := new(uint256.Int).Mul(signed(s, a), signed(s, b))
		return prod.Rsh(prod, uint(s)).Uint64()
	}
	panic(fmt.Sprintf("interp: arith op %d", op))
}

// signed widens a value of width s to 256 bits in two's complement.
func signed(s ir.Size, v uint64) *uint256.Int {
	x := uint256.NewInt(v)
	return x.ExtendSign(x, uint256.NewInt(uint64(s.Bytes()-1)))
}

// logic shifts by counts of at least the width saturate.
func logic(op ir.LogicOp, s ir.Size, a, b uint64) uint64 {
	switch op {
	case ir.And:
		return a & b
	case ir.Or:
		return a | b
	case ir.Xor:
		return a ^ b
	case ir.Shl:
		if b >= uint64(s) {
			return 0
		}
		return a << b
	case ir.Shr:
		if b >= uint64(s) {
			return 0
		}
		return a >> b
	case ir.Sar:
		if b >= uint64(s) {
			b = uint64(s) - 1
		}
		return uint64(int64(s.SignExtend(a)) >> b)
	}
	panic(fmt.Sprintf("interp: logic op %d", op))
}

type frame struct {
	block *ir.Block
	pc    int
}

// Run executes prog from entry until control leaves the VM.
func (m *Machine) Run(prog *ir.Program, entry ir.BlockID, limit int) (Exit, error) {
	if limit <= 0 {
		limit = DefaultStepLimit
	}
	start := prog.Block(entry)
	if start == nil {
		return Exit{}, errors.Wrapf(vmerrors.ErrUnknownBlock, "entry %s", entry)
	}
	frames := []frame{{block: start}}
	steps := 0
	for {
		top := &frames[len(frames)-1]
		if top.pc >= len(top.block.Commands) {
			return Exit{Steps: steps}, fmt.Errorf("block %s ends without a terminator", top.block.ID)
		}
		c := top.block.Commands[top.pc]
		top.pc++
		steps++
		if steps > limit {
			return Exit{Steps: steps}, errors.Wrapf(vmerrors.ErrStepLimit, "after %d steps", limit)
		}

		switch x := c.(type) {
		case *ir.Branch:
			t := x.Taken
			if x.Cond != codec.CondAlways {
				flags, err := m.Pop(ir.Size64)
				if err != nil {
					return Exit{Steps: steps}, err
				}
				if !x.Cond.Eval(flags) {
					t = x.NotTaken
				}
			}
			if t.External {
				return Exit{Reason: ExitExternal, RVA: t.RVA, Steps: steps}, nil
			}
			next := prog.Block(t.Block)
			if next == nil {
				return Exit{Steps: steps}, errors.Wrapf(vmerrors.ErrUnknownBlock, "branch to %s", t.Block)
			}
			frames = frames[:1]
			frames[0] = frame{block: next}
		case *ir.Call:
			callee := prog.Block(x.Target)
			if callee == nil {
				return Exit{Steps: steps}, errors.Wrapf(vmerrors.ErrUnknownBlock, "call to %s", x.Target)
			}
			frames = append(frames, frame{block: callee})
		case *ir.Ret:
			if len(frames) == 1 {
				return Exit{Steps: steps}, errors.Wrapf(vmerrors.ErrStackUnderflow, "ret without call in %s", top.block.ID)
			}
			frames = frames[:len(frames)-1]
		case *ir.ExecX86:
			log.Trace(log.InterpMonitoring, "native exit", "rva", fmt.Sprintf("0x%x", x.RVA))
			return Exit{Reason: ExitNative, RVA: x.RVA, Steps: steps}, nil
		default:
			if err := m.step(c, m.stores); err != nil {
				return Exit{Steps: steps}, errors.Wrapf(err, "%s[%d] %s", top.block.ID, top.pc-1, c)
			}
		}
	}
}
