package interp

import (
	"testing"

	"github.com/colorfulnotion/virtx/codec"
	"github.com/colorfulnotion/virtx/ir"
	"github.com/colorfulnotion/virtx/vmerrors"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStackDiscipline(t *testing.T) {
	m := NewMachine()
	_, err := m.Pop(ir.Size32)
	assert.True(t, errors.Is(err, vmerrors.ErrStackUnderflow))

	m.Push(ir.Size16, 0x12345)
	_, err = m.Pop(ir.Size32)
	assert.True(t, errors.Is(err, vmerrors.ErrStackSize))
	v, err := m.Pop(ir.Size16)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x2345), v)
	assert.Zero(t, m.StackDepth())
}

func TestExecStraightLine(t *testing.T) {
	m := NewMachine()
	m.Regs[0] = 0xffffffffffffffff
	s := ir.Store{ID: 1, Size: ir.Size32}
	cmds := ir.NewBuilder().
		PushImm(ir.Size32, 0x80).
		SignExtend(ir.Size64, ir.Size32).
		Pop(ir.Store{ID: 2, Size: ir.Size64}).
		PushImm(ir.Size32, 7).
		Pop(s).
		PushStore(s).
		PushImm(ir.Size32, 3).
		Arith(ir.Sub, ir.Size32).
		Resize(ir.Size16, ir.Size32).
		ContextStore(0, ir.Size16).
		PushImm(ir.Size64, 0x100).
		PushImm(ir.Size8, 0xab).
		MemWrite(ir.Size8).
		Commands()
	require.NoError(t, m.Exec(cmds))
	assert.Equal(t, uint64(0xffffffffffff0004), m.Regs[0])
	assert.Equal(t, uint64(0xab), m.ReadMem(0x100, ir.Size8))
	assert.Zero(t, m.StackDepth())

	err := m.Exec([]ir.Command{&ir.Push{Size: ir.Size32, Store: ir.Store{ID: 9, Size: ir.Size32}}})
	assert.Error(t, err)
}

func TestShiftSaturation(t *testing.T) {
	assert.Zero(t, logic(ir.Shl, ir.Size32, 1, 32))
	assert.Zero(t, logic(ir.Shr, ir.Size64, 1<<63, 64))
	assert.Equal(t, ^uint64(0), logic(ir.Sar, ir.Size8, 0x80, 9))
	assert.Equal(t, ^uint64(0), arith(ir.MulHigh, ir.Size64, ^uint64(0), 1))
}

func program(t *testing.T) *ir.Program {
	t.Helper()
	prog := ir.NewProgram()
	entry := prog.NewBlock(ir.KindVM, 0x1000)
	shared := prog.NewBlock(ir.KindShared, 0)
	shared.Append(ir.NewBuilder().
		ContextLoad(0, ir.Size64).
		PushImm(ir.Size64, 1).
		Arith(ir.Add, ir.Size64).
		ContextStore(0, ir.Size64).
		Ret().Commands()...)
	entry.Append(ir.NewBuilder().
		VmEnter().
		Call(shared.ID).
		Call(shared.ID).
		ContextLoad(0, ir.Size64).
		PushImm(ir.Size64, 2).
		HandlerCall(ir.HCmp, ir.Size64).
		FlagsLoad().
		Branch(codec.CondE, ir.ExternalTarget(0x2000), ir.ExternalTarget(0x3000)).
		Commands()...)
	prog.SetEntry(entry.ID)
	return prog
}

func TestRunCallsAndBranches(t *testing.T) {
	prog := program(t)

	m := NewMachine()
	exit, err := m.Run(prog, prog.Entry(), 0)
	require.NoError(t, err)
	assert.Equal(t, ExitExternal, exit.Reason)
	assert.Equal(t, uint64(0x2000), exit.RVA)
	assert.Equal(t, uint64(2), m.Regs[0])
	assert.NoError(t, exit.Err())

	m = NewMachine()
	m.Regs[0] = 5
	exit, err = m.Run(prog, prog.Entry(), 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x3000), exit.RVA)
}

func TestRunLimitsAndErrors(t *testing.T) {
	prog := ir.NewProgram()
	loop := prog.NewBlock(ir.KindVM, 0x1000)
	loop.Append(&ir.Branch{Cond: codec.CondAlways, Taken: ir.BlockTarget(loop.ID, 0x1000)})

	_, err := NewMachine().Run(prog, loop.ID, 100)
	assert.True(t, errors.Is(err, vmerrors.ErrStepLimit))

	_, err = NewMachine().Run(prog, 7, 0)
	assert.True(t, errors.Is(err, vmerrors.ErrUnknownBlock))

	open := prog.NewBlock(ir.KindVM, 0x2000)
	open.Append(&ir.VmEnter{})
	_, err = NewMachine().Run(prog, open.ID, 0)
	assert.Error(t, err)

	stray := prog.NewBlock(ir.KindVM, 0x3000)
	stray.Append(&ir.Ret{})
	_, err = NewMachine().Run(prog, stray.ID, 0)
	assert.True(t, errors.Is(err, vmerrors.ErrStackUnderflow))
}

func TestNativeExit(t *testing.T) {
	prog := ir.NewProgram()
	b := prog.NewBlock(ir.KindVM, 0x1000)
	b.Append(ir.NewBuilder().VmEnter().VmExit().ExecX86(0x1000, []byte{0x0f, 0xa2}).Commands()...)

	exit, err := NewMachine().Run(prog, b.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, ExitNative, exit.Reason)
	assert.Equal(t, 3, exit.Steps)
	assert.True(t, errors.Is(exit.Err(), vmerrors.ErrNativeExit))
}
