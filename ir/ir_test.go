package ir

import (
	"testing"

	"github.com/colorfulnotion/virtx/codec"
	"github.com/colorfulnotion/virtx/vmerrors"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleCommands() []Command {
	var alloc StoreAllocator
	s := alloc.New(Size32)
	return NewBuilder().
		VmEnter().
		ContextLoad(0, Size32).
		Pop(s).
		PushStore(s).
		PushImm(Size32, 1).
		PushRel(0x40).
		Discard(Size64).
		HandlerCall(HAdd, Size32).
		Resize(Size64, Size32).
		ContextStore(0, Size64).
		FlagsLoad().
		FlagsStore().
		Dup(Size64, 0).
		MemRead(Size16).
		MemWrite(Size16).
		Arith(MulHigh, Size64).
		Logic(Shl, Size8).
		SignExtend(Size64, Size8).
		Call(3).
		Jump(ExternalTarget(0x2000)).
		Branch(codec.CondE, BlockTarget(1, 0x10), BlockTarget(2, 0x20)).
		ExecX86(0x30, []byte{0xff, 0xd0}).
		VmExit().
		Ret().
		Commands()
}

func TestSimilarityMatchesKey(t *testing.T) {
	a := sampleCommands()
	b := sampleCommands()
	for i := range a {
		for j := range b {
			similar := IsSimilar(a[i], b[j])
			assert.Equal(t, similar, SimilarityKey(a[i]) == SimilarityKey(b[j]), "%s vs %s", a[i], b[j])
			if i == j {
				assert.True(t, similar, a[i].String())
			}
		}
	}
}

func TestSimilarityIgnoresInlined(t *testing.T) {
	c := &HandlerCall{Op: HInc, Size: Size32}
	inl := CloneInlined(c)
	assert.True(t, IsInlined(inl))
	assert.False(t, IsInlined(c))
	assert.True(t, IsSimilar(c, inl))
	assert.Equal(t, SimilarityKey(c), SimilarityKey(inl))

	assert.False(t, IsSimilar(c, &HandlerCall{Op: HDec, Size: Size32}))
	assert.False(t, IsSimilar(c, &HandlerCall{Op: HInc, Size: Size64}))
	assert.False(t, IsSimilar(&ContextLoad{Reg: 0, Size: Size32}, &ContextLoad{Reg: 1, Size: Size32}))
	assert.False(t, IsSimilar(&Push{Size: Size32, Value: 1}, &Push{Size: Size32, Value: 2}))
	assert.False(t, IsSimilar(&Push{Size: Size64, Value: 1}, &Push{Size: Size64, Value: 1, Rel: true}))
	assert.False(t, IsSimilar(c, &Ret{}))
}

func TestCloneIsIndependent(t *testing.T) {
	for _, c := range sampleCommands() {
		d := Clone(c)
		assert.NotSame(t, c, d)
		assert.True(t, IsSimilar(c, d), c.String())
	}
	x := &ExecX86{RVA: 1, Raw: []byte{0x90}}
	y := Clone(x).(*ExecX86)
	y.Raw[0] = 0xcc
	assert.Equal(t, byte(0x90), x.Raw[0])
}

func TestStoreUsage(t *testing.T) {
	var alloc StoreAllocator
	s1 := alloc.New(Size8)
	s2 := alloc.New(Size64)
	assert.Equal(t, uint32(1), s1.ID)
	assert.Equal(t, 2, alloc.Count())

	assert.Equal(t, []Store{s2}, UseStores(&Push{Size: Size64, Store: s2}))
	assert.Nil(t, UseStores(&Push{Size: Size64, Value: 7}))
	assert.Equal(t, []Store{s1}, DefStores(&Pop{Size: Size8, Store: s1}))
	assert.Nil(t, DefStores(&Pop{Size: Size8}))
	assert.Equal(t, "_", Store{}.String())
}

func TestTerminators(t *testing.T) {
	assert.True(t, IsTerminator(&Branch{}))
	assert.True(t, IsTerminator(&Ret{}))
	assert.True(t, IsTerminator(&ExecX86{}))
	assert.False(t, IsTerminator(&Call{}))
	assert.False(t, IsOutlinable(&VmEnter{}))
	assert.False(t, IsOutlinable(&VmExit{}))
	assert.True(t, IsOutlinable(&Call{}))
	assert.True(t, IsOutlinable(&HandlerCall{Op: HAdd, Size: Size8}))
}

func TestSizes(t *testing.T) {
	assert.Equal(t, uint64(0xff), Size8.Mask())
	assert.Equal(t, ^uint64(0), Size64.Mask())
	assert.Equal(t, uint64(0x8000), Size16.SignBit())
	assert.Equal(t, ^uint64(0), Size8.SignExtend(0xff))
	assert.Equal(t, uint64(0x7f), Size8.SignExtend(0x7f))
	_, ok := SizeOf(12)
	assert.False(t, ok)
	s, ok := SizeOf(32)
	assert.True(t, ok)
	assert.Equal(t, Size32, s)

	b := NewBuilder().Resize(Size32, Size32).SignExtend(Size8, Size8)
	assert.Equal(t, 0, b.Len())
	b.PushImm(Size8, 0x1ff)
	assert.Equal(t, uint64(0xff), b.Commands()[0].(*Push).Value)
}

func TestProgramExpand(t *testing.T) {
	p := NewProgram()
	vm := p.NewBlock(KindVM, 0x1000)
	inner := p.NewBlock(KindShared, 0)
	outer := p.NewBlock(KindShared, 0)

	inner.Append(CloneInlined(&HandlerCall{Op: HInc, Size: Size32}), &Ret{})
	outer.Append(CloneInlined(&ContextLoad{Reg: 0, Size: Size32}), &Call{Target: inner.ID}, &Ret{})
	vm.Append(&VmEnter{}, &Call{Target: outer.ID}, &ContextStore{Reg: 0, Size: Size32}, &Branch{Taken: ExternalTarget(0x2000)})
	p.SetEntry(vm.ID)

	got, err := p.Expand(vm.ID)
	require.NoError(t, err)
	want := []Command{
		&VmEnter{},
		&ContextLoad{Reg: 0, Size: Size32},
		&HandlerCall{Op: HInc, Size: Size32},
		&ContextStore{Reg: 0, Size: Size32},
		&Branch{Taken: ExternalTarget(0x2000)},
	}
	require.Len(t, got, len(want))
	for i := range want {
		assert.True(t, IsSimilar(want[i], got[i]), "%d: %s vs %s", i, want[i], got[i])
	}

	_, err = p.Expand(42)
	assert.True(t, errors.Is(err, vmerrors.ErrUnknownBlock))

	assert.Equal(t, []uint64{0x1000}, p.ExternalEntries())
	id, ok := p.BlockByRVA(0x1000)
	assert.True(t, ok)
	assert.Equal(t, vm.ID, id)
	assert.Len(t, p.BlocksOf(KindShared), 2)
	assert.Equal(t, 4, p.CommandCount(KindVM))
}

func TestProgramCloneAndDigest(t *testing.T) {
	p := NewProgram()
	b := p.NewBlock(KindVM, 0x10)
	b.Append(sampleCommands()...)
	p.SetEntry(b.ID)

	q := p.Clone()
	assert.Equal(t, p.Digest(), q.Digest())
	assert.Equal(t, p.Listing(), q.Listing())

	q.Block(b.ID).Splice(1, 4, &Call{Target: 0})
	assert.NotEqual(t, p.Digest(), q.Digest())
	assert.Len(t, q.Block(b.ID).Commands, len(p.Block(b.ID).Commands)-2)
	assert.Nil(t, q.Block(-1))
}

func TestDuplicateVMBlockAsserts(t *testing.T) {
	p := NewProgram()
	p.NewBlock(KindVM, 0x10)
	assert.Panics(t, func() { p.NewBlock(KindVM, 0x10) })
	assert.NotPanics(t, func() { p.NewBlock(KindShared, 0) })
	assert.NotPanics(t, func() { p.NewBlock(KindShared, 0) })
}
