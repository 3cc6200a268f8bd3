package handlers_test

import (
	"math/bits"
	"testing"

	"github.com/colorfulnotion/virtx/codec"
	"github.com/colorfulnotion/virtx/handlers"
	"github.com/colorfulnotion/virtx/interp"
	"github.com/colorfulnotion/virtx/ir"
	"github.com/colorfulnotion/virtx/vmerrors"
	"github.com/holiman/uint256"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var sizes = []ir.Size{ir.Size8, ir.Size16, ir.Size32, ir.Size64}

var samples = []uint64{
	0, 1, 2, 0x0f, 0x10, 0x7f, 0x80, 0xff, 0x7fff, 0x8000, 0xffff,
	0x7fffffff, 0x80000000, 0xffffffff, 0x7fffffffffffffff, 0x8000000000000000,
	^uint64(0), 0x123456789abcdef0,
}

// initial flag words: reserved bit only, and every status bit set
var initialFlags = []uint64{0x2, 0x2 | codec.MaskArith}

const statusMask = codec.MaskArith

func flag(cond bool, mask uint64) uint64 {
	if cond {
		return mask
	}
	return 0
}

func sign(s ir.Size, v uint64) bool { return v&s.SignBit() != 0 }

func resultFlags(s ir.Size, r uint64) uint64 {
	return flag(sign(s, r), codec.MaskSF) |
		flag(r == 0, codec.MaskZF) |
		flag(bits.OnesCount8(uint8(r))%2 == 0, codec.MaskPF)
}

func auxFlag(a, b, r uint64) uint64 {
	return flag((a^b^r)&0x10 != 0, codec.MaskAF)
}

func refAdd(s ir.Size, a, b uint64) (uint64, uint64) {
	r := (a + b) & s.Mask()
	carry := r < a
	of := sign(s, a) == sign(s, b) && sign(s, r) != sign(s, a)
	return r, flag(carry, codec.MaskCF) | flag(of, codec.MaskOF) | auxFlag(a, b, r) | resultFlags(s, r)
}

func refSub(s ir.Size, a, b uint64) (uint64, uint64) {
	r := (a - b) & s.Mask()
	of := sign(s, a) != sign(s, b) && sign(s, r) != sign(s, a)
	return r, flag(a < b, codec.MaskCF) | flag(of, codec.MaskOF) | auxFlag(a, b, r) | resultFlags(s, r)
}

// run applies op and returns the result and the full flags word.
func run(t *testing.T, op ir.HandlerOp, s ir.Size, flags uint64, operands ...uint64) (uint64, uint64) {
	t.Helper()
	m := interp.NewMachine()
	m.Flags = flags
	r, err := m.Apply(op, s, operands...)
	require.NoError(t, err)
	assert.Equal(t, 0, m.StackDepth())
	return r, m.Flags
}

func TestBinaryArithmetic(t *testing.T) {
	for _, s := range sizes {
		for _, start := range initialFlags {
			for _, x := range samples {
				for _, y := range samples {
					a, b := x&s.Mask(), y&s.Mask()

					r, f := run(t, ir.HAdd, s, start, a, b)
					wr, wf := refAdd(s, a, b)
					require.Equal(t, wr, r, "add.%s %#x %#x", s, a, b)
					require.Equal(t, start&^statusMask|wf, f, "add.%s %#x %#x flags", s, a, b)

					r, f = run(t, ir.HSub, s, start, a, b)
					wr, wf = refSub(s, a, b)
					require.Equal(t, wr, r, "sub.%s %#x %#x", s, a, b)
					require.Equal(t, start&^statusMask|wf, f, "sub.%s %#x %#x flags", s, a, b)

					_, f = run(t, ir.HCmp, s, start, a, b)
					require.Equal(t, start&^statusMask|wf, f, "cmp.%s %#x %#x flags", s, a, b)
				}
			}
		}
	}
}

func TestBitwiseLogic(t *testing.T) {
	defined := codec.MaskCF | codec.MaskOF | codec.MaskSF | codec.MaskZF | codec.MaskPF
	for _, s := range sizes {
		for _, start := range initialFlags {
			for _, x := range samples {
				for _, y := range samples {
					a, b := x&s.Mask(), y&s.Mask()
					cases := []struct {
						op   ir.HandlerOp
						want uint64
					}{
						{ir.HAnd, a & b},
						{ir.HOr, a | b},
						{ir.HXor, a ^ b},
					}
					for _, tc := range cases {
						r, f := run(t, tc.op, s, start, a, b)
						require.Equal(t, tc.want, r, "%s.%s", tc.op, s)
						require.Equal(t, start&^defined|resultFlags(s, tc.want), f, "%s.%s %#x %#x flags", tc.op, s, a, b)
					}
					_, f := run(t, ir.HTest, s, start, a, b)
					require.Equal(t, start&^defined|resultFlags(s, a&b), f)
				}
			}
		}
	}
}

func TestUnary(t *testing.T) {
	for _, s := range sizes {
		for _, start := range initialFlags {
			for _, x := range samples {
				a := x & s.Mask()

				// inc and dec keep CF
				r, f := run(t, ir.HInc, s, start, a)
				wr, wf := refAdd(s, a, 1)
				require.Equal(t, wr, r)
				require.Equal(t, start&^(statusMask&^codec.MaskCF)|wf&^codec.MaskCF, f, "inc.%s %#x", s, a)

				r, f = run(t, ir.HDec, s, start, a)
				wr, wf = refSub(s, a, 1)
				require.Equal(t, wr, r)
				require.Equal(t, start&^(statusMask&^codec.MaskCF)|wf&^codec.MaskCF, f, "dec.%s %#x", s, a)

				r, f = run(t, ir.HNeg, s, start, a)
				wr, wf = refSub(s, 0, a)
				require.Equal(t, wr, r)
				require.Equal(t, start&^statusMask|wf, f, "neg.%s %#x", s, a)
				assert.Equal(t, a != 0, f&codec.MaskCF != 0)

				r, f = run(t, ir.HNot, s, start, a)
				require.Equal(t, ^a&s.Mask(), r)
				require.Equal(t, start, f)
			}
		}
	}
}

func TestShifts(t *testing.T) {
	defined := codec.MaskCF | codec.MaskOF | codec.MaskSF | codec.MaskZF | codec.MaskPF
	for _, s := range sizes {
		maxCount := uint64(s)
		switch s {
		case ir.Size32:
			maxCount = 31
		case ir.Size64:
			maxCount = 63
		}
		for _, start := range initialFlags {
			for _, x := range samples {
				a := x & s.Mask()
				for c := uint64(0); c <= maxCount; c++ {
					var wantShl, wantShr, wantSar uint64
					if c < uint64(s) {
						wantShl = a << c & s.Mask()
						wantShr = a >> c
						wantSar = uint64(int64(s.SignExtend(a))>>c) & s.Mask()
					} else {
						wantSar = uint64(int64(s.SignExtend(a))>>(uint64(s)-1)) & s.Mask()
					}

					r, f := run(t, ir.HShl, s, start, a, c)
					require.Equal(t, wantShl, r, "shl.%s %#x, %d", s, a, c)
					if c == 0 {
						require.Equal(t, start, f, "shl by zero keeps flags")
					} else {
						cf := a>>(uint64(s)-c)&1 == 1
						of := sign(s, wantShl) != cf
						want := flag(cf, codec.MaskCF) | flag(of, codec.MaskOF) | resultFlags(s, wantShl)
						require.Equal(t, start&^defined|want, f, "shl.%s %#x, %d flags", s, a, c)
					}

					r, f = run(t, ir.HShr, s, start, a, c)
					require.Equal(t, wantShr, r, "shr.%s %#x, %d", s, a, c)
					if c == 0 {
						require.Equal(t, start, f)
					} else {
						cf := a>>(c-1)&1 == 1
						want := flag(cf, codec.MaskCF) | flag(sign(s, a), codec.MaskOF) | resultFlags(s, wantShr)
						require.Equal(t, start&^defined|want, f, "shr.%s %#x, %d flags", s, a, c)
					}

					r, f = run(t, ir.HSar, s, start, a, c)
					require.Equal(t, wantSar, r, "sar.%s %#x, %d", s, a, c)
					if c == 0 {
						require.Equal(t, start, f)
					} else {
						cf := int64(s.SignExtend(a))>>(c-1)&1 == 1
						want := flag(cf, codec.MaskCF) | resultFlags(s, wantSar)
						require.Equal(t, start&^defined|want, f, "sar.%s %#x, %d flags", s, a, c)
					}
				}
			}
		}
	}
}

func TestShiftCountIsMasked(t *testing.T) {
	r, _ := run(t, ir.HShl, ir.Size32, 0x2, 1, 33)
	assert.Equal(t, uint64(2), r)
	r, _ = run(t, ir.HShl, ir.Size64, 0x2, 1, 65)
	assert.Equal(t, uint64(2), r)
}

// wide sign-extends a 64-bit value to 256 bits.
func wide(v uint64) *uint256.Int {
	x := uint256.NewInt(v)
	return x.ExtendSign(x, uint256.NewInt(7))
}

func TestImul(t *testing.T) {
	for _, s := range sizes {
		for _, start := range initialFlags {
			for _, x := range samples {
				for _, y := range samples {
					a, b := x&s.Mask(), y&s.Mask()
					prod := new(uint256.Int).Mul(wide(s.SignExtend(a)), wide(s.SignExtend(b)))
					r := (a * b) & s.Mask()
					overflow := !prod.Eq(wide(s.SignExtend(r)))

					got, f := run(t, ir.HImul, s, start, a, b)
					require.Equal(t, r, got, "imul.%s %#x %#x", s, a, b)
					want := flag(overflow, codec.MaskCF|codec.MaskOF)
					require.Equal(t, start&^(codec.MaskCF|codec.MaskOF)|want, f, "imul.%s %#x %#x flags", s, a, b)
				}
			}
		}
	}
}

func TestGenerate(t *testing.T) {
	body, err := handlers.Generate(ir.HAdd, ir.Size32)
	require.NoError(t, err)
	require.NotEmpty(t, body)
	assert.Equal(t, ir.CmdPop, body[0].Type())
	for _, c := range body {
		assert.False(t, ir.IsTerminator(c))
		assert.NotEqual(t, ir.CmdHandlerCall, c.Type())
	}

	again, err := handlers.Generate(ir.HAdd, ir.Size32)
	require.NoError(t, err)
	require.Len(t, again, len(body))
	for i := range body {
		assert.True(t, ir.IsSimilar(body[i], again[i]))
	}

	_, err = handlers.Generate(ir.HAdd, ir.Size(12))
	assert.True(t, errors.Is(err, vmerrors.ErrSignatureMismatch))
	_, err = handlers.Generate(ir.HandlerOp(0), ir.Size32)
	assert.True(t, errors.Is(err, vmerrors.ErrSignatureMismatch))

	assert.Len(t, handlers.Signatures(ir.HShl), 4)
	assert.Nil(t, handlers.Signatures(ir.HandlerOp(0)))
}

func TestCollect(t *testing.T) {
	p := ir.NewProgram()
	b := p.NewBlock(ir.KindVM, 0)
	b.Append(
		&ir.HandlerCall{Op: ir.HSub, Size: ir.Size64},
		&ir.HandlerCall{Op: ir.HInc, Size: ir.Size32},
		&ir.HandlerCall{Op: ir.HSub, Size: ir.Size64},
	)
	m, err := handlers.Collect(p)
	require.NoError(t, err)
	assert.Len(t, m, 2)
	assert.Equal(t, []handlers.Key{{Op: ir.HSub, Size: ir.Size64}, {Op: ir.HInc, Size: ir.Size32}}, handlers.SortedKeys(m))
	assert.Equal(t, "inc.32", handlers.Key{Op: ir.HInc, Size: ir.Size32}.String())
}
