package handlers

import (
	"github.com/colorfulnotion/virtx/codec"
	"github.com/colorfulnotion/virtx/ir"
)

// flagBit is one computed RFLAGS bit: e yields 0 or 1 at width size.
type flagBit struct {
	pos  uint64
	size ir.Size
	e    expr
}

// withFlags pushes old RFLAGS with mask cleared, ORed with every bit.
func withFlags(old expr, mask uint64, bits ...flagBit) expr {
	return func(g *gen) {
		and(ir.Size64, old, k(ir.Size64, ^mask))(g)
		for _, fb := range bits {
			shl(ir.Size64, zext(ir.Size64, fb.size, fb.e), k(ir.Size64, fb.pos))(g)
			g.b.Logic(ir.Or, ir.Size64)
		}
	}
}

// updateFlags rewrites the bits in mask of the live flags word.
func (g *gen) updateFlags(mask uint64, bits ...flagBit) {
	withFlags(flagsWord(), mask, bits...)(g)
	g.b.FlagsStore()
}

// parity binds 1 when the low byte of r has an even number of set bits.
func (g *gen) parity(s ir.Size, r ir.Store) ir.Store {
	t := g.bind(ir.Size8, zext(ir.Size8, s, st(r)))
	for _, n := range []uint64{4, 2, 1} {
		t = g.bind(ir.Size8, xor(ir.Size8, st(t), shr(ir.Size8, st(t), k(ir.Size8, n))))
	}
	return g.bind(ir.Size8, xor(ir.Size8, and(ir.Size8, st(t), k(ir.Size8, 1)), k(ir.Size8, 1)))
}

// resultFlags returns the SF, ZF and PF bits of an s-wide result.
func (g *gen) resultFlags(s ir.Size, r ir.Store) []flagBit {
	pf := g.parity(s, r)
	return []flagBit{
		{codec.FlagSF, s, msb(s, st(r))},
		{codec.FlagZF, s, xor(s, nonZero(s, r), k(s, 1))},
		{codec.FlagPF, ir.Size8, st(pf)},
	}
}

func auxCarry(s ir.Size, a, b, r expr) flagBit {
	return flagBit{codec.FlagAF, s, bit4(s, xor(s, xor(s, a, b), r))}
}

func carryAdd(s ir.Size, a, b, r expr) flagBit {
	return flagBit{codec.FlagCF, s, msb(s, or(s, and(s, a, b), and(s, or(s, a, b), not(s, r))))}
}

func carrySub(s ir.Size, a, b, r expr) flagBit {
	return flagBit{codec.FlagCF, s, msb(s, or(s, and(s, not(s, a), b), and(s, or(s, not(s, a), b), r)))}
}

func overflowAdd(s ir.Size, a, b, r expr) flagBit {
	return flagBit{codec.FlagOF, s, msb(s, and(s, xor(s, a, r), xor(s, b, r)))}
}

func overflowSub(s ir.Size, a, b, r expr) flagBit {
	return flagBit{codec.FlagOF, s, msb(s, and(s, xor(s, a, b), xor(s, a, r)))}
}
