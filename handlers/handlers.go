package handlers

import (
	"github.com/colorfulnotion/virtx/codec"
	"github.com/colorfulnotion/virtx/ir"
	"github.com/colorfulnotion/virtx/vmerrors"
	"github.com/pkg/errors"
	"golang.org/x/exp/slices"
)

// Key identifies one generated handler body.
type Key struct {
	Op   ir.HandlerOp
	Size ir.Size
}

func (k Key) String() string { return k.Op.String() + "." + k.Size.String() }

type generator func(g *gen, s ir.Size)

var generators = map[ir.HandlerOp]generator{
	ir.HAdd:  genAddSub(ir.Add, true),
	ir.HSub:  genAddSub(ir.Sub, true),
	ir.HCmp:  genAddSub(ir.Sub, false),
	ir.HAnd:  genLogic(ir.And, true),
	ir.HOr:   genLogic(ir.Or, true),
	ir.HXor:  genLogic(ir.Xor, true),
	ir.HTest: genLogic(ir.And, false),
	ir.HInc:  genIncDec(ir.Add),
	ir.HDec:  genIncDec(ir.Sub),
	ir.HNeg:  genNeg,
	ir.HNot:  genNot,
	ir.HShl:  genShift(ir.Shl),
	ir.HShr:  genShift(ir.Shr),
	ir.HSar:  genShift(ir.Sar),
	ir.HImul: genImul,
}

var allSizes = []ir.Size{ir.Size8, ir.Size16, ir.Size32, ir.Size64}

// Signatures returns the operand widths a handler can be built for.
func Signatures(op ir.HandlerOp) []ir.Size {
	if _, ok := generators[op]; !ok {
		return nil
	}
	return allSizes
}

// Supports reports whether Generate accepts (op, size).
func Supports(op ir.HandlerOp, size ir.Size) bool {
	return slices.Contains(Signatures(op), size)
}

// Generate returns the body of the handler for op at width size. Operands
// are consumed from the stack with the last operand on top; the result, if
// any, is pushed back.
func Generate(op ir.HandlerOp, size ir.Size) ([]ir.Command, error) {
	gf, ok := generators[op]
	if !ok || !Supports(op, size) {
		return nil, errors.Wrapf(vmerrors.ErrSignatureMismatch, "handler %s.%s", op, size)
	}
	g := newGen()
	gf(g, size)
	return g.b.Commands(), nil
}

// Collect generates every handler body referenced by a HandlerCall in prog.
func Collect(prog *ir.Program) (map[Key][]ir.Command, error) {
	out := make(map[Key][]ir.Command)
	for _, b := range prog.Blocks() {
		for _, c := range b.Commands {
			hc, ok := c.(*ir.HandlerCall)
			if !ok {
				continue
			}
			key := Key{hc.Op, hc.Size}
			if _, seen := out[key]; seen {
				continue
			}
			body, err := Generate(hc.Op, hc.Size)
			if err != nil {
				return nil, err
			}
			out[key] = body
		}
	}
	return out, nil
}

// SortedKeys orders handler keys by op, then width.
func SortedKeys(m map[Key][]ir.Command) []Key {
	keys := make([]Key, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	slices.SortFunc(keys, func(a, b Key) int {
		if a.Op != b.Op {
			return int(a.Op) - int(b.Op)
		}
		return int(a.Size) - int(b.Size)
	})
	return keys
}

func genAddSub(op ir.ArithOp, keep bool) generator {
	return func(g *gen, s ir.Size) {
		b := g.pop(s)
		a := g.pop(s)
		r := g.bind(s, arith(op, s, st(a), st(b)))

		bits := []flagBit{auxCarry(s, st(a), st(b), st(r))}
		if op == ir.Add {
			bits = append(bits, carryAdd(s, st(a), st(b), st(r)), overflowAdd(s, st(a), st(b), st(r)))
		} else {
			bits = append(bits, carrySub(s, st(a), st(b), st(r)), overflowSub(s, st(a), st(b), st(r)))
		}
		bits = append(bits, g.resultFlags(s, r)...)
		g.updateFlags(codec.MaskArith, bits...)
		if keep {
			g.b.PushStore(r)
		}
	}
}

func genLogic(op ir.LogicOp, keep bool) generator {
	return func(g *gen, s ir.Size) {
		b := g.pop(s)
		a := g.pop(s)
		r := g.bind(s, logic(op, s, st(a), st(b)))
		// CF and OF are cleared by the mask; AF is left as is
		g.updateFlags(codec.MaskCF|codec.MaskOF|codec.MaskSF|codec.MaskZF|codec.MaskPF, g.resultFlags(s, r)...)
		if keep {
			g.b.PushStore(r)
		}
	}
}

func genIncDec(op ir.ArithOp) generator {
	return func(g *gen, s ir.Size) {
		a := g.pop(s)
		one := k(s, 1)
		r := g.bind(s, arith(op, s, st(a), one))

		bits := []flagBit{auxCarry(s, st(a), one, st(r))}
		if op == ir.Add {
			bits = append(bits, overflowAdd(s, st(a), one, st(r)))
		} else {
			bits = append(bits, overflowSub(s, st(a), one, st(r)))
		}
		bits = append(bits, g.resultFlags(s, r)...)
		g.updateFlags(codec.MaskArith&^codec.MaskCF, bits...)
		g.b.PushStore(r)
	}
}

func genNeg(g *gen, s ir.Size) {
	a := g.pop(s)
	zero := k(s, 0)
	r := g.bind(s, sub(s, zero, st(a)))

	bits := []flagBit{
		auxCarry(s, zero, st(a), st(r)),
		carrySub(s, zero, st(a), st(r)),
		overflowSub(s, zero, st(a), st(r)),
	}
	bits = append(bits, g.resultFlags(s, r)...)
	g.updateFlags(codec.MaskArith, bits...)
	g.b.PushStore(r)
}

func genNot(g *gen, s ir.Size) {
	g.b.Logic(ir.Not, s)
}

func genShift(op ir.LogicOp) generator {
	return func(g *gen, s ir.Size) {
		countMask := uint64(31)
		if s == ir.Size64 {
			countMask = 63
		}
		raw := g.pop(s)
		a := g.pop(s)
		c := g.bind(s, and(s, st(raw), k(s, countMask)))
		r := g.bind(s, logic(op, s, st(a), st(c)))

		var carry, overflow expr
		switch op {
		case ir.Shl:
			carry = and(s, shr(s, st(a), sub(s, k(s, uint64(s)), st(c))), k(s, 1))
		case ir.Shr:
			carry = and(s, shr(s, st(a), sub(s, st(c), k(s, 1))), k(s, 1))
		default:
			carry = and(s, sar(s, st(a), sub(s, st(c), k(s, 1))), k(s, 1))
		}
		cf := g.bind(s, carry)
		switch op {
		case ir.Shl:
			overflow = xor(s, msb(s, st(r)), st(cf))
		case ir.Shr:
			overflow = msb(s, st(a))
		default:
			overflow = k(s, 0)
		}

		mask := codec.MaskCF | codec.MaskOF | codec.MaskSF | codec.MaskZF | codec.MaskPF
		bits := append([]flagBit{
			{codec.FlagCF, s, st(cf)},
			{codec.FlagOF, s, overflow},
		}, g.resultFlags(s, r)...)

		// a zero count leaves every flag untouched
		old := g.bind(ir.Size64, flagsWord())
		updated := g.bind(ir.Size64, withFlags(st(old), mask, bits...))
		c64 := g.bind(ir.Size64, zext(ir.Size64, s, st(c)))
		sel := g.bind(ir.Size64, sub(ir.Size64, k(ir.Size64, 0), nonZero(ir.Size64, c64)))
		g.push(or(ir.Size64,
			and(ir.Size64, st(updated), st(sel)),
			and(ir.Size64, st(old), not(ir.Size64, st(sel)))))
		g.b.FlagsStore()
		g.b.PushStore(r)
	}
}

func genImul(g *gen, s ir.Size) {
	b := g.pop(s)
	a := g.pop(s)
	r := g.bind(s, arith(ir.Mul, s, st(a), st(b)))

	var diff ir.Store
	if s == ir.Size64 {
		hi := arith(ir.MulHigh, ir.Size64, st(a), st(b))
		diff = g.bind(ir.Size64, xor(ir.Size64, hi, sar(ir.Size64, st(r), k(ir.Size64, 63))))
	} else {
		full := arith(ir.Mul, ir.Size64, sext(ir.Size64, s, st(a)), sext(ir.Size64, s, st(b)))
		diff = g.bind(ir.Size64, xor(ir.Size64, full, sext(ir.Size64, s, st(r))))
	}
	overflow := g.bind(ir.Size64, nonZero(ir.Size64, diff))
	g.updateFlags(codec.MaskCF|codec.MaskOF,
		flagBit{codec.FlagCF, ir.Size64, st(overflow)},
		flagBit{codec.FlagOF, ir.Size64, st(overflow)},
	)
	g.b.PushStore(r)
}
