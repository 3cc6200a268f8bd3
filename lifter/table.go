package lifter

import (
	"github.com/colorfulnotion/virtx/codec"
	"github.com/colorfulnotion/virtx/ir"
	"golang.org/x/arch/x86/x86asm"
)

func reg(s ir.Size) Shape { return Shape{codec.OperandReg, s} }
func mem(s ir.Size) Shape { return Shape{codec.OperandMem, s} }
func imm(s ir.Size) Shape { return Shape{codec.OperandImm, s} }

var widths = []ir.Size{ir.Size8, ir.Size16, ir.Size32, ir.Size64}

// immWidths returns the immediate encodings x86 offers at operand width s.
func immWidths(s ir.Size) []ir.Size {
	if s == ir.Size8 {
		return []ir.Size{ir.Size8}
	}
	if s == ir.Size16 {
		return []ir.Size{ir.Size8, ir.Size16}
	}
	return []ir.Size{ir.Size8, ir.Size32}
}

func binarySigs() []Signature {
	var sigs []Signature
	for _, s := range widths {
		sigs = append(sigs,
			Signature{reg(s), reg(s)},
			Signature{reg(s), mem(s)},
			Signature{mem(s), reg(s)},
		)
		for _, is := range immWidths(s) {
			sigs = append(sigs, Signature{reg(s), imm(is)}, Signature{mem(s), imm(is)})
		}
	}
	return sigs
}

func unarySigs() []Signature {
	var sigs []Signature
	for _, s := range widths {
		sigs = append(sigs, Signature{reg(s)}, Signature{mem(s)})
	}
	return sigs
}

func shiftSigs() []Signature {
	var sigs []Signature
	for _, s := range widths {
		for _, dst := range []Shape{reg(s), mem(s)} {
			sigs = append(sigs, Signature{dst, imm(ir.Size8)}, Signature{dst, reg(ir.Size8)})
		}
	}
	return sigs
}

func extendSigs(from ...ir.Size) []Signature {
	var sigs []Signature
	for _, src := range from {
		for _, dst := range widths {
			if dst <= src {
				continue
			}
			sigs = append(sigs, Signature{reg(dst), reg(src)}, Signature{reg(dst), mem(src)})
		}
	}
	return sigs
}

func imulSigs() []Signature {
	var sigs []Signature
	for _, s := range []ir.Size{ir.Size16, ir.Size32, ir.Size64} {
		sigs = append(sigs, Signature{reg(s), reg(s)}, Signature{reg(s), mem(s)})
		for _, is := range immWidths(s) {
			sigs = append(sigs, Signature{reg(s), reg(s), imm(is)}, Signature{reg(s), mem(s), imm(is)})
		}
	}
	return sigs
}

func arithmetic(op ir.HandlerOp, dest DestMode) *Lifter {
	return &Lifter{Signatures: binarySigs(), Handler: op, Dest: dest}
}

func unary(op ir.HandlerOp) *Lifter {
	return &Lifter{Signatures: unarySigs(), Handler: op}
}

func shift(op ir.HandlerOp) *Lifter {
	return &Lifter{Signatures: shiftSigs(), Handler: op, ZeroExtendSources: true}
}

var relSigs = []Signature{{Shape{Kind: codec.OperandPtr}}}

// table is built once at package initialization and only read afterwards.
var table = map[x86asm.Op]*Lifter{
	x86asm.ADD:  arithmetic(ir.HAdd, DestReadWrite),
	x86asm.SUB:  arithmetic(ir.HSub, DestReadWrite),
	x86asm.AND:  arithmetic(ir.HAnd, DestReadWrite),
	x86asm.OR:   arithmetic(ir.HOr, DestReadWrite),
	x86asm.XOR:  arithmetic(ir.HXor, DestReadWrite),
	x86asm.CMP:  arithmetic(ir.HCmp, DestRead),
	x86asm.TEST: arithmetic(ir.HTest, DestRead),
	x86asm.INC:  unary(ir.HInc),
	x86asm.DEC:  unary(ir.HDec),
	x86asm.NEG:  unary(ir.HNeg),
	x86asm.NOT:  unary(ir.HNot),
	x86asm.SHL:  shift(ir.HShl),
	x86asm.SHR:  shift(ir.HShr),
	x86asm.SAR:  shift(ir.HSar),
	x86asm.IMUL: {Signatures: imulSigs(), Handler: ir.HImul, Encode: liftImul},
	x86asm.MOV: {
		Signatures: append(binarySigs(), Signature{reg(ir.Size64), imm(ir.Size64)}),
		Dest:       DestWrite,
	},
	x86asm.MOVZX: {
		Signatures: extendSigs(ir.Size8, ir.Size16),
		Dest:       DestWrite,
		Transform: func(t *instTranslator) error {
			t.b.Resize(t.size, t.operandSize(1))
			return nil
		},
	},
	x86asm.MOVSX: {
		Signatures: extendSigs(ir.Size8, ir.Size16),
		Dest:       DestWrite,
		Transform: func(t *instTranslator) error {
			t.b.SignExtend(t.size, t.operandSize(1))
			return nil
		},
	},
	x86asm.MOVSXD: {
		Signatures: extendSigs(ir.Size32),
		Dest:       DestWrite,
		Transform: func(t *instTranslator) error {
			t.b.SignExtend(t.size, ir.Size32)
			return nil
		},
	},
	x86asm.LEA: {
		Signatures: []Signature{
			{reg(ir.Size16), mem(0)}, {reg(ir.Size32), mem(0)}, {reg(ir.Size64), mem(0)},
		},
		Dest:      DestWrite,
		AddressOf: []int{1},
		Transform: func(t *instTranslator) error {
			t.b.Resize(t.size, ir.Size64)
			return nil
		},
	},
	x86asm.PUSH: {
		Signatures: []Signature{{reg(ir.Size64)}, {mem(ir.Size64)}, {imm(ir.Size8)}, {imm(ir.Size32)}},
		Encode:     liftPush,
	},
	x86asm.POP: {
		Signatures: []Signature{{reg(ir.Size64)}},
		Encode:     liftPop,
	},
	x86asm.NOP: {
		Encode: func(*instTranslator) error { return nil },
	},
	x86asm.JMP: {Signatures: relSigs, Encode: liftJump},
	x86asm.RET: {Signatures: []Signature{{}}, Encode: liftRet},
}

func init() {
	for op := range jccOps {
		table[op] = &Lifter{Signatures: relSigs, Encode: liftJump}
	}
}

var jccOps = map[x86asm.Op]bool{
	x86asm.JO: true, x86asm.JNO: true, x86asm.JB: true, x86asm.JAE: true,
	x86asm.JE: true, x86asm.JNE: true, x86asm.JBE: true, x86asm.JA: true,
	x86asm.JS: true, x86asm.JNS: true, x86asm.JP: true, x86asm.JNP: true,
	x86asm.JL: true, x86asm.JGE: true, x86asm.JLE: true, x86asm.JG: true,
}
