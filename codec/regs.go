package codec

import "golang.org/x/arch/x86/x86asm"

// GPRCount is the number of general purpose registers in 64-bit mode.
const GPRCount = 16

// RegSize returns the width of a general purpose register in bits, or 0.
func RegSize(r x86asm.Reg) int {
	switch {
	case r >= x86asm.AL && r <= x86asm.R15B:
		return 8
	case r >= x86asm.AX && r <= x86asm.R15W:
		return 16
	case r >= x86asm.EAX && r <= x86asm.R15L:
		return 32
	case r >= x86asm.RAX && r <= x86asm.R15:
		return 64
	}
	return 0
}

// IsHighByte reports whether r is one of AH, CH, DH, BH.
func IsHighByte(r x86asm.Reg) bool {
	return r >= x86asm.AH && r <= x86asm.BH
}

// RegIndex returns the GPR number (0 = rax .. 15 = r15) of r.
func RegIndex(r x86asm.Reg) (int, bool) {
	switch {
	case r >= x86asm.AL && r <= x86asm.BL:
		return int(r - x86asm.AL), true
	case IsHighByte(r):
		return int(r - x86asm.AH), true
	case r >= x86asm.SPB && r <= x86asm.R15B:
		return int(r-x86asm.SPB) + 4, true
	case r >= x86asm.AX && r <= x86asm.R15W:
		return int(r - x86asm.AX), true
	case r >= x86asm.EAX && r <= x86asm.R15L:
		return int(r - x86asm.EAX), true
	case r >= x86asm.RAX && r <= x86asm.R15:
		return int(r - x86asm.RAX), true
	}
	return 0, false
}

// Reg64 returns the 64-bit register containing r.
func Reg64(r x86asm.Reg) (x86asm.Reg, bool) {
	idx, ok := RegIndex(r)
	if !ok {
		return 0, false
	}
	return x86asm.RAX + x86asm.Reg(idx), true
}

// RegOfSize returns the register with GPR number idx at the given width.
// Width 8 never yields a high-byte register.
func RegOfSize(idx int, size int) x86asm.Reg {
	if idx < 0 || idx >= GPRCount {
		return 0
	}
	switch size {
	case 8:
		if idx < 4 {
			return x86asm.AL + x86asm.Reg(idx)
		}
		return x86asm.SPB + x86asm.Reg(idx-4)
	case 16:
		return x86asm.AX + x86asm.Reg(idx)
	case 32:
		return x86asm.EAX + x86asm.Reg(idx)
	case 64:
		return x86asm.RAX + x86asm.Reg(idx)
	}
	return 0
}

type OperandKind uint8

const (
	OperandNone OperandKind = iota
	OperandReg
	OperandMem
	OperandImm
	OperandPtr
)

var operandKindNames = [...]string{"none", "reg", "mem", "imm", "ptr"}

func (k OperandKind) String() string {
	if int(k) < len(operandKindNames) {
		return operandKindNames[k]
	}
	return "invalid"
}

// Operand is the shape of one instruction argument.
type Operand struct {
	Kind OperandKind
	Size int // bits; immediates report their encoded width
	Arg  x86asm.Arg
}

// Operands returns the shapes of inst's arguments in Intel order.
func Operands(inst x86asm.Inst) []Operand {
	var ops []Operand
	for _, arg := range inst.Args {
		if arg == nil {
			break
		}
		var op Operand
		op.Arg = arg
		switch a := arg.(type) {
		case x86asm.Reg:
			op.Kind = OperandReg
			op.Size = RegSize(a)
		case x86asm.Mem:
			op.Kind = OperandMem
			op.Size = inst.MemBytes * 8
		case x86asm.Imm:
			op.Kind = OperandImm
			op.Size = ImmediateSize(inst)
		case x86asm.Rel:
			op.Kind = OperandPtr
			op.Size = inst.PCRel * 8
		default:
			op.Kind = OperandPtr
		}
		ops = append(ops, op)
	}
	return ops
}

// ImmediateSize returns the encoded width of inst's immediate in bits.
func ImmediateSize(inst x86asm.Inst) int {
	switch opcode := byte(inst.Opcode >> 24); {
	case opcode == 0x83, opcode == 0x6B, opcode == 0x6A, opcode == 0x80, opcode == 0x82,
		opcode == 0xC0, opcode == 0xC1, opcode == 0xD0, opcode == 0xD1, opcode == 0xC6, opcode == 0xF6, opcode == 0xA8,
		opcode >= 0xB0 && opcode <= 0xB7:
		return 8
	case opcode <= 0x3F && opcode&7 == 4:
		// al, imm8 forms of the arithmetic group
		return 8
	case opcode >= 0xB8 && opcode <= 0xBF && inst.DataSize == 64:
		return 64
	}
	if inst.DataSize == 16 {
		return 16
	}
	return 32
}
