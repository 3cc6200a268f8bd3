package codec

import "golang.org/x/arch/x86/x86asm"

type BranchType uint8

const (
	BranchNone BranchType = iota
	BranchConditional
	BranchUnconditional
	BranchCall
	BranchReturn
)

var branchTypeNames = [...]string{"none", "conditional", "unconditional", "call", "return"}

func (b BranchType) String() string {
	if int(b) < len(branchTypeNames) {
		return branchTypeNames[b]
	}
	return "invalid"
}

// IsJump reports whether the branch type ends a basic block.
func (b BranchType) IsJump() bool {
	return b == BranchConditional || b == BranchUnconditional
}

// ClassifyBranch maps a mnemonic to its control-transfer class.
func ClassifyBranch(op x86asm.Op) BranchType {
	switch op {
	case x86asm.JA, x86asm.JAE, x86asm.JB, x86asm.JBE, x86asm.JE, x86asm.JNE,
		x86asm.JG, x86asm.JGE, x86asm.JL, x86asm.JLE, x86asm.JO, x86asm.JNO,
		x86asm.JP, x86asm.JNP, x86asm.JS, x86asm.JNS,
		x86asm.JCXZ, x86asm.JECXZ, x86asm.JRCXZ,
		x86asm.LOOP, x86asm.LOOPE, x86asm.LOOPNE:
		return BranchConditional
	case x86asm.JMP, x86asm.LJMP:
		return BranchUnconditional
	case x86asm.CALL, x86asm.LCALL:
		return BranchCall
	case x86asm.RET, x86asm.LRET, x86asm.IRET, x86asm.IRETD, x86asm.IRETQ:
		return BranchReturn
	}
	return BranchNone
}

// ResolveRelativeTarget returns the absolute target of a relative branch
// operand and its operand index. The index is -1 when the target is not
// statically known.
func ResolveRelativeTarget(inst x86asm.Inst, rva uint64) (uint64, int) {
	for i, arg := range inst.Args {
		if arg == nil {
			break
		}
		if rel, ok := arg.(x86asm.Rel); ok {
			return rva + uint64(inst.Len) + uint64(int64(rel)), i
		}
	}
	return 0, -1
}

// Condition is a flag predicate of a conditional jump.
type Condition uint8

const (
	CondAlways Condition = iota
	CondO
	CondNO
	CondB
	CondAE
	CondE
	CondNE
	CondBE
	CondA
	CondS
	CondNS
	CondP
	CondNP
	CondL
	CondGE
	CondLE
	CondG
)

var conditionNames = [...]string{"", "o", "no", "b", "ae", "e", "ne", "be", "a", "s", "ns", "p", "np", "l", "ge", "le", "g"}

func (c Condition) String() string {
	if int(c) < len(conditionNames) {
		return conditionNames[c]
	}
	return "invalid"
}

var jccConditions = map[x86asm.Op]Condition{
	x86asm.JO:  CondO,
	x86asm.JNO: CondNO,
	x86asm.JB:  CondB,
	x86asm.JAE: CondAE,
	x86asm.JE:  CondE,
	x86asm.JNE: CondNE,
	x86asm.JBE: CondBE,
	x86asm.JA:  CondA,
	x86asm.JS:  CondS,
	x86asm.JNS: CondNS,
	x86asm.JP:  CondP,
	x86asm.JNP: CondNP,
	x86asm.JL:  CondL,
	x86asm.JGE: CondGE,
	x86asm.JLE: CondLE,
	x86asm.JG:  CondG,
}

// ConditionOf returns the flag predicate of a Jcc. Register-tested jumps
// (jrcxz, loop) have none.
func ConditionOf(op x86asm.Op) (Condition, bool) {
	if op == x86asm.JMP {
		return CondAlways, true
	}
	c, ok := jccConditions[op]
	return c, ok
}

// Eval evaluates the predicate against an RFLAGS value.
func (c Condition) Eval(flags uint64) bool {
	bit := func(i uint) bool { return flags>>i&1 == 1 }
	switch c {
	case CondAlways:
		return true
	case CondO:
		return bit(FlagOF)
	case CondNO:
		return !bit(FlagOF)
	case CondB:
		return bit(FlagCF)
	case CondAE:
		return !bit(FlagCF)
	case CondE:
		return bit(FlagZF)
	case CondNE:
		return !bit(FlagZF)
	case CondBE:
		return bit(FlagCF) || bit(FlagZF)
	case CondA:
		return !bit(FlagCF) && !bit(FlagZF)
	case CondS:
		return bit(FlagSF)
	case CondNS:
		return !bit(FlagSF)
	case CondP:
		return bit(FlagPF)
	case CondNP:
		return !bit(FlagPF)
	case CondL:
		return bit(FlagSF) != bit(FlagOF)
	case CondGE:
		return bit(FlagSF) == bit(FlagOF)
	case CondLE:
		return bit(FlagZF) || bit(FlagSF) != bit(FlagOF)
	case CondG:
		return !bit(FlagZF) && bit(FlagSF) == bit(FlagOF)
	}
	return false
}
