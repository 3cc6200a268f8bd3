package ir

// HandlerOp names the generic operation behind a HandlerCall.
type HandlerOp uint8

const (
	HAdd HandlerOp = iota + 1
	HSub
	HCmp
	HAnd
	HOr
	HXor
	HTest
	HInc
	HDec
	HNeg
	HNot
	HShl
	HShr
	HSar
	HImul
)

var handlerOpNames = map[HandlerOp]string{
	HAdd: "add", HSub: "sub", HCmp: "cmp", HAnd: "and", HOr: "or", HXor: "xor",
	HTest: "test", HInc: "inc", HDec: "dec", HNeg: "neg", HNot: "not",
	HShl: "shl", HShr: "shr", HSar: "sar", HImul: "imul",
}

func (op HandlerOp) String() string {
	if name, ok := handlerOpNames[op]; ok {
		return name
	}
	return "invalid"
}

// Operands returns how many stack entries the handler consumes.
func (op HandlerOp) Operands() int {
	switch op {
	case HInc, HDec, HNeg, HNot:
		return 1
	}
	return 2
}

// Results returns how many stack entries the handler pushes.
func (op HandlerOp) Results() int {
	if op == HCmp || op == HTest {
		return 0
	}
	return 1
}

// WritesFlags reports whether the handler updates RFLAGS.
func (op HandlerOp) WritesFlags() bool {
	return op != HNot
}

type ArithOp uint8

const (
	Add ArithOp = iota + 1
	Sub
	Mul
	MulHigh // high half of the signed double-width product
)

var arithOpNames = [...]string{"", "add", "sub", "mul", "mulhi"}

func (op ArithOp) String() string {
	if int(op) < len(arithOpNames) && op != 0 {
		return arithOpNames[op]
	}
	return "invalid"
}

type LogicOp uint8

const (
	And LogicOp = iota + 1
	Or
	Xor
	Not
	Shl
	Shr
	Sar
)

var logicOpNames = [...]string{"", "and", "or", "xor", "not", "shl", "shr", "sar"}

func (op LogicOp) String() string {
	if int(op) < len(logicOpNames) && op != 0 {
		return logicOpNames[op]
	}
	return "invalid"
}

// Unary reports whether the operation consumes a single entry.
func (op LogicOp) Unary() bool { return op == Not }
