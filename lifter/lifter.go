package lifter

import (
	"fmt"

	"github.com/colorfulnotion/virtx/codec"
	"github.com/colorfulnotion/virtx/ir"
	"golang.org/x/arch/x86/x86asm"
)

// DestMode says how the first operand participates in an instruction.
type DestMode uint8

const (
	// DestReadWrite reads operand 0 and writes the result back to it.
	DestReadWrite DestMode = iota
	// DestWrite only writes operand 0.
	DestWrite
	// DestRead only reads operand 0; the result is discarded.
	DestRead
)

// Shape is one operand position of a signature. Size 0 matches any width.
type Shape struct {
	Kind codec.OperandKind
	Size ir.Size
}

func (s Shape) String() string {
	if s.Size == 0 {
		return s.Kind.String()
	}
	return fmt.Sprintf("%s%s", s.Kind, s.Size)
}

func (s Shape) matches(op codec.Operand) bool {
	return s.Kind == op.Kind && (s.Size == 0 || int(s.Size) == op.Size)
}

// Signature is an accepted operand tuple.
type Signature []Shape

func (sig Signature) matches(ops []codec.Operand) bool {
	if len(sig) != len(ops) {
		return false
	}
	for i, shape := range sig {
		if !shape.matches(ops[i]) {
			return false
		}
	}
	return true
}

// Lifter translates one mnemonic. The default flow encodes the destination
// per Dest, pushes every source, emits Transform or the handler call, and
// writes the result back. Encode replaces that flow entirely.
type Lifter struct {
	// Signatures lists accepted operand shapes; nil accepts any.
	Signatures []Signature
	Handler    ir.HandlerOp
	Dest       DestMode
	// AddressOf holds source indices encoded as effective addresses.
	AddressOf []int
	// ZeroExtendSources widens narrower register and memory sources.
	ZeroExtendSources bool
	// Transform replaces the handler call between operand encoding and
	// write back.
	Transform func(t *instTranslator) error
	Encode    func(t *instTranslator) error
}

// Accepts reports whether ops matches one of the lifter's signatures.
func (l *Lifter) Accepts(ops []codec.Operand) bool {
	if l.Signatures == nil {
		return true
	}
	for _, sig := range l.Signatures {
		if sig.matches(ops) {
			return true
		}
	}
	return false
}

func (l *Lifter) addressOf(idx int) bool {
	for _, i := range l.AddressOf {
		if i == idx {
			return true
		}
	}
	return false
}

// Lookup returns the lifter registered for op.
func Lookup(op x86asm.Op) (*Lifter, bool) {
	l, ok := table[op]
	return l, ok
}

// Supported returns whether op has a lifter.
func Supported(op x86asm.Op) bool {
	_, ok := table[op]
	return ok
}

// UnsupportedError reports an instruction the lifter cannot translate.
type UnsupportedError struct {
	RVA    uint64
	Op     x86asm.Op
	Detail string
	Err    error
}

func (e *UnsupportedError) Error() string {
	return fmt.Sprintf("unsupported %s at 0x%x: %s", e.Op, e.RVA, e.Detail)
}

func (e *UnsupportedError) Unwrap() error { return e.Err }
