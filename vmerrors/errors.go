package vmerrors

import (
	"errors"
	"fmt"
	"strings"
)

// Exploration (X) Errors
var (
	ErrDecode       = errors.New("X1|Decode: Bytes at the address do not decode to a valid instruction.")
	ErrEmptySegment = errors.New("X2|EmptySegment: Entry address lies outside the code segment.")
)

// Lifting (L) Errors
var (
	ErrUnsupportedMnemonic = errors.New("L1|UnsupportedMnemonic: No lifter is registered for the mnemonic.")
	ErrUnsupportedOperand  = errors.New("L2|UnsupportedOperand: Operand shape is not accepted by the lifter.")
	ErrSignatureMismatch   = errors.New("L3|SignatureMismatch: No handler body exists for the operation width.")
	ErrUnknownBlock        = errors.New("L4|UnknownBlock: Block handle does not name a block in the program.")
)

// Evaluation (E) Errors
var (
	ErrStackUnderflow = errors.New("E1|StackUnderflow: Command popped from an empty value stack.")
	ErrStackSize      = errors.New("E2|StackSize: Popped entry width differs from the command width.")
	ErrNativeExit     = errors.New("E3|NativeExit: Execution left the virtual machine.")
	ErrStepLimit      = errors.New("E4|StepLimit: Step budget exhausted.")
)

// Pipeline (P) Errors
var (
	ErrDigestMismatch = errors.New("P1|DigestMismatch: Program digest differs from the expected digest.")
)

// InvariantError is raised through panic when an internal consistency check fails.
type InvariantError struct {
	Msg string
}

func (e *InvariantError) Error() string {
	return "invariant violated: " + e.Msg
}

// Assert panics with an *InvariantError when cond is false.
func Assert(cond bool, format string, args ...interface{}) {
	if !cond {
		panic(&InvariantError{Msg: fmt.Sprintf(format, args...)})
	}
}

// Recover converts a recovered *InvariantError into err. Other panics propagate.
func Recover(err *error) {
	r := recover()
	if r == nil {
		return
	}
	if inv, ok := r.(*InvariantError); ok {
		*err = inv
		return
	}
	panic(r)
}

// root returns the innermost error of a wrap chain.
func root(err error) error {
	for {
		next := errors.Unwrap(err)
		if next == nil {
			return err
		}
		err = next
	}
}

// GetErrorName extracts the error name from the innermost wrapped error.
func GetErrorName(err error) string {
	if err == nil {
		return "No Error"
	}
	errStr := root(err).Error()
	if !strings.Contains(errStr, "|") || !strings.Contains(errStr, ":") {
		return errStr
	}
	parts := strings.SplitN(errStr, "|", 2)
	nameParts := strings.SplitN(parts[1], ":", 2)
	return strings.TrimSpace(nameParts[0])
}

// GetErrorCode extracts the error code from the innermost wrapped error.
// Invariant violations report "INV".
func GetErrorCode(err error) string {
	if err == nil {
		return ""
	}
	var inv *InvariantError
	if errors.As(err, &inv) {
		return "INV"
	}
	errStr := root(err).Error()
	if !strings.Contains(errStr, "|") {
		return ""
	}
	parts := strings.SplitN(errStr, "|", 2)
	return strings.TrimSpace(parts[0])
}
