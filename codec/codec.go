package codec

import (
	"fmt"
	"strings"

	"github.com/colorfulnotion/virtx/vmerrors"
	"github.com/pkg/errors"
	"golang.org/x/arch/x86/x86asm"
)

// Mode is the decoder mode in bits.
const Mode = 64

// Inst is a decoded instruction placed at an RVA.
type Inst struct {
	x86asm.Inst
	RVA uint64
	Raw []byte
}

// End returns the RVA of the following instruction.
func (i Inst) End() uint64 {
	return i.RVA + uint64(i.Len)
}

func (i Inst) String() string {
	return fmt.Sprintf("0x%04x: %s", i.RVA, x86asm.IntelSyntax(i.Inst, i.RVA, nil))
}

// Decode decodes one instruction from buf[offset:maxOffset]. The returned
// instruction's RVA is offset; callers rebase it.
func Decode(buf []byte, maxOffset, offset int) (Inst, int, error) {
	if maxOffset > len(buf) {
		maxOffset = len(buf)
	}
	if offset < 0 || offset >= maxOffset {
		return Inst{}, 0, errors.Wrapf(vmerrors.ErrDecode, "offset %#x outside [0, %#x)", offset, maxOffset)
	}
	inst, err := x86asm.Decode(buf[offset:maxOffset], Mode)
	if err != nil {
		return Inst{}, 0, errors.Wrapf(vmerrors.ErrDecode, "offset %#x: %v", offset, err)
	}
	raw := make([]byte, inst.Len)
	copy(raw, buf[offset:offset+inst.Len])
	return Inst{Inst: inst, RVA: uint64(offset), Raw: raw}, inst.Len, nil
}

// Disassemble renders code as an address/bytes/mnemonic listing starting at base.
func Disassemble(code []byte, base uint64) string {
	var sb strings.Builder
	offset := 0
	for offset < len(code) {
		inst, length, err := Decode(code, len(code), offset)
		if err != nil {
			sb.WriteString(fmt.Sprintf("0x%04x: db 0x%02x\n", base+uint64(offset), code[offset]))
			offset++
			continue
		}
		var hexBytes []string
		for _, b := range inst.Raw {
			hexBytes = append(hexBytes, fmt.Sprintf("%02x", b))
		}
		sb.WriteString(fmt.Sprintf(
			"0x%04x: %-24s %s\n",
			base+uint64(offset),
			strings.Join(hexBytes, " "),
			x86asm.IntelSyntax(inst.Inst, base+uint64(offset), nil),
		))
		offset += length
	}
	return sb.String()
}
