package codec

// RFLAGS bit positions.
const (
	FlagCF = 0
	FlagPF = 2
	FlagAF = 4
	FlagZF = 6
	FlagSF = 7
	FlagOF = 11
)

const (
	MaskCF uint64 = 1 << FlagCF
	MaskPF uint64 = 1 << FlagPF
	MaskAF uint64 = 1 << FlagAF
	MaskZF uint64 = 1 << FlagZF
	MaskSF uint64 = 1 << FlagSF
	MaskOF uint64 = 1 << FlagOF

	// MaskArith covers every status flag an add/sub family op defines.
	MaskArith = MaskCF | MaskPF | MaskAF | MaskZF | MaskSF | MaskOF
)
