package ir

import "fmt"

// Size is an operand width in bits.
type Size uint8

const (
	Size8  Size = 8
	Size16 Size = 16
	Size32 Size = 32
	Size64 Size = 64
)

func (s Size) Valid() bool {
	return s == Size8 || s == Size16 || s == Size32 || s == Size64
}

func (s Size) Bytes() int { return int(s) / 8 }

// Mask returns a value with the low s bits set.
func (s Size) Mask() uint64 {
	if s >= Size64 {
		return ^uint64(0)
	}
	return 1<<s - 1
}

// SignBit returns the most significant bit of an s-wide value.
func (s Size) SignBit() uint64 { return 1 << (s - 1) }

// SignExtend sign extends the low s bits of v to 64 bits.
func (s Size) SignExtend(v uint64) uint64 {
	shift := 64 - uint(s)
	return uint64(int64(v<<shift) >> shift)
}

func (s Size) String() string { return fmt.Sprintf("%d", uint8(s)) }

// SizeOf converts a bit width reported by the codec.
func SizeOf(bits int) (Size, bool) {
	s := Size(bits)
	return s, bits > 0 && bits <= 64 && s.Valid()
}

// Store is a discrete scratch value holder. ID 0 is the invalid store.
type Store struct {
	ID   uint32
	Size Size
}

func (s Store) Valid() bool { return s.ID != 0 }

func (s Store) String() string {
	if !s.Valid() {
		return "_"
	}
	return fmt.Sprintf("s%d", s.ID)
}

// StoreAllocator hands out stores with increasing ids starting at 1.
type StoreAllocator struct {
	next uint32
}

func (a *StoreAllocator) New(size Size) Store {
	a.next++
	return Store{ID: a.next, Size: size}
}

// Count returns the number of stores allocated so far.
func (a *StoreAllocator) Count() int { return int(a.next) }
