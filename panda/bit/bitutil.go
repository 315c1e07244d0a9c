package bit

import "math/bits"

// Combine64 combines two 32 bit words into a 64 bit value, as used by register pairs.
func Combine64(high, low uint32) uint64 {
	return (uint64(high) << 32) | uint64(low)
}

// IsSet will check if the bit at the specified index is set to 1 or not.
func IsSet(index uint, value uint32) bool {
	return (value>>index)&1 == 1
}

// Clear will return the passed value with the bit at the specified index set to 0.
func Clear(index uint, value uint32) uint32 {
	return value &^ (1 << index)
}

// Set will return the passed value with the bit at the specified index set to 1.
func Set(index uint, value uint32) uint32 {
	return value | (1 << index)
}

// SetTo sets or clears the bit at index depending on on.
func SetTo(index uint, value uint32, on bool) uint32 {
	if on {
		return Set(index, value)
	}
	return Clear(index, value)
}

// ExtractBits extracts bits from highBit to lowBit (inclusive)
// Example: ExtractBits(0b11010110, 6, 4) -> 0b101 (extracts bits 6, 5, 4)
func ExtractBits(value uint32, highBit, lowBit uint) uint32 {
	width := highBit - lowBit + 1
	if width >= 32 {
		return value >> lowBit
	}
	return (value >> lowBit) & ((1 << width) - 1)
}

// SignExtend sign extends the low `width` bits of value to 32 bits.
func SignExtend(value uint32, width uint) uint32 {
	shift := 32 - width
	return uint32(int32(value<<shift) >> shift)
}

// RotateRight rotates value right by amount bits.
func RotateRight(value uint32, amount uint) uint32 {
	return bits.RotateLeft32(value, -int(amount&31))
}

// ByteSwap reverses the byte order of a 32 bit word.
func ByteSwap(value uint32) uint32 {
	return bits.ReverseBytes32(value)
}

// AlignDown rounds addr down to a multiple of align, which must be a power of two.
func AlignDown(addr, align uint32) uint32 {
	return addr &^ (align - 1)
}

// AlignUp rounds addr up to a multiple of align, which must be a power of two.
func AlignUp(addr, align uint32) uint32 {
	return (addr + align - 1) &^ (align - 1)
}

// IsAligned reports whether addr is a multiple of align.
func IsAligned(addr, align uint32) bool {
	return addr&(align-1) == 0
}
