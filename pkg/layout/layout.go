// Package layout encodes the value-layout conventions every other package
// depends on: primitive footprints, stack alignment, and the integer
// width table with the min/max/mask values checked and wrapping
// arithmetic share. The i128/u128 widths ride the same table so every
// width takes one code path through range checks and truncation.
package layout

import "math/big"

// PointerSize is the host machine pointer width in bytes.
const PointerSize = 8

// Kind names a primitive's representation for width/alignment lookups.
type Kind int

const (
	Bool Kind = iota
	I8
	I16
	I32
	I64
	I128
	U8
	U16
	U32
	U64
	U128
	F32
	F64
	Char
	Pointer
)

// Info is a primitive's natural size, signedness, and the min/max/mask used
// by checked arithmetic and bit-truncating conversions.
type Info struct {
	Kind   Kind
	Bits   int
	Size   int // natural, unpadded size in bytes
	Signed bool
	Min    *big.Int
	Max    *big.Int
	Mask   *big.Int
}

func signed(kind Kind, bits int) Info {
	max := new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), uint(bits-1)), big.NewInt(1))
	min := new(big.Int).Neg(new(big.Int).Lsh(big.NewInt(1), uint(bits-1)))
	mask := new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), uint(bits)), big.NewInt(1))
	return Info{Kind: kind, Bits: bits, Size: bits / 8, Signed: true, Min: min, Max: max, Mask: mask}
}

func unsigned(kind Kind, bits int) Info {
	max := new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), uint(bits)), big.NewInt(1))
	return Info{Kind: kind, Bits: bits, Size: bits / 8, Signed: false, Min: big.NewInt(0), Max: max, Mask: new(big.Int).Set(max)}
}

// Infos is the literal width table, indexed by Kind.
var Infos = map[Kind]Info{
	Bool:    {Kind: Bool, Bits: 8, Size: 1, Signed: false, Min: big.NewInt(0), Max: big.NewInt(1)},
	I8:      signed(I8, 8),
	I16:     signed(I16, 16),
	I32:     signed(I32, 32),
	I64:     signed(I64, 64),
	I128:    signed(I128, 128),
	U8:      unsigned(U8, 8),
	U16:     unsigned(U16, 16),
	U32:     unsigned(U32, 32),
	U64:     unsigned(U64, 64),
	U128:    unsigned(U128, 128),
	F32:     {Kind: F32, Bits: 32, Size: 4},
	F64:     {Kind: F64, Bits: 64, Size: 8},
	Char:    {Kind: Char, Bits: 32, Size: 4},
	Pointer: {Kind: Pointer, Bits: 64, Size: PointerSize},
}

// Size returns a primitive's natural (unpadded) byte footprint.
func Size(k Kind) int { return Infos[k].Size }

// Align rounds a byte footprint up to the stack's pointer-width
// granularity; every push is padded to this size.
func Align(size int) int {
	if size <= 0 {
		return 0
	}
	rem := size % PointerSize
	if rem == 0 {
		return size
	}
	return size + (PointerSize - rem)
}

// EnsureFits reports whether value lies within kind's representable range,
// the checked-arithmetic overflow test shared by every width including the
// big.Int-backed i128/u128 path.
func EnsureFits(kind Kind, value *big.Int) bool {
	info, ok := Infos[kind]
	if !ok || info.Min == nil || info.Max == nil {
		return true
	}
	return value.Cmp(info.Min) >= 0 && value.Cmp(info.Max) <= 0
}

// WrapTo truncates value to kind's bit width using two's-complement wrap,
// matching "add_wrap_i32" style opcodes which never signal on overflow.
func WrapTo(kind Kind, value *big.Int) *big.Int {
	info := Infos[kind]
	wrapped := new(big.Int).And(value, info.Mask)
	if info.Signed {
		halfRange := new(big.Int).Lsh(big.NewInt(1), uint(info.Bits-1))
		if wrapped.Cmp(halfRange) >= 0 {
			wrapped.Sub(wrapped, new(big.Int).Lsh(big.NewInt(1), uint(info.Bits)))
		}
	}
	return wrapped
}
