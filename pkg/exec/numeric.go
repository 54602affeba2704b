package exec

import (
	"encoding/binary"
	"math"
	"math/big"

	"vm/pkg/layout"
)

// Byte-level codecs for operand-stack values. Everything is little-endian
// two's complement, the host convention the bytecode format fixes.

func le16(b []byte) uint16  { return binary.LittleEndian.Uint16(b) }
func le32(b []byte) uint32  { return binary.LittleEndian.Uint32(b) }
func le64(b []byte) uint64  { return binary.LittleEndian.Uint64(b) }
func put16(v uint16) []byte { b := make([]byte, 2); binary.LittleEndian.PutUint16(b, v); return b }
func put32(v uint32) []byte { b := make([]byte, 4); binary.LittleEndian.PutUint32(b, v); return b }
func put64(v uint64) []byte { b := make([]byte, 8); binary.LittleEndian.PutUint64(b, v); return b }

func boolByte(v bool) []byte {
	if v {
		return []byte{1}
	}
	return []byte{0}
}

// signedFromBytes sign-extends up to 8 little-endian bytes into an int64.
func signedFromBytes(b []byte) int64 {
	var v uint64
	for i := 0; i < len(b); i++ {
		v |= uint64(b[i]) << (8 * i)
	}
	bits := uint(8 * len(b))
	if bits < 64 && v&(1<<(bits-1)) != 0 {
		v |= ^uint64(0) << bits
	}
	return int64(v)
}

// unsignedFromBytes zero-extends up to 8 little-endian bytes into a uint64.
func unsignedFromBytes(b []byte) uint64 {
	var v uint64
	for i := 0; i < len(b); i++ {
		v |= uint64(b[i]) << (8 * i)
	}
	return v
}

// bigFromBytes decodes size little-endian bytes as a big.Int, two's
// complement when signed. Used for every checked/wrapping integer opcode
// so all widths including i128/u128 share one overflow path.
func bigFromBytes(b []byte, signed bool) *big.Int {
	be := make([]byte, len(b))
	for i, x := range b {
		be[len(b)-1-i] = x
	}
	v := new(big.Int).SetBytes(be)
	bits := uint(8 * len(b))
	if signed && v.Bit(int(bits-1)) == 1 {
		v.Sub(v, new(big.Int).Lsh(big.NewInt(1), bits))
	}
	return v
}

// bytesFromBig encodes v as size little-endian two's-complement bytes.
// v must already fit the width (callers wrap or range-check first).
func bytesFromBig(v *big.Int, size int) []byte {
	bits := uint(8 * size)
	enc := new(big.Int).Set(v)
	if enc.Sign() < 0 {
		enc.Add(enc, new(big.Int).Lsh(big.NewInt(1), bits))
	}
	be := enc.Bytes()
	out := make([]byte, size)
	for i := 0; i < len(be) && i < size; i++ {
		out[i] = be[len(be)-1-i]
	}
	return out
}

type intBinFn func(a, b *big.Int) *big.Int

func bigAdd(a, b *big.Int) *big.Int { return new(big.Int).Add(a, b) }
func bigSub(a, b *big.Int) *big.Int { return new(big.Int).Sub(a, b) }
func bigMul(a, b *big.Int) *big.Int { return new(big.Int).Mul(a, b) }

// intBinChecked pops two kind-width integers, applies fn, and raises
// OverflowError when the result leaves kind's range.
func (vm *VM) intBinChecked(kind layout.Kind, fn intBinFn) error {
	info := layout.Infos[kind]
	b := bigFromBytes(vm.Stack.Pop(info.Size), info.Signed)
	a := bigFromBytes(vm.Stack.Pop(info.Size), info.Signed)
	r := fn(a, b)
	if !layout.EnsureFits(kind, r) {
		return vm.raiseOverflow()
	}
	vm.Stack.Push(bytesFromBig(r, info.Size))
	return nil
}

// intBinWrap pops two kind-width integers and pushes fn's result wrapped
// to the width, two's-complement modulo 2^bits. Never signals.
func (vm *VM) intBinWrap(kind layout.Kind, fn intBinFn) {
	info := layout.Infos[kind]
	b := bigFromBytes(vm.Stack.Pop(info.Size), info.Signed)
	a := bigFromBytes(vm.Stack.Pop(info.Size), info.Signed)
	vm.Stack.Push(bytesFromBig(layout.WrapTo(kind, fn(a, b)), info.Size))
}

// intBinUnsafe is raw machine division/remainder: truncated toward zero,
// a fatal error on divide-by-zero (the compiler inserts explicit guards,
// so reaching zero here is an invariant violation, not a user error).
func (vm *VM) intBinUnsafe(kind layout.Kind, mod bool) {
	info := layout.Infos[kind]
	b := bigFromBytes(vm.Stack.Pop(info.Size), info.Signed)
	a := bigFromBytes(vm.Stack.Pop(info.Size), info.Signed)
	if b.Sign() == 0 {
		panic(&VMError{Message: "unsafe division by zero"})
	}
	var r *big.Int
	if mod {
		r = new(big.Int).Rem(a, b)
	} else {
		r = new(big.Int).Quo(a, b)
	}
	vm.Stack.Push(bytesFromBig(layout.WrapTo(kind, r), info.Size))
}

// intNegChecked pops one kind-width integer and pushes its negation,
// raising on -MIN for the signed widths.
func (vm *VM) intNegChecked(kind layout.Kind) error {
	info := layout.Infos[kind]
	a := bigFromBytes(vm.Stack.Pop(info.Size), info.Signed)
	r := new(big.Int).Neg(a)
	if !layout.EnsureFits(kind, r) {
		return vm.raiseOverflow()
	}
	vm.Stack.Push(bytesFromBig(r, info.Size))
	return nil
}

func (vm *VM) floatBin32(fn func(a, b float32) float32) {
	b := math.Float32frombits(le32(vm.Stack.Pop(4)))
	a := math.Float32frombits(le32(vm.Stack.Pop(4)))
	vm.Stack.Push(put32(math.Float32bits(fn(a, b))))
}

func (vm *VM) floatBin64(fn func(a, b float64) float64) {
	b := math.Float64frombits(le64(vm.Stack.Pop(8)))
	a := math.Float64frombits(le64(vm.Stack.Pop(8)))
	vm.Stack.Push(put64(math.Float64bits(fn(a, b))))
}

// intToFloat pops a size-byte integer and pushes it converted to f32/f64.
func (vm *VM) intToFloat(size int, signed, wide bool) {
	b := vm.Stack.Pop(size)
	var f float64
	if signed {
		f = float64(signedFromBytes(b))
	} else {
		f = float64(unsignedFromBytes(b))
	}
	if wide {
		vm.Stack.Push(put64(math.Float64bits(f)))
	} else {
		vm.Stack.Push(put32(math.Float32bits(float32(f))))
	}
}

// f64TruncToI64 is f64→i64! — truncating, wrapping on overflow, NaN to 0.
func f64TruncToI64(f float64) []byte {
	if math.IsNaN(f) {
		return put64(0)
	}
	bf := new(big.Float).SetFloat64(math.Trunc(f))
	bi, _ := bf.Int(nil)
	wrapped := layout.WrapTo(layout.I64, bi)
	return bytesFromBig(wrapped, 8)
}

// triState folds an ordering into the -1/0/+1 i32 the cmp_* family pushes.
func triState(less, equal bool) []byte {
	switch {
	case equal:
		return put32(0)
	case less:
		return put32(uint32(0xFFFFFFFF))
	default:
		return put32(1)
	}
}

func (vm *VM) cmpSigned(size int) {
	b := signedFromBytes(vm.Stack.Pop(size))
	a := signedFromBytes(vm.Stack.Pop(size))
	vm.Stack.Push(triState(a < b, a == b))
}

func (vm *VM) cmpUnsigned(size int) {
	b := unsignedFromBytes(vm.Stack.Pop(size))
	a := unsignedFromBytes(vm.Stack.Pop(size))
	vm.Stack.Push(triState(a < b, a == b))
}

// cmpFloat follows IEEE 754 ordering with the native backend's NaN
// lowering pinned: any NaN operand compares as +1.
func (vm *VM) cmpFloat(wide bool) {
	var a, b float64
	if wide {
		b = math.Float64frombits(le64(vm.Stack.Pop(8)))
		a = math.Float64frombits(le64(vm.Stack.Pop(8)))
	} else {
		b = float64(math.Float32frombits(le32(vm.Stack.Pop(4))))
		a = float64(math.Float32frombits(le32(vm.Stack.Pop(4))))
	}
	if math.IsNaN(a) || math.IsNaN(b) {
		vm.Stack.Push(put32(1))
		return
	}
	vm.Stack.Push(triState(a < b, a == b))
}

func (vm *VM) cmpBig(signed bool) {
	b := bigFromBytes(vm.Stack.Pop(16), signed)
	a := bigFromBytes(vm.Stack.Pop(16), signed)
	c := a.Cmp(b)
	vm.Stack.Push(triState(c < 0, c == 0))
}
