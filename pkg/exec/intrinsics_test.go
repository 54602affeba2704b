package exec

import (
	"math"
	"testing"

	"vm/pkg/asm"
	"vm/pkg/def"
	"vm/pkg/opcode"
)

func TestAtomicStoreRMWLoad(t *testing.T) {
	arenas := def.NewArenas()
	b := asm.New().
		PutI64(1).Emit(opcode.PointerMalloc, 8).SetLocal(0, 8).
		GetLocal(0, 8).PutI64(5).Emit(opcode.StoreAtomic, 8, 0).
		GetLocal(0, 8).PutI64(3).Emit(opcode.AtomicRMW, 0, 8, 0). // add, returns old
		Pop(8).
		GetLocal(0, 8).Emit(opcode.LoadAtomic, 8, 0).
		Leave(8)
	_, out := runDef(t, arenas, b, asm.DefSpec{Name: "atomic_rmw", ReturnSize: 8, FrameSize: 8})
	if got := i64Of(out); got != 8 {
		t.Fatalf("atomic add result = %d, want 8", got)
	}
}

func TestAtomicRMWReturnsOldValue(t *testing.T) {
	arenas := def.NewArenas()
	b := asm.New().
		PutI64(1).Emit(opcode.PointerMalloc, 8).SetLocal(0, 8).
		GetLocal(0, 8).PutI64(5).Emit(opcode.StoreAtomic, 8, 0).
		GetLocal(0, 8).PutI64(3).Emit(opcode.AtomicRMW, 0, 8, 0).
		Leave(8)
	_, out := runDef(t, arenas, b, asm.DefSpec{Name: "atomic_old", ReturnSize: 8, FrameSize: 8})
	if got := i64Of(out); got != 5 {
		t.Fatalf("atomicrmw old value = %d, want 5", got)
	}
}

func TestCmpXchgSwapsOnMatch(t *testing.T) {
	arenas := def.NewArenas()
	b := asm.New().
		PutI64(1).Emit(opcode.PointerMalloc, 8).SetLocal(0, 8).
		GetLocal(0, 8).PutI64(7).Emit(opcode.StoreAtomic, 8, 0).
		GetLocal(0, 8).PutI64(7).PutI64(9).Emit(opcode.CmpXchg, 8, 0).
		Pop(1).Pop(8). // drop the success flag and observed value
		GetLocal(0, 8).Emit(opcode.LoadAtomic, 8, 0).
		Leave(8)
	_, out := runDef(t, arenas, b, asm.DefSpec{Name: "cmpxchg", ReturnSize: 8, FrameSize: 8})
	if got := i64Of(out); got != 9 {
		t.Fatalf("cmpxchg result = %d, want 9", got)
	}
}

func TestMemsetFillsBytes(t *testing.T) {
	arenas := def.NewArenas()
	b := asm.New().
		PutI64(4).Emit(opcode.PointerMalloc, 1).SetLocal(0, 8).
		GetLocal(0, 8).      // dst
		PutU8(0xAB).         // value
		PutI64(3).           // count
		PutBool(false).      // volatile
		Op(opcode.Memset).
		GetLocal(0, 8).Emit(opcode.PointerGet, 4).
		Leave(4)
	_, out := runDef(t, arenas, b, asm.DefSpec{Name: "memset", ReturnSize: 4, FrameSize: 8})
	want := []byte{0xAB, 0xAB, 0xAB, 0x00}
	for i := range want {
		if out[i] != want[i] {
			t.Fatalf("byte %d = %#x, want %#x", i, out[i], want[i])
		}
	}
}

func TestMemcpyCopiesBetweenAllocations(t *testing.T) {
	arenas := def.NewArenas()
	b := asm.New().
		PutI64(1).Emit(opcode.PointerMalloc, 8).SetLocal(0, 8). // src
		PutI64(1).Emit(opcode.PointerMalloc, 8).SetLocal(8, 8). // dst
		PutI64(0x1122334455667788).GetLocal(0, 8).Emit(opcode.PointerSet, 8).
		GetLocal(8, 8).GetLocal(0, 8). // dst, src
		PutI64(8).                     // count
		PutBool(false).                // volatile
		Op(opcode.Memcpy).
		GetLocal(8, 8).Emit(opcode.PointerGet, 8).
		Leave(8)
	_, out := runDef(t, arenas, b, asm.DefSpec{Name: "memcpy", ReturnSize: 8, FrameSize: 16})
	if got := i64Of(out); got != 0x1122334455667788 {
		t.Fatalf("memcpy result = %#x", got)
	}
}

func TestPopCount(t *testing.T) {
	arenas := def.NewArenas()
	b := asm.New().
		PutU64(0xF0F0).Emit(opcode.PopCount, 8).
		Leave(8)
	_, out := runDef(t, arenas, b, asm.DefSpec{Name: "popcount", ReturnSize: 8})
	if got := u64Of(out); got != 8 {
		t.Fatalf("popcount(0xF0F0) = %d, want 8", got)
	}
}

func TestByteSwap(t *testing.T) {
	arenas := def.NewArenas()
	b := asm.New().
		PutU32(0x11223344).Emit(opcode.ByteSwap, 4).
		Leave(4)
	_, out := runDef(t, arenas, b, asm.DefSpec{Name: "byte_swap", ReturnSize: 4})
	if got := uint32(i32Of(out)); got != 0x44332211 {
		t.Fatalf("byte_swap = %#x, want 0x44332211", got)
	}
}

func TestCountLeadingTrailingZeros(t *testing.T) {
	arenas := def.NewArenas()
	b := asm.New().
		PutU32(0x00010000).Emit(opcode.CountLeadingZeros, 4).
		Leave(4)
	_, out := runDef(t, arenas, b, asm.DefSpec{Name: "clz", ReturnSize: 4})
	if got := i32Of(out); got != 15 {
		t.Fatalf("clz = %d, want 15", got)
	}

	b = asm.New().
		PutU32(0x00010000).Emit(opcode.CountTrailingZeros, 4).
		Leave(4)
	_, out = runDef(t, arenas, b, asm.DefSpec{Name: "ctz", ReturnSize: 4})
	if got := i32Of(out); got != 16 {
		t.Fatalf("ctz = %d, want 16", got)
	}

	b = asm.New().
		PutU32(0).Emit(opcode.CountTrailingZeros, 4).
		Leave(4)
	_, out = runDef(t, arenas, b, asm.DefSpec{Name: "ctz_zero", ReturnSize: 4})
	if got := i32Of(out); got != 32 {
		t.Fatalf("ctz(0) = %d, want 32", got)
	}
}

func TestLibmSqrtF64(t *testing.T) {
	arenas := def.NewArenas()
	sqrt := findOp(t, "libm_sqrt_f64")
	b := asm.New().
		PutF64(2.25).Op(sqrt).
		Leave(8)
	_, out := runDef(t, arenas, b, asm.DefSpec{Name: "sqrt", ReturnSize: 8})
	if got := math.Float64frombits(u64Of(out)); got != 1.5 {
		t.Fatalf("sqrt(2.25) = %v, want 1.5", got)
	}
}

func TestLibmPowAndCopysignF32(t *testing.T) {
	arenas := def.NewArenas()
	pow := findOp(t, "libm_pow_f32")
	b := asm.New().
		PutF32(2).PutF32(10).Op(pow).
		Leave(4)
	_, out := runDef(t, arenas, b, asm.DefSpec{Name: "pow", ReturnSize: 4})
	if got := math.Float32frombits(uint32(i32Of(out))); got != 1024 {
		t.Fatalf("pow(2,10) = %v, want 1024", got)
	}

	copysign := findOp(t, "libm_copysign_f64")
	b = asm.New().
		PutF64(3).PutF64(-1).Op(copysign).
		Leave(8)
	_, out = runDef(t, arenas, b, asm.DefSpec{Name: "copysign", ReturnSize: 8})
	if got := math.Float64frombits(u64Of(out)); got != -3 {
		t.Fatalf("copysign(3,-1) = %v, want -3", got)
	}
}

func TestLibmRintRoundsHalfToEven(t *testing.T) {
	arenas := def.NewArenas()
	rint := findOp(t, "libm_rint_f64")
	b := asm.New().
		PutF64(2.5).Op(rint).
		Leave(8)
	_, out := runDef(t, arenas, b, asm.DefSpec{Name: "rint", ReturnSize: 8})
	if got := math.Float64frombits(u64Of(out)); got != 2 {
		t.Fatalf("rint(2.5) = %v, want 2", got)
	}
}

func TestCycleCounterIsMonotonic(t *testing.T) {
	arenas := def.NewArenas()
	run := func() uint64 {
		b := asm.New().Op(opcode.CycleCounter).Leave(8)
		_, out := runDef(t, arenas, b, asm.DefSpec{Name: "cycles", ReturnSize: 8})
		return u64Of(out)
	}
	first := run()
	second := run()
	if second < first {
		t.Fatalf("cycle counter went backward: %d then %d", first, second)
	}
}
