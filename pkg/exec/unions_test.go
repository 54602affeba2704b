package exec

import (
	"testing"

	"vm/pkg/asm"
	"vm/pkg/def"
	"vm/pkg/opcode"
	"vm/pkg/typeid"
)

// intStringTypes registers the Int32 | String member types scenario 3
// filters against.
func intStringTypes(arenas *def.Arenas) (typeid.ID, typeid.ID) {
	tidInt := arenas.Types.Define(typeid.Descriptor{Kind: typeid.Primitive, Name: "Int32", Size: 4})
	tidString := arenas.Types.Define(typeid.Descriptor{Kind: typeid.ReferenceClass, Name: "String", Size: 8})
	return tidInt, tidString
}

func TestUnionIsAMatchesHeader(t *testing.T) {
	arenas := def.NewArenas()
	tidInt, tidString := intStringTypes(arenas)

	run := func(filter typeid.ID) byte {
		b := asm.New().
			PutI32(42).
			PutInUnion(tidInt, 4, 16).
			UnionIsA(16, filter).
			Leave(1)
		_, out := runDef(t, arenas, b, asm.DefSpec{Name: "scenario3", ReturnSize: 1})
		return out[0]
	}

	if got := run(tidInt); got != 1 {
		t.Fatalf("union_is_a(Int32) = %d, want true", got)
	}
	if got := run(tidString); got != 0 {
		t.Fatalf("union_is_a(String) = %d, want false", got)
	}
}

func TestPutInUnionLayout(t *testing.T) {
	// The top union_size bytes begin with a 64-bit word equal to the
	// TypeId, followed by the payload bytes.
	arenas := def.NewArenas()
	tidInt, _ := intStringTypes(arenas)
	b := asm.New().
		PutI32(42).
		PutInUnion(tidInt, 4, 16).
		Leave(16)
	_, out := runDef(t, arenas, b, asm.DefSpec{Name: "union_layout", ReturnSize: 16})
	if got := u64Of(out[:8]); got != uint64(tidInt) {
		t.Fatalf("union header = %d, want %d", got, tidInt)
	}
	if got := i32Of(out[8:12]); got != 42 {
		t.Fatalf("union payload = %d, want 42", got)
	}
	if out[12] != 0 || out[13] != 0 || out[14] != 0 || out[15] != 0 {
		t.Fatalf("union trailing bytes not zero: % x", out[12:])
	}
}

func TestRemoveFromUnionInvertsPut(t *testing.T) {
	arenas := def.NewArenas()
	tidInt, _ := intStringTypes(arenas)
	b := asm.New().
		PutI32(-1234).
		PutInUnion(tidInt, 4, 16).
		RemoveFromUnion(16, 4).
		Leave(4)
	_, out := runDef(t, arenas, b, asm.DefSpec{Name: "union_rt", ReturnSize: 4})
	if got := i32Of(out); got != -1234 {
		t.Fatalf("round-trip lost the value: got %d", got)
	}
}

func TestNilablePointerUnion(t *testing.T) {
	arenas := def.NewArenas()
	_, tidString := intStringTypes(arenas)

	// Null pointer becomes an all-zero union, falsy.
	b := asm.New().
		PutU64(0).
		PutNilableTypeInUnion(16).
		UnionToBool(16).
		Leave(1)
	_, out := runDef(t, arenas, b, asm.DefSpec{Name: "scenario4_nil", ReturnSize: 1})
	if out[0] != 0 {
		t.Fatalf("union_to_bool(nil) = %d, want false", out[0])
	}

	// A live cell's TypeId is read through the pointer, truthy.
	b = asm.New().
		AllocateClass(8, tidString).
		PutNilableTypeInUnion(16).
		UnionToBool(16).
		Leave(1)
	_, out = runDef(t, arenas, b, asm.DefSpec{Name: "scenario4_live", ReturnSize: 1})
	if out[0] != 1 {
		t.Fatalf("union_to_bool(live ref) = %d, want true", out[0])
	}
}

func TestUnionToBoolFalseBool(t *testing.T) {
	arenas := def.NewArenas()
	tidBool := arenas.Types.Define(typeid.Descriptor{Kind: typeid.Primitive, Name: "Bool", Size: 1})
	b := asm.New().
		PutBool(false).
		PutInUnion(tidBool, 1, 16).
		UnionToBool(16).
		Leave(1)
	_, out := runDef(t, arenas, b, asm.DefSpec{Name: "union_false", ReturnSize: 1})
	if out[0] != 0 {
		t.Fatalf("union_to_bool(false) = %d, want false", out[0])
	}
}

func TestReferenceIsA(t *testing.T) {
	arenas := def.NewArenas()
	tidBase := arenas.Types.Define(typeid.Descriptor{Kind: typeid.ReferenceClass, Name: "Base", Size: 8})
	tidSub := arenas.Types.Define(typeid.Descriptor{Kind: typeid.ReferenceClass, Name: "Sub", Size: 8, Supers: []typeid.ID{tidBase}})

	b := asm.New().
		AllocateClass(8, tidSub).
		ReferenceIsA(tidBase).
		Leave(1)
	_, out := runDef(t, arenas, b, asm.DefSpec{Name: "ref_is_a", ReturnSize: 1})
	if out[0] != 1 {
		t.Fatalf("Sub is_a Base = %d, want true", out[0])
	}

	// reference_is_a(T)(null) == false for every T.
	b = asm.New().
		PutU64(0).
		ReferenceIsA(tidBase).
		Leave(1)
	_, out = runDef(t, arenas, b, asm.DefSpec{Name: "null_is_a", ReturnSize: 1})
	if out[0] != 0 {
		t.Fatalf("null is_a Base = %d, want false", out[0])
	}
}

func TestUnionIsANilHeaderIsFalse(t *testing.T) {
	arenas := def.NewArenas()
	tidInt, _ := intStringTypes(arenas)
	b := asm.New().
		PushZeros(16).
		UnionIsA(16, tidInt).
		Leave(1)
	_, out := runDef(t, arenas, b, asm.DefSpec{Name: "nil_union_is_a", ReturnSize: 1})
	if out[0] != 0 {
		t.Fatalf("union_is_a on nil header = %d, want false", out[0])
	}
}

func TestPutReferenceTypeInUnionReadsCellHeader(t *testing.T) {
	arenas := def.NewArenas()
	_, tidString := intStringTypes(arenas)
	b := asm.New().
		AllocateClass(8, tidString).
		PutReferenceTypeInUnion(16).
		Leave(16)
	_, out := runDef(t, arenas, b, asm.DefSpec{Name: "ref_union", ReturnSize: 16})
	if got := u64Of(out[:8]); got != uint64(tidString) {
		t.Fatalf("union header = %d, want %d", got, tidString)
	}
	if addr := u64Of(out[8:16]); addr == 0 {
		t.Fatalf("union payload lost the reference")
	}
}

func TestGetStructIvarShrinksToField(t *testing.T) {
	arenas := def.NewArenas()
	b := asm.New().
		PutI32(11).PutI64(22).
		Emit(opcode.GetStructIvar, 8, 8, 16).
		Leave(8)
	_, out := runDef(t, arenas, b, asm.DefSpec{Name: "struct_ivar", ReturnSize: 8})
	if got := i64Of(out); got != 22 {
		t.Fatalf("expected 22, got %d", got)
	}
}
