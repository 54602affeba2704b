package exec

import (
	"testing"

	"vm/pkg/asm"
	"vm/pkg/def"
	"vm/pkg/opcode"
	"vm/pkg/typeid"
)

func errorTypes(arenas *def.Arenas) (typeid.ID, typeid.ID) {
	tidError := arenas.Types.Define(typeid.Descriptor{Kind: typeid.ReferenceClass, Name: "Error", Size: 16})
	tidOverflow := arenas.Types.Define(typeid.Descriptor{
		Kind: typeid.ReferenceClass, Name: "OverflowError", Size: 16, Supers: []typeid.ID{tidError},
	})
	return tidError, tidOverflow
}

func TestRaiseCaughtByMatchingHandler(t *testing.T) {
	arenas := def.NewArenas()
	tidError, _ := errorTypes(arenas)

	b := asm.New()
	lo := b.Offset()
	b.AllocateClass(16, tidError).
		Op(opcode.InterpreterRaiseWithoutBacktrace)
	hi := b.Offset()
	b.PutI32(1).Leave(4) // skipped
	target := b.Offset()
	b.Pop(8). // discard the caught exception reference
		PutI32(7).Leave(4)
	b.Handle(lo, hi, target, tidError)

	_, out := runDef(t, arenas, b, asm.DefSpec{Name: "rescue", ReturnSize: 4})
	if got := i32Of(out); got != 7 {
		t.Fatalf("handler result = %d, want 7", got)
	}
}

func TestRaiseMatchesSubtypeAgainstHandlerFilter(t *testing.T) {
	arenas := def.NewArenas()
	tidError, tidOverflow := errorTypes(arenas)

	b := asm.New()
	lo := b.Offset()
	b.AllocateClass(16, tidOverflow).
		Op(opcode.InterpreterRaiseWithoutBacktrace)
	hi := b.Offset()
	b.PutI32(0).Leave(4)
	target := b.Offset()
	b.Pop(8).PutI32(1).Leave(4)
	b.Handle(lo, hi, target, tidError)

	_, out := runDef(t, arenas, b, asm.DefSpec{Name: "subtype_rescue", ReturnSize: 4})
	if got := i32Of(out); got != 1 {
		t.Fatalf("subtype not caught: got %d", got)
	}
}

func TestRaiseSkipsNonMatchingHandler(t *testing.T) {
	arenas := def.NewArenas()
	tidError, tidOverflow := errorTypes(arenas)
	tidOther := arenas.Types.Define(typeid.Descriptor{Kind: typeid.ReferenceClass, Name: "IOError", Size: 16})

	b := asm.New()
	lo := b.Offset()
	b.AllocateClass(16, tidOverflow).
		Op(opcode.InterpreterRaiseWithoutBacktrace)
	hi := b.Offset()
	b.PutI32(0).Leave(4)
	target := b.Offset()
	b.Pop(8).PutI32(1).Leave(4)
	b.Handle(lo, hi, target, tidOther)

	idx := b.Define(arenas, asm.DefSpec{Name: "no_match", ReturnSize: 4})
	vm := New(arenas)
	err := vm.Call(idx)
	re, ok := err.(*RaisedException)
	if !ok {
		t.Fatalf("expected RaisedException, got %v", err)
	}
	if re.Type != tidOverflow {
		t.Fatalf("escaped exception type = %d, want %d", re.Type, tidOverflow)
	}
	_ = tidError
}

func TestRaiseUnwindsAcrossFrames(t *testing.T) {
	arenas := def.NewArenas()
	tidError, _ := errorTypes(arenas)

	raiser := asm.New().
		AllocateClass(16, tidError).
		Op(opcode.InterpreterRaiseWithoutBacktrace).
		Define(arenas, asm.DefSpec{Name: "raiser"})

	b := asm.New()
	lo := b.Offset()
	b.PutI64(999). // operand junk the unwind must discard
		Call(raiser)
	hi := b.Offset()
	b.PutI32(0).Leave(4)
	target := b.Offset()
	b.Pop(8).PutI32(3).Leave(4)
	b.Handle(lo, hi, target, tidError)

	vm, out := runDef(t, arenas, b, asm.DefSpec{Name: "outer_rescue", ReturnSize: 4})
	if got := i32Of(out); got != 3 {
		t.Fatalf("cross-frame handler result = %d, want 3", got)
	}
	if vm.Stack.SP() != 0 {
		t.Fatalf("unwind left stack at sp=%d", vm.Stack.SP())
	}
}

func TestReraisePropagatesLastCaught(t *testing.T) {
	arenas := def.NewArenas()
	tidError, _ := errorTypes(arenas)

	b := asm.New()
	lo := b.Offset()
	b.AllocateClass(16, tidError).
		Op(opcode.InterpreterRaiseWithoutBacktrace)
	hi := b.Offset()
	b.PutI32(0).Leave(4)
	target := b.Offset()
	b.Pop(8).Op(opcode.Reraise)
	b.Handle(lo, hi, target, tidError)

	idx := b.Define(arenas, asm.DefSpec{Name: "reraise", ReturnSize: 4})
	vm := New(arenas)
	err := vm.Call(idx)
	re, ok := err.(*RaisedException)
	if !ok {
		t.Fatalf("expected RaisedException, got %v", err)
	}
	if re.Type != tidError {
		t.Fatalf("reraised type = %d, want %d", re.Type, tidError)
	}
}

func TestOverflowRaisesCatchableException(t *testing.T) {
	arenas := def.NewArenas()
	tidError, tidOverflow := errorTypes(arenas)
	_ = tidError

	b := asm.New()
	lo := b.Offset()
	b.PutI32(0x7FFFFFFF).PutI32(1).Op(opcode.AddI32)
	hi := b.Offset()
	b.Leave(4)
	target := b.Offset()
	b.Pop(8).PutI32(-1).Leave(4)
	b.Handle(lo, hi, target, tidOverflow)

	idx := b.Define(arenas, asm.DefSpec{Name: "checked_add", ReturnSize: 4})
	vm := New(arenas)
	vm.OverflowType = tidOverflow
	if err := vm.Call(idx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := i32Of(vm.Stack.Pop(4)); got != -1 {
		t.Fatalf("overflow handler result = %d, want -1", got)
	}
}

func TestUncaughtOverflowSurfacesFromCall(t *testing.T) {
	arenas := def.NewArenas()
	_, tidOverflow := errorTypes(arenas)

	idx := asm.New().
		PutI64(0x7FFFFFFFFFFFFFFF).PutI64(1).Op(opcode.AddI64).
		Leave(8).
		Define(arenas, asm.DefSpec{Name: "overflow", ReturnSize: 8})
	vm := New(arenas)
	vm.OverflowType = tidOverflow
	err := vm.Call(idx)
	re, ok := err.(*RaisedException)
	if !ok {
		t.Fatalf("expected RaisedException, got %v", err)
	}
	if re.Type != tidOverflow {
		t.Fatalf("exception type = %d, want %d", re.Type, tidOverflow)
	}
}

func TestCallStackUnwindCapturesFrameNames(t *testing.T) {
	arenas := def.NewArenas()
	inner := asm.New().
		Op(opcode.InterpreterCallStackUnwind).
		Leave(8).
		Define(arenas, asm.DefSpec{Name: "inner_frame", ReturnSize: 8})
	b := asm.New().
		Call(inner).
		Leave(8)
	vm, out := runDef(t, arenas, b, asm.DefSpec{Name: "outer_frame", ReturnSize: 8})
	addr := u64Of(out)
	record := string(vm.Heap.Read(addr, len("inner_frame\nouter_frame")))
	if record != "inner_frame\nouter_frame" {
		t.Fatalf("backtrace record = %q", record)
	}
}
