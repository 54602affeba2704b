package exec

import (
	"fmt"
	"math"
	"math/bits"
	"runtime"
	"time"

	"vm/pkg/atomics"
	"vm/pkg/def"
	"vm/pkg/layout"
	"vm/pkg/opcode"
	"vm/pkg/typeid"
)

// stackAddrBit marks an address minted by put_stack_top_pointer as living
// in the current fiber's operand stack rather than the heap arena. Pointer
// arithmetic stays plain integer arithmetic either way; only the final
// load/store dispatches on the bit.
const stackAddrBit = uint64(1) << 63

// memRead loads size bytes from a VM address, heap or stack.
func (vm *VM) memRead(addr uint64, size int) []byte {
	if addr&stackAddrBit != 0 {
		return vm.Stack.ReadAt(int(addr&^stackAddrBit), size)
	}
	return vm.Heap.Read(addr, size)
}

// memWrite stores data at a VM address, heap or stack.
func (vm *VM) memWrite(addr uint64, data []byte) {
	if addr&stackAddrBit != 0 {
		vm.Stack.WriteAt(int(addr&^stackAddrBit), data)
		return
	}
	vm.Heap.Write(addr, data)
}

func (vm *VM) raiseOverflow() error {
	return vm.raiseTyped(vm.OverflowType, "arithmetic overflow")
}

// raiseTyped allocates a minimal exception cell (TypeId header followed by
// a NUL-terminated message at offset 8) and wraps its reference as the
// error the run loop unwinds with.
func (vm *VM) raiseTyped(t typeid.ID, msg string) error {
	addr := vm.Heap.AllocateClass(8+len(msg)+1, t)
	vm.Heap.Write(addr+8, append([]byte(msg), 0))
	return &RaisedException{Type: t, Payload: put64(addr)}
}

// cString interns s in the heap as NUL-terminated bytes and returns its
// address.
func (vm *VM) cString(s string) uint64 {
	addr := vm.Heap.Alloc(len(s) + 1)
	vm.Heap.Write(addr, append([]byte(s), 0))
	return addr
}

// step decodes op's inline operands, pops its inputs, executes, and pushes
// its result. done reports that a frame returned (leave/leave_def/
// break_block), which run uses to detect the entry frame finishing.
func (vm *VM) step(op opcode.Op) (done bool, err error) {
	f := vm.Frame
	s := vm.Stack

	if op >= opcode.LibmBase {
		return false, vm.stepLibm(op)
	}

	switch op {

	// ---- put/literal ----

	case opcode.PutNil:
		// nil occupies zero bytes by convention.
	case opcode.PutI8, opcode.PutU8:
		s.Push([]byte{byte(f.readU64())})
	case opcode.PutI16, opcode.PutU16:
		s.Push(put16(uint16(f.readU64())))
	case opcode.PutI32, opcode.PutU32, opcode.PutChar:
		s.Push(put32(uint32(f.readU64())))
	case opcode.PutI64, opcode.PutU64:
		s.Push(put64(f.readU64()))
	case opcode.PutI128, opcode.PutU128:
		lo, hi := f.readU64(), f.readU64()
		buf := make([]byte, 16)
		copy(buf, put64(lo))
		copy(buf[8:], put64(hi))
		s.Push(buf)
	case opcode.PutF32:
		s.Push(put32(uint32(f.readU64())))
	case opcode.PutF64:
		s.Push(put64(f.readU64()))
	case opcode.PutBool:
		s.Push(boolByte(f.readU64() != 0))

	// ---- conversions ----

	case opcode.I8ToF32:
		vm.intToFloat(1, true, false)
	case opcode.I8ToF64:
		vm.intToFloat(1, true, true)
	case opcode.I16ToF32:
		vm.intToFloat(2, true, false)
	case opcode.I16ToF64:
		vm.intToFloat(2, true, true)
	case opcode.I32ToF32:
		vm.intToFloat(4, true, false)
	case opcode.I32ToF64:
		vm.intToFloat(4, true, true)
	case opcode.I64ToF32:
		vm.intToFloat(8, true, false)
	case opcode.I64ToF64:
		vm.intToFloat(8, true, true)
	case opcode.U8ToF32:
		vm.intToFloat(1, false, false)
	case opcode.U8ToF64:
		vm.intToFloat(1, false, true)
	case opcode.U16ToF32:
		vm.intToFloat(2, false, false)
	case opcode.U16ToF64:
		vm.intToFloat(2, false, true)
	case opcode.U32ToF32:
		vm.intToFloat(4, false, false)
	case opcode.U32ToF64:
		vm.intToFloat(4, false, true)
	case opcode.U64ToF32:
		vm.intToFloat(8, false, false)
	case opcode.U64ToF64:
		vm.intToFloat(8, false, true)
	case opcode.F32ToF64:
		v := math.Float32frombits(le32(s.Pop(4)))
		s.Push(put64(math.Float64bits(float64(v))))
	case opcode.F64ToF32:
		v := math.Float64frombits(le64(s.Pop(8)))
		s.Push(put32(math.Float32bits(float32(v))))
	case opcode.F64ToI64Trunc:
		v := math.Float64frombits(le64(s.Pop(8)))
		s.Push(f64TruncToI64(v))
	case opcode.SignExtend:
		vm.extendTop(f.readInt(), true)
	case opcode.ZeroExtend:
		vm.extendTop(f.readInt(), false)

	// ---- checked arithmetic ----

	case opcode.AddI32:
		return false, vm.intBinChecked(layout.I32, bigAdd)
	case opcode.AddI64:
		return false, vm.intBinChecked(layout.I64, bigAdd)
	case opcode.AddU32:
		return false, vm.intBinChecked(layout.U32, bigAdd)
	case opcode.AddU64:
		return false, vm.intBinChecked(layout.U64, bigAdd)
	case opcode.SubI32:
		return false, vm.intBinChecked(layout.I32, bigSub)
	case opcode.SubI64:
		return false, vm.intBinChecked(layout.I64, bigSub)
	case opcode.SubU32:
		return false, vm.intBinChecked(layout.U32, bigSub)
	case opcode.SubU64:
		return false, vm.intBinChecked(layout.U64, bigSub)
	case opcode.MulI32:
		return false, vm.intBinChecked(layout.I32, bigMul)
	case opcode.MulI64:
		return false, vm.intBinChecked(layout.I64, bigMul)
	case opcode.MulU32:
		return false, vm.intBinChecked(layout.U32, bigMul)
	case opcode.MulU64:
		return false, vm.intBinChecked(layout.U64, bigMul)
	case opcode.AddI128:
		return false, vm.intBinChecked(layout.I128, bigAdd)
	case opcode.AddU128:
		return false, vm.intBinChecked(layout.U128, bigAdd)
	case opcode.SubI128:
		return false, vm.intBinChecked(layout.I128, bigSub)
	case opcode.SubU128:
		return false, vm.intBinChecked(layout.U128, bigSub)
	case opcode.MulI128:
		return false, vm.intBinChecked(layout.I128, bigMul)
	case opcode.MulU128:
		return false, vm.intBinChecked(layout.U128, bigMul)

	case opcode.AddF32:
		vm.floatBin32(func(a, b float32) float32 { return a + b })
	case opcode.AddF64:
		vm.floatBin64(func(a, b float64) float64 { return a + b })
	case opcode.SubF32:
		vm.floatBin32(func(a, b float32) float32 { return a - b })
	case opcode.SubF64:
		vm.floatBin64(func(a, b float64) float64 { return a - b })
	case opcode.MulF32:
		vm.floatBin32(func(a, b float32) float32 { return a * b })
	case opcode.MulF64:
		vm.floatBin64(func(a, b float64) float64 { return a * b })

	// ---- wrapping arithmetic ----

	case opcode.AddWrapI32:
		vm.intBinWrap(layout.I32, bigAdd)
	case opcode.AddWrapI64:
		vm.intBinWrap(layout.I64, bigAdd)
	case opcode.AddWrapU32:
		vm.intBinWrap(layout.U32, bigAdd)
	case opcode.AddWrapU64:
		vm.intBinWrap(layout.U64, bigAdd)
	case opcode.SubWrapI32:
		vm.intBinWrap(layout.I32, bigSub)
	case opcode.SubWrapI64:
		vm.intBinWrap(layout.I64, bigSub)
	case opcode.SubWrapU32:
		vm.intBinWrap(layout.U32, bigSub)
	case opcode.SubWrapU64:
		vm.intBinWrap(layout.U64, bigSub)
	case opcode.MulWrapI32:
		vm.intBinWrap(layout.I32, bigMul)
	case opcode.MulWrapI64:
		vm.intBinWrap(layout.I64, bigMul)
	case opcode.MulWrapU32:
		vm.intBinWrap(layout.U32, bigMul)
	case opcode.MulWrapU64:
		vm.intBinWrap(layout.U64, bigMul)

	// ---- unsafe division ----

	case opcode.UnsafeDivI32:
		vm.intBinUnsafe(layout.I32, false)
	case opcode.UnsafeDivI64:
		vm.intBinUnsafe(layout.I64, false)
	case opcode.UnsafeDivU32:
		vm.intBinUnsafe(layout.U32, false)
	case opcode.UnsafeDivU64:
		vm.intBinUnsafe(layout.U64, false)
	case opcode.UnsafeModI64:
		vm.intBinUnsafe(layout.I64, true)
	case opcode.UnsafeModU64:
		vm.intBinUnsafe(layout.U64, true)
	case opcode.UnsafeDivI128:
		vm.intBinUnsafe(layout.I128, false)
	case opcode.UnsafeDivU128:
		vm.intBinUnsafe(layout.U128, false)
	case opcode.UnsafeModI128:
		vm.intBinUnsafe(layout.I128, true)
	case opcode.UnsafeModU128:
		vm.intBinUnsafe(layout.U128, true)

	case opcode.NegI32:
		return false, vm.intNegChecked(layout.I32)
	case opcode.NegI64:
		return false, vm.intNegChecked(layout.I64)
	case opcode.NegF32:
		v := math.Float32frombits(le32(s.Pop(4)))
		s.Push(put32(math.Float32bits(-v)))
	case opcode.NegF64:
		v := math.Float64frombits(le64(s.Pop(8)))
		s.Push(put64(math.Float64bits(-v)))

	// ---- comparisons ----

	case opcode.CmpI32:
		vm.cmpSigned(4)
	case opcode.CmpI64:
		vm.cmpSigned(8)
	case opcode.CmpU32:
		vm.cmpUnsigned(4)
	case opcode.CmpU64:
		vm.cmpUnsigned(8)
	case opcode.CmpF32:
		vm.cmpFloat(false)
	case opcode.CmpF64:
		vm.cmpFloat(true)
	case opcode.CmpBool:
		vm.cmpUnsigned(1)
	case opcode.CmpChar:
		vm.cmpUnsigned(4)
	case opcode.CmpI128:
		vm.cmpBig(true)
	case opcode.CmpU128:
		vm.cmpBig(false)
	case opcode.CmpEq:
		s.Push(boolByte(int32(le32(s.Pop(4))) == 0))
	case opcode.CmpNeq:
		s.Push(boolByte(int32(le32(s.Pop(4))) != 0))
	case opcode.CmpLt:
		s.Push(boolByte(int32(le32(s.Pop(4))) < 0))
	case opcode.CmpLe:
		s.Push(boolByte(int32(le32(s.Pop(4))) <= 0))
	case opcode.CmpGt:
		s.Push(boolByte(int32(le32(s.Pop(4))) > 0))
	case opcode.CmpGe:
		s.Push(boolByte(int32(le32(s.Pop(4))) >= 0))

	// ---- pointers ----

	case opcode.PointerMalloc:
		elem := f.readInt()
		count := signedFromBytes(s.Pop(8))
		s.Push(put64(vm.Heap.Alloc(int(count) * elem)))
	case opcode.PointerRealloc:
		elem := f.readInt()
		count := signedFromBytes(s.Pop(8))
		ptr := le64(s.Pop(8))
		s.Push(put64(vm.Heap.Realloc(ptr, int(count)*elem)))
	case opcode.PointerSet:
		elem := f.readInt()
		ptr := le64(s.Pop(8))
		value := s.Pop(elem)
		vm.memWrite(ptr, value)
	case opcode.PointerGet:
		elem := f.readInt()
		ptr := le64(s.Pop(8))
		s.Push(vm.memRead(ptr, elem))
	case opcode.PointerNew:
		s.Push(put64(le64(s.Pop(8))))
	case opcode.PointerAdd:
		elem := int64(f.readInt())
		offset := signedFromBytes(s.Pop(8))
		ptr := le64(s.Pop(8))
		s.Push(put64(ptr + uint64(offset*elem)))
	case opcode.PointerDiff:
		elem := int64(f.readInt())
		second := le64(s.Pop(8))
		first := le64(s.Pop(8))
		d := int64(first) - int64(second)
		q := d / elem
		if d%elem != 0 && d < 0 {
			q--
		}
		s.Push(put64(uint64(q)))
	case opcode.PointerIsNull:
		s.Push(boolByte(le64(s.Pop(8)) == 0))
	case opcode.PointerNotNull:
		s.Push(boolByte(le64(s.Pop(8)) != 0))
	case opcode.PointerCast:
		// Reinterpret only; the bytes are already what the next
		// instruction expects.

	// ---- locals ----

	case opcode.SetLocal:
		index, size := f.readInt(), f.readInt()
		f.SetLocal(index, s.Pop(size))
	case opcode.GetLocal:
		index, size := f.readInt(), f.readInt()
		s.Push(f.GetLocal(index, size))

	// ---- instance vars ----

	case opcode.GetSelfIvar:
		offset, size := f.readInt(), f.readInt()
		if len(f.Self) != 8 {
			panic(&VMError{Message: "get_self_ivar without a bound self"})
		}
		s.Push(vm.memRead(le64(f.Self)+uint64(offset), size))
	case opcode.SetSelfIvar:
		offset, size := f.readInt(), f.readInt()
		if len(f.Self) != 8 {
			panic(&VMError{Message: "set_self_ivar without a bound self"})
		}
		vm.memWrite(le64(f.Self)+uint64(offset), s.Pop(size))
	case opcode.GetClassIvar:
		offset, size := f.readInt(), f.readInt()
		ptr := le64(s.Pop(8))
		s.Push(vm.memRead(ptr+uint64(offset), size))
	case opcode.GetStructIvar:
		offset, size, total := f.readInt(), f.readInt(), f.readInt()
		agg := s.Pop(total)
		s.Push(agg[offset : offset+size])

	// ---- constants ----

	case opcode.ConstInitialized:
		s.Push(boolByte(vm.Arenas.ConstInitialized(f.readInt())))
	case opcode.GetConst:
		idx := f.readInt()
		v := vm.Arenas.GetConst(idx)
		if v.Bytes == nil {
			panic(&VMError{Message: fmt.Sprintf("get_const %d before initialization", idx)})
		}
		s.Push(v.Bytes)
	case opcode.SetConst:
		idx, size := f.readInt(), f.readInt()
		vm.Arenas.SetConst(idx, def.Value{Bytes: s.Pop(size)})

	// ---- stack manipulation ----

	case opcode.Pop:
		s.Pop(f.readInt())
	case opcode.PopFromOffset:
		size, offset := f.readInt(), f.readInt()
		s.PopFromOffset(size, offset)
	case opcode.Dup:
		s.Dup(f.readInt())
	case opcode.PushZeros:
		s.PushZeros(f.readInt())
	case opcode.PutStackTopPointer:
		size := f.readInt()
		off := s.SP() - layout.Align(size)
		s.Push(put64(stackAddrBit | uint64(off)))

	// ---- jumps ----

	case opcode.BranchIf:
		target := f.readInt()
		if s.Pop(1)[0] != 0 {
			f.IP = target
		}
	case opcode.BranchUnless:
		target := f.readInt()
		if s.Pop(1)[0] == 0 {
			f.IP = target
		}
	case opcode.Jump:
		f.IP = f.readInt()

	// ---- calls ----

	case opcode.Call:
		vm.enterDef(f.readInt(), -1)
	case opcode.CallWithBlock:
		idx := f.readInt()
		d := vm.Arenas.Def(idx)
		if d == nil || d.Block < 0 {
			panic(&VMError{Message: fmt.Sprintf("call_with_block: def %d has no attached block", idx)})
		}
		vm.enterDef(idx, d.Block)
	case opcode.CallBlock:
		host := vm.Frame
		for host != nil && host.Block < 0 {
			host = host.Caller
		}
		if host == nil {
			panic(&VMError{Message: "call_block with no bound block"})
		}
		vm.enterBlock(host.Block)
	case opcode.LibCall:
		return false, vm.libCall(f.readInt())
	case opcode.Leave:
		vm.leave(f.readInt())
		return true, nil
	case opcode.LeaveDef:
		vm.breakBlock(f.readInt())
		return true, nil
	case opcode.BreakBlock:
		vm.breakBlock(f.readInt())
		return true, nil

	// ---- allocation ----

	case opcode.AllocateClass:
		size, tid := f.readInt(), typeid.ID(f.readU64())
		s.Push(put64(vm.Heap.AllocateClass(size, tid)))

	// ---- unions ----

	case opcode.PutInUnion:
		tid, from, unionSize := f.readU64(), f.readInt(), f.readInt()
		vm.pushUnion(typeid.ID(tid), s.Pop(from), unionSize)
	case opcode.PutReferenceTypeInUnion:
		unionSize := f.readInt()
		ptr := s.Pop(8)
		vm.pushUnion(vm.Heap.TypeIDAt(le64(ptr)), ptr, unionSize)
	case opcode.PutNilableTypeInUnion:
		unionSize := f.readInt()
		ptr := s.Pop(8)
		if le64(ptr) == 0 {
			s.PushZeros(unionSize)
		} else {
			vm.pushUnion(vm.Heap.TypeIDAt(le64(ptr)), ptr, unionSize)
		}
	case opcode.RemoveFromUnion:
		unionSize, from := f.readInt(), f.readInt()
		u := s.Pop(unionSize)
		s.Push(u[8 : 8+from])
	case opcode.UnionToBool:
		unionSize := f.readInt()
		u := s.Pop(unionSize)
		s.Push(boolByte(vm.unionTruthy(u)))

	// ---- is_a? ----

	case opcode.ReferenceIsA:
		filter := typeid.ID(f.readU64())
		tid := vm.Heap.TypeIDAt(le64(s.Pop(8)))
		s.Push(boolByte(vm.Arenas.Types.IsSubtype(tid, filter)))
	case opcode.UnionIsA:
		unionSize, filter := f.readInt(), typeid.ID(f.readU64())
		u := s.Pop(unionSize)
		tid := typeid.ID(le64(u[:8]))
		s.Push(boolByte(vm.Arenas.Types.IsSubtype(tid, filter)))

	// ---- tuples ----

	case opcode.TupleIndexerKnownIndex:
		tupleSize, offset, valueSize := f.readInt(), f.readInt(), f.readInt()
		tup := s.Pop(tupleSize)
		s.Push(tup[offset : offset+valueSize])

	// ---- symbols ----

	case opcode.SymbolToS:
		idx := f.readInt()
		addr, ok := vm.symbolAddrs[idx]
		if !ok {
			addr = vm.cString(vm.Arenas.SymbolName(idx))
			vm.symbolAddrs[idx] = addr
		}
		s.Push(put64(addr))

	// ---- procs ----

	case opcode.ProcCall:
		proc := s.Pop(16)
		defIdx, closure := int(le64(proc[:8])), le64(proc[8:])
		if closure != 0 {
			s.Push(put64(closure))
		}
		vm.enterDef(defIdx, -1)
	case opcode.ProcToCFun:
		ciIdx := f.readInt()
		proc := s.Pop(16)
		if vm.FFI == nil {
			panic(&VMError{Message: "proc_to_c_fun without an FFI bridge"})
		}
		addr, cerr := vm.FFI.ProcToCFun(vm, int(le64(proc[:8])), le64(proc[8:]), ciIdx)
		if cerr != nil {
			return false, vm.raiseTyped(vm.LibraryErrorType, cerr.Error())
		}
		s.Push(put64(addr))
	case opcode.CFunToProc:
		addr := le64(s.Pop(8))
		if vm.FFI == nil {
			panic(&VMError{Message: "c_fun_to_proc without an FFI bridge"})
		}
		defIdx, closure, ok := vm.FFI.CFunToProc(vm, addr)
		if !ok {
			panic(&VMError{Message: fmt.Sprintf("c_fun_to_proc: %#x is not a registered closure", addr)})
		}
		proc := make([]byte, 16)
		copy(proc, put64(uint64(defIdx)))
		copy(proc[8:], put64(closure))
		s.Push(proc)

	// ---- atomics (ordering operand accepted, sequentially consistent) ----

	case opcode.LoadAtomic:
		elem, _ := f.readInt(), f.readU64()
		ptr := vm.heapAddr(le64(s.Pop(8)))
		s.Push(atomics.Load(vm.Heap.Mem(), ptr, elem))
	case opcode.StoreAtomic:
		elem, _ := f.readInt(), f.readU64()
		value := s.Pop(elem)
		ptr := vm.heapAddr(le64(s.Pop(8)))
		atomics.Store(vm.Heap.Mem(), ptr, value)
	case opcode.AtomicRMW:
		rmw, elem, _ := atomics.RMWOp(f.readInt()), f.readInt(), f.readU64()
		operand := s.Pop(elem)
		ptr := vm.heapAddr(le64(s.Pop(8)))
		s.Push(atomics.RMW(vm.Heap.Mem(), ptr, elem, rmw, operand))
	case opcode.CmpXchg:
		elem, _ := f.readInt(), f.readU64()
		desired := s.Pop(elem)
		expected := s.Pop(elem)
		ptr := vm.heapAddr(le64(s.Pop(8)))
		old, swapped := atomics.CmpXchg(vm.Heap.Mem(), ptr, elem, expected, desired)
		s.Push(old)
		s.Push(boolByte(swapped))

	// ---- fibers ----

	case opcode.InterpreterCurrentFiber:
		if vm.Fibers == nil {
			s.Push(put64(vm.FiberID))
		} else {
			s.Push(put64(vm.Fibers.CurrentFiber(vm)))
		}
	case opcode.InterpreterSpawn:
		if vm.Fibers == nil {
			panic(&VMError{Message: "interpreter_spawn without a fiber scheduler"})
		}
		proc := s.Pop(16)
		handle, serr := vm.Fibers.Spawn(vm, int(le64(proc[:8])), le64(proc[8:]))
		if serr != nil {
			return false, serr
		}
		s.Push(put64(handle))
	case opcode.InterpreterFiberSwapcontext:
		if vm.Fibers == nil {
			panic(&VMError{Message: "interpreter_fiber_swapcontext without a fiber scheduler"})
		}
		to := le64(s.Pop(8))
		from := le64(s.Pop(8))
		if serr := vm.Fibers.SwapContext(vm, from, to); serr != nil {
			return false, serr
		}

	// ---- exceptions ----

	case opcode.InterpreterRaiseWithoutBacktrace:
		ptr := s.Pop(8)
		return false, vm.raise(vm.Heap.TypeIDAt(le64(ptr)), ptr)
	case opcode.Reraise:
		if vm.currentException == nil {
			panic(&VMError{Message: "reraise with no in-flight exception"})
		}
		return false, vm.currentException
	case opcode.InterpreterCallStackUnwind:
		bt := vm.captureBacktrace()
		msg := ""
		for i, name := range bt.Frames {
			if i > 0 {
				msg += "\n"
			}
			msg += name
		}
		s.Push(put64(vm.cString(msg)))

	// ---- ARGV ----

	case opcode.PushArgc:
		s.Push(put32(uint32(len(vm.Argv))))
	case opcode.PushArgv:
		s.Push(put64(vm.argvBlock()))

	// ---- unreachable ----

	case opcode.Unreachable:
		msg := f.readString()
		panic(&VMError{Message: "unreachable: " + msg})

	// ---- intrinsics ----

	case opcode.ByteSwap:
		size := f.readInt()
		b := s.Pop(size)
		for i, j := 0, len(b)-1; i < j; i, j = i+1, j-1 {
			b[i], b[j] = b[j], b[i]
		}
		s.Push(b)
	case opcode.PopCount:
		size := f.readInt()
		v := unsignedFromBytes(s.Pop(size))
		s.Push(intToBytes(uint64(bits.OnesCount64(v)), size))
	case opcode.CountLeadingZeros:
		size := f.readInt()
		v := unsignedFromBytes(s.Pop(size))
		n := bits.LeadingZeros64(v) - (64 - 8*size)
		s.Push(intToBytes(uint64(n), size))
	case opcode.CountTrailingZeros:
		size := f.readInt()
		v := unsignedFromBytes(s.Pop(size))
		n := bits.TrailingZeros64(v)
		if n > 8*size {
			n = 8 * size
		}
		s.Push(intToBytes(uint64(n), size))
	case opcode.CycleCounter:
		s.Push(put64(uint64(time.Now().UnixNano())))
	case opcode.Pause:
		runtime.Gosched()
	case opcode.DebugTrap:
		if terr := vm.Inspector.OnTrap(vm); terr != nil {
			if re, ok := terr.(*RaisedException); ok {
				return false, re
			}
			return false, &VMError{Message: "inspector: " + terr.Error()}
		}
	case opcode.Memcpy, opcode.Memmove:
		_ = s.Pop(1) // volatile flag
		count := le64(s.Pop(8))
		src := le64(s.Pop(8))
		dst := le64(s.Pop(8))
		// memRead copies out before memWrite stores, so overlapping
		// ranges behave as memmove for both opcodes.
		vm.memWrite(dst, vm.memRead(src, int(count)))
	case opcode.Memset:
		_ = s.Pop(1) // volatile flag
		count := le64(s.Pop(8))
		value := s.Pop(1)[0]
		dst := le64(s.Pop(8))
		buf := make([]byte, count)
		for i := range buf {
			buf[i] = value
		}
		vm.memWrite(dst, buf)

	default:
		panic(&VMError{Message: fmt.Sprintf("out-of-range opcode %d at ip %d", op, f.IP-1)})
	}
	return false, nil
}

// heapAddr strips nothing but rejects stack-region addresses, which the
// atomics opcodes cannot honor (the stack is per-fiber, never shared).
func (vm *VM) heapAddr(addr uint64) uint64 {
	if addr&stackAddrBit != 0 {
		panic(&VMError{Message: "atomic access to a stack address"})
	}
	return addr
}

// extendTop widens the value in the top stack slot by n bytes, filling
// with the sign bit or with zeros. The value occupied 8-n meaningful bytes
// and fills the slot afterward.
func (vm *VM) extendTop(n int, signExtend bool) {
	if n <= 0 || n >= 8 {
		panic(&VMError{Message: fmt.Sprintf("extend by %d bytes out of range", n)})
	}
	top := vm.Stack.TopPointer(8)
	src := 8 - n
	fill := byte(0)
	if signExtend && top[src-1]&0x80 != 0 {
		fill = 0xFF
	}
	for i := src; i < 8; i++ {
		top[i] = fill
	}
}

// pushUnion builds the fixed union layout: an 8-byte TypeId header, the
// payload, zeros to unionSize.
func (vm *VM) pushUnion(tid typeid.ID, payload []byte, unionSize int) {
	if unionSize < 8+len(payload) {
		panic(&VMError{Message: fmt.Sprintf("union size %d cannot hold %d payload bytes", unionSize, len(payload))})
	}
	buf := make([]byte, unionSize)
	copy(buf, put64(uint64(tid)))
	copy(buf[8:], payload)
	vm.Stack.Push(buf)
}

// unionTruthy maps the stored type's truthiness: nil header, false, and a
// null pointer are false; everything else is true.
func (vm *VM) unionTruthy(u []byte) bool {
	tid := typeid.ID(le64(u[:8]))
	if tid == typeid.Null {
		return false
	}
	desc := vm.Arenas.Types.Lookup(tid)
	switch {
	case desc.Kind == typeid.Primitive && desc.Name == "Bool":
		return u[8] != 0
	case desc.Kind == typeid.Pointer || desc.Kind == typeid.ReferenceClass:
		return le64(u[8:16]) != 0
	default:
		return true
	}
}

// libCall pops the argument bytes the call interface names, right to left,
// and invokes the resolved native function through the FFI bridge. A
// failing call raises LibraryError so user code may catch it.
func (vm *VM) libCall(fnIdx int) error {
	fn := vm.Arenas.LibFunc(fnIdx)
	if fn == nil {
		panic(&VMError{Message: fmt.Sprintf("lib_call: undefined LibFunction %d", fnIdx)})
	}
	ci := vm.Arenas.CallInterfaceAt(fn.CIF)
	if ci == nil {
		panic(&VMError{Message: fmt.Sprintf("lib_call %s: undefined call interface %d", fn.Symbol, fn.CIF)})
	}
	if vm.FFI == nil {
		panic(&VMError{Message: "lib_call without an FFI bridge"})
	}
	args := make([][]byte, len(ci.ArgKinds))
	for i := len(ci.ArgKinds) - 1; i >= 0; i-- {
		args[i] = vm.Stack.Pop(layout.Size(layout.Kind(ci.ArgKinds[i])))
	}
	result, err := vm.FFI.LibCall(vm, fn, args)
	if err != nil {
		return vm.raiseTyped(vm.LibraryErrorType, fmt.Sprintf("%s: %v", fn.Symbol, err))
	}
	if len(result) > 0 {
		vm.Stack.Push(result)
	}
	return nil
}

// stepLibm executes one of the math-library opcodes. f32 variants compute
// in float64 and truncate, which matches the host libm's promotion.
func (vm *VM) stepLibm(op opcode.Op) error {
	name, wide, ok := opcode.LibmFunc(op)
	if !ok {
		panic(&VMError{Message: fmt.Sprintf("out-of-range opcode %d", op)})
	}
	s := vm.Stack

	popF := func() float64 {
		if wide {
			return math.Float64frombits(le64(s.Pop(8)))
		}
		return float64(math.Float32frombits(le32(s.Pop(4))))
	}
	pushF := func(v float64) {
		if wide {
			s.Push(put64(math.Float64bits(v)))
		} else {
			s.Push(put32(math.Float32bits(float32(v))))
		}
	}

	switch name {
	case "ceil":
		pushF(math.Ceil(popF()))
	case "cos":
		pushF(math.Cos(popF()))
	case "exp":
		pushF(math.Exp(popF()))
	case "floor":
		pushF(math.Floor(popF()))
	case "log":
		pushF(math.Log(popF()))
	case "round":
		pushF(math.Round(popF()))
	case "rint":
		pushF(math.RoundToEven(popF()))
	case "sin":
		pushF(math.Sin(popF()))
	case "sqrt":
		pushF(math.Sqrt(popF()))
	case "trunc":
		pushF(math.Trunc(popF()))
	case "pow":
		b := popF()
		a := popF()
		pushF(math.Pow(a, b))
	case "powi":
		n := int32(le32(s.Pop(4)))
		a := popF()
		pushF(math.Pow(a, float64(n)))
	case "min":
		b := popF()
		a := popF()
		pushF(math.Min(a, b))
	case "max":
		b := popF()
		a := popF()
		pushF(math.Max(a, b))
	case "copysign":
		b := popF()
		a := popF()
		pushF(math.Copysign(a, b))
	default:
		panic(&VMError{Message: "unknown libm function " + name})
	}
	return nil
}

// intToBytes encodes v into size little-endian bytes.
func intToBytes(v uint64, size int) []byte {
	b := make([]byte, size)
	for i := 0; i < size; i++ {
		b[i] = byte(v >> (8 * i))
	}
	return b
}

// argvBlock lazily materializes ARGV in the heap: NUL-terminated strings
// plus a pointer array, the C convention push_argv hands to user code.
func (vm *VM) argvBlock() uint64 {
	if vm.argvAddr != 0 {
		return vm.argvAddr
	}
	ptrs := make([]uint64, len(vm.Argv))
	for i, a := range vm.Argv {
		ptrs[i] = vm.cString(a)
	}
	addr := vm.Heap.Alloc(8 * (len(ptrs) + 1))
	for i, p := range ptrs {
		vm.Heap.Write(addr+uint64(8*i), put64(p))
	}
	vm.argvAddr = addr
	return addr
}
