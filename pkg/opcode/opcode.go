// Package opcode is the single source of truth for the interpreter's
// instruction set: one flat enum plus one literal table describing each
// opcode's operand shape and disassembly mnemonic. The assembler
// (pkg/asm), the executor (pkg/exec), and the disassembler all index the
// same table instead of carrying three independent copies of the opcode
// list.
package opcode

// Op identifies one interpreter instruction.
type Op uint16

// OperandKind describes the inline operand(s) following an opcode byte.
type OperandKind int

const (
	// NoOperand opcodes carry no inline bytes.
	NoOperand OperandKind = iota
	// Imm64 is a single little-endian 64-bit immediate (literal value, jump target, amount).
	Imm64
	// Imm64x2 is a pair of Imm64 operands (e.g. offset+size).
	Imm64x2
	// Imm64x3 is a triple of Imm64 operands.
	Imm64x3
	// DefRef is a 64-bit index into the CompiledDef arena.
	DefRef
	// BlockRef is a 64-bit index into the CompiledBlock arena.
	BlockRef
	// LibFuncRef is a 64-bit index into the LibFunction arena.
	LibFuncRef
	// CallInterfaceRef is a 64-bit index into the CallInterface arena.
	CallInterfaceRef
	// SymbolRef is a 64-bit index into the symbol table.
	SymbolRef
	// StringImm carries an inline message string (unreachable).
	StringImm
)

// Spec is the literal, authoritative description of one opcode.
type Spec struct {
	Op       Op
	Name     string
	Operands OperandKind
	Pushes   bool
}

//-----------------------------------------------------------------------------
// Put / literal (15)
//-----------------------------------------------------------------------------

const (
	PutNil Op = iota
	PutI8
	PutI16
	PutI32
	PutI64
	PutI128
	PutU8
	PutU16
	PutU32
	PutU64
	PutU128
	PutF32
	PutF64
	PutBool
	PutChar

	//-------------------------------------------------------------------
	// Conversions (21)
	//-------------------------------------------------------------------
	I8ToF32
	I8ToF64
	I16ToF32
	I16ToF64
	I32ToF32
	I32ToF64
	I64ToF32
	I64ToF64
	U8ToF32
	U8ToF64
	U16ToF32
	U16ToF64
	U32ToF32
	U32ToF64
	U64ToF32
	U64ToF64
	F32ToF64
	F64ToF32
	F64ToI64Trunc
	SignExtend
	ZeroExtend

	//-------------------------------------------------------------------
	// Arithmetic (40, native widths) + wide i128/u128 (12)
	//-------------------------------------------------------------------
	AddI32
	AddI64
	AddU32
	AddU64
	AddF32
	AddF64
	SubI32
	SubI64
	SubU32
	SubU64
	SubF32
	SubF64
	MulI32
	MulI64
	MulU32
	MulU64
	MulF32
	MulF64
	AddWrapI32
	AddWrapI64
	AddWrapU32
	AddWrapU64
	SubWrapI32
	SubWrapI64
	SubWrapU32
	SubWrapU64
	MulWrapI32
	MulWrapI64
	MulWrapU32
	MulWrapU64
	UnsafeDivI32
	UnsafeDivI64
	UnsafeDivU32
	UnsafeDivU64
	UnsafeModI64
	UnsafeModU64
	NegI32
	NegI64
	NegF32
	NegF64

	AddI128
	AddU128
	SubI128
	SubU128
	MulI128
	MulU128
	UnsafeDivI128
	UnsafeDivU128
	UnsafeModI128
	UnsafeModU128
	CmpI128
	CmpU128

	//-------------------------------------------------------------------
	// Comparisons (14)
	//-------------------------------------------------------------------
	CmpI32
	CmpI64
	CmpU32
	CmpU64
	CmpF32
	CmpF64
	CmpBool
	CmpChar
	CmpEq
	CmpNeq
	CmpLt
	CmpLe
	CmpGt
	CmpGe

	//-------------------------------------------------------------------
	// Pointers (10)
	//-------------------------------------------------------------------
	PointerMalloc
	PointerRealloc
	PointerSet
	PointerGet
	PointerNew
	PointerAdd
	PointerDiff
	PointerIsNull
	PointerNotNull
	PointerCast

	//-------------------------------------------------------------------
	// Locals (2)
	//-------------------------------------------------------------------
	SetLocal
	GetLocal

	//-------------------------------------------------------------------
	// Instance vars (4)
	//-------------------------------------------------------------------
	GetSelfIvar
	SetSelfIvar
	GetClassIvar
	GetStructIvar

	//-------------------------------------------------------------------
	// Constants / class vars (3)
	//-------------------------------------------------------------------
	ConstInitialized
	GetConst
	SetConst

	//-------------------------------------------------------------------
	// Stack manipulation (5)
	//-------------------------------------------------------------------
	Pop
	PopFromOffset
	Dup
	PushZeros
	PutStackTopPointer

	//-------------------------------------------------------------------
	// Jumps (3)
	//-------------------------------------------------------------------
	BranchIf
	BranchUnless
	Jump

	//-------------------------------------------------------------------
	// Calls (7)
	//-------------------------------------------------------------------
	Call
	CallWithBlock
	CallBlock
	LibCall
	Leave
	LeaveDef
	BreakBlock

	//-------------------------------------------------------------------
	// Allocation (1)
	//-------------------------------------------------------------------
	AllocateClass

	//-------------------------------------------------------------------
	// Unions (5)
	//-------------------------------------------------------------------
	PutInUnion
	PutReferenceTypeInUnion
	PutNilableTypeInUnion
	RemoveFromUnion
	UnionToBool

	//-------------------------------------------------------------------
	// is_a? (2)
	//-------------------------------------------------------------------
	ReferenceIsA
	UnionIsA

	//-------------------------------------------------------------------
	// Tuples (1)
	//-------------------------------------------------------------------
	TupleIndexerKnownIndex

	//-------------------------------------------------------------------
	// Symbols (1)
	//-------------------------------------------------------------------
	SymbolToS

	//-------------------------------------------------------------------
	// Proc (3)
	//-------------------------------------------------------------------
	ProcCall
	ProcToCFun
	CFunToProc

	//-------------------------------------------------------------------
	// Atomics (4)
	//-------------------------------------------------------------------
	LoadAtomic
	StoreAtomic
	AtomicRMW
	CmpXchg

	//-------------------------------------------------------------------
	// Fibers (3)
	//-------------------------------------------------------------------
	InterpreterCurrentFiber
	InterpreterSpawn
	InterpreterFiberSwapcontext

	//-------------------------------------------------------------------
	// Exceptions (3)
	//-------------------------------------------------------------------
	InterpreterRaiseWithoutBacktrace
	Reraise
	InterpreterCallStackUnwind

	//-------------------------------------------------------------------
	// ARGV (2)
	//-------------------------------------------------------------------
	PushArgc
	PushArgv

	//-------------------------------------------------------------------
	// Unreachable (1)
	//-------------------------------------------------------------------
	Unreachable

	//-------------------------------------------------------------------
	// Intrinsics (10, non-libm)
	//-------------------------------------------------------------------
	ByteSwap
	PopCount
	CountLeadingZeros
	CountTrailingZeros
	CycleCounter
	Pause
	DebugTrap
	Memcpy
	Memmove
	Memset

	libmBase // marker: libm opcodes are appended after this point, see init()
)

// LibmBase is the first libm opcode; the family occupies the contiguous
// range [LibmBase, LibmBase+2*len(LibmFuncs)), f32 variants first.
const LibmBase = libmBase

// LibmFunc decodes a libm opcode into its function name and precision.
// ok is false when op is not in the libm range.
func LibmFunc(op Op) (name string, f64 bool, ok bool) {
	if op < LibmBase {
		return "", false, false
	}
	idx := int(op - LibmBase)
	if idx >= 2*len(libmFuncs) {
		return "", false, false
	}
	return libmFuncs[idx%len(libmFuncs)], idx >= len(libmFuncs), true
}

// libmFuncs is the math-library surface, each function instantiated at
// f32 and f64. Declared as data so the two width variants are generated
// from one list rather than copy-pasted per type.
var libmFuncs = []string{
	"ceil", "cos", "exp", "floor", "log", "round", "rint", "sin", "sqrt",
	"trunc", "pow", "powi", "min", "max", "copysign",
}

// Table is the literal, authoritative description of every opcode. Builder
// functions below append the libm family at init time; everything else is
// listed explicitly.
var Table []Spec

func reg(op Op, name string, operands OperandKind, pushes bool) {
	if int(op) >= len(Table) {
		grown := make([]Spec, op+1)
		copy(grown, Table)
		Table = grown
	}
	Table[op] = Spec{Op: op, Name: name, Operands: operands, Pushes: pushes}
}

func init() {
	reg(PutNil, "put_nil", NoOperand, false)
	reg(PutI8, "put_i8", Imm64, true)
	reg(PutI16, "put_i16", Imm64, true)
	reg(PutI32, "put_i32", Imm64, true)
	reg(PutI64, "put_i64", Imm64, true)
	reg(PutI128, "put_i128", Imm64x2, true)
	reg(PutU8, "put_u8", Imm64, true)
	reg(PutU16, "put_u16", Imm64, true)
	reg(PutU32, "put_u32", Imm64, true)
	reg(PutU64, "put_u64", Imm64, true)
	reg(PutU128, "put_u128", Imm64x2, true)
	reg(PutF32, "put_f32", Imm64, true)
	reg(PutF64, "put_f64", Imm64, true)
	reg(PutBool, "put_bool", Imm64, true)
	reg(PutChar, "put_char", Imm64, true)

	conv := []struct {
		op   Op
		name string
	}{
		{I8ToF32, "i8_to_f32"}, {I8ToF64, "i8_to_f64"},
		{I16ToF32, "i16_to_f32"}, {I16ToF64, "i16_to_f64"},
		{I32ToF32, "i32_to_f32"}, {I32ToF64, "i32_to_f64"},
		{I64ToF32, "i64_to_f32"}, {I64ToF64, "i64_to_f64"},
		{U8ToF32, "u8_to_f32"}, {U8ToF64, "u8_to_f64"},
		{U16ToF32, "u16_to_f32"}, {U16ToF64, "u16_to_f64"},
		{U32ToF32, "u32_to_f32"}, {U32ToF64, "u32_to_f64"},
		{U64ToF32, "u64_to_f32"}, {U64ToF64, "u64_to_f64"},
		{F32ToF64, "f32_to_f64"}, {F64ToF32, "f64_to_f32"},
		{F64ToI64Trunc, "f64_to_i64!"},
	}
	for _, c := range conv {
		reg(c.op, c.name, NoOperand, true)
	}
	reg(SignExtend, "sign_extend", Imm64, true)
	reg(ZeroExtend, "zero_extend", Imm64, true)

	arith := []struct {
		op   Op
		name string
	}{
		{AddI32, "add_i32"}, {AddI64, "add_i64"}, {AddU32, "add_u32"}, {AddU64, "add_u64"}, {AddF32, "add_f32"}, {AddF64, "add_f64"},
		{SubI32, "sub_i32"}, {SubI64, "sub_i64"}, {SubU32, "sub_u32"}, {SubU64, "sub_u64"}, {SubF32, "sub_f32"}, {SubF64, "sub_f64"},
		{MulI32, "mul_i32"}, {MulI64, "mul_i64"}, {MulU32, "mul_u32"}, {MulU64, "mul_u64"}, {MulF32, "mul_f32"}, {MulF64, "mul_f64"},
		{AddWrapI32, "add_wrap_i32"}, {AddWrapI64, "add_wrap_i64"}, {AddWrapU32, "add_wrap_u32"}, {AddWrapU64, "add_wrap_u64"},
		{SubWrapI32, "sub_wrap_i32"}, {SubWrapI64, "sub_wrap_i64"}, {SubWrapU32, "sub_wrap_u32"}, {SubWrapU64, "sub_wrap_u64"},
		{MulWrapI32, "mul_wrap_i32"}, {MulWrapI64, "mul_wrap_i64"}, {MulWrapU32, "mul_wrap_u32"}, {MulWrapU64, "mul_wrap_u64"},
		{UnsafeDivI32, "unsafe_div_i32"}, {UnsafeDivI64, "unsafe_div_i64"}, {UnsafeDivU32, "unsafe_div_u32"}, {UnsafeDivU64, "unsafe_div_u64"},
		{UnsafeModI64, "unsafe_mod_i64"}, {UnsafeModU64, "unsafe_mod_u64"},
		{NegI32, "neg_i32"}, {NegI64, "neg_i64"}, {NegF32, "neg_f32"}, {NegF64, "neg_f64"},
		{AddI128, "add_i128"}, {AddU128, "add_u128"}, {SubI128, "sub_i128"}, {SubU128, "sub_u128"},
		{MulI128, "mul_i128"}, {MulU128, "mul_u128"}, {UnsafeDivI128, "unsafe_div_i128"}, {UnsafeDivU128, "unsafe_div_u128"},
		{UnsafeModI128, "unsafe_mod_i128"}, {UnsafeModU128, "unsafe_mod_u128"},
	}
	for _, a := range arith {
		reg(a.op, a.name, NoOperand, true)
	}
	reg(CmpI128, "cmp_i128", NoOperand, true)
	reg(CmpU128, "cmp_u128", NoOperand, true)

	cmp := []struct {
		op   Op
		name string
	}{
		{CmpI32, "cmp_i32"}, {CmpI64, "cmp_i64"}, {CmpU32, "cmp_u32"}, {CmpU64, "cmp_u64"},
		{CmpF32, "cmp_f32"}, {CmpF64, "cmp_f64"}, {CmpBool, "cmp_bool"}, {CmpChar, "cmp_char"},
		{CmpEq, "cmp_eq"}, {CmpNeq, "cmp_neq"}, {CmpLt, "cmp_lt"}, {CmpLe, "cmp_le"}, {CmpGt, "cmp_gt"}, {CmpGe, "cmp_ge"},
	}
	for _, c := range cmp {
		reg(c.op, c.name, NoOperand, true)
	}

	reg(PointerMalloc, "pointer_malloc", Imm64, true)
	reg(PointerRealloc, "pointer_realloc", Imm64, true)
	reg(PointerSet, "pointer_set", Imm64, false)
	reg(PointerGet, "pointer_get", Imm64, true)
	reg(PointerNew, "pointer_new", NoOperand, true)
	reg(PointerAdd, "pointer_add", Imm64, true)
	reg(PointerDiff, "pointer_diff", Imm64, true)
	reg(PointerIsNull, "pointer_is_null", NoOperand, true)
	reg(PointerNotNull, "pointer_not_null", NoOperand, true)
	reg(PointerCast, "pointer_cast", NoOperand, true)

	reg(SetLocal, "set_local", Imm64x2, false)
	reg(GetLocal, "get_local", Imm64x2, true)

	reg(GetSelfIvar, "get_self_ivar", Imm64x2, true)
	reg(SetSelfIvar, "set_self_ivar", Imm64x2, false)
	reg(GetClassIvar, "get_class_ivar", Imm64x2, true)
	reg(GetStructIvar, "get_struct_ivar", Imm64x3, true)

	reg(ConstInitialized, "const_initialized", Imm64, true)
	reg(GetConst, "get_const", Imm64, true)
	reg(SetConst, "set_const", Imm64x2, false)

	reg(Pop, "pop", Imm64, false)
	reg(PopFromOffset, "pop_from_offset", Imm64x2, false)
	reg(Dup, "dup", Imm64, true)
	reg(PushZeros, "push_zeros", Imm64, true)
	reg(PutStackTopPointer, "put_stack_top_pointer", Imm64, true)

	reg(BranchIf, "branch_if", Imm64, false)
	reg(BranchUnless, "branch_unless", Imm64, false)
	reg(Jump, "jump", Imm64, false)

	reg(Call, "call", DefRef, true)
	reg(CallWithBlock, "call_with_block", DefRef, true)
	reg(CallBlock, "call_block", NoOperand, true)
	reg(LibCall, "lib_call", LibFuncRef, true)
	reg(Leave, "leave", Imm64, true)
	reg(LeaveDef, "leave_def", Imm64, true)
	reg(BreakBlock, "break_block", Imm64, true)

	reg(AllocateClass, "allocate_class", Imm64x2, true)

	reg(PutInUnion, "put_in_union", Imm64x3, true)
	reg(PutReferenceTypeInUnion, "put_reference_type_in_union", Imm64, true)
	reg(PutNilableTypeInUnion, "put_nilable_type_in_union", Imm64, true)
	reg(RemoveFromUnion, "remove_from_union", Imm64x2, true)
	reg(UnionToBool, "union_to_bool", Imm64, true)

	reg(ReferenceIsA, "reference_is_a", Imm64, true)
	reg(UnionIsA, "union_is_a", Imm64x2, true)

	reg(TupleIndexerKnownIndex, "tuple_indexer_known_index", Imm64x3, true)

	reg(SymbolToS, "symbol_to_s", SymbolRef, true)

	reg(ProcCall, "proc_call", NoOperand, true)
	reg(ProcToCFun, "proc_to_c_fun", CallInterfaceRef, true)
	reg(CFunToProc, "c_fun_to_proc", NoOperand, true)

	reg(LoadAtomic, "load_atomic", Imm64x2, true)
	reg(StoreAtomic, "store_atomic", Imm64x2, false)
	reg(AtomicRMW, "atomicrmw", Imm64x3, true)
	reg(CmpXchg, "cmpxchg", Imm64x2, true)

	reg(InterpreterCurrentFiber, "interpreter_current_fiber", NoOperand, true)
	reg(InterpreterSpawn, "interpreter_spawn", NoOperand, true)
	reg(InterpreterFiberSwapcontext, "interpreter_fiber_swapcontext", NoOperand, false)

	reg(InterpreterRaiseWithoutBacktrace, "interpreter_raise_without_backtrace", NoOperand, false)
	reg(Reraise, "reraise", NoOperand, false)
	reg(InterpreterCallStackUnwind, "interpreter_call_stack_unwind", NoOperand, true)

	reg(PushArgc, "push_argc", NoOperand, true)
	reg(PushArgv, "push_argv", NoOperand, true)

	reg(Unreachable, "unreachable", StringImm, false)

	reg(ByteSwap, "byte_swap", Imm64, true)
	reg(PopCount, "popcount", Imm64, true)
	reg(CountLeadingZeros, "count_leading_zeros", Imm64, true)
	reg(CountTrailingZeros, "count_trailing_zeros", Imm64, true)
	reg(CycleCounter, "cycle_counter", NoOperand, true)
	reg(Pause, "pause", NoOperand, false)
	reg(DebugTrap, "pry", NoOperand, false)
	reg(Memcpy, "memcpy", NoOperand, false)
	reg(Memmove, "memmove", NoOperand, false)
	reg(Memset, "memset", NoOperand, false)

	next := Op(libmBase)
	for _, width := range []string{"f32", "f64"} {
		for _, fn := range libmFuncs {
			reg(next, "libm_"+fn+"_"+width, NoOperand, true)
			next++
		}
	}
}

// Name returns the disassembly mnemonic for op, or a placeholder if unknown.
func Name(op Op) string {
	if int(op) < len(Table) && Table[op].Name != "" {
		return Table[op].Name
	}
	return "op(" + itoa(int(op)) + ")"
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
