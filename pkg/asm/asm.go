// Package asm is the bytecode-builder DSL the compiler interface is
// exercised through: chained Go calls that emit real opcode bytes into a
// CompiledDef. It is not a parser or an assembler for a textual syntax;
// the semantic analyzer that would emit bytecode in a full toolchain
// lives elsewhere, and this package is the seam it plugs into.
package asm

import (
	"encoding/binary"
	"fmt"
	"math"

	"vm/pkg/def"
	"vm/pkg/opcode"
	"vm/pkg/typeid"
)

// Label names a forward or backward jump target within one Builder.
type Label int

type patch struct {
	offset int
	label  Label
}

// Builder accumulates one bytecode buffer. Methods return the Builder so
// programs read as instruction sequences.
type Builder struct {
	code     []byte
	labels   []int
	patches  []patch
	handlers []def.Handler
}

// New returns an empty Builder.
func New() *Builder {
	return &Builder{}
}

// Emit appends op and its inline operands, validating the operand count
// against the opcode table.
func (b *Builder) Emit(op opcode.Op, operands ...uint64) *Builder {
	spec := opcode.Table[op]
	want := 0
	switch spec.Operands {
	case opcode.Imm64, opcode.DefRef, opcode.BlockRef, opcode.LibFuncRef, opcode.CallInterfaceRef, opcode.SymbolRef:
		want = 1
	case opcode.Imm64x2:
		want = 2
	case opcode.Imm64x3:
		want = 3
	case opcode.StringImm:
		panic(fmt.Sprintf("asm: %s takes a string operand, use EmitString", spec.Name))
	}
	if len(operands) != want {
		panic(fmt.Sprintf("asm: %s takes %d operands, got %d", spec.Name, want, len(operands)))
	}
	b.code = append(b.code, byte(op))
	for _, v := range operands {
		b.code = binary.LittleEndian.AppendUint64(b.code, v)
	}
	return b
}

// EmitString appends a StringImm opcode (unreachable).
func (b *Builder) EmitString(op opcode.Op, s string) *Builder {
	b.code = append(b.code, byte(op))
	b.code = binary.LittleEndian.AppendUint64(b.code, uint64(len(s)))
	b.code = append(b.code, s...)
	return b
}

// Op appends a no-operand opcode.
func (b *Builder) Op(op opcode.Op) *Builder { return b.Emit(op) }

// Offset reports the next instruction's byte offset.
func (b *Builder) Offset() int { return len(b.code) }

// NewLabel allocates an unbound label.
func (b *Builder) NewLabel() Label {
	b.labels = append(b.labels, -1)
	return Label(len(b.labels) - 1)
}

// Here binds l to the current offset.
func (b *Builder) Here(l Label) *Builder {
	b.labels[l] = len(b.code)
	return b
}

func (b *Builder) emitJump(op opcode.Op, l Label) *Builder {
	b.code = append(b.code, byte(op))
	b.patches = append(b.patches, patch{offset: len(b.code), label: l})
	b.code = binary.LittleEndian.AppendUint64(b.code, 0)
	return b
}

// Literals.

func (b *Builder) PutNil() *Builder        { return b.Op(opcode.PutNil) }
func (b *Builder) PutI8(v int8) *Builder   { return b.Emit(opcode.PutI8, uint64(uint8(v))) }
func (b *Builder) PutI16(v int16) *Builder { return b.Emit(opcode.PutI16, uint64(uint16(v))) }
func (b *Builder) PutI32(v int32) *Builder { return b.Emit(opcode.PutI32, uint64(uint32(v))) }
func (b *Builder) PutI64(v int64) *Builder { return b.Emit(opcode.PutI64, uint64(v)) }
func (b *Builder) PutU8(v uint8) *Builder  { return b.Emit(opcode.PutU8, uint64(v)) }
func (b *Builder) PutU32(v uint32) *Builder {
	return b.Emit(opcode.PutU32, uint64(v))
}
func (b *Builder) PutU64(v uint64) *Builder { return b.Emit(opcode.PutU64, v) }
func (b *Builder) PutF32(v float32) *Builder {
	return b.Emit(opcode.PutF32, uint64(math.Float32bits(v)))
}
func (b *Builder) PutF64(v float64) *Builder {
	return b.Emit(opcode.PutF64, math.Float64bits(v))
}
func (b *Builder) PutBool(v bool) *Builder {
	var imm uint64
	if v {
		imm = 1
	}
	return b.Emit(opcode.PutBool, imm)
}

// Locals and stack manipulation.

func (b *Builder) SetLocal(offset, size int) *Builder {
	return b.Emit(opcode.SetLocal, uint64(offset), uint64(size))
}
func (b *Builder) GetLocal(offset, size int) *Builder {
	return b.Emit(opcode.GetLocal, uint64(offset), uint64(size))
}
func (b *Builder) Pop(size int) *Builder  { return b.Emit(opcode.Pop, uint64(size)) }
func (b *Builder) Dup(size int) *Builder  { return b.Emit(opcode.Dup, uint64(size)) }
func (b *Builder) PushZeros(n int) *Builder {
	return b.Emit(opcode.PushZeros, uint64(n))
}

// Control flow.

func (b *Builder) Jump(l Label) *Builder         { return b.emitJump(opcode.Jump, l) }
func (b *Builder) BranchIf(l Label) *Builder     { return b.emitJump(opcode.BranchIf, l) }
func (b *Builder) BranchUnless(l Label) *Builder { return b.emitJump(opcode.BranchUnless, l) }

// Calls and returns.

func (b *Builder) Call(defIdx int) *Builder { return b.Emit(opcode.Call, uint64(defIdx)) }
func (b *Builder) CallWithBlock(defIdx int) *Builder {
	return b.Emit(opcode.CallWithBlock, uint64(defIdx))
}
func (b *Builder) CallBlock() *Builder { return b.Op(opcode.CallBlock) }
func (b *Builder) LibCall(fnIdx int) *Builder {
	return b.Emit(opcode.LibCall, uint64(fnIdx))
}
func (b *Builder) Leave(size int) *Builder    { return b.Emit(opcode.Leave, uint64(size)) }
func (b *Builder) LeaveDef(size int) *Builder { return b.Emit(opcode.LeaveDef, uint64(size)) }
func (b *Builder) BreakBlock(size int) *Builder {
	return b.Emit(opcode.BreakBlock, uint64(size))
}

// Heap and unions.

func (b *Builder) AllocateClass(size int, t typeid.ID) *Builder {
	return b.Emit(opcode.AllocateClass, uint64(size), uint64(t))
}
func (b *Builder) PutInUnion(t typeid.ID, from, unionSize int) *Builder {
	return b.Emit(opcode.PutInUnion, uint64(t), uint64(from), uint64(unionSize))
}
func (b *Builder) PutReferenceTypeInUnion(unionSize int) *Builder {
	return b.Emit(opcode.PutReferenceTypeInUnion, uint64(unionSize))
}
func (b *Builder) PutNilableTypeInUnion(unionSize int) *Builder {
	return b.Emit(opcode.PutNilableTypeInUnion, uint64(unionSize))
}
func (b *Builder) RemoveFromUnion(unionSize, from int) *Builder {
	return b.Emit(opcode.RemoveFromUnion, uint64(unionSize), uint64(from))
}
func (b *Builder) UnionToBool(unionSize int) *Builder {
	return b.Emit(opcode.UnionToBool, uint64(unionSize))
}
func (b *Builder) UnionIsA(unionSize int, filter typeid.ID) *Builder {
	return b.Emit(opcode.UnionIsA, uint64(unionSize), uint64(filter))
}
func (b *Builder) ReferenceIsA(filter typeid.ID) *Builder {
	return b.Emit(opcode.ReferenceIsA, uint64(filter))
}
func (b *Builder) TupleIndex(tupleSize, offset, valueSize int) *Builder {
	return b.Emit(opcode.TupleIndexerKnownIndex, uint64(tupleSize), uint64(offset), uint64(valueSize))
}

func (b *Builder) Unreachable(msg string) *Builder {
	return b.EmitString(opcode.Unreachable, msg)
}

// Handle records an exception-handler interval over [lo, hi) jumping to
// target for the given catchable types (none = catch all).
func (b *Builder) Handle(lo, hi, target int, catches ...typeid.ID) *Builder {
	b.handlers = append(b.handlers, def.Handler{Lo: lo, Hi: hi, Target: target, Catches: catches})
	return b
}

// Build resolves labels and returns the finished bytecode buffer.
func (b *Builder) Build() []byte {
	for _, p := range b.patches {
		target := b.labels[p.label]
		if target < 0 {
			panic(fmt.Sprintf("asm: label %d never bound", p.label))
		}
		binary.LittleEndian.PutUint64(b.code[p.offset:], uint64(target))
	}
	return b.code
}

// DefSpec carries the frame metadata Define attaches to the built code.
type DefSpec struct {
	Name       string
	Owner      typeid.ID
	Params     []def.Param
	ReturnSize int
	FrameSize  int
	Block      int // CompiledBlock arena index, or 0 for none
}

// Define finishes the Builder into a CompiledDef registered in arenas and
// returns its arena index.
func (b *Builder) Define(a *def.Arenas, spec DefSpec) int {
	block := spec.Block
	if block == 0 {
		block = -1
	}
	return a.DefineDef(&def.CompiledDef{
		Owner:      spec.Owner,
		Name:       spec.Name,
		Params:     spec.Params,
		ReturnSize: spec.ReturnSize,
		Code:       b.Build(),
		FrameSize:  spec.FrameSize,
		Block:      block,
		Handlers:   b.handlers,
	})
}

// DefineBlock finishes the Builder into a CompiledBlock registered in
// arenas and returns its arena index.
func (b *Builder) DefineBlock(a *def.Arenas, params []def.Param, frameSize int) int {
	return a.DefineBlock(&def.CompiledBlock{
		Code:      b.Build(),
		FrameSize: frameSize,
		Params:    params,
		Handlers:  b.handlers,
	})
}
