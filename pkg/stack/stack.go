// Package stack implements the operand stack and per-call frame
// machinery: a byte-addressed stack kept 8-byte aligned between
// instructions, plus a contiguous local-variable region per call. A
// frame is a child scope over the stack — entered on call, popped back
// to its parent on return.
package stack

import (
	"encoding/binary"
	"fmt"

	"vm/pkg/layout"
)

// DefaultCapacity is the default operand-stack size in bytes.
const DefaultCapacity = 4 << 20

// Stack is the byte-addressed operand stack. Its pointer (sp) is always
// 8-byte aligned at instruction boundaries.
type Stack struct {
	bytes []byte
	sp    int
}

// New returns an empty stack with the given byte capacity.
func New(capacity int) *Stack {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Stack{bytes: make([]byte, capacity)}
}

// SP returns the current stack pointer (bytes in use).
func (s *Stack) SP() int { return s.sp }

// SetSP restores the stack pointer to an earlier mark, e.g. when unwinding
// exceptions down to a handler's recorded depth, or leave(k) restoring
// frame_base + k.
func (s *Stack) SetSP(sp int) {
	if sp < 0 || sp > len(s.bytes) {
		panic(fmt.Sprintf("stack: SetSP(%d) out of range [0,%d]", sp, len(s.bytes)))
	}
	s.sp = sp
}

// Push writes data's meaningful bytes and advances the stack pointer by
// align(len(data)), zero-filling the padding.
func (s *Stack) Push(data []byte) {
	aligned := layout.Align(len(data))
	s.growFor(aligned)
	n := copy(s.bytes[s.sp:], data)
	for i := s.sp + n; i < s.sp+aligned; i++ {
		s.bytes[i] = 0
	}
	s.sp += aligned
}

// PushZeros pushes amount zero bytes (push_zeros), after alignment.
func (s *Stack) PushZeros(amount int) {
	aligned := layout.Align(amount)
	s.growFor(aligned)
	for i := s.sp; i < s.sp+aligned; i++ {
		s.bytes[i] = 0
	}
	s.sp += aligned
}

// PushUint64 is a convenience for the common put_i64-style literal push.
func (s *Stack) PushUint64(v uint64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	s.Push(buf[:])
}

// Pop removes align(size) bytes and returns the first size meaningful
// bytes, the semantic size the compiler's operand tells the executor to
// consume.
func (s *Stack) Pop(size int) []byte {
	aligned := layout.Align(size)
	if aligned > s.sp {
		panic(fmt.Sprintf("stack: pop(%d) underflow at sp=%d", size, s.sp))
	}
	start := s.sp - aligned
	out := make([]byte, size)
	copy(out, s.bytes[start:start+size])
	s.sp = start
	return out
}

// Peek reads size meaningful bytes from the top without popping them.
func (s *Stack) Peek(size int) []byte {
	aligned := layout.Align(size)
	if aligned > s.sp {
		panic(fmt.Sprintf("stack: peek(%d) underflow at sp=%d", size, s.sp))
	}
	start := s.sp - aligned
	out := make([]byte, size)
	copy(out, s.bytes[start:start+size])
	return out
}

// PopFromOffset removes size bytes located offset bytes below the current
// top, shifting everything above it down (pop_from_offset).
func (s *Stack) PopFromOffset(size, offset int) []byte {
	aligned := layout.Align(size)
	cut := s.sp - offset - aligned
	if cut < 0 || offset < 0 {
		panic("stack: pop_from_offset out of range")
	}
	out := make([]byte, size)
	copy(out, s.bytes[cut:cut+size])
	copy(s.bytes[cut:], s.bytes[cut+aligned:s.sp])
	s.sp -= aligned
	return out
}

// Dup duplicates the top size bytes (dup).
func (s *Stack) Dup(size int) {
	top := s.Peek(size)
	s.Push(top)
}

// TopPointer returns a stable byte slice aliasing the top size bytes,
// standing in for put_stack_top_pointer's "pointer to the top size bytes"
// — valid only until the next Push/PushZeros/Dup/grow, matching its
// documented use of passing a local by reference into one inline op.
func (s *Stack) TopPointer(size int) []byte {
	aligned := layout.Align(size)
	start := s.sp - aligned
	if start < 0 {
		panic("stack: put_stack_top_pointer underflow")
	}
	return s.bytes[start : start+size]
}

// ReadAt copies size bytes from absolute stack offset off, for pointers
// minted by put_stack_top_pointer that address into the live stack.
func (s *Stack) ReadAt(off, size int) []byte {
	out := make([]byte, size)
	copy(out, s.bytes[off:off+size])
	return out
}

// WriteAt stores data at absolute stack offset off.
func (s *Stack) WriteAt(off int, data []byte) {
	copy(s.bytes[off:off+len(data)], data)
}

func (s *Stack) growFor(n int) {
	need := s.sp + n
	if need <= len(s.bytes) {
		return
	}
	grown := make([]byte, max(need, len(s.bytes)*2))
	copy(grown, s.bytes[:s.sp])
	s.bytes = grown
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// Frame is one call's local-variable region plus return linkage.
type Frame struct {
	Locals []byte

	// Self is the implicit receiver pointer for get_self_ivar/set_self_ivar,
	// nil for free functions.
	Self []byte

	// Block is the CompiledBlock index bound by call_with_block, or -1.
	Block int

	// IP is the instruction pointer within the frame's own bytecode buffer.
	IP int

	// Code is the bytecode buffer this frame executes.
	Code []byte

	// Caller links back to the enclosing frame for return/unwind, nil at
	// the outermost call.
	Caller *Frame

	// StackBase is the operand-stack depth at frame entry, restored by
	// leave(k)/break_block(k).
	StackBase int
}

// NewFrame allocates a zeroed frame, mirroring the call protocol: "allocates
// def.frame_size bytes of locals (initially zeroed)".
func NewFrame(code []byte, frameSize int, stackBase int, caller *Frame) *Frame {
	return &Frame{
		Locals:    make([]byte, frameSize),
		Block:     -1,
		Code:      code,
		Caller:    caller,
		StackBase: stackBase,
	}
}

// SetLocal stores data at the frame-local byte offset index.
func (f *Frame) SetLocal(index int, data []byte) {
	copy(f.Locals[index:index+len(data)], data)
}

// GetLocal loads size bytes from the frame-local byte offset index.
func (f *Frame) GetLocal(index, size int) []byte {
	out := make([]byte, size)
	copy(out, f.Locals[index:index+size])
	return out
}
