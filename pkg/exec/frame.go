package exec

import (
	"encoding/binary"

	"vm/pkg/def"
	"vm/pkg/stack"
)

// Frame wraps stack.Frame with the executor-level metadata needed for
// exception unwinding and backtraces: which handler table governs this
// bytecode buffer, whether the frame is an inlined block (so break_block
// knows how far to unwind), and the caller linkage (kept here rather than
// in stack.Frame so exec never has to downcast a generic *stack.Frame back
// into the richer wrapper).
type Frame struct {
	*stack.Frame

	Handlers []def.Handler
	DefIdx   int // index into Arenas.Defs for the owning def, for backtraces
	DefName  string
	IsBlock  bool
	Caller   *Frame
}

// readU64 consumes one little-endian 64-bit inline operand.
func (f *Frame) readU64() uint64 {
	v := binary.LittleEndian.Uint64(f.Code[f.IP:])
	f.IP += 8
	return v
}

// readInt consumes one inline operand as a machine int.
func (f *Frame) readInt() int { return int(f.readU64()) }

// readString consumes a length-prefixed inline string operand.
func (f *Frame) readString() string {
	n := f.readInt()
	s := string(f.Code[f.IP : f.IP+n])
	f.IP += n
	return s
}

func newFrame(code []byte, frameSize, stackBase int, caller *Frame, handlers []def.Handler, defIdx int, name string, isBlock bool) *Frame {
	return &Frame{
		Frame:    stack.NewFrame(code, frameSize, stackBase, nil),
		Handlers: handlers,
		DefIdx:   defIdx,
		DefName:  name,
		IsBlock:  isBlock,
		Caller:   caller,
	}
}
