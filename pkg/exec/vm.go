// Package exec is the interpreter's executor: the fetch-decode-dispatch
// loop, the call/return protocol, and handler-table exception unwinding.
// The loop swaps frame and instruction pointer instead of recursing
// through Go's own call stack, and a top-level recover converts internal
// panics into fatal VM errors rather than letting them escape to the
// embedder.
package exec

import (
	"fmt"

	"vm/pkg/def"
	"vm/pkg/heap"
	"vm/pkg/opcode"
	"vm/pkg/stack"
	"vm/pkg/typeid"
)

// Inspector is the externally supplied debugger the pry opcode hands the
// full VM state to: suspend, give the inspector the VM, resume on return.
// The default Inspector is a no-op.
type Inspector interface {
	OnTrap(vm *VM) error
}

type noopInspector struct{}

func (noopInspector) OnTrap(*VM) error { return nil }

// FFIBridge resolves lib_call/proc_to_c_fun/c_fun_to_proc to a concrete
// host-interop implementation (pkg/ffi). Kept as an interface so exec
// never imports plugin/reflect directly.
type FFIBridge interface {
	LibCall(vm *VM, fn *def.LibFunction, args [][]byte) ([]byte, error)
	ProcToCFun(vm *VM, defIdx int, closureData uint64, ciIdx int) (uint64, error)
	CFunToProc(vm *VM, addr uint64) (defIdx int, closureData uint64, ok bool)
}

// FiberScheduler resolves the three fiber opcodes to a concrete
// cooperative scheduler (pkg/fiber).
type FiberScheduler interface {
	CurrentFiber(vm *VM) uint64
	Spawn(vm *VM, mainDef int, closureData uint64) (uint64, error)
	SwapContext(vm *VM, from, to uint64) error
}

// VMError is a fatal, unrecoverable interpreter error: a mismatched union
// tag, an out-of-range opcode, an unreachable opcode firing. There is no
// recovery; Call returns it and the embedding process is expected to
// abort.
type VMError struct {
	Message string
}

func (e *VMError) Error() string { return "interpreter bug: " + e.Message }

// RaisedException is a source-language exception: a TypeId plus the raw
// exception reference bytes, unwound via the handler-interval table
// instead of Go's own error/panic machinery.
type RaisedException struct {
	Type    typeid.ID
	Payload []byte
}

func (e *RaisedException) Error() string {
	return fmt.Sprintf("uncaught exception (type %d)", e.Type)
}

// Backtrace is the frame record captured by interpreter_call_stack_unwind
// at raise time.
type Backtrace struct {
	Frames []string
}

// VM is one interpreter session: one operand stack, one heap, the shared
// context-service arenas, and the current call-frame chain. Each fiber
// (pkg/fiber) owns its own VM so that "one operand stack per fiber" holds.
type VM struct {
	Stack  *stack.Stack
	Heap   *heap.Heap
	Arenas *def.Arenas
	Frame  *Frame

	Inspector Inspector
	FFI       FFIBridge
	Fibers    FiberScheduler

	// OverflowType and LibraryErrorType are the well-known exception
	// TypeIds checked arithmetic and FFI failures raise with. Zero means
	// the embedder registered no such type; the exception still unwinds
	// and is caught by catch-all handlers.
	OverflowType     typeid.ID
	LibraryErrorType typeid.ID

	// FiberID is the scheduler-assigned handle of the fiber this VM
	// belongs to; 0 for the main fiber.
	FiberID uint64

	Argv []string

	currentException *RaisedException
	lastBacktrace    *Backtrace
	argvAddr         uint64
	symbolAddrs      map[int]uint64
}

// New returns a VM ready to run against arenas, with a default stack size
// and a no-op inspector.
func New(arenas *def.Arenas) *VM {
	return &VM{
		Stack:       stack.New(stack.DefaultCapacity),
		Heap:        heap.New(),
		Arenas:      arenas,
		Inspector:   noopInspector{},
		symbolAddrs: make(map[int]uint64),
	}
}

// Fork returns a VM sharing this VM's heap, arenas, and hook wiring but
// with its own operand stack and frame chain — the per-fiber split.
func (vm *VM) Fork() *VM {
	return &VM{
		Stack:            stack.New(stack.DefaultCapacity),
		Heap:             vm.Heap,
		Arenas:           vm.Arenas,
		Inspector:        vm.Inspector,
		FFI:              vm.FFI,
		Fibers:           vm.Fibers,
		OverflowType:     vm.OverflowType,
		LibraryErrorType: vm.LibraryErrorType,
		Argv:             vm.Argv,
		symbolAddrs:      make(map[int]uint64),
	}
}

// Call executes defIdx to completion: it expects the caller to have
// already pushed the argument bytes (left to right, self first for
// methods) on vm.Stack, and leaves the return value (ReturnSize bytes) on
// top when it returns.
func (vm *VM) Call(defIdx int) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if ve, ok := r.(*VMError); ok {
				err = ve
				return
			}
			err = &VMError{Message: fmt.Sprintf("panic: %v", r)}
		}
	}()
	vm.enterDef(defIdx, -1)
	return vm.run()
}

// enterDef pops argument bytes off the stack into a fresh frame's lowest
// local slots in declaration order and pushes the frame onto vm.Frame —
// the call protocol's entry half. blockIdx overrides the def's attached
// block when >= 0 (call_with_block).
func (vm *VM) enterDef(defIdx int, blockIdx int) *Frame {
	d := vm.Arenas.Def(defIdx)
	if d == nil {
		panic(&VMError{Message: fmt.Sprintf("call: undefined CompiledDef %d", defIdx)})
	}
	// Params were pushed left to right, so they pop in reverse declaration
	// order; self (for methods) was pushed before any of them.
	args := make([][]byte, len(d.Params))
	for i := len(d.Params) - 1; i >= 0; i-- {
		args[i] = vm.Stack.Pop(d.Params[i].Size)
	}
	var self []byte
	if d.Owner != typeid.Null {
		self = vm.Stack.Pop(8)
	}
	frame := newFrame(d.Code, d.FrameSize, vm.Stack.SP(), vm.Frame, d.Handlers, defIdx, d.Name, false)
	for i, p := range d.Params {
		frame.SetLocal(p.Offset, args[i])
	}
	frame.Self = self
	if blockIdx >= 0 {
		frame.Block = blockIdx
	} else {
		frame.Block = d.Block
	}
	vm.Frame = frame
	return frame
}

// enterBlock pushes an inlined block frame. Block bodies execute against
// the enclosing def's local region (the compiler sizes the def frame to
// cover block locals too), so captures are reads and writes of shared
// locals rather than copies.
func (vm *VM) enterBlock(blockIdx int) *Frame {
	b := vm.Arenas.Block(blockIdx)
	if b == nil {
		panic(&VMError{Message: fmt.Sprintf("call_block: undefined CompiledBlock %d", blockIdx)})
	}
	host := vm.Frame
	for host != nil && host.IsBlock {
		host = host.Caller
	}
	if host == nil {
		panic(&VMError{Message: "call_block outside any def frame"})
	}
	args := make([][]byte, len(b.Params))
	for i := len(b.Params) - 1; i >= 0; i-- {
		args[i] = vm.Stack.Pop(b.Params[i].Size)
	}
	frame := &Frame{
		Frame: &stack.Frame{
			Locals:    host.Locals,
			Self:      host.Self,
			Block:     -1,
			Code:      b.Code,
			StackBase: vm.Stack.SP(),
		},
		Handlers: b.Handlers,
		DefIdx:   host.DefIdx,
		DefName:  host.DefName + ".block",
		IsBlock:  true,
		Caller:   vm.Frame,
	}
	for i, p := range b.Params {
		frame.SetLocal(p.Offset, args[i])
	}
	vm.Frame = frame
	return frame
}

// run is the fetch-decode-dispatch loop. It returns when the frame Call
// entered against leaves, or when an exception escapes every handler.
func (vm *VM) run() error {
	entryCaller := vm.Frame.Caller
	for {
		if vm.Frame == nil {
			return nil
		}
		f := vm.Frame
		if f.IP >= len(f.Code) {
			panic(&VMError{Message: "instruction pointer ran off the end of the bytecode buffer"})
		}
		op := opcode.Op(f.Code[f.IP])
		f.IP++
		done, err := vm.step(op)
		if err != nil {
			exc, ok := err.(*RaisedException)
			if !ok || !vm.unwind(exc, entryCaller) {
				return err
			}
			continue
		}
		if done && vm.Frame == entryCaller {
			return nil
		}
	}
}

// raise wraps a TypeId + exception reference bytes as the error the
// dispatch loop unwinds with.
func (vm *VM) raise(t typeid.ID, payload []byte) error {
	return &RaisedException{Type: t, Payload: payload}
}

// unwind walks the frame chain looking for the first handler interval
// covering each frame's resume point whose catch set admits exc's type.
// On a match it cuts the operand stack to the frame's base, pushes the
// exception reference, and jumps to the handler target. It refuses to
// unwind past entryCaller so a nested Call (FFI re-entry) cannot swallow
// frames that belong to an outer run loop.
func (vm *VM) unwind(exc *RaisedException, entryCaller *Frame) bool {
	vm.lastBacktrace = vm.captureBacktrace()
	for f := vm.Frame; f != nil && f != entryCaller; f = f.Caller {
		for _, h := range f.Handlers {
			// f.IP has already advanced past the raising instruction, so an
			// instruction starting inside [Lo, Hi) leaves IP in (Lo, Hi].
			if f.IP <= h.Lo || f.IP > h.Hi {
				continue
			}
			if !catches(vm.Arenas.Types, h.Catches, exc.Type) {
				continue
			}
			vm.Frame = f
			vm.Stack.SetSP(f.StackBase)
			vm.Stack.Push(exc.Payload)
			f.IP = h.Target
			vm.currentException = exc
			return true
		}
	}
	return false
}

func catches(types *typeid.Table, set []typeid.ID, t typeid.ID) bool {
	if len(set) == 0 {
		return true
	}
	for _, c := range set {
		if t == c || types.IsSubtype(t, c) {
			return true
		}
	}
	return false
}

// LastBacktrace returns the frame record captured at the most recent
// raise, for inspectors and embedders formatting diagnostics.
func (vm *VM) LastBacktrace() *Backtrace { return vm.lastBacktrace }

func (vm *VM) captureBacktrace() *Backtrace {
	bt := &Backtrace{}
	for f := vm.Frame; f != nil; f = f.Caller {
		bt.Frames = append(bt.Frames, f.DefName)
	}
	return bt
}

// leave implements leave(size): copy the top size bytes over the entire
// callee frame, restore the caller, and push the result.
func (vm *VM) leave(size int) {
	result := vm.Stack.Pop(size)
	vm.Stack.SetSP(vm.Frame.StackBase)
	vm.Frame = vm.Frame.Caller
	vm.Stack.Push(result)
}

// breakBlock implements break_block(size) and leave_def(size): unwind past
// any inlined block frames until the enclosing def, then behave like leave.
func (vm *VM) breakBlock(size int) {
	result := vm.Stack.Pop(size)
	for vm.Frame != nil && vm.Frame.IsBlock {
		vm.Frame = vm.Frame.Caller
	}
	if vm.Frame == nil {
		panic(&VMError{Message: "break_block with no enclosing def"})
	}
	vm.Stack.SetSP(vm.Frame.StackBase)
	vm.Frame = vm.Frame.Caller
	vm.Stack.Push(result)
}
