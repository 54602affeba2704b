// Package def provides the interpreter's context services: append-only
// arenas for CompiledDef, CompiledBlock, LibFunction, CallInterface, the
// symbol table, the constant pool, and the class-var pool. Every arena
// hands back a dense index as identity rather than a pointer, which also
// settles lifetime: entries live as long as the arenas do.
package def

import (
	"sync"

	"vm/pkg/typeid"
)

// Param describes one formal parameter's frame-local slot.
type Param struct {
	Offset int
	Size   int
}

// CompiledDef is a type-specialized, bytecode-encoded method body plus its
// metadata. Identified by its arena index, never by pointer.
type CompiledDef struct {
	Owner      typeid.ID
	Name       string // diagnostics only
	Params     []Param
	ReturnSize int
	Code       []byte
	FrameSize  int
	Block      int // index into Blocks, or -1 when the def takes no block
	Handlers   []Handler
}

// Handler is one exception-handler interval: [Lo, Hi) bytecode offsets
// whose raised exceptions matching one of Catches jump to Target.
type Handler struct {
	Lo, Hi  int
	Target  int
	Catches []typeid.ID
}

// CompiledBlock is bytecode for an inlined block body plus its own frame
// and captured-variable descriptor.
type CompiledBlock struct {
	Code      []byte
	FrameSize int
	Params    []Param
	Captures  []Param // offsets into the block's frame where captures land
	Handlers  []Handler
}

// CallInterface describes a native call shape: argument kinds, return
// kind, and whether the callee is variadic.
type CallInterface struct {
	ArgKinds   []layoutKind
	ReturnKind layoutKind
	Variadic   bool
}

type layoutKind = int // alias kept local; see pkg/layout.Kind at call sites

// LibFunction is a resolved native symbol plus its CallInterface.
type LibFunction struct {
	Symbol string
	CIF    int // index into CallInterfaces
	// Native is the Go-side implementation this symbol resolves to. The FFI
	// bridge (pkg/ffi) populates this at registration time; it is not part
	// of the bytecode format itself.
	Native func(args []byte) ([]byte, error)
}

// Arenas bundles every append-only registry the executor needs to resolve
// an instruction's out-of-line operands. A single RWMutex is enough
// because writes only happen during startup and lazy init while reads
// dominate execution.
type Arenas struct {
	mu sync.RWMutex

	Defs           []*CompiledDef
	Blocks         []*CompiledBlock
	LibFuncs       []*LibFunction
	CallInterfaces []*CallInterface

	symbols   []string
	symbolIdx map[string]int

	consts     []Value
	constInit  []bool
	constNames map[string]int

	classVars     []Value
	classVarNames map[string]int

	Types *typeid.Table
}

// Value is the minimal payload an out-of-line constant/class-var slot
// holds: raw bytes plus the static type that shaped them, enough to push
// back onto the operand stack via get_const/get_class_ivar.
type Value struct {
	Bytes []byte
	Type  typeid.ID
}

// NewArenas returns an empty, ready-to-use set of arenas. Block index 0 is
// reserved so that a zero Block field never aliases a real block.
func NewArenas() *Arenas {
	return &Arenas{
		Blocks:        []*CompiledBlock{nil},
		symbolIdx:     make(map[string]int),
		constNames:    make(map[string]int),
		classVarNames: make(map[string]int),
		Types:         typeid.NewTable(),
	}
}

// DefineDef appends a CompiledDef and returns its arena index.
func (a *Arenas) DefineDef(d *CompiledDef) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Defs = append(a.Defs, d)
	return len(a.Defs) - 1
}

// Def resolves a DefRef operand to its CompiledDef.
func (a *Arenas) Def(idx int) *CompiledDef {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if idx < 0 || idx >= len(a.Defs) {
		return nil
	}
	return a.Defs[idx]
}

// DefineBlock appends a CompiledBlock and returns its arena index.
func (a *Arenas) DefineBlock(b *CompiledBlock) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Blocks = append(a.Blocks, b)
	return len(a.Blocks) - 1
}

// Block resolves a BlockRef operand to its CompiledBlock.
func (a *Arenas) Block(idx int) *CompiledBlock {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if idx < 0 || idx >= len(a.Blocks) {
		return nil
	}
	return a.Blocks[idx]
}

// DefineLibFunc appends a LibFunction and returns its arena index.
func (a *Arenas) DefineLibFunc(f *LibFunction) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.LibFuncs = append(a.LibFuncs, f)
	return len(a.LibFuncs) - 1
}

// LibFunc resolves a LibFuncRef operand.
func (a *Arenas) LibFunc(idx int) *LibFunction {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if idx < 0 || idx >= len(a.LibFuncs) {
		return nil
	}
	return a.LibFuncs[idx]
}

// DefineCallInterface appends a CallInterface and returns its arena index.
func (a *Arenas) DefineCallInterface(c *CallInterface) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.CallInterfaces = append(a.CallInterfaces, c)
	return len(a.CallInterfaces) - 1
}

// CallInterfaceAt resolves a CallInterfaceRef operand.
func (a *Arenas) CallInterfaceAt(idx int) *CallInterface {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if idx < 0 || idx >= len(a.CallInterfaces) {
		return nil
	}
	return a.CallInterfaces[idx]
}

// Symbol interns name and returns its compact integer index.
func (a *Arenas) Symbol(name string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	if idx, ok := a.symbolIdx[name]; ok {
		return idx
	}
	idx := len(a.symbols)
	a.symbols = append(a.symbols, name)
	a.symbolIdx[name] = idx
	return idx
}

// SymbolName resolves index back to its interned string (symbol_to_s).
func (a *Arenas) SymbolName(idx int) string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if idx < 0 || idx >= len(a.symbols) {
		return ""
	}
	return a.symbols[idx]
}

// DefineConst reserves a lazily-initialized constant slot and returns its
// index. The slot starts uninitialized; SetConst/ConstInitialized manage
// the rest.
func (a *Arenas) DefineConst(name string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	if idx, ok := a.constNames[name]; ok {
		return idx
	}
	idx := len(a.consts)
	a.consts = append(a.consts, Value{})
	a.constInit = append(a.constInit, false)
	a.constNames[name] = idx
	return idx
}

// ConstInitialized reports whether idx's lazy-init flag is set.
func (a *Arenas) ConstInitialized(idx int) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if idx < 0 || idx >= len(a.constInit) {
		return false
	}
	return a.constInit[idx]
}

// SetConst stores value at idx and marks it initialized.
func (a *Arenas) SetConst(idx int, value Value) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if idx < 0 || idx >= len(a.consts) {
		return
	}
	a.consts[idx] = value
	a.constInit[idx] = true
}

// GetConst loads idx's backing storage.
func (a *Arenas) GetConst(idx int) Value {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if idx < 0 || idx >= len(a.consts) {
		return Value{}
	}
	return a.consts[idx]
}

// DefineClassVar reserves a class-variable slot and returns its index.
func (a *Arenas) DefineClassVar(name string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	if idx, ok := a.classVarNames[name]; ok {
		return idx
	}
	idx := len(a.classVars)
	a.classVars = append(a.classVars, Value{})
	a.classVarNames[name] = idx
	return idx
}

// GetClassVar / SetClassVar back get_class_ivar's caller-supplied-pointer
// storage when the "pointer" is really an index into this pool.
func (a *Arenas) GetClassVar(idx int) Value {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if idx < 0 || idx >= len(a.classVars) {
		return Value{}
	}
	return a.classVars[idx]
}

func (a *Arenas) SetClassVar(idx int, value Value) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if idx < 0 || idx >= len(a.classVars) {
		return
	}
	a.classVars[idx] = value
}
