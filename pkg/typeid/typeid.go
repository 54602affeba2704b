// Package typeid implements the TypeId -> type descriptor mapping the
// semantic analyzer supplies: dense 32-bit identities, with 0 reserved
// for the null reference, resolving to a tagged descriptor of the type's
// kind, size, alignment, and fields.
package typeid

import "fmt"

// ID is a dense, analyzer-assigned type identity. 0 denotes the null
// reference and is never a valid descriptor index.
type ID uint32

const Null ID = 0

// DescriptorKind is the tagged-sum discriminant for a Descriptor.
type DescriptorKind int

const (
	Primitive DescriptorKind = iota
	ReferenceClass
	Struct
	Tuple
	NamedTuple
	Union
	Pointer
	Proc
)

func (k DescriptorKind) String() string {
	switch k {
	case Primitive:
		return "primitive"
	case ReferenceClass:
		return "reference_class"
	case Struct:
		return "struct"
	case Tuple:
		return "tuple"
	case NamedTuple:
		return "named_tuple"
	case Union:
		return "union"
	case Pointer:
		return "pointer"
	case Proc:
		return "proc"
	default:
		return fmt.Sprintf("unknown_descriptor_kind_%d", int(k))
	}
}

// Field describes one struct/tuple/named-tuple member's byte offset.
type Field struct {
	Name   string // empty for positional tuple members
	Offset int
	Size   int
	Type   ID
}

// Descriptor is the resolved shape behind a TypeId: kind, size, alignment,
// and field offsets.
type Descriptor struct {
	ID        ID
	Kind      DescriptorKind
	Name      string // diagnostics only
	Size      int    // on-stack/in-cell footprint
	Align     int
	Fields    []Field  // Struct / Tuple / NamedTuple members, declaration order
	Members   []ID     // Union alternatives
	Supers    []ID     // ReferenceClass/Struct ancestry, nearest-first, for is_a?
	ElemSize  int      // Pointer: pointee size
	ParamSize int      // Proc: total argument footprint
}

// Table is the append-only TypeId -> Descriptor registry built during
// semantic analysis and read-only at execution time.
type Table struct {
	descs []Descriptor // index 0 unused (reserved for Null)
}

// NewTable returns a table with the null slot reserved at index 0.
func NewTable() *Table {
	return &Table{descs: []Descriptor{{}}}
}

// Define registers a new type and returns its assigned ID. Analyzer-side
// callers are expected to assign IDs densely starting at 1; Define enforces
// that by simply appending.
func (t *Table) Define(d Descriptor) ID {
	id := ID(len(t.descs))
	d.ID = id
	t.descs = append(t.descs, d)
	return id
}

// Lookup resolves id to its Descriptor. The zero Descriptor with Kind ==
// Primitive and Size == 0 is returned for Null or an out-of-range id.
func (t *Table) Lookup(id ID) Descriptor {
	if id == Null || int(id) >= len(t.descs) {
		return Descriptor{}
	}
	return t.descs[id]
}

// IsSubtype reports whether sub is sub or equal to super, or one of super's
// members when super is a union, walking Supers/Members the way the
// analyzer's own subtype lattice would. Null is never a subtype of any id,
// matching the invariant "reference_is_a(T)(null) == false for every T".
func (t *Table) IsSubtype(sub ID, super ID) bool {
	if sub == Null {
		return false
	}
	if sub == super {
		return true
	}
	d := t.Lookup(super)
	if d.Kind == Union {
		for _, m := range d.Members {
			if t.IsSubtype(sub, m) {
				return true
			}
		}
		return false
	}
	for _, ancestor := range t.Lookup(sub).Supers {
		if ancestor == super {
			return true
		}
	}
	return false
}
