// Package heap is the host allocator: malloc, realloc, and the zeroed
// heap cells allocate_class writes a TypeId header into. Addresses are
// offsets into one growable byte arena rather than unsafe.Pointer
// values, so pointer_add/pointer_diff/pointer_new stay plain integer
// arithmetic over the same arena. Address 0 is reserved so it always
// means the null pointer.
package heap

import (
	"encoding/binary"

	"vm/pkg/typeid"
)

// reserved is the number of low addresses kept permanently unallocated so
// address 0 unambiguously means "null".
const reserved = 8

// Heap is a bump allocator over one growable arena. It never frees:
// collection is the host runtime's job, here Go's own GC acting on the
// backing slice.
type Heap struct {
	mem   []byte
	next  uint64
	sizes map[uint64]int
}

// New returns an empty heap.
func New() *Heap {
	return &Heap{mem: make([]byte, reserved), next: reserved, sizes: make(map[uint64]int)}
}

// Alloc returns size zeroed bytes and the address they start at.
func (h *Heap) Alloc(size int) uint64 {
	addr := h.next
	h.growTo(addr + uint64(size))
	h.next = addr + uint64(size)
	h.sizes[addr] = size
	return addr
}

// SizeOf reports the size passed to Alloc for addr, or 0 for an address
// that is not an allocation start.
func (h *Heap) SizeOf(addr uint64) int { return h.sizes[addr] }

// Realloc copies the old allocation's bytes into a fresh newSize
// allocation and returns the new address (pointer_realloc never shrinks
// in place).
func (h *Heap) Realloc(addr uint64, newSize int) uint64 {
	newAddr := h.Alloc(newSize)
	n := h.sizes[addr]
	if newSize < n {
		n = newSize
	}
	if addr != 0 && n > 0 {
		copy(h.mem[newAddr:], h.mem[addr:addr+uint64(n)])
	}
	return newAddr
}

// AllocateClass allocates a zeroed size-byte cell and writes id at
// offset 0, the reference-type cell layout.
func (h *Heap) AllocateClass(size int, id typeid.ID) uint64 {
	addr := h.Alloc(size)
	binary.LittleEndian.PutUint32(h.mem[addr:], uint32(id))
	return addr
}

// TypeIDAt reads the TypeId header of the heap cell at addr, or 0 (Null)
// when addr is the null pointer.
func (h *Heap) TypeIDAt(addr uint64) typeid.ID {
	if addr == 0 {
		return typeid.Null
	}
	return typeid.ID(binary.LittleEndian.Uint32(h.mem[addr:]))
}

// Read copies size bytes starting at addr.
func (h *Heap) Read(addr uint64, size int) []byte {
	out := make([]byte, size)
	copy(out, h.mem[addr:addr+uint64(size)])
	return out
}

// Write copies data into the heap at addr (pointer_set).
func (h *Heap) Write(addr uint64, data []byte) {
	h.growTo(addr + uint64(len(data)))
	copy(h.mem[addr:], data)
}

// Len reports the current arena size, mainly for bounds-checking pointer
// arithmetic against a live allocation.
func (h *Heap) Len() uint64 { return uint64(len(h.mem)) }

// Mem exposes the backing arena for the atomics opcodes, which need a
// stable word to CAS against rather than a copied-out slice.
func (h *Heap) Mem() []byte { return h.mem }

func (h *Heap) growTo(size uint64) {
	if size <= uint64(len(h.mem)) {
		return
	}
	newCap := uint64(len(h.mem)) * 2
	if newCap < size {
		newCap = size
	}
	grown := make([]byte, newCap)
	copy(grown, h.mem)
	h.mem = grown
}
