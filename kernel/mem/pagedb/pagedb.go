// Package pagedb maintains per-physical-frame metadata for every frame known
// to the physical memory manager: which subsystem owns it, its reference
// count and, for frames that head a free buddy block, the order of that
// block and the free-list link to the next block of the same order.
package pagedb

import (
	"kernelcore/kernel"
	"kernelcore/kernel/mem/pmm"
)

// Owner classifies what a frame is currently used for.
type Owner uint8

const (
	// OwnerFree marks a frame that is part of a free buddy block.
	OwnerFree Owner = iota

	// OwnerReserved marks a frame that can never be handed out (e.g. the
	// kernel image, the PageDB table itself, memory-mapped I/O holes).
	OwnerReserved

	// OwnerPMM marks a frame allocated directly through pmm.Alloc.
	OwnerPMM

	// OwnerSlab marks a frame backing a slab cache's object pool.
	OwnerSlab

	// OwnerVM marks a frame backing a vm.Region mapping.
	OwnerVM

	// OwnerPageTable marks a frame used to hold page-table entries.
	OwnerPageTable
)

// Entry holds the metadata tracked for a single physical frame.
type Entry struct {
	// Owner identifies the subsystem this frame currently belongs to.
	Owner Owner

	// Zone identifies the physical memory zone this frame belongs to. Its
	// meaning (e.g. low-memory DMA zone vs. normal zone) is defined by
	// kernel/mem/pmm; pagedb just stores the tag.
	Zone uint8

	// Order is the buddy order of the block this frame heads. It is only
	// meaningful while Owner == OwnerFree and this frame is a block head.
	Order uint8

	// RefCount tracks the number of live references to this frame (e.g.
	// the number of address spaces mapping it). A frame with RefCount 0
	// and Owner != OwnerFree is a leaked accounting bug, not a valid
	// state.
	RefCount uint32

	// next links this frame to the next free block of the same order on
	// the same zone's free list. It is only meaningful while Owner ==
	// OwnerFree.
	next pmm.Frame

	// prev links this frame to the previous free block of the same order,
	// supporting O(1) removal from the middle of a free list during
	// coalescing.
	prev pmm.Frame

	valid bool
}

var (
	errOutOfRange = &kernel.Error{Module: "pagedb", Message: "frame index out of range"}

	table []Entry
)

// Init allocates the PageDB table for a system with frameCount physical
// frames. All entries start out as OwnerReserved; callers (kernel/mem/pmm)
// must explicitly mark the frames backing usable memory regions as free.
//
// On real hardware the backing array must be carved out of memory obtained
// from the boot-time allocator before the general-purpose heap exists; this
// function does not perform that placement itself and allocates the table
// with make. kernel/init's pagedb stage sizes frameCount from the memory
// map; no stage reserves a backing store for the table.
func Init(frameCount uint64) {
	table = make([]Entry, frameCount)
	for i := range table {
		table[i] = Entry{Owner: OwnerReserved, valid: true}
	}
}

// Count returns the number of frames tracked by the PageDB.
func Count() int {
	return len(table)
}

// Get returns a pointer to the PageDB entry for the given frame, or an error
// if the frame index is out of range.
func Get(f pmm.Frame) (*Entry, *kernel.Error) {
	if uint64(f) >= uint64(len(table)) {
		return nil, errOutOfRange
	}
	return &table[f], nil
}

// MustGet behaves like Get but panics instead of returning an error. It is
// used internally by the buddy allocator once a frame index has already been
// validated against the zone extents it was carved from.
func MustGet(f pmm.Frame) *Entry {
	return &table[f]
}

// Next returns the free-list successor of a free block head.
func (e *Entry) Next() pmm.Frame {
	return e.next
}

// SetNext updates the free-list successor of a free block head.
func (e *Entry) SetNext(f pmm.Frame) {
	e.next = f
}

// Prev returns the free-list predecessor of a free block head.
func (e *Entry) Prev() pmm.Frame {
	return e.prev
}

// SetPrev updates the free-list predecessor of a free block head.
func (e *Entry) SetPrev(f pmm.Frame) {
	e.prev = f
}
