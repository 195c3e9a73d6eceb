// Package vm implements the virtual-memory region layer: per-address-space
// region bookkeeping (anonymous and direct mappings), hole search, eager or
// demand-paged backing, and a resolver (AddressSpace.Fault) for not-present
// faults in a user address space. kernel/mem/ptm's page fault handler does
// not call that resolver; it handles copy-on-write faults only.
package vm

import (
	"kernelcore/kernel"
	"kernelcore/kernel/cpu"
	"kernelcore/kernel/mem"
	"kernelcore/kernel/mem/pmm"
	"kernelcore/kernel/mem/ptm"
	"kernelcore/kernel/sync"
	"kernelcore/kernel/tlb"
	"unsafe"
)

// uintptrOf returns the address of b's backing array, or 0 for an empty
// slice.
func uintptrOf(b []byte) uintptr {
	if len(b) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&b[0]))
}

// Prot describes the access permissions requested for a region. Read access
// is implicit and always granted; there is no read-less execute-only mode.
type Prot uint8

const (
	ProtWrite Prot = 1 << iota
	ProtExec
)

func (p Prot) pteFlags() ptm.PageTableEntryFlag {
	flags := ptm.FlagPresent
	if p&ProtWrite != 0 {
		flags |= ptm.FlagRW
	}
	if p&ProtExec == 0 {
		flags |= ptm.FlagNoExecute
	}
	return flags
}

// CachePolicy selects the caching mode applied to a region's mappings.
type CachePolicy uint8

const (
	CacheWriteBack CachePolicy = iota
	CacheWriteThrough
	CacheUncached
)

func (c CachePolicy) pteFlags() ptm.PageTableEntryFlag {
	switch c {
	case CacheWriteThrough:
		return ptm.FlagWriteThrough
	case CacheUncached:
		return ptm.FlagWriteThrough | ptm.FlagCacheDisable
	default:
		return 0
	}
}

// Flags controls region placement and backing policy at map time.
type Flags uint32

const (
	// FlagFixed aborts the mapping instead of relocating it if hint cannot
	// be honored exactly.
	FlagFixed Flags = 1 << iota
	// FlagZero guarantees freshly backed anonymous pages read as zero.
	FlagZero
	// FlagDynamicallyBacked defers backing individual pages until they
	// fault in, rather than mapping the whole region eagerly at map time.
	FlagDynamicallyBacked
)

// FaultKind distinguishes a read fault from a write fault.
type FaultKind uint8

const (
	FaultRead FaultKind = iota
	FaultWrite
)

type regionKind uint8

const (
	kindAnon regionKind = iota
	kindDirect
)

// region is one contiguous mapping inside an AddressSpace. Nodes are
// allocated from AddressSpace's own fixed pool and threaded into a
// start-address-ordered singly linked list via next, so region bookkeeping
// never touches the slab allocator this early in AS setup.
type region struct {
	start    uintptr
	length   mem.Size
	prot     Prot
	cache    CachePolicy
	kind     regionKind
	physBase uintptr
	flags    Flags
	next     uint32
}

// maxRegionsPerAS bounds the number of live region records a single address
// space may hold at once.
const maxRegionsPerAS = 512

const invalidRegion = ^uint32(0)

// regionSpaceBase/regionSpaceLimit bound the portion of the canonical lower
// half that map_anon/map_direct may place regions in, leaving the null page
// and the top of the lower half (conventionally reserved for the stack and
// loader) alone.
const (
	regionSpaceBase  uintptr = 0x0000000000400000
	regionSpaceLimit uintptr = 0x0000800000000000
)

// FrameAllocatorFn supplies a zeroed-or-not physical frame for demand
// backing. It is installed via SetFrameAllocator, mirroring ptm's own
// frame-allocator indirection.
type FrameAllocatorFn func() (pmm.Frame, *kernel.Error)

var frameAllocFn FrameAllocatorFn

// SetFrameAllocator installs the function used to back anonymous pages.
func SetFrameAllocator(fn FrameAllocatorFn) { frameAllocFn = fn }

var (
	// activePDTFn/switchPDTFn indirect through cpu's asm-backed primitives so
	// hosted tests can substitute a fake active address space.
	activePDTFn = cpu.ActivePDT
	switchPDTFn = cpu.SwitchPDT

	// ptmMapFn/ptmUnmapFn/ptmTranslateFn/ptmMapTemporaryFn/shootdownFn
	// indirect through kernel/mem/ptm and kernel/tlb so hosted tests can
	// exercise region bookkeeping without a real page-table walk.
	ptmMapFn          = func(page ptm.Page, frame pmm.Frame, size ptm.Size, flags ptm.PageTableEntryFlag) *kernel.Error { return ptm.Map(page, frame, size, flags) }
	ptmUnmapFn        = func(page ptm.Page, size ptm.Size) *kernel.Error { return ptm.Unmap(page, size) }
	ptmTranslateFn    = ptm.Translate
	ptmMapTemporaryFn = ptm.MapTemporary
	shootdownFn       = tlb.Shootdown
)

var (
	errNoRegionSlots = &kernel.Error{Module: "vm", Message: "address space has no free region slots"}
	errNoHole        = &kernel.Error{Module: "vm", Message: "no virtual address hole large enough for the requested mapping"}
	errFixedOccupied = &kernel.Error{Module: "vm", Message: "requested fixed address range is already mapped or out of range"}
	errNoMapping     = &kernel.Error{Module: "vm", Message: "address is not part of any mapped region"}
)

// AddressSpace owns a page-table root and the set of regions mapped into
// it.
type AddressSpace struct {
	Lock sync.SpinlockNoInterrupt

	// PDTFrame is the physical frame backing this address space's top-level
	// page table, installed via cpu.SwitchPDT at thread context-switch time.
	PDTFrame pmm.Frame

	pool     [maxRegionsPerAS]region
	freeHead uint32
	head     uint32
}

// NewAddressSpace initializes an AddressSpace's region pool. pdtFrame must
// already carry the shared kernel-half entries, copied once at address-space
// creation time by the caller.
func NewAddressSpace(pdtFrame pmm.Frame) *AddressSpace {
	as := &AddressSpace{PDTFrame: pdtFrame, head: invalidRegion}
	for i := range as.pool {
		if i == len(as.pool)-1 {
			as.pool[i].next = invalidRegion
		} else {
			as.pool[i].next = uint32(i + 1)
		}
	}
	as.freeHead = 0
	return as
}

func pageAlignUp(size mem.Size) mem.Size {
	return (size + mem.PageSize - 1) &^ (mem.PageSize - 1)
}

func pageAlignDown(addr uintptr) uintptr {
	return addr &^ (uintptr(mem.PageSize) - 1)
}

func (as *AddressSpace) allocRegion() (uint32, *kernel.Error) {
	if as.freeHead == invalidRegion {
		return invalidRegion, errNoRegionSlots
	}
	idx := as.freeHead
	as.freeHead = as.pool[idx].next
	return idx, nil
}

func (as *AddressSpace) releaseRegion(idx uint32) {
	as.pool[idx] = region{next: as.freeHead}
	as.freeHead = idx
}

// insertSorted threads region idx into the start-address-ordered list.
func (as *AddressSpace) insertSorted(idx uint32) {
	r := &as.pool[idx]
	if as.head == invalidRegion || as.pool[as.head].start > r.start {
		r.next = as.head
		as.head = idx
		return
	}

	cur := as.head
	for as.pool[cur].next != invalidRegion && as.pool[as.pool[cur].next].start < r.start {
		cur = as.pool[cur].next
	}
	r.next = as.pool[cur].next
	as.pool[cur].next = idx
}

// unlink removes region idx from the live list and returns it to the pool.
func (as *AddressSpace) unlink(idx uint32) {
	if as.head == idx {
		as.head = as.pool[idx].next
	} else {
		cur := as.head
		for cur != invalidRegion && as.pool[cur].next != idx {
			cur = as.pool[cur].next
		}
		if cur != invalidRegion {
			as.pool[cur].next = as.pool[idx].next
		}
	}
	as.releaseRegion(idx)
}

func (as *AddressSpace) rangeFree(start uintptr, length mem.Size) bool {
	end := start + uintptr(length)
	for idx := as.head; idx != invalidRegion; idx = as.pool[idx].next {
		r := &as.pool[idx]
		rEnd := r.start + uintptr(r.length)
		if start < rEnd && end > r.start {
			return false
		}
	}
	return true
}

// findHole locates placement for a length-byte region, honoring hint and
// the FIXED flag per the hole-search contract: traverse regions in address
// order, preferring hint if it falls in a sufficiently large gap, otherwise
// returning the first gap of sufficient size.
func (as *AddressSpace) findHole(hint uintptr, length mem.Size, fixed bool) (uintptr, *kernel.Error) {
	if fixed {
		if hint == 0 || hint < regionSpaceBase || hint+uintptr(length) > regionSpaceLimit {
			return 0, errFixedOccupied
		}
		if !as.rangeFree(hint, length) {
			return 0, errFixedOccupied
		}
		return hint, nil
	}

	if hint != 0 {
		hint = pageAlignDown(hint)
		if hint >= regionSpaceBase && hint+uintptr(length) <= regionSpaceLimit && as.rangeFree(hint, length) {
			return hint, nil
		}
	}

	prevEnd := regionSpaceBase
	for idx := as.head; idx != invalidRegion; idx = as.pool[idx].next {
		r := &as.pool[idx]
		if r.start > prevEnd && r.start-prevEnd >= uintptr(length) {
			return prevEnd, nil
		}
		if end := r.start + uintptr(r.length); end > prevEnd {
			prevEnd = end
		}
	}

	if regionSpaceLimit-prevEnd >= uintptr(length) {
		return prevEnd, nil
	}
	return 0, errNoHole
}

func (as *AddressSpace) findRegionContaining(vaddr uintptr) uint32 {
	for idx := as.head; idx != invalidRegion; idx = as.pool[idx].next {
		r := &as.pool[idx]
		if vaddr >= r.start && vaddr < r.start+uintptr(r.length) {
			return idx
		}
	}
	return invalidRegion
}

func zeroFrame(frame pmm.Frame) *kernel.Error {
	page, err := ptmMapTemporaryFn(frame)
	if err != nil {
		return err
	}
	kernel.Memset(page.Address(), 0, uintptr(mem.PageSize))
	return ptmUnmapFn(page, ptm.Size4K)
}

// backRange eagerly installs PTM mappings for every page in [start,
// start+length), allocating anonymous frames as needed.
func (as *AddressSpace) backRange(start uintptr, length mem.Size, prot Prot, cache CachePolicy, kind regionKind, physBase uintptr, zero bool) *kernel.Error {
	pteFlags := prot.pteFlags() | cache.pteFlags()
	pageCount := uintptr(length) >> mem.PageShift

	for i := uintptr(0); i < pageCount; i++ {
		addr := start + i<<mem.PageShift
		page := ptm.PageFromAddress(addr)

		var frame pmm.Frame
		if kind == kindDirect {
			frame = pmm.FrameFromAddress(physBase + i<<mem.PageShift)
		} else {
			var err *kernel.Error
			if frame, err = frameAllocFn(); err != nil {
				return err
			}
			if zero {
				if err := zeroFrame(frame); err != nil {
					return err
				}
			}
		}

		if err := ptmMapFn(page, frame, ptm.Size4K, pteFlags); err != nil {
			return err
		}
	}

	shootdownFn(start, length)
	return nil
}

// MapAnon creates an anonymous region and returns its start address.
func (as *AddressSpace) MapAnon(hint uintptr, length mem.Size, prot Prot, cache CachePolicy, flags Flags) (uintptr, *kernel.Error) {
	as.Lock.Acquire()
	defer as.Lock.Release()

	length = pageAlignUp(length)
	start, err := as.findHole(hint, length, flags&FlagFixed != 0)
	if err != nil {
		return 0, err
	}

	idx, err := as.allocRegion()
	if err != nil {
		return 0, err
	}
	as.pool[idx] = region{start: start, length: length, prot: prot, cache: cache, kind: kindAnon, flags: flags}
	as.insertSorted(idx)

	if flags&FlagDynamicallyBacked == 0 {
		if err := as.backRange(start, length, prot, cache, kindAnon, 0, flags&FlagZero != 0); err != nil {
			as.unlink(idx)
			return 0, err
		}
	}

	return start, nil
}

// MapDirect creates a region backed by a fixed physical range (device
// memory, framebuffers) and returns its start address.
func (as *AddressSpace) MapDirect(hint uintptr, length mem.Size, prot Prot, cache CachePolicy, phys uintptr, flags Flags) (uintptr, *kernel.Error) {
	as.Lock.Acquire()
	defer as.Lock.Release()

	length = pageAlignUp(length)
	start, err := as.findHole(hint, length, flags&FlagFixed != 0)
	if err != nil {
		return 0, err
	}

	idx, err := as.allocRegion()
	if err != nil {
		return 0, err
	}
	as.pool[idx] = region{start: start, length: length, prot: prot, cache: cache, kind: kindDirect, physBase: phys, flags: flags}
	as.insertSorted(idx)

	if flags&FlagDynamicallyBacked == 0 {
		if err := as.backRange(start, length, prot, cache, kindDirect, phys, false); err != nil {
			as.unlink(idx)
			return 0, err
		}
	}

	return start, nil
}

func maxUintptr(a, b uintptr) uintptr {
	if a > b {
		return a
	}
	return b
}

func minUintptr(a, b uintptr) uintptr {
	if a < b {
		return a
	}
	return b
}

// Unmap clears mappings across [vaddr, vaddr+length), splitting, trimming,
// or deleting every region it intersects.
func (as *AddressSpace) Unmap(vaddr uintptr, length mem.Size) *kernel.Error {
	as.Lock.Acquire()
	defer as.Lock.Release()

	start := vaddr
	end := vaddr + uintptr(pageAlignUp(length))

	idx := as.head
	for idx != invalidRegion {
		next := as.pool[idx].next
		r := &as.pool[idx]
		rStart := r.start
		rEnd := r.start + uintptr(r.length)

		if rEnd <= start || rStart >= end {
			idx = next
			continue
		}

		interStart := maxUintptr(start, rStart)
		interEnd := minUintptr(end, rEnd)

		for addr := interStart; addr < interEnd; addr += uintptr(mem.PageSize) {
			// Dynamically-backed pages that never faulted in have no PTM
			// mapping; Unmap on an absent page is a harmless no-op here.
			_ = ptmUnmapFn(ptm.PageFromAddress(addr), ptm.Size4K)
		}
		shootdownFn(interStart, mem.Size(interEnd-interStart))

		switch {
		case interStart == rStart && interEnd == rEnd:
			as.unlink(idx)
		case interStart == rStart:
			if r.kind == kindDirect {
				r.physBase += interEnd - rStart
			}
			r.length = mem.Size(rEnd - interEnd)
			r.start = interEnd
		case interEnd == rEnd:
			r.length = mem.Size(interStart - rStart)
		default:
			tailStart := interEnd
			tailLength := mem.Size(rEnd - interEnd)
			tailPhysBase := r.physBase
			if r.kind == kindDirect {
				tailPhysBase += interEnd - rStart
			}

			r.length = mem.Size(interStart - rStart)

			if newIdx, err := as.allocRegion(); err == nil {
				as.pool[newIdx] = region{
					start: tailStart, length: tailLength, prot: r.prot, cache: r.cache,
					kind: r.kind, physBase: tailPhysBase, flags: r.flags,
				}
				as.insertSorted(newIdx)
			}
		}

		idx = next
	}

	return nil
}

// faultLocked resolves a fault assuming as.Lock is already held.
func (as *AddressSpace) faultLocked(vaddr uintptr, kind FaultKind) bool {
	idx := as.findRegionContaining(vaddr)
	if idx == invalidRegion {
		return false
	}
	r := &as.pool[idx]

	if kind == FaultWrite && r.prot&ProtWrite == 0 {
		return false
	}

	page := ptm.PageFromAddress(pageAlignDown(vaddr))
	pteFlags := r.prot.pteFlags() | r.cache.pteFlags()

	var frame pmm.Frame
	if r.kind == kindDirect {
		frame = pmm.FrameFromAddress(r.physBase + (pageAlignDown(vaddr) - r.start))
	} else {
		var err *kernel.Error
		if frame, err = frameAllocFn(); err != nil {
			return false
		}
		if r.flags&FlagZero != 0 {
			if err := zeroFrame(frame); err != nil {
				return false
			}
		}
	}

	return ptmMapFn(page, frame, ptm.Size4K, pteFlags) == nil
}

// Fault resolves a fault against an address not already present. It returns
// true if the fault was resolved by demand-mapping a page. kernel/mem/ptm's
// page fault handler does not call it.
func (as *AddressSpace) Fault(vaddr uintptr, kind FaultKind) bool {
	as.Lock.Acquire()
	defer as.Lock.Release()
	return as.faultLocked(vaddr, kind)
}

// withAddressSpace temporarily loads as's page tables if they are not
// already active, restoring the previous top-level table before returning.
func withAddressSpace(as *AddressSpace, fn func()) {
	prev := activePDTFn()
	target := as.PDTFrame.Address()
	if prev != target {
		switchPDTFn(target)
		defer switchPDTFn(prev)
	}
	fn()
}

// CopyTo copies src into as at vaddr, faulting in destination pages as
// required, and returns the number of bytes written.
func CopyTo(as *AddressSpace, vaddr uintptr, src []byte) (int, *kernel.Error) {
	as.Lock.Acquire()
	defer as.Lock.Release()

	var written int
	var faultErr *kernel.Error
	withAddressSpace(as, func() {
		remaining := src
		addr := vaddr
		for len(remaining) > 0 {
			pageAddr := pageAlignDown(addr)
			offset := addr - pageAddr
			chunk := uintptr(mem.PageSize) - offset
			if chunk > uintptr(len(remaining)) {
				chunk = uintptr(len(remaining))
			}

			if _, err := ptmTranslateFn(addr); err != nil {
				if !as.faultLocked(addr, FaultWrite) {
					faultErr = errNoMapping
					return
				}
			}

			kernel.Memcopy(uintptrOf(remaining), addr, chunk)
			addr += chunk
			remaining = remaining[chunk:]
			written += int(chunk)
		}
	})
	return written, faultErr
}

// CopyFrom copies n bytes out of as at vaddr into dst, faulting in source
// pages as required, and returns the number of bytes read.
func CopyFrom(dst []byte, as *AddressSpace, vaddr uintptr, n int) (int, *kernel.Error) {
	as.Lock.Acquire()
	defer as.Lock.Release()

	var read int
	var faultErr *kernel.Error
	withAddressSpace(as, func() {
		addr := vaddr
		remaining := dst[:n]
		for len(remaining) > 0 {
			pageAddr := pageAlignDown(addr)
			offset := addr - pageAddr
			chunk := uintptr(mem.PageSize) - offset
			if chunk > uintptr(len(remaining)) {
				chunk = uintptr(len(remaining))
			}

			if _, err := ptmTranslateFn(addr); err != nil {
				if !as.faultLocked(addr, FaultRead) {
					faultErr = errNoMapping
					return
				}
			}

			kernel.Memcopy(addr, uintptrOf(remaining), chunk)
			addr += chunk
			remaining = remaining[chunk:]
			read += int(chunk)
		}
	})
	return read, faultErr
}
