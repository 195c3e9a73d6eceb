// Package ptm implements the kernel's page table manager: it walks and
// rewrites the amd64 4-level paging structures through the recursive
// self-mapping trick, and exposes Map/Unmap/Translate on top of that walk.
//
// Unlike a flat mapper, ptm understands three page sizes (4K, 2M, 1G) and
// implements "break-on-partial": a Map or Unmap request for a finer
// granularity than an existing mapping splits that mapping down one level at
// a time, rewriting the covered range into an equivalent set of smaller
// entries before the requested sub-range is touched. This lets a single huge
// page later have one of its 4K sub-pages individually unmapped or
// COW-split without disturbing its siblings.
package ptm

import (
	"kernelcore/kernel"
	"kernelcore/kernel/cpu"
	"kernelcore/kernel/irq"
	"kernelcore/kernel/kfmt"
	"kernelcore/kernel/mem"
	"kernelcore/kernel/mem/pmm"
	"unsafe"
)

// pageLevels is the number of paging levels amd64 long mode uses (PML4,
// PDPT, PD, PT).
const pageLevels = 4

// entriesPerTable is the number of entries in every paging structure.
const entriesPerTable = 512

// pageLevelShifts[i] is the bit offset of the index field that level i
// contributes to a virtual address, and also the size (as a power of two,
// in bytes) that a single entry at that level spans.
var pageLevelShifts = [pageLevels]uint8{39, 30, 21, 12}

// pageLevelBits is the width, in bits, of each level's index field.
var pageLevelBits = [pageLevels]uint8{9, 9, 9, 9}

// recursiveSlot is the PML4 index permanently reserved for the recursive
// self-mapping; entry recursiveSlot of the top-level table points back to
// the table itself, so dereferencing an address whose index fields are all
// recursiveSlot yields the PML4 table, two yields the PDPT for a given
// PML4 entry, and so on.
const recursiveSlot = 0x1FF

// pdtVirtualAddr is the virtual address obtained by setting every index
// field to recursiveSlot; walk() uses it as its starting point to reach the
// top-level table via the recursive mapping.
const pdtVirtualAddr uintptr = 0xFFFF000000000000 |
	(uintptr(recursiveSlot) << 39) |
	(uintptr(recursiveSlot) << 30) |
	(uintptr(recursiveSlot) << 21) |
	(uintptr(recursiveSlot) << 12)

// tempMappingAddr is a fixed virtual address, outside of the recursive
// mapping range, reserved for single-page temporary mappings.
const tempMappingAddr uintptr = 0xFFFF800000000000

// Page identifies a virtual page by its page number (virtual address >>
// mem.PageShift), mirroring how pmm.Frame identifies a physical page.
type Page uintptr

// Address returns the virtual address of the page.
func (p Page) Address() uintptr { return uintptr(p) << mem.PageShift }

// PageFromAddress returns the Page containing the given virtual address.
func PageFromAddress(addr uintptr) Page { return Page(addr >> mem.PageShift) }

// Size selects the granularity of a mapping.
type Size uint8

const (
	// Size4K is a standard leaf page table entry.
	Size4K Size = iota
	// Size2M is a huge page mapped directly by a page-directory entry.
	Size2M
	// Size1G is a huge page mapped directly by a page-directory-pointer entry.
	Size1G
)

// level returns the paging level at which a mapping of this size terminates.
func (s Size) level() uint8 {
	switch s {
	case Size1G:
		return 1
	case Size2M:
		return 2
	default:
		return pageLevels - 1
	}
}

// PageTableEntryFlag describes a flag bit that can be set on a page table
// entry. The bit layout follows the amd64 PTE format.
type PageTableEntryFlag uintptr

const (
	FlagPresent PageTableEntryFlag = 1 << 0
	FlagRW      PageTableEntryFlag = 1 << 1
	FlagUser    PageTableEntryFlag = 1 << 2
	FlagWriteThrough PageTableEntryFlag = 1 << 3
	FlagCacheDisable PageTableEntryFlag = 1 << 4
	FlagAccessed     PageTableEntryFlag = 1 << 5
	FlagDirty        PageTableEntryFlag = 1 << 6
	// FlagHugePage marks an entry as a terminal mapping at a level above the
	// leaf (PS bit on PDPT/PD entries).
	FlagHugePage PageTableEntryFlag = 1 << 7
	FlagGlobal   PageTableEntryFlag = 1 << 8
	// FlagCopyOnWrite is an OS-available bit (bit 9) used to mark pages that
	// must be duplicated on the first write fault.
	FlagCopyOnWrite PageTableEntryFlag = 1 << 9
	FlagNoExecute   PageTableEntryFlag = 1 << 63
)

// ptePhysPageMask covers the physical-frame bits (12 through 51) of a PTE.
const ptePhysPageMask = 0x000FFFFFFFFFF000

// pageTableEntry is a single 8-byte amd64 paging structure entry.
type pageTableEntry uintptr

func (pte pageTableEntry) HasFlags(flags PageTableEntryFlag) bool {
	return (uintptr(pte) & uintptr(flags)) == uintptr(flags)
}

func (pte pageTableEntry) HasAnyFlag(flags PageTableEntryFlag) bool {
	return (uintptr(pte) & uintptr(flags)) != 0
}

func (pte *pageTableEntry) SetFlags(flags PageTableEntryFlag) {
	*pte = pageTableEntry(uintptr(*pte) | uintptr(flags))
}

func (pte *pageTableEntry) ClearFlags(flags PageTableEntryFlag) {
	*pte = pageTableEntry(uintptr(*pte) &^ uintptr(flags))
}

func (pte pageTableEntry) Frame() pmm.Frame {
	return pmm.Frame((uintptr(pte) & ptePhysPageMask) >> mem.PageShift)
}

func (pte *pageTableEntry) SetFrame(frame pmm.Frame) {
	*pte = pageTableEntry((uintptr(*pte) &^ ptePhysPageMask) | frame.Address())
}

var (
	// ptePtrFn resolves the virtual address of a page table entry to a
	// pointer. Tests override it to simulate page table memory; production
	// code relies on it being inlined away.
	ptePtrFn = func(entryAddr uintptr) unsafe.Pointer {
		return unsafe.Pointer(entryAddr)
	}

	// nextAddrFn is overridden by tests to intercept the virtual address of
	// a freshly allocated table before it is cleared.
	nextAddrFn = func(entryAddr uintptr) uintptr { return entryAddr }

	flushTLBEntryFn = cpu.FlushTLBEntry
	readCR2Fn       = cpu.ReadCR2
	switchPDTFn     = cpu.SwitchPDT
	activePDTFn     = cpu.ActivePDT

	frameAllocator FrameAllocatorFn

	earlyReserveLastUsed = tempMappingAddr

	errNoSuchMapping         = &kernel.Error{Module: "ptm", Message: "virtual address does not point to a mapped physical page"}
	errEarlyReserveNoSpace   = &kernel.Error{Module: "ptm", Message: "remaining virtual address space not large enough to satisfy reservation request"}
	errCOWReservedFrameRW    = &kernel.Error{Module: "ptm", Message: "reserved blank frame cannot be mapped with a RW flag"}
	errUnrecoverableFault    = &kernel.Error{Module: "ptm", Message: "page/gpf fault"}

	// ReservedZeroedFrame is a zero-filled frame set up by Init and used
	// together with FlagCopyOnWrite to back demand-zero mappings without
	// committing real memory until the first write.
	ReservedZeroedFrame        pmm.Frame
	protectReservedZeroedFrame bool
)

// FrameAllocatorFn allocates a single physical frame.
type FrameAllocatorFn func() (pmm.Frame, *kernel.Error)

// SetFrameAllocator registers the allocator ptm uses to obtain frames for
// new paging structures and COW copies. kernel/init calls this once
// kernel/mem/pmm is seeded.
func SetFrameAllocator(fn FrameAllocatorFn) { frameAllocator = fn }

// pageTableWalker is invoked once per paging level visited by walk. It
// stops early (without visiting deeper levels) if walkFn returns false.
type pageTableWalker func(level uint8, pte *pageTableEntry) bool

// walk performs a page table walk for virtAddr using the recursive
// self-mapping, invoking walkFn with the entry found at each level.
func walk(virtAddr uintptr, walkFn pageTableWalker) {
	var (
		level                            uint8
		tableAddr, entryAddr, entryIndex uintptr
	)

	for level, tableAddr = 0, pdtVirtualAddr; level < pageLevels; level, tableAddr = level+1, entryAddr {
		entryIndex = (virtAddr >> pageLevelShifts[level]) & ((1 << pageLevelBits[level]) - 1)
		entryAddr = tableAddr + (entryIndex << mem.PointerShift)

		if !walkFn(level, (*pageTableEntry)(ptePtrFn(entryAddr))) {
			return
		}

		entryAddr <<= pageLevelBits[level]
	}
}

// splitEntries materializes the entriesPerTable entries a child table must
// contain to exactly reproduce a huge mapping that previously terminated one
// level higher. parentLevel is the level of the huge entry being broken up;
// the returned entries are installed at parentLevel+1.
func splitEntries(parentLevel uint8, frame pmm.Frame, flags PageTableEntryFlag) [entriesPerTable]pageTableEntry {
	childLevel := parentLevel + 1
	step := pmm.Frame(1) << (pageLevelShifts[childLevel] - mem.PageShift)

	subFlags := flags
	if childLevel == pageLevels-1 {
		subFlags &^= FlagHugePage
	} else {
		subFlags |= FlagHugePage
	}

	var entries [entriesPerTable]pageTableEntry
	for i := range entries {
		entries[i].SetFrame(frame + pmm.Frame(i)*step)
		entries[i].SetFlags(subFlags)
	}
	return entries
}

// writeTableFn installs a freshly computed table of entries at the virtual
// address of a newly allocated paging structure. Tests override it to
// capture the written entries instead of touching real memory.
var writeTableFn = func(tableAddr uintptr, entries [entriesPerTable]pageTableEntry) {
	dst := (*[entriesPerTable]pageTableEntry)(unsafe.Pointer(tableAddr))
	*dst = entries
}

// descend materializes the next-level table for pte if one is not already
// present, or splits pte's huge mapping into an equivalent next-level table
// if targetLevel requires descending past it. entryVirtAddr is pte's own
// recursively-mapped address; the child table it installs becomes reachable
// at entryVirtAddr shifted left by the child level's index width, mirroring
// the step walk() itself takes when it moves one level deeper.
func descend(pte *pageTableEntry, level uint8, entryVirtAddr uintptr) *kernel.Error {
	childTableAddr := entryVirtAddr << pageLevelBits[level+1]

	switch {
	case pte.HasFlags(FlagPresent) && pte.HasFlags(FlagHugePage):
		newTable, err := frameAllocator()
		if err != nil {
			return err
		}
		flags := PageTableEntryFlag(uintptr(*pte) &^ ptePhysPageMask)
		entries := splitEntries(level, pte.Frame(), flags)
		writeTableFn(nextAddrFn(childTableAddr), entries)
		pte.SetFrame(newTable)
		pte.ClearFlags(FlagHugePage)
		pte.SetFlags(FlagPresent | FlagRW)
		flushTLBEntryFn(entryVirtAddr)

	case !pte.HasFlags(FlagPresent):
		newTable, err := frameAllocator()
		if err != nil {
			return err
		}
		*pte = 0
		pte.SetFrame(newTable)
		pte.SetFlags(FlagPresent | FlagRW)
		kernel.Memset(nextAddrFn(childTableAddr), 0, uintptr(mem.PageSize))
	}

	return nil
}

// Map establishes a mapping from page to frame at the requested size,
// allocating any missing intermediate tables via the registered
// FrameAllocatorFn and splitting any huge page found along the way that is
// coarser than the requested size.
func Map(page Page, frame pmm.Frame, size Size, flags PageTableEntryFlag) *kernel.Error {
	if protectReservedZeroedFrame && frame == ReservedZeroedFrame && flags&FlagRW != 0 {
		return errCOWReservedFrameRW
	}

	target := size.level()
	var err *kernel.Error

	walk(page.Address(), func(level uint8, pte *pageTableEntry) bool {
		if level == target {
			*pte = 0
			pte.SetFrame(frame)
			pte.SetFlags(flags)
			if size != Size4K {
				pte.SetFlags(FlagHugePage)
			}
			flushTLBEntryFn(page.Address())
			return false
		}

		// entryVirtAddr recomputation mirrors walk()'s own addressing so
		// descend can reach the entry's backing memory the same way.
		entryVirtAddr := uintptr(unsafe.Pointer(pte))
		if e := descend(pte, level, entryVirtAddr); e != nil {
			err = e
			return false
		}
		return true
	})

	return err
}

// Unmap clears a previously established mapping, splitting any huge page
// found along the way that is coarser than size so that only the requested
// range is affected.
func Unmap(page Page, size Size) *kernel.Error {
	target := size.level()
	var err *kernel.Error

	walk(page.Address(), func(level uint8, pte *pageTableEntry) bool {
		if level == target {
			pte.ClearFlags(FlagPresent)
			flushTLBEntryFn(page.Address())
			return false
		}

		if !pte.HasFlags(FlagPresent) {
			err = errNoSuchMapping
			return false
		}

		entryVirtAddr := uintptr(unsafe.Pointer(pte))
		if e := descend(pte, level, entryVirtAddr); e != nil {
			err = e
			return false
		}
		return true
	})

	return err
}

// Translate resolves a virtual address to its mapped physical address,
// stopping early if a huge page entry is found before the leaf level.
func Translate(virtAddr uintptr) (uintptr, *kernel.Error) {
	var (
		err       *kernel.Error
		physAddr  uintptr
		resolved  bool
	)

	walk(virtAddr, func(level uint8, pte *pageTableEntry) bool {
		if !pte.HasFlags(FlagPresent) {
			err = errNoSuchMapping
			return false
		}

		if pte.HasFlags(FlagHugePage) || level == pageLevels-1 {
			spanShift := pageLevelShifts[level]
			offsetMask := uintptr(1)<<spanShift - 1
			physAddr = pte.Frame().Address() + (virtAddr & offsetMask)
			resolved = true
			return false
		}

		return true
	})

	if !resolved && err == nil {
		err = errNoSuchMapping
	}
	return physAddr, err
}

// MapTemporary establishes a temporary RW mapping of frame at a fixed
// virtual address, overwriting any previous temporary mapping. It is used to
// access and initialize page tables and frames that are not yet reachable
// through the active address space.
func MapTemporary(frame pmm.Frame) (Page, *kernel.Error) {
	if protectReservedZeroedFrame && frame == ReservedZeroedFrame {
		return 0, errCOWReservedFrameRW
	}
	if err := Map(PageFromAddress(tempMappingAddr), frame, Size4K, FlagPresent|FlagRW); err != nil {
		return 0, err
	}
	return PageFromAddress(tempMappingAddr), nil
}

var (
	mapFn          = Map
	unmapFn        = Unmap
	mapTemporaryFn = MapTemporary
)

// EarlyReserveRegion reserves a page-aligned virtual address range of the
// given size at the end of kernel address space, for use before a general
// VM region allocator (kernel/mem/vm) is available.
func EarlyReserveRegion(size mem.Size) (uintptr, *kernel.Error) {
	size = (size + (mem.PageSize - 1)) &^ (mem.PageSize - 1)
	if uintptr(size) > earlyReserveLastUsed {
		return 0, errEarlyReserveNoSpace
	}
	earlyReserveLastUsed -= uintptr(size)
	return earlyReserveLastUsed, nil
}

// MapRegion reserves the next available early region, maps it to the
// physical range starting at frame, and returns the Page at which the
// region begins.
func MapRegion(frame pmm.Frame, size mem.Size, flags PageTableEntryFlag) (Page, *kernel.Error) {
	size = (size + (mem.PageSize - 1)) &^ (mem.PageSize - 1)
	startAddr, err := EarlyReserveRegion(size)
	if err != nil {
		return 0, err
	}

	pageCount := size >> mem.PageShift
	for page := PageFromAddress(startAddr); pageCount > 0; pageCount, page, frame = pageCount-1, page+1, frame+1 {
		if err := mapFn(page, frame, Size4K, flags); err != nil {
			return 0, err
		}
	}

	return PageFromAddress(startAddr), nil
}

// reserveZeroedFrame allocates and zero-fills ReservedZeroedFrame.
func reserveZeroedFrame() *kernel.Error {
	var err *kernel.Error
	if ReservedZeroedFrame, err = frameAllocator(); err != nil {
		return err
	}

	tempPage, err := mapTemporaryFn(ReservedZeroedFrame)
	if err != nil {
		return err
	}
	kernel.Memset(tempPage.Address(), 0, uintptr(mem.PageSize))
	unmapFn(tempPage, Size4K)

	protectReservedZeroedFrame = true
	return nil
}

// Init activates the page directory built by the boot stub at pdtFrame (its
// recursive self-map slot must already be installed at recursiveSlot),
// reserves the copy-on-write zero frame and installs the page-fault and
// general-protection-fault handlers. kernel/init calls this once
// kernel/mem/pmm.AddRegion has seeded the buddy allocator and
// SetFrameAllocator has been called.
func Init(pdtFrame pmm.Frame) *kernel.Error {
	switchPDTFn(pdtFrame.Address())

	if err := reserveZeroedFrame(); err != nil {
		return err
	}

	handleExceptionWithCodeFn(irq.PageFaultException, pageFaultHandler)
	handleExceptionWithCodeFn(irq.GPFException, generalProtectionFaultHandler)
	return nil
}

var handleExceptionWithCodeFn = irq.HandleExceptionWithCode

// pageFaultHandler implements copy-on-write: a write fault against a
// present, read-only page with FlagCopyOnWrite set allocates a fresh frame,
// duplicates the faulting page's contents into it, and retries the faulting
// instruction with the new frame mapped RW. Any other fault is unrecoverable.
func pageFaultHandler(errorCode uint64, frame *irq.Frame, regs *irq.Regs) {
	faultAddress := uintptr(readCR2Fn())
	faultPage := PageFromAddress(faultAddress)

	var pageEntry *pageTableEntry
	walk(faultPage.Address(), func(level uint8, pte *pageTableEntry) bool {
		present := pte.HasFlags(FlagPresent)
		if level == pageLevels-1 && present {
			pageEntry = pte
		}
		return present
	})

	if pageEntry != nil && !pageEntry.HasFlags(FlagRW) && pageEntry.HasFlags(FlagCopyOnWrite) {
		copyFrame, err := frameAllocator()
		if err == nil {
			var tmpPage Page
			if tmpPage, err = mapTemporaryFn(copyFrame); err == nil {
				kernel.Memcopy(faultPage.Address(), tmpPage.Address(), uintptr(mem.PageSize))
				unmapFn(tmpPage, Size4K)

				pageEntry.ClearFlags(FlagCopyOnWrite)
				pageEntry.SetFlags(FlagPresent | FlagRW)
				pageEntry.SetFrame(copyFrame)
				flushTLBEntryFn(faultPage.Address())
				return
			}
		}
		nonRecoverablePageFault(faultAddress, errorCode, frame, regs, err)
		return
	}

	nonRecoverablePageFault(faultAddress, errorCode, frame, regs, errUnrecoverableFault)
}

func nonRecoverablePageFault(faultAddress uintptr, errorCode uint64, frame *irq.Frame, regs *irq.Regs, err *kernel.Error) {
	kfmt.Printf("\nPage fault while accessing address: 0x%16x\nReason: ", faultAddress)
	switch errorCode {
	case 0:
		kfmt.Printf("read from non-present page")
	case 1:
		kfmt.Printf("page protection violation (read)")
	case 2:
		kfmt.Printf("write to non-present page")
	case 3:
		kfmt.Printf("page protection violation (write)")
	case 4:
		kfmt.Printf("page-fault in user-mode")
	case 8:
		kfmt.Printf("page table has reserved bit set")
	case 16:
		kfmt.Printf("instruction fetch")
	default:
		kfmt.Printf("unknown")
	}

	kfmt.Printf("\n\nRegisters:\n")
	regs.Print()
	frame.Print()
	panic(err)
}

func generalProtectionFaultHandler(_ uint64, frame *irq.Frame, regs *irq.Regs) {
	kfmt.Printf("\nGeneral protection fault while accessing address: 0x%x\n", readCR2Fn())
	kfmt.Printf("Registers:\n")
	regs.Print()
	frame.Print()
	panic(errUnrecoverableFault)
}
