package vm

import (
	"kernelcore/kernel"
	"kernelcore/kernel/mem"
	"kernelcore/kernel/mem/pmm"
	"kernelcore/kernel/mem/ptm"
	"testing"
)

func withFakeBacking(t *testing.T) (mapped map[uintptr]pmm.Frame) {
	t.Helper()
	mapped = map[uintptr]pmm.Frame{}

	ptmMapFn = func(page ptm.Page, frame pmm.Frame, _ ptm.Size, _ ptm.PageTableEntryFlag) *kernel.Error {
		mapped[page.Address()] = frame
		return nil
	}
	ptmUnmapFn = func(page ptm.Page, _ ptm.Size) *kernel.Error {
		delete(mapped, page.Address())
		return nil
	}
	ptmTranslateFn = func(addr uintptr) (uintptr, *kernel.Error) {
		pageAddr := pageAlignDown(addr)
		if frame, ok := mapped[pageAddr]; ok {
			return frame.Address() + (addr - pageAddr), nil
		}
		return 0, &kernel.Error{Module: "test", Message: "not mapped"}
	}
	ptmMapTemporaryFn = func(frame pmm.Frame) (ptm.Page, *kernel.Error) {
		return ptm.PageFromAddress(frame.Address()), nil
	}
	shootdownFn = func(uintptr, mem.Size) {}

	activePDTFn = func() uintptr { return 0 }
	switchPDTFn = func(uintptr) {}

	frameNext := pmm.Frame(1)
	frameAllocFn = func() (pmm.Frame, *kernel.Error) {
		f := frameNext
		frameNext++
		return f, nil
	}

	t.Cleanup(func() {
		ptmMapFn = func(page ptm.Page, frame pmm.Frame, size ptm.Size, flags ptm.PageTableEntryFlag) *kernel.Error {
			return ptm.Map(page, frame, size, flags)
		}
		ptmUnmapFn = func(page ptm.Page, size ptm.Size) *kernel.Error { return ptm.Unmap(page, size) }
		ptmTranslateFn = ptm.Translate
		ptmMapTemporaryFn = ptm.MapTemporary
	})

	return mapped
}

func TestMapAnonEagerBacksAllPages(t *testing.T) {
	mapped := withFakeBacking(t)
	as := NewAddressSpace(pmm.Frame(0))

	start, err := as.MapAnon(0, 3*mem.PageSize, ProtWrite, CacheWriteBack, 0)
	if err != nil {
		t.Fatalf("MapAnon: %v", err)
	}

	for i := uintptr(0); i < 3; i++ {
		if _, ok := mapped[start+i*uintptr(mem.PageSize)]; !ok {
			t.Fatalf("expected page %d to be eagerly backed", i)
		}
	}
}

func TestMapAnonDynamicallyBackedDefersMapping(t *testing.T) {
	mapped := withFakeBacking(t)
	as := NewAddressSpace(pmm.Frame(0))

	start, err := as.MapAnon(0, mem.PageSize, ProtWrite, CacheWriteBack, FlagDynamicallyBacked)
	if err != nil {
		t.Fatalf("MapAnon: %v", err)
	}

	if _, ok := mapped[start]; ok {
		t.Fatal("expected dynamically-backed region not to be mapped eagerly")
	}
}

func TestFaultResolvesDynamicallyBackedPage(t *testing.T) {
	mapped := withFakeBacking(t)
	as := NewAddressSpace(pmm.Frame(0))

	start, err := as.MapAnon(0, mem.PageSize, ProtWrite, CacheWriteBack, FlagDynamicallyBacked)
	if err != nil {
		t.Fatalf("MapAnon: %v", err)
	}

	if !as.Fault(start+10, FaultWrite) {
		t.Fatal("expected fault to resolve against the dynamically-backed region")
	}
	if _, ok := mapped[start]; !ok {
		t.Fatal("expected the faulting page to be mapped after Fault")
	}
}

func TestFaultReturnsFalseOutsideAnyRegion(t *testing.T) {
	withFakeBacking(t)
	as := NewAddressSpace(pmm.Frame(0))

	if as.Fault(0x900000, FaultRead) {
		t.Fatal("expected Fault to fail for an address with no backing region")
	}
}

func TestFaultRejectsWriteToReadOnlyRegion(t *testing.T) {
	withFakeBacking(t)
	as := NewAddressSpace(pmm.Frame(0))

	start, err := as.MapAnon(0, mem.PageSize, 0, CacheWriteBack, FlagDynamicallyBacked)
	if err != nil {
		t.Fatalf("MapAnon: %v", err)
	}

	if as.Fault(start, FaultWrite) {
		t.Fatal("expected a write fault against a read-only region to fail")
	}
}

func TestMapDirectUsesGivenPhysicalRange(t *testing.T) {
	mapped := withFakeBacking(t)
	as := NewAddressSpace(pmm.Frame(0))

	phys := uintptr(0x100000)
	start, err := as.MapDirect(0, 2*mem.PageSize, ProtWrite, CacheUncached, phys, 0)
	if err != nil {
		t.Fatalf("MapDirect: %v", err)
	}

	if got := mapped[start].Address(); got != phys {
		t.Fatalf("expected first page backed by phys 0x%x; got 0x%x", phys, got)
	}
	if got := mapped[start+uintptr(mem.PageSize)].Address(); got != phys+uintptr(mem.PageSize) {
		t.Fatalf("expected second page backed by phys 0x%x; got 0x%x", phys+uintptr(mem.PageSize), got)
	}
}

func TestMapAnonHonorsFixedHint(t *testing.T) {
	withFakeBacking(t)
	as := NewAddressSpace(pmm.Frame(0))

	hint := uintptr(regionSpaceBase + 0x10000)
	start, err := as.MapAnon(hint, mem.PageSize, ProtWrite, CacheWriteBack, FlagFixed|FlagDynamicallyBacked)
	if err != nil {
		t.Fatalf("MapAnon: %v", err)
	}
	if start != hint {
		t.Fatalf("expected FIXED hint to be honored exactly; got 0x%x want 0x%x", start, hint)
	}

	if _, err := as.MapAnon(hint, mem.PageSize, ProtWrite, CacheWriteBack, FlagFixed|FlagDynamicallyBacked); err == nil {
		t.Fatal("expected a second FIXED mapping over the same range to fail")
	}
}

func TestMapAnonFindsFirstSufficientHole(t *testing.T) {
	withFakeBacking(t)
	as := NewAddressSpace(pmm.Frame(0))

	first, err := as.MapAnon(0, mem.PageSize, ProtWrite, CacheWriteBack, FlagDynamicallyBacked)
	if err != nil {
		t.Fatalf("MapAnon: %v", err)
	}
	second, err := as.MapAnon(0, mem.PageSize, ProtWrite, CacheWriteBack, FlagDynamicallyBacked)
	if err != nil {
		t.Fatalf("MapAnon: %v", err)
	}

	if second <= first {
		t.Fatalf("expected the second region to be placed after the first; got 0x%x then 0x%x", first, second)
	}
}

func TestUnmapDeletesFullyCoveredRegion(t *testing.T) {
	mapped := withFakeBacking(t)
	as := NewAddressSpace(pmm.Frame(0))

	start, err := as.MapAnon(0, mem.PageSize, ProtWrite, CacheWriteBack, 0)
	if err != nil {
		t.Fatalf("MapAnon: %v", err)
	}

	if err := as.Unmap(start, mem.PageSize); err != nil {
		t.Fatalf("Unmap: %v", err)
	}

	if _, ok := mapped[start]; ok {
		t.Fatal("expected page to be unmapped")
	}
	if idx := as.findRegionContaining(start); idx != invalidRegion {
		t.Fatal("expected region to be removed from the address space")
	}
}

func TestUnmapTrimsFrontOfRegion(t *testing.T) {
	withFakeBacking(t)
	as := NewAddressSpace(pmm.Frame(0))

	start, err := as.MapAnon(0, 4*mem.PageSize, ProtWrite, CacheWriteBack, 0)
	if err != nil {
		t.Fatalf("MapAnon: %v", err)
	}

	if err := as.Unmap(start, mem.PageSize); err != nil {
		t.Fatalf("Unmap: %v", err)
	}

	idx := as.findRegionContaining(start + uintptr(mem.PageSize))
	if idx == invalidRegion {
		t.Fatal("expected the remaining tail of the region to still be mapped")
	}
	if as.findRegionContaining(start) != invalidRegion {
		t.Fatal("expected the unmapped front page to no longer belong to any region")
	}
}

func TestUnmapSplitsMiddleOfRegion(t *testing.T) {
	withFakeBacking(t)
	as := NewAddressSpace(pmm.Frame(0))

	start, err := as.MapAnon(0, 4*mem.PageSize, ProtWrite, CacheWriteBack, 0)
	if err != nil {
		t.Fatalf("MapAnon: %v", err)
	}

	holeStart := start + uintptr(mem.PageSize)
	if err := as.Unmap(holeStart, mem.PageSize); err != nil {
		t.Fatalf("Unmap: %v", err)
	}

	if as.findRegionContaining(start) == invalidRegion {
		t.Fatal("expected the leading remainder to still be a region")
	}
	if as.findRegionContaining(holeStart) != invalidRegion {
		t.Fatal("expected the carved-out page to belong to no region")
	}
	if as.findRegionContaining(holeStart+uintptr(mem.PageSize)) == invalidRegion {
		t.Fatal("expected the trailing remainder to still be a region")
	}

	// Splitting must not merge back into one region: two independent
	// region records should now exist on either side of the hole.
	var count int
	for idx := as.head; idx != invalidRegion; idx = as.pool[idx].next {
		count++
	}
	if count != 2 {
		t.Fatalf("expected 2 regions after carving a hole in the middle; got %d", count)
	}
}
