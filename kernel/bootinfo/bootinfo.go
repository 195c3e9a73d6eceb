// Package bootinfo assembles the boot hand-off record: the static facts
// about the machine and the loaded kernel image that the rt0 boot stub and
// bootloader hand to Kmain, normalized into a form the rest of the kernel
// can query without re-parsing bootloader-specific structures.
package bootinfo

import (
	"kernelcore/kernel/hal/multiboot"
	"kernelcore/kernel/mem"
)

// KernelSegment describes one loaded segment of the kernel image, as found
// in its ELF program headers by the boot stub.
type KernelSegment struct {
	Start, End         uintptr
	Writable, Executable bool
}

// CPUInfo identifies one CPU discovered via ACPI/MADT parsing during boot.
type CPUInfo struct {
	ID     uint32
	APICID uint32
	IsBSP  bool
}

// Module describes one boot module (e.g. an initrd) passed by the
// bootloader alongside the kernel image.
type Module struct {
	Start, End uintptr
	CmdLine    string
}

// Record is the normalized boot hand-off record. A single instance is
// populated once, early during Kmain, and is read-only from then on.
type Record struct {
	MultibootInfoPtr       uintptr
	KernelStart, KernelEnd uintptr
	Segments               []KernelSegment

	// HHDMOffset/HHDMSize describe the higher-half direct map: the virtual
	// window where all usable physical memory is linearly mapped.
	HHDMOffset uintptr
	HHDMSize   mem.Size

	RSDPAddress uintptr

	BSPIndex int
	CPUs     []CPUInfo

	Framebuffer   *multiboot.FramebufferInfo
	MemoryRegions []multiboot.MemoryMapEntry
	Modules       []Module
}

var current Record

var (
	visitRegionsFn = multiboot.VisitMemRegions
	framebufferFn  = multiboot.GetFramebufferInfo
)

// Params carries the scalars the boot stub passes to Kmain that multiboot
// parsing alone cannot recover (the higher-half direct map window and the
// ACPI RSDP address, located by the stub before Go code ever runs).
type Params struct {
	MultibootInfoPtr       uintptr
	KernelStart, KernelEnd uintptr
	Segments               []KernelSegment
	HHDMOffset             uintptr
	HHDMSize               mem.Size
	RSDPAddress            uintptr
	Modules                []Module
}

// Collect builds the boot record from p plus the bootloader's memory map
// and framebuffer tags, and installs it as Current. It must run before any
// other subsystem (pmm, ptm, vm) queries Current.
func Collect(p Params) *Record {
	current = Record{
		MultibootInfoPtr: p.MultibootInfoPtr,
		KernelStart:      p.KernelStart,
		KernelEnd:        p.KernelEnd,
		Segments:         append([]KernelSegment(nil), p.Segments...),
		HHDMOffset:       p.HHDMOffset,
		HHDMSize:         p.HHDMSize,
		RSDPAddress:      p.RSDPAddress,
		Modules:          append([]Module(nil), p.Modules...),
		Framebuffer:      framebufferFn(),
		BSPIndex:         -1,
	}

	visitRegionsFn(func(e *multiboot.MemoryMapEntry) bool {
		current.MemoryRegions = append(current.MemoryRegions, *e)
		return true
	})

	return &current
}

// RegisterCPU appends a discovered CPU to the boot record. The first CPU
// registered with isBSP true becomes BSPIndex.
func RegisterCPU(id, apicID uint32, isBSP bool) {
	if isBSP && current.BSPIndex < 0 {
		current.BSPIndex = len(current.CPUs)
	}
	current.CPUs = append(current.CPUs, CPUInfo{ID: id, APICID: apicID, IsBSP: isBSP})
}

// Current returns the boot record installed by the most recent Collect.
func Current() *Record {
	return &current
}
