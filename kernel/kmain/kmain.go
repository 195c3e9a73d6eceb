// Package kmain is the kernel's single entry point: the rt0 boot stub's
// trampoline (stub.go) calls Kmain once a minimal Go stack is live, and
// Kmain never returns.
package kmain

import (
	"kernelcore/kernel/bootinfo"
	"kernelcore/kernel/hal/multiboot"
	"kernelcore/kernel/init"
	"kernelcore/kernel/kfmt"
	"kernelcore/kernel/mem/pmm"
)

// cpuCount is the number of CPUs kinit.DefaultSequence brings up. This pack
// carries no AP-startup (SIPI) code, so only the boot CPU is registered;
// raising this requires an AP trampoline this retrieval pack doesn't have.
const cpuCount = 1

// Kmain is the only Go symbol the rt0 assembly calls. multibootInfoPtr,
// kernelStart and kernelEnd are handed down exactly as the teacher's
// kernel/kmain/kmain.go receives them; pdtFrameAddr is the physical address
// of the page directory the boot stub already activated, an argument the
// teacher's three-stage bring-up didn't need (its vmm.Init built its own
// tables) but kernel/mem/ptm's Init requires since it takes over an
// already-live mapping rather than constructing one from scratch.
//
//go:noinline
func Kmain(multibootInfoPtr, kernelStart, kernelEnd, pdtFrameAddr uintptr) {
	multiboot.SetInfoPtr(multibootInfoPtr)
	kfmt.Printf("kmain: starting\n")

	cfg := kinit.Config{
		KernelStart: kernelStart,
		KernelEnd:   kernelEnd,
		PDTFrame:    pmm.FrameFromAddress(pdtFrameAddr),
		CPUCount:    cpuCount,
		BootParams: bootinfo.Params{
			MultibootInfoPtr: multibootInfoPtr,
			KernelStart:      kernelStart,
			KernelEnd:        kernelEnd,
		},
	}

	if failedStage, err := kinit.Sequence(kinit.DefaultSequence(cfg)); err != nil {
		kfmt.Printf("kmain: bring-up failed at stage %s\n", failedStage)
		kfmt.Panic(err)
	}

	kfmt.Printf("kmain: bring-up complete, idling\n")
	for {
	}
}
