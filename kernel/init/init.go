// Package kinit performs staged, dependency-ordered kernel bring-up. Each
// stage is a named step that may fail; Sequence runs them in order and
// aborts at the first error, mirroring the linear if/else-if bring-up chain
// historically used by Kmain, generalized into a registry so the boot
// sequence can be inspected, logged, and extended in one place.
package kinit

import (
	"kernelcore/kernel"
	"kernelcore/kernel/bootinfo"
	"kernelcore/kernel/cpu"
	"kernelcore/kernel/dw"
	"kernelcore/kernel/goruntime"
	"kernelcore/kernel/hal/multiboot"
	"kernelcore/kernel/irq"
	"kernelcore/kernel/kfmt"
	"kernelcore/kernel/mem"
	"kernelcore/kernel/mem/pagedb"
	"kernelcore/kernel/mem/pmm"
	"kernelcore/kernel/mem/pmm/allocator"
	"kernelcore/kernel/mem/ptm"
	"kernelcore/kernel/mem/slab"
	"kernelcore/kernel/mem/vm"
	"kernelcore/kernel/sched"
	"kernelcore/kernel/tlb"
	"kernelcore/kernel/timer"
)

// Stage is one named, ordered bring-up step.
type Stage struct {
	Name string
	Run  func() *kernel.Error
}

// Sequence runs stages in order, logging each via kfmt.Printf, and stops at
// the first stage that fails, returning that stage's name and its error
// unchanged. A nil error means every stage completed.
func Sequence(stages []Stage) (string, *kernel.Error) {
	for _, s := range stages {
		kfmt.Printf("kinit: %s\n", s.Name)
		if err := s.Run(); err != nil {
			kfmt.Printf("kinit: %s failed: %s\n", s.Name, err.Message)
			return s.Name, err
		}
	}
	return "", nil
}

// Config carries the boot-time facts Sequence's default stage list needs:
// the kernel's own physical footprint (to exclude it from the free frame
// pool), the page directory frame the boot stub already activated, and the
// rest of the boot hand-off record kernel/bootinfo collects for later
// consumers (panic backtraces, /proc-style introspection).
type Config struct {
	KernelStart, KernelEnd uintptr
	PDTFrame               pmm.Frame
	CPUCount               int
	BootParams             bootinfo.Params
}

// IPISendFn delivers the shootdown IPI to targetCPU. The default is a no-op;
// a platform bring-up stage overrides it once a local APIC driver is wired,
// following the same mockable-hook idiom used throughout kernel/tlb.
var IPISendFn = func(targetCPU cpu.ID) {}

// totalFrameCount scans the bootloader-reported memory map for the highest
// physical address of any region (available or reserved) and returns the
// frame count needed for pagedb to cover the whole physical address space.
func totalFrameCount() uint64 {
	var highest uint64
	multiboot.VisitMemRegions(func(region *multiboot.MemoryMapEntry) bool {
		if end := region.PhysAddress + region.Length; end > highest {
			highest = end
		}
		return true
	})
	return (highest + uint64(mem.PageSize) - 1) >> mem.PageShift
}

// DefaultSequence builds the stage list that takes the kernel from a boot
// stub hand-off to a fully scheduled, preemptible SMP system: seed the
// physical frame allocator from the boot-time bump allocator, bring up the
// page table manager and demand-paged VM region layer, wire TLB shootdown
// and deferred work, register the interrupt vectors the timer and shootdown
// IPI dispatch through, and start each CPU's scheduler.
func DefaultSequence(cfg Config) []Stage {
	return []Stage{
		{"bootinfo", func() *kernel.Error {
			bootinfo.Collect(cfg.BootParams)
			return nil
		}},
		{"bootmem", func() *kernel.Error {
			allocator.BootAllocator().Init(cfg.KernelStart, cfg.KernelEnd)
			return nil
		}},
		{"pagedb", func() *kernel.Error {
			pagedb.Init(totalFrameCount())
			return nil
		}},
		{"pmm.seed", func() *kernel.Error {
			return allocator.BootAllocator().SeedBuddy(pmm.AddRegionAuto)
		}},
		{"ptm.frames", func() *kernel.Error {
			ptm.SetFrameAllocator(func() (pmm.Frame, *kernel.Error) {
				return pmm.Alloc(0, 0)
			})
			return nil
		}},
		{"ptm.init", func() *kernel.Error {
			return ptm.Init(cfg.PDTFrame)
		}},
		{"goruntime", func() *kernel.Error {
			return goruntime.Init()
		}},
		{"slab.frames", func() *kernel.Error {
			slab.SetFrameMapper(func(f pmm.Frame) uintptr { return f.Address() })
			return nil
		}},
		{"vm.frames", func() *kernel.Error {
			vm.SetFrameAllocator(func() (pmm.Frame, *kernel.Error) {
				return pmm.Alloc(0, 0)
			})
			return nil
		}},
		{"tlb.ipi", func() *kernel.Error {
			tlb.SetIPIHook(IPISendFn)
			return nil
		}},
		{"irq.shootdown", func() *kernel.Error {
			_, err := irq.RequestInterrupt(irq.PriorityCritical, func(*irq.Frame, *irq.Regs) {
				tlb.HandleIPI()
			})
			return err
		}},
		{"irq.timer", func() *kernel.Error {
			_, err := irq.RequestInterrupt(irq.PriorityEvent, func(*irq.Frame, *irq.Regs) {
				timer.ProcessEvents()
			})
			return err
		}},
		{"dw.init", func() *kernel.Error {
			dw.Init()
			return nil
		}},
		{"cpu.bringup", func() *kernel.Error {
			for cpu.Count() < cfg.CPUCount {
				cpu.Register()
			}
			return nil
		}},
		{"sched.stacks", func() *kernel.Error {
			sched.SetStackAllocator(func() (uintptr, *kernel.Error) {
				frame, err := pmm.Alloc(0, 0)
				if err != nil {
					return 0, err
				}
				return frame.Address() + uintptr(mem.PageSize), nil
			})
			sched.SetStackDeallocator(func(uintptr) {})
			return nil
		}},
		{"timer.percpu", func() *kernel.Error {
			for id := 0; id < cfg.CPUCount; id++ {
				timer.Init(id)
			}
			return nil
		}},
		{"sched.idle", func() *kernel.Error {
			for id := 0; id < cfg.CPUCount; id++ {
				sched.CreateIdleThread(cpu.ID(id), func() { cpu.Halt() })
			}
			return nil
		}},
		{"sched.init", func() *kernel.Error {
			sched.Init()
			return nil
		}},
		{"sched.preempt", func() *kernel.Error {
			sched.StartPreemption()
			return nil
		}},
	}
}
