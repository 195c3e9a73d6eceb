// Package tlb implements the cross-CPU TLB shootdown protocol: invalidating
// a virtual range on every online CPU after a PTM map/unmap call
// that may have changed a translation another CPU has cached.
package tlb

import (
	"kernelcore/kernel/cpu"
	"kernelcore/kernel/mem"
	"kernelcore/kernel/sync"
	"sync/atomic"
)

// retrySpins bounds how many iterations Shootdown spins between checking
// whether it should re-IPI a CPU whose done bit is still clear. It stands in
// for a microsecond-scale wall-clock interval in the hosted test harness,
// where no calibrated clock is guaranteed to be running yet.
const retrySpins = 1 << 16

// shootdownLock serializes the single kernel-wide shootdown in flight at a
// time: it is held from publication of (vaddr, length) until every online
// CPU has acknowledged it, so only one pair is ever pending IPI delivery.
var shootdownLock sync.Spinlock

// statusLock guards the published (vaddr, length) pair and the done bits
// while the initiator writes them and while an IPI handler reads them.
var statusLock sync.SpinlockNoInterrupt

var (
	pendingVAddr  uintptr
	pendingLength mem.Size

	// done[i] is set once CPU i has invalidated its TLB for the pending
	// range. The initiator always marks its own bit immediately since it
	// invalidates its own TLB directly rather than via IPI.
	done [cpu.MaxCPUs]uint32

	// completion counts how many CPUs (including the initiator) have
	// invalidated the pending range. Shootdown waits for it to reach the
	// number of online CPUs before returning.
	completion uint32
)

var (
	// sendIPIFn delivers a critical-priority inter-processor interrupt to
	// the given CPU, which will eventually call HandleIPI. It is installed
	// through SetIPIHook by kernel/init's tlb.ipi stage. The default does
	// nothing; whether a shootdown stays local is decided by
	// schedulingStartedFn, not by whether a hook has been installed.
	sendIPIFn = func(targetCPU cpu.ID) {}

	// invalidateRangeFn flushes the given virtual range from the local
	// CPU's TLB. Defaults to one cpu.FlushTLBEntry call per page.
	invalidateRangeFn = defaultInvalidateRange

	// schedulingStartedFn reports whether the scheduler has brought up more
	// than the bootstrap processor. Before that point every CPU but the
	// current one is, by definition, not yet running, so shootdown degrades
	// to a local invalidation.
	schedulingStartedFn = func() bool { return cpu.Count() > 1 }
)

// SetIPIHook installs the function used to deliver the shootdown IPI to a
// remote CPU.
func SetIPIHook(fn func(targetCPU cpu.ID)) { sendIPIFn = fn }

// SetLocalInvalidateHook overrides how a CPU invalidates its own TLB for a
// range, primarily so tests can observe the calls without real hardware.
func SetLocalInvalidateHook(fn func(vaddr uintptr, length mem.Size)) {
	invalidateRangeFn = fn
}

func defaultInvalidateRange(vaddr uintptr, length mem.Size) {
	end := vaddr + uintptr(length)
	for addr := vaddr &^ (uintptr(mem.PageSize) - 1); addr < end; addr += uintptr(mem.PageSize) {
		cpu.FlushTLBEntry(addr)
	}
}

// Shootdown invalidates [vaddr, vaddr+length) on every online CPU. On a
// uniprocessor, or before the scheduler has brought up additional CPUs, it
// invalidates locally and returns immediately. Preemption is disabled for
// the duration of the call so the initiating thread cannot migrate away
// mid-shootdown.
func Shootdown(vaddr uintptr, length mem.Size) {
	if c := cpu.Current(); c != nil {
		c.RaisePreempt()
		defer c.LowerPreempt()
	}

	if !schedulingStartedFn() {
		invalidateRangeFn(vaddr, length)
		return
	}

	shootdownLock.Acquire()
	defer shootdownLock.Release()

	statusLock.Acquire()

	selfID := cpu.ID(0)
	if c := cpu.Current(); c != nil {
		selfID = c.ID
	}
	online := cpu.Count()

	pendingVAddr, pendingLength = vaddr, length
	atomic.StoreUint32(&completion, 0)
	for i := 0; i < online; i++ {
		if cpu.ID(i) == selfID {
			atomic.StoreUint32(&done[i], 1)
		} else {
			atomic.StoreUint32(&done[i], 0)
		}
	}

	statusLock.Release()

	invalidateRangeFn(vaddr, length)
	atomic.AddUint32(&completion, 1)

	for i := 0; i < online; i++ {
		if cpu.ID(i) != selfID {
			sendIPIFn(cpu.ID(i))
		}
	}

	for {
		if int(atomic.LoadUint32(&completion)) >= online {
			return
		}

		for spins := 0; spins < retrySpins; spins++ {
		}

		for i := 0; i < online; i++ {
			if cpu.ID(i) != selfID && atomic.LoadUint32(&done[i]) == 0 {
				sendIPIFn(cpu.ID(i))
			}
		}
	}
}

// HandleIPI is invoked by the interrupt dispatch layer when this CPU
// receives a shootdown IPI. It marks the local done bit before performing
// the invalidation so a spurious re-IPI (covering the race where the IPI
// arrives while this CPU had interrupts disabled) is a harmless no-op.
func HandleIPI() {
	statusLock.Acquire()
	vaddr, length := pendingVAddr, pendingLength

	selfID := cpu.ID(0)
	if c := cpu.Current(); c != nil {
		selfID = c.ID
	}
	alreadyDone := atomic.SwapUint32(&done[selfID], 1) != 0
	statusLock.Release()

	if alreadyDone {
		return
	}

	invalidateRangeFn(vaddr, length)
	atomic.AddUint32(&completion, 1)
}
