// Package sync provides synchronization primitive implementations for spinlocks
// and mutexes.
package sync

import (
	"kernelcore/kernel/cpu"
	"sync/atomic"
	"unsafe"
)

// unsafePointerOf returns the address of m's state word, used as a stable
// per-mutex wait-queue token.
func unsafePointerOf(m *Mutex) unsafe.Pointer {
	return unsafe.Pointer(&m.state)
}

var (
	// yieldFn is invoked by a spinning lock once it has owned the CPU for too
	// long without acquiring the lock. It is mocked by tests and is
	// automatically inlined by the compiler.
	yieldFn func()

	// blockFn and wakeFn are registered by the scheduler once it is up and
	// allow Mutex to put the calling thread to sleep instead of spinning.
	// Until the scheduler calls SetBlockingHooks, Mutex behaves like a
	// Spinlock that yields instead of blocking.
	blockFn func(token uintptr)
	wakeFn  func(token uintptr)

	// disableInterruptsFn/enableInterruptsFn are mocked by tests and are
	// automatically inlined by the compiler.
	disableInterruptsFn = cpu.DisableInterrupts
	enableInterruptsFn  = cpu.EnableInterrupts
)

// SetBlockingHooks registers the scheduler functions used by Mutex to block
// and wake up waiters. token identifies the lock being waited on.
func SetBlockingHooks(block, wake func(token uintptr)) {
	blockFn = block
	wakeFn = wake
}

// currentCPU returns the CPU-local record for the currently executing CPU, or
// nil if no CPU has been registered yet (e.g. early boot, or a hosted test
// that never called cpu.SetCurrent).
func currentCPU() *cpu.Local {
	return cpu.Current()
}

// Spinlock implements a lock where each task trying to acquire it busy-waits
// till the lock becomes available. While held, the owning CPU's preempt
// counter is raised so the scheduler will not migrate or preempt the holder.
type Spinlock struct {
	state uint32
}

// Acquire blocks until the lock can be acquired by the currently active task.
// Any attempt to re-acquire a lock already held by the current task will cause
// a deadlock.
func (l *Spinlock) Acquire() {
	if c := currentCPU(); c != nil {
		c.RaisePreempt()
	}
	archAcquireSpinlock(&l.state, 1)
}

// TryToAcquire attempts to acquire the lock and returns true if the lock could
// be acquired or false otherwise.
func (l *Spinlock) TryToAcquire() bool {
	if atomic.SwapUint32(&l.state, 1) != 0 {
		return false
	}
	if c := currentCPU(); c != nil {
		c.RaisePreempt()
	}
	return true
}

// Release relinquishes a held lock allowing other tasks to acquire it. Calling
// Release while the lock is free has no effect.
func (l *Spinlock) Release() {
	atomic.StoreUint32(&l.state, 0)
	if c := currentCPU(); c != nil {
		if _, mustYield := c.LowerPreempt(); mustYield && yieldFn != nil {
			yieldFn()
		}
	}
}

// SpinlockNoDW behaves like Spinlock but additionally disables deferred-work
// processing on the current CPU while the lock is held. It must be used for
// locks that are also acquired from deferred-work callbacks, to prevent a CPU
// from re-entering deferred-work processing while already holding the lock.
type SpinlockNoDW struct {
	Spinlock
}

// Acquire raises the deferred-work disable count before acquiring the
// underlying spinlock.
func (l *SpinlockNoDW) Acquire() {
	if c := currentCPU(); c != nil {
		c.DisableDeferredWork()
	}
	l.Spinlock.Acquire()
}

// Release releases the underlying spinlock and re-enables deferred-work
// processing, draining it if this was the outermost disable.
func (l *SpinlockNoDW) Release() {
	l.Spinlock.Release()
	if c := currentCPU(); c != nil {
		if _, drain := c.EnableDeferredWork(); drain && drainDeferredWorkFn != nil {
			drainDeferredWorkFn()
		}
	}
}

// drainDeferredWorkFn is registered by the kernel/dw package to flush work
// queued while deferred-work processing was disabled.
var drainDeferredWorkFn func()

// SetDrainDeferredWorkHook registers the function invoked when a CPU's
// deferred-work disable count returns to zero.
func SetDrainDeferredWorkHook(fn func()) {
	drainDeferredWorkFn = fn
}

// SpinlockNoInterrupt behaves like Spinlock but additionally disables
// hardware interrupts on the current CPU while the lock is held. It must be
// used for locks that are also acquired from interrupt handlers.
type SpinlockNoInterrupt struct {
	Spinlock
}

// Acquire disables interrupts before acquiring the underlying spinlock.
func (l *SpinlockNoInterrupt) Acquire() {
	disableInterruptsFn()
	l.Spinlock.Acquire()
}

// Release releases the underlying spinlock and re-enables interrupts.
func (l *SpinlockNoInterrupt) Release() {
	l.Spinlock.Release()
	enableInterruptsFn()
}

// Mutex is a sleeping lock. Until the scheduler registers blocking hooks via
// SetBlockingHooks, it degrades to a Spinlock that yields the CPU instead of
// blocking the calling thread.
type Mutex struct {
	state uint32
}

// Lock blocks the calling thread until the mutex can be acquired.
func (m *Mutex) Lock() {
	for {
		if atomic.SwapUint32(&m.state, 1) == 0 {
			return
		}

		if blockFn != nil {
			blockFn(uintptr(unsafePointerOf(m)))
			continue
		}

		if c := currentCPU(); c != nil {
			c.RaisePreempt()
			c.LowerPreempt()
		}
		if yieldFn != nil {
			yieldFn()
		}
	}
}

// TryLock attempts to acquire the mutex without blocking.
func (m *Mutex) TryLock() bool {
	return atomic.SwapUint32(&m.state, 1) == 0
}

// Unlock releases the mutex, waking up a blocked waiter if the scheduler has
// registered blocking hooks.
func (m *Mutex) Unlock() {
	atomic.StoreUint32(&m.state, 0)
	if wakeFn != nil {
		wakeFn(uintptr(unsafePointerOf(m)))
	}
}

// archAcquireSpinlock is an arch-specific implementation for acquiring the lock.
func archAcquireSpinlock(state *uint32, attemptsBeforeYielding uint32)
