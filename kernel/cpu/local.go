package cpu

import "sync/atomic"

// MaxCPUs bounds the number of CPU-local records the kernel can track. It
// mirrors the fixed-size per-CPU tables used throughout the teacher's
// per-CPU data conventions rather than a dynamically grown slice, so a
// pointer into the table is never invalidated by a later append.
const MaxCPUs = 64

// ID identifies a logical CPU. BSP is always assigned ID 0.
type ID uint32

// Local is the per-CPU record described by the kernel data model: a thin
// identity/control-flow object reached through a register-pinned pointer on
// real hardware. Richer per-CPU state that the scheduler, timer and
// deferred-work subsystems need (run queue, idle thread, event trees,
// deferred-work list) is layered on top by those packages, each keeping its
// own array indexed by Local.ID rather than being embedded here — this
// keeps kernel/cpu free of a dependency on kernel/sched, kernel/timer or
// kernel/dw (composition over embedding, see DESIGN.md).
type Local struct {
	// ID is this CPU's logical identifier.
	ID ID

	// self points back to this record. On amd64 this is what the
	// GS-relative per-CPU accessor macros would dereference; we keep an
	// explicit field so Current() has something concrete to hand back in
	// a hosted test environment.
	self *Local

	// preemptCount is raised by spinlock acquisition and lowered on
	// release. While > 0 the scheduler must not migrate or preempt the
	// current thread.
	preemptCount int32

	// yieldImmediately is set when a voluntary yield was requested (e.g.
	// the scheduler's one-shot timer fired) while preemptCount was > 0.
	// It is consulted and cleared when the preempt counter returns to
	// zero.
	yieldImmediately int32

	// dwDisableCount brackets sections that must not be re-entered by
	// deferred-work processing.
	dwDisableCount int32

	// interruptDepth counts nested hardware-interrupt handler entries on
	// this CPU (re-entry safe dispatch).
	interruptDepth int32

	// TimerFrequencyHz is the calibrated tick rate of this CPU's one-shot
	// timer hardware, filled in during per-CPU init.
	TimerFrequencyHz uint64

	// ISTStacks holds the physical addresses of the preallocated
	// interrupt-stack-table stacks used for non-maskable and
	// machine-check exceptions.
	ISTStacks [7]uintptr
}

var (
	locals    [MaxCPUs]Local
	localsLen uint32

	// current stands in for the GS-relative self-pointer a real amd64
	// build would read. Each physical CPU owns an independent register,
	// so on real hardware no synchronization is required; in the hosted
	// test harness, tests call SetCurrent to pin the calling goroutine to
	// a simulated CPU before exercising per-CPU code.
	current *Local
)

// Register allocates and returns the Local record for the next sequential
// CPU id. It is called once per CPU during staged init (BSP first, then each
// AP), never concurrently.
func Register() *Local {
	idx := atomic.AddUint32(&localsLen, 1) - 1
	l := &locals[idx]
	l.ID = ID(idx)
	l.self = l
	return l
}

// Count returns the number of CPU-local records registered so far.
func Count() int {
	return int(atomic.LoadUint32(&localsLen))
}

// ByID returns the Local record for the given CPU id. It panics if id has
// not been registered; callers only ever index CPUs that Init has already
// brought up.
func ByID(id ID) *Local {
	if uint32(id) >= atomic.LoadUint32(&localsLen) {
		panic("cpu: ByID called with an unregistered CPU id")
	}
	return &locals[id]
}

// SetCurrent pins the calling context to the given CPU-local record. On real
// hardware this is performed once per CPU by writing its GS base during
// early per-CPU bring-up; it is exposed here so tests can simulate running
// "as" a particular CPU.
func SetCurrent(l *Local) {
	current = l
}

// Current returns the CPU-local record for the currently executing CPU.
func Current() *Local {
	return current
}

// PreemptCount returns the current preemption depth for this CPU.
func (l *Local) PreemptCount() int32 {
	return atomic.LoadInt32(&l.preemptCount)
}

// RaisePreempt increments the preemption counter, preventing involuntary
// migration/preemption of the current thread until it is lowered again.
func (l *Local) RaisePreempt() int32 {
	return atomic.AddInt32(&l.preemptCount, 1)
}

// LowerPreempt decrements the preemption counter. If it reaches zero and a
// yield was deferred while preemption was disabled, the returned bool tells
// the caller it must now honor that deferred yield.
func (l *Local) LowerPreempt() (remaining int32, mustYield bool) {
	remaining = atomic.AddInt32(&l.preemptCount, -1)
	if remaining == 0 && atomic.CompareAndSwapInt32(&l.yieldImmediately, 1, 0) {
		return remaining, true
	}
	return remaining, false
}

// RequestYield records that the current thread should yield as soon as
// preemption is re-enabled. It is called from the scheduler's timer
// interrupt handler when it fires while preemptCount > 0.
func (l *Local) RequestYield() {
	atomic.StoreInt32(&l.yieldImmediately, 1)
}

// DisableDeferredWork brackets a section that must not be re-entered by
// deferred-work processing.
func (l *Local) DisableDeferredWork() int32 {
	return atomic.AddInt32(&l.dwDisableCount, 1)
}

// EnableDeferredWork reverses DisableDeferredWork. It returns true once the
// count returns to zero, telling the caller it should drain any deferred
// work queued while disabled.
func (l *Local) EnableDeferredWork() (remaining int32, shouldDrain bool) {
	remaining = atomic.AddInt32(&l.dwDisableCount, -1)
	return remaining, remaining == 0
}

// DeferredWorkDisabled reports whether deferred-work processing is currently
// disabled on this CPU.
func (l *Local) DeferredWorkDisabled() bool {
	return atomic.LoadInt32(&l.dwDisableCount) > 0
}

// EnterInterrupt marks entry into a hardware-interrupt handler, re-entry
// safe via the depth counter.
func (l *Local) EnterInterrupt() int32 {
	return atomic.AddInt32(&l.interruptDepth, 1)
}

// LeaveInterrupt marks exit from a hardware-interrupt handler.
func (l *Local) LeaveInterrupt() int32 {
	return atomic.AddInt32(&l.interruptDepth, -1)
}

// InInterrupt reports whether this CPU is currently executing inside a
// hardware-interrupt handler (possibly nested).
func (l *Local) InInterrupt() bool {
	return atomic.LoadInt32(&l.interruptDepth) > 0
}
