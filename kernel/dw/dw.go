// Package dw implements deferred work: the bottom half of hard-interrupt
// handling. A hard-interrupt handler enqueues an Item instead of doing
// expensive work inline; the interrupt epilogue (or any code that brackets
// DisableProcessing/EnableProcessing) later drains the queue with
// interrupts and preemption enabled.
package dw

import (
	"kernelcore/kernel"
	"kernelcore/kernel/cpu"
	"kernelcore/kernel/sync"
)

// maxQueueDepth bounds how many outstanding deferred-work items a single
// CPU may have queued at once.
const maxQueueDepth = 256

// Item is a unit of deferred work created ahead of time (typically once, by
// the driver or subsystem that owns it) and queued, possibly repeatedly,
// from interrupt context. Queuing an Item never allocates.
type Item struct {
	fn func()
}

// Create builds a reusable deferred-work item around fn.
func Create(fn func()) Item {
	return Item{fn: fn}
}

var errQueueFull = &kernel.Error{Module: "dw", Message: "per-CPU deferred-work queue is full"}

type cpuQueue struct {
	lock              sync.SpinlockNoInterrupt
	items             [maxQueueDepth]Item
	head, tail, count uint32
}

var queues [cpu.MaxCPUs]cpuQueue

func currentCPUID() int {
	if c := cpu.Current(); c != nil {
		return int(c.ID)
	}
	return 0
}

// Queue appends it to the current CPU's deferred-work queue.
func Queue(it Item) *kernel.Error {
	q := &queues[currentCPUID()]
	q.lock.Acquire()
	defer q.lock.Release()

	if q.count == maxQueueDepth {
		return errQueueFull
	}

	q.items[q.tail] = it
	q.tail = (q.tail + 1) % maxQueueDepth
	q.count++
	return nil
}

// Process drains the current CPU's deferred-work queue, running each item's
// function with the queue lock released so queuing more work from within a
// callback does not deadlock.
func Process() {
	q := &queues[currentCPUID()]
	for {
		q.lock.Acquire()
		if q.count == 0 {
			q.lock.Release()
			return
		}

		it := q.items[q.head]
		q.head = (q.head + 1) % maxQueueDepth
		q.count--
		q.lock.Release()

		if it.fn != nil {
			it.fn()
		}
	}
}

// DisableProcessing brackets a section that must not be re-entered by
// deferred-work processing on the current CPU.
func DisableProcessing() {
	if c := cpu.Current(); c != nil {
		c.DisableDeferredWork()
	}
}

// EnableProcessing reverses DisableProcessing. If the disable count returns
// to zero, it immediately drains any work queued in the meantime.
func EnableProcessing() {
	c := cpu.Current()
	if c == nil {
		return
	}
	if _, shouldDrain := c.EnableDeferredWork(); shouldDrain {
		Process()
	}
}

// Init wires dw as the callback kernel/sync's SpinlockNoDW uses to drain
// deferred work once the outermost no-DW critical section exits.
func Init() {
	sync.SetDrainDeferredWorkHook(Process)
}
