package irq

import (
	"kernelcore/kernel"
	"kernelcore/kernel/cpu"
)

// Priority is an interrupt priority class. Classes map to disjoint vector
// ranges; ordering of vectors within a class is immaterial.
type Priority uint8

const (
	// PriorityLow is used for device interrupts that tolerate being
	// deferred behind everything else (e.g. background DMA completion).
	PriorityLow Priority = iota
	// PriorityNormal is used for most device interrupts.
	PriorityNormal
	// PriorityEvent is used by the per-CPU event timer, which must be
	// serviced ahead of ordinary device work to keep deadlines accurate.
	PriorityEvent
	// PriorityCritical is used for IPIs (TLB shootdown, scheduler
	// cross-call) that must preempt everything else.
	PriorityCritical

	priorityClassCount = int(PriorityCritical) + 1
)

// vectorsPerClass is the number of interrupt vectors reserved for each
// priority class.
const vectorsPerClass = 16

// baseVector is the first vector available for priority-class dispatch;
// vectors below it are reserved for CPU exceptions (0-31).
const baseVector = 32

// Handler processes a dispatched interrupt. Unlike ExceptionHandlerWithCode,
// it never receives an error code: device interrupts do not push one.
type Handler func(*Frame, *Regs)

var (
	errNoVectorsFree = &kernel.Error{Module: "irq", Message: "priority class has no free vectors"}
	errBadVector     = &kernel.Error{Module: "irq", Message: "vector does not belong to any priority class"}
)

type classState struct {
	next     uint8
	handlers [vectorsPerClass]Handler
}

var classes [priorityClassCount]classState

// vectorRange returns the inclusive [low, high] vector range reserved for p.
func (p Priority) vectorRange() (low, high uint8) {
	low = baseVector + uint8(p)*vectorsPerClass
	return low, low + vectorsPerClass - 1
}

// RequestInterrupt reserves the next free vector in priority class p and
// registers handler to run when it fires, returning the assigned vector.
func RequestInterrupt(p Priority, handler Handler) (uint8, *kernel.Error) {
	cs := &classes[p]
	if cs.next >= vectorsPerClass {
		return 0, errNoVectorsFree
	}

	slot := cs.next
	cs.handlers[slot] = handler
	cs.next++

	low, _ := p.vectorRange()
	return low + slot, nil
}

// classify maps a vector number back to its priority class and slot.
func classify(vector uint8) (p Priority, slot uint8, ok bool) {
	if vector < baseVector {
		return 0, 0, false
	}
	offset := vector - baseVector
	class := offset / vectorsPerClass
	if int(class) >= priorityClassCount {
		return 0, 0, false
	}
	return Priority(class), offset % vectorsPerClass, true
}

// Dispatch invokes the handler registered for vector, if any. It is called
// by the top-level interrupt entry point after its preamble
// (preempt/deferred-work bracketing) has run.
func Dispatch(vector uint8, frame *Frame, regs *Regs) *kernel.Error {
	p, slot, ok := classify(vector)
	if !ok {
		return errBadVector
	}
	if h := classes[p].handlers[slot]; h != nil {
		h(frame, regs)
	}
	return nil
}

// InterruptsEnabled reports whether hardware interrupts are currently
// enabled on this CPU.
func InterruptsEnabled() bool {
	return cpu.InterruptsEnabled()
}
