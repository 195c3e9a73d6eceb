// Package timer implements the kernel's per-CPU event timer: a binary
// search tree of pending events keyed by deadline, the mechanism by which
// kernel/sched schedules its one-shot preemption quantum.
//
// Events are never allocated from the heap. Each CPU owns a fixed-size pool
// of event nodes threaded onto either the live BST or an intrusive free
// list, so queuing and cancelling an event from hard-interrupt context never
// touches the slab allocator.
package timer

import (
	"kernelcore/kernel"
	"kernelcore/kernel/cpu"
)

// maxEventsPerCPU bounds how many outstanding timer events a single CPU may
// have in flight at once.
const maxEventsPerCPU = 256

const invalidIndex = ^uint32(0)

// event is a single BST node. left/right are indices into that CPU's node
// pool; invalidIndex marks a missing child. When a node is on the free list
// instead of the live tree, left is repurposed as the next-free pointer.
type event struct {
	deadline    uint64
	fn          func()
	left, right uint32
	parent      uint32
	inUse       bool
}

type cpuTimer struct {
	nodes    [maxEventsPerCPU]event
	freeHead uint32
	root     uint32
}

var (
	timers [cpu.MaxCPUs]cpuTimer

	// nowFn reads the monotonic clock. It is replaced through SetClock by a
	// calibrated hardware source (HPET/TSC, an out-of-scope collaborator);
	// kernel/init installs none, and until one is installed it returns 0.
	nowFn = func() uint64 { return 0 }

	// armFn programs the current CPU's one-shot timer hardware to fire at
	// the given absolute deadline. It is replaced through SetArmHook by the
	// same collaborator as nowFn; the default does nothing.
	armFn = func(cpuID int, deadline uint64) {}

	errNoFreeEvents = &kernel.Error{Module: "timer", Message: "per-CPU event pool exhausted"}
	errUnknownEvent = &kernel.Error{Module: "timer", Message: "event does not belong to the current CPU's live tree"}
)

// SetClock installs the function timer.Now reads from.
func SetClock(fn func() uint64) { nowFn = fn }

// SetArmHook installs the function used to program the per-CPU one-shot
// timer hardware.
func SetArmHook(fn func(cpuID int, deadline uint64)) { armFn = fn }

// Now returns the current monotonic time in nanoseconds, or 0 if no clock
// source has been installed yet.
func Now() uint64 { return nowFn() }

// Init resets the event pool for the given CPU, chaining every node onto the
// free list. kernel/init calls this once per CPU during staged bring-up.
func Init(cpuID int) {
	t := &timers[cpuID]
	t.root = invalidIndex
	for i := range t.nodes {
		t.nodes[i] = event{}
		if i == len(t.nodes)-1 {
			t.nodes[i].left = invalidIndex
		} else {
			t.nodes[i].left = uint32(i + 1)
		}
	}
	t.freeHead = 0
}

// Handle identifies a previously queued event for Cancel.
type Handle struct {
	cpuID uint8
	idx   uint32
}

func currentCPUID() int {
	if c := cpu.Current(); c != nil {
		return int(c.ID)
	}
	return 0
}

// Queue schedules fn to run on the current CPU after delayNanos nanoseconds
// have elapsed, and returns a Handle that Cancel can later use to remove it.
// If the new event becomes the earliest pending deadline, the hardware timer
// is re-armed immediately.
func Queue(delayNanos uint64, fn func()) (Handle, *kernel.Error) {
	cpuID := currentCPUID()
	t := &timers[cpuID]

	if t.freeHead == invalidIndex {
		return Handle{}, errNoFreeEvents
	}

	idx := t.freeHead
	t.freeHead = t.nodes[idx].left

	t.nodes[idx] = event{
		deadline: nowFn() + delayNanos,
		fn:       fn,
		left:     invalidIndex,
		right:    invalidIndex,
		parent:   invalidIndex,
		inUse:    true,
	}

	insert(t, idx)

	if leftmost(t, t.root) == idx {
		armFn(cpuID, t.nodes[idx].deadline)
	}

	return Handle{cpuID: uint8(cpuID), idx: idx}, nil
}

// Cancel removes a previously queued event. If it was the earliest pending
// deadline, the hardware timer is re-armed to the next earliest deadline, or
// disarmed (deadline 0) if no events remain.
func Cancel(h Handle) *kernel.Error {
	t := &timers[h.cpuID]
	if h.idx >= maxEventsPerCPU || !t.nodes[h.idx].inUse {
		return errUnknownEvent
	}

	wasEarliest := leftmost(t, t.root) == h.idx
	remove(t, h.idx)
	release(t, h.idx)

	if wasEarliest {
		rearm(t, int(h.cpuID))
	}
	return nil
}

// ProcessEvents drains every event on the current CPU whose deadline has
// elapsed, invoking each one's callback, then re-arms the hardware timer for
// the next earliest remaining deadline. It is called from the hardware
// timer's interrupt handler.
func ProcessEvents() {
	cpuID := currentCPUID()
	t := &timers[cpuID]
	now := nowFn()

	for {
		idx := leftmost(t, t.root)
		if idx == invalidIndex || t.nodes[idx].deadline > now {
			break
		}

		fn := t.nodes[idx].fn
		remove(t, idx)
		release(t, idx)

		if fn != nil {
			fn()
		}
	}

	rearm(t, cpuID)
}

func rearm(t *cpuTimer, cpuID int) {
	if idx := leftmost(t, t.root); idx != invalidIndex {
		armFn(cpuID, t.nodes[idx].deadline)
	} else {
		armFn(cpuID, 0)
	}
}

func release(t *cpuTimer, idx uint32) {
	t.nodes[idx] = event{inUse: false, left: t.freeHead}
	t.freeHead = idx
}

// insert adds node idx (already populated) into t's BST, ordered by
// deadline.
func insert(t *cpuTimer, idx uint32) {
	if t.root == invalidIndex {
		t.root = idx
		return
	}

	cur := t.root
	for {
		if t.nodes[idx].deadline < t.nodes[cur].deadline {
			if t.nodes[cur].left == invalidIndex {
				t.nodes[cur].left = idx
				t.nodes[idx].parent = cur
				return
			}
			cur = t.nodes[cur].left
		} else {
			if t.nodes[cur].right == invalidIndex {
				t.nodes[cur].right = idx
				t.nodes[idx].parent = cur
				return
			}
			cur = t.nodes[cur].right
		}
	}
}

// leftmost returns the index of the minimum-deadline node in the subtree
// rooted at idx (or invalidIndex if idx itself is invalidIndex).
func leftmost(t *cpuTimer, idx uint32) uint32 {
	if idx == invalidIndex {
		return invalidIndex
	}
	for t.nodes[idx].left != invalidIndex {
		idx = t.nodes[idx].left
	}
	return idx
}

// replaceChild rewires parent's pointer to oldChild (or the tree root) to
// point at newChild instead.
func replaceChild(t *cpuTimer, parent, oldChild, newChild uint32) {
	if parent == invalidIndex {
		t.root = newChild
	} else if t.nodes[parent].left == oldChild {
		t.nodes[parent].left = newChild
	} else {
		t.nodes[parent].right = newChild
	}
	if newChild != invalidIndex {
		t.nodes[newChild].parent = parent
	}
}

// remove unlinks idx from t's BST using the standard three-case deletion:
// no children, one child, or two children (swap with in-order successor).
func remove(t *cpuTimer, idx uint32) {
	n := &t.nodes[idx]

	switch {
	case n.left == invalidIndex:
		replaceChild(t, n.parent, idx, n.right)
	case n.right == invalidIndex:
		replaceChild(t, n.parent, idx, n.left)
	default:
		succ := leftmost(t, n.right)
		if t.nodes[succ].parent != idx {
			replaceChild(t, t.nodes[succ].parent, succ, t.nodes[succ].right)
			t.nodes[succ].right = n.right
			t.nodes[n.right].parent = succ
		}
		replaceChild(t, n.parent, idx, succ)
		t.nodes[succ].left = n.left
		t.nodes[n.left].parent = succ
	}
}
