// Package sched implements the per-CPU scheduler: one FIFO run queue per
// CPU, voluntary yielding, interrupt-driven preemption via a per-CPU
// one-shot timer, and a dedicated reaper thread that frees destroyed
// threads and processes outside the context of the thread being destroyed.
package sched

import (
	"kernelcore/kernel"
	"kernelcore/kernel/cpu"
	"kernelcore/kernel/mem/vm"
	"kernelcore/kernel/sync"
	"kernelcore/kernel/timer"
	"sync/atomic"
)

// State is a thread's scheduling state.
type State uint8

const (
	StateReady State = iota
	StateRunning
	StateBlocked
	StateDestroy
)

// Process groups the user address space shared by a process's threads.
type Process struct {
	AS *vm.AddressSpace
}

// Thread is a schedulable execution context. Kernel threads have Proc ==
// nil and run against the shared global address space; user threads carry
// a Proc and resume at UserEntry/UserStackPtr on their first run.
type Thread struct {
	ID       uint64
	state    State
	isIdle   bool
	Affinity cpu.ID

	Fn             func()
	Proc           *Process
	UserEntry      uintptr
	UserStackPtr   uintptr
	KernelStackTop uintptr
	TCB            uintptr

	next *Thread
}

// State returns the thread's current scheduling state.
func (t *Thread) State() State { return t.state }

var (
	errNoStackAllocator = &kernel.Error{Module: "sched", Message: "no kernel stack allocator installed"}
)

// StackAllocatorFn supplies the top of a freshly allocated kernel stack.
type StackAllocatorFn func() (uintptr, *kernel.Error)

var (
	stackAllocFn StackAllocatorFn
	stackFreeFn  func(uintptr)
)

// SetStackAllocator installs the function used to provision new kernel
// thread stacks.
func SetStackAllocator(fn StackAllocatorFn) { stackAllocFn = fn }

// SetStackDeallocator installs the function the reaper uses to release a
// destroyed thread's kernel stack.
func SetStackDeallocator(fn func(uintptr)) { stackFreeFn = fn }

// contextSwitchFn performs the arch-specific register/stack/AS switch
// between two threads. The default is a bookkeeping-only stand-in;
// real hardware bring-up overrides it via SetContextSwitcher during
// per-CPU init, once a concrete backend (segment bases, ISP, CR3) is wired.
var contextSwitchFn = func(prev, next *Thread) {}

// SetContextSwitcher installs the function that performs the low-level
// context switch once a thread other than prev has been selected to run.
func SetContextSwitcher(fn func(prev, next *Thread)) { contextSwitchFn = fn }

type runQueue struct {
	lock       sync.SpinlockNoInterrupt
	head, tail *Thread
}

var (
	runQueues     [cpu.MaxCPUs]runQueue
	idleThreads   [cpu.MaxCPUs]*Thread
	currentThread [cpu.MaxCPUs]*Thread

	nextThreadID    uint64 = 1
	affinityCounter uint32
)

func currentCPUID() cpu.ID {
	if c := cpu.Current(); c != nil {
		return c.ID
	}
	return 0
}

// nextAffinity assigns CPUs to new threads round-robin.
func nextAffinity() cpu.ID {
	count := cpu.Count()
	if count < 1 {
		count = 1
	}
	n := atomic.AddUint32(&affinityCounter, 1) - 1
	return cpu.ID(int(n) % count)
}

// ThreadCreateKernel allocates a new kernel thread bound to fn. The thread
// is not scheduled until Schedule is called.
func ThreadCreateKernel(fn func()) (*Thread, *kernel.Error) {
	if stackAllocFn == nil {
		return nil, errNoStackAllocator
	}
	stackTop, err := stackAllocFn()
	if err != nil {
		return nil, err
	}

	return &Thread{
		ID:             atomic.AddUint64(&nextThreadID, 1),
		state:          StateReady,
		Fn:             fn,
		Affinity:       nextAffinity(),
		KernelStackTop: stackTop,
	}, nil
}

// ThreadCreateUser allocates a new user thread belonging to proc, resuming
// at entryIP with stack pointer userSP on its first run.
func ThreadCreateUser(proc *Process, entryIP, userSP uintptr) (*Thread, *kernel.Error) {
	if stackAllocFn == nil {
		return nil, errNoStackAllocator
	}
	stackTop, err := stackAllocFn()
	if err != nil {
		return nil, err
	}

	return &Thread{
		ID:             atomic.AddUint64(&nextThreadID, 1),
		state:          StateReady,
		Proc:           proc,
		UserEntry:      entryIP,
		UserStackPtr:   userSP,
		Affinity:       nextAffinity(),
		KernelStackTop: stackTop,
	}, nil
}

// CreateIdleThread installs the idle thread for cpuID, which runs only when
// that CPU's run queue is empty. It is also installed as the CPU's initial
// "current" thread, since the boot path itself is the idle context until
// the first real thread is scheduled.
func CreateIdleThread(cpuID cpu.ID, fn func()) *Thread {
	t := &Thread{ID: 0, isIdle: true, Affinity: cpuID, Fn: fn, state: StateRunning}
	idleThreads[cpuID] = t
	currentThread[cpuID] = t
	return t
}

// Schedule marks t Ready and enqueues it on its bound CPU's run queue.
func Schedule(t *Thread) {
	t.state = StateReady
	rq := &runQueues[t.Affinity]

	rq.lock.Acquire()
	t.next = nil
	if rq.tail != nil {
		rq.tail.next = t
	} else {
		rq.head = t
	}
	rq.tail = t
	rq.lock.Release()
}

func dequeueReady(cpuID cpu.ID) *Thread {
	rq := &runQueues[cpuID]
	rq.lock.Acquire()
	defer rq.lock.Release()

	t := rq.head
	if t == nil {
		return nil
	}
	rq.head = t.next
	if rq.head == nil {
		rq.tail = nil
	}
	t.next = nil
	return t
}

// Current returns the thread currently running on this CPU.
func Current() *Thread {
	return currentThread[currentCPUID()]
}

// Yield relinquishes the CPU. The caller's thread transitions to newState;
// if the preempt counter is currently raised, the yield is deferred (a
// yield-immediately flag is set and consulted once the counter drops to
// zero) rather than performed now.
func Yield(newState State) {
	c := cpu.Current()
	cpuID := cpu.ID(0)
	if c != nil {
		cpuID = c.ID
	}

	if c != nil && c.PreemptCount() > 0 {
		c.RequestYield()
		return
	}

	outgoing := currentThread[cpuID]
	next := dequeueReady(cpuID)
	if next == nil {
		next = idleThreads[cpuID]
	}

	if outgoing != nil && outgoing != next && !outgoing.isIdle {
		switch newState {
		case StateReady:
			Schedule(outgoing)
		case StateBlocked:
			outgoing.state = StateBlocked
		case StateDestroy:
			outgoing.state = StateDestroy
			enqueueDestroy(outgoing)
		}
	}

	if next == nil {
		return
	}

	currentThread[cpuID] = next
	next.state = StateRunning
	contextSwitchFn(outgoing, next)
}

// defaultQuantumNanos is the preemption timer's one-shot interval.
const defaultQuantumNanos = 10 * 1000 * 1000 // 10ms

// TimerTick is invoked by the per-CPU scheduler timer interrupt. It yields
// the current thread back to Ready, deferring if preemption is disabled.
func TimerTick() {
	if c := cpu.Current(); c != nil && c.PreemptCount() > 0 {
		c.RequestYield()
		return
	}
	Yield(StateReady)
}

func armQuantum() {
	if _, err := timer.Queue(defaultQuantumNanos, func() {
		TimerTick()
		armQuantum()
	}); err != nil {
		// The event pool is exhausted: the quantum is not re-armed, and
		// this CPU is not preempted again until StartPreemption runs anew.
		return
	}
}

// StartPreemption arms the current CPU's one-shot preemption timer.
func StartPreemption() {
	armQuantum()
}

type destroyList struct {
	lock       sync.SpinlockNoInterrupt
	head, tail *Thread
}

var destroyQueue destroyList

func enqueueDestroy(t *Thread) {
	destroyQueue.lock.Acquire()
	t.next = nil
	if destroyQueue.tail != nil {
		destroyQueue.tail.next = t
	} else {
		destroyQueue.head = t
	}
	destroyQueue.tail = t
	destroyQueue.lock.Release()
}

func dequeueDestroy() *Thread {
	destroyQueue.lock.Acquire()
	defer destroyQueue.lock.Release()

	t := destroyQueue.head
	if t == nil {
		return nil
	}
	destroyQueue.head = t.next
	if destroyQueue.head == nil {
		destroyQueue.tail = nil
	}
	t.next = nil
	return t
}

// ReaperStep dequeues and reclaims one destroyed thread, or yields Blocked
// if none are pending. It is the body of the dedicated reaper thread's
// loop, run outside the context of any thread it reclaims.
func ReaperStep() {
	t := dequeueDestroy()
	if t == nil {
		Yield(StateBlocked)
		return
	}

	if stackFreeFn != nil && t.KernelStackTop != 0 {
		stackFreeFn(t.KernelStackTop)
	}
	// The thread's process address space is not torn down here, and
	// nothing releases it once the process's last thread is destroyed.
}

var waiters = struct {
	lock sync.SpinlockNoInterrupt
	m    map[uintptr][]*Thread
}{m: map[uintptr][]*Thread{}}

func blockOnToken(token uintptr) {
	t := Current()
	waiters.lock.Acquire()
	waiters.m[token] = append(waiters.m[token], t)
	waiters.lock.Release()
	Yield(StateBlocked)
}

func wakeToken(token uintptr) {
	waiters.lock.Acquire()
	var woken *Thread
	if q := waiters.m[token]; len(q) > 0 {
		woken = q[0]
		waiters.m[token] = q[1:]
	}
	waiters.lock.Release()

	if woken != nil {
		Schedule(woken)
	}
}

// Init wires sched as kernel/sync's Mutex blocking/waking backend.
func Init() {
	sync.SetBlockingHooks(blockOnToken, wakeToken)
}
