// Package syscall is the numeric dispatch table a user thread's trap
// handler consults: a thin adapter from syscall numbers onto kernel/sched
// and kernel/mem/vm. The external ABI (register conventions, trap entry)
// is out of scope; this package exists so map_anon/unmap/exit have a real
// caller to exercise them end-to-end.
package syscall

import (
	"kernelcore/kernel"
	"kernelcore/kernel/mem"
	"kernelcore/kernel/mem/vm"
	"kernelcore/kernel/sched"
)

// Number identifies a system call.
type Number uint32

const (
	Exit Number = iota
	Debug
	Sysinfo
	AnonAlloc
	AnonFree
	SetTCB
)

var (
	errUnknownSyscall = &kernel.Error{Module: "syscall", Message: "unknown syscall number"}
	errBadArgument    = &kernel.Error{Module: "syscall", Message: "invalid syscall argument"}
)

// Args holds a syscall's raw argument registers, interpreted per Number.
type Args struct {
	A0, A1, A2, A3 uintptr
}

// Result is a syscall's raw return value plus an optional error; a non-nil
// Err is translated at the trap-return site to the process's errno
// convention, which is outside this package's scope.
type Result struct {
	Value uintptr
	Err   *kernel.Error
}

// DebugWriteFn receives the Debug syscall's payload (a user-space
// string/buffer address and length, already copied into the kernel by the
// caller). The default is a no-op, and nothing in this tree replaces it.
var DebugWriteFn = func(msg []byte) {}

// The vm entry points are behind mockable hooks, following the same
// indirection idiom kernel/mem/vm itself uses for ptm/cpu/tlb: a hosted
// test exercising Dispatch supplies a fake address space's backing rather
// than driving the real page-table code against fabricated addresses.
var (
	mapAnonFn  = func(as *vm.AddressSpace, hint uintptr, length mem.Size, prot vm.Prot, cache vm.CachePolicy, flags vm.Flags) (uintptr, *kernel.Error) {
		return as.MapAnon(hint, length, prot, cache, flags)
	}
	unmapFn = func(as *vm.AddressSpace, vaddr uintptr, length mem.Size) *kernel.Error {
		return as.Unmap(vaddr, length)
	}
	copyFromFn = vm.CopyFrom
)

// Dispatch services one syscall on behalf of the currently running thread's
// process. It returns errUnknownSyscall for any Number it does not
// recognize rather than panicking, since a user thread's argument registers
// are untrusted input.
func Dispatch(num Number, args Args) Result {
	switch num {
	case Exit:
		return doExit(args)
	case Debug:
		return doDebug(args)
	case Sysinfo:
		return doSysinfo()
	case AnonAlloc:
		return doAnonAlloc(args)
	case AnonFree:
		return doAnonFree(args)
	case SetTCB:
		return doSetTCB(args)
	default:
		return Result{Err: errUnknownSyscall}
	}
}

func currentProcess() (*sched.Thread, *vm.AddressSpace, *kernel.Error) {
	th := sched.Current()
	if th == nil || th.Proc == nil || th.Proc.AS == nil {
		return th, nil, errBadArgument
	}
	return th, th.Proc.AS, nil
}

func doExit(args Args) Result {
	th := sched.Current()
	if th == nil {
		return Result{Err: errBadArgument}
	}
	sched.Yield(sched.StateDestroy)
	return Result{Value: args.A0}
}

func doDebug(args Args) Result {
	_, as, err := currentProcess()
	if err != nil {
		return Result{Err: err}
	}

	length := int(args.A1)
	if length < 0 || length > 4096 {
		return Result{Err: errBadArgument}
	}

	buf := make([]byte, length)
	n, copyErr := copyFromFn(buf, as, args.A0, length)
	if copyErr != nil {
		return Result{Err: copyErr}
	}

	DebugWriteFn(buf[:n])
	return Result{Value: uintptr(n)}
}

func doSysinfo() Result {
	// Thread/process counts are not yet tracked by kernel/sched; report
	// only what is meaningful today rather than fabricate the rest.
	return Result{Value: 0}
}

func doAnonAlloc(args Args) Result {
	_, as, err := currentProcess()
	if err != nil {
		return Result{Err: err}
	}

	length := mem.Size(args.A1)
	prot := vm.Prot(args.A2)

	addr, mapErr := mapAnonFn(as, args.A0, length, prot, vm.CacheWriteBack, vm.FlagDynamicallyBacked)
	if mapErr != nil {
		return Result{Err: mapErr}
	}
	return Result{Value: addr}
}

func doAnonFree(args Args) Result {
	_, as, err := currentProcess()
	if err != nil {
		return Result{Err: err}
	}

	if unmapErr := unmapFn(as, args.A0, mem.Size(args.A1)); unmapErr != nil {
		return Result{Err: unmapErr}
	}
	return Result{}
}

func doSetTCB(args Args) Result {
	th := sched.Current()
	if th == nil || th.Proc == nil {
		return Result{Err: errBadArgument}
	}
	th.TCB = args.A0
	return Result{}
}
