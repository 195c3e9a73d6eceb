package kfmt

import (
	"kernelcore/kernel"
	"kernelcore/kernel/cpu"
	"kernelcore/kernel/ksym"
)

var (
	// cpuHaltFn is mocked by tests and is automatically inlined by the compiler.
	cpuHaltFn = cpu.Halt

	// backtraceFn is mocked by tests. It fills pcs with up to len(pcs) caller
	// return addresses and returns the number written.
	backtraceFn = cpu.CallerPCs

	errRuntimePanic = &kernel.Error{Module: "rt", Message: "unknown cause"}

	symTable *ksym.Table
)

// SetSymbolTable registers the kernel symbol table used to resolve return
// addresses into symbol names when rendering a panic backtrace. Passing nil
// disables symbolication; addresses are then printed numerically.
func SetSymbolTable(t *ksym.Table) {
	symTable = t
}

// Panic outputs the supplied error (if not nil) to the console, a best-effort
// backtrace, and halts the CPU. Calls to Panic never return. Panic also works
// as a redirection target for calls to panic() (resolved via runtime.gopanic)
//go:redirect-from runtime.gopanic
func Panic(e interface{}) {
	var err *kernel.Error

	switch t := e.(type) {
	case *kernel.Error:
		err = t
	case string:
		panicString(t)
		return
	case error:
		errRuntimePanic.Message = t.Error()
		err = errRuntimePanic
	}

	Printf("\n-----------------------------------\n")
	if err != nil {
		Printf("[%s] unrecoverable error: %s\n", err.Module, err.Message)
	}
	printBacktrace()
	Printf("*** kernel panic: system halted ***")
	Printf("\n-----------------------------------\n")

	cpuHaltFn()
}

// panicString serves as a redirect target for runtime.throw
//go:redirect-from runtime.throw
func panicString(msg string) {
	errRuntimePanic.Message = msg
	Panic(errRuntimePanic)
}

// printBacktrace renders a best-effort return-address trace, resolved
// against the registered symbol table when one is available.
func printBacktrace() {
	var pcs [16]uintptr
	n := backtraceFn(pcs[:])
	if n == 0 {
		return
	}

	Printf("backtrace:\n")
	for i := 0; i < n; i++ {
		addr := uint64(pcs[i])
		if symTable == nil {
			Printf("  #%d 0x%16x\n", i, addr)
			continue
		}

		sym, off, ok := symTable.Resolve(addr)
		if !ok {
			Printf("  #%d 0x%16x <unknown>\n", i, addr)
			continue
		}
		Printf("  #%d 0x%16x %s+0x%x\n", i, addr, sym.Name, off)
	}
}
