package kfmt

import (
	"bytes"
	"errors"
	"kernelcore/kernel"
	"kernelcore/kernel/cpu"
	"kernelcore/kernel/ksym"
	"testing"
)

func TestPanic(t *testing.T) {
	defer func() {
		cpuHaltFn = cpu.Halt
		backtraceFn = cpu.CallerPCs
		symTable = nil
	}()

	backtraceFn = func(pcs []uintptr) int { return 0 }

	var cpuHaltCalled bool
	cpuHaltFn = func() {
		cpuHaltCalled = true
	}

	t.Run("with *kernel.Error", func(t *testing.T) {
		cpuHaltCalled = false
		var buf bytes.Buffer
		SetOutputSink(&buf)
		err := &kernel.Error{Module: "test", Message: "panic test"}

		Panic(err)

		exp := "\n-----------------------------------\n[test] unrecoverable error: panic test\n*** kernel panic: system halted ***\n-----------------------------------\n"

		if got := buf.String(); got != exp {
			t.Fatalf("expected to get:\n%q\ngot:\n%q", exp, got)
		}

		if !cpuHaltCalled {
			t.Fatal("expected cpu.Halt() to be called by Panic")
		}
	})

	t.Run("with error", func(t *testing.T) {
		cpuHaltCalled = false
		var buf bytes.Buffer
		SetOutputSink(&buf)
		err := errors.New("go error")

		Panic(err)

		exp := "\n-----------------------------------\n[rt] unrecoverable error: go error\n*** kernel panic: system halted ***\n-----------------------------------\n"

		if got := buf.String(); got != exp {
			t.Fatalf("expected to get:\n%q\ngot:\n%q", exp, got)
		}

		if !cpuHaltCalled {
			t.Fatal("expected cpu.Halt() to be called by Panic")
		}
	})

	t.Run("with string", func(t *testing.T) {
		cpuHaltCalled = false
		var buf bytes.Buffer
		SetOutputSink(&buf)
		err := "string error"

		Panic(err)

		exp := "\n-----------------------------------\n[rt] unrecoverable error: string error\n*** kernel panic: system halted ***\n-----------------------------------\n"

		if got := buf.String(); got != exp {
			t.Fatalf("expected to get:\n%q\ngot:\n%q", exp, got)
		}

		if !cpuHaltCalled {
			t.Fatal("expected cpu.Halt() to be called by Panic")
		}
	})

	t.Run("without error", func(t *testing.T) {
		cpuHaltCalled = false
		var buf bytes.Buffer
		SetOutputSink(&buf)

		Panic(nil)

		exp := "\n-----------------------------------\n*** kernel panic: system halted ***\n-----------------------------------\n"

		if got := buf.String(); got != exp {
			t.Fatalf("expected to get:\n%q\ngot:\n%q", exp, got)
		}

		if !cpuHaltCalled {
			t.Fatal("expected cpu.Halt() to be called by Panic")
		}
	})
}

func TestPanicBacktraceNumeric(t *testing.T) {
	defer func() {
		cpuHaltFn = cpu.Halt
		backtraceFn = cpu.CallerPCs
		symTable = nil
	}()

	cpuHaltFn = func() {}
	backtraceFn = func(pcs []uintptr) int {
		pcs[0] = 0x2050
		return 1
	}

	var buf bytes.Buffer
	SetOutputSink(&buf)

	Panic(&kernel.Error{Module: "test", Message: "boom"})

	if got := buf.String(); !bytes.Contains([]byte(got), []byte("backtrace:\n  #0 0x")) {
		t.Fatalf("expected numeric backtrace line; got %q", got)
	}
}

func TestPanicBacktraceUnresolvedWithSymbolTable(t *testing.T) {
	defer func() {
		cpuHaltFn = cpu.Halt
		backtraceFn = cpu.CallerPCs
		symTable = nil
	}()

	cpuHaltFn = func() {}
	backtraceFn = func(pcs []uintptr) int {
		pcs[0] = 0x2050
		return 1
	}

	tab := &ksym.Table{}
	SetSymbolTable(tab)

	var buf bytes.Buffer
	SetOutputSink(&buf)

	Panic(&kernel.Error{Module: "test", Message: "boom"})

	if got := buf.String(); !bytes.Contains([]byte(got), []byte("#0 0x")) || !bytes.Contains([]byte(got), []byte("<unknown>")) {
		t.Fatalf("expected unresolved backtrace entry; got %q", got)
	}
}
