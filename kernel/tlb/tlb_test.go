package tlb

import (
	"kernelcore/kernel/cpu"
	"kernelcore/kernel/mem"
	"sync/atomic"
	"testing"
)

func resetCPUs(t *testing.T, count int) {
	t.Helper()
	for cpu.Count() < count {
		cpu.Register()
	}
	cpu.SetCurrent(cpu.ByID(0))
	SetIPIHook(func(cpu.ID) {})
	SetLocalInvalidateHook(func(uintptr, mem.Size) {})
	schedulingStartedFn = func() bool { return cpu.Count() > 1 }
}

func TestShootdownLocalOnlyWhenSchedulingNotStarted(t *testing.T) {
	resetCPUs(t, 1)
	defer func() { schedulingStartedFn = func() bool { return cpu.Count() > 1 } }()
	schedulingStartedFn = func() bool { return false }

	var invalidated bool
	SetLocalInvalidateHook(func(uintptr, mem.Size) { invalidated = true })

	ipiSent := false
	SetIPIHook(func(cpu.ID) { ipiSent = true })

	Shootdown(0x1000, mem.PageSize)

	if !invalidated {
		t.Fatal("expected local invalidation to run")
	}
	if ipiSent {
		t.Fatal("expected no IPI to be sent when scheduling has not started")
	}
}

func TestShootdownSendsIPIToEveryOtherOnlineCPU(t *testing.T) {
	resetCPUs(t, 4)

	var targets []cpu.ID
	SetIPIHook(func(id cpu.ID) {
		targets = append(targets, id)
		// Simulate the remote CPU handling the IPI immediately.
		prev := cpu.Current()
		cpu.SetCurrent(cpu.ByID(id))
		HandleIPI()
		cpu.SetCurrent(prev)
	})

	Shootdown(0x2000, mem.PageSize)

	if len(targets) != 3 {
		t.Fatalf("expected 3 IPIs (all CPUs but self); got %d: %v", len(targets), targets)
	}
	for _, id := range targets {
		if id == 0 {
			t.Fatal("initiator must not IPI itself")
		}
	}
}

func TestHandleIPIIsIdempotent(t *testing.T) {
	resetCPUs(t, 2)

	cpu.SetCurrent(cpu.ByID(1))
	pendingVAddr, pendingLength = 0x3000, mem.PageSize
	atomic.StoreUint32(&done[1], 0)
	atomic.StoreUint32(&completion, 0)

	invalidateCount := 0
	SetLocalInvalidateHook(func(uintptr, mem.Size) { invalidateCount++ })

	HandleIPI()
	HandleIPI()

	if invalidateCount != 1 {
		t.Fatalf("expected exactly one invalidation despite two IPI deliveries; got %d", invalidateCount)
	}
	if atomic.LoadUint32(&completion) != 1 {
		t.Fatalf("expected completion count 1; got %d", atomic.LoadUint32(&completion))
	}
}

func TestShootdownRetriesCPUsThatMissTheFirstIPI(t *testing.T) {
	resetCPUs(t, 3)

	attempts := map[cpu.ID]int{}
	SetIPIHook(func(id cpu.ID) {
		attempts[id]++
		if id == 2 && attempts[id] == 1 {
			// Simulate a dropped/delayed first IPI: CPU 2 does not
			// acknowledge on the first delivery.
			return
		}
		prev := cpu.Current()
		cpu.SetCurrent(cpu.ByID(id))
		HandleIPI()
		cpu.SetCurrent(prev)
	})

	Shootdown(0x4000, mem.PageSize)

	if attempts[2] < 2 {
		t.Fatalf("expected CPU 2 to be re-IPIed after missing the first delivery; got %d attempts", attempts[2])
	}
	if atomic.LoadUint32(&completion) < 3 {
		t.Fatalf("expected Shootdown to only return once all 3 CPUs acknowledged; completion=%d", atomic.LoadUint32(&completion))
	}
}
