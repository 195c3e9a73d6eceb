package kinit

import (
	"kernelcore/kernel"
	"testing"
)

func TestSequenceRunsStagesInOrder(t *testing.T) {
	var order []string
	_, err := Sequence([]Stage{
		{"a", func() *kernel.Error { order = append(order, "a"); return nil }},
		{"b", func() *kernel.Error { order = append(order, "b"); return nil }},
		{"c", func() *kernel.Error { order = append(order, "c"); return nil }},
	})
	if err != nil {
		t.Fatalf("Sequence: %v", err)
	}
	if len(order) != 3 || order[0] != "a" || order[1] != "b" || order[2] != "c" {
		t.Fatalf("expected stages to run in order [a b c]; got %v", order)
	}
}

func TestSequenceAbortsAtFirstFailingStage(t *testing.T) {
	boom := &kernel.Error{Module: "test", Message: "boom"}
	var ran []string

	failedStage, err := Sequence([]Stage{
		{"a", func() *kernel.Error { ran = append(ran, "a"); return nil }},
		{"b", func() *kernel.Error { ran = append(ran, "b"); return boom }},
		{"c", func() *kernel.Error { ran = append(ran, "c"); return nil }},
	})

	if err != boom {
		t.Fatalf("expected Sequence to surface stage b's error; got %v", err)
	}
	if failedStage != "b" {
		t.Fatalf("expected failedStage %q; got %q", "b", failedStage)
	}
	if len(ran) != 2 || ran[0] != "a" || ran[1] != "b" {
		t.Fatalf("expected stage c to be skipped after b fails; got %v", ran)
	}
}

func TestDefaultSequenceStageOrderMatchesDependencies(t *testing.T) {
	stages := DefaultSequence(Config{CPUCount: 1})

	index := map[string]int{}
	for i, s := range stages {
		index[s.Name] = i
	}

	deps := [][2]string{
		{"bootinfo", "bootmem"},
		{"bootmem", "pmm.seed"},
		{"pagedb", "pmm.seed"},
		{"pagedb", "ptm.frames"},
		{"ptm.frames", "ptm.init"},
		{"ptm.init", "vm.frames"},
		{"tlb.ipi", "irq.shootdown"},
		{"dw.init", "sched.stacks"},
		{"cpu.bringup", "sched.idle"},
		{"cpu.bringup", "timer.percpu"},
		{"timer.percpu", "sched.preempt"},
		{"sched.idle", "sched.init"},
		{"sched.init", "sched.preempt"},
	}
	for _, dep := range deps {
		before, ok1 := index[dep[0]]
		after, ok2 := index[dep[1]]
		if !ok1 || !ok2 {
			t.Fatalf("expected both %q and %q to be present stages", dep[0], dep[1])
		}
		if before >= after {
			t.Fatalf("expected stage %q to run before %q", dep[0], dep[1])
		}
	}
}
