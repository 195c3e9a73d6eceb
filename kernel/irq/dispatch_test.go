package irq

import "testing"

func resetClasses(t *testing.T) {
	t.Helper()
	classes = [priorityClassCount]classState{}
}

func TestRequestInterruptAssignsVectorsWithinClassRange(t *testing.T) {
	resetClasses(t)

	low, high := PriorityNormal.vectorRange()
	vec, err := RequestInterrupt(PriorityNormal, func(*Frame, *Regs) {})
	if err != nil {
		t.Fatalf("RequestInterrupt: %v", err)
	}
	if vec < low || vec > high {
		t.Fatalf("expected vector in [%d, %d]; got %d", low, high, vec)
	}
}

func TestRequestInterruptDisjointRangesAcrossClasses(t *testing.T) {
	resetClasses(t)

	seen := map[uint8]Priority{}
	for _, p := range []Priority{PriorityLow, PriorityNormal, PriorityEvent, PriorityCritical} {
		vec, err := RequestInterrupt(p, func(*Frame, *Regs) {})
		if err != nil {
			t.Fatalf("RequestInterrupt(%d): %v", p, err)
		}
		if other, dup := seen[vec]; dup {
			t.Fatalf("vector %d assigned to both priority %d and %d", vec, other, p)
		}
		seen[vec] = p
	}
}

func TestRequestInterruptExhaustion(t *testing.T) {
	resetClasses(t)

	for i := 0; i < vectorsPerClass; i++ {
		if _, err := RequestInterrupt(PriorityLow, func(*Frame, *Regs) {}); err != nil {
			t.Fatalf("RequestInterrupt %d: unexpected error %v", i, err)
		}
	}

	if _, err := RequestInterrupt(PriorityLow, func(*Frame, *Regs) {}); err != errNoVectorsFree {
		t.Fatalf("expected errNoVectorsFree once a class is exhausted; got %v", err)
	}
}

func TestDispatchInvokesRegisteredHandler(t *testing.T) {
	resetClasses(t)

	called := false
	vec, err := RequestInterrupt(PriorityEvent, func(*Frame, *Regs) { called = true })
	if err != nil {
		t.Fatalf("RequestInterrupt: %v", err)
	}

	if err := Dispatch(vec, &Frame{}, &Regs{}); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if !called {
		t.Fatal("expected the registered handler to run")
	}
}

func TestDispatchUnknownVectorReturnsError(t *testing.T) {
	resetClasses(t)

	if err := Dispatch(baseVector-1, &Frame{}, &Regs{}); err != errBadVector {
		t.Fatalf("expected errBadVector for a vector below baseVector; got %v", err)
	}
	if err := Dispatch(255, &Frame{}, &Regs{}); err != errBadVector {
		t.Fatalf("expected errBadVector for a vector past the last priority class; got %v", err)
	}
}

func TestDispatchUnregisteredVectorInClassRangeIsANoOp(t *testing.T) {
	resetClasses(t)

	low, _ := PriorityNormal.vectorRange()
	if err := Dispatch(low, &Frame{}, &Regs{}); err != nil {
		t.Fatalf("expected no error dispatching to an unregistered but valid vector; got %v", err)
	}
}
