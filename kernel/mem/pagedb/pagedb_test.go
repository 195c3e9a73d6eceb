package pagedb

import (
	"kernelcore/kernel/mem/pmm"
	"testing"
)

func TestInitMarksAllReserved(t *testing.T) {
	Init(16)

	if got := Count(); got != 16 {
		t.Fatalf("expected 16 tracked frames; got %d", got)
	}

	for i := 0; i < 16; i++ {
		e, err := Get(pmm.Frame(i))
		if err != nil {
			t.Fatalf("frame %d: unexpected error: %v", i, err)
		}
		if e.Owner != OwnerReserved {
			t.Fatalf("frame %d: expected OwnerReserved; got %v", i, e.Owner)
		}
	}
}

func TestGetOutOfRange(t *testing.T) {
	Init(4)

	if _, err := Get(pmm.Frame(4)); err == nil {
		t.Fatal("expected error for out-of-range frame")
	}
}

func TestFreeListLinks(t *testing.T) {
	Init(8)

	head, _ := Get(pmm.Frame(2))
	head.Owner = OwnerFree
	head.Order = 1
	head.SetNext(pmm.Frame(4))
	head.SetPrev(pmm.Frame(0))

	got, _ := Get(pmm.Frame(2))
	if got.Next() != pmm.Frame(4) || got.Prev() != pmm.Frame(0) {
		t.Fatalf("expected free-list links to persist; got next=%d prev=%d", got.Next(), got.Prev())
	}
}
