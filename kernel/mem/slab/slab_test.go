package slab

import (
	"kernelcore/kernel/mem"
	"kernelcore/kernel/mem/pagedb"
	"kernelcore/kernel/mem/pmm"
	"testing"
	"unsafe"
)

// setupArena backs every frame the fake allocator hands out with real,
// addressable Go memory so the slab package's pointer arithmetic is valid
// under `go test`.
func setupArena(t *testing.T, frameCount uint64) {
	t.Helper()

	arena := make([]byte, frameCount*uint64(mem.PageSize))
	base := uintptr(unsafe.Pointer(&arena[0]))

	SetFrameMapper(func(f pmm.Frame) uintptr {
		return base + uintptr(f)*uintptr(mem.PageSize)
	})

	pagedb.Init(frameCount)
	if err := pmm.AddRegion(pmm.ZoneNormal, 0, pmm.Frame(frameCount)); err != nil {
		t.Fatalf("AddRegion: %v", err)
	}
}

type testObj struct {
	a, b uint64
}

func TestCacheAllocFreeRoundTrip(t *testing.T) {
	setupArena(t, 4)

	c, err := NewCache("test-obj", unsafe.Sizeof(testObj{}), 0)
	if err != nil {
		t.Fatalf("NewCache: %v", err)
	}

	p, err := c.Alloc()
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if p == nil {
		t.Fatal("expected non-nil pointer")
	}

	obj := (*testObj)(p)
	obj.a, obj.b = 0xdead, 0xbeef

	c.Free(p)

	p2, err := c.Alloc()
	if err != nil {
		t.Fatalf("Alloc after free: %v", err)
	}
	if p2 != p {
		t.Fatalf("expected reuse of freed object; got different pointer")
	}
}

func TestCacheGrowsAcrossSlabs(t *testing.T) {
	setupArena(t, 8)

	c, err := NewCache("many-objs", 8, 0)
	if err != nil {
		t.Fatalf("NewCache: %v", err)
	}

	seen := map[unsafe.Pointer]bool{}
	// Allocate enough objects to force at least a second slab.
	count := int(c.objsPerSlab) + 5
	for i := 0; i < count; i++ {
		p, err := c.Alloc()
		if err != nil {
			t.Fatalf("Alloc #%d: %v", i, err)
		}
		if seen[p] {
			t.Fatalf("Alloc #%d returned a pointer already in use", i)
		}
		seen[p] = true
	}
}

func TestCacheRejectsOversizedObject(t *testing.T) {
	setupArena(t, 1)

	if _, err := NewCache("too-big", uintptr(mem.PageSize), 0); err == nil {
		t.Fatal("expected error for object size exceeding a single slab")
	}
}
