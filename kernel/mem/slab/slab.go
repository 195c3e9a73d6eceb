// Package slab implements a magazine-based slab allocator for fixed-size
// kernel objects, layered on top of kernel/mem/pmm. Each Cache carves frames
// obtained from the buddy allocator into equal-sized objects and fronts them
// with a pair of per-CPU magazines (a loaded one and a previously-loaded
// one) so that the common allocate/free path never needs to touch the
// globally-locked slab lists.
package slab

import (
	"kernelcore/kernel"
	"kernelcore/kernel/cpu"
	"kernelcore/kernel/mem"
	"kernelcore/kernel/mem/pagedb"
	"kernelcore/kernel/mem/pmm"
	"kernelcore/kernel/sync"
	"unsafe"
)

// magazineSize is the number of objects a single magazine can hold.
const magazineSize = 15

var (
	errObjectTooLarge = &kernel.Error{Module: "slab", Message: "object size exceeds a single slab's capacity"}
	errOutOfMemory    = &kernel.Error{Module: "slab", Message: "no free objects and backing store is exhausted"}
	errNotOwned       = &kernel.Error{Module: "slab", Message: "pointer was not allocated by this cache"}

	// frameMapFn maps a physical frame to a directly addressable virtual
	// address. It is overridden by tests (which run with identity-mapped
	// host memory) and, in the running kernel, by kernel/init with the
	// HHDM (higher-half direct map) offset supplied in the boot hand-off
	// record.
	frameMapFn = func(f pmm.Frame) uintptr { return f.Address() }
)

// SetFrameMapper overrides how a physical frame is turned into an
// addressable pointer. kernel/init calls this once the HHDM offset from the
// boot hand-off record is known.
func SetFrameMapper(fn func(pmm.Frame) uintptr) {
	frameMapFn = fn
}

// magazine is a LIFO stack of free object pointers.
type magazine struct {
	count int
	objs  [magazineSize]unsafe.Pointer
}

func (m *magazine) empty() bool { return m.count == 0 }
func (m *magazine) full() bool  { return m.count == magazineSize }

func (m *magazine) push(p unsafe.Pointer) {
	m.objs[m.count] = p
	m.count++
}

func (m *magazine) pop() unsafe.Pointer {
	m.count--
	p := m.objs[m.count]
	m.objs[m.count] = nil
	return p
}

// perCPU holds the magazine pair for a single CPU.
type perCPU struct {
	loaded   magazine
	previous magazine
}

// slabHeader sits at the start of every slab's backing frame(s) and threads
// its free objects into an intrusive singly-linked free list.
type slabHeader struct {
	freeList unsafe.Pointer
	freeCnt  uint32
	inUse    uint32
	frame    pmm.Frame
	order    uint8
}

// Cache manages allocation of fixed-size objects of a single type.
type Cache struct {
	Name       string
	objSize    uintptr
	order      uint8
	objsPerSlab uint32

	lock sync.Spinlock

	percpu [cpu.MaxCPUs]perCPU

	// slabs is the global list of slabs with at least one free object,
	// used to refill an empty magazine. Full slabs are removed from this
	// list; a cache with no partially-free slab allocates a fresh one
	// from pmm.
	slabs []*slabHeader
}

// NewCache creates a Cache for objects of the given size. order selects the
// buddy-block size (1<<order pages) carved per slab; callers pick it so that
// a slab holds a reasonable number of objects without wasting too much
// space.
func NewCache(name string, objSize uintptr, order uint8) (*Cache, *kernel.Error) {
	slabBytes := uintptr(mem.PageSize) << order
	if objSize+unsafe.Sizeof(slabHeader{}) > slabBytes {
		return nil, errObjectTooLarge
	}

	c := &Cache{
		Name:        name,
		objSize:     objSize,
		order:       order,
		objsPerSlab: uint32((slabBytes - unsafe.Sizeof(slabHeader{})) / objSize),
	}

	return c, nil
}

// Alloc returns a pointer to a freshly reserved object, or an error if the
// cache could not grow.
func (c *Cache) Alloc() (unsafe.Pointer, *kernel.Error) {
	id := cpu.ID(0)
	if cur := cpu.Current(); cur != nil {
		id = cur.ID
	}
	pc := &c.percpu[id]

	if !pc.loaded.empty() {
		return pc.loaded.pop(), nil
	}
	if !pc.previous.empty() {
		pc.loaded, pc.previous = pc.previous, pc.loaded
		return pc.loaded.pop(), nil
	}

	// Both magazines are empty; refill the loaded magazine directly from
	// the global slab lists under the cache lock.
	c.lock.Acquire()
	defer c.lock.Release()

	for !pc.loaded.full() {
		obj, err := c.allocFromSlabsLocked()
		if err != nil {
			if pc.loaded.empty() {
				return nil, err
			}
			break
		}
		pc.loaded.push(obj)
	}

	return pc.loaded.pop(), nil
}

// allocFromSlabsLocked pops one object off the first slab with free capacity,
// growing the cache with a fresh slab if none exists. Caller must hold c.lock.
func (c *Cache) allocFromSlabsLocked() (unsafe.Pointer, *kernel.Error) {
	if len(c.slabs) == 0 {
		if err := c.growLocked(); err != nil {
			return nil, err
		}
	}

	s := c.slabs[0]
	obj := s.freeList
	s.freeList = *(*unsafe.Pointer)(obj)
	s.freeCnt--
	s.inUse++

	if s.freeCnt == 0 {
		c.slabs = c.slabs[1:]
	}

	return obj, nil
}

// growLocked allocates a new slab from pmm and links its objects into an
// intrusive free list following the slabHeader.
func (c *Cache) growLocked() *kernel.Error {
	frame, err := pmm.Alloc(c.order, 0)
	if err != nil {
		return errOutOfMemory
	}

	base := frameMapFn(frame)
	hdr := (*slabHeader)(unsafe.Pointer(base))
	*hdr = slabHeader{frame: frame, order: c.order, freeCnt: c.objsPerSlab}

	objBase := base + unsafe.Sizeof(slabHeader{})
	var prev unsafe.Pointer
	for i := uint32(0); i < c.objsPerSlab; i++ {
		obj := unsafe.Pointer(objBase + uintptr(i)*c.objSize)
		*(*unsafe.Pointer)(obj) = prev
		prev = obj
	}
	hdr.freeList = prev

	if e := pagedb.MustGet(frame); e != nil {
		e.Owner = pagedb.OwnerSlab
	}

	c.slabs = append(c.slabs, hdr)
	return nil
}

// Free returns an object to the cache. The object must have been obtained
// from a call to Alloc on the same Cache.
func (c *Cache) Free(p unsafe.Pointer) {
	id := cpu.ID(0)
	if cur := cpu.Current(); cur != nil {
		id = cur.ID
	}
	pc := &c.percpu[id]

	if !pc.loaded.full() {
		pc.loaded.push(p)
		return
	}
	if !pc.previous.full() {
		pc.loaded, pc.previous = pc.previous, pc.loaded
		pc.loaded.push(p)
		return
	}

	// Both magazines are full; hand the previous magazine's contents back
	// to the global slab lists to make room, then push locally.
	c.lock.Acquire()
	for pc.previous.count > 0 {
		c.freeToSlabsLocked(pc.previous.pop())
	}
	c.lock.Release()

	pc.loaded, pc.previous = pc.previous, pc.loaded
	pc.loaded.push(p)
}

// freeToSlabsLocked threads an object back onto its slab's free list. Caller
// must hold c.lock.
func (c *Cache) freeToSlabsLocked(p unsafe.Pointer) {
	slabBytes := uintptr(mem.PageSize) << c.order
	slabBase := uintptr(p) &^ (slabBytes - 1)
	hdr := (*slabHeader)(unsafe.Pointer(slabBase))

	*(*unsafe.Pointer)(p) = hdr.freeList
	hdr.freeList = p
	hdr.freeCnt++
	hdr.inUse--

	if hdr.freeCnt == c.objsPerSlab {
		// Slab is now fully free; release it back to pmm.
		for i, s := range c.slabs {
			if s == hdr {
				c.slabs = append(c.slabs[:i], c.slabs[i+1:]...)
				break
			}
		}
		pmm.Free(hdr.frame)
		return
	}

	if hdr.freeCnt == 1 {
		c.slabs = append(c.slabs, hdr)
	}
}
