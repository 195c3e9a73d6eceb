// Package pmm implements the kernel's physical memory manager: a classical
// binary buddy allocator with per-zone free lists, backed by the per-frame
// metadata tracked in kernel/mem/pagedb.
package pmm

import (
	"kernelcore/kernel"
	"kernelcore/kernel/mem"
	"kernelcore/kernel/mem/pagedb"
)

// MaxOrder is the largest buddy order the allocator will hand out or merge
// into. A block of order o spans 1<<o frames.
const MaxOrder = 10

// Zone identifies one of the physical memory zones tracked by the allocator.
type Zone uint8

const (
	// ZoneLow covers frames below the 16MiB legacy DMA boundary.
	ZoneLow Zone = iota

	// ZoneNormal covers all other usable memory.
	ZoneNormal

	zoneCount
)

// AllocFlags controls which zone an allocation is satisfied from.
type AllocFlags uint8

const (
	// FlagZoneLow requests a frame from ZoneLow (e.g. for DMA buffers that
	// cannot address more than 24 bits of physical memory).
	FlagZoneLow AllocFlags = 1 << iota
)

var (
	errOutOfMemory   = &kernel.Error{Module: "pmm", Message: "no free frames of the requested order"}
	errInvalidOrder  = &kernel.Error{Module: "pmm", Message: "order exceeds MaxOrder"}
	errDoubleFree    = &kernel.Error{Module: "pmm", Message: "frame is already free"}
	errRegionTooSmall = &kernel.Error{Module: "pmm", Message: "region is smaller than a single frame"}

	// freeListHead[zone][order] is the frame at the head of that zone's
	// free list for blocks of the given order, or InvalidFrame if empty.
	freeListHead [zoneCount][MaxOrder + 1]Frame

	zoneExtent [zoneCount]struct{ start, end Frame }
)

func init() {
	resetState()
}

// resetState clears all free lists and zone extents. Besides this package's
// init, only this package's tests call it; production code never needs to
// reset allocator state after boot.
func resetState() {
	for z := range freeListHead {
		for o := range freeListHead[z] {
			freeListHead[z][o] = InvalidFrame
		}
		zoneExtent[z] = struct{ start, end Frame }{}
	}
}

// AddRegion registers a range of usable physical memory [start, end) with
// the allocator, carving it into maximal aligned buddy blocks and pushing
// each onto the appropriate zone's free list. It is called once per usable
// memory-map region reported by the bootloader, after kernel/mem/pagedb.Init
// has sized the PageDB table and kernel/mem/pmm/allocator has excluded the
// frames occupied by the kernel image and by its own boot-time allocations.
func AddRegion(zone Zone, start, end Frame) *kernel.Error {
	if end <= start {
		return errRegionTooSmall
	}

	if zoneExtent[zone].start == 0 && zoneExtent[zone].end == 0 {
		zoneExtent[zone] = struct{ start, end Frame }{start, end}
	} else {
		if start < zoneExtent[zone].start {
			zoneExtent[zone].start = start
		}
		if end > zoneExtent[zone].end {
			zoneExtent[zone].end = end
		}
	}

	cur := start
	for cur < end {
		order := uint8(MaxOrder)
		for order > 0 {
			blockSize := Frame(1) << order
			if cur%blockSize == 0 && cur+blockSize <= end {
				break
			}
			order--
		}
		pushFree(zone, order, cur)
		cur += Frame(1) << order
	}

	return nil
}

// dmaBoundaryFrame is the first frame at or above the 16MiB legacy DMA
// line; AddRegionAuto uses it to split a boot-reported region between
// ZoneLow and ZoneNormal without the caller having to know the boundary.
var dmaBoundaryFrame = FrameFromAddress(uintptr(16 * mem.Mb))

// AddRegionAuto registers [start, end) the same way AddRegion does, but
// infers the zone (or zones, if the region straddles the 16MiB boundary)
// instead of taking one from the caller. kernel/mem/pmm/allocator's boot-time
// region seeder has no zone concept of its own, so it calls this instead of
// AddRegion directly.
func AddRegionAuto(start, end Frame) *kernel.Error {
	if end <= dmaBoundaryFrame {
		return AddRegion(ZoneLow, start, end)
	}
	if start >= dmaBoundaryFrame {
		return AddRegion(ZoneNormal, start, end)
	}
	if err := AddRegion(ZoneLow, start, dmaBoundaryFrame); err != nil {
		return err
	}
	return AddRegion(ZoneNormal, dmaBoundaryFrame, end)
}

// Alloc reserves and returns a block of 1<<order contiguous frames. The
// returned block is removed from its zone's free list and marked
// OwnerPMM with RefCount 1 in the PageDB.
func Alloc(order uint8, flags AllocFlags) (Frame, *kernel.Error) {
	if order > MaxOrder {
		return InvalidFrame, errInvalidOrder
	}

	zone := ZoneNormal
	if flags&FlagZoneLow != 0 {
		zone = ZoneLow
	}

	frame, ok := allocFromZone(zone, order)
	if !ok && zone == ZoneNormal {
		// Normal zone exhausted; ZoneLow is strictly smaller but still
		// addressable from 64-bit code, so fall back to it rather than
		// failing outright.
		frame, ok = allocFromZone(ZoneLow, order)
	}
	if !ok {
		return InvalidFrame, errOutOfMemory
	}

	e := pagedb.MustGet(frame)
	e.Owner = pagedb.OwnerPMM
	e.Order = order
	e.RefCount = 1

	return frame, nil
}

// allocFromZone finds the smallest free block of order >= order in the given
// zone, splitting it down to the requested order and pushing the leftover
// buddies back onto their respective free lists.
func allocFromZone(zone Zone, order uint8) (Frame, bool) {
	var o uint8
	for o = order; o <= MaxOrder; o++ {
		if freeListHead[zone][o] != InvalidFrame {
			break
		}
	}
	if o > MaxOrder {
		return InvalidFrame, false
	}

	frame := popFree(zone, o)
	for o > order {
		o--
		buddy := frame + (Frame(1) << o)
		pushFree(zone, o, buddy)
	}

	return frame, true
}

// Free releases a block previously returned by Alloc, coalescing it with its
// buddy at each order as long as the buddy is itself entirely free.
func Free(frame Frame) *kernel.Error {
	e, err := pagedb.Get(frame)
	if err != nil {
		return err
	}
	if e.Owner == pagedb.OwnerFree {
		return errDoubleFree
	}

	zone := zoneOf(frame)
	order := e.Order

	for order < MaxOrder {
		buddy := frame ^ (Frame(1) << order)
		if buddy < zoneExtent[zone].start || buddy+(Frame(1)<<order) > zoneExtent[zone].end {
			break
		}

		be := pagedb.MustGet(buddy)
		if be.Owner != pagedb.OwnerFree || be.Order != order {
			break
		}

		removeFree(zone, order, buddy)
		if buddy < frame {
			frame = buddy
		}
		order++
	}

	pushFree(zone, order, frame)
	return nil
}

// zoneOf returns the zone that contains frame. Frames are only ever handed
// out from regions previously registered via AddRegion, so this always
// resolves to one of the two zones.
func zoneOf(frame Frame) Zone {
	if frame >= zoneExtent[ZoneLow].start && frame < zoneExtent[ZoneLow].end {
		return ZoneLow
	}
	return ZoneNormal
}

// pushFree prepends frame (the head of a 1<<order block) to the free list
// for (zone, order).
func pushFree(zone Zone, order uint8, frame Frame) {
	e := pagedb.MustGet(frame)
	e.Owner = pagedb.OwnerFree
	e.Order = order
	e.Zone = uint8(zone)
	e.SetPrev(InvalidFrame)
	e.SetNext(freeListHead[zone][order])

	if head := freeListHead[zone][order]; head != InvalidFrame {
		pagedb.MustGet(head).SetPrev(frame)
	}
	freeListHead[zone][order] = frame
}

// popFree removes and returns the head of the free list for (zone, order).
// The caller must have already checked that the list is non-empty.
func popFree(zone Zone, order uint8) Frame {
	frame := freeListHead[zone][order]
	removeFree(zone, order, frame)
	return frame
}

// removeFree unlinks frame from the free list for (zone, order), wherever it
// sits in the list.
func removeFree(zone Zone, order uint8, frame Frame) {
	e := pagedb.MustGet(frame)
	prev, next := e.Prev(), e.Next()

	if prev != InvalidFrame {
		pagedb.MustGet(prev).SetNext(next)
	} else {
		freeListHead[zone][order] = next
	}
	if next != InvalidFrame {
		pagedb.MustGet(next).SetPrev(prev)
	}

	e.SetPrev(InvalidFrame)
	e.SetNext(InvalidFrame)
}
