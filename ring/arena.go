// Package ring implements the bump-pointer arena used for per-frame transient
// uploads. One arena owns a fixed host-visible block; allocations bump a
// monotonically non-decreasing offset and the whole arena is reset once the
// owning frame slot's GPU work has provably completed.
package ring

import (
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/volley/frameutils"
)

// Allocation is an (offset, writable pointer) pair into the arena's backing
// memory. It is valid from the moment it is issued until the owning frame
// slot is reset.
type Allocation struct {
	Offset int
	Ptr    unsafe.Pointer
}

// Bytes returns the allocation's memory as a writable byte slice of the
// provided length. The length must not exceed the size requested from Allocate.
func (a Allocation) Bytes(size int) []byte {
	return unsafe.Slice((*byte)(a.Ptr), size)
}

// Arena is a fixed-capacity bump allocator. It is not internally synchronized:
// single-threaded-per-frame access is assumed, and an external coordinator
// must serialize access if multiple threads populate one frame's geometry.
//
// Overflow fails loudly with frameutils.ErrArenaFull. Wrapping to zero within
// a still-in-flight frame would alias memory the GPU has not finished
// consuming, so no wraparound mode exists.
type Arena struct {
	block            unsafe.Pointer
	capacity         int
	defaultAlignment uint

	offset    int
	allocated int

	// Allocation end offsets, tracked only when debug margins are active.
	marginEnds []int
}

// NewArena creates an Arena over the provided backing block. defaultAlignment
// applies to Allocate calls that do not override it and must be a power of two.
func NewArena(block unsafe.Pointer, capacity int, defaultAlignment uint) (*Arena, error) {
	if block == nil {
		return nil, errors.New("ring arena requires a backing block")
	}
	if capacity < 1 {
		return nil, errors.Newf("ring arena capacity must be positive, but is %d", capacity)
	}
	err := frameutils.CheckPow2(defaultAlignment, "ring arena defaultAlignment")
	if err != nil {
		return nil, err
	}

	return &Arena{
		block:            block,
		capacity:         capacity,
		defaultAlignment: defaultAlignment,
	}, nil
}

// Allocate reserves size bytes at the arena's default alignment.
func (a *Arena) Allocate(size int) (Allocation, error) {
	return a.AllocateAligned(size, a.defaultAlignment)
}

// AllocateAligned reserves size bytes aligned to the provided override
// alignment, which must be a power of two.
func (a *Arena) AllocateAligned(size int, alignment uint) (Allocation, error) {
	if size < 1 {
		return Allocation{}, errors.Newf("allocation size must be positive, but is %d", size)
	}
	err := frameutils.CheckPow2(alignment, "allocation alignment")
	if err != nil {
		return Allocation{}, err
	}
	frameutils.DebugValidate(a)

	offset := frameutils.AlignUp(a.offset, alignment)
	end := offset + size + frameutils.DebugMargin
	if end > a.capacity {
		return Allocation{}, errors.Wrapf(frameutils.ErrArenaFull,
			"requested %d bytes at alignment %d, but only %d of %d bytes remain",
			size, alignment, a.capacity-a.offset, a.capacity)
	}

	a.offset = end
	a.allocated++

	if frameutils.DebugMargin > 0 {
		frameutils.WriteMagicValue(a.block, offset+size)
		a.marginEnds = append(a.marginEnds, offset+size)
	}

	return Allocation{
		Offset: offset,
		Ptr:    unsafe.Add(a.block, offset),
	}, nil
}

// Reset returns the offset to zero, invalidating every outstanding Allocation.
// Only call this after the owning frame slot's completion marker has been
// observed.
func (a *Arena) Reset() {
	a.offset = 0
	a.allocated = 0
	a.marginEnds = a.marginEnds[:0]
}

// Offset returns the current bump offset in bytes.
func (a *Arena) Offset() int {
	return a.offset
}

// Capacity returns the arena's fixed capacity in bytes.
func (a *Arena) Capacity() int {
	return a.capacity
}

// AllocationCount returns the number of allocations issued since the last Reset.
func (a *Arena) AllocationCount() int {
	return a.allocated
}

// Validate performs internal consistency checks, including the corruption
// margins when built with the volley_debug tag. When the implementation is
// functioning correctly and callers stay within their allocations it should
// not be possible for this method to return an error.
func (a *Arena) Validate() error {
	if a.offset < 0 {
		return errors.Newf("arena offset %d is negative", a.offset)
	}
	if a.offset > a.capacity {
		return errors.Newf("arena offset %d exceeds capacity %d", a.offset, a.capacity)
	}
	if a.allocated == 0 && a.offset != 0 {
		return errors.Newf("arena has no live allocations but a nonzero offset %d", a.offset)
	}
	return a.CheckCorruption()
}

// CheckCorruption verifies the anti-corruption markers written between
// allocations. It only has meaning when built with the volley_debug tag.
func (a *Arena) CheckCorruption() error {
	for _, end := range a.marginEnds {
		if !frameutils.ValidateMagicValue(a.block, end) {
			return errors.Newf("memory corruption detected after allocation ending at offset %d", end)
		}
	}
	return nil
}

// AddStatistics sums this arena's accounting into the provided statistics.
func (a *Arena) AddStatistics(stats *frameutils.Statistics) {
	stats.BlockCount++
	stats.BlockBytes += a.capacity
	stats.AllocationCount += a.allocated
	stats.AllocationBytes += a.offset
}
