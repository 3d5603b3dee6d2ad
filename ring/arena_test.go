package ring

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/volley/frameutils"
)

func makeArena(t *testing.T, capacity int, alignment uint) (*Arena, []byte) {
	block := make([]byte, capacity)
	arena, err := NewArena(unsafe.Pointer(&block[0]), capacity, alignment)
	require.NoError(t, err)
	return arena, block
}

func TestAllocateAlignment(t *testing.T) {
	arena, _ := makeArena(t, 4096, 16)

	sizes := []int{1, 3, 16, 17, 64, 100}
	alignments := []uint{1, 4, 16, 64, 256}

	for _, alignment := range alignments {
		for _, size := range sizes {
			alloc, err := arena.AllocateAligned(size, alignment)
			require.NoError(t, err)
			require.Zero(t, alloc.Offset%int(alignment),
				"offset %d is not a multiple of %d", alloc.Offset, alignment)
			require.LessOrEqual(t, alloc.Offset+size, arena.Capacity())
		}
	}
}

func TestAllocateNoOverlap(t *testing.T) {
	arena, _ := makeArena(t, 4096, 16)

	type span struct{ start, end int }
	var spans []span

	sizes := []int{100, 1, 37, 256, 9, 500}
	for _, size := range sizes {
		alloc, err := arena.Allocate(size)
		require.NoError(t, err)
		spans = append(spans, span{alloc.Offset, alloc.Offset + size})
	}

	for i := 1; i < len(spans); i++ {
		require.GreaterOrEqual(t, spans[i].start, spans[i-1].end,
			"allocation %d overlaps its predecessor", i)
	}
}

func TestAllocateFailsLoudAtCapacity(t *testing.T) {
	arena, _ := makeArena(t, 1024, 16)

	first, err := arena.Allocate(600)
	require.NoError(t, err)
	require.Equal(t, 0, first.Offset)

	// The aligned-up offset plus 500 exceeds 1024. The arena must fail rather
	// than wrap to zero, because offset zero may still be in flight.
	_, err = arena.Allocate(500)
	require.Error(t, err)
	require.ErrorIs(t, err, frameutils.ErrArenaFull)

	// The failed call must not have moved the offset. Debug builds pad each
	// allocation with a corruption-detection margin.
	require.Equal(t, 600+frameutils.DebugMargin, arena.Offset())
}

func TestAllocateOffsetsMonotonic(t *testing.T) {
	arena, _ := makeArena(t, 2048, 4)

	lastOffset := -1
	for i := 0; i < 20; i++ {
		alloc, err := arena.Allocate(50)
		require.NoError(t, err)
		require.Greater(t, alloc.Offset, lastOffset)
		lastOffset = alloc.Offset
	}
}

func TestResetReusesFromZero(t *testing.T) {
	arena, _ := makeArena(t, 1024, 16)

	_, err := arena.Allocate(1000)
	require.NoError(t, err)
	_, err = arena.Allocate(100)
	require.ErrorIs(t, err, frameutils.ErrArenaFull)

	arena.Reset()
	require.Zero(t, arena.Offset())
	require.Zero(t, arena.AllocationCount())

	alloc, err := arena.Allocate(1000)
	require.NoError(t, err)
	require.Equal(t, 0, alloc.Offset)
}

func TestAllocationBytesWritable(t *testing.T) {
	arena, block := makeArena(t, 256, 16)

	alloc, err := arena.Allocate(32)
	require.NoError(t, err)

	data := alloc.Bytes(32)
	for i := range data {
		data[i] = 0xAB
	}

	for i := 0; i < 32; i++ {
		require.Equal(t, byte(0xAB), block[alloc.Offset+i])
	}
}

func TestNewArenaRejectsBadParameters(t *testing.T) {
	block := make([]byte, 64)

	_, err := NewArena(nil, 64, 16)
	require.Error(t, err)

	_, err = NewArena(unsafe.Pointer(&block[0]), 0, 16)
	require.Error(t, err)

	_, err = NewArena(unsafe.Pointer(&block[0]), 64, 13)
	require.ErrorIs(t, err, frameutils.PowerOfTwoError)
}

func TestAllocateRejectsBadParameters(t *testing.T) {
	arena, _ := makeArena(t, 64, 16)

	_, err := arena.Allocate(0)
	require.Error(t, err)

	_, err = arena.AllocateAligned(16, 3)
	require.ErrorIs(t, err, frameutils.PowerOfTwoError)
}

func TestStatistics(t *testing.T) {
	arena, _ := makeArena(t, 1024, 16)

	_, err := arena.Allocate(100)
	require.NoError(t, err)
	_, err = arena.Allocate(100)
	require.NoError(t, err)

	var stats frameutils.Statistics
	arena.AddStatistics(&stats)
	require.Equal(t, 1, stats.BlockCount)
	require.Equal(t, 1024, stats.BlockBytes)
	require.Equal(t, 2, stats.AllocationCount)
	require.Equal(t, arena.Offset(), stats.AllocationBytes)
}
