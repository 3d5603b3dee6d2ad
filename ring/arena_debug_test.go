//go:build volley_debug

package ring

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValidateDetectsOverrunWrites(t *testing.T) {
	arena, block := makeArena(t, 256, 16)

	alloc, err := arena.Allocate(32)
	require.NoError(t, err)
	require.NoError(t, arena.Validate())

	// Scribble one byte past the allocation's end, into the guard margin.
	block[alloc.Offset+32] = 0xCC

	err = arena.Validate()
	require.Error(t, err)
	require.Contains(t, err.Error(), "corruption")

	err = arena.CheckCorruption()
	require.Error(t, err)
}

func TestResetClearsCorruptionMargins(t *testing.T) {
	arena, block := makeArena(t, 256, 16)

	alloc, err := arena.Allocate(32)
	require.NoError(t, err)
	block[alloc.Offset+32] = 0xCC

	arena.Reset()
	require.NoError(t, arena.Validate())
}
