package frameutils

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCheckPow2(t *testing.T) {
	for _, valid := range []uint{1, 2, 4, 256, 1 << 20} {
		require.NoError(t, CheckPow2(valid, "value"))
	}
	for _, invalid := range []uint{0, 3, 6, 255, 1<<20 + 1} {
		err := CheckPow2(invalid, "value")
		require.ErrorIs(t, err, PowerOfTwoError)
	}
}

func TestAlignUp(t *testing.T) {
	require.Equal(t, 0, AlignUp(0, 16))
	require.Equal(t, 16, AlignUp(1, 16))
	require.Equal(t, 16, AlignUp(16, 16))
	require.Equal(t, 32, AlignUp(17, 16))
	require.Equal(t, 600, AlignUp(600, 8))
}

func TestAlignDown(t *testing.T) {
	require.Equal(t, 0, AlignDown(15, 16))
	require.Equal(t, 16, AlignDown(16, 16))
	require.Equal(t, 16, AlignDown(31, 16))
}

func TestNextPow2(t *testing.T) {
	require.Equal(t, 1, NextPow2(0))
	require.Equal(t, 1, NextPow2(1))
	require.Equal(t, 2, NextPow2(2))
	require.Equal(t, 128, NextPow2(100))
	require.Equal(t, 128, NextPow2(128))
	require.Equal(t, 256, NextPow2(129))
}
