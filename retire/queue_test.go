package retire

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/volley/gpu"
)

func TestCollectRespectsMarkerThreshold(t *testing.T) {
	queue := NewQueue(false)

	runs := make(map[gpu.Marker]int)
	for _, at := range []gpu.Marker{1, 2, 3, 5} {
		at := at
		err := queue.Retire(func() { runs[at]++ }, at)
		require.NoError(t, err)
	}

	// Nothing has completed yet.
	require.Zero(t, queue.Collect(0))
	require.Empty(t, runs)

	require.Equal(t, 2, queue.Collect(2))
	require.Equal(t, 1, runs[1])
	require.Equal(t, 1, runs[2])
	require.Zero(t, runs[3])
	require.Zero(t, runs[5])

	// A repeat collect at the same marker must not re-run anything.
	require.Zero(t, queue.Collect(2))
	require.Equal(t, 1, runs[1])
	require.Equal(t, 1, runs[2])

	require.Equal(t, 2, queue.Collect(10))
	require.Equal(t, 1, runs[3])
	require.Equal(t, 1, runs[5])
	require.Zero(t, queue.Pending())
}

func TestCollectRunsExactlyOnceAtMarker(t *testing.T) {
	queue := NewQueue(false)

	count := 0
	require.NoError(t, queue.Retire(func() { count++ }, 7))

	require.Zero(t, queue.Collect(6))
	require.Zero(t, count)

	require.Equal(t, 1, queue.Collect(7))
	require.Equal(t, 1, count)

	require.Zero(t, queue.Collect(7))
	require.Zero(t, queue.Collect(100))
	require.Equal(t, 1, count)
}

func TestRetireRejectsNilClosure(t *testing.T) {
	queue := NewQueue(false)
	require.Error(t, queue.Retire(nil, 1))
}

func TestFlushRunsEverything(t *testing.T) {
	queue := NewQueue(false)

	count := 0
	for i := 0; i < 5; i++ {
		require.NoError(t, queue.Retire(func() { count++ }, gpu.Marker(100+i)))
	}

	require.Equal(t, 5, queue.Flush())
	require.Equal(t, 5, count)
	require.Zero(t, queue.Pending())
}

func TestSynchronizedQueue(t *testing.T) {
	queue := NewQueue(true)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			_ = queue.Retire(func() {}, gpu.Marker(i))
		}
	}()

	for i := 0; i < 100; i++ {
		queue.Collect(gpu.Marker(i))
	}
	<-done
	queue.Collect(200)
	require.Zero(t, queue.Pending())
}
