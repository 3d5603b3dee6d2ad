package flight

import (
	"bytes"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/volley/frameutils"
	"github.com/vkngwrapper/volley/gpu"
	"github.com/vkngwrapper/volley/gpu/gputest"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func smallOptions() CreateOptions {
	return CreateOptions{
		UniformArenaSize: 4096,
		VertexArenaSize:  4096,
		StagingArenaSize: 4096,
	}
}

func readyPipeline(t *testing.T, device *gputest.Device, surface gpu.Surface, options CreateOptions) *Pipeline {
	pipeline, err := New(testLogger(), device, surface, options)
	require.NoError(t, err)
	return pipeline
}

func TestFrameRoundTrip(t *testing.T) {
	device := gputest.NewDevice()
	surface := &gputest.Surface{}
	pipeline := readyPipeline(t, device, surface, smallOptions())

	state, err := pipeline.BeginFrame()
	require.NoError(t, err)
	require.Equal(t, gpu.SurfaceOK, state)

	alloc, err := pipeline.AllocateUniform(64)
	require.NoError(t, err)
	require.NotNil(t, alloc.Ptr)

	require.NoError(t, pipeline.EndFrame())
	require.Equal(t, gpu.Marker(1), pipeline.SubmittedMarker())

	require.Equal(t, 1, surface.Acquires)
	require.Equal(t, 1, surface.Presents)

	submission := device.FakeQueue.Submissions[0]
	require.Equal(t, gpu.Marker(1), submission.SignalMarker)
	require.NotNil(t, submission.WaitAcquire)
	require.NotNil(t, submission.SignalPresent)
}

func TestHeadlessFrames(t *testing.T) {
	device := gputest.NewDevice()
	pipeline := readyPipeline(t, device, nil, smallOptions())

	state, err := pipeline.BeginFrame()
	require.NoError(t, err)
	require.Equal(t, gpu.SurfaceOK, state)
	require.NoError(t, pipeline.EndFrame())

	submission := device.FakeQueue.Submissions[0]
	require.Nil(t, submission.WaitAcquire)
	require.Nil(t, submission.SignalPresent)
}

func TestSlotReuseBlocksOnCompletion(t *testing.T) {
	device := gputest.NewDevice()
	device.FakeQueue.AutoSignal = false

	options := smallOptions()
	options.SlotCount = 2
	options.WaitTimeout = 50 * time.Millisecond
	pipeline := readyPipeline(t, device, nil, options)

	for frame := 0; frame < 2; frame++ {
		_, err := pipeline.BeginFrame()
		require.NoError(t, err)
		require.NoError(t, pipeline.EndFrame())
	}
	require.Zero(t, device.FakeTimeline.WaitCalls, "fresh slots must not wait")

	// Both slots now have incomplete submissions; reusing one must block
	// until the GPU reaches its marker, and time out when it never does.
	_, err := pipeline.BeginFrame()
	require.Error(t, err)
	require.Equal(t, 1, device.FakeTimeline.WaitCalls)

	device.FakeTimeline.Advance(2)
	state, err := pipeline.BeginFrame()
	require.NoError(t, err)
	require.Equal(t, gpu.SurfaceOK, state)
	require.Equal(t, 2, device.FakeTimeline.WaitCalls)
	require.NoError(t, pipeline.EndFrame())
}

func TestSlotReuseResetsArenas(t *testing.T) {
	device := gputest.NewDevice()
	options := smallOptions()
	options.SlotCount = 2
	pipeline := readyPipeline(t, device, nil, options)

	_, err := pipeline.BeginFrame()
	require.NoError(t, err)
	first, err := pipeline.AllocateVertex(128)
	require.NoError(t, err)
	require.NoError(t, pipeline.EndFrame())

	_, err = pipeline.BeginFrame()
	require.NoError(t, err)
	require.NoError(t, pipeline.EndFrame())

	// Frame three lands back on slot zero with a rewound arena.
	_, err = pipeline.BeginFrame()
	require.NoError(t, err)
	reused, err := pipeline.AllocateVertex(128)
	require.NoError(t, err)
	require.Equal(t, first.Offset, reused.Offset)
	require.Equal(t, first.Ptr, reused.Ptr)
	require.NoError(t, pipeline.EndFrame())
}

func TestArenaOverflowIsLoud(t *testing.T) {
	device := gputest.NewDevice()
	options := smallOptions()
	options.UniformArenaSize = 256
	pipeline := readyPipeline(t, device, nil, options)

	_, err := pipeline.BeginFrame()
	require.NoError(t, err)

	_, err = pipeline.AllocateUniform(512)
	require.ErrorIs(t, err, frameutils.ErrArenaFull)
}

func TestAllocateOutsideFrameWarnsOnce(t *testing.T) {
	var logOutput bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&logOutput, nil))

	device := gputest.NewDevice()
	pipeline, err := New(logger, device, nil, smallOptions())
	require.NoError(t, err)

	_, err = pipeline.AllocateUniform(64)
	require.ErrorIs(t, err, frameutils.ErrNotRecording)
	_, err = pipeline.AllocateStaging(64)
	require.ErrorIs(t, err, frameutils.ErrNotRecording)
	require.Equal(t, 1, strings.Count(logOutput.String(), "transient allocation"),
		"repeat misuse in one frame must log once")

	_, err = pipeline.BeginFrame()
	require.NoError(t, err)
	require.NoError(t, pipeline.EndFrame())

	// BeginFrame re-armed the warning, so misuse after the frame warns again.
	_, err = pipeline.AllocateVertex(64)
	require.ErrorIs(t, err, frameutils.ErrNotRecording)
	_, err = pipeline.AllocateVertex(64)
	require.ErrorIs(t, err, frameutils.ErrNotRecording)
	require.Equal(t, 2, strings.Count(logOutput.String(), "transient allocation"))
}

func TestEndFrameWithoutBeginFrame(t *testing.T) {
	device := gputest.NewDevice()
	pipeline := readyPipeline(t, device, nil, smallOptions())

	require.ErrorIs(t, pipeline.EndFrame(), frameutils.ErrNotRecording)
}

func TestAcquireNeedsRecreateIsNotAnError(t *testing.T) {
	device := gputest.NewDevice()
	surface := &gputest.Surface{
		AcquireStates: []gpu.SurfaceState{gpu.SurfaceNeedsRecreate},
	}
	pipeline := readyPipeline(t, device, surface, smallOptions())

	state, err := pipeline.BeginFrame()
	require.NoError(t, err)
	require.Equal(t, gpu.SurfaceNeedsRecreate, state)
}

func TestPresentStaleSurfaceReportedNextFrame(t *testing.T) {
	device := gputest.NewDevice()
	surface := &gputest.Surface{
		PresentStates: []gpu.SurfaceState{gpu.SurfaceNeedsRecreate},
	}
	pipeline := readyPipeline(t, device, surface, smallOptions())

	_, err := pipeline.BeginFrame()
	require.NoError(t, err)
	require.NoError(t, pipeline.EndFrame())

	state, err := pipeline.BeginFrame()
	require.NoError(t, err)
	require.Equal(t, gpu.SurfaceNeedsRecreate, state)
}

func TestRetireRunsAfterFrameCompletes(t *testing.T) {
	device := gputest.NewDevice()
	device.FakeQueue.AutoSignal = false
	pipeline := readyPipeline(t, device, nil, smallOptions())

	_, err := pipeline.BeginFrame()
	require.NoError(t, err)

	released := false
	require.NoError(t, pipeline.Retire(func() { released = true }))
	require.Equal(t, gpu.Marker(1), pipeline.SafeMarker())

	require.NoError(t, pipeline.EndFrame())

	ran, err := pipeline.CollectCompleted()
	require.NoError(t, err)
	require.Zero(t, ran)
	require.False(t, released, "release must wait for the frame's marker")

	device.FakeTimeline.Advance(1)
	ran, err = pipeline.CollectCompleted()
	require.NoError(t, err)
	require.Equal(t, 1, ran)
	require.True(t, released)
}

func TestRetireWhileIdleUsesLastSubmitted(t *testing.T) {
	device := gputest.NewDevice()
	pipeline := readyPipeline(t, device, nil, smallOptions())

	_, err := pipeline.BeginFrame()
	require.NoError(t, err)
	require.NoError(t, pipeline.EndFrame())

	released := false
	require.NoError(t, pipeline.Retire(func() { released = true }))
	require.Equal(t, gpu.Marker(1), pipeline.SafeMarker())

	// AutoSignal already advanced the timeline to the submitted marker.
	ran, err := pipeline.CollectCompleted()
	require.NoError(t, err)
	require.Equal(t, 1, ran)
	require.True(t, released)
}

func TestDestroyReleasesEverything(t *testing.T) {
	device := gputest.NewDevice()
	surface := &gputest.Surface{}
	pipeline := readyPipeline(t, device, surface, smallOptions())

	_, err := pipeline.BeginFrame()
	require.NoError(t, err)
	require.NoError(t, pipeline.EndFrame())

	released := false
	require.NoError(t, pipeline.Retire(func() { released = true }))

	require.NoError(t, pipeline.Destroy())
	require.True(t, released, "teardown must flush the retire queue")
	for _, buffer := range device.Buffers {
		require.True(t, buffer.Destroyed)
	}
	require.NotEmpty(t, device.Targets)
	for _, target := range device.Targets {
		require.True(t, target.Destroyed)
	}
	require.Zero(t, pipeline.RetireQueue().Pending())
}

func TestFailedArenaMapTearsDownCleanly(t *testing.T) {
	device := gputest.NewDevice()
	device.BufferMapErr = errors.New("mapping refused")

	_, err := New(testLogger(), device, nil, smallOptions())
	require.Error(t, err)

	for _, buffer := range device.Buffers {
		require.True(t, buffer.Destroyed)
		require.Zero(t, buffer.Unmaps, "a buffer that never mapped must not be unmapped")
	}
	for _, target := range device.Targets {
		require.True(t, target.Destroyed)
	}
}

func TestBuildStatsString(t *testing.T) {
	device := gputest.NewDevice()
	pipeline := readyPipeline(t, device, nil, smallOptions())

	_, err := pipeline.BeginFrame()
	require.NoError(t, err)
	_, err = pipeline.AllocateUniform(64)
	require.NoError(t, err)

	stats := pipeline.BuildStatsString()
	require.Contains(t, stats, "Slots")
	require.Contains(t, stats, "UniformArena")
	require.Contains(t, stats, "SubmittedMarker")
	require.NoError(t, pipeline.EndFrame())
}
