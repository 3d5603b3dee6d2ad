package pso

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/volley/gpu"
	"github.com/vkngwrapper/volley/gpu/gputest"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func testStages() []gpu.ShaderStage {
	return []gpu.ShaderStage{
		{Stage: gpu.ShaderStageVertex, Code: []byte{1, 2, 3}, EntryPoint: "main"},
		{Stage: gpu.ShaderStageFragment, Code: []byte{4, 5, 6}, EntryPoint: "main"},
	}
}

func testLayout() *VertexLayout {
	return &VertexLayout{
		Bindings: []VertexBinding{
			{
				Stride: 20,
				Attributes: []VertexAttribute{
					{Location: 0, Format: 106, Offset: 0},
					{Location: 1, Format: 103, Offset: 12},
				},
			},
		},
	}
}

func readyCache(t *testing.T, device *gputest.Device, options CreateOptions) *Cache {
	cache, err := NewCache(testLogger(), device, options)
	require.NoError(t, err)
	return cache
}

func TestGetPipelineIdempotent(t *testing.T) {
	device := gputest.NewDevice()
	cache := readyCache(t, device, CreateOptions{})

	layout := testLayout()
	key := baseKey()
	key.VertexLayoutHash = layout.Hash()

	first, err := cache.GetPipeline(key, testStages(), layout)
	require.NoError(t, err)
	require.Equal(t, 1, device.CompileCount)

	second, err := cache.GetPipeline(key, testStages(), layout)
	require.NoError(t, err)
	require.Same(t, first, second)
	require.Equal(t, 1, device.CompileCount, "identical key must not recompile")
	require.Equal(t, 1, cache.Len())
}

func TestBlendModeAlwaysDistinct(t *testing.T) {
	device := gputest.NewDevice()
	cache := readyCache(t, device, CreateOptions{})

	layout := testLayout()
	key := baseKey()
	key.VertexLayoutHash = layout.Hash()

	opaque, err := cache.GetPipeline(key, testStages(), layout)
	require.NoError(t, err)

	key.Blend = gpu.BlendAdditive
	additive, err := cache.GetPipeline(key, testStages(), layout)
	require.NoError(t, err)

	require.NotSame(t, opaque, additive)
	require.Equal(t, 2, device.CompileCount)
}

func TestProgrammaticFetchSharesAcrossLayouts(t *testing.T) {
	device := gputest.NewDevice()
	cache := readyCache(t, device, CreateOptions{})

	key := baseKey()
	key.ProgrammaticVertexFetch = true
	key.VertexLayoutHash = 0x1111

	first, err := cache.GetPipeline(key, testStages(), nil)
	require.NoError(t, err)

	key.VertexLayoutHash = 0x2222
	second, err := cache.GetPipeline(key, testStages(), nil)
	require.NoError(t, err)

	require.Same(t, first, second)
	require.Equal(t, 1, device.CompileCount)

	// And the compiled object carries no synthesized vertex input.
	require.Empty(t, device.Pipelines[0].Info.VertexBindings)
	require.Empty(t, device.Pipelines[0].Info.VertexAttributes)
}

func TestFixedFetchRequiresLayout(t *testing.T) {
	device := gputest.NewDevice()
	cache := readyCache(t, device, CreateOptions{})

	key := baseKey()
	_, err := cache.GetPipeline(key, testStages(), nil)
	require.Error(t, err)
	require.Zero(t, device.CompileCount)
}

func TestVertexInputSynthesis(t *testing.T) {
	device := gputest.NewDevice()
	cache := readyCache(t, device, CreateOptions{})

	layout := &VertexLayout{
		Bindings: []VertexBinding{
			{
				Stride: 32,
				Attributes: []VertexAttribute{
					{Location: 0, Format: 106, Offset: 0},
				},
			},
			{
				Stride:      16,
				PerInstance: true,
				Attributes: []VertexAttribute{
					{Location: 1, Format: 109, Offset: 0},
					{Location: 2, Format: 109, Offset: 8},
				},
			},
		},
	}
	key := baseKey()
	key.VertexLayoutHash = layout.Hash()

	_, err := cache.GetPipeline(key, testStages(), layout)
	require.NoError(t, err)

	info := device.Pipelines[0].Info
	require.Len(t, info.VertexBindings, 2)
	require.Equal(t, gpu.VertexBinding{Binding: 0, Stride: 32}, info.VertexBindings[0])
	require.Equal(t, gpu.VertexBinding{Binding: 1, Stride: 16, PerInstance: true, Divisor: 1}, info.VertexBindings[1])

	require.Len(t, info.VertexAttributes, 3)
	require.Equal(t, 1, info.VertexAttributes[1].Binding)
	require.Equal(t, 2, info.VertexAttributes[2].Location)
}

func TestDynamicStatePromotion(t *testing.T) {
	device := gputest.NewDevice()
	device.DynamicStates = gpu.DynamicStateCullMode | gpu.DynamicStateDepthTest |
		gpu.DynamicStatePrimitiveTopology
	cache := readyCache(t, device, CreateOptions{})

	layout := testLayout()
	key := baseKey()
	key.VertexLayoutHash = layout.Hash()

	_, err := cache.GetPipeline(key, testStages(), layout)
	require.NoError(t, err)

	info := device.Pipelines[0].Info
	// Only supported candidate axes are promoted; topology is not a candidate.
	require.Equal(t, gpu.DynamicStateCullMode|gpu.DynamicStateDepthTest, info.DynamicStates)
}

func TestCompilationFailureIsFatal(t *testing.T) {
	device := gputest.NewDevice()
	device.PipelineFailure = errors.New("shader/layout contract mismatch")
	cache := readyCache(t, device, CreateOptions{})

	layout := testLayout()
	key := baseKey()
	key.VertexLayoutHash = layout.Hash()

	_, err := cache.GetPipeline(key, testStages(), layout)
	require.Error(t, err)
	require.Zero(t, cache.Len(), "failed compilation must not be cached")
}

func TestDestroyReleasesPipelines(t *testing.T) {
	device := gputest.NewDevice()
	cache := readyCache(t, device, CreateOptions{})

	layout := testLayout()
	key := baseKey()
	key.VertexLayoutHash = layout.Hash()

	_, err := cache.GetPipeline(key, testStages(), layout)
	require.NoError(t, err)

	cache.Destroy()
	require.Zero(t, cache.Len())
	require.True(t, device.Pipelines[0].Destroyed)
}

func TestBlobRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pipeline_cache.bin")

	device := gputest.NewDevice()
	device.Blob = []byte{0xCA, 0xFE}
	cache := readyCache(t, device, CreateOptions{BlobPath: path})

	require.NoError(t, cache.SaveBlob())

	saved, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, device.Blob, saved)

	fresh := gputest.NewDevice()
	reloaded := readyCache(t, fresh, CreateOptions{BlobPath: path})
	reloaded.LoadBlob()
	require.Equal(t, []byte{0xCA, 0xFE}, fresh.PrimedBlob)
}

func TestBlobLoadFailuresAreNonFatal(t *testing.T) {
	device := gputest.NewDevice()

	// Missing file.
	cache := readyCache(t, device, CreateOptions{BlobPath: filepath.Join(t.TempDir(), "missing.bin")})
	cache.LoadBlob()
	require.Nil(t, device.PrimedBlob)

	// Driver rejects the blob.
	dir := t.TempDir()
	path := filepath.Join(dir, "stale.bin")
	require.NoError(t, os.WriteFile(path, []byte{1, 2, 3}, 0o644))

	rejecting := gputest.NewDevice()
	rejecting.BlobErr = errors.New("driver version mismatch")
	cache = readyCache(t, rejecting, CreateOptions{BlobPath: path})
	cache.LoadBlob()
	require.Nil(t, rejecting.PrimedBlob)

	// Either way the cache still compiles on demand.
	layout := testLayout()
	key := baseKey()
	key.VertexLayoutHash = layout.Hash()
	_, err := cache.GetPipeline(key, testStages(), layout)
	require.NoError(t, err)
}
