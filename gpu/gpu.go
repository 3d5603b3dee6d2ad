// Package gpu declares the narrow surface volley consumes from a graphics
// device. Device selection, swapchain creation, and shader compilation are
// the application's problem; volley only needs memory properties, buffers,
// command targets, synchronization primitives, and an acquire/present pair.
// The gpu/vulkan package binds these interfaces to vkngwrapper.
package gpu

import (
	"time"
	"unsafe"
)

// Marker is a monotonically increasing completion counter signaled by the GPU
// when a submitted batch of work finishes executing.
type Marker uint64

// SurfaceState is the tri-state result of acquiring or presenting a surface
// image. Staleness is an expected condition, not an error: the orchestrator
// rebuilds size-dependent resources and retries.
type SurfaceState int

const (
	SurfaceOK SurfaceState = iota
	SurfaceNeedsRecreate
)

var surfaceStateMapping = map[SurfaceState]string{
	SurfaceOK:            "SurfaceOK",
	SurfaceNeedsRecreate: "SurfaceNeedsRecreate",
}

func (s SurfaceState) String() string {
	return surfaceStateMapping[s]
}

// Format identifies a color or depth target format. Values are
// device-binding-specific; volley only compares them.
type Format uint32

// FormatUndefined indicates the absence of an attachment (for example no
// depth target).
const FormatUndefined Format = 0

// SampleCount is a rasterization sample count (1, 2, 4, ...).
type SampleCount uint32

// BufferUsage describes how a buffer will be consumed by the GPU.
type BufferUsage uint32

const (
	BufferUsageVertex BufferUsage = 1 << iota
	BufferUsageIndex
	BufferUsageUniform
	BufferUsageStorage
	BufferUsageTransferSrc
	BufferUsageTransferDst
)

// MemoryPropertyFlags mirror the device's memory class properties used for
// memory-type selection.
type MemoryPropertyFlags uint32

const (
	MemoryPropertyDeviceLocal MemoryPropertyFlags = 1 << iota
	MemoryPropertyHostVisible
	MemoryPropertyHostCoherent
	MemoryPropertyHostCached
)

// MemoryType is one memory class reported by the device.
type MemoryType struct {
	Properties MemoryPropertyFlags
	HeapIndex  int
}

// DynamicStateFlags name pipeline configuration axes the device can set per
// draw at recording time instead of baking at pipeline compile time.
type DynamicStateFlags uint32

const (
	DynamicStateCullMode DynamicStateFlags = 1 << iota
	DynamicStateFrontFace
	DynamicStateDepthTest
	DynamicStateDepthWrite
	DynamicStateDepthCompare
	DynamicStateBlendEnable
	DynamicStatePrimitiveTopology
)

var dynamicStateMapping = map[DynamicStateFlags]string{
	DynamicStateCullMode:          "DynamicStateCullMode",
	DynamicStateFrontFace:         "DynamicStateFrontFace",
	DynamicStateDepthTest:         "DynamicStateDepthTest",
	DynamicStateDepthWrite:        "DynamicStateDepthWrite",
	DynamicStateDepthCompare:      "DynamicStateDepthCompare",
	DynamicStateBlendEnable:       "DynamicStateBlendEnable",
	DynamicStatePrimitiveTopology: "DynamicStatePrimitiveTopology",
}

func (f DynamicStateFlags) String() string {
	if name, ok := dynamicStateMapping[f]; ok {
		return name
	}

	out := ""
	for bit := DynamicStateFlags(1); bit <= f; bit <<= 1 {
		if f&bit == 0 {
			continue
		}
		if out != "" {
			out += "|"
		}
		out += dynamicStateMapping[bit]
	}
	return out
}

// BufferInfo describes a buffer allocation request, including the memory type
// the consumer selected for its backing memory.
type BufferInfo struct {
	Size            int
	Usage           BufferUsage
	MemoryTypeIndex int
}

// ShaderStage is a compiled shader stage handed through to pipeline creation.
// Code is an opaque intermediate binary owned by the caller.
type ShaderStage struct {
	Stage      ShaderStageFlags
	Code       []byte
	EntryPoint string
}

type ShaderStageFlags uint32

const (
	ShaderStageVertex ShaderStageFlags = 1 << iota
	ShaderStageFragment
)

// SubmitInfo carries one frame's command target to the device queue.
// SignalMarker is the timeline value signaled when the submission completes.
// WaitAcquire and SignalPresent are the binary primitives ordering the
// submission against surface acquisition and presentation; either may be nil
// for headless submissions.
type SubmitInfo struct {
	Target        CommandTarget
	SignalMarker  Marker
	WaitAcquire   Semaphore
	SignalPresent Semaphore
}

// Device is the logical-device collaborator.
type Device interface {
	// MemoryTypes reports the device's memory classes, indexed by memory type index.
	MemoryTypes() []MemoryType
	// NonCoherentAtomSize is the flush alignment requirement for non-coherent mappings.
	NonCoherentAtomSize() int
	// SupportedDynamicStates reports which pipeline axes the device can leave
	// runtime-mutable instead of baking into compiled pipeline objects.
	SupportedDynamicStates() DynamicStateFlags

	NewBuffer(info BufferInfo) (Buffer, error)
	NewCommandTarget() (CommandTarget, error)
	NewSemaphore() (Semaphore, error)
	NewPipeline(info PipelineInfo) (Pipeline, error)

	Timeline() Timeline
	Queue() Queue

	// PipelineBlob serializes the device's driver-level pipeline compilation
	// cache. The blob is opaque and driver-versioned; it carries no stability
	// guarantee across driver updates.
	PipelineBlob() ([]byte, error)
	// PrimePipelineBlob seeds the driver-level pipeline cache from a blob
	// previously returned by PipelineBlob.
	PrimePipelineBlob(blob []byte) error
}

// Timeline is the device's monotonically increasing completion counter.
type Timeline interface {
	// Completed returns the highest marker value the GPU has signaled.
	Completed() (Marker, error)
	// Wait blocks until the GPU signals at least the provided marker value.
	// Expiry of the timeout is a device-loss condition, not a retryable error.
	Wait(value Marker, timeout time.Duration) error
}

// Queue accepts command submissions.
type Queue interface {
	Submit(info SubmitInfo) error
}

// Surface is the presentable-surface collaborator.
type Surface interface {
	// Acquire blocks until a presentable image is available and returns its
	// index. The returned SurfaceState is SurfaceNeedsRecreate when the
	// presentation engine reports the target stale or suboptimal.
	Acquire(signal Semaphore, timeout time.Duration) (int, SurfaceState, error)
	Present(wait Semaphore, imageIndex int) (SurfaceState, error)
}

// Buffer is a GPU buffer plus its backing memory.
type Buffer interface {
	Size() int
	// Map returns a host pointer to the buffer's memory. Only valid when the
	// buffer was created against a host-visible memory type.
	Map() (unsafe.Pointer, error)
	Unmap()
	// Flush makes host writes in [offset, offset+size) visible to the device
	// for non-coherent memory types. No-op for coherent memory.
	Flush(offset, size int) error
	Destroy()
}

// CommandTarget is a per-frame command recording target.
type CommandTarget interface {
	Begin() error
	End() error
	Reset() error
	Destroy()
}

// Pipeline is a compiled pipeline state object.
type Pipeline interface {
	Destroy()
}

// Semaphore is a binary GPU synchronization primitive used for present ordering.
type Semaphore interface {
	Destroy()
}
