// Package vulkan binds the gpu collaborator interfaces to vkngwrapper. It is
// the only package that imports vkngwrapper; everything above it talks to the
// gpu interfaces and can run against gputest doubles.
//
// The binding requires a Vulkan 1.2 device for timeline semaphores. Vulkan
// 1.3 is optional: without it no pipeline axes are reported dynamic and every
// pipeline is fully baked.
package vulkan

import (
	"log/slog"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/core/v2/core1_2"
	"github.com/vkngwrapper/core/v2/core1_3"
	"github.com/vkngwrapper/core/v2/driver"
	"github.com/vkngwrapper/volley/gpu"
)

// CreateOptions contains optional settings when creating a Device
type CreateOptions struct {
	// QueueFamilyIndex is the family used for command pools and submission.
	// It must support graphics work.
	QueueFamilyIndex int

	// Queue is the submission queue. When nil, queue 0 of QueueFamilyIndex is
	// retrieved from the device.
	Queue core1_0.Queue

	// PipelineLayout is used for every compiled pipeline. When nil an empty
	// layout is created, which only suits shaders without descriptors.
	PipelineLayout core1_0.PipelineLayout

	// VulkanCallbacks is an optional set of allocation callbacks passed to
	// every Vulkan create and destroy call made by this device.
	VulkanCallbacks *driver.AllocationCallbacks
}

// Device implements gpu.Device over a vkngwrapper logical device.
type Device struct {
	logger *slog.Logger

	device   core1_0.Device
	device12 core1_2.Device
	device13 core1_3.Device

	memoryTypes      []gpu.MemoryType
	nonCoherentAtom  int
	queueFamilyIndex int

	timeline *Timeline
	queue    *Queue

	pipelineLayout core1_0.PipelineLayout
	ownsLayout     bool
	pipelineCache  core1_0.PipelineCache

	callbacks *driver.AllocationCallbacks
}

var _ gpu.Device = (*Device)(nil)

// CreateDevice builds a Device over an already-initialized vkngwrapper
// logical device. The caller keeps ownership of the core1_0.Device; Destroy
// releases only the objects this binding created.
func CreateDevice(
	logger *slog.Logger,
	device core1_0.Device,
	physicalDevice core1_0.PhysicalDevice,
	options CreateOptions,
) (*Device, error) {
	if device == nil {
		return nil, errors.New("device cannot be nil")
	}
	if physicalDevice == nil {
		return nil, errors.New("physicalDevice cannot be nil")
	}

	device12 := core1_2.PromoteDevice(device)
	if device12 == nil {
		return nil, errors.New("the completion timeline requires a Vulkan 1.2 device")
	}

	properties, err := physicalDevice.Properties()
	if err != nil {
		return nil, errors.Wrap(err, "reading physical device properties")
	}
	memoryProperties := physicalDevice.MemoryProperties()

	out := &Device{
		logger:           logger,
		device:           device,
		device12:         device12,
		device13:         core1_3.PromoteDevice(device),
		nonCoherentAtom:  properties.Limits.NonCoherentAtomSize,
		queueFamilyIndex: options.QueueFamilyIndex,
		callbacks:        options.VulkanCallbacks,
	}

	for _, memoryType := range memoryProperties.MemoryTypes {
		out.memoryTypes = append(out.memoryTypes, gpu.MemoryType{
			Properties: memoryPropertiesFromVulkan(memoryType.PropertyFlags),
			HeapIndex:  memoryType.HeapIndex,
		})
	}

	out.timeline, err = createTimeline(device, device12, options.VulkanCallbacks)
	if err != nil {
		return nil, err
	}

	queue := options.Queue
	if queue == nil {
		queue = device.GetQueue(options.QueueFamilyIndex, 0)
	}
	out.queue = &Queue{queue: queue, timeline: out.timeline}

	out.pipelineLayout = options.PipelineLayout
	if out.pipelineLayout == nil {
		out.pipelineLayout, _, err = device.CreatePipelineLayout(options.VulkanCallbacks, core1_0.PipelineLayoutCreateInfo{})
		if err != nil {
			out.Destroy()
			return nil, errors.Wrap(err, "creating default pipeline layout")
		}
		out.ownsLayout = true
	}

	out.pipelineCache, _, err = device.CreatePipelineCache(options.VulkanCallbacks, core1_0.PipelineCacheCreateInfo{})
	if err != nil {
		out.Destroy()
		return nil, errors.Wrap(err, "creating driver pipeline cache")
	}

	return out, nil
}

func (d *Device) MemoryTypes() []gpu.MemoryType { return d.memoryTypes }
func (d *Device) NonCoherentAtomSize() int      { return d.nonCoherentAtom }
func (d *Device) Timeline() gpu.Timeline        { return d.timeline }
func (d *Device) Queue() gpu.Queue              { return d.queue }

// SupportedDynamicStates reports the axes promotable to dynamic pipeline
// state. All of them were promoted to core in Vulkan 1.3.
func (d *Device) SupportedDynamicStates() gpu.DynamicStateFlags {
	if d.device13 == nil {
		return 0
	}
	return gpu.DynamicStateCullMode |
		gpu.DynamicStateFrontFace |
		gpu.DynamicStateDepthTest |
		gpu.DynamicStateDepthWrite |
		gpu.DynamicStateDepthCompare |
		gpu.DynamicStatePrimitiveTopology
}

// NewBuffer creates a buffer with its own dedicated memory allocation bound
// at offset zero. Transient arenas and resource tables suballocate on their
// own terms, so one allocation per buffer keeps the binding simple.
func (d *Device) NewBuffer(info gpu.BufferInfo) (gpu.Buffer, error) {
	if info.Size < 1 {
		return nil, errors.Newf("buffer size must be positive, but is %d", info.Size)
	}
	if info.MemoryTypeIndex < 0 || info.MemoryTypeIndex >= len(d.memoryTypes) {
		return nil, errors.Newf("memory type index %d out of range", info.MemoryTypeIndex)
	}

	buffer, _, err := d.device.CreateBuffer(d.callbacks, core1_0.BufferCreateInfo{
		Size:        info.Size,
		Usage:       bufferUsageToVulkan(info.Usage),
		SharingMode: core1_0.SharingModeExclusive,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "creating %d-byte buffer", info.Size)
	}

	requirements := buffer.MemoryRequirements()
	if requirements.MemoryTypeBits&(1<<uint(info.MemoryTypeIndex)) == 0 {
		buffer.Destroy(d.callbacks)
		return nil, errors.Newf("buffer cannot be bound to memory type %d (supported bits 0x%x)",
			info.MemoryTypeIndex, requirements.MemoryTypeBits)
	}

	memory, _, err := d.device.AllocateMemory(d.callbacks, core1_0.MemoryAllocateInfo{
		AllocationSize:  requirements.Size,
		MemoryTypeIndex: info.MemoryTypeIndex,
	})
	if err != nil {
		buffer.Destroy(d.callbacks)
		return nil, errors.Wrapf(err, "allocating %d bytes of memory type %d", requirements.Size, info.MemoryTypeIndex)
	}

	_, err = buffer.BindBufferMemory(memory, 0)
	if err != nil {
		memory.Free(d.callbacks)
		buffer.Destroy(d.callbacks)
		return nil, errors.Wrap(err, "binding buffer memory")
	}

	return &Buffer{
		device:    d.device,
		buffer:    buffer,
		memory:    memory,
		size:      info.Size,
		callbacks: d.callbacks,
	}, nil
}

func (d *Device) NewSemaphore() (gpu.Semaphore, error) {
	semaphore, _, err := d.device.CreateSemaphore(d.callbacks, core1_0.SemaphoreCreateInfo{})
	if err != nil {
		return nil, errors.Wrap(err, "creating semaphore")
	}
	return &Semaphore{semaphore: semaphore, callbacks: d.callbacks}, nil
}

// NewCommandTarget creates a command pool with a single resettable primary
// command buffer. Each frame slot owns one, so pools never contend.
func (d *Device) NewCommandTarget() (gpu.CommandTarget, error) {
	pool, _, err := d.device.CreateCommandPool(d.callbacks, core1_0.CommandPoolCreateInfo{
		Flags:            core1_0.CommandPoolCreateResetBuffer,
		QueueFamilyIndex: d.queueFamilyIndex,
	})
	if err != nil {
		return nil, errors.Wrap(err, "creating command pool")
	}

	buffers, _, err := d.device.AllocateCommandBuffers(core1_0.CommandBufferAllocateInfo{
		CommandPool:        pool,
		Level:              core1_0.CommandBufferLevelPrimary,
		CommandBufferCount: 1,
	})
	if err != nil {
		pool.Destroy(d.callbacks)
		return nil, errors.Wrap(err, "allocating command buffer")
	}

	return &CommandTarget{
		pool:      pool,
		buffer:    buffers[0],
		callbacks: d.callbacks,
	}, nil
}

// PipelineBlob serializes the driver pipeline cache for persistence.
func (d *Device) PipelineBlob() ([]byte, error) {
	blob, _, err := d.pipelineCache.CacheData()
	if err != nil {
		return nil, errors.Wrap(err, "serializing driver pipeline cache")
	}
	return blob, nil
}

// PrimePipelineBlob replaces the driver pipeline cache with one seeded from
// blob. The driver validates the blob header itself and ignores stale data.
func (d *Device) PrimePipelineBlob(blob []byte) error {
	primed, _, err := d.device.CreatePipelineCache(d.callbacks, core1_0.PipelineCacheCreateInfo{
		InitialData: blob,
	})
	if err != nil {
		return errors.Wrap(err, "seeding driver pipeline cache")
	}
	d.pipelineCache.Destroy(d.callbacks)
	d.pipelineCache = primed
	return nil
}

// Destroy releases objects created by this binding. The logical device, the
// queue, and any caller-provided pipeline layout are left alone.
func (d *Device) Destroy() {
	if d.pipelineCache != nil {
		d.pipelineCache.Destroy(d.callbacks)
		d.pipelineCache = nil
	}
	if d.ownsLayout && d.pipelineLayout != nil {
		d.pipelineLayout.Destroy(d.callbacks)
		d.pipelineLayout = nil
	}
	if d.timeline != nil {
		d.timeline.destroy()
		d.timeline = nil
	}
}

func memoryPropertiesFromVulkan(flags core1_0.MemoryPropertyFlags) gpu.MemoryPropertyFlags {
	var out gpu.MemoryPropertyFlags
	if flags&core1_0.MemoryPropertyDeviceLocal != 0 {
		out |= gpu.MemoryPropertyDeviceLocal
	}
	if flags&core1_0.MemoryPropertyHostVisible != 0 {
		out |= gpu.MemoryPropertyHostVisible
	}
	if flags&core1_0.MemoryPropertyHostCoherent != 0 {
		out |= gpu.MemoryPropertyHostCoherent
	}
	if flags&core1_0.MemoryPropertyHostCached != 0 {
		out |= gpu.MemoryPropertyHostCached
	}
	return out
}

func bufferUsageToVulkan(usage gpu.BufferUsage) core1_0.BufferUsageFlags {
	var out core1_0.BufferUsageFlags
	if usage&gpu.BufferUsageVertex != 0 {
		out |= core1_0.BufferUsageVertexBuffer
	}
	if usage&gpu.BufferUsageIndex != 0 {
		out |= core1_0.BufferUsageIndexBuffer
	}
	if usage&gpu.BufferUsageUniform != 0 {
		out |= core1_0.BufferUsageUniformBuffer
	}
	if usage&gpu.BufferUsageStorage != 0 {
		out |= core1_0.BufferUsageStorageBuffer
	}
	if usage&gpu.BufferUsageTransferSrc != 0 {
		out |= core1_0.BufferUsageTransferSrc
	}
	if usage&gpu.BufferUsageTransferDst != 0 {
		out |= core1_0.BufferUsageTransferDst
	}
	return out
}
