package vulkan

import (
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/core/v2/driver"
	"github.com/vkngwrapper/volley/gpu"
)

// Buffer implements gpu.Buffer over a Vulkan buffer with a dedicated memory
// allocation bound at offset zero.
type Buffer struct {
	device core1_0.Device
	buffer core1_0.Buffer
	memory core1_0.DeviceMemory
	size   int

	callbacks *driver.AllocationCallbacks
}

var _ gpu.Buffer = (*Buffer)(nil)

func (b *Buffer) Size() int { return b.size }

// VulkanBuffer exposes the underlying handle for command recording.
func (b *Buffer) VulkanBuffer() core1_0.Buffer { return b.buffer }

func (b *Buffer) Map() (unsafe.Pointer, error) {
	ptr, _, err := b.memory.Map(0, -1, core1_0.MemoryMapFlags(0))
	if err != nil {
		return nil, errors.Wrap(err, "mapping buffer memory")
	}
	return ptr, nil
}

func (b *Buffer) Unmap() {
	b.memory.Unmap()
}

func (b *Buffer) Flush(offset, size int) error {
	_, err := b.device.FlushMappedMemoryRanges([]core1_0.MappedMemoryRange{
		{
			Memory: b.memory,
			Offset: offset,
			Size:   size,
		},
	})
	if err != nil {
		return errors.Wrapf(err, "flushing mapped range [%d, %d)", offset, offset+size)
	}
	return nil
}

func (b *Buffer) Destroy() {
	b.buffer.Destroy(b.callbacks)
	b.memory.Free(b.callbacks)
}

// Semaphore implements gpu.Semaphore over a binary Vulkan semaphore.
type Semaphore struct {
	semaphore core1_0.Semaphore
	callbacks *driver.AllocationCallbacks
}

var _ gpu.Semaphore = (*Semaphore)(nil)

// VulkanSemaphore exposes the underlying handle for swapchain calls.
func (s *Semaphore) VulkanSemaphore() core1_0.Semaphore { return s.semaphore }

func (s *Semaphore) Destroy() {
	s.semaphore.Destroy(s.callbacks)
}
