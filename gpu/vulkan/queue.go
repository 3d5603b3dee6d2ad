package vulkan

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/core/v2/core1_2"
	"github.com/vkngwrapper/core/v2/driver"
	"github.com/vkngwrapper/volley/gpu"
)

// Queue implements gpu.Queue. Every submission signals the device timeline at
// its marker value; presentation semaphores ride along as binary signals.
type Queue struct {
	queue    core1_0.Queue
	timeline *Timeline
}

var _ gpu.Queue = (*Queue)(nil)

func (q *Queue) Submit(info gpu.SubmitInfo) error {
	target, ok := info.Target.(*CommandTarget)
	if !ok {
		return errors.New("command target was not created by this device")
	}

	signalSemaphores := []core1_0.Semaphore{q.timeline.semaphore}
	signalValues := []uint64{uint64(info.SignalMarker)}
	if info.SignalPresent != nil {
		present, ok := info.SignalPresent.(*Semaphore)
		if !ok {
			return errors.New("present semaphore was not created by this device")
		}
		signalSemaphores = append(signalSemaphores, present.semaphore)
		// Binary semaphores ignore their timeline value slot.
		signalValues = append(signalValues, 0)
	}

	submit := core1_0.SubmitInfo{
		CommandBuffers:   []core1_0.CommandBuffer{target.buffer},
		SignalSemaphores: signalSemaphores,
		NextOptions: common.NextOptions{
			Next: core1_2.TimelineSemaphoreSubmitInfo{
				SignalSemaphoreValues: signalValues,
			},
		},
	}
	if info.WaitAcquire != nil {
		acquire, ok := info.WaitAcquire.(*Semaphore)
		if !ok {
			return errors.New("acquire semaphore was not created by this device")
		}
		submit.WaitSemaphores = []core1_0.Semaphore{acquire.semaphore}
		submit.WaitDstStageMask = []core1_0.PipelineStageFlags{core1_0.PipelineStageColorAttachmentOutput}
	}

	_, err := q.queue.Submit(nil, []core1_0.SubmitInfo{submit})
	if err != nil {
		return errors.Wrapf(err, "submitting work for marker %d", info.SignalMarker)
	}
	return nil
}

// CommandTarget implements gpu.CommandTarget over a primary command buffer
// with its own pool.
type CommandTarget struct {
	pool      core1_0.CommandPool
	buffer    core1_0.CommandBuffer
	callbacks *driver.AllocationCallbacks
}

var _ gpu.CommandTarget = (*CommandTarget)(nil)

// VulkanCommandBuffer exposes the underlying handle for command recording.
func (c *CommandTarget) VulkanCommandBuffer() core1_0.CommandBuffer { return c.buffer }

func (c *CommandTarget) Begin() error {
	_, err := c.buffer.Begin(core1_0.CommandBufferBeginInfo{
		Flags: core1_0.BeginInfoOneTimeSubmit,
	})
	if err != nil {
		return errors.Wrap(err, "beginning command buffer")
	}
	return nil
}

func (c *CommandTarget) End() error {
	_, err := c.buffer.End()
	if err != nil {
		return errors.Wrap(err, "ending command buffer")
	}
	return nil
}

func (c *CommandTarget) Reset() error {
	_, err := c.buffer.Reset(0)
	if err != nil {
		return errors.Wrap(err, "resetting command buffer")
	}
	return nil
}

// Destroy releases the pool and its command buffer. Callers must ensure the
// buffer is no longer executing.
func (c *CommandTarget) Destroy() {
	c.pool.Destroy(c.callbacks)
}
