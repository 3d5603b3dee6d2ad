package vulkan

import (
	"time"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/core/v2/core1_2"
	"github.com/vkngwrapper/core/v2/driver"
	"github.com/vkngwrapper/volley/gpu"
)

// Timeline implements gpu.Timeline over a Vulkan 1.2 timeline semaphore. One
// semaphore covers the whole device; every submission signals the next value
// in order.
type Timeline struct {
	device12  core1_2.Device
	semaphore core1_0.Semaphore
	callbacks *driver.AllocationCallbacks
}

var _ gpu.Timeline = (*Timeline)(nil)

func createTimeline(device core1_0.Device, device12 core1_2.Device, callbacks *driver.AllocationCallbacks) (*Timeline, error) {
	semaphore, _, err := device.CreateSemaphore(callbacks, core1_0.SemaphoreCreateInfo{
		NextOptions: common.NextOptions{
			Next: core1_2.SemaphoreTypeCreateInfo{
				SemaphoreType: core1_2.SemaphoreTypeTimeline,
				InitialValue:  0,
			},
		},
	})
	if err != nil {
		return nil, errors.Wrap(err, "creating timeline semaphore")
	}

	return &Timeline{
		device12:  device12,
		semaphore: semaphore,
		callbacks: callbacks,
	}, nil
}

func (tl *Timeline) Completed() (gpu.Marker, error) {
	value, _, err := tl.device12.SemaphoreCounterValue(tl.semaphore)
	if err != nil {
		return 0, errors.Wrap(err, "reading timeline counter")
	}
	return gpu.Marker(value), nil
}

func (tl *Timeline) Wait(value gpu.Marker, timeout time.Duration) error {
	res, err := tl.device12.WaitSemaphores(timeout, core1_2.SemaphoreWaitInfo{
		Semaphores: []core1_0.Semaphore{tl.semaphore},
		Values:     []uint64{uint64(value)},
	})
	if err != nil {
		return errors.Wrapf(err, "waiting for timeline value %d", value)
	}
	if res == core1_0.VKTimeout {
		return errors.Newf("timed out after %s waiting for timeline value %d", timeout, value)
	}
	return nil
}

func (tl *Timeline) destroy() {
	tl.semaphore.Destroy(tl.callbacks)
}
