package vulkan

import (
	"time"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/extensions/v2/khr_swapchain"
	"github.com/vkngwrapper/volley/gpu"
)

// Surface implements gpu.Surface over a khr_swapchain swapchain. Swapchain
// creation and recreation stay with the caller; when Acquire or Present
// report gpu.SurfaceNeedsRecreate the caller builds a new swapchain and
// replaces this Surface.
type Surface struct {
	extension khr_swapchain.Extension
	swapchain khr_swapchain.Swapchain
	queue     core1_0.Queue
}

var _ gpu.Surface = (*Surface)(nil)

// CreateSurface wraps an existing swapchain. The queue must be the same one
// the device submits rendering work to, or presentation must be externally
// synchronized against it.
func CreateSurface(extension khr_swapchain.Extension, swapchain khr_swapchain.Swapchain, queue core1_0.Queue) (*Surface, error) {
	if extension == nil || swapchain == nil || queue == nil {
		return nil, errors.New("extension, swapchain, and queue are all required")
	}
	return &Surface{
		extension: extension,
		swapchain: swapchain,
		queue:     queue,
	}, nil
}

func (s *Surface) Acquire(signal gpu.Semaphore, timeout time.Duration) (int, gpu.SurfaceState, error) {
	semaphore, ok := signal.(*Semaphore)
	if !ok {
		return 0, gpu.SurfaceOK, errors.New("semaphore was not created by this device")
	}

	index, res, err := s.swapchain.AcquireNextImage(timeout, semaphore.semaphore, nil)
	if res == khr_swapchain.VKErrorOutOfDate {
		// The swapchain no longer matches the window; not a failure.
		return index, gpu.SurfaceNeedsRecreate, nil
	}
	if err != nil {
		return index, gpu.SurfaceOK, errors.Wrap(err, "acquiring swapchain image")
	}
	if res == khr_swapchain.VKSuboptimal {
		return index, gpu.SurfaceNeedsRecreate, nil
	}
	return index, gpu.SurfaceOK, nil
}

func (s *Surface) Present(wait gpu.Semaphore, imageIndex int) (gpu.SurfaceState, error) {
	semaphore, ok := wait.(*Semaphore)
	if !ok {
		return gpu.SurfaceOK, errors.New("semaphore was not created by this device")
	}

	res, err := s.extension.QueuePresent(s.queue, khr_swapchain.PresentInfo{
		WaitSemaphores: []core1_0.Semaphore{semaphore.semaphore},
		Swapchains:     []khr_swapchain.Swapchain{s.swapchain},
		ImageIndices:   []int{imageIndex},
	})
	if res == khr_swapchain.VKErrorOutOfDate {
		return gpu.SurfaceNeedsRecreate, nil
	}
	if err != nil {
		return gpu.SurfaceOK, errors.Wrapf(err, "presenting image %d", imageIndex)
	}
	if res == khr_swapchain.VKSuboptimal {
		return gpu.SurfaceNeedsRecreate, nil
	}
	return gpu.SurfaceOK, nil
}
