// Package flight coordinates CPU/GPU frame overlap. A Pipeline owns a small
// ring of frame slots, each with its own command target and transient memory
// arenas. The CPU records frame N while the GPU consumes earlier frames, and
// a slot is only reused once the timeline confirms its previous submission
// has fully completed. That single wait at the top of BeginFrame is the only
// place a frame blocks on the GPU.
package flight

import (
	"log/slog"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/volley/frameutils"
	"github.com/vkngwrapper/volley/gpu"
	"github.com/vkngwrapper/volley/internal/utils"
	"github.com/vkngwrapper/volley/resource"
	"github.com/vkngwrapper/volley/retire"
	"github.com/vkngwrapper/volley/ring"
)

// PipelineFlags indicate specific pipeline behaviors to activate or deactivate
type PipelineFlags int32

const (
	// PipelineExternallySynchronized promises that all frame methods are
	// called from a single goroutine, letting the pipeline skip its mutex.
	PipelineExternallySynchronized PipelineFlags = 1 << iota
)

const (
	// DefaultSlotCount is double buffering: one frame recording, one in flight.
	DefaultSlotCount = 2
	// MaxSlotCount caps latency; more than triple buffering trades input lag
	// for no additional throughput.
	MaxSlotCount = 3

	DefaultUniformArenaSize = 1 << 20
	DefaultVertexArenaSize  = 4 << 20
	DefaultStagingArenaSize = 8 << 20

	// DefaultUniformAlignment matches the largest minUniformBufferOffsetAlignment
	// seen on desktop hardware.
	DefaultUniformAlignment uint = 256

	DefaultWaitTimeout = 10 * time.Second
)

// CreateOptions contains optional settings when creating a Pipeline
type CreateOptions struct {
	Flags PipelineFlags

	// SlotCount is the number of frames that may be in flight at once,
	// between 1 and MaxSlotCount. Defaults to DefaultSlotCount.
	SlotCount int

	// Arena capacities in bytes for each slot's transient memory classes.
	UniformArenaSize int
	VertexArenaSize  int
	StagingArenaSize int

	// UniformAlignment is the offset alignment applied to uniform arena
	// allocations. Must be a power of two. Defaults to DefaultUniformAlignment.
	UniformAlignment uint

	// WaitTimeout bounds the BeginFrame wait on a slot's prior submission.
	// Expiry indicates a lost device. Defaults to DefaultWaitTimeout.
	WaitTimeout time.Duration
}

// slotArena is one transient memory class within a frame slot: a persistently
// mapped host-visible buffer with a bump arena carving it up.
type slotArena struct {
	buffer gpu.Buffer
	arena  *ring.Arena
	mapped bool
}

type slot struct {
	target  gpu.CommandTarget
	acquire gpu.Semaphore
	present gpu.Semaphore

	// pending is the marker this slot's most recent submission signals, or 0
	// when the slot has never been submitted.
	pending gpu.Marker

	imageIndex int

	uniform slotArena
	vertex  slotArena
	staging slotArena
}

func (s *slot) arenas() [3]*slotArena {
	return [3]*slotArena{&s.uniform, &s.vertex, &s.staging}
}

// Pipeline is the frame orchestrator. All methods share one mutex unless
// PipelineExternallySynchronized is set.
type Pipeline struct {
	logger  *slog.Logger
	device  gpu.Device
	surface gpu.Surface
	queue   *retire.Queue
	mutex   utils.OptionalMutex

	slots     []slot
	slotIndex int

	guard      RecordingGuard
	frameCount int

	// submitted is the highest marker handed to Queue.Submit so far.
	submitted gpu.Marker

	// presentStale carries a SurfaceNeedsRecreate reported by Present forward
	// to the next BeginFrame, which is where callers handle recreation.
	presentStale bool

	waitTimeout time.Duration
}

// New builds a Pipeline over device. surface may be nil for headless
// rendering, in which case BeginFrame always reports gpu.SurfaceOK and
// submissions carry no presentation semaphores.
func New(logger *slog.Logger, device gpu.Device, surface gpu.Surface, options CreateOptions) (*Pipeline, error) {
	if device == nil {
		return nil, errors.New("device cannot be nil")
	}

	slotCount := options.SlotCount
	if slotCount == 0 {
		slotCount = DefaultSlotCount
	}
	if slotCount < 1 || slotCount > MaxSlotCount {
		return nil, errors.Newf("slot count %d outside the valid range [1, %d]", slotCount, MaxSlotCount)
	}

	uniformAlignment := options.UniformAlignment
	if uniformAlignment == 0 {
		uniformAlignment = DefaultUniformAlignment
	}
	if err := frameutils.CheckPow2(uniformAlignment, "options.UniformAlignment"); err != nil {
		return nil, err
	}

	waitTimeout := options.WaitTimeout
	if waitTimeout == 0 {
		waitTimeout = DefaultWaitTimeout
	}

	pipeline := &Pipeline{
		logger:  logger,
		device:  device,
		surface: surface,
		queue:   retire.NewQueue(options.Flags&PipelineExternallySynchronized == 0),
		mutex: utils.OptionalMutex{
			UseMutex: options.Flags&PipelineExternallySynchronized == 0,
		},
		slots:       make([]slot, slotCount),
		slotIndex:   slotCount - 1,
		waitTimeout: waitTimeout,
	}

	classes := [3]struct {
		size      int
		fallback  int
		alignment uint
		usage     gpu.BufferUsage
	}{
		{options.UniformArenaSize, DefaultUniformArenaSize, uniformAlignment, gpu.BufferUsageUniform},
		{options.VertexArenaSize, DefaultVertexArenaSize, 4, gpu.BufferUsageVertex | gpu.BufferUsageIndex},
		{options.StagingArenaSize, DefaultStagingArenaSize, 4, gpu.BufferUsageTransferSrc},
	}

	memoryTypeIndex, err := resource.FindMemoryTypeIndex(
		device.MemoryTypes(),
		gpu.MemoryPropertyHostVisible,
		gpu.MemoryPropertyHostCoherent|gpu.MemoryPropertyDeviceLocal,
		0,
	)
	if err != nil {
		pipeline.destroySlots()
		return nil, errors.Wrap(err, "selecting transient arena memory")
	}

	for slotIndex := range pipeline.slots {
		s := &pipeline.slots[slotIndex]

		s.target, err = device.NewCommandTarget()
		if err != nil {
			pipeline.destroySlots()
			return nil, errors.Wrapf(err, "creating command target for slot %d", slotIndex)
		}

		if surface != nil {
			s.acquire, err = device.NewSemaphore()
			if err == nil {
				s.present, err = device.NewSemaphore()
			}
			if err != nil {
				pipeline.destroySlots()
				return nil, errors.Wrapf(err, "creating semaphores for slot %d", slotIndex)
			}
		}

		for classIndex, class := range classes {
			size := class.size
			if size == 0 {
				size = class.fallback
			}

			area := s.arenas()[classIndex]
			area.buffer, err = device.NewBuffer(gpu.BufferInfo{
				Size:            size,
				Usage:           class.usage,
				MemoryTypeIndex: memoryTypeIndex,
			})
			if err != nil {
				pipeline.destroySlots()
				return nil, errors.Wrapf(err, "creating %d-byte arena buffer for slot %d", size, slotIndex)
			}

			block, err := area.buffer.Map()
			if err != nil {
				pipeline.destroySlots()
				return nil, errors.Wrapf(err, "mapping arena buffer for slot %d", slotIndex)
			}
			area.mapped = true

			area.arena, err = ring.NewArena(block, size, class.alignment)
			if err != nil {
				pipeline.destroySlots()
				return nil, err
			}
		}
	}

	return pipeline, nil
}

// BeginFrame opens the next frame's recording window. It advances to the
// next slot, blocks until that slot's previous submission has completed,
// sweeps the deferred release queue, resets the slot's arenas, and acquires
// a surface image. A gpu.SurfaceNeedsRecreate return is not an error; the
// caller recreates the surface and calls BeginFrame again.
func (p *Pipeline) BeginFrame() (gpu.SurfaceState, error) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if p.guard.Recording() {
		return gpu.SurfaceOK, errors.New("BeginFrame called while a frame is already recording")
	}

	p.slotIndex = (p.slotIndex + 1) % len(p.slots)
	s := &p.slots[p.slotIndex]

	if s.pending > 0 {
		if err := p.device.Timeline().Wait(s.pending, p.waitTimeout); err != nil {
			return gpu.SurfaceOK, errors.Wrapf(err, "waiting for frame slot %d (marker %d)", p.slotIndex, s.pending)
		}
	}

	if _, err := p.collectLocked(); err != nil {
		return gpu.SurfaceOK, err
	}

	for _, area := range s.arenas() {
		area.arena.Reset()
	}

	p.frameCount++
	p.guard.Begin(p.frameCount)

	if err := s.target.Reset(); err != nil {
		p.guard.End()
		return gpu.SurfaceOK, errors.Wrapf(err, "resetting command target for slot %d", p.slotIndex)
	}
	if err := s.target.Begin(); err != nil {
		p.guard.End()
		return gpu.SurfaceOK, errors.Wrapf(err, "beginning command target for slot %d", p.slotIndex)
	}

	state := gpu.SurfaceOK
	if p.surface != nil {
		imageIndex, acquireState, err := p.surface.Acquire(s.acquire, p.waitTimeout)
		if err != nil {
			p.guard.End()
			return gpu.SurfaceOK, errors.Wrap(err, "acquiring surface image")
		}
		s.imageIndex = imageIndex
		state = acquireState
	}
	if p.presentStale {
		p.presentStale = false
		state = gpu.SurfaceNeedsRecreate
	}
	return state, nil
}

// EndFrame closes the recording window, submits the slot's command target
// with the next completion marker, and presents the acquired image. A stale
// surface reported by presentation is surfaced from the next BeginFrame.
func (p *Pipeline) EndFrame() error {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if !p.guard.Recording() {
		return errors.Wrap(frameutils.ErrNotRecording, "EndFrame")
	}
	s := &p.slots[p.slotIndex]

	p.guard.End()
	if err := s.target.End(); err != nil {
		return errors.Wrapf(err, "ending command target for slot %d", p.slotIndex)
	}

	marker := p.submitted + 1
	info := gpu.SubmitInfo{
		Target:       s.target,
		SignalMarker: marker,
	}
	if p.surface != nil {
		info.WaitAcquire = s.acquire
		info.SignalPresent = s.present
	}
	if err := p.device.Queue().Submit(info); err != nil {
		return errors.Wrapf(err, "submitting frame %d", p.frameCount)
	}
	p.submitted = marker
	s.pending = marker

	if p.surface != nil {
		state, err := p.surface.Present(s.present, s.imageIndex)
		if err != nil {
			return errors.Wrapf(err, "presenting image %d", s.imageIndex)
		}
		if state == gpu.SurfaceNeedsRecreate {
			p.presentStale = true
		}
	}
	return nil
}

// AllocateUniform carves uniform-buffer memory out of the current slot's
// arena, aligned to the configured uniform alignment. Valid only between
// BeginFrame and EndFrame; the memory is reused once this frame's marker
// completes.
func (p *Pipeline) AllocateUniform(size int) (ring.Allocation, error) {
	return p.allocate(size, "uniform", func(s *slot) *slotArena { return &s.uniform })
}

// AllocateVertex carves transient vertex/index memory out of the current
// slot's arena. Valid only between BeginFrame and EndFrame.
func (p *Pipeline) AllocateVertex(size int) (ring.Allocation, error) {
	return p.allocate(size, "vertex", func(s *slot) *slotArena { return &s.vertex })
}

// AllocateStaging carves transfer-source memory out of the current slot's
// arena. Valid only between BeginFrame and EndFrame.
func (p *Pipeline) AllocateStaging(size int) (ring.Allocation, error) {
	return p.allocate(size, "staging", func(s *slot) *slotArena { return &s.staging })
}

func (p *Pipeline) allocate(size int, class string, area func(*slot) *slotArena) (ring.Allocation, error) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if !p.guard.Recording() {
		if p.guard.WarnIfNotRecording() {
			p.logger.Warn("transient allocation outside a recording window",
				"class", class,
				"size", size,
			)
		}
		return ring.Allocation{}, errors.Wrapf(frameutils.ErrNotRecording, "allocating %d %s bytes", size, class)
	}
	return area(&p.slots[p.slotIndex]).arena.Allocate(size)
}

// Retire schedules destroy to run once every submission recorded so far,
// including the frame currently being recorded, has completed on the GPU.
func (p *Pipeline) Retire(destroy func()) error {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	return p.queue.Retire(destroy, p.safeMarkerLocked())
}

// SafeMarker returns the earliest marker at which resources referenced by
// work recorded so far can be destroyed. resource.Table calls take this as
// their retireAt argument.
func (p *Pipeline) SafeMarker() gpu.Marker {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	return p.safeMarkerLocked()
}

func (p *Pipeline) safeMarkerLocked() gpu.Marker {
	if p.guard.Recording() {
		// The submission being built signals submitted+1.
		return p.submitted + 1
	}
	return p.submitted
}

// CollectCompleted sweeps the deferred release queue against the current
// completed marker and returns how many closures ran. BeginFrame already
// does this once per frame; explicit calls are for teardown paths and tests.
func (p *Pipeline) CollectCompleted() (int, error) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	return p.collectLocked()
}

func (p *Pipeline) collectLocked() (int, error) {
	completed, err := p.device.Timeline().Completed()
	if err != nil {
		return 0, errors.Wrap(err, "reading completed marker")
	}
	return p.queue.Collect(completed), nil
}

// RetireQueue exposes the deferred release queue so resource tables and
// other owners of GPU objects can share the pipeline's completion sweep.
func (p *Pipeline) RetireQueue() *retire.Queue {
	return p.queue
}

// SubmittedMarker returns the highest completion marker submitted so far.
func (p *Pipeline) SubmittedMarker() gpu.Marker {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	return p.submitted
}

// SlotIndex returns the index of the slot currently recording or most
// recently submitted.
func (p *Pipeline) SlotIndex() int {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	return p.slotIndex
}

// SlotCount returns the number of frame slots.
func (p *Pipeline) SlotCount() int {
	return len(p.slots)
}

// Destroy waits for every pending submission, runs all deferred releases,
// and destroys the slots' GPU objects. The pipeline must not be recording.
func (p *Pipeline) Destroy() error {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if p.guard.Recording() {
		return errors.New("Destroy called while a frame is recording")
	}
	if p.submitted > 0 {
		if err := p.device.Timeline().Wait(p.submitted, p.waitTimeout); err != nil {
			return errors.Wrapf(err, "waiting for marker %d before teardown", p.submitted)
		}
	}
	if flushed := p.queue.Flush(); flushed > 0 {
		p.logger.Debug("flushed deferred releases at teardown", "count", flushed)
	}
	p.destroySlots()
	return nil
}

func (p *Pipeline) destroySlots() {
	for slotIndex := range p.slots {
		s := &p.slots[slotIndex]
		for _, area := range s.arenas() {
			if area.buffer != nil {
				if area.mapped {
					area.buffer.Unmap()
					area.mapped = false
				}
				area.buffer.Destroy()
				area.buffer = nil
				area.arena = nil
			}
		}
		if s.target != nil {
			s.target.Destroy()
			s.target = nil
		}
		if s.acquire != nil {
			s.acquire.Destroy()
			s.acquire = nil
		}
		if s.present != nil {
			s.present.Destroy()
			s.present = nil
		}
	}
}

// BuildStatsString builds a JSON string detailing the pipeline's current state.
func (p *Pipeline) BuildStatsString() string {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	writer := jwriter.NewWriter()
	obj := writer.Object()

	obj.Name("FrameCount").Int(p.frameCount)
	obj.Name("SubmittedMarker").Int(int(p.submitted))
	obj.Name("SlotIndex").Int(p.slotIndex)
	obj.Name("PendingRetires").Int(p.queue.Pending())

	slotsArr := obj.Name("Slots").Array()
	for slotIndex := range p.slots {
		s := &p.slots[slotIndex]
		slotObj := slotsArr.Object()
		slotObj.Name("PendingMarker").Int(int(s.pending))

		names := [3]string{"UniformArena", "VertexArena", "StagingArena"}
		for classIndex, area := range s.arenas() {
			if area.arena == nil {
				continue
			}
			arenaObj := slotObj.Name(names[classIndex]).Object()
			arenaObj.Name("Offset").Int(area.arena.Offset())
			arenaObj.Name("Capacity").Int(area.arena.Capacity())
			arenaObj.Name("AllocationCount").Int(area.arena.AllocationCount())
			arenaObj.End()
		}
		slotObj.End()
	}
	slotsArr.End()

	obj.End()
	return string(writer.Bytes())
}
