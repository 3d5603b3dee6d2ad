// Package gputest provides in-memory doubles for the gpu interfaces. The
// timeline is advanced manually, which lets tests hold a completion marker
// back and prove that frame slots are not reused early.
package gputest

import (
	"sync"
	"time"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/volley/gpu"
)

// Device is a fake gpu.Device backed by host memory.
type Device struct {
	MemTypes      []gpu.MemoryType
	AtomSize      int
	DynamicStates gpu.DynamicStateFlags

	FakeTimeline *Timeline
	FakeQueue    *Queue

	Buffers   []*Buffer
	Targets   []*CommandTarget
	Pipelines []*Pipeline

	// PipelineFailure, when set, is returned from every NewPipeline call.
	PipelineFailure error
	// BufferMapErr, when set, makes Map fail on every buffer created afterward.
	BufferMapErr error
	// CompileCount counts NewPipeline calls that actually compiled.
	CompileCount int

	Blob       []byte
	BlobErr    error
	PrimedBlob []byte
}

var _ gpu.Device = (*Device)(nil)

// NewDevice builds a Device with a discrete-GPU-like memory layout:
// type 0 device-local, type 1 host-visible+coherent, type 2 host-visible+cached.
func NewDevice() *Device {
	timeline := NewTimeline()
	device := &Device{
		MemTypes: []gpu.MemoryType{
			{Properties: gpu.MemoryPropertyDeviceLocal, HeapIndex: 0},
			{Properties: gpu.MemoryPropertyHostVisible | gpu.MemoryPropertyHostCoherent, HeapIndex: 1},
			{Properties: gpu.MemoryPropertyHostVisible | gpu.MemoryPropertyHostCached, HeapIndex: 1},
		},
		AtomSize:     64,
		FakeTimeline: timeline,
	}
	device.FakeQueue = &Queue{timeline: timeline, AutoSignal: true}
	return device
}

func (d *Device) MemoryTypes() []gpu.MemoryType { return d.MemTypes }
func (d *Device) NonCoherentAtomSize() int      { return d.AtomSize }
func (d *Device) Timeline() gpu.Timeline        { return d.FakeTimeline }
func (d *Device) Queue() gpu.Queue              { return d.FakeQueue }

func (d *Device) SupportedDynamicStates() gpu.DynamicStateFlags {
	return d.DynamicStates
}

func (d *Device) NewBuffer(info gpu.BufferInfo) (gpu.Buffer, error) {
	if info.Size < 1 {
		return nil, errors.Newf("buffer size must be positive, but is %d", info.Size)
	}
	if info.MemoryTypeIndex < 0 || info.MemoryTypeIndex >= len(d.MemTypes) {
		return nil, errors.Newf("memory type index %d out of range", info.MemoryTypeIndex)
	}

	buffer := &Buffer{
		Info:    info,
		Backing: make([]byte, info.Size),
		Props:   d.MemTypes[info.MemoryTypeIndex].Properties,
		MapErr:  d.BufferMapErr,
	}
	d.Buffers = append(d.Buffers, buffer)
	return buffer, nil
}

func (d *Device) NewCommandTarget() (gpu.CommandTarget, error) {
	target := &CommandTarget{}
	d.Targets = append(d.Targets, target)
	return target, nil
}

func (d *Device) NewSemaphore() (gpu.Semaphore, error) {
	return &Semaphore{}, nil
}

func (d *Device) NewPipeline(info gpu.PipelineInfo) (gpu.Pipeline, error) {
	if d.PipelineFailure != nil {
		return nil, d.PipelineFailure
	}
	d.CompileCount++
	pipeline := &Pipeline{Info: info}
	d.Pipelines = append(d.Pipelines, pipeline)
	return pipeline, nil
}

func (d *Device) PipelineBlob() ([]byte, error) {
	return d.Blob, d.BlobErr
}

func (d *Device) PrimePipelineBlob(blob []byte) error {
	if d.BlobErr != nil {
		return d.BlobErr
	}
	d.PrimedBlob = blob
	return nil
}

// Timeline is a manually advanced completion counter. Wait blocks until
// Advance raises the completed value far enough or the timeout expires.
type Timeline struct {
	mutex     sync.Mutex
	cond      *sync.Cond
	completed gpu.Marker

	// WaitCalls counts Wait invocations; tests use it to assert the pipeline
	// actually blocked on slot reuse.
	WaitCalls int
}

var _ gpu.Timeline = (*Timeline)(nil)

func NewTimeline() *Timeline {
	timeline := &Timeline{}
	timeline.cond = sync.NewCond(&timeline.mutex)
	return timeline
}

// Advance signals completion of every marker up to and including value.
func (tl *Timeline) Advance(value gpu.Marker) {
	tl.mutex.Lock()
	defer tl.mutex.Unlock()

	if value > tl.completed {
		tl.completed = value
		tl.cond.Broadcast()
	}
}

func (tl *Timeline) Completed() (gpu.Marker, error) {
	tl.mutex.Lock()
	defer tl.mutex.Unlock()

	return tl.completed, nil
}

func (tl *Timeline) Wait(value gpu.Marker, timeout time.Duration) error {
	tl.mutex.Lock()
	tl.WaitCalls++
	tl.mutex.Unlock()

	deadline := time.Now().Add(timeout)

	// Wake waiters periodically so the timeout can expire even when nothing
	// ever advances the counter.
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	done := make(chan struct{})
	defer close(done)
	go func() {
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				tl.cond.Broadcast()
			}
		}
	}()

	tl.mutex.Lock()
	defer tl.mutex.Unlock()
	for tl.completed < value {
		if time.Now().After(deadline) {
			return errors.Newf("timed out waiting for completion marker %d (completed %d)", value, tl.completed)
		}
		tl.cond.Wait()
	}
	return nil
}

// Queue records submissions. With AutoSignal set it advances the timeline to
// each submission's signal marker immediately, simulating an infinitely fast
// GPU.
type Queue struct {
	timeline    *Timeline
	AutoSignal  bool
	Submissions []gpu.SubmitInfo
	SubmitErr   error
}

var _ gpu.Queue = (*Queue)(nil)

func (q *Queue) Submit(info gpu.SubmitInfo) error {
	if q.SubmitErr != nil {
		return q.SubmitErr
	}
	q.Submissions = append(q.Submissions, info)
	if q.AutoSignal {
		q.timeline.Advance(info.SignalMarker)
	}
	return nil
}

// Surface replays a scripted sequence of acquire/present states.
type Surface struct {
	AcquireStates []gpu.SurfaceState
	PresentStates []gpu.SurfaceState
	AcquireErr    error

	Acquires int
	Presents int
}

var _ gpu.Surface = (*Surface)(nil)

func (s *Surface) Acquire(signal gpu.Semaphore, timeout time.Duration) (int, gpu.SurfaceState, error) {
	if s.AcquireErr != nil {
		return 0, gpu.SurfaceOK, s.AcquireErr
	}
	state := gpu.SurfaceOK
	if s.Acquires < len(s.AcquireStates) {
		state = s.AcquireStates[s.Acquires]
	}
	index := s.Acquires
	s.Acquires++
	return index, state, nil
}

func (s *Surface) Present(wait gpu.Semaphore, imageIndex int) (gpu.SurfaceState, error) {
	state := gpu.SurfaceOK
	if s.Presents < len(s.PresentStates) {
		state = s.PresentStates[s.Presents]
	}
	s.Presents++
	return state, nil
}

// Buffer is host memory masquerading as a GPU buffer.
type Buffer struct {
	Info    gpu.BufferInfo
	Backing []byte
	Props   gpu.MemoryPropertyFlags

	MapErr    error
	Mapped    bool
	Unmaps    int
	Destroyed bool
	Flushes   [][2]int
}

var _ gpu.Buffer = (*Buffer)(nil)

func (b *Buffer) Size() int { return b.Info.Size }

func (b *Buffer) Map() (unsafe.Pointer, error) {
	if b.Destroyed {
		return nil, errors.New("map of destroyed buffer")
	}
	if b.MapErr != nil {
		return nil, b.MapErr
	}
	if b.Props&gpu.MemoryPropertyHostVisible == 0 {
		return nil, errors.New("buffer memory is not host-visible")
	}
	b.Mapped = true
	return unsafe.Pointer(&b.Backing[0]), nil
}

func (b *Buffer) Unmap() {
	b.Mapped = false
	b.Unmaps++
}

func (b *Buffer) Flush(offset, size int) error {
	if b.Destroyed {
		return errors.New("flush of destroyed buffer")
	}
	b.Flushes = append(b.Flushes, [2]int{offset, size})
	return nil
}

func (b *Buffer) Destroy() {
	b.Destroyed = true
}

// CommandTarget tracks recording state transitions.
type CommandTarget struct {
	Recording bool
	Begins    int
	Ends      int
	Resets    int
	Destroyed bool
}

var _ gpu.CommandTarget = (*CommandTarget)(nil)

func (c *CommandTarget) Begin() error {
	if c.Recording {
		return errors.New("Begin called on a command target already recording")
	}
	c.Recording = true
	c.Begins++
	return nil
}

func (c *CommandTarget) End() error {
	if !c.Recording {
		return errors.New("End called on a command target that is not recording")
	}
	c.Recording = false
	c.Ends++
	return nil
}

func (c *CommandTarget) Reset() error {
	c.Recording = false
	c.Resets++
	return nil
}

func (c *CommandTarget) Destroy() { c.Destroyed = true }

type Pipeline struct {
	Info      gpu.PipelineInfo
	Destroyed bool
}

var _ gpu.Pipeline = (*Pipeline)(nil)

func (p *Pipeline) Destroy() { p.Destroyed = true }

type Semaphore struct {
	Destroyed bool
}

var _ gpu.Semaphore = (*Semaphore)(nil)

func (s *Semaphore) Destroy() { s.Destroyed = true }
