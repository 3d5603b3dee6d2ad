// Package resource owns GPU buffers on behalf of render call sites. Buffers
// are referenced by opaque handles into a dense slot table, so the table can
// grow, relocate, or retire backing storage without invalidating caller-held
// identifiers. Nothing here is destroyed synchronously: replaced and deleted
// backing blocks pass through a retire.Queue tagged with the caller-supplied
// safe marker.
package resource

import (
	"log/slog"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/volley/frameutils"
	"github.com/vkngwrapper/volley/gpu"
	"github.com/vkngwrapper/volley/internal/utils"
	"github.com/vkngwrapper/volley/retire"
)

// BufferType is the declared semantic type of a managed buffer.
type BufferType uint32

const (
	BufferVertex BufferType = iota
	BufferIndex
	BufferUniform
	BufferStorage
)

var bufferTypeMapping = map[BufferType]string{
	BufferVertex:  "BufferVertex",
	BufferIndex:   "BufferIndex",
	BufferUniform: "BufferUniform",
	BufferStorage: "BufferStorage",
}

func (t BufferType) String() string {
	return bufferTypeMapping[t]
}

func (t BufferType) usage() gpu.BufferUsage {
	switch t {
	case BufferVertex:
		return gpu.BufferUsageVertex | gpu.BufferUsageTransferDst
	case BufferIndex:
		return gpu.BufferUsageIndex | gpu.BufferUsageTransferDst
	case BufferUniform:
		return gpu.BufferUsageUniform
	case BufferStorage:
		return gpu.BufferUsageStorage | gpu.BufferUsageTransferDst
	}
	return 0
}

// UsageHint drives memory-type selection for a managed buffer.
type UsageHint uint32

const (
	// UsageStatic is written once (through staging) and read by the GPU many times.
	UsageStatic UsageHint = iota
	// UsageDynamic is rewritten from the CPU frequently, often per frame.
	UsageDynamic
	// UsagePersistent keeps a host pointer mapped for the buffer's whole lifetime.
	UsagePersistent
)

var usageHintMapping = map[UsageHint]string{
	UsageStatic:     "UsageStatic",
	UsageDynamic:    "UsageDynamic",
	UsagePersistent: "UsagePersistent",
}

func (h UsageHint) String() string {
	return usageHintMapping[h]
}

// Handle is an opaque identifier for a managed buffer. Handles remain valid
// across Ensure/Resize relocations and become invalid after Delete.
type Handle int32

// NilHandle never references a live buffer.
const NilHandle Handle = -1

// TableFlags indicate specific table behaviors to activate or deactivate
type TableFlags int32

const (
	// TableExternallySynchronized promises the table is used from one thread
	// at a time, letting it skip its internal mutex.
	TableExternallySynchronized TableFlags = 1 << iota
)

// CreateOptions contains optional settings when creating a Table
type CreateOptions struct {
	Flags TableFlags
}

type slot struct {
	live       bool
	bufferType BufferType
	hint       UsageHint

	buffer      gpu.Buffer
	size        int
	hostVisible bool
	coherent    bool
	mapped      unsafe.Pointer
}

// Table is an indexed table of GPU buffers with deferred deletion and
// persistent-mapping support.
type Table struct {
	logger *slog.Logger
	device gpu.Device
	queue  *retire.Queue

	mutex    utils.OptionalRWMutex
	slots    []slot
	freeList []int
}

// NewTable creates a buffer table. Retired backing blocks are pushed onto the
// provided queue; the render loop drains it once per frame via Collect.
func NewTable(logger *slog.Logger, device gpu.Device, queue *retire.Queue, options CreateOptions) (*Table, error) {
	if device == nil {
		return nil, errors.New("resource.NewTable requires a device")
	}
	if queue == nil {
		return nil, errors.New("resource.NewTable requires a retirement queue")
	}

	return &Table{
		logger: logger,
		device: device,
		queue:  queue,
		mutex:  utils.OptionalRWMutex{UseMutex: options.Flags&TableExternallySynchronized == 0},
	}, nil
}

// Create reserves a handle slot for a buffer of the given type and usage hint.
// The backing allocation is created lazily by the first Ensure or UpdateData.
func (t *Table) Create(bufferType BufferType, hint UsageHint) Handle {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	newSlot := slot{
		live:       true,
		bufferType: bufferType,
		hint:       hint,
	}

	if free := len(t.freeList); free > 0 {
		index := t.freeList[free-1]
		t.freeList = t.freeList[:free-1]
		t.slots[index] = newSlot
		return Handle(index)
	}

	t.slots = append(t.slots, newSlot)
	return Handle(len(t.slots) - 1)
}

func (t *Table) liveSlot(h Handle) (*slot, error) {
	if h < 0 || int(h) >= len(t.slots) || !t.slots[int(h)].live {
		return nil, errors.Wrapf(frameutils.ErrInvalidHandle, "handle %d", h)
	}
	return &t.slots[int(h)], nil
}

// Ensure guarantees the handle's backing buffer has at least minSize bytes of
// capacity and returns it. Growth allocates a new block, copies the old
// contents when both blocks are host-visible, and retires the old block at
// retireAt - it is never destroyed synchronously, because in-flight GPU work
// may still read it.
func (t *Table) Ensure(h Handle, minSize int, retireAt gpu.Marker) (gpu.Buffer, error) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	return t.ensureLocked(h, minSize, retireAt)
}

func (t *Table) ensureLocked(h Handle, minSize int, retireAt gpu.Marker) (gpu.Buffer, error) {
	s, err := t.liveSlot(h)
	if err != nil {
		return nil, err
	}
	if minSize < 1 {
		return nil, errors.Newf("minimum size must be positive, but is %d", minSize)
	}

	if s.buffer != nil && s.buffer.Size() >= minSize {
		if minSize > s.size {
			s.size = minSize
		}
		return s.buffer, nil
	}

	capacity := frameutils.NextPow2(minSize)

	required, preferred, notPreferred, err := memoryPreferences(s.hint)
	if err != nil {
		return nil, err
	}
	memoryTypes := t.device.MemoryTypes()
	typeIndex, err := FindMemoryTypeIndex(memoryTypes, required, preferred, notPreferred)
	if err != nil {
		return nil, errors.Wrapf(err, "selecting memory for %s/%s buffer", s.bufferType, s.hint)
	}
	flags := memoryTypes[typeIndex].Properties

	buffer, err := t.device.NewBuffer(gpu.BufferInfo{
		Size:            capacity,
		Usage:           s.bufferType.usage(),
		MemoryTypeIndex: typeIndex,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "allocating %d-byte %s buffer", capacity, s.bufferType)
	}

	hostVisible := flags&gpu.MemoryPropertyHostVisible != 0
	var mapped unsafe.Pointer
	if s.hint == UsagePersistent && hostVisible {
		mapped, err = buffer.Map()
		if err != nil {
			buffer.Destroy()
			return nil, errors.Wrapf(err, "persistently mapping %s buffer", s.bufferType)
		}
	}

	if s.buffer != nil {
		// Preserve contents across the relocation when both sides are host
		// visible. Device-local contents are rebuilt by the caller.
		if s.hostVisible && hostVisible && s.size > 0 {
			err = t.copyContents(s, buffer, mapped)
			if err != nil {
				buffer.Destroy()
				return nil, err
			}
		}

		old := s.buffer
		oldMapped := s.mapped != nil
		err = t.queue.Retire(func() {
			if oldMapped {
				old.Unmap()
			}
			old.Destroy()
		}, retireAt)
		if err != nil {
			buffer.Destroy()
			return nil, err
		}

		if t.logger != nil {
			t.logger.Debug("buffer grown",
				slog.Int("handle", int(h)),
				slog.Int("oldCapacity", s.buffer.Size()),
				slog.Int("newCapacity", capacity))
		}
	}

	s.buffer = buffer
	if minSize > s.size {
		s.size = minSize
	}
	s.hostVisible = hostVisible
	s.coherent = flags&gpu.MemoryPropertyHostCoherent != 0
	s.mapped = mapped

	return buffer, nil
}

func (t *Table) copyContents(s *slot, dst gpu.Buffer, dstMapped unsafe.Pointer) error {
	srcPtr := s.mapped
	if srcPtr == nil {
		ptr, err := s.buffer.Map()
		if err != nil {
			return errors.Wrap(err, "mapping old buffer for relocation copy")
		}
		srcPtr = ptr
		defer s.buffer.Unmap()
	}

	dstPtr := dstMapped
	if dstPtr == nil {
		ptr, err := dst.Map()
		if err != nil {
			return errors.Wrap(err, "mapping new buffer for relocation copy")
		}
		dstPtr = ptr
		defer dst.Unmap()
	}

	copy(unsafe.Slice((*byte)(dstPtr), s.size), unsafe.Slice((*byte)(srcPtr), s.size))
	return nil
}

// UpdateData writes data into the buffer at the byte offset, growing the
// backing allocation if needed. Only valid for host-visible usage hints;
// static geometry goes through the application's staging path instead.
func (t *Table) UpdateData(h Handle, offset int, data []byte, retireAt gpu.Marker) error {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if offset < 0 {
		return errors.Newf("offset must not be negative, but is %d", offset)
	}
	if len(data) == 0 {
		return nil
	}

	buffer, err := t.ensureLocked(h, offset+len(data), retireAt)
	if err != nil {
		return err
	}

	s := &t.slots[int(h)]
	if !s.hostVisible {
		return errors.Wrapf(frameutils.ErrNotMappable, "%s buffer handle %d", s.hint, h)
	}

	ptr := s.mapped
	transient := ptr == nil
	if transient {
		ptr, err = buffer.Map()
		if err != nil {
			return errors.Wrapf(err, "mapping buffer handle %d for update", h)
		}
	}

	copy(unsafe.Slice((*byte)(ptr), buffer.Size())[offset:], data)

	if !s.coherent {
		err = t.flushLocked(s, offset, len(data))
		if err != nil {
			return err
		}
	}
	if transient {
		buffer.Unmap()
	}

	return nil
}

// Map returns a host pointer to the buffer's memory. Only valid for
// host-visible usage hints; for UsagePersistent the pointer stays valid until
// the next relocation or Delete.
func (t *Table) Map(h Handle) (unsafe.Pointer, error) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	s, err := t.liveSlot(h)
	if err != nil {
		return nil, err
	}
	if s.buffer == nil {
		return nil, errors.Newf("handle %d has no backing buffer yet", h)
	}
	if !s.hostVisible {
		return nil, errors.Wrapf(frameutils.ErrNotMappable, "%s buffer handle %d", s.hint, h)
	}

	if s.mapped == nil {
		ptr, err := s.buffer.Map()
		if err != nil {
			return nil, err
		}
		s.mapped = ptr
	}
	return s.mapped, nil
}

// Flush makes host writes in [offset, offset+size) visible to the device. It
// no-ops for coherent memory; otherwise the range is widened to the device's
// non-coherent atom size.
func (t *Table) Flush(h Handle, offset, size int) error {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	s, err := t.liveSlot(h)
	if err != nil {
		return err
	}
	if !s.hostVisible {
		return errors.Wrapf(frameutils.ErrNotMappable, "%s buffer handle %d", s.hint, h)
	}
	if s.coherent {
		return nil
	}

	return t.flushLocked(s, offset, size)
}

func (t *Table) flushLocked(s *slot, offset, size int) error {
	atom := uint(t.device.NonCoherentAtomSize())
	start := frameutils.AlignDown(offset, atom)
	end := frameutils.AlignUp(offset+size, atom)
	if end > s.buffer.Size() {
		end = s.buffer.Size()
	}
	return s.buffer.Flush(start, end-start)
}

// Resize sets the buffer's logical size, growing the backing allocation when
// newSize exceeds the current capacity. Shrinking never releases memory.
func (t *Table) Resize(h Handle, newSize int, retireAt gpu.Marker) error {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	_, err := t.ensureLocked(h, newSize, retireAt)
	if err != nil {
		return err
	}

	t.slots[int(h)].size = newSize
	return nil
}

// Delete retires the handle's backing buffer at retireAt and recycles the
// slot index for future Create calls.
func (t *Table) Delete(h Handle, retireAt gpu.Marker) error {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	s, err := t.liveSlot(h)
	if err != nil {
		return err
	}

	if s.buffer != nil {
		buffer := s.buffer
		mapped := s.mapped != nil
		err = t.queue.Retire(func() {
			if mapped {
				buffer.Unmap()
			}
			buffer.Destroy()
		}, retireAt)
		if err != nil {
			return err
		}
	}

	*s = slot{}
	t.freeList = append(t.freeList, int(h))
	return nil
}

// Size returns the buffer's logical size in bytes.
func (t *Table) Size(h Handle) (int, error) {
	t.mutex.RLock()
	defer t.mutex.RUnlock()

	s, err := t.liveSlot(h)
	if err != nil {
		return 0, err
	}
	return s.size, nil
}

// Buffer returns the handle's current backing buffer, or nil if no Ensure has
// allocated one yet. The returned value may be replaced by a later Ensure;
// callers should not cache it across frames.
func (t *Table) Buffer(h Handle) (gpu.Buffer, error) {
	t.mutex.RLock()
	defer t.mutex.RUnlock()

	s, err := t.liveSlot(h)
	if err != nil {
		return nil, err
	}
	return s.buffer, nil
}

// Destroy retires every live buffer at retireAt. The table must not be used
// afterward.
func (t *Table) Destroy(retireAt gpu.Marker) error {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	for index := range t.slots {
		s := &t.slots[index]
		if !s.live {
			continue
		}
		if s.buffer != nil {
			buffer := s.buffer
			mapped := s.mapped != nil
			err := t.queue.Retire(func() {
				if mapped {
					buffer.Unmap()
				}
				buffer.Destroy()
			}, retireAt)
			if err != nil {
				return err
			}
		}
		*s = slot{}
	}
	t.slots = t.slots[:0]
	t.freeList = t.freeList[:0]
	return nil
}

// AddStatistics sums the table's buffer accounting into the provided statistics.
func (t *Table) AddStatistics(stats *frameutils.Statistics) {
	t.mutex.RLock()
	defer t.mutex.RUnlock()

	for index := range t.slots {
		s := &t.slots[index]
		if !s.live || s.buffer == nil {
			continue
		}
		stats.BlockCount++
		stats.BlockBytes += s.buffer.Size()
		stats.AllocationCount++
		stats.AllocationBytes += s.size
	}
}

// BuildStatsString builds a JSON string detailing the table's current state.
func (t *Table) BuildStatsString() string {
	t.mutex.RLock()
	defer t.mutex.RUnlock()

	writer := jwriter.NewWriter()
	obj := writer.Object()

	var stats frameutils.Statistics
	for index := range t.slots {
		s := &t.slots[index]
		if !s.live || s.buffer == nil {
			continue
		}
		stats.BlockCount++
		stats.BlockBytes += s.buffer.Size()
		stats.AllocationCount++
		stats.AllocationBytes += s.size
	}
	totals := obj.Name("Totals").Object()
	stats.PrintJson(totals)
	totals.End()

	buffers := obj.Name("Buffers").Array()
	for index := range t.slots {
		s := &t.slots[index]
		if !s.live {
			continue
		}
		entry := buffers.Object()
		entry.Name("Handle").Int(index)
		entry.Name("Type").String(s.bufferType.String())
		entry.Name("Hint").String(s.hint.String())
		entry.Name("Size").Int(s.size)
		capacity := 0
		if s.buffer != nil {
			capacity = s.buffer.Size()
		}
		entry.Name("Capacity").Int(capacity)
		entry.Name("Mapped").Bool(s.mapped != nil)
		entry.End()
	}
	buffers.End()

	obj.End()
	return string(writer.Bytes())
}
