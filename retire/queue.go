// Package retire implements marker-driven deferred destruction. Destroying a
// GPU resource while a submitted but unfinished command buffer still
// references it corrupts memory, so destructive work is tagged with the
// completion marker it must outlive and swept once the GPU proves that marker
// has passed.
package retire

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/volley/gpu"
	"github.com/vkngwrapper/volley/internal/utils"
)

type retired struct {
	destroy func()
	at      gpu.Marker
}

// Queue holds deletion closures until a completion marker proves no in-flight
// GPU work can still reference the resources they destroy.
//
// Closures must be independent of one another: Collect runs eligible closures
// in no particular order.
type Queue struct {
	mutex   utils.OptionalMutex
	pending []retired
}

// NewQueue creates a retirement queue. synchronized controls whether the queue
// guards itself with a mutex; pass false when one recording thread owns the
// queue exclusively.
func NewQueue(synchronized bool) *Queue {
	return &Queue{
		mutex: utils.OptionalMutex{UseMutex: synchronized},
	}
}

// Retire schedules destroy to run once the GPU has signaled a completion
// marker of at least at. The marker supplied should be the marker of the
// submission currently being built, or the last submitted marker if none is
// pending, so the resource survives through any in-flight work that might
// still touch it.
func (q *Queue) Retire(destroy func(), at gpu.Marker) error {
	if destroy == nil {
		return errors.New("attempted to retire a nil deletion closure")
	}

	q.mutex.Lock()
	defer q.mutex.Unlock()

	q.pending = append(q.pending, retired{destroy: destroy, at: at})
	return nil
}

// Collect runs and removes every pending closure whose marker is at or below
// completed. It returns the number of closures released.
func (q *Queue) Collect(completed gpu.Marker) int {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	released := 0
	for i := 0; i < len(q.pending); {
		if q.pending[i].at > completed {
			i++
			continue
		}

		q.pending[i].destroy()
		released++

		last := len(q.pending) - 1
		q.pending[i] = q.pending[last]
		q.pending[last] = retired{}
		q.pending = q.pending[:last]
	}

	return released
}

// Pending returns the number of closures still waiting on a marker.
func (q *Queue) Pending() int {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	return len(q.pending)
}

// Flush runs every pending closure regardless of marker. Only call this after
// the device is idle, during shutdown.
func (q *Queue) Flush() int {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	released := len(q.pending)
	for i := range q.pending {
		q.pending[i].destroy()
		q.pending[i] = retired{}
	}
	q.pending = q.pending[:0]

	return released
}
