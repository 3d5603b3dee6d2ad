package frameutils

import "github.com/pkg/errors"

// PowerOfTwoError is the error returned from CheckPow2 or other methods if the number being tested is not a power of two
var PowerOfTwoError error = errors.New("number must be a power of two")

// ErrArenaFull is returned when a ring arena cannot satisfy an allocation without
// exceeding its capacity. Arenas shared with in-flight GPU work must fail loudly
// rather than wrap, because wrapping can alias memory the GPU has not finished
// consuming.
var ErrArenaFull error = errors.New("ring arena capacity exceeded")

// ErrNotRecording is returned from operations that are only valid between
// Pipeline.BeginFrame and Pipeline.EndFrame when no recording window is open.
var ErrNotRecording error = errors.New("no command recording window is open")

// ErrInvalidHandle is returned when a resource handle does not map to a live
// table slot.
var ErrInvalidHandle error = errors.New("handle does not reference a live resource")

// ErrNotMappable is returned when Map or Flush is requested for a buffer whose
// usage hint did not select host-visible memory.
var ErrNotMappable error = errors.New("buffer memory is not host-visible")
