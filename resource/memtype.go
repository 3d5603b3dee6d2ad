package resource

import (
	"math"
	"math/bits"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/volley/gpu"
)

// memoryPreferences derives the required, preferred, and not-preferred memory
// property flags for a usage hint. The most restrictive class satisfying the
// hint wins; FindMemoryTypeIndex falls back to a more permissive class only
// when the preferred one does not exist on the active device.
func memoryPreferences(hint UsageHint) (required, preferred, notPreferred gpu.MemoryPropertyFlags, err error) {
	switch hint {
	case UsageStatic:
		// Static geometry lives on the device; host access goes through staging.
		required = gpu.MemoryPropertyDeviceLocal
		notPreferred = gpu.MemoryPropertyHostVisible
	case UsageDynamic:
		// Frequently rewritten from the CPU every frame. Coherent memory skips
		// per-write flushes; device-local is welcome on UMA hardware. Coherence
		// is preferred rather than required so devices without a coherent
		// host-visible type fall back to an explicit-flush class.
		required = gpu.MemoryPropertyHostVisible
		preferred = gpu.MemoryPropertyHostCoherent | gpu.MemoryPropertyDeviceLocal
	case UsagePersistent:
		// Long-lived persistent mapping. Cached host memory keeps readback
		// cheap; coherence is preferred but Flush covers its absence.
		required = gpu.MemoryPropertyHostVisible
		preferred = gpu.MemoryPropertyHostCoherent | gpu.MemoryPropertyHostCached
	default:
		return 0, 0, 0, errors.Newf("unknown usage hint %s", hint)
	}

	return required, preferred, notPreferred, nil
}

// FindMemoryTypeIndex selects the memory type with every required flag and
// the lowest cost, counting one point per missing preferred flag and per
// present not-preferred flag. An exact match short-circuits.
func FindMemoryTypeIndex(
	memoryTypes []gpu.MemoryType,
	required, preferred, notPreferred gpu.MemoryPropertyFlags,
) (int, error) {
	bestIndex := -1
	minCost := math.MaxInt

	for typeIndex, memoryType := range memoryTypes {
		flags := memoryType.Properties
		if required&flags != required {
			// This memory type is missing required flags
			continue
		}

		missingPreferred := preferred & ^flags
		presentNotPreferred := notPreferred & flags
		cost := bits.OnesCount32(uint32(missingPreferred)) + bits.OnesCount32(uint32(presentNotPreferred))
		if cost == 0 {
			return typeIndex, nil
		} else if cost < minCost {
			bestIndex = typeIndex
			minCost = cost
		}
	}

	if bestIndex < 0 {
		return -1, errors.Newf("no device memory type satisfies required flags 0x%x", uint32(required))
	}

	return bestIndex, nil
}
