package pso

import (
	"github.com/vkngwrapper/volley/gpu"
)

// MaxColorAttachments bounds the number of simultaneous color targets a
// StateKey can describe.
const MaxColorAttachments = 8

// StateKey identifies one compiled pipeline state object. Two draws that
// require structurally different pipeline state must produce different keys;
// two draws that can legally share a compiled pipeline must produce equal
// keys.
//
// One exception is carved into equality and hashing: when the shader fetches
// vertex data programmatically rather than through fixed vertex-attribute
// binding, VertexLayoutHash is excluded from comparison, because such shaders
// are layout-independent. That exclusion is an explicit branch in Equal and
// Hash, not a separate key kind.
type StateKey struct {
	// ShaderID identifies the compiled shader program.
	ShaderID uint64
	// VariantMask selects a compile-time shader variant.
	VariantMask uint32

	ColorFormats         [MaxColorAttachments]gpu.Format
	ColorAttachmentCount uint8
	DepthFormat          gpu.Format
	Samples              gpu.SampleCount
	Blend                gpu.BlendMode

	VertexLayoutHash        uint64
	ProgrammaticVertexFetch bool
}

const (
	fnvOffsetBasis uint64 = 0xcbf29ce484222325
	fnvPrime       uint64 = 0x100000001b3
)

func fnvMix(hash, value uint64) uint64 {
	for i := 0; i < 8; i++ {
		hash ^= value & 0xff
		hash *= fnvPrime
		value >>= 8
	}
	return hash
}

// Hash returns a 64-bit FNV-1a digest of the key's structural fields.
func (k StateKey) Hash() uint64 {
	hash := fnvOffsetBasis
	hash = fnvMix(hash, k.ShaderID)
	hash = fnvMix(hash, uint64(k.VariantMask))
	for i := uint8(0); i < k.ColorAttachmentCount; i++ {
		hash = fnvMix(hash, uint64(k.ColorFormats[i]))
	}
	hash = fnvMix(hash, uint64(k.ColorAttachmentCount))
	hash = fnvMix(hash, uint64(k.DepthFormat))
	hash = fnvMix(hash, uint64(k.Samples))
	hash = fnvMix(hash, uint64(k.Blend))

	if k.ProgrammaticVertexFetch {
		// Layout-independent shader: the vertex layout must not perturb the
		// hash, or equal keys would land in different buckets.
		hash = fnvMix(hash, 1)
	} else {
		hash = fnvMix(hash, k.VertexLayoutHash)
	}

	return hash
}

// Equal reports whether two keys map to the same compiled pipeline.
func (k StateKey) Equal(other StateKey) bool {
	if k.ShaderID != other.ShaderID ||
		k.VariantMask != other.VariantMask ||
		k.ColorAttachmentCount != other.ColorAttachmentCount ||
		k.DepthFormat != other.DepthFormat ||
		k.Samples != other.Samples ||
		k.Blend != other.Blend ||
		k.ProgrammaticVertexFetch != other.ProgrammaticVertexFetch {
		return false
	}

	for i := uint8(0); i < k.ColorAttachmentCount; i++ {
		if k.ColorFormats[i] != other.ColorFormats[i] {
			return false
		}
	}

	if !k.ProgrammaticVertexFetch && k.VertexLayoutHash != other.VertexLayoutHash {
		return false
	}

	return true
}

// VertexAttribute is one attribute within a vertex binding.
type VertexAttribute struct {
	Location int
	Format   gpu.Format
	Offset   int
}

// VertexBinding is one vertex buffer binding in a layout description.
type VertexBinding struct {
	Stride      int
	PerInstance bool
	// Divisor is the instance rate divisor; 0 is treated as 1.
	Divisor    int
	Attributes []VertexAttribute
}

// VertexLayout describes how fixed-function vertex fetch reads buffer memory.
type VertexLayout struct {
	Bindings []VertexBinding
}

// Hash digests the layout for use as StateKey.VertexLayoutHash.
func (l *VertexLayout) Hash() uint64 {
	hash := fnvOffsetBasis
	for _, binding := range l.Bindings {
		hash = fnvMix(hash, uint64(binding.Stride))
		if binding.PerInstance {
			hash = fnvMix(hash, uint64(binding.Divisor)<<1|1)
		} else {
			hash = fnvMix(hash, 0)
		}
		for _, attr := range binding.Attributes {
			hash = fnvMix(hash, uint64(attr.Location))
			hash = fnvMix(hash, uint64(attr.Format))
			hash = fnvMix(hash, uint64(attr.Offset))
		}
	}
	return hash
}
