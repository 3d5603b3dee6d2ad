// Package pso caches compiled pipeline state objects by structural key.
// Pipeline compilation is the most expensive device operation issued at
// draw-record time, so the cache must never compile twice for keys that can
// legally share one object, and must bake as little state as the device
// allows so that varying draw parameters do not multiply distinct objects.
package pso

import (
	"log/slog"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/vkngwrapper/volley/gpu"
	"github.com/vkngwrapper/volley/internal/utils"
)

// dynamicCandidates are the axes we prefer to leave runtime-mutable rather
// than baked, whenever the device supports promoting them.
const dynamicCandidates = gpu.DynamicStateCullMode |
	gpu.DynamicStateFrontFace |
	gpu.DynamicStateDepthTest |
	gpu.DynamicStateDepthWrite |
	gpu.DynamicStateDepthCompare |
	gpu.DynamicStateBlendEnable

// CacheFlags indicate specific cache behaviors to activate or deactivate
type CacheFlags int32

const (
	// CacheExternallySynchronized promises the cache is used from one thread
	// at a time, letting it skip its internal mutex. Workers recording into
	// independent command targets must otherwise share this cache safely.
	CacheExternallySynchronized CacheFlags = 1 << iota
)

// CreateOptions contains optional settings when creating a Cache
type CreateOptions struct {
	Flags CacheFlags

	// BlobPath, when set, locates the on-disk driver pipeline-cache blob
	// loaded by LoadBlob and written by SaveBlob. The blob is opaque and
	// driver-versioned; a missing or stale file is not an error.
	BlobPath string

	// Baked provides the fixed-function values compiled into pipelines for
	// every axis the device cannot promote to dynamic state.
	Baked gpu.BakedState
}

type cacheEntry struct {
	key      StateKey
	pipeline gpu.Pipeline
}

// Cache maps StateKey to compiled pipeline objects, compiling on miss.
type Cache struct {
	logger *slog.Logger
	device gpu.Device

	mutex   utils.OptionalMutex
	buckets *swiss.Map[uint64, []cacheEntry]
	count   int

	dynamicStates gpu.DynamicStateFlags
	baked         gpu.BakedState
	blobPath      string
}

// NewCache creates a pipeline cache for the provided device.
func NewCache(logger *slog.Logger, device gpu.Device, options CreateOptions) (*Cache, error) {
	if device == nil {
		return nil, errors.New("pso.NewCache requires a device")
	}

	return &Cache{
		logger:        logger,
		device:        device,
		mutex:         utils.OptionalMutex{UseMutex: options.Flags&CacheExternallySynchronized == 0},
		buckets:       swiss.NewMap[uint64, []cacheEntry](42),
		dynamicStates: device.SupportedDynamicStates() & dynamicCandidates,
		baked:         options.Baked,
		blobPath:      options.BlobPath,
	}, nil
}

// GetPipeline returns the compiled pipeline for key, compiling and inserting
// it on a miss. stages carries the compiled shader binaries; layout describes
// fixed-function vertex fetch and is ignored for programmatic-fetch keys.
//
// Compilation failure indicates a contract mismatch between the declared
// layout and the compiled shader and is not recoverable at render time.
func (c *Cache) GetPipeline(key StateKey, stages []gpu.ShaderStage, layout *VertexLayout) (gpu.Pipeline, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	hash := key.Hash()
	bucket, ok := c.buckets.Get(hash)
	if ok {
		for _, entry := range bucket {
			if entry.key.Equal(key) {
				return entry.pipeline, nil
			}
		}
	}

	pipeline, err := c.compile(key, stages, layout)
	if err != nil {
		return nil, err
	}

	c.buckets.Put(hash, append(bucket, cacheEntry{key: key, pipeline: pipeline}))
	c.count++

	if c.logger != nil {
		c.logger.Debug("pipeline compiled",
			slog.Uint64("shader", key.ShaderID),
			slog.String("blend", key.Blend.String()),
			slog.Int("cacheSize", c.count))
	}
	return pipeline, nil
}

func (c *Cache) compile(key StateKey, stages []gpu.ShaderStage, layout *VertexLayout) (gpu.Pipeline, error) {
	if len(stages) == 0 {
		return nil, errors.New("pipeline compilation requires at least one shader stage")
	}

	info := gpu.PipelineInfo{
		Stages:        stages,
		ColorFormats:  make([]gpu.Format, key.ColorAttachmentCount),
		DepthFormat:   key.DepthFormat,
		Samples:       key.Samples,
		Blend:         key.Blend,
		Baked:         c.baked,
		DynamicStates: c.dynamicStates,
	}
	copy(info.ColorFormats, key.ColorFormats[:key.ColorAttachmentCount])

	if !key.ProgrammaticVertexFetch {
		if layout == nil {
			return nil, errors.Newf("shader %d uses fixed vertex fetch but no vertex layout was provided", key.ShaderID)
		}
		info.VertexBindings, info.VertexAttributes = synthesizeVertexInput(layout)
	}

	pipeline, err := c.device.NewPipeline(info)
	if err != nil {
		return nil, errors.Wrapf(err, "compiling pipeline for shader %d variant 0x%x", key.ShaderID, key.VariantMask)
	}
	return pipeline, nil
}

// synthesizeVertexInput flattens a layout description into the binding and
// attribute lists the device consumes.
func synthesizeVertexInput(layout *VertexLayout) ([]gpu.VertexBinding, []gpu.VertexAttribute) {
	bindings := make([]gpu.VertexBinding, 0, len(layout.Bindings))
	var attributes []gpu.VertexAttribute

	for bindingIndex, binding := range layout.Bindings {
		divisor := binding.Divisor
		if binding.PerInstance && divisor == 0 {
			divisor = 1
		}
		bindings = append(bindings, gpu.VertexBinding{
			Binding:     bindingIndex,
			Stride:      binding.Stride,
			PerInstance: binding.PerInstance,
			Divisor:     divisor,
		})
		for _, attr := range binding.Attributes {
			attributes = append(attributes, gpu.VertexAttribute{
				Location: attr.Location,
				Binding:  bindingIndex,
				Format:   attr.Format,
				Offset:   attr.Offset,
			})
		}
	}

	return bindings, attributes
}

// Len returns the number of distinct compiled pipelines held by the cache.
func (c *Cache) Len() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	return c.count
}

// LoadBlob seeds the driver-level pipeline cache from the configured blob
// path. Load failures are not fatal: a missing, unreadable, or stale blob
// just means previously-seen keys recompile once.
func (c *Cache) LoadBlob() {
	if c.blobPath == "" {
		return
	}

	blob, err := os.ReadFile(c.blobPath)
	if err != nil {
		if c.logger != nil && !os.IsNotExist(err) {
			c.logger.Warn("failed to read pipeline cache blob, starting cold",
				slog.String("path", c.blobPath),
				slog.Any("error", err))
		}
		return
	}

	err = c.device.PrimePipelineBlob(blob)
	if err != nil && c.logger != nil {
		c.logger.Warn("driver rejected pipeline cache blob, starting cold",
			slog.String("path", c.blobPath),
			slog.Any("error", err))
	}
}

// SaveBlob serializes the driver-level pipeline cache to the configured blob
// path for the next run.
func (c *Cache) SaveBlob() error {
	if c.blobPath == "" {
		return nil
	}

	blob, err := c.device.PipelineBlob()
	if err != nil {
		return errors.Wrap(err, "serializing pipeline cache blob")
	}

	err = os.WriteFile(c.blobPath, blob, 0o644)
	if err != nil {
		return errors.Wrapf(err, "writing pipeline cache blob to %s", c.blobPath)
	}
	return nil
}

// Destroy destroys every cached pipeline. Callers must ensure no submitted
// work still references them, normally by waiting for device idle first.
func (c *Cache) Destroy() {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.buckets.Iter(func(hash uint64, bucket []cacheEntry) bool {
		for _, entry := range bucket {
			entry.pipeline.Destroy()
		}
		return false
	})
	c.buckets = swiss.NewMap[uint64, []cacheEntry](42)
	c.count = 0
}
