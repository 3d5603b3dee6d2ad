package gpu

// BlendMode is the color blend configuration for every color attachment.
type BlendMode uint32

const (
	BlendNone BlendMode = iota
	BlendAlpha
	BlendAdditive
	BlendPremultiplied
)

var blendModeMapping = map[BlendMode]string{
	BlendNone:          "BlendNone",
	BlendAlpha:         "BlendAlpha",
	BlendAdditive:      "BlendAdditive",
	BlendPremultiplied: "BlendPremultiplied",
}

func (m BlendMode) String() string {
	return blendModeMapping[m]
}

type CullMode uint32

const (
	CullNone CullMode = iota
	CullBack
	CullFront
)

type CompareOp uint32

const (
	CompareLessOrEqual CompareOp = iota
	CompareLess
	CompareGreater
	CompareGreaterOrEqual
	CompareEqual
	CompareAlways
)

// VertexBinding describes one vertex buffer binding synthesized from a
// vertex-layout description.
type VertexBinding struct {
	Binding     int
	Stride      int
	PerInstance bool
	// Divisor is the instance rate divisor. Only meaningful when PerInstance
	// is set; a value of 0 is treated as 1.
	Divisor int
}

// VertexAttribute describes one vertex attribute within a binding.
type VertexAttribute struct {
	Location int
	Binding  int
	Format   Format
	Offset   int
}

// BakedState carries the fixed-function axes that must be compiled into the
// pipeline object. Axes listed in PipelineInfo.DynamicStates are set at
// recording time instead, and the device binding ignores the corresponding
// fields here.
type BakedState struct {
	Cull         CullMode
	DepthTest    bool
	DepthWrite   bool
	DepthCompare CompareOp
}

// PipelineInfo is the full description handed to Device.NewPipeline.
type PipelineInfo struct {
	Stages []ShaderStage

	// VertexBindings and VertexAttributes are empty for shaders that fetch
	// vertex data programmatically.
	VertexBindings   []VertexBinding
	VertexAttributes []VertexAttribute

	ColorFormats []Format
	DepthFormat  Format
	Samples      SampleCount
	Blend        BlendMode

	Baked BakedState
	// DynamicStates lists the axes left runtime-mutable. Must be a subset of
	// Device.SupportedDynamicStates.
	DynamicStates DynamicStateFlags
}
