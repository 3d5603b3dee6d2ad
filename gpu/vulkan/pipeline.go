package vulkan

import (
	"encoding/binary"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/core/v2/core1_3"
	"github.com/vkngwrapper/core/v2/driver"
	"github.com/vkngwrapper/volley/gpu"
)

// Pipeline implements gpu.Pipeline over a compiled Vulkan graphics pipeline.
type Pipeline struct {
	pipeline  core1_0.Pipeline
	callbacks *driver.AllocationCallbacks
}

var _ gpu.Pipeline = (*Pipeline)(nil)

// VulkanPipeline exposes the underlying handle for command recording.
func (p *Pipeline) VulkanPipeline() core1_0.Pipeline { return p.pipeline }

func (p *Pipeline) Destroy() {
	p.pipeline.Destroy(p.callbacks)
}

// NewPipeline compiles a graphics pipeline using dynamic rendering, so no
// render pass object is involved; attachment formats come from info directly.
// Requires a Vulkan 1.3 device.
func (d *Device) NewPipeline(info gpu.PipelineInfo) (gpu.Pipeline, error) {
	if d.device13 == nil {
		return nil, errors.New("pipeline compilation requires a Vulkan 1.3 device for dynamic rendering")
	}
	if len(info.Stages) == 0 {
		return nil, errors.New("pipeline requires at least one shader stage")
	}

	stages := make([]core1_0.PipelineShaderStageCreateInfo, 0, len(info.Stages))
	modules := make([]core1_0.ShaderModule, 0, len(info.Stages))
	destroyModules := func() {
		for _, module := range modules {
			module.Destroy(d.callbacks)
		}
	}

	for _, stage := range info.Stages {
		code, err := shaderWords(stage.Code)
		if err != nil {
			destroyModules()
			return nil, err
		}
		module, _, err := d.device.CreateShaderModule(d.callbacks, core1_0.ShaderModuleCreateInfo{
			Code: code,
		})
		if err != nil {
			destroyModules()
			return nil, errors.Wrap(err, "creating shader module")
		}
		modules = append(modules, module)

		entryPoint := stage.EntryPoint
		if entryPoint == "" {
			entryPoint = "main"
		}
		stages = append(stages, core1_0.PipelineShaderStageCreateInfo{
			Stage:  shaderStageToVulkan(stage.Stage),
			Module: module,
			Name:   entryPoint,
		})
	}

	colorFormats := make([]core1_0.Format, len(info.ColorFormats))
	for i, format := range info.ColorFormats {
		colorFormats[i] = core1_0.Format(format)
	}

	blendAttachments := make([]core1_0.PipelineColorBlendAttachmentState, len(info.ColorFormats))
	for i := range blendAttachments {
		blendAttachments[i] = blendAttachmentState(info.Blend)
	}

	dynamicStates := []core1_0.DynamicState{
		core1_0.DynamicStateViewport,
		core1_0.DynamicStateScissor,
	}
	dynamicStates = append(dynamicStates, promotedDynamicStates(info.DynamicStates)...)

	createInfo := core1_0.GraphicsPipelineCreateInfo{
		Stages: stages,
		VertexInputState: &core1_0.PipelineVertexInputStateCreateInfo{
			VertexBindingDescriptions:   vertexBindingsToVulkan(info.VertexBindings),
			VertexAttributeDescriptions: vertexAttributesToVulkan(info.VertexAttributes),
		},
		InputAssemblyState: &core1_0.PipelineInputAssemblyStateCreateInfo{
			Topology: core1_0.PrimitiveTopologyTriangleList,
		},
		ViewportState: &core1_0.PipelineViewportStateCreateInfo{
			Viewports: make([]core1_0.Viewport, 1),
			Scissors:  make([]core1_0.Rect2D, 1),
		},
		RasterizationState: &core1_0.PipelineRasterizationStateCreateInfo{
			PolygonMode: core1_0.PolygonModeFill,
			CullMode:    cullModeToVulkan(info.Baked.Cull),
			FrontFace:   core1_0.FrontFaceCounterClockwise,
			LineWidth:   1,
		},
		MultisampleState: &core1_0.PipelineMultisampleStateCreateInfo{
			RasterizationSamples: core1_0.SampleCountFlags(info.Samples),
			MinSampleShading:     1,
		},
		DepthStencilState: &core1_0.PipelineDepthStencilStateCreateInfo{
			DepthTestEnable:  info.Baked.DepthTest,
			DepthWriteEnable: info.Baked.DepthWrite,
			DepthCompareOp:   compareOpToVulkan(info.Baked.DepthCompare),
		},
		ColorBlendState: &core1_0.PipelineColorBlendStateCreateInfo{
			Attachments: blendAttachments,
		},
		DynamicState: &core1_0.PipelineDynamicStateCreateInfo{
			DynamicStates: dynamicStates,
		},
		Layout: d.pipelineLayout,
		NextOptions: common.NextOptions{
			Next: core1_3.PipelineRenderingCreateInfo{
				ColorAttachmentFormats: colorFormats,
				DepthAttachmentFormat:  core1_0.Format(info.DepthFormat),
			},
		},
	}

	pipelines, _, err := d.device.CreateGraphicsPipelines(d.pipelineCache, d.callbacks, []core1_0.GraphicsPipelineCreateInfo{createInfo})
	destroyModules()
	if err != nil {
		return nil, errors.Wrap(err, "compiling graphics pipeline")
	}

	return &Pipeline{pipeline: pipelines[0], callbacks: d.callbacks}, nil
}

// shaderWords reinterprets SPIR-V bytes as the 32-bit words vkngwrapper
// expects. SPIR-V is little-endian on disk.
func shaderWords(code []byte) ([]uint32, error) {
	if len(code) == 0 || len(code)%4 != 0 {
		return nil, errors.Newf("shader code length %d is not a positive multiple of 4", len(code))
	}
	words := make([]uint32, len(code)/4)
	for i := range words {
		words[i] = binary.LittleEndian.Uint32(code[i*4:])
	}
	return words, nil
}

func shaderStageToVulkan(stage gpu.ShaderStageFlags) core1_0.ShaderStageFlags {
	var out core1_0.ShaderStageFlags
	if stage&gpu.ShaderStageVertex != 0 {
		out |= core1_0.StageVertex
	}
	if stage&gpu.ShaderStageFragment != 0 {
		out |= core1_0.StageFragment
	}
	return out
}

func cullModeToVulkan(mode gpu.CullMode) core1_0.CullModeFlags {
	switch mode {
	case gpu.CullBack:
		return core1_0.CullModeBack
	case gpu.CullFront:
		return core1_0.CullModeFront
	default:
		return core1_0.CullModeNone
	}
}

func compareOpToVulkan(op gpu.CompareOp) core1_0.CompareOp {
	switch op {
	case gpu.CompareLess:
		return core1_0.CompareOpLess
	case gpu.CompareGreater:
		return core1_0.CompareOpGreater
	case gpu.CompareGreaterOrEqual:
		return core1_0.CompareOpGreaterOrEqual
	case gpu.CompareEqual:
		return core1_0.CompareOpEqual
	case gpu.CompareAlways:
		return core1_0.CompareOpAlways
	default:
		return core1_0.CompareOpLessOrEqual
	}
}

var allColorComponents = core1_0.ColorComponentRed | core1_0.ColorComponentGreen |
	core1_0.ColorComponentBlue | core1_0.ColorComponentAlpha

func blendAttachmentState(mode gpu.BlendMode) core1_0.PipelineColorBlendAttachmentState {
	state := core1_0.PipelineColorBlendAttachmentState{
		ColorWriteMask: allColorComponents,
		ColorBlendOp:   core1_0.BlendOpAdd,
		AlphaBlendOp:   core1_0.BlendOpAdd,
	}
	switch mode {
	case gpu.BlendAlpha:
		state.BlendEnabled = true
		state.SrcColorBlendFactor = core1_0.BlendFactorSrcAlpha
		state.DstColorBlendFactor = core1_0.BlendFactorOneMinusSrcAlpha
		state.SrcAlphaBlendFactor = core1_0.BlendFactorOne
		state.DstAlphaBlendFactor = core1_0.BlendFactorOneMinusSrcAlpha
	case gpu.BlendAdditive:
		state.BlendEnabled = true
		state.SrcColorBlendFactor = core1_0.BlendFactorOne
		state.DstColorBlendFactor = core1_0.BlendFactorOne
		state.SrcAlphaBlendFactor = core1_0.BlendFactorOne
		state.DstAlphaBlendFactor = core1_0.BlendFactorOne
	case gpu.BlendPremultiplied:
		state.BlendEnabled = true
		state.SrcColorBlendFactor = core1_0.BlendFactorOne
		state.DstColorBlendFactor = core1_0.BlendFactorOneMinusSrcAlpha
		state.SrcAlphaBlendFactor = core1_0.BlendFactorOne
		state.DstAlphaBlendFactor = core1_0.BlendFactorOneMinusSrcAlpha
	}
	return state
}

func promotedDynamicStates(flags gpu.DynamicStateFlags) []core1_0.DynamicState {
	var out []core1_0.DynamicState
	if flags&gpu.DynamicStateCullMode != 0 {
		out = append(out, core1_3.DynamicStateCullMode)
	}
	if flags&gpu.DynamicStateFrontFace != 0 {
		out = append(out, core1_3.DynamicStateFrontFace)
	}
	if flags&gpu.DynamicStateDepthTest != 0 {
		out = append(out, core1_3.DynamicStateDepthTestEnable)
	}
	if flags&gpu.DynamicStateDepthWrite != 0 {
		out = append(out, core1_3.DynamicStateDepthWriteEnable)
	}
	if flags&gpu.DynamicStateDepthCompare != 0 {
		out = append(out, core1_3.DynamicStateDepthCompareOp)
	}
	if flags&gpu.DynamicStatePrimitiveTopology != 0 {
		out = append(out, core1_3.DynamicStatePrimitiveTopology)
	}
	return out
}

func vertexBindingsToVulkan(bindings []gpu.VertexBinding) []core1_0.VertexInputBindingDescription {
	out := make([]core1_0.VertexInputBindingDescription, len(bindings))
	for i, binding := range bindings {
		rate := core1_0.VertexInputRateVertex
		if binding.PerInstance {
			rate = core1_0.VertexInputRateInstance
		}
		out[i] = core1_0.VertexInputBindingDescription{
			Binding:   binding.Binding,
			Stride:    binding.Stride,
			InputRate: rate,
		}
	}
	return out
}

func vertexAttributesToVulkan(attributes []gpu.VertexAttribute) []core1_0.VertexInputAttributeDescription {
	out := make([]core1_0.VertexInputAttributeDescription, len(attributes))
	for i, attribute := range attributes {
		out[i] = core1_0.VertexInputAttributeDescription{
			Location: uint32(attribute.Location),
			Binding:  attribute.Binding,
			Format:   core1_0.Format(attribute.Format),
			Offset:   attribute.Offset,
		}
	}
	return out
}
