// Package scene holds the subsystems drawn by the demo: a textured cube and
// an FPS overlay. Each one registers with the renderer backend once and
// rebuilds its swapchain-sized state from the recreate hook.
package scene

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/vulkan-go/vulkan"

	"github.com/hellhand/kube/internal/gpu"
	"github.com/hellhand/kube/internal/gpu/vk"
)

// pipelineDesc is everything that differs between the scene pipelines.
type pipelineDesc struct {
	name       string
	vertShader string
	fragShader string
	stride     uint32
	attributes []vulkan.VertexInputAttributeDescription
	cullMode   vulkan.CullModeFlagBits
	layout     vulkan.PipelineLayout
	renderPass vulkan.RenderPass
	extent     gpu.Extent2D
}

func loadShader(dev *vk.Device, dir, name string) (vulkan.ShaderModule, error) {
	code, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		return vulkan.ShaderModule(vulkan.NullHandle), fmt.Errorf("read shader: %w", err)
	}
	return dev.CreateShaderModule(code)
}

// buildPipeline creates a triangle-list pipeline with a fixed viewport
// covering desc.extent.
func buildPipeline(dev *vk.Device, shaderDir string, desc pipelineDesc) (vulkan.Pipeline, error) {
	device := dev.Raw()
	vertModule, err := loadShader(dev, shaderDir, desc.vertShader)
	if err != nil {
		return vulkan.Pipeline(vulkan.NullHandle), fmt.Errorf("%s vertex shader: %w", desc.name, err)
	}
	defer vulkan.DestroyShaderModule(device, vertModule, nil)
	fragModule, err := loadShader(dev, shaderDir, desc.fragShader)
	if err != nil {
		return vulkan.Pipeline(vulkan.NullHandle), fmt.Errorf("%s fragment shader: %w", desc.name, err)
	}
	defer vulkan.DestroyShaderModule(device, fragModule, nil)

	mainName := "main\x00"
	shaderStages := []vulkan.PipelineShaderStageCreateInfo{
		{
			SType:  vulkan.StructureTypePipelineShaderStageCreateInfo,
			Stage:  vulkan.ShaderStageVertexBit,
			Module: vertModule,
			PName:  mainName,
		},
		{
			SType:  vulkan.StructureTypePipelineShaderStageCreateInfo,
			Stage:  vulkan.ShaderStageFragmentBit,
			Module: fragModule,
			PName:  mainName,
		},
	}

	bindingDescription := vulkan.VertexInputBindingDescription{
		Binding:   0,
		Stride:    desc.stride,
		InputRate: vulkan.VertexInputRateVertex,
	}
	vertexInput := vulkan.PipelineVertexInputStateCreateInfo{
		SType:                           vulkan.StructureTypePipelineVertexInputStateCreateInfo,
		VertexBindingDescriptionCount:   1,
		PVertexBindingDescriptions:      []vulkan.VertexInputBindingDescription{bindingDescription},
		VertexAttributeDescriptionCount: uint32(len(desc.attributes)),
		PVertexAttributeDescriptions:    desc.attributes,
	}
	inputAssembly := vulkan.PipelineInputAssemblyStateCreateInfo{
		SType:                  vulkan.StructureTypePipelineInputAssemblyStateCreateInfo,
		Topology:               vulkan.PrimitiveTopologyTriangleList,
		PrimitiveRestartEnable: vulkan.False,
	}

	viewport := vulkan.Viewport{
		Width:    float32(desc.extent.Width),
		Height:   float32(desc.extent.Height),
		MinDepth: 0,
		MaxDepth: 1,
	}
	scissor := vulkan.Rect2D{
		Offset: vulkan.Offset2D{X: 0, Y: 0},
		Extent: vulkan.Extent2D{Width: desc.extent.Width, Height: desc.extent.Height},
	}
	viewportState := vulkan.PipelineViewportStateCreateInfo{
		SType:         vulkan.StructureTypePipelineViewportStateCreateInfo,
		ViewportCount: 1,
		PViewports:    []vulkan.Viewport{viewport},
		ScissorCount:  1,
		PScissors:     []vulkan.Rect2D{scissor},
	}

	rasterizer := vulkan.PipelineRasterizationStateCreateInfo{
		SType:                   vulkan.StructureTypePipelineRasterizationStateCreateInfo,
		DepthClampEnable:        vulkan.False,
		RasterizerDiscardEnable: vulkan.False,
		PolygonMode:             vulkan.PolygonModeFill,
		LineWidth:               1.0,
		CullMode:                vulkan.CullModeFlags(desc.cullMode),
		FrontFace:               vulkan.FrontFaceCounterClockwise,
		DepthBiasEnable:         vulkan.False,
	}
	multisampling := vulkan.PipelineMultisampleStateCreateInfo{
		SType:                vulkan.StructureTypePipelineMultisampleStateCreateInfo,
		RasterizationSamples: vulkan.SampleCount1Bit,
	}
	colorBlendAttachment := vulkan.PipelineColorBlendAttachmentState{
		ColorWriteMask: vulkan.ColorComponentFlags(vulkan.ColorComponentRBit | vulkan.ColorComponentGBit | vulkan.ColorComponentBBit | vulkan.ColorComponentABit),
		BlendEnable:    vulkan.False,
	}
	colorBlending := vulkan.PipelineColorBlendStateCreateInfo{
		SType:           vulkan.StructureTypePipelineColorBlendStateCreateInfo,
		AttachmentCount: 1,
		PAttachments:    []vulkan.PipelineColorBlendAttachmentState{colorBlendAttachment},
	}

	pipelineInfo := vulkan.GraphicsPipelineCreateInfo{
		SType:               vulkan.StructureTypeGraphicsPipelineCreateInfo,
		StageCount:          uint32(len(shaderStages)),
		PStages:             shaderStages,
		PVertexInputState:   &vertexInput,
		PInputAssemblyState: &inputAssembly,
		PViewportState:      &viewportState,
		PRasterizationState: &rasterizer,
		PMultisampleState:   &multisampling,
		PColorBlendState:    &colorBlending,
		Layout:              desc.layout,
		RenderPass:          desc.renderPass,
		Subpass:             0,
	}

	pipelines := make([]vulkan.Pipeline, 1)
	if res := vulkan.CreateGraphicsPipelines(device, vulkan.PipelineCache(vulkan.NullHandle), 1, []vulkan.GraphicsPipelineCreateInfo{pipelineInfo}, nil, pipelines); res != vulkan.Success {
		return vulkan.Pipeline(vulkan.NullHandle), fmt.Errorf("create %s pipeline: %w", desc.name, vulkan.Error(res))
	}
	return pipelines[0], nil
}

func createPipelineLayout(dev *vk.Device, setLayouts ...vulkan.DescriptorSetLayout) (vulkan.PipelineLayout, error) {
	layoutInfo := vulkan.PipelineLayoutCreateInfo{
		SType:          vulkan.StructureTypePipelineLayoutCreateInfo,
		SetLayoutCount: uint32(len(setLayouts)),
		PSetLayouts:    setLayouts,
	}
	var layout vulkan.PipelineLayout
	if res := vulkan.CreatePipelineLayout(dev.Raw(), &layoutInfo, nil, &layout); res != vulkan.Success {
		return vulkan.PipelineLayout(vulkan.NullHandle), fmt.Errorf("create pipeline layout: %w", vulkan.Error(res))
	}
	return layout, nil
}

func destroyPipeline(dev *vk.Device, p *vulkan.Pipeline) {
	if *p != vulkan.Pipeline(vulkan.NullHandle) {
		vulkan.DestroyPipeline(dev.Raw(), *p, nil)
		*p = vulkan.Pipeline(vulkan.NullHandle)
	}
}

// alignUp rounds n up to a multiple of align. Zero align leaves n unchanged.
func alignUp(n, align vulkan.DeviceSize) vulkan.DeviceSize {
	if align == 0 {
		return n
	}
	return (n + align - 1) / align * align
}
