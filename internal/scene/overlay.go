package scene

import (
	"fmt"
	"time"
	"unsafe"

	"github.com/vulkan-go/vulkan"

	"github.com/hellhand/kube/internal/gpu"
	"github.com/hellhand/kube/internal/gpu/vk"
	"github.com/hellhand/kube/internal/memory"
	"github.com/hellhand/kube/internal/renderer"
)

const (
	overlayName        = "overlay"
	maxOverlayVertices = 6 * 1024
)

// Overlay draws the FPS counter in the top-left corner.
//
// Each swapchain image has its own slice of the vertex buffer and its own
// indirect draw command, so rewriting them never races the GPU.
type Overlay struct {
	dev       *vk.Device
	pools     *memory.Pools
	shaderDir string
	fps       fpsCounter

	pipelineLayout vulkan.PipelineLayout

	pipeline  vulkan.Pipeline
	vertices  vk.Buffer
	indirect  vk.Buffer
	extent    gpu.Extent2D
	lastCount uint32
}

// NewOverlay builds the HUD pipeline and buffers for the backend's current
// swapchain. The caller registers the result.
func NewOverlay(dev *vk.Device, b *renderer.Backend, shaderDir string) (*Overlay, error) {
	o := &Overlay{
		dev:       dev,
		pools:     b.Pools(),
		shaderDir: shaderDir,
	}
	var err error
	if o.pipelineLayout, err = createPipelineLayout(dev); err != nil {
		return nil, fmt.Errorf("overlay: %w", err)
	}
	if err := o.RecreateSwapchain(b.Swapchain()); err != nil {
		o.CleanupSwapchain()
		o.Release()
		return nil, err
	}
	return o, nil
}

func (o *Overlay) Name() string { return overlayName }

const (
	overlayVertexSize = vulkan.DeviceSize(unsafe.Sizeof(overlayVertex{}))
	overlaySliceSize  = overlayVertexSize * maxOverlayVertices
	indirectSize      = vulkan.DeviceSize(unsafe.Sizeof(drawIndirectCommand{}))
)

// drawIndirectCommand has the memory layout of VkDrawIndirectCommand.
type drawIndirectCommand struct {
	vertexCount   uint32
	instanceCount uint32
	firstVertex   uint32
	firstInstance uint32
}

func (o *Overlay) RecreateSwapchain(info renderer.SwapchainInfo) error {
	o.extent = info.Extent
	host := vulkan.MemoryPropertyHostVisibleBit | vulkan.MemoryPropertyHostCoherentBit
	images := vulkan.DeviceSize(info.ImageCount)

	var err error
	if o.vertices, err = o.dev.CreateBuffer(overlaySliceSize*images,
		vulkan.BufferUsageFlags(vulkan.BufferUsageVertexBufferBit), host); err != nil {
		return fmt.Errorf("create overlay vertex buffer: %w", err)
	}
	if o.indirect, err = o.dev.CreateBuffer(indirectSize*images,
		vulkan.BufferUsageFlags(vulkan.BufferUsageIndirectBufferBit), host); err != nil {
		return fmt.Errorf("create overlay indirect buffer: %w", err)
	}

	o.pipeline, err = buildPipeline(o.dev, o.shaderDir, pipelineDesc{
		name:       "overlay",
		vertShader: "overlay_vert.spv",
		fragShader: "overlay_frag.spv",
		stride:     uint32(overlayVertexSize),
		attributes: []vulkan.VertexInputAttributeDescription{
			{Location: 0, Binding: 0, Format: vulkan.FormatR32g32Sfloat, Offset: uint32(unsafe.Offsetof(overlayVertex{}.pos))},
			{Location: 1, Binding: 0, Format: vulkan.FormatR32g32b32Sfloat, Offset: uint32(unsafe.Offsetof(overlayVertex{}.color))},
		},
		cullMode:   vulkan.CullModeNone,
		layout:     o.pipelineLayout,
		renderPass: o.dev.RenderPass(info.RenderPass),
		extent:     info.Extent,
	})
	return err
}

func (o *Overlay) CleanupSwapchain() {
	destroyPipeline(o.dev, &o.pipeline)
	o.dev.DestroyBuffer(o.vertices)
	o.dev.DestroyBuffer(o.indirect)
	o.vertices, o.indirect = vk.Buffer{}, vk.Buffer{}
}

// Draw lays the FPS text out in frame scratch memory, uploads it into this
// image's slice and records an indirect draw.
func (o *Overlay) Draw(cb gpu.CommandBuffer, imageIndex uint32) error {
	scratch := memory.AllocSlice[overlayVertex](o.pools.Frame(), maxOverlayVertices)
	verts := layoutText(scratch, fpsText(o.fps.tick(time.Now())), hudStyle, o.extent)
	o.lastCount = uint32(len(verts))

	base := vulkan.DeviceSize(imageIndex)
	if err := o.dev.Upload(o.vertices.Memory, base*overlaySliceSize, asBytes(verts)); err != nil {
		return fmt.Errorf("upload overlay vertices: %w", err)
	}
	draw := []drawIndirectCommand{{vertexCount: o.lastCount, instanceCount: 1}}
	if err := o.dev.Upload(o.indirect.Memory, base*indirectSize, asBytes(draw)); err != nil {
		return fmt.Errorf("upload overlay draw: %w", err)
	}

	raw := o.dev.Commands(cb)
	vulkan.CmdBindPipeline(raw, vulkan.PipelineBindPointGraphics, o.pipeline)
	vulkan.CmdBindVertexBuffers(raw, 0, 1, []vulkan.Buffer{o.vertices.Buffer}, []vulkan.DeviceSize{base * overlaySliceSize})
	vulkan.CmdDrawIndirect(raw, o.indirect.Buffer, base*indirectSize, 1, uint32(indirectSize))
	return nil
}

func (o *Overlay) Release() {
	if o.pipelineLayout != vulkan.PipelineLayout(vulkan.NullHandle) {
		vulkan.DestroyPipelineLayout(o.dev.Raw(), o.pipelineLayout, nil)
		o.pipelineLayout = vulkan.PipelineLayout(vulkan.NullHandle)
	}
}
