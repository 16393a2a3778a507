package scene

import (
	"fmt"
	"log/slog"
	"time"
	"unsafe"

	mgl32 "github.com/go-gl/mathgl/mgl32"
	"github.com/vulkan-go/vulkan"

	"github.com/hellhand/kube/internal/gpu"
	"github.com/hellhand/kube/internal/gpu/vk"
	"github.com/hellhand/kube/internal/memory"
	"github.com/hellhand/kube/internal/renderer"
)

const meshName = "mesh"

// Mesh draws the spinning textured cube.
//
// Vertex and index buffers, the descriptor set and the pipeline layout live
// until Release. The uniform buffer holds one aligned slot per swapchain
// image and is rebuilt with the pipeline whenever the swapchain is.
type Mesh struct {
	dev       *vk.Device
	pools     *memory.Pools
	log       *slog.Logger
	shaderDir string
	start     time.Time
	spin      mgl32.Vec2

	vertexBuffer vk.Buffer
	indexBuffer  vk.Buffer
	indexCount   uint32

	setLayout      vulkan.DescriptorSetLayout
	descriptorPool vulkan.DescriptorPool
	descriptorSet  vulkan.DescriptorSet
	pipelineLayout vulkan.PipelineLayout

	// Swapchain-sized state.
	pipeline      vulkan.Pipeline
	uniforms      vk.Buffer
	uniformStride vulkan.DeviceSize
	offsets       []uint32 // per image, from the swapchain pool
	extent        gpu.Extent2D
}

// NewMesh uploads the cube, binds tex and builds the pipeline for the
// backend's current swapchain. It fails with ErrCapacity when the backend
// already holds Config.MaxMeshes meshes. The caller registers the result.
func NewMesh(dev *vk.Device, b *renderer.Backend, tex *Texture, shaderDir string, log *slog.Logger) (*Mesh, error) {
	if log == nil {
		log = renderer.NopLogger()
	}
	if err := checkCapacity(b.Registry(), meshName, b.Config().MaxMeshes); err != nil {
		return nil, err
	}
	m := &Mesh{
		dev:       dev,
		pools:     b.Pools(),
		log:       log,
		shaderDir: shaderDir,
		start:     time.Now(),
	}
	steps := []func() error{
		m.createGeometry,
		m.createDescriptorSetLayout,
		m.createDescriptorSet,
		func() error {
			var err error
			m.pipelineLayout, err = createPipelineLayout(dev, m.setLayout)
			return err
		},
	}
	for _, step := range steps {
		if err := step(); err != nil {
			m.Release()
			return nil, err
		}
	}
	m.bindTexture(tex)
	if err := m.RecreateSwapchain(b.Swapchain()); err != nil {
		m.CleanupSwapchain()
		m.Release()
		return nil, err
	}
	return m, nil
}

func (m *Mesh) Name() string { return meshName }

// SetSpin tilts the cube; x turns around Y and y around X, in radians.
func (m *Mesh) SetSpin(spin mgl32.Vec2) { m.spin = spin }

func (m *Mesh) createGeometry() error {
	verts, indices := cubeGeometry()
	host := vulkan.MemoryPropertyHostVisibleBit | vulkan.MemoryPropertyHostCoherentBit

	vb, err := m.dev.CreateBuffer(vulkan.DeviceSize(len(verts))*vulkan.DeviceSize(unsafe.Sizeof(vertex{})),
		vulkan.BufferUsageFlags(vulkan.BufferUsageVertexBufferBit), host)
	if err != nil {
		return fmt.Errorf("create vertex buffer: %w", err)
	}
	m.vertexBuffer = vb
	if err := m.dev.Upload(vb.Memory, 0, asBytes(verts)); err != nil {
		return fmt.Errorf("upload vertices: %w", err)
	}

	ib, err := m.dev.CreateBuffer(vulkan.DeviceSize(len(indices)*4),
		vulkan.BufferUsageFlags(vulkan.BufferUsageIndexBufferBit), host)
	if err != nil {
		return fmt.Errorf("create index buffer: %w", err)
	}
	m.indexBuffer = ib
	m.indexCount = uint32(len(indices))
	if err := m.dev.Upload(ib.Memory, 0, asBytes(indices)); err != nil {
		return fmt.Errorf("upload indices: %w", err)
	}
	return nil
}

func (m *Mesh) createDescriptorSetLayout() error {
	bindings := []vulkan.DescriptorSetLayoutBinding{
		{
			Binding:         0,
			DescriptorType:  vulkan.DescriptorTypeUniformBufferDynamic,
			DescriptorCount: 1,
			StageFlags:      vulkan.ShaderStageFlags(vulkan.ShaderStageVertexBit),
		},
		{
			Binding:         1,
			DescriptorType:  vulkan.DescriptorTypeCombinedImageSampler,
			DescriptorCount: 1,
			StageFlags:      vulkan.ShaderStageFlags(vulkan.ShaderStageFragmentBit),
		},
	}
	layoutInfo := vulkan.DescriptorSetLayoutCreateInfo{
		SType:        vulkan.StructureTypeDescriptorSetLayoutCreateInfo,
		BindingCount: uint32(len(bindings)),
		PBindings:    bindings,
	}
	if res := vulkan.CreateDescriptorSetLayout(m.dev.Raw(), &layoutInfo, nil, &m.setLayout); res != vulkan.Success {
		return fmt.Errorf("create descriptor set layout: %w", vulkan.Error(res))
	}
	return nil
}

func (m *Mesh) createDescriptorSet() error {
	poolSizes := []vulkan.DescriptorPoolSize{
		{Type: vulkan.DescriptorTypeUniformBufferDynamic, DescriptorCount: 1},
		{Type: vulkan.DescriptorTypeCombinedImageSampler, DescriptorCount: 1},
	}
	poolInfo := vulkan.DescriptorPoolCreateInfo{
		SType:         vulkan.StructureTypeDescriptorPoolCreateInfo,
		MaxSets:       1,
		PoolSizeCount: uint32(len(poolSizes)),
		PPoolSizes:    poolSizes,
	}
	if res := vulkan.CreateDescriptorPool(m.dev.Raw(), &poolInfo, nil, &m.descriptorPool); res != vulkan.Success {
		return fmt.Errorf("create descriptor pool: %w", vulkan.Error(res))
	}

	allocInfo := vulkan.DescriptorSetAllocateInfo{
		SType:              vulkan.StructureTypeDescriptorSetAllocateInfo,
		DescriptorPool:     m.descriptorPool,
		DescriptorSetCount: 1,
		PSetLayouts:        []vulkan.DescriptorSetLayout{m.setLayout},
	}
	if res := vulkan.AllocateDescriptorSets(m.dev.Raw(), &allocInfo, &m.descriptorSet); res != vulkan.Success {
		return fmt.Errorf("allocate descriptor set: %w", vulkan.Error(res))
	}
	return nil
}

func (m *Mesh) bindTexture(tex *Texture) {
	imageInfo := vulkan.DescriptorImageInfo{
		ImageLayout: vulkan.ImageLayoutShaderReadOnlyOptimal,
		ImageView:   tex.tex.View,
		Sampler:     tex.tex.Sampler,
	}
	write := vulkan.WriteDescriptorSet{
		SType:           vulkan.StructureTypeWriteDescriptorSet,
		DstSet:          m.descriptorSet,
		DstBinding:      1,
		DescriptorType:  vulkan.DescriptorTypeCombinedImageSampler,
		DescriptorCount: 1,
		PImageInfo:      []vulkan.DescriptorImageInfo{imageInfo},
	}
	vulkan.UpdateDescriptorSets(m.dev.Raw(), 1, []vulkan.WriteDescriptorSet{write}, 0, nil)
}

// RecreateSwapchain sizes the uniform buffer to the new image count and
// rebuilds the pipeline against the new render pass and extent.
func (m *Mesh) RecreateSwapchain(info renderer.SwapchainInfo) error {
	m.extent = info.Extent
	m.uniformStride = alignUp(vulkan.DeviceSize(unsafe.Sizeof(uniformBufferObject{})), m.dev.UniformAlignment())
	m.offsets = uniformOffsets(m.pools.Swapchain(), int(info.ImageCount), m.uniformStride)

	var err error
	m.uniforms, err = m.dev.CreateBuffer(m.uniformStride*vulkan.DeviceSize(info.ImageCount),
		vulkan.BufferUsageFlags(vulkan.BufferUsageUniformBufferBit),
		vulkan.MemoryPropertyHostVisibleBit|vulkan.MemoryPropertyHostCoherentBit)
	if err != nil {
		return fmt.Errorf("create uniform buffer: %w", err)
	}
	bufferInfo := vulkan.DescriptorBufferInfo{
		Buffer: m.uniforms.Buffer,
		Offset: 0,
		Range:  vulkan.DeviceSize(unsafe.Sizeof(uniformBufferObject{})),
	}
	write := vulkan.WriteDescriptorSet{
		SType:           vulkan.StructureTypeWriteDescriptorSet,
		DstSet:          m.descriptorSet,
		DstBinding:      0,
		DescriptorType:  vulkan.DescriptorTypeUniformBufferDynamic,
		DescriptorCount: 1,
		PBufferInfo:     []vulkan.DescriptorBufferInfo{bufferInfo},
	}
	vulkan.UpdateDescriptorSets(m.dev.Raw(), 1, []vulkan.WriteDescriptorSet{write}, 0, nil)

	m.pipeline, err = buildPipeline(m.dev, m.shaderDir, pipelineDesc{
		name:       "mesh",
		vertShader: "vert.spv",
		fragShader: "frag.spv",
		stride:     uint32(unsafe.Sizeof(vertex{})),
		attributes: []vulkan.VertexInputAttributeDescription{
			{Location: 0, Binding: 0, Format: vulkan.FormatR32g32b32Sfloat, Offset: uint32(unsafe.Offsetof(vertex{}.pos))},
			{Location: 1, Binding: 0, Format: vulkan.FormatR32g32b32Sfloat, Offset: uint32(unsafe.Offsetof(vertex{}.color))},
			{Location: 2, Binding: 0, Format: vulkan.FormatR32g32Sfloat, Offset: uint32(unsafe.Offsetof(vertex{}.uv))},
		},
		cullMode:   vulkan.CullModeBackBit,
		layout:     m.pipelineLayout,
		renderPass: m.dev.RenderPass(info.RenderPass),
		extent:     info.Extent,
	})
	if err != nil {
		return err
	}
	m.log.Debug("mesh rebuilt", "images", info.ImageCount, "extent", info.Extent.String())
	return nil
}

// uniformOffsets returns the dynamic offset of every image's uniform slot.
func uniformOffsets(a *memory.Arena, images int, stride vulkan.DeviceSize) []uint32 {
	offsets := memory.AllocSlice[uint32](a, images)
	for i := range offsets {
		offsets[i] = uint32(vulkan.DeviceSize(i) * stride)
	}
	return offsets
}

func (m *Mesh) CleanupSwapchain() {
	destroyPipeline(m.dev, &m.pipeline)
	m.dev.DestroyBuffer(m.uniforms)
	m.uniforms = vk.Buffer{}
	m.offsets = nil
}

// Draw writes this image's uniforms and records the indexed draw.
func (m *Mesh) Draw(cb gpu.CommandBuffer, imageIndex uint32) error {
	ubo := memory.AllocSlice[uniformBufferObject](m.pools.Frame(), 1)
	ubo[0] = modelViewProjection(time.Since(m.start), m.spin, m.extent)
	offset := m.offsets[imageIndex]
	if err := m.dev.Upload(m.uniforms.Memory, vulkan.DeviceSize(offset), asBytes(ubo)); err != nil {
		return fmt.Errorf("update uniforms: %w", err)
	}

	raw := m.dev.Commands(cb)
	vulkan.CmdBindPipeline(raw, vulkan.PipelineBindPointGraphics, m.pipeline)
	vulkan.CmdBindVertexBuffers(raw, 0, 1, []vulkan.Buffer{m.vertexBuffer.Buffer}, []vulkan.DeviceSize{0})
	vulkan.CmdBindIndexBuffer(raw, m.indexBuffer.Buffer, 0, vulkan.IndexTypeUint32)
	vulkan.CmdBindDescriptorSets(raw, vulkan.PipelineBindPointGraphics, m.pipelineLayout, 0, 1,
		[]vulkan.DescriptorSet{m.descriptorSet}, 1, []uint32{offset})
	vulkan.CmdDrawIndexed(raw, m.indexCount, 1, 0, 0, 0)
	return nil
}

// Release frees the persistent objects. The device is idle by then.
func (m *Mesh) Release() {
	device := m.dev.Raw()
	if m.pipelineLayout != vulkan.PipelineLayout(vulkan.NullHandle) {
		vulkan.DestroyPipelineLayout(device, m.pipelineLayout, nil)
		m.pipelineLayout = vulkan.PipelineLayout(vulkan.NullHandle)
	}
	if m.descriptorPool != vulkan.DescriptorPool(vulkan.NullHandle) {
		vulkan.DestroyDescriptorPool(device, m.descriptorPool, nil)
		m.descriptorPool = vulkan.DescriptorPool(vulkan.NullHandle)
	}
	if m.setLayout != vulkan.DescriptorSetLayout(vulkan.NullHandle) {
		vulkan.DestroyDescriptorSetLayout(device, m.setLayout, nil)
		m.setLayout = vulkan.DescriptorSetLayout(vulkan.NullHandle)
	}
	m.dev.DestroyBuffer(m.indexBuffer)
	m.dev.DestroyBuffer(m.vertexBuffer)
	m.indexBuffer, m.vertexBuffer = vk.Buffer{}, vk.Buffer{}
}
