package vk

import (
	"errors"
	"fmt"
	"unsafe"

	"github.com/vulkan-go/vulkan"

	"github.com/hellhand/kube/internal/gpu"
)

var ErrNoMemoryType = errors.New("no suitable memory type")

// Raw returns the logical device for subsystems that record their own work.
func (d *Device) Raw() vulkan.Device { return d.device }

// MaxSamplerAnisotropy is the device limit for anisotropic filtering.
func (d *Device) MaxSamplerAnisotropy() float32 {
	return d.properties.Limits.MaxSamplerAnisotropy
}

// UniformAlignment is the required alignment of dynamic uniform offsets.
func (d *Device) UniformAlignment() vulkan.DeviceSize {
	return d.properties.Limits.MinUniformBufferOffsetAlignment
}

// Commands resolves a command buffer handle for recording inside a draw hook.
func (d *Device) Commands(h gpu.CommandBuffer) vulkan.CommandBuffer {
	cb, _ := d.commandBuffers.get(uint64(h))
	return cb
}

// RenderPass resolves a render pass handle for pipeline creation.
func (d *Device) RenderPass(h gpu.RenderPass) vulkan.RenderPass {
	rp, _ := d.renderPasses.get(uint64(h))
	return rp
}

// Buffer is a buffer with its dedicated memory.
type Buffer struct {
	Buffer vulkan.Buffer
	Memory vulkan.DeviceMemory
	Size   vulkan.DeviceSize
}

// CreateBuffer allocates and binds a buffer.
func (d *Device) CreateBuffer(size vulkan.DeviceSize, usage vulkan.BufferUsageFlags, properties vulkan.MemoryPropertyFlagBits) (Buffer, error) {
	bufferInfo := vulkan.BufferCreateInfo{
		SType:       vulkan.StructureTypeBufferCreateInfo,
		Size:        size,
		Usage:       usage,
		SharingMode: vulkan.SharingModeExclusive,
	}
	var buffer vulkan.Buffer
	if res := vulkan.CreateBuffer(d.device, &bufferInfo, nil, &buffer); res != vulkan.Success {
		return Buffer{}, fmt.Errorf("create buffer: %w", vulkan.Error(res))
	}
	var memReq vulkan.MemoryRequirements
	vulkan.GetBufferMemoryRequirements(d.device, buffer, &memReq)
	memReq.Deref()

	memType, err := d.findMemoryType(memReq.MemoryTypeBits, properties)
	if err != nil {
		vulkan.DestroyBuffer(d.device, buffer, nil)
		return Buffer{}, err
	}
	allocInfo := vulkan.MemoryAllocateInfo{
		SType:           vulkan.StructureTypeMemoryAllocateInfo,
		AllocationSize:  memReq.Size,
		MemoryTypeIndex: memType,
	}
	var memory vulkan.DeviceMemory
	if res := vulkan.AllocateMemory(d.device, &allocInfo, nil, &memory); res != vulkan.Success {
		vulkan.DestroyBuffer(d.device, buffer, nil)
		return Buffer{}, fmt.Errorf("allocate buffer memory: %w", vulkan.Error(res))
	}
	if res := vulkan.BindBufferMemory(d.device, buffer, memory, 0); res != vulkan.Success {
		vulkan.DestroyBuffer(d.device, buffer, nil)
		vulkan.FreeMemory(d.device, memory, nil)
		return Buffer{}, fmt.Errorf("bind buffer memory: %w", vulkan.Error(res))
	}
	return Buffer{Buffer: buffer, Memory: memory, Size: size}, nil
}

// Upload copies data into host-visible memory at offset.
func (d *Device) Upload(mem vulkan.DeviceMemory, offset vulkan.DeviceSize, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	size := vulkan.DeviceSize(len(data))
	var ptr unsafe.Pointer
	if res := vulkan.MapMemory(d.device, mem, offset, size, 0, &ptr); res != vulkan.Success {
		return fmt.Errorf("map memory: %w", vulkan.Error(res))
	}
	copy(unsafe.Slice((*byte)(ptr), len(data)), data)
	vulkan.UnmapMemory(d.device, mem)
	return nil
}

// DestroyBuffer frees b. Zero buffers are ignored.
func (d *Device) DestroyBuffer(b Buffer) {
	if b.Buffer != vulkan.Buffer(vulkan.NullHandle) {
		vulkan.DestroyBuffer(d.device, b.Buffer, nil)
	}
	if b.Memory != vulkan.DeviceMemory(vulkan.NullHandle) {
		vulkan.FreeMemory(d.device, b.Memory, nil)
	}
}

func (d *Device) findMemoryType(typeFilter uint32, properties vulkan.MemoryPropertyFlagBits) (uint32, error) {
	var memProps vulkan.PhysicalDeviceMemoryProperties
	vulkan.GetPhysicalDeviceMemoryProperties(d.physicalDevice, &memProps)
	memProps.Deref()

	want := vulkan.MemoryPropertyFlags(properties)
	for i := uint32(0); i < memProps.MemoryTypeCount; i++ {
		memoryType := memProps.MemoryTypes[i]
		memoryType.Deref()
		if typeFilter&(1<<i) != 0 && memoryType.PropertyFlags&want == want {
			return i, nil
		}
	}
	return 0, fmt.Errorf("%w: filter %#x properties %#x", ErrNoMemoryType, typeFilter, properties)
}

// Texture is a sampled 2D image with its memory, view and sampler.
type Texture struct {
	Image   vulkan.Image
	Memory  vulkan.DeviceMemory
	View    vulkan.ImageView
	Sampler vulkan.Sampler
}

// CreateImage allocates and binds a 2D image.
func (d *Device) CreateImage(width, height uint32, format vulkan.Format, tiling vulkan.ImageTiling, usage vulkan.ImageUsageFlags, properties vulkan.MemoryPropertyFlagBits) (vulkan.Image, vulkan.DeviceMemory, error) {
	createInfo := vulkan.ImageCreateInfo{
		SType:     vulkan.StructureTypeImageCreateInfo,
		ImageType: vulkan.ImageType2d,
		Extent: vulkan.Extent3D{
			Width:  width,
			Height: height,
			Depth:  1,
		},
		MipLevels:     1,
		ArrayLayers:   1,
		Format:        format,
		Tiling:        tiling,
		InitialLayout: vulkan.ImageLayoutUndefined,
		Usage:         usage,
		Samples:       vulkan.SampleCount1Bit,
		SharingMode:   vulkan.SharingModeExclusive,
	}
	var image vulkan.Image
	if res := vulkan.CreateImage(d.device, &createInfo, nil, &image); res != vulkan.Success {
		return vulkan.Image(vulkan.NullHandle), vulkan.DeviceMemory(vulkan.NullHandle), fmt.Errorf("create image: %w", vulkan.Error(res))
	}

	var memRequirements vulkan.MemoryRequirements
	vulkan.GetImageMemoryRequirements(d.device, image, &memRequirements)
	memRequirements.Deref()

	memType, err := d.findMemoryType(memRequirements.MemoryTypeBits, properties)
	if err != nil {
		vulkan.DestroyImage(d.device, image, nil)
		return vulkan.Image(vulkan.NullHandle), vulkan.DeviceMemory(vulkan.NullHandle), err
	}
	allocInfo := vulkan.MemoryAllocateInfo{
		SType:           vulkan.StructureTypeMemoryAllocateInfo,
		AllocationSize:  memRequirements.Size,
		MemoryTypeIndex: memType,
	}
	var memory vulkan.DeviceMemory
	if res := vulkan.AllocateMemory(d.device, &allocInfo, nil, &memory); res != vulkan.Success {
		vulkan.DestroyImage(d.device, image, nil)
		return vulkan.Image(vulkan.NullHandle), vulkan.DeviceMemory(vulkan.NullHandle), fmt.Errorf("allocate image memory: %w", vulkan.Error(res))
	}
	if res := vulkan.BindImageMemory(d.device, image, memory, 0); res != vulkan.Success {
		vulkan.DestroyImage(d.device, image, nil)
		vulkan.FreeMemory(d.device, memory, nil)
		return vulkan.Image(vulkan.NullHandle), vulkan.DeviceMemory(vulkan.NullHandle), fmt.Errorf("bind image memory: %w", vulkan.Error(res))
	}
	return image, memory, nil
}

// NewImageView creates a 2D view over image. The caller owns the view.
func (d *Device) NewImageView(image vulkan.Image, format vulkan.Format, aspectFlags vulkan.ImageAspectFlags) (vulkan.ImageView, error) {
	viewInfo := vulkan.ImageViewCreateInfo{
		SType:    vulkan.StructureTypeImageViewCreateInfo,
		Image:    image,
		ViewType: vulkan.ImageViewType2d,
		Format:   format,
		Components: vulkan.ComponentMapping{
			R: vulkan.ComponentSwizzleIdentity,
			G: vulkan.ComponentSwizzleIdentity,
			B: vulkan.ComponentSwizzleIdentity,
			A: vulkan.ComponentSwizzleIdentity,
		},
		SubresourceRange: vulkan.ImageSubresourceRange{
			AspectMask:     aspectFlags,
			BaseMipLevel:   0,
			LevelCount:     1,
			BaseArrayLayer: 0,
			LayerCount:     1,
		},
	}
	var view vulkan.ImageView
	if res := vulkan.CreateImageView(d.device, &viewInfo, nil, &view); res != vulkan.Success {
		return vulkan.ImageView(vulkan.NullHandle), fmt.Errorf("create image view: %w", vulkan.Error(res))
	}
	return view, nil
}

// NewSampler creates a linear, repeating sampler with the device's maximum
// anisotropy.
func (d *Device) NewSampler() (vulkan.Sampler, error) {
	samplerInfo := vulkan.SamplerCreateInfo{
		SType:                   vulkan.StructureTypeSamplerCreateInfo,
		MagFilter:               vulkan.FilterLinear,
		MinFilter:               vulkan.FilterLinear,
		AddressModeU:            vulkan.SamplerAddressModeRepeat,
		AddressModeV:            vulkan.SamplerAddressModeRepeat,
		AddressModeW:            vulkan.SamplerAddressModeRepeat,
		AnisotropyEnable:        vulkan.True,
		MaxAnisotropy:           d.MaxSamplerAnisotropy(),
		BorderColor:             vulkan.BorderColorIntOpaqueBlack,
		UnnormalizedCoordinates: vulkan.False,
		CompareEnable:           vulkan.False,
		CompareOp:               vulkan.CompareOpAlways,
		MipmapMode:              vulkan.SamplerMipmapModeLinear,
	}
	var sampler vulkan.Sampler
	if res := vulkan.CreateSampler(d.device, &samplerInfo, nil, &sampler); res != vulkan.Success {
		return vulkan.Sampler(vulkan.NullHandle), fmt.Errorf("create sampler: %w", vulkan.Error(res))
	}
	return sampler, nil
}

// UploadTexture stages RGBA8 pixels into a device-local sampled image.
func (d *Device) UploadTexture(width, height uint32, pixels []byte) (Texture, error) {
	staging, err := d.CreateBuffer(vulkan.DeviceSize(len(pixels)),
		vulkan.BufferUsageFlags(vulkan.BufferUsageTransferSrcBit),
		vulkan.MemoryPropertyHostVisibleBit|vulkan.MemoryPropertyHostCoherentBit)
	if err != nil {
		return Texture{}, fmt.Errorf("texture staging: %w", err)
	}
	defer d.DestroyBuffer(staging)
	if err := d.Upload(staging.Memory, 0, pixels); err != nil {
		return Texture{}, err
	}

	var tex Texture
	format := vulkan.FormatR8g8b8a8Srgb
	tex.Image, tex.Memory, err = d.CreateImage(width, height, format, vulkan.ImageTilingOptimal,
		vulkan.ImageUsageFlags(vulkan.ImageUsageTransferDstBit|vulkan.ImageUsageSampledBit),
		vulkan.MemoryPropertyDeviceLocalBit)
	if err != nil {
		return Texture{}, err
	}

	err = d.oneTimeCommands(func(cb vulkan.CommandBuffer) {
		transitionImageLayout(cb, tex.Image, vulkan.ImageLayoutUndefined, vulkan.ImageLayoutTransferDstOptimal)
		copyBufferToImage(cb, staging.Buffer, tex.Image, width, height)
		transitionImageLayout(cb, tex.Image, vulkan.ImageLayoutTransferDstOptimal, vulkan.ImageLayoutShaderReadOnlyOptimal)
	})
	if err != nil {
		d.DestroyTexture(tex)
		return Texture{}, err
	}

	if tex.View, err = d.NewImageView(tex.Image, format, vulkan.ImageAspectFlags(vulkan.ImageAspectColorBit)); err != nil {
		d.DestroyTexture(tex)
		return Texture{}, err
	}
	if tex.Sampler, err = d.NewSampler(); err != nil {
		d.DestroyTexture(tex)
		return Texture{}, err
	}
	return tex, nil
}

// DestroyTexture frees every non-null part of t.
func (d *Device) DestroyTexture(t Texture) {
	if t.Sampler != vulkan.Sampler(vulkan.NullHandle) {
		vulkan.DestroySampler(d.device, t.Sampler, nil)
	}
	if t.View != vulkan.ImageView(vulkan.NullHandle) {
		vulkan.DestroyImageView(d.device, t.View, nil)
	}
	if t.Image != vulkan.Image(vulkan.NullHandle) {
		vulkan.DestroyImage(d.device, t.Image, nil)
	}
	if t.Memory != vulkan.DeviceMemory(vulkan.NullHandle) {
		vulkan.FreeMemory(d.device, t.Memory, nil)
	}
}

// oneTimeCommands records fn into a throwaway command buffer, submits it and
// waits for the graphics queue to drain.
func (d *Device) oneTimeCommands(fn func(cb vulkan.CommandBuffer)) error {
	allocInfo := vulkan.CommandBufferAllocateInfo{
		SType:              vulkan.StructureTypeCommandBufferAllocateInfo,
		CommandPool:        d.commandPool,
		Level:              vulkan.CommandBufferLevelPrimary,
		CommandBufferCount: 1,
	}
	cbs := make([]vulkan.CommandBuffer, 1)
	if res := vulkan.AllocateCommandBuffers(d.device, &allocInfo, cbs); res != vulkan.Success {
		return fmt.Errorf("allocate transfer command buffer: %w", vulkan.Error(res))
	}
	defer vulkan.FreeCommandBuffers(d.device, d.commandPool, 1, cbs)

	beginInfo := vulkan.CommandBufferBeginInfo{
		SType: vulkan.StructureTypeCommandBufferBeginInfo,
		Flags: vulkan.CommandBufferUsageFlags(vulkan.CommandBufferUsageOneTimeSubmitBit),
	}
	if res := vulkan.BeginCommandBuffer(cbs[0], &beginInfo); res != vulkan.Success {
		return fmt.Errorf("begin transfer commands: %w", vulkan.Error(res))
	}
	fn(cbs[0])
	if res := vulkan.EndCommandBuffer(cbs[0]); res != vulkan.Success {
		return fmt.Errorf("end transfer commands: %w", vulkan.Error(res))
	}

	submitInfo := vulkan.SubmitInfo{
		SType:              vulkan.StructureTypeSubmitInfo,
		CommandBufferCount: 1,
		PCommandBuffers:    cbs,
	}
	if res := vulkan.QueueSubmit(d.graphicsQueue, 1, []vulkan.SubmitInfo{submitInfo}, vulkan.Fence(vulkan.NullHandle)); res != vulkan.Success {
		return fmt.Errorf("submit transfer commands: %w", vulkan.Error(res))
	}
	if res := vulkan.QueueWaitIdle(d.graphicsQueue); res != vulkan.Success {
		return fmt.Errorf("wait transfer commands: %w", vulkan.Error(res))
	}
	return nil
}

func transitionImageLayout(cb vulkan.CommandBuffer, image vulkan.Image, oldLayout, newLayout vulkan.ImageLayout) {
	barrier := vulkan.ImageMemoryBarrier{
		SType:               vulkan.StructureTypeImageMemoryBarrier,
		OldLayout:           oldLayout,
		NewLayout:           newLayout,
		SrcQueueFamilyIndex: vulkan.QueueFamilyIgnored,
		DstQueueFamilyIndex: vulkan.QueueFamilyIgnored,
		Image:               image,
		SubresourceRange: vulkan.ImageSubresourceRange{
			AspectMask: vulkan.ImageAspectFlags(vulkan.ImageAspectColorBit),
			LevelCount: 1,
			LayerCount: 1,
		},
	}
	var srcStage, dstStage vulkan.PipelineStageFlagBits
	if oldLayout == vulkan.ImageLayoutUndefined {
		barrier.DstAccessMask = vulkan.AccessFlags(vulkan.AccessTransferWriteBit)
		srcStage = vulkan.PipelineStageTopOfPipeBit
		dstStage = vulkan.PipelineStageTransferBit
	} else {
		barrier.SrcAccessMask = vulkan.AccessFlags(vulkan.AccessTransferWriteBit)
		barrier.DstAccessMask = vulkan.AccessFlags(vulkan.AccessShaderReadBit)
		srcStage = vulkan.PipelineStageTransferBit
		dstStage = vulkan.PipelineStageFragmentShaderBit
	}
	vulkan.CmdPipelineBarrier(cb, vulkan.PipelineStageFlags(srcStage), vulkan.PipelineStageFlags(dstStage),
		0, 0, nil, 0, nil, 1, []vulkan.ImageMemoryBarrier{barrier})
}

func copyBufferToImage(cb vulkan.CommandBuffer, buffer vulkan.Buffer, image vulkan.Image, width, height uint32) {
	region := vulkan.BufferImageCopy{
		ImageSubresource: vulkan.ImageSubresourceLayers{
			AspectMask: vulkan.ImageAspectFlags(vulkan.ImageAspectColorBit),
			LayerCount: 1,
		},
		ImageExtent: vulkan.Extent3D{Width: width, Height: height, Depth: 1},
	}
	vulkan.CmdCopyBufferToImage(cb, buffer, image, vulkan.ImageLayoutTransferDstOptimal, 1, []vulkan.BufferImageCopy{region})
}

// CreateShaderModule wraps SPIR-V code. len(code) must be a multiple of 4.
func (d *Device) CreateShaderModule(code []byte) (vulkan.ShaderModule, error) {
	if len(code) == 0 || len(code)%4 != 0 {
		return vulkan.ShaderModule(vulkan.NullHandle), fmt.Errorf("shader code length %d is not a multiple of 4", len(code))
	}
	createInfo := vulkan.ShaderModuleCreateInfo{
		SType:    vulkan.StructureTypeShaderModuleCreateInfo,
		CodeSize: uint(len(code)),
		PCode:    unsafe.Slice((*uint32)(unsafe.Pointer(&code[0])), len(code)/4),
	}
	var module vulkan.ShaderModule
	if res := vulkan.CreateShaderModule(d.device, &createInfo, nil, &module); res != vulkan.Success {
		return vulkan.ShaderModule(vulkan.NullHandle), fmt.Errorf("create shader module: %w", vulkan.Error(res))
	}
	return module, nil
}
