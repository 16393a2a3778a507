package vk

import (
	"fmt"

	"github.com/vulkan-go/vulkan"

	"github.com/hellhand/kube/internal/gpu"
)

// SurfaceSupport queries the selected device against the window surface.
func (d *Device) SurfaceSupport() (gpu.SurfaceSupport, error) {
	return d.querySurfaceSupport(d.physicalDevice)
}

func (d *Device) querySurfaceSupport(device vulkan.PhysicalDevice) (gpu.SurfaceSupport, error) {
	var details gpu.SurfaceSupport
	caps, err := d.surfaceCapabilities(device)
	if err != nil {
		return details, err
	}
	details.Capabilities = gpu.SurfaceCapabilities{
		MinImageCount:  caps.MinImageCount,
		MaxImageCount:  caps.MaxImageCount,
		CurrentExtent:  fromExtent(caps.CurrentExtent),
		MinImageExtent: fromExtent(caps.MinImageExtent),
		MaxImageExtent: fromExtent(caps.MaxImageExtent),
	}

	var formatCount uint32
	if err := surfaceQuery("surface formats", vulkan.GetPhysicalDeviceSurfaceFormats(device, d.surface, &formatCount, nil)); err != nil {
		return details, err
	}
	if formatCount > 0 {
		formats := make([]vulkan.SurfaceFormat, formatCount)
		if err := surfaceQuery("surface formats", vulkan.GetPhysicalDeviceSurfaceFormats(device, d.surface, &formatCount, formats)); err != nil {
			return details, err
		}
		details.Formats = make([]gpu.SurfaceFormat, formatCount)
		for i := range details.Formats {
			formats[i].Deref()
			details.Formats[i] = gpu.SurfaceFormat{
				Format:     gpu.Format(formats[i].Format),
				ColorSpace: gpu.ColorSpace(formats[i].ColorSpace),
			}
		}
	}

	var presentCount uint32
	if err := surfaceQuery("present modes", vulkan.GetPhysicalDeviceSurfacePresentModes(device, d.surface, &presentCount, nil)); err != nil {
		return details, err
	}
	if presentCount > 0 {
		modes := make([]vulkan.PresentMode, presentCount)
		if err := surfaceQuery("present modes", vulkan.GetPhysicalDeviceSurfacePresentModes(device, d.surface, &presentCount, modes)); err != nil {
			return details, err
		}
		details.PresentModes = make([]gpu.PresentMode, presentCount)
		for i := range details.PresentModes {
			details.PresentModes[i] = gpu.PresentMode(modes[i])
		}
	}
	return details, nil
}

func (d *Device) surfaceCapabilities(device vulkan.PhysicalDevice) (vulkan.SurfaceCapabilities, error) {
	var caps vulkan.SurfaceCapabilities
	if err := surfaceQuery("surface capabilities", vulkan.GetPhysicalDeviceSurfaceCapabilities(device, d.surface, &caps)); err != nil {
		return caps, err
	}
	caps.Deref()
	caps.CurrentExtent.Deref()
	caps.MinImageExtent.Deref()
	caps.MaxImageExtent.Deref()
	return caps, nil
}

// surfaceQuery turns a failed surface query into the driver's error. A
// shrinking list (Incomplete) keeps the entries that were written; the
// count is updated in place.
func surfaceQuery(what string, res vulkan.Result) error {
	if res == vulkan.Success || res == vulkan.Incomplete {
		return nil
	}
	return fmt.Errorf("query %s: %w", what, vulkan.Error(res))
}

func fromExtent(e vulkan.Extent2D) gpu.Extent2D {
	return gpu.Extent2D{Width: e.Width, Height: e.Height}
}

func toExtent(e gpu.Extent2D) vulkan.Extent2D {
	return vulkan.Extent2D{Width: e.Width, Height: e.Height}
}

// CreateSwapchain creates a presentable chain for the window surface.
func (d *Device) CreateSwapchain(cfg gpu.SwapchainConfig) (gpu.Swapchain, error) {
	caps, err := d.surfaceCapabilities(d.physicalDevice)
	if err != nil {
		return 0, err
	}
	createInfo := vulkan.SwapchainCreateInfo{
		SType:            vulkan.StructureTypeSwapchainCreateInfo,
		Surface:          d.surface,
		MinImageCount:    cfg.ImageCount,
		ImageFormat:      vulkan.Format(cfg.Format.Format),
		ImageColorSpace:  vulkan.ColorSpace(cfg.Format.ColorSpace),
		ImageExtent:      toExtent(cfg.Extent),
		ImageArrayLayers: 1,
		ImageUsage:       vulkan.ImageUsageFlags(vulkan.ImageUsageColorAttachmentBit),
		PreTransform:     caps.CurrentTransform,
		CompositeAlpha:   vulkan.CompositeAlphaOpaqueBit,
		PresentMode:      vulkan.PresentMode(cfg.PresentMode),
		Clipped:          vulkan.True,
		OldSwapchain:     vulkan.Swapchain(vulkan.NullHandle),
	}
	if d.queues.graphicsFamily != d.queues.presentFamily {
		indices := []uint32{d.queues.graphicsFamily, d.queues.presentFamily}
		createInfo.ImageSharingMode = vulkan.SharingModeConcurrent
		createInfo.QueueFamilyIndexCount = uint32(len(indices))
		createInfo.PQueueFamilyIndices = indices
	} else {
		createInfo.ImageSharingMode = vulkan.SharingModeExclusive
	}

	var sc vulkan.Swapchain
	if res := vulkan.CreateSwapchain(d.device, &createInfo, nil, &sc); res != vulkan.Success {
		return 0, fmt.Errorf("create swapchain: %w", vulkan.Error(res))
	}
	return gpu.Swapchain(d.swapchains.add(sc)), nil
}

// ImageCount reports how many images the driver actually created.
func (d *Device) ImageCount(h gpu.Swapchain) (uint32, error) {
	sc, ok := d.swapchains.get(uint64(h))
	if !ok {
		return 0, fmt.Errorf("swapchain %d: %w", h, ErrUnknownHandle)
	}
	var count uint32
	if res := vulkan.GetSwapchainImages(d.device, sc, &count, nil); res != vulkan.Success {
		return 0, fmt.Errorf("get swapchain image count: %w", vulkan.Error(res))
	}
	return count, nil
}

// SwapchainImages fills dst with the chain's images. The images belong to
// the swapchain and go away with it.
func (d *Device) SwapchainImages(h gpu.Swapchain, dst []gpu.Image) error {
	sc, ok := d.swapchains.get(uint64(h))
	if !ok {
		return fmt.Errorf("swapchain %d: %w", h, ErrUnknownHandle)
	}
	count := uint32(len(dst))
	images := make([]vulkan.Image, count)
	if res := vulkan.GetSwapchainImages(d.device, sc, &count, images); res != vulkan.Success {
		return fmt.Errorf("get swapchain images: %w", vulkan.Error(res))
	}
	for _, old := range d.swapchainImages[h] {
		d.images.take(old)
	}
	owned := make([]uint64, count)
	for i := uint32(0); i < count; i++ {
		owned[i] = d.images.add(images[i])
		dst[i] = gpu.Image(owned[i])
	}
	d.swapchainImages[h] = owned
	return nil
}

// DestroySwapchain destroys the chain and forgets its images.
func (d *Device) DestroySwapchain(h gpu.Swapchain) {
	sc, ok := d.swapchains.take(uint64(h))
	if !ok {
		return
	}
	for _, img := range d.swapchainImages[h] {
		d.images.take(img)
	}
	delete(d.swapchainImages, h)
	vulkan.DestroySwapchain(d.device, sc, nil)
}

// CreateImageView creates a 2D color view of a swapchain image.
func (d *Device) CreateImageView(h gpu.Image, format gpu.Format) (gpu.ImageView, error) {
	img, ok := d.images.get(uint64(h))
	if !ok {
		return 0, fmt.Errorf("image %d: %w", h, ErrUnknownHandle)
	}
	view, err := d.NewImageView(img, vulkan.Format(format), vulkan.ImageAspectFlags(vulkan.ImageAspectColorBit))
	if err != nil {
		return 0, err
	}
	return gpu.ImageView(d.views.add(view)), nil
}

func (d *Device) DestroyImageView(h gpu.ImageView) {
	if view, ok := d.views.take(uint64(h)); ok {
		vulkan.DestroyImageView(d.device, view, nil)
	}
}

// CreateRenderPass creates a single-subpass pass with one color attachment
// that is cleared on load and left ready for presentation.
func (d *Device) CreateRenderPass(format gpu.Format) (gpu.RenderPass, error) {
	colorAttachment := vulkan.AttachmentDescription{
		Format:         vulkan.Format(format),
		Samples:        vulkan.SampleCount1Bit,
		LoadOp:         vulkan.AttachmentLoadOpClear,
		StoreOp:        vulkan.AttachmentStoreOpStore,
		InitialLayout:  vulkan.ImageLayoutUndefined,
		FinalLayout:    vulkan.ImageLayoutPresentSrc,
		StencilLoadOp:  vulkan.AttachmentLoadOpDontCare,
		StencilStoreOp: vulkan.AttachmentStoreOpDontCare,
	}
	colorRef := vulkan.AttachmentReference{
		Attachment: 0,
		Layout:     vulkan.ImageLayoutColorAttachmentOptimal,
	}
	subpass := vulkan.SubpassDescription{
		PipelineBindPoint:    vulkan.PipelineBindPointGraphics,
		ColorAttachmentCount: 1,
		PColorAttachments:    []vulkan.AttachmentReference{colorRef},
	}
	dependency := vulkan.SubpassDependency{
		SrcSubpass:    vulkan.SubpassExternal,
		DstSubpass:    0,
		SrcStageMask:  vulkan.PipelineStageFlags(vulkan.PipelineStageColorAttachmentOutputBit),
		SrcAccessMask: 0,
		DstStageMask:  vulkan.PipelineStageFlags(vulkan.PipelineStageColorAttachmentOutputBit),
		DstAccessMask: vulkan.AccessFlags(vulkan.AccessColorAttachmentWriteBit),
	}
	createInfo := vulkan.RenderPassCreateInfo{
		SType:           vulkan.StructureTypeRenderPassCreateInfo,
		AttachmentCount: 1,
		PAttachments:    []vulkan.AttachmentDescription{colorAttachment},
		SubpassCount:    1,
		PSubpasses:      []vulkan.SubpassDescription{subpass},
		DependencyCount: 1,
		PDependencies:   []vulkan.SubpassDependency{dependency},
	}

	var rp vulkan.RenderPass
	if res := vulkan.CreateRenderPass(d.device, &createInfo, nil, &rp); res != vulkan.Success {
		return 0, fmt.Errorf("create render pass: %w", vulkan.Error(res))
	}
	return gpu.RenderPass(d.renderPasses.add(rp)), nil
}

func (d *Device) DestroyRenderPass(h gpu.RenderPass) {
	if rp, ok := d.renderPasses.take(uint64(h)); ok {
		vulkan.DestroyRenderPass(d.device, rp, nil)
	}
}

// CreateFramebuffer binds one swapchain view to a render pass.
func (d *Device) CreateFramebuffer(rpHandle gpu.RenderPass, viewHandle gpu.ImageView, extent gpu.Extent2D) (gpu.Framebuffer, error) {
	rp, ok := d.renderPasses.get(uint64(rpHandle))
	if !ok {
		return 0, fmt.Errorf("render pass %d: %w", rpHandle, ErrUnknownHandle)
	}
	view, ok := d.views.get(uint64(viewHandle))
	if !ok {
		return 0, fmt.Errorf("image view %d: %w", viewHandle, ErrUnknownHandle)
	}
	createInfo := vulkan.FramebufferCreateInfo{
		SType:           vulkan.StructureTypeFramebufferCreateInfo,
		RenderPass:      rp,
		AttachmentCount: 1,
		PAttachments:    []vulkan.ImageView{view},
		Width:           extent.Width,
		Height:          extent.Height,
		Layers:          1,
	}
	var fb vulkan.Framebuffer
	if res := vulkan.CreateFramebuffer(d.device, &createInfo, nil, &fb); res != vulkan.Success {
		return 0, fmt.Errorf("create framebuffer: %w", vulkan.Error(res))
	}
	return gpu.Framebuffer(d.framebuffers.add(fb)), nil
}

func (d *Device) DestroyFramebuffer(h gpu.Framebuffer) {
	if fb, ok := d.framebuffers.take(uint64(h)); ok {
		vulkan.DestroyFramebuffer(d.device, fb, nil)
	}
}
