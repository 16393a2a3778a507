package renderer

import (
	"errors"
	"fmt"

	"github.com/hellhand/kube/internal/fatal"
	"github.com/hellhand/kube/internal/gpu"
	"github.com/hellhand/kube/internal/memory"
)

var ErrEmptyExtent = errors.New("swapchain extent is empty")

// SwapchainInfo is what participants see of the current swapchain.
type SwapchainInfo struct {
	Extent      gpu.Extent2D
	Format      gpu.Format
	PresentMode gpu.PresentMode
	ImageCount  uint32
	RenderPass  gpu.RenderPass
}

// swapchain holds every swapchain-scoped object. The per-image slices are
// carved out of the swapchain arena and all have the same length.
type swapchain struct {
	handle      gpu.Swapchain
	format      gpu.SurfaceFormat
	presentMode gpu.PresentMode
	extent      gpu.Extent2D
	renderPass  gpu.RenderPass

	images         []gpu.Image
	views          []gpu.ImageView
	framebuffers   []gpu.Framebuffer
	commandBuffers []gpu.CommandBuffer
}

func (s *swapchain) imageCount() uint32 { return uint32(len(s.images)) }

func (s *swapchain) info() SwapchainInfo {
	return SwapchainInfo{
		Extent:      s.extent,
		Format:      s.format.Format,
		PresentMode: s.presentMode,
		ImageCount:  s.imageCount(),
		RenderPass:  s.renderPass,
	}
}

func chooseSurfaceFormat(available []gpu.SurfaceFormat) gpu.SurfaceFormat {
	for _, f := range available {
		if f.Format == gpu.FormatB8G8R8A8Srgb && f.ColorSpace == gpu.ColorSpaceSrgbNonlinear {
			return f
		}
	}
	return available[0]
}

func choosePresentMode(available []gpu.PresentMode) gpu.PresentMode {
	for _, m := range available {
		if m == gpu.PresentModeMailbox {
			return m
		}
	}
	return gpu.PresentModeFifo
}

func chooseExtent(caps gpu.SurfaceCapabilities, want gpu.Extent2D) gpu.Extent2D {
	if caps.CurrentExtent.Width != gpu.UndefinedExtent {
		return caps.CurrentExtent
	}
	return gpu.Extent2D{
		Width:  clamp(want.Width, caps.MinImageExtent.Width, caps.MaxImageExtent.Width),
		Height: clamp(want.Height, caps.MinImageExtent.Height, caps.MaxImageExtent.Height),
	}
}

func chooseImageCount(caps gpu.SurfaceCapabilities) uint32 {
	n := caps.MinImageCount + 1
	if caps.MaxImageCount > 0 && n > caps.MaxImageCount {
		n = caps.MaxImageCount
	}
	return n
}

// create builds the chain and its per-image objects for a drawable of size
// want. On error the caller destroys whatever was built.
func (s *swapchain) create(dev gpu.Device, arena *memory.Arena, want gpu.Extent2D) error {
	support, err := dev.SurfaceSupport()
	if err != nil {
		return fmt.Errorf("query surface support: %w", err)
	}
	if len(support.Formats) == 0 || len(support.PresentModes) == 0 {
		return errors.New("surface reports no formats or present modes")
	}

	s.format = chooseSurfaceFormat(support.Formats)
	s.presentMode = choosePresentMode(support.PresentModes)
	s.extent = chooseExtent(support.Capabilities, want)
	fatal.Assert(!s.extent.Empty(), ErrEmptyExtent, "create swapchain for %s", s.extent)

	s.handle, err = dev.CreateSwapchain(gpu.SwapchainConfig{
		ImageCount:  chooseImageCount(support.Capabilities),
		Format:      s.format,
		Extent:      s.extent,
		PresentMode: s.presentMode,
	})
	if err != nil {
		return fmt.Errorf("create swapchain: %w", err)
	}

	count, err := dev.ImageCount(s.handle)
	if err != nil {
		return fmt.Errorf("swapchain image count: %w", err)
	}
	s.images = memory.AllocSlice[gpu.Image](arena, int(count))
	if err := dev.SwapchainImages(s.handle, s.images); err != nil {
		return fmt.Errorf("swapchain images: %w", err)
	}

	s.views = memory.AllocSlice[gpu.ImageView](arena, int(count))
	for i, img := range s.images {
		if s.views[i], err = dev.CreateImageView(img, s.format.Format); err != nil {
			return fmt.Errorf("create image view %d: %w", i, err)
		}
	}

	if s.renderPass, err = dev.CreateRenderPass(s.format.Format); err != nil {
		return fmt.Errorf("create render pass: %w", err)
	}

	s.framebuffers = memory.AllocSlice[gpu.Framebuffer](arena, int(count))
	for i, view := range s.views {
		if s.framebuffers[i], err = dev.CreateFramebuffer(s.renderPass, view, s.extent); err != nil {
			return fmt.Errorf("create framebuffer %d: %w", i, err)
		}
	}

	s.commandBuffers = memory.AllocSlice[gpu.CommandBuffer](arena, int(count))
	if err := dev.AllocateCommandBuffers(s.commandBuffers); err != nil {
		// Nothing was allocated; keep destroy from freeing zero handles.
		s.commandBuffers = nil
		return fmt.Errorf("allocate command buffers: %w", err)
	}
	return nil
}

// destroy releases everything create built, in reverse order. The slices
// point into the swapchain arena, so they are dropped, not reused.
func (s *swapchain) destroy(dev gpu.Device) {
	if len(s.commandBuffers) > 0 {
		dev.FreeCommandBuffers(s.commandBuffers)
	}
	for _, fb := range s.framebuffers {
		if fb != 0 {
			dev.DestroyFramebuffer(fb)
		}
	}
	if s.renderPass != 0 {
		dev.DestroyRenderPass(s.renderPass)
	}
	for _, v := range s.views {
		if v != 0 {
			dev.DestroyImageView(v)
		}
	}
	if s.handle != 0 {
		dev.DestroySwapchain(s.handle)
	}
	*s = swapchain{}
}

func clamp(val, min, max uint32) uint32 {
	if val < min {
		return min
	}
	if val > max {
		return max
	}
	return val
}
