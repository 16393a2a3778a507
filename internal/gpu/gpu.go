// Package gpu is the boundary between the renderer and a graphics driver.
//
// Driver objects are referred to by opaque handles. The zero value of every
// handle type is the null handle. Implementations live in subpackages: vk
// drives a real Vulkan device, gputest is an in-memory driver for tests.
package gpu

import (
	"fmt"
	"math"
)

type (
	Swapchain     uint64
	Image         uint64
	ImageView     uint64
	RenderPass    uint64
	Framebuffer   uint64
	CommandBuffer uint64
	Semaphore     uint64
	Fence         uint64
)

// Format is a pixel format. Values match VkFormat.
type Format int32

const (
	FormatUndefined     Format = 0
	FormatB8G8R8A8Unorm Format = 44
	FormatB8G8R8A8Srgb  Format = 50
)

// ColorSpace values match VkColorSpaceKHR.
type ColorSpace int32

const ColorSpaceSrgbNonlinear ColorSpace = 0

// PresentMode values match VkPresentModeKHR.
type PresentMode int32

const (
	PresentModeImmediate PresentMode = 0
	PresentModeMailbox   PresentMode = 1
	PresentModeFifo      PresentMode = 2
)

func (m PresentMode) String() string {
	switch m {
	case PresentModeImmediate:
		return "immediate"
	case PresentModeMailbox:
		return "mailbox"
	case PresentModeFifo:
		return "fifo"
	default:
		return fmt.Sprintf("PresentMode(%d)", int32(m))
	}
}

// UndefinedExtent is the surface's current-extent sentinel meaning the
// swapchain decides the size.
const UndefinedExtent = math.MaxUint32

type Extent2D struct {
	Width, Height uint32
}

func (e Extent2D) String() string { return fmt.Sprintf("%dx%d", e.Width, e.Height) }

// Empty reports whether either side is zero.
func (e Extent2D) Empty() bool { return e.Width == 0 || e.Height == 0 }

type SurfaceFormat struct {
	Format     Format
	ColorSpace ColorSpace
}

type SurfaceCapabilities struct {
	MinImageCount  uint32
	MaxImageCount  uint32 // 0 means unbounded
	CurrentExtent  Extent2D
	MinImageExtent Extent2D
	MaxImageExtent Extent2D
}

// SurfaceSupport is what a surface offers on the selected physical device.
type SurfaceSupport struct {
	Capabilities SurfaceCapabilities
	Formats      []SurfaceFormat
	PresentModes []PresentMode
}

// SwapchainConfig is the chosen swapchain shape.
type SwapchainConfig struct {
	ImageCount  uint32
	Format      SurfaceFormat
	Extent      Extent2D
	PresentMode PresentMode
}

// Status is the outcome of acquire and present calls that is not an error.
type Status int

const (
	Success Status = iota
	// Suboptimal means the image was acquired or presented, but the swapchain
	// no longer matches the surface exactly.
	Suboptimal
	// OutOfDate means the swapchain can no longer be used with the surface.
	OutOfDate
)

func (s Status) String() string {
	switch s {
	case Success:
		return "success"
	case Suboptimal:
		return "suboptimal"
	case OutOfDate:
		return "out of date"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// ClearColor is the RGBA color a render pass clears to.
type ClearColor [4]float32

// Submission describes one queue submit.
type Submission struct {
	Command CommandBuffer
	Wait    Semaphore
	Signal  Semaphore
	Fence   Fence
}

// Device is the set of driver operations the renderer needs. Every method is
// called from a single goroutine. Waits block without a timeout.
type Device interface {
	SurfaceSupport() (SurfaceSupport, error)

	CreateSwapchain(cfg SwapchainConfig) (Swapchain, error)
	// SwapchainImages writes the chain's images into dst, which must have
	// room for ImageCount(sc) entries.
	SwapchainImages(sc Swapchain, dst []Image) error
	// ImageCount returns how many images the driver actually created.
	ImageCount(sc Swapchain) (uint32, error)
	DestroySwapchain(sc Swapchain)

	CreateImageView(img Image, format Format) (ImageView, error)
	DestroyImageView(v ImageView)
	CreateRenderPass(format Format) (RenderPass, error)
	DestroyRenderPass(rp RenderPass)
	CreateFramebuffer(rp RenderPass, view ImageView, extent Extent2D) (Framebuffer, error)
	DestroyFramebuffer(fb Framebuffer)

	AllocateCommandBuffers(dst []CommandBuffer) error
	FreeCommandBuffers(cbs []CommandBuffer)

	CreateSemaphore() (Semaphore, error)
	DestroySemaphore(s Semaphore)
	CreateFence(signaled bool) (Fence, error)
	DestroyFence(f Fence)
	WaitForFence(f Fence) error
	ResetFence(f Fence) error

	ResetCommandBuffer(cb CommandBuffer) error
	BeginCommandBuffer(cb CommandBuffer) error
	BeginRenderPass(cb CommandBuffer, rp RenderPass, fb Framebuffer, extent Extent2D, clear ClearColor)
	EndRenderPass(cb CommandBuffer)
	EndCommandBuffer(cb CommandBuffer) error

	AcquireNextImage(sc Swapchain, signal Semaphore) (uint32, Status, error)
	Submit(s Submission) error
	Present(sc Swapchain, wait Semaphore, imageIndex uint32) (Status, error)

	WaitIdle() error
	// Close destroys the device and everything the driver created at open.
	Close()
}
