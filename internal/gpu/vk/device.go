// Package vk implements gpu.Device over the vulkan-go binding.
package vk

import (
	"errors"
	"fmt"
	"log/slog"
	"unsafe"

	"github.com/vulkan-go/vulkan"

	"github.com/hellhand/kube/internal/gpu"
)

var (
	validationLayers = []string{"VK_LAYER_KHRONOS_validation"}
	deviceExtensions = []string{"VK_KHR_swapchain"}
)

var (
	ErrValidationUnavailable = errors.New("requested validation layers not available")
	ErrNoSuitableDevice      = errors.New("no suitable GPU found")
	ErrUnknownHandle         = errors.New("unknown handle")
)

// Version is packed with vulkan.MakeVersion.
type Version struct {
	Major, Minor, Patch int
}

// Options controls instance creation.
type Options struct {
	AppName       string
	AppVersion    Version
	EngineName    string
	EngineVersion Version
	Validation    bool
}

// SurfaceSource is the window side of the bootstrap.
type SurfaceSource interface {
	// ProcAddr returns vkGetInstanceProcAddr as exposed by the window system.
	ProcAddr() unsafe.Pointer
	RequiredInstanceExtensions() []string
	CreateSurface(instance vulkan.Instance) (vulkan.Surface, error)
}

type queueFamilyIndices struct {
	graphicsFamily uint32
	presentFamily  uint32
	hasGraphics    bool
	hasPresent     bool
}

func (q queueFamilyIndices) complete() bool { return q.hasGraphics && q.hasPresent }

// Device owns the instance, surface, logical device, queues and the command
// pool, and resolves gpu handles to Vulkan objects.
type Device struct {
	log        *slog.Logger
	validation bool

	instance       vulkan.Instance
	debugCallback  vulkan.DebugReportCallback
	surface        vulkan.Surface
	physicalDevice vulkan.PhysicalDevice
	properties     vulkan.PhysicalDeviceProperties
	device         vulkan.Device
	graphicsQueue  vulkan.Queue
	presentQueue   vulkan.Queue
	queues         queueFamilyIndices
	commandPool    vulkan.CommandPool

	// validationErr holds the first error-severity validation message.
	validationErr error

	swapchains      table[vulkan.Swapchain]
	swapchainImages map[gpu.Swapchain][]uint64
	images          table[vulkan.Image]
	views           table[vulkan.ImageView]
	renderPasses    table[vulkan.RenderPass]
	framebuffers    table[vulkan.Framebuffer]
	commandBuffers  table[vulkan.CommandBuffer]
	semaphores      table[vulkan.Semaphore]
	fences          table[vulkan.Fence]
}

var _ gpu.Device = (*Device)(nil)

// Open brings up everything the renderer needs from Vulkan. On error every
// object created so far is destroyed.
func Open(opts Options, src SurfaceSource, log *slog.Logger) (*Device, error) {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	d := &Device{
		log:             log,
		validation:      opts.Validation,
		swapchains:      newTable[vulkan.Swapchain](),
		swapchainImages: make(map[gpu.Swapchain][]uint64),
		images:          newTable[vulkan.Image](),
		views:           newTable[vulkan.ImageView](),
		renderPasses:    newTable[vulkan.RenderPass](),
		framebuffers:    newTable[vulkan.Framebuffer](),
		commandBuffers:  newTable[vulkan.CommandBuffer](),
		semaphores:      newTable[vulkan.Semaphore](),
		fences:          newTable[vulkan.Fence](),
	}

	vulkan.SetGetInstanceProcAddr(src.ProcAddr())
	if err := vulkan.Init(); err != nil {
		return nil, fmt.Errorf("vulkan init: %w", err)
	}
	if err := d.createInstance(opts, src.RequiredInstanceExtensions()); err != nil {
		return nil, err
	}
	if err := vulkan.InitInstance(d.instance); err != nil {
		d.Close()
		return nil, fmt.Errorf("vkInitInstance: %w", err)
	}

	steps := []func() error{
		d.setupDebugCallback,
		func() error {
			s, err := src.CreateSurface(d.instance)
			if err != nil {
				return fmt.Errorf("create window surface: %w", err)
			}
			d.surface = s
			return nil
		},
		d.pickPhysicalDevice,
		d.createLogicalDevice,
		d.createCommandPool,
	}
	for _, step := range steps {
		if err := step(); err != nil {
			d.Close()
			return nil, err
		}
	}

	d.log.Info("vulkan device ready",
		"gpu", vulkan.ToString(d.properties.DeviceName[:]),
		"graphics_family", d.queues.graphicsFamily,
		"present_family", d.queues.presentFamily,
		"validation", d.validation)
	return d, nil
}

func (d *Device) createInstance(opts Options, extensions []string) error {
	if d.validation && !validationLayersSupported() {
		return ErrValidationUnavailable
	}

	appInfo := vulkan.ApplicationInfo{
		SType:              vulkan.StructureTypeApplicationInfo,
		PApplicationName:   opts.AppName,
		ApplicationVersion: makeVersion(opts.AppVersion),
		PEngineName:        opts.EngineName,
		EngineVersion:      makeVersion(opts.EngineVersion),
		ApiVersion:         vulkan.MakeVersion(1, 1, 0),
	}

	extensions = append([]string(nil), extensions...)
	if d.validation {
		extensions = append(extensions, "VK_EXT_debug_report")
	}

	createInfo := vulkan.InstanceCreateInfo{
		SType:                   vulkan.StructureTypeInstanceCreateInfo,
		PApplicationInfo:        &appInfo,
		EnabledExtensionCount:   uint32(len(extensions)),
		PpEnabledExtensionNames: extensions,
	}
	if d.validation {
		createInfo.EnabledLayerCount = uint32(len(validationLayers))
		createInfo.PpEnabledLayerNames = validationLayers
	}

	if res := vulkan.CreateInstance(&createInfo, nil, &d.instance); res != vulkan.Success {
		return fmt.Errorf("create instance: %w", vulkan.Error(res))
	}
	return nil
}

func makeVersion(v Version) uint32 {
	return vulkan.MakeVersion(v.Major, v.Minor, v.Patch)
}

func validationLayersSupported() bool {
	var count uint32
	if vulkan.EnumerateInstanceLayerProperties(&count, nil) != vulkan.Success {
		return false
	}
	props := make([]vulkan.LayerProperties, count)
	if vulkan.EnumerateInstanceLayerProperties(&count, props) != vulkan.Success {
		return false
	}
	supported := make(map[string]bool)
	for i := range props {
		props[i].Deref()
		supported[vulkan.ToString(props[i].LayerName[:])] = true
	}
	for _, l := range validationLayers {
		if !supported[l] {
			return false
		}
	}
	return true
}

func (d *Device) pickPhysicalDevice() error {
	var count uint32
	if res := vulkan.EnumeratePhysicalDevices(d.instance, &count, nil); res != vulkan.Success || count == 0 {
		if res == vulkan.Success {
			return ErrNoSuitableDevice
		}
		return fmt.Errorf("enumerate physical devices: %w", vulkan.Error(res))
	}
	devices := make([]vulkan.PhysicalDevice, count)
	if res := vulkan.EnumeratePhysicalDevices(d.instance, &count, devices); res != vulkan.Success {
		return fmt.Errorf("enumerate physical devices list: %w", vulkan.Error(res))
	}

	// First device that can drive the surface wins.
	for _, dev := range devices {
		q := d.findQueueFamilies(dev)
		if !q.complete() || !deviceExtensionsSupported(dev) {
			continue
		}
		support, err := d.querySurfaceSupport(dev)
		if err != nil {
			d.log.Debug("skipping device", "err", err)
			continue
		}
		if len(support.Formats) == 0 || len(support.PresentModes) == 0 {
			continue
		}
		var features vulkan.PhysicalDeviceFeatures
		vulkan.GetPhysicalDeviceFeatures(dev, &features)
		features.Deref()
		if features.SamplerAnisotropy != vulkan.True {
			continue
		}
		d.physicalDevice = dev
		d.queues = q
		vulkan.GetPhysicalDeviceProperties(dev, &d.properties)
		d.properties.Deref()
		d.properties.Limits.Deref()
		return nil
	}
	return ErrNoSuitableDevice
}

func deviceExtensionsSupported(device vulkan.PhysicalDevice) bool {
	var count uint32
	if res := vulkan.EnumerateDeviceExtensionProperties(device, "", &count, nil); res != vulkan.Success {
		return false
	}
	props := make([]vulkan.ExtensionProperties, count)
	if res := vulkan.EnumerateDeviceExtensionProperties(device, "", &count, props); res != vulkan.Success {
		return false
	}
	supported := make(map[string]bool)
	for i := range props {
		props[i].Deref()
		supported[vulkan.ToString(props[i].ExtensionName[:])] = true
	}
	for _, ext := range deviceExtensions {
		if !supported[ext] {
			return false
		}
	}
	return true
}

func (d *Device) findQueueFamilies(device vulkan.PhysicalDevice) queueFamilyIndices {
	var count uint32
	vulkan.GetPhysicalDeviceQueueFamilyProperties(device, &count, nil)
	props := make([]vulkan.QueueFamilyProperties, count)
	vulkan.GetPhysicalDeviceQueueFamilyProperties(device, &count, props)

	var indices queueFamilyIndices
	for i := range props {
		props[i].Deref()
		if !indices.hasGraphics && props[i].QueueFlags&vulkan.QueueFlags(vulkan.QueueGraphicsBit) != 0 {
			indices.graphicsFamily = uint32(i)
			indices.hasGraphics = true
		}
		var present vulkan.Bool32
		vulkan.GetPhysicalDeviceSurfaceSupport(device, uint32(i), d.surface, &present)
		if !indices.hasPresent && present == vulkan.True {
			indices.presentFamily = uint32(i)
			indices.hasPresent = true
		}
		if indices.complete() {
			break
		}
	}
	return indices
}

func (d *Device) createLogicalDevice() error {
	var queueInfos []vulkan.DeviceQueueCreateInfo
	families := []uint32{d.queues.graphicsFamily}
	if d.queues.presentFamily != d.queues.graphicsFamily {
		families = append(families, d.queues.presentFamily)
	}
	for _, family := range families {
		queueInfos = append(queueInfos, vulkan.DeviceQueueCreateInfo{
			SType:            vulkan.StructureTypeDeviceQueueCreateInfo,
			QueueFamilyIndex: family,
			QueueCount:       1,
			PQueuePriorities: []float32{1.0},
		})
	}

	features := vulkan.PhysicalDeviceFeatures{SamplerAnisotropy: vulkan.True}
	createInfo := vulkan.DeviceCreateInfo{
		SType:                   vulkan.StructureTypeDeviceCreateInfo,
		PQueueCreateInfos:       queueInfos,
		QueueCreateInfoCount:    uint32(len(queueInfos)),
		PEnabledFeatures:        []vulkan.PhysicalDeviceFeatures{features},
		PpEnabledExtensionNames: deviceExtensions,
		EnabledExtensionCount:   uint32(len(deviceExtensions)),
	}
	if d.validation {
		createInfo.EnabledLayerCount = uint32(len(validationLayers))
		createInfo.PpEnabledLayerNames = validationLayers
	}

	if res := vulkan.CreateDevice(d.physicalDevice, &createInfo, nil, &d.device); res != vulkan.Success {
		return fmt.Errorf("create logical device: %w", vulkan.Error(res))
	}

	vulkan.GetDeviceQueue(d.device, d.queues.graphicsFamily, 0, &d.graphicsQueue)
	vulkan.GetDeviceQueue(d.device, d.queues.presentFamily, 0, &d.presentQueue)
	return nil
}

func (d *Device) createCommandPool() error {
	poolInfo := vulkan.CommandPoolCreateInfo{
		SType:            vulkan.StructureTypeCommandPoolCreateInfo,
		QueueFamilyIndex: d.queues.graphicsFamily,
		Flags:            vulkan.CommandPoolCreateFlags(vulkan.CommandPoolCreateResetCommandBufferBit),
	}
	if res := vulkan.CreateCommandPool(d.device, &poolInfo, nil, &d.commandPool); res != vulkan.Success {
		return fmt.Errorf("create command pool: %w", vulkan.Error(res))
	}
	return nil
}

// WaitIdle blocks until the device has finished all submitted work.
func (d *Device) WaitIdle() error {
	if res := vulkan.DeviceWaitIdle(d.device); res != vulkan.Success {
		return fmt.Errorf("device wait idle: %w", vulkan.Error(res))
	}
	return nil
}

// Close destroys the device context. Objects created through the gpu.Device
// methods must already be destroyed; leftovers are logged and destroyed here.
func (d *Device) Close() {
	d.destroyLeftovers()
	if d.commandPool != vulkan.CommandPool(vulkan.NullHandle) {
		vulkan.DestroyCommandPool(d.device, d.commandPool, nil)
		d.commandPool = vulkan.CommandPool(vulkan.NullHandle)
	}
	if d.device != vulkan.Device(vulkan.NullHandle) {
		vulkan.DestroyDevice(d.device, nil)
		d.device = vulkan.Device(vulkan.NullHandle)
	}
	if d.debugCallback != vulkan.DebugReportCallback(vulkan.NullHandle) {
		vulkan.DestroyDebugReportCallback(d.instance, d.debugCallback, nil)
		d.debugCallback = vulkan.DebugReportCallback(vulkan.NullHandle)
	}
	if d.surface != vulkan.Surface(vulkan.NullHandle) {
		vulkan.DestroySurface(d.instance, d.surface, nil)
		d.surface = vulkan.Surface(vulkan.NullHandle)
	}
	if d.instance != vulkan.Instance(vulkan.NullHandle) {
		vulkan.DestroyInstance(d.instance, nil)
		d.instance = vulkan.Instance(vulkan.NullHandle)
	}
}

func (d *Device) destroyLeftovers() {
	if d.device == vulkan.Device(vulkan.NullHandle) {
		return
	}
	leaked := d.framebuffers.len() + d.views.len() + d.renderPasses.len() +
		d.swapchains.len() + d.semaphores.len() + d.fences.len() + d.commandBuffers.len()
	if leaked == 0 {
		return
	}
	d.log.Warn("destroying leaked objects at close", "count", leaked)
	for h := range d.framebuffers.items {
		d.DestroyFramebuffer(gpu.Framebuffer(h))
	}
	for h := range d.views.items {
		d.DestroyImageView(gpu.ImageView(h))
	}
	for h := range d.renderPasses.items {
		d.DestroyRenderPass(gpu.RenderPass(h))
	}
	for h := range d.swapchains.items {
		d.DestroySwapchain(gpu.Swapchain(h))
	}
	for h := range d.semaphores.items {
		d.DestroySemaphore(gpu.Semaphore(h))
	}
	for h := range d.fences.items {
		d.DestroyFence(gpu.Fence(h))
	}
	// Command buffers go with the pool.
	clear(d.commandBuffers.items)
}
