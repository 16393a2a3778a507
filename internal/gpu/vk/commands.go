package vk

import (
	"fmt"

	"github.com/vulkan-go/vulkan"

	"github.com/hellhand/kube/internal/gpu"
)

// AllocateCommandBuffers allocates len(dst) primary buffers from the pool.
func (d *Device) AllocateCommandBuffers(dst []gpu.CommandBuffer) error {
	if len(dst) == 0 {
		return nil
	}
	allocInfo := vulkan.CommandBufferAllocateInfo{
		SType:              vulkan.StructureTypeCommandBufferAllocateInfo,
		CommandPool:        d.commandPool,
		Level:              vulkan.CommandBufferLevelPrimary,
		CommandBufferCount: uint32(len(dst)),
	}
	cbs := make([]vulkan.CommandBuffer, len(dst))
	if res := vulkan.AllocateCommandBuffers(d.device, &allocInfo, cbs); res != vulkan.Success {
		return fmt.Errorf("allocate command buffers: %w", vulkan.Error(res))
	}
	for i, cb := range cbs {
		dst[i] = gpu.CommandBuffer(d.commandBuffers.add(cb))
	}
	return nil
}

func (d *Device) FreeCommandBuffers(handles []gpu.CommandBuffer) {
	cbs := make([]vulkan.CommandBuffer, 0, len(handles))
	for _, h := range handles {
		if cb, ok := d.commandBuffers.take(uint64(h)); ok {
			cbs = append(cbs, cb)
		}
	}
	if len(cbs) > 0 {
		vulkan.FreeCommandBuffers(d.device, d.commandPool, uint32(len(cbs)), cbs)
	}
}

func (d *Device) CreateSemaphore() (gpu.Semaphore, error) {
	semInfo := vulkan.SemaphoreCreateInfo{
		SType: vulkan.StructureTypeSemaphoreCreateInfo,
	}
	var s vulkan.Semaphore
	if res := vulkan.CreateSemaphore(d.device, &semInfo, nil, &s); res != vulkan.Success {
		return 0, fmt.Errorf("create semaphore: %w", vulkan.Error(res))
	}
	return gpu.Semaphore(d.semaphores.add(s)), nil
}

func (d *Device) DestroySemaphore(h gpu.Semaphore) {
	if s, ok := d.semaphores.take(uint64(h)); ok {
		vulkan.DestroySemaphore(d.device, s, nil)
	}
}

func (d *Device) CreateFence(signaled bool) (gpu.Fence, error) {
	fenceInfo := vulkan.FenceCreateInfo{
		SType: vulkan.StructureTypeFenceCreateInfo,
	}
	if signaled {
		fenceInfo.Flags = vulkan.FenceCreateFlags(vulkan.FenceCreateSignaledBit)
	}
	var f vulkan.Fence
	if res := vulkan.CreateFence(d.device, &fenceInfo, nil, &f); res != vulkan.Success {
		return 0, fmt.Errorf("create fence: %w", vulkan.Error(res))
	}
	return gpu.Fence(d.fences.add(f)), nil
}

func (d *Device) DestroyFence(h gpu.Fence) {
	if f, ok := d.fences.take(uint64(h)); ok {
		vulkan.DestroyFence(d.device, f, nil)
	}
}

// WaitForFence blocks without a timeout.
func (d *Device) WaitForFence(h gpu.Fence) error {
	f, ok := d.fences.get(uint64(h))
	if !ok {
		return fmt.Errorf("fence %d: %w", h, ErrUnknownHandle)
	}
	if res := vulkan.WaitForFences(d.device, 1, []vulkan.Fence{f}, vulkan.True, vulkan.MaxUint64); res != vulkan.Success {
		return fmt.Errorf("wait for fence: %w", vulkan.Error(res))
	}
	return nil
}

func (d *Device) ResetFence(h gpu.Fence) error {
	f, ok := d.fences.get(uint64(h))
	if !ok {
		return fmt.Errorf("fence %d: %w", h, ErrUnknownHandle)
	}
	if res := vulkan.ResetFences(d.device, 1, []vulkan.Fence{f}); res != vulkan.Success {
		return fmt.Errorf("reset fence: %w", vulkan.Error(res))
	}
	return nil
}

func (d *Device) ResetCommandBuffer(h gpu.CommandBuffer) error {
	cb, ok := d.commandBuffers.get(uint64(h))
	if !ok {
		return fmt.Errorf("command buffer %d: %w", h, ErrUnknownHandle)
	}
	if res := vulkan.ResetCommandBuffer(cb, 0); res != vulkan.Success {
		return fmt.Errorf("reset command buffer: %w", vulkan.Error(res))
	}
	return nil
}

func (d *Device) BeginCommandBuffer(h gpu.CommandBuffer) error {
	cb, ok := d.commandBuffers.get(uint64(h))
	if !ok {
		return fmt.Errorf("command buffer %d: %w", h, ErrUnknownHandle)
	}
	beginInfo := vulkan.CommandBufferBeginInfo{
		SType: vulkan.StructureTypeCommandBufferBeginInfo,
	}
	if res := vulkan.BeginCommandBuffer(cb, &beginInfo); res != vulkan.Success {
		return fmt.Errorf("begin command buffer: %w", vulkan.Error(res))
	}
	return nil
}

func (d *Device) BeginRenderPass(h gpu.CommandBuffer, rp gpu.RenderPass, fb gpu.Framebuffer, extent gpu.Extent2D, clear gpu.ClearColor) {
	cb, _ := d.commandBuffers.get(uint64(h))
	pass, _ := d.renderPasses.get(uint64(rp))
	framebuffer, _ := d.framebuffers.get(uint64(fb))

	clearValues := []vulkan.ClearValue{vulkan.NewClearValue(clear[:])}
	renderPassInfo := vulkan.RenderPassBeginInfo{
		SType:       vulkan.StructureTypeRenderPassBeginInfo,
		RenderPass:  pass,
		Framebuffer: framebuffer,
		RenderArea: vulkan.Rect2D{
			Offset: vulkan.Offset2D{X: 0, Y: 0},
			Extent: toExtent(extent),
		},
		ClearValueCount: uint32(len(clearValues)),
		PClearValues:    clearValues,
	}
	vulkan.CmdBeginRenderPass(cb, &renderPassInfo, vulkan.SubpassContentsInline)
}

func (d *Device) EndRenderPass(h gpu.CommandBuffer) {
	cb, _ := d.commandBuffers.get(uint64(h))
	vulkan.CmdEndRenderPass(cb)
}

func (d *Device) EndCommandBuffer(h gpu.CommandBuffer) error {
	cb, ok := d.commandBuffers.get(uint64(h))
	if !ok {
		return fmt.Errorf("command buffer %d: %w", h, ErrUnknownHandle)
	}
	if res := vulkan.EndCommandBuffer(cb); res != vulkan.Success {
		return fmt.Errorf("end command buffer: %w", vulkan.Error(res))
	}
	return nil
}

// AcquireNextImage waits without a timeout and signals signal when the
// image is ready to be rendered into.
func (d *Device) AcquireNextImage(h gpu.Swapchain, signal gpu.Semaphore) (uint32, gpu.Status, error) {
	sc, ok := d.swapchains.get(uint64(h))
	if !ok {
		return 0, 0, fmt.Errorf("swapchain %d: %w", h, ErrUnknownHandle)
	}
	sem, _ := d.semaphores.get(uint64(signal))
	var imageIndex uint32
	res := vulkan.AcquireNextImage(d.device, sc, vulkan.MaxUint64, sem, vulkan.Fence(vulkan.NullHandle), &imageIndex)
	status, err := presentStatus(res)
	if err != nil {
		return 0, 0, fmt.Errorf("acquire next image: %w", err)
	}
	return imageIndex, status, nil
}

// Submit queues one command buffer on the graphics queue. A validation
// error raised since the last submit or present fails the call.
func (d *Device) Submit(s gpu.Submission) error {
	if err := d.takeValidationError(); err != nil {
		return err
	}
	cb, ok := d.commandBuffers.get(uint64(s.Command))
	if !ok {
		return fmt.Errorf("command buffer %d: %w", s.Command, ErrUnknownHandle)
	}
	wait, _ := d.semaphores.get(uint64(s.Wait))
	signal, _ := d.semaphores.get(uint64(s.Signal))
	fence, _ := d.fences.get(uint64(s.Fence))

	waitStages := []vulkan.PipelineStageFlags{vulkan.PipelineStageFlags(vulkan.PipelineStageColorAttachmentOutputBit)}
	submitInfo := vulkan.SubmitInfo{
		SType:                vulkan.StructureTypeSubmitInfo,
		WaitSemaphoreCount:   1,
		PWaitSemaphores:      []vulkan.Semaphore{wait},
		PWaitDstStageMask:    waitStages,
		CommandBufferCount:   1,
		PCommandBuffers:      []vulkan.CommandBuffer{cb},
		SignalSemaphoreCount: 1,
		PSignalSemaphores:    []vulkan.Semaphore{signal},
	}
	if res := vulkan.QueueSubmit(d.graphicsQueue, 1, []vulkan.SubmitInfo{submitInfo}, fence); res != vulkan.Success {
		return fmt.Errorf("queue submit: %w", vulkan.Error(res))
	}
	return nil
}

// Present queues imageIndex for display once wait is signaled.
func (d *Device) Present(h gpu.Swapchain, wait gpu.Semaphore, imageIndex uint32) (gpu.Status, error) {
	if err := d.takeValidationError(); err != nil {
		return 0, err
	}
	sc, ok := d.swapchains.get(uint64(h))
	if !ok {
		return 0, fmt.Errorf("swapchain %d: %w", h, ErrUnknownHandle)
	}
	sem, _ := d.semaphores.get(uint64(wait))
	presentInfo := vulkan.PresentInfo{
		SType:              vulkan.StructureTypePresentInfo,
		WaitSemaphoreCount: 1,
		PWaitSemaphores:    []vulkan.Semaphore{sem},
		SwapchainCount:     1,
		PSwapchains:        []vulkan.Swapchain{sc},
		PImageIndices:      []uint32{imageIndex},
	}
	status, err := presentStatus(vulkan.QueuePresent(d.presentQueue, &presentInfo))
	if err != nil {
		return 0, fmt.Errorf("queue present: %w", err)
	}
	return status, nil
}

func presentStatus(res vulkan.Result) (gpu.Status, error) {
	switch res {
	case vulkan.Success:
		return gpu.Success, nil
	case vulkan.Suboptimal:
		return gpu.Suboptimal, nil
	case vulkan.ErrorOutOfDate:
		return gpu.OutOfDate, nil
	default:
		return 0, vulkan.Error(res)
	}
}
