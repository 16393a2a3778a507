package renderer

import (
	"fmt"

	"github.com/hellhand/kube/internal/gpu"
	"github.com/hellhand/kube/internal/memory"
)

// frameSync holds the per-slot semaphores and fences, plus the fence that
// last used each swapchain image.
type frameSync struct {
	imageAvailable []gpu.Semaphore
	renderFinished []gpu.Semaphore
	inFlight       []gpu.Fence

	// imagesInFlight is indexed by swapchain image and lives in the
	// swapchain arena. Zero means no frame has used the image yet.
	imagesInFlight []gpu.Fence
}

func (s *frameSync) create(dev gpu.Device, arena *memory.Arena, frames int) error {
	s.imageAvailable = memory.AllocSlice[gpu.Semaphore](arena, frames)
	s.renderFinished = memory.AllocSlice[gpu.Semaphore](arena, frames)
	s.inFlight = memory.AllocSlice[gpu.Fence](arena, frames)

	var err error
	for i := 0; i < frames; i++ {
		if s.imageAvailable[i], err = dev.CreateSemaphore(); err != nil {
			return fmt.Errorf("create imageAvailable semaphore %d: %w", i, err)
		}
		if s.renderFinished[i], err = dev.CreateSemaphore(); err != nil {
			return fmt.Errorf("create renderFinished semaphore %d: %w", i, err)
		}
		// Signaled so the first wait on each slot returns at once.
		if s.inFlight[i], err = dev.CreateFence(true); err != nil {
			return fmt.Errorf("create fence %d: %w", i, err)
		}
	}
	return nil
}

// trackImages starts a fresh per-image fence table for a new swapchain.
func (s *frameSync) trackImages(arena *memory.Arena, imageCount uint32) {
	s.imagesInFlight = memory.AllocSlice[gpu.Fence](arena, int(imageCount))
}

func (s *frameSync) destroy(dev gpu.Device) {
	for i := range s.inFlight {
		if s.renderFinished[i] != 0 {
			dev.DestroySemaphore(s.renderFinished[i])
		}
		if s.imageAvailable[i] != 0 {
			dev.DestroySemaphore(s.imageAvailable[i])
		}
		if s.inFlight[i] != 0 {
			dev.DestroyFence(s.inFlight[i])
		}
	}
	*s = frameSync{}
}
