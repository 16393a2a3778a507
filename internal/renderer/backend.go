// Package renderer owns the swapchain, the frames in flight and the
// participant registry, and drives one acquire-record-submit-present cycle
// per DrawFrame.
//
// Everything runs on the caller's goroutine. The only blocking calls are
// fence waits before a frame slot or swapchain image is reused, and the
// device-wide wait before the swapchain is torn down.
package renderer

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/hellhand/kube/internal/fatal"
	"github.com/hellhand/kube/internal/gpu"
	"github.com/hellhand/kube/internal/memory"
)

var (
	ErrAlreadyConfigured = errors.New("backend already configured")
	ErrNotConfigured     = errors.New("backend not configured")
	ErrNilDevice         = errors.New("nil device")
)

type backendState int

const (
	stateNew backendState = iota
	stateReady
	stateClosed
)

// FrameInput is what the window reports for the frame about to be drawn.
type FrameInput struct {
	Width, Height uint32
	// Resized is set when the framebuffer changed size since the last frame.
	Resized bool
}

func (in FrameInput) extent() gpu.Extent2D {
	return gpu.Extent2D{Width: in.Width, Height: in.Height}
}

// Backend is the renderer core. The zero value is ready for Configure.
type Backend struct {
	cfg   Config
	log   *slog.Logger
	dev   gpu.Device
	pools *memory.Pools
	reg   Registry
	sc    swapchain
	sync  frameSync
	state backendState

	currentFrame int
	frameCount   uint64
	recreates    int
}

// Configure creates the memory pools, the frame synchronization objects and
// the first swapchain on dev. The backend takes ownership of dev and closes
// it in Shutdown. Configuring twice is fatal.
func (b *Backend) Configure(cfg Config, dev gpu.Device) error {
	fatal.Assert(b.state == stateNew, ErrAlreadyConfigured, "configure")
	fatal.Assert(dev != nil, ErrNilDevice, "configure")

	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return fatal.Wrap(err)
	}
	b.cfg = cfg
	b.log = cfg.Logger
	b.dev = dev
	b.pools = memory.NewPools(cfg.Budgets)

	if err := b.sync.create(dev, b.pools.Persistent(), cfg.FramesInFlight); err != nil {
		b.sync.destroy(dev)
		return fatal.Wrap(err)
	}
	if err := b.createSwapchain(gpu.Extent2D{Width: cfg.Width, Height: cfg.Height}); err != nil {
		b.sc.destroy(dev)
		b.sync.destroy(dev)
		return err
	}
	b.state = stateReady

	b.log.Info("renderer configured",
		"app", cfg.AppName, "version", cfg.AppVersion.String(),
		"framesInFlight", cfg.FramesInFlight,
		"extent", b.sc.extent.String(),
		"images", b.sc.imageCount(),
		"presentMode", b.sc.presentMode.String())
	return nil
}

// Register hooks p into the swapchain lifecycle. See Registry.Register.
func (b *Backend) Register(p Participant) Slot {
	fatal.Assert(b.state != stateClosed, ErrNotConfigured, "register after shutdown")
	slot := b.reg.Register(p)
	if b.log != nil {
		b.log.Debug("participant registered", "name", p.Name(), "slot", int(slot))
	}
	return slot
}

// Registry exposes the participant table.
func (b *Backend) Registry() *Registry { return &b.reg }

// Pools returns the backend's arenas. Subsystems take persistent memory from
// Persistent, per-image memory from Swapchain and draw-time scratch from Frame.
func (b *Backend) Pools() *memory.Pools { return b.pools }

// Swapchain describes the current swapchain.
func (b *Backend) Swapchain() SwapchainInfo { return b.sc.info() }

// CurrentFrame is the frame slot the next DrawFrame will use.
func (b *Backend) CurrentFrame() int { return b.currentFrame }

// FrameCount is the number of frames submitted and presented.
func (b *Backend) FrameCount() uint64 { return b.frameCount }

// Recreates is the number of swapchain rebuilds since Configure.
func (b *Backend) Recreates() int { return b.recreates }

// Config returns the effective configuration.
func (b *Backend) Config() Config { return b.cfg }

// DrawFrame renders and presents one frame. The caller must not pass a zero
// drawable size; a minimized window is handled before calling.
//
// A stale swapchain is not an error: it is rebuilt, and if staleness was
// reported on acquire the frame is skipped.
func (b *Backend) DrawFrame(in FrameInput) error {
	fatal.Assert(b.state == stateReady, ErrNotConfigured, "draw frame")

	slot := b.currentFrame
	inFlight := b.sync.inFlight[slot]
	if err := b.dev.WaitForFence(inFlight); err != nil {
		return fatal.Wrap(fmt.Errorf("wait for frame %d fence: %w", slot, err))
	}

	imageIndex, status, err := b.dev.AcquireNextImage(b.sc.handle, b.sync.imageAvailable[slot])
	if err != nil {
		return fatal.Wrap(fmt.Errorf("acquire next image: %w", err))
	}
	if status == gpu.OutOfDate {
		b.log.Debug("swapchain out of date on acquire, skipping frame")
		return b.recreateSwapchain(in.extent())
	}

	// The image may still be in use by a frame from another slot.
	if prev := b.sync.imagesInFlight[imageIndex]; prev != 0 && prev != inFlight {
		if err := b.dev.WaitForFence(prev); err != nil {
			return fatal.Wrap(fmt.Errorf("wait for image %d fence: %w", imageIndex, err))
		}
	}
	b.sync.imagesInFlight[imageIndex] = inFlight

	cb := b.sc.commandBuffers[imageIndex]
	if err := b.record(cb, imageIndex); err != nil {
		return fatal.Wrap(err)
	}

	if err := b.dev.ResetFence(inFlight); err != nil {
		return fatal.Wrap(fmt.Errorf("reset frame %d fence: %w", slot, err))
	}
	if err := b.dev.Submit(gpu.Submission{
		Command: cb,
		Wait:    b.sync.imageAvailable[slot],
		Signal:  b.sync.renderFinished[slot],
		Fence:   inFlight,
	}); err != nil {
		return fatal.Wrap(fmt.Errorf("queue submit: %w", err))
	}

	status, err = b.dev.Present(b.sc.handle, b.sync.renderFinished[slot], imageIndex)
	if err != nil {
		return fatal.Wrap(fmt.Errorf("queue present: %w", err))
	}

	b.currentFrame = (b.currentFrame + 1) % len(b.sync.inFlight)
	b.frameCount++
	b.pools.Frame().Reset()

	if status != gpu.Success || in.Resized {
		b.log.Debug("recreating swapchain after present", "status", status.String(), "resized", in.Resized)
		return b.recreateSwapchain(in.extent())
	}
	return nil
}

func (b *Backend) record(cb gpu.CommandBuffer, imageIndex uint32) error {
	if err := b.dev.ResetCommandBuffer(cb); err != nil {
		return fmt.Errorf("reset command buffer: %w", err)
	}
	if err := b.dev.BeginCommandBuffer(cb); err != nil {
		return fmt.Errorf("begin command buffer: %w", err)
	}
	b.dev.BeginRenderPass(cb, b.sc.renderPass, b.sc.framebuffers[imageIndex], b.sc.extent, b.cfg.ClearColor)
	if err := b.reg.drawAll(cb, imageIndex); err != nil {
		return err
	}
	b.dev.EndRenderPass(cb)
	if err := b.dev.EndCommandBuffer(cb); err != nil {
		return fmt.Errorf("end command buffer: %w", err)
	}
	return nil
}

func (b *Backend) createSwapchain(want gpu.Extent2D) error {
	if err := b.sc.create(b.dev, b.pools.Swapchain(), want); err != nil {
		return fatal.Wrap(err)
	}
	b.sync.trackImages(b.pools.Swapchain(), b.sc.imageCount())
	return nil
}

// destroySwapchain runs participant cleanup hooks, then frees the backend's
// own swapchain objects. The device must be idle.
func (b *Backend) destroySwapchain() {
	b.reg.cleanupAll()
	b.sc.destroy(b.dev)
	b.sync.imagesInFlight = nil
}

func (b *Backend) recreateSwapchain(want gpu.Extent2D) error {
	if err := b.dev.WaitIdle(); err != nil {
		return fatal.Wrap(fmt.Errorf("wait idle: %w", err))
	}
	b.destroySwapchain()
	b.pools.Swapchain().Reset()

	if err := b.createSwapchain(want); err != nil {
		return err
	}
	b.recreates++
	if err := b.reg.recreateAll(b.sc.info()); err != nil {
		return fatal.Wrap(err)
	}
	b.log.Info("swapchain recreated",
		"extent", b.sc.extent.String(),
		"images", b.sc.imageCount(),
		"swapchainPool", b.pools.Swapchain().Len())
	return nil
}

// Shutdown waits for the GPU and releases everything in reverse dependency
// order: swapchain objects, participants' persistent objects, frame sync
// objects, the device, the pools. The backend cannot be configured again.
func (b *Backend) Shutdown() {
	if b.state != stateReady {
		b.state = stateClosed
		return
	}
	if err := b.dev.WaitIdle(); err != nil {
		b.log.Error("wait idle at shutdown", "err", err)
	}
	b.destroySwapchain()
	b.reg.releaseAll()
	b.sync.destroy(b.dev)
	b.dev.Close()
	b.pools.Release()
	b.state = stateClosed
	b.log.Info("renderer shut down", "frames", b.frameCount)
}
