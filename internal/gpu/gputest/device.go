// Package gputest provides an in-memory gpu.Device that records every call.
//
// The fake GPU finishes submitted work lazily: a fence stays unsignaled after
// Submit until something waits on it (WaitForFence or WaitIdle), which lets
// tests observe exactly which waits the renderer performs.
package gputest

import (
	"errors"
	"fmt"

	"github.com/hellhand/kube/internal/gpu"
)

var (
	ErrUnknownHandle = errors.New("gputest: unknown handle")
	ErrDeadlock      = errors.New("gputest: wait on a fence that can never signal")
)

// DefaultSupport is a surface that lets the swapchain pick its own extent.
func DefaultSupport() gpu.SurfaceSupport {
	return gpu.SurfaceSupport{
		Capabilities: gpu.SurfaceCapabilities{
			MinImageCount:  2,
			MaxImageCount:  8,
			CurrentExtent:  gpu.Extent2D{Width: gpu.UndefinedExtent, Height: gpu.UndefinedExtent},
			MinImageExtent: gpu.Extent2D{Width: 1, Height: 1},
			MaxImageExtent: gpu.Extent2D{Width: 4096, Height: 4096},
		},
		Formats: []gpu.SurfaceFormat{
			{Format: gpu.FormatB8G8R8A8Unorm, ColorSpace: gpu.ColorSpaceSrgbNonlinear},
			{Format: gpu.FormatB8G8R8A8Srgb, ColorSpace: gpu.ColorSpaceSrgbNonlinear},
		},
		PresentModes: []gpu.PresentMode{gpu.PresentModeFifo, gpu.PresentModeMailbox},
	}
}

type fenceState int

const (
	fenceUnsignaled fenceState = iota
	fencePending
	fenceSignaled
)

type swapchainState struct {
	cfg   gpu.SwapchainConfig
	count uint32
	next  uint32
}

// Device implements gpu.Device. Exported fields may be changed between calls.
type Device struct {
	Support gpu.SurfaceSupport
	// ExtraImages is added to the requested image count, as drivers may.
	ExtraImages uint32

	// Acquire, when set, chooses the image index for the n-th acquire
	// (0-based). Otherwise images are handed out round-robin.
	Acquire func(n int) uint32
	// AcquireStatus and PresentStatus override the status of the n-th call.
	AcquireStatus map[int]gpu.Status
	PresentStatus map[int]gpu.Status
	// Fail makes the named method return the error.
	Fail map[string]error

	Events      []string
	Submissions []gpu.Submission
	Presented   []uint32
	FenceWaits  []gpu.Fence
	Swapchains  []gpu.SwapchainConfig

	AcquireCalls int
	PresentCalls int
	WaitIdles    int
	Closed       bool

	nextHandle uint64
	live       map[uint64]string
	fences     map[gpu.Fence]fenceState
	chains     map[gpu.Swapchain]*swapchainState
	recording  map[gpu.CommandBuffer]bool
	inPass     map[gpu.CommandBuffer]bool
}

var _ gpu.Device = (*Device)(nil)

func New() *Device {
	return &Device{
		Support:       DefaultSupport(),
		AcquireStatus: map[int]gpu.Status{},
		PresentStatus: map[int]gpu.Status{},
		Fail:          map[string]error{},
		live:          map[uint64]string{},
		fences:        map[gpu.Fence]fenceState{},
		chains:        map[gpu.Swapchain]*swapchainState{},
		recording:     map[gpu.CommandBuffer]bool{},
		inPass:        map[gpu.CommandBuffer]bool{},
	}
}

// Record appends an event. Test participants use it so their hooks
// interleave with driver calls in one log.
func (d *Device) Record(format string, args ...any) {
	d.Events = append(d.Events, fmt.Sprintf(format, args...))
}

// Live returns the number of objects of kind ("fence", "image-view", ...)
// that were created and not yet destroyed.
func (d *Device) Live(kind string) int {
	n := 0
	for _, k := range d.live {
		if k == kind {
			n++
		}
	}
	return n
}

// LiveTotal counts every object not yet destroyed.
func (d *Device) LiveTotal() int { return len(d.live) }

// Count returns how many events equal name.
func (d *Device) Count(name string) int {
	n := 0
	for _, e := range d.Events {
		if e == name {
			n++
		}
	}
	return n
}

// InRenderPass reports whether cb is between BeginRenderPass and EndRenderPass.
func (d *Device) InRenderPass(cb gpu.CommandBuffer) bool { return d.inPass[cb] }

func (d *Device) fail(method string) error {
	if err, ok := d.Fail[method]; ok {
		return err
	}
	return nil
}

func (d *Device) create(kind string) uint64 {
	d.nextHandle++
	d.live[d.nextHandle] = kind
	return d.nextHandle
}

func (d *Device) destroy(kind string, h uint64) {
	if h == 0 {
		return
	}
	if d.live[h] != kind {
		panic(fmt.Sprintf("gputest: destroy %s %d: %v", kind, h, ErrUnknownHandle))
	}
	delete(d.live, h)
}

func (d *Device) SurfaceSupport() (gpu.SurfaceSupport, error) {
	if err := d.fail("SurfaceSupport"); err != nil {
		return gpu.SurfaceSupport{}, err
	}
	return d.Support, nil
}

func (d *Device) CreateSwapchain(cfg gpu.SwapchainConfig) (gpu.Swapchain, error) {
	if err := d.fail("CreateSwapchain"); err != nil {
		return 0, err
	}
	sc := gpu.Swapchain(d.create("swapchain"))
	d.chains[sc] = &swapchainState{cfg: cfg, count: cfg.ImageCount + d.ExtraImages}
	d.Swapchains = append(d.Swapchains, cfg)
	d.Record("create-swapchain")
	return sc, nil
}

func (d *Device) ImageCount(sc gpu.Swapchain) (uint32, error) {
	st, ok := d.chains[sc]
	if !ok {
		return 0, ErrUnknownHandle
	}
	return st.count, nil
}

func (d *Device) SwapchainImages(sc gpu.Swapchain, dst []gpu.Image) error {
	st, ok := d.chains[sc]
	if !ok {
		return ErrUnknownHandle
	}
	if uint32(len(dst)) < st.count {
		return fmt.Errorf("gputest: %d image slots for %d images", len(dst), st.count)
	}
	for i := uint32(0); i < st.count; i++ {
		// Images belong to the swapchain and are never destroyed on their own.
		d.nextHandle++
		dst[i] = gpu.Image(d.nextHandle)
	}
	return nil
}

func (d *Device) DestroySwapchain(sc gpu.Swapchain) {
	d.destroy("swapchain", uint64(sc))
	delete(d.chains, sc)
	d.Record("destroy-swapchain")
}

func (d *Device) CreateImageView(img gpu.Image, format gpu.Format) (gpu.ImageView, error) {
	if err := d.fail("CreateImageView"); err != nil {
		return 0, err
	}
	return gpu.ImageView(d.create("image-view")), nil
}

func (d *Device) DestroyImageView(v gpu.ImageView) { d.destroy("image-view", uint64(v)) }

func (d *Device) CreateRenderPass(format gpu.Format) (gpu.RenderPass, error) {
	if err := d.fail("CreateRenderPass"); err != nil {
		return 0, err
	}
	return gpu.RenderPass(d.create("render-pass")), nil
}

func (d *Device) DestroyRenderPass(rp gpu.RenderPass) { d.destroy("render-pass", uint64(rp)) }

func (d *Device) CreateFramebuffer(rp gpu.RenderPass, view gpu.ImageView, extent gpu.Extent2D) (gpu.Framebuffer, error) {
	if err := d.fail("CreateFramebuffer"); err != nil {
		return 0, err
	}
	return gpu.Framebuffer(d.create("framebuffer")), nil
}

func (d *Device) DestroyFramebuffer(fb gpu.Framebuffer) { d.destroy("framebuffer", uint64(fb)) }

func (d *Device) AllocateCommandBuffers(dst []gpu.CommandBuffer) error {
	if err := d.fail("AllocateCommandBuffers"); err != nil {
		return err
	}
	for i := range dst {
		dst[i] = gpu.CommandBuffer(d.create("command-buffer"))
	}
	return nil
}

func (d *Device) FreeCommandBuffers(cbs []gpu.CommandBuffer) {
	for _, cb := range cbs {
		d.destroy("command-buffer", uint64(cb))
		delete(d.recording, cb)
		delete(d.inPass, cb)
	}
}

func (d *Device) CreateSemaphore() (gpu.Semaphore, error) {
	if err := d.fail("CreateSemaphore"); err != nil {
		return 0, err
	}
	return gpu.Semaphore(d.create("semaphore")), nil
}

func (d *Device) DestroySemaphore(s gpu.Semaphore) { d.destroy("semaphore", uint64(s)) }

func (d *Device) CreateFence(signaled bool) (gpu.Fence, error) {
	if err := d.fail("CreateFence"); err != nil {
		return 0, err
	}
	f := gpu.Fence(d.create("fence"))
	if signaled {
		d.fences[f] = fenceSignaled
	} else {
		d.fences[f] = fenceUnsignaled
	}
	return f, nil
}

func (d *Device) DestroyFence(f gpu.Fence) {
	d.destroy("fence", uint64(f))
	delete(d.fences, f)
}

// Signaled reports whether f is signaled.
func (d *Device) Signaled(f gpu.Fence) bool { return d.fences[f] == fenceSignaled }

func (d *Device) WaitForFence(f gpu.Fence) error {
	if err := d.fail("WaitForFence"); err != nil {
		return err
	}
	st, ok := d.fences[f]
	if !ok {
		return ErrUnknownHandle
	}
	d.FenceWaits = append(d.FenceWaits, f)
	switch st {
	case fenceUnsignaled:
		return ErrDeadlock
	case fencePending:
		d.fences[f] = fenceSignaled
	}
	return nil
}

func (d *Device) ResetFence(f gpu.Fence) error {
	if err := d.fail("ResetFence"); err != nil {
		return err
	}
	if _, ok := d.fences[f]; !ok {
		return ErrUnknownHandle
	}
	d.fences[f] = fenceUnsignaled
	return nil
}

func (d *Device) ResetCommandBuffer(cb gpu.CommandBuffer) error {
	if d.recording[cb] {
		return fmt.Errorf("gputest: reset command buffer %d while recording", cb)
	}
	return d.fail("ResetCommandBuffer")
}

func (d *Device) BeginCommandBuffer(cb gpu.CommandBuffer) error {
	if err := d.fail("BeginCommandBuffer"); err != nil {
		return err
	}
	if d.live[uint64(cb)] != "command-buffer" {
		return ErrUnknownHandle
	}
	d.recording[cb] = true
	return nil
}

func (d *Device) BeginRenderPass(cb gpu.CommandBuffer, rp gpu.RenderPass, fb gpu.Framebuffer, extent gpu.Extent2D, clear gpu.ClearColor) {
	d.inPass[cb] = true
}

func (d *Device) EndRenderPass(cb gpu.CommandBuffer) {
	d.inPass[cb] = false
}

func (d *Device) EndCommandBuffer(cb gpu.CommandBuffer) error {
	if err := d.fail("EndCommandBuffer"); err != nil {
		return err
	}
	if !d.recording[cb] || d.inPass[cb] {
		return fmt.Errorf("gputest: end command buffer %d in bad state", cb)
	}
	d.recording[cb] = false
	return nil
}

func (d *Device) AcquireNextImage(sc gpu.Swapchain, signal gpu.Semaphore) (uint32, gpu.Status, error) {
	n := d.AcquireCalls
	d.AcquireCalls++
	if err := d.fail("AcquireNextImage"); err != nil {
		return 0, gpu.Success, err
	}
	st, ok := d.chains[sc]
	if !ok {
		return 0, gpu.Success, ErrUnknownHandle
	}
	status := d.AcquireStatus[n]
	if status == gpu.OutOfDate {
		d.Record("acquire-out-of-date")
		return 0, status, nil
	}
	var idx uint32
	if d.Acquire != nil {
		idx = d.Acquire(n) % st.count
	} else {
		idx = st.next
		st.next = (st.next + 1) % st.count
	}
	return idx, status, nil
}

func (d *Device) Submit(s gpu.Submission) error {
	if err := d.fail("Submit"); err != nil {
		return err
	}
	if d.recording[s.Command] {
		return fmt.Errorf("gputest: submit of command buffer %d still recording", s.Command)
	}
	if st, ok := d.fences[s.Fence]; !ok || st != fenceUnsignaled {
		return fmt.Errorf("gputest: submit with fence %d not reset", s.Fence)
	}
	d.fences[s.Fence] = fencePending
	d.Submissions = append(d.Submissions, s)
	d.Record("submit")
	return nil
}

func (d *Device) Present(sc gpu.Swapchain, wait gpu.Semaphore, imageIndex uint32) (gpu.Status, error) {
	n := d.PresentCalls
	d.PresentCalls++
	if err := d.fail("Present"); err != nil {
		return gpu.Success, err
	}
	if _, ok := d.chains[sc]; !ok {
		return gpu.Success, ErrUnknownHandle
	}
	d.Presented = append(d.Presented, imageIndex)
	d.Record("present")
	return d.PresentStatus[n], nil
}

func (d *Device) WaitIdle() error {
	if err := d.fail("WaitIdle"); err != nil {
		return err
	}
	d.WaitIdles++
	for f, st := range d.fences {
		if st == fencePending {
			d.fences[f] = fenceSignaled
		}
	}
	d.Record("wait-idle")
	return nil
}

func (d *Device) Close() {
	d.Closed = true
	d.Record("close")
}
