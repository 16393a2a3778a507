package renderer

import (
	"errors"
	"fmt"
	"testing"

	"github.com/hellhand/kube/internal/fatal"
	"github.com/hellhand/kube/internal/gpu"
	"github.com/hellhand/kube/internal/gpu/gputest"
	"github.com/hellhand/kube/internal/memory"
)

func checkPerImageArrays(t *testing.T, b *Backend) {
	t.Helper()
	n := int(b.sc.imageCount())
	if n == 0 {
		t.Fatal("no swapchain images")
	}
	for name, l := range map[string]int{
		"views":          len(b.sc.views),
		"framebuffers":   len(b.sc.framebuffers),
		"commandBuffers": len(b.sc.commandBuffers),
		"imagesInFlight": len(b.sync.imagesInFlight),
	} {
		if l != n {
			t.Errorf("%s has %d entries, want %d", name, l, n)
		}
	}
	if sp := b.pools.Swapchain(); sp.Len() > sp.Cap() {
		t.Errorf("swapchain pool used %d > cap %d", sp.Len(), sp.Cap())
	}
}

func TestConfigureBuildsSwapchain(t *testing.T) {
	dev := gputest.New()
	b := newBackend(t, dev, testConfig())

	info := b.Swapchain()
	if info.ImageCount != 3 {
		t.Errorf("image count = %d, want min+1 = 3", info.ImageCount)
	}
	if info.Extent != (gpu.Extent2D{Width: 1024, Height: 768}) {
		t.Errorf("extent = %s", info.Extent)
	}
	if info.Format != gpu.FormatB8G8R8A8Srgb {
		t.Errorf("format = %d, want the sRGB format", info.Format)
	}
	if info.PresentMode != gpu.PresentModeMailbox {
		t.Errorf("present mode = %s", info.PresentMode)
	}
	if info.RenderPass == 0 {
		t.Error("no render pass")
	}
	checkPerImageArrays(t, b)
	if dev.Live("fence") != 2 || dev.Live("semaphore") != 4 {
		t.Errorf("sync objects: %d fences, %d semaphores", dev.Live("fence"), dev.Live("semaphore"))
	}
	if b.CurrentFrame() != 0 {
		t.Errorf("current frame = %d", b.CurrentFrame())
	}
}

func TestConfigureTwiceIsFatal(t *testing.T) {
	dev := gputest.New()
	b := newBackend(t, dev, testConfig())
	fe := fatal.Catch(func() { _ = b.Configure(testConfig(), dev) })
	if fe == nil || !errors.Is(fe, ErrAlreadyConfigured) {
		t.Fatalf("err = %v, want ErrAlreadyConfigured", fe)
	}
}

func TestConfigureNilDeviceIsFatal(t *testing.T) {
	var b Backend
	fe := fatal.Catch(func() { _ = b.Configure(testConfig(), nil) })
	if fe == nil || !errors.Is(fe, ErrNilDevice) {
		t.Fatalf("err = %v, want ErrNilDevice", fe)
	}
}

func TestConfigureRejectsInvalidConfig(t *testing.T) {
	for _, tc := range []struct {
		name string
		edit func(*Config)
	}{
		{"negative frames", func(c *Config) { c.FramesInFlight = -1 }},
		{"zero width", func(c *Config) { c.Width = 0 }},
		{"negative budget", func(c *Config) { c.Budgets.Frame = -1 }},
		{"negative hint", func(c *Config) { c.MaxTextures = -4 }},
	} {
		t.Run(tc.name, func(t *testing.T) {
			cfg := testConfig()
			tc.edit(&cfg)
			var b Backend
			err := b.Configure(cfg, gputest.New())
			if !errors.Is(err, ErrInvalidConfig) || !errors.Is(err, fatal.ErrFatal) {
				t.Fatalf("err = %v, want fatal ErrInvalidConfig", err)
			}
		})
	}
}

func TestConfigureDefaultsFramesInFlight(t *testing.T) {
	cfg := testConfig()
	cfg.FramesInFlight = 0
	cfg.Budgets = memory.Budgets{}
	b := newBackend(t, gputest.New(), cfg)
	if got := b.Config().FramesInFlight; got != 2 {
		t.Fatalf("frames in flight = %d, want 2", got)
	}
	if b.Pools().Frame().Cap() != memory.DefaultBudgets.Frame {
		t.Error("default budgets not applied")
	}
}

// Five frames without a resize: five submit/present cycles, slots 1,0,1,0,1
// and no participant rebuilds.
func TestDrawFramesWithoutResize(t *testing.T) {
	dev := gputest.New()
	b := newBackend(t, dev, testConfig())
	p := &recorder{name: "mesh", dev: dev}
	b.Register(p)

	frames := drawFrames(t, b, 5, FrameInput{Width: 1024, Height: 768})

	if fmt.Sprint(frames) != "[1 0 1 0 1]" {
		t.Errorf("current frame sequence = %v, want [1 0 1 0 1]", frames)
	}
	if len(dev.Submissions) != 5 || dev.PresentCalls != 5 {
		t.Errorf("submits = %d presents = %d, want 5 and 5", len(dev.Submissions), dev.PresentCalls)
	}
	if p.recreates != 0 || p.cleanups != 0 {
		t.Errorf("recreates = %d cleanups = %d, want 0", p.recreates, p.cleanups)
	}
	if p.draws != 5 {
		t.Errorf("draws = %d, want 5", p.draws)
	}
	if p.drawOutsidePass {
		t.Error("draw hook ran outside the render pass")
	}
	if dev.WaitIdles != 0 {
		t.Errorf("wait idle called %d times", dev.WaitIdles)
	}
	if b.FrameCount() != 5 {
		t.Errorf("frame count = %d", b.FrameCount())
	}
}

func TestCurrentFrameIsPresentsModFramesInFlight(t *testing.T) {
	for _, n := range []int{1, 2, 3} {
		t.Run(fmt.Sprint(n), func(t *testing.T) {
			cfg := testConfig()
			cfg.FramesInFlight = n
			b := newBackend(t, gputest.New(), cfg)
			for k := 1; k <= 10; k++ {
				if err := b.DrawFrame(FrameInput{Width: 1024, Height: 768}); err != nil {
					t.Fatal(err)
				}
				if b.CurrentFrame() != k%n {
					t.Fatalf("after %d presents current = %d, want %d", k, b.CurrentFrame(), k%n)
				}
			}
		})
	}
}

func TestSubmissionUsesSlotSyncObjects(t *testing.T) {
	dev := gputest.New()
	b := newBackend(t, dev, testConfig())
	drawFrames(t, b, 4, FrameInput{Width: 1024, Height: 768})

	for i, s := range dev.Submissions {
		slot := i % 2
		if s.Wait != b.sync.imageAvailable[slot] || s.Signal != b.sync.renderFinished[slot] || s.Fence != b.sync.inFlight[slot] {
			t.Errorf("submission %d does not use slot %d objects: %+v", i, slot, s)
		}
		if s.Command != b.sc.commandBuffers[dev.Presented[i]] {
			t.Errorf("submission %d recorded a command buffer of another image", i)
		}
	}
}

// Resize signalled on frame 3: one device wait, every cleanup once, a new
// swapchain, then every recreate once, and the new extent.
func TestResizeRecreatesSwapchain(t *testing.T) {
	dev := gputest.New()
	b := newBackend(t, dev, testConfig())
	a := &recorder{name: "a", dev: dev}
	c := &recorder{name: "b", dev: dev}
	b.Register(a)
	b.Register(c)
	dev.Events = nil

	in := FrameInput{Width: 1024, Height: 768}
	drawFrames(t, b, 2, in)
	if err := b.DrawFrame(FrameInput{Width: 800, Height: 600, Resized: true}); err != nil {
		t.Fatal(err)
	}

	if dev.WaitIdles != 1 {
		t.Errorf("wait idle called %d times, want 1", dev.WaitIdles)
	}
	for _, p := range []*recorder{a, c} {
		if p.cleanups != 1 || p.recreates != 1 {
			t.Errorf("%s: cleanups = %d recreates = %d, want 1 and 1", p.name, p.cleanups, p.recreates)
		}
		if got := p.infos[0].Extent; got != (gpu.Extent2D{Width: 800, Height: 600}) {
			t.Errorf("%s saw extent %s", p.name, got)
		}
	}

	order := []string{"present", "wait-idle", "cleanup:a", "cleanup:b", "destroy-swapchain", "create-swapchain", "recreate:a:3", "recreate:b:3"}
	last := -1
	tail := dev.Events[indexOf(dev.Events, "wait-idle")-1:]
	for _, name := range order {
		i := indexOf(tail, name)
		if i <= last {
			t.Fatalf("event %q out of order in %v", name, tail)
		}
		last = i
	}

	if got := b.Swapchain().Extent; got != (gpu.Extent2D{Width: 800, Height: 600}) {
		t.Errorf("extent = %s, want 800x600", got)
	}
	if b.Recreates() != 1 {
		t.Errorf("recreates = %d", b.Recreates())
	}
	if b.CurrentFrame() != 1 {
		t.Errorf("current frame = %d, the resized frame still presents", b.CurrentFrame())
	}
	checkPerImageArrays(t, b)
}

func TestResizeClampsToSurfaceLimits(t *testing.T) {
	dev := gputest.New()
	dev.Support.Capabilities.MinImageExtent = gpu.Extent2D{Width: 320, Height: 240}
	dev.Support.Capabilities.MaxImageExtent = gpu.Extent2D{Width: 1920, Height: 1080}
	b := newBackend(t, dev, testConfig())

	for _, tc := range []struct {
		in, want gpu.Extent2D
	}{
		{gpu.Extent2D{Width: 800, Height: 600}, gpu.Extent2D{Width: 800, Height: 600}},
		{gpu.Extent2D{Width: 100, Height: 100}, gpu.Extent2D{Width: 320, Height: 240}},
		{gpu.Extent2D{Width: 4000, Height: 500}, gpu.Extent2D{Width: 1920, Height: 500}},
	} {
		if err := b.DrawFrame(FrameInput{Width: tc.in.Width, Height: tc.in.Height, Resized: true}); err != nil {
			t.Fatal(err)
		}
		if got := b.Swapchain().Extent; got != tc.want {
			t.Errorf("resize to %s: extent %s, want %s", tc.in, got, tc.want)
		}
	}
}

func TestSurfaceCurrentExtentWins(t *testing.T) {
	dev := gputest.New()
	dev.Support.Capabilities.CurrentExtent = gpu.Extent2D{Width: 640, Height: 480}
	b := newBackend(t, dev, testConfig())
	if got := b.Swapchain().Extent; got != (gpu.Extent2D{Width: 640, Height: 480}) {
		t.Fatalf("extent = %s, want the surface's current extent", got)
	}
}

func TestRecreateFollowsImageCountChanges(t *testing.T) {
	dev := gputest.New()
	b := newBackend(t, dev, testConfig())
	p := &recorder{name: "p"}
	b.Register(p)

	for _, tc := range []struct {
		min, max, extra uint32
		want            uint32
	}{
		{min: 4, max: 0, want: 5},
		{min: 3, max: 3, want: 3},
		{min: 1, max: 8, extra: 2, want: 4},
	} {
		dev.Support.Capabilities.MinImageCount = tc.min
		dev.Support.Capabilities.MaxImageCount = tc.max
		dev.ExtraImages = tc.extra
		if err := b.DrawFrame(FrameInput{Width: 1024, Height: 768, Resized: true}); err != nil {
			t.Fatal(err)
		}
		if got := b.Swapchain().ImageCount; got != tc.want {
			t.Errorf("min %d max %d extra %d: image count %d, want %d", tc.min, tc.max, tc.extra, got, tc.want)
		}
		if got := p.infos[len(p.infos)-1].ImageCount; got != tc.want {
			t.Errorf("participant saw %d images, want %d", got, tc.want)
		}
		checkPerImageArrays(t, b)
	}
}

func TestAcquireOutOfDateSkipsFrame(t *testing.T) {
	dev := gputest.New()
	dev.AcquireStatus[1] = gpu.OutOfDate
	b := newBackend(t, dev, testConfig())
	p := &recorder{name: "p"}
	b.Register(p)

	in := FrameInput{Width: 1024, Height: 768}
	drawFrames(t, b, 1, in)
	if err := b.DrawFrame(in); err != nil {
		t.Fatal(err)
	}
	if len(dev.Submissions) != 1 || dev.PresentCalls != 1 {
		t.Fatalf("stale frame was submitted: submits = %d presents = %d", len(dev.Submissions), dev.PresentCalls)
	}
	if b.CurrentFrame() != 1 {
		t.Errorf("current frame = %d, skipped frame must not advance", b.CurrentFrame())
	}
	if p.cleanups != 1 || p.recreates != 1 || dev.WaitIdles != 1 {
		t.Errorf("cleanups = %d recreates = %d wait idles = %d", p.cleanups, p.recreates, dev.WaitIdles)
	}

	drawFrames(t, b, 1, in)
	if len(dev.Submissions) != 2 || b.CurrentFrame() != 0 {
		t.Errorf("next frame: submits = %d current = %d", len(dev.Submissions), b.CurrentFrame())
	}
}

func TestPresentStalenessRecreatesAfterPresenting(t *testing.T) {
	for _, status := range []gpu.Status{gpu.Suboptimal, gpu.OutOfDate} {
		t.Run(status.String(), func(t *testing.T) {
			dev := gputest.New()
			dev.PresentStatus[0] = status
			b := newBackend(t, dev, testConfig())

			if err := b.DrawFrame(FrameInput{Width: 1024, Height: 768}); err != nil {
				t.Fatalf("staleness on present is not an error: %v", err)
			}
			if dev.PresentCalls != 1 || dev.WaitIdles != 1 || b.Recreates() != 1 {
				t.Errorf("presents = %d wait idles = %d recreates = %d", dev.PresentCalls, dev.WaitIdles, b.Recreates())
			}
			if indexOf(dev.Events, "present") > indexOf(dev.Events, "wait-idle") {
				t.Error("recreated before presenting")
			}
		})
	}
}

// With every acquire returning image 0, each frame after the first reuses an
// image last submitted from the other slot, so each must wait on that fence.
func TestCrossWaitOnSharedImage(t *testing.T) {
	dev := gputest.New()
	dev.Acquire = func(int) uint32 { return 0 }
	b := newBackend(t, dev, testConfig())
	f0, f1 := b.sync.inFlight[0], b.sync.inFlight[1]

	drawFrames(t, b, 4, FrameInput{Width: 1024, Height: 768})

	want := []gpu.Fence{
		f0,     // frame 0: slot wait, image unused
		f1, f0, // frame 1: slot wait, image 0 held by slot 0
		f0, f1, // frame 2: slot wait, image 0 held by slot 1
		f1, f0, // frame 3
	}
	if fmt.Sprint(dev.FenceWaits) != fmt.Sprint(want) {
		t.Fatalf("fence waits = %v, want %v", dev.FenceWaits, want)
	}
	// The last submission is the only work still in flight.
	if last := dev.Submissions[len(dev.Submissions)-1].Fence; dev.Signaled(last) {
		t.Error("last submission already signaled")
	}
	if dev.Signaled(f1) || !dev.Signaled(f0) {
		t.Errorf("fence states: f0 %v f1 %v", dev.Signaled(f0), dev.Signaled(f1))
	}
}

func TestCrossWaitRoundRobin(t *testing.T) {
	dev := gputest.New()
	b := newBackend(t, dev, testConfig())
	drawFrames(t, b, 4, FrameInput{Width: 1024, Height: 768})

	// 3 images, 2 slots: frames use images 0,1,2,0. Frame 3 (slot 1)
	// meets image 0 last used by slot 0 in frame 0, whose fence was
	// re-submitted by frame 2.
	if fmt.Sprint(dev.Presented) != "[0 1 2 0]" {
		t.Fatalf("presented = %v", dev.Presented)
	}
	f0, f1 := b.sync.inFlight[0], b.sync.inFlight[1]
	want := []gpu.Fence{f0, f1, f0, f1, f0}
	if fmt.Sprint(dev.FenceWaits) != fmt.Sprint(want) {
		t.Fatalf("fence waits = %v, want %v", dev.FenceWaits, want)
	}
}

func TestImagesInFlightResetOnRecreate(t *testing.T) {
	dev := gputest.New()
	b := newBackend(t, dev, testConfig())
	drawFrames(t, b, 2, FrameInput{Width: 1024, Height: 768})
	if err := b.DrawFrame(FrameInput{Width: 1024, Height: 768, Resized: true}); err != nil {
		t.Fatal(err)
	}
	for i, f := range b.sync.imagesInFlight {
		if f != 0 {
			t.Errorf("imagesInFlight[%d] = %d after recreate, want none", i, f)
		}
	}
}

type scratchUser struct {
	pools *memory.Pools
	seen  []int
}

func (s *scratchUser) Name() string { return "scratch" }
func (s *scratchUser) Draw(gpu.CommandBuffer, uint32) error {
	s.seen = append(s.seen, s.pools.Frame().Len())
	s.pools.Frame().Alloc(128)
	return nil
}

func TestFramePoolResetEveryFrame(t *testing.T) {
	b := newBackend(t, gputest.New(), testConfig())
	u := &scratchUser{pools: b.Pools()}
	b.Register(u)
	drawFrames(t, b, 3, FrameInput{Width: 1024, Height: 768})
	if fmt.Sprint(u.seen) != "[0 0 0]" {
		t.Fatalf("frame pool in use at draw start: %v", u.seen)
	}
	if b.Pools().Frame().Len() != 0 || b.Pools().Frame().Peak() != 128 {
		t.Errorf("frame pool len = %d peak = %d", b.Pools().Frame().Len(), b.Pools().Frame().Peak())
	}
}

type swapchainAllocator struct {
	pools *memory.Pools
	size  int
}

func (s *swapchainAllocator) Name() string { return "per-image" }
func (s *swapchainAllocator) RecreateSwapchain(info SwapchainInfo) error {
	s.pools.Swapchain().Alloc(s.size * int(info.ImageCount))
	return nil
}

func TestSwapchainPoolResetBeforeRebuild(t *testing.T) {
	cfg := testConfig()
	cfg.Budgets.Swapchain = 4096
	b := newBackend(t, gputest.New(), cfg)
	b.Register(&swapchainAllocator{pools: b.Pools(), size: 512})

	var lens []int
	for i := 0; i < 4; i++ {
		if err := b.DrawFrame(FrameInput{Width: 1024, Height: 768, Resized: true}); err != nil {
			t.Fatal(err)
		}
		lens = append(lens, b.Pools().Swapchain().Len())
	}
	for i := 1; i < len(lens); i++ {
		if lens[i] != lens[0] {
			t.Fatalf("swapchain pool grows across rebuilds: %v", lens)
		}
	}
}

func TestSwapchainPoolOverflowIsFatal(t *testing.T) {
	cfg := testConfig()
	cfg.Budgets.Swapchain = 1024
	b := newBackend(t, gputest.New(), cfg)
	b.Register(&swapchainAllocator{pools: b.Pools(), size: 4096})

	fe := fatal.Catch(func() {
		_ = b.DrawFrame(FrameInput{Width: 1024, Height: 768, Resized: true})
	})
	if fe == nil || !errors.Is(fe, memory.ErrOverflow) {
		t.Fatalf("err = %v, want ErrOverflow", fe)
	}
}

func TestDriverFailuresAreFatalErrors(t *testing.T) {
	for _, method := range []string{"WaitForFence", "AcquireNextImage", "BeginCommandBuffer", "Submit", "Present"} {
		t.Run(method, func(t *testing.T) {
			dev := gputest.New()
			b := newBackend(t, dev, testConfig())
			lost := errors.New("device lost")
			dev.Fail[method] = lost

			err := b.DrawFrame(FrameInput{Width: 1024, Height: 768})
			if !errors.Is(err, lost) || !errors.Is(err, fatal.ErrFatal) {
				t.Fatalf("err = %v, want fatal device lost", err)
			}
		})
	}
}

func TestDrawHookErrorIsFatal(t *testing.T) {
	dev := gputest.New()
	b := newBackend(t, dev, testConfig())
	boom := errors.New("boom")
	b.Register(&recorder{name: "bad", drawErr: boom})
	err := b.DrawFrame(FrameInput{Width: 1024, Height: 768})
	if !errors.Is(err, boom) || !errors.Is(err, fatal.ErrFatal) {
		t.Fatalf("err = %v", err)
	}
	if len(dev.Submissions) != 0 {
		t.Error("frame was submitted after a failed draw hook")
	}
}

func TestEmptyExtentIsFatal(t *testing.T) {
	dev := gputest.New()
	dev.Support.Capabilities.CurrentExtent = gpu.Extent2D{}
	var b Backend
	fe := fatal.Catch(func() { _ = b.Configure(testConfig(), dev) })
	if fe == nil || !errors.Is(fe, ErrEmptyExtent) {
		t.Fatalf("err = %v, want ErrEmptyExtent", fe)
	}
}

func TestShutdownReleasesEverything(t *testing.T) {
	dev := gputest.New()
	b := newBackend(t, dev, testConfig())
	var log []string
	a := &recorder{name: "a", log: &log}
	c := &recorder{name: "b", log: &log}
	b.Register(a)
	b.Register(c)
	drawFrames(t, b, 3, FrameInput{Width: 1024, Height: 768})
	log = nil

	b.Shutdown()

	if fmt.Sprint(log) != "[cleanup:a cleanup:b release:b release:a]" {
		t.Errorf("shutdown hooks = %v", log)
	}
	if dev.WaitIdles != 1 || !dev.Closed {
		t.Errorf("wait idles = %d closed = %v", dev.WaitIdles, dev.Closed)
	}
	if n := dev.LiveTotal(); n != 0 {
		t.Errorf("%d driver objects leaked", n)
	}
	if !b.Pools().Persistent().Released() {
		t.Error("persistent pool not released")
	}
	if a.recreates != 0 {
		t.Error("shutdown rebuilt the swapchain")
	}

	fe := fatal.Catch(func() { _ = b.Configure(testConfig(), gputest.New()) })
	if fe == nil || !errors.Is(fe, ErrAlreadyConfigured) {
		t.Errorf("configure after shutdown: %v", fe)
	}
	fe = fatal.Catch(func() { _ = b.DrawFrame(FrameInput{Width: 1, Height: 1}) })
	if fe == nil || !errors.Is(fe, ErrNotConfigured) {
		t.Errorf("draw after shutdown: %v", fe)
	}
}

func TestRecreateLeaksNothing(t *testing.T) {
	dev := gputest.New()
	b := newBackend(t, dev, testConfig())
	before := dev.LiveTotal()
	for i := 0; i < 3; i++ {
		if err := b.DrawFrame(FrameInput{Width: 1024, Height: 768, Resized: true}); err != nil {
			t.Fatal(err)
		}
	}
	if after := dev.LiveTotal(); after != before {
		t.Fatalf("live objects %d -> %d across rebuilds", before, after)
	}
}

func TestSelection(t *testing.T) {
	srgb := gpu.SurfaceFormat{Format: gpu.FormatB8G8R8A8Srgb, ColorSpace: gpu.ColorSpaceSrgbNonlinear}
	unorm := gpu.SurfaceFormat{Format: gpu.FormatB8G8R8A8Unorm, ColorSpace: gpu.ColorSpaceSrgbNonlinear}
	if got := chooseSurfaceFormat([]gpu.SurfaceFormat{unorm, srgb}); got != srgb {
		t.Errorf("format = %+v, want sRGB", got)
	}
	if got := chooseSurfaceFormat([]gpu.SurfaceFormat{unorm}); got != unorm {
		t.Errorf("format fallback = %+v, want first", got)
	}
	if got := choosePresentMode([]gpu.PresentMode{gpu.PresentModeImmediate, gpu.PresentModeFifo}); got != gpu.PresentModeFifo {
		t.Errorf("present mode fallback = %s", got)
	}

	for _, tc := range []struct {
		min, max, want uint32
	}{
		{2, 0, 3},
		{2, 3, 3},
		{3, 3, 3},
		{1, 8, 2},
	} {
		caps := gpu.SurfaceCapabilities{MinImageCount: tc.min, MaxImageCount: tc.max}
		if got := chooseImageCount(caps); got != tc.want {
			t.Errorf("image count(min %d, max %d) = %d, want %d", tc.min, tc.max, got, tc.want)
		}
	}
}
