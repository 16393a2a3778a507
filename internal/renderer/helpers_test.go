package renderer

import (
	"fmt"
	"testing"

	"github.com/hellhand/kube/internal/gpu"
	"github.com/hellhand/kube/internal/gpu/gputest"
)

// recorder implements every hook and logs each call.
type recorder struct {
	name string
	log  *[]string
	dev  *gputest.Device

	cleanups, recreates, draws, releases int
	infos                                []SwapchainInfo
	drawErr, recreateErr                 error
	drawOutsidePass                      bool
}

func (r *recorder) Name() string { return r.name }

func (r *recorder) note(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	if r.log != nil {
		*r.log = append(*r.log, msg)
	}
	if r.dev != nil {
		r.dev.Record("%s", msg)
	}
}

func (r *recorder) CleanupSwapchain() {
	r.cleanups++
	r.note("cleanup:%s", r.name)
}

func (r *recorder) RecreateSwapchain(info SwapchainInfo) error {
	r.recreates++
	r.infos = append(r.infos, info)
	r.note("recreate:%s:%d", r.name, info.ImageCount)
	return r.recreateErr
}

func (r *recorder) Draw(cb gpu.CommandBuffer, imageIndex uint32) error {
	r.draws++
	if r.dev != nil && !r.dev.InRenderPass(cb) {
		r.drawOutsidePass = true
	}
	r.note("draw:%s:%d", r.name, imageIndex)
	return r.drawErr
}

func (r *recorder) Release() {
	r.releases++
	r.note("release:%s", r.name)
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Width, cfg.Height = 1024, 768
	return cfg
}

func newBackend(t *testing.T, dev *gputest.Device, cfg Config) *Backend {
	t.Helper()
	b := &Backend{}
	if err := b.Configure(cfg, dev); err != nil {
		t.Fatalf("configure: %v", err)
	}
	return b
}

func drawFrames(t *testing.T, b *Backend, n int, in FrameInput) []int {
	t.Helper()
	var frames []int
	for i := 0; i < n; i++ {
		if err := b.DrawFrame(in); err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
		frames = append(frames, b.CurrentFrame())
	}
	return frames
}

func indexOf(events []string, name string) int {
	for i, e := range events {
		if e == name {
			return i
		}
	}
	return -1
}
