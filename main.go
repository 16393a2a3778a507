package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"runtime"

	mgl32 "github.com/go-gl/mathgl/mgl32"

	"github.com/hellhand/kube/internal/fatal"
	"github.com/hellhand/kube/internal/gpu/vk"
	"github.com/hellhand/kube/internal/renderer"
	"github.com/hellhand/kube/internal/scene"
	"github.com/hellhand/kube/internal/window"
)

func init() {
	// GLFW/Vulkan require the main thread.
	runtime.LockOSThread()
}

type options struct {
	width, height  int
	framesInFlight int
	texture        string
	shaders        string
	validation     bool
}

func main() {
	var opts options
	flag.IntVar(&opts.width, "width", 800, "initial window width")
	flag.IntVar(&opts.height, "height", 600, "initial window height")
	flag.IntVar(&opts.framesInFlight, "frames", 2, "frames in flight")
	flag.StringVar(&opts.texture, "texture", "", "texture image (png, jpeg, gif, bmp, tiff, webp or binary ppm)")
	flag.StringVar(&opts.shaders, "shaders", "shaders", "directory holding the compiled SPIR-V shaders")
	flag.BoolVar(&opts.validation, "validation", enableValidationLayers(), "enable Vulkan validation layers (default from VK_VALIDATION)")
	verbose := flag.Bool("v", false, "debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	defer fatal.Recover(log)
	if err := run(opts, log); err != nil {
		fatal.Exit(log, err)
	}
}

func enableValidationLayers() bool {
	switch os.Getenv("VK_VALIDATION") {
	case "0", "false", "False", "FALSE":
		return false
	default:
		return true
	}
}

func run(opts options, log *slog.Logger) error {
	cfg := renderer.DefaultConfig()
	cfg.FramesInFlight = opts.framesInFlight
	cfg.Validation = opts.validation
	cfg.Logger = log

	win, err := window.New(opts.width, opts.height, cfg.AppName)
	if err != nil {
		return err
	}
	defer win.Close()

	// The surface needs a non-zero framebuffer.
	win.WaitWhileMinimized()
	if win.ShouldClose() {
		return nil
	}
	cfg.Width, cfg.Height = win.FramebufferSize()

	dev, err := vk.Open(vk.Options{
		AppName:       cfg.AppName,
		AppVersion:    vkVersion(cfg.AppVersion),
		EngineName:    cfg.EngineName,
		EngineVersion: vkVersion(cfg.EngineVersion),
		Validation:    cfg.Validation,
	}, win, log)
	if err != nil {
		return fmt.Errorf("init vulkan: %w", err)
	}

	var b renderer.Backend
	if err := b.Configure(cfg, dev); err != nil {
		dev.Close()
		return fmt.Errorf("configure renderer: %w", err)
	}
	defer b.Shutdown()

	mesh, err := buildScene(&b, dev, opts, log)
	if err != nil {
		return err
	}

	log.Info("entering main loop")
	for !win.ShouldClose() {
		win.PollEvents()
		win.WaitWhileMinimized()
		if win.ShouldClose() {
			break
		}
		mesh.SetSpin(win.GamepadAxes().Mul(mgl32.DegToRad(90)))

		width, height := win.FramebufferSize()
		in := renderer.FrameInput{Width: width, Height: height, Resized: win.TakeResized()}
		if err := b.DrawFrame(in); err != nil {
			return fmt.Errorf("draw frame: %w", err)
		}
	}
	return nil
}

// buildScene registers the participants in dependency order: the texture is
// released after the mesh that samples it.
func buildScene(b *renderer.Backend, dev *vk.Device, opts options, log *slog.Logger) (*scene.Mesh, error) {
	tex, err := scene.NewTexture(dev, b, scene.LoadTexture(opts.texture, log))
	if err != nil {
		return nil, fmt.Errorf("create texture: %w", err)
	}
	b.Register(tex)

	mesh, err := scene.NewMesh(dev, b, tex, opts.shaders, log)
	if err != nil {
		return nil, fmt.Errorf("create mesh: %w", err)
	}
	b.Register(mesh)

	overlay, err := scene.NewOverlay(dev, b, opts.shaders)
	if err != nil {
		return nil, fmt.Errorf("create overlay: %w", err)
	}
	b.Register(overlay)
	return mesh, nil
}

func vkVersion(v renderer.Version) vk.Version {
	return vk.Version{Major: int(v.Major), Minor: int(v.Minor), Patch: int(v.Patch)}
}
