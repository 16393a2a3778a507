// Package window wraps the GLFW window the renderer presents to. All calls
// must come from the main OS thread.
package window

import (
	"errors"
	"fmt"
	"unsafe"

	mgl32 "github.com/go-gl/mathgl/mgl32"
	"github.com/vulkan-go/glfw/v3.3/glfw"
	"github.com/vulkan-go/vulkan"
)

var ErrVulkanUnsupported = errors.New("GLFW Vulkan loader not found")

// axisDeadzone is the stick travel ignored around center.
const axisDeadzone = 0.15

// Window is a GLFW window without a client API, ready for a Vulkan surface.
type Window struct {
	win     *glfw.Window
	resized bool
}

// New initializes GLFW and opens a window. Escape requests close.
func New(width, height int, title string) (*Window, error) {
	if err := glfw.Init(); err != nil {
		return nil, fmt.Errorf("init glfw: %w", err)
	}
	if !glfw.VulkanSupported() {
		glfw.Terminate()
		return nil, ErrVulkanUnsupported
	}
	glfw.WindowHint(glfw.ClientAPI, glfw.NoAPI)
	win, err := glfw.CreateWindow(width, height, title, nil, nil)
	if err != nil {
		glfw.Terminate()
		return nil, fmt.Errorf("create window: %w", err)
	}
	w := &Window{win: win}
	win.SetKeyCallback(func(gw *glfw.Window, key glfw.Key, scancode int, action glfw.Action, mods glfw.ModifierKey) {
		if key == glfw.KeyEscape && action == glfw.Press {
			gw.SetShouldClose(true)
		}
	})
	win.SetFramebufferSizeCallback(func(_ *glfw.Window, _, _ int) {
		w.resized = true
	})
	return w, nil
}

// Close destroys the window and shuts GLFW down.
func (w *Window) Close() {
	w.win.Destroy()
	glfw.Terminate()
}

func (w *Window) ProcAddr() unsafe.Pointer {
	return glfw.GetVulkanGetInstanceProcAddress()
}

func (w *Window) RequiredInstanceExtensions() []string {
	return w.win.GetRequiredInstanceExtensions()
}

func (w *Window) CreateSurface(instance vulkan.Instance) (vulkan.Surface, error) {
	surfacePtr, err := w.win.CreateWindowSurface(instance, nil)
	if err != nil {
		return vulkan.Surface(vulkan.NullHandle), err
	}
	return vulkan.SurfaceFromPointer(surfacePtr), nil
}

// FramebufferSize is the drawable size in pixels.
func (w *Window) FramebufferSize() (uint32, uint32) {
	width, height := w.win.GetFramebufferSize()
	return uint32(max(width, 0)), uint32(max(height, 0))
}

// TakeResized reports whether the framebuffer changed size since the last
// call and clears the flag.
func (w *Window) TakeResized() bool {
	r := w.resized
	w.resized = false
	return r
}

// WaitWhileMinimized blocks in the event loop while the framebuffer has a
// zero dimension, unless the window is asked to close.
func (w *Window) WaitWhileMinimized() {
	for !w.win.ShouldClose() {
		width, height := w.FramebufferSize()
		if width > 0 && height > 0 {
			return
		}
		glfw.WaitEventsTimeout(0.01)
	}
}

func (w *Window) ShouldClose() bool { return w.win.ShouldClose() }

func (w *Window) PollEvents() { glfw.PollEvents() }

// GamepadAxes returns the left stick of the first gamepad, zero when none is
// connected.
func (w *Window) GamepadAxes() mgl32.Vec2 {
	if !glfw.Joystick1.IsGamepad() {
		return mgl32.Vec2{}
	}
	state := glfw.Joystick1.GetGamepadState()
	if state == nil {
		return mgl32.Vec2{}
	}
	return mgl32.Vec2{
		normalizeAxis(state.Axes[glfw.AxisLeftX]),
		normalizeAxis(state.Axes[glfw.AxisLeftY]),
	}
}

// normalizeAxis removes the deadzone and rescales the remaining travel to
// [-1, 1] before clamping.
func normalizeAxis(v float32) float32 {
	if mgl32.Abs(v) < axisDeadzone {
		return 0
	}
	sign := float32(1)
	if v < 0 {
		sign = -1
	}
	nx := sign * (mgl32.Abs(v) - axisDeadzone) / (1 - axisDeadzone)
	return clampAxis(nx)
}

// clampAxis only enforces the lower bound; values above 1 pass through.
func clampAxis(nx float32) float32 {
	if nx < -1 {
		return -1
	}
	return nx
}
