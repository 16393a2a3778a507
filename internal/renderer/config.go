package renderer

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/hellhand/kube/internal/gpu"
	"github.com/hellhand/kube/internal/memory"
)

const defaultFramesInFlight = 2

var ErrInvalidConfig = errors.New("invalid renderer config")

// Version is a semantic version triple.
type Version struct {
	Major, Minor, Patch uint32
}

func (v Version) String() string { return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch) }

// Config is read once by Backend.Configure.
type Config struct {
	AppName       string
	AppVersion    Version
	EngineName    string
	EngineVersion Version

	// Validation enables the driver's validation layers. The backend itself
	// only passes it on; the device is opened by the caller.
	Validation bool

	// MaxTextures and MaxMeshes cap how many textures and meshes the scene
	// constructors will register. The backend itself does not enforce them;
	// zero means no limit.
	MaxTextures int
	MaxMeshes   int

	// FramesInFlight is the number of frames the CPU may record ahead of the
	// GPU. Zero means 2.
	FramesInFlight int

	// Width and Height are the drawable size at configuration time.
	Width, Height uint32

	Budgets    memory.Budgets
	ClearColor gpu.ClearColor

	// Logger receives lifecycle and recreate diagnostics. Nil disables logging.
	Logger *slog.Logger
}

// DefaultConfig returns the settings the demo runs with.
func DefaultConfig() Config {
	return Config{
		AppName:        "Kube",
		AppVersion:     Version{0, 1, 0},
		EngineName:     "Kube Engine",
		EngineVersion:  Version{0, 1, 0},
		MaxTextures:    64,
		MaxMeshes:      256,
		FramesInFlight: defaultFramesInFlight,
		Width:          800,
		Height:         600,
		Budgets:        memory.DefaultBudgets,
		ClearColor:     gpu.ClearColor{0.05, 0.05, 0.08, 1.0},
	}
}

func (c Config) withDefaults() Config {
	if c.FramesInFlight == 0 {
		c.FramesInFlight = defaultFramesInFlight
	}
	if c.Budgets == (memory.Budgets{}) {
		c.Budgets = memory.DefaultBudgets
	}
	if c.Logger == nil {
		c.Logger = NopLogger()
	}
	return c
}

// Validate reports the first setting the backend cannot run with.
func (c Config) Validate() error {
	switch {
	case c.FramesInFlight < 1:
		return fmt.Errorf("%w: frames in flight %d", ErrInvalidConfig, c.FramesInFlight)
	case c.Width == 0 || c.Height == 0:
		return fmt.Errorf("%w: drawable size %dx%d", ErrInvalidConfig, c.Width, c.Height)
	case c.Budgets.Frame < 0 || c.Budgets.Persistent < 0 || c.Budgets.Swapchain < 0:
		return fmt.Errorf("%w: negative pool budget %+v", ErrInvalidConfig, c.Budgets)
	case c.MaxTextures < 0 || c.MaxMeshes < 0:
		return fmt.Errorf("%w: negative capacity hint", ErrInvalidConfig)
	}
	return nil
}
