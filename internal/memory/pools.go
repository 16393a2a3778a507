package memory

import "fmt"

// Kind names one of the three arenas in a Pools set.
type Kind int

const (
	// Frame is emptied after every presented frame.
	Frame Kind = iota
	// Persistent lives until the backend shuts down.
	Persistent
	// Swapchain is emptied right before swapchain resources are rebuilt.
	Swapchain

	numKinds
)

func (k Kind) String() string {
	switch k {
	case Frame:
		return "frame"
	case Persistent:
		return "persistent"
	case Swapchain:
		return "swapchain"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Budgets are the byte capacities of the three arenas.
type Budgets struct {
	Frame      int
	Persistent int
	Swapchain  int
}

// DefaultBudgets are sized for a handful of subsystems and up to eight
// swapchain images.
var DefaultBudgets = Budgets{
	Frame:      1 << 20,
	Persistent: 1 << 20,
	Swapchain:  256 << 10,
}

// Pools is the set of arenas with distinct lifetimes.
type Pools struct {
	arenas [numKinds]*Arena
}

// NewPools creates all three arenas up front.
func NewPools(b Budgets) *Pools {
	p := &Pools{}
	p.arenas[Frame] = NewArena(Frame.String(), b.Frame)
	p.arenas[Persistent] = NewArena(Persistent.String(), b.Persistent)
	p.arenas[Swapchain] = NewArena(Swapchain.String(), b.Swapchain)
	return p
}

// Get returns the arena for k.
func (p *Pools) Get(k Kind) *Arena { return p.arenas[k] }

func (p *Pools) Frame() *Arena      { return p.arenas[Frame] }
func (p *Pools) Persistent() *Arena { return p.arenas[Persistent] }
func (p *Pools) Swapchain() *Arena  { return p.arenas[Swapchain] }

// Release frees every arena.
func (p *Pools) Release() {
	for _, a := range p.arenas {
		a.Release()
	}
}
