package renderer

import (
	"errors"
	"fmt"
	"reflect"

	"github.com/hellhand/kube/internal/fatal"
	"github.com/hellhand/kube/internal/gpu"
)

// MaxParticipants is the capacity of the registry.
const MaxParticipants = 10

var (
	ErrRegistryFull         = errors.New("participant registry full")
	ErrNilParticipant       = errors.New("nil participant")
	ErrDuplicateParticipant = errors.New("participant registered twice")
)

// Participant is a subsystem hooked into the swapchain lifecycle. It opts
// into lifecycle points by also implementing Cleaner, Recreator, Drawer or
// Releaser; a hook it does not implement is a no-op.
type Participant interface {
	Name() string
}

// Cleaner frees the participant's swapchain-scoped resources. It runs after
// the device is idle and before the swapchain is destroyed.
type Cleaner interface {
	CleanupSwapchain()
}

// Recreator rebuilds swapchain-scoped resources once the new swapchain exists.
type Recreator interface {
	RecreateSwapchain(info SwapchainInfo) error
}

// Drawer appends commands to cb inside the already open render pass of
// swapchain image imageIndex. It must not begin or end render passes.
type Drawer interface {
	Draw(cb gpu.CommandBuffer, imageIndex uint32) error
}

// Releaser frees persistent resources at shutdown, before the device closes.
type Releaser interface {
	Release()
}

// Slot is the index a participant occupies in the registry.
type Slot int

type registration struct {
	owner    Participant
	cleanup  Cleaner
	recreate Recreator
	draw     Drawer
	release  Releaser
}

func (r registration) occupied() bool {
	return r.owner != nil || r.cleanup != nil || r.recreate != nil || r.draw != nil || r.release != nil
}

// Registry is a fixed table of participants dispatched in registration order.
// There is no de-registration: a participant stays until the backend shuts
// down.
type Registry struct {
	slots [MaxParticipants]registration
}

// Register places p in the first free slot. A nil p, a p already present or
// a full table is fatal.
func (r *Registry) Register(p Participant) Slot {
	fatal.Assert(!isNil(p), ErrNilParticipant, "register participant")
	free := -1
	for i := range r.slots {
		s := &r.slots[i]
		if !s.occupied() {
			if free < 0 {
				free = i
			}
			continue
		}
		fatal.Assert(!sameParticipant(s.owner, p), ErrDuplicateParticipant, "register %s", p.Name())
	}
	fatal.Assert(free >= 0, ErrRegistryFull, "register %s: all %d slots taken", p.Name(), MaxParticipants)

	reg := registration{owner: p}
	reg.cleanup, _ = p.(Cleaner)
	reg.recreate, _ = p.(Recreator)
	reg.draw, _ = p.(Drawer)
	reg.release, _ = p.(Releaser)
	r.slots[free] = reg
	return Slot(free)
}

// Len returns the number of occupied slots.
func (r *Registry) Len() int {
	n := 0
	for i := range r.slots {
		if r.slots[i].occupied() {
			n++
		}
	}
	return n
}

// Count returns how many registered participants are named name.
func (r *Registry) Count(name string) int {
	n := 0
	for i := range r.slots {
		if o := r.slots[i].owner; o != nil && o.Name() == name {
			n++
		}
	}
	return n
}

// At returns the participant in slot s, or nil.
func (r *Registry) At(s Slot) Participant {
	if s < 0 || int(s) >= len(r.slots) {
		return nil
	}
	return r.slots[s].owner
}

func (r *Registry) cleanupAll() {
	for i := range r.slots {
		if c := r.slots[i].cleanup; c != nil {
			c.CleanupSwapchain()
		}
	}
}

func (r *Registry) recreateAll(info SwapchainInfo) error {
	for i := range r.slots {
		s := &r.slots[i]
		if s.recreate == nil {
			continue
		}
		if err := s.recreate.RecreateSwapchain(info); err != nil {
			return fmt.Errorf("recreate %s: %w", s.owner.Name(), err)
		}
	}
	return nil
}

func (r *Registry) drawAll(cb gpu.CommandBuffer, imageIndex uint32) error {
	for i := range r.slots {
		s := &r.slots[i]
		if s.draw == nil {
			continue
		}
		if err := s.draw.Draw(cb, imageIndex); err != nil {
			return fmt.Errorf("draw %s: %w", s.owner.Name(), err)
		}
	}
	return nil
}

// releaseAll runs in reverse registration order: later subsystems may hold
// resources built on earlier ones.
func (r *Registry) releaseAll() {
	for i := len(r.slots) - 1; i >= 0; i-- {
		if rel := r.slots[i].release; rel != nil {
			rel.Release()
		}
	}
}

func isNil(p Participant) bool {
	if p == nil {
		return true
	}
	v := reflect.ValueOf(p)
	switch v.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan, reflect.Interface:
		return v.IsNil()
	}
	return false
}

func sameParticipant(a, b Participant) bool {
	if a == nil || reflect.TypeOf(a) != reflect.TypeOf(b) || !reflect.TypeOf(a).Comparable() {
		return false
	}
	return a == b
}
