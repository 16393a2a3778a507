// Package memory provides the bump arenas backing every renderer allocation.
package memory

import (
	"errors"
	"reflect"
	"unsafe"

	"github.com/hellhand/kube/internal/fatal"
)

var (
	ErrOverflow = errors.New("arena capacity exceeded")
	ErrReleased = errors.New("arena already released")
	ErrPointers = errors.New("element type holds Go pointers")
)

// Arena is a bump allocator over a fixed byte buffer. Allocations are never
// freed individually; the whole arena is emptied with Reset.
//
// An Arena is not safe for concurrent use.
type Arena struct {
	name string
	buf  []byte
	used int
	peak int
}

// NewArena allocates an arena with capacity bytes.
func NewArena(name string, capacity int) *Arena {
	fatal.Assert(capacity >= 0, ErrOverflow, "arena %s: negative capacity %d", name, capacity)
	return &Arena{
		name: name,
		buf:  make([]byte, capacity),
	}
}

// Alloc returns size contiguous bytes. The contents are whatever the previous
// occupant left. A request larger than the remaining capacity is fatal.
func (a *Arena) Alloc(size int) []byte {
	fatal.Assert(a.buf != nil, ErrReleased, "arena %s: alloc after release", a.name)
	fatal.Assert(size >= 0 && size <= len(a.buf)-a.used, ErrOverflow,
		"arena %s: alloc %d bytes with %d of %d used", a.name, size, a.used, len(a.buf))
	start := a.used
	a.used += size
	if a.used > a.peak {
		a.peak = a.used
	}
	return a.buf[start:a.used:a.used]
}

// Reset empties the arena without touching its bytes. Slices handed out
// before the reset alias whatever is allocated next.
func (a *Arena) Reset() {
	a.used = 0
}

// Release drops the backing buffer. The arena must not be used afterwards.
func (a *Arena) Release() {
	a.buf = nil
	a.used = 0
	a.peak = 0
}

// Name returns the arena's label.
func (a *Arena) Name() string { return a.name }

// Len returns the number of bytes handed out since the last reset.
func (a *Arena) Len() int { return a.used }

// Cap returns the arena's capacity.
func (a *Arena) Cap() int { return len(a.buf) }

// Remaining returns Cap() - Len().
func (a *Arena) Remaining() int { return len(a.buf) - a.used }

// Peak returns the high-water mark of Len. It survives Reset.
func (a *Arena) Peak() int { return a.peak }

// Released reports whether Release has been called.
func (a *Arena) Released() bool { return a.buf == nil }

// AllocSlice carves a []T of length n out of a, padding the offset up to T's
// alignment. T must not contain Go pointers since the garbage collector does
// not scan arena memory; such a T is fatal. The elements are zeroed.
func AllocSlice[T any](a *Arena, n int) []T {
	fatal.Assert(pointerFree(reflect.TypeFor[T]()), ErrPointers, "arena %s: AllocSlice[%v]", a.name, reflect.TypeFor[T]())
	if n == 0 {
		return nil
	}
	var zero T
	size := int(unsafe.Sizeof(zero))
	align := int(unsafe.Alignof(zero))
	fatal.Assert(a.buf != nil, ErrReleased, "arena %s: alloc after release", a.name)

	pad := 0
	if a.used < len(a.buf) {
		addr := uintptr(unsafe.Pointer(&a.buf[a.used]))
		pad = (align - int(addr%uintptr(align))) % align
	}
	if pad > 0 {
		a.Alloc(pad)
	}
	raw := a.Alloc(size * n)
	if size == 0 {
		return make([]T, n)
	}
	out := unsafe.Slice((*T)(unsafe.Pointer(&raw[0])), n)
	clear(out)
	return out
}

// pointerFree reports whether values of t can live in untraced memory.
func pointerFree(t reflect.Type) bool {
	switch t.Kind() {
	case reflect.Bool, reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64, reflect.Complex64, reflect.Complex128:
		return true
	case reflect.Array:
		return t.Len() == 0 || pointerFree(t.Elem())
	case reflect.Struct:
		for i := 0; i < t.NumField(); i++ {
			if !pointerFree(t.Field(i).Type) {
				return false
			}
		}
		return true
	default:
		// Uintptr and unsafe.Pointer may hide addresses; strings, slices,
		// maps, chans, funcs and interfaces always do.
		return false
	}
}
