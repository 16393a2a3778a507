package memory

import (
	"errors"
	"testing"
	"unsafe"

	"github.com/hellhand/kube/internal/fatal"
)

func TestArenaAllocBumps(t *testing.T) {
	a := NewArena("test", 64)

	first := a.Alloc(10)
	second := a.Alloc(20)
	if len(first) != 10 || len(second) != 20 {
		t.Fatalf("lengths = %d, %d", len(first), len(second))
	}
	if a.Len() != 30 || a.Remaining() != 34 {
		t.Fatalf("Len = %d Remaining = %d, want 30 and 34", a.Len(), a.Remaining())
	}
	if &second[0] != &a.buf[10] {
		t.Error("second allocation does not follow the first")
	}

	// Appending to a returned slice must not spill into the next allocation.
	if cap(first) != 10 {
		t.Errorf("cap(first) = %d, want 10", cap(first))
	}
}

func TestArenaExactFit(t *testing.T) {
	a := NewArena("test", 16)
	a.Alloc(16)
	if a.Remaining() != 0 {
		t.Fatalf("Remaining = %d", a.Remaining())
	}
	if fe := fatal.Catch(func() { a.Alloc(0) }); fe != nil {
		t.Fatalf("zero-byte alloc on a full arena failed: %v", fe)
	}
}

func TestArenaOverflowIsFatal(t *testing.T) {
	a := NewArena("test", 32)
	a.Alloc(24)

	fe := fatal.Catch(func() { a.Alloc(9) })
	if fe == nil {
		t.Fatal("overflowing alloc did not abort")
	}
	if !errors.Is(fe, ErrOverflow) {
		t.Errorf("err = %v, want ErrOverflow", fe)
	}
	if a.Len() != 24 {
		t.Errorf("Len = %d after failed alloc, want 24 (no partial allocation)", a.Len())
	}
}

func TestArenaResetIsIdempotent(t *testing.T) {
	a := NewArena("test", 32)
	a.Alloc(12)
	a.Reset()
	if a.Len() != 0 {
		t.Fatalf("Len = %d after reset", a.Len())
	}
	a.Reset()
	if a.Len() != 0 {
		t.Fatalf("Len = %d after second reset", a.Len())
	}
	if a.Peak() != 12 {
		t.Errorf("Peak = %d, want 12", a.Peak())
	}
}

func TestArenaResetKeepsContents(t *testing.T) {
	a := NewArena("test", 8)
	b := a.Alloc(4)
	copy(b, "abcd")
	a.Reset()
	c := a.Alloc(4)
	if string(c) != "abcd" {
		t.Errorf("contents = %q, reset must not clear bytes", c)
	}
}

func TestArenaRelease(t *testing.T) {
	a := NewArena("test", 8)
	a.Alloc(4)
	a.Release()
	if a.Cap() != 0 || a.Len() != 0 || !a.Released() {
		t.Fatalf("bookkeeping not zeroed: cap=%d len=%d", a.Cap(), a.Len())
	}
	fe := fatal.Catch(func() { a.Alloc(1) })
	if fe == nil || !errors.Is(fe, ErrReleased) {
		t.Fatalf("alloc after release: %v", fe)
	}
}

func TestAllocSliceAligns(t *testing.T) {
	a := NewArena("test", 128)
	a.Alloc(3)

	s := AllocSlice[uint64](a, 4)
	if len(s) != 4 {
		t.Fatalf("len = %d", len(s))
	}
	if addr := uintptr(unsafe.Pointer(&s[0])); addr%unsafe.Alignof(uint64(0)) != 0 {
		t.Errorf("slice at %#x is misaligned", addr)
	}
	for i, v := range s {
		if v != 0 {
			t.Errorf("s[%d] = %d, want zeroed", i, v)
		}
	}
	if a.Len() < 3+4*8 || a.Len() > a.Cap() {
		t.Errorf("Len = %d out of range", a.Len())
	}
}

func TestAllocSliceOverflowIsFatal(t *testing.T) {
	a := NewArena("test", 16)
	fe := fatal.Catch(func() { AllocSlice[uint64](a, 3) })
	if fe == nil || !errors.Is(fe, ErrOverflow) {
		t.Fatalf("err = %v, want ErrOverflow", fe)
	}
}

func TestAllocSliceRejectsPointerTypes(t *testing.T) {
	a := NewArena("test", 256)
	for name, alloc := range map[string]func(){
		"pointer":   func() { AllocSlice[*int](a, 1) },
		"string":    func() { AllocSlice[string](a, 1) },
		"slice":     func() { AllocSlice[[]byte](a, 1) },
		"interface": func() { AllocSlice[error](a, 1) },
		"nested": func() {
			AllocSlice[struct {
				x float32
				m map[int]int
			}](a, 1)
		},
		"array": func() { AllocSlice[[4]*byte](a, 1) },
		"empty": func() { AllocSlice[*int](a, 0) },
	} {
		fe := fatal.Catch(alloc)
		if fe == nil || !errors.Is(fe, ErrPointers) {
			t.Errorf("%s: err = %v, want ErrPointers", name, fe)
		}
	}
	if a.Len() != 0 {
		t.Errorf("rejected allocations used %d bytes", a.Len())
	}

	type vertex struct {
		pos   [3]float32
		color [3]float32
		index uint32
	}
	if fe := fatal.Catch(func() { AllocSlice[vertex](a, 2); AllocSlice[[16]float32](a, 1) }); fe != nil {
		t.Errorf("pointer-free types rejected: %v", fe)
	}
}

func TestAllocSliceEmpty(t *testing.T) {
	a := NewArena("test", 0)
	if s := AllocSlice[uint32](a, 0); s != nil {
		t.Errorf("got %v, want nil", s)
	}
}

func TestPools(t *testing.T) {
	p := NewPools(Budgets{Frame: 8, Persistent: 16, Swapchain: 32})
	for _, tc := range []struct {
		kind Kind
		cap  int
	}{
		{Frame, 8},
		{Persistent, 16},
		{Swapchain, 32},
	} {
		a := p.Get(tc.kind)
		if a.Cap() != tc.cap {
			t.Errorf("%s cap = %d, want %d", tc.kind, a.Cap(), tc.cap)
		}
		if a.Name() != tc.kind.String() {
			t.Errorf("%s name = %q", tc.kind, a.Name())
		}
	}
	if p.Frame() != p.Get(Frame) || p.Swapchain() != p.Get(Swapchain) || p.Persistent() != p.Get(Persistent) {
		t.Error("accessors disagree with Get")
	}
	p.Release()
	for k := Frame; k < numKinds; k++ {
		if !p.Get(k).Released() {
			t.Errorf("%s not released", k)
		}
	}
}
