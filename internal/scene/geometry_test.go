package scene

import (
	"testing"
	"time"
	"unsafe"

	mgl32 "github.com/go-gl/mathgl/mgl32"
	"github.com/vulkan-go/vulkan"

	"github.com/hellhand/kube/internal/gpu"
	"github.com/hellhand/kube/internal/memory"
)

func TestCubeFacesWindOutward(t *testing.T) {
	verts, indices := cubeGeometry()
	if len(verts) != 24 || len(indices) != 36 {
		t.Fatalf("got %d vertices, %d indices", len(verts), len(indices))
	}
	for i := 0; i < len(indices); i += 3 {
		a, b, c := verts[indices[i]].pos, verts[indices[i+1]].pos, verts[indices[i+2]].pos
		normal := b.Sub(a).Cross(c.Sub(a))
		centroid := a.Add(b).Add(c).Mul(1.0 / 3)
		if normal.Dot(centroid) <= 0 {
			t.Errorf("triangle %d winds inward: %v %v %v", i/3, a, b, c)
		}
	}
}

func TestModelViewProjection(t *testing.T) {
	ext := gpu.Extent2D{Width: 1600, Height: 800}
	ubo := modelViewProjection(0, mgl32.Vec2{}, ext)
	if !ubo.Model.ApproxEqual(mgl32.Ident4()) {
		t.Errorf("model at t=0 = %v, want identity", ubo.Model)
	}
	if ubo.Proj[5] >= 0 {
		t.Errorf("proj[5] = %v, want Y flipped for Vulkan", ubo.Proj[5])
	}
	if got, want := ubo.Proj[5]/ubo.Proj[0], float32(-2); mgl32.Abs(got-want) > 1e-4 {
		t.Errorf("aspect ratio = %v, want %v", got, want)
	}

	quarter := modelViewProjection(2*time.Second, mgl32.Vec2{}, ext)
	p := quarter.Model.Mul4x1(mgl32.Vec4{1, 0, 0, 1})
	if !p.ApproxEqualThreshold(mgl32.Vec4{0, 1, 0, 1}, 1e-5) {
		t.Errorf("after 2s (1,0,0) maps to %v, want (0,1,0)", p)
	}

	// Zero height must not divide by zero.
	if z := modelViewProjection(0, mgl32.Vec2{}, gpu.Extent2D{Width: 10}); z.Proj[0] != z.Proj[0] {
		t.Error("NaN projection for zero height")
	}
}

func TestUniformOffsets(t *testing.T) {
	a := memory.NewArena("swapchain", 256)
	stride := alignUp(vulkan.DeviceSize(unsafe.Sizeof(uniformBufferObject{})), 256)
	if stride != 256 {
		t.Fatalf("stride = %d", stride)
	}
	offsets := uniformOffsets(a, 3, stride)
	want := []uint32{0, 256, 512}
	for i := range want {
		if offsets[i] != want[i] {
			t.Fatalf("offsets = %v, want %v", offsets, want)
		}
	}
	if a.Len() < 12 {
		t.Errorf("arena used %d bytes, offsets were not taken from it", a.Len())
	}
}

func TestAlignUp(t *testing.T) {
	for _, tc := range []struct{ n, align, want vulkan.DeviceSize }{
		{192, 0, 192},
		{192, 64, 192},
		{192, 256, 256},
		{257, 256, 512},
		{0, 256, 0},
	} {
		if got := alignUp(tc.n, tc.align); got != tc.want {
			t.Errorf("alignUp(%d, %d) = %d, want %d", tc.n, tc.align, got, tc.want)
		}
	}
}

func TestAsBytes(t *testing.T) {
	if asBytes[uint32](nil) != nil {
		t.Error("empty slice produced bytes")
	}
	b := asBytes([]uint32{0x04030201})
	if len(b) != 4 {
		t.Fatalf("len = %d", len(b))
	}
}
