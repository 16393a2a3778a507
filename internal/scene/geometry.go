package scene

import (
	"time"
	"unsafe"

	mgl32 "github.com/go-gl/mathgl/mgl32"

	"github.com/hellhand/kube/internal/gpu"
)

type vertex struct {
	pos   mgl32.Vec3
	color mgl32.Vec3
	uv    mgl32.Vec2
}

type uniformBufferObject struct {
	Model mgl32.Mat4
	View  mgl32.Mat4
	Proj  mgl32.Mat4
}

// cubeFaces lists each face counter-clockwise as seen from outside.
var cubeFaces = [6]struct {
	corners [4]mgl32.Vec3
	color   mgl32.Vec3
}{
	{[4]mgl32.Vec3{{1, -1, -1}, {1, 1, -1}, {1, 1, 1}, {1, -1, 1}}, mgl32.Vec3{1, 0, 0}},
	{[4]mgl32.Vec3{{-1, -1, -1}, {-1, -1, 1}, {-1, 1, 1}, {-1, 1, -1}}, mgl32.Vec3{0, 1, 0}},
	{[4]mgl32.Vec3{{-1, 1, -1}, {-1, 1, 1}, {1, 1, 1}, {1, 1, -1}}, mgl32.Vec3{0, 0, 1}},
	{[4]mgl32.Vec3{{-1, -1, -1}, {1, -1, -1}, {1, -1, 1}, {-1, -1, 1}}, mgl32.Vec3{1, 1, 0}},
	{[4]mgl32.Vec3{{-1, -1, 1}, {1, -1, 1}, {1, 1, 1}, {-1, 1, 1}}, mgl32.Vec3{1, 0, 1}},
	{[4]mgl32.Vec3{{-1, -1, -1}, {-1, 1, -1}, {1, 1, -1}, {1, -1, -1}}, mgl32.Vec3{0, 1, 1}},
}

var faceUVs = [4]mgl32.Vec2{{0, 0}, {1, 0}, {1, 1}, {0, 1}}

// cubeGeometry returns four vertices per face so every face gets the full
// texture.
func cubeGeometry() ([]vertex, []uint32) {
	verts := make([]vertex, 0, 24)
	indices := make([]uint32, 0, 36)
	for _, f := range cubeFaces {
		base := uint32(len(verts))
		for i, c := range f.corners {
			verts = append(verts, vertex{pos: c, color: f.color, uv: faceUVs[i]})
		}
		indices = append(indices, base, base+1, base+2, base+2, base+3, base)
	}
	return verts, indices
}

// modelViewProjection spins the cube 45 degrees per second around Z, tilted
// by spin (radians around X and Y).
func modelViewProjection(elapsed time.Duration, spin mgl32.Vec2, extent gpu.Extent2D) uniformBufferObject {
	angle := float32(elapsed.Seconds()) * mgl32.DegToRad(45)
	model := mgl32.HomogRotate3DX(spin.Y()).
		Mul4(mgl32.HomogRotate3DY(spin.X())).
		Mul4(mgl32.HomogRotate3D(angle, mgl32.Vec3{0, 0, 1}))
	view := mgl32.LookAtV(
		mgl32.Vec3{3, 3, 3},
		mgl32.Vec3{0, 0, 0},
		mgl32.Vec3{0, 0, 1},
	)
	aspect := float32(1)
	if extent.Height != 0 {
		aspect = float32(extent.Width) / float32(extent.Height)
	}
	proj := mgl32.Perspective(mgl32.DegToRad(45), aspect, 0.1, 10.0)
	proj[5] *= -1 // Vulkan clip
	return uniformBufferObject{Model: model, View: view, Proj: proj}
}

// asBytes views a slice of pointer-free values as raw bytes.
func asBytes[T any](s []T) []byte {
	if len(s) == 0 {
		return nil
	}
	var zero T
	return unsafe.Slice((*byte)(unsafe.Pointer(&s[0])), len(s)*int(unsafe.Sizeof(zero)))
}
