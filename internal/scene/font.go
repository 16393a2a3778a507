package scene

import (
	"fmt"
	"time"

	mgl32 "github.com/go-gl/mathgl/mgl32"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/hellhand/kube/internal/gpu"
)

type overlayVertex struct {
	pos   mgl32.Vec2
	color mgl32.Vec3
}

// textStyle places HUD text in pixels. Every lit glyph pixel becomes a
// scale x scale quad.
type textStyle struct {
	face   font.Face
	scale  float32
	margin float32
	color  mgl32.Vec3
}

var hudStyle = textStyle{
	face:   basicfont.Face7x13,
	scale:  2,
	margin: 8,
	color:  mgl32.Vec3{1, 1, 1},
}

// layoutText appends the quads for text to dst and returns the filled
// prefix. Output stops at the last whole quad that fits in dst.
func layoutText(dst []overlayVertex, text string, style textStyle, extent gpu.Extent2D) []overlayVertex {
	if extent.Empty() {
		return dst[:0]
	}
	n := 0
	ascent := style.face.Metrics().Ascent
	dot := fixed.Point26_6{X: 0, Y: ascent}
	for _, ch := range text {
		dr, mask, maskp, advance, ok := style.face.Glyph(dot, ch)
		if !ok {
			dr, mask, maskp, advance, ok = style.face.Glyph(dot, '?')
		}
		if ok {
			for y := 0; y < dr.Dy(); y++ {
				for x := 0; x < dr.Dx(); x++ {
					if _, _, _, a := mask.At(maskp.X+x, maskp.Y+y).RGBA(); a < 0x8000 {
						continue
					}
					if n+6 > len(dst) {
						return dst[:n]
					}
					px := style.margin + float32(dr.Min.X+x)*style.scale
					py := style.margin + float32(dr.Min.Y+y)*style.scale
					quadToVertices(dst[n:n+6], px, py, style.scale, style.scale, style.color, extent)
					n += 6
				}
			}
		}
		dot.X += advance
	}
	return dst[:n]
}

// quadToVertices writes two triangles for a pixel-space quad, mapped to NDC.
func quadToVertices(dst []overlayVertex, x, y, w, h float32, color mgl32.Vec3, extent gpu.Extent2D) {
	toNDC := func(px, py float32) mgl32.Vec2 {
		nx := (px/float32(extent.Width))*2 - 1
		ny := (py/float32(extent.Height))*2 - 1
		return mgl32.Vec2{nx, ny}
	}
	p0 := toNDC(x, y)
	p1 := toNDC(x+w, y)
	p2 := toNDC(x+w, y+h)
	p3 := toNDC(x, y+h)
	dst[0] = overlayVertex{pos: p0, color: color}
	dst[1] = overlayVertex{pos: p1, color: color}
	dst[2] = overlayVertex{pos: p2, color: color}
	dst[3] = overlayVertex{pos: p2, color: color}
	dst[4] = overlayVertex{pos: p3, color: color}
	dst[5] = overlayVertex{pos: p0, color: color}
}

// fpsCounter averages frames over windows of at least one second.
type fpsCounter struct {
	frames int
	last   time.Time
	value  float64
}

func (c *fpsCounter) tick(now time.Time) float64 {
	if c.last.IsZero() {
		c.last = now
	}
	c.frames++
	if elapsed := now.Sub(c.last); elapsed >= time.Second {
		c.value = float64(c.frames) / elapsed.Seconds()
		c.frames = 0
		c.last = now
	}
	return c.value
}

func fpsText(fps float64) string { return fmt.Sprintf("FPS: %.1f", fps) }
