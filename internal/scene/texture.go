package scene

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"log/slog"
	"os"
	"strconv"

	"golang.org/x/image/draw"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/hellhand/kube/internal/gpu/vk"
	"github.com/hellhand/kube/internal/renderer"
)

const textureName = "texture"

// maxTextureDim bounds either side of an uploaded texture; larger images
// are scaled down.
const maxTextureDim = 2048

var ErrBadPPM = errors.New("malformed ppm")

// Pixels is a tightly packed RGBA8 image.
type Pixels struct {
	Width, Height uint32
	Data          []byte
}

// Texture is a sampled image owned by the scene. It is registered so it is
// released after the subsystems that sample it.
type Texture struct {
	dev *vk.Device
	tex vk.Texture
}

// NewTexture uploads px to the device. It fails with ErrCapacity when the
// backend already holds Config.MaxTextures textures. The caller registers the
// result.
func NewTexture(dev *vk.Device, b *renderer.Backend, px Pixels) (*Texture, error) {
	if err := checkCapacity(b.Registry(), textureName, b.Config().MaxTextures); err != nil {
		return nil, err
	}
	tex, err := dev.UploadTexture(px.Width, px.Height, px.Data)
	if err != nil {
		return nil, fmt.Errorf("upload texture: %w", err)
	}
	return &Texture{dev: dev, tex: tex}, nil
}

func (t *Texture) Name() string { return textureName }

func (t *Texture) Release() {
	t.dev.DestroyTexture(t.tex)
	t.tex = vk.Texture{}
}

// LoadTexture reads an image file. An empty path or an unreadable file
// yields the checker pattern; the failure is logged.
func LoadTexture(path string, log *slog.Logger) Pixels {
	if log == nil {
		log = renderer.NopLogger()
	}
	if path == "" {
		return checkerTexture()
	}
	f, err := os.Open(path)
	if err != nil {
		log.Warn("load texture failed, using fallback checker", "path", path, "err", err)
		return checkerTexture()
	}
	defer f.Close()
	px, err := DecodeTexture(f)
	if err != nil {
		log.Warn("decode texture failed, using fallback checker", "path", path, "err", err)
		return checkerTexture()
	}
	log.Info("texture loaded", "path", path, "width", px.Width, "height", px.Height)
	return px
}

// DecodeTexture decodes binary PPM (P6) or any registered image format into
// RGBA8, scaling it down to fit maxTextureDim.
func DecodeTexture(r io.Reader) (Pixels, error) {
	br := bufio.NewReader(r)
	if magic, err := br.Peek(2); err == nil && string(magic) == "P6" {
		data, err := io.ReadAll(br)
		if err != nil {
			return Pixels{}, err
		}
		return decodePPM(data)
	}
	img, _, err := image.Decode(br)
	if err != nil {
		return Pixels{}, fmt.Errorf("decode image: %w", err)
	}
	return toPixels(img), nil
}

func toPixels(src image.Image) Pixels {
	b := src.Bounds()
	w, h := fitWithin(b.Dx(), b.Dy(), maxTextureDim)
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	if w == b.Dx() && h == b.Dy() {
		draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Src)
	} else {
		draw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, b, draw.Src, nil)
	}
	return Pixels{Width: uint32(w), Height: uint32(h), Data: dst.Pix}
}

// fitWithin scales w and h down, keeping the aspect ratio, so neither
// exceeds limit. Neither side drops below 1.
func fitWithin(w, h, limit int) (int, int) {
	if w <= limit && h <= limit {
		return w, h
	}
	if w >= h {
		return limit, max(1, h*limit/w)
	}
	return max(1, w*limit/h), limit
}

func decodePPM(data []byte) (Pixels, error) {
	w, h, rgb, err := parsePPM(data)
	if err != nil {
		return Pixels{}, err
	}
	img := image.NewRGBA(image.Rect(0, 0, int(w), int(h)))
	for i := range int(w) * int(h) {
		copy(img.Pix[i*4:], rgb[i*3:i*3+3])
		img.Pix[i*4+3] = 255
	}
	return toPixels(img), nil
}

func parsePPM(data []byte) (uint32, uint32, []byte, error) {
	if len(data) < 3 || data[0] != 'P' || data[1] != '6' {
		return 0, 0, nil, fmt.Errorf("%w: not a P6 ppm", ErrBadPPM)
	}
	idx := 2
	var fields [3]uint64
	for n := 0; n < len(fields); n++ {
		for idx < len(data) && isSpace(data[idx]) {
			idx++
		}
		// Comments run to the end of the line.
		if idx < len(data) && data[idx] == '#' {
			if nl := bytes.IndexByte(data[idx:], '\n'); nl >= 0 {
				idx += nl
			} else {
				idx = len(data)
			}
			n--
			continue
		}
		start := idx
		for idx < len(data) && !isSpace(data[idx]) {
			idx++
		}
		if start == idx {
			return 0, 0, nil, fmt.Errorf("%w: header incomplete", ErrBadPPM)
		}
		v, err := strconv.ParseUint(string(data[start:idx]), 10, 32)
		if err != nil || v == 0 {
			return 0, 0, nil, fmt.Errorf("%w: header field %q", ErrBadPPM, data[start:idx])
		}
		fields[n] = v
	}
	width, height, maxVal := fields[0], fields[1], fields[2]
	if maxVal != 255 {
		return 0, 0, nil, fmt.Errorf("%w: unsupported max value %d", ErrBadPPM, maxVal)
	}
	// Exactly one whitespace byte separates the header from the raster.
	idx++
	if idx > len(data) {
		idx = len(data)
	}
	pixels := data[idx:]
	// Compare by division: width*height*3 can overflow for hostile headers.
	if width > uint64(len(pixels))/3/height {
		return 0, 0, nil, fmt.Errorf("%w: data truncated: got %d bytes for %dx%d", ErrBadPPM, len(pixels), width, height)
	}
	expected := width * height * 3
	return uint32(width), uint32(height), pixels[:expected], nil
}

func checkerTexture() Pixels {
	return Pixels{
		Width:  2,
		Height: 2,
		Data: []byte{
			255, 255, 255, 255, 50, 50, 50, 255,
			50, 50, 50, 255, 255, 255, 255, 255,
		},
	}
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\n' || b == '\r' || b == '\t'
}
