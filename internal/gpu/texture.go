package gpu

import (
	"errors"
	"fmt"
	"image"
	"image/color"

	"golang.org/x/image/draw"

	"github.com/heimdex/heimdex-editor/internal/mask"
)

var ErrReleased = errors.New("object already released")

type Format int

const (
	// FormatRGBA holds 8-bit color.
	FormatRGBA Format = iota
	// FormatAlpha holds one float32 coverage value per texel.
	FormatAlpha
)

func (f Format) String() string {
	if f == FormatAlpha {
		return "alpha"
	}
	return "rgba"
}

type Texture struct {
	dev      *Device
	id       int
	Format   Format
	Width    int
	Height   int
	RGBA     *image.RGBA
	Alpha    []float32
	released bool
}

func (d *Device) CreateTexture(format Format, width, height int) *Texture {
	t := &Texture{dev: d, id: d.alloc(KindTexture), Format: format}
	t.allocate(width, height)
	return t
}

func (t *Texture) allocate(width, height int) {
	t.Width, t.Height = width, height
	switch t.Format {
	case FormatRGBA:
		t.RGBA = image.NewRGBA(image.Rect(0, 0, width, height))
	case FormatAlpha:
		t.Alpha = make([]float32, width*height)
	}
}

// Resize reallocates storage when the dimensions change. Contents are
// undefined afterwards.
func (t *Texture) Resize(width, height int) error {
	if t.released {
		return ErrReleased
	}
	if t.Width == width && t.Height == height {
		return nil
	}
	t.allocate(width, height)
	return nil
}

// UploadImage copies img into the texture, scaling it to the texture size.
func (t *Texture) UploadImage(img image.Image) error {
	if t.released {
		return ErrReleased
	}
	if t.Format != FormatRGBA {
		return fmt.Errorf("upload image into %s texture", t.Format)
	}
	dst := t.RGBA.Bounds()
	if img.Bounds().Dx() == dst.Dx() && img.Bounds().Dy() == dst.Dy() {
		draw.Draw(t.RGBA, dst, img, img.Bounds().Min, draw.Src)
		return nil
	}
	draw.BiLinear.Scale(t.RGBA, dst, img, img.Bounds(), draw.Src, nil)
	return nil
}

// UploadMask replaces the texture contents with a binary mask, resizing the
// texture to the mask's own dimensions.
func (t *Texture) UploadMask(m *mask.Data) error {
	if t.released {
		return ErrReleased
	}
	if t.Format != FormatAlpha {
		return fmt.Errorf("upload mask into %s texture", t.Format)
	}
	if !m.Valid() {
		return errors.New("upload invalid mask")
	}
	if err := t.Resize(m.Width, m.Height); err != nil {
		return err
	}
	for i, v := range m.Data {
		if v != 0 {
			t.Alpha[i] = 1
		} else {
			t.Alpha[i] = 0
		}
	}
	return nil
}

// Fill sets every texel of an RGBA texture to c.
func (t *Texture) Fill(c color.RGBA) {
	pix := t.RGBA.Pix
	for i := 0; i < len(pix); i += 4 {
		pix[i], pix[i+1], pix[i+2], pix[i+3] = c.R, c.G, c.B, c.A
	}
}

// sampleAlpha reads the alpha texel nearest to the normalized coordinate
// (u, v), clamping to the edge.
func (t *Texture) sampleAlpha(u, v float64) float32 {
	x := int(u * float64(t.Width))
	y := int(v * float64(t.Height))
	x = min(max(x, 0), t.Width-1)
	y = min(max(y, 0), t.Height-1)
	return t.Alpha[y*t.Width+x]
}

func (t *Texture) Release() {
	if t == nil || t.released {
		return
	}
	t.released = true
	t.RGBA = nil
	t.Alpha = nil
	t.dev.release(t.id)
}
