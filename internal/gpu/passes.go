package gpu

import (
	"fmt"
	"math"
)

const (
	// FeatherRadius is the reach of the mask blur in output pixels.
	FeatherRadius = 6.0
	// featherTaps is the number of taps on each side of the center.
	featherTaps = 3

	// BackgroundExposure darkens the desaturated background.
	BackgroundExposure = 0.08

	// PreviewOpacity is the strength of the candidate highlight.
	PreviewOpacity = 0.45

	resFeatherTmp = "feather_tmp"
)

// PreviewHighlight is the tint laid over a candidate mask, as linear RGB.
var PreviewHighlight = [3]float64{0.25, 0.55, 1.0}

var featherWeights = gaussianWeights(featherTaps, 1.5)

func gaussianWeights(taps int, sigma float64) []float32 {
	w := make([]float64, 2*taps+1)
	sum := 0.0
	for k := -taps; k <= taps; k++ {
		v := math.Exp(-float64(k*k) / (2 * sigma * sigma))
		w[k+taps] = v
		sum += v
	}
	out := make([]float32, len(w))
	for i, v := range w {
		out[i] = float32(v / sum)
	}
	return out
}

// FeatherPass softens the binary mask into a blend weight with a separable
// Gaussian sampled at FeatherRadius/3 pixel spacing.
type FeatherPass struct {
	prog *Program
}

func NewFeatherPass(prog *Program) *FeatherPass { return &FeatherPass{prog: prog} }

func (p *FeatherPass) Name() string     { return "feather" }
func (p *FeatherPass) Inputs() []string { return []string{ResMask} }
func (p *FeatherPass) Outputs() []Output {
	return []Output{{Name: resFeatherTmp, Format: FormatAlpha}, {Name: ResFeathered, Format: FormatAlpha}}
}

func (p *FeatherPass) Execute(res *Resources) error {
	if err := p.prog.bind(); err != nil {
		return err
	}
	src, err := res.Get(ResMask)
	if err != nil {
		return err
	}
	if src.Format != FormatAlpha {
		return fmt.Errorf("mask is %s", src.Format)
	}
	tmp, _ := res.Get(resFeatherTmp)
	dst, _ := res.Get(ResFeathered)
	w, h := res.Size()
	spacing := int(math.Round(FeatherRadius / featherTaps))

	// horizontal taps, resampling the mask onto the output grid
	fw := float64(w)
	for y := 0; y < h; y++ {
		v := (float64(y) + 0.5) / float64(h)
		row := tmp.Alpha[y*w : (y+1)*w]
		for x := range row {
			var acc float32
			for k := -featherTaps; k <= featherTaps; k++ {
				u := (float64(x+k*spacing) + 0.5) / fw
				acc += featherWeights[k+featherTaps] * src.sampleAlpha(u, v)
			}
			row[x] = acc
		}
	}

	// vertical taps
	for y := 0; y < h; y++ {
		row := dst.Alpha[y*w : (y+1)*w]
		for x := range row {
			var acc float32
			for k := -featherTaps; k <= featherTaps; k++ {
				sy := min(max(y+k*spacing, 0), h-1)
				acc += featherWeights[k+featherTaps] * tmp.Alpha[sy*w+x]
			}
			row[x] = acc
		}
	}
	return nil
}

// ColorIsolationPass keeps the subject in color and renders the background
// as darkened Rec.601 luminance, blended by the feathered mask.
type ColorIsolationPass struct {
	prog *Program
}

func NewColorIsolationPass(prog *Program) *ColorIsolationPass {
	return &ColorIsolationPass{prog: prog}
}

func (p *ColorIsolationPass) Name() string      { return "color_isolation" }
func (p *ColorIsolationPass) Inputs() []string  { return []string{ResVideo, ResFeathered} }
func (p *ColorIsolationPass) Outputs() []Output { return []Output{{Name: ResOutput, Format: FormatRGBA}} }

func (p *ColorIsolationPass) Execute(res *Resources) error {
	if err := p.prog.bind(); err != nil {
		return err
	}
	video, err := res.Get(ResVideo)
	if err != nil {
		return err
	}
	alpha, err := res.Get(ResFeathered)
	if err != nil {
		return err
	}
	out, _ := res.Get(ResOutput)
	if len(alpha.Alpha)*4 != len(video.RGBA.Pix) || len(out.RGBA.Pix) != len(video.RGBA.Pix) {
		return fmt.Errorf("geometry mismatch: video %dx%d, mask %dx%d", video.Width, video.Height, alpha.Width, alpha.Height)
	}

	const keep = 1 - BackgroundExposure
	src, dst := video.RGBA.Pix, out.RGBA.Pix
	for i, a := range alpha.Alpha {
		o := i * 4
		r, g, b := float32(src[o]), float32(src[o+1]), float32(src[o+2])
		gray := (0.299*r + 0.587*g + 0.114*b) * keep
		a = min(max(a, 0), 1)
		dst[o] = toByte(gray + (r-gray)*a)
		dst[o+1] = toByte(gray + (g-gray)*a)
		dst[o+2] = toByte(gray + (b-gray)*a)
		dst[o+3] = 255
	}
	return nil
}

// PreviewPass tints the raw candidate mask so a selection can be confirmed
// before tracking starts.
type PreviewPass struct {
	prog *Program
}

func NewPreviewPass(prog *Program) *PreviewPass { return &PreviewPass{prog: prog} }

func (p *PreviewPass) Name() string      { return "preview" }
func (p *PreviewPass) Inputs() []string  { return []string{ResVideo, ResMask} }
func (p *PreviewPass) Outputs() []Output { return []Output{{Name: ResOutput, Format: FormatRGBA}} }

func (p *PreviewPass) Execute(res *Resources) error {
	if err := p.prog.bind(); err != nil {
		return err
	}
	video, err := res.Get(ResVideo)
	if err != nil {
		return err
	}
	m, err := res.Get(ResMask)
	if err != nil {
		return err
	}
	out, _ := res.Get(ResOutput)
	w, h := res.Size()

	hr := float32(PreviewHighlight[0] * 255)
	hg := float32(PreviewHighlight[1] * 255)
	hb := float32(PreviewHighlight[2] * 255)
	src, dst := video.RGBA.Pix, out.RGBA.Pix
	for y := 0; y < h; y++ {
		v := (float64(y) + 0.5) / float64(h)
		for x := 0; x < w; x++ {
			o := (y*w + x) * 4
			a := m.sampleAlpha((float64(x)+0.5)/float64(w), v) * PreviewOpacity
			r, g, b := float32(src[o]), float32(src[o+1]), float32(src[o+2])
			dst[o] = toByte(r + (hr-r)*a)
			dst[o+1] = toByte(g + (hg-g)*a)
			dst[o+2] = toByte(b + (hb-b)*a)
			dst[o+3] = 255
		}
	}
	return nil
}

// PassthroughPass copies the video frame unchanged.
type PassthroughPass struct {
	prog *Program
}

func NewPassthroughPass(prog *Program) *PassthroughPass { return &PassthroughPass{prog: prog} }

func (p *PassthroughPass) Name() string      { return "passthrough" }
func (p *PassthroughPass) Inputs() []string  { return []string{ResVideo} }
func (p *PassthroughPass) Outputs() []Output { return []Output{{Name: ResOutput, Format: FormatRGBA}} }

func (p *PassthroughPass) Execute(res *Resources) error {
	if err := p.prog.bind(); err != nil {
		return err
	}
	video, err := res.Get(ResVideo)
	if err != nil {
		return err
	}
	out, _ := res.Get(ResOutput)
	if len(out.RGBA.Pix) != len(video.RGBA.Pix) {
		return fmt.Errorf("geometry mismatch: video %dx%d", video.Width, video.Height)
	}
	copy(out.RGBA.Pix, video.RGBA.Pix)
	return nil
}

func toByte(v float32) uint8 {
	switch {
	case v <= 0:
		return 0
	case v >= 255:
		return 255
	}
	return uint8(v + 0.5)
}
