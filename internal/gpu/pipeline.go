package gpu

import (
	"errors"
	"fmt"
	"image"
	"image/color"

	"github.com/heimdex/heimdex-editor/internal/mask"
)

// Mode selects which graph renders a frame.
type Mode int

const (
	ModePassthrough Mode = iota
	ModeIsolate
	ModePreview
)

func (m Mode) String() string {
	switch m {
	case ModeIsolate:
		return "isolate"
	case ModePreview:
		return "preview"
	}
	return "passthrough"
}

var ErrDisposed = errors.New("pipeline disposed")

// fullFrameQuad is two triangles covering clip space, as x, y, u, v.
var fullFrameQuad = []float32{
	-1, -1, 0, 1,
	1, -1, 1, 1,
	-1, 1, 0, 0,
	1, 1, 1, 0,
}

// Stats counts uploads so callers can verify the mask texture is only
// refreshed when the mask changes.
type Stats struct {
	Frames       int
	VideoUploads int
	MaskUploads  int
}

// Pipeline renders frames at a fixed output geometry. It is not safe for
// concurrent use; preview and export each own one.
type Pipeline struct {
	dev      *Device
	programs []*Program
	quad     *Buffer
	fb       *Framebuffer
	res      *Resources
	video    *Texture
	mask     *Texture
	graphs   map[Mode]*Graph

	lastMask *mask.Data
	stats    Stats
	disposed bool
}

func NewPipeline(dev *Device, width, height int) (*Pipeline, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid output geometry %dx%d", width, height)
	}

	p := &Pipeline{
		dev:    dev,
		res:    newResources(dev, width, height),
		graphs: make(map[Mode]*Graph),
	}
	program := func(name string) *Program {
		prog := dev.CreateProgram(name)
		p.programs = append(p.programs, prog)
		return prog
	}

	p.quad = dev.CreateBuffer(fullFrameQuad)
	p.fb = dev.CreateFramebuffer()
	p.video = dev.CreateTexture(FormatRGBA, width, height)
	p.mask = dev.CreateTexture(FormatAlpha, 1, 1)
	p.res.Bind(ResVideo, p.video)
	p.res.Bind(ResMask, p.mask)

	output, err := p.res.Target(ResOutput, FormatRGBA)
	if err == nil {
		err = p.fb.Attach(output)
	}
	if err != nil {
		p.Dispose()
		return nil, err
	}

	feather := NewFeatherPass(program("feather"))
	isolate := NewColorIsolationPass(program("color_isolation"))
	preview := NewPreviewPass(program("preview"))
	passthrough := NewPassthroughPass(program("passthrough"))

	builds := []struct {
		mode     Mode
		external []string
		passes   []Pass
	}{
		{ModeIsolate, []string{ResVideo, ResMask}, []Pass{feather, isolate}},
		{ModePreview, []string{ResVideo, ResMask}, []Pass{preview}},
		{ModePassthrough, []string{ResVideo}, []Pass{passthrough}},
	}
	for _, b := range builds {
		g, err := NewGraph(b.mode.String(), b.external, b.passes...)
		if err != nil {
			p.Dispose()
			return nil, err
		}
		p.graphs[b.mode] = g
	}
	return p, nil
}

func (p *Pipeline) Size() (int, int) {
	return p.res.Size()
}

// Resize changes the output geometry. Intermediates follow lazily on the next
// frame that uses them.
func (p *Pipeline) Resize(width, height int) error {
	if p.disposed {
		return ErrDisposed
	}
	if width <= 0 || height <= 0 {
		return fmt.Errorf("invalid output geometry %dx%d", width, height)
	}
	p.res.setSize(width, height)
	return p.video.Resize(width, height)
}

// Graph returns the render graph used for mode.
func (p *Pipeline) Graph(mode Mode) *Graph {
	return p.graphs[mode]
}

// Render composites one frame. A nil or invalid mask downgrades isolate and
// preview to passthrough; a nil frame renders a blank frame. The returned
// image belongs to the pipeline and is overwritten by the next call.
func (p *Pipeline) Render(frame image.Image, m *mask.Data, mode Mode) (*image.RGBA, error) {
	if p.disposed {
		return nil, ErrDisposed
	}
	if frame == nil {
		return p.Clear()
	}
	if !m.Valid() {
		mode = ModePassthrough
	}

	if err := p.video.UploadImage(frame); err != nil {
		return nil, fmt.Errorf("upload video: %w", err)
	}
	p.stats.VideoUploads++

	if mode != ModePassthrough && m != p.lastMask {
		if err := p.mask.UploadMask(m); err != nil {
			return nil, fmt.Errorf("upload mask: %w", err)
		}
		p.lastMask = m
		p.stats.MaskUploads++
	}

	if err := p.graphs[mode].Execute(p.res); err != nil {
		return nil, err
	}
	p.stats.Frames++
	return p.fb.Attachment.RGBA, nil
}

// Composite renders with color isolation when a mask applies and passes the
// frame through otherwise.
func (p *Pipeline) Composite(frame image.Image, m *mask.Data) (*image.RGBA, error) {
	return p.Render(frame, m, ModeIsolate)
}

// Clear renders an opaque black frame.
func (p *Pipeline) Clear() (*image.RGBA, error) {
	if p.disposed {
		return nil, ErrDisposed
	}
	out, err := p.res.Target(ResOutput, FormatRGBA)
	if err != nil {
		return nil, err
	}
	out.Fill(color.RGBA{A: 255})
	p.stats.Frames++
	return out.RGBA, nil
}

func (p *Pipeline) Stats() Stats {
	return p.stats
}

// Dispose releases every object the pipeline allocated. It is safe to call
// more than once.
func (p *Pipeline) Dispose() {
	if p.disposed {
		return
	}
	p.disposed = true
	for _, prog := range p.programs {
		prog.Release()
	}
	p.programs = nil
	p.quad.Release()
	p.fb.Release()
	p.res.release()
	p.lastMask = nil
}
