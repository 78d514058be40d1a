// Package gpu is the compositing pipeline: a declared render graph of passes
// executed on a software device that accounts for every object it hands out,
// so leaked programs, buffers, textures and framebuffers show up in Live().
package gpu

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/heimdex/heimdex-editor/internal/logging"
)

type ObjectKind string

const (
	KindProgram     ObjectKind = "program"
	KindBuffer      ObjectKind = "buffer"
	KindTexture     ObjectKind = "texture"
	KindFramebuffer ObjectKind = "framebuffer"
)

// Device allocates pipeline objects and tracks which are still alive.
type Device struct {
	logger *slog.Logger

	mu   sync.Mutex
	next int
	live map[int]ObjectKind
}

func NewDevice(logger *slog.Logger) *Device {
	return &Device{
		logger: logging.WithComponent(logging.OrDiscard(logger), "gpu"),
		live:   make(map[int]ObjectKind),
	}
}

func (d *Device) alloc(kind ObjectKind) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.next++
	d.live[d.next] = kind
	return d.next
}

func (d *Device) release(id int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.live, id)
}

// Live returns the number of objects not yet released.
func (d *Device) Live() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.live)
}

func (d *Device) LiveByKind() map[ObjectKind]int {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[ObjectKind]int)
	for _, k := range d.live {
		out[k]++
	}
	return out
}

// Program is a compiled pass kernel.
type Program struct {
	dev      *Device
	id       int
	Name     string
	released bool
}

func (d *Device) CreateProgram(name string) *Program {
	return &Program{dev: d, id: d.alloc(KindProgram), Name: name}
}

func (p *Program) bind() error {
	if p == nil || p.released {
		return fmt.Errorf("program: %w", ErrReleased)
	}
	return nil
}

func (p *Program) Release() {
	if p == nil || p.released {
		return
	}
	p.released = true
	p.dev.release(p.id)
}

// Buffer holds vertex data; the pipeline only ever draws a full-frame quad.
type Buffer struct {
	dev      *Device
	id       int
	Data     []float32
	released bool
}

func (d *Device) CreateBuffer(data []float32) *Buffer {
	return &Buffer{dev: d, id: d.alloc(KindBuffer), Data: append([]float32(nil), data...)}
}

func (b *Buffer) Release() {
	if b == nil || b.released {
		return
	}
	b.released = true
	b.Data = nil
	b.dev.release(b.id)
}

// Framebuffer is a render target bound to a color attachment.
type Framebuffer struct {
	dev        *Device
	id         int
	Attachment *Texture
	released   bool
}

func (d *Device) CreateFramebuffer() *Framebuffer {
	return &Framebuffer{dev: d, id: d.alloc(KindFramebuffer)}
}

// Attach binds t as the color attachment.
func (f *Framebuffer) Attach(t *Texture) error {
	if f.released {
		return fmt.Errorf("framebuffer %d: %w", f.id, ErrReleased)
	}
	if t.Format != FormatRGBA {
		return fmt.Errorf("framebuffer %d: attachment must be RGBA", f.id)
	}
	f.Attachment = t
	return nil
}

func (f *Framebuffer) Release() {
	if f == nil || f.released {
		return
	}
	f.released = true
	f.Attachment = nil
	f.dev.release(f.id)
}
