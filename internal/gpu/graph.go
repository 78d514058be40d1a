package gpu

import (
	"fmt"
	"slices"
)

// Standard resource names shared by the built-in passes.
const (
	ResVideo     = "video"
	ResMask      = "mask"
	ResFeathered = "feathered"
	ResOutput    = "output"
)

// Pass is one node of the render graph. Inputs must be produced by earlier
// passes or supplied externally; outputs are allocated by the graph at the
// output geometry.
type Pass interface {
	Name() string
	Inputs() []string
	Outputs() []Output
	Execute(res *Resources) error
}

// Output declares a texture a pass writes.
type Output struct {
	Name   string
	Format Format
}

// Resources is the set of named textures a graph executes against. Targets
// are created lazily and resized to the current geometry on demand.
type Resources struct {
	dev      *Device
	width    int
	height   int
	textures map[string]*Texture
}

func newResources(dev *Device, width, height int) *Resources {
	return &Resources{dev: dev, width: width, height: height, textures: make(map[string]*Texture)}
}

// Bind installs an externally managed texture under name.
func (r *Resources) Bind(name string, t *Texture) {
	r.textures[name] = t
}

func (r *Resources) Get(name string) (*Texture, error) {
	t, ok := r.textures[name]
	if !ok || t == nil || t.released {
		return nil, fmt.Errorf("resource %q not bound", name)
	}
	return t, nil
}

// Target returns the texture for name sized to the output geometry,
// creating or resizing it as needed.
func (r *Resources) Target(name string, format Format) (*Texture, error) {
	t, ok := r.textures[name]
	if ok && t.Format != format {
		return nil, fmt.Errorf("resource %q is %s, want %s", name, t.Format, format)
	}
	if !ok {
		t = r.dev.CreateTexture(format, r.width, r.height)
		r.textures[name] = t
		return t, nil
	}
	if err := t.Resize(r.width, r.height); err != nil {
		return nil, fmt.Errorf("resize %q: %w", name, err)
	}
	return t, nil
}

func (r *Resources) Size() (int, int) {
	return r.width, r.height
}

func (r *Resources) setSize(width, height int) {
	r.width, r.height = width, height
}

func (r *Resources) release() {
	for name, t := range r.textures {
		t.Release()
		delete(r.textures, name)
	}
}

// Graph is an ordered, validated list of passes.
type Graph struct {
	Name   string
	passes []Pass
}

// NewGraph checks that every pass input is available by the time the pass
// runs, given the externally supplied resource names.
func NewGraph(name string, external []string, passes ...Pass) (*Graph, error) {
	if len(passes) == 0 {
		return nil, fmt.Errorf("graph %s: no passes", name)
	}
	available := slices.Clone(external)
	for _, p := range passes {
		for _, in := range p.Inputs() {
			if !slices.Contains(available, in) {
				return nil, fmt.Errorf("graph %s: pass %s reads %q before it is written", name, p.Name(), in)
			}
		}
		for _, out := range p.Outputs() {
			if slices.Contains(external, out.Name) {
				return nil, fmt.Errorf("graph %s: pass %s overwrites external %q", name, p.Name(), out.Name)
			}
			available = append(available, out.Name)
		}
	}
	return &Graph{Name: name, passes: passes}, nil
}

// Passes lists the pass names in execution order.
func (g *Graph) Passes() []string {
	names := make([]string, len(g.passes))
	for i, p := range g.passes {
		names[i] = p.Name()
	}
	return names
}

func (g *Graph) Execute(res *Resources) error {
	for _, p := range g.passes {
		for _, out := range p.Outputs() {
			if _, err := res.Target(out.Name, out.Format); err != nil {
				return fmt.Errorf("graph %s: pass %s: %w", g.Name, p.Name(), err)
			}
		}
		if err := p.Execute(res); err != nil {
			return fmt.Errorf("graph %s: pass %s: %w", g.Name, p.Name(), err)
		}
	}
	return nil
}
