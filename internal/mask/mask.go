// Package mask holds the per-frame subject masks produced by the segmentation
// collaborator and the helpers used to pick and merge them at render time.
package mask

import "sort"

// Data is a binary classification of one frame: one byte per pixel, 1 for
// subject and 0 for background, row-major.
type Data struct {
	Width  int    `json:"width"`
	Height int    `json:"height"`
	Data   []byte `json:"data"`
}

// FrameMask ties a mask to the source time it was sampled at.
type FrameMask struct {
	FrameTime float64 `json:"frame_time"`
	Mask      *Data   `json:"mask"`
}

// New allocates an empty mask.
func New(width, height int) *Data {
	return &Data{Width: width, Height: height, Data: make([]byte, width*height)}
}

// Valid reports whether the payload matches the declared dimensions.
func (d *Data) Valid() bool {
	return d != nil && d.Width > 0 && d.Height > 0 && len(d.Data) == d.Width*d.Height
}

// At reports whether pixel (x, y) belongs to the subject.
func (d *Data) At(x, y int) bool {
	if x < 0 || y < 0 || x >= d.Width || y >= d.Height {
		return false
	}
	return d.Data[y*d.Width+x] != 0
}

// Set marks pixel (x, y) as subject or background.
func (d *Data) Set(x, y int, on bool) {
	if x < 0 || y < 0 || x >= d.Width || y >= d.Height {
		return
	}
	if on {
		d.Data[y*d.Width+x] = 1
	} else {
		d.Data[y*d.Width+x] = 0
	}
}

// Coverage returns the number of subject pixels.
func (d *Data) Coverage() int {
	n := 0
	for _, v := range d.Data {
		if v != 0 {
			n++
		}
	}
	return n
}

// Combine merges simultaneous region masks with a per-pixel OR. Zero masks
// yields nil and a single mask is returned unchanged. Masks whose dimensions
// differ from the first are sampled nearest-neighbour onto its grid.
func Combine(masks []*Data) *Data {
	var valid []*Data
	for _, m := range masks {
		if m.Valid() {
			valid = append(valid, m)
		}
	}
	switch len(valid) {
	case 0:
		return nil
	case 1:
		return valid[0]
	}

	base := valid[0]
	out := New(base.Width, base.Height)
	copy(out.Data, base.Data)

	for _, m := range valid[1:] {
		if m.Width == base.Width && m.Height == base.Height {
			for i, v := range m.Data {
				if v != 0 {
					out.Data[i] = 1
				}
			}
			continue
		}
		for y := 0; y < base.Height; y++ {
			sy := y * m.Height / base.Height
			for x := 0; x < base.Width; x++ {
				sx := x * m.Width / base.Width
				if m.Data[sy*m.Width+sx] != 0 {
					out.Data[y*base.Width+x] = 1
				}
			}
		}
	}
	return out
}

// Nearest returns the frame mask closest in time to t. Frames must be sorted
// by FrameTime. A positive tolerance rejects matches further away than it.
func Nearest(frames []FrameMask, t, tolerance float64) (FrameMask, bool) {
	if len(frames) == 0 {
		return FrameMask{}, false
	}

	i := sort.Search(len(frames), func(i int) bool { return frames[i].FrameTime >= t })

	best := -1
	bestDist := 0.0
	for _, j := range []int{i - 1, i} {
		if j < 0 || j >= len(frames) {
			continue
		}
		d := frames[j].FrameTime - t
		if d < 0 {
			d = -d
		}
		if best == -1 || d < bestDist {
			best, bestDist = j, d
		}
	}

	if tolerance > 0 && bestDist > tolerance {
		return FrameMask{}, false
	}
	return frames[best], true
}

// Insert adds fm to frames keeping FrameTime order. A mask for an existing
// frame time replaces it.
func Insert(frames []FrameMask, fm FrameMask) []FrameMask {
	i := sort.Search(len(frames), func(i int) bool { return frames[i].FrameTime >= fm.FrameTime })
	if i < len(frames) && frames[i].FrameTime == fm.FrameTime {
		out := make([]FrameMask, len(frames))
		copy(out, frames)
		out[i] = fm
		return out
	}
	out := make([]FrameMask, 0, len(frames)+1)
	out = append(out, frames[:i]...)
	out = append(out, fm)
	out = append(out, frames[i:]...)
	return out
}
