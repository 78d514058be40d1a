package ui

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
)

var iconBytes = renderIcon(22)

// renderIcon draws a filmstrip glyph: a filled frame with sprocket holes
// along both edges.
func renderIcon(size int) []byte {
	img := image.NewNRGBA(image.Rect(0, 0, size, size))
	fill := color.NRGBA{R: 0x2b, G: 0x6c, B: 0xf6, A: 0xff}
	hole := color.NRGBA{}

	margin := size / 8
	for y := margin; y < size-margin; y++ {
		for x := 0; x < size; x++ {
			img.SetNRGBA(x, y, fill)
		}
	}

	edge := size / 6
	step := size / 4
	for x := step / 2; x+1 < size; x += step {
		for _, y := range []int{margin + 1, size - margin - edge + 1} {
			for dy := 0; dy < edge-2; dy++ {
				img.SetNRGBA(x, y+dy, hole)
				img.SetNRGBA(x+1, y+dy, hole)
			}
		}
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil
	}
	return buf.Bytes()
}
