package media

// Audio is mixed and encoded as interleaved signed 16-bit PCM in this format.
const (
	AudioSampleRate = 48000
	AudioChannels   = 2
)

// Geometry is the frame size and rate a decoder or encoder works at.
type Geometry struct {
	Width     int     `json:"width"`
	Height    int     `json:"height"`
	FrameRate float64 `json:"frame_rate"`
}

// Even rounds both dimensions down to even numbers, as video codecs require.
func (g Geometry) Even() Geometry {
	g.Width -= g.Width % 2
	g.Height -= g.Height % 2
	return g
}

// FrameBytes is the size of one RGBA frame.
func (g Geometry) FrameBytes() int {
	return g.Width * g.Height * 4
}

// SamplesFor returns the number of interleaved samples covering seconds of
// audio.
func SamplesFor(seconds float64) int {
	if seconds <= 0 {
		return 0
	}
	return int(seconds*AudioSampleRate) * AudioChannels
}
