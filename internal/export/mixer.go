package export

import (
	"fmt"
	"math"
)

// mixer sums the audio of every decode session into one interleaved track.
// Paused sessions contribute silence, so only the active clip is heard.
type mixer struct {
	sessions []DecodeSession
	acc      []int32
	buf      []int16
	out      []int16
}

func newMixer(sessions []DecodeSession) *mixer {
	return &mixer{sessions: sessions}
}

// Mix reads n samples from every session and returns their clipped sum. The
// returned slice is reused by the next call.
func (m *mixer) Mix(n int) ([]int16, error) {
	if n <= 0 {
		return nil, nil
	}
	m.acc = grow(m.acc, n)
	m.buf = grow(m.buf, n)
	m.out = grow(m.out, n)
	clear(m.acc)

	for _, s := range m.sessions {
		if s.Paused() {
			continue
		}
		got, err := s.ReadAudio(m.buf)
		if err != nil {
			return nil, fmt.Errorf("read audio: %w", err)
		}
		for i := 0; i < got; i++ {
			m.acc[i] += int32(m.buf[i])
		}
	}

	for i, v := range m.acc {
		m.out[i] = clip16(v)
	}
	return m.out, nil
}

func clip16(v int32) int16 {
	switch {
	case v > math.MaxInt16:
		return math.MaxInt16
	case v < math.MinInt16:
		return math.MinInt16
	}
	return int16(v)
}

func grow[T any](s []T, n int) []T {
	if cap(s) < n {
		return make([]T, n)
	}
	return s[:n]
}
