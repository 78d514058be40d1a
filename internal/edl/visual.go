package edl

// The timeline strip draws every clip as Trimmed.Start + Duration +
// Trimmed.End seconds wide so trimmed material shows as ghosted edges. The
// two functions below convert between playhead time and strip offset in
// pixels and are inverses of each other.

// PlayheadVisualPosition returns the strip offset in pixels for timeline
// time t.
func PlayheadVisualPosition(clips []Clip, t, pxPerSecond float64) float64 {
	if len(clips) == 0 || pxPerSecond <= 0 {
		return 0
	}
	t = clamp(t, 0, TotalDuration(clips))
	i, ok := ClipAt(clips, t)
	if !ok {
		return 0
	}
	offset := 0.0
	for _, c := range clips[:i] {
		offset += c.VisualWidth()
	}
	c := clips[i]
	return (offset + c.Trimmed.Start + (t - c.TimelinePosition)) * pxPerSecond
}

// TimelineTimeFromVisualPosition maps a strip offset in pixels back to
// timeline time. Offsets over a ghosted trim snap to the nearest content
// edge of that clip.
func TimelineTimeFromVisualPosition(clips []Clip, x, pxPerSecond float64) float64 {
	if len(clips) == 0 || pxPerSecond <= 0 || x <= 0 {
		return 0
	}
	v := x / pxPerSecond
	offset := 0.0
	for _, c := range clips {
		w := c.VisualWidth()
		if v < offset+w {
			local := v - offset
			switch {
			case local <= c.Trimmed.Start:
				return c.TimelinePosition
			case local >= c.Trimmed.Start+c.Duration():
				return c.End()
			default:
				return c.TimelinePosition + (local - c.Trimmed.Start)
			}
		}
		offset += w
	}
	return TotalDuration(clips)
}

// VisualWidth returns the full strip width in pixels.
func VisualWidth(clips []Clip, pxPerSecond float64) float64 {
	w := 0.0
	for _, c := range clips {
		w += c.VisualWidth()
	}
	return w * pxPerSecond
}
