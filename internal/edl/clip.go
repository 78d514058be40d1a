// Package edl holds the edit decision list: the ordered clips placed on the
// timeline, the color regions tracked on them, the playhead, and a bounded
// linear undo history. Source media is never touched; every edit is metadata.
package edl

import (
	"math"

	"github.com/heimdex/heimdex-editor/internal/mask"
	"github.com/heimdex/heimdex-editor/internal/media"
)

const (
	// MinClipDuration is the shortest content a trim may leave on a clip.
	MinClipDuration = 0.1

	// HistoryDepth bounds the undo log.
	HistoryDepth = 50
)

// SourceLookup resolves the sources clips refer to.
type SourceLookup interface {
	Lookup(id string) (media.Source, bool)
}

// Trimmed remembers how much material was cut from each edge of a clip so
// later trims can restore it. It never affects timeline math.
type Trimmed struct {
	Start float64 `json:"start_seconds"`
	End   float64 `json:"end_seconds"`
}

// Clip places the source range [SourceIn, SourceOut) on the timeline.
type Clip struct {
	ID               string  `json:"id"`
	SourceID         string  `json:"source_id"`
	SourceIn         float64 `json:"source_in_seconds"`
	SourceOut        float64 `json:"source_out_seconds"`
	TimelinePosition float64 `json:"timeline_position_seconds"`
	Trimmed          Trimmed `json:"trimmed"`
}

// Duration is the clip's content length on the timeline.
func (c Clip) Duration() float64 {
	return c.SourceOut - c.SourceIn
}

// End is the timeline time at which the clip's content stops.
func (c Clip) End() float64 {
	return c.TimelinePosition + c.Duration()
}

// SourceTime maps a timeline time inside the clip to the source time shown.
func (c Clip) SourceTime(timelineTime float64) float64 {
	return c.SourceIn + (timelineTime - c.TimelinePosition)
}

// TimelineTime maps a source time back onto the timeline.
func (c Clip) TimelineTime(sourceTime float64) float64 {
	return c.TimelinePosition + (sourceTime - c.SourceIn)
}

// VisualWidth is the strip width of the clip in seconds, including its
// ghosted trim indicators.
func (c Clip) VisualWidth() float64 {
	return c.Trimmed.Start + c.Duration() + c.Trimmed.End
}

// Seed is the point a color region was tracked from.
type Seed struct {
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
	FrameTime float64 `json:"frame_time"`
	SampleFPS float64 `json:"sample_fps"`
}

// ColorRegion is a subject tracked across a clip, kept in color while the
// rest of the frame is desaturated.
type ColorRegion struct {
	ID              string           `json:"id"`
	ClipID          string           `json:"clip_id"`
	Seed            Seed             `json:"seed"`
	FrameMasks      []mask.FrameMask `json:"-"`
	IsProcessing    bool             `json:"is_processing"`
	TotalFrames     int              `json:"total_frames"`
	ProcessedFrames int              `json:"processed_frames"`
}

// MaskAt returns the region's mask nearest to sourceTime, within one sample
// interval.
func (r ColorRegion) MaskAt(sourceTime float64) *mask.Data {
	tolerance := 0.0
	if r.Seed.SampleFPS > 0 {
		tolerance = 1 / r.Seed.SampleFPS
	}
	fm, ok := mask.Nearest(r.FrameMasks, sourceTime, tolerance)
	if !ok {
		return nil
	}
	return fm.Mask
}

// startTime is the source time the region's material begins at.
func (r ColorRegion) startTime() float64 {
	if len(r.FrameMasks) > 0 {
		return r.FrameMasks[0].FrameTime
	}
	return r.Seed.FrameTime
}

// TotalDuration sums clip content durations. Trimmed material is never part of
// timeline time.
func TotalDuration(clips []Clip) float64 {
	total := 0.0
	for _, c := range clips {
		total += c.Duration()
	}
	return total
}

// ClipAt returns the index of the clip active at timeline time t. Clips own
// the half-open span [position, end) so the later clip wins on a shared
// boundary; the final clip also owns t == total.
func ClipAt(clips []Clip, t float64) (int, bool) {
	if len(clips) == 0 || t < 0 || math.IsNaN(t) {
		return -1, false
	}
	lo, hi := 0, len(clips)
	for lo < hi {
		mid := (lo + hi) / 2
		if clips[mid].End() > t {
			hi = mid
		} else {
			lo = mid + 1
		}
	}
	if lo < len(clips) {
		return lo, true
	}
	last := len(clips) - 1
	if t == clips[last].End() {
		return last, true
	}
	return -1, false
}

func recomputePositions(clips []Clip) {
	pos := 0.0
	for i := range clips {
		clips[i].TimelinePosition = pos
		pos += clips[i].Duration()
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
