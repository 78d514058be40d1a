// Package segmentation talks to the subject-segmentation collaborator, a
// Python module run as a subprocess. It produces a single candidate mask for
// a clicked point and tracks a chosen subject through a clip, streaming one
// mask per sampled frame.
package segmentation

import (
	"context"
	"fmt"
	"image"
	"time"

	"github.com/heimdex/heimdex-editor/internal/mask"
)

// Segmenter is the collaborator contract. Preview failures are returned;
// Track reports per-frame failures as events and keeps going.
type Segmenter interface {
	Preview(ctx context.Context, frame image.Image, pt Point) (*mask.Data, error)
	Track(ctx context.Context, req TrackRequest) (<-chan TrackEvent, error)
}

// Point is a position in normalized frame coordinates, 0..1 on both axes.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// TrackRequest asks for masks of the subject under Point at FrameTime,
// sampled at SampleFPS across the source range [Start, End].
type TrackRequest struct {
	SourcePath string
	Point      Point
	FrameTime  float64
	Start      float64
	End        float64
	SampleFPS  float64
}

// TrackEvent is one sampled frame. Err set with Fatal false is a frame that
// failed; Fatal marks the end of a stream that did not complete.
type TrackEvent struct {
	FrameTime float64
	Mask      *mask.Data
	Processed int
	Total     int
	Err       error
	Fatal     bool
}

// FrameError is a failure on a single sampled frame.
type FrameError struct {
	FrameTime float64
	Msg       string
}

func (e *FrameError) Error() string {
	return fmt.Sprintf("frame %.3fs: %s", e.FrameTime, e.Msg)
}

// Capabilities is what the installed segmentation module reports from
// `doctor --json`.
type Capabilities struct {
	PackageVersion string             `json:"package_version"`
	Python         PythonInfo         `json:"python"`
	Dependencies   map[string]DepInfo `json:"dependencies"`
	GPU            GPUInfo            `json:"gpu"`
	Summary        SummaryInfo        `json:"summary"`
	Model          string             `json:"model"`

	HasPreview  bool      `json:"has_preview"`
	HasTracking bool      `json:"has_tracking"`
	ProbedAt    time.Time `json:"probed_at"`
}

type PythonInfo struct {
	Version    string `json:"version"`
	Executable string `json:"executable"`
}

// DepInfo represents the availability status of a single dependency.
type DepInfo struct {
	Available bool   `json:"available"`
	Version   string `json:"version,omitempty"`
	Error     string `json:"error,omitempty"`
}

type GPUInfo struct {
	CUDAAvailable bool   `json:"cuda_available"`
	MPSAvailable  bool   `json:"mps_available"`
	DeviceCount   int    `json:"device_count,omitempty"`
	Error         string `json:"error,omitempty"`
}

type SummaryInfo struct {
	Available int  `json:"available"`
	Total     int  `json:"total"`
	AllOK     bool `json:"all_ok"`
}

// RunResult is the outcome of one subprocess invocation.
type RunResult struct {
	ExitCode   int           `json:"exit_code"`
	OutputPath string        `json:"output_path,omitempty"`
	StderrTail string        `json:"stderr_tail,omitempty"`
	Duration   time.Duration `json:"duration"`
}

func (r RunResult) IsSuccess() bool { return r.ExitCode == 0 }
