// Package export renders the timeline into a single webm file. The
// Compositor replays the edit decision list in real time against independent
// decode sessions, composites every frame through the color pipeline and
// feeds the result to an encoder. The Manager runs one export at a time in
// the background and records the history.
package export

import (
	"context"
	"errors"
	"fmt"
	"image"

	"github.com/heimdex/heimdex-editor/internal/edl"
	"github.com/heimdex/heimdex-editor/internal/media"
	"github.com/heimdex/heimdex-editor/internal/schedule"
)

const (
	// SeekThreshold is how far a session may drift from the expected source
	// time before the compositor seeks it.
	SeekThreshold = 0.25

	// TrailingDelay keeps the encoder running after the last frame so the
	// tail of the audio is flushed.
	TrailingDelay = 0.2

	// FallbackFPS is used when no source reports a frame rate.
	FallbackFPS = 30.0

	// DefaultProjectName names exports of untitled projects.
	DefaultProjectName = "heimdex_export"
)

// Output formats, in negotiation order.
var OutputFormats = []string{
	"video/webm;codecs=vp9,opus",
	"video/webm;codecs=vp8,vorbis",
	"video/webm",
}

var (
	ErrNoClips           = errors.New("timeline has no clips")
	ErrNoValidSource     = errors.New("no source with valid dimensions")
	ErrNoSupportedFormat = errors.New("no supported output format")
	ErrCancelled         = errors.New("export cancelled")
	ErrBusy              = errors.New("an export is already running")
)

// Error is a failure after resources were acquired. Op names the stage.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("export %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// State is the compositor's position in its lifecycle.
type State string

const (
	StateIdle      State = "idle"
	StateExporting State = "exporting"
	StateComplete  State = "complete"
	StateError     State = "error"
)

// Request is a snapshot of what to render. Regions without masks are
// ignored; sources are looked up by clip.SourceID.
type Request struct {
	ProjectName string
	Clips       []edl.Clip
	Regions     []edl.ColorRegion
	Sources     []media.Source
	// OutputPath is where the encoder writes. Empty means a temp file.
	OutputPath string
}

// Result describes the finished file.
type Result struct {
	Path      string  `json:"-"`
	MimeType  string  `json:"mime_type"`
	Filename  string  `json:"filename"`
	Duration  float64 `json:"duration_seconds"`
	SizeBytes int64   `json:"size_bytes"`
}

// Progress is reported once per rendered frame.
type Progress struct {
	Elapsed    float64 `json:"elapsed_seconds"`
	Total      float64 `json:"total_seconds"`
	Percentage float64 `json:"percentage"`
}

// DecodeSession is one playback handle over a source.
type DecodeSession interface {
	Seek(ctx context.Context, t float64) error
	Play()
	Pause()
	Paused() bool
	CurrentTime() float64
	Frame() (image.Image, error)
	ReadAudio(dst []int16) (int, error)
	Close() error
}

// Sink receives the composited output.
type Sink interface {
	Path() string
	WriteFrame(img *image.RGBA) error
	WriteAudio(samples []int16) error
	Stop(ctx context.Context) error
	Abort()
}

// Formats reports whether an output mime type can be produced.
type Formats interface {
	Supported(mime string) bool
}

// DurationFixer rewrites container metadata once the file is closed and
// reports the real duration.
type DurationFixer interface {
	FixDuration(ctx context.Context, path string, expected float64) (float64, error)
}

// OpenFunc starts a decode session whose playback advances on clock.
type OpenFunc func(ctx context.Context, src media.Source, geom media.Geometry, clock schedule.Clock) (DecodeSession, error)

// SinkFunc starts an encoder writing mime to path.
type SinkFunc func(ctx context.Context, path, mime string, geom media.Geometry) (Sink, error)

// SchedulerFunc builds the loop that paces an export at fps.
type SchedulerFunc func(fps float64) schedule.Scheduler

// boundary is a clip's span on the output timeline.
type boundary struct {
	Start   float64
	End     float64
	Clip    edl.Clip
	Regions []edl.ColorRegion
}
