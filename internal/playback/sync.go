package playback

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"math"
	"sync"
	"time"

	"golang.org/x/image/draw"

	"github.com/heimdex/heimdex-editor/internal/edl"
	"github.com/heimdex/heimdex-editor/internal/gpu"
	"github.com/heimdex/heimdex-editor/internal/logging"
	"github.com/heimdex/heimdex-editor/internal/mask"
	"github.com/heimdex/heimdex-editor/internal/media"
	"github.com/heimdex/heimdex-editor/internal/schedule"
)

const (
	// PlayStartDelay is how long playback waits after rewinding from the end
	// of the timeline.
	PlayStartDelay = 100 * time.Millisecond

	// EndThreshold is how close to a clip's out point counts as its end.
	EndThreshold = 0.05

	// Epsilon nudges the playhead past a clip boundary.
	Epsilon = 0.001

	// SyncThreshold is the drift a paused decoder may have before it is
	// re-seeked.
	SyncThreshold = 0.15

	DefaultRefreshHz = 60
)

var ErrClosed = errors.New("synchronizer closed")

// Decoder is a preview decode session over one source.
type Decoder interface {
	Seek(ctx context.Context, t float64) error
	Play()
	Pause()
	Paused() bool
	CurrentTime() float64
	Frame() (image.Image, error)
	Close() error
}

// OpenFunc starts a decode session whose playback advances on clock.
type OpenFunc func(ctx context.Context, src media.Source, geom media.Geometry, clock schedule.Clock) (Decoder, error)

// Timeline is the edit decision list the synchronizer plays. *edl.Store
// satisfies it.
type Timeline interface {
	Clips() []edl.Clip
	Duration() float64
	Playhead() float64
	SetPlayhead(t float64) float64
	RegionsForClip(clipID string) []edl.ColorRegion
}

type SourceLookup interface {
	Lookup(id string) (media.Source, bool)
}

type Config struct {
	Timeline Timeline
	Sources  SourceLookup
	Open     OpenFunc
	Clock    schedule.Clock
	Device   *gpu.Device
	// Geometry fixes the preview size. Zero means the active source's size.
	Geometry  media.Geometry
	RefreshHz float64
	Logger    *slog.Logger
}

// State is what the host shows for the transport.
type State struct {
	CurrentTime  float64 `json:"current_time_seconds"`
	Duration     float64 `json:"duration_seconds"`
	IsPlaying    bool    `json:"is_playing"`
	PendingPlay  bool    `json:"pending_play"`
	ActiveClipID string  `json:"active_clip_id,omitempty"`
	SourceID     string  `json:"source_id,omitempty"`
	SourceTime   float64 `json:"source_time_seconds"`
}

// Synchronizer keeps preview decoders aligned with the timeline playhead.
// While playing the active decoder is the time base and the playhead follows
// it; while paused the playhead is authoritative and decoders follow it.
type Synchronizer struct {
	cfg    Config
	logger *slog.Logger

	mu           sync.Mutex
	playing      bool
	pendingUntil time.Time
	decoders     map[string]Decoder
	activeClip   string
	activeSource string
	pipeline     *gpu.Pipeline
	closed       bool
}

func NewSynchronizer(cfg Config) *Synchronizer {
	logger := logging.WithComponent(logging.OrDiscard(cfg.Logger), "playback")
	if cfg.Clock == nil {
		cfg.Clock = schedule.RealClock{}
	}
	if cfg.Device == nil {
		cfg.Device = gpu.NewDevice(logger)
	}
	if cfg.RefreshHz <= 0 {
		cfg.RefreshHz = DefaultRefreshHz
	}
	return &Synchronizer{
		cfg:      cfg,
		logger:   logger,
		decoders: make(map[string]Decoder),
	}
}

func (s *Synchronizer) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := State{
		CurrentTime:  s.cfg.Timeline.Playhead(),
		Duration:     s.cfg.Timeline.Duration(),
		IsPlaying:    s.playing,
		PendingPlay:  !s.pendingUntil.IsZero(),
		ActiveClipID: s.activeClip,
		SourceID:     s.activeSource,
	}
	if dec := s.decoders[s.activeSource]; dec != nil {
		st.SourceTime = dec.CurrentTime()
	}
	return st
}

// Play starts playback at the playhead. From the end of the timeline it
// rewinds to 0 and starts after PlayStartDelay.
func (s *Synchronizer) Play(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.playing || !s.pendingUntil.IsZero() {
		return nil
	}

	clips := s.cfg.Timeline.Clips()
	if len(clips) == 0 {
		return nil
	}
	t := s.cfg.Timeline.Playhead()
	total := edl.TotalDuration(clips)
	if _, ok := edl.ClipAt(clips, t); !ok || t >= total-EndThreshold {
		if err := s.seekLocked(ctx, 0); err != nil {
			return err
		}
		s.pendingUntil = s.cfg.Clock.Now().Add(PlayStartDelay)
		return nil
	}
	return s.startLocked(ctx)
}

func (s *Synchronizer) startLocked(ctx context.Context) error {
	if err := s.syncLocked(ctx, s.cfg.Timeline.Playhead()); err != nil {
		return err
	}
	dec := s.decoders[s.activeSource]
	if dec == nil {
		return nil
	}
	dec.Play()
	s.playing = true
	return nil
}

// Pause stops playback and leaves the playhead where the decoder was.
func (s *Synchronizer) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pauseLocked()
}

func (s *Synchronizer) pauseLocked() {
	s.pendingUntil = time.Time{}
	if !s.playing {
		return
	}
	s.playing = false
	for _, dec := range s.decoders {
		if !dec.Paused() {
			dec.Pause()
		}
	}
}

// Seek pauses and moves the playhead to t, clamped to the timeline.
func (s *Synchronizer) Seek(ctx context.Context, t float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.pauseLocked()
	return s.seekLocked(ctx, t)
}

func (s *Synchronizer) seekLocked(ctx context.Context, t float64) error {
	t = s.cfg.Timeline.SetPlayhead(t)
	return s.syncLocked(ctx, t)
}

// Tick advances playback by one refresh. It starts a pending play once its
// delay has passed, follows the decoder across clip boundaries while
// playing, and re-aligns decoders with timeline edits while paused.
func (s *Synchronizer) Tick(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	if !s.pendingUntil.IsZero() && !s.cfg.Clock.Now().Before(s.pendingUntil) {
		s.pendingUntil = time.Time{}
		if err := s.startLocked(ctx); err != nil {
			return err
		}
	}

	if !s.playing {
		return s.syncLocked(ctx, s.cfg.Timeline.Playhead())
	}
	return s.followLocked(ctx)
}

// followLocked maps the playing decoder's time back onto the timeline.
func (s *Synchronizer) followLocked(ctx context.Context) error {
	clips := s.cfg.Timeline.Clips()
	idx := clipIndex(clips, s.activeClip)
	dec := s.decoders[s.activeSource]
	if idx < 0 || dec == nil {
		// the clip was edited away under us
		s.pauseLocked()
		return s.syncLocked(ctx, s.cfg.Timeline.Playhead())
	}

	clip := clips[idx]
	sourceTime := dec.CurrentTime()
	if sourceTime < clip.SourceOut-EndThreshold {
		s.cfg.Timeline.SetPlayhead(clip.TimelineTime(sourceTime))
		return nil
	}

	if idx+1 < len(clips) {
		next := clips[idx+1]
		t := s.cfg.Timeline.SetPlayhead(next.TimelinePosition + Epsilon)
		if err := s.syncLocked(ctx, t); err != nil {
			return err
		}
		if dec := s.decoders[s.activeSource]; dec != nil && dec.Paused() {
			dec.Play()
		}
		return nil
	}

	s.pauseLocked()
	s.cfg.Timeline.SetPlayhead(edl.TotalDuration(clips))
	return nil
}

// syncLocked points the active decoder at timeline time t. A change of clip
// or source always seeks; otherwise a paused decoder is only re-seeked when
// it drifted past SyncThreshold.
func (s *Synchronizer) syncLocked(ctx context.Context, t float64) error {
	clips := s.cfg.Timeline.Clips()
	idx, ok := edl.ClipAt(clips, t)
	if !ok {
		s.deactivateLocked()
		return nil
	}
	clip := clips[idx]
	sourceTime := clip.SourceTime(t)

	dec, err := s.decoderLocked(ctx, clip.SourceID)
	if err != nil {
		return err
	}
	if dec == nil {
		s.deactivateLocked()
		return nil
	}

	changed := clip.SourceID != s.activeSource || clip.ID != s.activeClip
	if changed {
		if old := s.decoders[s.activeSource]; old != nil && old != dec && !old.Paused() {
			old.Pause()
		}
	}
	drifted := !s.playing && math.Abs(dec.CurrentTime()-sourceTime) > SyncThreshold
	if changed || drifted {
		if err := dec.Seek(ctx, sourceTime); err != nil {
			return fmt.Errorf("seek %s: %w", clip.SourceID, err)
		}
	}
	s.activeClip = clip.ID
	s.activeSource = clip.SourceID
	return nil
}

func (s *Synchronizer) deactivateLocked() {
	if old := s.decoders[s.activeSource]; old != nil && !old.Paused() {
		old.Pause()
	}
	s.activeClip = ""
	s.activeSource = ""
}

// decoderLocked opens the preview session for a source on first use. It
// returns nil for sources that are no longer registered.
func (s *Synchronizer) decoderLocked(ctx context.Context, sourceID string) (Decoder, error) {
	if dec, ok := s.decoders[sourceID]; ok {
		return dec, nil
	}
	src, ok := s.cfg.Sources.Lookup(sourceID)
	if !ok {
		return nil, nil
	}
	dec, err := s.cfg.Open(ctx, src, s.previewGeometry(src), s.cfg.Clock)
	if err != nil {
		return nil, fmt.Errorf("open preview for %s: %w", sourceID, err)
	}
	s.decoders[sourceID] = dec
	logging.WithSourceID(s.logger, sourceID).Debug("preview decoder opened")
	return dec, nil
}

func (s *Synchronizer) previewGeometry(src media.Source) media.Geometry {
	g := s.cfg.Geometry
	if g.Width <= 0 || g.Height <= 0 {
		g.Width, g.Height = src.Width, src.Height
	}
	if g.FrameRate <= 0 {
		g.FrameRate = src.FrameRate
	}
	return g.Even()
}

// Forget closes the decoder of a source that left the registry.
func (s *Synchronizer) Forget(sourceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	dec, ok := s.decoders[sourceID]
	if !ok {
		return
	}
	if sourceID == s.activeSource {
		s.pauseLocked()
		s.activeClip, s.activeSource = "", ""
	}
	dec.Close()
	delete(s.decoders, sourceID)
}

// Frame renders the preview at the playhead: color isolation with the
// finished regions of the active clip, passthrough without them.
func (s *Synchronizer) Frame() (*image.RGBA, error) {
	return s.render(nil)
}

// FrameWithCandidate renders the preview with a candidate mask highlighted,
// as shown while the user picks a region seed.
func (s *Synchronizer) FrameWithCandidate(candidate *mask.Data) (*image.RGBA, error) {
	return s.render(candidate)
}

// ErrNoActiveClip is returned when nothing is under the playhead.
var ErrNoActiveClip = errors.New("no clip under the playhead")

// SourceFrame is an unprocessed decoded frame and where it came from.
type SourceFrame struct {
	Image      *image.RGBA
	ClipID     string
	SourceID   string
	SourceTime float64
}

// SourceFrame returns a copy of the active decoder's frame without any
// compositing, for handing to segmentation.
func (s *Synchronizer) SourceFrame() (SourceFrame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return SourceFrame{}, ErrClosed
	}
	dec := s.decoders[s.activeSource]
	if dec == nil || s.activeClip == "" {
		return SourceFrame{}, ErrNoActiveClip
	}
	frame, err := dec.Frame()
	if err != nil {
		return SourceFrame{}, fmt.Errorf("decode source frame: %w", err)
	}
	b := frame.Bounds()
	img := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(img, img.Bounds(), frame, b.Min, draw.Src)
	return SourceFrame{
		Image:      img,
		ClipID:     s.activeClip,
		SourceID:   s.activeSource,
		SourceTime: dec.CurrentTime(),
	}, nil
}

func (s *Synchronizer) render(candidate *mask.Data) (*image.RGBA, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	dec := s.decoders[s.activeSource]
	if dec == nil {
		if err := s.ensurePipelineLocked(s.cfg.Geometry); err != nil {
			return nil, err
		}
		out, err := s.pipeline.Clear()
		if err != nil {
			return nil, err
		}
		return cloneRGBA(out), nil
	}

	src, _ := s.cfg.Sources.Lookup(s.activeSource)
	if err := s.ensurePipelineLocked(s.previewGeometry(src)); err != nil {
		return nil, err
	}

	frame, err := dec.Frame()
	if err != nil {
		return nil, fmt.Errorf("decode preview frame: %w", err)
	}

	var out *image.RGBA
	if candidate != nil {
		out, err = s.pipeline.Render(frame, candidate, gpu.ModePreview)
	} else {
		out, err = s.pipeline.Composite(frame, s.regionMaskLocked(dec.CurrentTime()))
	}
	if err != nil {
		return nil, err
	}
	return cloneRGBA(out), nil
}

// regionMaskLocked combines the nearest masks of the active clip's finished
// regions.
func (s *Synchronizer) regionMaskLocked(sourceTime float64) *mask.Data {
	var masks []*mask.Data
	for _, r := range s.cfg.Timeline.RegionsForClip(s.activeClip) {
		if r.IsProcessing {
			continue
		}
		if m := r.MaskAt(sourceTime); m != nil {
			masks = append(masks, m)
		}
	}
	return mask.Combine(masks)
}

func (s *Synchronizer) ensurePipelineLocked(g media.Geometry) error {
	if g.Width <= 0 || g.Height <= 0 {
		g.Width, g.Height = 640, 360
	}
	if s.pipeline == nil {
		p, err := gpu.NewPipeline(s.cfg.Device, g.Width, g.Height)
		if err != nil {
			return err
		}
		s.pipeline = p
		return nil
	}
	if w, h := s.pipeline.Size(); w != g.Width || h != g.Height {
		return s.pipeline.Resize(g.Width, g.Height)
	}
	return nil
}

// Loop drives Tick at the refresh rate until ctx ends. Ticks are best
// effort: failures are logged and the loop carries on.
func (s *Synchronizer) Loop(ctx context.Context) error {
	sched := schedule.NewRealtime(s.cfg.RefreshHz, s.cfg.Clock)
	err := sched.Run(ctx, func(time.Duration) (bool, error) {
		if err := s.Tick(ctx); err != nil {
			if errors.Is(err, ErrClosed) {
				return true, nil
			}
			s.logger.Warn("preview tick failed", "error", err)
		}
		return false, nil
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Close releases every decoder and the pipeline.
func (s *Synchronizer) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.playing = false
	for id, dec := range s.decoders {
		if err := dec.Close(); err != nil {
			s.logger.Debug("close preview decoder", "source_id", id, "error", err)
		}
	}
	s.decoders = nil
	if s.pipeline != nil {
		s.pipeline.Dispose()
	}
	return nil
}

func clipIndex(clips []edl.Clip, id string) int {
	for i, c := range clips {
		if c.ID == id {
			return i
		}
	}
	return -1
}

func cloneRGBA(src *image.RGBA) *image.RGBA {
	dst := image.NewRGBA(src.Bounds())
	copy(dst.Pix, src.Pix)
	return dst
}
