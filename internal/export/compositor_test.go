package export

import (
	"context"
	"errors"
	"image"
	"image/color"
	"math"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/heimdex/heimdex-editor/internal/edl"
	"github.com/heimdex/heimdex-editor/internal/gpu"
	"github.com/heimdex/heimdex-editor/internal/mask"
	"github.com/heimdex/heimdex-editor/internal/media"
	"github.com/heimdex/heimdex-editor/internal/schedule"
)

// fakeSession plays a solid frame and a constant audio level. Its position
// follows the clock it was opened with, like a real decoder.
type fakeSession struct {
	mu      sync.Mutex
	src     media.Source
	clock   schedule.Clock
	frame   *image.RGBA
	level   int16
	base    float64
	playing bool
	started time.Time
	seeks   []float64
	closed  bool
}

func (s *fakeSession) Seek(_ context.Context, t float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seeks = append(s.seeks, t)
	s.base = t
	s.started = s.clock.Now()
	return nil
}

func (s *fakeSession) Play() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.playing {
		s.playing = true
		s.started = s.clock.Now()
	}
}

func (s *fakeSession) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.base = s.currentLocked()
	s.playing = false
}

func (s *fakeSession) Paused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.playing
}

func (s *fakeSession) CurrentTime() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentLocked()
}

func (s *fakeSession) currentLocked() float64 {
	if !s.playing {
		return s.base
	}
	return s.base + s.clock.Now().Sub(s.started).Seconds()
}

func (s *fakeSession) Frame() (image.Image, error) {
	return s.frame, nil
}

func (s *fakeSession) ReadAudio(dst []int16) (int, error) {
	for i := range dst {
		dst[i] = s.level
	}
	return len(dst), nil
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

type fakeSink struct {
	mu        sync.Mutex
	path      string
	frames    int
	samples   int
	levels    map[int16]bool
	last      *image.RGBA
	failAfter int
	stopped   bool
	aborted   bool
}

func (s *fakeSink) Path() string { return s.path }

func (s *fakeSink) WriteFrame(img *image.RGBA) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAfter > 0 && s.frames >= s.failAfter {
		return errors.New("encoder crashed")
	}
	s.frames++
	s.last = image.NewRGBA(img.Bounds())
	copy(s.last.Pix, img.Pix)
	return nil
}

func (s *fakeSink) WriteAudio(samples []int16) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.samples += len(samples)
	for _, v := range samples {
		s.levels[v] = true
	}
	return nil
}

func (s *fakeSink) Stop(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	return os.WriteFile(s.path, []byte("webm"), 0o644)
}

func (s *fakeSink) Abort() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.aborted = true
	os.Remove(s.path)
}

type fakeFormats map[string]bool

func (f fakeFormats) Supported(mime string) bool { return f[mime] }

// frameCountFixer reports the duration the sink actually received.
type frameCountFixer struct {
	sink func() *fakeSink
	fps  float64
}

func (f frameCountFixer) FixDuration(context.Context, string, float64) (float64, error) {
	return float64(f.sink().frames) / f.fps, nil
}

type harness struct {
	t        *testing.T
	dev      *gpu.Device
	comp     *Compositor
	mu       sync.Mutex
	sessions map[string]*fakeSession
	levels   map[string]int16
	colors   map[string]color.RGBA
	sink     *fakeSink
	opens    int
	openErr  map[string]error
	failAt   int
}

func newHarness(t *testing.T, formats fakeFormats) *harness {
	t.Helper()
	h := &harness{
		t:        t,
		dev:      gpu.NewDevice(nil),
		sessions: make(map[string]*fakeSession),
		levels:   make(map[string]int16),
		colors:   make(map[string]color.RGBA),
		openErr:  make(map[string]error),
	}
	if formats == nil {
		formats = fakeFormats{"video/webm;codecs=vp9,opus": true}
	}
	h.comp = NewCompositor(Config{
		Open:       h.open,
		CreateSink: h.createSink,
		Formats:    formats,
		Fixer: frameCountFixer{
			sink: func() *fakeSink { return h.sink },
			fps:  30,
		},
		NewScheduler: func(fps float64) schedule.Scheduler {
			return schedule.NewStepped(fps, nil)
		},
		Device: h.dev,
		Now:    func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) },
	})
	return h
}

func (h *harness) open(_ context.Context, src media.Source, geom media.Geometry, clock schedule.Clock) (DecodeSession, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.opens++
	if err := h.openErr[src.ID]; err != nil {
		return nil, err
	}
	c, ok := h.colors[src.ID]
	if !ok {
		c = color.RGBA{R: 255, A: 255}
	}
	frame := image.NewRGBA(image.Rect(0, 0, src.Width, src.Height))
	for i := 0; i < len(frame.Pix); i += 4 {
		frame.Pix[i], frame.Pix[i+1], frame.Pix[i+2], frame.Pix[i+3] = c.R, c.G, c.B, c.A
	}
	s := &fakeSession{src: src, clock: clock, frame: frame, level: h.levels[src.ID]}
	h.sessions[src.ID] = s
	return s, nil
}

func (h *harness) createSink(_ context.Context, path, mime string, geom media.Geometry) (Sink, error) {
	h.sink = &fakeSink{path: path, levels: make(map[int16]bool), failAfter: h.failAt}
	return h.sink, nil
}

func source(id string, dur float64, w, h int, fps float64) media.Source {
	return media.Source{ID: id, Name: id + ".mp4", DurationSeconds: dur, Width: w, Height: h, FrameRate: fps, HasAudio: true}
}

func clip(id, sourceID string, in, out float64) edl.Clip {
	return edl.Clip{ID: id, SourceID: sourceID, SourceIn: in, SourceOut: out}
}

func TestExport_TwoSecondTimeline(t *testing.T) {
	h := newHarness(t, nil)
	h.levels["a"] = 100

	var last Progress
	calls := 0
	res, err := h.comp.Export(context.Background(), Request{
		ProjectName: "demo",
		Clips:       []edl.Clip{clip("c1", "a", 0, 2)},
		Sources:     []media.Source{source("a", 2, 64, 48, 30)},
		OutputPath:  filepath.Join(t.TempDir(), "out.webm"),
	}, func(p Progress) {
		last = p
		calls++
	})
	if err != nil {
		t.Fatalf("Export() error = %v", err)
	}

	if math.Abs(res.Duration-2.0) > 1e-6 {
		t.Errorf("Duration = %v, want 2.0", res.Duration)
	}
	if h.sink.frames != 60 {
		t.Errorf("frames = %d, want 60", h.sink.frames)
	}
	if want := media.SamplesFor(2); h.sink.samples != want {
		t.Errorf("samples = %d, want %d", h.sink.samples, want)
	}
	if !h.sink.stopped || h.sink.aborted {
		t.Errorf("sink stopped=%v aborted=%v, want stopped only", h.sink.stopped, h.sink.aborted)
	}
	if res.MimeType != "video/webm;codecs=vp9,opus" {
		t.Errorf("MimeType = %q", res.MimeType)
	}
	if res.Filename != "demo-20260102-030405.webm" {
		t.Errorf("Filename = %q", res.Filename)
	}
	if res.SizeBytes != 4 {
		t.Errorf("SizeBytes = %d, want 4", res.SizeBytes)
	}
	if calls == 0 || last.Percentage != 100 || last.Total != 2 {
		t.Errorf("last progress = %+v after %d calls", last, calls)
	}
	if got := h.comp.State(); got != StateComplete {
		t.Errorf("State() = %s, want complete", got)
	}
	if !h.sessions["a"].closed {
		t.Error("decode session not closed")
	}
	if live := h.dev.Live(); live != 0 {
		t.Errorf("live GPU objects = %d, want 0", live)
	}
}

func TestExport_RefreshRateDoesNotChangeLength(t *testing.T) {
	tests := []struct {
		name string
		hz   float64
	}{
		{"slower than output", 8},
		{"film rate", 24},
		{"not a divisor", 7},
		{"faster than output", 60},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil)
			h.comp.cfg.NewScheduler = func(float64) schedule.Scheduler {
				return schedule.NewStepped(tt.hz, nil)
			}

			res, err := h.comp.Export(context.Background(), Request{
				Clips:      []edl.Clip{clip("c1", "a", 0, 2)},
				Sources:    []media.Source{source("a", 2, 32, 32, 30)},
				OutputPath: filepath.Join(t.TempDir(), "out.webm"),
			}, nil)
			if err != nil {
				t.Fatalf("Export() error = %v", err)
			}
			if h.sink.frames != 60 {
				t.Errorf("frames = %d, want 60", h.sink.frames)
			}
			if want := media.SamplesFor(2); h.sink.samples != want {
				t.Errorf("samples = %d, want %d", h.sink.samples, want)
			}
			if math.Abs(res.Duration-2.0) > 1e-6 {
				t.Errorf("Duration = %v, want 2.0", res.Duration)
			}
		})
	}
}

func TestExport_Preconditions(t *testing.T) {
	tests := []struct {
		name    string
		formats fakeFormats
		req     Request
		want    error
	}{
		{
			name: "no clips",
			req:  Request{Sources: []media.Source{source("a", 2, 64, 48, 30)}},
			want: ErrNoClips,
		},
		{
			name: "unknown source",
			req:  Request{Clips: []edl.Clip{clip("c1", "missing", 0, 1)}},
			want: ErrNoValidSource,
		},
		{
			name: "zero dimensions",
			req: Request{
				Clips:   []edl.Clip{clip("c1", "a", 0, 1)},
				Sources: []media.Source{source("a", 2, 0, 0, 30)},
			},
			want: ErrNoValidSource,
		},
		{
			name:    "no format",
			formats: fakeFormats{"video/mp4": true},
			req: Request{
				Clips:   []edl.Clip{clip("c1", "a", 0, 1)},
				Sources: []media.Source{source("a", 2, 64, 48, 30)},
			},
			want: ErrNoSupportedFormat,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, tt.formats)
			_, err := h.comp.Export(context.Background(), tt.req, nil)
			if !errors.Is(err, tt.want) {
				t.Fatalf("Export() error = %v, want %v", err, tt.want)
			}
			if h.opens != 0 || h.sink != nil {
				t.Errorf("resources acquired before precondition failure: opens=%d sink=%v", h.opens, h.sink != nil)
			}
			if got := h.comp.State(); got != StateIdle {
				t.Errorf("State() = %s, want idle", got)
			}
		})
	}
}

func TestPrepare_GeometryAndFormat(t *testing.T) {
	h := newHarness(t, fakeFormats{"video/webm;codecs=vp8,vorbis": true, "video/webm": true})

	plan, err := h.comp.Prepare(Request{
		Clips: []edl.Clip{clip("c1", "a", 0, 1), clip("c2", "b", 0, 1), clip("c3", "missing", 0, 1)},
		Sources: []media.Source{
			source("a", 2, 1281, 400, 0),
			source("b", 2, 640, 721, 24),
		},
	})
	if err != nil {
		t.Fatalf("Prepare() error = %v", err)
	}
	want := media.Geometry{Width: 1280, Height: 720, FrameRate: 24}
	if plan.Geometry != want {
		t.Errorf("Geometry = %+v, want %+v", plan.Geometry, want)
	}
	if plan.MimeType != "video/webm;codecs=vp8,vorbis" {
		t.Errorf("MimeType = %q, want vp8 fallback", plan.MimeType)
	}
	if plan.Duration != 3 {
		t.Errorf("Duration = %v, want 3", plan.Duration)
	}

	plan, err = h.comp.Prepare(Request{
		Clips:   []edl.Clip{clip("c1", "a", 0, 1)},
		Sources: []media.Source{source("a", 2, 320, 240, 0)},
	})
	if err != nil {
		t.Fatalf("Prepare() error = %v", err)
	}
	if plan.Geometry.FrameRate != FallbackFPS {
		t.Errorf("FrameRate = %v, want fallback %v", plan.Geometry.FrameRate, FallbackFPS)
	}
}

func TestBuildBoundaries(t *testing.T) {
	regions := []edl.ColorRegion{
		{ID: "r1", ClipID: "c2", FrameMasks: []mask.FrameMask{{FrameTime: 0, Mask: mask.New(2, 2)}}},
		{ID: "r2", ClipID: "c2"},
	}
	got := buildBoundaries([]edl.Clip{clip("c1", "a", 1, 3), clip("c2", "a", 5, 5.5)}, regions)

	if len(got) != 2 {
		t.Fatalf("boundaries = %d, want 2", len(got))
	}
	if got[0].Start != 0 || got[0].End != 2 || got[1].Start != 2 || got[1].End != 2.5 {
		t.Errorf("spans = [%v,%v) [%v,%v)", got[0].Start, got[0].End, got[1].Start, got[1].End)
	}
	if len(got[0].Regions) != 0 || len(got[1].Regions) != 1 || got[1].Regions[0].ID != "r1" {
		t.Errorf("regions not attached to c2 only: %+v", got)
	}
}

func TestExport_SeeksOnlyOnClipJump(t *testing.T) {
	h := newHarness(t, nil)

	_, err := h.comp.Export(context.Background(), Request{
		Clips:      []edl.Clip{clip("c1", "a", 0, 1), clip("c2", "a", 5, 6)},
		Sources:    []media.Source{source("a", 10, 32, 32, 30)},
		OutputPath: filepath.Join(t.TempDir(), "out.webm"),
	}, nil)
	if err != nil {
		t.Fatalf("Export() error = %v", err)
	}

	seeks := h.sessions["a"].seeks
	if len(seeks) != 1 {
		t.Fatalf("seeks = %v, want a single seek into the second clip", seeks)
	}
	if seeks[0] < 5 || seeks[0] > 5.05 {
		t.Errorf("seek target = %v, want just after 5", seeks[0])
	}
}

func TestExport_OnlyActiveSourceIsHeard(t *testing.T) {
	h := newHarness(t, nil)
	h.levels["a"] = 100
	h.levels["b"] = 1000

	_, err := h.comp.Export(context.Background(), Request{
		Clips:      []edl.Clip{clip("c1", "a", 0, 1), clip("c2", "b", 0, 1)},
		Sources:    []media.Source{source("a", 1, 32, 32, 30), source("b", 1, 32, 32, 30)},
		OutputPath: filepath.Join(t.TempDir(), "out.webm"),
	}, nil)
	if err != nil {
		t.Fatalf("Export() error = %v", err)
	}

	if !h.sink.levels[100] || !h.sink.levels[1000] {
		t.Errorf("levels = %v, want both sources heard", h.sink.levels)
	}
	if h.sink.levels[1100] {
		t.Error("both sources mixed at once")
	}
	if !h.sessions["a"].Paused() || !h.sessions["b"].Paused() {
		t.Error("sessions left playing after export")
	}
}

func TestExport_AppliesRegionMasks(t *testing.T) {
	h := newHarness(t, nil)

	left := mask.New(64, 48)
	for y := 0; y < 48; y++ {
		for x := 0; x < 32; x++ {
			left.Set(x, y, true)
		}
	}
	var frames []mask.FrameMask
	for ft := 0.0; ft <= 1.0; ft += 0.5 {
		frames = append(frames, mask.FrameMask{FrameTime: ft, Mask: left})
	}

	_, err := h.comp.Export(context.Background(), Request{
		Clips:   []edl.Clip{clip("c1", "a", 0, 1)},
		Regions: []edl.ColorRegion{{ID: "r1", ClipID: "c1", Seed: edl.Seed{SampleFPS: 2}, FrameMasks: frames}},
		Sources:    []media.Source{source("a", 1, 64, 48, 30)},
		OutputPath: filepath.Join(t.TempDir(), "out.webm"),
	}, nil)
	if err != nil {
		t.Fatalf("Export() error = %v", err)
	}

	last := h.sink.last
	subject := last.RGBAAt(4, 24)
	if subject.R < 200 || subject.G > 40 {
		t.Errorf("subject pixel = %+v, want red kept", subject)
	}
	bg := last.RGBAAt(60, 24)
	if bg.R > 120 || absDiff(bg.R, bg.G) > 2 || absDiff(bg.G, bg.B) > 2 {
		t.Errorf("background pixel = %+v, want darkened gray", bg)
	}
}

func absDiff(a, b uint8) int {
	d := int(a) - int(b)
	if d < 0 {
		return -d
	}
	return d
}

func TestExport_Cancel(t *testing.T) {
	h := newHarness(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	out := filepath.Join(t.TempDir(), "out.webm")
	_, err := h.comp.Export(ctx, Request{
		Clips:      []edl.Clip{clip("c1", "a", 0, 4)},
		Sources:    []media.Source{source("a", 4, 32, 32, 30)},
		OutputPath: out,
	}, func(p Progress) {
		if p.Elapsed >= 1 {
			cancel()
		}
	})
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("Export() error = %v, want ErrCancelled", err)
	}
	var exportErr *Error
	if errors.As(err, &exportErr) {
		t.Errorf("cancellation reported as failure: %v", err)
	}
	if !h.sink.aborted || h.sink.stopped {
		t.Errorf("sink aborted=%v stopped=%v, want aborted", h.sink.aborted, h.sink.stopped)
	}
	if h.sink.frames >= 120 {
		t.Errorf("frames = %d, export ran to completion", h.sink.frames)
	}
	if _, err := os.Stat(out); !os.IsNotExist(err) {
		t.Errorf("output left behind after cancel: %v", err)
	}
	if got := h.comp.State(); got != StateIdle {
		t.Errorf("State() = %s, want idle", got)
	}
	if !h.sessions["a"].closed || h.dev.Live() != 0 {
		t.Errorf("resources leaked: closed=%v live=%d", h.sessions["a"].closed, h.dev.Live())
	}
}

func TestExport_EncoderFailure(t *testing.T) {
	h := newHarness(t, nil)
	h.failAt = 5

	_, err := h.comp.Export(context.Background(), Request{
		Clips:      []edl.Clip{clip("c1", "a", 0, 2)},
		Sources:    []media.Source{source("a", 2, 32, 32, 30)},
		OutputPath: filepath.Join(t.TempDir(), "out.webm"),
	}, nil)

	var exportErr *Error
	if !errors.As(err, &exportErr) {
		t.Fatalf("Export() error = %v, want *Error", err)
	}
	if exportErr.Op != "encoder" {
		t.Errorf("Op = %q, want encoder", exportErr.Op)
	}
	if errors.Is(err, ErrCancelled) {
		t.Error("failure reported as cancellation")
	}
	if !h.sink.aborted {
		t.Error("sink not aborted on failure")
	}
	if got := h.comp.State(); got != StateError {
		t.Errorf("State() = %s, want error", got)
	}
	if h.dev.Live() != 0 {
		t.Errorf("live GPU objects = %d after failure", h.dev.Live())
	}
}

func TestExport_OpenFailureClosesOthers(t *testing.T) {
	h := newHarness(t, nil)
	h.openErr["b"] = errors.New("no decoder")

	_, err := h.comp.Export(context.Background(), Request{
		Clips:   []edl.Clip{clip("c1", "a", 0, 1), clip("c2", "b", 0, 1)},
		Sources: []media.Source{source("a", 1, 32, 32, 30), source("b", 1, 32, 32, 30)},
	}, nil)

	var exportErr *Error
	if !errors.As(err, &exportErr) || exportErr.Op != "decode" {
		t.Fatalf("Export() error = %v, want decode *Error", err)
	}
	if s := h.sessions["a"]; s != nil && !s.closed {
		t.Error("opened session not closed after sibling failure")
	}
	if h.sink != nil {
		t.Error("encoder started after open failure")
	}
}

func TestMixer_SumsPlayingSessionsWithClipping(t *testing.T) {
	clock := schedule.NewManualClock(time.Unix(0, 0))
	a := &fakeSession{clock: clock, level: 30000}
	b := &fakeSession{clock: clock, level: 10000}
	c := &fakeSession{clock: clock, level: 5}
	a.Play()
	b.Play()

	m := newMixer([]DecodeSession{a, b, c})
	out, err := m.Mix(4)
	if err != nil {
		t.Fatalf("Mix() error = %v", err)
	}
	for i, v := range out {
		if v != math.MaxInt16 {
			t.Errorf("sample %d = %d, want clipped to %d", i, v, math.MaxInt16)
		}
	}

	a.Pause()
	b.level = -20000
	out, _ = m.Mix(2)
	if out[0] != -20000 {
		t.Errorf("sample = %d, want -20000 from b only", out[0])
	}
}
