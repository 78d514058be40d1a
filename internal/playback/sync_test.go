package playback

import (
	"context"
	"errors"
	"image"
	"image/color"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/heimdex/heimdex-editor/internal/edl"
	"github.com/heimdex/heimdex-editor/internal/gpu"
	"github.com/heimdex/heimdex-editor/internal/mask"
	"github.com/heimdex/heimdex-editor/internal/media"
	"github.com/heimdex/heimdex-editor/internal/schedule"
)

type sourceMap map[string]media.Source

func (m sourceMap) Lookup(id string) (media.Source, bool) {
	s, ok := m[id]
	return s, ok
}

type fakeDecoder struct {
	mu      sync.Mutex
	clock   schedule.Clock
	frame   *image.RGBA
	base    float64
	playing bool
	started time.Time
	seeks   []float64
	closed  bool
}

func (d *fakeDecoder) Seek(_ context.Context, t float64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seeks = append(d.seeks, t)
	d.base = t
	d.started = d.clock.Now()
	return nil
}

func (d *fakeDecoder) Play() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.playing {
		d.playing = true
		d.started = d.clock.Now()
	}
}

func (d *fakeDecoder) Pause() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.base = d.currentLocked()
	d.playing = false
}

func (d *fakeDecoder) Paused() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return !d.playing
}

func (d *fakeDecoder) CurrentTime() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.currentLocked()
}

func (d *fakeDecoder) currentLocked() float64 {
	if !d.playing {
		return d.base
	}
	return d.base + d.clock.Now().Sub(d.started).Seconds()
}

// nudge moves a paused decoder without recording a seek.
func (d *fakeDecoder) nudge(delta float64) {
	d.mu.Lock()
	d.base += delta
	d.mu.Unlock()
}

func (d *fakeDecoder) seekCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seeks)
}

func (d *fakeDecoder) Frame() (image.Image, error) { return d.frame, nil }

func (d *fakeDecoder) Close() error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	return nil
}

type fixture struct {
	clock    *schedule.ManualClock
	store    *edl.Store
	sync     *Synchronizer
	dev      *gpu.Device
	decoders map[string]*fakeDecoder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	sources := sourceMap{
		"a": {ID: "a", DurationSeconds: 2, Width: 32, Height: 24, FrameRate: 30},
		"b": {ID: "b", DurationSeconds: 1, Width: 32, Height: 24, FrameRate: 30},
	}
	f := &fixture{
		clock:    schedule.NewManualClock(time.Unix(0, 0)),
		store:    edl.NewStore(sources, nil),
		dev:      gpu.NewDevice(nil),
		decoders: make(map[string]*fakeDecoder),
	}
	f.sync = NewSynchronizer(Config{
		Timeline: f.store,
		Sources:  sources,
		Open:     f.open,
		Clock:    f.clock,
		Device:   f.dev,
		Geometry: media.Geometry{Width: 32, Height: 24},
	})
	t.Cleanup(func() { f.sync.Close() })
	return f
}

func (f *fixture) open(_ context.Context, src media.Source, geom media.Geometry, clock schedule.Clock) (Decoder, error) {
	frame := image.NewRGBA(image.Rect(0, 0, geom.Width, geom.Height))
	for i := 0; i < len(frame.Pix); i += 4 {
		frame.Pix[i], frame.Pix[i+3] = 255, 255
	}
	d := &fakeDecoder{clock: clock, frame: frame}
	f.decoders[src.ID] = d
	return d, nil
}

func (f *fixture) tick(t *testing.T, d time.Duration) {
	t.Helper()
	f.clock.Advance(d)
	if err := f.sync.Tick(context.Background()); err != nil {
		t.Fatalf("Tick() error = %v", err)
	}
}

func near(a, b float64) bool { return math.Abs(a-b) < 1e-6 }

func TestSynchronizer_PlaysAcrossClips(t *testing.T) {
	f := newFixture(t)
	f.store.AddClip("a")
	clipB, _ := f.store.AddClip("b")
	ctx := context.Background()

	if err := f.sync.Play(ctx); err != nil {
		t.Fatalf("Play() error = %v", err)
	}
	if !f.sync.State().IsPlaying {
		t.Fatal("not playing after Play")
	}

	f.tick(t, time.Second)
	if got := f.store.Playhead(); !near(got, 1) {
		t.Errorf("playhead = %v, want 1", got)
	}

	f.tick(t, 960*time.Millisecond)
	if got := f.store.Playhead(); !near(got, 2+Epsilon) {
		t.Errorf("playhead after clip end = %v, want %v", got, 2+Epsilon)
	}
	st := f.sync.State()
	if st.ActiveClipID != clipB || st.SourceID != "b" {
		t.Errorf("active = %s/%s, want %s/b", st.ActiveClipID, st.SourceID, clipB)
	}
	if !f.decoders["a"].Paused() || f.decoders["b"].Paused() {
		t.Error("decoder a should pause and b play after the jump")
	}
	if got := f.decoders["b"].seeks; len(got) != 1 || !near(got[0], Epsilon) {
		t.Errorf("b seeks = %v, want [%v]", got, Epsilon)
	}

	f.tick(t, 950*time.Millisecond)
	st = f.sync.State()
	if st.IsPlaying {
		t.Error("still playing past the last clip")
	}
	if !near(st.CurrentTime, 3) {
		t.Errorf("playhead = %v, want clamp to 3", st.CurrentTime)
	}
}

func TestSynchronizer_PlayFromEndRewindsAfterDelay(t *testing.T) {
	f := newFixture(t)
	f.store.AddClip("a")
	ctx := context.Background()

	if err := f.sync.Seek(ctx, 2); err != nil {
		t.Fatalf("Seek() error = %v", err)
	}
	if err := f.sync.Play(ctx); err != nil {
		t.Fatalf("Play() error = %v", err)
	}
	st := f.sync.State()
	if st.IsPlaying || !st.PendingPlay || st.CurrentTime != 0 {
		t.Fatalf("state after Play at end = %+v, want rewound and pending", st)
	}

	f.tick(t, 50*time.Millisecond)
	if f.sync.State().IsPlaying {
		t.Error("started before PlayStartDelay")
	}
	f.tick(t, 50*time.Millisecond)
	st = f.sync.State()
	if !st.IsPlaying || st.PendingPlay {
		t.Errorf("state after delay = %+v, want playing", st)
	}
}

func TestSynchronizer_PauseCancelsPendingPlay(t *testing.T) {
	f := newFixture(t)
	f.store.AddClip("a")
	f.store.SetPlayhead(2)

	f.sync.Play(context.Background())
	f.sync.Pause()
	f.tick(t, time.Second)
	if f.sync.State().IsPlaying {
		t.Error("pending play survived Pause")
	}
}

func TestSynchronizer_SeekPausesAndClamps(t *testing.T) {
	f := newFixture(t)
	f.store.AddClip("a")
	f.store.AddClip("b")
	ctx := context.Background()

	f.sync.Play(ctx)
	tests := []struct {
		seek float64
		want float64
	}{
		{-5, 0},
		{99, 3},
		{2.5, 2.5},
	}
	for _, tt := range tests {
		if err := f.sync.Seek(ctx, tt.seek); err != nil {
			t.Fatalf("Seek(%v) error = %v", tt.seek, err)
		}
		st := f.sync.State()
		if st.IsPlaying {
			t.Errorf("Seek(%v) left playback running", tt.seek)
		}
		if st.CurrentTime != tt.want {
			t.Errorf("Seek(%v) playhead = %v, want %v", tt.seek, st.CurrentTime, tt.want)
		}
	}
	if got := f.decoders["b"].CurrentTime(); !near(got, 0.5) {
		t.Errorf("b decoder at %v, want 0.5", got)
	}
}

func TestSynchronizer_PausedResyncThreshold(t *testing.T) {
	f := newFixture(t)
	f.store.AddClip("a")
	ctx := context.Background()

	if err := f.sync.Seek(ctx, 1); err != nil {
		t.Fatalf("Seek() error = %v", err)
	}
	dec := f.decoders["a"]
	seeks := dec.seekCount()

	dec.nudge(0.1)
	f.tick(t, 0)
	if dec.seekCount() != seeks {
		t.Error("re-seeked for drift under SyncThreshold")
	}

	dec.nudge(0.1)
	f.tick(t, 0)
	if dec.seekCount() != seeks+1 {
		t.Fatalf("seeks = %d, want re-seek for drift over SyncThreshold", dec.seekCount())
	}
	if got := dec.CurrentTime(); !near(got, 1) {
		t.Errorf("decoder at %v after resync, want 1", got)
	}
}

func TestSynchronizer_NoReseekWhilePlaying(t *testing.T) {
	f := newFixture(t)
	f.store.AddClip("a")
	ctx := context.Background()

	f.sync.Play(ctx)
	dec := f.decoders["a"]
	seeks := dec.seekCount()
	for i := 0; i < 10; i++ {
		f.tick(t, 16*time.Millisecond)
	}
	if dec.seekCount() != seeks {
		t.Errorf("seeks while playing = %d, want %d", dec.seekCount(), seeks)
	}
}

func TestSynchronizer_FollowsEditsWhilePaused(t *testing.T) {
	f := newFixture(t)
	clipA, _ := f.store.AddClip("a")
	ctx := context.Background()
	f.sync.Seek(ctx, 1)

	f.store.TrimClipStart(clipA, 0.5)
	f.tick(t, 0)

	want := f.store.Clips()[0].SourceTime(f.store.Playhead())
	if got := f.decoders["a"].CurrentTime(); math.Abs(got-want) > SyncThreshold {
		t.Errorf("decoder at %v, want within %v of %v", got, SyncThreshold, want)
	}
}

func TestSynchronizer_Frame(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	img, err := f.sync.Frame()
	if err != nil {
		t.Fatalf("Frame() error = %v", err)
	}
	if got := img.RGBAAt(5, 5); got != (color.RGBA{A: 255}) {
		t.Errorf("empty timeline pixel = %+v, want black", got)
	}

	clipA, _ := f.store.AddClip("a")
	f.sync.Seek(ctx, 0.5)
	img, err = f.sync.Frame()
	if err != nil {
		t.Fatalf("Frame() error = %v", err)
	}
	if got := img.RGBAAt(5, 5); got.R != 255 || got.G != 0 {
		t.Errorf("passthrough pixel = %+v, want red", got)
	}

	regionID, _ := f.store.AddRegion(clipA, edl.Seed{X: 0.5, Y: 0.5, FrameTime: 0.5, SampleFPS: 2})
	f.store.RecordRegionProgress(regionID, &mask.FrameMask{FrameTime: 0.5, Mask: mask.New(32, 24)}, 1, 1)

	img, _ = f.sync.Frame()
	if got := img.RGBAAt(5, 5); got.R != 255 {
		t.Errorf("pixel = %+v, processing regions must not apply", got)
	}

	f.store.FinishRegion(regionID)
	img, _ = f.sync.Frame()
	got := img.RGBAAt(5, 5)
	if got.R == 255 || got.R != got.G || got.G != got.B {
		t.Errorf("isolated background pixel = %+v, want gray", got)
	}

	candidate := mask.New(32, 24)
	for i := range candidate.Data {
		candidate.Data[i] = 1
	}
	img, err = f.sync.FrameWithCandidate(candidate)
	if err != nil {
		t.Fatalf("FrameWithCandidate() error = %v", err)
	}
	if got := img.RGBAAt(5, 5); got.B == 0 {
		t.Errorf("candidate pixel = %+v, want blue highlight", got)
	}
}

func TestSynchronizer_SourceFrame(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.sync.SourceFrame(); !errors.Is(err, ErrNoActiveClip) {
		t.Fatalf("SourceFrame() on empty timeline error = %v, want ErrNoActiveClip", err)
	}

	clipA, _ := f.store.AddClip("a")
	regionID, _ := f.store.AddRegion(clipA, edl.Seed{SampleFPS: 2})
	f.store.RecordRegionProgress(regionID, &mask.FrameMask{FrameTime: 0.5, Mask: mask.New(32, 24)}, 1, 1)
	f.store.FinishRegion(regionID)
	f.sync.Seek(ctx, 0.5)

	sf, err := f.sync.SourceFrame()
	if err != nil {
		t.Fatalf("SourceFrame() error = %v", err)
	}
	if sf.ClipID != clipA || sf.SourceID != "a" || !near(sf.SourceTime, 0.5) {
		t.Errorf("source frame = %+v", sf)
	}
	if got := sf.Image.RGBAAt(5, 5); got.R != 255 || got.G != 0 {
		t.Errorf("pixel = %+v, want untouched red", got)
	}
	sf.Image.Pix[0] = 0
	if f.decoders["a"].frame.Pix[0] != 255 {
		t.Error("SourceFrame() shares pixels with the decoder")
	}
}

func TestSynchronizer_CloseReleasesEverything(t *testing.T) {
	f := newFixture(t)
	f.store.AddClip("a")
	ctx := context.Background()
	f.sync.Seek(ctx, 0.5)
	if _, err := f.sync.Frame(); err != nil {
		t.Fatalf("Frame() error = %v", err)
	}

	if err := f.sync.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if !f.decoders["a"].closed {
		t.Error("decoder not closed")
	}
	if live := f.dev.Live(); live != 0 {
		t.Errorf("live GPU objects = %d, want 0", live)
	}
	if err := f.sync.Play(ctx); !errors.Is(err, ErrClosed) {
		t.Errorf("Play() after Close error = %v, want ErrClosed", err)
	}
}

func TestSynchronizer_ForgetDropsDecoder(t *testing.T) {
	f := newFixture(t)
	f.store.AddClip("a")
	f.sync.Seek(context.Background(), 0.5)

	f.sync.Forget("a")
	if !f.decoders["a"].closed {
		t.Error("decoder not closed by Forget")
	}
	if st := f.sync.State(); st.SourceID != "" {
		t.Errorf("active source = %q after Forget", st.SourceID)
	}
}

func TestSynchronizer_LoopStopsOnCancel(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.sync.Loop(ctx) }()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Loop() error = %v, want nil on cancel", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Loop() did not return after cancel")
	}
}
