package export

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/heimdex/heimdex-editor/internal/edl"
	"github.com/heimdex/heimdex-editor/internal/gpu"
	"github.com/heimdex/heimdex-editor/internal/logging"
	"github.com/heimdex/heimdex-editor/internal/mask"
	"github.com/heimdex/heimdex-editor/internal/media"
	"github.com/heimdex/heimdex-editor/internal/schedule"
)

// Config wires the compositor to its collaborators. Open, CreateSink and
// Formats are required.
type Config struct {
	Open         OpenFunc
	CreateSink   SinkFunc
	Formats      Formats
	Fixer        DurationFixer
	NewScheduler SchedulerFunc
	Device       *gpu.Device

	FallbackFPS   float64
	SeekThreshold float64
	Now           func() time.Time
	Logger        *slog.Logger
}

// Compositor renders timelines to files. It runs one export at a time.
type Compositor struct {
	cfg    Config
	logger *slog.Logger

	mu    sync.Mutex
	state State
}

func NewCompositor(cfg Config) *Compositor {
	logger := logging.WithComponent(logging.OrDiscard(cfg.Logger), "export")
	if cfg.NewScheduler == nil {
		cfg.NewScheduler = func(fps float64) schedule.Scheduler {
			return schedule.NewRealtime(fps, nil)
		}
	}
	if cfg.Device == nil {
		cfg.Device = gpu.NewDevice(logger)
	}
	if cfg.FallbackFPS <= 0 {
		cfg.FallbackFPS = FallbackFPS
	}
	if cfg.SeekThreshold <= 0 {
		cfg.SeekThreshold = SeekThreshold
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Compositor{cfg: cfg, logger: logger, state: StateIdle}
}

func (c *Compositor) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Plan is the validated shape of an export.
type Plan struct {
	Geometry media.Geometry
	MimeType string
	Duration float64
	Filename string

	sources    map[string]media.Source
	boundaries []boundary
}

// Prepare checks the preconditions and negotiates the output. It acquires
// nothing.
func (c *Compositor) Prepare(req Request) (*Plan, error) {
	if len(req.Clips) == 0 {
		return nil, ErrNoClips
	}

	byID := make(map[string]media.Source, len(req.Sources))
	for _, s := range req.Sources {
		byID[s.ID] = s
	}

	p := &Plan{sources: make(map[string]media.Source)}
	for _, clip := range req.Clips {
		src, ok := byID[clip.SourceID]
		if !ok || src.Width <= 0 || src.Height <= 0 {
			continue
		}
		p.sources[src.ID] = src
		p.Geometry.Width = max(p.Geometry.Width, src.Width)
		p.Geometry.Height = max(p.Geometry.Height, src.Height)
		p.Geometry.FrameRate = max(p.Geometry.FrameRate, src.FrameRate)
	}
	p.Geometry = p.Geometry.Even()
	if len(p.sources) == 0 || p.Geometry.Width == 0 || p.Geometry.Height == 0 {
		return nil, ErrNoValidSource
	}
	if p.Geometry.FrameRate <= 0 {
		p.Geometry.FrameRate = c.cfg.FallbackFPS
	}

	for _, mime := range OutputFormats {
		if c.cfg.Formats.Supported(mime) {
			p.MimeType = mime
			break
		}
	}
	if p.MimeType == "" {
		return nil, ErrNoSupportedFormat
	}

	p.boundaries = buildBoundaries(req.Clips, req.Regions)
	p.Duration = edl.TotalDuration(req.Clips)
	p.Filename = SuggestFilename(req.ProjectName, c.cfg.Now())
	return p, nil
}

// buildBoundaries lays the clips end to end and attaches the regions that
// have masks to render.
func buildBoundaries(clips []edl.Clip, regions []edl.ColorRegion) []boundary {
	out := make([]boundary, 0, len(clips))
	pos := 0.0
	for _, clip := range clips {
		b := boundary{Start: pos, End: pos + clip.Duration(), Clip: clip}
		for _, r := range regions {
			if r.ClipID == clip.ID && len(r.FrameMasks) > 0 {
				b.Regions = append(b.Regions, r)
			}
		}
		out = append(out, b)
		pos = b.End
	}
	return out
}

// SuggestFilename builds "<project>-<timestamp>.webm".
func SuggestFilename(project string, now time.Time) string {
	name := SanitizeName(project, 80)
	if name == "" {
		name = DefaultProjectName
	}
	return fmt.Sprintf("%s-%s.webm", name, now.Format("20060102-150405"))
}

// Export renders req and blocks until the file is complete. Cancelling ctx
// stops the encoder, discards the output and returns ErrCancelled.
// onProgress, if set, is called once per rendered frame.
func (c *Compositor) Export(ctx context.Context, req Request, onProgress func(Progress)) (*Result, error) {
	p, err := c.Prepare(req)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.state == StateExporting {
		c.mu.Unlock()
		return nil, ErrBusy
	}
	c.state = StateExporting
	c.mu.Unlock()

	res, err := c.run(ctx, req, p, onProgress)

	next := StateComplete
	switch {
	case errors.Is(err, ErrCancelled):
		next = StateIdle
	case err != nil:
		next = StateError
	}
	c.mu.Lock()
	c.state = next
	c.mu.Unlock()
	return res, err
}

func (c *Compositor) run(ctx context.Context, req Request, p *Plan, onProgress func(Progress)) (*Result, error) {
	start := time.Now()
	sched := c.cfg.NewScheduler(p.Geometry.FrameRate)

	r := &render{
		ctx:        ctx,
		plan:       p,
		threshold:  c.cfg.SeekThreshold,
		onProgress: onProgress,
		sessions:   make(map[string]DecodeSession),
		logger:     c.logger,
	}
	defer r.teardown()

	if err := c.openSessions(ctx, p, sched.Clock(), r); err != nil {
		return nil, err
	}

	pipe, err := gpu.NewPipeline(c.cfg.Device, p.Geometry.Width, p.Geometry.Height)
	if err != nil {
		return nil, &Error{Op: "pipeline", Err: err}
	}
	r.pipeline = pipe

	path := req.OutputPath
	if path == "" {
		path = filepath.Join(os.TempDir(), "heimdex-export-"+uuid.NewString()+".webm")
	}
	sink, err := c.cfg.CreateSink(ctx, path, p.MimeType, p.Geometry)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ErrCancelled
		}
		return nil, &Error{Op: "encoder", Err: err}
	}
	r.sink = sink

	c.logger.Info("export started",
		"clips", len(p.boundaries),
		"sources", len(p.sources),
		"duration", p.Duration,
		"width", p.Geometry.Width,
		"height", p.Geometry.Height,
		"fps", p.Geometry.FrameRate,
		"mime", p.MimeType,
	)

	if err := sched.Run(ctx, r.tick); err != nil {
		if ctx.Err() != nil || errors.Is(err, ErrCancelled) {
			c.logger.Info("export cancelled", "frames", r.frames)
			return nil, ErrCancelled
		}
		var exportErr *Error
		if errors.As(err, &exportErr) {
			return nil, err
		}
		return nil, &Error{Op: "render", Err: err}
	}

	r.stopped = true
	if err := sink.Stop(ctx); err != nil {
		if ctx.Err() != nil {
			os.Remove(sink.Path())
			return nil, ErrCancelled
		}
		return nil, &Error{Op: "encoder", Err: err}
	}

	duration := p.Duration
	if c.cfg.Fixer != nil {
		fixed, err := c.cfg.Fixer.FixDuration(ctx, sink.Path(), p.Duration)
		if err != nil {
			c.logger.Warn("duration fix failed", "error", err)
		} else {
			duration = fixed
		}
	}

	info, err := os.Stat(sink.Path())
	if err != nil {
		return nil, &Error{Op: "finalize", Err: err}
	}

	c.logger.Info("export complete",
		"frames", r.frames,
		"duration", duration,
		"size_bytes", info.Size(),
		"took", time.Since(start).Round(time.Millisecond).String(),
	)
	return &Result{
		Path:      sink.Path(),
		MimeType:  p.MimeType,
		Filename:  p.Filename,
		Duration:  duration,
		SizeBytes: info.Size(),
	}, nil
}

// openSessions starts one decode session per source in parallel.
func (c *Compositor) openSessions(ctx context.Context, p *Plan, clock schedule.Clock, r *render) error {
	ids := make([]string, 0, len(p.sources))
	for id := range p.sources {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	opened := make([]DecodeSession, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	for i, id := range ids {
		i, id := i, id // per-iteration copies; the module targets go 1.21
		g.Go(func() error {
			s, err := c.cfg.Open(gctx, p.sources[id], p.Geometry, clock)
			if err != nil {
				return fmt.Errorf("open %s: %w", id, err)
			}
			opened[i] = s
			return nil
		})
	}
	err := g.Wait()

	for i, s := range opened {
		if s != nil {
			r.sessions[ids[i]] = s
			r.order = append(r.order, s)
		}
	}
	if err != nil {
		if ctx.Err() != nil {
			return ErrCancelled
		}
		return &Error{Op: "decode", Err: err}
	}
	r.mixer = newMixer(r.order)
	return nil
}

// render is the per-export state driven by the scheduler.
type render struct {
	ctx        context.Context
	plan       *Plan
	threshold  float64
	onProgress func(Progress)
	logger     *slog.Logger

	sessions map[string]DecodeSession
	order    []DecodeSession
	mixer    *mixer
	pipeline *gpu.Pipeline
	sink     Sink
	last     *image.RGBA

	cursor   int
	frames   int
	samples  int
	finished bool
	stopped  bool
	once     sync.Once
}

func (r *render) tick(elapsed time.Duration) (bool, error) {
	if r.ctx.Err() != nil {
		return false, ErrCancelled
	}

	t := elapsed.Seconds()
	total := r.plan.Duration

	if t >= total {
		if !r.finished {
			r.finished = true
			r.pauseExcept(nil)
			if err := r.padFrames(); err != nil {
				return false, err
			}
			if err := r.writeAudio(total); err != nil {
				return false, err
			}
			r.report(total)
		}
		return t >= total+TrailingDelay, nil
	}

	for r.cursor < len(r.plan.boundaries) && t >= r.plan.boundaries[r.cursor].End {
		r.cursor++
	}

	var frame image.Image
	var m *mask.Data
	if r.cursor < len(r.plan.boundaries) && t >= r.plan.boundaries[r.cursor].Start {
		b := r.plan.boundaries[r.cursor]
		var err error
		frame, m, err = r.present(b, t)
		if err != nil {
			return false, err
		}
	} else {
		r.pauseExcept(nil)
	}

	out, err := r.pipeline.Composite(frame, m)
	if err != nil {
		return false, &Error{Op: "composite", Err: err}
	}

	due := min(int(math.Floor(t*r.plan.Geometry.FrameRate+1e-6))+1, r.totalFrames())
	for r.frames < due {
		if err := r.sink.WriteFrame(out); err != nil {
			return false, &Error{Op: "encoder", Err: err}
		}
		r.frames++
	}
	r.last = out

	if err := r.writeAudio(t); err != nil {
		return false, err
	}
	r.report(t)
	return false, nil
}

// padFrames repeats the last composited frame until the output holds every
// frame of the timeline. Ticks coarser than the frame interval leave a gap
// before the end otherwise.
func (r *render) padFrames() error {
	if r.frames >= r.totalFrames() {
		return nil
	}
	out := r.last
	if out == nil {
		var err error
		if out, err = r.pipeline.Clear(); err != nil {
			return &Error{Op: "composite", Err: err}
		}
	}
	for r.frames < r.totalFrames() {
		if err := r.sink.WriteFrame(out); err != nil {
			return &Error{Op: "encoder", Err: err}
		}
		r.frames++
	}
	return nil
}

// present syncs the clip's session to t and returns its frame and the
// combined mask of the clip's regions.
func (r *render) present(b boundary, t float64) (image.Image, *mask.Data, error) {
	s := r.sessions[b.Clip.SourceID]
	if s == nil {
		r.pauseExcept(nil)
		return nil, nil, nil
	}

	sourceTime := b.Clip.SourceIn + (t - b.Start)
	if math.Abs(s.CurrentTime()-sourceTime) > r.threshold {
		if err := s.Seek(r.ctx, sourceTime); err != nil {
			if r.ctx.Err() != nil {
				return nil, nil, ErrCancelled
			}
			return nil, nil, &Error{Op: "seek", Err: err}
		}
	}
	if s.Paused() {
		s.Play()
	}
	r.pauseExcept(s)

	frame, err := s.Frame()
	if err != nil {
		return nil, nil, &Error{Op: "decode", Err: err}
	}

	var masks []*mask.Data
	for _, region := range b.Regions {
		if md := region.MaskAt(sourceTime); md != nil {
			masks = append(masks, md)
		}
	}
	return frame, mask.Combine(masks), nil
}

func (r *render) pauseExcept(active DecodeSession) {
	for _, s := range r.order {
		if s != active && !s.Paused() {
			s.Pause()
		}
	}
}

func (r *render) writeAudio(t float64) error {
	want := media.SamplesFor(t)
	n := want - r.samples
	if n <= 0 {
		return nil
	}
	buf, err := r.mixer.Mix(n)
	if err != nil {
		return &Error{Op: "audio", Err: err}
	}
	if err := r.sink.WriteAudio(buf); err != nil {
		return &Error{Op: "encoder", Err: err}
	}
	r.samples = want
	return nil
}

func (r *render) totalFrames() int {
	return int(math.Round(r.plan.Duration * r.plan.Geometry.FrameRate))
}

func (r *render) report(t float64) {
	if r.onProgress == nil {
		return
	}
	total := r.plan.Duration
	pct := 100.0
	if total > 0 {
		pct = math.Min(100, t/total*100)
	}
	r.onProgress(Progress{Elapsed: math.Min(t, total), Total: total, Percentage: pct})
}

// teardown releases everything the export acquired. A sink that was not
// stopped cleanly is aborted and its file removed.
func (r *render) teardown() {
	r.once.Do(func() {
		if r.sink != nil && !r.stopped {
			r.sink.Abort()
		}
		for _, s := range r.order {
			if err := s.Close(); err != nil {
				r.logger.Debug("close decode session", "error", err)
			}
		}
		if r.pipeline != nil {
			r.pipeline.Dispose()
		}
	})
}
