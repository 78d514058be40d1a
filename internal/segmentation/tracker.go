package segmentation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/heimdex/heimdex-editor/internal/edl"
	"github.com/heimdex/heimdex-editor/internal/logging"
	"github.com/heimdex/heimdex-editor/internal/mask"
	"github.com/heimdex/heimdex-editor/internal/media"
)

var (
	ErrClipNotFound   = errors.New("clip not found")
	ErrSourceNotFound = errors.New("source not found")
)

// RegionStore is the part of the EDL store tracking writes to.
type RegionStore interface {
	Clip(id string) (edl.Clip, bool)
	AddRegion(clipID string, seed edl.Seed) (string, bool)
	RecordRegionProgress(regionID string, fm *mask.FrameMask, processed, total int) bool
	FinishRegion(regionID string)
	RemoveRegion(regionID string)
}

// SourceLookup resolves clip sources to files.
type SourceLookup interface {
	Lookup(id string) (media.Source, bool)
}

// Tracker turns a click on a clip into a color region and fills it with
// tracked masks in the background.
type Tracker struct {
	seg       Segmenter
	store     RegionStore
	sources   SourceLookup
	sampleFPS float64
	logger    *slog.Logger

	mu   sync.Mutex
	jobs map[string]context.CancelFunc
	wg   sync.WaitGroup
}

func NewTracker(seg Segmenter, store RegionStore, sources SourceLookup, sampleFPS float64, logger *slog.Logger) *Tracker {
	if sampleFPS <= 0 {
		sampleFPS = 5
	}
	return &Tracker{
		seg:       seg,
		store:     store,
		sources:   sources,
		sampleFPS: sampleFPS,
		logger:    logging.WithComponent(logging.OrDiscard(logger), "tracker"),
		jobs:      make(map[string]context.CancelFunc),
	}
}

// Start creates a processing region on clipID seeded at pt (normalized) on
// the source frame at frameTime, and begins tracking it. Tracking outlives
// ctx; it stops on Cancel, Shutdown or when the region is removed.
func (t *Tracker) Start(ctx context.Context, clipID string, pt Point, frameTime float64) (string, error) {
	clip, ok := t.store.Clip(clipID)
	if !ok {
		return "", ErrClipNotFound
	}
	src, ok := t.sources.Lookup(clip.SourceID)
	if !ok {
		return "", ErrSourceNotFound
	}
	if frameTime < clip.SourceIn || frameTime > clip.SourceOut {
		return "", fmt.Errorf("frame time %.3f outside clip range [%.3f, %.3f]", frameTime, clip.SourceIn, clip.SourceOut)
	}

	seed := edl.Seed{X: pt.X, Y: pt.Y, FrameTime: frameTime, SampleFPS: t.sampleFPS}
	regionID, ok := t.store.AddRegion(clipID, seed)
	if !ok {
		return "", ErrClipNotFound
	}

	jobCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	events, err := t.seg.Track(jobCtx, TrackRequest{
		SourcePath: src.Path,
		Point:      pt,
		FrameTime:  frameTime,
		Start:      clip.SourceIn,
		End:        clip.SourceOut,
		SampleFPS:  t.sampleFPS,
	})
	if err != nil {
		cancel()
		t.store.RemoveRegion(regionID)
		return "", fmt.Errorf("start tracking: %w", err)
	}

	t.mu.Lock()
	t.jobs[regionID] = cancel
	t.wg.Add(1)
	t.mu.Unlock()

	logger := logging.WithClipID(t.logger, clipID).With("region_id", regionID)
	go t.consume(jobCtx, regionID, events, logger)
	return regionID, nil
}

func (t *Tracker) consume(ctx context.Context, regionID string, events <-chan TrackEvent, logger *slog.Logger) {
	defer t.wg.Done()
	defer t.forget(regionID)

	frames, skipped := 0, 0
	for ev := range events {
		if ev.Fatal {
			if ctx.Err() == nil {
				logger.Error("tracking failed, discarding region", "error", ev.Err)
			}
			t.store.RemoveRegion(regionID)
			return
		}
		var fm *mask.FrameMask
		if ev.Err != nil {
			skipped++
			logger.Warn("tracking frame skipped", "frame_time", ev.FrameTime, "error", ev.Err)
		} else {
			fm = &mask.FrameMask{FrameTime: ev.FrameTime, Mask: ev.Mask}
			frames++
		}
		if !t.store.RecordRegionProgress(regionID, fm, ev.Processed, ev.Total) {
			logger.Info("region removed, stopping tracking")
			t.cancel(regionID)
			for range events {
			}
			return
		}
	}

	if ctx.Err() != nil {
		t.store.RemoveRegion(regionID)
		logger.Info("tracking cancelled")
		return
	}
	t.store.FinishRegion(regionID)
	logger.Info("tracking complete", "frames", frames, "skipped", skipped)
}

// Cancel stops tracking regionID and discards the region.
func (t *Tracker) Cancel(regionID string) bool {
	return t.cancel(regionID)
}

func (t *Tracker) cancel(regionID string) bool {
	t.mu.Lock()
	cancel, ok := t.jobs[regionID]
	t.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

func (t *Tracker) forget(regionID string) {
	t.mu.Lock()
	if cancel, ok := t.jobs[regionID]; ok {
		cancel()
		delete(t.jobs, regionID)
	}
	t.mu.Unlock()
}

// Active lists the regions still being tracked.
func (t *Tracker) Active() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := make([]string, 0, len(t.jobs))
	for id := range t.jobs {
		ids = append(ids, id)
	}
	return ids
}

// Shutdown cancels every job and waits for them to wind down.
func (t *Tracker) Shutdown(ctx context.Context) error {
	t.mu.Lock()
	for _, cancel := range t.jobs {
		cancel()
	}
	t.mu.Unlock()

	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
