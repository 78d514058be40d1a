package segmentation

import (
	"context"
	"errors"
	"image"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/heimdex/heimdex-editor/internal/logging"
	"github.com/heimdex/heimdex-editor/internal/mask"
)

// DefaultPreviewDebounce is how long pointer movement must settle before a
// preview request is sent.
const DefaultPreviewDebounce = 120 * time.Millisecond

var (
	// ErrSuperseded means a newer request arrived during the debounce.
	ErrSuperseded = errors.New("preview superseded by a newer request")
	// ErrBusy means a preview was already running; the request was skipped.
	ErrBusy = errors.New("preview already in flight")
	// ErrStale means the response arrived after a newer request was made.
	ErrStale = errors.New("preview response is stale")
)

// Preview is the last accepted candidate mask.
type Preview struct {
	Seq   uint64
	Point Point
	Mask  *mask.Data
}

// PreviewRequester debounces hover previews, keeps a single request in
// flight and drops responses that are older than the newest request.
type PreviewRequester struct {
	seg      Segmenter
	debounce time.Duration
	logger   *slog.Logger

	seq      atomic.Uint64
	inFlight atomic.Bool

	mu     sync.Mutex
	latest *Preview
}

func NewPreviewRequester(seg Segmenter, debounce time.Duration, logger *slog.Logger) *PreviewRequester {
	if debounce < 0 {
		debounce = DefaultPreviewDebounce
	}
	return &PreviewRequester{
		seg:      seg,
		debounce: debounce,
		logger:   logging.WithComponent(logging.OrDiscard(logger), "preview"),
	}
}

// Do requests a candidate mask for pt on frame.
func (p *PreviewRequester) Do(ctx context.Context, frame image.Image, pt Point) (*mask.Data, error) {
	seq := p.seq.Add(1)

	if p.debounce > 0 {
		timer := time.NewTimer(p.debounce)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		}
	}
	if p.seq.Load() != seq {
		return nil, ErrSuperseded
	}

	if !p.inFlight.CompareAndSwap(false, true) {
		return nil, ErrBusy
	}
	defer p.inFlight.Store(false)

	m, err := p.seg.Preview(ctx, frame, pt)
	if err != nil {
		p.logger.Warn("preview failed", "error", err)
		return nil, err
	}
	if p.seq.Load() != seq {
		p.logger.Debug("dropping stale preview", "seq", seq)
		return nil, ErrStale
	}

	p.mu.Lock()
	p.latest = &Preview{Seq: seq, Point: pt, Mask: m}
	p.mu.Unlock()
	return m, nil
}

// Latest returns the most recent accepted preview, or nil.
func (p *PreviewRequester) Latest() *Preview {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.latest
}

// Clear forgets the current preview and invalidates requests in flight.
func (p *PreviewRequester) Clear() {
	p.seq.Add(1)
	p.mu.Lock()
	p.latest = nil
	p.mu.Unlock()
}
