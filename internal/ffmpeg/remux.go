package ffmpeg

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"os"

	"github.com/heimdex/heimdex-editor/internal/logging"
)

// DurationFixer rewrites a streamed webm so its header carries the real
// duration. Live-muxed files are written before the length is known.
type DurationFixer struct {
	bin    string
	prober *Prober
	logger *slog.Logger
}

func NewDurationFixer(ffmpeg string, prober *Prober, logger *slog.Logger) *DurationFixer {
	return &DurationFixer{bin: ffmpeg, prober: prober, logger: logging.WithComponent(logging.OrDiscard(logger), "remux")}
}

// FixDuration remuxes path in place and returns the duration the finished
// container reports.
func (f *DurationFixer) FixDuration(ctx context.Context, path string, expected float64) (float64, error) {
	tmp := path + ".remux.webm"
	defer os.Remove(tmp)

	_, err := run(ctx, f.bin,
		"-hide_banner", "-loglevel", "error", "-y",
		"-i", path,
		"-c", "copy",
		"-f", "webm",
		tmp,
	)
	if err != nil {
		return 0, fmt.Errorf("remux: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return 0, fmt.Errorf("replace output: %w", err)
	}

	res, err := f.prober.Probe(ctx, path)
	if err != nil {
		return 0, fmt.Errorf("probe remuxed output: %w", err)
	}
	if drift := math.Abs(res.DurationSeconds - expected); drift > 0.1 {
		f.logger.Warn("remuxed duration differs from timeline",
			"expected", expected,
			"actual", res.DurationSeconds,
		)
	}
	return res.DurationSeconds, nil
}
