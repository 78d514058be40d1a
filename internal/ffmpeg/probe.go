package ffmpeg

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/heimdex/heimdex-editor/internal/logging"
	"github.com/heimdex/heimdex-editor/internal/media"
)

// Prober reads source metadata with ffprobe.
type Prober struct {
	bin    string
	logger *slog.Logger
}

func NewProber(ffprobe string, logger *slog.Logger) *Prober {
	return &Prober{bin: ffprobe, logger: logging.WithComponent(logging.OrDiscard(logger), "ffprobe")}
}

type probeOutput struct {
	Streams []probeStream `json:"streams"`
	Format  struct {
		Duration string `json:"duration"`
	} `json:"format"`
}

type probeStream struct {
	CodecType    string `json:"codec_type"`
	CodecName    string `json:"codec_name"`
	Width        int    `json:"width"`
	Height       int    `json:"height"`
	AvgFrameRate string `json:"avg_frame_rate"`
	RFrameRate   string `json:"r_frame_rate"`
	Duration     string `json:"duration"`
}

func (p *Prober) Probe(ctx context.Context, path string) (*media.ProbeResult, error) {
	out, err := run(ctx, p.bin,
		"-v", "error",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path,
	)
	if err != nil {
		return nil, classifyProbeError(path, err)
	}

	res, err := parseProbeOutput(out)
	if err != nil {
		return nil, &media.ProbeError{Kind: media.ProbeUndecodable, Path: path, Err: err}
	}
	p.logger.Debug("probed source",
		"path", logging.SanitizePath(path),
		"duration", res.DurationSeconds,
		"width", res.Width,
		"height", res.Height,
		"fps", res.FrameRate,
	)
	return res, nil
}

func classifyProbeError(path string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &media.ProbeError{Kind: media.ProbeTimeout, Path: path, Err: err}
	}
	var execErr *ExecError
	if errors.As(err, &execErr) {
		tail := strings.ToLower(execErr.StderrTail)
		for _, marker := range []string{"invalid data found", "moov atom not found", "end of file", "truncated"} {
			if strings.Contains(tail, marker) {
				return &media.ProbeError{Kind: media.ProbeCorrupt, Path: path, Err: err}
			}
		}
	}
	return &media.ProbeError{Kind: media.ProbeUndecodable, Path: path, Err: err}
}

func parseProbeOutput(data []byte) (*media.ProbeResult, error) {
	var out probeOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("parse ffprobe output: %w", err)
	}

	var res media.ProbeResult
	var video *probeStream
	for i := range out.Streams {
		s := &out.Streams[i]
		switch s.CodecType {
		case "video":
			// attached pictures report a frame rate of 0/0 or 90000/1; the
			// first real stream wins
			if video == nil && s.Width > 0 && s.Height > 0 {
				video = s
			}
		case "audio":
			res.HasAudio = true
		}
	}
	if video == nil {
		return nil, errors.New("no video stream")
	}

	res.Width = video.Width
	res.Height = video.Height
	res.FrameRate = parseRate(video.AvgFrameRate)
	if res.FrameRate <= 0 || res.FrameRate > 240 {
		res.FrameRate = parseRate(video.RFrameRate)
	}
	if res.FrameRate > 240 {
		res.FrameRate = 0
	}

	res.DurationSeconds = parseSeconds(out.Format.Duration)
	if res.DurationSeconds <= 0 {
		res.DurationSeconds = parseSeconds(video.Duration)
	}
	return &res, nil
}

// parseRate parses ffprobe rationals such as "30000/1001".
func parseRate(s string) float64 {
	num, den, ok := strings.Cut(s, "/")
	if !ok {
		return parseSeconds(s)
	}
	n, err1 := strconv.ParseFloat(num, 64)
	d, err2 := strconv.ParseFloat(den, 64)
	if err1 != nil || err2 != nil || d == 0 {
		return 0
	}
	return n / d
}

func parseSeconds(s string) float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0
	}
	return v
}
