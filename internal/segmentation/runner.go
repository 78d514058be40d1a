package segmentation

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/png"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/heimdex/heimdex-editor/internal/logging"
	"github.com/heimdex/heimdex-editor/internal/mask"
)

const (
	maxStderrBytes = 8 * 1024 // 8 KB tail of stderr kept for diagnostics
	maxTrackLine   = 64 << 20
)

// Config holds the subprocess segmenter's configuration.
type Config struct {
	PythonPath     string // empty = auto-detect
	ModuleName     string // default "heimdex_segment"
	WorkDir        string // scratch space for frames and doctor output
	DoctorTimeout  time.Duration
	PreviewTimeout time.Duration
	TrackTimeout   time.Duration
	Logger         *slog.Logger
	DebugPaths     bool // if true, log full file paths; otherwise sanitise
}

// DefaultConfig returns production defaults rooted at cacheDir.
func DefaultConfig(cacheDir string, logger *slog.Logger) Config {
	return Config{
		ModuleName:     "heimdex_segment",
		WorkDir:        filepath.Join(cacheDir, "segment"),
		DoctorTimeout:  30 * time.Second,
		PreviewTimeout: 20 * time.Second,
		TrackTimeout:   30 * time.Minute,
		Logger:         logger,
	}
}

// SubprocessSegmenter runs `python -m <module>` for every request.
type SubprocessSegmenter struct {
	cfg    Config
	python string
	logger *slog.Logger
}

// NewSubprocessSegmenter resolves the Python binary and prepares WorkDir.
func NewSubprocessSegmenter(cfg Config) (*SubprocessSegmenter, error) {
	python, err := resolvePython(cfg.PythonPath)
	if err != nil {
		return nil, fmt.Errorf("cannot locate python: %w", err)
	}
	if err := os.MkdirAll(cfg.WorkDir, 0755); err != nil {
		return nil, fmt.Errorf("cannot create segmentation work dir: %w", err)
	}
	logger := logging.WithComponent(logging.OrDiscard(cfg.Logger), "segmenter")
	logger.Info("segmenter initialised", "python", python, "module", cfg.ModuleName)
	return &SubprocessSegmenter{cfg: cfg, python: python, logger: logger}, nil
}

// RunDoctor probes the installed segmentation environment.
func (s *SubprocessSegmenter) RunDoctor(ctx context.Context) (*Capabilities, error) {
	outPath := filepath.Join(s.cfg.WorkDir, ".doctor.json")

	ctx, cancel := context.WithTimeout(ctx, s.cfg.DoctorTimeout)
	defer cancel()

	result := s.exec(ctx, outPath, "doctor", "--json", "--out", outPath)
	if !result.IsSuccess() {
		return nil, fmt.Errorf("doctor exited %d: %s", result.ExitCode, result.StderrTail)
	}

	data, err := os.ReadFile(outPath)
	if err != nil {
		return nil, fmt.Errorf("cannot read doctor output: %w", err)
	}
	var caps Capabilities
	if err := json.Unmarshal(data, &caps); err != nil {
		return nil, fmt.Errorf("cannot parse doctor JSON: %w", err)
	}

	caps.HasPreview = isAvailable(caps.Dependencies, "torch")
	caps.HasTracking = caps.HasPreview && isAvailable(caps.Dependencies, "cv2")
	caps.ProbedAt = time.Now()

	s.logger.Info("doctor probe complete",
		"preview", caps.HasPreview,
		"tracking", caps.HasTracking,
		"deps_available", caps.Summary.Available,
		"deps_total", caps.Summary.Total,
	)
	return &caps, nil
}

// Preview segments a single frame at pt. The frame is handed over as a PNG
// and the mask comes back as JSON.
func (s *SubprocessSegmenter) Preview(ctx context.Context, frame image.Image, pt Point) (*mask.Data, error) {
	dir, err := os.MkdirTemp(s.cfg.WorkDir, "preview-")
	if err != nil {
		return nil, fmt.Errorf("preview scratch dir: %w", err)
	}
	defer os.RemoveAll(dir)

	imgPath := filepath.Join(dir, "frame.png")
	if err := writePNG(imgPath, frame); err != nil {
		return nil, err
	}
	outPath := filepath.Join(dir, "mask.json")

	ctx, cancel := context.WithTimeout(ctx, s.cfg.PreviewTimeout)
	defer cancel()

	result := s.exec(ctx, outPath,
		"preview",
		"--image", imgPath,
		"--x", formatCoord(pt.X),
		"--y", formatCoord(pt.Y),
		"--out", outPath,
	)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !result.IsSuccess() {
		return nil, fmt.Errorf("preview exited %d: %s", result.ExitCode, truncate(result.StderrTail, 512))
	}

	data, err := os.ReadFile(outPath)
	if err != nil {
		return nil, fmt.Errorf("cannot read preview output: %w", err)
	}
	var m mask.Data
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("cannot parse preview mask: %w", err)
	}
	if !m.Valid() {
		return nil, fmt.Errorf("preview mask is %dx%d with %d bytes", m.Width, m.Height, len(m.Data))
	}
	return &m, nil
}

// Track starts tracking and streams one event per sampled frame. The channel
// closes when the subprocess exits; a failed exit is reported as a final
// Fatal event.
func (s *SubprocessSegmenter) Track(ctx context.Context, req TrackRequest) (<-chan TrackEvent, error) {
	if req.SampleFPS <= 0 {
		return nil, fmt.Errorf("invalid sample rate %v", req.SampleFPS)
	}
	if req.End <= req.Start {
		return nil, fmt.Errorf("empty tracking range [%v, %v]", req.Start, req.End)
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.TrackTimeout)
	cmdArgs := []string{
		"-m", s.cfg.ModuleName,
		"track",
		"--video", req.SourcePath,
		"--x", formatCoord(req.Point.X),
		"--y", formatCoord(req.Point.Y),
		"--frame-time", formatCoord(req.FrameTime),
		"--start", formatCoord(req.Start),
		"--end", formatCoord(req.End),
		"--fps", formatCoord(req.SampleFPS),
		"--jsonl",
	}
	cmd := exec.CommandContext(ctx, s.python, cmdArgs...)
	var stderrBuf bytes.Buffer
	cmd.Stderr = &limitedWriter{w: &stderrBuf, limit: maxStderrBytes}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("track stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("start tracking: %w", err)
	}
	s.logger.Info("tracking started", "video", s.safePath(req.SourcePath), "start", req.Start, "end", req.End, "fps", req.SampleFPS)

	events := make(chan TrackEvent)
	go func() {
		defer close(events)
		defer cancel()
		start := time.Now()

		send := func(ev TrackEvent) bool {
			select {
			case events <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}

		sc := bufio.NewScanner(stdout)
		sc.Buffer(make([]byte, 0, 64*1024), maxTrackLine)
		for sc.Scan() {
			line := bytes.TrimSpace(sc.Bytes())
			if len(line) == 0 {
				continue
			}
			ev, err := parseTrackLine(line)
			if err != nil {
				s.logger.Warn("unparseable tracking line", "error", err)
				continue
			}
			if !send(ev) {
				break
			}
		}
		// drain so the child never blocks on a full pipe
		io.Copy(io.Discard, stdout)

		err := cmd.Wait()
		if err == nil {
			err = sc.Err()
		}
		if err != nil {
			if ctx.Err() != nil {
				err = ctx.Err()
			}
			s.logger.Warn("tracking failed",
				"error", err,
				"duration_ms", time.Since(start).Milliseconds(),
				"stderr_tail", truncate(stderrBuf.String(), 512),
			)
			send(TrackEvent{Err: fmt.Errorf("tracking: %w", err), Fatal: true})
			return
		}
		s.logger.Info("tracking finished", "duration_ms", time.Since(start).Milliseconds())
	}()
	return events, nil
}

// trackLine is one line of `track --jsonl` output.
type trackLine struct {
	FrameTime float64    `json:"frame_time"`
	Mask      *mask.Data `json:"mask"`
	Processed int        `json:"processed"`
	Total     int        `json:"total"`
	Error     string     `json:"error"`
}

func parseTrackLine(line []byte) (TrackEvent, error) {
	var tl trackLine
	if err := json.Unmarshal(line, &tl); err != nil {
		return TrackEvent{}, err
	}
	ev := TrackEvent{FrameTime: tl.FrameTime, Processed: tl.Processed, Total: tl.Total}
	switch {
	case tl.Error != "":
		ev.Err = &FrameError{FrameTime: tl.FrameTime, Msg: tl.Error}
	case !tl.Mask.Valid():
		ev.Err = &FrameError{FrameTime: tl.FrameTime, Msg: "invalid mask"}
	default:
		ev.Mask = tl.Mask
	}
	return ev, nil
}

// exec runs one blocking module command.
func (s *SubprocessSegmenter) exec(ctx context.Context, outPath string, args ...string) RunResult {
	start := time.Now()

	if outPath != "" {
		if err := os.MkdirAll(filepath.Dir(outPath), 0755); err != nil {
			s.logger.Error("cannot create output dir", "error", err)
			return RunResult{ExitCode: -1, StderrTail: err.Error(), Duration: time.Since(start)}
		}
	}

	cmdArgs := append([]string{"-m", s.cfg.ModuleName}, args...)
	cmd := exec.CommandContext(ctx, s.python, cmdArgs...)

	var stderrBuf bytes.Buffer
	cmd.Stderr = &limitedWriter{w: &stderrBuf, limit: maxStderrBytes}
	cmd.Stdout = io.Discard

	s.logger.Debug("executing segmentation command", "command", args[0])

	err := cmd.Run()
	elapsed := time.Since(start)

	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
		}
	}

	stderrTail := stderrBuf.String()
	if exitCode != 0 {
		s.logger.Warn("segmentation command failed",
			"command", args[0],
			"exit_code", exitCode,
			"duration_ms", elapsed.Milliseconds(),
			"stderr_tail", truncate(stderrTail, 512),
		)
	} else {
		s.logger.Debug("segmentation command succeeded",
			"command", args[0],
			"duration_ms", elapsed.Milliseconds(),
			"output", s.safePath(outPath),
		)
	}

	return RunResult{
		ExitCode:   exitCode,
		OutputPath: outPath,
		StderrTail: stderrTail,
		Duration:   elapsed,
	}
}

func (s *SubprocessSegmenter) safePath(path string) string {
	if s.cfg.DebugPaths {
		return path
	}
	return logging.SanitizePath(path)
}

func writePNG(path string, img image.Image) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create frame image: %w", err)
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		return fmt.Errorf("encode frame image: %w", err)
	}
	return f.Close()
}

func formatCoord(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// resolvePython finds a usable python binary.
func resolvePython(preferred string) (string, error) {
	if preferred != "" {
		if p, err := exec.LookPath(preferred); err == nil {
			return p, nil
		}
		return "", fmt.Errorf("configured python %q not found", preferred)
	}
	for _, name := range []string{"python3", "python"} {
		if p, err := exec.LookPath(name); err == nil {
			return p, nil
		}
	}
	return "", fmt.Errorf("no python binary found on PATH (tried python3, python)")
}

func isAvailable(deps map[string]DepInfo, name string) bool {
	d, ok := deps[name]
	return ok && d.Available
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return "..." + s[len(s)-maxLen:]
}

// limitedWriter keeps only the last `limit` bytes written to it.
type limitedWriter struct {
	w     *bytes.Buffer
	limit int
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	n := len(p)
	lw.w.Write(p)
	if lw.w.Len() > lw.limit {
		b := lw.w.Bytes()
		tail := strings.Clone(string(b[len(b)-lw.limit:]))
		lw.w.Reset()
		lw.w.WriteString(tail)
	}
	return n, nil
}
