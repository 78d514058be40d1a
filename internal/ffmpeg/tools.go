// Package ffmpeg drives the ffmpeg and ffprobe executables: probing sources,
// decoding them into RGBA frames and PCM audio, encoding the composited
// output and fixing up the finished container.
package ffmpeg

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
)

const (
	maxStderrBytes = 8 * 1024 // tail of stderr kept for diagnostics
)

// Tools locates the executables.
type Tools struct {
	FFmpeg  string
	FFprobe string
}

// Resolve finds ffmpeg and ffprobe, preferring the configured paths.
func Resolve(ffmpegPath, ffprobePath string) (Tools, error) {
	ff, err := lookPath(ffmpegPath, "ffmpeg")
	if err != nil {
		return Tools{}, err
	}
	fp, err := lookPath(ffprobePath, "ffprobe")
	if err != nil {
		return Tools{}, err
	}
	return Tools{FFmpeg: ff, FFprobe: fp}, nil
}

func lookPath(preferred, fallback string) (string, error) {
	if preferred == "" {
		preferred = fallback
	}
	p, err := exec.LookPath(preferred)
	if err != nil {
		return "", fmt.Errorf("%s not found: %w", preferred, err)
	}
	return p, nil
}

// run executes bin and returns its stdout. On failure the error carries the
// tail of stderr.
func run(ctx context.Context, bin string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, bin, args...)
	var stdout, stderrBuf bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &limitedWriter{w: &stderrBuf, limit: maxStderrBytes}

	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &ExecError{Bin: bin, Err: err, StderrTail: stderrBuf.String()}
	}
	return stdout.Bytes(), nil
}

// ExecError reports a failed tool invocation.
type ExecError struct {
	Bin        string
	Err        error
	StderrTail string
}

func (e *ExecError) Error() string {
	tail := strings.TrimSpace(truncate(e.StderrTail, 512))
	if tail == "" {
		return fmt.Sprintf("%s: %v", e.Bin, e.Err)
	}
	return fmt.Sprintf("%s: %v: %s", e.Bin, e.Err, tail)
}

func (e *ExecError) Unwrap() error { return e.Err }

// ExitCode returns the process exit status, or -1 when it did not exit.
func (e *ExecError) ExitCode() int {
	var exitErr *exec.ExitError
	if errors.As(e.Err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return "..." + s[len(s)-maxLen:]
}

// limitedWriter is an io.Writer that keeps only the last `limit` bytes.
type limitedWriter struct {
	w     *bytes.Buffer
	limit int
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	n := len(p)
	lw.w.Write(p)
	if lw.w.Len() > lw.limit {
		b := lw.w.Bytes()
		tail := append([]byte(nil), b[len(b)-lw.limit:]...)
		lw.w.Reset()
		lw.w.Write(tail)
	}
	return n, nil
}

var _ io.Writer = (*limitedWriter)(nil)
