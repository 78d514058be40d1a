package ffmpeg

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"
	"math"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/heimdex/heimdex-editor/internal/logging"
	"github.com/heimdex/heimdex-editor/internal/media"
	"github.com/heimdex/heimdex-editor/internal/schedule"
)

// maxDecodeAhead is how far the decoder reads through frames before it
// restarts the process at the target instead.
const maxDecodeAhead = 2.0

// Opener starts decode sessions.
type Opener struct {
	bin    string
	logger *slog.Logger
}

func NewOpener(ffmpeg string, logger *slog.Logger) *Opener {
	return &Opener{bin: ffmpeg, logger: logging.WithComponent(logging.OrDiscard(logger), "decoder")}
}

// Open returns a paused session positioned at 0. Frames are scaled to geom;
// playback advances on clock.
func (o *Opener) Open(ctx context.Context, src media.Source, geom media.Geometry, clock schedule.Clock) (*Decoder, error) {
	if geom.Width <= 0 || geom.Height <= 0 {
		return nil, fmt.Errorf("open %s: invalid geometry %dx%d", src.ID, geom.Width, geom.Height)
	}
	if geom.FrameRate <= 0 {
		geom.FrameRate = src.FrameRate
	}
	if geom.FrameRate <= 0 {
		geom.FrameRate = 30
	}
	if clock == nil {
		clock = schedule.RealClock{}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &Decoder{
		bin:    o.bin,
		src:    src,
		geom:   geom,
		clock:  clock,
		logger: logging.WithSourceID(o.logger, src.ID),
	}, nil
}

// Decoder is one independent decode session over a source. Its position is
// derived from the clock while playing, so frames are produced for the time
// the caller observes rather than as fast as ffmpeg runs.
type Decoder struct {
	bin    string
	src    media.Source
	geom   media.Geometry
	clock  schedule.Clock
	logger *slog.Logger

	mu        sync.Mutex
	base      float64
	playing   bool
	playStart time.Time
	video     *stream
	audio     *stream
	frame     *image.RGBA
	frameTime float64
	closed    bool
}

func (d *Decoder) Source() media.Source { return d.src }

// Seek moves the session to t seconds of source time. Decoding restarts
// lazily at the next Frame or ReadAudio.
func (d *Decoder) Seek(ctx context.Context, t float64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	d.base = d.clampLocked(t)
	if d.playing {
		d.playStart = d.clock.Now()
	}
	d.stopLocked()
	return nil
}

func (d *Decoder) Play() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.playing || d.closed {
		return
	}
	d.playing = true
	d.playStart = d.clock.Now()
}

func (d *Decoder) Pause() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.playing {
		return
	}
	d.base = d.currentLocked()
	d.playing = false
}

func (d *Decoder) Paused() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return !d.playing
}

// CurrentTime is the source time the session is presenting.
func (d *Decoder) CurrentTime() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.currentLocked()
}

func (d *Decoder) currentLocked() float64 {
	if !d.playing {
		return d.base
	}
	return d.clampLocked(d.base + d.clock.Now().Sub(d.playStart).Seconds())
}

func (d *Decoder) clampLocked(t float64) float64 {
	if t < 0 || math.IsNaN(t) {
		return 0
	}
	if d.src.DurationSeconds > 0 && t > d.src.DurationSeconds {
		return d.src.DurationSeconds
	}
	return t
}

// Frame returns the decoded frame for CurrentTime. The image is reused by
// later calls.
func (d *Decoder) Frame() (image.Image, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, ErrClosed
	}

	target := d.currentLocked()
	step := 1 / d.geom.FrameRate
	if d.video == nil || target < d.video.start || target-d.video.position(step) > maxDecodeAhead {
		if err := d.startVideoLocked(target); err != nil {
			return nil, err
		}
	}

	frameBytes := d.geom.FrameBytes()
	for d.frame == nil || d.video.position(step) <= target+step/2 {
		if d.video.eof {
			break
		}
		if d.frame == nil {
			d.frame = image.NewRGBA(image.Rect(0, 0, d.geom.Width, d.geom.Height))
		}
		if _, err := io.ReadFull(d.video.out, d.frame.Pix[:frameBytes]); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				d.video.eof = true
				break
			}
			return nil, fmt.Errorf("read frame: %w", err)
		}
		d.frameTime = d.video.position(step)
		d.video.frames++
	}
	if d.frame == nil {
		return nil, fmt.Errorf("no frame at %.3fs", target)
	}
	return d.frame, nil
}

// ReadAudio fills dst with interleaved PCM at the session position. Paused
// sessions and sources without audio produce silence.
func (d *Decoder) ReadAudio(dst []int16) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return 0, ErrClosed
	}
	if !d.playing || !d.src.HasAudio {
		clear(dst)
		return len(dst), nil
	}
	if d.audio == nil {
		if err := d.startAudioLocked(d.currentLocked()); err != nil {
			return 0, err
		}
	}

	buf := make([]byte, len(dst)*2)
	n := 0
	if !d.audio.eof {
		var err error
		n, err = io.ReadFull(d.audio.out, buf)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
				return 0, fmt.Errorf("read audio: %w", err)
			}
			d.audio.eof = true
		}
	}
	samples := n / 2
	for i := 0; i < samples; i++ {
		dst[i] = int16(binary.LittleEndian.Uint16(buf[i*2:]))
	}
	clear(dst[samples:])
	return len(dst), nil
}

func (d *Decoder) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	d.stopLocked()
	d.frame = nil
	return nil
}

func (d *Decoder) stopLocked() {
	if d.video != nil {
		d.video.stop()
		d.video = nil
	}
	if d.audio != nil {
		d.audio.stop()
		d.audio = nil
	}
}

func (d *Decoder) startVideoLocked(at float64) error {
	if d.video != nil {
		d.video.stop()
	}
	s, err := startStream(d.bin, at,
		"-an",
		"-vf", fmt.Sprintf("scale=%d:%d", d.geom.Width, d.geom.Height),
		"-r", formatFloat(d.geom.FrameRate),
		"-pix_fmt", "rgba",
		"-f", "rawvideo",
	)(d.src.Path)
	if err != nil {
		return fmt.Errorf("start video decode: %w", err)
	}
	d.logger.Debug("video decode started", "at", at)
	d.video = s
	d.frame = nil
	return nil
}

func (d *Decoder) startAudioLocked(at float64) error {
	s, err := startStream(d.bin, at,
		"-vn",
		"-f", "s16le",
		"-ac", strconv.Itoa(media.AudioChannels),
		"-ar", strconv.Itoa(media.AudioSampleRate),
	)(d.src.Path)
	if err != nil {
		return fmt.Errorf("start audio decode: %w", err)
	}
	d.audio = s
	return nil
}

// ErrClosed is returned by operations on a closed session.
var ErrClosed = errors.New("decode session closed")

// stream is a running ffmpeg process writing raw output to a pipe.
type stream struct {
	cmd    *exec.Cmd
	out    io.ReadCloser
	start  float64
	frames int
	eof    bool
}

func (s *stream) position(step float64) float64 {
	return s.start + float64(s.frames)*step
}

func (s *stream) stop() {
	s.out.Close()
	if s.cmd.Process != nil {
		s.cmd.Process.Kill()
	}
	s.cmd.Wait()
}

func startStream(bin string, at float64, outArgs ...string) func(path string) (*stream, error) {
	return func(path string) (*stream, error) {
		args := []string{"-hide_banner", "-loglevel", "error", "-nostdin"}
		if at > 0 {
			args = append(args, "-ss", formatFloat(at))
		}
		args = append(args, "-i", path)
		args = append(args, outArgs...)
		args = append(args, "pipe:1")

		cmd := exec.Command(bin, args...)
		out, err := cmd.StdoutPipe()
		if err != nil {
			return nil, err
		}
		if err := cmd.Start(); err != nil {
			return nil, err
		}
		return &stream{cmd: cmd, out: out, start: at}, nil
	}
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', 3, 64)
}
