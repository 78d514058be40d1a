package ffmpeg

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"github.com/heimdex/heimdex-editor/internal/logging"
	"github.com/heimdex/heimdex-editor/internal/media"
)

// Output formats, in negotiation order.
const (
	MimeVP9Opus   = "video/webm;codecs=vp9,opus"
	MimeVP8Vorbis = "video/webm;codecs=vp8,vorbis"
	MimeWebM      = "video/webm"
)

var codecArgs = map[string][]string{
	MimeVP9Opus: {
		"-c:v", "libvpx-vp9", "-b:v", "0", "-crf", "32", "-deadline", "realtime", "-cpu-used", "8", "-row-mt", "1",
		"-c:a", "libopus", "-b:a", "128k",
	},
	MimeVP8Vorbis: {
		"-c:v", "libvpx", "-b:v", "4M", "-deadline", "realtime", "-cpu-used", "8",
		"-c:a", "libvorbis", "-q:a", "5",
	},
	MimeWebM: {},
}

var requiredEncoders = map[string][]string{
	MimeVP9Opus:   {"libvpx-vp9", "libopus"},
	MimeVP8Vorbis: {"libvpx", "libvorbis"},
	MimeWebM:      {},
}

// Formats reports which output formats the local ffmpeg can produce. The
// encoder list is read once.
type Formats struct {
	bin string

	once     sync.Once
	encoders map[string]bool
	err      error
}

func NewFormats(ffmpeg string) *Formats {
	return &Formats{bin: ffmpeg}
}

// Supported reports whether mime can be encoded.
func (f *Formats) Supported(mime string) bool {
	required, ok := requiredEncoders[mime]
	if !ok {
		return false
	}
	f.once.Do(func() {
		out, err := run(context.Background(), f.bin, "-hide_banner", "-encoders")
		if err != nil {
			f.err = err
			return
		}
		f.encoders = parseEncoders(out)
	})
	if f.err != nil {
		return false
	}
	for _, name := range required {
		if !f.encoders[name] {
			return false
		}
	}
	return true
}

// parseEncoders reads the names from `ffmpeg -encoders` output.
func parseEncoders(out []byte) map[string]bool {
	encoders := make(map[string]bool)
	inList := false
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "---") {
			inList = true
			continue
		}
		if !inList {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 || len(fields[0]) != 6 {
			continue
		}
		encoders[fields[1]] = true
	}
	return encoders
}

// EncoderFactory starts encoders.
type EncoderFactory struct {
	bin    string
	logger *slog.Logger
}

func NewEncoderFactory(ffmpeg string, logger *slog.Logger) *EncoderFactory {
	return &EncoderFactory{bin: ffmpeg, logger: logging.WithComponent(logging.OrDiscard(logger), "encoder")}
}

// Create starts an ffmpeg process muxing RGBA frames and PCM audio into a
// webm file at path.
func (f *EncoderFactory) Create(ctx context.Context, path, mime string, geom media.Geometry) (*Encoder, error) {
	codecs, ok := codecArgs[mime]
	if !ok {
		return nil, fmt.Errorf("unsupported output format %q", mime)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	audioR, audioW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("audio pipe: %w", err)
	}

	args := encoderArgs(path, codecs, geom)
	cmd := exec.Command(f.bin, args...)
	cmd.ExtraFiles = []*os.File{audioR}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		audioR.Close()
		audioW.Close()
		return nil, fmt.Errorf("video pipe: %w", err)
	}

	e := &Encoder{
		cmd:    cmd,
		path:   path,
		logger: f.logger,
		video:  make(chan []byte, 4),
		audio:  make(chan []byte, 16),
		done:   make(chan struct{}),
	}
	cmd.Stderr = &limitedWriter{w: &e.stderr, limit: maxStderrBytes}

	if err := cmd.Start(); err != nil {
		audioR.Close()
		audioW.Close()
		return nil, fmt.Errorf("start encoder: %w", err)
	}
	// the child holds its own copy of the read end
	audioR.Close()

	e.wg.Add(2)
	go e.pump(e.video, stdin)
	go e.pump(e.audio, audioW)

	f.logger.Info("encoder started", "mime", mime, "width", geom.Width, "height", geom.Height, "fps", geom.FrameRate)
	return e, nil
}

func encoderArgs(path string, codecs []string, geom media.Geometry) []string {
	args := []string{
		"-hide_banner", "-loglevel", "error", "-y",
		"-f", "rawvideo", "-pix_fmt", "rgba",
		"-s", fmt.Sprintf("%dx%d", geom.Width, geom.Height),
		"-r", formatFloat(geom.FrameRate),
		"-i", "pipe:0",
		"-f", "s16le",
		"-ar", strconv.Itoa(media.AudioSampleRate),
		"-ac", strconv.Itoa(media.AudioChannels),
		"-i", "pipe:3",
		"-map", "0:v", "-map", "1:a",
		"-pix_fmt", "yuv420p",
	}
	args = append(args, codecs...)
	return append(args, "-f", "webm", path)
}

// Encoder feeds a running ffmpeg process. Writes are queued so video and
// audio never block each other. Writes must not race with Stop or Abort.
type Encoder struct {
	cmd    *exec.Cmd
	path   string
	logger *slog.Logger
	stderr bytes.Buffer

	video chan []byte
	audio chan []byte
	done  chan struct{}
	wg    sync.WaitGroup

	mu       sync.Mutex
	err      error
	finished bool
}

func (e *Encoder) Path() string { return e.path }

func (e *Encoder) pump(ch <-chan []byte, w io.WriteCloser) {
	defer e.wg.Done()
	defer w.Close()
	for {
		select {
		case buf := <-ch:
			e.write(w, buf)
		case <-e.done:
			for {
				select {
				case buf := <-ch:
					e.write(w, buf)
				default:
					return
				}
			}
		}
	}
}

func (e *Encoder) write(w io.Writer, buf []byte) {
	if e.failed() != nil {
		return
	}
	if _, err := w.Write(buf); err != nil {
		e.fail(fmt.Errorf("encoder write: %w", err))
	}
}

func (e *Encoder) fail(err error) {
	e.mu.Lock()
	if e.err == nil {
		e.err = err
	}
	e.mu.Unlock()
}

func (e *Encoder) failed() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}

// WriteFrame queues one composited frame. The pixels are copied.
func (e *Encoder) WriteFrame(img *image.RGBA) error {
	if err := e.failed(); err != nil {
		return err
	}
	buf := append([]byte(nil), img.Pix...)
	select {
	case e.video <- buf:
		return nil
	case <-e.done:
		return errEncoderFinished
	}
}

// WriteAudio queues interleaved PCM samples.
func (e *Encoder) WriteAudio(samples []int16) error {
	if err := e.failed(); err != nil {
		return err
	}
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	select {
	case e.audio <- buf:
		return nil
	case <-e.done:
		return errEncoderFinished
	}
}

var (
	errEncoderFinished = errors.New("encoder finished")
	errEncoderAborted  = errors.New("encoder aborted")
)

// Stop flushes the queued data and waits for ffmpeg to finalize the file.
func (e *Encoder) Stop(ctx context.Context) error {
	if !e.finish() {
		return nil
	}

	waited := make(chan error, 1)
	go func() {
		e.wg.Wait()
		waited <- e.cmd.Wait()
	}()

	select {
	case err := <-waited:
		if err != nil {
			return &ExecError{Bin: "ffmpeg", Err: err, StderrTail: e.stderr.String()}
		}
		if err := e.failed(); err != nil {
			return err
		}
		e.logger.Info("encoder finished", "path", logging.SanitizePath(e.path))
		return nil
	case <-ctx.Done():
		e.cmd.Process.Kill()
		<-waited
		return ctx.Err()
	}
}

// Abort kills the encoder and removes the partial output. It is safe to
// call after Stop.
func (e *Encoder) Abort() {
	e.fail(errEncoderAborted)
	if e.finish() {
		if e.cmd.Process != nil {
			e.cmd.Process.Kill()
		}
		e.wg.Wait()
		e.cmd.Wait()
		e.logger.Info("encoder aborted")
	}
	os.Remove(e.path)
}

func (e *Encoder) finish() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.finished {
		return false
	}
	e.finished = true
	close(e.done)
	return true
}
