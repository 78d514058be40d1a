package playback

import (
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/heimdex/heimdex-editor/internal/logging"
)

// mediaTypes covers containers the platform mime table may not know.
var mediaTypes = map[string]string{
	".mp4":  "video/mp4",
	".m4v":  "video/mp4",
	".mov":  "video/quicktime",
	".mkv":  "video/x-matroska",
	".webm": "video/webm",
}

// FileServer streams media files with byte-range support.
type FileServer struct {
	logger *slog.Logger
}

func NewFileServer(logger *slog.Logger) *FileServer {
	return &FileServer{logger: logging.WithComponent(logging.OrDiscard(logger), "file_server")}
}

// ServeFile writes path to w, honouring a Range header. contentType falls
// back to the extension's type. A non-empty downloadName marks the response
// as an attachment.
func (s *FileServer) ServeFile(w http.ResponseWriter, r *http.Request, path, contentType, downloadName string) error {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			http.Error(w, "file not found", http.StatusNotFound)
			return nil
		}
		return fmt.Errorf("open media: %w", err)
	}
	defer file.Close()

	stat, err := file.Stat()
	if err != nil {
		return fmt.Errorf("stat media: %w", err)
	}
	size := stat.Size()

	if contentType == "" {
		ext := strings.ToLower(filepath.Ext(path))
		if contentType = mediaTypes[ext]; contentType == "" {
			contentType = mime.TypeByExtension(ext)
		}
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	h := w.Header()
	h.Set("Accept-Ranges", "bytes")
	h.Set("Content-Type", contentType)
	if downloadName != "" {
		h.Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": downloadName}))
	}

	rng, err := ParseRange(r.Header.Get("Range"), size)
	switch {
	case err == ErrUnsatisfiable:
		h.Set("Content-Range", fmt.Sprintf("bytes */%d", size))
		http.Error(w, "range not satisfiable", http.StatusRequestedRangeNotSatisfiable)
		return nil
	case err != nil && err != ErrInvalidRange:
		return err
	}

	// malformed ranges are ignored and the whole file is sent
	if rng == nil {
		h.Set("Content-Length", strconv.FormatInt(size, 10))
		w.WriteHeader(http.StatusOK)
		if r.Method != http.MethodHead {
			io.Copy(w, file)
		}
		return nil
	}

	if _, err := file.Seek(rng.Start, io.SeekStart); err != nil {
		return fmt.Errorf("seek media: %w", err)
	}
	h.Set("Content-Length", strconv.FormatInt(rng.ContentLength(), 10))
	h.Set("Content-Range", rng.ContentRange(size))
	w.WriteHeader(http.StatusPartialContent)
	if r.Method != http.MethodHead {
		if _, err := io.CopyN(w, file, rng.ContentLength()); err != nil {
			s.logger.Debug("range copy interrupted", "path", logging.SanitizePath(path), "error", err)
		}
	}
	return nil
}
