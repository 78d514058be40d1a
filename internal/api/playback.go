package api

import (
	"bytes"
	"errors"
	"image"
	"image/png"
	"net/http"

	"github.com/heimdex/heimdex-editor/internal/playback"
	"github.com/heimdex/heimdex-editor/internal/segmentation"
)

func playbackStateHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, PlaybackResponse{cfg.Player.State()})
	}
}

func playHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := cfg.Player.Play(r.Context()); err != nil {
			writePlaybackError(cfg, w, err)
			return
		}
		WriteJSON(w, http.StatusOK, PlaybackResponse{cfg.Player.State()})
	}
}

func pauseHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cfg.Player.Pause()
		WriteJSON(w, http.StatusOK, PlaybackResponse{cfg.Player.State()})
	}
}

func seekHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req SeekRequest
		if err := decodeJSON(r, &req); err != nil {
			WriteError(w, http.StatusBadRequest, "invalid request body", "BAD_REQUEST")
			return
		}
		if err := cfg.Player.Seek(r.Context(), req.Time); err != nil {
			writePlaybackError(cfg, w, err)
			return
		}
		WriteJSON(w, http.StatusOK, PlaybackResponse{cfg.Player.State()})
	}
}

// frameHandler renders the preview at the playhead as PNG. With
// ?candidate=1 the latest hover mask is highlighted.
func frameHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var (
			frame *image.RGBA
			err   error
		)
		if p := latestCandidate(cfg, r); p != nil {
			frame, err = cfg.Player.FrameWithCandidate(p.Mask)
		} else {
			frame, err = cfg.Player.Frame()
		}
		if err != nil {
			writePlaybackError(cfg, w, err)
			return
		}

		var buf bytes.Buffer
		if err := png.Encode(&buf, frame); err != nil {
			WriteError(w, http.StatusInternalServerError, "failed to encode frame", "INTERNAL_ERROR")
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Cache-Control", "no-store")
		w.Write(buf.Bytes())
	}
}

func latestCandidate(cfg ServerConfig, r *http.Request) *segmentation.Preview {
	if cfg.Preview == nil || r.URL.Query().Get("candidate") != "1" {
		return nil
	}
	return cfg.Preview.Latest()
}

func writePlaybackError(cfg ServerConfig, w http.ResponseWriter, err error) {
	if errors.Is(err, playback.ErrClosed) {
		WriteError(w, http.StatusServiceUnavailable, "playback is shutting down", "UNAVAILABLE")
		return
	}
	cfg.Logger.Error("playback error", "error", err)
	WriteError(w, http.StatusInternalServerError, err.Error(), "PLAYBACK_ERROR")
}
