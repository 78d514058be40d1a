package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/heimdex/heimdex-editor/internal/playback"
	"github.com/heimdex/heimdex-editor/internal/segmentation"
)

func (p PointRequest) valid() bool {
	return p.X >= 0 && p.X <= 1 && p.Y >= 0 && p.Y <= 1
}

// segmentationReady answers 503 when no segmentation module is installed.
func segmentationReady(cfg ServerConfig, w http.ResponseWriter) bool {
	if cfg.Preview == nil || cfg.Tracker == nil {
		WriteError(w, http.StatusServiceUnavailable, "segmentation is not available", "SEGMENTATION_UNAVAILABLE")
		return false
	}
	return true
}

// previewMaskHandler asks for a candidate mask under the pointer on the frame
// at the playhead. Skipped requests answer 409 so the client can simply wait
// for the next pointer move.
func previewMaskHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !segmentationReady(cfg, w) {
			return
		}
		var req PointRequest
		if err := decodeJSON(r, &req); err != nil || !req.valid() {
			WriteError(w, http.StatusBadRequest, "x and y must be within [0, 1]", "BAD_REQUEST")
			return
		}

		sf, err := cfg.Player.SourceFrame()
		if err != nil {
			if errors.Is(err, playback.ErrNoActiveClip) {
				WriteError(w, http.StatusConflict, err.Error(), "NO_ACTIVE_CLIP")
				return
			}
			writePlaybackError(cfg, w, err)
			return
		}

		m, err := cfg.Preview.Do(r.Context(), sf.Image, segmentation.Point{X: req.X, Y: req.Y})
		switch {
		case errors.Is(err, segmentation.ErrSuperseded),
			errors.Is(err, segmentation.ErrBusy),
			errors.Is(err, segmentation.ErrStale):
			WriteError(w, http.StatusConflict, err.Error(), "PREVIEW_SKIPPED")
			return
		case err != nil:
			WriteError(w, http.StatusBadGateway, err.Error(), "SEGMENTATION_FAILED")
			return
		}

		WriteJSON(w, http.StatusOK, PreviewResponse{
			Width:    m.Width,
			Height:   m.Height,
			Coverage: float64(m.Coverage()) / float64(m.Width*m.Height),
		})
	}
}

func clearPreviewHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if cfg.Preview != nil {
			cfg.Preview.Clear()
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// startRegionHandler seeds a color region on a clip. Without frame_time the
// seed frame is the one at the playhead, which must be on that clip.
func startRegionHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !segmentationReady(cfg, w) {
			return
		}
		var req PointRequest
		if err := decodeJSON(r, &req); err != nil || !req.valid() {
			WriteError(w, http.StatusBadRequest, "x and y must be within [0, 1]", "BAD_REQUEST")
			return
		}
		clipID := chi.URLParam(r, "id")

		var frameTime float64
		if req.FrameTime != nil {
			frameTime = *req.FrameTime
		} else {
			st := cfg.Player.State()
			if st.ActiveClipID != clipID {
				WriteError(w, http.StatusBadRequest, "frame_time is required when the clip is not under the playhead", "BAD_REQUEST")
				return
			}
			frameTime = st.SourceTime
		}

		regionID, err := cfg.Tracker.Start(r.Context(), clipID, segmentation.Point{X: req.X, Y: req.Y}, frameTime)
		switch {
		case errors.Is(err, segmentation.ErrClipNotFound), errors.Is(err, segmentation.ErrSourceNotFound):
			WriteError(w, http.StatusNotFound, err.Error(), "NOT_FOUND")
			return
		case err != nil:
			WriteError(w, http.StatusBadGateway, err.Error(), "SEGMENTATION_FAILED")
			return
		}
		cfg.Preview.Clear()
		WriteJSON(w, http.StatusAccepted, RegionResponse{RegionID: regionID})
	}
}

// removeRegionHandler cancels tracking if it is still running, which also
// discards the region; finished regions are removed directly.
func removeRegionHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if cfg.Tracker == nil || !cfg.Tracker.Cancel(id) {
			cfg.Timeline.RemoveRegion(id)
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
