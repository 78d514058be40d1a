package api

import (
	"bytes"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/heimdex/heimdex-editor/internal/export"
)

func timelineResponse(cfg ServerConfig) TimelineResponse {
	return TimelineResponse{Snapshot: cfg.Timeline.Snapshot(), Playhead: cfg.Timeline.Playhead()}
}

func timelineHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, timelineResponse(cfg))
	}
}

func clearTimelineHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cfg.Timeline.ClearClips()
		WriteJSON(w, http.StatusOK, timelineResponse(cfg))
	}
}

func addClipHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req AddClipRequest
		if err := decodeJSON(r, &req); err != nil || req.SourceID == "" {
			WriteError(w, http.StatusBadRequest, "source_id is required", "BAD_REQUEST")
			return
		}
		id, ok := cfg.Timeline.AddClip(req.SourceID)
		if !ok {
			WriteError(w, http.StatusNotFound, "source not found", "NOT_FOUND")
			return
		}
		WriteJSON(w, http.StatusCreated, AddClipResponse{ClipID: id})
	}
}

// Edits with unknown ids are no-ops; the handlers report the resulting
// timeline either way.

func removeClipHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cfg.Timeline.RemoveClip(chi.URLParam(r, "id"))
		WriteJSON(w, http.StatusOK, timelineResponse(cfg))
	}
}

func reorderHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ReorderRequest
		if err := decodeJSON(r, &req); err != nil {
			WriteError(w, http.StatusBadRequest, "invalid request body", "BAD_REQUEST")
			return
		}
		cfg.Timeline.ReorderClips(req.ActiveID, req.OverID)
		WriteJSON(w, http.StatusOK, timelineResponse(cfg))
	}
}

func trimClipHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req TrimRequest
		if err := decodeJSON(r, &req); err != nil {
			WriteError(w, http.StatusBadRequest, "invalid request body", "BAD_REQUEST")
			return
		}
		id := chi.URLParam(r, "id")
		switch req.Edge {
		case "start":
			cfg.Timeline.TrimClipStart(id, req.Value)
		case "end":
			cfg.Timeline.TrimClipEnd(id, req.Value)
		default:
			WriteError(w, http.StatusBadRequest, "edge must be start or end", "BAD_REQUEST")
			return
		}
		WriteJSON(w, http.StatusOK, timelineResponse(cfg))
	}
}

func splitClipHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req SplitRequest
		if err := decodeJSON(r, &req); err != nil {
			WriteError(w, http.StatusBadRequest, "invalid request body", "BAD_REQUEST")
			return
		}
		rightID, ok := cfg.Timeline.SplitClip(chi.URLParam(r, "id"), req.At)
		if !ok {
			WriteError(w, http.StatusUnprocessableEntity, "cannot split there", "INVALID_SPLIT")
			return
		}
		WriteJSON(w, http.StatusOK, SplitResponse{ClipID: rightID})
	}
}

func selectHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req SelectRequest
		if err := decodeJSON(r, &req); err != nil {
			WriteError(w, http.StatusBadRequest, "invalid request body", "BAD_REQUEST")
			return
		}
		cfg.Timeline.Select(req.ClipID)
		WriteJSON(w, http.StatusOK, timelineResponse(cfg))
	}
}

func undoHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		changed := cfg.Timeline.Undo()
		WriteJSON(w, http.StatusOK, HistoryResponse{Changed: changed, TimelineResponse: timelineResponse(cfg)})
	}
}

func redoHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		changed := cfg.Timeline.Redo()
		WriteJSON(w, http.StatusOK, HistoryResponse{Changed: changed, TimelineResponse: timelineResponse(cfg)})
	}
}

// interchangeHandler renders the timeline as a CMX3600 edit decision list
// for hand-off to other editors.
func interchangeHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		clips := cfg.Timeline.Clips()
		if len(clips) == 0 {
			WriteError(w, http.StatusUnprocessableEntity, "timeline is empty", "NO_CLIPS")
			return
		}

		title := export.SanitizeName(r.URL.Query().Get("title"), 120)
		if title == "" {
			title = cfg.ProjectName
		}
		if title == "" {
			title = export.DefaultProjectName
		}

		var buf bytes.Buffer
		if err := export.WriteCMX3600(&buf, title, clips, cfg.Sources.List(), cfg.FrameRate); err != nil {
			cfg.Logger.Error("failed to render edl", "error", err)
			WriteError(w, http.StatusInternalServerError, "failed to render edl", "INTERNAL_ERROR")
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Header().Set("Content-Disposition", `attachment; filename="`+title+`.edl"`)
		w.Write(buf.Bytes())
	}
}
