package api

import (
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/heimdex/heimdex-editor/internal/catalog"
	"github.com/heimdex/heimdex-editor/internal/export"
	"github.com/heimdex/heimdex-editor/internal/media"
)

func listSourcesHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sources := cfg.Sources.List()
		resp := SourcesResponse{Sources: make([]SourceResponse, len(sources))}
		for i, s := range sources {
			resp.Sources[i] = SourceToResponse(s)
		}
		WriteJSON(w, http.StatusOK, resp)
	}
}

func ingestSourceHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req IngestRequest
		if err := decodeJSON(r, &req); err != nil {
			WriteError(w, http.StatusBadRequest, "invalid request body", "BAD_REQUEST")
			return
		}
		if req.Path == "" {
			WriteError(w, http.StatusBadRequest, "path is required", "BAD_REQUEST")
			return
		}
		if !catalog.IsVideoFile(req.Path) {
			WriteError(w, http.StatusBadRequest, "unsupported file type", "UNSUPPORTED_MEDIA")
			return
		}

		src, err := cfg.Sources.Ingest(r.Context(), req.Path, req.Name)
		if err != nil {
			writeIngestError(w, err)
			return
		}
		WriteJSON(w, http.StatusCreated, SourceToResponse(*src))
	}
}

// uploadSourceHandler accepts the raw file as the request body and spools it
// into the upload directory. The registry owns the spooled file from then on.
func uploadSourceHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := export.SanitizeName(r.URL.Query().Get("name"), 160)
		if name == "" {
			name = "upload"
		}
		ext := filepath.Ext(name)
		if ext == "" {
			ext = ".mp4"
		}

		if err := os.MkdirAll(cfg.UploadDir, 0o755); err != nil {
			cfg.Logger.Error("cannot create upload dir", "error", err)
			WriteError(w, http.StatusInternalServerError, "upload storage unavailable", "INTERNAL_ERROR")
			return
		}
		f, err := os.CreateTemp(cfg.UploadDir, "upload-*"+ext)
		if err != nil {
			WriteError(w, http.StatusInternalServerError, "upload storage unavailable", "INTERNAL_ERROR")
			return
		}
		_, copyErr := io.Copy(f, r.Body)
		closeErr := f.Close()
		if copyErr != nil || closeErr != nil {
			os.Remove(f.Name())
			WriteError(w, http.StatusBadRequest, "upload interrupted", "BAD_REQUEST")
			return
		}

		src, err := cfg.Sources.IngestOwned(r.Context(), f.Name(), name)
		if err != nil {
			writeIngestError(w, err)
			return
		}
		WriteJSON(w, http.StatusCreated, SourceToResponse(*src))
	}
}

func writeIngestError(w http.ResponseWriter, err error) {
	var pe *media.ProbeError
	if errors.As(err, &pe) {
		WriteError(w, http.StatusUnprocessableEntity, err.Error(), "PROBE_"+strings.ToUpper(string(pe.Kind)))
		return
	}
	WriteError(w, http.StatusBadRequest, err.Error(), "BAD_REQUEST")
}

// removeSourceHandler drops a source together with the clips that use it.
func removeSourceHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if _, ok := cfg.Sources.Lookup(id); !ok {
			WriteError(w, http.StatusNotFound, "source not found", "NOT_FOUND")
			return
		}

		for _, c := range cfg.Timeline.Clips() {
			if c.SourceID == id {
				cfg.Timeline.RemoveClip(c.ID)
			}
		}
		cfg.Player.Forget(id)
		cfg.Sources.Remove(id)
		w.WriteHeader(http.StatusNoContent)
	}
}

// clearSourcesHandler releases every source and resets the timeline, since
// no clip can outlive its source.
func clearSourcesHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cfg.Player.Pause()
		for _, s := range cfg.Sources.List() {
			cfg.Player.Forget(s.ID)
		}
		cfg.Timeline.Reset()
		n := cfg.Sources.Clear()
		WriteJSON(w, http.StatusOK, ClearResponse{Removed: n})
	}
}

func sourceFileHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		src, ok := cfg.Sources.Lookup(chi.URLParam(r, "id"))
		if !ok {
			WriteError(w, http.StatusNotFound, "source not found", "NOT_FOUND")
			return
		}
		if err := cfg.Files.ServeFile(w, r, src.Path, "", ""); err != nil {
			cfg.Logger.Error("source file error", "error", err, "source_id", src.ID)
		}
	}
}
