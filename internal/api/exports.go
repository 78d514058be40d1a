package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/heimdex/heimdex-editor/internal/export"
	"github.com/heimdex/heimdex-editor/internal/logging"
)

func startExportHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req StartExportRequest
		if err := decodeJSON(r, &req); err != nil {
			WriteError(w, http.StatusBadRequest, "invalid request body", "BAD_REQUEST")
			return
		}
		name := export.SanitizeName(req.ProjectName, 120)
		if name == "" {
			name = cfg.ProjectName
		}

		rec, err := cfg.Exports.Start(export.Request{
			ProjectName: name,
			Clips:       cfg.Timeline.Clips(),
			Regions:     cfg.Timeline.Regions(),
			Sources:     cfg.Sources.List(),
		})
		if err != nil {
			writeExportError(cfg, w, err)
			return
		}
		WriteJSON(w, http.StatusAccepted, ExportToResponse(rec))
	}
}

func listExportsHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		recs, err := cfg.Exports.List(r.Context(), 50)
		if err != nil {
			WriteError(w, http.StatusInternalServerError, "failed to list exports", "INTERNAL_ERROR")
			return
		}
		resp := ExportsResponse{Exports: make([]ExportResponse, len(recs))}
		for i, rec := range recs {
			resp.Exports[i] = ExportToResponse(rec)
		}
		WriteJSON(w, http.StatusOK, resp)
	}
}

func getExportHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if rec, p, ok := cfg.Exports.Active(); ok && rec.ID == id {
			WriteJSON(w, http.StatusOK, activeExportResponse(rec, p))
			return
		}
		rec, err := cfg.Exports.Get(r.Context(), id)
		if err != nil {
			writeExportError(cfg, w, err)
			return
		}
		WriteJSON(w, http.StatusOK, ExportToResponse(rec))
	}
}

func cancelExportHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !cfg.Exports.Cancel(chi.URLParam(r, "id")) {
			WriteError(w, http.StatusConflict, "export is not running", "NOT_RUNNING")
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}
}

func deleteExportHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := cfg.Exports.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
			writeExportError(cfg, w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func downloadExportHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec, f, err := cfg.Exports.Open(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeExportError(cfg, w, err)
			return
		}
		f.Close()

		if err := cfg.Files.ServeFile(w, r, rec.OutputPath, rec.MimeType, rec.Filename); err != nil {
			cfg.Logger.Error("export download error", "error", err, "export_id", rec.ID)
		}
	}
}

func writeExportError(cfg ServerConfig, w http.ResponseWriter, err error) {
	var dirErr *export.OutputDirError
	switch {
	case errors.As(err, &dirErr):
		cfg.Logger.Error("export directory unusable",
			"dir", logging.SanitizePath(dirErr.Dir),
			"problem", dirErr.Problem.String(),
			"error", err,
		)
		if dirErr.Problem.Malformed() {
			WriteError(w, http.StatusInternalServerError, "export directory is misconfigured", "EXPORT_DIR_INVALID")
			return
		}
		WriteError(w, http.StatusServiceUnavailable, "export directory is unavailable", "EXPORT_DIR_UNAVAILABLE")
	case errors.Is(err, export.ErrNotFound):
		WriteError(w, http.StatusNotFound, err.Error(), "NOT_FOUND")
	case errors.Is(err, export.ErrNotReady):
		WriteError(w, http.StatusConflict, err.Error(), "NOT_READY")
	case errors.Is(err, export.ErrBusy):
		WriteError(w, http.StatusConflict, err.Error(), "EXPORT_BUSY")
	case errors.Is(err, export.ErrNoClips):
		WriteError(w, http.StatusUnprocessableEntity, err.Error(), "NO_CLIPS")
	case errors.Is(err, export.ErrNoValidSource):
		WriteError(w, http.StatusUnprocessableEntity, err.Error(), "NO_VALID_SOURCE")
	case errors.Is(err, export.ErrNoSupportedFormat):
		WriteError(w, http.StatusUnprocessableEntity, err.Error(), "NO_SUPPORTED_FORMAT")
	default:
		cfg.Logger.Error("export error", "error", err)
		WriteError(w, http.StatusInternalServerError, err.Error(), "INTERNAL_ERROR")
	}
}
