package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/heimdex/heimdex-editor/internal/catalog"
)

const maxJSONBody = 1 << 20

func NewRouter(cfg ServerConfig) *chi.Mux {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware())
	r.Use(RecoveryMiddleware(cfg.Logger))
	r.Use(CORSAllowlist())
	r.Use(LoggingMiddleware(cfg.Logger))

	r.Get("/health", healthHandler(cfg))

	r.Group(func(r chi.Router) {
		r.Use(LoopbackGuard())
		r.Use(AuthMiddleware(cfg.Repository, cfg.Logger))

		r.Get("/status", statusHandler(cfg))

		r.Route("/sources", func(r chi.Router) {
			r.Get("/", listSourcesHandler(cfg))
			r.Post("/", ingestSourceHandler(cfg))
			r.Post("/upload", uploadSourceHandler(cfg))
			r.Delete("/", clearSourcesHandler(cfg))
			r.Delete("/{id}", removeSourceHandler(cfg))
			r.Get("/{id}/file", sourceFileHandler(cfg))
			r.Head("/{id}/file", sourceFileHandler(cfg))
		})

		r.Route("/timeline", func(r chi.Router) {
			r.Get("/", timelineHandler(cfg))
			r.Delete("/", clearTimelineHandler(cfg))
			r.Get("/edl", interchangeHandler(cfg))
			r.Post("/clips", addClipHandler(cfg))
			r.Post("/reorder", reorderHandler(cfg))
			r.Delete("/clips/{id}", removeClipHandler(cfg))
			r.Post("/clips/{id}/trim", trimClipHandler(cfg))
			r.Post("/clips/{id}/split", splitClipHandler(cfg))
			r.Post("/select", selectHandler(cfg))
			r.Post("/undo", undoHandler(cfg))
			r.Post("/redo", redoHandler(cfg))

			r.Post("/preview", previewMaskHandler(cfg))
			r.Delete("/preview", clearPreviewHandler(cfg))
			r.Post("/clips/{id}/regions", startRegionHandler(cfg))
			r.Delete("/regions/{id}", removeRegionHandler(cfg))
		})

		r.Route("/playback", func(r chi.Router) {
			r.Get("/", playbackStateHandler(cfg))
			r.Post("/play", playHandler(cfg))
			r.Post("/pause", pauseHandler(cfg))
			r.Post("/seek", seekHandler(cfg))
			r.Get("/frame", frameHandler(cfg))
		})

		r.Route("/exports", func(r chi.Router) {
			r.Get("/", listExportsHandler(cfg))
			r.Post("/", startExportHandler(cfg))
			r.Get("/{id}", getExportHandler(cfg))
			r.Post("/{id}/cancel", cancelExportHandler(cfg))
			r.Delete("/{id}", deleteExportHandler(cfg))
			r.Get("/{id}/file", downloadExportHandler(cfg))
			r.Head("/{id}/file", downloadExportHandler(cfg))
		})
	})

	return r
}

func healthHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uptime := int64(time.Since(cfg.StartTime).Seconds())
		WriteJSON(w, http.StatusOK, HealthResponse{
			Status:   "ok",
			Version:  "0.1.0",
			UptimeS:  uptime,
			DeviceID: cfg.DeviceID,
		})
	}
}

func statusHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		resp := StatusResponse{
			State:        "idle",
			SourcesCount: len(cfg.Sources.List()),
			ClipsCount:   len(cfg.Timeline.Clips()),
			Duration:     cfg.Timeline.Duration(),
		}

		if cfg.Player != nil && cfg.Player.State().IsPlaying {
			resp.State = "playing"
		}
		if cfg.Tracker != nil {
			resp.Tracking = len(cfg.Tracker.Active())
		}

		if rec, p, ok := cfg.Exports.Active(); ok {
			active := activeExportResponse(rec, p)
			resp.ActiveExport = &active
			resp.State = "exporting"
		} else if recent, err := cfg.Exports.List(ctx, 1); err == nil && len(recent) > 0 {
			if recent[0].Status == catalog.ExportStatusError {
				resp.State = "error"
				resp.LastError = recent[0].Error
			}
		}

		if cfg.Doctor != nil {
			caps, err := cfg.Doctor.Get(ctx)
			if err == nil && caps != nil {
				seg := &SegmentationStatusResponse{
					HasPreview:  caps.HasPreview,
					HasTracking: caps.HasTracking,
					Model:       caps.Model,
					DepsAvail:   caps.Summary.Available,
					DepsTotal:   caps.Summary.Total,
				}
				if !caps.ProbedAt.IsZero() {
					seg.LastProbeAt = caps.ProbedAt.Format(time.RFC3339)
				}
				resp.Segmentation = seg
			}
		}

		WriteJSON(w, http.StatusOK, resp)
	}
}

// decodeJSON reads a bounded JSON body into v. An empty body leaves v as is.
func decodeJSON(r *http.Request, v any) error {
	err := json.NewDecoder(io.LimitReader(r.Body, maxJSONBody)).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}
