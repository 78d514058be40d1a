package api

import (
	"time"

	"github.com/heimdex/heimdex-editor/internal/catalog"
	"github.com/heimdex/heimdex-editor/internal/edl"
	"github.com/heimdex/heimdex-editor/internal/export"
	"github.com/heimdex/heimdex-editor/internal/media"
	"github.com/heimdex/heimdex-editor/internal/playback"
)

type HealthResponse struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	UptimeS  int64  `json:"uptime_s"`
	DeviceID string `json:"device_id"`
}

type StatusResponse struct {
	State        string                      `json:"state"`
	LastError    string                      `json:"last_error,omitempty"`
	SourcesCount int                         `json:"sources_count"`
	ClipsCount   int                         `json:"clips_count"`
	Duration     float64                     `json:"duration_seconds"`
	ActiveExport *ExportResponse             `json:"active_export,omitempty"`
	Tracking     int                         `json:"regions_tracking"`
	Segmentation *SegmentationStatusResponse `json:"segmentation,omitempty"`
}

type SegmentationStatusResponse struct {
	HasPreview  bool   `json:"has_preview"`
	HasTracking bool   `json:"has_tracking"`
	Model       string `json:"model,omitempty"`
	LastProbeAt string `json:"last_probe_at,omitempty"`
	DepsAvail   int    `json:"deps_available"`
	DepsTotal   int    `json:"deps_total"`
}

type IngestRequest struct {
	Path string `json:"path"`
	Name string `json:"name,omitempty"`
}

type SourceResponse struct {
	ID              string  `json:"id"`
	Name            string  `json:"name"`
	DurationSeconds float64 `json:"duration_seconds"`
	Width           int     `json:"width"`
	Height          int     `json:"height"`
	FrameRate       float64 `json:"frame_rate"`
	HasAudio        bool    `json:"has_audio"`
	CreatedAt       string  `json:"created_at"`
}

type SourcesResponse struct {
	Sources []SourceResponse `json:"sources"`
}

type ClearResponse struct {
	Removed int `json:"removed"`
}

type AddClipRequest struct {
	SourceID string `json:"source_id"`
}

type AddClipResponse struct {
	ClipID string `json:"clip_id"`
}

type ReorderRequest struct {
	ActiveID string `json:"active_id"`
	OverID   string `json:"over_id"`
}

type TrimRequest struct {
	Edge  string  `json:"edge"` // "start" or "end"
	Value float64 `json:"value"`
}

type SplitRequest struct {
	At float64 `json:"at"`
}

type SplitResponse struct {
	ClipID string `json:"clip_id"`
}

type SelectRequest struct {
	ClipID string `json:"clip_id"`
}

type PlayheadResponse struct {
	Playhead float64 `json:"playhead_seconds"`
}

type TimelineResponse struct {
	edl.Snapshot
	Playhead float64 `json:"playhead_seconds"`
}

type HistoryResponse struct {
	Changed bool `json:"changed"`
	TimelineResponse
}

type SeekRequest struct {
	Time float64 `json:"time"`
}

type PlaybackResponse struct {
	playback.State
}

type PointRequest struct {
	X         float64  `json:"x"`
	Y         float64  `json:"y"`
	FrameTime *float64 `json:"frame_time,omitempty"`
}

type PreviewResponse struct {
	Width    int     `json:"width"`
	Height   int     `json:"height"`
	Coverage float64 `json:"coverage"`
}

type RegionResponse struct {
	RegionID string `json:"region_id"`
}

type StartExportRequest struct {
	ProjectName string `json:"project_name,omitempty"`
}

type ExportResponse struct {
	ID              string  `json:"id"`
	Status          string  `json:"status"`
	Filename        string  `json:"filename"`
	MimeType        string  `json:"mime_type"`
	ClipCount       int     `json:"clip_count"`
	DurationSeconds float64 `json:"duration_seconds"`
	Progress        float64 `json:"progress"`
	Elapsed         float64 `json:"elapsed_seconds,omitempty"`
	SizeBytes       int64   `json:"size_bytes,omitempty"`
	Error           string  `json:"error,omitempty"`
	CreatedAt       string  `json:"created_at"`
	UpdatedAt       string  `json:"updated_at"`
}

type ExportsResponse struct {
	Exports []ExportResponse `json:"exports"`
}

type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func SourceToResponse(s media.Source) SourceResponse {
	return SourceResponse{
		ID:              s.ID,
		Name:            s.Name,
		DurationSeconds: s.DurationSeconds,
		Width:           s.Width,
		Height:          s.Height,
		FrameRate:       s.FrameRate,
		HasAudio:        s.HasAudio,
		CreatedAt:       s.CreatedAt.Format(time.RFC3339),
	}
}

func ExportToResponse(r *catalog.ExportRecord) ExportResponse {
	return ExportResponse{
		ID:              r.ID,
		Status:          r.Status,
		Filename:        r.Filename,
		MimeType:        r.MimeType,
		ClipCount:       r.ClipCount,
		DurationSeconds: r.DurationSeconds,
		Progress:        r.Progress,
		SizeBytes:       r.SizeBytes,
		Error:           r.Error,
		CreatedAt:       r.CreatedAt.Format(time.RFC3339),
		UpdatedAt:       r.UpdatedAt.Format(time.RFC3339),
	}
}

// activeExportResponse overlays live progress on the running record.
func activeExportResponse(rec catalog.ExportRecord, p export.Progress) ExportResponse {
	resp := ExportToResponse(&rec)
	resp.Progress = p.Percentage
	resp.Elapsed = p.Elapsed
	return resp
}
