// Package catalog persists the editor's durable state: agent configuration,
// cached probe results and the export history.
package catalog

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/heimdex/heimdex-editor/internal/media"
)

const (
	ExportStatusExporting = "exporting"
	ExportStatusComplete  = "complete"
	ExportStatusError     = "error"
	ExportStatusCancelled = "cancelled"
)

const (
	ConfigKeyAuthToken = "auth_token"
	ConfigKeyDeviceID  = "device_id"
)

// ExportRecord is one row of the export history.
type ExportRecord struct {
	ID              string    `json:"id"`
	Status          string    `json:"status"`
	Filename        string    `json:"filename"`
	MimeType        string    `json:"mime_type"`
	OutputPath      string    `json:"-"`
	ClipCount       int       `json:"clip_count"`
	DurationSeconds float64   `json:"duration_seconds"`
	Progress        float64   `json:"progress"`
	SizeBytes       int64     `json:"size_bytes"`
	Error           string    `json:"error,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Finished reports whether the export reached a terminal state.
func (r *ExportRecord) Finished() bool {
	return r.Status != ExportStatusExporting
}

// ProbeEntry is a cached probe keyed by path and content fingerprint.
type ProbeEntry struct {
	Path        string
	Fingerprint string
	Result      media.ProbeResult
	ProbedAt    time.Time
}

type ConfigEntry struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// VideoExtensions lists the container extensions accepted for ingest by path.
var VideoExtensions = map[string]bool{
	".mp4":  true,
	".mov":  true,
	".mkv":  true,
	".webm": true,
	".m4v":  true,
}

func IsVideoFile(filename string) bool {
	return VideoExtensions[strings.ToLower(filepath.Ext(filename))]
}
