// Package media owns the loaded source media handles and their probed
// metadata. Sources are immutable once probed; clips refer to them by ID.
package media

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"time"
)

const fingerprintSize = 64 * 1024

// Source is a probed media file registered with the editor.
type Source struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	Path            string    `json:"path"`
	DurationSeconds float64   `json:"duration_seconds"`
	Width           int       `json:"width"`
	Height          int       `json:"height"`
	FrameRate       float64   `json:"frame_rate"`
	HasAudio        bool      `json:"has_audio"`
	Fingerprint     string    `json:"fingerprint"`
	CreatedAt       time.Time `json:"created_at"`

	// owned sources are backed by a file the registry created (an upload)
	// and removes when the source is released.
	owned bool
}

// HasDimensions reports whether the source has a usable frame size.
func (s Source) HasDimensions() bool {
	return s.Width > 0 && s.Height > 0
}

// ProbeResult is what a Prober learns about a media file.
type ProbeResult struct {
	DurationSeconds float64 `json:"duration_seconds"`
	Width           int     `json:"width"`
	Height          int     `json:"height"`
	FrameRate       float64 `json:"frame_rate"`
	HasAudio        bool    `json:"has_audio"`
}

// Prober inspects a media file. Implementations should honour ctx deadlines.
type Prober interface {
	Probe(ctx context.Context, path string) (*ProbeResult, error)
}

// ProbeCache remembers probe results for unchanged files.
type ProbeCache interface {
	GetProbe(ctx context.Context, path, fingerprint string) (*ProbeResult, error)
	PutProbe(ctx context.Context, path, fingerprint string, result *ProbeResult) error
}

// ProbeErrorKind classifies an ingestion failure.
type ProbeErrorKind string

const (
	ProbeTimeout     ProbeErrorKind = "timeout"
	ProbeCorrupt     ProbeErrorKind = "corrupt"
	ProbeUndecodable ProbeErrorKind = "undecodable"
	ProbeInvalid     ProbeErrorKind = "invalid"
)

// ProbeError is returned when a file cannot be ingested.
type ProbeError struct {
	Kind ProbeErrorKind
	Path string
	Err  error
}

func (e *ProbeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("probe %s: %s: %v", e.Path, e.Kind, e.Err)
	}
	return fmt.Sprintf("probe %s: %s", e.Path, e.Kind)
}

func (e *ProbeError) Unwrap() error { return e.Err }

// ErrorKind exposes the classification for status mapping.
func (e *ProbeError) ErrorKind() string { return string(e.Kind) }

// IsProbeError reports whether err is a ProbeError of the given kind.
func IsProbeError(err error, kind ProbeErrorKind) bool {
	var pe *ProbeError
	return errors.As(err, &pe) && pe.Kind == kind
}

func computeFingerprint(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	lr := io.LimitReader(f, fingerprintSize)
	if _, err := io.Copy(h, lr); err != nil {
		return "", err
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}
