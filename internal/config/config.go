// Package config provides configuration management for the Heimdex Editor agent.
// Configuration is loaded from an optional TOML settings file in the data
// directory and from environment variables, which take precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/pelletier/go-toml/v2"
)

const (
	// Default values
	DefaultPort     = 8797
	DefaultLogLevel = "info"
	DefaultDataDir  = ".heimdex-editor"

	// Environment variable names
	EnvPort     = "HEIMDEX_EDITOR_PORT"
	EnvLogLevel = "HEIMDEX_EDITOR_LOG_LEVEL"
	EnvDataDir  = "HEIMDEX_EDITOR_DATA_DIR"
	EnvHeadless = "HEIMDEX_EDITOR_HEADLESS"
	EnvFFmpeg   = "HEIMDEX_EDITOR_FFMPEG"
	EnvFFprobe  = "HEIMDEX_EDITOR_FFPROBE"

	// Segmentation environment variable names
	EnvSegmentPython = "HEIMDEX_EDITOR_SEGMENT_PYTHON"
	EnvSegmentModule = "HEIMDEX_EDITOR_SEGMENT_MODULE"

	// File names inside the data directory
	DBFilename       = "editor.db"
	SettingsFilename = "editor.toml"
	LockFilename     = "editor.lock"

	// Export defaults
	DefaultProjectName     = "heimdex_export"
	DefaultFallbackFPS     = 30.0
	DefaultSeekThresholdMs = 250
	DefaultExportRefreshHz = 60.0

	// Preview defaults
	DefaultPreviewRefreshHz = 60.0

	// Segmentation defaults
	DefaultSegmentModule         = "heimdex_segment"
	DefaultSegmentSampleFPS      = 5.0
	DefaultSegmentTimeoutPreview = 20   // seconds
	DefaultSegmentTimeoutTrack   = 1800 // 30 minutes
	DefaultSegmentTimeoutDoctor  = 30   // seconds

	// Ingestion defaults
	DefaultProbeTimeout = 15 // seconds
)

// Config defines the application configuration interface
type Config interface {
	Port() int
	LogLevel() string
	DataDir() string
	DBPath() string
	CacheDir() string
	ExportsDir() string
	LockPath() string
	Headless() bool
	FFmpegPath() string
	FFprobePath() string
	ProbeTimeout() time.Duration
	ProjectName() string
	FallbackFPS() float64
	SeekThreshold() time.Duration
	ExportRefreshHz() float64
	PreviewRefreshHz() float64
	SegmentPython() string
	SegmentModule() string
	SegmentSampleFPS() float64
	SegmentTimeoutPreview() time.Duration
	SegmentTimeoutTrack() time.Duration
	SegmentTimeoutDoctor() time.Duration
}

// Settings mirrors editor.toml. Zero values fall back to defaults.
type Settings struct {
	Export       ExportSettings       `toml:"export"`
	Preview      PreviewSettings      `toml:"preview"`
	Segmentation SegmentationSettings `toml:"segmentation"`
	Tools        ToolSettings         `toml:"tools"`
}

type ExportSettings struct {
	ProjectName     string  `toml:"project_name"`
	FallbackFPS     float64 `toml:"fallback_fps"`
	SeekThresholdMs int     `toml:"seek_threshold_ms"`
	RefreshHz       float64 `toml:"refresh_hz"`
}

type PreviewSettings struct {
	RefreshHz float64 `toml:"refresh_hz"`
}

type SegmentationSettings struct {
	Python    string  `toml:"python"`
	Module    string  `toml:"module"`
	SampleFPS float64 `toml:"sample_fps"`
}

type ToolSettings struct {
	FFmpeg              string `toml:"ffmpeg"`
	FFprobe             string `toml:"ffprobe"`
	ProbeTimeoutSeconds int    `toml:"probe_timeout_seconds"`
}

// EnvConfig reads configuration from the settings file and environment variables
type EnvConfig struct {
	port     int
	logLevel string
	dataDir  string
	headless bool

	settings Settings
}

// New creates a new EnvConfig with defaults, settings file values and
// environment variable overrides
func New() (*EnvConfig, error) {
	cfg := &EnvConfig{
		port:     DefaultPort,
		logLevel: DefaultLogLevel,
		dataDir:  defaultDataDir(),
	}

	// Override data directory from environment first; the settings file lives there
	if dd := os.Getenv(EnvDataDir); dd != "" {
		cfg.dataDir = dd
	}

	settings, err := LoadSettings(filepath.Join(cfg.dataDir, SettingsFilename))
	if err != nil {
		return nil, err
	}
	cfg.settings = settings

	// Override port from environment
	if p := os.Getenv(EnvPort); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", EnvPort, err)
		}
		if port < 1 || port > 65535 {
			return nil, fmt.Errorf("invalid %s: port must be between 1 and 65535", EnvPort)
		}
		cfg.port = port
	}

	// Override log level from environment
	if ll := os.Getenv(EnvLogLevel); ll != "" {
		cfg.logLevel = ll
	}

	if h := os.Getenv(EnvHeadless); h != "" {
		headless, err := strconv.ParseBool(h)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", EnvHeadless, err)
		}
		cfg.headless = headless
	}

	if v := os.Getenv(EnvFFmpeg); v != "" {
		cfg.settings.Tools.FFmpeg = v
	}
	if v := os.Getenv(EnvFFprobe); v != "" {
		cfg.settings.Tools.FFprobe = v
	}
	if v := os.Getenv(EnvSegmentPython); v != "" {
		cfg.settings.Segmentation.Python = v
	}
	if v := os.Getenv(EnvSegmentModule); v != "" {
		cfg.settings.Segmentation.Module = v
	}

	return cfg, nil
}

// LoadSettings parses a TOML settings file. A missing file yields zero settings.
func LoadSettings(path string) (Settings, error) {
	var s Settings

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return s, nil
		}
		return s, fmt.Errorf("read settings: %w", err)
	}

	if err := toml.Unmarshal(data, &s); err != nil {
		return s, fmt.Errorf("parse settings %s: %w", filepath.Base(path), err)
	}
	return s, nil
}

// Port returns the HTTP server port
func (c *EnvConfig) Port() int {
	return c.port
}

// LogLevel returns the log level (debug, info, warn, error)
func (c *EnvConfig) LogLevel() string {
	return c.logLevel
}

// DataDir returns the data directory path
func (c *EnvConfig) DataDir() string {
	return c.dataDir
}

// DBPath returns the full path to the SQLite database file
func (c *EnvConfig) DBPath() string {
	return filepath.Join(c.dataDir, DBFilename)
}

// CacheDir returns the cache directory path, used for uploaded source blobs
func (c *EnvConfig) CacheDir() string {
	return filepath.Join(c.dataDir, "cache")
}

// ExportsDir returns the directory finished exports are written to
func (c *EnvConfig) ExportsDir() string {
	return filepath.Join(c.dataDir, "exports")
}

// LockPath returns the single-instance lock file path
func (c *EnvConfig) LockPath() string {
	return filepath.Join(c.dataDir, LockFilename)
}

// Headless reports whether the tray UI is disabled
func (c *EnvConfig) Headless() bool {
	return c.headless
}

func (c *EnvConfig) FFmpegPath() string {
	if c.settings.Tools.FFmpeg != "" {
		return c.settings.Tools.FFmpeg
	}
	return "ffmpeg"
}

func (c *EnvConfig) FFprobePath() string {
	if c.settings.Tools.FFprobe != "" {
		return c.settings.Tools.FFprobe
	}
	return "ffprobe"
}

func (c *EnvConfig) ProbeTimeout() time.Duration {
	if s := c.settings.Tools.ProbeTimeoutSeconds; s > 0 {
		return time.Duration(s) * time.Second
	}
	return time.Duration(DefaultProbeTimeout) * time.Second
}

func (c *EnvConfig) ProjectName() string {
	if c.settings.Export.ProjectName != "" {
		return c.settings.Export.ProjectName
	}
	return DefaultProjectName
}

func (c *EnvConfig) FallbackFPS() float64 {
	if c.settings.Export.FallbackFPS > 0 {
		return c.settings.Export.FallbackFPS
	}
	return DefaultFallbackFPS
}

func (c *EnvConfig) SeekThreshold() time.Duration {
	ms := c.settings.Export.SeekThresholdMs
	if ms <= 0 {
		ms = DefaultSeekThresholdMs
	}
	return time.Duration(ms) * time.Millisecond
}

func (c *EnvConfig) ExportRefreshHz() float64 {
	if c.settings.Export.RefreshHz > 0 {
		return c.settings.Export.RefreshHz
	}
	return DefaultExportRefreshHz
}

func (c *EnvConfig) PreviewRefreshHz() float64 {
	if c.settings.Preview.RefreshHz > 0 {
		return c.settings.Preview.RefreshHz
	}
	return DefaultPreviewRefreshHz
}

func (c *EnvConfig) SegmentPython() string {
	return c.settings.Segmentation.Python
}

func (c *EnvConfig) SegmentModule() string {
	if c.settings.Segmentation.Module != "" {
		return c.settings.Segmentation.Module
	}
	return DefaultSegmentModule
}

func (c *EnvConfig) SegmentSampleFPS() float64 {
	if c.settings.Segmentation.SampleFPS > 0 {
		return c.settings.Segmentation.SampleFPS
	}
	return DefaultSegmentSampleFPS
}

func (c *EnvConfig) SegmentTimeoutPreview() time.Duration {
	return time.Duration(DefaultSegmentTimeoutPreview) * time.Second
}

func (c *EnvConfig) SegmentTimeoutTrack() time.Duration {
	return time.Duration(DefaultSegmentTimeoutTrack) * time.Second
}

func (c *EnvConfig) SegmentTimeoutDoctor() time.Duration {
	return time.Duration(DefaultSegmentTimeoutDoctor) * time.Second
}

// defaultDataDir returns the default data directory path
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		// Fallback to current directory if home is not available
		return DefaultDataDir
	}
	return filepath.Join(home, DefaultDataDir)
}

// Version information (set at build time via ldflags)
var (
	Version   = "0.1.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)
