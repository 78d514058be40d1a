package api

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/heimdex/heimdex-editor/internal/catalog"
	"github.com/heimdex/heimdex-editor/internal/edl"
	"github.com/heimdex/heimdex-editor/internal/export"
	"github.com/heimdex/heimdex-editor/internal/mask"
	"github.com/heimdex/heimdex-editor/internal/media"
	"github.com/heimdex/heimdex-editor/internal/playback"
	"github.com/heimdex/heimdex-editor/internal/segmentation"
)

// SourceRegistry is the loaded media library. *media.Registry satisfies it.
type SourceRegistry interface {
	Ingest(ctx context.Context, path, name string) (*media.Source, error)
	IngestOwned(ctx context.Context, path, name string) (*media.Source, error)
	Lookup(id string) (media.Source, bool)
	List() []media.Source
	Remove(id string)
	Clear() int
}

// Player controls preview playback. *playback.Synchronizer satisfies it.
type Player interface {
	State() playback.State
	Play(ctx context.Context) error
	Pause()
	Seek(ctx context.Context, t float64) error
	Frame() (*image.RGBA, error)
	FrameWithCandidate(candidate *mask.Data) (*image.RGBA, error)
	SourceFrame() (playback.SourceFrame, error)
	Forget(sourceID string)
}

// Exporter runs and records exports. *export.Manager satisfies it.
type Exporter interface {
	Start(req export.Request) (*catalog.ExportRecord, error)
	Active() (catalog.ExportRecord, export.Progress, bool)
	Cancel(id string) bool
	Get(ctx context.Context, id string) (*catalog.ExportRecord, error)
	List(ctx context.Context, limit int) ([]*catalog.ExportRecord, error)
	Open(ctx context.Context, id string) (*catalog.ExportRecord, *os.File, error)
	Delete(ctx context.Context, id string) error
}

// RegionTracker starts and stops subject tracking. *segmentation.Tracker
// satisfies it.
type RegionTracker interface {
	Start(ctx context.Context, clipID string, pt segmentation.Point, frameTime float64) (string, error)
	Cancel(regionID string) bool
	Active() []string
}

// Previewer produces candidate masks. *segmentation.PreviewRequester
// satisfies it.
type Previewer interface {
	Do(ctx context.Context, frame image.Image, pt segmentation.Point) (*mask.Data, error)
	Latest() *segmentation.Preview
	Clear()
}

// CapabilityProbe reports what the segmentation module can do.
type CapabilityProbe interface {
	Get(ctx context.Context) (*segmentation.Capabilities, error)
}

// FileServer streams files with Range support. *playback.FileServer
// satisfies it.
type FileServer interface {
	ServeFile(w http.ResponseWriter, r *http.Request, path, contentType, downloadName string) error
}

type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

type ServerConfig struct {
	Port        int
	Repository  TokenStore
	Sources     SourceRegistry
	Timeline    *edl.Store
	Player      Player
	Exports     Exporter
	Tracker     RegionTracker
	Preview     Previewer
	Doctor      CapabilityProbe
	Files       FileServer
	UploadDir   string
	ProjectName string
	FrameRate   float64 // for interchange EDLs; 0 means 30
	Logger      *slog.Logger
	StartTime   time.Time
	DeviceID    string
}

func NewServer(cfg ServerConfig) *Server {
	router := NewRouter(cfg)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf("127.0.0.1:%d", cfg.Port),
			Handler:      router,
			ReadHeaderTimeout: 15 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		logger: cfg.Logger,
	}
}

func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", "addr", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) Addr() string {
	return s.httpServer.Addr
}
