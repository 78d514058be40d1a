package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"golang.org/x/sync/errgroup"

	"github.com/heimdex/heimdex-editor/internal/api"
	"github.com/heimdex/heimdex-editor/internal/catalog"
	"github.com/heimdex/heimdex-editor/internal/config"
	"github.com/heimdex/heimdex-editor/internal/db"
	"github.com/heimdex/heimdex-editor/internal/edl"
	"github.com/heimdex/heimdex-editor/internal/export"
	"github.com/heimdex/heimdex-editor/internal/ffmpeg"
	"github.com/heimdex/heimdex-editor/internal/gpu"
	"github.com/heimdex/heimdex-editor/internal/logging"
	"github.com/heimdex/heimdex-editor/internal/media"
	"github.com/heimdex/heimdex-editor/internal/playback"
	"github.com/heimdex/heimdex-editor/internal/schedule"
	"github.com/heimdex/heimdex-editor/internal/segmentation"
	"github.com/heimdex/heimdex-editor/internal/ui"
)

var Version = "0.1.0"

// probe cache rows older than this are pruned at startup
const probeCacheRetention = 30 * 24 * time.Hour

func main() {
	if err := run(); err != nil {
		log.Fatalf("fatal error: %v", err)
	}
}

func run() error {
	startTime := time.Now()

	cfg, err := config.New()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	for _, dir := range []string{cfg.DataDir(), cfg.CacheDir(), cfg.ExportsDir()} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	logger := logging.NewLogger(cfg.LogLevel())
	logger.Info("starting heimdex editor", "version", Version, "data_dir", cfg.DataDir())

	lock := flock.New(cfg.LockPath())
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("another editor is already running (lock %s)", cfg.LockPath())
	}
	defer lock.Unlock()

	database, err := db.New(cfg.DBPath(), logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer database.Close()

	repo := catalog.NewRepository(database.Conn())
	if n, err := repo.PruneProbes(context.Background(), time.Now().Add(-probeCacheRetention)); err != nil {
		logger.Warn("failed to prune probe cache", "error", err)
	} else if n > 0 {
		logger.Info("pruned probe cache", "rows", n)
	}

	deviceID, err := ensureDeviceID(repo)
	if err != nil {
		return fmt.Errorf("failed to ensure device ID: %w", err)
	}

	authToken, err := ensureAuthToken(repo)
	if err != nil {
		return fmt.Errorf("failed to ensure auth token: %w", err)
	}

	fmt.Println()
	fmt.Println("╔═══════════════════════════════════════════════════════════╗")
	fmt.Printf("║                  HEIMDEX EDITOR v%-24s ║\n", Version)
	fmt.Println("╠═══════════════════════════════════════════════════════════╣")
	fmt.Printf("║  API URL:    http://127.0.0.1:%-27d ║\n", cfg.Port())
	fmt.Printf("║  Auth Token: %-45s ║\n", authToken[:16]+"...")
	fmt.Printf("║  Device ID:  %-45s ║\n", deviceID[:16]+"...")
	fmt.Println("╚═══════════════════════════════════════════════════════════╝")
	fmt.Println()

	tools, err := ffmpeg.Resolve(cfg.FFmpegPath(), cfg.FFprobePath())
	if err != nil {
		return fmt.Errorf("media tools unavailable: %w", err)
	}
	logger.Info("media tools located", "ffmpeg", tools.FFmpeg, "ffprobe", tools.FFprobe)

	prober := ffmpeg.NewProber(tools.FFprobe, logger)
	opener := ffmpeg.NewOpener(tools.FFmpeg, logger)
	encoders := ffmpeg.NewEncoderFactory(tools.FFmpeg, logger)

	sources := media.NewRegistry(media.RegistryConfig{
		Prober:       prober,
		Cache:        repo,
		ProbeTimeout: cfg.ProbeTimeout(),
		Logger:       logger,
	})
	timeline := edl.NewStore(sources, logger)
	device := gpu.NewDevice(logger)

	player := playback.NewSynchronizer(playback.Config{
		Timeline: timeline,
		Sources:  sources,
		Open: func(ctx context.Context, src media.Source, geom media.Geometry, clock schedule.Clock) (playback.Decoder, error) {
			dec, err := opener.Open(ctx, src, geom, clock)
			if err != nil {
				return nil, err
			}
			return dec, nil
		},
		Device:    device,
		RefreshHz: cfg.PreviewRefreshHz(),
		Logger:    logger,
	})

	compositor := export.NewCompositor(export.Config{
		Open: func(ctx context.Context, src media.Source, geom media.Geometry, clock schedule.Clock) (export.DecodeSession, error) {
			dec, err := opener.Open(ctx, src, geom, clock)
			if err != nil {
				return nil, err
			}
			return dec, nil
		},
		CreateSink: func(ctx context.Context, path, mime string, geom media.Geometry) (export.Sink, error) {
			enc, err := encoders.Create(ctx, path, mime, geom)
			if err != nil {
				return nil, err
			}
			return enc, nil
		},
		Formats: ffmpeg.NewFormats(tools.FFmpeg),
		Fixer:   ffmpeg.NewDurationFixer(tools.FFmpeg, prober, logger),
		NewScheduler: func(float64) schedule.Scheduler {
			return schedule.NewRealtime(cfg.ExportRefreshHz(), nil)
		},
		Device:        device,
		FallbackFPS:   cfg.FallbackFPS(),
		SeekThreshold: cfg.SeekThreshold().Seconds(),
		Logger:        logger,
	})
	exports := export.NewManager(compositor, repo, cfg.ExportsDir(), logger)

	serverCfg := api.ServerConfig{
		Port:        cfg.Port(),
		Repository:  repo,
		Sources:     sources,
		Timeline:    timeline,
		Player:      player,
		Exports:     exports,
		Files:       playback.NewFileServer(logger),
		UploadDir:   filepath.Join(cfg.CacheDir(), "uploads"),
		ProjectName: cfg.ProjectName(),
		FrameRate:   cfg.FallbackFPS(),
		Logger:      logger,
		StartTime:   startTime,
		DeviceID:    deviceID,
	}

	segCfg := segmentation.DefaultConfig(cfg.CacheDir(), logger)
	segCfg.PythonPath = cfg.SegmentPython()
	segCfg.ModuleName = cfg.SegmentModule()
	segCfg.DoctorTimeout = cfg.SegmentTimeoutDoctor()
	segCfg.PreviewTimeout = cfg.SegmentTimeoutPreview()
	segCfg.TrackTimeout = cfg.SegmentTimeoutTrack()

	var tracker *segmentation.Tracker
	seg, err := segmentation.NewSubprocessSegmenter(segCfg)
	if err != nil {
		logger.Warn("segmenter unavailable, color regions disabled", "error", err)
	} else {
		doctor := segmentation.NewCachedDoctor(seg, logger)

		initCtx, initCancel := context.WithTimeout(context.Background(), segCfg.DoctorTimeout)
		if caps, err := doctor.Refresh(initCtx); err != nil {
			logger.Warn("initial doctor probe failed", "error", err)
		} else {
			logger.Info("segmentation capabilities detected",
				"preview", caps.HasPreview,
				"tracking", caps.HasTracking,
				"deps", fmt.Sprintf("%d/%d", caps.Summary.Available, caps.Summary.Total),
			)
		}
		initCancel()

		tracker = segmentation.NewTracker(seg, timeline, sources, cfg.SegmentSampleFPS(), logger)
		serverCfg.Tracker = tracker
		serverCfg.Preview = segmentation.NewPreviewRequester(seg, segmentation.DefaultPreviewDebounce, logger)
		serverCfg.Doctor = doctor
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	apiServer := api.NewServer(serverCfg)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return player.Loop(gctx)
	})
	g.Go(func() error {
		return apiServer.Start()
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	quitCh := make(chan struct{})
	var quitOnce sync.Once
	quit := func() { quitOnce.Do(func() { close(quitCh) }) }

	go func() {
		select {
		case sig := <-sigCh:
			logger.Info("received shutdown signal", "signal", sig)
		case <-gctx.Done():
			logger.Warn("background service stopped", "error", context.Cause(gctx))
		case <-quitCh:
			return
		}
		quit()
	}()

	if cfg.Headless() {
		logger.Info("running in headless mode (no system tray)")
	} else {
		tray := ui.NewTray(ui.TrayConfig{
			History: timeline,
			Exports: exports,
			Player:  player,
			Logger:  logger,
			OnQuit:  quit,
		})
		go tray.Run()
	}

	<-quitCh

	logger.Info("initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shutdown HTTP server", "error", err)
	}
	if err := exports.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to stop export", "error", err)
	}
	if tracker != nil {
		if err := tracker.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to stop tracking", "error", err)
		}
	}
	cancel()
	if err := g.Wait(); err != nil {
		logger.Error("service exited with error", "error", err)
	}
	if err := player.Close(); err != nil {
		logger.Error("failed to close playback", "error", err)
	}
	if leaked := device.LiveByKind(); len(leaked) > 0 {
		logger.Warn("gpu objects still allocated at exit", "objects", leaked)
	}

	logger.Info("shutdown complete")
	return nil
}

func ensureDeviceID(repo catalog.Repository) (string, error) {
	ctx := context.Background()

	existing, err := repo.GetConfig(ctx, "device_id")
	if err == nil && existing != "" {
		return existing, nil
	}

	idBytes := make([]byte, 16)
	if _, err := rand.Read(idBytes); err != nil {
		return "", err
	}
	deviceID := hex.EncodeToString(idBytes)

	if err := repo.SetConfig(ctx, "device_id", deviceID); err != nil {
		return "", err
	}

	return deviceID, nil
}

func ensureAuthToken(repo catalog.Repository) (string, error) {
	ctx := context.Background()

	existing, err := repo.GetConfig(ctx, "auth_token")
	if err == nil && existing != "" {
		return existing, nil
	}

	tokenBytes := make([]byte, 32)
	if _, err := rand.Read(tokenBytes); err != nil {
		return "", err
	}
	token := hex.EncodeToString(tokenBytes)

	if err := repo.SetConfig(ctx, "auth_token", token); err != nil {
		return "", err
	}

	return token, nil
}
