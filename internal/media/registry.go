package media

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/heimdex/heimdex-editor/internal/logging"
)

// DefaultProbeTimeout bounds a single ingestion probe.
const DefaultProbeTimeout = 15 * time.Second

// RegistryConfig holds the registry's collaborators.
type RegistryConfig struct {
	Prober       Prober
	Cache        ProbeCache // optional
	ProbeTimeout time.Duration
	Logger       *slog.Logger
}

// Registry owns the loaded sources. It is safe for concurrent use; readers
// receive copies.
type Registry struct {
	prober  Prober
	cache   ProbeCache
	timeout time.Duration
	logger  *slog.Logger

	mu      sync.RWMutex
	sources map[string]*Source
	order   []string
}

func NewRegistry(cfg RegistryConfig) *Registry {
	timeout := cfg.ProbeTimeout
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	return &Registry{
		prober:  cfg.Prober,
		cache:   cfg.Cache,
		timeout: timeout,
		logger:  logging.WithComponent(logging.OrDiscard(cfg.Logger), "sources"),
		sources: make(map[string]*Source),
	}
}

// Ingest probes the file at path and registers it. A failed probe never
// registers anything.
func (r *Registry) Ingest(ctx context.Context, path, name string) (*Source, error) {
	return r.ingest(ctx, path, name, false)
}

// IngestOwned is Ingest for a file the caller hands over to the registry,
// such as an upload spooled to disk. The file is removed when the source is
// released or when ingestion fails.
func (r *Registry) IngestOwned(ctx context.Context, path, name string) (*Source, error) {
	src, err := r.ingest(ctx, path, name, true)
	if err != nil {
		os.Remove(path)
	}
	return src, err
}

func (r *Registry) ingest(ctx context.Context, path, name string, owned bool) (*Source, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("invalid path: %w", err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("path does not exist: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("path is a directory")
	}
	if info.Size() == 0 {
		return nil, &ProbeError{Kind: ProbeCorrupt, Path: filepath.Base(absPath), Err: errors.New("empty file")}
	}

	fingerprint, err := computeFingerprint(absPath)
	if err != nil {
		return nil, fmt.Errorf("fingerprint: %w", err)
	}

	result := r.cached(ctx, absPath, fingerprint)
	if result == nil {
		result, err = r.probe(ctx, absPath)
		if err != nil {
			r.logger.Warn("source probe failed", "path", logging.SanitizePath(absPath), "error", err)
			return nil, err
		}
		if r.cache != nil {
			if err := r.cache.PutProbe(ctx, absPath, fingerprint, result); err != nil {
				r.logger.Warn("failed to cache probe result", "error", err)
			}
		}
	}

	if name == "" {
		name = filepath.Base(absPath)
	}

	src := &Source{
		ID:              uuid.NewString(),
		Name:            name,
		Path:            absPath,
		DurationSeconds: result.DurationSeconds,
		Width:           result.Width,
		Height:          result.Height,
		FrameRate:       result.FrameRate,
		HasAudio:        result.HasAudio,
		Fingerprint:     fingerprint,
		CreatedAt:       time.Now(),
		owned:           owned,
	}

	r.mu.Lock()
	r.sources[src.ID] = src
	r.order = append(r.order, src.ID)
	r.mu.Unlock()

	r.logger.Info("source registered",
		"source_id", src.ID,
		"duration", src.DurationSeconds,
		"width", src.Width,
		"height", src.Height,
		"fps", src.FrameRate,
	)

	out := *src
	return &out, nil
}

func (r *Registry) cached(ctx context.Context, path, fingerprint string) *ProbeResult {
	if r.cache == nil {
		return nil
	}
	result, err := r.cache.GetProbe(ctx, path, fingerprint)
	if err != nil {
		r.logger.Warn("probe cache lookup failed", "error", err)
		return nil
	}
	if result != nil && validate(result) != nil {
		return nil
	}
	return result
}

func (r *Registry) probe(ctx context.Context, path string) (*ProbeResult, error) {
	if r.prober == nil {
		return nil, &ProbeError{Kind: ProbeUndecodable, Path: filepath.Base(path), Err: errors.New("no prober configured")}
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	result, err := r.prober.Probe(ctx, path)
	if err != nil {
		var pe *ProbeError
		if errors.As(err, &pe) {
			return nil, err
		}
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, &ProbeError{Kind: ProbeTimeout, Path: filepath.Base(path), Err: err}
		}
		return nil, &ProbeError{Kind: ProbeUndecodable, Path: filepath.Base(path), Err: err}
	}

	if err := validate(result); err != nil {
		return nil, &ProbeError{Kind: ProbeInvalid, Path: filepath.Base(path), Err: err}
	}
	return result, nil
}

func validate(result *ProbeResult) error {
	if result == nil {
		return errors.New("empty probe result")
	}
	d := result.DurationSeconds
	if d <= 0 || math.IsNaN(d) || math.IsInf(d, 0) {
		return fmt.Errorf("invalid duration %v", d)
	}
	if result.Width <= 0 || result.Height <= 0 {
		return fmt.Errorf("invalid dimensions %dx%d", result.Width, result.Height)
	}
	return nil
}

// Lookup returns the source with the given ID.
func (r *Registry) Lookup(id string) (Source, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	src, ok := r.sources[id]
	if !ok {
		return Source{}, false
	}
	return *src, true
}

// List returns the registered sources in ingestion order.
func (r *Registry) List() []Source {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Source, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, *r.sources[id])
	}
	return out
}

// Len returns the number of registered sources.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// Remove releases one source. Unknown IDs are ignored.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	src, ok := r.sources[id]
	if ok {
		delete(r.sources, id)
		for i, sid := range r.order {
			if sid == id {
				r.order = append(r.order[:i], r.order[i+1:]...)
				break
			}
		}
	}
	r.mu.Unlock()

	if ok {
		r.release(src)
	}
}

// Clear releases every source and returns how many were dropped.
func (r *Registry) Clear() int {
	r.mu.Lock()
	sources := r.sources
	r.sources = make(map[string]*Source)
	r.order = nil
	r.mu.Unlock()

	for _, src := range sources {
		r.release(src)
	}
	if len(sources) > 0 {
		r.logger.Info("sources cleared", "count", len(sources))
	}
	return len(sources)
}

func (r *Registry) release(src *Source) {
	if !src.owned {
		return
	}
	if err := os.Remove(src.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		r.logger.Warn("failed to remove source file", "source_id", src.ID, "error", err)
	}
}
