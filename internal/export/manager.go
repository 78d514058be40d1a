package export

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/heimdex/heimdex-editor/internal/catalog"
	"github.com/heimdex/heimdex-editor/internal/logging"
)

var (
	ErrNotFound = errors.New("export not found")
	ErrNotReady = errors.New("export is not complete")
)

// HistoryStore persists export records.
type HistoryStore interface {
	CreateExport(ctx context.Context, rec *catalog.ExportRecord) error
	GetExport(ctx context.Context, id string) (*catalog.ExportRecord, error)
	ListExports(ctx context.Context, limit int) ([]*catalog.ExportRecord, error)
	UpdateExportProgress(ctx context.Context, id string, progress float64) error
	FinishExport(ctx context.Context, rec *catalog.ExportRecord) error
	DeleteExport(ctx context.Context, id string) error
}

// Manager runs exports in the background, one at a time, writing each file
// into its directory and recording the outcome.
type Manager struct {
	comp   *Compositor
	store  HistoryStore
	dir    string
	logger *slog.Logger

	mu     sync.Mutex
	active *job
}

type job struct {
	rec      catalog.ExportRecord
	cancel   context.CancelFunc
	progress Progress
	saved    int
	done     chan struct{}
}

func NewManager(comp *Compositor, store HistoryStore, dir string, logger *slog.Logger) *Manager {
	return &Manager{
		comp:   comp,
		store:  store,
		dir:    dir,
		logger: logging.WithComponent(logging.OrDiscard(logger), "export_manager"),
	}
}

// Start validates req and begins rendering it. Precondition failures are
// returned synchronously; the outcome of the render is recorded in the
// history.
func (m *Manager) Start(req Request) (*catalog.ExportRecord, error) {
	plan, err := m.comp.Prepare(req)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return nil, &OutputDirError{Dir: m.dir, Problem: OutputDirNotWritable, Err: err}
	}
	if err := ValidateOutputDir(filepath.Clean(m.dir)); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active != nil {
		return nil, ErrBusy
	}

	id := uuid.NewString()
	now := time.Now().UTC()
	req.OutputPath = filepath.Join(m.dir, id+".webm")
	j := &job{
		rec: catalog.ExportRecord{
			ID:              id,
			Status:          catalog.ExportStatusExporting,
			Filename:        plan.Filename,
			MimeType:        plan.MimeType,
			OutputPath:      req.OutputPath,
			ClipCount:       len(req.Clips),
			DurationSeconds: plan.Duration,
			CreatedAt:       now,
			UpdatedAt:       now,
		},
		progress: Progress{Total: plan.Duration},
		done:     make(chan struct{}),
	}
	if err := m.store.CreateExport(context.Background(), &j.rec); err != nil {
		return nil, fmt.Errorf("record export: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	j.cancel = cancel
	m.active = j

	logger := logging.WithExportID(m.logger, id)
	logger.Info("export queued", "clips", j.rec.ClipCount, "duration", plan.Duration, "mime", plan.MimeType)
	go m.run(ctx, j, req, logger)

	rec := j.rec
	return &rec, nil
}

func (m *Manager) run(ctx context.Context, j *job, req Request, logger *slog.Logger) {
	defer j.cancel()

	res, err := m.comp.Export(ctx, req, func(p Progress) { m.onProgress(j, p) })

	m.mu.Lock()
	rec := j.rec
	m.mu.Unlock()

	rec.UpdatedAt = time.Now().UTC()
	switch {
	case err == nil:
		rec.Status = catalog.ExportStatusComplete
		rec.Progress = 100
		rec.DurationSeconds = res.Duration
		rec.SizeBytes = res.SizeBytes
		rec.OutputPath = res.Path
		logger.Info("export finished", "size_bytes", res.SizeBytes, "duration", res.Duration)
	case errors.Is(err, ErrCancelled):
		rec.Status = catalog.ExportStatusCancelled
		logger.Info("export cancelled")
	default:
		rec.Status = catalog.ExportStatusError
		rec.Error = err.Error()
		logger.Error("export failed", "error", err)
	}

	if err := m.store.FinishExport(context.Background(), &rec); err != nil {
		logger.Error("failed to record export outcome", "error", err)
	}

	m.mu.Lock()
	j.rec = rec
	m.active = nil
	m.mu.Unlock()
	close(j.done)
}

// onProgress keeps the live snapshot and saves whole-percent steps.
func (m *Manager) onProgress(j *job, p Progress) {
	m.mu.Lock()
	j.progress = p
	j.rec.Progress = p.Percentage
	step := int(p.Percentage)
	save := step > j.saved
	if save {
		j.saved = step
	}
	id := j.rec.ID
	m.mu.Unlock()

	if save {
		if err := m.store.UpdateExportProgress(context.Background(), id, p.Percentage); err != nil {
			m.logger.Warn("failed to save export progress", "export_id", id, "error", err)
		}
	}
}

// Active returns the running export, if any.
func (m *Manager) Active() (catalog.ExportRecord, Progress, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return catalog.ExportRecord{}, Progress{}, false
	}
	return m.active.rec, m.active.progress, true
}

// Cancel stops the export with the given id. It reports false when that
// export is not running.
func (m *Manager) Cancel(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil || m.active.rec.ID != id {
		return false
	}
	m.active.cancel()
	return true
}

// Done returns a channel closed when the export with the given id is no
// longer running.
func (m *Manager) Done(id string) <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active != nil && m.active.rec.ID == id {
		return m.active.done
	}
	ch := make(chan struct{})
	close(ch)
	return ch
}

func (m *Manager) Get(ctx context.Context, id string) (*catalog.ExportRecord, error) {
	m.mu.Lock()
	if m.active != nil && m.active.rec.ID == id {
		rec := m.active.rec
		m.mu.Unlock()
		return &rec, nil
	}
	m.mu.Unlock()

	rec, err := m.store.GetExport(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, ErrNotFound
	}
	return rec, nil
}

func (m *Manager) List(ctx context.Context, limit int) ([]*catalog.ExportRecord, error) {
	recs, err := m.store.ListExports(ctx, limit)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active != nil {
		for i, r := range recs {
			if r.ID == m.active.rec.ID {
				rec := m.active.rec
				recs[i] = &rec
			}
		}
	}
	return recs, nil
}

// Open returns a completed export's record and file for download.
func (m *Manager) Open(ctx context.Context, id string) (*catalog.ExportRecord, *os.File, error) {
	rec, err := m.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if rec.Status != catalog.ExportStatusComplete {
		return nil, nil, ErrNotReady
	}
	f, err := os.Open(rec.OutputPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, ErrNotFound
		}
		return nil, nil, err
	}
	return rec, f, nil
}

// Delete removes a finished export and its file.
func (m *Manager) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	busy := m.active != nil && m.active.rec.ID == id
	m.mu.Unlock()
	if busy {
		return ErrBusy
	}

	rec, err := m.store.GetExport(ctx, id)
	if err != nil {
		return err
	}
	if rec == nil {
		return ErrNotFound
	}
	if rec.OutputPath != "" {
		if err := os.Remove(rec.OutputPath); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove export file: %w", err)
		}
	}
	return m.store.DeleteExport(ctx, id)
}

// Shutdown cancels the running export and waits for it to wind down.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	j := m.active
	m.mu.Unlock()
	if j == nil {
		return nil
	}
	j.cancel()
	select {
	case <-j.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
