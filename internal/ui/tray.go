package ui

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/getlantern/systray"

	"github.com/heimdex/heimdex-editor/internal/catalog"
	"github.com/heimdex/heimdex-editor/internal/export"
	"github.com/heimdex/heimdex-editor/internal/logging"
	"github.com/heimdex/heimdex-editor/internal/playback"
)

const refreshInterval = time.Second

// History is the undoable timeline.
type History interface {
	CanUndo() bool
	CanRedo() bool
	Undo() bool
	Redo() bool
}

// Exports exposes the running export.
type Exports interface {
	Active() (catalog.ExportRecord, export.Progress, bool)
	Cancel(id string) bool
}

// Transport reports preview playback.
type Transport interface {
	State() playback.State
	Pause()
}

type Tray struct {
	history History
	exports Exports
	player  Transport
	logger  *slog.Logger

	statusItem *systray.MenuItem
	exportItem *systray.MenuItem
	undoItem   *systray.MenuItem
	redoItem   *systray.MenuItem
	pauseItem  *systray.MenuItem

	mu   sync.Mutex
	stop context.CancelFunc

	onQuit func()
}

type TrayConfig struct {
	History History
	Exports Exports
	Player  Transport
	Logger  *slog.Logger
	OnQuit  func()
}

func NewTray(cfg TrayConfig) *Tray {
	return &Tray{
		history: cfg.History,
		exports: cfg.Exports,
		player:  cfg.Player,
		logger:  logging.WithComponent(logging.OrDiscard(cfg.Logger), "tray"),
		onQuit:  cfg.OnQuit,
	}
}

func (t *Tray) Run() {
	systray.Run(t.onReady, t.onExit)
}

func (t *Tray) onReady() {
	systray.SetIcon(iconBytes)
	systray.SetTitle("Heimdex")
	systray.SetTooltip("Heimdex Editor")

	t.statusItem = systray.AddMenuItem("Status: Idle", "Current editor status")
	t.statusItem.Disable()

	t.exportItem = systray.AddMenuItem("Cancel Export", "Stop the running export")
	t.exportItem.Disable()

	systray.AddSeparator()

	t.undoItem = systray.AddMenuItem("Undo", "Undo the last timeline edit")
	t.redoItem = systray.AddMenuItem("Redo", "Redo the last undone edit")
	t.pauseItem = systray.AddMenuItem("Pause Preview", "Pause preview playback")

	systray.AddSeparator()

	quitItem := systray.AddMenuItem("Quit", "Quit Heimdex Editor")

	ctx, cancel := context.WithCancel(context.Background())
	t.mu.Lock()
	t.stop = cancel
	t.mu.Unlock()

	go t.refreshLoop(ctx)
	go func() {
		for {
			select {
			case <-t.undoItem.ClickedCh:
				if t.history.Undo() {
					t.logger.Info("undo from tray")
				}
				t.refresh()
			case <-t.redoItem.ClickedCh:
				if t.history.Redo() {
					t.logger.Info("redo from tray")
				}
				t.refresh()
			case <-t.pauseItem.ClickedCh:
				t.player.Pause()
				t.refresh()
			case <-t.exportItem.ClickedCh:
				t.cancelExport()
			case <-quitItem.ClickedCh:
				t.logger.Info("quit requested from tray")
				if t.onQuit != nil {
					t.onQuit()
				}
				systray.Quit()
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	t.logger.Info("system tray ready")
}

func (t *Tray) onExit() {
	t.mu.Lock()
	if t.stop != nil {
		t.stop()
	}
	t.mu.Unlock()
	t.logger.Info("system tray exiting")
}

func (t *Tray) refreshLoop(ctx context.Context) {
	ticker := time.NewTicker(refreshInterval)
	defer ticker.Stop()
	for {
		t.refresh()
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (t *Tray) refresh() {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, progress, exporting := t.exports.Active()
	st := t.player.State()
	t.statusItem.SetTitle(statusTitle(st, rec, progress, exporting))

	setEnabled(t.exportItem, exporting)
	setEnabled(t.undoItem, t.history.CanUndo())
	setEnabled(t.redoItem, t.history.CanRedo())
	setEnabled(t.pauseItem, st.IsPlaying || st.PendingPlay)
}

func (t *Tray) cancelExport() {
	rec, _, ok := t.exports.Active()
	if !ok {
		return
	}
	if t.exports.Cancel(rec.ID) {
		t.logger.Info("export cancelled from tray", "export_id", rec.ID)
	}
	t.refresh()
}

func (t *Tray) Quit() {
	systray.Quit()
}

// statusTitle summarises what the editor is doing. A running export wins
// over playback.
func statusTitle(st playback.State, rec catalog.ExportRecord, p export.Progress, exporting bool) string {
	switch {
	case exporting:
		return fmt.Sprintf("Status: Exporting %s (%.0f%%)", rec.Filename, p.Percentage)
	case st.IsPlaying || st.PendingPlay:
		return "Status: Playing " + formatClock(st.CurrentTime) + " / " + formatClock(st.Duration)
	default:
		return "Status: Idle"
	}
}

func formatClock(seconds float64) string {
	if seconds < 0 {
		seconds = 0
	}
	total := int(seconds)
	return fmt.Sprintf("%d:%02d", total/60, total%60)
}

func setEnabled(item *systray.MenuItem, on bool) {
	if on {
		item.Enable()
	} else {
		item.Disable()
	}
}
