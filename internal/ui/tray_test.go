package ui

import (
	"bytes"
	"image/png"
	"testing"

	"github.com/heimdex/heimdex-editor/internal/catalog"
	"github.com/heimdex/heimdex-editor/internal/export"
	"github.com/heimdex/heimdex-editor/internal/playback"
)

func TestStatusTitle(t *testing.T) {
	tests := []struct {
		name      string
		state     playback.State
		rec       catalog.ExportRecord
		progress  export.Progress
		exporting bool
		want      string
	}{
		{"idle", playback.State{}, catalog.ExportRecord{}, export.Progress{}, false, "Status: Idle"},
		{"playing", playback.State{IsPlaying: true, CurrentTime: 65.4, Duration: 125}, catalog.ExportRecord{}, export.Progress{}, false, "Status: Playing 1:05 / 2:05"},
		{"pending play", playback.State{PendingPlay: true, Duration: 3}, catalog.ExportRecord{}, export.Progress{}, false, "Status: Playing 0:00 / 0:03"},
		{
			"export wins",
			playback.State{IsPlaying: true},
			catalog.ExportRecord{Filename: "reel.webm"},
			export.Progress{Percentage: 42.4},
			true,
			"Status: Exporting reel.webm (42%)",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := statusTitle(tt.state, tt.rec, tt.progress, tt.exporting); got != tt.want {
				t.Errorf("statusTitle() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestFormatClock(t *testing.T) {
	tests := map[float64]string{-3: "0:00", 0: "0:00", 59.9: "0:59", 60: "1:00", 3600: "60:00"}
	for in, want := range tests {
		if got := formatClock(in); got != want {
			t.Errorf("formatClock(%v) = %q, want %q", in, got, want)
		}
	}
}

func TestIconIsPNG(t *testing.T) {
	img, err := png.Decode(bytes.NewReader(iconBytes))
	if err != nil {
		t.Fatalf("png.Decode() error = %v", err)
	}
	if b := img.Bounds(); b.Dx() != 22 || b.Dy() != 22 {
		t.Errorf("icon size = %v, want 22x22", b)
	}
	if _, _, _, a := img.At(11, 11).RGBA(); a == 0 {
		t.Error("icon centre is transparent")
	}
}
