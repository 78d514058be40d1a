package main

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/heimdex/heimdex-editor/internal/catalog"
	"github.com/heimdex/heimdex-editor/internal/ffmpeg"
	"github.com/heimdex/heimdex-editor/internal/media"
)

func newProbeCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "probe <file>...",
		Short: "Show duration, size and frame rate of media files",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tools, err := opts.tools()
			if err != nil {
				return err
			}
			prober := ffmpeg.NewProber(tools.FFprobe, opts.logger())

			rows := probeRows(cmd.Context(), prober, args)
			fmt.Fprintln(cmd.OutOrStdout(), renderTable(
				[]string{"File", "Duration", "Size", "FPS", "Audio", "Error"},
				rows,
				[]columnAlignment{alignLeft, alignRight, alignRight, alignRight, alignLeft, alignLeft},
			))
			return nil
		},
	}
}

// probeRows probes each path; failures become rows rather than aborting.
func probeRows(ctx context.Context, prober media.Prober, paths []string) [][]string {
	rows := make([][]string, 0, len(paths))
	for _, path := range paths {
		name := filepath.Base(path)
		if !catalog.IsVideoFile(path) {
			rows = append(rows, []string{name, "", "", "", "", "unsupported file type"})
			continue
		}
		res, err := prober.Probe(ctx, path)
		if err != nil {
			rows = append(rows, []string{name, "", "", "", "", err.Error()})
			continue
		}
		audio := "no"
		if res.HasAudio {
			audio = "yes"
		}
		rows = append(rows, []string{
			name,
			formatDuration(res.DurationSeconds),
			fmt.Sprintf("%dx%d", res.Width, res.Height),
			strconv.FormatFloat(res.FrameRate, 'f', -1, 64),
			audio,
			"",
		})
	}
	return rows
}

func formatDuration(seconds float64) string {
	if seconds < 0 {
		seconds = 0
	}
	total := int(seconds)
	frac := int((seconds - float64(total)) * 1000)
	return fmt.Sprintf("%d:%02d.%03d", total/60, total%60, frac)
}
