package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/heimdex/heimdex-editor/internal/export"
	"github.com/heimdex/heimdex-editor/internal/ffmpeg"
	"github.com/heimdex/heimdex-editor/internal/media"
	"github.com/heimdex/heimdex-editor/internal/schedule"
)

type renderOptions struct {
	outDir string
	name   string
}

func newRenderCommand(opts *globalOptions) *cobra.Command {
	ro := &renderOptions{}
	cmd := &cobra.Command{
		Use:   "render <file>...",
		Short: "Concatenate files into one webm as fast as the machine allows",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			outDir, err := filepath.Abs(ro.outDir)
			if err != nil {
				return fmt.Errorf("resolve output dir: %w", err)
			}
			if err := export.ValidateOutputDir(outDir); err != nil {
				return fmt.Errorf("--out %s: %w", outDir, err)
			}
			name := export.SanitizeName(ro.name, 120)
			if name == "" {
				name = export.DefaultProjectName
			}

			tools, err := opts.tools()
			if err != nil {
				return err
			}
			logger := opts.logger()
			prober := ffmpeg.NewProber(tools.FFprobe, logger)
			opener := ffmpeg.NewOpener(tools.FFmpeg, logger)
			encoders := ffmpeg.NewEncoderFactory(tools.FFmpeg, logger)

			ctx := cmd.Context()
			sources, timeline, err := loadTimeline(ctx, prober, args, logger)
			if err != nil {
				return err
			}

			comp := export.NewCompositor(export.Config{
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
				// offline renders step a simulated clock instead of sleeping
				NewScheduler: func(fps float64) schedule.Scheduler {
					return schedule.NewStepped(fps, schedule.NewManualClock(time.Unix(0, 0)))
				},
				Logger: logger,
			})

			progress := newProgressPrinter(cmd.ErrOrStderr())
			res, err := comp.Export(ctx, export.Request{
				ProjectName: name,
				Clips:       timeline.Clips(),
				Sources:     sources.List(),
				OutputPath:  filepath.Join(outDir, name+".webm"),
			}, progress.update)
			progress.finish()
			if err != nil {
				if errors.Is(err, export.ErrCancelled) {
					return context.Canceled
				}
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Rendered %s (%s, %s)\n",
				res.Path, formatDuration(res.Duration), humanize.Bytes(uint64(res.SizeBytes)))
			return nil
		},
	}
	cmd.Flags().StringVarP(&ro.outDir, "out", "o", ".", "Directory to write the rendered file to")
	cmd.Flags().StringVarP(&ro.name, "name", "n", export.DefaultProjectName, "Project name used for the output file")
	return cmd
}

// progressPrinter redraws one line on a terminal and otherwise prints a line
// every tenth of the way.
type progressPrinter struct {
	w           io.Writer
	interactive bool
	lastDecile  int
	drawn       bool
}

func newProgressPrinter(w io.Writer) *progressPrinter {
	return &progressPrinter{w: w, interactive: isTerminal(w), lastDecile: -1}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	fd := f.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

func (p *progressPrinter) update(pr export.Progress) {
	if p.interactive {
		fmt.Fprintf(p.w, "\r%s", progressLine(pr))
		p.drawn = true
		return
	}
	decile := int(pr.Percentage / 10)
	if decile == p.lastDecile {
		return
	}
	p.lastDecile = decile
	fmt.Fprintln(p.w, progressLine(pr))
}

func (p *progressPrinter) finish() {
	if p.drawn {
		fmt.Fprintln(p.w)
	}
}

func progressLine(pr export.Progress) string {
	return fmt.Sprintf("rendering %5.1f%%  %s / %s", pr.Percentage, formatDuration(pr.Elapsed), formatDuration(pr.Total))
}
