package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/heimdex/heimdex-editor/internal/edl"
	"github.com/heimdex/heimdex-editor/internal/ffmpeg"
	"github.com/heimdex/heimdex-editor/internal/logging"
	"github.com/heimdex/heimdex-editor/internal/media"
)

// globalOptions are the flags every command shares.
type globalOptions struct {
	ffmpeg   string
	ffprobe  string
	logLevel string
}

func (o *globalOptions) logger() *slog.Logger {
	return logging.NewLoggerTo(os.Stderr, o.logLevel)
}

func (o *globalOptions) tools() (ffmpeg.Tools, error) {
	return ffmpeg.Resolve(o.ffmpeg, o.ffprobe)
}

func newRootCommand() *cobra.Command {
	opts := &globalOptions{}

	rootCmd := &cobra.Command{
		Use:           "editctl",
		Short:         "Heimdex editor command line tools",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVar(&opts.ffmpeg, "ffmpeg", os.Getenv("HEIMDEX_EDITOR_FFMPEG"), "Path to ffmpeg")
	rootCmd.PersistentFlags().StringVar(&opts.ffprobe, "ffprobe", os.Getenv("HEIMDEX_EDITOR_FFPROBE"), "Path to ffprobe")
	rootCmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "warn", "Log level (debug, info, warn, error)")

	rootCmd.AddCommand(newProbeCommand(opts))
	rootCmd.AddCommand(newRenderCommand(opts))
	rootCmd.AddCommand(newEDLCommand(opts))

	return rootCmd
}

// loadTimeline ingests paths in order and lays each out as one full-length
// clip.
func loadTimeline(ctx context.Context, prober media.Prober, paths []string, logger *slog.Logger) (*media.Registry, *edl.Store, error) {
	sources := media.NewRegistry(media.RegistryConfig{Prober: prober, Logger: logger})
	timeline := edl.NewStore(sources, logger)
	for _, path := range paths {
		src, err := sources.Ingest(ctx, path, "")
		if err != nil {
			return nil, nil, fmt.Errorf("ingest %s: %w", path, err)
		}
		if _, ok := timeline.AddClip(src.ID); !ok {
			return nil, nil, fmt.Errorf("add clip for %s", path)
		}
	}
	return sources, timeline, nil
}
