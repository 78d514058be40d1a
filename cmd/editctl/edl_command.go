package main

import (
	"github.com/spf13/cobra"

	"github.com/heimdex/heimdex-editor/internal/export"
	"github.com/heimdex/heimdex-editor/internal/ffmpeg"
)

func newEDLCommand(opts *globalOptions) *cobra.Command {
	var (
		title string
		fps   float64
	)
	cmd := &cobra.Command{
		Use:   "edl <file>...",
		Short: "Print a CMX3600 edit decision list for files cut end to end",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tools, err := opts.tools()
			if err != nil {
				return err
			}
			logger := opts.logger()
			sources, timeline, err := loadTimeline(cmd.Context(), ffmpeg.NewProber(tools.FFprobe, logger), args, logger)
			if err != nil {
				return err
			}
			return export.WriteCMX3600(cmd.OutOrStdout(), title, timeline.Clips(), sources.List(), fps)
		},
	}
	cmd.Flags().StringVarP(&title, "title", "t", export.DefaultProjectName, "EDL title")
	cmd.Flags().Float64Var(&fps, "fps", 30, "Timecode frame rate")
	return cmd
}
