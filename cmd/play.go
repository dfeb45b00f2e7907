package cmd

import (
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/audiolibrelab/meetcapture/internal/play"
	"github.com/audiolibrelab/meetcapture/internal/service"
)

var playCmd = &cobra.Command{
	Use:   "play [file.wav]",
	Short: "Play a recording",
	Long:  `Play the given WAV file, or the most recent recording when no file is given.`,
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := ""
		if len(args) == 1 {
			path = args[0]
		} else {
			latest, err := latestRecording(service.New(cfg))
			if err != nil {
				return err
			}
			path = latest
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()

		return play.New().Play(ctx, path)
	},
}

func latestRecording(svc service.Service) (string, error) {
	recordings, err := svc.ListRecordings()
	if err != nil {
		return "", fmt.Errorf("failed to list recordings: %w", err)
	}
	if len(recordings) == 0 {
		return "", fmt.Errorf("no recordings in %s", cfg.Output.Directory)
	}
	return recordings[0].Path, nil
}
