package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/audiolibrelab/meetcapture/internal/service"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List recordings in the output directory",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc := service.New(cfg)

		recordings, err := svc.ListRecordings()
		if err != nil {
			return fmt.Errorf("failed to list recordings: %w", err)
		}

		if len(recordings) == 0 {
			fmt.Printf("No recordings in %s\n", cfg.Output.Directory)
			return nil
		}

		for _, rec := range recordings {
			fmt.Printf("%s  %8s  %10s  %s\n",
				rec.ModTimeHuman, rec.SizeHuman, rec.Duration.Round(time.Second), rec.Path)
		}
		return nil
	},
}
