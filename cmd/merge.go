package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/audiolibrelab/meetcapture/internal/service"
)

var mergeCmd = &cobra.Command{
	Use:   "merge <input.wav>...",
	Short: "Merge WAV recordings into one mono file",
	Long: `Merge one or more WAV files into a single mono 16-bit WAV file.
Inputs are downmixed to mono, resampled to the first input's rate,
padded to the longest input, summed and peak-normalized when they clip.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		output, _ := cmd.Flags().GetString("output")

		svc := service.New(cfg)
		info, err := svc.Merge(args, output)
		if err != nil {
			return fmt.Errorf("merging failed: %w", err)
		}

		fmt.Printf("Merged %d file(s) into %s\n", len(args), info.Path)
		fmt.Printf("Duration: %s, size: %s\n", info.Duration, info.SizeHuman)
		return nil
	},
}

func init() {
	mergeCmd.Flags().StringP("output", "o", "", "output file (default: merged_<timestamp>.wav in the output directory)")
}
