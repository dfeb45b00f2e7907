package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/audiolibrelab/meetcapture/internal/service"
)

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show the source the configured method would record from",
	Long: `Resolve the configured recording method into concrete sources
without recording anything, and print their parameters.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		svc := service.New(cfg)

		info, err := svc.Info()
		if err != nil {
			return fmt.Errorf("failed to resolve sources: %w", err)
		}

		out, err := yaml.Marshal(info)
		if err != nil {
			return fmt.Errorf("error marshaling info: %w", err)
		}

		fmt.Printf("=== SOURCE ===\n")
		fmt.Print(string(out))
		fmt.Printf("\n=== OUTPUT ===\n")
		fmt.Printf("directory: %s\n", cfg.Output.Directory)
		fmt.Printf("filename: %s\n", cfg.Output.Filename)
		return nil
	},
}
