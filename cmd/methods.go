package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/audiolibrelab/meetcapture/internal/service"
)

var methodsCmd = &cobra.Command{
	Use:   "methods",
	Short: "Show which recording methods work on this host",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc := service.New(cfg)

		for _, m := range svc.Methods() {
			status := "✅"
			if !m.Available {
				status = "❌"
			}
			current := ""
			if m.Name == cfg.RecordingMethod {
				current = " (configured)"
			}
			fmt.Printf("%s %-7s %s%s\n", status, m.Name, m.Description, current)
			if m.Reason != "" {
				fmt.Printf("           %s\n", m.Reason)
			}
		}
		return nil
	},
}
