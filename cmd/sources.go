package cmd

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/audiolibrelab/meetcapture/internal/audio"
	"github.com/audiolibrelab/meetcapture/internal/service"
)

var sourcesCmd = &cobra.Command{
	Use:   "sources",
	Short: "List available audio sources",
	Long: `List input devices usable by the device method and the PipeWire
ports available to the system method. Monitor ports carry system audio.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if port, _ := cmd.Flags().GetString("check"); port != "" {
			if err := audio.NewPipeWire().ValidatePort(port); err != nil {
				return err
			}
			fmt.Printf("✅ Port %q is available\n", port)
			return nil
		}

		svc := service.New(cfg)
		listing, err := svc.Sources()
		if err != nil {
			return fmt.Errorf("failed to list sources: %w", err)
		}

		printSources(listing)
		return nil
	},
}

func printSources(listing *service.SourceListing) {
	fmt.Printf("🎵 Audio Sources (%s)\n", runtime.GOOS)
	fmt.Printf("═══════════════════════════════════════\n\n")

	fmt.Printf("🎤 INPUT DEVICES (%d found):\n", len(listing.Devices))
	for _, dev := range listing.Devices {
		fmt.Printf("  %d. %s [%s] %d ch @ %.0f Hz\n",
			dev.Index, dev.Name, dev.HostAPI, dev.MaxInputChannels, dev.DefaultSampleRate)
	}

	fmt.Println()
	if listing.PortsError != "" {
		fmt.Printf("⚠️  PipeWire ports unavailable: %s\n", listing.PortsError)
		return
	}

	fmt.Printf("📋 PIPEWIRE PORTS (%d found):\n", len(listing.Ports))
	for i, port := range listing.Ports {
		marker := ""
		if port.Monitor {
			marker = "  (monitor)"
		}
		fmt.Printf("  %d. [%s] %s%s\n", i+1, port.Direction, port.Name, marker)
	}

	fmt.Printf("\n💡 Usage:\n")
	fmt.Printf("  • device.name matches input devices by case-insensitive substring\n")
	fmt.Printf("  • system.target accepts a PulseAudio source such as \"@DEFAULT_MONITOR@\"\n\n")
}

func init() {
	sourcesCmd.Flags().String("check", "", "check that a PipeWire port exists exactly once")
}
