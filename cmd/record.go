package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/audiolibrelab/meetcapture/internal/config"
	"github.com/audiolibrelab/meetcapture/internal/service"
)

var recordCmd = &cobra.Command{
	Use:   "record [session-name]",
	Short: "Record from the configured sources until interrupted",
	Long: `Record from the input device, the system audio output, or both.
Recording stops on Ctrl+C (or SIGTERM), or after --duration when given.
In dual mode both streams are merged into a single mono WAV file.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := ""
		if len(args) == 1 {
			name = args[0]
		}

		if err := applyRecordOverrides(cmd, cfg); err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if d, _ := cmd.Flags().GetDuration("duration"); d > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, d)
			defer cancel()
		}

		svc := service.New(cfg)

		// Interrupts stop the session owned by this command only
		release := context.AfterFunc(ctx, svc.Stop)
		defer release()

		slog.Info("Recording... Press Ctrl+C to stop", "method", cfg.RecordingMethod, "session", name)
		started := time.Now()

		result, err := svc.Record(ctx, name)
		if err != nil {
			if errors.Is(err, service.ErrNothingCaptured) {
				return fmt.Errorf("recording produced no audio after %s", time.Since(started).Round(time.Second))
			}
			return fmt.Errorf("recording failed: %w", err)
		}

		for _, w := range result.Warnings {
			slog.Warn("Source problem during recording", "detail", w)
		}

		fmt.Printf("Saved: %s\n", result.Path)
		fmt.Printf("Duration: %s (%d Hz, %d ch)\n", result.Duration.Round(time.Millisecond), result.SampleRate, result.Channels)
		return nil
	},
}

// applyRecordOverrides folds command line flags into the loaded config.
func applyRecordOverrides(cmd *cobra.Command, c *config.Config) error {
	if method, _ := cmd.Flags().GetString("method"); method != "" {
		c.RecordingMethod = config.NormalizeMethod(method)
	}
	if output, _ := cmd.Flags().GetString("output"); output != "" {
		c.Output.Directory = output
	}
	if device, _ := cmd.Flags().GetString("device"); device != "" {
		c.Device.Name = device
	}
	if target, _ := cmd.Flags().GetString("target"); target != "" {
		c.System.Target = target
	}
	if policy, _ := cmd.Flags().GetString("on-system-failure"); policy != "" {
		c.Dual.OnSystemFailure = policy
	}

	if err := config.Validate(c); err != nil {
		return fmt.Errorf("invalid options: %w", err)
	}
	return nil
}

func init() {
	addRecordFlags(recordCmd)
}

func addRecordFlags(c *cobra.Command) {
	c.Flags().StringP("method", "m", "", "recording method: device, system or dual (overrides config)")
	c.Flags().StringP("output", "o", "", "output directory (overrides config)")
	c.Flags().StringP("device", "d", "", "input device name, substring match (overrides config)")
	c.Flags().String("target", "", "PipeWire/PulseAudio monitor source for system audio (overrides config)")
	c.Flags().String("on-system-failure", "", "dual mode policy when system audio is unavailable: abort or degrade")
	c.Flags().Duration("duration", 0, "stop automatically after this long (0 = until interrupted)")
}
