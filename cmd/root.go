package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/audiolibrelab/meetcapture/internal/config"
)

var (
	cfg          *config.Config
	cfgFile      string
	envFile      string
	logFile      string
	verboseLevel int
)

var rootCmd = &cobra.Command{
	Use:   "meetcapture",
	Short: "Record meetings from an input device and system audio",
	Long: `MeetCapture records a conversation from a microphone or aggregate
input device, the system audio output, or both at once.

In dual mode both streams are recorded side by side and merged into a
single mono WAV file ready for transcription.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// .env is optional; an explicit --env-file must exist
		if err := godotenv.Load(envFile); err != nil && cmd.Flags().Changed("env-file") {
			return fmt.Errorf("failed to load env file: %w", err)
		}

		var err error
		cfg, err = config.Load(config.ResolvePath(cfgFile))
		if err != nil {
			setupLogging(verboseLevel, config.Default().Logging)
			return fmt.Errorf("failed to load config: %w", err)
		}

		if logFile != "" {
			cfg.Logging.File = logFile
		}
		setupLogging(verboseLevel, cfg.Logging)

		return nil
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/meetcapture.yaml)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file with MEETCAPTURE_* overrides")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "also write logs to this file, rotated (overrides logging.file)")
	rootCmd.PersistentFlags().IntVarP(&verboseLevel, "verbose", "v", 0, "verbose level: 0=config level, 1=debug, 2=ffmpeg output")

	rootCmd.AddCommand(recordCmd)
	rootCmd.AddCommand(mergeCmd)
	rootCmd.AddCommand(sourcesCmd)
	rootCmd.AddCommand(methodsCmd)
	rootCmd.AddCommand(infoCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(playCmd)
	rootCmd.AddCommand(serveCmd)
}

// setupLogging configures slog based on the verbose level and the logging
// section of the config
func setupLogging(level int, logCfg config.LoggingConfig) {
	slogLevel := parseLevel(logCfg.Level)
	if level >= 1 {
		slogLevel = slog.LevelDebug
	}

	var w io.Writer = os.Stderr
	if logCfg.File != "" {
		w = io.MultiWriter(os.Stderr, &lumberjack.Logger{
			Filename:   logCfg.File,
			MaxSize:    logCfg.MaxSizeMB,
			MaxBackups: logCfg.MaxBackups,
			MaxAge:     logCfg.MaxAgeDays,
		})
	}

	// Configure text handler for clean terminal output
	opts := &slog.HandlerOptions{
		Level: slogLevel,
	}
	handler := slog.NewTextHandler(w, opts)
	slog.SetDefault(slog.New(handler))

	if level >= 2 {
		os.Setenv("PIPEWIRE_DEBUG", "3")
	}
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
