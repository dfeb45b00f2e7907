package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/audiolibrelab/meetcapture/internal/server"
	"github.com/audiolibrelab/meetcapture/internal/service"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the web server for remote control",
	Long: `Start the MeetCapture web server to start and stop recordings over HTTP.
This allows you to control recording from your phone or any device on the same network.

  POST /record?name=<session>   start a session
  POST /stop                    stop it and return the result
  GET  /status                  current state and last result
  GET  /api/files               recordings, newest first`,
	RunE: func(cmd *cobra.Command, args []string) error {
		port, _ := cmd.Flags().GetString("port")
		host, _ := cmd.Flags().GetString("host")

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		srv := server.New(service.New(cfg), host+":"+port)
		srv.StopWait = cfg.Capture.JoinTimeout + cfg.Capture.WriterFinishTimeout + cfg.Capture.StreamStopTimeout

		slog.Info("MeetCapture web server starting", "port", port, "method", cfg.RecordingMethod)

		// Start server (this blocks)
		if err := srv.Start(ctx); err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	},
}

func init() {
	serveCmd.Flags().String("port", "8080", "port for the web server")
	serveCmd.Flags().String("host", "", "interface to listen on (default all)")
}
