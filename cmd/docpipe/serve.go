package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/docpipe/internal/config"
	"github.com/jackzampolin/docpipe/internal/home"
	"github.com/jackzampolin/docpipe/internal/server"
)

var (
	serveHost string
	servePort int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the docpipe server",
	Long: `Start the docpipe pipeline workers and HTTP query API.

The server provides:
  /health           - Basic health check
  /status           - Providers and queue status
  /documents        - Submit (POST) and list (GET) documents
  /documents/{id}   - Full document record
  /queue            - Queue depth and admission gate occupancy

Examples:
  docpipe serve                  # Start on default port 8377
  docpipe serve --port 3000      # Start on custom port
  docpipe serve --host 0.0.0.0   # Bind to all interfaces`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))

		h, err := home.New(homeDir)
		if err != nil {
			return err
		}
		if err := h.EnsureExists(); err != nil {
			return err
		}

		cfgPath := cfgFile
		if cfgPath == "" && h.ConfigExists() {
			cfgPath = h.ConfigPath()
		}
		mgr, err := config.NewManager(cfgPath)
		if err != nil {
			return err
		}
		mgr.WatchConfig()
		cfg := mgr.Get()

		a, err := buildApp(ctx, cfg, h, logger)
		if err != nil {
			return err
		}
		defer a.close()

		// Workers consume the queue until the context is cancelled.
		go a.pipeline.Run(ctx)

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}
		srv := server.New(server.Config{
			Host:     serveHost,
			Port:     port,
			Services: a.services,
			Logger:   logger,
		})
		return srv.Start(ctx)
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveHost, "host", "127.0.0.1", "Host to bind to")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Port to listen on (default from config)")
}
