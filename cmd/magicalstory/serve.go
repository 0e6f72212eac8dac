package main

import (
	"github.com/spf13/cobra"

	"github.com/chrofis/magicalstory/internal/defra"
	"github.com/chrofis/magicalstory/internal/server"
)

var (
	serveHost string
	servePort string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the MagicalStory server",
	Long: `Start the MagicalStory HTTP server.

This starts both the HTTP API server and the DefraDB container.
When the server shuts down (via Ctrl+C or SIGTERM), running workflows are
aborted and DefraDB is stopped.

The server provides:
  - /health, /ready, /status  - Health and readiness checks
  - /metrics                  - Prometheus metrics
  - /api/stories/...          - Story import and the repair workflow
  - /api/runs, /api/metrics   - Run history and provider costs

Examples:
  magicalstory serve                    # Start on default port 8080
  magicalstory serve --port 3000        # Start on custom port
  magicalstory serve --host 0.0.0.0     # Bind to all interfaces`,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger, err := newLogger()
		if err != nil {
			return err
		}

		h, err := getHome()
		if err != nil {
			return err
		}

		cfgMgr, err := loadConfig(h)
		if err != nil {
			return err
		}
		if f := cfgMgr.ConfigFile(); f != "" {
			cfgMgr.WatchConfig()
			logger.Info("watching config file", "path", f)
		}

		dc := cfgMgr.Get().Defra
		srv, err := server.New(server.Config{
			Host: serveHost,
			Port: servePort,
			Home: h,
			DefraConfig: defra.DockerConfig{
				ContainerName: dc.ContainerName,
				Image:         dc.Image,
				HostPort:      dc.Port,
			},
			ConfigManager: cfgMgr,
			Logger:        logger,
		})
		if err != nil {
			return err
		}

		// Start server (blocks until shutdown)
		return srv.Start(cmd.Context())
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveHost, "host", "127.0.0.1", "Host to bind to")
	serveCmd.Flags().StringVar(&servePort, "port", "8080", "Port to listen on")

	rootCmd.AddCommand(serveCmd)
}
