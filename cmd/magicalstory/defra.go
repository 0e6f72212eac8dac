package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/chrofis/magicalstory/internal/api"
	"github.com/chrofis/magicalstory/internal/defra"
	"github.com/chrofis/magicalstory/internal/home"
	"github.com/chrofis/magicalstory/internal/schema"
)

var defraCmd = &cobra.Command{
	Use:   "defra",
	Short: "Manage the DefraDB container",
	Long: `Manage the DefraDB container that stores stories, workflow runs,
provider metrics and settings. Data lives under ~/.magicalstory/defradb/
and survives stop and remove.

The server starts the container itself; these commands are for running
DefraDB on its own or inspecting it.`,
}

// withDefra runs fn against the configured container manager.
func withDefra(fn func(ctx context.Context, mgr *defra.DockerManager) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		h, err := getHome()
		if err != nil {
			return err
		}
		mgr, err := getDockerManager(h)
		if err != nil {
			return err
		}
		defer mgr.Close()
		return fn(cmd.Context(), mgr)
	}
}

var defraStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Create or start the container and wait until it answers",
	RunE: withDefra(func(ctx context.Context, mgr *defra.DockerManager) error {
		if err := mgr.Start(ctx); err != nil {
			return fmt.Errorf("failed to start DefraDB: %w", err)
		}
		fmt.Printf("DefraDB is running at %s\n", mgr.URL())
		return nil
	}),
}

var defraInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Start DefraDB and add the story, run, metric and config collections",
	RunE: withDefra(func(ctx context.Context, mgr *defra.DockerManager) error {
		if err := mgr.Start(ctx); err != nil {
			return fmt.Errorf("failed to start DefraDB: %w", err)
		}
		logger, err := newLogger()
		if err != nil {
			return err
		}
		if err := schema.Initialize(ctx, defra.NewClient(mgr.URL()), logger); err != nil {
			return fmt.Errorf("schema initialization failed: %w", err)
		}
		fmt.Println("Collections ready")
		return nil
	}),
}

var defraStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the container, keeping its data",
	RunE: withDefra(func(ctx context.Context, mgr *defra.DockerManager) error {
		if err := mgr.Stop(ctx); err != nil {
			return fmt.Errorf("failed to stop DefraDB: %w", err)
		}
		fmt.Println("DefraDB stopped")
		return nil
	}),
}

// DefraContainerStatus is the output of 'defra status'.
type DefraContainerStatus struct {
	Container defra.ContainerStatus `json:"container" yaml:"container"`
	URL       string                `json:"url,omitempty" yaml:"url,omitempty"`
	Healthy   bool                  `json:"healthy" yaml:"healthy"`
	Error     string                `json:"error,omitempty" yaml:"error,omitempty"`
}

var defraStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show container state and health",
	RunE: withDefra(func(ctx context.Context, mgr *defra.DockerManager) error {
		status, err := mgr.Status(ctx)
		if err != nil {
			return fmt.Errorf("failed to get status: %w", err)
		}
		out := DefraContainerStatus{Container: status}
		if status == defra.StatusRunning {
			out.URL = mgr.URL()
			if err := defra.NewClient(out.URL).HealthCheck(ctx); err != nil {
				out.Error = err.Error()
			} else {
				out.Healthy = true
			}
		}
		return api.Output(out)
	}),
}

var logsTail string

var defraLogsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Print the container's recent logs",
	RunE: withDefra(func(ctx context.Context, mgr *defra.DockerManager) error {
		logs, err := mgr.Logs(ctx, logsTail)
		if err != nil {
			return fmt.Errorf("failed to get logs: %w", err)
		}
		fmt.Print(logs)
		return nil
	}),
}

var defraRemoveCmd = &cobra.Command{
	Use:   "remove",
	Short: "Stop and remove the container; the data directory is left alone",
	RunE: withDefra(func(ctx context.Context, mgr *defra.DockerManager) error {
		if err := mgr.Remove(ctx); err != nil {
			return fmt.Errorf("failed to remove container: %w", err)
		}
		fmt.Println("DefraDB container removed (data preserved)")
		return nil
	}),
}

var waitTimeout time.Duration

var defraWaitCmd = &cobra.Command{
	Use:   "wait",
	Short: "Block until DefraDB accepts requests",
	RunE: withDefra(func(ctx context.Context, mgr *defra.DockerManager) error {
		if err := mgr.WaitReady(ctx, waitTimeout); err != nil {
			return fmt.Errorf("DefraDB not ready: %w", err)
		}
		fmt.Println("DefraDB is ready")
		return nil
	}),
}

func init() {
	defraCmd.AddCommand(defraStartCmd, defraInitCmd, defraStopCmd, defraStatusCmd,
		defraLogsCmd, defraRemoveCmd, defraWaitCmd)

	defraLogsCmd.Flags().StringVar(&logsTail, "tail", "100", "Number of lines to show from the end")
	defraWaitCmd.Flags().DurationVar(&waitTimeout, "timeout", 30*time.Second, "How long to wait")

	rootCmd.AddCommand(defraCmd)
}

// getDockerManager builds a DockerManager from the config file's defra
// section, keeping data under the home directory.
func getDockerManager(h *home.Dir) (*defra.DockerManager, error) {
	dataPath := h.DefraDataPath()
	if err := os.MkdirAll(dataPath, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	cfgMgr, err := loadConfig(h)
	if err != nil {
		return nil, err
	}
	logger, err := newLogger()
	if err != nil {
		return nil, err
	}

	dc := cfgMgr.Get().Defra
	return defra.NewDockerManager(defra.DockerConfig{
		ContainerName: dc.ContainerName,
		Image:         dc.Image,
		HostPort:      dc.Port,
		DataPath:      dataPath,
		Logger:        logger,
	})
}
