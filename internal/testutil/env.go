package testutil

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/avast/retry-go/v4"

	"github.com/chrofis/magicalstory/internal/defra"
	"github.com/chrofis/magicalstory/internal/home"
	"github.com/chrofis/magicalstory/internal/server/endpoints"
)

// ServerConfig holds what a test needs to start a server against its own
// DefraDB container.
type ServerConfig struct {
	Host   string
	Port   string
	Home   *home.Dir
	Defra  defra.DockerConfig
	Logger *slog.Logger
}

// NewServerConfig picks free ports, a temporary home directory and a
// uniquely named, labelled container for t. The container is removed when
// the test ends.
func NewServerConfig(t *testing.T) ServerConfig {
	t.Helper()
	_ = DockerClient(t)

	h, err := home.New(t.TempDir())
	if err != nil {
		t.Fatalf("home.New() error = %v", err)
	}
	httpPort, err := FindFreePort()
	if err != nil {
		t.Fatalf("failed to find free port for HTTP: %v", err)
	}
	defraPort, err := FindFreePort()
	if err != nil {
		t.Fatalf("failed to find free port for DefraDB: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	return ServerConfig{
		Host: "127.0.0.1",
		Port: httpPort,
		Home: h,
		Defra: defra.DockerConfig{
			ContainerName: UniqueContainerName(t, "defra"),
			HostPort:      defraPort,
			DataPath:      h.DefraDataPath(),
			Labels:        ContainerLabels(t),
			Logger:        logger,
		},
		Logger: logger,
	}
}

// URL returns the server URL for the given config.
func (c ServerConfig) URL() string {
	return "http://" + net.JoinHostPort(c.Host, c.Port)
}

// GetStatus fetches and decodes /status.
func GetStatus(ctx context.Context, url string) (*endpoints.StatusResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url+"/status", nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var status endpoints.StatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, err
	}
	return &status, nil
}

// WaitForServer polls /status until DefraDB reports healthy.
func WaitForServer(url string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	err := retry.Do(
		func() error {
			probe, done := context.WithTimeout(ctx, 2*time.Second)
			defer done()
			st, err := GetStatus(probe, url)
			if err != nil {
				return err
			}
			if st.Defra.Health != "healthy" {
				return fmt.Errorf("defra %s", st.Defra.Health)
			}
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(0),
		retry.Delay(500*time.Millisecond),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return fmt.Errorf("server not ready after %v: %w", timeout, err)
	}
	return nil
}

// WaitForShutdown waits for the server's Start to return.
func WaitForShutdown(done <-chan error, timeout time.Duration) error {
	select {
	case err := <-done:
		return err
	case <-time.After(timeout):
		return fmt.Errorf("timeout waiting for shutdown")
	}
}

// FindFreePort finds an available TCP port and returns it as a string.
func FindFreePort() (string, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", err
	}
	defer l.Close()
	return strconv.Itoa(l.Addr().(*net.TCPAddr).Port), nil
}
