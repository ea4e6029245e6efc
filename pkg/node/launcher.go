package node

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/cuemby/bwcgen/pkg/failure"
	"github.com/cuemby/bwcgen/pkg/health"
	"github.com/rs/zerolog"
)

// Spec describes one node launch
type Spec struct {
	Version       string
	ReleaseDir    string
	DataDir       string
	LogsDir       string
	ClusterName   string
	Host          string
	TransportPort int
	HTTPPort      int
}

// Args are the command-line settings the server binary is started with
func (s Spec) Args() []string {
	return []string{
		"-Des.path.data=" + s.DataDir,
		"-Des.path.logs=" + s.LogsDir,
		"-Des.cluster.name=" + s.ClusterName,
		"-Des.network.host=" + s.Host,
		fmt.Sprintf("-Des.transport.tcp.port=%d", s.TransportPort),
		fmt.Sprintf("-Des.http.port=%d", s.HTTPPort),
	}
}

// Binary is the server executable inside the release
func (s Spec) Binary() string {
	return filepath.Join(s.ReleaseDir, "bin", "elasticsearch")
}

// Handle is what the workflow needs from a started node
type Handle interface {
	PID() int
	Shutdown(timeout time.Duration) error
}

// Launcher starts nodes as local subprocesses
type Launcher struct {
	Logger zerolog.Logger
}

// NewLauncher creates a launcher
func NewLauncher(logger zerolog.Logger) *Launcher {
	return &Launcher{Logger: logger}
}

// Start refuses to run when either port already accepts connections, then
// starts the node and returns without waiting for it to become reachable.
func (l *Launcher) Start(ctx context.Context, spec Spec) (Handle, error) {
	if err := CheckPortsFree(ctx, spec.Host, spec.HTTPPort, spec.TransportPort); err != nil {
		return nil, err
	}

	l.Logger.Info().
		Str("release_dir", spec.ReleaseDir).
		Int("transport_port", spec.TransportPort).
		Int("http_port", spec.HTTPPort).
		Str("data_dir", spec.DataDir).
		Msg("Starting node")

	proc := NewProcess(spec.Binary(), spec.Args(), l.Logger.With().Str("component", "node").Logger())
	if err := proc.Start(); err != nil {
		return nil, failure.ExternalTool(err, spec.Binary())
	}
	return proc, nil
}

// CheckPortsFree fails when anything accepts a connection on host:port for
// any of ports. This guards against clobbering a developer's running node.
func CheckPortsFree(ctx context.Context, host string, ports ...int) error {
	for _, port := range ports {
		result := health.NewPortChecker(host, port).Check(ctx)
		if result.Healthy {
			return failure.Preconditionf("an instance is already running on port %d: port already in use", port)
		}
	}
	return nil
}
