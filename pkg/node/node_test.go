package node

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/cuemby/bwcgen/pkg/command"
	"github.com/cuemby/bwcgen/pkg/failure"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingRunner records commands and fails those listed in fail
type recordingRunner struct {
	commands []command.Command
	fail     map[string]bool
}

func (r *recordingRunner) Run(ctx context.Context, cmd command.Command) (command.Result, error) {
	r.commands = append(r.commands, cmd)
	if r.fail[cmd.String()] {
		return command.Result{ExitCode: 1}, failure.ExternalTool(errors.New("exit status 1"), cmd.String())
	}
	return command.Result{}, nil
}

func (r *recordingRunner) lines() []string {
	var out []string
	for _, c := range r.commands {
		out = append(out, c.String())
	}
	return out
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

func TestSpecArgs(t *testing.T) {
	spec := Spec{
		ReleaseDir:    "/releases/elasticsearch-2.3.4",
		DataDir:       "/tmp/bwc/data",
		LogsDir:       "/tmp/bwc/logs",
		ClusterName:   "bwc_index_2.3.4",
		Host:          "localhost",
		TransportPort: 9300,
		HTTPPort:      9200,
	}

	assert.Equal(t, "/releases/elasticsearch-2.3.4/bin/elasticsearch", spec.Binary())
	assert.Equal(t, []string{
		"-Des.path.data=/tmp/bwc/data",
		"-Des.path.logs=/tmp/bwc/logs",
		"-Des.cluster.name=bwc_index_2.3.4",
		"-Des.network.host=localhost",
		"-Des.transport.tcp.port=9300",
		"-Des.http.port=9200",
	}, spec.Args())
}

func TestCheckPortsFree(t *testing.T) {
	require.NoError(t, CheckPortsFree(context.Background(), "127.0.0.1", freePort(t), freePort(t)))
}

func TestCheckPortsFree_InUse(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	busy := ln.Addr().(*net.TCPAddr).Port

	err = CheckPortsFree(context.Background(), "127.0.0.1", freePort(t), busy)
	require.Error(t, err)
	assert.True(t, errors.Is(err, failure.ErrPrecondition))
	assert.Contains(t, err.Error(), "port already in use")
}

func TestLauncherRefusesBusyPortBeforeSpawning(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	// the release does not exist: reaching the spawn step would fail differently
	spec := Spec{
		ReleaseDir:    filepath.Join(t.TempDir(), "missing"),
		Host:          "127.0.0.1",
		HTTPPort:      ln.Addr().(*net.TCPAddr).Port,
		TransportPort: freePort(t),
	}

	_, err = NewLauncher(zerolog.Nop()).Start(context.Background(), spec)
	require.Error(t, err)
	assert.Equal(t, failure.KindPrecondition, failure.KindOf(err))
}

func TestLauncherMissingBinary(t *testing.T) {
	spec := Spec{
		ReleaseDir:    filepath.Join(t.TempDir(), "missing"),
		Host:          "127.0.0.1",
		HTTPPort:      freePort(t),
		TransportPort: freePort(t),
	}

	_, err := NewLauncher(zerolog.Nop()).Start(context.Background(), spec)
	require.Error(t, err)
	assert.Equal(t, failure.KindExternalTool, failure.KindOf(err))
}

func TestProcessLifecycle(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires POSIX signals")
	}

	p := NewProcess("sh", []string{"-c", "echo started; exec sleep 30"}, zerolog.Nop())
	require.NoError(t, p.Start())
	assert.NotZero(t, p.PID())
	assert.Error(t, p.Start(), "second start must fail")

	require.Eventually(t, func() bool { return p.logs.Contains("started") }, 5*time.Second, 10*time.Millisecond)
	assert.False(t, p.Exited())

	require.NoError(t, p.Shutdown(0))
	assert.True(t, p.Exited())
	assert.Equal(t, "started\n", p.Logs())
}

func TestLogBufferTail(t *testing.T) {
	lb := &LogBuffer{}
	assert.Empty(t, lb.Tail(5))

	for _, line := range []string{"one", "two", "three"} {
		lb.Append(line)
	}
	assert.Equal(t, []string{"two", "three"}, lb.Tail(2))
	assert.Equal(t, []string{"one", "two", "three"}, lb.Tail(10))
	assert.Nil(t, lb.Tail(0))

	tail := lb.Tail(1)
	tail[0] = "changed"
	assert.Equal(t, []string{"three"}, lb.Tail(1), "tail must be a copy")
}

func TestProcessLogTailAfterExit(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires POSIX shell")
	}

	p := NewProcess("sh", []string{"-c", "echo first; echo bind failed; exit 1"}, zerolog.Nop())
	require.NoError(t, p.Start())
	require.Eventually(t, func() bool { return p.Exited() && p.logs.Contains("bind failed") }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"bind failed"}, p.LogTail(1))
}

func TestProcessShutdownKillsAfterTimeout(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires POSIX signals")
	}

	p := NewProcess("sh", []string{"-c", "trap '' TERM; echo ready; while true; do sleep 1; done"}, zerolog.Nop())
	require.NoError(t, p.Start())
	require.Eventually(t, func() bool { return p.logs.Contains("ready") }, 5*time.Second, 10*time.Millisecond)

	start := time.Now()
	require.NoError(t, p.Shutdown(200*time.Millisecond))
	assert.True(t, p.Exited())
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestProcessShutdownAfterExit(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires POSIX shell")
	}

	p := NewProcess("sh", []string{"-c", "exit 0"}, zerolog.Nop())
	require.NoError(t, p.Start())
	require.Eventually(t, p.Exited, 5*time.Second, 10*time.Millisecond)
	assert.NoError(t, p.Shutdown(0))
}

func TestPluginsReset(t *testing.T) {
	release := t.TempDir()
	shieldConfig := filepath.Join(release, "config", "shield")
	require.NoError(t, os.MkdirAll(shieldConfig, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(shieldConfig, "users"), []byte("old"), 0644))

	runner := &recordingRunner{fail: map[string]bool{
		// never installed: removal fails and must not stop the reset
		filepath.Join(release, "bin", "plugin") + " remove shield": true,
	}}

	err := NewPlugins(release, runner, zerolog.Nop()).Reset(context.Background(), []string{"license", "shield"})
	require.NoError(t, err)

	bin := filepath.Join(release, "bin", "plugin")
	assert.Equal(t, []string{
		bin + " remove license",
		bin + " remove shield",
		bin + " install license",
		bin + " install shield",
	}, runner.lines())

	_, err = os.Stat(shieldConfig)
	assert.True(t, os.IsNotExist(err))
}

func TestPluginsResetInstallFailureIsFatal(t *testing.T) {
	release := t.TempDir()
	bin := filepath.Join(release, "bin", "plugin")
	runner := &recordingRunner{fail: map[string]bool{bin + " install license": true}}

	err := NewPlugins(release, runner, zerolog.Nop()).Reset(context.Background(), []string{"license", "shield"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, failure.ErrExternalTool))
	assert.Equal(t, bin+" install license", runner.lines()[len(runner.lines())-1])
}

func TestUsersAdd(t *testing.T) {
	runner := &recordingRunner{}
	require.NoError(t, NewUsers("/es", runner).Add(context.Background(), "es_admin", "admin", "0123456789"))
	assert.Equal(t, []string{"/es/bin/shield/esusers useradd es_admin -r admin -p 0123456789"}, runner.lines())
}
