package bwc

import (
	"bytes"
	"context"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/cuemby/bwcgen/pkg/archive"
	"github.com/cuemby/bwcgen/pkg/client"
	"github.com/cuemby/bwcgen/pkg/config"
	"github.com/cuemby/bwcgen/pkg/failure"
	"github.com/cuemby/bwcgen/pkg/fixture"
	"github.com/cuemby/bwcgen/pkg/health"
	"github.com/cuemby/bwcgen/pkg/storage"
	"github.com/cuemby/bwcgen/pkg/version"
	"github.com/cuemby/bwcgen/test/framework"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProvisioner struct {
	mu       sync.Mutex
	releases []string
	fn       func(ctx context.Context) error
}

func (p *fakeProvisioner) Provision(ctx context.Context, releaseDir string) error {
	p.mu.Lock()
	p.releases = append(p.releases, releaseDir)
	p.mu.Unlock()
	if p.fn != nil {
		return p.fn(ctx)
	}
	return nil
}

type failingReadiness struct{}

func (failingReadiness) WaitForNode(ctx context.Context, cfg client.Config) (fixture.API, error) {
	return nil, failure.Timeoutf("timed out waiting for node after 3 attempts")
}

type env struct {
	root        string
	cfg         *config.Config
	launcher    *framework.StubLauncher
	provisioner *fakeProvisioner
	gen         *Generator
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

func newEnv(t *testing.T, releases ...string) *env {
	t.Helper()
	root := t.TempDir()

	cfg := config.Default()
	cfg.Host = "127.0.0.1"
	cfg.HTTPPort = freePort(t)
	cfg.TransportPort = freePort(t)
	cfg.ReleasesDir = filepath.Join(root, "backwards")
	cfg.OutputDir = filepath.Join(root, "bwc")
	cfg.WorkDir = filepath.Join(root, "work")
	cfg.Archiver = "native"
	for _, dir := range []string{cfg.OutputDir, cfg.WorkDir} {
		require.NoError(t, os.MkdirAll(dir, 0755))
	}
	for _, r := range releases {
		require.NoError(t, os.MkdirAll(filepath.Join(cfg.ReleasesDir, cfg.ReleaseDirName(r)), 0755))
	}

	launcher := &framework.StubLauncher{Username: cfg.AdminUser, Password: cfg.AdminPassword}
	provisioner := &fakeProvisioner{}
	sortedBefore := version.MustParse(cfg.SortedRoleBefore)
	fs := afero.NewOsFs()

	gen := &Generator{
		Config:      cfg,
		Fs:          fs,
		Launcher:    launcher,
		Provisioner: provisioner,
		Readiness: &PollReadiness{
			Budget: health.Budget{Attempts: 20, Interval: 50 * time.Millisecond},
			Logger: zerolog.Nop(),
		},
		Populator: fixture.NewPopulator(fixture.Default(), &sortedBefore, zerolog.Nop()),
		Archiver:  archive.NewNative(fs, zerolog.Nop()),
		Logger:    zerolog.Nop(),
	}
	t.Cleanup(func() {
		for _, h := range launcher.Launched() {
			_ = h.Stub.Close()
		}
	})
	return &env{root: root, cfg: cfg, launcher: launcher, provisioner: provisioner, gen: gen}
}

func (e *env) archivePath(v string) string {
	return filepath.Join(e.cfg.OutputDir, e.cfg.ArchivePrefix+"-"+v+".zip")
}

func (e *env) assertWorkDirEmpty(t *testing.T) {
	t.Helper()
	entries, err := os.ReadDir(e.cfg.WorkDir)
	require.NoError(t, err)
	assert.Empty(t, entries, "temp directories must be removed")
}

func TestRunGeneratesFixture(t *testing.T) {
	e := newEnv(t, "2.3.4")
	journal, err := storage.NewBoltStore(filepath.Join(e.root, "journal.db"))
	require.NoError(t, err)
	defer journal.Close()
	e.gen.Journal = journal
	e.gen.RunID = "run-1"

	summary, err := e.gen.Run(context.Background(), []string{"2.3.4"})
	require.NoError(t, err)
	require.Len(t, summary.Generated, 1)
	assert.Empty(t, summary.Skipped)

	dest := e.archivePath("2.3.4")
	abs, err := filepath.Abs(dest)
	require.NoError(t, err)
	assert.Equal(t, abs, summary.Generated[0].Archive)
	assert.FileExists(t, dest)

	framework.NewAssertions(t).DefaultFixture(dest)

	names, err := archive.Entries(afero.NewOsFs(), dest)
	require.NoError(t, err)
	for _, n := range names {
		assert.True(t, strings.HasPrefix(n, "data/"), n)
	}

	launched := e.launcher.Launched()
	require.Len(t, launched, 1)
	assert.Equal(t, 1, launched[0].ShutdownCount())
	assert.Equal(t, "bwc_index_2.3.4", launched[0].Spec.ClusterName)
	assert.Equal(t, []string{filepath.Join(e.cfg.ReleasesDir, "elasticsearch-2.3.4")}, e.provisioner.releases)
	e.assertWorkDirEmpty(t)

	record, err := journal.GetRecord("2.3.4")
	require.NoError(t, err)
	assert.Equal(t, "run-1", record.RunID)
	assert.Equal(t, summary.Generated[0].SHA256, record.SHA256)
	assert.Positive(t, record.SizeBytes)
}

func TestRunSkipsVersionsBelowMinimum(t *testing.T) {
	e := newEnv(t)

	summary, err := e.gen.Run(context.Background(), []string{"1.7.5", "2.2.0"})
	require.NoError(t, err)
	assert.Empty(t, summary.Generated)
	assert.Equal(t, []string{"1.7.5", "2.2.0"}, summary.Skipped)
	assert.Empty(t, e.launcher.Launched())
	assert.Empty(t, e.provisioner.releases)
}

func TestRunConstraint(t *testing.T) {
	e := newEnv(t, "2.3.4")
	e.cfg.Constraint = "< 5.0.0"

	summary, err := e.gen.Run(context.Background(), []string{"5.0.0", "2.3.4"})
	require.NoError(t, err)
	assert.Equal(t, []string{"5.0.0"}, summary.Skipped)
	require.Len(t, summary.Generated, 1)
	assert.Equal(t, "2.3.4", summary.Generated[0].Version)
}

func TestRunPortInUse(t *testing.T) {
	e := newEnv(t, "2.3.4")
	ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(e.cfg.HTTPPort)))
	require.NoError(t, err)
	defer ln.Close()

	_, err = e.gen.Run(context.Background(), []string{"2.3.4"})
	require.Error(t, err)
	assert.Equal(t, failure.KindPrecondition, failure.KindOf(err))
	assert.Contains(t, err.Error(), "port already in use")
	assert.Empty(t, e.provisioner.releases, "no release tool may run while the port is taken")
	assert.Empty(t, e.launcher.Launched())
	assert.NoFileExists(t, e.archivePath("2.3.4"))
	e.assertWorkDirEmpty(t)
}

func TestRunTransportPortInUse(t *testing.T) {
	e := newEnv(t, "2.3.4")
	ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(e.cfg.TransportPort)))
	require.NoError(t, err)
	defer ln.Close()

	_, err = e.gen.Run(context.Background(), []string{"2.3.4"})
	require.Error(t, err)
	assert.Equal(t, failure.KindPrecondition, failure.KindOf(err))
	assert.Empty(t, e.provisioner.releases)
	assert.Empty(t, e.launcher.Launched())
}

// statErrFs fails every Stat of path with err
type statErrFs struct {
	afero.Fs
	path string
	err  error
}

func (f statErrFs) Stat(name string) (os.FileInfo, error) {
	if name == f.path {
		return nil, &os.PathError{Op: "stat", Path: name, Err: f.err}
	}
	return f.Fs.Stat(name)
}

func TestRunUnreadableOutputDir(t *testing.T) {
	e := newEnv(t, "2.3.4")
	e.gen.Fs = statErrFs{Fs: afero.NewOsFs(), path: e.cfg.OutputDir, err: os.ErrPermission}

	_, err := e.gen.Run(context.Background(), []string{"2.3.4"})
	require.Error(t, err)
	assert.Equal(t, failure.KindPrecondition, failure.KindOf(err))
	assert.Contains(t, err.Error(), "permission denied")
	assert.NotContains(t, err.Error(), "does not exist")
	assert.Empty(t, e.provisioner.releases)
}

func TestRunUnreadableReleaseDir(t *testing.T) {
	e := newEnv(t, "2.3.4")
	release := filepath.Join(e.cfg.ReleasesDir, e.cfg.ReleaseDirName("2.3.4"))
	e.gen.Fs = statErrFs{Fs: afero.NewOsFs(), path: release, err: os.ErrPermission}

	_, err := e.gen.Run(context.Background(), []string{"2.3.4"})
	require.Error(t, err)
	assert.Equal(t, failure.KindPrecondition, failure.KindOf(err))
	assert.Contains(t, err.Error(), "cannot access release directory")
	assert.Empty(t, e.launcher.Launched())
}

func TestRunMissingOutputDir(t *testing.T) {
	e := newEnv(t, "2.3.4")
	e.cfg.OutputDir = filepath.Join(e.root, "missing")

	_, err := e.gen.Run(context.Background(), []string{"2.3.4"})
	require.Error(t, err)
	assert.Equal(t, failure.KindPrecondition, failure.KindOf(err))
	assert.Empty(t, e.provisioner.releases)
}

func TestRunMissingReleaseDir(t *testing.T) {
	e := newEnv(t)

	_, err := e.gen.Run(context.Background(), []string{"2.3.4"})
	require.Error(t, err)
	assert.Equal(t, failure.KindPrecondition, failure.KindOf(err))
	assert.Contains(t, err.Error(), "elasticsearch-2.3.4")
	assert.Empty(t, e.launcher.Launched())
}

func TestRunInvalidVersion(t *testing.T) {
	e := newEnv(t)

	_, err := e.gen.Run(context.Background(), []string{"2.3"})
	require.Error(t, err)
	assert.Equal(t, failure.KindPrecondition, failure.KindOf(err))
}

func TestRunCleansUpAfterPopulateFailure(t *testing.T) {
	e := newEnv(t, "2.3.4")
	e.launcher.Configure = func(s *framework.StubNode) {
		s.FailWith(http.MethodPut, "/_shield/role/"+fixture.TestRole, http.StatusBadRequest)
	}

	_, err := e.gen.Run(context.Background(), []string{"2.3.4"})
	require.Error(t, err)
	assert.Equal(t, failure.KindHTTP, failure.KindOf(err))

	launched := e.launcher.Launched()
	require.Len(t, launched, 1)
	assert.Equal(t, 1, launched[0].ShutdownCount())
	assert.NoFileExists(t, e.archivePath("2.3.4"))
	e.assertWorkDirEmpty(t)
}

func TestRunCleansUpAfterReadinessTimeout(t *testing.T) {
	e := newEnv(t, "2.3.4")
	e.gen.Readiness = failingReadiness{}

	_, err := e.gen.Run(context.Background(), []string{"2.3.4"})
	require.Error(t, err)
	assert.Equal(t, failure.KindTimeout, failure.KindOf(err))

	launched := e.launcher.Launched()
	require.Len(t, launched, 1)
	assert.Equal(t, 1, launched[0].ShutdownCount())
	e.assertWorkDirEmpty(t)
}

func TestRunReportsNodeOutputOnFailure(t *testing.T) {
	e := newEnv(t, "2.3.4")
	var logs bytes.Buffer
	e.gen.Logger = zerolog.New(&logs)
	e.gen.Readiness = failingReadiness{}
	output := make([]string, 0, 30)
	for i := 0; i < 29; i++ {
		output = append(output, "[INFO ][node] starting "+strconv.Itoa(i))
	}
	output = append(output, "java.net.BindException: Address already in use")
	e.launcher.Output = output

	_, err := e.gen.Run(context.Background(), []string{"2.3.4"})
	require.Error(t, err)
	assert.Equal(t, failure.KindTimeout, failure.KindOf(err))

	details := errors.FlattenDetails(err)
	assert.Contains(t, details, "java.net.BindException")
	assert.Contains(t, details, "starting 10")
	assert.NotContains(t, details, "starting 9\n", "only the last lines are kept")
	assert.Contains(t, logs.String(), "Node output before failure")
	assert.Contains(t, logs.String(), "BindException")
}

func TestRunWaitsForSlowNode(t *testing.T) {
	e := newEnv(t, "2.3.4")
	e.launcher.StartDelay = 200 * time.Millisecond

	summary, err := e.gen.Run(context.Background(), []string{"2.3.4"})
	require.NoError(t, err)
	assert.Len(t, summary.Generated, 1)
}

func TestRunInterrupted(t *testing.T) {
	e := newEnv(t, "2.3.4", "2.4.0")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e.provisioner.fn = func(ctx context.Context) error {
		cancel()
		return ctx.Err()
	}

	summary, err := e.gen.Run(ctx, []string{"2.3.4", "2.4.0"})
	require.Error(t, err)
	assert.Equal(t, failure.KindInterrupted, failure.KindOf(err))
	assert.Equal(t, failure.InterruptedExitCode, failure.ExitCode(err))
	assert.Empty(t, summary.Generated)
	assert.Len(t, e.provisioner.releases, 1)
	e.assertWorkDirEmpty(t)
}

func TestRunAbortsOnFirstFailure(t *testing.T) {
	e := newEnv(t, "2.3.4")

	summary, err := e.gen.Run(context.Background(), []string{"2.3.4", "2.4.0", "2.4.1"})
	require.Error(t, err)
	assert.Equal(t, failure.KindPrecondition, failure.KindOf(err))
	require.Len(t, summary.Generated, 1)
	assert.FileExists(t, e.archivePath("2.3.4"))
	assert.Len(t, e.launcher.Launched(), 1)
}

func TestRunReplacesExistingArchive(t *testing.T) {
	e := newEnv(t, "2.3.4")

	first, err := e.gen.Run(context.Background(), []string{"2.3.4"})
	require.NoError(t, err)
	framework.NewAssertions(t).DefaultFixture(e.archivePath("2.3.4"))

	// second run writes a single, different document
	def := fixture.Default()
	def.Documents = []fixture.Document{{
		Index: "index1",
		Type:  fixture.DocType,
		Body:  map[string]interface{}{"title": "regenerated"},
	}}
	e.gen.Populator = fixture.NewPopulator(def, nil, zerolog.Nop())

	second, err := e.gen.Run(context.Background(), []string{"2.3.4"})
	require.NoError(t, err)
	assert.Len(t, e.launcher.Launched(), 2)
	assert.NotEqual(t, first.Generated[0].SHA256, second.Generated[0].SHA256)

	_, sum, err := archive.Digest(afero.NewOsFs(), e.archivePath("2.3.4"))
	require.NoError(t, err)
	assert.Equal(t, second.Generated[0].SHA256, sum)

	docs := framework.NewAssertions(t).ArchiveDocuments(e.archivePath("2.3.4"))
	require.Len(t, docs, 1, "nothing of the first archive may survive")
	require.Len(t, docs["index1"], 1)
	assert.Equal(t, "regenerated", docs["index1"][0]["title"])
}

func TestNewSelectsArchiver(t *testing.T) {
	cfg := config.Default()
	gen, err := New(cfg, nil, zerolog.Nop())
	require.NoError(t, err)
	assert.IsType(t, &archive.ZipTool{}, gen.Archiver)

	cfg.Archiver = "native"
	gen, err = New(cfg, nil, zerolog.Nop())
	require.NoError(t, err)
	assert.IsType(t, &archive.Native{}, gen.Archiver)

	cfg.SortedRoleBefore = "bogus"
	_, err = New(cfg, nil, zerolog.Nop())
	assert.Equal(t, failure.KindPrecondition, failure.KindOf(err))
}
