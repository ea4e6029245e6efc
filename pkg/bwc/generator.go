package bwc

import (
	"context"
	"path/filepath"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/cuemby/bwcgen/pkg/archive"
	"github.com/cuemby/bwcgen/pkg/client"
	"github.com/cuemby/bwcgen/pkg/command"
	"github.com/cuemby/bwcgen/pkg/config"
	"github.com/cuemby/bwcgen/pkg/failure"
	"github.com/cuemby/bwcgen/pkg/fixture"
	"github.com/cuemby/bwcgen/pkg/health"
	"github.com/cuemby/bwcgen/pkg/log"
	"github.com/cuemby/bwcgen/pkg/metrics"
	"github.com/cuemby/bwcgen/pkg/node"
	"github.com/cuemby/bwcgen/pkg/storage"
	"github.com/cuemby/bwcgen/pkg/version"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"
)

// Launcher starts a node without waiting for it to be reachable
type Launcher interface {
	Start(ctx context.Context, spec node.Spec) (node.Handle, error)
}

// Provisioner prepares a release directory before launch
type Provisioner interface {
	Provision(ctx context.Context, releaseDir string) error
}

// Readiness blocks until the node answers and returns a client for it
type Readiness interface {
	WaitForNode(ctx context.Context, cfg client.Config) (fixture.API, error)
}

// Populator writes the fixture content into a ready node
type Populator interface {
	Populate(ctx context.Context, api fixture.API, v version.Version) error
}

// Journal records generated archives
type Journal interface {
	PutRecord(record *storage.Record) error
}

// dataDirName is the node data directory inside the temp dir, and the root
// of every archive.
const dataDirName = "data"

// Generator builds one fixture archive per version, one version at a time
type Generator struct {
	Config      *config.Config
	Fs          afero.Fs
	Launcher    Launcher
	Provisioner Provisioner
	Readiness   Readiness
	Populator   Populator
	Archiver    archive.Archiver
	// Journal is optional
	Journal Journal
	RunID   string
	Logger  zerolog.Logger
	Now     func() time.Time
}

// Summary reports what a run did
type Summary struct {
	RunID     string
	Generated []*storage.Record
	Skipped   []string
}

// New wires a generator running real nodes from cfg. def may be nil for
// the built-in fixture.
func New(cfg *config.Config, def *fixture.Definition, logger zerolog.Logger) (*Generator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, failure.Preconditionf("invalid configuration: %v", err)
	}
	if def == nil {
		def = fixture.Default()
	}

	var sortedBefore *version.Version
	if cfg.SortedRoleBefore != "" {
		v, err := version.Parse(cfg.SortedRoleBefore)
		if err != nil {
			return nil, failure.Preconditionf("sorted_role_before: %v", err)
		}
		sortedBefore = &v
	}

	fs := afero.NewOsFs()
	runner := command.NewOSRunner(logger.With().Str("component", "command").Logger())

	var archiver archive.Archiver
	switch cfg.Archiver {
	case "native":
		archiver = archive.NewNative(fs, logger)
	default:
		archiver = archive.NewZipTool(runner, logger)
	}

	populator := fixture.NewPopulator(def, sortedBefore, logger)
	populator.HealthTimeout = cfg.HealthTimeout

	return &Generator{
		Config:      cfg,
		Fs:          fs,
		Launcher:    node.NewLauncher(logger),
		Provisioner: NewNodeProvisioner(cfg, runner, logger),
		Readiness: &PollReadiness{
			Budget: health.Budget{Attempts: cfg.ReadyAttempts, Interval: cfg.ReadyInterval},
			Logger: logger,
		},
		Populator: populator,
		Archiver:  archiver,
		Logger:    logger,
	}, nil
}

// Run generates fixtures for raw versions in order. Versions below the
// minimum or outside the constraint are skipped. The first failure aborts
// the run; archives already written stay.
func (g *Generator) Run(ctx context.Context, raw []string) (*Summary, error) {
	if g.RunID == "" {
		g.RunID = uuid.New().String()
	}
	logger := log.WithRunID(g.Logger, g.RunID)
	summary := &Summary{RunID: g.RunID}

	outputDir, err := filepath.Abs(g.Config.OutputDir)
	if err != nil {
		return summary, errors.Wrap(err, "resolving output directory")
	}
	if err := requireDir(g.Fs, "output", outputDir); err != nil {
		return summary, err
	}

	selector, err := version.NewSelector(g.Config.MinimumVersion, g.Config.Constraint, logger)
	if err != nil {
		return summary, err
	}
	versions, err := selector.Select(raw)
	if err != nil {
		return summary, err
	}
	summary.Skipped = skipped(raw, versions)
	metrics.FixturesTotal.WithLabelValues("skipped").Add(float64(len(summary.Skipped)))

	for _, v := range versions {
		if err := ctx.Err(); err != nil {
			return summary, errors.Wrap(err, "run interrupted")
		}

		record, err := g.generate(ctx, v, outputDir, log.WithVersion(logger, v.Raw))
		if err != nil {
			metrics.FixturesTotal.WithLabelValues("failed").Inc()
			return summary, errors.Wrapf(err, "generating fixture for %s", v)
		}
		metrics.FixturesTotal.WithLabelValues("generated").Inc()
		summary.Generated = append(summary.Generated, record)
	}
	return summary, nil
}

// generate runs the whole per-version workflow. Whatever happens, a node
// that was started is shut down and the temp dir is removed.
func (g *Generator) generate(ctx context.Context, v version.Version, outputDir string, logger zerolog.Logger) (record *storage.Record, err error) {
	cfg := g.Config
	releaseDir := filepath.Join(cfg.ReleasesDir, cfg.ReleaseDirName(v.Raw))
	if err := requireDir(g.Fs, "release", releaseDir); err != nil {
		return nil, err
	}
	// plugin and user tools rewrite the release, so refuse before running any
	if err := node.CheckPortsFree(ctx, cfg.Host, cfg.HTTPPort, cfg.TransportPort); err != nil {
		return nil, err
	}

	tmp, err := afero.TempDir(g.Fs, cfg.WorkDir, "bwc-"+v.Raw+"-")
	if err != nil {
		return nil, errors.Wrap(err, "creating temp directory")
	}
	logger.Info().Str("temp_dir", tmp).Msg("Generating fixture")

	var handle node.Handle
	defer func() {
		if handle != nil {
			if serr := handle.Shutdown(cfg.ShutdownTimeout); serr != nil {
				logger.Warn().Err(serr).Int("pid", handle.PID()).Msg("failed to shut down node")
			}
		}
		if rerr := g.Fs.RemoveAll(tmp); rerr != nil {
			logger.Warn().Err(rerr).Str("temp_dir", tmp).Msg("failed to remove temp directory")
		}
	}()

	timer := metrics.NewTimer()
	if err := g.Provisioner.Provision(ctx, releaseDir); err != nil {
		return nil, err
	}
	timer.ObserveDurationVec(metrics.StepDuration, "provision")

	spec := node.Spec{
		Version:       v.Raw,
		ReleaseDir:    releaseDir,
		DataDir:       filepath.Join(tmp, dataDirName),
		LogsDir:       filepath.Join(tmp, "logs"),
		ClusterName:   cfg.ClusterName(v.Raw),
		Host:          cfg.Host,
		TransportPort: cfg.TransportPort,
		HTTPPort:      cfg.HTTPPort,
	}
	handle, err = g.Launcher.Start(ctx, spec)
	if err != nil {
		return nil, err
	}
	logger.Info().Int("pid", handle.PID()).Msg("Node started")

	timer = metrics.NewTimer()
	api, err := g.Readiness.WaitForNode(ctx, client.Config{
		Host:     cfg.Host,
		Port:     cfg.HTTPPort,
		Username: cfg.AdminUser,
		Password: cfg.AdminPassword,
		Timeout:  cfg.RequestTimeout,
	})
	if err != nil {
		return nil, withNodeOutput(err, handle, logger)
	}
	timer.ObserveDurationVec(metrics.StepDuration, "ready")

	timer = metrics.NewTimer()
	if err := g.Populator.Populate(ctx, api, v); err != nil {
		return nil, withNodeOutput(err, handle, logger)
	}
	timer.ObserveDurationVec(metrics.StepDuration, "populate")

	h := handle
	handle = nil
	timer = metrics.NewTimer()
	if err := h.Shutdown(cfg.ShutdownTimeout); err != nil {
		return nil, errors.Wrap(err, "shutting down node")
	}
	timer.ObserveDurationVec(metrics.StepDuration, "shutdown")

	dest, err := archive.Path(outputDir, cfg.ArchivePrefix, v.Raw)
	if err != nil {
		return nil, err
	}
	timer = metrics.NewTimer()
	if err := g.Archiver.Archive(ctx, tmp, dataDirName, dest); err != nil {
		return nil, err
	}
	timer.ObserveDurationVec(metrics.StepDuration, "archive")

	size, sum, err := archive.Digest(g.Fs, dest)
	if err != nil {
		return nil, err
	}
	metrics.ArchiveBytes.WithLabelValues(v.Raw).Set(float64(size))

	record = &storage.Record{
		Version:     v.Raw,
		Archive:     dest,
		SizeBytes:   size,
		SHA256:      sum,
		RunID:       g.RunID,
		GeneratedAt: g.now(),
	}
	if g.Journal != nil {
		if err := g.Journal.PutRecord(record); err != nil {
			return nil, errors.Wrap(err, "recording fixture in journal")
		}
	}
	logger.Info().Str("archive", dest).Int64("bytes", size).Msg("Fixture generated")
	return record, nil
}

func (g *Generator) now() time.Time {
	if g.Now != nil {
		return g.Now()
	}
	return time.Now().UTC()
}

// nodeOutputLines is how much captured node output accompanies a failure
const nodeOutputLines = 20

type logTailer interface {
	LogTail(n int) []string
}

// withNodeOutput logs the last lines the node wrote and attaches them to err
// as a detail, when the handle captured any.
func withNodeOutput(err error, h node.Handle, logger zerolog.Logger) error {
	t, ok := h.(logTailer)
	if !ok {
		return err
	}
	lines := t.LogTail(nodeOutputLines)
	if len(lines) == 0 {
		return err
	}
	out := strings.Join(lines, "\n")
	logger.Warn().Str("node_output", out).Msg("Node output before failure")
	return errors.WithDetailf(err, "node output:\n%s", out)
}

// requireDir fails with a precondition error unless path is a directory
func requireDir(fs afero.Fs, what, path string) error {
	ok, err := afero.DirExists(fs, path)
	if err != nil {
		return failure.Preconditionf("cannot access %s directory %s: %v", what, path, err)
	}
	if !ok {
		return failure.Preconditionf("%s directory %s does not exist", what, path)
	}
	return nil
}

func skipped(raw []string, selected []version.Version) []string {
	kept := make(map[string]bool, len(selected))
	for _, v := range selected {
		kept[v.Raw] = true
	}
	var out []string
	for _, r := range raw {
		if !kept[r] {
			out = append(out, r)
		}
	}
	return out
}
