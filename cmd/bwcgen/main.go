package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/cuemby/bwcgen/pkg/bwc"
	"github.com/cuemby/bwcgen/pkg/config"
	"github.com/cuemby/bwcgen/pkg/failure"
	"github.com/cuemby/bwcgen/pkg/fixture"
	"github.com/cuemby/bwcgen/pkg/log"
	"github.com/cuemby/bwcgen/pkg/metrics"
	"github.com/cuemby/bwcgen/pkg/storage"
	"github.com/cuemby/bwcgen/pkg/version"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(failure.ExitCode(err))
	}
}

var rootCmd = &cobra.Command{
	Use:   "bwcgen [X.Y.Z ...]",
	Short: "Generate backward compatibility index fixtures",
	Long: `bwcgen starts each requested release as a local node, creates a user, a
role with field and document level security and a few documents, then zips
the node's data directory into <output-dir>/x-pack-<version>.zip.

Releases are expected unpacked under <releases-dir>/elasticsearch-<version>.
Use --all to regenerate every fixture already present in the output
directory.`,
	Version:           Version,
	Args:              validateVersionArgs,
	PersistentPreRunE: setupLogging,
	RunE:              runGenerate,
	SilenceUsage:      true,
	SilenceErrors:     true,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"bwcgen version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("json-logs", false, "Write logs as JSON")
	rootCmd.PersistentFlags().String("config", "", "YAML configuration file")
	rootCmd.PersistentFlags().String("journal", "", "Fixture journal database (disabled when empty)")

	rootCmd.Flags().StringP("releases-dir", "d", config.DefaultReleasesDir, "Directory holding the unpacked releases")
	rootCmd.Flags().StringP("output-dir", "o", config.DefaultOutputDir, "Directory the archives are written to")
	rootCmd.Flags().Bool("all", false, "Regenerate every fixture found in the output directory")
	rootCmd.Flags().String("fixture", "", "YAML fixture definition (built-in fixture when empty)")
	rootCmd.Flags().String("archiver", "zip", "Archiver: zip (external tool) or native")
	rootCmd.Flags().String("constraint", "", "Only build versions matching this semver range, e.g. \"< 5.0.0\"")
	rootCmd.Flags().String("metrics-file", "", "Write run metrics in Prometheus text format to this file")

	rootCmd.AddCommand(historyCmd)
}

func validateVersionArgs(cmd *cobra.Command, args []string) error {
	all, _ := cmd.Flags().GetBool("all")
	switch {
	case all && len(args) > 0:
		return failure.Preconditionf("--all cannot be combined with explicit versions")
	case !all && len(args) == 0:
		return failure.Preconditionf("give one or more versions or --all")
	}
	return nil
}

func setupLogging(cmd *cobra.Command, args []string) error {
	level, _ := cmd.Flags().GetString("log-level")
	jsonLogs, _ := cmd.Flags().GetBool("json-logs")
	log.Init(log.Config{
		Level:      log.ParseLevel(level),
		JSONOutput: jsonLogs,
	})
	return nil
}

// loadConfig reads --config and applies the flags that were set on top
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, failure.Preconditionf("%v", err)
	}

	overrides := map[string]*string{
		"releases-dir": &cfg.ReleasesDir,
		"output-dir":   &cfg.OutputDir,
		"fixture":      &cfg.FixtureFile,
		"archiver":     &cfg.Archiver,
		"constraint":   &cfg.Constraint,
		"metrics-file": &cfg.MetricsFile,
		"journal":      &cfg.JournalPath,
	}
	for name, target := range overrides {
		flag := cmd.Flags().Lookup(name)
		if flag != nil && flag.Changed {
			*target = flag.Value.String()
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, failure.Preconditionf("%v", err)
	}
	return cfg, nil
}

func runGenerate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := log.WithComponent("bwc")

	var def *fixture.Definition
	if cfg.FixtureFile != "" {
		if def, err = fixture.Load(cfg.FixtureFile); err != nil {
			return failure.Preconditionf("%v", err)
		}
	}

	versions := args
	if all, _ := cmd.Flags().GetBool("all"); all {
		versions, err = version.Discover(afero.NewOsFs(), cfg.OutputDir, cfg.ArchivePrefix)
		if err != nil {
			return err
		}
		logger.Info().Strs("versions", versions).Msg("Regenerating existing fixtures")
	}

	gen, err := bwc.New(cfg, def, logger)
	if err != nil {
		return err
	}

	if cfg.JournalPath != "" {
		store, err := storage.NewBoltStore(cfg.JournalPath)
		if err != nil {
			return err
		}
		defer store.Close()
		gen.Journal = store
	}

	summary, err := gen.Run(cmd.Context(), versions)

	if cfg.MetricsFile != "" {
		if merr := metrics.WriteTextfile(cfg.MetricsFile); merr != nil {
			logger.Warn().Err(merr).Str("path", cfg.MetricsFile).Msg("failed to write metrics")
		}
	}

	if err != nil {
		if failure.KindOf(err) == failure.KindInterrupted {
			logger.Warn().Msg("Interrupted, node stopped and temporary files removed")
		}
		return err
	}

	for _, r := range summary.Generated {
		fmt.Printf("✓ %s -> %s\n", r.Version, r.Archive)
	}
	for _, v := range summary.Skipped {
		fmt.Printf("- %s skipped\n", v)
	}
	return nil
}
