package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultHost             = "localhost"
	DefaultTransportPort    = 9300
	DefaultHTTPPort         = 9200
	DefaultAdminUser        = "es_admin"
	DefaultAdminPassword    = "0123456789"
	DefaultAdminRole        = "admin"
	DefaultReadyAttempts    = 30
	DefaultReadyInterval    = time.Second
	DefaultRequestTimeout   = 30 * time.Second
	DefaultHealthTimeout    = 20 * time.Second
	DefaultMinimumVersion   = "2.3.0"
	DefaultArchivePrefix    = "x-pack"
	DefaultClusterPrefix    = "bwc_index"
	DefaultReleasePattern   = "elasticsearch-%s"
	DefaultReleasesDir      = "backwards"
	DefaultOutputDir        = "elasticsearch/x-pack/src/test/resources/indices/bwc/"
	DefaultSortedRoleBefore = "5.0.0"
)

// DefaultPlugins are reinstalled before every launch, in order.
var DefaultPlugins = []string{"license", "shield"}

// Config holds every tunable of a fixture run. Zero values are never used
// directly; start from Default and overlay a file or flags.
type Config struct {
	Host          string `yaml:"host"`
	TransportPort int    `yaml:"transport_port"`
	HTTPPort      int    `yaml:"http_port"`

	AdminUser     string `yaml:"admin_user"`
	AdminPassword string `yaml:"admin_password"`
	AdminRole     string `yaml:"admin_role"`

	ReadyAttempts  int           `yaml:"ready_attempts"`
	ReadyInterval  time.Duration `yaml:"ready_interval"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	// HealthTimeout is the server side wait of the final cluster health
	// call. It must end before RequestTimeout so the server answers first.
	HealthTimeout time.Duration `yaml:"health_timeout"`

	// ShutdownTimeout bounds the wait for node exit; zero waits forever.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	MinimumVersion string   `yaml:"minimum_version"`
	Constraint     string   `yaml:"constraint"`
	Plugins        []string `yaml:"plugins"`

	ArchivePrefix  string `yaml:"archive_prefix"`
	ClusterPrefix  string `yaml:"cluster_prefix"`
	ReleasePattern string `yaml:"release_pattern"`
	ReleasesDir    string `yaml:"releases_dir"`
	OutputDir      string `yaml:"output_dir"`
	WorkDir        string `yaml:"work_dir"`

	// SortedRoleBefore enables sorted role bodies for versions below it.
	// Empty disables the shim.
	SortedRoleBefore string `yaml:"sorted_role_before"`

	Archiver    string `yaml:"archiver"`
	FixtureFile string `yaml:"fixture_file"`
	JournalPath string `yaml:"journal_path"`
	MetricsFile string `yaml:"metrics_file"`
}

// Default returns the configuration the fixtures are normally built with.
func Default() *Config {
	return &Config{
		Host:             DefaultHost,
		TransportPort:    DefaultTransportPort,
		HTTPPort:         DefaultHTTPPort,
		AdminUser:        DefaultAdminUser,
		AdminPassword:    DefaultAdminPassword,
		AdminRole:        DefaultAdminRole,
		ReadyAttempts:    DefaultReadyAttempts,
		ReadyInterval:    DefaultReadyInterval,
		RequestTimeout:   DefaultRequestTimeout,
		HealthTimeout:    DefaultHealthTimeout,
		MinimumVersion:   DefaultMinimumVersion,
		Plugins:          append([]string(nil), DefaultPlugins...),
		ArchivePrefix:    DefaultArchivePrefix,
		ClusterPrefix:    DefaultClusterPrefix,
		ReleasePattern:   DefaultReleasePattern,
		ReleasesDir:      DefaultReleasesDir,
		OutputDir:        DefaultOutputDir,
		SortedRoleBefore: DefaultSortedRoleBefore,
		Archiver:         "zip",
	}
}

// Load reads a YAML file and overlays it on the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// Validate checks invariants that would otherwise surface as confusing
// failures halfway through a run.
func (c *Config) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("host is required")
	}
	if !validPort(c.TransportPort) || !validPort(c.HTTPPort) {
		return fmt.Errorf("invalid ports %d/%d", c.TransportPort, c.HTTPPort)
	}
	if c.TransportPort == c.HTTPPort {
		return fmt.Errorf("transport and http port must differ, both are %d", c.HTTPPort)
	}
	if c.ReadyAttempts < 1 {
		return fmt.Errorf("ready_attempts must be at least 1, got %d", c.ReadyAttempts)
	}
	if c.ReadyInterval < 0 || c.ShutdownTimeout < 0 {
		return fmt.Errorf("durations must not be negative")
	}
	if c.RequestTimeout > 0 && c.HealthTimeout >= c.RequestTimeout {
		return fmt.Errorf("health_timeout (%v) must be shorter than request_timeout (%v)", c.HealthTimeout, c.RequestTimeout)
	}
	if c.ArchivePrefix == "" || c.ClusterPrefix == "" {
		return fmt.Errorf("archive_prefix and cluster_prefix are required")
	}
	switch c.Archiver {
	case "zip", "native":
	default:
		return fmt.Errorf("unknown archiver %q (want zip or native)", c.Archiver)
	}
	return nil
}

// ClusterName is the cluster name the node for version is started with.
func (c *Config) ClusterName(version string) string {
	return c.ClusterPrefix + "_" + version
}

// ReleaseDirName is the directory under ReleasesDir holding version.
func (c *Config) ReleaseDirName(version string) string {
	return fmt.Sprintf(c.ReleasePattern, version)
}

func validPort(p int) bool {
	return p > 0 && p < 65536
}
