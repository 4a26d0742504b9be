package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"git.home.luguber.info/inful/repobuilder/internal/foundation/errors"
)

// Config is the complete repobuilder configuration. It is loaded once at
// process start and handed to every component constructor.
type Config struct {
	DataDir          string   `yaml:"datadir"`
	ScriptsDir       string   `yaml:"scriptsdir,omitempty"`
	BaseURL          string   `yaml:"baseurl"`
	RepoName         string   `yaml:"reponame,omitempty"`
	Target           string   `yaml:"target,omitempty"`
	SourceBranch     string   `yaml:"source_branch,omitempty"`
	DistroBranch     string   `yaml:"distro_branch,omitempty"`
	MaxRetries       int      `yaml:"maxretries"`
	Workers          int      `yaml:"workers,omitempty"`
	UseComponents    bool     `yaml:"use_components,omitempty"`
	FallbackToMaster bool     `yaml:"fallback_to_master,omitempty"`
	BuildType        string   `yaml:"build_type,omitempty"`
	LockFile         string   `yaml:"lock_file,omitempty"`
	KnownErrors      []string `yaml:"known_errors,omitempty"`

	Database      DatabaseConfig     `yaml:"database"`
	PkgInfo       PkgInfoConfig      `yaml:"pkginfo"`
	Build         BuildConfig        `yaml:"build"`
	Notifications NotificationConfig `yaml:"notifications,omitempty"`
	Purge         PurgeConfig        `yaml:"purge,omitempty"`
	Daemon        DaemonConfig       `yaml:"daemon,omitempty"`
	Events        EventsConfig       `yaml:"events,omitempty"`
	Retry         RetryConfig        `yaml:"retry,omitempty"`
}

// DatabaseConfig selects the ledger backend. Connection strings use the
// sqlite:///relative, sqlite:////absolute, sqlite://:memory: or
// postgres://... forms.
type DatabaseConfig struct {
	Connection      string        `yaml:"connection"`
	MaxOpenConns    int           `yaml:"max_open_conns,omitempty"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime,omitempty"`
}

// PkgInfoConfig selects the package source driver.
type PkgInfoConfig struct {
	Driver       string            `yaml:"driver"`
	PackagesFile string            `yaml:"packages_file,omitempty"`
	WorkDir      string            `yaml:"workdir,omitempty"`
	Options      map[string]string `yaml:"options,omitempty"`
}

// BuildConfig selects the package build driver. RepoCommand, when set, is
// run with the commit directory as last argument after every successful
// build to regenerate repository metadata (createrepo_c for RPM trees).
type BuildConfig struct {
	Driver      string            `yaml:"driver"`
	Command     []string          `yaml:"command,omitempty"`
	Env         map[string]string `yaml:"env,omitempty"`
	Timeout     time.Duration     `yaml:"timeout,omitempty"`
	RepoCommand []string          `yaml:"repo_command,omitempty"`
}

// NotificationConfig controls maintainer notifications and review submission.
type NotificationConfig struct {
	SMTPServer    string   `yaml:"smtp_server,omitempty"`
	From          string   `yaml:"from,omitempty"`
	ReviewCommand []string `yaml:"review_command,omitempty"`
}

// PurgeConfig controls the retention engine.
type PurgeConfig struct {
	OlderThanDays int      `yaml:"older_than_days,omitempty"`
	ExcludeDirs   []string `yaml:"exclude_dirs,omitempty"`
}

// DaemonConfig controls periodic runs and the API listener.
type DaemonConfig struct {
	Interval       time.Duration `yaml:"interval,omitempty"`
	PurgeSchedule  string        `yaml:"purge_schedule,omitempty"`
	Listen         string        `yaml:"listen,omitempty"`
	ReloadDebounce time.Duration `yaml:"reload_debounce,omitempty"`
	// MaxConnections caps concurrent API connections; 0 means unlimited.
	MaxConnections int `yaml:"max_connections,omitempty"`
}

// EventsConfig enables publishing build results to NATS. When KVBucket is
// set, the latest event of every project is also stored in that JetStream
// key/value bucket.
type EventsConfig struct {
	NATSURL  string `yaml:"nats_url,omitempty"`
	Subject  string `yaml:"subject,omitempty"`
	Stream   string `yaml:"stream,omitempty"`
	KVBucket string `yaml:"kv_bucket,omitempty"`
}

// ReposDir is the root of the publication tree.
func (c *Config) ReposDir() string {
	return filepath.Join(c.DataDir, "repos")
}

// LockPath is the cross-process lock guarding the ledger and the publication tree.
func (c *Config) LockPath() string {
	if c.LockFile != "" {
		return c.LockFile
	}
	return filepath.Join(c.DataDir, "repobuilder.lock")
}

// Load reads, expands and validates the configuration at configPath.
func Load(configPath string) (*Config, error) {
	loadEnvFiles()

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.ConfigError("configuration file not found").WithContext("path", configPath).Build()
		}
		return nil, errors.WrapError(err, errors.CategoryConfig, "failed to read config file").WithContext("path", configPath).Build()
	}
	return Parse(data)
}

// Parse decodes YAML configuration content, applying environment expansion and defaults.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, errors.WrapError(err, errors.CategoryConfig, "failed to unmarshal config").Build()
	}
	if err := applyDefaults(&cfg); err != nil {
		return nil, err
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Init writes an example configuration file.
func Init(configPath string, force bool) error {
	if _, err := os.Stat(configPath); err == nil && !force {
		return errors.ValidationError(fmt.Sprintf("configuration file already exists: %s (use --force to overwrite)", configPath)).Build()
	}

	example := Config{
		DataDir:      "./data",
		BaseURL:      "http://localhost:8080",
		RepoName:     "delorean",
		Target:       "centos",
		SourceBranch: "master",
		DistroBranch: "rpm-master",
		MaxRetries:   3,
		Workers:      2,
		Database:     DatabaseConfig{Connection: "sqlite:///data/commits.sqlite"},
		PkgInfo:      PkgInfoConfig{Driver: "gitrepo", PackagesFile: "packages.yaml"},
		Build: BuildConfig{
			Driver:  "script",
			Command: []string{"./scripts/build_package.sh"},
		},
		Purge:  PurgeConfig{OlderThanDays: 30},
		Daemon: DaemonConfig{Interval: 10 * time.Minute, PurgeSchedule: "0 3 * * *", Listen: ":8080"},
	}

	data, err := yaml.Marshal(&example)
	if err != nil {
		return errors.WrapError(err, errors.CategoryInternal, "failed to marshal example config").Build()
	}
	if err := os.WriteFile(configPath, data, 0o600); err != nil {
		return errors.FileSystemError("failed to write config file").WithCause(err).WithContext("path", configPath).Build()
	}
	return nil
}
