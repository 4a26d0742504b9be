package testutil

import (
	"path/filepath"
	"testing"
	"time"

	"git.home.luguber.info/inful/repobuilder/internal/config"
)

// ConfigBuilder provides a fluent interface for creating test configurations.
type ConfigBuilder struct {
	config *config.Config
	t      *testing.T
}

// NewConfigBuilder creates a configuration rooted in a fresh temp dir with
// an in-memory ledger and a script driver that always succeeds.
func NewConfigBuilder(t *testing.T) *ConfigBuilder {
	t.Helper()
	dataDir := t.TempDir()
	return &ConfigBuilder{
		config: &config.Config{
			DataDir:      dataDir,
			BaseURL:      "http://localhost/repos",
			RepoName:     "delorean",
			Target:       "centos",
			SourceBranch: "master",
			DistroBranch: "rpm-master",
			MaxRetries:   3,
			Workers:      1,
			BuildType:    "rpm",
			KnownErrors:  append([]string(nil), config.DefaultKnownErrors...),
			Database:     config.DatabaseConfig{Connection: "sqlite://:memory:"},
			PkgInfo:      config.PkgInfoConfig{Driver: "local", WorkDir: filepath.Join(dataDir, "work")},
			Build:        config.BuildConfig{Driver: "script", Command: []string{"/bin/true"}, Timeout: time.Minute},
			Retry: config.RetryConfig{
				Mode:       config.RetryBackoffFixed,
				Initial:    time.Millisecond,
				Max:        5 * time.Millisecond,
				MaxRetries: 2,
			},
		},
		t: t,
	}
}

// WithMaxRetries sets the RETRY budget per source/packaging pair.
func (cb *ConfigBuilder) WithMaxRetries(n int) *ConfigBuilder {
	cb.config.MaxRetries = n
	return cb
}

// WithWorkers sets the worker pool size.
func (cb *ConfigBuilder) WithWorkers(n int) *ConfigBuilder {
	cb.config.Workers = n
	return cb
}

// WithComponents enables component-aware layout.
func (cb *ConfigBuilder) WithComponents() *ConfigBuilder {
	cb.config.UseComponents = true
	return cb
}

// WithBuildCommand sets the script driver command.
func (cb *ConfigBuilder) WithBuildCommand(argv ...string) *ConfigBuilder {
	cb.config.Build.Command = argv
	return cb
}

// WithRepoCommand sets the post-build repository metadata command.
func (cb *ConfigBuilder) WithRepoCommand(argv ...string) *ConfigBuilder {
	cb.config.Build.RepoCommand = argv
	return cb
}

// WithKnownErrors replaces the transient error patterns.
func (cb *ConfigBuilder) WithKnownErrors(patterns ...string) *ConfigBuilder {
	cb.config.KnownErrors = patterns
	return cb
}

// WithPkgInfo selects the package source driver.
func (cb *ConfigBuilder) WithPkgInfo(driver string, options map[string]string) *ConfigBuilder {
	cb.config.PkgInfo.Driver = driver
	cb.config.PkgInfo.Options = options
	return cb
}

// WithPackagesFile points the gitrepo driver at a packages file.
func (cb *ConfigBuilder) WithPackagesFile(path string) *ConfigBuilder {
	cb.config.PkgInfo.Driver = "gitrepo"
	cb.config.PkgInfo.PackagesFile = path
	return cb
}

// WithPurge sets the retention defaults.
func (cb *ConfigBuilder) WithPurge(days int, exclude ...string) *ConfigBuilder {
	cb.config.Purge = config.PurgeConfig{OlderThanDays: days, ExcludeDirs: exclude}
	return cb
}

// Build validates and returns the configuration.
func (cb *ConfigBuilder) Build() *config.Config {
	cb.t.Helper()
	if err := config.Validate(cb.config); err != nil {
		cb.t.Fatalf("invalid test configuration: %v", err)
	}
	return cb.config
}
