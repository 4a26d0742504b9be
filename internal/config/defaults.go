package config

import (
	"path/filepath"
	"time"
)

// DefaultKnownErrors are build log signatures of transient infrastructure
// failures. A build failing with one of these is retried.
var DefaultKnownErrors = []string{
	`Error: Nothing to do`,
	`Error downloading packages`,
	`No more mirrors to try`,
	`Cannot retrieve metalink for repository`,
	`Could not retrieve mirrorlist`,
	`Failed to synchronize cache for repo`,
	`No route to host`,
	`Device or resource busy`,
	`Could not resolve host`,
	`Temporary failure in name resolution`,
	`distroinfo.exception.CommandFailed: Command failed with return code 128: git`,
	`Error fetching remote`,
	`Connection timed out`,
}

// DefaultApplier applies defaults for a specific configuration domain.
type DefaultApplier interface {
	ApplyDefaults(cfg *Config) error
	Domain() string
}

type coreDefaults struct{}

func (coreDefaults) Domain() string { return "core" }

func (coreDefaults) ApplyDefaults(cfg *Config) error {
	if cfg.DataDir == "" {
		cfg.DataDir = "./data"
	}
	if abs, err := filepath.Abs(cfg.DataDir); err == nil {
		cfg.DataDir = abs
	}
	if cfg.RepoName == "" {
		cfg.RepoName = "delorean"
	}
	if cfg.SourceBranch == "" {
		cfg.SourceBranch = "master"
	}
	if cfg.DistroBranch == "" {
		cfg.DistroBranch = "rpm-master"
	}
	if cfg.BuildType == "" {
		cfg.BuildType = "rpm"
	}
	// maxretries: 0 means unset; a negative value disables retries.
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.KnownErrors == nil {
		cfg.KnownErrors = append([]string(nil), DefaultKnownErrors...)
	}
	return nil
}

type databaseDefaults struct{}

func (databaseDefaults) Domain() string { return "database" }

func (databaseDefaults) ApplyDefaults(cfg *Config) error {
	if cfg.Database.Connection == "" {
		cfg.Database.Connection = "sqlite:///" + filepath.Join(cfg.DataDir, "commits.sqlite")
	}
	if cfg.Database.MaxOpenConns <= 0 {
		cfg.Database.MaxOpenConns = 4
	}
	return nil
}

type driverDefaults struct{}

func (driverDefaults) Domain() string { return "drivers" }

func (driverDefaults) ApplyDefaults(cfg *Config) error {
	if cfg.PkgInfo.Driver == "" {
		cfg.PkgInfo.Driver = "gitrepo"
	}
	if cfg.PkgInfo.WorkDir == "" {
		cfg.PkgInfo.WorkDir = cfg.DataDir
	}
	if cfg.Build.Driver == "" {
		cfg.Build.Driver = "script"
	}
	return nil
}

type daemonDefaults struct{}

func (daemonDefaults) Domain() string { return "daemon" }

func (daemonDefaults) ApplyDefaults(cfg *Config) error {
	if cfg.Daemon.Interval <= 0 {
		cfg.Daemon.Interval = 10 * time.Minute
	}
	if cfg.Daemon.ReloadDebounce <= 0 {
		cfg.Daemon.ReloadDebounce = 2 * time.Second
	}
	if cfg.Events.Subject == "" {
		cfg.Events.Subject = "repobuilder.builds"
	}
	if cfg.Events.Stream == "" {
		cfg.Events.Stream = "REPOBUILDER"
	}
	return nil
}

type retryDefaults struct{}

func (retryDefaults) Domain() string { return "retry" }

func (retryDefaults) ApplyDefaults(cfg *Config) error {
	cfg.Retry.Mode = cfg.Retry.Backoff()
	if cfg.Retry.Initial <= 0 {
		cfg.Retry.Initial = time.Second
	}
	if cfg.Retry.Max <= 0 {
		cfg.Retry.Max = 30 * time.Second
	}
	if cfg.Retry.MaxRetries <= 0 {
		cfg.Retry.MaxRetries = 3
	}
	return nil
}

var defaultAppliers = []DefaultApplier{
	coreDefaults{},
	databaseDefaults{},
	driverDefaults{},
	daemonDefaults{},
	retryDefaults{},
}

func applyDefaults(cfg *Config) error {
	for _, a := range defaultAppliers {
		if err := a.ApplyDefaults(cfg); err != nil {
			return err
		}
	}
	return nil
}
