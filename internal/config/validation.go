package config

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"git.home.luguber.info/inful/repobuilder/internal/foundation/errors"
)

// Validate checks a defaulted configuration for values no component can work with.
func Validate(cfg *Config) error {
	if strings.TrimSpace(cfg.BaseURL) != "" {
		if _, err := url.Parse(cfg.BaseURL); err != nil {
			return errors.ValidationError("baseurl is not a valid URL").WithContext("baseurl", cfg.BaseURL).Build()
		}
	}
	if strings.ContainsAny(cfg.RepoName, "/\\") {
		return errors.ValidationError("reponame must not contain path separators").WithContext("reponame", cfg.RepoName).Build()
	}
	if _, _, err := SplitConnection(cfg.Database.Connection); err != nil {
		return err
	}
	for i, expr := range cfg.KnownErrors {
		if _, err := regexp.Compile(expr); err != nil {
			return errors.WrapError(err, errors.CategoryValidation, "known_errors entry is not a valid regular expression").
				WithContext("index", i).
				WithContext("pattern", expr).
				Build()
		}
	}
	if cfg.Build.Driver == "script" && len(cfg.Build.Command) == 0 {
		return errors.ValidationError("build.command is required for the script build driver").Build()
	}
	if cfg.Purge.OlderThanDays < 0 {
		return errors.ValidationError("purge.older_than_days cannot be negative").Build()
	}
	if cfg.Daemon.MaxConnections < 0 {
		return errors.ValidationError("daemon.max_connections cannot be negative").Build()
	}
	if cfg.Retry.Initial > cfg.Retry.Max {
		return errors.ValidationError(fmt.Sprintf("retry.initial (%s) exceeds retry.max (%s)", cfg.Retry.Initial, cfg.Retry.Max)).Build()
	}
	return nil
}

// SplitConnection maps a ledger connection string to a database/sql driver
// name and data source name.
func SplitConnection(conn string) (driver, dsn string, err error) {
	switch {
	case conn == "sqlite://", conn == "sqlite://:memory:":
		return "sqlite", ":memory:", nil
	case strings.HasPrefix(conn, "sqlite:///"):
		// sqlite:///relative/path and sqlite:////absolute/path
		dsn = strings.TrimPrefix(conn, "sqlite:///")
		if dsn == "" {
			return "", "", errors.ValidationError("sqlite connection string has no path").WithContext("connection", conn).Build()
		}
		return "sqlite", dsn, nil
	case strings.HasPrefix(conn, "postgres://"), strings.HasPrefix(conn, "postgresql://"):
		return "pgx", conn, nil
	default:
		return "", "", errors.ValidationError("unsupported database connection string").WithContext("connection", conn).Build()
	}
}
