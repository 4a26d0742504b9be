package builder

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"git.home.luguber.info/inful/repobuilder/internal/config"
	"git.home.luguber.info/inful/repobuilder/internal/foundation/errors"
)

// Script runs an external build command:
//
//	<command...> <target> <project> <output dir> <data dir> <baseurl> <distgit dir>
//
// Build details are also exported as REPOBUILDER_* environment variables.
// Artifacts are the files left in the output directory: *.rpm for the rpm
// build type, every non-log file otherwise.
type Script struct {
	command   []string
	env       map[string]string
	timeout   time.Duration
	target    string
	baseURL   string
	buildType string
}

func newScript(cfg *config.Config) (Driver, error) {
	if len(cfg.Build.Command) == 0 {
		return nil, errors.ConfigError("script driver requires build.command").Build()
	}
	command := append([]string(nil), cfg.Build.Command...)
	if !filepath.IsAbs(command[0]) && strings.Contains(command[0], "/") && cfg.ScriptsDir != "" {
		command[0] = filepath.Join(cfg.ScriptsDir, command[0])
	}
	return &Script{
		command:   command,
		env:       cfg.Build.Env,
		timeout:   cfg.Build.Timeout,
		target:    cfg.Target,
		baseURL:   cfg.BaseURL,
		buildType: cfg.BuildType,
	}, nil
}

// Build implements Driver.
func (s *Script) Build(ctx context.Context, req Request) ([]string, error) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	c := req.Commit
	args := append(append([]string(nil), s.command[1:]...),
		s.target, c.ProjectName, req.OutputDir, req.DataDir, s.baseURL, c.DistgitDir)

	// #nosec G204 -- the command comes from the operator's configuration
	cmd := exec.CommandContext(ctx, s.command[0], args...)
	cmd.Dir = c.RepoDir
	cmd.Stdout = req.Log
	cmd.Stderr = req.Log
	cmd.Env = append(os.Environ(), s.environment(req)...)

	if err := cmd.Run(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, errors.BuildError("build timed out").WithCause(err).WithContext("timeout", s.timeout.String()).Build()
		}
		return nil, errors.BuildError("build command failed").WithCause(err).WithContext("project", c.ProjectName).Build()
	}
	return collectArtifacts(req.DataDir, req.OutputDir, s.buildType)
}

func (s *Script) environment(req Request) []string {
	c := req.Commit
	env := make([]string, 0, len(s.env)+16)
	keys := make([]string, 0, len(s.env))
	for k := range s.env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+s.env[k])
	}
	env = append(env,
		"REPOBUILDER_OUTPUT="+req.OutputDir,
		"REPOBUILDER_DATADIR="+req.DataDir,
		"REPOBUILDER_BUILDROOT="+req.BuildRoot,
		"REPOBUILDER_WORKER="+strconv.Itoa(req.WorkerID),
		"REPOBUILDER_TARGET="+s.target,
		"REPOBUILDER_BASEURL="+s.baseURL,
		"PROJECT="+c.ProjectName,
		"COMMIT_HASH="+c.CommitHash,
		"DISTRO_HASH="+c.DistroHash,
		"EXTENDED_HASH="+c.ExtendedHash,
		"COMMIT_BRANCH="+c.CommitBranch,
		"COMPONENT="+c.Component,
		"REPO_DIR="+c.RepoDir,
		"DISTGIT_DIR="+c.DistgitDir,
	)
	return append(env, req.Env...)
}

var nonArtifacts = map[string]bool{"installed": true, "versions.csv": true, "commit.yaml": true}

func collectArtifacts(dataDir, outputDir, buildType string) ([]string, error) {
	entries, err := os.ReadDir(outputDir)
	if err != nil {
		return nil, errors.FileSystemError("list build output").WithCause(err).WithContext("path", outputDir).Build()
	}
	rel, err := filepath.Rel(dataDir, outputDir)
	if err != nil {
		return nil, fmt.Errorf("output dir outside data dir: %w", err)
	}
	var out []string
	for _, e := range entries {
		name := e.Name()
		if !e.Type().IsRegular() {
			continue
		}
		if buildType == "rpm" || buildType == "" {
			if !strings.HasSuffix(name, ".rpm") {
				continue
			}
		} else if strings.HasSuffix(name, ".log") || nonArtifacts[name] {
			continue
		}
		out = append(out, filepath.ToSlash(filepath.Join(rel, name)))
	}
	sort.Strings(out)
	return out, nil
}
