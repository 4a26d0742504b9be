package pkginfo

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"git.home.luguber.info/inful/repobuilder/internal/config"
	"git.home.luguber.info/inful/repobuilder/internal/foundation/errors"
	"git.home.luguber.info/inful/repobuilder/internal/git"
	"git.home.luguber.info/inful/repobuilder/internal/ledger"
	"git.home.luguber.info/inful/repobuilder/internal/retry"
	"git.home.luguber.info/inful/repobuilder/internal/util/sets"
)

// packagesFile is the on-disk package list of the gitrepo driver.
type packagesFile struct {
	Packages []PackageInfo `yaml:"packages"`
}

// GitRepo reads the package list from a YAML file and tracks each package
// through a source checkout and a packaging checkout.
type GitRepo struct {
	file         string
	workDir      string
	sourceBranch string
	distroBranch string
	fallback     bool
	buildType    string
	git          *git.Client
}

func newGitRepo(cfg *config.Config) (Driver, error) {
	if cfg.PkgInfo.PackagesFile == "" {
		return nil, errors.ConfigError("gitrepo driver requires pkginfo.packages_file").Build()
	}
	return &GitRepo{
		file:         cfg.PkgInfo.PackagesFile,
		workDir:      cfg.PkgInfo.WorkDir,
		sourceBranch: cfg.SourceBranch,
		distroBranch: cfg.DistroBranch,
		fallback:     cfg.FallbackToMaster,
		buildType:    cfg.BuildType,
		git:          git.NewClient(retry.FromConfig(cfg.Retry)),
	}, nil
}

// Packages implements Driver.
func (g *GitRepo) Packages(_ context.Context) ([]PackageInfo, error) {
	data, err := os.ReadFile(g.file)
	if err != nil {
		return nil, errors.WrapError(err, errors.CategoryConfig, "read packages file").WithContext("path", g.file).Build()
	}
	return parsePackages(data)
}

func parsePackages(data []byte) ([]PackageInfo, error) {
	var pf packagesFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, errors.WrapError(err, errors.CategoryConfig, "parse packages file").Build()
	}
	seen := sets.New[string]()
	for i, p := range pf.Packages {
		if p.Name == "" || p.Upstream == "" || p.Distgit == "" {
			return nil, errors.ValidationError(fmt.Sprintf("package #%d needs name, upstream and distgit", i+1)).Build()
		}
		if seen.Has(p.Name) {
			return nil, errors.ValidationError("duplicate package").WithContext("package", p.Name).Build()
		}
		seen.Add(p.Name)
	}
	return pf.Packages, nil
}

func (g *GitRepo) sourceDir(name string) string { return filepath.Join(g.workDir, name) }

// DistgitDir implements Driver.
func (g *GitRepo) DistgitDir(name string) string {
	return filepath.Join(g.workDir, name+"_distro")
}

func (g *GitRepo) fallbackBranch() string {
	if g.fallback {
		return "master"
	}
	return ""
}

// Commits implements Driver. The packaging checkout is paired at its head
// with every source commit returned.
func (g *GitRepo) Commits(ctx context.Context, pkg PackageInfo, since time.Time) ([]ledger.Commit, error) {
	srcBranch := firstNonEmpty(pkg.SourceBranch, g.sourceBranch)
	distBranch := firstNonEmpty(pkg.DistroBranch, g.distroBranch)

	distDir := g.DistgitDir(pkg.Name)
	if _, err := g.git.Sync(ctx, git.Repo{URL: pkg.Distgit, Branch: distBranch, Fallback: g.fallbackBranch(), Path: distDir, Auth: pkg.Auth}); err != nil {
		return nil, err
	}
	srcDir := g.sourceDir(pkg.Name)
	usedBranch, err := g.git.Sync(ctx, git.Repo{URL: pkg.Upstream, Branch: srcBranch, Fallback: g.fallbackBranch(), Path: srcDir, Auth: pkg.Auth})
	if err != nil {
		return nil, err
	}

	distHead, err := git.Head(distDir)
	if err != nil {
		return nil, errors.WrapError(err, errors.CategoryGit, "read packaging head").WithContext("package", pkg.Name).Build()
	}
	history, err := git.History(srcDir, since, 0)
	if err != nil {
		return nil, errors.WrapError(err, errors.CategoryGit, "read source history").WithContext("package", pkg.Name).Build()
	}

	out := make([]ledger.Commit, 0, len(history))
	for _, h := range history {
		out = append(out, ledger.Commit{
			Type:         g.buildType,
			DtCommit:     h.Time.Unix(),
			DtDistro:     distHead.Time.Unix(),
			ProjectName:  pkg.Name,
			RepoDir:      srcDir,
			DistgitDir:   distDir,
			CommitHash:   h.Hash,
			DistroHash:   distHead.Hash,
			CommitBranch: usedBranch,
			Component:    pkg.Component,
		})
	}
	return out, nil
}

// Preprocess implements Driver by checking the source out at the commit.
func (g *GitRepo) Preprocess(_ context.Context, commit *ledger.Commit) error {
	if err := git.Checkout(commit.RepoDir, commit.CommitHash); err != nil {
		return errors.WrapError(err, errors.CategoryGit, "checkout source").WithContext("package", commit.ProjectName).Build()
	}
	if commit.DistroHash != "" {
		if err := git.Checkout(commit.DistgitDir, commit.DistroHash); err != nil {
			return errors.WrapError(err, errors.CategoryGit, "checkout packaging").WithContext("package", commit.ProjectName).Build()
		}
	}
	return nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
