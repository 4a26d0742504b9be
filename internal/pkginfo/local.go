package pkginfo

import (
	"context"
	"path/filepath"
	"time"

	"git.home.luguber.info/inful/repobuilder/internal/config"
	"git.home.luguber.info/inful/repobuilder/internal/foundation/errors"
	"git.home.luguber.info/inful/repobuilder/internal/git"
	"git.home.luguber.info/inful/repobuilder/internal/ledger"
)

// Local builds one package from checkouts already present on disk. Nothing
// is fetched; the current HEADs are the only candidate.
//
// Options: name, distgit (packaging checkout, required), source (source
// checkout, defaults to distgit), component.
type Local struct {
	pkg       PackageInfo
	distgit   string
	source    string
	buildType string
}

func newLocal(cfg *config.Config) (Driver, error) {
	opts := cfg.PkgInfo.Options
	distgit := opts["distgit"]
	if distgit == "" {
		return nil, errors.ConfigError("local driver requires pkginfo.options.distgit").Build()
	}
	source := firstNonEmpty(opts["source"], distgit)
	name := firstNonEmpty(opts["name"], filepath.Base(distgit))
	return &Local{
		pkg:       PackageInfo{Name: name, Upstream: source, Distgit: distgit, Component: opts["component"]},
		distgit:   distgit,
		source:    source,
		buildType: cfg.BuildType,
	}, nil
}

// Packages implements Driver.
func (l *Local) Packages(context.Context) ([]PackageInfo, error) {
	return []PackageInfo{l.pkg}, nil
}

// DistgitDir implements Driver.
func (l *Local) DistgitDir(string) string { return l.distgit }

// Commits implements Driver. since is ignored.
func (l *Local) Commits(_ context.Context, pkg PackageInfo, _ time.Time) ([]ledger.Commit, error) {
	src, err := git.Head(l.source)
	if err != nil {
		return nil, errors.WrapError(err, errors.CategoryGit, "read source head").WithContext("path", l.source).Build()
	}
	dist, err := git.Head(l.distgit)
	if err != nil {
		return nil, errors.WrapError(err, errors.CategoryGit, "read packaging head").WithContext("path", l.distgit).Build()
	}
	return []ledger.Commit{{
		Type:         l.buildType,
		DtCommit:     src.Time.Unix(),
		DtDistro:     dist.Time.Unix(),
		ProjectName:  pkg.Name,
		RepoDir:      l.source,
		DistgitDir:   l.distgit,
		CommitHash:   src.Hash,
		DistroHash:   dist.Hash,
		CommitBranch: "HEAD",
		Component:    l.pkg.Component,
	}}, nil
}

// Preprocess implements Driver. Local checkouts are built as they are.
func (l *Local) Preprocess(context.Context, *ledger.Commit) error { return nil }
