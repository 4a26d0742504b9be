// Package pkginfo discovers the packages to build and the commits waiting
// to be built for each of them.
package pkginfo

import (
	"context"
	"sort"
	"sync"
	"time"

	"git.home.luguber.info/inful/repobuilder/internal/config"
	"git.home.luguber.info/inful/repobuilder/internal/foundation/errors"
	"git.home.luguber.info/inful/repobuilder/internal/git"
	"git.home.luguber.info/inful/repobuilder/internal/ledger"
)

// PackageInfo describes one buildable project and where its sources live.
type PackageInfo struct {
	Name         string    `yaml:"name"`
	Upstream     string    `yaml:"upstream"`
	Distgit      string    `yaml:"distgit"`
	SourceBranch string    `yaml:"source_branch,omitempty"`
	DistroBranch string    `yaml:"distro_branch,omitempty"`
	Component    string    `yaml:"component,omitempty"`
	Maintainers  []string  `yaml:"maintainers,omitempty"`
	Auth         *git.Auth `yaml:"auth,omitempty"`
}

// Driver is a source of packages and candidate commits.
type Driver interface {
	// Packages lists every known package.
	Packages(ctx context.Context) ([]PackageInfo, error)
	// Commits refreshes the package checkouts and returns the commits newer
	// than since, oldest first. A zero since returns the whole history.
	// Returned commits carry no status.
	Commits(ctx context.Context, pkg PackageInfo, since time.Time) ([]ledger.Commit, error)
	// Preprocess prepares the checkouts of commit for a build.
	Preprocess(ctx context.Context, commit *ledger.Commit) error
	// DistgitDir is the packaging checkout of a package.
	DistgitDir(name string) string
}

// Constructor builds a driver from configuration.
type Constructor func(cfg *config.Config) (Driver, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Constructor{}
)

// Register makes a driver available under name. Registering the same name
// twice replaces the earlier constructor.
func Register(name string, ctor Constructor) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = ctor
}

// Drivers lists the registered driver names.
func Drivers() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// New instantiates the driver selected by cfg.PkgInfo.Driver.
func New(cfg *config.Config) (Driver, error) {
	registryMu.RLock()
	ctor, ok := registry[cfg.PkgInfo.Driver]
	registryMu.RUnlock()
	if !ok {
		return nil, errors.ConfigError("unsupported pkginfo driver").
			WithContext("driver", cfg.PkgInfo.Driver).
			WithContext("available", Drivers()).
			Build()
	}
	return ctor(cfg)
}

func init() {
	Register("gitrepo", newGitRepo)
	Register("local", newLocal)
}

// Find returns the package called name.
func Find(pkgs []PackageInfo, name string) (PackageInfo, bool) {
	for _, p := range pkgs {
		if p.Name == name {
			return p, true
		}
	}
	return PackageInfo{}, false
}
