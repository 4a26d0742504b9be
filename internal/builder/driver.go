// Package builder runs package builds for commits and collects what they
// produce. The build tool itself sits behind the Driver interface.
package builder

import (
	"context"
	"io"
	"sort"
	"sync"

	"git.home.luguber.info/inful/repobuilder/internal/config"
	"git.home.luguber.info/inful/repobuilder/internal/foundation/errors"
	"git.home.luguber.info/inful/repobuilder/internal/ledger"
)

// Request is everything a driver needs to build one commit.
type Request struct {
	Commit *ledger.Commit
	// WorkerID identifies the worker slot; BuildRoot is derived from it so
	// concurrent builds never share a build root.
	WorkerID  int
	BuildRoot string
	// OutputDir is the absolute sharded commit directory. It exists and is
	// empty when Build is called.
	OutputDir string
	DataDir   string
	// Env holds extra KEY=VALUE pairs for this build.
	Env []string
	// Log receives the build output. Drivers must not close it.
	Log io.Writer
}

// Driver performs one build. It returns the produced artifacts as paths
// relative to the data directory.
type Driver interface {
	Build(ctx context.Context, req Request) ([]string, error)
}

// Constructor builds a driver from configuration.
type Constructor func(cfg *config.Config) (Driver, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Constructor{}
)

// Register makes a driver available under name.
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

// New instantiates the driver selected by cfg.Build.Driver.
func New(cfg *config.Config) (Driver, error) {
	registryMu.RLock()
	ctor, ok := registry[cfg.Build.Driver]
	registryMu.RUnlock()
	if !ok {
		return nil, errors.ConfigError("unsupported build driver").
			WithContext("driver", cfg.Build.Driver).
			WithContext("available", Drivers()).
			Build()
	}
	return ctor(cfg)
}

func init() {
	Register("script", newScript)
}
