// Package app wires the configured components of one repobuilder process.
package app

import (
	"context"
	"log/slog"

	"git.home.luguber.info/inful/repobuilder/internal/api"
	"git.home.luguber.info/inful/repobuilder/internal/builder"
	"git.home.luguber.info/inful/repobuilder/internal/config"
	"git.home.luguber.info/inful/repobuilder/internal/events"
	"git.home.luguber.info/inful/repobuilder/internal/ledger"
	"git.home.luguber.info/inful/repobuilder/internal/logfields"
	"git.home.luguber.info/inful/repobuilder/internal/metrics"
	"git.home.luguber.info/inful/repobuilder/internal/pkginfo"
	"git.home.luguber.info/inful/repobuilder/internal/processor"
	"git.home.luguber.info/inful/repobuilder/internal/purge"
	"git.home.luguber.info/inful/repobuilder/internal/remote"
	"git.home.luguber.info/inful/repobuilder/internal/scheduler"
)

// Options tune what Open wires.
type Options struct {
	// DevMode keeps the ledger untouched by builds.
	DevMode bool
	// Recorder receives metrics. Nil disables them.
	Recorder metrics.Recorder
	// Extra receives build events next to the configured publisher. It is
	// owned by the caller and not closed by Close.
	Extra events.Publisher
	// Store replaces the configured ledger connection.
	Store *ledger.SQLStore
}

// Runtime holds the components of one configuration.
type Runtime struct {
	Config    *config.Config
	Store     *ledger.SQLStore
	Source    pkginfo.Driver
	Worker    *builder.Worker
	Processor *processor.Processor
	Scheduler *scheduler.Scheduler
	Purge     *purge.Engine
	Importer  *remote.Importer
	Service   *api.Service
	Events    events.Publisher
	Recorder  metrics.Recorder

	ownStore bool
	own      events.Publisher
}

// Open connects the ledger and builds every component for cfg.
func Open(ctx context.Context, cfg *config.Config, opts Options) (*Runtime, error) {
	rt := &Runtime{Config: cfg, Recorder: opts.Recorder}
	if rt.Recorder == nil {
		rt.Recorder = metrics.NoopRecorder{}
	}

	rt.Store = opts.Store
	if rt.Store == nil {
		store, err := ledger.OpenConfig(ctx, cfg)
		if err != nil {
			return nil, err
		}
		rt.Store, rt.ownStore = store, true
	}

	fail := func(err error) (*Runtime, error) {
		_ = rt.Close()
		return nil, err
	}

	source, err := pkginfo.New(cfg)
	if err != nil {
		return fail(err)
	}
	rt.Source = source

	drv, err := builder.New(cfg)
	if err != nil {
		return fail(err)
	}
	rt.Worker = builder.NewWorker(drv, cfg.DataDir, cfg.ReposDir(), source.Preprocess, nil)

	pub, err := events.New(ctx, cfg.Events)
	if err != nil {
		// Build results are recorded in the ledger either way.
		slog.Warn("Build events disabled", logfields.URL(cfg.Events.NATSURL), logfields.Error(err))
		pub = events.NoopPublisher{}
	}
	rt.own, rt.Events = pub, pub
	if opts.Extra != nil {
		rt.Events = events.Multi{pub, opts.Extra}
	}

	procOpts := []processor.Option{
		processor.WithNotifier(processor.NewMailNotifier(cfg.Notifications)),
		processor.WithEvents(rt.Events),
		processor.WithRecorder(rt.Recorder),
		processor.WithDevMode(opts.DevMode),
	}
	if r := processor.NewCommandReviewer(cfg); r != nil {
		procOpts = append(procOpts, processor.WithReviewer(r))
	}
	proc, err := processor.New(rt.Store, cfg, procOpts...)
	if err != nil {
		return fail(err)
	}
	rt.Processor = proc

	rt.Scheduler = scheduler.New(cfg, rt.Store, source, rt.Worker, proc, scheduler.WithRecorder(rt.Recorder))
	rt.Purge = purge.New(rt.Store, cfg, rt.Recorder)
	rt.Importer = remote.NewImporter(cfg, rt.Store, proc)
	rt.Service = api.NewService(cfg, rt.Store, api.WithImporter(rt.Importer), api.WithRecorder(rt.Recorder))
	return rt, nil
}

// LoadPackages reads the package list from the source and hands it to the
// processor. Operations that apply results without a scheduling pass, such
// as remote imports, call it first.
func (rt *Runtime) LoadPackages(ctx context.Context) ([]pkginfo.PackageInfo, error) {
	pkgs, err := rt.Source.Packages(ctx)
	if err != nil {
		return nil, err
	}
	rt.Processor.SetPackages(pkgs)
	return pkgs, nil
}

// Close releases the configured event connection and the ledger when Open created it.
func (rt *Runtime) Close() error {
	if rt.own != nil {
		if err := rt.own.Close(); err != nil {
			slog.Warn("Closing event publisher failed", logfields.Error(err))
		}
	}
	if rt.ownStore && rt.Store != nil {
		return rt.Store.Close()
	}
	return nil
}
