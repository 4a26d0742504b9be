// Package daemon runs repobuilder as a long-lived service: periodic build
// passes, scheduled purges, the HTTP API and configuration reloads.
package daemon

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/net/netutil"

	"git.home.luguber.info/inful/repobuilder/internal/api"
	"git.home.luguber.info/inful/repobuilder/internal/app"
	"git.home.luguber.info/inful/repobuilder/internal/config"
	"git.home.luguber.info/inful/repobuilder/internal/filelock"
	"git.home.luguber.info/inful/repobuilder/internal/foundation/errors"
	"git.home.luguber.info/inful/repobuilder/internal/logfields"
	"git.home.luguber.info/inful/repobuilder/internal/metrics"
	"git.home.luguber.info/inful/repobuilder/internal/purge"
	"git.home.luguber.info/inful/repobuilder/internal/scheduler"
)

// Status represents the current state of the daemon.
type Status string

const (
	StatusStopped  Status = "stopped"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusStopping Status = "stopping"
	StatusError    Status = "error"
)

// Job names used for the periodic tasks.
const (
	JobBuild = "build-pass"
	JobPurge = "purge"
)

// Options configure a daemon.
type Options struct {
	// Build is applied to every periodic build pass.
	Build scheduler.Options
	// Recorder receives metrics for every runtime the daemon opens.
	Recorder metrics.Recorder
	// MetricsHandler is served on /metrics when set.
	MetricsHandler http.Handler
	// RequireAuth protects the mutating API routes with ledger users.
	RequireAuth bool
}

// Daemon represents the main daemon service.
type Daemon struct {
	configPath string
	opts       Options
	status     atomic.Value // Status
	startTime  time.Time
	stopOnce   sync.Once
	stopChan   chan struct{}

	mu  sync.RWMutex
	cfg *config.Config
	rt  *app.Runtime

	scheduler *Scheduler
	jobs      map[string]string
	watcher   *ConfigWatcher
	stream    *api.EventStream
	handler   atomic.Value // http.Handler
	server    *http.Server
	listener  net.Listener

	lastBuild atomic.Pointer[BuildSummary]
	lastPurge atomic.Pointer[PurgeSummary]

	open func(context.Context, *config.Config, app.Options) (*app.Runtime, error)
}

// New opens the runtime for cfg. configPath is watched for changes once
// the daemon starts; an empty path disables reloads.
func New(ctx context.Context, configPath string, cfg *config.Config, opts Options) (*Daemon, error) {
	if opts.Recorder == nil {
		opts.Recorder = metrics.NoopRecorder{}
	}
	d := &Daemon{
		configPath: configPath,
		opts:       opts,
		cfg:        cfg,
		stopChan:   make(chan struct{}),
		jobs:       map[string]string{},
		stream:     api.NewEventStream(),
		open:       app.Open,
	}
	d.status.Store(StatusStopped)

	rt, err := d.openRuntime(ctx, cfg)
	if err != nil {
		return nil, err
	}
	d.rt = rt
	d.handler.Store(d.apiHandler(rt))

	sched, err := NewScheduler()
	if err != nil {
		_ = rt.Close()
		return nil, err
	}
	d.scheduler = sched

	if configPath != "" {
		w, err := NewConfigWatcher(configPath, d, cfg.Daemon.ReloadDebounce)
		if err != nil {
			slog.Warn("Config reloads disabled", logfields.Error(err))
		} else {
			d.watcher = w
		}
	}
	return d, nil
}

func (d *Daemon) openRuntime(ctx context.Context, cfg *config.Config) (*app.Runtime, error) {
	return d.open(ctx, cfg, app.Options{
		DevMode:  d.opts.Build.DevMode,
		Recorder: d.opts.Recorder,
		Extra:    d.stream,
	})
}

func (d *Daemon) apiHandler(rt *app.Runtime) http.Handler {
	opts := []api.Option{api.WithEventStream(d.stream)}
	if d.opts.MetricsHandler != nil {
		opts = append(opts, api.WithMetricsHandler(d.opts.MetricsHandler))
	}
	if d.opts.RequireAuth {
		opts = append(opts, api.WithAuth(rt.Store))
	}
	return api.NewServer(rt.Config.Daemon.Listen, rt.Service, opts...).Handler()
}

// GetStatus returns the current daemon status.
func (d *Daemon) GetStatus() Status {
	return d.status.Load().(Status)
}

// GetConfig returns the active configuration.
func (d *Daemon) GetConfig() *config.Config {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.cfg
}

// Start serves the API, schedules the periodic jobs and blocks until ctx is
// canceled or Stop is called.
func (d *Daemon) Start(ctx context.Context) error {
	if d.GetStatus() != StatusStopped {
		return fmt.Errorf("daemon is not in stopped state: %s", d.GetStatus())
	}
	d.status.Store(StatusStarting)
	d.startTime = time.Now()

	cfg := d.GetConfig()
	if cfg.Daemon.Listen != "" {
		if err := d.serve(cfg.Daemon.Listen, cfg.Daemon.MaxConnections); err != nil {
			d.status.Store(StatusError)
			return err
		}
	}

	d.mu.Lock()
	err := d.schedule(cfg)
	d.mu.Unlock()
	if err != nil {
		d.status.Store(StatusError)
		d.shutdownHTTP(ctx)
		return err
	}
	d.scheduler.Start(ctx)

	if d.watcher != nil {
		if err := d.watcher.Start(ctx); err != nil {
			slog.Error("Failed to start config watcher", logfields.Error(err))
		}
	}

	d.status.Store(StatusRunning)
	slog.Info("repobuilder daemon started",
		slog.String("listen", cfg.Daemon.Listen),
		slog.Duration("interval", cfg.Daemon.Interval),
		slog.String("purge_schedule", cfg.Daemon.PurgeSchedule))

	select {
	case <-ctx.Done():
	case <-d.stopChan:
	}

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	return d.Stop(stopCtx)
}

// Stop shuts the daemon down. Running jobs are allowed to finish.
func (d *Daemon) Stop(ctx context.Context) error {
	var err error
	d.stopOnce.Do(func() {
		d.status.Store(StatusStopping)
		close(d.stopChan)

		if d.watcher != nil {
			_ = d.watcher.Stop(ctx)
		}
		if serr := d.scheduler.Stop(ctx); serr != nil {
			slog.Error("Scheduler shutdown failed", logfields.Error(serr))
		}
		d.shutdownHTTP(ctx)
		_ = d.stream.Close()

		d.mu.Lock()
		err = d.rt.Close()
		d.mu.Unlock()

		d.status.Store(StatusStopped)
		slog.Info("repobuilder daemon stopped")
	})
	return err
}

func (d *Daemon) serve(addr string, maxConns int) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.DaemonError("failed to listen").WithCause(err).WithContext("addr", addr).Build()
	}
	if maxConns > 0 {
		ln = netutil.LimitListener(ln, maxConns)
	}
	d.listener = ln
	d.server = &http.Server{
		Handler:           d.router(),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() {
		if err := d.server.Serve(ln); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			slog.Error("API server failed", logfields.Error(err))
		}
	}()
	slog.Info("API server listening", slog.String("addr", ln.Addr().String()))
	return nil
}

func (d *Daemon) shutdownHTTP(ctx context.Context) {
	if d.server == nil {
		return
	}
	if err := d.server.Shutdown(ctx); err != nil {
		slog.Error("API server shutdown failed", logfields.Error(err))
	}
}

// Addr returns the bound API address, or "" when the API is disabled.
func (d *Daemon) Addr() string {
	if d.listener == nil {
		return ""
	}
	return d.listener.Addr().String()
}

// schedule (re)creates the periodic jobs for cfg. Callers hold d.mu.
func (d *Daemon) schedule(cfg *config.Config) error {
	for name, id := range d.jobs {
		if err := d.scheduler.Remove(id); err != nil {
			slog.Warn("Could not remove job", logfields.Job(name), logfields.Error(err))
		}
		delete(d.jobs, name)
	}

	if cfg.Daemon.Interval > 0 {
		id, err := d.scheduler.ScheduleEvery(JobBuild, cfg.Daemon.Interval, d.buildJob)
		if err != nil {
			return errors.DaemonError("failed to schedule build passes").WithCause(err).Build()
		}
		d.jobs[JobBuild] = id
	}

	if cfg.Daemon.PurgeSchedule != "" {
		if cfg.Purge.OlderThanDays <= 0 {
			slog.Warn("Purge schedule set without purge.older_than_days, not scheduling purges")
			return nil
		}
		id, err := d.scheduler.ScheduleCron(JobPurge, cfg.Daemon.PurgeSchedule, d.purgeJob)
		if err != nil {
			return errors.DaemonError("failed to schedule purge").WithCause(err).
				WithContext("schedule", cfg.Daemon.PurgeSchedule).Build()
		}
		d.jobs[JobPurge] = id
	}
	return nil
}

func (d *Daemon) buildJob() {
	if _, err := d.RunBuild(context.Background()); err != nil {
		slog.Error("Build pass failed", logfields.Error(err))
	}
}

func (d *Daemon) purgeJob() {
	if _, err := d.RunPurge(context.Background()); err != nil {
		slog.Error("Scheduled purge failed", logfields.Error(err))
	}
}

// RunBuild executes one build pass with the daemon's build options.
func (d *Daemon) RunBuild(ctx context.Context) (*scheduler.Report, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	start := time.Now()
	report, err := d.rt.Scheduler.Run(ctx, d.opts.Build)
	summary := &BuildSummary{Started: start, Duration: time.Since(start)}
	if err != nil {
		summary.Error = err.Error()
	} else {
		summary.Report = report
	}
	d.lastBuild.Store(summary)
	return report, err
}

// RunPurge executes the configured retention policy under the file lock.
// With components, unreferenced aggregate directories are removed as well.
func (d *Daemon) RunPurge(ctx context.Context) (*purge.Report, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	opts := purge.OptionsFromConfig(d.cfg)
	start := time.Now()
	var report *purge.Report
	err := filelock.With(d.cfg.LockPath(), func() error {
		var err error
		report, err = d.rt.Purge.Run(ctx, opts)
		return err
	})

	summary := &PurgeSummary{Started: start, Duration: time.Since(start)}
	if err != nil {
		summary.Error = err.Error()
	} else {
		summary.Purged = report.Purged()
		summary.Aggregates = len(report.Aggregates)
	}
	d.lastPurge.Store(summary)
	return report, err
}

// ReloadConfig opens a runtime for cfg and swaps it in once running jobs
// have finished. The listen address is fixed for the life of the process.
func (d *Daemon) ReloadConfig(ctx context.Context, cfg *config.Config) error {
	rt, err := d.openRuntime(ctx, cfg)
	if err != nil {
		return err
	}

	d.mu.Lock()
	old, oldCfg := d.rt, d.cfg
	d.rt, d.cfg = rt, cfg
	d.handler.Store(d.apiHandler(rt))
	var serr error
	if d.GetStatus() == StatusRunning {
		serr = d.schedule(cfg)
	}
	d.mu.Unlock()

	if oldCfg.Daemon.Listen != cfg.Daemon.Listen {
		slog.Warn("Listen address change requires a restart",
			slog.String("current", oldCfg.Daemon.Listen), slog.String("configured", cfg.Daemon.Listen))
	}
	if err := old.Close(); err != nil {
		slog.Warn("Closing previous runtime failed", logfields.Error(err))
	}
	return serr
}
