// Package scheduler selects the commits waiting to be built, dispatches them
// to build workers and applies every result under the process file lock.
package scheduler

import (
	"context"
	stderrors "errors"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"git.home.luguber.info/inful/repobuilder/internal/builder"
	"git.home.luguber.info/inful/repobuilder/internal/config"
	"git.home.luguber.info/inful/repobuilder/internal/depgraph"
	"git.home.luguber.info/inful/repobuilder/internal/events"
	"git.home.luguber.info/inful/repobuilder/internal/filelock"
	ferrors "git.home.luguber.info/inful/repobuilder/internal/foundation/errors"
	"git.home.luguber.info/inful/repobuilder/internal/ledger"
	"git.home.luguber.info/inful/repobuilder/internal/logfields"
	"git.home.luguber.info/inful/repobuilder/internal/metrics"
	"git.home.luguber.info/inful/repobuilder/internal/pkginfo"
)

// Exit codes of a build pass.
const (
	ExitOK     = 0
	ExitFailed = 1
	ExitRetry  = 2
)

// Applier records one build result. Calls are serialized by the scheduler.
type Applier interface {
	Process(ctx context.Context, res builder.Result) (ledger.Status, error)
	SetPackages(pkgs []pkginfo.PackageInfo)
}

// Runner executes one commit in a worker slot.
type Runner interface {
	Run(ctx context.Context, workerID int, commit ledger.Commit) builder.Result
	RunCommand(ctx context.Context, argv []string, target, baseURL string, commit ledger.Commit) builder.Result
}

// Options are the per-pass switches.
type Options struct {
	// Order sorts commits by package dependencies and forces Sequential.
	Order      bool
	Sequential bool
	// HeadOnly keeps only the newest candidate of every project.
	HeadOnly bool
	// DevMode bypasses the already-built guard.
	DevMode bool
	// RunMethod, when set, is executed once per project instead of a build.
	RunMethod   []string
	StopOnError bool
	Workers     int
	// Projects restricts the pass to these package names.
	Projects  []string
	Component string
}

// Report summarizes a pass.
type Report struct {
	RunID     string
	Processed int
	Succeeded int
	Failed    int
	Retried   int
	Skipped   []string
	Cycles    []depgraph.Cycle
	ExitCode  int
}

func (r *Report) record(status ledger.Status) {
	r.Processed++
	switch status {
	case ledger.StatusSuccess:
		r.Succeeded++
	case ledger.StatusRetry:
		r.Retried++
	default:
		r.Failed++
	}
	r.ExitCode = Combine(r.ExitCode, status)
}

// Combine folds status into an exit code: any FAILED wins over RETRY, which
// wins over success.
func Combine(code int, status ledger.Status) int {
	switch {
	case status == ledger.StatusFailed || code == ExitFailed:
		return ExitFailed
	case status == ledger.StatusRetry || code == ExitRetry:
		return ExitRetry
	default:
		return code
	}
}

// Scheduler runs build passes.
type Scheduler struct {
	cfg      *config.Config
	store    *ledger.SQLStore
	source   pkginfo.Driver
	runner   Runner
	applier  Applier
	recorder metrics.Recorder
	lockPath string
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithRecorder sets the metrics recorder.
func WithRecorder(r metrics.Recorder) Option { return func(s *Scheduler) { s.recorder = r } }

// WithLockPath overrides the lock file taken around result application.
func WithLockPath(path string) Option { return func(s *Scheduler) { s.lockPath = path } }

// New creates a scheduler.
func New(cfg *config.Config, store *ledger.SQLStore, source pkginfo.Driver, runner Runner, applier Applier, opts ...Option) *Scheduler {
	s := &Scheduler{
		cfg:      cfg,
		store:    store,
		source:   source,
		runner:   runner,
		applier:  applier,
		recorder: metrics.NoopRecorder{},
		lockPath: cfg.LockPath(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Packages lists the packages selected by opts.
func (s *Scheduler) Packages(ctx context.Context, opts Options) ([]pkginfo.PackageInfo, error) {
	all, err := s.source.Packages(ctx)
	if err != nil {
		return nil, err
	}
	var out []pkginfo.PackageInfo
	for _, p := range all {
		if len(opts.Projects) > 0 && !slices.Contains(opts.Projects, p.Name) {
			continue
		}
		if opts.Component != "" && p.Component != opts.Component {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

// Run executes one build pass.
func (s *Scheduler) Run(ctx context.Context, opts Options) (*Report, error) {
	report := &Report{RunID: uuid.NewString()}
	ctx = events.WithRunID(ctx, report.RunID)
	log := slog.With(logfields.RunID(report.RunID))

	if len(opts.RunMethod) > 0 {
		opts.HeadOnly = true
	}
	if opts.Order {
		opts.Sequential = true
	}
	if opts.Workers <= 0 {
		opts.Workers = s.cfg.Workers
	}

	all, err := s.source.Packages(ctx)
	if err != nil {
		return nil, err
	}
	s.applier.SetPackages(all)

	pkgs, err := s.Packages(ctx, opts)
	if err != nil {
		return nil, err
	}
	commits, skipped, err := s.Candidates(ctx, pkgs, opts)
	if err != nil {
		return nil, err
	}
	report.Skipped = skipped

	if opts.Order && len(opts.Projects) == 0 {
		order, cycles, err := s.order(pkgs)
		if err != nil {
			log.Warn("Could not compute dependency order, using commit timestamps", logfields.Error(err))
			depgraph.SortByTimestamp(commits)
		} else {
			report.Cycles = cycles
			for _, c := range cycles {
				log.Warn("Dependency cycle", slog.String("cycle", c.String()))
			}
			depgraph.SortCommits(commits, order)
		}
	} else {
		depgraph.SortByTimestamp(commits)
	}

	s.recorder.SetQueueDepth(len(commits))
	log.Info("Build pass starting", logfields.Count(len(commits)), slog.Int("skipped", len(skipped)), slog.Bool("sequential", opts.Sequential))

	if len(opts.RunMethod) > 0 {
		s.runMethod(ctx, commits, opts, report)
	} else if opts.Sequential || opts.Workers <= 1 {
		s.sequential(ctx, commits, opts, report)
	} else {
		s.parallel(ctx, commits, opts, report)
	}

	log.Info("Build pass finished",
		slog.Int("processed", report.Processed),
		slog.Int("succeeded", report.Succeeded),
		slog.Int("failed", report.Failed),
		slog.Int("retried", report.Retried),
		slog.Int("exit_code", report.ExitCode))
	return report, nil
}

// Candidates returns the commits of pkgs that still need a build, and the
// names of the packages whose sources could not be refreshed.
func (s *Scheduler) Candidates(ctx context.Context, pkgs []pkginfo.PackageInfo, opts Options) ([]ledger.Commit, []string, error) {
	var (
		out     []ledger.Commit
		skipped []string
	)
	for _, pkg := range pkgs {
		last, err := s.store.LastProcessed(ctx, pkg.Name, ledger.LastQuery{Type: s.cfg.BuildType})
		if err != nil && !stderrors.Is(err, ledger.ErrNotFound) {
			return nil, nil, err
		}
		if stderrors.Is(err, ledger.ErrNotFound) {
			last = nil
		}

		branch := pkg.SourceBranch
		if branch == "" {
			branch = s.cfg.SourceBranch
		}
		var since time.Time
		if last != nil && last.CommitBranch == branch {
			since = time.Unix(last.DtCommit, 0)
			if opts.DevMode {
				// Include the last processed commit itself.
				since = since.Add(-time.Second)
			}
		}

		start := time.Now()
		fetched, err := s.source.Commits(ctx, pkg, since)
		if err != nil {
			s.recorder.ObserveFetchDuration(time.Since(start), metrics.ResultFailed)
			s.recorder.IncSkipped(pkg.Name)
			level := slog.LevelError
			if ferrors.NextPass(err) {
				level = slog.LevelWarn
			}
			slog.Log(ctx, level, "Skipping package, sources could not be refreshed", logfields.Project(pkg.Name), logfields.Error(err))
			skipped = append(skipped, pkg.Name)
			continue
		}
		s.recorder.ObserveFetchDuration(time.Since(start), metrics.ResultSuccess)

		selected := selectCandidates(last, fetched, opts.HeadOnly, opts.DevMode)
		for _, c := range selected {
			if !opts.DevMode && len(opts.RunMethod) == 0 {
				built, err := s.store.AlreadyBuilt(ctx, &c)
				if err != nil {
					return nil, nil, err
				}
				if built {
					slog.Debug("Commit already processed", logfields.Commit(c.ProjectName, c.CommitHash, c.DistroHash))
					continue
				}
			}
			out = append(out, c)
		}
	}
	return out, skipped, nil
}

// selectCandidates applies the per-project rules to fetched, which is
// ordered oldest first. In dev mode the last processed commit is selected
// again so an unchanged commit can be rebuilt.
func selectCandidates(last *ledger.Commit, fetched []ledger.Commit, headOnly, devMode bool) []ledger.Commit {
	if len(fetched) == 0 {
		return nil
	}
	newest := fetched[len(fetched)-1:]
	var out []ledger.Commit
	switch {
	case last == nil:
		out = fetched
	case last.CommitBranch == newest[0].CommitBranch:
		for _, c := range fetched {
			if c.DtCommit > last.DtCommit || (devMode && c.DtCommit == last.DtCommit) {
				out = append(out, c)
			}
		}
	default:
		out = newest
	}
	if headOnly && len(out) > 1 {
		out = out[len(out)-1:]
	}
	return out
}

// Specs parses the spec files found in the packaging checkouts of pkgs.
// Checkouts that were never fetched are skipped.
func (s *Scheduler) Specs(pkgs []pkginfo.PackageInfo) ([]depgraph.Package, error) {
	dirs := make([]string, 0, len(pkgs))
	for _, p := range pkgs {
		dirs = append(dirs, s.source.DistgitDir(p.Name))
	}
	return depgraph.LoadSpecDir(dirs...)
}

func (s *Scheduler) order(pkgs []pkginfo.PackageInfo) ([]string, []depgraph.Cycle, error) {
	specs, err := s.Specs(pkgs)
	if err != nil {
		return nil, nil, err
	}
	order, cycles := depgraph.Order(specs)
	return order, cycles, nil
}

// apply hands res to the applier under the file lock.
func (s *Scheduler) apply(ctx context.Context, res builder.Result) ledger.Status {
	var status ledger.Status
	err := filelock.With(s.lockPath, func() error {
		var perr error
		status, perr = s.applier.Process(ctx, res)
		return perr
	})
	if err != nil {
		slog.Error("Could not record build result",
			logfields.Commit(res.Commit.ProjectName, res.Commit.CommitHash, res.Commit.DistroHash),
			logfields.Error(err))
		return ledger.StatusFailed
	}
	return status
}

func (s *Scheduler) sequential(ctx context.Context, commits []ledger.Commit, opts Options, report *Report) {
	for _, c := range commits {
		res := s.runner.Run(ctx, 1, c)
		status := s.apply(ctx, res)
		report.record(status)
		if opts.StopOnError && status != ledger.StatusSuccess {
			slog.Warn("Stopping after failed build", logfields.Project(c.ProjectName))
			return
		}
	}
}

// parallel builds on a bounded pool and applies results in completion
// order. Each project is handed to one worker at a time with its commits
// oldest first, since builds of a project share checkouts.
func (s *Scheduler) parallel(ctx context.Context, commits []ledger.Commit, opts Options, report *Report) {
	var (
		order  []string
		chains = map[string][]ledger.Commit{}
	)
	for _, c := range commits {
		if _, ok := chains[c.ProjectName]; !ok {
			order = append(order, c.ProjectName)
		}
		chains[c.ProjectName] = append(chains[c.ProjectName], c)
	}

	jobs := make(chan []ledger.Commit)
	results := make(chan builder.Result)
	var stopped atomic.Bool

	var wg sync.WaitGroup
	for w := 1; w <= opts.Workers; w++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			for chain := range jobs {
				for _, c := range chain {
					if stopped.Load() {
						break
					}
					results <- s.runner.Run(ctx, workerID, c)
				}
			}
		}(w)
	}

	go func() {
		defer close(jobs)
		for _, name := range order {
			if stopped.Load() {
				return
			}
			jobs <- chains[name]
		}
	}()
	go func() {
		wg.Wait()
		close(results)
	}()

	for res := range results {
		status := s.apply(ctx, res)
		report.record(status)
		if opts.StopOnError && status != ledger.StatusSuccess && !stopped.Swap(true) {
			slog.Warn("Stopping dispatch after failed build", logfields.Project(res.Commit.ProjectName))
		}
	}
}

// runMethod executes the configured command once per commit. Nothing is
// recorded in the ledger.
func (s *Scheduler) runMethod(ctx context.Context, commits []ledger.Commit, opts Options, report *Report) {
	for _, c := range commits {
		res := s.runner.RunCommand(ctx, opts.RunMethod, s.cfg.Target, s.cfg.BaseURL, c)
		report.Processed++
		if res.Err != nil {
			slog.Error("Command failed", logfields.Commit(c.ProjectName, c.CommitHash, c.DistroHash), logfields.Error(res.Err))
			report.Failed++
			report.ExitCode = ExitFailed
			if opts.StopOnError {
				return
			}
			continue
		}
		report.Succeeded++
	}
}
