// Package processor turns worker results into ledger rows and published
// repositories. Every call is expected to run under the process file lock.
package processor

import (
	"context"
	stderrors "errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"git.home.luguber.info/inful/repobuilder/internal/builder"
	"git.home.luguber.info/inful/repobuilder/internal/config"
	"git.home.luguber.info/inful/repobuilder/internal/events"
	"git.home.luguber.info/inful/repobuilder/internal/foundation/errors"
	"git.home.luguber.info/inful/repobuilder/internal/ledger"
	"git.home.luguber.info/inful/repobuilder/internal/logfields"
	"git.home.luguber.info/inful/repobuilder/internal/metrics"
	"git.home.luguber.info/inful/repobuilder/internal/pkginfo"
	"git.home.luguber.info/inful/repobuilder/internal/publish"
)

// NotifyWindow is the minimum time between two failure notifications for
// the same project.
const NotifyWindow = 24 * time.Hour

// ConsistentVote is the CI name of the vote recorded when a build made the
// whole repository consistent.
const ConsistentVote = "consistent"

// Processor applies build results.
type Processor struct {
	store    *ledger.SQLStore
	cfg      *config.Config
	links    *publish.Manager
	known    *builder.KnownErrors
	notifier Notifier
	reviewer Reviewer
	events   events.Publisher
	recorder metrics.Recorder
	devMode  bool
	now      func() time.Time

	mu       sync.RWMutex
	packages []pkginfo.PackageInfo
}

// Option configures a Processor.
type Option func(*Processor)

// WithNotifier replaces the failure notifier.
func WithNotifier(n Notifier) Option { return func(p *Processor) { p.notifier = n } }

// WithReviewer sets the review hook.
func WithReviewer(r Reviewer) Option {
	return func(p *Processor) {
		if r != nil {
			p.reviewer = r
		}
	}
}

// WithEvents sets the result event publisher.
func WithEvents(pub events.Publisher) Option { return func(p *Processor) { p.events = pub } }

// WithRecorder sets the metrics recorder.
func WithRecorder(r metrics.Recorder) Option { return func(p *Processor) { p.recorder = r } }

// WithDevMode disables every ledger write.
func WithDevMode(dev bool) Option { return func(p *Processor) { p.devMode = dev } }

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option { return func(p *Processor) { p.now = now } }

// WithLinks replaces the promotion manager used for the current and
// consistent views.
func WithLinks(m *publish.Manager) Option { return func(p *Processor) { p.links = m } }

// New creates a processor writing to store and below cfg.ReposDir().
func New(store *ledger.SQLStore, cfg *config.Config, opts ...Option) (*Processor, error) {
	known, err := builder.CompileKnownErrors(cfg.KnownErrors)
	if err != nil {
		return nil, err
	}
	p := &Processor{
		store: store,
		cfg:   cfg,
		links: publish.NewManager(publish.Layout{
			ReposDir: cfg.ReposDir(),
			RepoName: cfg.RepoName,
			BaseURL:  cfg.BaseURL,
		}),
		known:    known,
		notifier: noopNotifier{},
		reviewer: noopReviewer{},
		events:   events.NoopPublisher{},
		recorder: metrics.NoopRecorder{},
		now:      time.Now,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// SetPackages replaces the package list used for versions.csv, the
// consistency check and notifications.
func (p *Processor) SetPackages(pkgs []pkginfo.PackageInfo) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.packages = append([]pkginfo.PackageInfo(nil), pkgs...)
}

func (p *Processor) packageList() []pkginfo.PackageInfo {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.packages
}

// Layout returns the publication layout.
func (p *Processor) Layout() publish.Layout { return p.links.Layout() }

// Process records res in the ledger and publishes it. The returned status is
// the one persisted. The error is non-nil only when the ledger could not be
// written; publication problems are folded into a FAILED status.
func (p *Processor) Process(ctx context.Context, res builder.Result) (ledger.Status, error) {
	c := res.Commit
	if c.Type == "" {
		c.Type = ledger.DefaultType
	}
	if c.DtBuild == 0 {
		c.DtBuild = p.now().Unix()
	}
	log := slog.With(logfields.Commit(c.ProjectName, c.CommitHash, c.DistroHash))

	// The previous build decides whether a review may be opened, so it is
	// read before this attempt lands in the ledger.
	previous, err := p.store.LastProcessed(ctx, c.ProjectName, ledger.LastQuery{Type: c.Type})
	if err != nil && !stderrors.Is(err, ledger.ErrNotFound) {
		return "", err
	}

	if res.Err == nil {
		c.Status = ledger.StatusSuccess
		c.Notes = res.Notes
		c.SetArtifacts(res.Artifacts)
	} else {
		log.Error("Build failed", logfields.Error(res.Err))
		c.Notes = res.Err.Error()
		c.Status, err = p.classify(ctx, &c)
		if err != nil {
			return "", err
		}
	}

	if c.Status == ledger.StatusFailed {
		p.writeFallbackLog(&c, res.Err)
		if err := p.handleFailure(ctx, &c, previous); err != nil {
			return "", err
		}
	}

	if !p.devMode {
		if err := p.store.AddCommit(ctx, &c); err != nil {
			return "", err
		}
	}

	if c.Status == ledger.StatusSuccess {
		if perr := p.postBuild(ctx, &c); perr != nil {
			log.Error("Publishing build failed, marking it FAILED", logfields.Error(perr))
			c.Status = ledger.StatusFailed
			c.Notes = "publish failed: " + perr.Error()
			if !p.devMode {
				if err := p.store.UpdateCommit(ctx, &c); err != nil {
					return "", err
				}
			}
			if err := p.handleFailure(ctx, &c, previous); err != nil {
				return "", err
			}
		}
	} else if _, err := p.writeVersions(ctx, &c, nil); err != nil {
		log.Warn("Could not write versions.csv", logfields.Error(err))
	}

	commitDir := p.Layout().CommitDir(&c)
	if err := ledger.WriteSnapshot(commitDir, &c); err != nil {
		log.Warn("Could not export commit snapshot", logfields.Path(commitDir), logfields.Error(err))
	}

	p.recorder.IncBuildOutcome(string(c.Status))
	if res.Duration > 0 {
		p.recorder.ObserveBuildDuration(res.Duration)
	}
	if c.Status == ledger.StatusRetry {
		p.recorder.IncRetry(c.ProjectName)
	}
	ev := events.FromCommit(&c, p.now())
	ev.RunID = events.RunIDFrom(ctx)
	if err := p.events.Publish(ctx, ev); err != nil {
		log.Warn("Could not publish build event", logfields.Error(err))
	}

	log.Info("Build result recorded", logfields.Status(string(c.Status)), logfields.CommitID(c.ID))
	return c.Status, nil
}

// classify decides between RETRY and FAILED for a failed build.
func (p *Processor) classify(ctx context.Context, c *ledger.Commit) (ledger.Status, error) {
	if !p.known.MatchLogs(p.Layout().CommitDir(c)) {
		return ledger.StatusFailed, nil
	}
	retried, err := p.store.TimesRetried(ctx, c.ProjectName, c.CommitHash, c.DistroHash)
	if err != nil {
		return "", err
	}
	if retried < max(p.cfg.MaxRetries, 0) {
		slog.Warn("Known error building package, will retry later",
			logfields.Project(c.ProjectName), slog.Int("retried", retried))
		return ledger.StatusRetry, nil
	}
	return ledger.StatusFailed, nil
}

// writeFallbackLog stores the error text as the build log when the build
// never got far enough to write one.
func (p *Processor) writeFallbackLog(c *ledger.Commit, buildErr error) {
	dir := p.Layout().CommitDir(c)
	path := filepath.Join(dir, builder.BuildLog)
	if st, err := os.Stat(path); err == nil && st.Size() > 0 {
		return
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		slog.Warn("Could not create commit dir", logfields.Path(dir), logfields.Error(err))
		return
	}
	text := c.Notes
	if buildErr != nil {
		text = buildErr.Error()
	}
	if err := os.WriteFile(path, []byte(text+"\n"), 0o644); err != nil {
		slog.Warn("Could not write build log", logfields.Path(path), logfields.Error(err))
	}
}

// handleFailure notifies maintainers (throttled per project) and opens a
// review when the previous build was not already failing.
func (p *Processor) handleFailure(ctx context.Context, c *ledger.Commit, previous *ledger.Commit) error {
	pkg, known := pkginfo.Find(p.packageList(), c.ProjectName)
	if !known {
		pkg = pkginfo.PackageInfo{Name: c.ProjectName}
	}
	f := Failure{
		Package:   pkg,
		Commit:    c,
		LogURL:    p.Layout().BaseURL + "/" + c.Dir(),
		CommitURL: CommitURL(pkg.Upstream, c.CommitHash),
	}

	project, err := p.store.GetProject(ctx, c.ProjectName)
	if stderrors.Is(err, ledger.ErrNotFound) {
		project = &ledger.Project{ProjectName: c.ProjectName}
	} else if err != nil {
		return err
	}
	now := p.now()
	if project.EmailSentSince(now, NotifyWindow) {
		slog.Info("Notification suppressed", logfields.Project(c.ProjectName))
	} else {
		if err := p.notifier.Notify(ctx, f); err != nil {
			slog.Error("Notification failed", logfields.Project(c.ProjectName), logfields.Error(err))
		}
		project.LastEmail = now.Unix()
		if !p.devMode {
			if err := p.store.SaveProject(ctx, project); err != nil {
				return err
			}
		}
	}

	if previous != nil && previous.Status != ledger.StatusSuccess {
		slog.Info("Last build not successful, no review", logfields.Project(c.ProjectName))
		return nil
	}
	if !known {
		slog.Error("Unable to find info for project", logfields.Project(c.ProjectName))
		return nil
	}
	if err := p.reviewer.SubmitReview(ctx, f); err != nil {
		slog.Error("Unable to create review", logfields.Project(c.ProjectName), logfields.Error(err))
	}
	return nil
}

// errPublish wraps post-build failures.
func errPublish(err error, msg string, c *ledger.Commit) error {
	return errors.PublishError(msg).WithCause(err).
		WithContext("project", c.ProjectName).
		WithContext("commit_hash", c.CommitHash).
		Build()
}
