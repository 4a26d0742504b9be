// Package purge reclaims disk space used by old commits without breaking
// any published link.
package purge

import (
	"cmp"
	"context"
	stderrors "errors"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"time"

	"git.home.luguber.info/inful/repobuilder/internal/config"
	ferrors "git.home.luguber.info/inful/repobuilder/internal/foundation/errors"
	"git.home.luguber.info/inful/repobuilder/internal/ledger"
	"git.home.luguber.info/inful/repobuilder/internal/logfields"
	"git.home.luguber.info/inful/repobuilder/internal/metrics"
	"git.home.luguber.info/inful/repobuilder/internal/publish"
	"git.home.luguber.info/inful/repobuilder/internal/util/sets"
)

// Options control one purge run.
type Options struct {
	// OlderThan is the minimum age of a build to be purged.
	OlderThan time.Duration
	// DryRun reports planned actions without changing anything.
	DryRun bool
	// ExcludeDirs protects commits whose artifacts are present in any of
	// these directories.
	ExcludeDirs []string
	// Now defaults to time.Now.
	Now time.Time
}

// Action is what purge did, or would do, with one commit.
type Action string

const (
	ActionPurged   Action = "purged"
	ActionKept     Action = "kept-newest"
	ActionLive     Action = "kept-live"
	ActionExcluded Action = "excluded"
)

// Entry describes the outcome for one commit.
type Entry struct {
	Commit    ledger.Commit
	Action    Action
	RemoveDir bool
}

// Report lists every commit considered by a run.
type Report struct {
	Cutoff  time.Time
	DryRun  bool
	Entries []Entry
	// Aggregates are the aggregate directories removed by PurgePromoted.
	Aggregates []string
}

// Purged counts the commits flagged in the run.
func (r *Report) Purged() int {
	n := 0
	for _, e := range r.Entries {
		if e.Action == ActionPurged {
			n++
		}
	}
	return n
}

// Engine runs purges against one ledger and publication tree.
type Engine struct {
	store    *ledger.SQLStore
	cfg      *config.Config
	layout   publish.Layout
	recorder metrics.Recorder
}

// New creates a purge engine.
func New(store *ledger.SQLStore, cfg *config.Config, recorder metrics.Recorder) *Engine {
	if recorder == nil {
		recorder = metrics.NoopRecorder{}
	}
	return &Engine{
		store:    store,
		cfg:      cfg,
		layout:   publish.Layout{ReposDir: cfg.ReposDir(), RepoName: cfg.RepoName, BaseURL: cfg.BaseURL},
		recorder: recorder,
	}
}

// OptionsFromConfig returns the purge options configured for the daemon.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		OlderThan:   time.Duration(cfg.Purge.OlderThanDays) * 24 * time.Hour,
		ExcludeDirs: cfg.Purge.ExcludeDirs,
	}
}

// Purge flags old commits as purged and removes their artifact
// directories. Ledger changes are committed together at the end of the run;
// directories are removed only after that commit succeeds. Filesystem
// errors are logged and never abort the run.
func (e *Engine) Purge(ctx context.Context, opts Options) (*Report, error) {
	if opts.OlderThan <= 0 {
		return nil, ferrors.ValidationError("purge age must be positive").
			WithContext("older_than", opts.OlderThan.String()).Build()
	}
	now := opts.Now
	if now.IsZero() {
		now = time.Now()
	}
	report := &Report{Cutoff: now.Add(-opts.OlderThan), DryRun: opts.DryRun}

	live, err := e.liveDirs(ctx)
	if err != nil {
		return nil, err
	}
	components, err := e.store.Components(ctx)
	if err != nil {
		return nil, err
	}

	var removals []string
	err = e.store.WithTx(ctx, func(tx *ledger.SQLStore) error {
		candidates, err := tx.ListCommits(ctx, ledger.CommitFilter{
			Type:      e.cfg.BuildType,
			Before:    report.Cutoff.Unix(),
			Ascending: true,
		})
		if err != nil {
			return err
		}
		slices.SortStableFunc(candidates, func(a, b ledger.Commit) int {
			return cmp.Compare(a.DtBuild, b.DtBuild)
		})

		for i := range candidates {
			c := candidates[i]
			if c.Flags&ledger.FlagPurged != 0 {
				continue
			}
			entry, err := e.plan(ctx, tx, &c, opts, live, components)
			if err != nil {
				return err
			}
			report.Entries = append(report.Entries, entry)
			if entry.Action != ActionPurged {
				continue
			}
			if entry.RemoveDir {
				removals = append(removals, e.layout.CommitDir(&c))
			}
			if opts.DryRun {
				continue
			}
			c.Flags |= ledger.FlagPurged
			if err := tx.UpdateCommit(ctx, &c); err != nil {
				return err
			}
		}
		if opts.DryRun {
			return errDryRun
		}
		return nil
	})
	if err != nil && !stderrors.Is(err, errDryRun) {
		return nil, ferrors.PurgeError("purge commits").WithCause(err).Build()
	}

	if !opts.DryRun {
		for _, dir := range removals {
			slog.Info("Removing commit directory", logfields.Path(dir))
			if err := os.RemoveAll(dir); err != nil {
				slog.Warn("Cannot remove directory, ignoring", logfields.Path(dir), logfields.Error(err))
			}
		}
		e.recorder.AddPurged(report.Purged())
	}
	slog.Info("Purge finished",
		logfields.Count(report.Purged()),
		slog.Bool("dry_run", opts.DryRun),
		slog.Time("cutoff", report.Cutoff))
	return report, nil
}

// errDryRun rolls back the purge transaction.
var errDryRun = stderrors.New("dry run")

func (e *Engine) plan(ctx context.Context, tx *ledger.SQLStore, c *ledger.Commit, opts Options, live sets.Set[string], components []string) (Entry, error) {
	entry := Entry{Commit: *c}
	log := slog.With(logfields.Commit(c.ProjectName, c.CommitHash, c.DistroHash), logfields.CommitID(c.ID))

	if e.inExcludedDirs(c, opts.ExcludeDirs, components) {
		log.Info("Ignoring commit, artifacts are in an excluded directory")
		entry.Action = ActionExcluded
		return entry, nil
	}
	dir := e.layout.CommitDir(c)
	if live.Has(resolve(dir)) {
		log.Info("Keeping commit, a published link points at it")
		entry.Action = ActionLive
		return entry, nil
	}

	if c.Status == ledger.StatusSuccess {
		newer, err := tx.CountCommits(ctx, ledger.CommitFilter{
			Project:    c.ProjectName,
			Type:       c.Type,
			WithStatus: ledger.StatusSuccess,
			Since:      c.DtBuild,
		})
		if err != nil {
			return entry, err
		}
		if newer == 0 {
			log.Info("Keeping newest successful commit of project")
			entry.Action = ActionKept
			return entry, nil
		}
		entry.Action, entry.RemoveDir = ActionPurged, true
		return entry, nil
	}

	// A failed build may share its directory with a successful rebuild of
	// the same sources.
	shared, err := tx.CountCommits(ctx, ledger.CommitFilter{
		Project:    c.ProjectName,
		Type:       c.Type,
		CommitHash: c.CommitHash,
		WithStatus: ledger.StatusSuccess,
	})
	if err != nil {
		return entry, err
	}
	entry.Action, entry.RemoveDir = ActionPurged, shared == 0
	return entry, nil
}

// inExcludedDirs reports whether any artifact of c is present in one of
// dirs, or in the component-relative copy of one of dirs.
func (e *Engine) inExcludedDirs(c *ledger.Commit, dirs []string, components []string) bool {
	if len(dirs) == 0 {
		return false
	}
	for _, a := range c.ArtifactList() {
		name := filepath.Base(a)
		for _, dir := range dirs {
			if exists(filepath.Join(dir, name)) {
				return true
			}
			rel, err := filepath.Rel(e.layout.ReposDir, dir)
			if err != nil {
				continue
			}
			for _, comp := range components {
				if exists(filepath.Join(e.layout.LinkDir(comp), rel, name)) {
					return true
				}
			}
		}
	}
	return false
}

// liveDirs resolves every promotion link to the directory it points at.
func (e *Engine) liveDirs(ctx context.Context) (sets.Set[string], error) {
	names, err := e.viewNames(ctx)
	if err != nil {
		return nil, err
	}
	components, err := e.store.Components(ctx)
	if err != nil {
		return nil, err
	}
	live := sets.New[string]()
	for _, comp := range append([]string{""}, components...) {
		for _, name := range names {
			link := filepath.Join(e.layout.LinkDir(comp), name)
			if fi, err := os.Lstat(link); err != nil || fi.Mode()&os.ModeSymlink == 0 {
				continue
			}
			if target, err := filepath.EvalSymlinks(link); err == nil {
				live.Add(target)
			}
		}
	}
	return live, nil
}

func (e *Engine) viewNames(ctx context.Context) ([]string, error) {
	names, err := e.store.PromotionNames(ctx)
	if err != nil {
		return nil, err
	}
	out := []string{publish.Current, publish.Consistent}
	for _, n := range names {
		if !slices.Contains(out, n) {
			out = append(out, n)
		}
	}
	return out, nil
}

func resolve(path string) string {
	if p, err := filepath.EvalSymlinks(path); err == nil {
		return p
	}
	return filepath.Clean(path)
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
