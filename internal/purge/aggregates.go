package purge

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"git.home.luguber.info/inful/repobuilder/internal/logfields"
)

// PurgePromoted removes aggregate directories, repos/<view>/xx/yy/<hash>,
// that are older than the cutoff and no longer referenced by the view's
// repo file link.
func (e *Engine) PurgePromoted(ctx context.Context, opts Options) (*Report, error) {
	now := opts.Now
	if now.IsZero() {
		now = time.Now()
	}
	report := &Report{Cutoff: now.Add(-opts.OlderThan), DryRun: opts.DryRun}

	names, err := e.viewNames(ctx)
	if err != nil {
		return nil, err
	}
	for _, name := range names {
		base := filepath.Join(e.layout.ReposDir, name)
		var protected string
		link := filepath.Join(base, e.layout.RepoName+".repo")
		if fi, err := os.Lstat(link); err == nil && fi.Mode()&os.ModeSymlink != 0 {
			if target, err := filepath.EvalSymlinks(link); err == nil {
				protected = filepath.Dir(target)
			}
		}

		dirs, err := filepath.Glob(filepath.Join(base, "??", "??", "*"))
		if err != nil {
			return nil, err
		}
		for _, dir := range dirs {
			fi, err := os.Stat(dir)
			if err != nil || !fi.IsDir() || !fi.ModTime().Before(report.Cutoff) {
				continue
			}
			if resolve(dir) == protected {
				slog.Info("Keeping aggregate, it is live", logfields.Promotion(name), logfields.Path(dir))
				continue
			}
			report.Aggregates = append(report.Aggregates, dir)
			if opts.DryRun {
				continue
			}
			slog.Info("Removing aggregate", logfields.Promotion(name), logfields.Path(dir))
			if err := os.RemoveAll(dir); err != nil {
				slog.Warn("Cannot remove aggregate, ignoring", logfields.Path(dir), logfields.Error(err))
			}
		}
	}
	return report, nil
}

// Run purges old commits and, when components are in use, the aggregate
// directories no view points at anymore. Callers hold the file lock.
func (e *Engine) Run(ctx context.Context, opts Options) (*Report, error) {
	report, err := e.Purge(ctx, opts)
	if err != nil || !e.cfg.UseComponents {
		return report, err
	}
	agg, err := e.PurgePromoted(ctx, opts)
	if err != nil {
		return report, err
	}
	report.Aggregates = agg.Aggregates
	return report, nil
}
