package processor

import (
	"context"
	stderrors "errors"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"

	"git.home.luguber.info/inful/repobuilder/internal/foundation/errors"
	"git.home.luguber.info/inful/repobuilder/internal/ledger"
	"git.home.luguber.info/inful/repobuilder/internal/logfields"
	"git.home.luguber.info/inful/repobuilder/internal/pkginfo"
	"git.home.luguber.info/inful/repobuilder/internal/publish"
)

// postBuild turns the commit directory of a successful build into a full
// repository: artifacts of every other project are linked in, versions.csv
// and the repo file are written and the current view moves. The consistent
// view only moves when every other project's latest build succeeded.
func (p *Processor) postBuild(ctx context.Context, c *ledger.Commit) error {
	layout := p.Layout()
	dir := layout.CommitDir(c)

	failures, err := p.writeVersions(ctx, c, p.linkArtifacts)
	if err != nil {
		return errPublish(err, "write versions.csv", c)
	}

	if argv := p.cfg.Build.RepoCommand; len(argv) > 0 {
		args := append(append([]string(nil), argv[1:]...), dir)
		// #nosec G204 -- the command comes from the operator
		cmd := exec.CommandContext(ctx, argv[0], args...)
		if out, err := cmd.CombinedOutput(); err != nil {
			return errors.PublishError("repository metadata command failed").WithCause(err).
				WithContext("output", string(out)).
				WithContext("path", dir).
				Build()
		}
	}

	if err := layout.WriteRepoFile(c); err != nil {
		return errPublish(err, "write repo file", c)
	}

	views := []string{publish.Current}
	if failures == 0 {
		views = append(views, publish.Consistent)
	} else {
		slog.Info("Packages not built correctly, not updating the consistent view", logfields.Count(failures))
	}
	for _, name := range views {
		if err := p.links.UpdateView(c, name); err != nil {
			return err
		}
		p.recorder.IncPromotion(name)
	}

	if failures == 0 && !p.devMode {
		vote := &ledger.CIVote{
			CommitID:  c.ID,
			CIName:    ConsistentVote,
			CIURL:     layout.RepoFileURL(c),
			CIVote:    true,
			Timestamp: p.now().Unix(),
			Notes:     "repository consistent",
			User:      "repobuilder",
			Component: c.Component,
		}
		if err := p.store.AddVote(ctx, vote); err != nil {
			return err
		}
	}

	if p.cfg.UseComponents && c.Component != "" {
		for _, name := range views {
			if _, err := p.links.AggregateComponents(name); err != nil {
				return err
			}
		}
	}
	return nil
}

// scope returns the packages sharing a repository with c.
func (p *Processor) scope(c *ledger.Commit) []pkginfo.PackageInfo {
	all := p.packageList()
	if !p.cfg.UseComponents || c.Component == "" {
		return all
	}
	var out []pkginfo.PackageInfo
	for _, pkg := range all {
		if pkg.Component == c.Component {
			out = append(out, pkg)
		}
	}
	return out
}

// writeVersions writes versions.csv for c and returns how many other
// projects in scope have no successful latest build. link, when set, is
// called with the newest successful build of every other project.
func (p *Processor) writeVersions(ctx context.Context, c *ledger.Commit, link func(dir string, other *ledger.Commit)) (int, error) {
	dir := p.Layout().CommitDir(c)
	own := func(pkg pkginfo.PackageInfo) publish.VersionRow {
		return publish.VersionRow{
			Commit: c, SourceRepo: pkg.Upstream, DistRepo: pkg.Distgit,
			Status: c.Status, Timestamp: c.DtBuild, Artifacts: c.ArtifactList(),
		}
	}

	var rows []publish.VersionRow
	pkgs := p.scope(c)
	if _, ok := pkginfo.Find(pkgs, c.ProjectName); !ok {
		rows = append(rows, own(pkginfo.PackageInfo{Name: c.ProjectName}))
	}

	failures := 0
	for _, pkg := range pkgs {
		if pkg.Name == c.ProjectName {
			rows = append(rows, own(pkg))
			continue
		}
		lastSuccess, err := p.lookup(ctx, pkg.Name, ledger.LastQuery{Status: ledger.StatusSuccess, Type: c.Type})
		if err != nil {
			return 0, err
		}
		// A RETRY as the latest attempt keeps the project out of consistent.
		lastProcessed, err := p.lookup(ctx, pkg.Name, ledger.LastQuery{AnyStatus: true, Type: c.Type})
		if err != nil {
			return 0, err
		}
		last := lastProcessed
		if lastSuccess != nil {
			if link != nil {
				link(dir, lastSuccess)
			}
			last = lastSuccess
		}
		if last == nil {
			failures++
			continue
		}
		rows = append(rows, publish.VersionRow{
			Commit: last, SourceRepo: pkg.Upstream, DistRepo: pkg.Distgit,
			Status: lastProcessed.Status, Timestamp: last.DtBuild, Artifacts: last.ArtifactList(),
		})
		if lastProcessed.Status != ledger.StatusSuccess {
			failures++
		}
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, err
	}
	return failures, publish.WriteVersionsCSV(dir, rows)
}

func (p *Processor) lookup(ctx context.Context, project string, q ledger.LastQuery) (*ledger.Commit, error) {
	c, err := p.store.LastProcessed(ctx, project, q)
	if stderrors.Is(err, ledger.ErrNotFound) {
		return nil, nil
	}
	return c, err
}

// linkArtifacts places relative symlinks to the artifacts of other in dir.
// Artifact paths are relative to the data directory.
func (p *Processor) linkArtifacts(dir string, other *ledger.Commit) {
	for _, a := range other.ArtifactList() {
		src := filepath.Join(p.cfg.DataDir, filepath.FromSlash(a))
		dst := filepath.Join(dir, filepath.Base(src))
		rel, err := filepath.Rel(dir, src)
		if err != nil {
			slog.Warn("Cannot link artifact", logfields.Path(src), logfields.Error(err))
			continue
		}
		if st, err := os.Lstat(dst); err == nil {
			if st.Mode()&os.ModeSymlink == 0 {
				continue
			}
			_ = os.Remove(dst)
		}
		if err := os.Symlink(rel, dst); err != nil {
			slog.Warn("Cannot link artifact", logfields.Path(dst), logfields.Error(err))
		}
	}
}
