package purge

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/repobuilder/internal/config"
	"git.home.luguber.info/inful/repobuilder/internal/ledger"
	"git.home.luguber.info/inful/repobuilder/internal/testutil"
)

var now = time.Unix(1_700_000_000, 0)

func daysAgo(n int) int64 { return now.Add(-time.Duration(n) * 24 * time.Hour).Unix() }

type fixture struct {
	cfg    *config.Config
	store  *ledger.SQLStore
	engine *Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := testutil.NewConfigBuilder(t).Build()
	store := testutil.NewStore(t)
	return &fixture{cfg: cfg, store: store, engine: New(store, cfg, nil)}
}

func (f *fixture) add(t *testing.T, project, hash string, status ledger.Status, dtBuild int64) *ledger.Commit {
	t.Helper()
	c := testutil.Commit(project, hash, dtBuild-100)
	stored := testutil.AddCommit(t, f.store, c, status, dtBuild)
	stored.SetArtifacts(testutil.WriteArtifacts(t, f.cfg, stored, project+"-1.0-1.noarch.rpm"))
	require.NoError(t, f.store.UpdateCommit(context.Background(), stored))
	return stored
}

func (f *fixture) reload(t *testing.T, c *ledger.Commit) *ledger.Commit {
	t.Helper()
	got, err := f.store.GetCommit(context.Background(), c.ID)
	require.NoError(t, err)
	return got
}

func (f *fixture) opts() Options {
	return Options{OlderThan: 30 * 24 * time.Hour, Now: now}
}

func TestPurgeKeepsNewestSuccess(t *testing.T) {
	f := newFixture(t)
	old := f.add(t, "foo", "aaa111", ledger.StatusSuccess, daysAgo(50))
	newest := f.add(t, "foo", "bbb222", ledger.StatusSuccess, daysAgo(40))

	rep, err := f.engine.Purge(context.Background(), f.opts())
	require.NoError(t, err)
	require.Equal(t, 1, rep.Purged())

	require.NotZero(t, f.reload(t, old).Flags&ledger.FlagPurged)
	require.Zero(t, f.reload(t, newest).Flags&ledger.FlagPurged)

	fa := testutil.NewFileAssertions(t, f.cfg.ReposDir())
	fa.AssertNotExists(old.Dir())
	fa.AssertFileExists(newest.Dir() + "/foo-1.0-1.noarch.rpm")
}

func TestPurgeIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.add(t, "foo", "aaa111", ledger.StatusFailed, daysAgo(50))
	f.add(t, "foo", "bbb222", ledger.StatusSuccess, daysAgo(1))

	rep, err := f.engine.Purge(context.Background(), f.opts())
	require.NoError(t, err)
	require.Equal(t, 1, rep.Purged())

	rep, err = f.engine.Purge(context.Background(), f.opts())
	require.NoError(t, err)
	require.Zero(t, rep.Purged())
	require.Empty(t, rep.Entries)
}

func TestFailedBuildSharingSuccessfulDirKeepsDir(t *testing.T) {
	f := newFixture(t)
	failed := f.add(t, "bar", "ccc333", ledger.StatusFailed, daysAgo(60))
	// Rebuilt successfully later from the same sources.
	f.add(t, "bar", "ccc333", ledger.StatusSuccess, daysAgo(2))

	rep, err := f.engine.Purge(context.Background(), f.opts())
	require.NoError(t, err)
	require.Len(t, rep.Entries, 1)
	require.Equal(t, ActionPurged, rep.Entries[0].Action)
	require.False(t, rep.Entries[0].RemoveDir)

	require.NotZero(t, f.reload(t, failed).Flags&ledger.FlagPurged)
	testutil.NewFileAssertions(t, f.cfg.ReposDir()).AssertFileExists(failed.Dir() + "/bar-1.0-1.noarch.rpm")
}

func TestDryRunChangesNothing(t *testing.T) {
	f := newFixture(t)
	old := f.add(t, "foo", "aaa111", ledger.StatusSuccess, daysAgo(50))
	f.add(t, "foo", "bbb222", ledger.StatusSuccess, daysAgo(40))

	opts := f.opts()
	opts.DryRun = true
	rep, err := f.engine.Purge(context.Background(), opts)
	require.NoError(t, err)
	require.Equal(t, 1, rep.Purged())
	require.True(t, rep.DryRun)

	require.Zero(t, f.reload(t, old).Flags&ledger.FlagPurged)
	testutil.NewFileAssertions(t, f.cfg.ReposDir()).AssertFileExists(old.Dir() + "/foo-1.0-1.noarch.rpm")
}

func TestLivePromotionIsKept(t *testing.T) {
	f := newFixture(t)
	promoted := f.add(t, "foo", "aaa111", ledger.StatusSuccess, daysAgo(50))
	f.add(t, "foo", "bbb222", ledger.StatusSuccess, daysAgo(40))

	require.NoError(t, os.Symlink(promoted.Dir(), filepath.Join(f.cfg.ReposDir(), "tested")))
	require.NoError(t, f.store.AddPromotion(context.Background(), &ledger.Promotion{
		CommitID: promoted.ID, PromotionName: "tested", Timestamp: daysAgo(45),
	}))

	rep, err := f.engine.Purge(context.Background(), f.opts())
	require.NoError(t, err)
	require.Zero(t, rep.Purged())
	require.Equal(t, ActionLive, rep.Entries[0].Action)
	require.Zero(t, f.reload(t, promoted).Flags&ledger.FlagPurged)
}

func TestExcludedDirsProtectCommit(t *testing.T) {
	f := newFixture(t)
	old := f.add(t, "foo", "aaa111", ledger.StatusFailed, daysAgo(50))

	keep := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(keep, "foo-1.0-1.noarch.rpm"), nil, 0o644))

	opts := f.opts()
	opts.ExcludeDirs = []string{keep}
	rep, err := f.engine.Purge(context.Background(), opts)
	require.NoError(t, err)
	require.Equal(t, ActionExcluded, rep.Entries[0].Action)
	require.Zero(t, f.reload(t, old).Flags&ledger.FlagPurged)
}

func TestPurgeRejectsZeroAge(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.Purge(context.Background(), Options{})
	require.Error(t, err)
}

func TestOptionsFromConfig(t *testing.T) {
	cfg := testutil.NewConfigBuilder(t).WithPurge(7, "/srv/keep").Build()
	opts := OptionsFromConfig(cfg)
	if opts.OlderThan != 7*24*time.Hour {
		t.Errorf("OlderThan = %v", opts.OlderThan)
	}
	if len(opts.ExcludeDirs) != 1 || opts.ExcludeDirs[0] != "/srv/keep" {
		t.Errorf("ExcludeDirs = %v", opts.ExcludeDirs)
	}
}

func TestPurgePromotedKeepsLiveAggregate(t *testing.T) {
	f := newFixture(t)
	base := filepath.Join(f.cfg.ReposDir(), "current")
	stale := filepath.Join(base, "aa", "bb", "aabbcc")
	live := filepath.Join(base, "cc", "dd", "ccddee")
	fresh := filepath.Join(base, "ee", "ff", "eeff00")
	for _, d := range []string{stale, live, fresh} {
		require.NoError(t, os.MkdirAll(d, 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(d, "delorean.repo"), []byte("[repo]\n"), 0o644))
	}
	old := now.Add(-60 * 24 * time.Hour)
	require.NoError(t, os.Chtimes(stale, old, old))
	require.NoError(t, os.Chtimes(live, old, old))
	require.NoError(t, os.Symlink(filepath.Join("cc", "dd", "ccddee", "delorean.repo"), filepath.Join(base, "delorean.repo")))

	rep, err := f.engine.PurgePromoted(context.Background(), f.opts())
	require.NoError(t, err)
	require.Equal(t, []string{stale}, rep.Aggregates)

	fa := testutil.NewFileAssertions(t, f.cfg.ReposDir())
	fa.AssertNotExists("current/aa/bb/aabbcc")
	fa.AssertFileExists("current/cc/dd/ccddee/delorean.repo")
	fa.AssertFileExists("current/ee/ff/eeff00/delorean.repo")
}
