package processor

import (
	"context"
	stderrors "errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/repobuilder/internal/builder"
	"git.home.luguber.info/inful/repobuilder/internal/config"
	"git.home.luguber.info/inful/repobuilder/internal/events"
	"git.home.luguber.info/inful/repobuilder/internal/ledger"
	"git.home.luguber.info/inful/repobuilder/internal/pkginfo"
	"git.home.luguber.info/inful/repobuilder/internal/publish"
	"git.home.luguber.info/inful/repobuilder/internal/testutil"
)

type recordingHooks struct {
	mu       sync.Mutex
	notified []string
	reviews  []string
}

func (r *recordingHooks) Notify(_ context.Context, f Failure) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notified = append(r.notified, f.Commit.CommitHash)
	return nil
}

func (r *recordingHooks) SubmitReview(_ context.Context, f Failure) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reviews = append(r.reviews, f.Commit.CommitHash)
	return nil
}

type fixture struct {
	cfg   *config.Config
	store *ledger.SQLStore
	proc  *Processor
	hooks *recordingHooks
	pub   *events.MemoryPublisher
	now   time.Time
}

func newFixture(t *testing.T, cb *testutil.ConfigBuilder, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		cfg:   cb.Build(),
		store: testutil.NewStore(t),
		hooks: &recordingHooks{},
		pub:   &events.MemoryPublisher{},
		now:   time.Unix(1_700_000_000, 0),
	}
	base := []Option{
		WithNotifier(f.hooks),
		WithReviewer(f.hooks),
		WithEvents(f.pub),
		WithClock(func() time.Time { return f.now }),
	}
	p, err := New(f.store, f.cfg, append(base, opts...)...)
	require.NoError(t, err)
	p.SetPackages([]pkginfo.PackageInfo{
		{Name: "foo", Upstream: "https://github.com/example/foo", Distgit: "https://example.com/foo-distgit", Maintainers: []string{"foo@example.com"}},
		{Name: "bar", Upstream: "https://github.com/example/bar", Distgit: "https://example.com/bar-distgit"},
	})
	f.proc = p
	return f
}

func (f *fixture) success(t *testing.T, c ledger.Commit, rpms ...string) builder.Result {
	t.Helper()
	return builder.Result{Commit: c, Artifacts: testutil.WriteArtifacts(t, f.cfg, &c, rpms...), Notes: "OK"}
}

func (f *fixture) failure(t *testing.T, c ledger.Commit, log string) builder.Result {
	t.Helper()
	dir := filepath.Join(f.cfg.ReposDir(), filepath.FromSlash(c.Dir()))
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, builder.BuildLog), []byte(log), 0o644))
	return builder.Result{Commit: c, Err: stderrors.New("build script exited with status 1")}
}

func TestSuccessPublishesCurrentAndConsistent(t *testing.T) {
	f := newFixture(t, testutil.NewConfigBuilder(t))
	ctx := context.Background()

	bar := testutil.Commit("bar", "bbb111", 500)
	barRPMs := testutil.WriteArtifacts(t, f.cfg, &bar, "bar-1.0-1.src.rpm", "bar-1.0-1.noarch.rpm")
	bar.SetArtifacts(barRPMs)
	testutil.AddCommit(t, f.store, bar, ledger.StatusSuccess, 900)

	testutil.AddCommit(t, f.store, testutil.Commit("foo", "abc123", 100), ledger.StatusSuccess, 1000)

	next := testutil.Commit("foo", "def456", 2000)
	status, err := f.proc.Process(ctx, f.success(t, next, "foo-1.0.rpm", "foo-1.0-1.src.rpm"))
	require.NoError(t, err)
	require.Equal(t, ledger.StatusSuccess, status)

	last, err := f.store.LastProcessed(ctx, "foo", ledger.LastQuery{})
	require.NoError(t, err)
	require.Equal(t, "def456", last.CommitHash)
	require.Equal(t, ledger.StatusSuccess, last.Status)
	require.Equal(t, "OK", last.Notes)

	fa := testutil.NewFileAssertions(t, f.cfg.ReposDir())
	fa.AssertLinkTarget(publish.Current, next.Dir()).
		AssertLinkTarget(publish.Consistent, next.Dir()).
		AssertFileContains(next.Dir()+"/delorean.repo", "baseurl=http://localhost/repos/"+next.Dir()).
		AssertFileContains(next.Dir()+"/"+publish.VersionsFile, "foo,https://github.com/example/foo,def456,").
		AssertFileContains(next.Dir()+"/"+publish.VersionsFile, ",SUCCESS,900,None,None,bar-1.0-1").
		AssertFileExists(next.Dir() + "/bar-1.0-1.noarch.rpm").
		AssertFileExists(next.Dir() + "/" + ledger.SnapshotFile)

	votes, err := f.store.ListVotes(ctx, last.ID)
	require.NoError(t, err)
	require.Len(t, votes, 1)
	require.Equal(t, ConsistentVote, votes[0].CIName)
	require.True(t, votes[0].CIVote)

	evs := f.pub.Events()
	require.Len(t, evs, 1)
	require.Equal(t, "SUCCESS", evs[0].Status)
	require.Equal(t, last.ID, evs[0].CommitID)
}

func TestConsistentWaitsForOtherProjects(t *testing.T) {
	f := newFixture(t, testutil.NewConfigBuilder(t))
	ctx := context.Background()

	testutil.AddCommit(t, f.store, testutil.Commit("bar", "bbb111", 500), ledger.StatusFailed, 900)

	c := testutil.Commit("foo", "abc123", 100)
	status, err := f.proc.Process(ctx, f.success(t, c, "foo-1.0.rpm"))
	require.NoError(t, err)
	require.Equal(t, ledger.StatusSuccess, status)

	fa := testutil.NewFileAssertions(t, f.cfg.ReposDir())
	fa.AssertLinkTarget(publish.Current, c.Dir()).
		AssertNotExists(publish.Consistent).
		AssertFileContains(c.Dir()+"/"+publish.VersionsFile, "bar,https://github.com/example/bar,bbb111,https://example.com/bar-distgit,dbbb111,FAILED")

	last, err := f.store.LastProcessed(ctx, "foo", ledger.LastQuery{})
	require.NoError(t, err)
	votes, err := f.store.ListVotes(ctx, last.ID)
	require.NoError(t, err)
	require.Empty(t, votes)
}

func TestRetryAsLatestBlocksConsistent(t *testing.T) {
	f := newFixture(t, testutil.NewConfigBuilder(t))
	ctx := context.Background()

	bar := testutil.Commit("bar", "bbb111", 500)
	bar.SetArtifacts(testutil.WriteArtifacts(t, f.cfg, &bar, "bar-1.0-1.src.rpm"))
	testutil.AddCommit(t, f.store, bar, ledger.StatusSuccess, 900)
	testutil.AddCommit(t, f.store, testutil.Commit("bar", "bbb222", 600), ledger.StatusRetry, 950)

	c := testutil.Commit("foo", "def456", 2000)
	status, err := f.proc.Process(ctx, f.success(t, c, "foo-1.0.rpm"))
	require.NoError(t, err)
	require.Equal(t, ledger.StatusSuccess, status)

	fa := testutil.NewFileAssertions(t, f.cfg.ReposDir())
	fa.AssertLinkTarget(publish.Current, c.Dir()).
		AssertNotExists(publish.Consistent).
		AssertFileExists(c.Dir()+"/bar-1.0-1.src.rpm").
		AssertFileContains(c.Dir()+"/"+publish.VersionsFile, ",RETRY,")

	last, err := f.store.LastProcessed(ctx, "foo", ledger.LastQuery{})
	require.NoError(t, err)
	votes, err := f.store.ListVotes(ctx, last.ID)
	require.NoError(t, err)
	require.Empty(t, votes)
}

func TestKnownErrorRetriesUpToMaxRetries(t *testing.T) {
	f := newFixture(t, testutil.NewConfigBuilder(t).WithMaxRetries(3))
	ctx := context.Background()
	c := testutil.Commit("foo", "xyz", 100)

	want := []ledger.Status{ledger.StatusRetry, ledger.StatusRetry, ledger.StatusRetry, ledger.StatusFailed}
	for i, w := range want {
		status, err := f.proc.Process(ctx, f.failure(t, c, "DEBUG: Error: Nothing to do\n"))
		require.NoError(t, err)
		require.Equalf(t, w, status, "attempt %d", i+1)
	}

	retried, err := f.store.TimesRetried(ctx, "foo", "xyz", "dxyz")
	require.NoError(t, err)
	require.Equal(t, 3, retried)
	require.Equal(t, []string{"xyz"}, f.hooks.notified)
}

func TestRetryPolicy(t *testing.T) {
	tests := []struct {
		name       string
		maxRetries int
		log        string
		want       ledger.Status
	}{
		{"known error within budget", 2, "Error downloading packages\n", ledger.StatusRetry},
		{"unknown error", 2, "error: compilation failed\n", ledger.StatusFailed},
		{"negative budget", -1, "Error downloading packages\n", ledger.StatusFailed},
		{"zero budget", 0, "Error downloading packages\n", ledger.StatusFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cb := testutil.NewConfigBuilder(t)
			f := newFixture(t, cb)
			f.cfg.MaxRetries = tt.maxRetries
			status, err := f.proc.Process(context.Background(), f.failure(t, testutil.Commit("foo", "abc", 1), tt.log))
			require.NoError(t, err)
			if status != tt.want {
				t.Errorf("status = %s, want %s", status, tt.want)
			}
		})
	}
}

func TestNotificationThrottledPerProject(t *testing.T) {
	f := newFixture(t, testutil.NewConfigBuilder(t))
	ctx := context.Background()

	_, err := f.proc.Process(ctx, f.failure(t, testutil.Commit("foo", "aaa", 1), "boom\n"))
	require.NoError(t, err)
	f.now = f.now.Add(time.Hour)
	_, err = f.proc.Process(ctx, f.failure(t, testutil.Commit("foo", "bbb", 2), "boom\n"))
	require.NoError(t, err)
	require.Equal(t, []string{"aaa"}, f.hooks.notified)

	f.now = f.now.Add(NotifyWindow)
	_, err = f.proc.Process(ctx, f.failure(t, testutil.Commit("foo", "ccc", 3), "boom\n"))
	require.NoError(t, err)
	require.Equal(t, []string{"aaa", "ccc"}, f.hooks.notified)

	project, err := f.store.GetProject(ctx, "foo")
	require.NoError(t, err)
	require.Equal(t, f.now.Unix(), project.LastEmail)
}

func TestReviewOnlyAfterSuccessOrFirstBuild(t *testing.T) {
	f := newFixture(t, testutil.NewConfigBuilder(t))
	ctx := context.Background()

	// First build ever: review.
	_, err := f.proc.Process(ctx, f.failure(t, testutil.Commit("foo", "aaa", 1), "boom\n"))
	require.NoError(t, err)
	// Previous build FAILED: no duplicate review.
	_, err = f.proc.Process(ctx, f.failure(t, testutil.Commit("foo", "bbb", 2), "boom\n"))
	require.NoError(t, err)
	require.Equal(t, []string{"aaa"}, f.hooks.reviews)

	// A success resets the chain.
	_, err = f.proc.Process(ctx, f.success(t, testutil.Commit("foo", "ccc", 3), "foo.rpm"))
	require.NoError(t, err)
	_, err = f.proc.Process(ctx, f.failure(t, testutil.Commit("foo", "ddd", 4), "boom\n"))
	require.NoError(t, err)
	require.Equal(t, []string{"aaa", "ddd"}, f.hooks.reviews)
}

func TestPublishFailureDowngradesToFailed(t *testing.T) {
	f := newFixture(t, testutil.NewConfigBuilder(t).WithRepoCommand("/bin/false"))
	ctx := context.Background()

	c := testutil.Commit("foo", "abc123", 100)
	status, err := f.proc.Process(ctx, f.success(t, c, "foo-1.0.rpm"))
	require.NoError(t, err)
	require.Equal(t, ledger.StatusFailed, status)

	last, err := f.store.LastProcessed(ctx, "foo", ledger.LastQuery{})
	require.NoError(t, err)
	require.Equal(t, ledger.StatusFailed, last.Status)
	require.True(t, strings.HasPrefix(last.Notes, "publish failed"), last.Notes)
	require.Equal(t, []string{"abc123"}, f.hooks.notified)
	testutil.NewFileAssertions(t, f.cfg.ReposDir()).AssertNotExists(publish.Current)
}

func TestFailureWithoutLogWritesErrorText(t *testing.T) {
	f := newFixture(t, testutil.NewConfigBuilder(t))
	c := testutil.Commit("foo", "abc", 1)
	res := builder.Result{Commit: c, Err: stderrors.New("preparing checkouts failed")}

	status, err := f.proc.Process(context.Background(), res)
	require.NoError(t, err)
	require.Equal(t, ledger.StatusFailed, status)
	testutil.NewFileAssertions(t, f.cfg.ReposDir()).
		AssertFileContains(c.Dir()+"/"+builder.BuildLog, "preparing checkouts failed")
}

func TestDevModePersistsNothing(t *testing.T) {
	f := newFixture(t, testutil.NewConfigBuilder(t), WithDevMode(true))
	ctx := context.Background()

	_, err := f.proc.Process(ctx, f.success(t, testutil.Commit("foo", "abc", 1), "foo.rpm"))
	require.NoError(t, err)
	_, err = f.proc.Process(ctx, f.failure(t, testutil.Commit("foo", "def", 2), "boom\n"))
	require.NoError(t, err)

	n, err := f.store.CountCommits(ctx, ledger.CommitFilter{})
	require.NoError(t, err)
	require.Zero(t, n)
	_, err = f.store.GetProject(ctx, "foo")
	require.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestComponentAggregation(t *testing.T) {
	f := newFixture(t, testutil.NewConfigBuilder(t).WithComponents())
	f.proc.SetPackages([]pkginfo.PackageInfo{
		{Name: "foo", Component: "compute"},
		{Name: "bar", Component: "network"},
	})
	ctx := context.Background()

	foo := testutil.Commit("foo", "abc123", 1)
	foo.Component = "compute"
	_, err := f.proc.Process(ctx, f.success(t, foo, "foo.rpm"))
	require.NoError(t, err)

	fa := testutil.NewFileAssertions(t, f.cfg.ReposDir())
	fa.AssertLinkResolvesTo("component/compute/current", foo.Dir()).
		AssertLinkResolvesTo("component/compute/consistent", foo.Dir()).
		AssertFileContains("current/delorean.repo", "name=delorean-foo-abc123").
		AssertFileExists("current/delorean.repo.md5").
		AssertFileContains("consistent/versions.csv", "foo,,abc123")
}

func TestCommitURL(t *testing.T) {
	tests := []struct {
		upstream, want string
	}{
		{"https://github.com/openstack/nova.git", "https://github.com/openstack/nova/commit/abc"},
		{"https://opendev.org/openstack/nova", "https://opendev.org/openstack/nova/commit/abc"},
		{"git://git.openstack.org/openstack/nova", "http://git.openstack.org/cgit/openstack/nova/commit/?id=abc"},
		{"https://example.com/foo.git", "https://example.com/foo.git"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := CommitURL(tt.upstream, "abc"); got != tt.want {
			t.Errorf("CommitURL(%q) = %q, want %q", tt.upstream, got, tt.want)
		}
	}
}

func TestRenderMail(t *testing.T) {
	c := testutil.Commit("foo", "abc", 1)
	msg, err := renderMail("repobuilder@example.com", Failure{
		Package: pkginfo.PackageInfo{Name: "foo", Upstream: "https://github.com/example/foo"},
		Commit:  &c,
		LogURL:  "http://localhost/repos/" + c.Dir(),
	})
	require.NoError(t, err)
	text := string(msg)
	require.Contains(t, text, "Subject: [repobuilder] foo master package build failed\r\n")
	require.Contains(t, text, "http://localhost/repos/"+c.Dir())
}

func TestMailNotifierSendsToMaintainers(t *testing.T) {
	n := NewMailNotifier(config.NotificationConfig{SMTPServer: "mail.example.com"})
	var gotAddr string
	var gotTo []string
	n.send = func(addr string, _ smtpAuth, _ string, to []string, _ []byte) error {
		gotAddr, gotTo = addr, to
		return nil
	}
	c := testutil.Commit("foo", "abc", 1)
	require.NoError(t, n.Notify(context.Background(), Failure{
		Package: pkginfo.PackageInfo{Name: "foo", Maintainers: []string{"a@example.com", "b@example.com"}},
		Commit:  &c,
	}))
	require.Equal(t, "mail.example.com:25", gotAddr)
	require.Equal(t, []string{"a@example.com", "b@example.com"}, gotTo)
}
